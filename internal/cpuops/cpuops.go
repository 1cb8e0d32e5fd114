// Package cpuops provides the tiny spin-wait primitive the free-range
// skiplist and the page allocator's retry loops and spinlock use while
// backing off from a failed try-lock.
// A portable Go program has no hardware pause instruction to issue, so
// Pause yields the scheduler instead.
package cpuops

import "runtime"

// Pause yields the current goroutine's time slice once.
func Pause() {
	runtime.Gosched()
}

// Backoff calls Pause n times, used by retry loops that double their pause
// count on each failed attempt.
func Backoff(n int) {
	for i := 0; i < n; i++ {
		Pause()
	}
}
