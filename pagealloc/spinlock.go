package pagealloc

import (
	"sync/atomic"

	"github.com/badger-systems/pagealloc/internal/cpuops"
)

// spinlock is the coarse lock serializing skiplist refills and link
// allocations: a single busy-wait lock, not a blocking mutex, since its
// holders never suspend.
type spinlock struct {
	held atomic.Bool
}

func (s *spinlock) Lock() {
	backoff := 1
	for !s.held.CompareAndSwap(false, true) {
		cpuops.Backoff(backoff)
		if backoff < 64 {
			backoff *= 2
		}
	}
}

func (s *spinlock) Unlock() {
	s.held.Store(false)
}
