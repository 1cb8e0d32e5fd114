package quickpool

import (
	"sync"
	"testing"
	"time"
)

func TestPushPopSinglePage(t *testing.T) {
	p := New(64)
	p.Push(5)
	if got := p.Size(); got != 1 {
		t.Fatalf("Size() = %d, want 1", got)
	}
	page, ok := p.PopAny(0)
	if !ok || page != 5 {
		t.Fatalf("PopAny() = (%d,%v), want (5,true)", page, ok)
	}
	if got := p.Size(); got != 0 {
		t.Fatalf("Size() after pop = %d, want 0", got)
	}
}

func TestPopEmptyStripeFails(t *testing.T) {
	p := New(64)
	if _, ok := p.Pop(0); ok {
		t.Fatalf("Pop on empty stripe: ok = true, want false")
	}
}

func TestPushChainPreservesOrderAsLIFO(t *testing.T) {
	p := New(64)
	p.PushChain(10, 4) // pages 10,11,12,13

	var got []uint32
	for i := 0; i < 4; i++ {
		page, ok := p.PopAny(p.stripeIndex(10))
		if !ok {
			t.Fatalf("PopAny: expected a page, got none at iteration %d", i)
		}
		got = append(got, page)
	}
	// The chain is pushed head-first with 10 as the new stripe head, so
	// popping must return 10 before its chained successors.
	want := []uint32{10, 11, 12, 13}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("pop order = %v, want %v", got, want)
		}
	}
}

func TestPopAnyTriesEveryStripe(t *testing.T) {
	p := New(800)
	// Push into a high stripe only; PopAny starting at stripe 0 must still
	// find it by trying the rest.
	farPage := uint32(700)
	p.PushChain(farPage, 1)
	page, ok := p.PopAny(0)
	if !ok || page != farPage {
		t.Fatalf("PopAny(0) = (%d,%v), want (%d,true)", page, ok, farPage)
	}
}

func TestConcurrentPushPop(t *testing.T) {
	const pages = 4000
	p := New(pages)

	var wg sync.WaitGroup
	for i := uint32(1); i <= pages; i++ {
		wg.Add(1)
		go func(page uint32) {
			defer wg.Done()
			time.Sleep(time.Microsecond)
			p.Push(page)
		}(i)
	}
	wg.Wait()

	if got := p.Size(); got != pages {
		t.Fatalf("Size() after pushing %d pages = %d", pages, got)
	}

	results := make(chan uint32, pages)
	var pwg sync.WaitGroup
	for g := uint32(0); g < Divisions*2; g++ {
		pwg.Add(1)
		go func(hint uint32) {
			defer pwg.Done()
			for {
				page, ok := p.PopAny(hint)
				if !ok {
					return
				}
				results <- page
			}
		}(g)
	}
	pwg.Wait()
	close(results)

	seen := map[uint32]bool{}
	for page := range results {
		if seen[page] {
			t.Fatalf("page %d popped twice", page)
		}
		seen[page] = true
	}
	if uint32(len(seen)) != pages {
		t.Fatalf("popped %d distinct pages, want %d", len(seen), pages)
	}
}
