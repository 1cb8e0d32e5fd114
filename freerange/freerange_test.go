package freerange

import (
	"sync"
	"testing"
	"time"
)

// extent is a (start, size) pair used by tests to describe what the list
// should contain.
type extent struct {
	start, size uint32
}

// snapshotByIndex walks the by-index list start to finish without taking
// any locks; it is only safe to call when no other goroutine is mutating
// the list, i.e. in single-threaded test assertions.
func (l *List) snapshotByIndex() []extent {
	var out []extent
	idx := l.headIndex.nextIndex[0].Load()
	for idx != noNode {
		nd := &l.nodes[idx]
		out = append(out, extent{start: idx, size: nd.size.Load()})
		idx = nd.nextIndex[0].Load()
	}
	return out
}

// checkInvariants walks level 0 of both lists looking for self-loops,
// ordering violations, and overlap, and cross-checks that the by-index
// and by-size lists agree on membership. Levels above 0 are not walked.
func (l *List) checkInvariants(t *testing.T) {
	t.Helper()

	seen := map[uint32]bool{}
	idx := l.headIndex.nextIndex[0].Load()
	var lastEnd uint32
	for idx != noNode {
		if seen[idx] {
			t.Fatalf("by-index list: self-loop or revisit at node %d", idx)
		}
		seen[idx] = true
		nd := &l.nodes[idx]
		sz := nd.size.Load()
		if sz == 0 {
			t.Fatalf("by-index list: reachable node %d has size 0", idx)
		}
		if lastEnd != 0 && idx < lastEnd {
			t.Fatalf("by-index list: node %d overlaps previous extent ending at %d", idx, lastEnd)
		}
		lastEnd = idx + sz
		idx = nd.nextIndex[0].Load()
	}

	seenBySize := map[uint32]bool{}
	var lastSize uint32
	sIdx := l.headSize.nextSize[0].Load()
	for sIdx != noNode {
		if seenBySize[sIdx] {
			t.Fatalf("by-size list: self-loop or revisit at node %d", sIdx)
		}
		seenBySize[sIdx] = true
		nd := &l.nodes[sIdx]
		sz := nd.size.Load()
		if sz < lastSize {
			t.Fatalf("by-size list: node %d out of order (size %d after %d)", sIdx, sz, lastSize)
		}
		lastSize = sz
		sIdx = nd.nextSize[0].Load()
	}

	if len(seen) != len(seenBySize) {
		t.Fatalf("by-index list has %d live nodes, by-size list has %d", len(seen), len(seenBySize))
	}
	for k := range seen {
		if !seenBySize[k] {
			t.Fatalf("node %d reachable by index but not by size", k)
		}
	}
}

func TestInsertSingleExtent(t *testing.T) {
	l := New(100)
	if err := l.Insert(1, 10); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	got := l.snapshotByIndex()
	want := []extent{{1, 10}}
	if len(got) != 1 || got[0] != want[0] {
		t.Fatalf("snapshot = %v, want %v", got, want)
	}
	l.checkInvariants(t)
}

func TestInsertCoalescesRightNeighbor(t *testing.T) {
	l := New(100)
	mustInsert(t, l, 20, 10)
	mustInsert(t, l, 10, 10)
	got := l.snapshotByIndex()
	if len(got) != 1 || got[0] != (extent{10, 20}) {
		t.Fatalf("snapshot = %v, want single coalesced extent {10,20}", got)
	}
	l.checkInvariants(t)
}

func TestInsertCoalescesLeftNeighbor(t *testing.T) {
	l := New(100)
	mustInsert(t, l, 10, 10)
	mustInsert(t, l, 20, 10)
	got := l.snapshotByIndex()
	if len(got) != 1 || got[0] != (extent{10, 20}) {
		t.Fatalf("snapshot = %v, want single coalesced extent {10,20}", got)
	}
	l.checkInvariants(t)
}

func TestInsertCoalescesBothNeighbors(t *testing.T) {
	l := New(100)
	mustInsert(t, l, 1, 10)
	mustInsert(t, l, 21, 10)
	mustInsert(t, l, 11, 10)
	got := l.snapshotByIndex()
	if len(got) != 1 || got[0] != (extent{1, 30}) {
		t.Fatalf("snapshot = %v, want single coalesced extent {1,30}", got)
	}
	l.checkInvariants(t)
}

func TestInsertOverlapIsRefused(t *testing.T) {
	l := New(100)
	mustInsert(t, l, 10, 10)
	if err := l.Insert(15, 10); err != ErrInvalidFree {
		t.Fatalf("Insert overlapping range: err = %v, want ErrInvalidFree", err)
	}
}

func TestInsertOutOfRange(t *testing.T) {
	l := New(10)
	if err := l.Insert(0, 1); err != ErrOutOfRange {
		t.Fatalf("Insert(0,1): err = %v, want ErrOutOfRange", err)
	}
	if err := l.Insert(5, 100); err != ErrOutOfRange {
		t.Fatalf("Insert(5,100): err = %v, want ErrOutOfRange", err)
	}
}

func TestRemoveBestFitExactAndSplit(t *testing.T) {
	l := New(100)
	mustInsert(t, l, 1, 20)

	idx, size, ok := l.RemoveBestFit(5, 0)
	if !ok {
		t.Fatalf("RemoveBestFit: not found")
	}
	if idx != 1 || size != 5 {
		t.Fatalf("RemoveBestFit = (%d,%d), want (1,5)", idx, size)
	}
	l.checkInvariants(t)
	got := l.snapshotByIndex()
	if len(got) != 1 || got[0] != (extent{6, 15}) {
		t.Fatalf("tail after split = %v, want {6,15}", got)
	}
}

func TestRemoveBestFitPrefersSmallestSufficient(t *testing.T) {
	l := New(100)
	mustInsert(t, l, 1, 5)
	mustInsert(t, l, 10, 50)
	mustInsert(t, l, 70, 8)

	idx, size, ok := l.RemoveBestFit(8, 0)
	if !ok {
		t.Fatalf("RemoveBestFit: not found")
	}
	if idx != 70 || size != 8 {
		t.Fatalf("RemoveBestFit = (%d,%d), want (70,8)", idx, size)
	}
}

func TestRemoveBestFitHonorsSlack(t *testing.T) {
	l := New(100)
	mustInsert(t, l, 1, 6)

	idx, size, ok := l.RemoveBestFit(8, 2)
	if !ok {
		t.Fatalf("RemoveBestFit with slack: not found")
	}
	if idx != 1 || size != 6 {
		t.Fatalf("RemoveBestFit = (%d,%d), want (1,6)", idx, size)
	}
}

func TestRemoveBestFitNoneQualifies(t *testing.T) {
	l := New(100)
	mustInsert(t, l, 1, 4)
	if _, _, ok := l.RemoveBestFit(10, 0); ok {
		t.Fatalf("RemoveBestFit: expected no match")
	}
}

func TestRemoveLargest(t *testing.T) {
	l := New(100)
	mustInsert(t, l, 1, 5)
	mustInsert(t, l, 10, 50)
	mustInsert(t, l, 70, 8)

	idx, size, ok := l.RemoveLargest()
	if !ok || idx != 10 || size != 50 {
		t.Fatalf("RemoveLargest = (%d,%d,%v), want (10,50,true)", idx, size, ok)
	}
	l.checkInvariants(t)

	idx, size, ok = l.RemoveLargest()
	if !ok || idx != 70 || size != 8 {
		t.Fatalf("RemoveLargest 2nd = (%d,%d,%v), want (70,8,true)", idx, size, ok)
	}
}

func TestLargestSizeEmptyList(t *testing.T) {
	l := New(10)
	if got := l.LargestSize(); got != 0 {
		t.Fatalf("LargestSize on empty list = %d, want 0", got)
	}
}

func TestLargestSizeTracksInserts(t *testing.T) {
	l := New(100)
	mustInsert(t, l, 1, 5)
	if got := l.LargestSize(); got != 5 {
		t.Fatalf("LargestSize = %d, want 5", got)
	}
	mustInsert(t, l, 50, 30)
	if got := l.LargestSize(); got != 30 {
		t.Fatalf("LargestSize = %d, want 30", got)
	}
}

func mustInsert(t *testing.T, l *List, index, size uint32) {
	t.Helper()
	if err := l.Insert(index, size); err != nil {
		t.Fatalf("Insert(%d,%d): %v", index, size, err)
	}
}

// TestConcurrentInsertAndRemove hammers the list with many goroutines
// inserting disjoint single-page extents and then, once every insert has
// finished, 16 others racing to drain them via RemoveBestFit, checking
// that every page is accounted for exactly once at the end.
func TestConcurrentInsertAndRemove(t *testing.T) {
	const pages = 2000
	l := New(pages)

	var wg sync.WaitGroup
	for i := uint32(1); i <= pages; i++ {
		wg.Add(1)
		go func(page uint32) {
			defer wg.Done()
			time.Sleep(time.Microsecond)
			if err := l.Insert(page, 1); err != nil {
				t.Errorf("Insert(%d,1): %v", page, err)
			}
		}(i)
	}
	wg.Wait()

	l.checkInvariants(t)

	removed := make(chan uint32, pages)
	var rwg sync.WaitGroup
	for g := 0; g < 16; g++ {
		rwg.Add(1)
		go func() {
			defer rwg.Done()
			for {
				idx, size, ok := l.RemoveBestFit(1, 0)
				if !ok {
					return
				}
				if size != 1 {
					t.Errorf("RemoveBestFit returned size %d, want 1", size)
				}
				removed <- idx
			}
		}()
	}
	rwg.Wait()
	close(removed)

	seen := map[uint32]bool{}
	for idx := range removed {
		if seen[idx] {
			t.Fatalf("page %d removed twice", idx)
		}
		seen[idx] = true
	}
	if uint32(len(seen)) != pages {
		t.Fatalf("removed %d distinct pages, want %d", len(seen), pages)
	}
	if l.LargestSize() != 0 {
		t.Fatalf("LargestSize after full drain = %d, want 0", l.LargestSize())
	}
}
