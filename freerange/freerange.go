// Package freerange implements the concurrent free-range index: a
// dual-ordered skiplist that tracks free page extents simultaneously by
// starting page index and by (size, starting index). It supports
// concurrent insertion with automatic coalescing of adjacent extents and
// concurrent best-/worst-fit search-and-remove, all under fine-grained
// per-node locks rather than one global lock.
//
// Every node lives in a fixed-size array carved out once at construction
// time; neighbors are referenced by array index rather than by pointer, so
// the structure never needs address-based metadata tricks and never
// allocates after New returns. Page index 0 is reserved as the "no node"
// / "this is the head" sentinel, matching the page allocator's own
// convention of numbering usable pages starting at 1.
package freerange

import (
	"errors"
	"sync/atomic"

	"github.com/badger-systems/pagealloc/internal/cpuops"
)

// MaxHeight bounds the number of skiplist levels a node can occupy.
const MaxHeight = 8

const noNode = 0

// ErrInvalidFree is returned by Insert when the declared extent overlaps
// an already-live extent — the skiplist's way of catching a double free.
var ErrInvalidFree = errors.New("freerange: invalid free: overlaps a live extent")

// ErrOutOfRange is returned when an operation names pages outside
// [1, capacity].
var ErrOutOfRange = errors.New("freerange: index out of range")

// node is one slot of the fixed node array. It is live iff size > 0, in
// which case it describes a free extent starting at its own array index.
// All fields are atomic because the lock-free search paths (LargestSize,
// RemoveBestFit's candidate scan) read them without holding the node's
// modifying flag.
type node struct {
	nextIndex [MaxHeight]atomic.Uint32
	prevIndex [MaxHeight]atomic.Uint32
	nextSize  [MaxHeight]atomic.Uint32
	prevSize  [MaxHeight]atomic.Uint32

	size      atomic.Uint32
	height    atomic.Uint32
	modifying atomic.Bool
}

func (n *node) tryLock() bool {
	return n.modifying.CompareAndSwap(false, true)
}

func (n *node) unlock() {
	n.modifying.Store(false)
}

// List is the dual-ordered free-range skiplist over pages [1, capacity].
type List struct {
	headIndex node
	headSize  node
	nodes     []node
	capacity  uint32
}

// New builds a List covering page indices 1..pageCount. The list starts
// empty; callers insert the initial free extent themselves.
func New(pageCount uint32) *List {
	l := &List{
		nodes:    make([]node, pageCount+1),
		capacity: pageCount,
	}
	l.headIndex.height.Store(MaxHeight)
	l.headSize.height.Store(MaxHeight)
	return l
}

// Capacity returns the number of usable pages the list was built for.
func (l *List) Capacity() uint32 {
	return l.capacity
}

// ref pairs a node pointer with its array index (0 meaning "the head of
// this list"), so that traversal code never has to recover an index from
// a pointer.
type ref struct {
	n   *node
	idx uint32
}

// lockStatus is the tri-state result of attempting to add a node to a
// lock group: it may already be held by this operation, newly acquired,
// or contended by someone else.
type lockStatus int

const (
	lockFailed lockStatus = iota
	lockNew
	lockOwned
)

// lockGroup is the ordered set of per-node locks held by one structural
// operation. It exists purely to guarantee every lock taken is released,
// whatever branch the operation takes.
type lockGroup struct {
	held []*node
}

func (g *lockGroup) contains(n *node) bool {
	for _, h := range g.held {
		if h == n {
			return true
		}
	}
	return false
}

func (g *lockGroup) add(n *node) {
	g.held = append(g.held, n)
}

// acquire tries to lock n. If n is already in this group it is considered
// owned (no-op). If add is true and the lock is freshly acquired, n joins
// the group and will be released by releaseAll.
func (g *lockGroup) acquire(n *node, add bool) lockStatus {
	if g.contains(n) {
		return lockOwned
	}
	if n.tryLock() {
		if add {
			g.add(n)
		}
		return lockNew
	}
	return lockFailed
}

func (g *lockGroup) releaseAll() {
	for _, n := range g.held {
		n.unlock()
	}
	g.held = g.held[:0]
}

func splitmix64(x uint64) uint64 {
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	x = x ^ (x >> 31)
	return x
}

// determineHeight derives a node's skiplist height deterministically from
// its page index: hash the index, count trailing one-bits, cap at
// MaxHeight. Because it is a pure function of the index rather than of a
// runtime address, re-entering the same index after a restart always
// yields the same height.
func determineHeight(index uint32) uint32 {
	h := splitmix64(uint64(index))
	height := uint32(1)
	for h&1 == 1 && height < MaxHeight {
		height++
		h >>= 1
	}
	return height
}

// findPrevByIndex locates, at every level, the last node whose start
// index is less than target, locking and (for levels the search settles
// on) adding each to g. Returns false on any lock contention, having
// released anything it grabbed along the way that isn't already in g.
func (l *List) findPrevByIndex(target uint32, g *lockGroup) ([MaxHeight]ref, bool) {
	var prev [MaxHeight]ref

	current := ref{n: &l.headIndex, idx: noNode}
	status := g.acquire(current.n, false)
	if status == lockFailed {
		return prev, false
	}
	heldIncidental := status == lockNew

	for lvl := MaxHeight - 1; lvl >= 0; lvl-- {
		for {
			nextIdx := current.n.nextIndex[lvl].Load()
			if nextIdx == noNode || nextIdx >= target {
				break
			}
			nextNode := &l.nodes[nextIdx]
			st := g.acquire(nextNode, false)
			if st == lockFailed {
				if heldIncidental {
					current.n.unlock()
				}
				return prev, false
			}
			if heldIncidental {
				current.n.unlock()
			}
			current = ref{n: nextNode, idx: nextIdx}
			heldIncidental = st == lockNew
		}
		if heldIncidental {
			g.add(current.n)
			heldIncidental = false
		}
		prev[lvl] = current
	}
	return prev, true
}

// findPrevBySize locates, at every level, the last node ordered at or
// before (targetSize, targetIndex) in the (size, start-index) ordering.
func (l *List) findPrevBySize(targetSize, targetIndex uint32, g *lockGroup) ([MaxHeight]ref, bool) {
	var prev [MaxHeight]ref

	current := ref{n: &l.headSize, idx: noNode}
	status := g.acquire(current.n, false)
	if status == lockFailed {
		return prev, false
	}
	heldIncidental := status == lockNew

	for lvl := MaxHeight - 1; lvl >= 0; lvl-- {
		for {
			nextIdx := current.n.nextSize[lvl].Load()
			if nextIdx == noNode {
				break
			}
			nextSize := l.nodes[nextIdx].size.Load()
			if nextSize > targetSize || (nextSize == targetSize && nextIdx > targetIndex) {
				break
			}
			nextNode := &l.nodes[nextIdx]
			st := g.acquire(nextNode, false)
			if st == lockFailed {
				if heldIncidental {
					current.n.unlock()
				}
				return prev, false
			}
			if heldIncidental {
				current.n.unlock()
			}
			current = ref{n: nextNode, idx: nextIdx}
			heldIncidental = st == lockNew
		}
		if heldIncidental {
			g.add(current.n)
			heldIncidental = false
		}
		prev[lvl] = current
	}
	return prev, true
}

// lockNextAtLevel locks the node at prevRef.n.next{Index,Size}[lvl], if
// any, adding it to g. This is the "next[ℓ]" half of the neighbor lock
// set required before mutating pointers at level ℓ; prevRef itself is
// already locked by the traversal that produced it.
func (l *List) lockNextAtLevel(prevRef ref, lvl int, bySize bool, g *lockGroup) bool {
	var nextIdx uint32
	if bySize {
		nextIdx = prevRef.n.nextSize[lvl].Load()
	} else {
		nextIdx = prevRef.n.nextIndex[lvl].Load()
	}
	if nextIdx == noNode {
		return true
	}
	return g.acquire(&l.nodes[nextIdx], true) != lockFailed
}

// lockIndexNeighborsOf locks every prev/next neighbor n has in the
// by-index list, across all of n's own levels. Used before unlinking n.
func (l *List) lockIndexNeighborsOf(n *node, g *lockGroup) bool {
	h := int(n.height.Load())
	for lvl := 0; lvl < h; lvl++ {
		prevIdx := n.prevIndex[lvl].Load()
		var prevNode *node
		if prevIdx == noNode {
			prevNode = &l.headIndex
		} else {
			prevNode = &l.nodes[prevIdx]
		}
		if g.acquire(prevNode, true) == lockFailed {
			return false
		}
		if nextIdx := n.nextIndex[lvl].Load(); nextIdx != noNode {
			if g.acquire(&l.nodes[nextIdx], true) == lockFailed {
				return false
			}
		}
	}
	return true
}

// lockSizeNeighborsOf is lockIndexNeighborsOf's counterpart for the
// by-size list.
func (l *List) lockSizeNeighborsOf(n *node, g *lockGroup) bool {
	h := int(n.height.Load())
	for lvl := 0; lvl < h; lvl++ {
		prevIdx := n.prevSize[lvl].Load()
		var prevNode *node
		if prevIdx == noNode {
			prevNode = &l.headSize
		} else {
			prevNode = &l.nodes[prevIdx]
		}
		if g.acquire(prevNode, true) == lockFailed {
			return false
		}
		if nextIdx := n.nextSize[lvl].Load(); nextIdx != noNode {
			if g.acquire(&l.nodes[nextIdx], true) == lockFailed {
				return false
			}
		}
	}
	return true
}

func (l *List) unlinkIndexOf(n *node) {
	h := int(n.height.Load())
	for lvl := 0; lvl < h; lvl++ {
		nextIdx := n.nextIndex[lvl].Load()
		prevIdx := n.prevIndex[lvl].Load()
		if nextIdx != noNode {
			l.nodes[nextIdx].prevIndex[lvl].Store(prevIdx)
		}
		if prevIdx == noNode {
			l.headIndex.nextIndex[lvl].Store(nextIdx)
		} else {
			l.nodes[prevIdx].nextIndex[lvl].Store(nextIdx)
		}
	}
}

func (l *List) unlinkSizeOf(n *node) {
	h := int(n.height.Load())
	for lvl := 0; lvl < h; lvl++ {
		nextIdx := n.nextSize[lvl].Load()
		prevIdx := n.prevSize[lvl].Load()
		if nextIdx != noNode {
			l.nodes[nextIdx].prevSize[lvl].Store(prevIdx)
		}
		if prevIdx == noNode {
			l.headSize.nextSize[lvl].Store(nextIdx)
		} else {
			l.nodes[prevIdx].nextSize[lvl].Store(nextIdx)
		}
	}
}

// removeNode locks and fully unlinks the node at index from both lists.
// removed is false only on lock contention (caller should back off and
// retry); wasLive is false if the node had already been removed by
// someone else by the time we got its lock (caller should not treat this
// as contention — just re-search).
func (l *List) removeNode(index uint32, g *lockGroup) (removed, wasLive bool) {
	nd := &l.nodes[index]
	if g.acquire(nd, true) == lockFailed {
		return false, false
	}
	if nd.size.Load() == 0 {
		return true, false
	}
	if !l.lockIndexNeighborsOf(nd, g) {
		return false, false
	}
	if !l.lockSizeNeighborsOf(nd, g) {
		return false, false
	}
	l.unlinkIndexOf(nd)
	l.unlinkSizeOf(nd)
	return true, true
}

func (l *List) validateRange(index, size uint32) error {
	if size == 0 || index == 0 || index > l.capacity || size > l.capacity-index+1 {
		return ErrOutOfRange
	}
	return nil
}

type attemptStatus int

const (
	attemptOK attemptStatus = iota
	attemptInvalid
	attemptRetrySame
	attemptRetryGrown
)

type attemptResult struct {
	status      attemptStatus
	index, size uint32
	err         error
}

// Insert declares pages [index, index+size) free, coalescing with any
// immediately adjacent live extent. It refuses (ErrInvalidFree) rather
// than merge if the declared extent overlaps a live one.
func (l *List) Insert(index, size uint32) error {
	if err := l.validateRange(index, size); err != nil {
		return err
	}
	for {
		result := l.attemptInsert(index, size)
		switch result.status {
		case attemptOK:
			return nil
		case attemptInvalid:
			return result.err
		case attemptRetryGrown:
			index, size = result.index, result.size
		case attemptRetrySame:
			cpuops.Backoff(2)
		}
	}
}

func (l *List) attemptInsert(index, size uint32) attemptResult {
	g := &lockGroup{}
	defer g.releaseAll()

	nd := &l.nodes[index]
	height := determineHeight(index)
	nd.height.Store(height)

	prevIdx, ok := l.findPrevByIndex(index, g)
	if !ok {
		return attemptResult{status: attemptRetrySame}
	}

	for lvl := 0; lvl < int(height); lvl++ {
		if !l.lockNextAtLevel(prevIdx[lvl], lvl, false, g) {
			return attemptResult{status: attemptRetrySame}
		}
	}

	prev0 := prevIdx[0]
	nextIdx0 := prev0.n.nextIndex[0].Load()

	if nextIdx0 != noNode && nextIdx0 < index+size {
		return attemptResult{status: attemptInvalid, err: ErrInvalidFree}
	}
	if prev0.idx != noNode && prev0.idx+prev0.n.size.Load() > index {
		return attemptResult{status: attemptInvalid, err: ErrInvalidFree}
	}

	// Once a neighbor has been unlinked the pending extent has grown; any
	// later contention must restart with the grown extent, not the one the
	// caller passed in, or the absorbed neighbor's pages would be lost.
	retry := func() attemptResult {
		return attemptResult{status: attemptRetrySame}
	}

	if nextIdx0 != noNode && nextIdx0 == index+size {
		nextNode := &l.nodes[nextIdx0]
		if !l.lockIndexNeighborsOf(nextNode, g) {
			return attemptResult{status: attemptRetrySame}
		}
		if !l.lockSizeNeighborsOf(nextNode, g) {
			return attemptResult{status: attemptRetrySame}
		}
		l.unlinkIndexOf(nextNode)
		l.unlinkSizeOf(nextNode)
		size += nextNode.size.Load()
		nextNode.size.Store(0)
		retry = func() attemptResult {
			return attemptResult{status: attemptRetryGrown, index: index, size: size}
		}
	}

	if prev0.idx != noNode && prev0.idx+prev0.n.size.Load() == index {
		if !l.lockIndexNeighborsOf(prev0.n, g) {
			return retry()
		}
		if !l.lockSizeNeighborsOf(prev0.n, g) {
			return retry()
		}
		l.unlinkIndexOf(prev0.n)
		l.unlinkSizeOf(prev0.n)
		grownIndex := prev0.idx
		grownSize := prev0.n.size.Load() + size
		prev0.n.size.Store(0)
		return attemptResult{status: attemptRetryGrown, index: grownIndex, size: grownSize}
	}

	prevSz, ok := l.findPrevBySize(size, index, g)
	if !ok {
		return retry()
	}
	for lvl := 0; lvl < int(height); lvl++ {
		if !l.lockNextAtLevel(prevSz[lvl], lvl, true, g) {
			return retry()
		}
	}

	nd.size.Store(size)

	for lvl := 0; lvl < int(height); lvl++ {
		nxt := prevIdx[lvl].n.nextIndex[lvl].Load()
		if nxt != noNode {
			l.nodes[nxt].prevIndex[lvl].Store(index)
		}
		nd.nextIndex[lvl].Store(nxt)
		nd.prevIndex[lvl].Store(prevIdx[lvl].idx)
		prevIdx[lvl].n.nextIndex[lvl].Store(index)
	}
	for lvl := 0; lvl < int(height); lvl++ {
		nxt := prevSz[lvl].n.nextSize[lvl].Load()
		if nxt != noNode {
			l.nodes[nxt].prevSize[lvl].Store(index)
		}
		nd.nextSize[lvl].Store(nxt)
		nd.prevSize[lvl].Store(prevSz[lvl].idx)
		prevSz[lvl].n.nextSize[lvl].Store(index)
	}

	return attemptResult{status: attemptOK}
}

// searchFirstFit walks the by-size list looking for the smallest live
// extent whose size is >= threshold, skipping over dead or undersized
// nodes along the way. It takes no locks: callers must re-validate the
// candidate under lock before trusting it.
func (l *List) searchFirstFit(threshold uint32) (uint32, bool) {
	current := &l.headSize
	candidate := uint32(noNode)

	for lvl := MaxHeight - 1; lvl >= 0; lvl-- {
		for {
			candidate = current.nextSize[lvl].Load()
			if candidate == noNode {
				break
			}
			candSize := l.nodes[candidate].size.Load()
			if candSize != 0 && candSize >= threshold {
				break
			}
			current = &l.nodes[candidate]
		}
	}
	if candidate == noNode {
		return 0, false
	}
	return candidate, true
}

// searchLargest walks the by-size list all the way to its rightmost
// (largest) live node.
func (l *List) searchLargest() (uint32, bool) {
	current := &l.headSize
	currentIdx := uint32(noNode)

	for lvl := MaxHeight - 1; lvl >= 0; lvl-- {
		for {
			nextIdx := current.nextSize[lvl].Load()
			if nextIdx == noNode {
				break
			}
			current = &l.nodes[nextIdx]
			currentIdx = nextIdx
		}
	}
	if currentIdx == noNode {
		return 0, false
	}
	if l.nodes[currentIdx].size.Load() == 0 {
		prevIdx := l.nodes[currentIdx].prevSize[0].Load()
		if prevIdx == noNode || l.nodes[prevIdx].size.Load() == 0 {
			return 0, false
		}
		return prevIdx, true
	}
	return currentIdx, true
}

// LargestSize returns the size of the largest live extent, or 0 if the
// list is empty. This is a lock-free snapshot read: it may race with a
// concurrent remove and observe a torn value, but never anything worse
// than "0 extents" or a slightly stale size.
func (l *List) LargestSize() uint32 {
	idx, ok := l.searchLargest()
	if !ok {
		return 0
	}
	return l.nodes[idx].size.Load()
}

// RemoveBestFit finds and detaches a live extent whose size is in
// [sizeReq-slack, +∞), preferring the smallest such extent. If the chosen
// extent is strictly larger than sizeReq, the tail is split off and
// re-inserted; sizeOut equals sizeReq in that case, otherwise it equals
// the extent's own (smaller or equal) size.
func (l *List) RemoveBestFit(sizeReq, slack uint32) (index, sizeOut uint32, ok bool) {
	if sizeReq == 0 {
		return 0, 0, false
	}
	threshold := uint32(1)
	if sizeReq > slack {
		threshold = sizeReq - slack
	}

	for {
		candidate, found := l.searchFirstFit(threshold)
		if !found {
			return 0, 0, false
		}

		g := &lockGroup{}
		removed, live := l.removeNode(candidate, g)
		if !removed {
			g.releaseAll()
			cpuops.Backoff(2)
			continue
		}
		if !live {
			g.releaseAll()
			continue
		}

		nd := &l.nodes[candidate]
		extentSize := nd.size.Load()
		nd.size.Store(0)
		g.releaseAll()

		// The candidate may have been removed and re-inserted smaller
		// between the lock-free search and the locked removal; put an
		// undersized extent back and search again.
		if extentSize < threshold {
			if err := l.Insert(candidate, extentSize); err != nil {
				panic("freerange: unreachable: re-inserting undersized candidate failed: " + err.Error())
			}
			continue
		}

		if extentSize > sizeReq {
			tailIndex := candidate + sizeReq
			tailSize := extentSize - sizeReq
			if err := l.Insert(tailIndex, tailSize); err != nil {
				panic("freerange: unreachable: re-inserting split tail failed: " + err.Error())
			}
			return candidate, sizeReq, true
		}
		return candidate, extentSize, true
	}
}

// RemoveLargest detaches and returns the single largest live extent.
func (l *List) RemoveLargest() (index, size uint32, ok bool) {
	for {
		candidate, found := l.searchLargest()
		if !found {
			return 0, 0, false
		}

		g := &lockGroup{}
		removed, live := l.removeNode(candidate, g)
		if !removed {
			g.releaseAll()
			cpuops.Backoff(2)
			continue
		}
		if !live {
			g.releaseAll()
			continue
		}

		nd := &l.nodes[candidate]
		sz := nd.size.Load()
		nd.size.Store(0)
		g.releaseAll()
		return candidate, sz, true
	}
}
