// Package pagealloc is the page-allocator facade: it composes the
// page-type table, the quickpool fast-path cache, and the free-range
// skiplist into AllocPage/FreePage/AllocLink/FreeLink over one mapped
// region.
package pagealloc

import (
	"errors"
	"fmt"
	"log"
	"sync/atomic"

	"github.com/badger-systems/pagealloc/freerange"
	"github.com/badger-systems/pagealloc/internal/cpuops"
	"github.com/badger-systems/pagealloc/pagetable"
	"github.com/badger-systems/pagealloc/quickpool"
	"github.com/badger-systems/pagealloc/region"
)

// maxEncodedPages bounds how many page-type-table entries a page-link's
// length encoding may span: 8*sizeof(size_t)/4 with an 8-byte size_t.
const maxEncodedPages = 16

// ErrInvalidFree is returned by FreeLink when the given page is not the
// live start of an allocated page link: an interior page, an address that
// was never linked, or a link that has already been freed.
var ErrInvalidFree = errors.New("pagealloc: invalid free: not the start of an allocated page link")

// Config configures a new Allocator.
type Config struct {
	// RegionBytes is the total size of the backing mmap'd arena. Rounded
	// down to a whole number of pages; some of that space is consumed by
	// the page-type table itself.
	RegionBytes int
	// AllocRetries bounds how many times AllocPage and AllocLink retry
	// after a miss before giving up and returning ok=false. Defaults to 5.
	AllocRetries int
}

// Allocator is the page-granular allocator: one backing region, a
// quickpool fast path, and a free-range skiplist of record.
type Allocator struct {
	region *region.Region
	table  *pagetable.Table
	pool   *quickpool.Pool
	free   *freerange.List

	totalPages   uint32
	freePages    atomic.Uint32
	invalidFrees atomic.Uint32
	stripeCursor atomic.Uint32
	allocLock    spinlock

	// linkStarts marks the first page of every live page link. The nibble
	// encoding alone cannot tell a genuine two-page link start from an
	// interior page (both read back as length 2), so FreeLink checks here
	// before trusting the decoded length.
	linkStarts []atomic.Bool

	cfg Config
}

// New maps a region of cfg.RegionBytes, lays out the page-type table and
// usable pages within it, and seeds the free-range skiplist with the
// single extent spanning every usable page.
func New(cfg Config) (*Allocator, error) {
	if cfg.AllocRetries <= 0 {
		cfg.AllocRetries = 5
	}

	r, err := region.New(cfg.RegionBytes)
	if err != nil {
		return nil, err
	}
	layout := r.Layout()
	if layout.UsablePages == 0 {
		r.Close()
		return nil, fmt.Errorf("pagealloc: region of %d bytes leaves no usable pages after the page-type table", cfg.RegionBytes)
	}

	a := &Allocator{
		region:     r,
		table:      pagetable.NewFromBytes(r.TableBytes()[:layout.UsablePages+1]),
		pool:       quickpool.New(layout.UsablePages),
		free:       freerange.New(layout.UsablePages),
		totalPages: layout.UsablePages,
		linkStarts: make([]atomic.Bool, layout.UsablePages+1),
		cfg:        cfg,
	}
	a.freePages.Store(layout.UsablePages)

	if err := a.free.Insert(1, layout.UsablePages); err != nil {
		r.Close()
		return nil, fmt.Errorf("pagealloc: seeding initial free extent: %w", err)
	}
	return a, nil
}

// Close releases the backing region. The Allocator must not be used
// afterward.
func (a *Allocator) Close() error {
	return a.region.Close()
}

// AllocPage returns one free page, recording kind and datum in the
// page-type table. Tries the quickpool fast path first; on a miss it
// refills from the free-range skiplist under the coarse alloc lock.
// Returns ok=false only after AllocRetries consecutive misses.
func (a *Allocator) AllocPage(kind pagetable.Kind, datum uint8) (page uint32, ok bool) {
	for attempt := 0; attempt < a.cfg.AllocRetries; attempt++ {
		hint := a.stripeCursor.Add(1)
		if page, ok := a.pool.PopAny(hint); ok {
			a.table.Set(int(page), kind, datum)
			a.freePages.Add(^uint32(0))
			return page, true
		}
		if page, ok := a.refillAndTake(kind, datum); ok {
			return page, true
		}
		retryBackoff(attempt)
	}
	return 0, false
}

// refillAndTake takes a chunk of up to totalPages/16 pages from the
// free-range skiplist, keeps the first for the caller and pushes the rest
// into the quickpool to serve later fast-path hits.
func (a *Allocator) refillAndTake(kind pagetable.Kind, datum uint8) (uint32, bool) {
	a.allocLock.Lock()
	defer a.allocLock.Unlock()

	chunk := a.totalPages / 16
	if chunk == 0 {
		chunk = 1
	}
	slack := chunk - 1

	idx, size, ok := a.free.RemoveBestFit(chunk, slack)
	if !ok {
		return 0, false
	}
	if size > 1 {
		a.pool.PushChain(idx+1, size-1)
	}
	a.table.Set(int(idx), kind, datum)
	a.freePages.Add(^uint32(0))
	return idx, true
}

// FreePage returns a single page to the quickpool. Out-of-range indices
// are refused.
func (a *Allocator) FreePage(page uint32) {
	if page == 0 || page > a.totalPages {
		a.invalidFrees.Add(1)
		return
	}
	a.pool.Push(page)
	a.freePages.Add(1)
}

// AllocLink reserves n >= 2 contiguous pages and returns the index of the
// first. Requests at or above totalPages/8 use worst-fit (RemoveLargest)
// to minimize refusals on large asks; smaller requests use best-fit.
func (a *Allocator) AllocLink(n uint32) (page uint32, ok bool) {
	if n < 2 {
		return 0, false
	}

	worstFitThreshold := a.totalPages / 8

	for attempt := 0; attempt < a.cfg.AllocRetries; attempt++ {
		idx, size, ok := a.tryRemoveForLink(n, worstFitThreshold)
		if !ok {
			idx, size, ok = a.drainAndRetryForLink(n, worstFitThreshold)
		}
		if ok {
			if size > n {
				if err := a.free.Insert(idx+n, size-n); err != nil {
					panic("pagealloc: unreachable: re-inserting alloc_link split tail failed: " + err.Error())
				}
			}
			a.encodeLink(idx, n)
			a.linkStarts[idx].Store(true)
			a.freePages.Add(0 - n)
			return idx, true
		}
		retryBackoff(attempt)
	}
	return 0, false
}

// retryBackoff doubles the pause budget with each failed attempt, capped
// to avoid a pathologically long spin under sustained contention.
func retryBackoff(attempt int) {
	n := 1 << uint(attempt)
	if n > 64 {
		n = 64
	}
	cpuops.Backoff(n)
}

func (a *Allocator) tryRemoveForLink(n, worstFitThreshold uint32) (index, size uint32, ok bool) {
	a.allocLock.Lock()
	defer a.allocLock.Unlock()

	if n >= worstFitThreshold {
		idx, size, ok := a.free.RemoveLargest()
		if !ok {
			return 0, 0, false
		}
		if size < n {
			if err := a.free.Insert(idx, size); err != nil {
				panic("pagealloc: unreachable: re-inserting rejected worst-fit extent failed: " + err.Error())
			}
			return 0, 0, false
		}
		return idx, size, true
	}
	return a.free.RemoveBestFit(n, 0)
}

// drainAndRetryForLink empties quickpool stripes one at a time, highest
// index first, retrying tryRemoveForLink after each single-stripe drain
// and stopping as soon as a range is found rather than batch-draining
// every stripe upfront.
func (a *Allocator) drainAndRetryForLink(n, worstFitThreshold uint32) (index, size uint32, ok bool) {
	for s := int(quickpool.Divisions) - 1; s >= 0; s-- {
		a.drainStripe(uint32(s))
		if idx, size, ok := a.tryRemoveForLink(n, worstFitThreshold); ok {
			return idx, size, true
		}
	}
	return 0, 0, false
}

// drainAllStripes empties every quickpool stripe back into the
// free-range skiplist, letting natural coalescing reassemble whatever
// extents the stripes were holding apart. Used by callers that want a
// full quiescent-point drain (tests checking P4/P5) rather than
// AllocLink's stop-as-soon-as-found retry loop.
func (a *Allocator) drainAllStripes() {
	for s := uint32(0); s < quickpool.Divisions; s++ {
		a.drainStripe(s)
	}
}

// drainStripe empties one quickpool stripe back into the free-range
// skiplist. A page the skiplist refuses was double-freed: it is dropped
// here and the count FreePage added for it is undone.
func (a *Allocator) drainStripe(stripe uint32) {
	for {
		page, ok := a.pool.Pop(stripe)
		if !ok {
			break
		}
		if err := a.free.Insert(page, 1); err != nil {
			log.Printf("pagealloc: refusing invalid free of page %d: %v", page, err)
			a.invalidFrees.Add(1)
			a.freePages.Add(^uint32(0))
		}
	}
}

// FreeLink releases the multi-page extent starting at page, recovering
// its length from the page-type table. Freeing an interior page of a
// link, a page that was never linked, or a link already freed is refused
// with ErrInvalidFree and leaves the allocator unchanged.
func (a *Allocator) FreeLink(page uint32) error {
	if page == 0 || page > a.totalPages || a.table.Kind(int(page)) != pagetable.KindPageLink {
		a.invalidFrees.Add(1)
		return ErrInvalidFree
	}
	if !a.linkStarts[page].CompareAndSwap(true, false) {
		a.invalidFrees.Add(1)
		return ErrInvalidFree
	}
	n := a.decodeLink(page)
	if err := a.free.Insert(page, n); err != nil {
		a.linkStarts[page].Store(true)
		a.invalidFrees.Add(1)
		return err
	}
	a.freePages.Add(n)
	return nil
}

// encodeLink records n across the page-type-table entries of the extent
// starting at index: lengths of 16 or fewer pack into the first page's
// datum as n-2; longer lengths store a 0xF sentinel there and spread the
// length a nibble per page, little-endian, over the following entries.
func (a *Allocator) encodeLink(index, n uint32) {
	if n <= 16 {
		a.table.Set(int(index), pagetable.KindPageLink, uint8(n-2))
		for p := index + 1; p < index+n; p++ {
			a.table.Set(int(p), pagetable.KindPageLink, 0)
		}
		return
	}

	a.table.Set(int(index), pagetable.KindPageLink, 0xF)
	length := uint64(n)
	last := n
	if last > maxEncodedPages-1 {
		last = maxEncodedPages - 1
	}
	for k := uint32(1); k <= last; k++ {
		nibble := uint8((length >> ((k - 1) * 4)) & 0xF)
		a.table.Set(int(index+k), pagetable.KindPageLink, nibble)
	}
	for p := index + maxEncodedPages; p < index+n; p++ {
		a.table.Set(int(p), pagetable.KindPageLink, 0)
	}
}

// decodeLink recovers the page count encoded at index by encodeLink.
func (a *Allocator) decodeLink(index uint32) uint32 {
	first := a.table.Datum(int(index))
	if first != 0xF {
		return uint32(first) + 2
	}
	var length uint64
	for k := uint32(1); k < maxEncodedPages; k++ {
		length |= uint64(a.table.Datum(int(index+k))) << ((k - 1) * 4)
	}
	return uint32(length)
}

// FreePageCount returns the number of pages not currently held by a
// caller (cached in the quickpool or tracked free in the skiplist).
func (a *Allocator) FreePageCount() uint32 {
	return a.freePages.Load()
}

// TotalPageCount returns the usable page count the allocator was built
// with.
func (a *Allocator) TotalPageCount() uint32 {
	return a.totalPages
}

// InvalidFreeCount returns how many invalid frees have been detected and
// refused since the allocator was created.
func (a *Allocator) InvalidFreeCount() uint32 {
	return a.invalidFrees.Load()
}

// LargestFreeExtent returns the size of the largest live free extent
// known to the free-range skiplist. Pages cached in the quickpool but not
// yet drained are not reflected until a drain happens.
func (a *Allocator) LargestFreeExtent() uint32 {
	return a.free.LargestSize()
}

// PageKind returns the allocator-kind tag recorded for the page at index.
func (a *Allocator) PageKind(index uint32) pagetable.Kind {
	return a.table.Kind(int(index))
}

// PageDatum returns the kind-specific datum recorded for the page at
// index.
func (a *Allocator) PageDatum(index uint32) uint8 {
	return a.table.Datum(int(index))
}
