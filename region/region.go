//go:build unix

// Package region owns the allocator's single backing arena: one
// anonymous mmap'd mapping, partitioned into a page-type table followed
// by the usable pages the table describes. The allocator owns the arena
// outright, so the mapping is anonymous rather than file-backed.
package region

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// PageSize is the allocator's fixed page granularity.
const PageSize = 4096

// Layout describes how a region's bytes are partitioned between the
// page-type table and the usable pages that follow it.
type Layout struct {
	TableBytes    int
	TablePages    int
	FirstPageAddr int
	UsablePages   uint32
}

// computeLayout carves tablePages = ceil(rawPages/PageSize) pages off the
// front of the region for a one-byte-per-page table, and returns what's
// left as usable pages.
func computeLayout(totalBytes int) Layout {
	rawPages := totalBytes / PageSize
	tableBytes := rawPages
	tablePages := (tableBytes + PageSize - 1) / PageSize
	usable := rawPages - tablePages
	if usable < 0 {
		usable = 0
	}
	return Layout{
		TableBytes:    tableBytes,
		TablePages:    tablePages,
		FirstPageAddr: tablePages * PageSize,
		UsablePages:   uint32(usable),
	}
}

// Region is a single anonymous memory mapping carved into a page-type
// table and a run of fixed-size usable pages.
type Region struct {
	data   []byte
	layout Layout
}

// New maps totalBytes of anonymous memory and computes its Layout.
// totalBytes is rounded down to a whole number of pages.
func New(totalBytes int) (*Region, error) {
	if totalBytes < PageSize {
		return nil, fmt.Errorf("region: size %d smaller than one page", totalBytes)
	}
	pages := totalBytes / PageSize
	mapped := pages * PageSize

	data, err := unix.Mmap(-1, 0, mapped, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("region: mmap: %w", err)
	}

	return &Region{
		data:   data,
		layout: computeLayout(mapped),
	}, nil
}

// Layout returns the region's table/usable-page partition.
func (r *Region) Layout() Layout {
	return r.layout
}

// TableBytes returns the slice backing the page-type table.
func (r *Region) TableBytes() []byte {
	return r.data[:r.layout.TableBytes]
}

// Page returns the byte slice for the usable page at the given 1-based
// index.
func (r *Region) Page(index uint32) []byte {
	start := r.layout.FirstPageAddr + int(index-1)*PageSize
	return r.data[start : start+PageSize]
}

// Lock pins the whole mapping in physical memory, refusing to let it be
// swapped out.
func (r *Region) Lock() error {
	return unix.Mlock(r.data)
}

// Unlock reverses Lock.
func (r *Region) Unlock() error {
	return unix.Munlock(r.data)
}

// AdviseWillNeed hints to the kernel that the whole region will be
// touched soon, used right after New to discourage lazy fault-in
// surprises during the first allocation burst.
func (r *Region) AdviseWillNeed() error {
	return unix.Madvise(r.data, unix.MADV_WILLNEED)
}

// Close releases the mapping. The Region must not be used afterward.
func (r *Region) Close() error {
	if r.data == nil {
		return nil
	}
	err := unix.Munmap(r.data)
	r.data = nil
	return err
}
