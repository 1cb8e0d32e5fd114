// Package slabiface names the narrow contract between a slab allocator
// and the page allocator beneath it: the slab side requests whole pages
// tagged KindSlab with its size class in the datum nibble, and later
// recovers the class of any page it owns from the page-type table. The
// slab allocator itself lives outside this module.
package slabiface

import "github.com/badger-systems/pagealloc/pagetable"

// SizeClass is one of the fixed object sizes a slab page is carved into.
// The set must stay within the datum nibble's four-bit range.
type SizeClass uint8

const (
	SizeClass32 SizeClass = iota
	SizeClass64
	SizeClass128
	SizeClass256
)

// PageSource is the subset of pagealloc.Allocator a slab allocator needs:
// get whole pages tagged KindSlab, give them back, and later recover
// which size class a given page was carved for.
type PageSource interface {
	AllocPage(kind pagetable.Kind, datum uint8) (page uint32, ok bool)
	FreePage(page uint32)
	PageKind(index uint32) pagetable.Kind
	PageDatum(index uint32) uint8
}

// AllocSlabPage asks src for one fresh page tagged as belonging to the
// given slab size class, recording the class in the page-type table's
// datum nibble.
func AllocSlabPage(src PageSource, class SizeClass) (page uint32, ok bool) {
	return src.AllocPage(pagetable.KindSlab, uint8(class))
}

// PageSizeClass recovers the size class recorded for a page previously
// handed out by AllocSlabPage. The caller is responsible for only calling
// this on pages it knows are slab-owned; ok is false if the page-type
// table disagrees.
func PageSizeClass(src PageSource, page uint32) (class SizeClass, ok bool) {
	if src.PageKind(page) != pagetable.KindSlab {
		return 0, false
	}
	return SizeClass(src.PageDatum(page)), true
}

// FreeSlabPage returns a page to the page allocator once every object it
// held has been freed.
func FreeSlabPage(src PageSource, page uint32) {
	src.FreePage(page)
}
