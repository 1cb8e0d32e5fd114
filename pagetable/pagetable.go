// Package pagetable stores the per-page allocator-ownership byte array that
// sits underneath the page allocator. Each page gets one byte: a 4-bit
// allocator-kind tag in the high nibble and a 4-bit kind-specific datum in
// the low nibble. There is no locking here — the free-range index already
// serializes ownership of a page between alloc and free, so a page's entry
// only ever has one writer at a time.
package pagetable

// Kind identifies which allocator currently owns a page.
type Kind uint8

const (
	// KindSingle marks a page handed out by AllocPage.
	KindSingle Kind = 0
	// KindSlab marks a page owned by the (external) slab allocator.
	KindSlab Kind = 1
	// KindBuddy is reserved for a future buddy allocator.
	KindBuddy Kind = 2
	// KindPageLink marks a page that is part of a multi-page extent
	// returned by AllocLink.
	KindPageLink Kind = 3
)

// Table is a byte-per-page allocator-ownership record.
type Table struct {
	entries []byte
}

// New allocates a table sized for pageCount pages, all initially zeroed
// (KindSingle, datum 0 — overwritten before a page is ever handed out).
func New(pageCount int) *Table {
	return &Table{entries: make([]byte, pageCount)}
}

// NewFromBytes wraps an existing byte slice as a table instead of
// allocating a fresh one, so the table can live directly in the region's
// own mapped memory rather than a separate Go allocation.
func NewFromBytes(backing []byte) *Table {
	return &Table{entries: backing}
}

// SizeBytes returns the number of bytes the table occupies, one per page.
func SizeBytes(pageCount int) int {
	return pageCount
}

func pack(kind Kind, datum uint8) byte {
	return byte(kind&0x0F)<<4 | (datum & 0x0F)
}

// Set records kind and datum for the page at index.
func (t *Table) Set(index int, kind Kind, datum uint8) {
	t.entries[index] = pack(kind, datum)
}

// Kind returns the allocator kind recorded for the page at index.
func (t *Table) Kind(index int) Kind {
	return Kind(t.entries[index] >> 4 & 0x0F)
}

// Datum returns the kind-specific low nibble recorded for the page at index.
func (t *Table) Datum(index int) uint8 {
	return t.entries[index] & 0x0F
}

// Raw returns the packed (kind<<4)|datum byte for the page at index.
func (t *Table) Raw(index int) byte {
	return t.entries[index]
}

// Len returns the number of page entries in the table.
func (t *Table) Len() int {
	return len(t.entries)
}
