package pagetable

import "testing"

func TestSetGetRoundTrip(t *testing.T) {
	tbl := New(8)

	tbl.Set(0, KindSingle, 0)
	tbl.Set(1, KindSlab, 3)
	tbl.Set(2, KindPageLink, 0xF)

	cases := []struct {
		index int
		kind  Kind
		datum uint8
	}{
		{0, KindSingle, 0},
		{1, KindSlab, 3},
		{2, KindPageLink, 0xF},
	}

	for _, c := range cases {
		if got := tbl.Kind(c.index); got != c.kind {
			t.Errorf("index %d: kind = %v, want %v", c.index, got, c.kind)
		}
		if got := tbl.Datum(c.index); got != c.datum {
			t.Errorf("index %d: datum = %v, want %v", c.index, got, c.datum)
		}
	}
}

func TestDatumMasksToFourBits(t *testing.T) {
	tbl := New(1)
	tbl.Set(0, KindSlab, 0xFF)
	if got := tbl.Datum(0); got != 0x0F {
		t.Errorf("datum = %#x, want masked to %#x", got, 0x0F)
	}
}

func TestKindMasksToFourBits(t *testing.T) {
	tbl := New(1)
	tbl.Set(0, Kind(0xFF), 0)
	if got := tbl.Kind(0); got != 0x0F {
		t.Errorf("kind = %#x, want masked to %#x", got, 0x0F)
	}
}

func TestLenAndSizeBytes(t *testing.T) {
	tbl := New(128)
	if tbl.Len() != 128 {
		t.Errorf("Len() = %d, want 128", tbl.Len())
	}
	if SizeBytes(128) != 128 {
		t.Errorf("SizeBytes(128) = %d, want 128", SizeBytes(128))
	}
}
