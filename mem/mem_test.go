package mem_test

import (
	"bytes"
	"errors"
	"math"
	"testing"

	"github.com/qtail/virtd/mem"
)

func newTestTable(t *testing.T) *mem.Table {
	t.Helper()

	tbl, err := mem.NewTable([]mem.Region{
		{GuestBase: 0x1000, Size: 0x1000, HostView: make([]byte, 0x1000), BackingFD: -1},
		{GuestBase: 0x4000, Size: 0x2000, HostView: make([]byte, 0x2000), BackingFD: -1},
	})

	if err != nil {
		t.Fatal(err)
	}

	return tbl
}

func TestTableSlice(t *testing.T) {
	tbl := newTestTable(t)

	s, err := tbl.Slice(0x1000, 16)
	if err != nil {
		t.Fatal(err)
	}

	copy(s, "hello")

	var p [5]byte
	if err := tbl.ReadAt(p[:], 0x1000); err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(p[:], []byte("hello")) {
		t.Errorf("%q != %q", p, "hello")
	}
}

func TestTableSliceNotMapped(t *testing.T) {
	tbl := newTestTable(t)

	cases := []struct {
		name string
		addr uint64
		len  int
	}{
		{"below", 0x0, 16},
		{"between", 0x2000, 16},
		{"above", 0x6000, 16},
		{"crosses end", 0x1ff8, 16},
		{"crosses gap", 0x1fff, 2},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := tbl.Slice(tc.addr, tc.len); !errors.Is(err, mem.ErrNotMapped) {
				t.Errorf("error isn't ErrNotMapped: %v", err)
			}
		})
	}
}

func TestTableSliceOverflow(t *testing.T) {
	tbl := newTestTable(t)
	if _, err := tbl.Slice(math.MaxUint64-8, 16); !errors.Is(err, mem.ErrOverflow) {
		t.Errorf("error isn't ErrOverflow: %v", err)
	}
}

func TestTableRegionFor(t *testing.T) {
	tbl := newTestTable(t)

	r, err := tbl.RegionFor(0x4800)
	if err != nil {
		t.Fatal(err)
	}

	if r.GuestBase != 0x4000 {
		t.Errorf("region base %#x != %#x", r.GuestBase, 0x4000)
	}

	if _, err := tbl.RegionFor(0x3000); !errors.Is(err, mem.ErrNotMapped) {
		t.Errorf("error isn't ErrNotMapped: %v", err)
	}
}

func TestNewTableRejectsOverlap(t *testing.T) {
	_, err := mem.NewTable([]mem.Region{
		{GuestBase: 0x1000, Size: 0x1000, HostView: make([]byte, 0x1000), BackingFD: -1},
		{GuestBase: 0x1800, Size: 0x1000, HostView: make([]byte, 0x1000), BackingFD: -1},
	})

	if !errors.Is(err, mem.ErrOverlap) {
		t.Errorf("error isn't ErrOverlap: %v", err)
	}
}

func TestViewSwap(t *testing.T) {
	old := newTestTable(t)
	v := mem.NewView(old)

	if _, err := v.Slice(0x1000, 8); err != nil {
		t.Fatal(err)
	}

	// The replacement table drops the low region.
	next, err := mem.NewTable([]mem.Region{
		{GuestBase: 0x4000, Size: 0x2000, HostView: make([]byte, 0x2000), BackingFD: -1},
	})

	if err != nil {
		t.Fatal(err)
	}

	v.Swap(next)

	if _, err := v.Slice(0x1000, 8); !errors.Is(err, mem.ErrNotMapped) {
		t.Errorf("error isn't ErrNotMapped after swap: %v", err)
	}

	if _, err := v.Slice(0x4000, 8); err != nil {
		t.Errorf("surviving region failed after swap: %v", err)
	}
}
