// Package mem provides a bounds-checked view of guest physical memory as a
// table of mapped regions. Virtqueue code never touches guest memory except
// through a View, so a region table can be replaced (guest memory hot-add,
// vhost-user SET_MEM_TABLE) without invalidating callers: each access
// re-validates against the table that is current at that moment.
package mem

import (
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
)

var (
	ErrNotMapped = errors.New("mem: address is not mapped")
	ErrOverflow  = errors.New("mem: address range overflows")
	ErrOverlap   = errors.New("mem: regions overlap")
)

// Region maps a range of guest physical addresses onto host memory.
// HostView aliases the host mapping and must be exactly Size bytes long.
// BackingFD and BackingOffset describe the backing object for regions
// established over a shared file (vhost-user memory tables). For anonymous
// regions BackingFD is -1.
type Region struct {
	GuestBase     uint64
	Size          uint64
	HostView      []byte
	BackingFD     int
	BackingOffset uint64
}

func (r *Region) contains(addr uint64) bool {
	return addr >= r.GuestBase && addr-r.GuestBase < r.Size
}

// Table is an immutable set of regions sorted by guest base address.
type Table struct {
	regions []Region
}

// NewTable validates the given regions and returns a table over them.
// Regions must not overlap, must be non-empty, and HostView length must
// match Size.
func NewTable(regions []Region) (*Table, error) {
	rr := make([]Region, len(regions))
	copy(rr, regions)

	sort.Slice(rr, func(i, j int) bool {
		return rr[i].GuestBase < rr[j].GuestBase
	})

	for i := range rr {
		r := &rr[i]

		if r.Size == 0 {
			return nil, fmt.Errorf("mem: region %d: size is 0", i)
		}

		if r.GuestBase+r.Size < r.GuestBase {
			return nil, fmt.Errorf("%w: region %d: base %#x size %#x",
				ErrOverflow, i, r.GuestBase, r.Size)
		}

		if uint64(len(r.HostView)) != r.Size {
			return nil, fmt.Errorf("mem: region %d: host view is %d bytes, want %d",
				i, len(r.HostView), r.Size)
		}

		if i > 0 {
			prev := &rr[i-1]
			if r.GuestBase < prev.GuestBase+prev.Size {
				return nil, fmt.Errorf("%w: region %d", ErrOverlap, i)
			}
		}
	}

	return &Table{regions: rr}, nil
}

// Regions returns the table's regions in guest address order.
// The returned slice must not be modified.
func (t *Table) Regions() []Region {
	return t.regions
}

// RegionFor returns the region containing addr, or ErrNotMapped.
func (t *Table) RegionFor(addr uint64) (*Region, error) {
	i := sort.Search(len(t.regions), func(i int) bool {
		r := &t.regions[i]
		return addr < r.GuestBase+r.Size
	})

	if i < len(t.regions) && t.regions[i].contains(addr) {
		return &t.regions[i], nil
	}

	return nil, fmt.Errorf("%w: %#x", ErrNotMapped, addr)
}

// Slice returns host memory aliasing n bytes of guest memory at addr.
// The range must lie entirely within one mapped region.
func (t *Table) Slice(addr uint64, n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("mem: negative length %d", n)
	}

	if addr+uint64(n) < addr {
		return nil, fmt.Errorf("%w: %#x+%#x", ErrOverflow, addr, n)
	}

	r, err := t.RegionFor(addr)
	if err != nil {
		return nil, err
	}

	off := addr - r.GuestBase
	if off+uint64(n) > r.Size {
		return nil, fmt.Errorf("%w: %#x+%#x crosses region end %#x",
			ErrNotMapped, addr, n, r.GuestBase+r.Size)
	}

	return r.HostView[off : off+uint64(n) : off+uint64(n)], nil
}

// ReadAt copies guest memory at addr into p.
func (t *Table) ReadAt(p []byte, addr uint64) error {
	src, err := t.Slice(addr, len(p))
	if err != nil {
		return err
	}

	copy(p, src)
	return nil
}

// WriteAt copies p into guest memory at addr.
func (t *Table) WriteAt(p []byte, addr uint64) error {
	dst, err := t.Slice(addr, len(p))
	if err != nil {
		return err
	}

	copy(dst, p)
	return nil
}

// View is a handle to the current memory table. Many readers may use a View
// concurrently while one owner replaces the table with Swap.
type View struct {
	t atomic.Pointer[Table]
}

// NewView returns a view of the given table.
func NewView(t *Table) *View {
	v := new(View)
	v.t.Store(t)
	return v
}

// Table returns the current table.
func (v *View) Table() *Table {
	return v.t.Load()
}

// Swap replaces the table. In-flight users of the old table finish against
// it; the next access through the view sees the new one.
func (v *View) Swap(t *Table) {
	v.t.Store(t)
}

// Slice resolves addr against the current table.
func (v *View) Slice(addr uint64, n int) ([]byte, error) {
	return v.t.Load().Slice(addr, n)
}

// RegionFor resolves addr against the current table.
func (v *View) RegionFor(addr uint64) (*Region, error) {
	return v.t.Load().RegionFor(addr)
}
