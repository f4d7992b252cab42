package virtq_test

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/qtail/virtd/mem"
	"github.com/qtail/virtd/virtio/virtq"
)

var le = binary.LittleEndian

// ring lays a queue's descriptor table, available ring, and used ring out
// in a single guest memory region, driver-side.
type ring struct {
	t    *testing.T
	back []byte
	view *mem.View
	q    *virtq.Queue

	size uint16
	desc uint64
	avl  uint64
	used uint64

	availIdx uint16
	notified int
}

const (
	ringBase = 0x1000
	ringSpan = 0x10000
	bufBase  = 0x8000
)

func newRing(t *testing.T, size uint16, cfg virtq.Config) *ring {
	t.Helper()

	r := &ring{
		t:    t,
		back: make([]byte, ringSpan),
		size: size,
		desc: ringBase,
		avl:  ringBase + 0x1000,
		used: ringBase + 0x2000,
	}

	tbl, err := mem.NewTable([]mem.Region{
		{GuestBase: ringBase, Size: ringSpan, HostView: r.back, BackingFD: -1},
	})

	if err != nil {
		t.Fatal(err)
	}

	r.view = mem.NewView(tbl)

	cfg.Mem = r.view
	if cfg.Notify == nil {
		cfg.Notify = func() error {
			r.notified++
			return nil
		}
	}

	q, err := virtq.New(size, r.desc, r.avl, r.used, cfg)
	if err != nil {
		t.Fatal(err)
	}

	r.q = q
	return r
}

func (r *ring) at(addr uint64) []byte {
	return r.back[addr-ringBase:]
}

func (r *ring) writeDesc(i uint16, d virtq.Desc) {
	b := r.at(r.desc + uint64(i)*16)
	le.PutUint64(b, d.Addr)
	le.PutUint32(b[8:], d.Len)
	le.PutUint16(b[12:], d.Flags)
	le.PutUint16(b[14:], d.Next)
}

// avail publishes head in the next available-ring slot and bumps the
// available index.
func (r *ring) avail(head uint16) {
	le.PutUint16(r.at(r.avl+4+uint64(r.availIdx%r.size)*2), head)
	r.availIdx++
	le.PutUint16(r.at(r.avl+2), r.availIdx)
}

func (r *ring) setAvailFlags(f uint16) {
	le.PutUint16(r.at(r.avl), f)
}

func (r *ring) setUsedEvent(v uint16) {
	le.PutUint16(r.at(r.avl+4+uint64(r.size)*2), v)
}

func (r *ring) usedIdx() uint16 {
	return le.Uint16(r.at(r.used + 2))
}

func (r *ring) usedEntry(slot uint16) (id, n uint32) {
	b := r.at(r.used + 4 + uint64(slot)*8)
	return le.Uint32(b), le.Uint32(b[4:])
}

func TestNewValidation(t *testing.T) {
	tbl, err := mem.NewTable([]mem.Region{
		{GuestBase: ringBase, Size: ringSpan, HostView: make([]byte, ringSpan), BackingFD: -1},
	})

	if err != nil {
		t.Fatal(err)
	}

	cfg := virtq.Config{Mem: mem.NewView(tbl)}

	cases := []struct {
		name            string
		size            uint16
		desc, avl, used uint64
	}{
		{"size zero", 0, ringBase, ringBase + 0x100, ringBase + 0x200},
		{"size not pow2", 6, ringBase, ringBase + 0x100, ringBase + 0x200},
		{"desc misaligned", 4, ringBase + 8, ringBase + 0x100, ringBase + 0x200},
		{"used misaligned", 4, ringBase, ringBase + 0x100, ringBase + 0x202},
		{"rings unmapped", 4, ringBase + ringSpan, ringBase + 0x100, ringBase + 0x200},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := virtq.New(tc.size, tc.desc, tc.avl, tc.used, cfg); err == nil {
				t.Error("no error")
			}
		})
	}
}

func TestPopEmpty(t *testing.T) {
	r := newRing(t, 4, virtq.Config{})
	if c, err := r.q.Pop(); c != nil || err != nil {
		t.Errorf("c=%v err=%v", c, err)
	}
}

// TestTwoSegmentChain is the canonical request shape: a device-writable
// segment followed by a device-readable one.
func TestTwoSegmentChain(t *testing.T) {
	r := newRing(t, 4, virtq.Config{})

	r.writeDesc(0, virtq.Desc{Addr: bufBase, Len: 16, Flags: virtq.DescFWrite | virtq.DescFNext, Next: 1})
	r.writeDesc(1, virtq.Desc{Addr: bufBase + 0x1000, Len: 8})
	r.avail(0)

	c, err := r.q.Pop()
	if err != nil {
		t.Fatal(err)
	}

	if c.Len() != 2 {
		t.Fatalf("chain has %d segments, want 2", c.Len())
	}

	if !c.IsWO(0) || c.IsRO(0) {
		t.Error("segment 0 is not write-only")
	}

	if !c.IsRO(1) || c.IsWO(1) {
		t.Error("segment 1 is not read-only")
	}

	want := []struct {
		addr uint64
		len  int
	}{{bufBase, 16}, {bufBase + 0x1000, 8}}

	for i, w := range want {
		s := c.Segments()[i]
		if s.Addr != w.addr || s.Len() != w.len {
			t.Errorf("segment %d: addr=%#x len=%d, want addr=%#x len=%d",
				i, s.Addr, s.Len(), w.addr, w.len)
		}
	}

	if err := c.Release(16); err != nil {
		t.Fatal(err)
	}

	if r.usedIdx() != 1 {
		t.Errorf("used idx %d != 1", r.usedIdx())
	}

	if id, n := r.usedEntry(0); id != 0 || n != 16 {
		t.Errorf("used entry {%d, %d} != {0, 16}", id, n)
	}
}

func TestPopFIFO(t *testing.T) {
	r := newRing(t, 8, virtq.Config{})

	for i := uint16(0); i < 5; i++ {
		r.writeDesc(i, virtq.Desc{Addr: bufBase + uint64(i)*0x100, Len: 4})
		r.avail(i)
	}

	var heads []uint16
	for {
		c, err := r.q.Pop()
		if err != nil {
			t.Fatal(err)
		}

		if c == nil {
			break
		}

		heads = append(heads, c.Head())
		if err := c.Release(0); err != nil {
			t.Fatal(err)
		}
	}

	if diff := cmp.Diff([]uint16{0, 1, 2, 3, 4}, heads); diff != "" {
		t.Errorf("pop order mismatch (-want +got):\n%s", diff)
	}
}

func TestChainCycleRejected(t *testing.T) {
	r := newRing(t, 4, virtq.Config{})

	r.writeDesc(0, virtq.Desc{Addr: bufBase, Len: 4, Flags: virtq.DescFNext, Next: 1})
	r.writeDesc(1, virtq.Desc{Addr: bufBase, Len: 4, Flags: virtq.DescFNext, Next: 0})
	r.avail(0)

	if _, err := r.q.Pop(); !errors.Is(err, virtq.ErrChainTooLong) {
		t.Errorf("error isn't ErrChainTooLong: %v", err)
	}

	if r.q.Violations() != 1 {
		t.Errorf("violations %d != 1", r.q.Violations())
	}

	// the queue survives: a good chain behind the bad one still pops
	r.writeDesc(2, virtq.Desc{Addr: bufBase, Len: 4})
	r.avail(2)

	c, err := r.q.Pop()
	if err != nil || c == nil {
		t.Fatalf("c=%v err=%v", c, err)
	}

	if c.Head() != 2 {
		t.Errorf("head %d != 2", c.Head())
	}
}

func TestChainValidation(t *testing.T) {
	cases := []struct {
		name  string
		setup func(r *ring)
		err   error
	}{
		{
			name: "head out of range",
			setup: func(r *ring) {
				r.avail(9)
			},
			err: virtq.ErrBadIndex,
		},
		{
			name: "next out of range",
			setup: func(r *ring) {
				r.writeDesc(0, virtq.Desc{Addr: bufBase, Len: 4, Flags: virtq.DescFNext, Next: 200})
				r.avail(0)
			},
			err: virtq.ErrBadIndex,
		},
		{
			name: "buffer unmapped",
			setup: func(r *ring) {
				r.writeDesc(0, virtq.Desc{Addr: 0xdead0000, Len: 4})
				r.avail(0)
			},
			err: mem.ErrNotMapped,
		},
		{
			name: "buffer overflows",
			setup: func(r *ring) {
				r.writeDesc(0, virtq.Desc{Addr: ^uint64(0) - 1, Len: 4})
				r.avail(0)
			},
			err: mem.ErrOverflow,
		},
		{
			name: "buffer crosses region end",
			setup: func(r *ring) {
				r.writeDesc(0, virtq.Desc{Addr: ringBase + ringSpan - 2, Len: 4})
				r.avail(0)
			},
			err: mem.ErrNotMapped,
		},
		{
			name: "indirect denied",
			setup: func(r *ring) {
				r.writeDesc(0, virtq.Desc{Addr: bufBase, Len: 16, Flags: virtq.DescFIndirect})
				r.avail(0)
			},
			err: virtq.ErrIndirectDenied,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := newRing(t, 8, virtq.Config{})
			tc.setup(r)

			if _, err := r.q.Pop(); !errors.Is(err, tc.err) {
				t.Errorf("error %v, want %v", err, tc.err)
			}

			if r.q.Violations() != 1 {
				t.Errorf("violations %d != 1", r.q.Violations())
			}
		})
	}
}

func TestIndirect(t *testing.T) {
	r := newRing(t, 4, virtq.Config{Indirect: true})

	// two descriptors out of band at bufBase
	tb := r.at(bufBase)
	le.PutUint64(tb, bufBase+0x1000)
	le.PutUint32(tb[8:], 32)
	le.PutUint16(tb[12:], virtq.DescFNext)
	le.PutUint16(tb[14:], 1)

	le.PutUint64(tb[16:], bufBase+0x2000)
	le.PutUint32(tb[24:], 64)
	le.PutUint16(tb[28:], virtq.DescFWrite)

	r.writeDesc(0, virtq.Desc{Addr: bufBase, Len: 32, Flags: virtq.DescFIndirect})
	r.avail(0)

	c, err := r.q.Pop()
	if err != nil {
		t.Fatal(err)
	}

	if c.Len() != 2 {
		t.Fatalf("chain has %d segments, want 2", c.Len())
	}

	if !c.IsRO(0) || !c.IsWO(1) {
		t.Error("segment directions are wrong")
	}

	if c.Segments()[1].Len() != 64 {
		t.Errorf("segment 1 length %d != 64", c.Segments()[1].Len())
	}
}

func TestIndirectMalformed(t *testing.T) {
	cases := []struct {
		name  string
		setup func(r *ring)
		err   error
	}{
		{
			name: "length not a multiple of 16",
			setup: func(r *ring) {
				r.writeDesc(0, virtq.Desc{Addr: bufBase, Len: 24, Flags: virtq.DescFIndirect})
			},
			err: virtq.ErrBadIndirect,
		},
		{
			name: "next set on indirect",
			setup: func(r *ring) {
				r.writeDesc(0, virtq.Desc{Addr: bufBase, Len: 16, Flags: virtq.DescFIndirect | virtq.DescFNext})
			},
			err: virtq.ErrBadIndirect,
		},
		{
			name: "table unmapped",
			setup: func(r *ring) {
				r.writeDesc(0, virtq.Desc{Addr: 0xdead0000, Len: 16, Flags: virtq.DescFIndirect})
			},
			err: virtq.ErrBadIndirect,
		},
		{
			name: "nested indirect",
			setup: func(r *ring) {
				tb := r.at(bufBase)
				le.PutUint64(tb, bufBase+0x1000)
				le.PutUint32(tb[8:], 16)
				le.PutUint16(tb[12:], virtq.DescFIndirect)
				r.writeDesc(0, virtq.Desc{Addr: bufBase, Len: 16, Flags: virtq.DescFIndirect})
			},
			err: virtq.ErrNestedIndirect,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := newRing(t, 4, virtq.Config{Indirect: true})
			tc.setup(r)
			r.avail(0)

			if _, err := r.q.Pop(); !errors.Is(err, tc.err) {
				t.Errorf("error %v, want %v", err, tc.err)
			}
		})
	}
}

func TestNotifyFlags(t *testing.T) {
	t.Run("suppressed", func(t *testing.T) {
		r := newRing(t, 4, virtq.Config{})
		r.setAvailFlags(1)

		r.writeDesc(0, virtq.Desc{Addr: bufBase, Len: 4})
		r.avail(0)

		c, err := r.q.Pop()
		if err != nil {
			t.Fatal(err)
		}

		if err := c.Release(0); err != nil {
			t.Fatal(err)
		}

		if r.q.ShouldNotify() {
			t.Error("notify owed despite suppression flag")
		}

		if err := r.q.Signal(); err != nil {
			t.Fatal(err)
		}

		if r.notified != 0 {
			t.Errorf("notified %d times, want 0", r.notified)
		}
	})

	t.Run("coalesced", func(t *testing.T) {
		r := newRing(t, 4, virtq.Config{})

		for i := uint16(0); i < 3; i++ {
			r.writeDesc(i, virtq.Desc{Addr: bufBase, Len: 4})
			r.avail(i)
		}

		for {
			c, err := r.q.Pop()
			if err != nil {
				t.Fatal(err)
			}

			if c == nil {
				break
			}

			if err := c.Release(0); err != nil {
				t.Fatal(err)
			}
		}

		if !r.q.ShouldNotify() {
			t.Fatal("no notify owed after 3 completions")
		}

		if err := r.q.Signal(); err != nil {
			t.Fatal(err)
		}

		if r.notified != 1 {
			t.Errorf("notified %d times, want 1", r.notified)
		}

		// nothing more owed
		if err := r.q.Signal(); err != nil {
			t.Fatal(err)
		}

		if r.notified != 1 {
			t.Errorf("notified %d times after second signal, want 1", r.notified)
		}
	})
}

func TestNotifyEventIdx(t *testing.T) {
	r := newRing(t, 4, virtq.Config{EventIdx: true})

	// the guest asks for an interrupt once entry 0 is used
	r.setUsedEvent(0)

	r.writeDesc(0, virtq.Desc{Addr: bufBase, Len: 4})
	r.avail(0)

	c, err := r.q.Pop()
	if err != nil {
		t.Fatal(err)
	}

	if err := c.Release(0); err != nil {
		t.Fatal(err)
	}

	if !r.q.ShouldNotify() {
		t.Fatal("no notify owed at used_event crossing")
	}

	if err := r.q.Signal(); err != nil {
		t.Fatal(err)
	}

	// used_event now points far ahead: the next completion owes nothing
	r.setUsedEvent(10)

	r.writeDesc(1, virtq.Desc{Addr: bufBase, Len: 4})
	r.avail(1)

	c, err = r.q.Pop()
	if err != nil {
		t.Fatal(err)
	}

	if err := c.Release(0); err != nil {
		t.Fatal(err)
	}

	if r.q.ShouldNotify() {
		t.Error("notify owed before used_event crossing")
	}
}

func TestAvailEventUpdated(t *testing.T) {
	r := newRing(t, 4, virtq.Config{EventIdx: true})

	r.writeDesc(0, virtq.Desc{Addr: bufBase, Len: 4})
	r.avail(0)

	if c, err := r.q.Pop(); c == nil || err != nil {
		t.Fatalf("c=%v err=%v", c, err)
	}

	availEvent := le.Uint16(r.at(r.used + 4 + 8*uint64(r.size)))
	if availEvent != 1 {
		t.Errorf("avail_event %d != 1", availEvent)
	}
}

func TestSuppressKicks(t *testing.T) {
	r := newRing(t, 4, virtq.Config{})

	if err := r.q.SuppressKicks(true); err != nil {
		t.Fatal(err)
	}

	if f := le.Uint16(r.at(r.used)); f&1 == 0 {
		t.Error("used no-notify flag is not set")
	}

	if err := r.q.SuppressKicks(false); err != nil {
		t.Fatal(err)
	}

	if f := le.Uint16(r.at(r.used)); f&1 != 0 {
		t.Error("used no-notify flag is still set")
	}
}

func TestPushWithoutPop(t *testing.T) {
	r := newRing(t, 4, virtq.Config{})
	if err := r.q.PushUsed(0, 0); !errors.Is(err, virtq.ErrRingFull) {
		t.Errorf("error isn't ErrRingFull: %v", err)
	}
}

// TestQueueIsolation checks that operations on one queue never touch
// another queue's rings or cursors.
func TestQueueIsolation(t *testing.T) {
	r := newRing(t, 4, virtq.Config{})

	other, err := virtq.New(4, ringBase+0x4000, ringBase+0x5000, ringBase+0x6000, virtq.Config{Mem: r.view})
	if err != nil {
		t.Fatal(err)
	}

	r.writeDesc(0, virtq.Desc{Addr: bufBase, Len: 4})
	r.avail(0)

	c, err := r.q.Pop()
	if err != nil {
		t.Fatal(err)
	}

	if err := c.Release(0); err != nil {
		t.Fatal(err)
	}

	if c, err := other.Pop(); c != nil || err != nil {
		t.Errorf("other queue saw work: c=%v err=%v", c, err)
	}

	if idx := le.Uint16(r.at(ringBase + 0x6000 + 2)); idx != 0 {
		t.Errorf("other queue's used idx %d != 0", idx)
	}
}

// TestMemTableSwapMidChain replaces the memory table while a popped chain
// is in flight. The old chain keeps its resolved buffers; the next pop
// re-validates against the new table and fails cleanly.
func TestMemTableSwapMidChain(t *testing.T) {
	r := newRing(t, 4, virtq.Config{})

	r.writeDesc(0, virtq.Desc{Addr: bufBase, Len: 4})
	r.writeDesc(1, virtq.Desc{Addr: bufBase, Len: 4})
	r.avail(0)
	r.avail(1)

	c, err := r.q.Pop()
	if err != nil {
		t.Fatal(err)
	}

	// shrink the region: rings stay mapped, data buffers don't
	shrunk, err := mem.NewTable([]mem.Region{
		{GuestBase: ringBase, Size: bufBase - ringBase, HostView: r.back[:bufBase-ringBase], BackingFD: -1},
	})

	if err != nil {
		t.Fatal(err)
	}

	r.view.Swap(shrunk)

	// the in-flight chain still resolves its old buffers and completes
	copy(c.Data(0), "ok")
	if err := c.Release(0); err != nil {
		t.Fatal(err)
	}

	// the next chain fails re-validation against the new table
	if _, err := r.q.Pop(); !errors.Is(err, mem.ErrNotMapped) {
		t.Errorf("error isn't ErrNotMapped: %v", err)
	}

	if r.q.Violations() != 1 {
		t.Errorf("violations %d != 1", r.q.Violations())
	}
}
