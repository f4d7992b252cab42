package virtq

import (
	"errors"
	"fmt"
)

// Decode errors. All of them mean the guest published a malformed chain;
// the chain is skipped and the queue's violation counter is incremented.
var (
	ErrBadIndex       = errors.New("virtq: descriptor index out of range")
	ErrChainTooLong   = errors.New("virtq: descriptor chain exceeds queue size")
	ErrTooManySegs    = errors.New("virtq: too many buffer segments")
	ErrEmptyChain     = errors.New("virtq: descriptor chain has no buffers")
	ErrIndirectDenied = errors.New("virtq: indirect descriptor without VIRTIO_F_INDIRECT_DESC")
	ErrBadIndirect    = errors.New("virtq: malformed indirect descriptor table")
	ErrNestedIndirect = errors.New("virtq: nested indirect descriptor")
)

// Segment is one buffer of a descriptor chain, resolved against guest
// memory. A write-only segment is for the device to fill; a read-only
// segment carries data from the guest.
type Segment struct {
	Addr uint64
	buf  []byte
	wo   bool
}

// Bytes returns host memory aliasing the segment's guest buffer.
func (s *Segment) Bytes() []byte {
	return s.buf
}

// Len returns the segment length in bytes.
func (s *Segment) Len() int {
	return len(s.buf)
}

// Chain is a validated descriptor chain popped from a queue. The caller
// must call Release exactly once when the device is done with it.
type Chain struct {
	q        *Queue
	head     uint16
	seg      []Segment
	released bool
}

// Head returns the chain's head descriptor index.
func (c *Chain) Head() uint16 {
	return c.head
}

// Len returns the number of buffer segments in the chain.
func (c *Chain) Len() int {
	return len(c.seg)
}

// Segments returns the chain's segments in guest order.
func (c *Chain) Segments() []Segment {
	return c.seg
}

// Data returns host memory aliasing segment i's guest buffer.
func (c *Chain) Data(i int) []byte {
	return c.seg[i].buf
}

// IsRO reports whether segment i is read-only to the device.
func (c *Chain) IsRO(i int) bool {
	return !c.seg[i].wo
}

// IsWO reports whether segment i is write-only to the device.
func (c *Chain) IsWO(i int) bool {
	return c.seg[i].wo
}

// Release pushes the chain into the used ring, recording that bytesWritten
// bytes were written to its device-writable segments. Whether an interrupt
// is owed is recorded on the queue; the owner delivers it with Signal.
func (c *Chain) Release(bytesWritten int) error {
	if c.released {
		return errors.New("virtq: chain released twice")
	}

	c.released = true
	return c.q.PushUsed(c.head, uint32(bytesWritten))
}

// readDesc reads descriptor i of the queue's descriptor table.
func (q *Queue) readDesc(i uint16) (Desc, error) {
	b, err := q.cfg.Mem.Slice(q.descAddr+uint64(i)*descSize, descSize)
	if err != nil {
		return Desc{}, err
	}

	return Desc{
		Addr:  le.Uint64(b),
		Len:   le.Uint32(b[8:]),
		Flags: le.Uint16(b[12:]),
		Next:  le.Uint16(b[14:]),
	}, nil
}

// resolve walks the descriptor table from head and assembles a validated
// chain. Links are followed at most queue-size times, so a cycle is always
// detected as a too-long chain instead of unbounded work. Each descriptor's
// buffer must lie entirely within mapped guest memory. One level of
// indirection is expanded; an indirect descriptor inside an indirect table
// is a decode failure.
func (q *Queue) resolve(head uint16) (*Chain, error) {
	c := &Chain{q: q, head: head}

	var steps int
	i := head

	for {
		if i >= q.size {
			return nil, fmt.Errorf("%w: %d >= %d", ErrBadIndex, i, q.size)
		}

		if steps++; steps > int(q.size) {
			return nil, ErrChainTooLong
		}

		d, err := q.readDesc(i)
		if err != nil {
			return nil, err
		}

		if d.Flags&DescFIndirect != 0 {
			if !q.cfg.Indirect {
				return nil, ErrIndirectDenied
			}

			// "A driver MUST NOT set both VIRTQ_DESC_F_INDIRECT and
			// VIRTQ_DESC_F_NEXT in flags."
			if d.Flags&DescFNext != 0 {
				return nil, fmt.Errorf("%w: NEXT set on indirect descriptor", ErrBadIndirect)
			}

			if err := q.expandIndirect(c, d); err != nil {
				return nil, err
			}

			break
		}

		if err := c.appendSegment(q, d); err != nil {
			return nil, err
		}

		if d.Flags&DescFNext == 0 {
			break
		}

		i = d.Next
	}

	if len(c.seg) == 0 {
		return nil, ErrEmptyChain
	}

	return c, nil
}

// expandIndirect parses the out-of-band descriptor table referenced by d.
func (q *Queue) expandIndirect(c *Chain, d Desc) error {
	if d.Len == 0 || d.Len%descSize != 0 {
		return fmt.Errorf("%w: table length %d", ErrBadIndirect, d.Len)
	}

	n := d.Len / descSize
	if int(n) > q.cfg.MaxSegments {
		return fmt.Errorf("%w: %d indirect descriptors", ErrTooManySegs, n)
	}

	table, err := q.cfg.Mem.Slice(d.Addr, int(d.Len))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBadIndirect, err)
	}

	var steps uint32
	for i := uint32(0); ; {
		if i >= n {
			return fmt.Errorf("%w: index %d >= %d", ErrBadIndex, i, n)
		}

		if steps++; steps > n {
			return ErrChainTooLong
		}

		b := table[i*descSize:]
		id := Desc{
			Addr:  le.Uint64(b),
			Len:   le.Uint32(b[8:]),
			Flags: le.Uint16(b[12:]),
			Next:  le.Uint16(b[14:]),
		}

		if id.Flags&DescFIndirect != 0 {
			return ErrNestedIndirect
		}

		if err := c.appendSegment(q, id); err != nil {
			return err
		}

		if id.Flags&DescFNext == 0 {
			return nil
		}

		i = uint32(id.Next)
	}
}

// appendSegment bounds-checks d's buffer and adds it to the chain.
func (c *Chain) appendSegment(q *Queue, d Desc) error {
	if len(c.seg) >= q.cfg.MaxSegments {
		return fmt.Errorf("%w: more than %d", ErrTooManySegs, q.cfg.MaxSegments)
	}

	buf, err := q.cfg.Mem.Slice(d.Addr, int(d.Len))
	if err != nil {
		return err
	}

	c.seg = append(c.seg, Segment{
		Addr: d.Addr,
		buf:  buf,
		wo:   d.Flags&DescFWrite != 0,
	})

	return nil
}
