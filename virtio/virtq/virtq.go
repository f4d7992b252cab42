// Package virtq implements split virtqueues as described by the Virtual I/O
// Device (VIRTIO) Version 1.2 spec, including indirect descriptors and
// EVENT_IDX notification suppression. Packed virtqueues are not supported.
//
// A Queue is owned by exactly one goroutine at a time. Ring indices shared
// with the guest are published with atomic stores so the guest never observes
// an advanced used index before the used entry itself is visible.
package virtq

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/qtail/virtd/mem"
)

// Desc is a descriptor in a split virtqueue. It has the same layout as
// struct virtq_desc.
type Desc struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

const (
	DescFNext     = 1 // buffer continues in the next descriptor
	DescFWrite    = 2 // buffer is device wo (otherwise ro)
	DescFIndirect = 4 // buffer contains a descriptor table
)

const descSize = 16

const (
	availFNoInterrupt = 1 // driver doesn't need completion interrupts
	usedFNoNotify     = 1 // device doesn't need kicks
)

// QueueSizeMax is the largest queue size allowed by the virtio spec.
const QueueSizeMax = 1 << 15

// ErrRingFull is returned by PushUsed when there is no outstanding popped
// chain, so no used-ring slot is due. The producer must stop popping new
// entries until completions drain rather than drop one.
var ErrRingFull = errors.New("virtq: used ring is full")

var le = binary.LittleEndian

// Config carries a queue's environment.
type Config struct {

	// Mem resolves guest physical addresses. Required.
	Mem *mem.View

	// Notify is called by Signal to inject a completion interrupt.
	Notify func() error

	// EventIdx enables the used_event/avail_event notification protocol
	// (VIRTIO_F_EVENT_IDX was negotiated).
	EventIdx bool

	// Indirect allows VIRTQ_DESC_F_INDIRECT descriptors
	// (VIRTIO_F_INDIRECT_DESC was negotiated).
	Indirect bool

	// MaxSegments bounds the number of buffer segments in one chain.
	// If 0, the queue size is used.
	MaxSegments int
}

// Queue is a split virtqueue. It holds ring geometry and the device-side
// ring cursors: lastAvail tracks consumption of the available ring and
// nextUsed tracks production into the used ring. Both are free-running
// 16-bit counters; ring offsets are taken modulo the queue size.
type Queue struct {
	size      uint16
	descAddr  uint64
	availAddr uint64
	usedAddr  uint64

	cfg Config

	lastAvail uint16
	nextUsed  uint16

	// notification state
	pending  bool   // a completion interrupt is owed
	signaled uint16 // nextUsed value at the last delivered interrupt

	violations atomic.Uint64
}

// New returns a queue over the given ring geometry. The size must be a
// nonzero power of two. The descriptor table must be 16-byte aligned and the
// used ring 4-byte aligned per the virtio spec; the available ring must also
// be 4-byte aligned here so its header can be read atomically.
func New(size uint16, descAddr, availAddr, usedAddr uint64, cfg Config) (*Queue, error) {
	if size == 0 || size&(size-1) != 0 || size > QueueSizeMax {
		return nil, fmt.Errorf("virtq: queue size %d is not a power of two <= %d", size, QueueSizeMax)
	}

	if descAddr%16 != 0 || availAddr%4 != 0 || usedAddr%4 != 0 {
		return nil, fmt.Errorf("virtq: misaligned ring: desc=%#x avail=%#x used=%#x",
			descAddr, availAddr, usedAddr)
	}

	if cfg.Mem == nil {
		return nil, errors.New("virtq: Mem is not set")
	}

	if cfg.MaxSegments == 0 {
		cfg.MaxSegments = int(size)
	}

	q := &Queue{
		size:      size,
		descAddr:  descAddr,
		availAddr: availAddr,
		usedAddr:  usedAddr,
		cfg:       cfg,
	}

	// fail early if the rings themselves aren't mapped
	if _, err := cfg.Mem.Slice(descAddr, int(size)*descSize); err != nil {
		return nil, fmt.Errorf("virtq: descriptor table: %w", err)
	}

	if _, err := cfg.Mem.Slice(availAddr, 4+2*int(size)+2); err != nil {
		return nil, fmt.Errorf("virtq: available ring: %w", err)
	}

	if _, err := cfg.Mem.Slice(usedAddr, 4+8*int(size)+2); err != nil {
		return nil, fmt.Errorf("virtq: used ring: %w", err)
	}

	return q, nil
}

// Size returns the queue size.
func (q *Queue) Size() uint16 {
	return q.size
}

// LastAvail returns the index of the next available-ring entry the queue
// will consume. The vhost-user transport reports it as the vring base.
func (q *Queue) LastAvail() uint16 {
	return q.lastAvail
}

// SetLastAvail restores the consumption cursor, e.g. from a vhost-user
// SET_VRING_BASE message. It must be called before the first Pop.
func (q *Queue) SetLastAvail(idx uint16) {
	q.lastAvail = idx
	q.nextUsed = idx
	q.signaled = idx
}

// Violations reports how many malformed descriptor chains the queue has
// skipped. A rising count is guest misbehavior.
func (q *Queue) Violations() uint64 {
	return q.violations.Load()
}

// availHeader atomically loads the available ring's flags and index.
func (q *Queue) availHeader() (flags, idx uint16, err error) {
	b, err := q.cfg.Mem.Slice(q.availAddr, 4)
	if err != nil {
		return 0, 0, err
	}

	v := atomic.LoadUint32((*uint32)(unsafe.Pointer(&b[0])))
	return uint16(v), uint16(v >> 16), nil
}

// publishUsed atomically stores the used ring's flags and index.
func (q *Queue) publishUsed(flags, idx uint16) error {
	b, err := q.cfg.Mem.Slice(q.usedAddr, 4)
	if err != nil {
		return err
	}

	atomic.StoreUint32((*uint32)(unsafe.Pointer(&b[0])), uint32(flags)|uint32(idx)<<16)
	return nil
}

func (q *Queue) usedFlags() (uint16, error) {
	b, err := q.cfg.Mem.Slice(q.usedAddr, 4)
	if err != nil {
		return 0, err
	}

	return uint16(atomic.LoadUint32((*uint32)(unsafe.Pointer(&b[0])))), nil
}

// Pop returns the next available descriptor chain, or (nil, nil) if the
// guest has not published new entries. A malformed chain is skipped: Pop
// records the violation, advances past the entry, and returns the decode
// error. The queue remains usable.
func (q *Queue) Pop() (*Chain, error) {
	_, availIdx, err := q.availHeader()
	if err != nil {
		return nil, err
	}

	if q.lastAvail == availIdx {
		if err := q.updateAvailEvent(); err != nil {
			return nil, err
		}

		return nil, nil
	}

	slot := q.lastAvail % q.size
	b, err := q.cfg.Mem.Slice(q.availAddr+4+uint64(slot)*2, 2)
	if err != nil {
		return nil, err
	}

	head := le.Uint16(b)

	c, err := q.resolve(head)
	if err != nil {
		q.violations.Add(1)
		q.lastAvail++
		return nil, fmt.Errorf("virtq: chain at head %d: %w", head, err)
	}

	q.lastAvail++

	if err := q.updateAvailEvent(); err != nil {
		return nil, err
	}

	return c, nil
}

// updateAvailEvent tells an EVENT_IDX guest which available index should
// trigger the next kick.
func (q *Queue) updateAvailEvent() error {
	if !q.cfg.EventIdx {
		return nil
	}

	b, err := q.cfg.Mem.Slice(q.usedAddr+4+8*uint64(q.size), 2)
	if err != nil {
		return err
	}

	le.PutUint16(b, q.lastAvail)
	return nil
}

// PushUsed appends a used entry recording that the chain at head is done
// and bytesWritten bytes were written to its device-writable segments. The
// entry is fully written before the used index is published.
func (q *Queue) PushUsed(head uint16, bytesWritten uint32) error {
	if head >= q.size {
		return fmt.Errorf("%w: head %d >= size %d", ErrBadIndex, head, q.size)
	}

	// pushes are bounded by pops: with no outstanding popped chain there is
	// no used-ring slot to fill, and overwriting would corrupt the ring
	if q.nextUsed == q.lastAvail {
		return ErrRingFull
	}

	slot := q.nextUsed % q.size
	b, err := q.cfg.Mem.Slice(q.usedAddr+4+uint64(slot)*8, 8)
	if err != nil {
		return err
	}

	le.PutUint32(b, uint32(head))
	le.PutUint32(b[4:], bytesWritten)

	flags, err := q.usedFlags()
	if err != nil {
		return err
	}

	q.nextUsed++
	if err := q.publishUsed(flags, q.nextUsed); err != nil {
		return err
	}

	if q.shouldNotifyNow() {
		q.pending = true
	}

	return nil
}

// shouldNotifyNow evaluates the guest's suppression state for the entry
// that was just pushed.
func (q *Queue) shouldNotifyNow() bool {
	if q.cfg.EventIdx {
		b, err := q.cfg.Mem.Slice(q.availAddr+4+2*uint64(q.size), 2)
		if err != nil {
			// unmapped used_event: fall back to always notifying
			return true
		}

		usedEvent := le.Uint16(b)
		return q.nextUsed-usedEvent-1 < q.nextUsed-q.signaled
	}

	flags, _, err := q.availHeader()
	if err != nil {
		return true
	}

	return flags&availFNoInterrupt == 0
}

// ShouldNotify reports whether a completion interrupt is owed to the guest.
// It is true if the guest's suppression state called for an interrupt at any
// push since the last Signal.
func (q *Queue) ShouldNotify() bool {
	return q.pending
}

// Signal delivers the owed completion interrupt, if any. Multiple pushes
// coalesce into one delivery, but an owed interrupt is never dropped.
func (q *Queue) Signal() error {
	if !q.pending {
		return nil
	}

	q.pending = false
	q.signaled = q.nextUsed

	if q.cfg.Notify == nil {
		return nil
	}

	return q.cfg.Notify()
}

// SuppressKicks sets or clears the used ring's no-notify flag. While set,
// the device commits to draining the queue on its own schedule and the
// guest may stop kicking.
func (q *Queue) SuppressKicks(on bool) error {
	flags, err := q.usedFlags()
	if err != nil {
		return err
	}

	if on {
		flags |= usedFNoNotify
	} else {
		flags &^= usedFNoNotify
	}

	return q.publishUsed(flags, q.nextUsed)
}
