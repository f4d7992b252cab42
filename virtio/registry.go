package virtio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/qtail/virtd/virtio/virtq"
)

var (
	ErrNoDevice  = errors.New("virtio: no device in slot")
	ErrSlotBusy  = errors.New("virtio: slot is occupied")
	ErrActive    = errors.New("virtio: device is active")
	ErrNotActive = errors.New("virtio: device is not active")
)

// Registry tracks the devices attached to a machine and their lifecycle.
// Devices are added and removed by slot (hot-plug), activated when the
// guest hands over queue geometry, and reset either by the guest or as part
// of teardown.
type Registry struct {
	mu    sync.Mutex
	slots map[int]*slot
	log   *slog.Logger
}

type slot struct {
	handler DeviceHandler
	workers *WorkerSet
}

// NewRegistry returns an empty registry. If log is nil, slog.Default is
// used.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}

	return &Registry{
		slots: make(map[int]*slot),
		log:   log,
	}
}

// Add attaches a device to a free slot.
func (r *Registry) Add(slotNum int, h DeviceHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.slots[slotNum]; ok {
		return fmt.Errorf("%w: %d", ErrSlotBusy, slotNum)
	}

	r.slots[slotNum] = &slot{handler: h}
	r.log.Info("device added", "slot", slotNum, "type", h.GetType().String())

	return nil
}

// Handler returns the device in slotNum.
func (r *Registry) Handler(slotNum int) (DeviceHandler, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.slots[slotNum]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNoDevice, slotNum)
	}

	return s.handler, nil
}

// Activate hands the device its queues and spawns its workers. The queues
// must be fully configured; each becomes exclusively owned by its worker
// until Reset.
func (r *Registry) Activate(ctx context.Context, slotNum int, queues []*virtq.Queue, opt *WorkerOptions) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.slots[slotNum]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNoDevice, slotNum)
	}

	if s.workers != nil {
		return fmt.Errorf("%w: slot %d", ErrActive, slotNum)
	}

	var o WorkerOptions
	if opt != nil {
		o = *opt
	}

	if o.Log == nil {
		o.Log = r.log
	}

	s.workers = StartWorkers(ctx, s.handler, queues, &o)
	r.log.Info("device activated",
		"slot", slotNum, "type", s.handler.GetType().String(), "queues", len(queues))

	return nil
}

// Kick wakes the worker for one queue of the device in slotNum.
func (r *Registry) Kick(slotNum, queueNum int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.slots[slotNum]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNoDevice, slotNum)
	}

	if s.workers == nil {
		return fmt.Errorf("%w: slot %d", ErrNotActive, slotNum)
	}

	s.workers.Kick(queueNum)
	return nil
}

// Reset tears the device's workers down. It does not return until every
// worker has observably stopped touching queue memory, so the caller may
// reuse or unmap the rings afterwards. The device stays in its slot and
// can be activated again.
func (r *Registry) Reset(slotNum int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.resetLocked(slotNum)
}

func (r *Registry) resetLocked(slotNum int) error {
	s, ok := r.slots[slotNum]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNoDevice, slotNum)
	}

	if s.workers == nil {
		return nil
	}

	err := s.workers.Stop()
	s.workers = nil

	if rs, ok := s.handler.(Resetter); ok {
		if rerr := rs.Reset(); rerr != nil && err == nil {
			err = rerr
		}
	}

	r.log.Info("device reset", "slot", slotNum, "type", s.handler.GetType().String())
	return err
}

// Remove resets the device in slotNum and detaches it (hot-unplug).
func (r *Registry) Remove(slotNum int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.slots[slotNum]; !ok {
		return fmt.Errorf("%w: %d", ErrNoDevice, slotNum)
	}

	err := r.resetLocked(slotNum)
	delete(r.slots, slotNum)
	return err
}

// Close resets and removes every device. The first error wins.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var first error
	for slotNum := range r.slots {
		if err := r.resetLocked(slotNum); err != nil && first == nil {
			first = err
		}
	}

	clear(r.slots)
	return first
}
