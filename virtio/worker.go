package virtio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/qtail/virtd/mem"
	"github.com/qtail/virtd/virtio/virtq"
	"golang.org/x/sync/errgroup"
)

// ErrTooManyViolations is returned by a worker when a queue's malformed
// chain count crosses the configured limit. The registry treats it as a
// device failure.
var ErrTooManyViolations = errors.New("virtio: too many descriptor chain violations")

// WorkerOptions tunes a device's worker set.
type WorkerOptions struct {

	// Log receives worker events. If nil, slog.Default is used.
	Log *slog.Logger

	// MaxViolations disables the device once a queue has skipped that many
	// malformed chains. 0 means the device is never disabled for guest
	// misbehavior, only logged.
	MaxViolations uint64
}

// Worker drives one virtqueue of one device: it waits for a doorbell kick,
// lets the handler drain the queue, and delivers the coalesced completion
// interrupt.
type Worker struct {
	handler  DeviceHandler
	queueNum int
	q        *virtq.Queue
	kick     chan struct{}
	log      *slog.Logger
	maxViol  uint64
}

// NewWorker prepares a worker for queueNum of handler h. The worker starts
// with a kick pending so Run drains entries published before activation.
func NewWorker(h DeviceHandler, queueNum int, q *virtq.Queue, opt *WorkerOptions) *Worker {
	if opt == nil {
		opt = &WorkerOptions{}
	}

	log := opt.Log
	if log == nil {
		log = slog.Default()
	}

	w := &Worker{
		handler:  h,
		queueNum: queueNum,
		q:        q,
		kick:     make(chan struct{}, 1),
		log:      log,
		maxViol:  opt.MaxViolations,
	}

	w.kick <- struct{}{}
	return w
}

// Kick wakes the worker. Kicks are coalesced: a kick while one is already
// pending is a no-op, and the worker re-checks the ring rather than
// trusting the kick count.
func (w *Worker) Kick() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// Run blocks driving the queue until ctx is canceled or the device fails
// structurally. When Run returns, the worker no longer touches queue
// memory.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case <-w.kick:
		}

		if err := w.handler.Handle(ctx, w.queueNum, w.q); err != nil {
			if ctx.Err() != nil {
				return nil
			}

			if !isGuestError(err) {
				return fmt.Errorf("%v: handle queue %d: %w",
					w.handler.GetType(), w.queueNum, err)
			}

			// a malformed chain was skipped: the queue survives, but the
			// event is security-relevant
			w.log.Warn("malformed descriptor chain skipped",
				"device", w.handler.GetType().String(),
				"queue", w.queueNum,
				"violations", w.q.Violations(),
				"err", err)

			// re-kick: the failed Handle may have left chains pending
			select {
			case w.kick <- struct{}{}:
			default:
			}
		}

		if w.maxViol > 0 && w.q.Violations() >= w.maxViol {
			return fmt.Errorf("%w: queue %d skipped %d chains",
				ErrTooManyViolations, w.queueNum, w.q.Violations())
		}

		if err := w.q.Signal(); err != nil {
			return fmt.Errorf("%v: signal queue %d: %w",
				w.handler.GetType(), w.queueNum, err)
		}
	}
}

// isGuestError reports whether err is guest misbehavior the worker should
// survive, as opposed to a structural device or host failure.
func isGuestError(err error) bool {
	return errors.Is(err, virtq.ErrBadIndex) ||
		errors.Is(err, virtq.ErrChainTooLong) ||
		errors.Is(err, virtq.ErrTooManySegs) ||
		errors.Is(err, virtq.ErrEmptyChain) ||
		errors.Is(err, virtq.ErrIndirectDenied) ||
		errors.Is(err, virtq.ErrBadIndirect) ||
		errors.Is(err, virtq.ErrNestedIndirect) ||
		errors.Is(err, mem.ErrNotMapped) ||
		errors.Is(err, mem.ErrOverflow)
}

// WorkerSet runs one worker goroutine per queue of an active device.
type WorkerSet struct {
	workers []*Worker
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// StartWorkers activates a device: it spawns a worker per queue and kicks
// each once so entries published before activation are drained.
func StartWorkers(ctx context.Context, h DeviceHandler, queues []*virtq.Queue, opt *WorkerOptions) *WorkerSet {
	ctx, cancel := context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)

	s := &WorkerSet{
		workers: make([]*Worker, len(queues)),
		cancel:  cancel,
		group:   g,
	}

	for i, q := range queues {
		w := NewWorker(h, i, q, opt)
		s.workers[i] = w
		g.Go(func() error { return w.Run(ctx) })
	}

	return s
}

// Kick wakes the worker for queueNum.
func (s *WorkerSet) Kick(queueNum int) {
	if queueNum < 0 || queueNum >= len(s.workers) {
		return
	}

	s.workers[queueNum].Kick()
}

// Stop cancels all workers and waits for them to stop touching queue
// memory. It returns the first worker error, if any. Stop is the reset
// path: when it returns, the queues may be torn down or reused.
func (s *WorkerSet) Stop() error {
	s.cancel()
	return s.group.Wait()
}
