//go:build linux

package vhostuser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync/atomic"

	"github.com/qtail/virtd/mem"
	"github.com/qtail/virtd/virtio"
	"github.com/qtail/virtd/virtio/virtq"
	"golang.org/x/sys/unix"
)

// ErrProtocol marks a message the session state machine won't accept:
// out-of-order configuration, a bad payload, or a missing descriptor.
// The session ends; the frontend must reconnect and start over.
var ErrProtocol = errors.New("vhostuser: protocol violation")

// SessionState tracks how far a backend session has progressed.
type SessionState int

const (
	StateDisconnected SessionState = iota
	StateNegotiating
	StateMemoryConfigured
	StateQueuesConfigured
	StateRunning
)

func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateNegotiating:
		return "negotiating"
	case StateMemoryConfigured:
		return "memory-configured"
	case StateQueuesConfigured:
		return "queues-configured"
	case StateRunning:
		return "running"
	default:
		return fmt.Sprintf("SessionState(%d)", int(s))
	}
}

// BackendConfig configures a Backend.
type BackendConfig struct {

	// Queues is the most queues a session will configure. 0 means
	// MaxQueues.
	Queues int

	// Workers tunes the per-queue workers. Optional.
	Workers *virtio.WorkerOptions

	// Log receives session events. If nil, slog.Default is used.
	Log *slog.Logger
}

func (c *BackendConfig) withDefaults() *BackendConfig {
	cfg := *c

	if cfg.Queues == 0 {
		cfg.Queues = MaxQueues
	}

	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	return &cfg
}

func (c *BackendConfig) validate() error {
	if c.Queues < 0 || c.Queues > MaxQueues {
		return fmt.Errorf("vhostuser: queue count %d is out of range", c.Queues)
	}

	return nil
}

// Backend serves one virtio device to remote frontends. The device's
// queues run over memory the frontend shares via SET_MEM_TABLE, with
// eventfd doorbells and interrupts.
type Backend struct {
	handler virtio.DeviceHandler
	cfg     *BackendConfig
}

// NewBackend prepares a backend for the given device.
func NewBackend(h virtio.DeviceHandler, cfg BackendConfig) (*Backend, error) {
	if h == nil {
		return nil, fmt.Errorf("vhostuser: device handler is required")
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &Backend{
		handler: h,
		cfg:     cfg.withDefaults(),
	}, nil
}

// ServeConn runs one frontend session to completion. It returns nil when
// the frontend disconnects cleanly, and an error on a protocol violation
// or device failure. Either way the session's queues are stopped and its
// memory unmapped before ServeConn returns.
func (b *Backend) ServeConn(ctx context.Context, uc *net.UnixConn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s := &session{
		b:      b,
		conn:   NewConn(uc),
		log:    b.cfg.Log,
		state:  StateNegotiating,
		rings:  make([]*ring, b.cfg.Queues),
		ctx:    ctx,
		cancel: cancel,
	}

	for i := range s.rings {
		s.rings[i] = &ring{index: i}
	}

	defer s.teardown()

	s.log.Info("vhost-user session started", "device", b.handler.GetType().String())
	return s.serve()
}

// Serve accepts connections from l and runs each session in turn. A
// backend serves one frontend at a time.
func (b *Backend) Serve(ctx context.Context, l *net.UnixListener) error {
	for {
		uc, err := l.AcceptUnix()
		if err != nil {
			return err
		}

		if err := b.ServeConn(ctx, uc); err != nil {
			b.cfg.Log.Warn("vhost-user session failed", "err", err)
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

type session struct {
	b    *Backend
	conn *Conn
	log  *slog.Logger

	state    SessionState
	features uint64
	protocol uint64

	view    *mem.View
	regions []sessionRegion
	retired []sessionRegion
	rings   []*ring

	ctx    context.Context
	cancel context.CancelFunc
}

type sessionRegion struct {
	desc   MemoryRegion
	fd     int
	mapped []byte
}

type ring struct {
	index int

	num     uint32
	hasAddr bool
	desc    uint64 // guest-physical, after translation
	avail   uint64
	used    uint64
	base    uint16
	enabled bool

	// call and err may be replaced by the frontend while the worker is
	// signaling completions
	kick *virtio.Eventfd
	call atomic.Pointer[virtio.Eventfd]
	err  atomic.Pointer[virtio.Eventfd]

	q    *virtq.Queue
	w    *virtio.Worker
	stop context.CancelFunc
	done chan error
}

func (s *session) serve() error {
	for {
		m, err := s.conn.Read()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				s.log.Info("vhost-user frontend disconnected")
				return nil
			}

			return fmt.Errorf("vhostuser: read: %w", err)
		}

		if err := s.dispatch(m); err != nil {
			s.ack(m, err)
			return err
		}

		s.ack(m, nil)
	}
}

// ack sends a REPLY_ACK response when the frontend asked for one and the
// protocol feature is negotiated.
func (s *session) ack(m *Message, result error) {
	if s.protocol&ProtocolFReplyAck == 0 || !m.NeedsReply() {
		return
	}

	switch m.Kind {
	case KindGetFeatures, KindGetProtocolFeatures, KindGetQueueNum, KindGetVringBase:
		// these already answered with their own reply
		return
	}

	var v uint64
	if result != nil {
		v = 1
	}

	if err := s.conn.Write(m.reply(u64Payload(v))); err != nil {
		s.log.Error("vhost-user ack failed", "kind", m.Kind.String(), "err", err)
	}
}

func (s *session) dispatch(m *Message) error {
	s.log.Debug("vhost-user message",
		"kind", m.Kind.String(), "size", len(m.Payload), "fds", len(m.FDs), "state", s.state.String())

	switch m.Kind {
	case KindGetFeatures:
		features := virtio.RequiredFeatures | s.b.handler.GetFeatures() | FProtocolFeatures
		return s.conn.Write(m.reply(u64Payload(features)))

	case KindSetFeatures:
		return s.setFeatures(m)

	case KindGetProtocolFeatures:
		return s.conn.Write(m.reply(u64Payload(ProtocolFMQ | ProtocolFReplyAck)))

	case KindSetProtocolFeatures:
		v, err := m.U64()
		if err != nil {
			return err
		}

		s.protocol = v
		return nil

	case KindGetQueueNum:
		return s.conn.Write(m.reply(u64Payload(uint64(s.b.cfg.Queues))))

	case KindSetOwner:
		return nil

	case KindResetOwner:
		s.reset()
		return nil

	case KindSetLogBase, KindSetLogFD:
		// dirty logging is not implemented; accept and drop the fd
		closeFDs(m.FDs)
		return nil

	case KindSetMemTable:
		return s.setMemTable(m)

	case KindSetVringNum:
		return s.setVringNum(m)

	case KindSetVringAddr:
		return s.setVringAddr(m)

	case KindSetVringBase:
		return s.setVringBase(m)

	case KindSetVringKick:
		return s.setVringKick(m)

	case KindSetVringCall:
		return s.setVringFD(m, func(r *ring, e *virtio.Eventfd) {
			if old := r.call.Swap(e); old != nil {
				old.Close()
			}
		})

	case KindSetVringErr:
		return s.setVringFD(m, func(r *ring, e *virtio.Eventfd) {
			if old := r.err.Swap(e); old != nil {
				old.Close()
			}
		})

	case KindGetVringBase:
		return s.getVringBase(m)

	case KindSetVringEnable:
		return s.setVringEnable(m)

	default:
		return fmt.Errorf("%w: unexpected message %v", ErrProtocol, m.Kind)
	}
}

func (s *session) setFeatures(m *Message) error {
	v, err := m.U64()
	if err != nil {
		return err
	}

	offered := virtio.RequiredFeatures | s.b.handler.GetFeatures() | FProtocolFeatures
	if v&^offered != 0 {
		return fmt.Errorf("%w: unknown feature bits %#x", ErrProtocol, v&^offered)
	}

	s.features = v
	return s.b.handler.Ready(v &^ FProtocolFeatures)
}

func (s *session) setMemTable(m *Message) error {
	regions, err := m.MemTable()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	if len(m.FDs) != len(regions) {
		closeFDs(m.FDs)
		return fmt.Errorf("%w: %d memory regions with %d fds", ErrProtocol, len(regions), len(m.FDs))
	}

	var (
		mapped []sessionRegion
		table  []mem.Region
	)

	for i, r := range regions {
		sz := r.MmapOffset + r.Size
		b, err := unix.Mmap(m.FDs[i], 0, int(sz), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			for _, mr := range mapped {
				unix.Munmap(mr.mapped)
			}

			closeFDs(m.FDs)
			return fmt.Errorf("vhostuser: mmap region %d: %w", i, err)
		}

		mapped = append(mapped, sessionRegion{desc: r, fd: m.FDs[i], mapped: b})
		table = append(table, mem.Region{
			GuestBase:     r.GuestAddr,
			Size:          r.Size,
			HostView:      b[r.MmapOffset : r.MmapOffset+r.Size],
			BackingFD:     m.FDs[i],
			BackingOffset: r.MmapOffset,
		})
	}

	tbl, err := mem.NewTable(table)
	if err != nil {
		for _, mr := range mapped {
			unix.Munmap(mr.mapped)
		}

		closeFDs(m.FDs)
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	// a running session may update its table; in-flight chains finish on
	// the old mapping, which stays mapped until teardown, but address
	// translation follows the current table only
	if s.view == nil {
		s.view = mem.NewView(tbl)
	} else {
		s.view.Swap(tbl)
	}

	s.retired = append(s.retired, s.regions...)
	s.regions = mapped

	if s.state < StateMemoryConfigured {
		s.state = StateMemoryConfigured
	}

	s.log.Info("vhost-user memory table set", "regions", len(regions))
	return nil
}

func (s *session) ringFor(index uint32) (*ring, error) {
	if s.state < StateMemoryConfigured {
		return nil, fmt.Errorf("%w: vring configured before memory table", ErrProtocol)
	}

	if int(index) >= len(s.rings) {
		return nil, fmt.Errorf("%w: vring index %d out of range", ErrProtocol, index)
	}

	return s.rings[index], nil
}

func (s *session) setVringNum(m *Message) error {
	st, err := m.VringState()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	r, err := s.ringFor(st.Index)
	if err != nil {
		return err
	}

	if st.Num == 0 || st.Num > virtq.QueueSizeMax || st.Num&(st.Num-1) != 0 {
		return fmt.Errorf("%w: vring %d size %d", ErrProtocol, st.Index, st.Num)
	}

	r.num = st.Num
	return nil
}

func (s *session) setVringAddr(m *Message) error {
	a, err := m.VringAddr()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	r, err := s.ringFor(a.Index)
	if err != nil {
		return err
	}

	if r.desc, err = s.translate(a.Desc); err != nil {
		return err
	}

	if r.avail, err = s.translate(a.Avail); err != nil {
		return err
	}

	if r.used, err = s.translate(a.Used); err != nil {
		return err
	}

	r.hasAddr = true

	if s.state < StateQueuesConfigured {
		s.state = StateQueuesConfigured
	}

	return nil
}

// translate maps an address in the frontend's address space to a
// guest-physical address through the memory table.
func (s *session) translate(userAddr uint64) (uint64, error) {
	for _, reg := range s.regions {
		if userAddr >= reg.desc.UserAddr && userAddr < reg.desc.UserAddr+reg.desc.Size {
			return reg.desc.GuestAddr + (userAddr - reg.desc.UserAddr), nil
		}
	}

	return 0, fmt.Errorf("%w: address %#x is outside the memory table", ErrProtocol, userAddr)
}

func (s *session) setVringBase(m *Message) error {
	st, err := m.VringState()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	r, err := s.ringFor(st.Index)
	if err != nil {
		return err
	}

	r.base = uint16(st.Num)
	return nil
}

// ringFromU64 resolves the ring index carried in a SET_VRING_KICK/CALL/ERR
// payload. The second result is false when the nofd bit is set.
func (s *session) ringFromU64(m *Message) (*ring, bool, error) {
	v, err := m.U64()
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	r, err := s.ringFor(uint32(v & vringIdxMask))
	if err != nil {
		return nil, false, err
	}

	if v&vringNoFD != 0 {
		return r, false, nil
	}

	if len(m.FDs) != 1 {
		return nil, false, fmt.Errorf("%w: %v carried %d fds", ErrProtocol, m.Kind, len(m.FDs))
	}

	return r, true, nil
}

func (s *session) setVringFD(m *Message, set func(*ring, *virtio.Eventfd)) error {
	r, hasFD, err := s.ringFromU64(m)
	if err != nil {
		closeFDs(m.FDs)
		return err
	}

	if !hasFD {
		set(r, nil)
		return nil
	}

	set(r, virtio.OpenEventfd(m.FDs[0]))
	return nil
}

func (s *session) setVringKick(m *Message) error {
	r, hasFD, err := s.ringFromU64(m)
	if err != nil {
		closeFDs(m.FDs)
		return err
	}

	if !hasFD {
		return fmt.Errorf("%w: polled vrings are not supported", ErrProtocol)
	}

	if r.kick != nil {
		r.kick.Close()
	}

	r.kick = virtio.OpenEventfd(m.FDs[0])

	// a kick replaced on a running ring needs a new watcher: closing the
	// old fd above ended its goroutine
	if r.q != nil {
		watchKick(r.kick, r.w)
		return nil
	}

	// without protocol features the ring starts on kick; with them it
	// waits for SET_VRING_ENABLE
	if s.features&FProtocolFeatures == 0 {
		r.enabled = true
	}

	return s.maybeStartRing(r)
}

// watchKick pumps doorbell signals from kick into the worker until the
// eventfd is closed.
func watchKick(kick *virtio.Eventfd, w *virtio.Worker) {
	go func() {
		for {
			if _, err := kick.Wait(); err != nil {
				return
			}

			w.Kick()
		}
	}()
}

func (s *session) setVringEnable(m *Message) error {
	st, err := m.VringState()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	r, err := s.ringFor(st.Index)
	if err != nil {
		return err
	}

	if st.Num == 1 {
		r.enabled = true
		return s.maybeStartRing(r)
	}

	r.enabled = false
	s.stopRing(r)
	return nil
}

// maybeStartRing builds the queue and spawns its worker once the frontend
// has provided everything the ring needs.
func (s *session) maybeStartRing(r *ring) error {
	if r.q != nil || !r.enabled || r.kick == nil || !r.hasAddr || r.num == 0 {
		return nil
	}

	eventIdx, indirect := virtio.QueueConfig(s.features)

	q, err := virtq.New(uint16(r.num), r.desc, r.avail, r.used, virtq.Config{
		Mem:      s.view,
		EventIdx: eventIdx,
		Indirect: indirect,
		Notify: func() error {
			if c := r.call.Load(); c != nil {
				return c.Signal()
			}

			return nil
		},
	})

	if err != nil {
		return fmt.Errorf("%w: vring %d: %v", ErrProtocol, r.index, err)
	}

	q.SetLastAvail(r.base)

	ctx, stop := context.WithCancel(s.ctx)
	r.q = q
	r.w = virtio.NewWorker(s.b.handler, r.index, q, s.b.cfg.Workers)
	r.stop = stop
	r.done = make(chan error, 1)

	go func() { r.done <- r.w.Run(ctx) }()
	watchKick(r.kick, r.w)

	s.state = StateRunning
	s.log.Info("vring started", "index", r.index, "size", r.num)
	return nil
}

// stopRing halts the ring's worker and doorbell goroutine. It does not
// return until the worker has stopped touching guest memory.
func (s *session) stopRing(r *ring) {
	if r.q == nil {
		return
	}

	r.stop()
	if err := <-r.done; err != nil {
		s.log.Error("vring worker failed", "index", r.index, "err", err)
	}

	if r.kick != nil {
		r.kick.Close()
		r.kick = nil
	}

	r.q = nil
	r.w = nil
	r.stop = nil
	r.done = nil

	s.log.Info("vring stopped", "index", r.index)
}

func (s *session) getVringBase(m *Message) error {
	st, err := m.VringState()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	r, err := s.ringFor(st.Index)
	if err != nil {
		return err
	}

	base := uint32(r.base)
	if r.q != nil {
		base = uint32(r.q.LastAvail())
	}

	s.stopRing(r)
	r.enabled = false
	r.base = uint16(base)

	return s.conn.Write(m.reply(vringStatePayload(VringState{Index: st.Index, Num: base})))
}

// reset stops every ring and releases the session's memory and
// descriptors, returning it to the negotiating state.
func (s *session) reset() {
	for _, r := range s.rings {
		s.stopRing(r)

		// the kick of a ring that never started
		if r.kick != nil {
			r.kick.Close()
			r.kick = nil
		}

		if c := r.call.Swap(nil); c != nil {
			c.Close()
		}

		if e := r.err.Swap(nil); e != nil {
			e.Close()
		}

		r.num = 0
		r.hasAddr = false
		r.desc, r.avail, r.used = 0, 0, 0
		r.base = 0
		r.enabled = false
	}

	for _, reg := range s.regions {
		unix.Munmap(reg.mapped)
		unix.Close(reg.fd)
	}

	for _, reg := range s.retired {
		unix.Munmap(reg.mapped)
		unix.Close(reg.fd)
	}

	s.regions = nil
	s.retired = nil
	s.view = nil
	s.features = 0
	s.protocol = 0
	s.state = StateNegotiating
}

// teardown runs when the session ends for any reason: every queue is
// stopped and the shared memory unmapped before a new session can start.
func (s *session) teardown() {
	s.cancel()
	s.reset()
	s.state = StateDisconnected

	if rs, ok := s.b.handler.(virtio.Resetter); ok {
		if err := rs.Reset(); err != nil {
			s.log.Error("device reset failed", "err", err)
		}
	}

	s.log.Info("vhost-user session ended")
}

func closeFDs(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}
