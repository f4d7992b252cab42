//go:build linux

package vhostuser

import (
	"fmt"
	"net"

	"github.com/qtail/virtd/virtio"
)

// Frontend is the monitor side of a vhost-user session. It drives the
// handshake in order: feature negotiation, memory table, then per-queue
// geometry and doorbells. Methods are not safe for concurrent use.
type Frontend struct {
	conn *Conn

	features uint64
	protocol uint64
}

// Connect dials the backend at path.
func Connect(path string) (*Frontend, error) {
	uc, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, err
	}

	return NewFrontend(uc), nil
}

// NewFrontend wraps an established connection.
func NewFrontend(uc *net.UnixConn) *Frontend {
	return &Frontend{conn: NewConn(uc)}
}

func (f *Frontend) request(kind MessageKind, payload []byte, fds ...int) error {
	return f.conn.Write(&Message{
		Kind:    kind,
		Flags:   flagVersion,
		Payload: payload,
		FDs:     fds,
	})
}

// call sends a request and waits for the backend's reply to it.
func (f *Frontend) call(kind MessageKind, payload []byte) (*Message, error) {
	if err := f.request(kind, payload); err != nil {
		return nil, err
	}

	m, err := f.conn.Read()
	if err != nil {
		return nil, err
	}

	if m.Kind != kind || m.Flags&flagReply == 0 {
		return nil, fmt.Errorf("vhostuser: unexpected reply %v to %v", m.Kind, kind)
	}

	return m, nil
}

// checked sends a SET_* request with the need-reply bit and waits for the
// REPLY_ACK when the protocol feature is negotiated. Without it the
// request is fire-and-forget.
func (f *Frontend) checked(kind MessageKind, payload []byte, fds ...int) error {
	if f.protocol&ProtocolFReplyAck == 0 {
		return f.request(kind, payload, fds...)
	}

	if err := f.conn.Write(&Message{
		Kind:    kind,
		Flags:   flagVersion | flagNeedReply,
		Payload: payload,
		FDs:     fds,
	}); err != nil {
		return err
	}

	m, err := f.conn.Read()
	if err != nil {
		return err
	}

	if m.Kind != kind {
		return fmt.Errorf("vhostuser: unexpected reply %v to %v", m.Kind, kind)
	}

	v, err := m.U64()
	if err != nil {
		return err
	}

	if v != 0 {
		return fmt.Errorf("vhostuser: %v failed with status %d", kind, v)
	}

	return nil
}

// Features returns the virtio feature bits negotiated by Handshake,
// without the protocol-features marker bit.
func (f *Frontend) Features() uint64 {
	return f.features &^ FProtocolFeatures
}

// Handshake negotiates features and takes ownership of the backend.
// The required bits must all be offered or the handshake fails.
func (f *Frontend) Handshake(required uint64) error {
	m, err := f.call(KindGetFeatures, nil)
	if err != nil {
		return err
	}

	offered, err := m.U64()
	if err != nil {
		return err
	}

	if offered&required != required {
		return fmt.Errorf("vhostuser: backend lacks required features %#x", required&^offered)
	}

	if offered&FProtocolFeatures != 0 {
		m, err := f.call(KindGetProtocolFeatures, nil)
		if err != nil {
			return err
		}

		pf, err := m.U64()
		if err != nil {
			return err
		}

		f.protocol = pf & (ProtocolFMQ | ProtocolFReplyAck)
		if err := f.request(KindSetProtocolFeatures, u64Payload(f.protocol)); err != nil {
			return err
		}
	}

	f.features = required | (offered & FProtocolFeatures)
	if err := f.request(KindSetFeatures, u64Payload(f.features)); err != nil {
		return err
	}

	return f.request(KindSetOwner, nil)
}

// QueueNum asks the backend how many queues it supports.
func (f *Frontend) QueueNum() (int, error) {
	m, err := f.call(KindGetQueueNum, nil)
	if err != nil {
		return 0, err
	}

	v, err := m.U64()
	if err != nil {
		return 0, err
	}

	return int(v), nil
}

// SetMemTable shares guest memory with the backend. Each region's
// descriptor is passed by fd; the backend maps them and serves queue
// traffic from the mapping.
func (f *Frontend) SetMemTable(regions []MemoryRegion, fds []int) error {
	if len(regions) != len(fds) {
		return fmt.Errorf("vhostuser: %d regions with %d fds", len(regions), len(fds))
	}

	if len(regions) > MaxMemRegions {
		return fmt.Errorf("vhostuser: %d memory regions > max %d", len(regions), MaxMemRegions)
	}

	return f.checked(KindSetMemTable, memTablePayload(regions), fds...)
}

// QueueLayout is the geometry of one virtqueue, in frontend addresses.
type QueueLayout struct {
	Num   uint16
	Desc  uint64
	Avail uint64
	Used  uint64

	// Base seeds the ring's consumed index, e.g. when resuming.
	Base uint16
}

// SetupQueue configures queue index end to end: size, base, addresses,
// and the call and kick doorbells. The backend starts the queue when the
// kick descriptor arrives, so the kick is sent last.
func (f *Frontend) SetupQueue(index int, layout QueueLayout, kick, call *virtio.Eventfd) error {
	idx := uint32(index)

	if err := f.checked(KindSetVringNum, vringStatePayload(VringState{Index: idx, Num: uint32(layout.Num)})); err != nil {
		return err
	}

	if err := f.checked(KindSetVringBase, vringStatePayload(VringState{Index: idx, Num: uint32(layout.Base)})); err != nil {
		return err
	}

	if err := f.checked(KindSetVringAddr, vringAddrPayload(VringAddr{
		Index: idx,
		Desc:  layout.Desc,
		Avail: layout.Avail,
		Used:  layout.Used,
	})); err != nil {
		return err
	}

	if err := f.checked(KindSetVringCall, u64Payload(uint64(idx)), call.Fd()); err != nil {
		return err
	}

	return f.checked(KindSetVringKick, u64Payload(uint64(idx)), kick.Fd())
}

// EnableQueue flips a queue's enabled state. It only applies when
// protocol features are negotiated; otherwise queues run from the first
// kick.
func (f *Frontend) EnableQueue(index int, enabled bool) error {
	var num uint32
	if enabled {
		num = 1
	}

	return f.checked(KindSetVringEnable, vringStatePayload(VringState{Index: uint32(index), Num: num}))
}

// StopQueue retires queue index and returns its consumed index, for
// resuming later.
func (f *Frontend) StopQueue(index int) (uint16, error) {
	m, err := f.call(KindGetVringBase, vringStatePayload(VringState{Index: uint32(index)}))
	if err != nil {
		return 0, err
	}

	st, err := m.VringState()
	if err != nil {
		return 0, err
	}

	return uint16(st.Num), nil
}

// Close ends the session. The backend stops all queues and unmaps guest
// memory.
func (f *Frontend) Close() error {
	return f.conn.Close()
}
