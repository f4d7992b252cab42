// Package vhostuser moves virtio device emulation out of process. A
// frontend (the monitor) hands guest memory, virtqueue geometry, and
// doorbell descriptors to a backend over a unix socket; after that the
// data plane runs entirely over shared memory and eventfds.
//
// The wire format is the QEMU vhost-user framing: a 12-byte little-endian
// header {request u32, flags u32, size u32} followed by size payload
// bytes, with file descriptors attached via SCM_RIGHTS. Backends built
// here interoperate with any frontend speaking that protocol.
package vhostuser

import (
	"encoding/binary"
	"fmt"
)

// MessageKind identifies a control message.
type MessageKind uint32

const (
	KindNone MessageKind = iota
	KindGetFeatures
	KindSetFeatures
	KindSetOwner
	KindResetOwner
	KindSetMemTable
	KindSetLogBase
	KindSetLogFD
	KindSetVringNum
	KindSetVringAddr
	KindSetVringBase
	KindGetVringBase
	KindSetVringKick
	KindSetVringCall
	KindSetVringErr
	KindGetProtocolFeatures
	KindSetProtocolFeatures
	KindGetQueueNum
	KindSetVringEnable
)

var kindNames = map[MessageKind]string{
	KindNone:                "none",
	KindGetFeatures:         "get_features",
	KindSetFeatures:         "set_features",
	KindSetOwner:            "set_owner",
	KindResetOwner:          "reset_owner",
	KindSetMemTable:         "set_mem_table",
	KindSetLogBase:          "set_log_base",
	KindSetLogFD:            "set_log_fd",
	KindSetVringNum:         "set_vring_num",
	KindSetVringAddr:        "set_vring_addr",
	KindSetVringBase:        "set_vring_base",
	KindGetVringBase:        "get_vring_base",
	KindSetVringKick:        "set_vring_kick",
	KindSetVringCall:        "set_vring_call",
	KindSetVringErr:         "set_vring_err",
	KindGetProtocolFeatures: "get_protocol_features",
	KindSetProtocolFeatures: "set_protocol_features",
	KindGetQueueNum:         "get_queue_num",
	KindSetVringEnable:      "set_vring_enable",
}

func (k MessageKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}

	return fmt.Sprintf("MessageKind(%d)", uint32(k))
}

// header flags

const (
	flagVersion   = 0x1
	versionMask   = 0x3
	flagReply     = 1 << 2
	flagNeedReply = 1 << 3
)

// FProtocolFeatures is the virtio feature bit a backend offers to signal
// that it speaks protocol-feature negotiation.
const FProtocolFeatures = 1 << 30

// protocol feature bits

const (
	ProtocolFMQ       = 1 << 0
	ProtocolFReplyAck = 1 << 3
)

const (
	headerSize = 12

	// MaxMemRegions caps a SET_MEM_TABLE payload.
	MaxMemRegions = 8

	// MaxQueues is the GET_QUEUE_NUM answer: the most queues a backend
	// session will configure.
	MaxQueues = 16

	// vringNoFD marks a SET_VRING_KICK/CALL payload that carries no
	// descriptor: the ring is polled instead.
	vringNoFD = 1 << 8

	vringIdxMask = 0xff

	maxPayload = 4096
)

var le = binary.LittleEndian

// Message is one control message, either direction.
type Message struct {
	Kind    MessageKind
	Flags   uint32
	Payload []byte
	FDs     []int
}

// reply frames a response to m carrying payload.
func (m *Message) reply(payload []byte) *Message {
	return &Message{
		Kind:    m.Kind,
		Flags:   flagVersion | flagReply,
		Payload: payload,
	}
}

// NeedsReply reports whether the sender asked for a REPLY_ACK response.
func (m *Message) NeedsReply() bool {
	return m.Flags&flagNeedReply != 0
}

// VringState is the payload of SET_VRING_NUM, SET_VRING_BASE,
// GET_VRING_BASE, and SET_VRING_ENABLE.
type VringState struct {
	Index uint32
	Num   uint32
}

// VringAddr is the payload of SET_VRING_ADDR. The ring addresses are in
// the frontend's address space and must be translated through the memory
// table.
type VringAddr struct {
	Index uint32
	Flags uint32
	Desc  uint64
	Used  uint64
	Avail uint64
	Log   uint64
}

// MemoryRegion describes one shared-memory region of a SET_MEM_TABLE
// payload. GuestAddr is the guest-physical base, UserAddr the region's
// base in the frontend's address space, and MmapOffset the offset of the
// region within its file descriptor.
type MemoryRegion struct {
	GuestAddr  uint64
	Size       uint64
	UserAddr   uint64
	MmapOffset uint64
}

func u64Payload(v uint64) []byte {
	p := make([]byte, 8)
	le.PutUint64(p, v)
	return p
}

// U64 decodes a u64 payload (features, vring fd carriers).
func (m *Message) U64() (uint64, error) {
	if len(m.Payload) < 8 {
		return 0, fmt.Errorf("vhostuser: %v: payload is %d bytes, need 8", m.Kind, len(m.Payload))
	}

	return le.Uint64(m.Payload), nil
}

func vringStatePayload(s VringState) []byte {
	p := make([]byte, 8)
	le.PutUint32(p, s.Index)
	le.PutUint32(p[4:], s.Num)
	return p
}

// VringState decodes a {index u32, num u32} payload.
func (m *Message) VringState() (VringState, error) {
	if len(m.Payload) < 8 {
		return VringState{}, fmt.Errorf("vhostuser: %v: payload is %d bytes, need 8", m.Kind, len(m.Payload))
	}

	return VringState{
		Index: le.Uint32(m.Payload),
		Num:   le.Uint32(m.Payload[4:]),
	}, nil
}

func vringAddrPayload(a VringAddr) []byte {
	p := make([]byte, 40)
	le.PutUint32(p, a.Index)
	le.PutUint32(p[4:], a.Flags)
	le.PutUint64(p[8:], a.Desc)
	le.PutUint64(p[16:], a.Used)
	le.PutUint64(p[24:], a.Avail)
	le.PutUint64(p[32:], a.Log)
	return p
}

// VringAddr decodes a SET_VRING_ADDR payload.
func (m *Message) VringAddr() (VringAddr, error) {
	if len(m.Payload) < 40 {
		return VringAddr{}, fmt.Errorf("vhostuser: %v: payload is %d bytes, need 40", m.Kind, len(m.Payload))
	}

	return VringAddr{
		Index: le.Uint32(m.Payload),
		Flags: le.Uint32(m.Payload[4:]),
		Desc:  le.Uint64(m.Payload[8:]),
		Used:  le.Uint64(m.Payload[16:]),
		Avail: le.Uint64(m.Payload[24:]),
		Log:   le.Uint64(m.Payload[32:]),
	}, nil
}

func memTablePayload(regions []MemoryRegion) []byte {
	p := make([]byte, 8+32*len(regions))
	le.PutUint32(p, uint32(len(regions)))

	b := p[8:]
	for _, r := range regions {
		le.PutUint64(b, r.GuestAddr)
		le.PutUint64(b[8:], r.Size)
		le.PutUint64(b[16:], r.UserAddr)
		le.PutUint64(b[24:], r.MmapOffset)
		b = b[32:]
	}

	return p
}

// MemTable decodes a SET_MEM_TABLE payload.
func (m *Message) MemTable() ([]MemoryRegion, error) {
	if len(m.Payload) < 8 {
		return nil, fmt.Errorf("vhostuser: %v: payload is %d bytes, need 8", m.Kind, len(m.Payload))
	}

	n := int(le.Uint32(m.Payload))
	if n > MaxMemRegions {
		return nil, fmt.Errorf("vhostuser: %d memory regions > max %d", n, MaxMemRegions)
	}

	if len(m.Payload) < 8+32*n {
		return nil, fmt.Errorf("vhostuser: %v: payload is %d bytes, need %d", m.Kind, len(m.Payload), 8+32*n)
	}

	regions := make([]MemoryRegion, n)
	b := m.Payload[8:]
	for i := range regions {
		regions[i] = MemoryRegion{
			GuestAddr:  le.Uint64(b),
			Size:       le.Uint64(b[8:]),
			UserAddr:   le.Uint64(b[16:]),
			MmapOffset: le.Uint64(b[24:]),
		}

		b = b[32:]
	}

	return regions, nil
}
