package vhostuser

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"golang.org/x/sys/unix"
)

// ErrTruncated means a control message or its rights payload didn't fit
// the receive buffers. The session can't be trusted afterwards.
var ErrTruncated = errors.New("vhostuser: control message truncated")

// Conn frames vhost-user messages over a unix stream socket. Reads are
// single-consumer; writes are serialized so control replies and
// frontend requests never interleave.
type Conn struct {
	uc *net.UnixConn

	wmu sync.Mutex

	hbuf [headerSize]byte
	obuf [1024]byte
}

// NewConn wraps an established unix socket connection.
func NewConn(uc *net.UnixConn) *Conn {
	return &Conn{uc: uc}
}

// Read blocks until a full message arrives. Attached descriptors are
// owned by the caller.
func (c *Conn) Read() (*Message, error) {
	n, oobn, flags, _, err := c.uc.ReadMsgUnix(c.hbuf[:], c.obuf[:])
	if err != nil {
		return nil, err
	}

	if flags&(unix.MSG_TRUNC|unix.MSG_CTRUNC) != 0 {
		return nil, ErrTruncated
	}

	if n < headerSize {
		if _, err := io.ReadFull(c.uc, c.hbuf[n:]); err != nil {
			return nil, err
		}
	}

	m := &Message{
		Kind:  MessageKind(le.Uint32(c.hbuf[:])),
		Flags: le.Uint32(c.hbuf[4:]),
	}

	if m.Flags&versionMask != flagVersion {
		return nil, fmt.Errorf("vhostuser: bad message version %#x", m.Flags&versionMask)
	}

	if oobn > 0 {
		cmsgs, err := unix.ParseSocketControlMessage(c.obuf[:oobn])
		if err != nil {
			return nil, fmt.Errorf("vhostuser: parse control message: %w", err)
		}

		for i := range cmsgs {
			fds, err := unix.ParseUnixRights(&cmsgs[i])
			if err != nil {
				return nil, fmt.Errorf("vhostuser: parse rights: %w", err)
			}

			m.FDs = append(m.FDs, fds...)
		}
	}

	size := le.Uint32(c.hbuf[8:])
	if size > maxPayload {
		return nil, fmt.Errorf("vhostuser: payload size %d > max %d", size, maxPayload)
	}

	if size > 0 {
		m.Payload = make([]byte, size)
		if _, err := io.ReadFull(c.uc, m.Payload); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// Write sends a message, attaching its descriptors to the header segment.
func (c *Conn) Write(m *Message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	buf := make([]byte, headerSize+len(m.Payload))
	le.PutUint32(buf, uint32(m.Kind))
	le.PutUint32(buf[4:], m.Flags)
	le.PutUint32(buf[8:], uint32(len(m.Payload)))
	copy(buf[headerSize:], m.Payload)

	var oob []byte
	if len(m.FDs) > 0 {
		oob = unix.UnixRights(m.FDs...)
	}

	if _, _, err := c.uc.WriteMsgUnix(buf, oob, nil); err != nil {
		return err
	}

	return nil
}

// Close closes the underlying socket, aborting a pending Read.
func (c *Conn) Close() error {
	return c.uc.Close()
}
