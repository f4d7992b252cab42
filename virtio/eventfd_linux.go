//go:build linux

package virtio

import (
	"encoding/binary"
	"os"

	"golang.org/x/sys/unix"
)

// Eventfd is a kernel counter usable as a doorbell or interrupt handle: the
// kicking side writes to bump the counter, the waiting side reads to drain
// it. The descriptor can cross a process boundary, which is how vhost-user
// peers exchange kick and call handles.
type Eventfd struct {
	f *os.File
}

// NewEventfd creates an eventfd with a zero counter.
func NewEventfd() (*Eventfd, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("eventfd", err)
	}

	return OpenEventfd(fd), nil
}

// OpenEventfd wraps a received descriptor, taking ownership of it. The fd
// is switched to non-blocking mode so Close can interrupt a pending Wait.
func OpenEventfd(fd int) *Eventfd {
	unix.SetNonblock(fd, true)
	return &Eventfd{f: os.NewFile(uintptr(fd), "eventfd")}
}

// Fd returns the underlying descriptor, e.g. for SCM_RIGHTS transfer or an
// irqfd/ioeventfd registration. The caller must not close it.
func (e *Eventfd) Fd() int {
	return int(e.f.Fd())
}

// Signal bumps the counter, waking a blocked Wait.
func (e *Eventfd) Signal() error {
	var one [8]byte
	binary.NativeEndian.PutUint64(one[:], 1)

	_, err := e.f.Write(one[:])
	return err
}

// Wait blocks until the counter is nonzero, then drains and returns it.
// It returns an error after Close, which is how a waiting goroutine is
// told to stop.
func (e *Eventfd) Wait() (uint64, error) {
	var buf [8]byte
	if _, err := e.f.Read(buf[:]); err != nil {
		return 0, err
	}

	return binary.NativeEndian.Uint64(buf[:]), nil
}

// Close releases the descriptor and unblocks Wait.
func (e *Eventfd) Close() error {
	return e.f.Close()
}
