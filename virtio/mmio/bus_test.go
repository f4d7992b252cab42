package mmio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"sync/atomic"
	"testing"
	"time"
	"unsafe"

	"github.com/qtail/virtd/mem"
	"github.com/qtail/virtd/virtio"
	"golang.org/x/sys/unix"
)

const (
	guestBase = 0x10000
	guestSpan = 0x20000

	descAddr = guestBase + 0x1000
	avlAddr  = guestBase + 0x2000
	usedAddr = guestBase + 0x3000
	bufAddr  = guestBase + 0x8000

	qsize = 8
)

// driver drives a bus's register interface the way a guest would.
type driver struct {
	t    *testing.T
	bus  *Bus
	back []byte
	dev  DeviceInfo

	availIdx uint16
	irqs     atomic.Int64
}

func newDriver(t *testing.T, h virtio.DeviceHandler) *driver {
	t.Helper()

	d := &driver{
		t:    t,
		back: make([]byte, guestSpan),
	}

	tbl, err := mem.NewTable([]mem.Region{
		{GuestBase: guestBase, Size: guestSpan, HostView: d.back, BackingFD: -1},
	})

	if err != nil {
		t.Fatal(err)
	}

	bus, err := NewBus([]virtio.DeviceHandler{h}, Config{
		Guest: mem.NewView(tbl),
		Notify: func(irq int) error {
			d.irqs.Add(1)
			return nil
		},
	})

	if err != nil {
		t.Fatal(err)
	}

	d.bus = bus
	d.dev = bus.Devices()[0]

	t.Cleanup(func() { bus.Close() })
	return d
}

func (d *driver) write32(off int, v uint32) error {
	var p [4]byte
	binary.LittleEndian.PutUint32(p[:], v)

	found, err := d.bus.HandleMMIO(d.dev.Addr+uint64(off), p[:], true)
	if !found {
		d.t.Fatalf("no device at offset %#x", off)
	}

	return err
}

func (d *driver) read32(off int) uint32 {
	var p [4]byte
	found, err := d.bus.HandleMMIO(d.dev.Addr+uint64(off), p[:], false)
	if !found || err != nil {
		d.t.Fatalf("read at offset %#x: found=%v err=%v", off, found, err)
	}

	return binary.LittleEndian.Uint32(p[:])
}

func (d *driver) mustWrite32(off int, v uint32) {
	d.t.Helper()
	if err := d.write32(off, v); err != nil {
		d.t.Fatalf("write %#x to offset %#x: %v", v, off, err)
	}
}

// bringUp walks the device through reset, feature negotiation, queue
// setup for nq queues, and DriverOK.
func (d *driver) bringUp(nq int) {
	d.t.Helper()

	d.mustWrite32(regStatus, statusAcknowledge|statusDriver)

	d.mustWrite32(regDeviceFeaturesSel, 0)
	lo := d.read32(regDeviceFeatures)
	d.mustWrite32(regDeviceFeaturesSel, 1)
	hi := d.read32(regDeviceFeatures)

	d.mustWrite32(regDriverFeaturesSel, 0)
	d.mustWrite32(regDriverFeatures, lo)
	d.mustWrite32(regDriverFeaturesSel, 1)
	d.mustWrite32(regDriverFeatures, hi)

	d.mustWrite32(regStatus, statusAcknowledge|statusDriver|statusFeaturesOK)

	for q := 0; q < nq; q++ {
		base := uint64(q) * 0x4000
		d.mustWrite32(regQueueSel, uint32(q))
		d.mustWrite32(regQueueNum, qsize)
		d.mustWrite32(regQueueDescLow, uint32(descAddr+base))
		d.mustWrite32(regQueueDescHigh, uint32((descAddr+base)>>32))
		d.mustWrite32(regQueueDriverLow, uint32(avlAddr+base))
		d.mustWrite32(regQueueDriverHigh, uint32((avlAddr+base)>>32))
		d.mustWrite32(regQueueDeviceLow, uint32(usedAddr+base))
		d.mustWrite32(regQueueDeviceHigh, uint32((usedAddr+base)>>32))
		d.mustWrite32(regQueueReady, 1)
	}

	d.mustWrite32(regStatus, operatingNormally)
}

func (d *driver) at(addr uint64) []byte {
	return d.back[addr-guestBase:]
}

func (d *driver) usedIdx() uint16 {
	hdr := atomic.LoadUint32((*uint32)(unsafe.Pointer(&d.back[usedAddr-guestBase])))
	return uint16(hdr >> 16)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached")
		}

		time.Sleep(time.Millisecond)
	}
}

func TestBusIdentityRegisters(t *testing.T) {
	d := newDriver(t, &virtio.Console{})

	if v := d.read32(regMagicValue); v != virtio.MagicValue {
		t.Errorf("magic %#x != %#x", v, virtio.MagicValue)
	}

	if v := d.read32(regVersion); v != virtio.Version {
		t.Errorf("version %d != %d", v, virtio.Version)
	}

	if v := d.read32(regDeviceID); v != uint32(virtio.ConsoleDeviceID) {
		t.Errorf("device id %d != %d", v, uint32(virtio.ConsoleDeviceID))
	}
}

func TestBusUnknownAddress(t *testing.T) {
	d := newDriver(t, &virtio.Console{})

	var p [4]byte
	found, err := d.bus.HandleMMIO(0x1000, p[:], false)
	if found || err != nil {
		t.Errorf("found=%v err=%v", found, err)
	}
}

func TestBusBlockRoundTrip(t *testing.T) {
	storage := make([]byte, 4*512)
	for i := range storage {
		storage[i] = byte(i)
	}

	d := newDriver(t, &virtio.Block{Storage: &virtio.MemStorage{Bytes: storage}})
	d.bringUp(1)

	// read the capacity out of device config space
	var capBuf [8]byte
	if _, err := d.bus.HandleMMIO(d.dev.Addr+regDeviceConfigStart, capBuf[:], false); err != nil {
		t.Fatal(err)
	}

	if c := binary.LittleEndian.Uint64(capBuf[:]); c != 4 {
		t.Errorf("capacity %d != 4", c)
	}

	// a flush request: 16-byte header, 1-byte status
	le := binary.LittleEndian
	hdr := d.at(bufAddr)
	le.PutUint32(hdr, 4) // flush

	desc := d.at(descAddr)
	le.PutUint64(desc, bufAddr)
	le.PutUint32(desc[8:], 16)
	le.PutUint16(desc[12:], 1) // next
	le.PutUint16(desc[14:], 1)

	desc2 := d.at(descAddr + 16)
	le.PutUint64(desc2, bufAddr+16)
	le.PutUint32(desc2[8:], 1)
	le.PutUint16(desc2[12:], 2) // write

	le.PutUint16(d.at(avlAddr+4), 0)
	d.availIdx = 1
	hdrp := (*uint32)(unsafe.Pointer(&d.back[avlAddr-guestBase]))
	atomic.StoreUint32(hdrp, uint32(1)<<16)

	d.mustWrite32(regQueueNotify, 0)
	waitFor(t, func() bool { return d.usedIdx() == 1 })

	if status := d.at(bufAddr + 16)[0]; status != 0 {
		t.Errorf("status %d != 0", status)
	}

	// the completion raised the device's interrupt
	waitFor(t, func() bool { return d.irqs.Load() >= 1 })
	if s := d.read32(regInterruptStatus); s&intStatusUsedBuffer == 0 {
		t.Error("used buffer bit is not set")
	}

	d.mustWrite32(regInterruptAck, intStatusUsedBuffer)
	if s := d.read32(regInterruptStatus); s&intStatusUsedBuffer != 0 {
		t.Error("used buffer bit survived ack")
	}
}

func TestBusConsoleTx(t *testing.T) {
	out := new(bytes.Buffer)
	d := newDriver(t, &virtio.Console{Out: out})
	d.bringUp(2)

	// skip rx, publish on tx (queue 1)
	le := binary.LittleEndian
	base := uint64(0x4000)

	copy(d.at(bufAddr+base), "hello")
	desc := d.at(descAddr + base)
	le.PutUint64(desc, bufAddr+base)
	le.PutUint32(desc[8:], 5)

	le.PutUint16(d.at(avlAddr+base+4), 0)
	hdrp := (*uint32)(unsafe.Pointer(&d.back[avlAddr+base-guestBase]))
	atomic.StoreUint32(hdrp, uint32(1)<<16)

	d.mustWrite32(regQueueNotify, 1)

	waitFor(t, func() bool {
		hdr := atomic.LoadUint32((*uint32)(unsafe.Pointer(&d.back[usedAddr+base-guestBase])))
		return uint16(hdr>>16) == 1
	})

	if out.String() != "hello" {
		t.Errorf("output %q != %q", out.String(), "hello")
	}
}

func TestBusStateMachine(t *testing.T) {
	t.Run("features before driver status", func(t *testing.T) {
		d := newDriver(t, &virtio.Console{})
		if err := d.write32(regDriverFeatures, 1); !errors.Is(err, unix.EPERM) {
			t.Errorf("err %v is not EPERM", err)
		}
	})

	t.Run("queue setup before features ok", func(t *testing.T) {
		d := newDriver(t, &virtio.Console{})
		d.mustWrite32(regStatus, statusAcknowledge|statusDriver)
		if err := d.write32(regQueueNum, 8); !errors.Is(err, unix.EPERM) {
			t.Errorf("err %v is not EPERM", err)
		}
	})

	t.Run("status regression", func(t *testing.T) {
		d := newDriver(t, &virtio.Console{})
		d.mustWrite32(regStatus, statusAcknowledge|statusDriver)
		if err := d.write32(regStatus, statusAcknowledge); !errors.Is(err, unix.EINVAL) {
			t.Errorf("err %v is not EINVAL", err)
		}

		// the failure marked the device as needing reset
		if s := d.read32(regStatus); s&statusNeedsReset == 0 {
			t.Error("needs-reset bit is not set")
		}

		// only a status write is accepted now
		if err := d.write32(regQueueSel, 0); !errors.Is(err, unix.EPERM) {
			t.Errorf("err %v is not EPERM", err)
		}

		// reset recovers the device
		d.mustWrite32(regStatus, 0)
		if s := d.read32(regStatus); s != 0 {
			t.Errorf("status %#x != 0 after reset", s)
		}
	})

	t.Run("unknown features rejected", func(t *testing.T) {
		d := newDriver(t, &virtio.Console{})
		d.mustWrite32(regStatus, statusAcknowledge|statusDriver)
		d.mustWrite32(regDriverFeaturesSel, 1)
		if err := d.write32(regDriverFeatures, 0xffffffff); !errors.Is(err, unix.EINVAL) {
			t.Errorf("err %v is not EINVAL", err)
		}
	})

	t.Run("queue addr frozen after ready", func(t *testing.T) {
		d := newDriver(t, &virtio.Console{})
		d.mustWrite32(regStatus, statusAcknowledge|statusDriver)
		d.mustWrite32(regStatus, statusAcknowledge|statusDriver|statusFeaturesOK)
		d.mustWrite32(regQueueNum, qsize)
		d.mustWrite32(regQueueDescLow, descAddr)
		d.mustWrite32(regQueueDriverLow, avlAddr)
		d.mustWrite32(regQueueDeviceLow, usedAddr)
		d.mustWrite32(regQueueReady, 1)

		if err := d.write32(regQueueDescLow, descAddr); !errors.Is(err, unix.EPERM) {
			t.Errorf("err %v is not EPERM", err)
		}
	})

	t.Run("bad queue size", func(t *testing.T) {
		d := newDriver(t, &virtio.Console{})
		d.mustWrite32(regStatus, statusAcknowledge|statusDriver)
		d.mustWrite32(regStatus, statusAcknowledge|statusDriver|statusFeaturesOK)
		if err := d.write32(regQueueNum, 6); !errors.Is(err, unix.EINVAL) {
			t.Errorf("err %v is not EINVAL", err)
		}
	})

	t.Run("notify before driver ok", func(t *testing.T) {
		d := newDriver(t, &virtio.Console{})
		d.mustWrite32(regStatus, statusAcknowledge|statusDriver)
		if err := d.write32(regQueueNotify, 0); !errors.Is(err, unix.EPERM) {
			t.Errorf("err %v is not EPERM", err)
		}
	})
}

func TestBusResetWhileRunning(t *testing.T) {
	out := new(bytes.Buffer)
	d := newDriver(t, &virtio.Console{Out: out})
	d.bringUp(2)

	// status 0 stops the workers synchronously
	d.mustWrite32(regStatus, 0)

	if s := d.read32(regStatus); s != 0 {
		t.Errorf("status %#x != 0", s)
	}

	// the device comes back up cleanly
	d.bringUp(2)
}

func TestBusUnmappedRings(t *testing.T) {
	d := newDriver(t, &virtio.Console{})
	d.mustWrite32(regStatus, statusAcknowledge|statusDriver)
	d.mustWrite32(regStatus, statusAcknowledge|statusDriver|statusFeaturesOK)

	d.mustWrite32(regQueueNum, qsize)
	d.mustWrite32(regQueueDescLow, 0x100) // below guest memory
	d.mustWrite32(regQueueDriverLow, avlAddr)
	d.mustWrite32(regQueueDeviceLow, usedAddr)
	d.mustWrite32(regQueueReady, 1)

	// queue construction fails at DriverOK and the device needs reset
	if err := d.write32(regStatus, operatingNormally); err == nil {
		t.Error("no error")
	}

	if s := d.read32(regStatus); s&statusNeedsReset == 0 {
		t.Error("needs-reset bit is not set")
	}
}
