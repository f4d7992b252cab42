package mmio

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/qtail/virtd/mem"
	"github.com/qtail/virtd/virtio"
	"github.com/qtail/virtd/virtio/virtq"
	"golang.org/x/sys/unix"
)

// Bus routes guest MMIO accesses to virtio devices and runs their queue
// workers. Guest misbehavior surfaces as errno-style errors and marks the
// device as needing reset; it never takes the bus down.
type Bus struct {
	guest   *mem.View
	notify  func(irq int) error
	opt     *virtio.WorkerOptions
	log     *slog.Logger
	devices []*device
}

type device struct {
	bus  *Bus
	info DeviceInfo

	mu      sync.Mutex
	handler virtio.DeviceHandler
	state   deviceState
	workers *virtio.WorkerSet

	intMu     sync.Mutex
	intStatus uint32
}

type deviceState struct {
	status  uint32
	version uint32

	deviceFeaturesSel uint32
	driverFeaturesSel uint32
	driverFeatures    uint64

	queueSel uint32
	queue    [16]queueState
}

type queueState struct {
	Ready    uint32
	NumDesc  uint32
	DescAddr uint64 // descriptor table
	AvlAddr  uint64 // available ring (driver area)
	UsedAddr uint64 // used ring (device area)
}

const (
	statusAcknowledge = 1   // recognized by the guest
	statusDriver      = 2   // the guest has a driver
	statusFeaturesOK  = 8   // features negotiated
	statusDriverOK    = 4   // ready to drive
	statusNeedsReset  = 64  // fatal device error
	statusFailed      = 128 // fatal driver error

	negotiatingFeatures = statusAcknowledge | statusDriver
	configuringQueues   = negotiatingFeatures | statusFeaturesOK
	operatingNormally   = configuringQueues | statusDriverOK
)

var le = binary.LittleEndian

// Config configures a Bus.
type Config struct {

	// Guest is the guest memory the devices' virtqueues live in.
	Guest *mem.View

	// Notify is called to raise a device's interrupt line.
	Notify func(irq int) error

	// Workers tunes the per-queue workers. Optional.
	Workers *virtio.WorkerOptions

	// Log receives bus events. If nil, slog.Default is used.
	Log *slog.Logger
}

// NewBus creates a bus and installs a device for each of the given
// handlers. Devices are assigned an IRQ and a 4K register window each,
// reported by the Devices method.
func NewBus(handlers []virtio.DeviceHandler, cfg Config) (*Bus, error) {
	const sz = 0x1000

	if cfg.Guest == nil {
		return nil, fmt.Errorf("mmio: guest memory view is required")
	}

	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	var (
		irq  = 5
		addr = uint64(0xd0000000)
	)

	b := &Bus{
		guest:   cfg.Guest,
		notify:  cfg.Notify,
		opt:     cfg.Workers,
		log:     cfg.Log,
		devices: make([]*device, len(handlers)),
	}

	for i, h := range handlers {
		b.devices[i] = &device{
			bus: b,

			info: DeviceInfo{
				Type: h.GetType(),
				IRQ:  irq,
				Addr: addr,
				Size: sz,
			},

			handler: h,
		}

		irq++
		addr += sz
	}

	return b, nil
}

// HandleMMIO routes an MMIO access to the device whose window contains
// addr. It returns (found=false, err=nil) if no device is found.
func (b *Bus) HandleMMIO(addr uint64, data []byte, isWrite bool) (found bool, err error) {
	var dev *device
	for _, d := range b.devices {
		if addr >= d.info.Addr && addr < d.info.Addr+d.info.Size {
			dev = d
			break
		}
	}

	if dev == nil {
		return false, nil
	}

	off := int(addr - dev.info.Addr)
	return true, dev.handleMMIO(off, data, isWrite)
}

// Devices returns a slice describing the installed devices.
func (b *Bus) Devices() []DeviceInfo {
	dd := make([]DeviceInfo, len(b.devices))
	for i, d := range b.devices {
		dd[i] = d.info
	}

	return dd
}

// Close resets every device, stopping its workers. The bus must not be
// used afterwards.
func (b *Bus) Close() error {
	var first error
	for _, d := range b.devices {
		d.mu.Lock()
		if err := d.reset(); err != nil && first == nil {
			first = err
		}
		d.mu.Unlock()
	}

	return first
}

func (d *device) handleMMIO(off int, data []byte, isWrite bool) (err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	defer func() {
		if err != nil && !(d.needsReset() || d.driverFailed()) {
			notify := d.isOperatingNormally()
			d.state.status |= statusNeedsReset
			d.state.version++

			d.bus.log.Warn("virtio device needs reset",
				"device", d.info.Type.String(), "off", off, "err", err)

			if notify {
				d.raiseInterrupt(intStatusConfigChange)
			}
		}
	}()

	if isWrite {
		return d.writeMMIO(off, data)
	}

	return d.readMMIO(off, data)
}

func (d *device) readMMIO(off int, p []byte) error {
	switch off {
	case regMagicValue:
		le.PutUint32(p, virtio.MagicValue)

	case regVersion:
		le.PutUint32(p, virtio.Version)

	case regDeviceID:
		le.PutUint32(p, uint32(d.handler.GetType()))

	case regVendorID:
		le.PutUint32(p, 0xffff)

	case regDeviceFeatures:
		le.PutUint32(p, uint32(d.getFeatures()>>(32*d.state.deviceFeaturesSel)))

	case regQueueNumMax:
		le.PutUint32(p, virtq.QueueSizeMax)

	case regQueueReady:
		le.PutUint32(p, d.selectedQueue().Ready)

	case regInterruptStatus:
		d.intMu.Lock()
		le.PutUint32(p, d.intStatus)
		d.intMu.Unlock()

	case regStatus:
		le.PutUint32(p, d.state.status)

	case regConfigGeneration:
		le.PutUint32(p, d.state.version)

	default:
		if off < regDeviceConfigStart {
			return unix.EINVAL
		}

		return d.handler.ReadConfig(p, off-regDeviceConfigStart)
	}

	return nil
}

func (d *device) writeMMIO(off int, p []byte) error {
	// a failed device or driver accepts only status writes (to reset)
	if d.state.status&(statusNeedsReset|statusFailed) > 0 && off != regStatus {
		return unix.EPERM
	}

	switch off {
	case regDeviceFeaturesSel:
		return d.writeDeviceFeaturesSel(le.Uint32(p))

	case regDriverFeatures:
		return d.writeDriverFeatures(le.Uint32(p))

	case regDriverFeaturesSel:
		return d.writeDriverFeaturesSel(le.Uint32(p))

	case regQueueSel:
		return d.writeQueueSel(le.Uint32(p))

	case regQueueNum:
		return d.writeQueueNum(le.Uint32(p))

	case regQueueReady:
		return d.writeQueueReady(le.Uint32(p))

	case regQueueNotify:
		return d.writeQueueNotify(le.Uint32(p))

	case regInterruptAck:
		return d.writeInterruptAck(le.Uint32(p))

	case regStatus:
		return d.writeStatus(le.Uint32(p))

	case regQueueDescLow:
		return d.writeQueueAddr(&d.selectedQueue().DescAddr, uint64(le.Uint32(p)))

	case regQueueDescHigh:
		return d.writeQueueAddr(&d.selectedQueue().DescAddr, uint64(le.Uint32(p))<<32)

	case regQueueDriverLow:
		return d.writeQueueAddr(&d.selectedQueue().AvlAddr, uint64(le.Uint32(p)))

	case regQueueDriverHigh:
		return d.writeQueueAddr(&d.selectedQueue().AvlAddr, uint64(le.Uint32(p))<<32)

	case regQueueDeviceLow:
		return d.writeQueueAddr(&d.selectedQueue().UsedAddr, uint64(le.Uint32(p)))

	case regQueueDeviceHigh:
		return d.writeQueueAddr(&d.selectedQueue().UsedAddr, uint64(le.Uint32(p))<<32)

	default:
		return unix.EINVAL
	}
}

func (d *device) writeStatus(v uint32) error {
	if v == 0 {
		return d.reset()
	}

	if v&statusNeedsReset > 0 || v < d.state.status {
		return unix.EINVAL
	}

	d.state.status = v
	d.state.version++

	if v&statusFailed > 0 {
		return fmt.Errorf("mmio: %v driver failed", d.info.Type)
	}

	if d.isOperatingNormally() {
		return d.activate()
	}

	return nil
}

// reset tears the device down to its power-on state. It does not return
// until the workers have stopped touching guest memory.
func (d *device) reset() error {
	var err error
	if d.workers != nil {
		err = d.workers.Stop()
		d.workers = nil
	}

	if rs, ok := d.handler.(virtio.Resetter); ok {
		if rerr := rs.Reset(); rerr != nil && err == nil {
			err = rerr
		}
	}

	d.state = deviceState{}

	d.intMu.Lock()
	d.intStatus = 0
	d.intMu.Unlock()

	d.bus.log.Info("virtio device reset", "device", d.info.Type.String())
	return err
}

// activate runs when the driver sets DriverOK: the negotiated features are
// checked, the ready queues are built, and the workers start.
func (d *device) activate() error {
	if d.state.driverFeatures&virtio.RequiredFeatures != virtio.RequiredFeatures {
		return unix.EINVAL
	}

	if err := d.handler.Ready(d.state.driverFeatures); err != nil {
		return err
	}

	eventIdx, indirect := virtio.QueueConfig(d.state.driverFeatures)

	var queues []*virtq.Queue
	for i := range d.state.queue {
		qs := &d.state.queue[i]
		if qs.Ready != 1 {
			break
		}

		q, err := virtq.New(uint16(qs.NumDesc), qs.DescAddr, qs.AvlAddr, qs.UsedAddr, virtq.Config{
			Mem:      d.bus.guest,
			EventIdx: eventIdx,
			Indirect: indirect,
			Notify: func() error {
				return d.raiseInterrupt(intStatusUsedBuffer)
			},
		})

		if err != nil {
			return err
		}

		queues = append(queues, q)
	}

	d.workers = virtio.StartWorkers(context.Background(), d.handler, queues, d.bus.opt)
	d.bus.log.Info("virtio device activated",
		"device", d.info.Type.String(), "queues", len(queues))

	return nil
}

// raiseInterrupt sets the given interrupt status bit and pulls the
// device's IRQ line. It is safe to call from worker goroutines.
func (d *device) raiseInterrupt(bit uint32) error {
	d.intMu.Lock()
	d.intStatus |= bit
	d.intMu.Unlock()

	if d.bus.notify == nil {
		return nil
	}

	return d.bus.notify(d.info.IRQ)
}

func (d *device) writeDeviceFeaturesSel(v uint32) error {
	if !d.isNegotiatingFeatures() {
		return unix.EPERM
	}

	if v > 1 {
		return unix.EINVAL
	}

	d.state.deviceFeaturesSel = v
	return nil
}

func (d *device) writeDriverFeaturesSel(v uint32) error {
	if !d.isNegotiatingFeatures() {
		return unix.EPERM
	}

	if v > 1 {
		return unix.EINVAL
	}

	d.state.driverFeaturesSel = v
	return nil
}

func (d *device) writeDriverFeatures(v uint32) error {
	if !d.isNegotiatingFeatures() {
		return unix.EPERM
	}

	d.state.driverFeatures |= uint64(v) << (32 * d.state.driverFeaturesSel)

	if d.state.driverFeatures&^d.getFeatures() != 0 {
		return unix.EINVAL
	}

	return nil
}

func (d *device) writeQueueSel(v uint32) error {
	if !d.isConfiguringQueues() {
		return unix.EPERM
	}

	if int(v) >= len(d.state.queue) {
		return unix.EINVAL
	}

	d.state.queueSel = v
	return nil
}

func (d *device) writeQueueNum(v uint32) error {
	if !d.isConfiguringQueues() {
		return unix.EPERM
	}

	if v == 0 || v > virtq.QueueSizeMax || v&(v-1) != 0 {
		return unix.EINVAL
	}

	d.selectedQueue().NumDesc = v
	return nil
}

// writeQueueAddr ors bits into one of the selected queue's area addresses.
// Addresses are frozen once the queue is ready.
func (d *device) writeQueueAddr(addr *uint64, bits uint64) error {
	if !d.isConfiguringQueues() || d.selectedQueue().Ready == 1 {
		return unix.EPERM
	}

	*addr |= bits
	return nil
}

func (d *device) writeQueueReady(v uint32) error {
	if !d.isConfiguringQueues() {
		return unix.EPERM
	}

	if v != 1 {
		return unix.EINVAL
	}

	qs := d.selectedQueue()
	if qs.Ready == 1 {
		return unix.EPERM
	}

	if qs.NumDesc == 0 {
		return unix.EINVAL
	}

	qs.Ready = 1
	d.state.version++
	return nil
}

func (d *device) writeQueueNotify(v uint32) error {
	if !d.isOperatingNormally() {
		return unix.EPERM
	}

	if int(v) >= len(d.state.queue) || d.state.queue[v].Ready != 1 {
		return unix.EPERM
	}

	d.workers.Kick(int(v))
	return nil
}

func (d *device) writeInterruptAck(v uint32) error {
	if !d.isOperatingNormally() {
		return unix.EPERM
	}

	d.intMu.Lock()
	d.intStatus &^= v
	d.intMu.Unlock()

	return nil
}

func (d *device) getFeatures() uint64 {
	return virtio.RequiredFeatures | d.handler.GetFeatures()
}

func (d *device) isNegotiatingFeatures() bool {
	return d.state.status == negotiatingFeatures
}

func (d *device) isConfiguringQueues() bool {
	return d.state.status == configuringQueues
}

func (d *device) isOperatingNormally() bool {
	return d.state.status == operatingNormally
}

func (d *device) needsReset() bool {
	return d.state.status&statusNeedsReset != 0
}

func (d *device) driverFailed() bool {
	return d.state.status&statusFailed != 0
}

func (d *device) selectedQueue() *queueState {
	return &d.state.queue[d.state.queueSel]
}
