// Package virtio implements the transport-independent core of a virtio
// device model: device handlers, per-queue workers, and device lifecycle.
package virtio

import (
	"context"
	"fmt"

	"github.com/qtail/virtd/virtio/virtq"
)

type DeviceHandler interface {

	// GetType identifies the type of the device.
	GetType() DeviceID

	// GetFeatures returns additional feature bits supported by the device.
	GetFeatures() uint64

	// Ready is called after feature negotiation is complete.
	Ready(negotiatedFeatures uint64) error

	// Handle is called when new buffers may be available to the device.
	// It is called from a dedicated goroutine per queueNum, and calls with
	// the same queueNum do not overlap. Handle should drain the queue: pop
	// chains until Pop returns nil and release each one. It's fine to block
	// in Handle, but it must return promptly when ctx is canceled.
	// Notifications are coalesced, so Handle may be called once in response
	// to multiple driver kicks.
	Handle(ctx context.Context, queueNum int, q *virtq.Queue) error

	// ReadConfig reads the device configuration register at off into p.
	ReadConfig(p []byte, off int) error
}

// Resetter is implemented by handlers that hold state outside their queues.
// Reset is called after the device's workers have stopped.
type Resetter interface {
	Reset() error
}

// DeviceID identifies the type of a virtio device.
type DeviceID uint32

const (
	InvalidDeviceID = DeviceID(0)
	NetworkDeviceID = DeviceID(1)
	BlockDeviceID   = DeviceID(2)
	ConsoleDeviceID = DeviceID(3)
	BalloonDeviceID = DeviceID(5)
	SocketDeviceID  = DeviceID(19)
)

const (
	MagicValue = 0x74726976 // "virt"
	Version    = 0x2
)

const (

	// FIndirectDesc (VIRTIO_F_INDIRECT_DESC) "indicates that the driver can use
	// descriptors with the VIRTQ_DESC_F_INDIRECT flag set, as described in 2.6.5.3
	// Indirect Descriptors and 2.7.7 Indirect Flag: Scatter-Gather Support."
	FIndirectDesc = 1 << 28

	// FEventIdx (VIRTIO_F_EVENT_IDX) "enables the used_event and the avail_event fields
	// as described in 2.6.7, 2.6.8 and 2.7.10."
	FEventIdx = 1 << 29

	// FVersion1 (VIRTIO_F_VERSION_1) "indicates compliance with [the virtio]
	// specification, giving a simple way to detect legacy devices or drivers."
	FVersion1 = 1 << 32

	// FAccessPlatform (VIRTIO_F_ACCESS_PLATFORM) "indicates that the device can be used
	// on a platform where device access to data in memory is limited and/or translated."
	FAccessPlatform = 1 << 33

	// FRingReset (VIRTIO_F_RING_RESET) "indicates that the driver can reset a queue
	// individually. See 2.6.1."
	FRingReset = 1 << 40
)

// RequiredFeatures are the feature bits negotiated for all virtio devices.
const RequiredFeatures = FVersion1 | FIndirectDesc | FEventIdx

// QueueConfig converts negotiated feature bits into per-queue parser and
// notification settings.
func QueueConfig(negotiated uint64) (eventIdx, indirect bool) {
	return negotiated&FEventIdx != 0, negotiated&FIndirectDesc != 0
}

func (id DeviceID) String() string {
	switch id {
	case InvalidDeviceID:
		return "invalid"

	case NetworkDeviceID:
		return "network"

	case BlockDeviceID:
		return "block"

	case ConsoleDeviceID:
		return "console"

	case BalloonDeviceID:
		return "balloon"

	case SocketDeviceID:
		return "socket"

	default:
		return fmt.Sprintf("DeviceID(%d)", id)
	}
}
