package virtio

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/qtail/virtd/virtio/virtq"
)

// Console is a virtio console device. Input read from In is written to the
// guest's receive queue, and data from the guest's transmit queue is written
// to Out. A nil In or Out leaves the corresponding queue idle.
//
// In and Out are pumped through internal goroutines so the queue workers
// stay cancelable while a read or write blocks: device reset returns even
// with the pump parked in a blocked call, and the pump may outlive the
// device there.
type Console struct {
	In  io.Reader
	Out io.Writer

	rxOnce sync.Once
	rxCh   chan rxChunk
	rxBuf  []byte
	rxErr  error

	txOnce    sync.Once
	txCh      chan []byte
	txRes     chan error
	txPending int
	txErr     error
}

type rxChunk struct {
	data []byte
	err  error
}

const (
	consoleRxQ = 0
	consoleTxQ = 1
)

func (dev *Console) GetType() DeviceID {
	return ConsoleDeviceID
}

func (*Console) GetFeatures() uint64 {
	return 0
}

func (*Console) Ready(negotiatedFeatures uint64) error {
	return nil
}

func (dev *Console) Handle(ctx context.Context, queueNum int, q *virtq.Queue) error {
	switch queueNum {
	case consoleRxQ:
		if dev.In != nil {
			return dev.handleRx(ctx, q)
		}

	case consoleTxQ:
		if dev.Out != nil {
			return dev.handleTx(ctx, q)
		}
	}

	return nil
}

// rx starts the input pump on first use.
func (dev *Console) rx() chan rxChunk {
	dev.rxOnce.Do(func() {
		dev.rxCh = make(chan rxChunk)

		go func() {
			for {
				buf := make([]byte, 4096)
				n, err := dev.In.Read(buf)
				dev.rxCh <- rxChunk{data: buf[:n], err: err}
				if err != nil {
					return
				}
			}
		}()
	})

	return dev.rxCh
}

// tx starts the output pump on first use. One write result comes back on
// txRes per buffer handed over.
func (dev *Console) tx() chan []byte {
	dev.txOnce.Do(func() {
		dev.txCh = make(chan []byte)
		dev.txRes = make(chan error, 1)

		go func() {
			for buf := range dev.txCh {
				_, err := dev.Out.Write(buf)
				dev.txRes <- err
			}
		}()
	})

	return dev.txCh
}

func (dev *Console) handleRx(ctx context.Context, q *virtq.Queue) error {
	for {
		c, err := q.Pop()
		if err != nil {
			return err
		}

		if c == nil {
			return nil
		}

		if len(dev.rxBuf) == 0 && dev.rxErr == nil {
			select {
			case <-ctx.Done():
				return c.Release(0)

			case ch := <-dev.rx():
				dev.rxBuf = ch.data
				dev.rxErr = ch.err
			}
		}

		var total int
		for i := 0; i < c.Len() && len(dev.rxBuf) > 0; i++ {
			if !c.IsWO(i) {
				slog.Warn("console rx descriptor is not write-only", "head", c.Head())
				break
			}

			n := copy(c.Data(i), dev.rxBuf)
			dev.rxBuf = dev.rxBuf[n:]
			total += n
		}

		if err := c.Release(total); err != nil {
			return err
		}

		if len(dev.rxBuf) == 0 && dev.rxErr != nil {
			return dev.rxErr
		}
	}
}

func (dev *Console) handleTx(ctx context.Context, q *virtq.Queue) error {
	for {
		if err := dev.txFlush(ctx); err != nil {
			return err
		}

		c, err := q.Pop()
		if err != nil {
			return err
		}

		if c == nil {
			return nil
		}

		for i := 0; i < c.Len(); i++ {
			if !c.IsRO(i) {
				slog.Warn("console tx descriptor is not read-only", "head", c.Head())
				break
			}

			// the pump must not touch guest memory after the chain is
			// released
			buf := append([]byte(nil), c.Data(i)...)

			select {
			case <-ctx.Done():
				return c.Release(0)

			case dev.tx() <- buf:
				dev.txPending++
			}
		}

		if err := dev.txFlush(ctx); err != nil {
			if rerr := c.Release(0); rerr != nil {
				return rerr
			}

			return err
		}

		if err := c.Release(0); err != nil {
			return err
		}
	}
}

// txFlush waits for the pump to finish the buffers handed to it. On
// cancellation the outstanding count carries over to the next call.
func (dev *Console) txFlush(ctx context.Context) error {
	for dev.txPending > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-dev.txRes:
			dev.txPending--
			if err != nil && dev.txErr == nil {
				dev.txErr = err
			}
		}
	}

	return dev.txErr
}

func (*Console) ReadConfig(p []byte, off int) error {
	// no config space fields are exposed
	for i := range p {
		p[i] = 0
	}

	return nil
}
