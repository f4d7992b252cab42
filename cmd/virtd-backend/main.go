//go:build linux

// Command virtd-backend serves a virtio device to a remote monitor over
// the vhost-user protocol. Point a frontend (e.g. QEMU with a
// vhost-user-blk-pci device) at the socket and the device's queues run
// here, out of the monitor's process.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"

	"github.com/qtail/virtd/vhostuser"
	"github.com/qtail/virtd/virtio"
)

func main() {

	var (
		sockPath = flag.String("socket", "virtd.sock", "listen on this unix socket")
		devType  = flag.String("device", "console", "serve this device type (console, block)")
		imgPath  = flag.String("image", "disk.img", "back the block device with this file")
		readOnly = flag.Bool("ro", false, "make the block device read-only")
		logLevel = flag.String("log", "info", "log level (debug, info, warn, error)")
	)

	flag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		fatal(err)
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	handler, err := newHandler(*devType, *imgPath, *readOnly)
	if err != nil {
		fatal(err)
	}

	backend, err := vhostuser.NewBackend(handler, vhostuser.BackendConfig{Log: log})
	if err != nil {
		fatal(err)
	}

	os.Remove(*sockPath)
	l, err := net.ListenUnix("unix", &net.UnixAddr{Name: *sockPath, Net: "unix"})
	if err != nil {
		fatal(err)
	}

	defer os.Remove(*sockPath)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	log.Info("serving", "device", handler.GetType().String(), "socket", *sockPath)

	if err := backend.Serve(ctx, l); err != nil && ctx.Err() == nil {
		fatal(err)
	}
}

func newHandler(devType, imgPath string, readOnly bool) (virtio.DeviceHandler, error) {
	switch devType {
	case "console":
		return &virtio.Console{
			In:  os.Stdin,
			Out: os.Stdout,
		}, nil

	case "block":
		mode := os.O_RDWR
		if readOnly {
			mode = os.O_RDONLY
		}

		f, err := os.OpenFile(imgPath, mode, 0)
		if err != nil {
			return nil, err
		}

		return &virtio.Block{
			ReadOnly: readOnly,
			Storage:  &virtio.FileStorage{File: f},
		}, nil

	default:
		return nil, fmt.Errorf("unknown device type %q", devType)
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "virtd-backend:", err)
	os.Exit(1)
}
