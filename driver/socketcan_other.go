//go:build !linux

package driver

import (
	"context"
	"errors"
	"time"
)

var errNoSocketCAN = errors.New("SocketCAN is only available on linux")

// SocketCANDriver is unavailable on this platform; every call fails with DeviceNotFound.
type SocketCANDriver struct {
	iface string
}

func NewSocketCANDriver(iface string) *SocketCANDriver { return &SocketCANDriver{iface: iface} }

func (d *SocketCANDriver) Kind() TransportKind { return KindCANSocket }

func (d *SocketCANDriver) Open(ctx context.Context) error {
	return newError(DeviceNotFound, "open", errNoSocketCAN)
}

func (d *SocketCANDriver) Connect(p Protocol, opts ConnectOptions) (*Channel, error) {
	return nil, newError(DeviceNotFound, "connect", errNoSocketCAN)
}

func (d *SocketCANDriver) Disconnect(ch *Channel) error { return nil }

func (d *SocketCANDriver) Send(ch *Channel, f Frame) error {
	return newError(DeviceNotFound, "send", errNoSocketCAN)
}

func (d *SocketCANDriver) Receive(ch *Channel, timeout time.Duration) (Frame, error) {
	return Frame{}, newError(DeviceNotFound, "receive", errNoSocketCAN)
}

func (d *SocketCANDriver) Ioctl(ch *Channel, id IoctlID, param uint32) (uint32, error) {
	return 0, newError(DeviceNotFound, "ioctl", errNoSocketCAN)
}

func (d *SocketCANDriver) Close() error { return nil }
