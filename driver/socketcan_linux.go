//go:build linux

package driver

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/LoveWonYoung/autodiag/logrecorder"
)

const (
	canFrameSize = 16
	canEFFFlag   = 0x80000000
	canRTRFlag   = 0x40000000
	canERRFlag   = 0x20000000
	canSFFMask   = 0x000007FF
	canEFFMask   = 0x1FFFFFFF
)

type socketChannel struct {
	ch *Channel
	fd int
}

// SocketCANDriver 使用 Linux 原始 CAN 套接字，每个通道一个 socket。
type SocketCANDriver struct {
	iface string
	log   *slog.Logger

	mu       sync.Mutex
	ifindex  int
	opened   bool
	nextID   uint32
	channels map[uint32]*socketChannel
}

// NewSocketCANDriver creates a driver for a network interface such as "can0" or "vcan0".
func NewSocketCANDriver(iface string) *SocketCANDriver {
	return &SocketCANDriver{
		iface:    iface,
		nextID:   1,
		channels: make(map[uint32]*socketChannel),
		log:      logrecorder.Logger("driver").With("kind", KindCANSocket.String(), "iface", iface),
	}
}

func (d *SocketCANDriver) Kind() TransportKind { return KindCANSocket }

func (d *SocketCANDriver) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return socketError("open", err)
	}
	defer unix.Close(fd)

	ifr, err := unix.NewIfreq(d.iface)
	if err != nil {
		return newError(DeviceNotFound, "open", err)
	}
	if err := unix.IoctlIfreq(fd, unix.SIOCGIFINDEX, ifr); err != nil {
		return newError(DeviceNotFound, "open", fmt.Errorf("interface %s: %w", d.iface, err))
	}

	d.mu.Lock()
	d.ifindex = int(ifr.Uint32())
	d.opened = true
	d.mu.Unlock()
	d.log.Info("SocketCAN 接口已打开", "ifindex", d.ifindex)
	return nil
}

func socketError(op string, err error) error {
	switch {
	case errors.Is(err, unix.EACCES), errors.Is(err, unix.EPERM):
		return newError(PermissionDenied, op, err)
	case errors.Is(err, unix.ENETDOWN), errors.Is(err, unix.ENXIO), errors.Is(err, unix.ENODEV):
		return newError(LinkDown, op, err)
	case errors.Is(err, unix.EAFNOSUPPORT), errors.Is(err, unix.EPROTONOSUPPORT):
		return newError(DeviceNotFound, op, err)
	}
	return newError(LinkDown, op, err)
}

func (d *SocketCANDriver) Connect(p Protocol, opts ConnectOptions) (*Channel, error) {
	if !p.IsCAN() {
		return nil, newError(NotSupported, "connect", fmt.Errorf("protocol %s on raw CAN socket", p))
	}
	d.mu.Lock()
	opened, ifindex := d.opened, d.ifindex
	d.mu.Unlock()
	if !opened {
		return nil, newError(DeviceNotFound, "connect", errors.New("device not open"))
	}

	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, socketError("connect", err)
	}

	ch := &Channel{
		Kind:     KindCANSocket,
		Protocol: p,
		Baudrate: p.DefaultBaudrate(),
		Framing:  FramingFrames,
		TxID:     opts.TxID,
		RxID:     opts.RxID,
		Monitor:  opts.Monitor,
	}

	if !opts.Monitor && opts.RxID != 0 {
		id := opts.RxID
		mask := uint32(canSFFMask | canEFFFlag | canRTRFlag)
		if p.Is29Bit() || opts.Flags&FlagCAN29BitID != 0 || id > canSFFMask {
			id |= canEFFFlag
			mask = canEFFMask | canEFFFlag | canRTRFlag
		}
		filter := []unix.CanFilter{{Id: id, Mask: mask}}
		if err := unix.SetsockoptCanRawFilter(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FILTER, filter); err != nil {
			unix.Close(fd)
			return nil, socketError("connect", err)
		}
		ch.Filters = []Filter{{Mask: canEFFMask, Pattern: opts.RxID}}
	}

	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: ifindex}); err != nil {
		unix.Close(fd)
		return nil, socketError("connect", err)
	}

	d.mu.Lock()
	ch.ID = d.nextID
	d.nextID++
	d.channels[ch.ID] = &socketChannel{ch: ch, fd: fd}
	d.mu.Unlock()
	d.log.Debug("SocketCAN channel connected", "channel", ch.ID, "protocol", p, "monitor", opts.Monitor)
	return ch, nil
}

func (d *SocketCANDriver) lookup(ch *Channel, op string) (*socketChannel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sc, ok := d.channels[ch.ID]
	if !ok {
		return nil, newError(LinkDown, op, fmt.Errorf("channel %d not connected", ch.ID))
	}
	return sc, nil
}

func (d *SocketCANDriver) Disconnect(ch *Channel) error {
	d.mu.Lock()
	sc, ok := d.channels[ch.ID]
	delete(d.channels, ch.ID)
	d.mu.Unlock()
	if !ok {
		return nil
	}
	return unix.Close(sc.fd)
}

// encodeCANFrame 按 struct can_frame 布局编码
func encodeCANFrame(f Frame) ([canFrameSize]byte, error) {
	var buf [canFrameSize]byte
	if len(f.Data) > 8 {
		return buf, newError(NotSupported, "send", fmt.Errorf("%d data bytes on classic CAN", len(f.Data)))
	}
	id := f.ID & canSFFMask
	if f.Extended || f.ID > canSFFMask {
		id = f.ID&canEFFMask | canEFFFlag
	}
	binary.LittleEndian.PutUint32(buf[0:4], id)
	buf[4] = byte(len(f.Data))
	copy(buf[8:], f.Data)
	return buf, nil
}

func decodeCANFrame(buf []byte) (Frame, bool) {
	if len(buf) < canFrameSize {
		return Frame{}, false
	}
	raw := binary.LittleEndian.Uint32(buf[0:4])
	if raw&(canERRFlag|canRTRFlag) != 0 {
		return Frame{}, false
	}
	dlc := int(buf[4])
	if dlc > 8 {
		dlc = 8
	}
	f := Frame{
		Data:      append([]byte(nil), buf[8:8+dlc]...),
		Timestamp: time.Now(),
		Direction: RX,
	}
	if raw&canEFFFlag != 0 {
		f.ID = raw & canEFFMask
		f.Extended = true
	} else {
		f.ID = raw & canSFFMask
	}
	return f, true
}

func (d *SocketCANDriver) Send(ch *Channel, f Frame) error {
	sc, err := d.lookup(ch, "send")
	if err != nil {
		return err
	}
	buf, err := encodeCANFrame(f)
	if err != nil {
		return err
	}
	f.Direction = TX
	logCANMessage(d.log, f)
	if _, err := unix.Write(sc.fd, buf[:]); err != nil {
		if errors.Is(err, unix.ENOBUFS) || errors.Is(err, unix.EAGAIN) {
			return newError(Timeout, "send", err)
		}
		return socketError("send", err)
	}
	return nil
}

func (d *SocketCANDriver) Receive(ch *Channel, timeout time.Duration) (Frame, error) {
	sc, err := d.lookup(ch, "receive")
	if err != nil {
		return Frame{}, err
	}
	deadline := time.Now().Add(timeout)
	buf := make([]byte, canFrameSize)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Frame{}, newError(Timeout, "receive", nil)
		}
		fds := []unix.PollFd{{Fd: int32(sc.fd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, int(remaining.Milliseconds())+1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return Frame{}, socketError("receive", err)
		}
		if n == 0 {
			return Frame{}, newError(Timeout, "receive", nil)
		}
		if fds[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
			return Frame{}, newError(LinkDown, "receive", fmt.Errorf("poll revents 0x%X", fds[0].Revents))
		}
		nr, err := unix.Read(sc.fd, buf)
		if err != nil {
			return Frame{}, socketError("receive", err)
		}
		f, ok := decodeCANFrame(buf[:nr])
		if !ok {
			continue
		}
		if !ch.Monitor {
			logCANMessage(d.log, f)
		}
		return f, nil
	}
}

func (d *SocketCANDriver) Ioctl(ch *Channel, id IoctlID, param uint32) (uint32, error) {
	switch id {
	case IoctlClearRxBuffer:
		sc, err := d.lookup(ch, "ioctl")
		if err != nil {
			return 0, err
		}
		buf := make([]byte, canFrameSize)
		for {
			fds := []unix.PollFd{{Fd: int32(sc.fd), Events: unix.POLLIN}}
			n, err := unix.Poll(fds, 0)
			if err != nil || n == 0 {
				return 0, nil
			}
			if _, err := unix.Read(sc.fd, buf); err != nil {
				return 0, nil
			}
		}
	case IoctlClearTxBuffer, IoctlSetLoopback:
		return 0, nil
	}
	// 波特率由 ip link 配置，不在这里修改
	return 0, newError(NotSupported, "ioctl", fmt.Errorf("%s", id))
}

func (d *SocketCANDriver) Close() error {
	d.mu.Lock()
	channels := d.channels
	d.channels = make(map[uint32]*socketChannel)
	d.opened = false
	d.mu.Unlock()
	var errs []error
	for _, sc := range channels {
		if err := unix.Close(sc.fd); err != nil {
			errs = append(errs, err)
		}
	}
	d.log.Info("SocketCAN 接口已关闭")
	return errors.Join(errs...)
}
