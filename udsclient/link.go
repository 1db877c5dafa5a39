package udsclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/LoveWonYoung/autodiag/driver"
	"github.com/LoveWonYoung/autodiag/logrecorder"
	"github.com/LoveWonYoung/autodiag/tp"
)

const (
	adapterRxBufferSize = 100                   // 适配器接收缓冲区大小
	adapterTxBufferSize = 100                   // 适配器发送缓冲区大小
	adapterRxTimeout    = 10 * time.Millisecond // 单次驱动接收等待
	goroutineSleep      = 1 * time.Millisecond  // goroutine休眠时间
	messageRecvSlice    = 50 * time.Millisecond
)

// ErrLinkClosed is returned by Send and Recv after Close.
var ErrLinkClosed = errors.New("udsclient: link closed")

// Link 在一个已连接的通道上收发完整的 UDS 报文。
type Link interface {
	Send(ctx context.Context, payload []byte) error
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

// drainer is implemented by links that can discard stale responses before a request.
type drainer interface {
	Drain() int
}

// NewLink picks the link flavour from ch.Framing. The choice is fixed for the channel's life.
func NewLink(drv driver.Driver, ch *driver.Channel, addr *tp.Address, cfg tp.Config) (Link, error) {
	switch ch.Framing {
	case driver.FramingFrames:
		return NewSoftwareLink(drv, ch, addr, cfg)
	case driver.FramingMessages:
		return NewMessageLink(drv, ch), nil
	}
	return nil, fmt.Errorf("udsclient: unknown framing %v", ch.Framing)
}

// SoftwareLink 在原始 CAN 帧通道上运行软件 ISO-TP。
type SoftwareLink struct {
	ch      *driver.Channel
	adapter *driver.Adapter
	tr      *tp.Transport
	log     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	g      *errgroup.Group

	mu        sync.Mutex
	linkErr   error
	closeOnce sync.Once
}

// NewSoftwareLink 创建适配器与协议栈并启动后台 goroutine。
func NewSoftwareLink(drv driver.Driver, ch *driver.Channel, addr *tp.Address, cfg tp.Config) (*SoftwareLink, error) {
	adapter, err := driver.NewAdapter(drv, ch, adapterRxTimeout)
	if err != nil {
		return nil, fmt.Errorf("无法创建适配器: %w", err)
	}
	tr, err := tp.NewTransport(addr, cfg)
	if err != nil {
		return nil, err
	}
	l := &SoftwareLink{
		ch:      ch,
		adapter: adapter,
		tr:      tr,
		log:     logrecorder.Logger("link").With("channel", ch.ID, "protocol", ch.Protocol.String()),
	}
	tr.SetLogger(logrecorder.Logger("isotp").With("channel", ch.ID))

	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.g, l.ctx = errgroup.WithContext(ctx)

	rxFromAdapter := make(chan tp.CanMessage, adapterRxBufferSize)
	txToAdapter := make(chan tp.CanMessage, adapterTxBufferSize)

	// 驱动 -> 协议栈
	l.g.Go(func() error {
		for {
			if l.ctx.Err() != nil {
				return nil
			}
			msg, ok, err := adapter.RxFunc()
			if err != nil {
				if driver.KindOf(err) == driver.LinkDown {
					l.fail(err)
					return err
				}
				l.log.Warn("receive failed", "err", err)
				time.Sleep(goroutineSleep)
				continue
			}
			if !ok {
				continue
			}
			select {
			case rxFromAdapter <- msg:
			case <-l.ctx.Done():
				return nil
			}
		}
	})

	// 协议栈 -> 驱动
	l.g.Go(func() error {
		for {
			select {
			case <-l.ctx.Done():
				return nil
			case msg := <-txToAdapter:
				if err := adapter.TxFunc(msg); err != nil {
					if driver.KindOf(err) == driver.LinkDown {
						l.fail(err)
						return err
					}
					l.log.Warn("transmit failed", "id", fmt.Sprintf("0x%X", msg.ArbitrationID), "err", err)
				}
			}
		}
	})

	l.g.Go(func() error {
		tr.Run(l.ctx, rxFromAdapter, txToAdapter)
		return nil
	})

	l.g.Go(func() error {
		for {
			select {
			case <-l.ctx.Done():
				return nil
			case err := <-tr.Errors():
				l.log.Warn("[tp Error]", "err", err)
			}
		}
	})

	l.log.Info("software ISO-TP link started", "tx", fmt.Sprintf("0x%X", addr.TxID), "rx", fmt.Sprintf("0x%X", addr.RxID))
	return l, nil
}

func (l *SoftwareLink) fail(err error) {
	l.mu.Lock()
	if l.linkErr == nil {
		l.linkErr = err
		l.log.Warn("link down", "err", err)
	}
	l.mu.Unlock()
}

// Err returns the error that stopped the link, if any.
func (l *SoftwareLink) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.linkErr
}

// Done is closed once the background goroutines are stopping.
func (l *SoftwareLink) Done() <-chan struct{} { return l.ctx.Done() }

// Send 发送一条请求。流控或连续帧超时时在 ISO-TP 层重试一次。
func (l *SoftwareLink) Send(ctx context.Context, payload []byte) error {
	err := l.tr.Send(ctx, payload)
	if isFrameLoss(err) && ctx.Err() == nil {
		l.log.Warn("frame loss, retrying send once", "err", err)
		err = l.tr.Send(ctx, payload)
	}
	return l.mapErr(err)
}

func (l *SoftwareLink) Recv(ctx context.Context) ([]byte, error) {
	data, err := l.tr.Recv(ctx)
	if err != nil {
		return nil, l.mapErr(err)
	}
	return data, nil
}

// Drain 丢弃上一次交互残留的响应
func (l *SoftwareLink) Drain() int { return l.tr.DrainRx() }

func (l *SoftwareLink) mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, tp.ErrTransportClosed) {
		if lerr := l.Err(); lerr != nil {
			return lerr
		}
		return ErrLinkClosed
	}
	return err
}

// Close 停止所有后台 goroutine。通道本身由调用方断开。
func (l *SoftwareLink) Close() error {
	l.closeOnce.Do(func() {
		l.cancel()
		if err := l.g.Wait(); err != nil {
			l.log.Debug("link stopped", "err", err)
		}
	})
	return nil
}

func isFrameLoss(err error) bool {
	var fc tp.FlowControlTimeoutError
	var cf tp.ConsecutiveFrameTimeoutError
	return errors.As(err, &fc) || errors.As(err, &cf)
}

// MessageLink 用于设备自己完成分段的通道 (J2534 ISO15765, K-line)。
type MessageLink struct {
	drv driver.Driver
	ch  *driver.Channel
	log *slog.Logger

	mu     sync.Mutex
	closed bool
}

func NewMessageLink(drv driver.Driver, ch *driver.Channel) *MessageLink {
	return &MessageLink{
		drv: drv,
		ch:  ch,
		log: logrecorder.Logger("link").With("channel", ch.ID, "protocol", ch.Protocol.String()),
	}
}

func (l *MessageLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *MessageLink) Send(ctx context.Context, payload []byte) error {
	if l.isClosed() {
		return ErrLinkClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.drv.Send(l.ch, driver.Frame{
		ID:       l.ch.TxID,
		Data:     append([]byte(nil), payload...),
		Extended: l.ch.Protocol.Is29Bit(),
	})
}

// Recv 以不超过 50ms 的片段轮询驱动，直到收到报文或 ctx 结束。
func (l *MessageLink) Recv(ctx context.Context) ([]byte, error) {
	for {
		if l.isClosed() {
			return nil, ErrLinkClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		wait := messageRecvSlice
		if dl, ok := ctx.Deadline(); ok {
			if left := time.Until(dl); left < wait {
				wait = left
			}
		}
		if wait <= 0 {
			return nil, context.DeadlineExceeded
		}
		f, err := l.drv.Receive(l.ch, wait)
		if err != nil {
			if driver.IsTimeout(err) {
				continue
			}
			return nil, err
		}
		if len(f.Data) == 0 {
			continue
		}
		return f.Data, nil
	}
}

func (l *MessageLink) Drain() int {
	if _, err := l.drv.Ioctl(l.ch, driver.IoctlClearRxBuffer, 0); err != nil && driver.KindOf(err) != driver.NotSupported {
		l.log.Warn("clear rx buffer failed", "err", err)
	}
	return 0
}

func (l *MessageLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}
