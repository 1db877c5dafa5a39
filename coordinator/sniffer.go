package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/LoveWonYoung/autodiag/driver"
	"github.com/LoveWonYoung/autodiag/logrecorder"
)

const (
	snifferRxTimeout = 20 * time.Millisecond
	snifferErrSleep  = 5 * time.Millisecond
)

// ErrSnifferUnavailable 旁路设备未连接或已掉线。只影响快照，主诊断不受影响。
var ErrSnifferUnavailable = errors.New("coordinator: sniffer unavailable")

// SnifferConfig 旁路设备的连接参数
type SnifferConfig struct {
	Protocol driver.Protocol
	Baudrate uint32
	Flags    driver.ConnectFlags
}

// Sniffer 在第二个设备上以监听模式接收总线帧并写入 Ring。
type Sniffer struct {
	drv  driver.Driver
	cfg  SnifferConfig
	ring *Ring
	log  *slog.Logger

	// 每收到一帧调用一次，evicted 表示挤掉了旧帧
	onFrame func(evicted bool)
	onDown  func(err error)

	mu      sync.Mutex
	ch      *driver.Channel
	err     error
	cancel  context.CancelFunc
	g       *errgroup.Group
	up      atomic.Bool
	frames  atomic.Uint64
	started time.Time
}

func NewSniffer(drv driver.Driver, ring *Ring, cfg SnifferConfig) *Sniffer {
	if cfg.Protocol == driver.ProtocolAuto {
		cfg.Protocol = driver.CANRaw
	}
	return &Sniffer{
		drv:  drv,
		cfg:  cfg,
		ring: ring,
		log:  logrecorder.Logger("sniffer").With("kind", drv.Kind().String()),
		err:  fmt.Errorf("%w: not started", ErrSnifferUnavailable),
	}
}

// Start 打开设备并以监听模式连接，接收循环在后台运行。
func (s *Sniffer) Start(ctx context.Context) error {
	if err := s.drv.Open(ctx); err != nil {
		return s.setErr(err)
	}
	ch, err := s.drv.Connect(s.cfg.Protocol, driver.ConnectOptions{
		Flags:    s.cfg.Flags,
		Baudrate: s.cfg.Baudrate,
		Monitor:  true,
	})
	if err != nil {
		_ = s.drv.Close()
		return s.setErr(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	s.mu.Lock()
	s.ch, s.err, s.cancel, s.g = ch, nil, cancel, g
	s.started = time.Now()
	s.mu.Unlock()
	s.up.Store(true)

	g.Go(func() error { return s.loop(ctx, ch) })
	s.log.Info("sniffer started", "protocol", s.cfg.Protocol.String(), "channel", ch.ID)
	return nil
}

func (s *Sniffer) loop(ctx context.Context, ch *driver.Channel) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		f, err := s.drv.Receive(ch, snifferRxTimeout)
		if err != nil {
			switch {
			case driver.IsTimeout(err):
				continue
			case driver.KindOf(err) == driver.LinkDown:
				if ctx.Err() != nil {
					return nil
				}
				s.up.Store(false)
				werr := s.setErr(err)
				if s.onDown != nil {
					s.onDown(werr)
				}
				return err
			}
			s.log.Warn("sniffer receive failed", "err", err)
			time.Sleep(snifferErrSleep)
			continue
		}
		f.Timestamp = time.Now()
		f.Direction = driver.RX
		evicted := s.ring.Append(f)
		s.frames.Add(1)
		if s.onFrame != nil {
			s.onFrame(evicted)
		}
	}
}

func (s *Sniffer) setErr(err error) error {
	werr := fmt.Errorf("%w: %w", ErrSnifferUnavailable, err)
	s.mu.Lock()
	s.err = werr
	s.mu.Unlock()
	s.log.Warn("sniffer unavailable, snapshots disabled", "err", err)
	return werr
}

// Available reports whether the receive loop is running.
func (s *Sniffer) Available() bool { return s.up.Load() }

// Err 返回不可用的原因，运行中为 nil
func (s *Sniffer) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Frames 累计抓取的帧数
func (s *Sniffer) Frames() uint64 { return s.frames.Load() }

func (s *Sniffer) Started() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Close 停止接收循环并释放设备
func (s *Sniffer) Close() error {
	s.mu.Lock()
	cancel, g, ch := s.cancel, s.g, s.ch
	s.cancel, s.g, s.ch = nil, nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	if err := g.Wait(); err != nil {
		s.log.Debug("sniffer loop ended", "err", err)
	}
	s.up.Store(false)
	s.mu.Lock()
	if s.err == nil {
		s.err = fmt.Errorf("%w: closed", ErrSnifferUnavailable)
	}
	s.mu.Unlock()

	var errs []error
	if err := s.drv.Disconnect(ch); err != nil && driver.KindOf(err) != driver.LinkDown {
		errs = append(errs, err)
	}
	if err := s.drv.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
