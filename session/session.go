package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"golang.org/x/sync/errgroup"

	"github.com/LoveWonYoung/autodiag/driver"
	"github.com/LoveWonYoung/autodiag/logrecorder"
	"github.com/LoveWonYoung/autodiag/udsclient"
)

// Session 持有一个驱动、一个通道和其上的 UDS 客户端。通道只属于这个会话。
type Session struct {
	cfg      Config
	log      *slog.Logger
	lockouts *Lockouts

	opMu sync.Mutex // Open / Reconfigure / Close 互斥

	mu                sync.Mutex
	drv               driver.Driver
	driverOpen        bool
	state             State
	protocol          driver.Protocol
	sessionType       byte
	securityLevel     byte
	lastTesterPresent time.Time
	ch                *driver.Channel
	link              udsclient.Link
	client            *udsclient.Client
	txID              uint32
	err               error
	done              chan struct{}
	doneOnce          sync.Once

	kaCancel context.CancelFunc
	kaGroup  *errgroup.Group
}

func New(drv driver.Driver, cfg Config) (*Session, error) {
	if drv == nil {
		return nil, errors.New("session: nil driver")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ID == "" {
		cfg.ID = drv.Kind().String()
	}
	lockouts := cfg.Lockouts
	if lockouts == nil {
		lockouts = NewLockouts(cfg.LockoutDelay, cfg.MaxKeyAttempts)
	}
	return &Session{
		cfg:      cfg,
		log:      logrecorder.Logger("session").With("session", cfg.ID),
		lockouts: lockouts,
		drv:      drv,
		state:    Disconnected,
		done:     make(chan struct{}),
	}, nil
}

func (s *Session) ID() string { return s.cfg.ID }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Protocol() driver.Protocol {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protocol
}

func (s *Session) SessionType() byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionType
}

func (s *Session) SecurityLevel() byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.securityLevel
}

func (s *Session) LastTesterPresent() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTesterPresent
}

// Channel returns the owned channel, nil when disconnected.
func (s *Session) Channel() *driver.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}

// Client returns the UDS client of the current connection.
func (s *Session) Client() (*udsclient.Client, error) { return s.activeClient() }

// Done is closed when the session ends, by Close or by a fatal error.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the error that ended the session, nil after a plain Close.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) ecuID() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.txID != 0 {
		return s.txID
	}
	return s.cfg.TxID
}

// transitionLocked 校验并执行状态迁移，调用方持有 s.mu
func (s *Session) transitionLocked(to State) error {
	from := s.state
	if !canTransition(from, to) {
		return newError(InvalidTransition, fmt.Errorf("%s -> %s", from, to))
	}
	s.state = to
	if from != to {
		s.log.Info("state changed", "from", from.String(), "to", to.String())
		if s.cfg.Recorder != nil {
			s.cfg.Recorder.StateChanged(s.cfg.ID, from, to)
		}
	}
	return nil
}

func (s *Session) transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(to)
}

func (s *Session) activeClient() (*udsclient.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.Active() || s.client == nil {
		return nil, newError(NotConnected, fmt.Errorf("state %s", s.state))
	}
	return s.client, nil
}

// Open 打开驱动并建立连接，成功后进入 CONNECTED 并启动 keep-alive。
func (s *Session) Open(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	select {
	case <-s.done:
		return newError(NotConnected, errors.New("session closed"))
	default:
	}
	if err := s.transition(Probing); err != nil {
		return err
	}
	if err := s.openDriver(ctx); err != nil {
		_ = s.transition(Disconnected)
		return err
	}
	if err := s.connect(ctx, s.cfg.Protocol); err != nil {
		s.closeDriver()
		_ = s.transition(Disconnected)
		return err
	}
	s.startKeepAlive()
	return nil
}

// openDriver 对 DeviceNotFound / LinkDown 按固定间隔重试，其余错误立即返回。
func (s *Session) openDriver(ctx context.Context) error {
	s.mu.Lock()
	drv, open := s.drv, s.driverOpen
	s.mu.Unlock()
	if open {
		return nil
	}

	attempts := s.cfg.OpenAttempts
	if attempts == 0 {
		attempts = 1
	}
	err := retry.Do(
		func() error {
			err := drv.Open(ctx)
			if err == nil {
				return nil
			}
			switch driver.KindOf(err) {
			case driver.DeviceNotFound, driver.LinkDown, driver.DeviceError:
				return err
			}
			return retry.Unrecoverable(err)
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(s.cfg.OpenRetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			s.log.Warn("driver open failed, retrying", "attempt", n+1, "max", attempts, "err", err)
		}),
	)
	if err != nil {
		return fmt.Errorf("session: open %s: %w", drv.Kind(), err)
	}
	s.mu.Lock()
	s.driverOpen = true
	s.mu.Unlock()
	return nil
}

func (s *Session) closeDriver() {
	s.mu.Lock()
	drv, open := s.drv, s.driverOpen
	s.driverOpen = false
	s.mu.Unlock()
	if !open {
		return
	}
	if err := drv.Close(); err != nil {
		s.log.Warn("driver close failed", "err", err)
	}
}

// connect 按优先级探测协议，第一个对 3E 00 给出正响应的协议胜出。
func (s *Session) connect(ctx context.Context, p driver.Protocol) error {
	candidates := []driver.Protocol{p}
	if p == driver.ProtocolAuto {
		candidates = DetectOrder
	}

	var errs []error
	for _, cand := range candidates {
		if err := ctx.Err(); err != nil {
			return err
		}
		ch, link, txID, err := s.probe(ctx, cand)
		if err != nil {
			s.log.Info("protocol probe failed", "protocol", cand.String(), "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", cand, err))
			if isFatal(err) {
				break
			}
			continue
		}

		client := udsclient.NewClient(link, s.cfg.UDS)
		s.mu.Lock()
		s.ch, s.link, s.client, s.txID = ch, link, client, txID
		s.protocol = cand
		s.sessionType = udsclient.DefaultSession
		s.securityLevel = 0
		err = s.transitionLocked(Connected)
		s.mu.Unlock()
		if err != nil {
			return err
		}
		s.log.Info("connected", "protocol", cand.String(), "framing", ch.Framing.String(), "channel", ch.ID)
		if s.cfg.OnClient != nil {
			s.cfg.OnClient(client)
		}
		return nil
	}
	return newError(ProtocolDetectFailed, errors.Join(errs...))
}

func (s *Session) probe(ctx context.Context, p driver.Protocol) (*driver.Channel, udsclient.Link, uint32, error) {
	addr, opts, err := s.cfg.addressing(p)
	if err != nil {
		return nil, nil, 0, err
	}
	s.mu.Lock()
	drv := s.drv
	s.mu.Unlock()

	ch, err := drv.Connect(p, opts)
	if err != nil {
		return nil, nil, 0, err
	}
	release := func() {
		if err := drv.Disconnect(ch); err != nil {
			s.log.Warn("disconnect failed", "channel", ch.ID, "err", err)
		}
	}

	switch p {
	case driver.ISO14230:
		_, err = drv.Ioctl(ch, driver.IoctlFastInit, 0)
	case driver.ISO9141:
		_, err = drv.Ioctl(ch, driver.IoctlFiveBaudInit, 0x33)
	}
	if err != nil {
		release()
		return nil, nil, 0, err
	}

	link, err := udsclient.NewLink(drv, ch, addr, s.cfg.ISOTP)
	if err != nil {
		release()
		return nil, nil, 0, err
	}
	prober := udsclient.NewClient(link, udsclient.Options{
		P2:         s.cfg.ProbeTimeout,
		P2Star:     s.cfg.UDS.P2Star,
		MaxRetries: 0,
	})
	pctx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout+s.cfg.ProbeTimeout/2)
	_, err = prober.Do(pctx, udsclient.TesterPresentRequest(false))
	cancel()
	if err != nil {
		_ = link.Close()
		release()
		return nil, nil, 0, err
	}
	return ch, link, opts.TxID, nil
}

// Do 在当前连接上执行一次交互。不可恢复的错误会断开会话。
func (s *Session) Do(ctx context.Context, req udsclient.Request) (*udsclient.Exchange, error) {
	client, err := s.activeClient()
	if err != nil {
		return nil, err
	}
	ex, err := client.Do(ctx, req)
	return ex, s.check(err)
}

// isFatal 链路断开、缺失导出符号或权限问题
func isFatal(err error) bool {
	switch driver.KindOf(err) {
	case driver.LinkDown, driver.MissingSymbol, driver.PermissionDenied:
		return true
	}
	return false
}

func (s *Session) check(err error) error {
	if err != nil && isFatal(err) {
		serr := newError(SessionLost, err)
		s.lose(serr)
		return serr
	}
	return err
}

// StartSession 发送 0x10 并根据类型迁移状态，响应中的 P2/P2* 写回客户端。
func (s *Session) StartSession(ctx context.Context, sessionType byte) error {
	var next State
	switch sessionType {
	case udsclient.DefaultSession:
		next = Connected
	case udsclient.ExtendedSession:
		next = ExtendedSession
	case udsclient.ProgrammingSession:
		next = ProgrammingSession
	default:
		return fmt.Errorf("session: unsupported session type 0x%02X", sessionType)
	}
	client, err := s.activeClient()
	if err != nil {
		return err
	}
	timing, err := client.DiagnosticSessionControl(ctx, sessionType)
	if err != nil {
		return s.check(err)
	}
	client.SetTiming(timing.P2, timing.P2Star)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.transitionLocked(next); err != nil {
		return err
	}
	s.sessionType = sessionType
	// ECU 切换会话后安全访问复位
	s.securityLevel = 0
	return nil
}

// Reconfigure 拆除当前通道和链路后用新协议重新连接。drv 非空时同时更换驱动。
// 通道的传输方式从不原地修改。
func (s *Session) Reconfigure(ctx context.Context, p driver.Protocol, drv driver.Driver) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	select {
	case <-s.done:
		return newError(NotConnected, errors.New("session closed"))
	default:
	}
	s.stopKeepAlive()
	s.teardownChannel()

	s.mu.Lock()
	swap := drv != nil && drv != s.drv
	s.mu.Unlock()
	if swap {
		s.closeDriver()
		s.mu.Lock()
		s.drv = drv
		s.mu.Unlock()
	}

	s.mu.Lock()
	var err error
	if s.state != Disconnected {
		err = s.transitionLocked(Disconnected)
	}
	if err == nil {
		err = s.transitionLocked(Probing)
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}

	if err := s.openDriver(ctx); err != nil {
		_ = s.transition(Disconnected)
		return err
	}
	if err := s.connect(ctx, p); err != nil {
		_ = s.transition(Disconnected)
		return err
	}
	s.startKeepAlive()
	return nil
}

// teardownChannel 关闭客户端并断开通道，驱动保持打开
func (s *Session) teardownChannel() {
	s.mu.Lock()
	client, ch, drv := s.client, s.ch, s.drv
	s.client, s.link, s.ch = nil, nil, nil
	s.mu.Unlock()

	if client != nil {
		if err := client.Close(); err != nil {
			s.log.Warn("client close failed", "err", err)
		}
	}
	if ch != nil {
		if err := drv.Disconnect(ch); err != nil {
			s.log.Warn("disconnect failed", "channel", ch.ID, "err", err)
		}
	}
}

// lose 因错误结束会话。可在 keep-alive goroutine 内调用，不等待它退出。
func (s *Session) lose(err error) {
	s.mu.Lock()
	if s.state == Disconnected {
		s.mu.Unlock()
		return
	}
	s.err = err
	_ = s.transitionLocked(Disconnected)
	cancel := s.kaCancel
	s.mu.Unlock()

	s.log.Warn("session ended", "err", err)
	if cancel != nil {
		cancel()
	}
	s.teardownChannel()
	s.closeDriver()
	s.doneOnce.Do(func() { close(s.done) })
}

// Close 停止 keep-alive，释放通道和驱动。
func (s *Session) Close() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.stopKeepAlive()
	s.teardownChannel()
	s.closeDriver()
	s.mu.Lock()
	if s.state != Disconnected {
		_ = s.transitionLocked(Disconnected)
	}
	s.mu.Unlock()
	s.doneOnce.Do(func() { close(s.done) })
	return nil
}
