// Package diag is the caller-facing API. A Registry owns any number of
// independent diagnostic sessions, each with its own primary device, optional
// sniffer and snapshot pipeline.
package diag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LoveWonYoung/autodiag/config"
	"github.com/LoveWonYoung/autodiag/coordinator"
	"github.com/LoveWonYoung/autodiag/driver"
	"github.com/LoveWonYoung/autodiag/logrecorder"
	"github.com/LoveWonYoung/autodiag/metrics"
	"github.com/LoveWonYoung/autodiag/session"
	"github.com/LoveWonYoung/autodiag/store"
	"github.com/LoveWonYoung/autodiag/udsclient"
)

var (
	ErrRegistryClosed = errors.New("diag: registry closed")
	ErrUnknownHandle  = errors.New("diag: unknown or disconnected handle")
)

// Handle 是一个已连接的诊断会话
type Handle struct {
	id     string
	cfg    *config.Config
	sess   *session.Session
	coord  *coordinator.Coordinator

	mu     sync.Mutex
	device driver.Driver
	detach func()
	once   sync.Once
}

func (h *Handle) ID() string { return h.id }

func (h *Handle) Session() *session.Session { return h.sess }

func (h *Handle) Coordinator() *coordinator.Coordinator { return h.coord }

// Device returns the primary driver. For the mock transport it is a *MockDevice.
func (h *Handle) Device() driver.Driver {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.device
}

type Option func(*Registry)

// WithDriverFactory 替换驱动构造函数，测试里用来注入虚拟设备
func WithDriverFactory(f DriverFactory) Option {
	return func(r *Registry) { r.factory = f }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithWriter 所有会话的快照都写入 w，Registry 负责启动和关闭它
func WithWriter(w store.Writer) Option {
	return func(r *Registry) { r.writer = w }
}

type Registry struct {
	factory DriverFactory
	metrics *metrics.Metrics
	writer  store.Writer
	log     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	seq    atomic.Uint64

	mu       sync.Mutex
	handles  map[string]*Handle
	lockouts map[string]*session.Lockouts
	closed   bool
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		factory:  DefaultFactory,
		log:      logrecorder.Logger("diag"),
		handles:  make(map[string]*Handle),
		lockouts: make(map[string]*session.Lockouts),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	if r.writer != nil {
		r.writer.Start(r.ctx)
	}
	return r
}

// sharedLockouts 同样锁定参数的会话共用一张锁定表，重连不会清掉锁定期
func (r *Registry) sharedLockouts(delay time.Duration, maxAttempts int) *session.Lockouts {
	key := fmt.Sprintf("%v/%d", delay, maxAttempts)
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.lockouts[key]
	if !ok {
		l = session.NewLockouts(delay, maxAttempts)
		r.lockouts[key] = l
	}
	return l
}

// Connect 打开主设备并建立会话，配置了旁路设备时同时启动快照引擎。
// 旁路设备失败只记录告警，不影响连接结果。
func (r *Registry) Connect(ctx context.Context, cfg *config.Config) (*Handle, error) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil, ErrRegistryClosed
	}

	id := fmt.Sprintf("%s-%d", cfg.TransportKind, r.seq.Add(1))
	sc, err := cfg.SessionConfig(id)
	if err != nil {
		return nil, fmt.Errorf("diag: session config: %w", err)
	}
	sc.Lockouts = r.sharedLockouts(sc.LockoutDelay, sc.MaxKeyAttempts)
	if r.metrics != nil {
		sc.Recorder = r.metrics
	}

	dev, err := r.factory(r.ctx, cfg.Kind(), cfg.DevicePathOrPort, cfg.BaudRate)
	if err != nil {
		return nil, fmt.Errorf("diag: primary device: %w", err)
	}
	h := &Handle{id: id, cfg: cfg, device: dev}
	h.coord = coordinator.New(r.sniffer(dev, cfg), r.coordinatorConfig(id, cfg))
	// 每个新客户端（包括 Reconfigure 之后的）都要重新挂上快照引擎和指标
	sc.OnClient = func(client *udsclient.Client) { r.attach(h, client) }

	sess, err := session.New(dev, sc)
	if err != nil {
		_ = h.coord.Close()
		stopDevice(dev)
		return nil, err
	}
	h.sess = sess
	h.coord.Start(r.ctx)
	if err := sess.Open(ctx); err != nil {
		_ = h.coord.Close()
		stopDevice(dev)
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.teardown(h)
		return nil, ErrRegistryClosed
	}
	r.handles[id] = h
	r.mu.Unlock()

	r.log.Info("session connected", "session", id, "protocol", sess.Protocol(), "sniffer", cfg.SnifferEnabled())
	return h, nil
}

// attach 把快照引擎和指标观察者挂到 client 上，替换之前客户端的订阅
func (r *Registry) attach(h *Handle, client *udsclient.Client) {
	h.coord.Attach(client)
	if r.metrics == nil {
		return
	}
	id := h.id
	detach := client.OnExchange(func(ex *udsclient.Exchange) { r.metrics.ObserveExchange(id, ex) })
	h.mu.Lock()
	prev := h.detach
	h.detach = detach
	h.mu.Unlock()
	if prev != nil {
		prev()
	}
}

func (r *Registry) coordinatorConfig(id string, cfg *config.Config) coordinator.Config {
	cc := coordinator.Config{SessionID: id, GuardInterval: cfg.GuardInterval()}
	if r.writer != nil {
		cc.Sink = r.writer
	}
	if r.metrics != nil {
		cc.Recorder = r.metrics
	}
	return cc
}

// sniffer 按配置构造旁路设备，未配置或构造失败返回 nil
func (r *Registry) sniffer(primary driver.Driver, cfg *config.Config) *coordinator.Sniffer {
	if !cfg.SnifferEnabled() {
		return nil
	}
	kind, err := driver.ParseTransportKind(cfg.Sniffer.TransportKind)
	if err != nil {
		r.log.Warn("sniffer disabled", "err", err)
		return nil
	}
	p, err := driver.ParseProtocol(cfg.Sniffer.Protocol)
	if err != nil {
		r.log.Warn("sniffer disabled", "err", err)
		return nil
	}

	var drv driver.Driver
	if m, ok := primary.(*MockDevice); ok && kind == driver.KindMock {
		// 虚拟旁路要和主设备在同一条总线上才能看到帧
		drv = m.Tap()
	} else {
		drv, err = r.factory(r.ctx, kind, cfg.Sniffer.DevicePathOrPort, cfg.Sniffer.BaudRate)
		if err != nil {
			r.log.Warn("sniffer disabled", "err", err)
			return nil
		}
	}
	return coordinator.NewSniffer(drv, coordinator.NewRing(cfg.Sniffer.RingSize), coordinator.SnifferConfig{
		Protocol: p,
		Baudrate: cfg.Sniffer.BaudRate,
	})
}

func (r *Registry) lookup(h *Handle) (*Handle, error) {
	if h == nil {
		return nil, ErrUnknownHandle
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}
	got, ok := r.handles[h.id]
	if !ok || got != h {
		return nil, ErrUnknownHandle
	}
	return got, nil
}

// Request 发送一条 UDS 请求并返回完整的交互记录。否定响应同时返回 Exchange 和错误。
func (r *Registry) Request(ctx context.Context, h *Handle, service byte, params []byte) (*udsclient.Exchange, error) {
	h, err := r.lookup(h)
	if err != nil {
		return nil, err
	}
	return h.sess.Do(ctx, udsclient.Request{ServiceID: service, Params: params})
}

// Unlock 用配置里的安全等级和密钥算法做 seed/key
func (r *Registry) Unlock(ctx context.Context, h *Handle) error {
	h, err := r.lookup(h)
	if err != nil {
		return err
	}
	alg, err := h.cfg.KeyAlgorithm()
	if err != nil {
		return fmt.Errorf("diag: key algorithm: %w", err)
	}
	return h.sess.Unlock(ctx, h.cfg.Security.Level, alg)
}

// Reconfigure 换协议重新连接，drv 非空时同时更换主设备。快照订阅和指标在新连接上继续有效。
func (r *Registry) Reconfigure(ctx context.Context, h *Handle, p driver.Protocol, drv driver.Driver) error {
	h, err := r.lookup(h)
	if err != nil {
		return err
	}
	err = h.sess.Reconfigure(ctx, p, drv)
	if drv != nil {
		// 会话已经换上新设备，无论重连是否成功
		h.mu.Lock()
		prev := h.device
		h.device = drv
		h.mu.Unlock()
		if prev != drv {
			stopDevice(prev)
		}
	}
	if err != nil {
		return err
	}
	r.log.Info("session reconfigured", "session", h.id, "protocol", h.sess.Protocol())
	return nil
}

// SubscribeSnapshots returns the handle's snapshot stream and a cancel func.
// The channel is closed on cancel or when the handle disconnects. An unknown
// handle gets an already closed channel.
func (r *Registry) SubscribeSnapshots(h *Handle) (<-chan coordinator.Snapshot, func()) {
	h, err := r.lookup(h)
	if err != nil {
		ch := make(chan coordinator.Snapshot)
		close(ch)
		return ch, func() {}
	}
	return h.coord.Subscribe()
}

// Disconnect 关闭会话和旁路设备，释放所有句柄
func (r *Registry) Disconnect(h *Handle) error {
	h, err := r.lookup(h)
	if err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.handles, h.id)
	r.mu.Unlock()
	return r.teardown(h)
}

func (r *Registry) teardown(h *Handle) error {
	var err error
	h.once.Do(func() {
		h.mu.Lock()
		detach, dev := h.detach, h.device
		h.detach = nil
		h.mu.Unlock()
		if detach != nil {
			detach()
		}
		err = errors.Join(h.coord.Close(), h.sess.Close())
		stopDevice(dev)
		if r.metrics != nil {
			r.metrics.Forget(h.id)
		}
		r.log.Info("session disconnected", "session", h.id)
	})
	return err
}

// Handles 当前所有会话
func (r *Registry) Handles() []*Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		out = append(out, h)
	}
	return out
}

// Close 断开所有会话，写完剩余快照后关闭存储
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	handles := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		handles = append(handles, h)
	}
	r.handles = make(map[string]*Handle)
	r.mu.Unlock()

	var wg sync.WaitGroup
	errs := make([]error, len(handles))
	for i, h := range handles {
		wg.Add(1)
		go func(i int, h *Handle) {
			defer wg.Done()
			errs[i] = r.teardown(h)
		}(i, h)
	}
	wg.Wait()

	if r.writer != nil {
		errs = append(errs, r.writer.Close())
	}
	r.cancel()
	return errors.Join(errs...)
}

func stopDevice(d driver.Driver) {
	if s, ok := d.(interface{ Stop() }); ok {
		s.Stop()
	}
}
