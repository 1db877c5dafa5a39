package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cskr/pubsub"
	"golang.org/x/sync/errgroup"

	"github.com/LoveWonYoung/autodiag/driver"
	"github.com/LoveWonYoung/autodiag/logrecorder"
	"github.com/LoveWonYoung/autodiag/udsclient"
)

const (
	DefaultGuardInterval = 50 * time.Millisecond

	exchangeQueueSize = 64
	pubsubCapacity    = 64
	subscriberBuffer  = 16
	sliceWaitStep     = 5 * time.Millisecond
)

// Window 快照的时间窗口，两端都包含
type Window struct {
	From time.Time
	To   time.Time
}

// Snapshot 是一次诊断交互及其前后 ε 内的总线流量。只读。
type Snapshot struct {
	SessionID string
	Exchange  *udsclient.Exchange
	Frames    []driver.Frame
	Window    Window
	// Dropped 切片时 ring 的累计覆盖数，加上复制期间丢失的槽位
	Dropped uint64
}

// Sink receives every emitted snapshot. Write must not block.
type Sink interface {
	Write(Snapshot)
}

// Recorder receives coordinator events. A nil Recorder is allowed.
type Recorder interface {
	FrameCaptured(session string, evicted bool)
	SnapshotEmitted(session string, frames int)
	SnifferAvailable(session string, up bool)
}

type Config struct {
	SessionID     string
	GuardInterval time.Duration
	Sink          Sink
	Recorder      Recorder
}

// Stats 是双设备引擎的运行统计
type Stats struct {
	SnifferUp         bool
	FramesCaptured    uint64
	FramesPerSecond   float64
	Overwrites        uint64
	SnapshotsEmitted  uint64
	ExchangesObserved uint64
	Uptime            time.Duration
}

// Coordinator 把主会话的每次交互与旁路抓到的总线帧关联成快照。
// 旁路设备是否可用从来不影响主诊断。
type Coordinator struct {
	cfg     Config
	log     *slog.Logger
	ring    *Ring
	sniffer *Sniffer
	bus     *pubsub.PubSub
	topic   string

	queue chan *udsclient.Exchange

	mu       sync.Mutex
	detach   func()
	cancel   context.CancelFunc
	g        *errgroup.Group
	closed   bool
	started  time.Time
	unavail  error
	observed atomic.Uint64
	emitted  atomic.Uint64
}

// New creates a coordinator. sniffer may be nil, in which case no snapshots are produced.
func New(sniffer *Sniffer, cfg Config) *Coordinator {
	if cfg.GuardInterval <= 0 {
		cfg.GuardInterval = DefaultGuardInterval
	}
	c := &Coordinator{
		cfg:     cfg,
		log:     logrecorder.Logger("coordinator").With("session", cfg.SessionID),
		sniffer: sniffer,
		bus:     pubsub.New(pubsubCapacity),
		topic:   Topic(cfg.SessionID),
		queue:   make(chan *udsclient.Exchange, exchangeQueueSize),
	}
	if sniffer != nil {
		c.ring = sniffer.ring
		sniffer.onDown = c.setUnavailable
		if cfg.Recorder != nil {
			sniffer.onFrame = func(evicted bool) { cfg.Recorder.FrameCaptured(cfg.SessionID, evicted) }
		}
	}
	return c
}

// Topic 快照在 pubsub 上的主题名
func Topic(session string) string { return "snapshots." + session }

func (c *Coordinator) Topic() string { return c.topic }

// Start 启动旁路设备和快照协程。旁路失败只记录，不返回错误。
func (c *Coordinator) Start(ctx context.Context) {
	ctx2, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx2)
	c.mu.Lock()
	c.cancel, c.g = cancel, g
	c.started = time.Now()
	c.mu.Unlock()

	if c.sniffer == nil {
		c.setUnavailable(fmt.Errorf("%w: not configured", ErrSnifferUnavailable))
	} else if err := c.sniffer.Start(ctx); err != nil {
		c.setUnavailable(err)
	} else {
		c.report(true)
	}
	g.Go(func() error { return c.run(gctx) })
}

func (c *Coordinator) setUnavailable(err error) {
	c.mu.Lock()
	c.unavail = err
	c.mu.Unlock()
	c.log.Warn("secondary device failed, continuing with primary only", "err", err)
	c.report(false)
}

func (c *Coordinator) report(up bool) {
	if c.cfg.Recorder != nil {
		c.cfg.Recorder.SnifferAvailable(c.cfg.SessionID, up)
	}
}

// Attach 订阅 client 的交互事件，替换之前的订阅。会话重连后需要重新调用。
func (c *Coordinator) Attach(client *udsclient.Client) {
	detach := client.OnExchange(c.observe)
	c.mu.Lock()
	prev := c.detach
	c.detach = detach
	c.mu.Unlock()
	if prev != nil {
		prev()
	}
}

// observe 在客户端的请求 goroutine 里调用，不能阻塞。会话自己的保活不生成快照，
// 调用方显式发送的 3E 照常处理。
func (c *Coordinator) observe(ex *udsclient.Exchange) {
	if ex.KeepAlive {
		return
	}
	c.observed.Add(1)
	if c.SnifferErr() != nil {
		return
	}
	select {
	case c.queue <- ex:
	default:
		c.log.Warn("snapshot queue full, exchange dropped", "sid", fmt.Sprintf("0x%02X", ex.ServiceID))
	}
}

func (c *Coordinator) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ex := <-c.queue:
			snap, ok := c.snapshot(ctx, ex)
			if !ok {
				continue
			}
			c.bus.Pub(snap, c.topic)
			if c.cfg.Sink != nil {
				c.cfg.Sink.Write(snap)
			}
			c.emitted.Add(1)
			if c.cfg.Recorder != nil {
				c.cfg.Recorder.SnapshotEmitted(c.cfg.SessionID, len(snap.Frames))
			}
		}
	}
}

// snapshot 等到旁路看到 End+ε 之后的帧或 ε 过去，然后切出窗口
func (c *Coordinator) snapshot(ctx context.Context, ex *udsclient.Exchange) (Snapshot, bool) {
	g := c.cfg.GuardInterval
	w := Window{From: ex.Start.Add(-g), To: ex.End.Add(g)}
	for c.ring.Latest().Before(w.To) {
		wait := time.Until(w.To)
		if wait <= 0 {
			break
		}
		if wait > sliceWaitStep {
			wait = sliceWaitStep
		}
		select {
		case <-ctx.Done():
			return Snapshot{}, false
		case <-time.After(wait):
		}
	}
	frames, lost := c.ring.Slice(w.From, w.To)
	return Snapshot{
		SessionID: c.cfg.SessionID,
		Exchange:  ex,
		Frames:    frames,
		Window:    w,
		Dropped:   c.ring.Overwrites() + uint64(lost),
	}, true
}

// Subscribe 返回快照通道和取消函数。读取跟不上时丢弃快照，取消后通道会被关闭。
func (c *Coordinator) Subscribe() (<-chan Snapshot, func()) {
	out := make(chan Snapshot, subscriberBuffer)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		close(out)
		return out, func() {}
	}
	raw := c.bus.Sub(c.topic)
	c.mu.Unlock()

	stop := make(chan struct{})
	go func() {
		defer close(out)
		for m := range raw {
			snap, ok := m.(Snapshot)
			if !ok {
				continue
			}
			select {
			case out <- snap:
			case <-stop:
			default:
				c.log.Warn("subscriber not keeping up, snapshot dropped", "sid", fmt.Sprintf("0x%02X", snap.Exchange.ServiceID))
			}
		}
	}()

	var once sync.Once
	return out, func() {
		once.Do(func() {
			close(stop)
			c.mu.Lock()
			defer c.mu.Unlock()
			if !c.closed {
				c.bus.Unsub(raw, c.topic)
			}
		})
	}
}

// SnifferErr 旁路设备不可用时返回 ErrSnifferUnavailable 包装的原因
func (c *Coordinator) SnifferErr() error {
	c.mu.Lock()
	err := c.unavail
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if c.sniffer == nil {
		return fmt.Errorf("%w: not configured", ErrSnifferUnavailable)
	}
	if !c.sniffer.Available() {
		return c.sniffer.Err()
	}
	return nil
}

func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()

	st := Stats{
		SnapshotsEmitted:  c.emitted.Load(),
		ExchangesObserved: c.observed.Load(),
	}
	if !started.IsZero() {
		st.Uptime = time.Since(started)
	}
	if c.sniffer != nil {
		st.SnifferUp = c.sniffer.Available()
		st.FramesCaptured = c.sniffer.Frames()
		st.Overwrites = c.ring.Overwrites()
		if since := c.sniffer.Started(); !since.IsZero() {
			if secs := time.Since(since).Seconds(); secs > 0 {
				st.FramesPerSecond = float64(st.FramesCaptured) / secs
			}
		}
	}
	return st
}

// Close 解除订阅，停止快照协程和旁路设备，关闭所有订阅通道。
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	detach, cancel, g := c.detach, c.cancel, c.g
	c.detach = nil
	c.mu.Unlock()

	if detach != nil {
		detach()
	}
	if cancel != nil {
		cancel()
		_ = g.Wait()
	}
	var err error
	if c.sniffer != nil {
		err = c.sniffer.Close()
	}
	c.bus.Shutdown()
	return err
}
