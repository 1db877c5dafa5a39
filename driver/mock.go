package driver

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/LoveWonYoung/autodiag/logrecorder"
)

// 缓冲区配置常量
const (
	MockRxBufferSize = 1024
	MockVBattMilli   = 12600
)

// WriteRecord 记录一次写入操作
type WriteRecord struct {
	Channel uint32
	Frame   Frame
}

// MockResponse 定义预设的自动响应
type MockResponse struct {
	TriggerID   uint32        // 触发响应的请求 ID
	TriggerData []byte        // 触发响应的数据前缀 (可选)
	ResponseID  uint32        // 响应的 ID
	Response    []byte        // 响应数据
	Delay       time.Duration // 响应延迟
}

type mockChannel struct {
	ch *Channel
	rx chan Frame
}

// MockDriver 是不依赖硬件的虚拟驱动，用于开发、测试和 -mock 模式。
type MockDriver struct {
	mu        sync.Mutex
	opened    bool
	linkDown  bool
	openErr   error
	failConn  map[Protocol]error
	framing   map[Protocol]Framing
	channels  map[uint32]*mockChannel
	nextID    uint32
	writeLog  []WriteRecord
	ioctlLog  []IoctlID
	responses []MockResponse
	onSend    []func(ch *Channel, f Frame)
	bus       *MockBus
	log       *slog.Logger
}

func NewMockDriver() *MockDriver {
	return &MockDriver{
		failConn: make(map[Protocol]error),
		framing:  make(map[Protocol]Framing),
		channels: make(map[uint32]*mockChannel),
		nextID:   1,
		log:      logrecorder.Logger("driver").With("kind", KindMock.String()),
	}
}

func (d *MockDriver) Kind() TransportKind { return KindMock }

func (d *MockDriver) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.openErr != nil {
		return d.openErr
	}
	if d.linkDown {
		return newError(LinkDown, "open", nil)
	}
	d.opened = true
	d.log.Info("[Mock] 设备已打开 (虚拟模式)")
	return nil
}

func (d *MockDriver) Connect(p Protocol, opts ConnectOptions) (*Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case d.linkDown:
		return nil, newError(LinkDown, "connect", nil)
	case !d.opened:
		return nil, newError(DeviceNotFound, "connect", fmt.Errorf("device not open"))
	case p == ProtocolAuto:
		return nil, newError(NotSupported, "connect", fmt.Errorf("protocol must be explicit"))
	}
	if err := d.failConn[p]; err != nil {
		return nil, err
	}

	framing := FramingMessages
	if p.IsCAN() {
		framing = FramingFrames
	}
	if f, ok := d.framing[p]; ok {
		framing = f
	}
	baud := opts.Baudrate
	if baud == 0 {
		baud = p.DefaultBaudrate()
	}

	ch := &Channel{
		ID:       d.nextID,
		Kind:     KindMock,
		Protocol: p,
		Baudrate: baud,
		Framing:  framing,
		TxID:     opts.TxID,
		RxID:     opts.RxID,
		Monitor:  opts.Monitor,
	}
	if !opts.Monitor && opts.RxID != 0 {
		ch.Filters = []Filter{{Mask: 0x1FFFFFFF, Pattern: opts.RxID, FlowControl: opts.TxID}}
	}
	d.nextID++
	d.channels[ch.ID] = &mockChannel{ch: ch, rx: make(chan Frame, MockRxBufferSize)}
	d.log.Debug("[Mock] connected", "protocol", p, "channel", ch.ID, "framing", framing)
	return ch, nil
}

func (d *MockDriver) Disconnect(ch *Channel) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.channels[ch.ID]; !ok {
		return fmt.Errorf("driver: channel %d not connected", ch.ID)
	}
	delete(d.channels, ch.ID)
	return nil
}

// Send 写入数据到虚拟设备
func (d *MockDriver) Send(ch *Channel, f Frame) error {
	d.mu.Lock()
	if d.linkDown {
		d.mu.Unlock()
		return newError(LinkDown, "send", nil)
	}
	if _, ok := d.channels[ch.ID]; !ok {
		d.mu.Unlock()
		return fmt.Errorf("driver: channel %d not connected", ch.ID)
	}

	f = f.Clone()
	f.Direction = TX
	if f.Timestamp.IsZero() {
		f.Timestamp = time.Now()
	}
	d.writeLog = append(d.writeLog, WriteRecord{Channel: ch.ID, Frame: f})
	hooks := append([]func(*Channel, Frame){}, d.onSend...)
	var matched []MockResponse
	for _, resp := range d.responses {
		if resp.TriggerID == f.ID && bytes.HasPrefix(f.Data, resp.TriggerData) {
			matched = append(matched, resp)
		}
	}
	bus := d.bus
	d.mu.Unlock()

	logCANMessage(d.log, f)

	if bus != nil {
		bus.forward(d, f)
	}
	for _, hook := range hooks {
		hook(ch, f)
	}
	for _, r := range matched {
		go func(r MockResponse) {
			time.Sleep(r.Delay)
			d.InjectFrame(Frame{ID: r.ResponseID, Data: r.Response, Extended: f.Extended})
		}(r)
	}
	return nil
}

func (d *MockDriver) Receive(ch *Channel, timeout time.Duration) (Frame, error) {
	d.mu.Lock()
	if d.linkDown {
		d.mu.Unlock()
		return Frame{}, newError(LinkDown, "receive", nil)
	}
	mc, ok := d.channels[ch.ID]
	d.mu.Unlock()
	if !ok {
		return Frame{}, newError(LinkDown, "receive", fmt.Errorf("channel %d not connected", ch.ID))
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case f := <-mc.rx:
		return f, nil
	case <-timer.C:
		d.mu.Lock()
		down := d.linkDown
		d.mu.Unlock()
		if down {
			return Frame{}, newError(LinkDown, "receive", nil)
		}
		return Frame{}, newError(Timeout, "receive", nil)
	}
}

func (d *MockDriver) Ioctl(ch *Channel, id IoctlID, param uint32) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.linkDown {
		return 0, newError(LinkDown, "ioctl", nil)
	}
	d.ioctlLog = append(d.ioctlLog, id)
	switch id {
	case IoctlReadVBatt:
		return MockVBattMilli, nil
	case IoctlClearRxBuffer:
		if mc, ok := d.channels[ch.ID]; ok {
			for len(mc.rx) > 0 {
				<-mc.rx
			}
		}
	}
	return 0, nil
}

func (d *MockDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opened = false
	d.channels = make(map[uint32]*mockChannel)
	d.log.Info("[Mock] 设备已关闭")
	return nil
}

// ============================================================================
// Mock 专用方法 - 用于测试
// ============================================================================

// InjectFrame 模拟总线上收到一帧，同时转发给同一总线上的其他虚拟设备
func (d *MockDriver) InjectFrame(f Frame) {
	f = f.Clone()
	f.Direction = RX
	if f.Timestamp.IsZero() {
		f.Timestamp = time.Now()
	}
	d.deliver(f)
	d.mu.Lock()
	bus := d.bus
	d.mu.Unlock()
	if bus != nil {
		bus.forward(d, f)
	}
}

func (d *MockDriver) deliver(f Frame) {
	d.mu.Lock()
	targets := make([]*mockChannel, 0, len(d.channels))
	for _, mc := range d.channels {
		if accepts(mc.ch, f) {
			targets = append(targets, mc)
		}
	}
	d.mu.Unlock()

	for _, mc := range targets {
		select {
		case mc.rx <- f.Clone():
			if mc.ch.Monitor {
				continue
			}
			logCANMessage(d.log, f)
		default:
			d.log.Warn("[Mock] 接收通道已满，丢弃最新帧", "channel", mc.ch.ID, "id", f.ID)
		}
	}
}

func accepts(ch *Channel, f Frame) bool {
	if ch.Monitor {
		return true
	}
	if ch.Framing == FramingMessages {
		return f.ID == 0 || ch.RxID == 0 || f.ID == ch.RxID
	}
	return ch.RxID == 0 || f.ID == ch.RxID
}

// OnSend registers a hook called for every frame written, outside the driver lock.
func (d *MockDriver) OnSend(hook func(ch *Channel, f Frame)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onSend = append(d.onSend, hook)
}

// AddResponse 添加一个预设响应
func (d *MockDriver) AddResponse(r MockResponse) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.responses = append(d.responses, r)
}

// ClearResponses 清除所有预设响应
func (d *MockDriver) ClearResponses() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.responses = nil
}

// FailConnect 让指定协议的 Connect 返回 err，nil 表示恢复。
func (d *MockDriver) FailConnect(p Protocol, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.failConn, p)
		return
	}
	d.failConn[p] = err
}

// FailOpen makes Open return err until cleared with nil.
func (d *MockDriver) FailOpen(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.openErr = err
}

// SetFraming overrides the framing reported for p, e.g. to mimic a J2534 ISO15765 channel.
func (d *MockDriver) SetFraming(p Protocol, f Framing) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.framing[p] = f
}

// SetLinkDown 模拟设备掉线
func (d *MockDriver) SetLinkDown(down bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.linkDown = down
}

// GetWriteLog 获取写入日志
func (d *MockDriver) GetWriteLog() []WriteRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]WriteRecord{}, d.writeLog...)
}

// ClearWriteLog 清除写入日志
func (d *MockDriver) ClearWriteLog() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writeLog = nil
}

func (d *MockDriver) IoctlLog() []IoctlID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]IoctlID{}, d.ioctlLog...)
}

// Channels returns the currently connected channels.
func (d *MockDriver) Channels() []*Channel {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Channel, 0, len(d.channels))
	for _, mc := range d.channels {
		out = append(out, mc.ch)
	}
	return out
}

// MockBus 把多个虚拟设备接到同一条总线上，一个设备发送的帧会被其他设备收到。
type MockBus struct {
	mu      sync.Mutex
	drivers []*MockDriver
}

func NewMockBus() *MockBus { return &MockBus{} }

func (b *MockBus) Attach(d *MockDriver) {
	b.mu.Lock()
	b.drivers = append(b.drivers, d)
	b.mu.Unlock()

	d.mu.Lock()
	d.bus = b
	d.mu.Unlock()
}

func (b *MockBus) forward(from *MockDriver, f Frame) {
	b.mu.Lock()
	peers := append([]*MockDriver{}, b.drivers...)
	b.mu.Unlock()

	f.Direction = RX
	for _, d := range peers {
		if d != from {
			d.deliver(f)
		}
	}
}
