package udsclient

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/LoveWonYoung/autodiag/driver"
	"github.com/LoveWonYoung/autodiag/tp"
)

// ============================================================================
// fakeLink: 按请求脚本化应答的链路
// ============================================================================

type fakeLink struct {
	mu     sync.Mutex
	sent   [][]byte
	rx     chan []byte
	reply  func(n int, req []byte) [][]byte
	closed bool
}

func newFakeLink(reply func(n int, req []byte) [][]byte) *fakeLink {
	return &fakeLink{rx: make(chan []byte, 64), reply: reply}
}

func (l *fakeLink) Send(ctx context.Context, payload []byte) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLinkClosed
	}
	n := len(l.sent)
	l.sent = append(l.sent, append([]byte(nil), payload...))
	l.mu.Unlock()
	if l.reply != nil {
		for _, r := range l.reply(n, payload) {
			l.rx <- r
		}
	}
	return nil
}

func (l *fakeLink) Recv(ctx context.Context) ([]byte, error) {
	select {
	case r := <-l.rx:
		return r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *fakeLink) Sent() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([][]byte(nil), l.sent...)
}

func fastOptions() Options {
	return Options{
		P2:             50 * time.Millisecond,
		P2Star:         100 * time.Millisecond,
		PendingCeiling: time.Second,
		MaxRetries:     2,
		RetryDelay:     time.Millisecond,
	}
}

func respond(rs ...[]byte) func(int, []byte) [][]byte {
	return func(int, []byte) [][]byte { return rs }
}

// ============================================================================
// 请求编码
// ============================================================================

func TestRequestBytes(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		want []byte
	}{
		{"无子功能", Request{ServiceID: 0x22, Params: []byte{0xF1, 0x90}}, []byte{0x22, 0xF1, 0x90}},
		{"子功能", Request{ServiceID: 0x19, SubFunction: Sub(0x02), Params: []byte{0xFF}}, []byte{0x19, 0x02, 0xFF}},
		{"抑制正响应", TesterPresentRequest(true), []byte{0x3E, 0x80}},
		{"TesterPresent", TesterPresentRequest(false), []byte{0x3E, 0x00}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.req.Bytes(); !bytes.Equal(got, tc.want) {
				t.Errorf("编码错误\n期望: % 02X\n实际: % 02X", tc.want, got)
			}
		})
	}
}

// ============================================================================
// 响应处理
// ============================================================================

func TestClient_Success(t *testing.T) {
	link := newFakeLink(respond([]byte{0x62, 0xF1, 0x90, 0x41, 0x42}))
	c := NewClient(link, fastOptions())

	ex, err := c.Do(context.Background(), Request{ServiceID: 0x22, Params: []byte{0xF1, 0x90}, Echo: []byte{0xF1, 0x90}})
	if err != nil {
		t.Fatalf("请求失败: %v", err)
	}
	if ex.State != StateSuccess || ex.NRC != nil || ex.RetryCount != 0 {
		t.Errorf("交互状态错误: %+v", ex)
	}
	if !bytes.Equal(ex.Response, []byte{0x62, 0xF1, 0x90, 0x41, 0x42}) {
		t.Errorf("响应错误: % 02X", ex.Response)
	}
	if ex.End.Before(ex.Start) {
		t.Error("End 早于 Start")
	}
}

func TestClient_NegativeResponse(t *testing.T) {
	link := newFakeLink(respond([]byte{0x7F, 0x22, 0x31}))
	c := NewClient(link, fastOptions())

	ex, err := c.Do(context.Background(), Request{ServiceID: 0x22, Params: []byte{0x12, 0x34}})
	if !errors.Is(err, ErrNegativeResponse) {
		t.Fatalf("期望负响应, 实际: %v", err)
	}
	if ex.State != StateNegative || ex.NRC == nil || *ex.NRC != 0x31 {
		t.Errorf("交互状态错误: %v nrc=%v", ex.State, ex.NRC)
	}
	if n := len(link.Sent()); n != 1 {
		t.Errorf("不可重试的 NRC 只应发送一次, 实际 %d 次", n)
	}
}

func TestClient_BusyRetried(t *testing.T) {
	link := newFakeLink(func(n int, req []byte) [][]byte {
		if n == 0 {
			return [][]byte{{0x7F, 0x22, 0x21}}
		}
		return [][]byte{{0x62, 0xF1, 0x90, 0x01}}
	})
	c := NewClient(link, fastOptions())

	ex, err := c.Do(context.Background(), Request{ServiceID: 0x22, Params: []byte{0xF1, 0x90}})
	if err != nil {
		t.Fatalf("重试后应成功: %v", err)
	}
	if ex.RetryCount != 1 || len(link.Sent()) != 2 {
		t.Errorf("RetryCount=%d sent=%d", ex.RetryCount, len(link.Sent()))
	}
}

func TestClient_ResponsePending(t *testing.T) {
	link := newFakeLink(respond(
		[]byte{0x7F, 0x31, 0x78},
		[]byte{0x7F, 0x31, 0x78},
		[]byte{0x71, 0x01, 0xFF, 0x00},
	))
	c := NewClient(link, fastOptions())

	ex, err := c.Do(context.Background(), Request{ServiceID: 0x31, SubFunction: Sub(0x01), Params: []byte{0xFF, 0x00}})
	if err != nil {
		t.Fatalf("请求失败: %v", err)
	}
	if ex.PendingCount != 2 || ex.RetryCount != 0 {
		t.Errorf("PendingCount=%d RetryCount=%d", ex.PendingCount, ex.RetryCount)
	}
}

func TestClient_PendingCeiling(t *testing.T) {
	opts := fastOptions()
	opts.PendingCeiling = 60 * time.Millisecond
	opts.P2Star = 40 * time.Millisecond
	opts.MaxRetries = 0

	link := newFakeLink(nil)
	link.reply = func(int, []byte) [][]byte {
		go func() {
			for i := 0; i < 20; i++ {
				select {
				case link.rx <- []byte{0x7F, 0x31, 0x78}:
				default:
				}
				time.Sleep(10 * time.Millisecond)
			}
		}()
		return nil
	}
	c := NewClient(link, opts)

	ex, err := c.Do(context.Background(), Request{ServiceID: 0x31, SubFunction: Sub(0x01), Params: []byte{0xFF, 0x00}})
	if !errors.Is(err, ErrResponsePendingExceeded) {
		t.Fatalf("期望 ResponsePendingExceeded, 实际: %v", err)
	}
	if ex.State != StateTimeout {
		t.Errorf("期望 TIMEOUT, 实际 %v", ex.State)
	}
	if len(link.Sent()) != 1 {
		t.Error("pending 超限不应重试")
	}
}

func TestClient_NoResponse(t *testing.T) {
	link := newFakeLink(nil)
	c := NewClient(link, fastOptions())

	start := time.Now()
	ex, err := c.Do(context.Background(), Request{ServiceID: 0x22, Params: []byte{0xF1, 0x90}})
	var rt *ResponseTimeoutError
	if !errors.As(err, &rt) {
		t.Fatalf("期望 ResponseTimeoutError, 实际: %v", err)
	}
	if ex.State != StateTimeout || ex.RetryCount != 2 {
		t.Errorf("State=%v RetryCount=%d", ex.State, ex.RetryCount)
	}
	if n := len(link.Sent()); n != 3 {
		t.Errorf("期望发送 3 次, 实际 %d", n)
	}
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Errorf("三次 P2 等待过短: %v", elapsed)
	}
}

func TestClient_Malformed(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		resp []byte
	}{
		{"SID 不匹配", Request{ServiceID: 0x22, Params: []byte{0xF1, 0x90}}, []byte{0x63, 0xF1, 0x90}},
		{"子功能回显不匹配", Request{ServiceID: 0x19, SubFunction: Sub(0x02), Params: []byte{0xFF}}, []byte{0x59, 0x01, 0xFF}},
		{"DID 回显不匹配", Request{ServiceID: 0x22, Params: []byte{0xF1, 0x90}, Echo: []byte{0xF1, 0x90}}, []byte{0x62, 0xF1, 0x91, 0x00}},
		{"负响应过短", Request{ServiceID: 0x22}, []byte{0x7F, 0x22}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := NewClient(newFakeLink(respond(tc.resp)), fastOptions())
			ex, err := c.Do(context.Background(), tc.req)
			if !errors.Is(err, ErrMalformedResponse) {
				t.Fatalf("期望 MalformedResponse, 实际: %v", err)
			}
			if ex.State != StateFailed {
				t.Errorf("期望 FAILED, 实际 %v", ex.State)
			}
		})
	}
}

func TestClient_IgnoresOtherServiceNRC(t *testing.T) {
	link := newFakeLink(respond([]byte{0x7F, 0x10, 0x22}, []byte{0x62, 0xF1, 0x90, 0x01}))
	c := NewClient(link, fastOptions())
	if _, err := c.Do(context.Background(), Request{ServiceID: 0x22, Params: []byte{0xF1, 0x90}}); err != nil {
		t.Fatalf("其他服务的负响应应被忽略: %v", err)
	}
}

func TestClient_SuppressedResponse(t *testing.T) {
	link := newFakeLink(nil)
	c := NewClient(link, fastOptions())

	start := time.Now()
	if err := c.TesterPresent(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > 40*time.Millisecond {
		t.Error("抑制响应时不应等待 P2")
	}
	if sent := link.Sent(); len(sent) != 1 || !bytes.Equal(sent[0], []byte{0x3E, 0x80}) {
		t.Errorf("发送内容错误: % 02X", sent)
	}
}

// 保活请求无应答时只发一次，不受 MaxRetries 影响
func TestClient_KeepAliveNotRetried(t *testing.T) {
	link := newFakeLink(nil)
	opts := fastOptions()
	opts.MaxRetries = 3
	c := NewClient(link, opts)

	var mu sync.Mutex
	var flagged []bool
	c.OnExchange(func(ex *Exchange) {
		mu.Lock()
		flagged = append(flagged, ex.KeepAlive)
		mu.Unlock()
	})

	start := time.Now()
	ex, ok, err := c.TryDo(context.Background(), KeepAliveRequest())
	var rt *ResponseTimeoutError
	if !ok || !errors.As(err, &rt) {
		t.Fatalf("期望 ResponseTimeoutError, 实际 ok=%v err=%v", ok, err)
	}
	if ex.RetryCount != 0 || !ex.KeepAlive {
		t.Errorf("RetryCount=%d KeepAlive=%v", ex.RetryCount, ex.KeepAlive)
	}
	if n := len(link.Sent()); n != 1 {
		t.Errorf("期望发送 1 次, 实际 %d", n)
	}
	if elapsed := time.Since(start); elapsed > 2*opts.P2 {
		t.Errorf("保活不应占用客户端超过一个 P2: %v", elapsed)
	}

	// 普通 3E 00 仍按 MaxRetries 重试且不带标记
	ex, _ = c.Do(context.Background(), TesterPresentRequest(false))
	if ex.RetryCount != 3 || ex.KeepAlive {
		t.Errorf("普通请求 RetryCount=%d KeepAlive=%v", ex.RetryCount, ex.KeepAlive)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(flagged) != 2 || !flagged[0] || flagged[1] {
		t.Errorf("观察者看到的标记错误: %v", flagged)
	}
}

func TestClient_TryDoYields(t *testing.T) {
	link := newFakeLink(respond([]byte{0x7E, 0x00}))
	c := NewClient(link, fastOptions())

	c.mu.Lock()
	_, ok, err := c.TryDo(context.Background(), TesterPresentRequest(false))
	c.mu.Unlock()
	if ok || err != nil {
		t.Fatalf("有在途请求时 TryDo 应让出, ok=%v err=%v", ok, err)
	}
	if len(link.Sent()) != 0 {
		t.Error("让出时不应发送")
	}

	ex, ok, err := c.TryDo(context.Background(), TesterPresentRequest(false))
	if !ok || err != nil || ex.State != StateSuccess {
		t.Fatalf("空闲时 TryDo 应执行, ok=%v err=%v", ok, err)
	}
}

func TestClient_Observers(t *testing.T) {
	link := newFakeLink(respond([]byte{0x7E, 0x00}))
	c := NewClient(link, fastOptions())

	var mu sync.Mutex
	var seen []ExchangeState
	unsub := c.OnExchange(func(ex *Exchange) {
		mu.Lock()
		seen = append(seen, ex.State)
		mu.Unlock()
	})

	before := c.LastActivity()
	time.Sleep(time.Millisecond)
	_ = c.TesterPresent(context.Background(), false)
	unsub()
	_ = c.TesterPresent(context.Background(), false)

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0] != StateSuccess {
		t.Errorf("观察者调用错误: %v", seen)
	}
	if !c.LastActivity().After(before) {
		t.Error("LastActivity 未更新")
	}
}

func TestClient_SetTiming(t *testing.T) {
	c := NewClient(newFakeLink(nil), Options{})
	c.SetTiming(50*time.Millisecond, 0)
	opts := c.Options()
	if opts.P2 != 50*time.Millisecond || opts.P2Star != 5*time.Second {
		t.Errorf("SetTiming 结果错误: %+v", opts)
	}
}

func TestClient_Closed(t *testing.T) {
	c := NewClient(newFakeLink(nil), fastOptions())
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Do(context.Background(), TesterPresentRequest(false)); !errors.Is(err, ErrClientClosed) {
		t.Errorf("关闭后应返回 ErrClientClosed, 实际: %v", err)
	}
}

func TestClient_ContextCancel(t *testing.T) {
	c := NewClient(newFakeLink(nil), Options{P2: time.Second, MaxRetries: 3})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := c.Do(ctx, TesterPresentRequest(false))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("期望 DeadlineExceeded, 实际: %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("取消后未及时返回")
	}
}

// ============================================================================
// 完整协议栈: Client -> SoftwareLink -> MockDriver -> MockECU
// ============================================================================

func newStack(t *testing.T, p driver.Protocol) (*Client, *driver.MockECU) {
	t.Helper()
	ctx := context.Background()
	drv := driver.NewMockDriver()
	if err := drv.Open(ctx); err != nil {
		t.Fatal(err)
	}
	ch, err := drv.Connect(p, driver.ConnectOptions{TxID: 0x7E0, RxID: 0x7E8})
	if err != nil {
		t.Fatal(err)
	}
	ecu := driver.NewMockECU(drv, tp.MustAddress(tp.Normal11Bit, tp.WithTxID(0x7E8), tp.WithRxID(0x7E0), tp.WithFunctionalID(0x7DF)))
	if err := ecu.Start(ctx); err != nil {
		t.Fatal(err)
	}
	addr := tp.MustAddress(tp.Normal11Bit, tp.WithTxID(0x7E0), tp.WithRxID(0x7E8), tp.WithFunctionalID(0x7DF))
	link, err := NewLink(drv, ch, addr, tp.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	c := NewClient(link, Options{P2: 500 * time.Millisecond, MaxRetries: 1, RetryDelay: 10 * time.Millisecond})
	t.Cleanup(func() {
		c.Close()
		ecu.Stop()
		drv.Close()
	})
	return c, ecu
}

func TestFullStack_ReadVIN(t *testing.T) {
	c, _ := newStack(t, driver.ISO15765_11Bit)
	if _, ok := c.Link().(*SoftwareLink); !ok {
		t.Fatalf("CAN 帧通道应使用 SoftwareLink, 实际 %T", c.Link())
	}

	ex, err := c.Do(context.Background(), Request{ServiceID: 0x22, Params: []byte{0xF1, 0x90}, Echo: []byte{0xF1, 0x90}})
	if err != nil {
		t.Fatalf("读取 VIN 失败: %v", err)
	}
	want := append([]byte{0x62, 0xF1, 0x90}, driver.MockVIN...)
	if ex.State != StateSuccess || !bytes.Equal(ex.Response, want) {
		t.Errorf("VIN 响应错误\n期望: % 02X\n实际: % 02X", want, ex.Response)
	}
}

func TestFullStack_ClearDTCNegative(t *testing.T) {
	c, ecu := newStack(t, driver.ISO15765_11Bit)
	ecu.ForceNRC(0x14, 0x31)

	ex, err := c.Do(context.Background(), Request{ServiceID: 0x14, Params: []byte{0xFF, 0xFF, 0xFF}})
	if ex == nil || ex.State != StateNegative || ex.NRC == nil || *ex.NRC != 0x31 {
		t.Fatalf("期望 NEGATIVE NRC 0x31, 实际: %+v err=%v", ex, err)
	}
	if !bytes.Equal(ex.Request, []byte{0x14, 0xFF, 0xFF, 0xFF}) {
		t.Errorf("请求内容错误: % 02X", ex.Request)
	}
}

func TestFullStack_PendingThenSuccess(t *testing.T) {
	c, ecu := newStack(t, driver.ISO15765_11Bit)
	ecu.SetPending(0x22, 2, 20*time.Millisecond)

	ex, err := c.Do(context.Background(), Request{ServiceID: 0x22, Params: []byte{0xF1, 0x90}})
	if err != nil {
		t.Fatalf("请求失败: %v", err)
	}
	if ex.PendingCount != 2 {
		t.Errorf("期望 2 个 pending, 实际 %d", ex.PendingCount)
	}
}

func TestFullStack_MessageLink(t *testing.T) {
	c, _ := newStack(t, driver.ISO14230)
	if _, ok := c.Link().(*MessageLink); !ok {
		t.Fatalf("K-line 通道应使用 MessageLink, 实际 %T", c.Link())
	}
	vin, err := c.ReadDataByIdentifier(context.Background(), 0xF190)
	if err != nil {
		t.Fatalf("读取失败: %v", err)
	}
	if string(vin[0xF190]) != driver.MockVIN {
		t.Errorf("VIN 错误: %q", vin[0xF190])
	}
}

func TestFullStack_SilentECU(t *testing.T) {
	c, ecu := newStack(t, driver.ISO15765_11Bit)
	ecu.SetSilent(true)

	ex, err := c.Do(context.Background(), TesterPresentRequest(false))
	if ex.State != StateTimeout || ex.RetryCount != 1 {
		t.Errorf("State=%v RetryCount=%d err=%v", ex.State, ex.RetryCount, err)
	}
}
