package coordinator

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/LoveWonYoung/autodiag/driver"
	"github.com/LoveWonYoung/autodiag/tp"
	"github.com/LoveWonYoung/autodiag/udsclient"
)

type rig struct {
	primary *driver.MockDriver
	sniff   *driver.MockDriver
	ecu     *driver.MockECU
	client  *udsclient.Client
}

// newRig 主设备、旁路设备和虚拟 ECU 挂在同一条虚拟总线上
func newRig(t *testing.T) *rig {
	t.Helper()
	bus := driver.NewMockBus()
	primary, sniff := driver.NewMockDriver(), driver.NewMockDriver()
	bus.Attach(primary)
	bus.Attach(sniff)

	ecu := driver.NewMockECU(primary, tp.MustAddress(tp.Normal11Bit, tp.WithTxID(0x7E8), tp.WithRxID(0x7E0), tp.WithFunctionalID(0x7DF)))
	if err := ecu.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(ecu.Stop)

	if err := primary.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	ch, err := primary.Connect(driver.ISO15765_11Bit, driver.ConnectOptions{TxID: 0x7E0, RxID: 0x7E8})
	if err != nil {
		t.Fatal(err)
	}
	link, err := udsclient.NewLink(primary, ch, tp.MustAddress(tp.Normal11Bit, tp.WithTxID(0x7E0), tp.WithRxID(0x7E8)), tp.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	opts := udsclient.DefaultOptions()
	opts.MaxRetries = 0
	client := udsclient.NewClient(link, opts)
	t.Cleanup(func() { client.Close() })
	return &rig{primary: primary, sniff: sniff, ecu: ecu, client: client}
}

func (r *rig) coordinator(t *testing.T, cfg Config) *Coordinator {
	t.Helper()
	c := New(NewSniffer(r.sniff, NewRing(256), SnifferConfig{}), cfg)
	c.Start(context.Background())
	c.Attach(r.client)
	t.Cleanup(func() { c.Close() })
	return c
}

var readVIN = udsclient.Request{ServiceID: udsclient.SIDReadDataByIdentifier, Params: []byte{0xF1, 0x90}}

type fakeSink struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (s *fakeSink) Write(snap Snapshot) {
	s.mu.Lock()
	s.snaps = append(s.snaps, snap)
	s.mu.Unlock()
}

func (s *fakeSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snaps)
}

type fakeRecorder struct {
	mu        sync.Mutex
	frames    int
	snapshots int
	up        []bool
}

func (r *fakeRecorder) FrameCaptured(string, bool) {
	r.mu.Lock()
	r.frames++
	r.mu.Unlock()
}

func (r *fakeRecorder) SnapshotEmitted(string, int) {
	r.mu.Lock()
	r.snapshots++
	r.mu.Unlock()
}

func (r *fakeRecorder) SnifferAvailable(_ string, up bool) {
	r.mu.Lock()
	r.up = append(r.up, up)
	r.mu.Unlock()
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("等待超时")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSnapshot_CorrelatesExchange(t *testing.T) {
	r := newRig(t)
	sink := &fakeSink{}
	rec := &fakeRecorder{}
	c := r.coordinator(t, Config{SessionID: "s1", Sink: sink, Recorder: rec})
	if err := c.SnifferErr(); err != nil {
		t.Fatalf("旁路设备应可用: %v", err)
	}
	snaps, cancel := c.Subscribe()
	defer cancel()

	ex, err := r.client.Do(context.Background(), readVIN)
	if err != nil {
		t.Fatal(err)
	}

	var snap Snapshot
	select {
	case snap = <-snaps:
	case <-time.After(time.Second):
		t.Fatal("未收到快照")
	}
	if snap.Exchange != ex || snap.SessionID != "s1" {
		t.Errorf("快照应关联本次交互: %+v", snap)
	}
	if !snap.Window.From.Equal(ex.Start.Add(-DefaultGuardInterval)) || !snap.Window.To.Equal(ex.End.Add(DefaultGuardInterval)) {
		t.Errorf("窗口错误: %+v", snap.Window)
	}

	var sawRequest, sawFirstFrame, sawFlowControl bool
	for _, f := range snap.Frames {
		if f.Timestamp.Before(snap.Window.From) || f.Timestamp.After(snap.Window.To) {
			t.Errorf("帧超出窗口: %v", f)
		}
		switch {
		case f.ID == 0x7E0 && bytes.HasPrefix(f.Data, []byte{0x03, 0x22, 0xF1, 0x90}):
			sawRequest = true
		case f.ID == 0x7E8 && len(f.Data) > 0 && f.Data[0]>>4 == 0x1:
			sawFirstFrame = true
		case f.ID == 0x7E0 && len(f.Data) > 0 && f.Data[0] == 0x30:
			sawFlowControl = true
		}
	}
	if !sawRequest || !sawFirstFrame || !sawFlowControl {
		t.Errorf("快照缺少帧: request=%v FF=%v FC=%v, frames=%d", sawRequest, sawFirstFrame, sawFlowControl, len(snap.Frames))
	}

	waitFor(t, time.Second, func() bool { return sink.len() == 1 })
	st := c.Stats()
	if !st.SnifferUp || st.SnapshotsEmitted != 1 || st.ExchangesObserved != 1 || st.FramesCaptured == 0 {
		t.Errorf("Stats=%+v", st)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.snapshots != 1 || rec.frames == 0 || len(rec.up) != 1 || !rec.up[0] {
		t.Errorf("recorder: %+v", rec)
	}
}

func TestSnapshot_TesterPresent(t *testing.T) {
	tests := []struct {
		name string
		req  udsclient.Request
		want int
	}{
		{"会话保活不产生快照", udsclient.KeepAliveRequest(), 0},
		{"调用方显式发送的 3E 产生快照", udsclient.TesterPresentRequest(false), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRig(t)
			sink := &fakeSink{}
			c := r.coordinator(t, Config{SessionID: "s1", Sink: sink})

			ex, err := r.client.Do(context.Background(), tt.req)
			if err != nil {
				t.Fatal(err)
			}
			if tt.want == 0 {
				time.Sleep(3 * DefaultGuardInterval)
			} else {
				waitFor(t, time.Second, func() bool { return sink.len() == tt.want })
			}
			if sink.len() != tt.want || c.Stats().ExchangesObserved != uint64(tt.want) {
				t.Errorf("期望 %d 个快照, 实际 %d, Stats=%+v", tt.want, sink.len(), c.Stats())
			}
			if tt.want > 0 {
				sink.mu.Lock()
				snap := sink.snaps[0]
				sink.mu.Unlock()
				if snap.Exchange != ex || snap.Exchange.ServiceID != udsclient.SIDTesterPresent {
					t.Errorf("快照应关联 3E 交互: %+v", snap.Exchange)
				}
			}
		})
	}
}

func averageLatency(t *testing.T, client *udsclient.Client, n int) time.Duration {
	t.Helper()
	var total time.Duration
	for i := 0; i < n; i++ {
		ex, err := client.Do(context.Background(), readVIN)
		if err != nil {
			t.Fatalf("主设备交互失败: %v", err)
		}
		total += ex.Duration()
	}
	return total / time.Duration(n)
}

// 旁路设备打不开时主诊断照常进行，延迟不受影响，也不产生快照
func TestDeadSnifferDoesNotAffectPrimary(t *testing.T) {
	r := newRig(t)
	baseline := averageLatency(t, r.client, 5)

	r.sniff.FailOpen(&driver.TransportError{Kind: driver.DeviceNotFound, Op: "open"})
	sink := &fakeSink{}
	rec := &fakeRecorder{}
	c := r.coordinator(t, Config{SessionID: "s1", Sink: sink, Recorder: rec})

	err := c.SnifferErr()
	if !errors.Is(err, ErrSnifferUnavailable) || !errors.Is(err, driver.ErrDeviceNotFound) {
		t.Fatalf("期望 SnifferUnavailable(DeviceNotFound), 实际: %v", err)
	}

	degraded := averageLatency(t, r.client, 5)
	if degraded > 2*baseline+20*time.Millisecond {
		t.Errorf("旁路失败拖慢了主诊断: baseline=%v degraded=%v", baseline, degraded)
	}
	time.Sleep(3 * DefaultGuardInterval)
	if sink.len() != 0 {
		t.Errorf("旁路不可用时不应产生快照, 实际 %d", sink.len())
	}
	st := c.Stats()
	if st.SnifferUp || st.ExchangesObserved != 5 || st.SnapshotsEmitted != 0 {
		t.Errorf("Stats=%+v", st)
	}
	rec.mu.Lock()
	if len(rec.up) != 1 || rec.up[0] {
		t.Errorf("应报告旁路不可用: %v", rec.up)
	}
	rec.mu.Unlock()
}

func TestSnifferLinkDownMidSession(t *testing.T) {
	r := newRig(t)
	c := r.coordinator(t, Config{SessionID: "s1"})
	if _, err := r.client.Do(context.Background(), readVIN); err != nil {
		t.Fatal(err)
	}

	r.sniff.SetLinkDown(true)
	waitFor(t, time.Second, func() bool { return c.SnifferErr() != nil })
	if err := c.SnifferErr(); !errors.Is(err, ErrSnifferUnavailable) || !errors.Is(err, driver.ErrLinkDown) {
		t.Errorf("期望 SnifferUnavailable(LinkDown), 实际: %v", err)
	}

	ex, err := r.client.Do(context.Background(), readVIN)
	if err != nil || ex.State != udsclient.StateSuccess {
		t.Errorf("旁路掉线后主诊断应继续: %v", err)
	}
}

func TestNilSniffer(t *testing.T) {
	r := newRig(t)
	c := New(nil, Config{SessionID: "s1"})
	c.Start(context.Background())
	c.Attach(r.client)
	defer c.Close()

	if !errors.Is(c.SnifferErr(), ErrSnifferUnavailable) {
		t.Errorf("未配置旁路设备应返回 ErrSnifferUnavailable")
	}
	if _, err := r.client.Do(context.Background(), readVIN); err != nil {
		t.Fatal(err)
	}
	if st := c.Stats(); st.ExchangesObserved != 1 || st.SnifferUp {
		t.Errorf("Stats=%+v", st)
	}
}

func TestSubscribe_CancelAndClose(t *testing.T) {
	r := newRig(t)
	c := r.coordinator(t, Config{SessionID: "s1"})
	if c.Topic() != "snapshots.s1" {
		t.Errorf("Topic=%s", c.Topic())
	}

	first, cancel := c.Subscribe()
	cancel()
	cancel()
	select {
	case _, ok := <-first:
		if ok {
			t.Error("取消后不应再收到快照")
		}
	case <-time.After(time.Second):
		t.Fatal("取消后通道应关闭")
	}

	second, _ := c.Subscribe()
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	select {
	case _, ok := <-second:
		if ok {
			t.Error("Close 后不应再收到快照")
		}
	case <-time.After(time.Second):
		t.Fatal("Close 后通道应关闭")
	}

	late, _ := c.Subscribe()
	if _, ok := <-late; ok {
		t.Error("关闭后订阅应立即返回已关闭的通道")
	}
	if c.Close() != nil {
		t.Error("重复 Close 应返回 nil")
	}
}
