package session

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/LoveWonYoung/autodiag/driver"
	"github.com/LoveWonYoung/autodiag/udsclient"
)

type fakeRecorder struct {
	mu      sync.Mutex
	missed  int
	changes []string
}

func (r *fakeRecorder) KeepAliveMissed(string) {
	r.mu.Lock()
	r.missed++
	r.mu.Unlock()
}

func (r *fakeRecorder) StateChanged(_ string, from, to State) {
	r.mu.Lock()
	r.changes = append(r.changes, from.String()+"->"+to.String())
	r.mu.Unlock()
}

func (r *fakeRecorder) snapshot() (int, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.missed, append([]string(nil), r.changes...)
}

// testerPresentTimes 从写日志中取出 3E 00 单帧的发送时间
func testerPresentTimes(drv *driver.MockDriver) []time.Time {
	var out []time.Time
	for _, w := range drv.GetWriteLog() {
		d := w.Frame.Data
		if w.Frame.ID == DefaultTxID11 && len(d) >= 3 && bytes.Equal(d[:3], []byte{0x02, 0x3E, 0x00}) {
			out = append(out, w.Frame.Timestamp)
		}
	}
	return out
}

func TestJitter(t *testing.T) {
	interval := 100 * time.Millisecond
	for i := 0; i < 1000; i++ {
		if d := jitter(interval); d < 90*time.Millisecond || d > 110*time.Millisecond {
			t.Fatalf("jitter 超出 ±10%%: %v", d)
		}
	}
	if d := jitter(5); d != 5 {
		t.Errorf("过小的周期不加抖动, 实际 %v", d)
	}
}

func TestKeepAlive_Interval(t *testing.T) {
	drv, _ := newRig(t, ecuAddr11)
	cfg := testConfig()
	cfg.KeepAliveInterval = 100 * time.Millisecond
	cfg.S3 = time.Second
	s := openSession(t, drv, cfg)

	time.Sleep(650 * time.Millisecond)
	s.Close()

	times := testerPresentTimes(drv)
	// 第一个是探测请求
	if len(times) < 5 {
		t.Fatalf("keep-alive 次数过少: %d", len(times))
	}
	for i := 2; i < len(times); i++ {
		gap := times[i].Sub(times[i-1])
		if gap < 80*time.Millisecond || gap > 140*time.Millisecond {
			t.Errorf("第 %d 个间隔超出范围: %v", i, gap)
		}
	}
	if s.LastTesterPresent().IsZero() {
		t.Error("LastTesterPresent 未更新")
	}
}

// 调用方交互进行中时 keep-alive 让出，不插入 3E 00
func TestKeepAlive_YieldsToExchange(t *testing.T) {
	drv, ecu := newRig(t, ecuAddr11)
	cfg := testConfig()
	cfg.KeepAliveInterval = 50 * time.Millisecond
	cfg.S3 = time.Second
	s := openSession(t, drv, cfg)

	ecu.SetPending(0x22, 8, 40*time.Millisecond)
	ex, err := s.Do(context.Background(), udsclient.Request{ServiceID: 0x22, Params: []byte{0xF1, 0x90}})
	if err != nil {
		t.Fatalf("读取失败: %v", err)
	}
	if ex.PendingCount != 8 {
		t.Errorf("期望 8 个 0x78, 实际 %d", ex.PendingCount)
	}
	for _, ts := range testerPresentTimes(drv) {
		if ts.After(ex.Start) && ts.Before(ex.End) {
			t.Errorf("交互期间发送了 TesterPresent: %v", ts.Sub(ex.Start))
		}
	}
	if s.State() != Connected {
		t.Errorf("State=%v", s.State())
	}
}

func TestKeepAlive_MissedLosesSession(t *testing.T) {
	drv, ecu := newRig(t, ecuAddr11)
	rec := &fakeRecorder{}
	cfg := testConfig()
	cfg.KeepAliveInterval = 50 * time.Millisecond
	cfg.S3 = time.Second
	cfg.UDS.P2 = 30 * time.Millisecond
	cfg.Recorder = rec
	s := openSession(t, drv, cfg)

	ecu.SetSilent(true)
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("连续未应答后会话应结束")
	}
	if !errors.Is(s.Err(), ErrSessionLost) {
		t.Errorf("期望 SessionLost, 实际: %v", s.Err())
	}
	missed, changes := rec.snapshot()
	if missed != cfg.MaxMissedKeepAlives {
		t.Errorf("期望 %d 次未应答, 实际 %d", cfg.MaxMissedKeepAlives, missed)
	}
	want := []string{"DISCONNECTED->PROBING", "PROBING->CONNECTED", "CONNECTED->DISCONNECTED"}
	if len(changes) != len(want) {
		t.Fatalf("状态变化: %v", changes)
	}
	for i := range want {
		if changes[i] != want[i] {
			t.Errorf("第 %d 次状态变化期望 %s, 实际 %s", i, want[i], changes[i])
		}
	}
}

// 客户端默认 MaxRetries 下，每次未应答只对应一个 3E 00
func TestKeepAlive_MissCountsSingleRequest(t *testing.T) {
	drv, ecu := newRig(t, ecuAddr11)
	rec := &fakeRecorder{}
	cfg := testConfig()
	cfg.KeepAliveInterval = 50 * time.Millisecond
	cfg.S3 = time.Second
	cfg.MaxMissedKeepAlives = 2
	cfg.UDS = udsclient.DefaultOptions()
	cfg.UDS.P2 = 30 * time.Millisecond
	cfg.Recorder = rec
	s := openSession(t, drv, cfg)
	ecu.SetSilent(true)

	start := time.Now()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("连续未应答后会话应结束")
	}
	// 两个周期加两个 P2，远小于带重试时的耗时
	if elapsed := time.Since(start); elapsed > 600*time.Millisecond {
		t.Errorf("会话丢失检测过慢: %v", elapsed)
	}
	// 第一个是探测请求
	if n := len(testerPresentTimes(drv)) - 1; n != cfg.MaxMissedKeepAlives {
		t.Errorf("期望发送 %d 个保活请求, 实际 %d", cfg.MaxMissedKeepAlives, n)
	}
	if missed, _ := rec.snapshot(); missed != cfg.MaxMissedKeepAlives {
		t.Errorf("期望 %d 次未应答, 实际 %d", cfg.MaxMissedKeepAlives, missed)
	}
}
