package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/LoveWonYoung/autodiag/udsclient"
)

var (
	goodKey = udsclient.XORAlgorithm{Constant: []byte{0xAB, 0xCD}}
	badKey  = udsclient.XORAlgorithm{Constant: []byte{0x00, 0x01}}
)

func TestLockouts(t *testing.T) {
	l := NewLockouts(100*time.Millisecond, 3)
	key := lockKey(0x7E0, 0x01)
	if key != "7E0/01" {
		t.Errorf("lockKey=%s", key)
	}
	if l.Fail(key) || l.Fail(key) {
		t.Fatal("未达到上限不应锁定")
	}
	if l.Failures(key) != 2 || l.Remaining(key) != 0 {
		t.Errorf("failures=%d remaining=%v", l.Failures(key), l.Remaining(key))
	}
	if !l.Fail(key) {
		t.Fatal("第三次失败应锁定")
	}
	if left := l.Remaining(key); left <= 0 || left > 100*time.Millisecond {
		t.Errorf("锁定剩余时间异常: %v", left)
	}
	time.Sleep(120 * time.Millisecond)
	if left := l.Remaining(key); left != 0 {
		t.Errorf("锁定应已过期, 剩余 %v", left)
	}

	l.Fail(key)
	l.Reset(key)
	if l.Failures(key) != 0 {
		t.Error("Reset 应清零失败次数")
	}
}

func TestUnlock(t *testing.T) {
	drv, ecu := newRig(t, ecuAddr11)
	s := openSession(t, drv, testConfig())
	ctx := context.Background()

	if err := s.Unlock(ctx, 0x01, goodKey); err != nil {
		t.Fatalf("Unlock 失败: %v", err)
	}
	if s.SecurityLevel() != 0x01 {
		t.Errorf("SecurityLevel=0x%02X", s.SecurityLevel())
	}

	// 已解锁时 ECU 返回全零种子，不再发送密钥
	if err := s.Unlock(ctx, 0x01, goodKey); err != nil {
		t.Fatal(err)
	}
	if n := ecu.CountRequests(0x27); n != 3 {
		t.Errorf("期望 3 个 0x27 请求, 实际 %d", n)
	}

	if err := s.StartSession(ctx, udsclient.ExtendedSession); err != nil {
		t.Fatal(err)
	}
	if s.SecurityLevel() != 0 {
		t.Error("切换会话后安全等级应复位")
	}
}

func TestUnlock_NotConnected(t *testing.T) {
	drv, _ := newRig(t, ecuAddr11)
	s, _ := New(drv, testConfig())
	if err := s.Unlock(context.Background(), 0x01, goodKey); !errors.Is(err, ErrNotConnected) {
		t.Errorf("期望 NotConnected, 实际: %v", err)
	}
}

// 锁定表在会话间共享，重连后锁定依然有效
func TestUnlock_LockoutSurvivesReconnect(t *testing.T) {
	cfg := testConfig()
	cfg.Lockouts = NewLockouts(cfg.LockoutDelay, cfg.MaxKeyAttempts)
	ctx := context.Background()

	drv, _ := newRig(t, ecuAddr11)
	s := openSession(t, drv, cfg)
	for i := 1; i < cfg.MaxKeyAttempts; i++ {
		err := s.Unlock(ctx, 0x01, badKey)
		if nrc, ok := udsclient.NRCOf(err); !ok || nrc != udsclient.NRCInvalidKey {
			t.Fatalf("第 %d 次期望 NRC 0x35, 实际: %v", i, err)
		}
		if s.State() != Connected {
			t.Fatalf("锁定前会话应保持连接, 实际 %v", s.State())
		}
	}
	err := s.Unlock(ctx, 0x01, badKey)
	if !errors.Is(err, ErrSecurityAccessDenied) {
		t.Fatalf("期望 SecurityAccessDenied, 实际: %v", err)
	}
	if s.State() != Disconnected || !errors.Is(s.Err(), ErrSecurityAccessDenied) {
		t.Errorf("锁定后应断开: State=%v Err=%v", s.State(), s.Err())
	}

	drv2, ecu2 := newRig(t, ecuAddr11)
	s2 := openSession(t, drv2, cfg)
	if err := s2.Unlock(ctx, 0x01, goodKey); !errors.Is(err, ErrSecurityAccessDenied) {
		t.Fatalf("锁定期内应直接拒绝, 实际: %v", err)
	}
	if n := ecu2.CountRequests(0x27); n != 0 {
		t.Errorf("锁定期内不应发送请求, 实际 %d", n)
	}
	if s2.State() != Connected {
		t.Errorf("提前拒绝不应断开会话, 实际 %v", s2.State())
	}

	time.Sleep(cfg.LockoutDelay + 50*time.Millisecond)
	if err := s2.Unlock(ctx, 0x01, goodKey); err != nil {
		t.Fatalf("锁定期过后应能解锁: %v", err)
	}
}

func TestUnlock_ExceededAttemptsLocksImmediately(t *testing.T) {
	drv, ecu := newRig(t, ecuAddr11)
	ecu.SetResponder(0x27, func(req []byte) []byte {
		if req[1]%2 == 1 {
			return []byte{0x67, req[1], 0x12, 0x34}
		}
		return []byte{0x7F, 0x27, 0x36}
	})
	s := openSession(t, drv, testConfig())

	err := s.Unlock(context.Background(), 0x03, goodKey)
	if !errors.Is(err, ErrSecurityAccessDenied) {
		t.Fatalf("期望 SecurityAccessDenied, 实际: %v", err)
	}
	if nrc, _ := udsclient.NRCOf(err); nrc != udsclient.NRCExceedNumberOfAttempts {
		t.Errorf("期望保留 NRC 0x36, 实际 0x%02X", nrc)
	}
	if left := s.lockouts.Remaining(lockKey(DefaultTxID11, 0x03)); left <= 0 {
		t.Error("NRC 0x36 应立即锁定")
	}
}
