package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/LoveWonYoung/autodiag/udsclient"
)

// Lockouts 记录安全访问的连续失败次数和锁定期。锁定条目的 TTL 就是锁定时长。
type Lockouts struct {
	delay    time.Duration
	max      int
	cache    *ttlcache.Cache[string, time.Time]
	mu       sync.Mutex
	failures map[string]int
}

func NewLockouts(delay time.Duration, maxAttempts int) *Lockouts {
	return &Lockouts{
		delay: delay,
		max:   maxAttempts,
		cache: ttlcache.New[string, time.Time](
			ttlcache.WithTTL[string, time.Time](delay),
			ttlcache.WithDisableTouchOnHit[string, time.Time](),
		),
		failures: make(map[string]int),
	}
}

func lockKey(ecu uint32, level byte) string {
	return fmt.Sprintf("%X/%02X", ecu, level)
}

// Remaining returns how long key stays locked, or 0.
func (l *Lockouts) Remaining(key string) time.Duration {
	item := l.cache.Get(key)
	if item == nil {
		return 0
	}
	if left := time.Until(item.Value()); left > 0 {
		return left
	}
	return 0
}

// Fail 记录一次无效密钥，达到上限时锁定并返回 true
func (l *Lockouts) Fail(key string) bool {
	l.mu.Lock()
	l.failures[key]++
	n := l.failures[key]
	l.mu.Unlock()
	if n >= l.max {
		l.Lock(key)
		return true
	}
	return false
}

func (l *Lockouts) Lock(key string) {
	l.mu.Lock()
	delete(l.failures, key)
	l.mu.Unlock()
	l.cache.Set(key, time.Now().Add(l.delay), ttlcache.DefaultTTL)
}

func (l *Lockouts) Reset(key string) {
	l.mu.Lock()
	delete(l.failures, key)
	l.mu.Unlock()
	l.cache.Delete(key)
}

func (l *Lockouts) Failures(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.failures[key]
}

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// Unlock 执行 seed/key 交互。锁定期内直接失败，不发送任何请求。
// 锁定触发时会话转为 DISCONNECTED。
func (s *Session) Unlock(ctx context.Context, level byte, alg udsclient.KeyAlgorithm) error {
	key := lockKey(s.ecuID(), level)
	if left := s.lockouts.Remaining(key); left > 0 {
		return newError(SecurityAccessDenied, fmt.Errorf("level 0x%02X locked for another %v", level, left.Round(time.Millisecond)))
	}
	client, err := s.activeClient()
	if err != nil {
		return err
	}

	seed, err := client.RequestSeed(ctx, level)
	if err != nil {
		return s.securityFailed(key, level, err)
	}
	if isZero(seed) {
		s.log.Info("security level already unlocked", "level", level)
		s.setSecurityLevel(key, level)
		return nil
	}

	k, err := alg.Key(seed, level)
	if err != nil {
		return fmt.Errorf("session: %s key: %w", alg.Name(), err)
	}
	if err := client.SendKey(ctx, level, k); err != nil {
		return s.securityFailed(key, level, err)
	}
	s.setSecurityLevel(key, level)
	s.log.Info("security access granted", "level", level, "algorithm", alg.Name())
	return nil
}

func (s *Session) setSecurityLevel(key string, level byte) {
	s.lockouts.Reset(key)
	s.mu.Lock()
	s.securityLevel = level
	s.mu.Unlock()
}

func (s *Session) securityFailed(key string, level byte, err error) error {
	nrc, ok := udsclient.NRCOf(err)
	if !ok {
		return s.check(err)
	}
	locked := false
	switch nrc {
	case udsclient.NRCInvalidKey:
		locked = s.lockouts.Fail(key)
		s.log.Warn("invalid key", "level", level, "failures", s.lockouts.Failures(key))
	case udsclient.NRCExceedNumberOfAttempts, udsclient.NRCRequiredTimeDelayNotExpired:
		s.lockouts.Lock(key)
		locked = true
	}
	if !locked {
		return err
	}
	s.log.Warn("security access locked out", "level", level, "delay", s.cfg.LockoutDelay)
	serr := newError(SecurityAccessDenied, err)
	s.lose(serr)
	return serr
}
