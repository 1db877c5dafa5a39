package session

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/LoveWonYoung/autodiag/udsclient"
)

// jitter 返回 interval ±10% 内的随机值
func jitter(interval time.Duration) time.Duration {
	spread := int64(interval) / 10
	if spread <= 0 {
		return interval
	}
	return interval + time.Duration(rand.Int64N(2*spread+1)-spread)
}

func (s *Session) startKeepAlive() {
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	s.mu.Lock()
	s.kaCancel, s.kaGroup = cancel, g
	s.mu.Unlock()
	g.Go(func() error { return s.keepAlive(ctx) })
}

func (s *Session) stopKeepAlive() {
	s.mu.Lock()
	cancel, g := s.kaCancel, s.kaGroup
	s.kaCancel, s.kaGroup = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if err := g.Wait(); err != nil {
		s.log.Debug("keep-alive stopped", "err", err)
	}
}

// keepAlive 空闲时按 interval±10% 发送 3E 00。有在途交互时让出本次，
// 本周期内已有其他交互完成时也跳过，两者都视为活动。
func (s *Session) keepAlive(ctx context.Context) error {
	interval := s.cfg.KeepAliveInterval
	timer := time.NewTimer(jitter(interval))
	defer timer.Stop()

	var lastOwn time.Time
	if client, err := s.activeClient(); err == nil {
		lastOwn = client.LastActivity()
	}
	missed := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
		timer.Reset(jitter(interval))

		client, err := s.activeClient()
		if err != nil {
			return nil
		}
		if last := client.LastActivity(); last.After(lastOwn) && time.Since(last) < interval {
			missed = 0
			continue
		}

		ex, ok, err := client.TryDo(ctx, udsclient.KeepAliveRequest())
		if !ok {
			missed = 0
			continue
		}
		lastOwn = client.LastActivity()
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			if isFatal(err) || errors.Is(err, udsclient.ErrLinkClosed) {
				s.lose(newError(SessionLost, err))
				return err
			}
			missed++
			s.log.Warn("TesterPresent not acknowledged", "missed", missed, "max", s.cfg.MaxMissedKeepAlives, "err", err)
			if s.cfg.Recorder != nil {
				s.cfg.Recorder.KeepAliveMissed(s.cfg.ID)
			}
			if missed >= s.cfg.MaxMissedKeepAlives {
				serr := newError(SessionLost, err)
				s.lose(serr)
				return serr
			}
			continue
		}
		missed = 0
		s.mu.Lock()
		s.lastTesterPresent = ex.End
		s.mu.Unlock()
	}
}
