package udsclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LoveWonYoung/autodiag/driver"
	"github.com/LoveWonYoung/autodiag/logrecorder"
	"github.com/LoveWonYoung/autodiag/tp"
)

const defaultMaxRetries = 3 // 默认最大重试次数

// Options 请求时序与重试配置
type Options struct {
	P2             time.Duration // 首个响应的等待时间
	P2Star         time.Duration // 收到 0x78 后的等待时间
	PendingCeiling time.Duration // 0x78 累计等待上限
	MaxRetries     int           // 最大重试次数 (0x21 与无响应)
	RetryDelay     time.Duration // 重试间隔

	// DIDLengths gives the data length of each DID, needed to split multi-DID 0x22 responses.
	DIDLengths map[uint16]int
}

// DefaultOptions 返回默认请求配置
func DefaultOptions() Options {
	return Options{
		P2:             500 * time.Millisecond,
		P2Star:         5000 * time.Millisecond,
		PendingCeiling: 30 * time.Second,
		MaxRetries:     defaultMaxRetries,
		RetryDelay:     100 * time.Millisecond,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.P2 <= 0 {
		o.P2 = def.P2
	}
	if o.P2Star <= 0 {
		o.P2Star = def.P2Star
	}
	if o.PendingCeiling <= 0 {
		o.PendingCeiling = def.PendingCeiling
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	return o
}

// Request 一条 UDS 请求: [SID, (sub), params...]
type Request struct {
	ServiceID   byte
	SubFunction *byte
	Params      []byte
	// SuppressResponse sets the suppressPosRsp bit on the sub-function; no response is awaited.
	SuppressResponse bool
	// Echo overrides the bytes a positive response must repeat after its SID.
	// When nil and SubFunction is set, the sub-function is expected.
	Echo []byte
	// NoRetry sends the request once regardless of Options.MaxRetries.
	NoRetry bool
	// KeepAlive marks the session's own TesterPresent; copied to Exchange.KeepAlive.
	KeepAlive bool
}

// Sub is a convenience for building Request.SubFunction.
func Sub(b byte) *byte { return &b }

// Bytes encodes the request.
func (r Request) Bytes() []byte {
	out := make([]byte, 0, 2+len(r.Params))
	out = append(out, r.ServiceID)
	if r.SubFunction != nil {
		sub := *r.SubFunction
		if r.SuppressResponse {
			sub |= suppressPosRspBit
		}
		out = append(out, sub)
	}
	return append(out, r.Params...)
}

func (r Request) echo() []byte {
	if r.Echo != nil {
		return r.Echo
	}
	if r.SubFunction != nil {
		return []byte{*r.SubFunction &^ suppressPosRspBit}
	}
	return nil
}

// ExchangeState 交互的终止状态
type ExchangeState int

const (
	StatePending ExchangeState = iota
	StateSuccess
	StateNegative
	StateTimeout
	StateFailed
)

func (s ExchangeState) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateSuccess:
		return "SUCCESS"
	case StateNegative:
		return "NEGATIVE"
	case StateTimeout:
		return "TIMEOUT"
	case StateFailed:
		return "FAILED"
	}
	return fmt.Sprintf("ExchangeState(%d)", int(s))
}

// Exchange 记录一次请求/响应交互。终止状态只设置一次。
type Exchange struct {
	ServiceID    byte
	SubFunction  *byte
	Request      []byte
	Response     []byte
	NRC          *byte
	RetryCount   int
	PendingCount int
	Start        time.Time
	End          time.Time
	State        ExchangeState
	Err          error
	KeepAlive    bool
}

func (e *Exchange) Duration() time.Duration {
	if e.End.IsZero() {
		return 0
	}
	return e.End.Sub(e.Start)
}

func (e *Exchange) finish(resp []byte, err error) {
	if e.State != StatePending {
		return
	}
	e.End = time.Now()
	e.Response = resp
	e.Err = err
	e.State = classify(err)
	if nrc, ok := NRCOf(err); ok {
		e.NRC = &nrc
	}
}

func classify(err error) ExchangeState {
	if err == nil {
		return StateSuccess
	}
	if errors.Is(err, ErrNegativeResponse) {
		return StateNegative
	}
	var to interface{ Timeout() bool }
	if errors.As(err, &to) && to.Timeout() {
		return StateTimeout
	}
	if tp.IsTimeout(err) || driver.IsTimeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return StateTimeout
	}
	return StateFailed
}

// Client 在一个 Link 上串行执行 UDS 交互。同一时间只有一个交互在进行。
type Client struct {
	link Link
	log  *slog.Logger

	mu sync.Mutex // 每个通道只允许一个在途请求

	optMu sync.RWMutex
	opts  Options

	obsMu     sync.Mutex
	observers map[int]func(*Exchange)
	nextObs   int

	lastActivity atomic.Int64
	closed       atomic.Bool
}

func NewClient(link Link, opts Options) *Client {
	c := &Client{
		link:      link,
		log:       logrecorder.Logger("uds"),
		opts:      opts.withDefaults(),
		observers: make(map[int]func(*Exchange)),
	}
	c.lastActivity.Store(time.Now().UnixNano())
	return c
}

func (c *Client) Link() Link { return c.link }

func (c *Client) Options() Options {
	c.optMu.RLock()
	defer c.optMu.RUnlock()
	return c.opts
}

// SetTiming 使用会话控制响应中的 P2/P2* 更新等待时间。零值保持不变。
func (c *Client) SetTiming(p2, p2Star time.Duration) {
	c.optMu.Lock()
	defer c.optMu.Unlock()
	if p2 > 0 {
		c.opts.P2 = p2
	}
	if p2Star > 0 {
		c.opts.P2Star = p2Star
	}
}

// LastActivity is the end time of the last finished exchange.
func (c *Client) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// OnExchange registers fn to run after every exchange reaches its terminal state.
// fn runs on the requesting goroutine and must not block. The returned func unregisters it.
func (c *Client) OnExchange(fn func(*Exchange)) func() {
	c.obsMu.Lock()
	id := c.nextObs
	c.nextObs++
	c.observers[id] = fn
	c.obsMu.Unlock()
	return func() {
		c.obsMu.Lock()
		delete(c.observers, id)
		c.obsMu.Unlock()
	}
}

func (c *Client) notify(ex *Exchange) {
	c.obsMu.Lock()
	fns := make([]func(*Exchange), 0, len(c.observers))
	for _, fn := range c.observers {
		fns = append(fns, fn)
	}
	c.obsMu.Unlock()
	for _, fn := range fns {
		fn(ex)
	}
}

// Do 发送请求并等待响应。返回的 Exchange 总是处于终止状态，错误与 Exchange.Err 相同。
func (c *Client) Do(ctx context.Context, req Request) (*Exchange, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.do(ctx, req)
}

// TryDo is Do without waiting: if another exchange is in flight it returns ok=false at once.
func (c *Client) TryDo(ctx context.Context, req Request) (ex *Exchange, ok bool, err error) {
	if !c.mu.TryLock() {
		return nil, false, nil
	}
	defer c.mu.Unlock()
	ex, err = c.do(ctx, req)
	return ex, true, err
}

func (c *Client) do(ctx context.Context, req Request) (*Exchange, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	payload := req.Bytes()
	ex := &Exchange{
		ServiceID:   req.ServiceID,
		SubFunction: req.SubFunction,
		Request:     payload,
		Start:       time.Now(),
		KeepAlive:   req.KeepAlive,
	}
	resp, err := c.run(ctx, req, payload, ex)
	ex.finish(resp, err)
	c.lastActivity.Store(ex.End.UnixNano())

	if err != nil {
		c.log.Debug("exchange failed", "sid", ServiceName(req.ServiceID), "state", ex.State, "err", err)
	} else {
		c.log.Debug("exchange done", "sid", ServiceName(req.ServiceID), "latency", ex.Duration())
	}
	c.notify(ex)
	return ex, ex.Err
}

func (c *Client) run(ctx context.Context, req Request, payload []byte, ex *Exchange) ([]byte, error) {
	opts := c.Options()
	if req.NoRetry {
		opts.MaxRetries = 0
	}

	var lastErr error
	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		if attempt > 0 {
			ex.RetryCount = attempt
			c.log.Info("UDS 请求重试", "attempt", attempt, "max", opts.MaxRetries, "sid", fmt.Sprintf("0x%02X", req.ServiceID))
			if err := sleepCtx(ctx, opts.RetryDelay); err != nil {
				return nil, err
			}
		}

		resp, err := c.attempt(ctx, req, payload, ex, opts)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil || !retryable(err) {
			return nil, err
		}
		lastErr = err
	}
	if opts.MaxRetries > 0 {
		return nil, fmt.Errorf("达到最大重试次数 (%d): %w", opts.MaxRetries, lastErr)
	}
	return nil, lastErr
}

func retryable(err error) bool {
	var nr *NegativeResponseError
	if errors.As(err, &nr) {
		return nr.NRC == NRCBusyRepeatRequest
	}
	var rt *ResponseTimeoutError
	return errors.As(err, &rt) || tp.IsTimeout(err)
}

// attempt 发送一次请求。0x78 把等待时间换成 P2*，不消耗重试次数，累计不超过 PendingCeiling。
func (c *Client) attempt(ctx context.Context, req Request, payload []byte, ex *Exchange, opts Options) ([]byte, error) {
	sid := req.ServiceID
	if d, ok := c.link.(drainer); ok {
		if n := d.Drain(); n > 0 {
			c.log.Debug("discarded stale responses", "count", n)
		}
	}
	if err := c.link.Send(ctx, payload); err != nil {
		return nil, err
	}
	if req.SuppressResponse {
		return nil, nil
	}

	sent := time.Now()
	wait := opts.P2
	deadline := sent.Add(wait)
	pending := 0

	for {
		rctx, cancel := context.WithDeadline(ctx, deadline)
		resp, err := c.link.Recv(rctx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				if elapsed := time.Since(sent); pending > 0 && elapsed >= opts.PendingCeiling {
					return nil, &ResponsePendingExceededError{ServiceID: sid, Pending: pending, Elapsed: elapsed}
				}
				return nil, &ResponseTimeoutError{ServiceID: sid, Wait: wait}
			}
			return nil, err
		}
		if len(resp) == 0 {
			continue
		}

		if resp[0] == negativeResponseSID {
			if len(resp) < 3 {
				return nil, &MalformedResponseError{ServiceID: sid, Response: resp, Reason: "负响应长度不足"}
			}
			if resp[1] != sid {
				c.log.Warn("ignoring negative response for another service", "expected", fmt.Sprintf("0x%02X", sid), "got", fmt.Sprintf("0x%02X", resp[1]))
				continue
			}
			nrc := resp[2]
			if nrc == NRCResponsePending {
				pending++
				ex.PendingCount++
				elapsed := time.Since(sent)
				if elapsed >= opts.PendingCeiling {
					return nil, &ResponsePendingExceededError{ServiceID: sid, Pending: pending, Elapsed: elapsed}
				}
				wait = min(opts.P2Star, opts.PendingCeiling-elapsed)
				deadline = time.Now().Add(wait)
				c.log.Debug("收到 Response Pending，继续等待", "sid", fmt.Sprintf("0x%02X", sid), "count", pending)
				continue
			}
			return nil, &NegativeResponseError{ServiceID: sid, NRC: nrc}
		}

		if resp[0] != sid+positiveOffset {
			return nil, &MalformedResponseError{
				ServiceID: sid,
				Response:  resp,
				Reason:    fmt.Sprintf("响应 SID 不匹配: 期望 0x%02X", sid+positiveOffset),
			}
		}
		if echo := req.echo(); len(echo) > 0 {
			if len(resp) < 1+len(echo) || !bytes.Equal(resp[1:1+len(echo)], echo) {
				return nil, &MalformedResponseError{ServiceID: sid, Response: resp, Reason: fmt.Sprintf("回显不匹配: 期望 % 02X", echo)}
			}
		}
		return resp, nil
	}
}

// Close 关闭链路，进行中的交互随即失败。
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.link.Close()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
