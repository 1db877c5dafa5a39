package driver

import (
	"context"
	"encoding/binary"
	"log/slog"
	"sync"
	"time"

	"github.com/LoveWonYoung/autodiag/logrecorder"
	"github.com/LoveWonYoung/autodiag/tp"
)

// MockSeedXOR 虚拟 ECU 的密钥算法: key = seed XOR 0xABCD
const MockSeedXOR uint16 = 0xABCD

// MockVIN is the VIN the mock ECU answers for DID F190.
const MockVIN = "WVWZZZ3CZ7E123456"

type MockDTC struct {
	Code   uint32
	Status byte
}

// MockECU 是挂在 MockDriver 上的 UDS 应答端。CAN 通道上运行自己的 ISO-TP 协议栈，
// 报文通道 (K-line / 硬件 ISO-TP) 上直接收发完整报文。
type MockECU struct {
	drv  *MockDriver
	addr *tp.Address
	cfg  tp.Config
	log  *slog.Logger

	mu           sync.Mutex
	dids         map[uint16][]byte
	dtcs         []MockDTC
	forcedNRC    map[byte]byte
	pending      map[byte]int
	pendingDelay time.Duration
	responders   map[byte]func(req []byte) []byte
	silent       bool
	protocols    map[Protocol]bool
	seed         uint16
	unlocked     byte
	session      byte
	requests     [][]byte

	ctx    context.Context
	cancel context.CancelFunc
	rx     chan tp.CanMessage
	tr     *tp.Transport
	wg     sync.WaitGroup
}

// NewMockECU creates an ECU answering on addr, which is the ECU-side address (Tx = response id).
func NewMockECU(drv *MockDriver, addr *tp.Address) *MockECU {
	cfg := tp.DefaultConfig()
	e := &MockECU{
		drv:          drv,
		addr:         addr,
		cfg:          cfg,
		log:          logrecorder.Logger("mock_ecu"),
		dids:         map[uint16][]byte{0xF190: []byte(MockVIN)},
		forcedNRC:    make(map[byte]byte),
		pending:      make(map[byte]int),
		pendingDelay: 20 * time.Millisecond,
		responders:   make(map[byte]func([]byte) []byte),
		seed:         0x1234,
		session:      0x01,
	}
	return e
}

// Start 启动 ECU 的 ISO-TP 协议栈并挂到驱动上。
func (e *MockECU) Start(ctx context.Context) error {
	tr, err := tp.NewTransport(e.addr, e.cfg)
	if err != nil {
		return err
	}
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.tr = tr
	e.rx = make(chan tp.CanMessage, MockRxBufferSize)
	tx := make(chan tp.CanMessage, 64)

	e.wg.Add(3)
	go func() {
		defer e.wg.Done()
		tr.Run(e.ctx, e.rx, tx)
	}()
	go func() {
		defer e.wg.Done()
		for {
			select {
			case <-e.ctx.Done():
				return
			case m := <-tx:
				e.drv.InjectFrame(Frame{ID: m.ArbitrationID, Data: m.Data, Extended: m.IsExtendedID, FD: m.IsFD})
			}
		}
	}()
	go func() {
		defer e.wg.Done()
		for {
			req, err := tr.Recv(e.ctx)
			if err != nil {
				if e.ctx.Err() != nil {
					return
				}
				e.log.Warn("ecu receive failed", "err", err)
				continue
			}
			e.respond(req, func(resp []byte) error { return tr.Send(e.ctx, resp) })
		}
	}()

	e.drv.OnSend(e.onFrame)
	return nil
}

func (e *MockECU) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

func (e *MockECU) onFrame(ch *Channel, f Frame) {
	if e.ctx == nil || e.ctx.Err() != nil || ch.Monitor || !e.answers(ch.Protocol) {
		return
	}

	if ch.Framing == FramingMessages {
		replyID := ch.RxID
		go e.respond(append([]byte(nil), f.Data...), func(resp []byte) error {
			e.drv.InjectFrame(Frame{ID: replyID, Data: resp, Extended: f.Extended})
			return nil
		})
		return
	}

	id := f.ID
	if e.addr.FunctionalID != 0 && id == e.addr.FunctionalID {
		id = e.addr.RxArbitrationID()
	}
	select {
	case e.rx <- tp.CanMessage{ArbitrationID: id, Data: f.Data, IsExtendedID: f.Extended, IsFD: f.FD}:
	default:
		e.log.Warn("ecu rx queue full, frame dropped", "id", f.ID)
	}
}

func (e *MockECU) answers(p Protocol) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.protocols == nil || e.protocols[p]
}

func (e *MockECU) respond(req []byte, send func([]byte) error) {
	if len(req) == 0 {
		return
	}
	e.mu.Lock()
	e.requests = append(e.requests, append([]byte(nil), req...))
	silent := e.silent
	pending := e.pending[req[0]]
	delay := e.pendingDelay
	e.mu.Unlock()

	if silent {
		return
	}
	for i := 0; i < pending; i++ {
		if err := send([]byte{0x7F, req[0], 0x78}); err != nil {
			e.log.Warn("ecu send failed", "err", err)
			return
		}
		select {
		case <-time.After(delay):
		case <-e.ctx.Done():
			return
		}
	}

	resp := e.handle(req)
	if resp == nil {
		return
	}
	if err := send(resp); err != nil {
		e.log.Warn("ecu send failed", "err", err)
	}
}

func negative(sid, nrc byte) []byte { return []byte{0x7F, sid, nrc} }

func (e *MockECU) handle(req []byte) []byte {
	e.mu.Lock()
	defer e.mu.Unlock()

	sid := req[0]
	if r, ok := e.responders[sid]; ok {
		return r(req)
	}
	if nrc, ok := e.forcedNRC[sid]; ok {
		return negative(sid, nrc)
	}

	switch sid {
	case 0x3E:
		if len(req) < 2 {
			return negative(sid, 0x13)
		}
		if req[1]&0x80 != 0 {
			return nil
		}
		return []byte{0x7E, req[1]}

	case 0x10:
		if len(req) < 2 {
			return negative(sid, 0x13)
		}
		e.session = req[1] & 0x7F
		if e.session == 0x01 {
			e.unlocked = 0
		}
		// P2 = 50ms, P2* = 500 x 10ms
		return []byte{0x50, e.session, 0x00, 0x32, 0x01, 0xF4}

	case 0x22:
		if len(req) < 3 || (len(req)-1)%2 != 0 {
			return negative(sid, 0x13)
		}
		resp := []byte{0x62}
		for i := 1; i < len(req); i += 2 {
			did := binary.BigEndian.Uint16(req[i:])
			data, ok := e.dids[did]
			if !ok {
				return negative(sid, 0x31)
			}
			resp = append(resp, req[i], req[i+1])
			resp = append(resp, data...)
		}
		return resp

	case 0x19:
		if len(req) < 3 {
			return negative(sid, 0x13)
		}
		mask := req[2]
		switch req[1] {
		case 0x01:
			n := 0
			for _, d := range e.dtcs {
				if d.Status&mask != 0 {
					n++
				}
			}
			return []byte{0x59, 0x01, 0xFF, 0x01, byte(n >> 8), byte(n)}
		case 0x02:
			resp := []byte{0x59, 0x02, 0xFF}
			for _, d := range e.dtcs {
				if d.Status&mask != 0 {
					resp = append(resp, byte(d.Code>>16), byte(d.Code>>8), byte(d.Code), d.Status)
				}
			}
			return resp
		}
		return negative(sid, 0x12)

	case 0x14:
		if len(req) != 4 {
			return negative(sid, 0x13)
		}
		group := uint32(req[1])<<16 | uint32(req[2])<<8 | uint32(req[3])
		if group == 0xFFFFFF {
			e.dtcs = nil
		} else {
			kept := e.dtcs[:0]
			for _, d := range e.dtcs {
				if d.Code != group {
					kept = append(kept, d)
				}
			}
			e.dtcs = kept
		}
		return []byte{0x54}

	case 0x27:
		if len(req) < 2 {
			return negative(sid, 0x13)
		}
		level := req[1]
		if level%2 == 1 {
			if e.unlocked == level {
				return []byte{0x67, level, 0x00, 0x00}
			}
			return []byte{0x67, level, byte(e.seed >> 8), byte(e.seed)}
		}
		if len(req) < 4 {
			return negative(sid, 0x13)
		}
		key := binary.BigEndian.Uint16(req[2:4])
		if key != e.seed^MockSeedXOR {
			return negative(sid, 0x35)
		}
		e.unlocked = level - 1
		return []byte{0x67, level}
	}
	return negative(sid, 0x11)
}

// ============================================================================
// 测试配置
// ============================================================================

func (e *MockECU) SetDID(did uint16, data []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dids[did] = append([]byte(nil), data...)
}

func (e *MockECU) SetDTCs(dtcs ...MockDTC) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dtcs = append([]MockDTC(nil), dtcs...)
}

// ForceNRC 让服务 sid 总是返回否定响应 nrc
func (e *MockECU) ForceNRC(sid, nrc byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.forcedNRC[sid] = nrc
}

func (e *MockECU) ClearNRC(sid byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.forcedNRC, sid)
}

// SetPending 在真正应答前先发送 n 个 0x78
func (e *MockECU) SetPending(sid byte, n int, delay time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending[sid] = n
	if delay > 0 {
		e.pendingDelay = delay
	}
}

// SetResponder overrides the built-in handler for sid. Returning nil sends nothing.
func (e *MockECU) SetResponder(sid byte, fn func(req []byte) []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.responders[sid] = fn
}

// SetSilent 模拟 ECU 不响应
func (e *MockECU) SetSilent(silent bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.silent = silent
}

// AnswerOn restricts the ECU to the listed protocols. No arguments means every protocol.
func (e *MockECU) AnswerOn(protocols ...Protocol) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(protocols) == 0 {
		e.protocols = nil
		return
	}
	e.protocols = make(map[Protocol]bool, len(protocols))
	for _, p := range protocols {
		e.protocols[p] = true
	}
}

func (e *MockECU) SetSeed(seed uint16) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seed = seed
}

// Requests returns every request payload received so far.
func (e *MockECU) Requests() [][]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([][]byte, len(e.requests))
	copy(out, e.requests)
	return out
}

// CountRequests counts the requests whose first byte is sid.
func (e *MockECU) CountRequests(sid byte) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, r := range e.requests {
		if len(r) > 0 && r[0] == sid {
			n++
		}
	}
	return n
}
