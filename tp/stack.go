package tp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrTransportClosed is returned by Send and Recv once Run has returned.
var ErrTransportClosed = errors.New("tp: transport closed")

type txRequest struct {
	ctx      context.Context
	data     []byte
	addrType AddressType
	done     chan error
}

// Transport 是ISOTP协议栈的核心结构。所有状态只在 Run 的 goroutine 内修改。
type Transport struct {
	address       *Address
	config        Config
	maxDataLength int
	log           *slog.Logger

	rxState        State
	rxBuffer       []byte
	rxFrameLen     int
	rxSeqNum       int
	rxBlockCounter int

	txState         State
	txReq           *txRequest
	txFrames        [][]byte
	txIndex         int
	txBlockCounter  int
	remoteBlocksize int
	remoteStmin     time.Duration
	wftCounter      int

	timerRxCF    *time.Timer // N_Cr
	timerTxFC    *time.Timer // N_Bs
	timerTxSTmin *time.Timer

	txRequests chan *txRequest
	rxResults  chan Message
	errs       chan error

	runCtx   context.Context
	txChan   chan<- CanMessage
	started  sync.Once
	done     chan struct{}
	doneOnce sync.Once
}

// NewTransport validates cfg and returns a stack that does nothing until Run is called.
func NewTransport(address *Address, cfg Config) (*Transport, error) {
	if address == nil {
		return nil, errors.New("tp: nil address")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	t := &Transport{
		address:       address,
		config:        cfg,
		maxDataLength: cfg.maxDataLength(),
		log:           slog.Default().With("component", "isotp"),
		timerRxCF:     newStoppedTimer(),
		timerTxFC:     newStoppedTimer(),
		timerTxSTmin:  newStoppedTimer(),
		txRequests:    make(chan *txRequest),
		rxResults:     make(chan Message, 16),
		errs:          make(chan error, 16),
		done:          make(chan struct{}),
	}
	return t, nil
}

// SetLogger replaces the component logger. Call before Run.
func (t *Transport) SetLogger(l *slog.Logger) {
	if l != nil {
		t.log = l
	}
}

func (t *Transport) Address() *Address { return t.address }

func (t *Transport) Config() Config { return t.config }

// Errors 返回非请求相关的错误流（解析失败、被打断的接收等）。
func (t *Transport) Errors() <-chan error { return t.errs }

// Done is closed when Run returns.
func (t *Transport) Done() <-chan struct{} { return t.done }

// Send 发送一条物理寻址的报文，最后一帧交给链路层后返回。
func (t *Transport) Send(ctx context.Context, payload []byte) error {
	return t.SendTo(ctx, payload, Physical)
}

// SendTo is Send with an explicit addressing type. Functional requests must fit a single frame.
func (t *Transport) SendTo(ctx context.Context, payload []byte, addrType AddressType) error {
	if len(payload) == 0 {
		return NewIsoTpError("tp: empty payload")
	}
	if !t.config.CanFD && len(payload) > MaxClassicMessageLength {
		return FrameTooLongError{NewIsoTpError(fmt.Sprintf("tp: payload of %d bytes exceeds %d", len(payload), MaxClassicMessageLength))}
	}
	if addrType == Functional && len(payload) > t.available()-1 {
		return FrameTooLongError{NewIsoTpError("tp: functional request does not fit a single frame")}
	}

	data := make([]byte, len(payload))
	copy(data, payload)
	req := &txRequest{ctx: ctx, data: data, addrType: addrType, done: make(chan error, 1)}

	select {
	case t.txRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return ErrTransportClosed
	}

	select {
	case err := <-req.done:
		return err
	case <-t.done:
		// Run 退出时会回填 done，优先取真实结果
		select {
		case err := <-req.done:
			return err
		default:
			return ErrTransportClosed
		}
	}
}

// Recv 等待下一条完整报文，或接收过程中的超时/中止错误。
func (t *Transport) Recv(ctx context.Context) ([]byte, error) {
	msg, err := t.RecvMessage(ctx)
	if err != nil {
		return nil, err
	}
	if msg.Err != nil {
		return nil, msg.Err
	}
	return msg.Data, nil
}

// RecvMessage is Recv with the message state attached.
func (t *Transport) RecvMessage(ctx context.Context) (Message, error) {
	select {
	case m := <-t.rxResults:
		return m, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-t.done:
		select {
		case m := <-t.rxResults:
			return m, nil
		default:
			return Message{}, ErrTransportClosed
		}
	}
}

// DrainRx discards every reassembled message not yet read.
func (t *Transport) DrainRx() int {
	n := 0
	for {
		select {
		case <-t.rxResults:
			n++
		default:
			return n
		}
	}
}

// Run 启动协议栈事件循环，直到 ctx 取消。同一个 Transport 只能运行一次。
func (t *Transport) Run(ctx context.Context, rxChan <-chan CanMessage, txChan chan<- CanMessage) {
	first := false
	t.started.Do(func() { first = true })
	if !first {
		t.fireError(NewIsoTpError("tp: Run called twice"))
		return
	}

	t.runCtx = ctx
	t.txChan = txChan
	defer t.cleanup()

	for {
		var txDataEnable <-chan *txRequest
		if t.txState == StateIdle {
			txDataEnable = t.txRequests
		}
		var txCancel <-chan struct{}
		if t.txReq != nil {
			txCancel = t.txReq.ctx.Done()
		}

		select {
		case <-ctx.Done():
			return

		case msg, ok := <-rxChan:
			if !ok {
				return
			}
			t.processRx(msg)

		case req := <-txDataEnable:
			t.initiateTx(req)

		case <-txCancel:
			t.finishTx(t.txReq.ctx.Err())

		case <-t.timerRxCF.C:
			if t.rxState == StateWaitCF {
				t.log.Warn("接收连续帧超时，重置接收状态", "expected", t.rxFrameLen, "received", len(t.rxBuffer))
				t.deliverRx(Message{Address: t.address, State: MessageTimedOut, Err: ConsecutiveFrameTimeoutError{}})
				t.stopReceiving()
			}

		case <-t.timerTxFC.C:
			if t.txState == StateWaitFC {
				t.log.Warn("等待流控帧超时，停止发送", "timeout", t.config.TimeoutN_Bs)
				t.finishTx(FlowControlTimeoutError{})
			}

		case <-t.timerTxSTmin.C:
			if t.txState == StateTransmit {
				t.handleTxTransmit()
			}
		}
	}
}

func (t *Transport) cleanup() {
	stopTimer(t.timerRxCF)
	stopTimer(t.timerTxFC)
	stopTimer(t.timerTxSTmin)
	if t.txReq != nil {
		t.finishTx(ErrTransportClosed)
	}
	t.doneOnce.Do(func() { close(t.done) })
}

func (t *Transport) stopReceiving() {
	t.rxState = StateIdle
	t.rxBuffer = nil
	t.rxFrameLen = 0
	t.rxSeqNum = 0
	t.rxBlockCounter = 0
	stopTimer(t.timerRxCF)
}

func (t *Transport) stopSending() {
	t.txState = StateIdle
	t.txReq = nil
	t.txFrames = nil
	t.txIndex = 0
	t.txBlockCounter = 0
	t.wftCounter = 0
	stopTimer(t.timerTxFC)
	stopTimer(t.timerTxSTmin)
}

// finishTx 结束当前发送并把结果交还给 Send 调用方。
func (t *Transport) finishTx(err error) {
	if t.txReq != nil {
		t.txReq.done <- err
	}
	t.stopSending()
}

// available 扣除地址前缀后每帧可用的字节数
func (t *Transport) available() int {
	return t.maxDataLength - len(t.address.TxPayloadPrefix)
}

func (t *Transport) makeTxMsg(data []byte, addrType AddressType) CanMessage {
	fullPayload := make([]byte, 0, t.maxDataLength)
	fullPayload = append(fullPayload, t.address.TxPayloadPrefix...)
	fullPayload = append(fullPayload, data...)

	targetLen := len(fullPayload)
	if t.config.CanFD {
		if targetLen > 8 {
			targetLen = nearestCanFdSize(targetLen)
		} else if t.config.PaddingByte != nil {
			targetLen = 8
		}
	} else if t.config.PaddingByte != nil {
		targetLen = 8
	}

	if len(fullPayload) < targetLen {
		pad := byte(0xCC)
		if t.config.PaddingByte != nil {
			pad = *t.config.PaddingByte
		}
		for len(fullPayload) < targetLen {
			fullPayload = append(fullPayload, pad)
		}
	}

	return CanMessage{
		ArbitrationID: t.address.GetTxArbitrationID(addrType),
		Data:          fullPayload,
		IsExtendedID:  t.address.Is29Bit(),
		IsFD:          t.config.CanFD,
	}
}

// emit 把一帧交给链路层，最多等待 timeout。
func (t *Transport) emit(msg CanMessage, timeout time.Duration) error {
	select {
	case t.txChan <- msg:
		return nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case t.txChan <- msg:
		return nil
	case <-timer.C:
		return TransmitTimeoutError{}
	case <-t.runCtx.Done():
		return t.runCtx.Err()
	}
}

// deliverRx 非阻塞投递，队列满时丢弃并记录。
func (t *Transport) deliverRx(m Message) {
	select {
	case t.rxResults <- m:
	default:
		t.log.Warn("Rx Buffer Full, dropping message", "state", m.State, "len", len(m.Data))
		t.fireError(NewIsoTpError("tp: receive queue full, message dropped"))
	}
}

// fireError sends an error to the error stream. Non-blocking.
func (t *Transport) fireError(err error) {
	select {
	case t.errs <- err:
	default:
		t.log.Warn("ISOTP Error (Chan Full)", "err", err)
	}
}
