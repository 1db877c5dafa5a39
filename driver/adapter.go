package driver

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/LoveWonYoung/autodiag/logrecorder"
	"github.com/LoveWonYoung/autodiag/tp"
)

// FrameToCan 把驱动帧转换成 ISO-TP 层的 CanMessage
func FrameToCan(f Frame) tp.CanMessage {
	return tp.CanMessage{
		ArbitrationID: f.ID,
		Data:          append([]byte(nil), f.Data...),
		IsExtendedID:  f.Extended,
		IsFD:          f.FD,
	}
}

// CanToFrame stamps an outgoing CanMessage as a TX frame.
func CanToFrame(m tp.CanMessage) Frame {
	return Frame{
		ID:        m.ArbitrationID,
		Data:      append([]byte(nil), m.Data...),
		Extended:  m.IsExtendedID,
		FD:        m.IsFD,
		Timestamp: time.Now(),
		Direction: TX,
	}
}

// logCANMessage 统一的CAN消息日志记录函数
func logCANMessage(log *slog.Logger, f Frame) {
	if !log.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	typeStr := "CAN  "
	if f.FD {
		typeStr = "CANFD"
	}
	id := "0x%03X"
	if f.Extended {
		id = "0x%08X"
	}
	log.Debug(f.Direction.String()+" "+typeStr,
		"id", sprintfID(id, f.ID),
		"dlc", len(f.Data),
		"data", hexSpaced(f.Data))
}

// Adapter 是连接 ISO-TP 协议栈和驱动通道的适配器
type Adapter struct {
	drv       Driver
	ch        *Channel
	rxTimeout time.Duration
	log       *slog.Logger
}

func NewAdapter(drv Driver, ch *Channel, rxTimeout time.Duration) (*Adapter, error) {
	if drv == nil || ch == nil {
		return nil, errors.New("driver: adapter needs a driver and a channel")
	}
	if rxTimeout <= 0 {
		rxTimeout = 10 * time.Millisecond
	}
	return &Adapter{
		drv:       drv,
		ch:        ch,
		rxTimeout: rxTimeout,
		log:       logrecorder.Logger("adapter").With("kind", drv.Kind().String(), "channel", ch.ID),
	}, nil
}

func (a *Adapter) Channel() *Channel { return a.ch }

// TxFunc 发送一帧
func (a *Adapter) TxFunc(msg tp.CanMessage) error {
	return a.drv.Send(a.ch, CanToFrame(msg))
}

// RxFunc 在 rxTimeout 内接收一帧。超时返回 ok=false 且 err=nil。
func (a *Adapter) RxFunc() (tp.CanMessage, bool, error) {
	f, err := a.drv.Receive(a.ch, a.rxTimeout)
	if err != nil {
		if IsTimeout(err) {
			return tp.CanMessage{}, false, nil
		}
		return tp.CanMessage{}, false, err
	}
	if len(f.Data) == 0 {
		a.log.Debug("dropping empty frame", "id", f.ID)
		return tp.CanMessage{}, false, nil
	}
	return FrameToCan(f), true, nil
}
