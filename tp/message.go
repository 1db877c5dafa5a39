package tp

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// CanMessage 代表一个 CAN 报文 (ISO-11898)。
type CanMessage struct {
	ArbitrationID uint32
	Data          []byte
	IsExtendedID  bool
	IsFD          bool
	BitrateSwitch bool
}

// String 方法提供了 CanMessage 的字符串表示形式。
func (m *CanMessage) String() string {
	var idStr string
	if m.IsExtendedID {
		idStr = fmt.Sprintf("%08x", m.ArbitrationID)
	} else {
		idStr = fmt.Sprintf("%03x", m.ArbitrationID)
	}
	var flags []string
	if m.IsFD {
		flags = append(flags, "fd")
	}
	if m.BitrateSwitch {
		flags = append(flags, "brs")
	}
	var flagStr string
	if len(flags) > 0 {
		flagStr = fmt.Sprintf(" (%s)", strings.Join(flags, ","))
	}
	return fmt.Sprintf("<CanMessage %s [%d]%s \"%s\">", idStr, len(m.Data), flagStr, hex.EncodeToString(m.Data))
}

// State 定义了收发状态机的状态。
type State uint8

const (
	StateIdle State = iota
	StateWaitFC
	StateWaitCF
	StateTransmit
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateWaitFC:
		return "WAIT_FC"
	case StateWaitCF:
		return "WAIT_CF"
	case StateTransmit:
		return "TRANSMIT"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// FlowStatus 定义了流控帧的状态。
type FlowStatus uint8

const (
	FlowStatusContinueToSend FlowStatus = 0x00
	FlowStatusWait           FlowStatus = 0x01
	FlowStatusOverflow       FlowStatus = 0x02
)

// MessageState is the outcome of one reassembled message.
type MessageState uint8

const (
	MessagePending MessageState = iota
	MessageComplete
	MessageTimedOut
	MessageAborted
)

func (s MessageState) String() string {
	switch s {
	case MessagePending:
		return "PENDING"
	case MessageComplete:
		return "COMPLETE"
	case MessageTimedOut:
		return "TIMED_OUT"
	case MessageAborted:
		return "ABORTED"
	}
	return fmt.Sprintf("MessageState(%d)", uint8(s))
}

// Message 是接收方向的一条 ISO-TP 报文。Err 只在 TIMED_OUT/ABORTED 时非空。
type Message struct {
	Address *Address
	Data    []byte
	State   MessageState
	Err     error
}
