package driver

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// TransportKind 物理通道类型
type TransportKind int

const (
	KindJ2534 TransportKind = iota + 1
	KindSerialAT
	KindCANSocket
	KindMock
)

func (k TransportKind) String() string {
	switch k {
	case KindJ2534:
		return "j2534"
	case KindSerialAT:
		return "serial_at"
	case KindCANSocket:
		return "can_socket"
	case KindMock:
		return "mock"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseTransportKind accepts the names used in configuration files.
func ParseTransportKind(s string) (TransportKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "j2534", "passthru":
		return KindJ2534, nil
	case "serial_at", "elm327", "serial":
		return KindSerialAT, nil
	case "can_socket", "socketcan":
		return KindCANSocket, nil
	case "mock":
		return KindMock, nil
	}
	return 0, fmt.Errorf("unknown transport kind %q", s)
}

// Protocol 总线协议。ProtocolAuto 只在会话层使用，驱动不接受。
type Protocol int

const (
	ProtocolAuto Protocol = iota
	ISO15765_11Bit
	ISO15765_29Bit
	ISO14230
	ISO9141
	J1850VPW
	J1850PWM
	CANRaw
)

var protocolNames = map[Protocol]string{
	ProtocolAuto:   "auto",
	ISO15765_11Bit: "iso15765_11bit",
	ISO15765_29Bit: "iso15765_29bit",
	ISO14230:       "iso14230",
	ISO9141:        "iso9141",
	J1850VPW:       "j1850_vpw",
	J1850PWM:       "j1850_pwm",
	CANRaw:         "can_raw",
}

func (p Protocol) String() string {
	if s, ok := protocolNames[p]; ok {
		return s
	}
	return fmt.Sprintf("protocol(%d)", int(p))
}

func ParseProtocol(s string) (Protocol, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ProtocolAuto, nil
	}
	for p, name := range protocolNames {
		if name == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown protocol %q", s)
}

// IsCAN reports whether the protocol runs on a CAN bus.
func (p Protocol) IsCAN() bool {
	return p == ISO15765_11Bit || p == ISO15765_29Bit || p == CANRaw
}

// Is29Bit 29 位标识符协议
func (p Protocol) Is29Bit() bool { return p == ISO15765_29Bit }

// DefaultBaudrate returns the bus speed used when the caller leaves it at zero.
func (p Protocol) DefaultBaudrate() uint32 {
	switch p {
	case ISO15765_11Bit, ISO15765_29Bit, CANRaw:
		return 500_000
	case ISO14230, ISO9141:
		return 10_400
	case J1850VPW:
		return 10_400
	case J1850PWM:
		return 41_600
	}
	return 0
}

// Framing 描述通道上传输的是原始帧还是设备已经分段/重组好的完整报文。
type Framing int

const (
	FramingFrames   Framing = iota // 原始 CAN 帧，需要软件 ISO-TP
	FramingMessages                // 设备完成 ISO-TP，或 K-line 报文
)

func (f Framing) String() string {
	if f == FramingMessages {
		return "messages"
	}
	return "frames"
}

type Direction int

const (
	RX Direction = iota
	TX
)

func (d Direction) String() string {
	if d == TX {
		return "TX"
	}
	return "RX"
}

// Frame 是一帧（或 FramingMessages 通道上的一条完整报文）。抓取后不再修改，消费者拿到的是副本。
type Frame struct {
	ID        uint32
	Data      []byte
	Extended  bool
	FD        bool
	Timestamp time.Time
	Direction Direction
}

// Clone returns a deep copy.
func (f Frame) Clone() Frame {
	c := f
	c.Data = append([]byte(nil), f.Data...)
	return c
}

func (f Frame) String() string {
	id := fmt.Sprintf("%03X", f.ID)
	if f.Extended {
		id = fmt.Sprintf("%08X", f.ID)
	}
	return fmt.Sprintf("%s ID=0x%s DLC=%02d Data=% 02X", f.Direction, id, len(f.Data), f.Data)
}

// Filter is a mask/pattern pair. FlowControl is only used by ISO15765 filters.
type Filter struct {
	Mask        uint32
	Pattern     uint32
	FlowControl uint32
}

// Channel 由 Connect 创建，只属于一个会话。
type Channel struct {
	ID       uint32
	Kind     TransportKind
	Protocol Protocol
	Baudrate uint32
	Filters  []Filter
	Framing  Framing
	TxID     uint32
	RxID     uint32
	Monitor  bool
}

// ConnectFlags 与 J2534 的连接标志取值一致。
type ConnectFlags uint32

const (
	FlagCAN29BitID        ConnectFlags = 0x00000100
	FlagISO9141NoChecksum ConnectFlags = 0x00000200
	FlagCANIDBoth         ConnectFlags = 0x00000800
)

type ConnectOptions struct {
	Flags    ConnectFlags
	Baudrate uint32
	TxID     uint32
	RxID     uint32
	Monitor  bool
}

// IoctlID 驱动无关的控制命令
type IoctlID int

const (
	IoctlSetDataRate IoctlID = iota + 1
	IoctlSetLoopback
	IoctlSetISO15765BS
	IoctlSetISO15765STmin
	IoctlFiveBaudInit
	IoctlFastInit
	IoctlReadVBatt
	IoctlClearTxBuffer
	IoctlClearRxBuffer
)

func (id IoctlID) String() string {
	switch id {
	case IoctlSetDataRate:
		return "SET_CONFIG(DATA_RATE)"
	case IoctlSetLoopback:
		return "SET_CONFIG(LOOPBACK)"
	case IoctlSetISO15765BS:
		return "SET_CONFIG(ISO15765_BS)"
	case IoctlSetISO15765STmin:
		return "SET_CONFIG(ISO15765_STMIN)"
	case IoctlFiveBaudInit:
		return "FIVE_BAUD_INIT"
	case IoctlFastInit:
		return "FAST_INIT"
	case IoctlReadVBatt:
		return "READ_VBATT"
	case IoctlClearTxBuffer:
		return "CLEAR_TX_BUFFER"
	case IoctlClearRxBuffer:
		return "CLEAR_RX_BUFFER"
	}
	return fmt.Sprintf("ioctl(%d)", int(id))
}

// Driver 定义了所有物理通道的统一接口。Open 成功后的 Driver 即设备句柄。
type Driver interface {
	Kind() TransportKind
	Open(ctx context.Context) error
	Connect(p Protocol, opts ConnectOptions) (*Channel, error)
	Disconnect(ch *Channel) error
	Send(ch *Channel, f Frame) error
	// Receive 在 timeout 内没有数据时返回 ErrTimeout 类错误。
	Receive(ch *Channel, timeout time.Duration) (Frame, error)
	Ioctl(ch *Channel, id IoctlID, param uint32) (uint32, error)
	Close() error
}
