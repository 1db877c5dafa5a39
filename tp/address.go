package tp

import "fmt"

// AddressingMode 定义了ISOTP支持的寻址模式
type AddressingMode int

const (
	Normal11Bit      AddressingMode = iota // 11位ID，无地址扩展
	Normal29Bit                            // 29位ID，无地址扩展
	NormalFixed29Bit                       // 29位ID，目标/源地址在ID中
	Extended11Bit                          // 11位ID，目标地址在数据负载第一字节
	Extended29Bit                          // 29位ID，目标地址在数据负载第一字节
	Mixed11Bit                             // 11位ID，地址扩展在数据负载第一字节
	Mixed29Bit                             // 29位ID，目标/源地址在ID中，地址扩展在数据负载第一字节
)

func (m AddressingMode) String() string {
	switch m {
	case Normal11Bit:
		return "normal_11bit"
	case Normal29Bit:
		return "normal_29bit"
	case NormalFixed29Bit:
		return "normal_fixed_29bit"
	case Extended11Bit:
		return "extended_11bit"
	case Extended29Bit:
		return "extended_29bit"
	case Mixed11Bit:
		return "mixed_11bit"
	case Mixed29Bit:
		return "mixed_29bit"
	}
	return fmt.Sprintf("addressing(%d)", int(m))
}

// AddressType 定义了寻址类型：物理或功能
type AddressType int

const (
	Physical AddressType = iota
	Functional
)

// Address 存储了所有与寻址相关的信息
type Address struct {
	AddressingMode AddressingMode

	// 用于 Normal, Extended, Mixed11 模式
	TxID uint32
	RxID uint32
	// FunctionalID 功能寻址请求使用的ID (例如 0x7DF)，为0时使用 TxID
	FunctionalID uint32

	// 用于 NormalFixed, Mixed29, Extended 模式
	TargetAddress byte // 目标ECU地址 (TA)
	SourceAddress byte // 源地址 (SA)

	// 用于 Mixed 模式
	AddressExtension byte

	// 自动计算的字段
	TxPayloadPrefix []byte // 发送时附加到数据负载的前缀
	RxPrefixSize    int    // 接收时需跳过的负载前缀大小
	is29Bit         bool
}

// NewAddress 是一个灵活的构造函数，用于创建地址对象
func NewAddress(mode AddressingMode, opts ...func(*Address)) (*Address, error) {
	addr := &Address{AddressingMode: mode}
	for _, opt := range opts {
		opt(addr)
	}

	switch mode {
	case Normal11Bit:
		if addr.TxID > 0x7FF || addr.RxID > 0x7FF {
			return nil, fmt.Errorf("tp: 11-bit address ids out of range: tx=0x%X rx=0x%X", addr.TxID, addr.RxID)
		}
	case Normal29Bit:
		addr.is29Bit = true
	case NormalFixed29Bit:
		addr.is29Bit = true
	case Extended11Bit:
		addr.TxPayloadPrefix = []byte{addr.TargetAddress}
		addr.RxPrefixSize = 1
	case Extended29Bit:
		addr.is29Bit = true
		addr.TxPayloadPrefix = []byte{addr.TargetAddress}
		addr.RxPrefixSize = 1
	case Mixed11Bit:
		addr.TxPayloadPrefix = []byte{addr.AddressExtension}
		addr.RxPrefixSize = 1
	case Mixed29Bit:
		addr.is29Bit = true
		addr.TxPayloadPrefix = []byte{addr.AddressExtension}
		addr.RxPrefixSize = 1
	default:
		return nil, fmt.Errorf("tp: unsupported addressing mode %d", mode)
	}

	return addr, nil
}

// MustAddress panics on an invalid address. Intended for constants in tests and examples.
func MustAddress(mode AddressingMode, opts ...func(*Address)) *Address {
	a, err := NewAddress(mode, opts...)
	if err != nil {
		panic(err)
	}
	return a
}

func WithTxID(id uint32) func(*Address) { return func(a *Address) { a.TxID = id } }
func WithRxID(id uint32) func(*Address) { return func(a *Address) { a.RxID = id } }
func WithFunctionalID(id uint32) func(*Address) { return func(a *Address) { a.FunctionalID = id } }
func WithTargetAddress(ta byte) func(*Address) { return func(a *Address) { a.TargetAddress = ta } }
func WithSourceAddress(sa byte) func(*Address) { return func(a *Address) { a.SourceAddress = sa } }
func WithAddressExtension(ae byte) func(*Address) {
	return func(a *Address) { a.AddressExtension = ae }
}

// GetTxArbitrationID 根据寻址模式和类型（物理/功能）计算发送ID
func (a *Address) GetTxArbitrationID(addrType AddressType) uint32 {
	switch a.AddressingMode {
	case NormalFixed29Bit:
		// 18DA[TA][SA] 物理, 18DB[TA][SA] 功能
		prefix := uint32(0x18DA0000)
		if addrType == Functional {
			prefix = 0x18DB0000
		}
		return prefix | (uint32(a.TargetAddress) << 8) | uint32(a.SourceAddress)
	case Mixed29Bit:
		// 18CE[TA][SA] 物理, 18CD[TA][SA] 功能
		prefix := uint32(0x18CE0000)
		if addrType == Functional {
			prefix = 0x18CD0000
		}
		return prefix | (uint32(a.TargetAddress) << 8) | uint32(a.SourceAddress)
	}
	if addrType == Functional && a.FunctionalID != 0 {
		return a.FunctionalID
	}
	return a.TxID
}

// RxArbitrationID is the id the remote node answers on.
func (a *Address) RxArbitrationID() uint32 {
	switch a.AddressingMode {
	case NormalFixed29Bit:
		return 0x18DA0000 | (uint32(a.SourceAddress) << 8) | uint32(a.TargetAddress)
	case Mixed29Bit:
		return 0x18CE0000 | (uint32(a.SourceAddress) << 8) | uint32(a.TargetAddress)
	}
	return a.RxID
}

// Reversed returns the address as seen from the remote node. Handy for building an ECU-side stack.
func (a *Address) Reversed() *Address {
	r := *a
	r.TxID, r.RxID = a.RxID, a.TxID
	r.TargetAddress, r.SourceAddress = a.SourceAddress, a.TargetAddress
	switch a.AddressingMode {
	case Extended11Bit, Extended29Bit:
		r.TxPayloadPrefix = []byte{r.TargetAddress}
	}
	return &r
}

// IsForMe 检查收到的CAN报文是否是发给本节点的
func (a *Address) IsForMe(msg *CanMessage) bool {
	if msg.IsExtendedID != a.is29Bit {
		return false
	}

	switch a.AddressingMode {
	case Normal11Bit, Normal29Bit:
		return msg.ArbitrationID == a.RxID
	case NormalFixed29Bit:
		return msg.ArbitrationID == a.RxArbitrationID()
	case Extended11Bit, Extended29Bit:
		if msg.ArbitrationID != a.RxID || len(msg.Data) < 1 {
			return false
		}
		// 对端的 TA 就是我们的 SA
		return msg.Data[0] == a.SourceAddress
	case Mixed11Bit:
		if msg.ArbitrationID != a.RxID || len(msg.Data) < 1 {
			return false
		}
		return msg.Data[0] == a.AddressExtension
	case Mixed29Bit:
		if msg.ArbitrationID != a.RxArbitrationID() || len(msg.Data) < 1 {
			return false
		}
		return msg.Data[0] == a.AddressExtension
	}
	return false
}

// Is29Bit 返回当前模式是否为29位
func (a *Address) Is29Bit() bool {
	return a.is29Bit
}
