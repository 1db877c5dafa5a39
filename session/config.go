package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/LoveWonYoung/autodiag/driver"
	"github.com/LoveWonYoung/autodiag/tp"
	"github.com/LoveWonYoung/autodiag/udsclient"
)

// 默认 CAN 诊断 ID
const (
	DefaultTxID11         uint32 = 0x7E0
	DefaultRxID11         uint32 = 0x7E8
	DefaultFunctionalID11 uint32 = 0x7DF
	DefaultTxID29         uint32 = 0x18DA10F1
	DefaultRxID29         uint32 = 0x18DAF110
	DefaultFunctionalID29 uint32 = 0x18DB33F1
)

// DetectOrder 自动识别时的协议尝试顺序
var DetectOrder = []driver.Protocol{
	driver.ISO15765_11Bit,
	driver.ISO15765_29Bit,
	driver.ISO14230,
	driver.ISO9141,
}

// Recorder receives session events. A nil Recorder is allowed.
type Recorder interface {
	KeepAliveMissed(session string)
	StateChanged(session string, from, to State)
}

type Config struct {
	ID       string
	Protocol driver.Protocol
	Baudrate uint32
	Flags    driver.ConnectFlags

	// 为 0 时按协议取默认值
	TxID         uint32
	RxID         uint32
	FunctionalID uint32

	ISOTP tp.Config
	UDS   udsclient.Options

	KeepAliveInterval   time.Duration
	S3                  time.Duration
	MaxMissedKeepAlives int
	ProbeTimeout        time.Duration

	OpenAttempts   uint
	OpenRetryDelay time.Duration

	LockoutDelay   time.Duration
	MaxKeyAttempts int
	// Lockouts may be shared between sessions talking to the same ECU. Nil creates a private table.
	Lockouts *Lockouts

	Recorder Recorder
	// OnClient 每次建立新的 UDS 客户端后调用（Open 和 Reconfigure），在保活启动之前。
	OnClient func(*udsclient.Client)
}

func DefaultConfig() Config {
	return Config{
		Protocol:            driver.ProtocolAuto,
		ISOTP:               tp.DefaultConfig(),
		UDS:                 udsclient.DefaultOptions(),
		KeepAliveInterval:   2 * time.Second,
		S3:                  5 * time.Second,
		MaxMissedKeepAlives: 3,
		ProbeTimeout:        200 * time.Millisecond,
		OpenAttempts:        3,
		OpenRetryDelay:      500 * time.Millisecond,
		LockoutDelay:        10 * time.Second,
		MaxKeyAttempts:      3,
	}
}

// Validate 检查时序配置，keep-alive 周期必须严格小于 S3。
func (c Config) Validate() error {
	if c.KeepAliveInterval <= 0 {
		return errors.New("session: keep-alive interval must be positive")
	}
	if c.S3 <= 0 {
		return errors.New("session: S3 must be positive")
	}
	if c.KeepAliveInterval >= c.S3 {
		return fmt.Errorf("session: keep-alive interval %v must be shorter than S3 %v", c.KeepAliveInterval, c.S3)
	}
	if c.MaxMissedKeepAlives < 1 {
		return errors.New("session: max missed keep-alives must be at least 1")
	}
	if c.ProbeTimeout <= 0 {
		return errors.New("session: probe timeout must be positive")
	}
	if c.MaxKeyAttempts < 1 {
		return errors.New("session: max key attempts must be at least 1")
	}
	if c.LockoutDelay <= 0 {
		return errors.New("session: lockout delay must be positive")
	}
	return c.ISOTP.Validate()
}

// addressing 返回协议对应的 ISO-TP 地址与驱动连接参数
func (c Config) addressing(p driver.Protocol) (*tp.Address, driver.ConnectOptions, error) {
	opts := driver.ConnectOptions{Flags: c.Flags, Baudrate: c.Baudrate}
	tx, rx, fn := c.TxID, c.RxID, c.FunctionalID
	mode := tp.Normal11Bit

	if p.Is29Bit() || (p == driver.CANRaw && c.Flags&driver.FlagCAN29BitID != 0) {
		mode = tp.Normal29Bit
		opts.Flags |= driver.FlagCAN29BitID
		if tx <= 0x7FF || rx <= 0x7FF {
			tx, rx, fn = DefaultTxID29, DefaultRxID29, DefaultFunctionalID29
		}
	} else if tx == 0 || rx == 0 || tx > 0x7FF || rx > 0x7FF {
		tx, rx, fn = DefaultTxID11, DefaultRxID11, DefaultFunctionalID11
	}
	if fn == 0 {
		fn = tx
	}
	opts.TxID, opts.RxID = tx, rx

	addr, err := tp.NewAddress(mode, tp.WithTxID(tx), tp.WithRxID(rx), tp.WithFunctionalID(fn))
	return addr, opts, err
}
