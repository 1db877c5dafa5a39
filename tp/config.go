package tp

import (
	"fmt"
	"time"
)

// MaxClassicMessageLength 12 位首帧长度能表达的最大报文。
const MaxClassicMessageLength = 4095

// Config defines the timing and flow control parameters of a Transport.
type Config struct {
	// PaddingByte, if not nil, is used to pad frames to declared length (8 or the next CAN-FD size).
	PaddingByte *byte

	// Transmitter Side Timeouts
	TimeoutN_As time.Duration // Time for transmission of N_PDU on sender side
	TimeoutN_Bs time.Duration // Time until reception of FlowControl
	TimeoutN_Cs time.Duration // Time until transmission of next CF

	// Receiver Side Timeouts
	TimeoutN_Ar time.Duration // Time for transmission of N_PDU on receiver side
	TimeoutN_Br time.Duration // Time until transmission of FlowControl
	TimeoutN_Cr time.Duration // Time until reception of next CF

	// BlockSize advertised in our FC frames, 0 means unlimited.
	BlockSize int
	// StMin advertised in our FC frames.
	StMin time.Duration
	// OverrideStMin replaces the separation time requested by the remote FC when set.
	OverrideStMin *time.Duration

	// MaxWaitFrames is the number of FC(WAIT) tolerated in a row before giving up.
	MaxWaitFrames int
	// MaxRxLength bounds the length a remote first frame may declare.
	MaxRxLength int

	CanFD bool
}

// DefaultConfig returns the ISO 15765-2 recommended values.
func DefaultConfig() Config {
	return Config{
		PaddingByte: nil,

		TimeoutN_As: 1000 * time.Millisecond,
		TimeoutN_Bs: 1000 * time.Millisecond,
		TimeoutN_Cs: 1000 * time.Millisecond,

		TimeoutN_Ar: 1000 * time.Millisecond,
		TimeoutN_Br: 1000 * time.Millisecond,
		TimeoutN_Cr: 1000 * time.Millisecond,

		BlockSize:     0,
		StMin:         0,
		MaxWaitFrames: 10,
		MaxRxLength:   MaxClassicMessageLength,
	}
}

// Validate checks that every timeout is positive and that BS/STmin fit their wire encoding.
func (c Config) Validate() error {
	timeouts := map[string]time.Duration{
		"N_As": c.TimeoutN_As, "N_Bs": c.TimeoutN_Bs, "N_Cs": c.TimeoutN_Cs,
		"N_Ar": c.TimeoutN_Ar, "N_Br": c.TimeoutN_Br, "N_Cr": c.TimeoutN_Cr,
	}
	for name, d := range timeouts {
		if d <= 0 {
			return fmt.Errorf("tp: timeout %s must be positive, got %v", name, d)
		}
	}
	if c.BlockSize < 0 || c.BlockSize > 0xFF {
		return fmt.Errorf("tp: block size %d out of range 0..255", c.BlockSize)
	}
	if c.StMin < 0 || c.StMin > 127*time.Millisecond {
		return fmt.Errorf("tp: stmin %v out of range 0..127ms", c.StMin)
	}
	if c.MaxWaitFrames < 0 {
		return fmt.Errorf("tp: max wait frames must not be negative")
	}
	if c.MaxRxLength <= 0 {
		return fmt.Errorf("tp: max rx length must be positive")
	}
	return nil
}

func (c Config) maxDataLength() int {
	if c.CanFD {
		return 64
	}
	return 8
}
