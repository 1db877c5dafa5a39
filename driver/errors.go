package driver

import (
	"errors"
	"fmt"
)

// ErrorKind 传输层错误分类
type ErrorKind int

const (
	DeviceNotFound ErrorKind = iota + 1
	MissingSymbol
	PermissionDenied
	Timeout
	LinkDown
	NotSupported
	// DeviceError 设备报告的一般性失败，链路仍然可用
	DeviceError
)

func (k ErrorKind) String() string {
	switch k {
	case DeviceNotFound:
		return "device not found"
	case MissingSymbol:
		return "missing symbol"
	case PermissionDenied:
		return "permission denied"
	case Timeout:
		return "timeout"
	case LinkDown:
		return "link down"
	case NotSupported:
		return "not supported"
	case DeviceError:
		return "device error"
	}
	return fmt.Sprintf("error kind %d", int(k))
}

var (
	ErrDeviceNotFound   = errors.New("driver: device not found")
	ErrMissingSymbol    = errors.New("driver: missing symbol")
	ErrPermissionDenied = errors.New("driver: permission denied")
	ErrTimeout          = errors.New("driver: timeout")
	ErrLinkDown         = errors.New("driver: link down")
	ErrNotSupported     = errors.New("driver: not supported")
	ErrDeviceError      = errors.New("driver: device error")
)

var kindSentinels = map[ErrorKind]error{
	DeviceNotFound:   ErrDeviceNotFound,
	MissingSymbol:    ErrMissingSymbol,
	PermissionDenied: ErrPermissionDenied,
	Timeout:          ErrTimeout,
	LinkDown:         ErrLinkDown,
	NotSupported:     ErrNotSupported,
	DeviceError:      ErrDeviceError,
}

// TransportError 所有驱动共用的错误类型。Symbol 只在 MissingSymbol 时有值。
type TransportError struct {
	Kind   ErrorKind
	Op     string
	Symbol string
	Err    error
}

func (e *TransportError) Error() string {
	msg := e.Kind.String()
	if e.Symbol != "" {
		msg += " " + e.Symbol
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return "driver: " + msg
}

func (e *TransportError) Unwrap() error { return e.Err }

// Is lets errors.Is match the kind sentinels.
func (e *TransportError) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

func (e *TransportError) Timeout() bool { return e.Kind == Timeout }

func newError(kind ErrorKind, op string, err error) *TransportError {
	return &TransportError{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first TransportError in err's chain, or 0.
func KindOf(err error) ErrorKind {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Kind
	}
	return 0
}

// IsTimeout 接收超时不是错误，调用方通常只需要继续等待。
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
