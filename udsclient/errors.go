package udsclient

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNegativeResponse        = errors.New("udsclient: negative response")
	ErrMalformedResponse       = errors.New("udsclient: malformed response")
	ErrResponsePendingExceeded = errors.New("udsclient: response pending ceiling exceeded")
	ErrNoResponse              = errors.New("udsclient: no response")
	ErrClientClosed            = errors.New("udsclient: client closed")
)

// NegativeResponseError 表示 UDS 负响应错误
type NegativeResponseError struct {
	ServiceID byte // 原始服务 ID
	NRC       byte // 负响应码
}

func (e *NegativeResponseError) Error() string {
	return fmt.Sprintf("UDS 负响应: SID=0x%02X, NRC=0x%02X (%s)", e.ServiceID, e.NRC, NRCDescription(e.NRC))
}

func (e *NegativeResponseError) Is(target error) bool { return target == ErrNegativeResponse }

// IsRetryable 判断该错误是否可以重试
func (e *NegativeResponseError) IsRetryable() bool {
	switch e.NRC {
	case NRCBusyRepeatRequest, NRCResponsePending:
		return true
	default:
		return false
	}
}

// MalformedResponseError 正响应的 SID 或回显字节与请求不符，或长度不足。
type MalformedResponseError struct {
	ServiceID byte
	Response  []byte
	Reason    string
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("udsclient: malformed response to 0x%02X: %s (% 02X)", e.ServiceID, e.Reason, e.Response)
}

func (e *MalformedResponseError) Is(target error) bool { return target == ErrMalformedResponse }

// ResponsePendingExceededError ECU 持续回复 0x78 超过了 PendingCeiling。
type ResponsePendingExceededError struct {
	ServiceID byte
	Pending   int
	Elapsed   time.Duration
}

func (e *ResponsePendingExceededError) Error() string {
	return fmt.Sprintf("udsclient: 0x%02X still pending after %d responses (%v)", e.ServiceID, e.Pending, e.Elapsed.Round(time.Millisecond))
}

func (e *ResponsePendingExceededError) Is(target error) bool {
	return target == ErrResponsePendingExceeded
}

func (*ResponsePendingExceededError) Timeout() bool { return true }

// ResponseTimeoutError P2 (或 P2*) 内没有收到任何响应。
type ResponseTimeoutError struct {
	ServiceID byte
	Wait      time.Duration
}

func (e *ResponseTimeoutError) Error() string {
	return fmt.Sprintf("udsclient: 等待 0x%02X 响应超时 (%v)", e.ServiceID, e.Wait)
}

func (e *ResponseTimeoutError) Is(target error) bool { return target == ErrNoResponse }

func (*ResponseTimeoutError) Timeout() bool { return true }

// NRCOf returns the NRC carried by err, if any.
func NRCOf(err error) (byte, bool) {
	var nr *NegativeResponseError
	if errors.As(err, &nr) {
		return nr.NRC, true
	}
	return 0, false
}
