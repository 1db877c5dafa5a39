package tp

import "errors"

// messageOrDefault returns msg if present, otherwise fallback.
func messageOrDefault(msg, fallback string) string {
	if msg != "" {
		return msg
	}
	return fallback
}

// IsoTpError is the base of every error raised by the transport layer.
type IsoTpError struct {
	msg string
}

func NewIsoTpError(msg string) IsoTpError {
	return IsoTpError{msg: msg}
}

func (e IsoTpError) Error() string {
	return messageOrDefault(e.msg, "ISO-TP error")
}

// OverflowError 对端返回 FC(OVFLOW)，或首帧声明的长度超过本端接收上限。
type OverflowError struct {
	IsoTpError
}

func (e OverflowError) Error() string {
	return messageOrDefault(e.msg, "remote node reported overflow")
}

// SequenceMismatchError 连续帧序列号不符，接收被中止。
type SequenceMismatchError struct {
	IsoTpError
	Expected int
	Got      int
}

func (e SequenceMismatchError) Error() string {
	return messageOrDefault(e.msg, "wrong sequence number in consecutive frame")
}

// WaitExceededError 收到的 FC(WAIT) 数量超过 MaxWaitFrames。
type WaitExceededError struct {
	IsoTpError
}

func (e WaitExceededError) Error() string {
	return messageOrDefault(e.msg, "maximum wait flow control frames reached")
}

// FlowControlTimeoutError N_Bs 内没有收到流控帧。
type FlowControlTimeoutError struct {
	IsoTpError
}

func (e FlowControlTimeoutError) Error() string {
	return messageOrDefault(e.msg, "flow control frame not received in time")
}

func (FlowControlTimeoutError) Timeout() bool { return true }

// ConsecutiveFrameTimeoutError N_Cr 内没有收到下一帧连续帧。
type ConsecutiveFrameTimeoutError struct {
	IsoTpError
}

func (e ConsecutiveFrameTimeoutError) Error() string {
	return messageOrDefault(e.msg, "consecutive frame not received in time")
}

func (ConsecutiveFrameTimeoutError) Timeout() bool { return true }

// TransmitTimeoutError 帧在 N_As/N_Cs 内没有交给链路层。
type TransmitTimeoutError struct {
	IsoTpError
}

func (e TransmitTimeoutError) Error() string {
	return messageOrDefault(e.msg, "frame not handed to the link in time")
}

func (TransmitTimeoutError) Timeout() bool { return true }

type InvalidCanDataError struct {
	IsoTpError
}

func (e InvalidCanDataError) Error() string {
	return messageOrDefault(e.msg, "invalid CAN data received")
}

type InvalidFlowStatusError struct {
	IsoTpError
}

func (e InvalidFlowStatusError) Error() string {
	return messageOrDefault(e.msg, "invalid flow status in flow control frame")
}

type UnexpectedConsecutiveFrameError struct {
	IsoTpError
}

func (e UnexpectedConsecutiveFrameError) Error() string {
	return messageOrDefault(e.msg, "unexpected consecutive frame received")
}

type ReceptionInterruptedError struct {
	IsoTpError
}

func (e ReceptionInterruptedError) Error() string {
	return messageOrDefault(e.msg, "reception interrupted by a new single or first frame")
}

type FrameTooLongError struct {
	IsoTpError
}

func (e FrameTooLongError) Error() string {
	return messageOrDefault(e.msg, "payload exceeds the maximum message size")
}

// IsTimeout reports whether err is one of the transport layer timeouts.
func IsTimeout(err error) bool {
	var fc FlowControlTimeoutError
	var cf ConsecutiveFrameTimeoutError
	var tx TransmitTimeoutError
	return errors.As(err, &fc) || errors.As(err, &cf) || errors.As(err, &tx)
}
