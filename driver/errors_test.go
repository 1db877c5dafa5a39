package driver

import (
	"errors"
	"fmt"
	"testing"
)

func TestTransportError_IsSentinel(t *testing.T) {
	tests := []struct {
		kind     ErrorKind
		sentinel error
	}{
		{DeviceNotFound, ErrDeviceNotFound},
		{MissingSymbol, ErrMissingSymbol},
		{PermissionDenied, ErrPermissionDenied},
		{Timeout, ErrTimeout},
		{LinkDown, ErrLinkDown},
		{NotSupported, ErrNotSupported},
		{DeviceError, ErrDeviceError},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			err := fmt.Errorf("session: %w", newError(tt.kind, "open", errors.New("cause")))
			if !errors.Is(err, tt.sentinel) {
				t.Errorf("errors.Is(%v) 应为 true", tt.sentinel)
			}
			if KindOf(err) != tt.kind {
				t.Errorf("KindOf 期望: %v 实际: %v", tt.kind, KindOf(err))
			}
			for _, other := range tests {
				if other.kind != tt.kind && errors.Is(err, other.sentinel) {
					t.Errorf("不应匹配 %v", other.sentinel)
				}
			}
		})
	}
}

func TestTransportError_Message(t *testing.T) {
	err := &TransportError{Kind: MissingSymbol, Op: "load", Symbol: "PassThruIoctl", Err: errors.New("not found")}
	want := "driver: load: missing symbol PassThruIoctl: not found"
	if err.Error() != want {
		t.Errorf("期望: %s\n实际: %s", want, err.Error())
	}
	if !errors.Is(err, err.Err) {
		t.Error("应能解包到底层错误")
	}
}

func TestIsTimeout(t *testing.T) {
	if !IsTimeout(newError(Timeout, "receive", nil)) {
		t.Error("Timeout 类错误应返回 true")
	}
	if IsTimeout(newError(LinkDown, "receive", nil)) || IsTimeout(nil) || IsTimeout(errors.New("x")) {
		t.Error("非超时错误应返回 false")
	}
	if KindOf(errors.New("plain")) != 0 {
		t.Error("普通错误的 KindOf 应为 0")
	}
}

func TestParseTransportKindAndProtocol(t *testing.T) {
	kinds := map[string]TransportKind{
		"j2534": KindJ2534, "ELM327": KindSerialAT, "serial_at": KindSerialAT,
		"can_socket": KindCANSocket, "socketcan": KindCANSocket, "mock": KindMock,
	}
	for s, want := range kinds {
		if got, err := ParseTransportKind(s); err != nil || got != want {
			t.Errorf("ParseTransportKind(%q) 期望: %v 实际: %v (%v)", s, want, got, err)
		}
	}
	if _, err := ParseTransportKind("usb"); err == nil {
		t.Error("未知类型应返回错误")
	}

	for _, p := range []Protocol{ProtocolAuto, ISO15765_11Bit, ISO15765_29Bit, ISO14230, ISO9141, J1850VPW, J1850PWM, CANRaw} {
		got, err := ParseProtocol(p.String())
		if err != nil || got != p {
			t.Errorf("ParseProtocol(%q) 期望: %v 实际: %v (%v)", p.String(), p, got, err)
		}
	}
}
