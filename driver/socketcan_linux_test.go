//go:build linux

package driver

import (
	"bytes"
	"errors"
	"testing"
)

func TestCANFrameLayout(t *testing.T) {
	tests := []struct {
		name string
		f    Frame
		want [canFrameSize]byte
	}{
		{
			name: "标准帧",
			f:    Frame{ID: 0x7E0, Data: []byte{0x02, 0x3E, 0x00}},
			want: [canFrameSize]byte{0xE0, 0x07, 0, 0, 3, 0, 0, 0, 0x02, 0x3E, 0x00},
		},
		{
			name: "扩展帧",
			f:    Frame{ID: 0x18DA10F1, Extended: true, Data: []byte{0x30}},
			want: [canFrameSize]byte{0xF1, 0x10, 0xDA, 0x98, 1, 0, 0, 0, 0x30},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf, err := encodeCANFrame(tt.f)
			if err != nil {
				t.Fatal(err)
			}
			if buf != tt.want {
				t.Errorf("编码不匹配\n期望: % 02X\n实际: % 02X", tt.want, buf)
			}
			f, ok := decodeCANFrame(buf[:])
			if !ok {
				t.Fatal("解码失败")
			}
			if f.ID != tt.f.ID || f.Extended != tt.f.Extended || !bytes.Equal(f.Data, tt.f.Data) {
				t.Errorf("往返不一致: %s", f)
			}
		})
	}
}

func TestCANFrameRejects(t *testing.T) {
	if _, err := encodeCANFrame(Frame{ID: 0x123, Data: make([]byte, 9)}); !errors.Is(err, ErrNotSupported) {
		t.Errorf("超过 8 字节应返回 NotSupported, 实际: %v", err)
	}
	errFrame := [canFrameSize]byte{0x01, 0x00, 0x00, 0x20}
	if _, ok := decodeCANFrame(errFrame[:]); ok {
		t.Error("错误帧应被丢弃")
	}
	if _, ok := decodeCANFrame([]byte{1, 2, 3}); ok {
		t.Error("长度不足应被丢弃")
	}
}

func TestSocketCAN_RejectsKLine(t *testing.T) {
	d := NewSocketCANDriver("vcan0")
	if _, err := d.Connect(ISO14230, ConnectOptions{}); !errors.Is(err, ErrNotSupported) {
		t.Errorf("K-line 应返回 NotSupported, 实际: %v", err)
	}
	if _, err := d.Connect(ISO15765_11Bit, ConnectOptions{}); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("未打开时应返回 DeviceNotFound, 实际: %v", err)
	}
}
