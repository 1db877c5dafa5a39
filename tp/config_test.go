package tp

import (
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"默认配置", func(*Config) {}, false},
		{"N_As 为零", func(c *Config) { c.TimeoutN_As = 0 }, true},
		{"N_Cr 为负", func(c *Config) { c.TimeoutN_Cr = -time.Second }, true},
		{"BS 超出范围", func(c *Config) { c.BlockSize = 256 }, true},
		{"STmin 超出范围", func(c *Config) { c.StMin = 128 * time.Millisecond }, true},
		{"STmin 127ms", func(c *Config) { c.StMin = 127 * time.Millisecond }, false},
		{"MaxWaitFrames 为负", func(c *Config) { c.MaxWaitFrames = -1 }, true},
		{"MaxRxLength 为零", func(c *Config) { c.MaxRxLength = 0 }, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestSTminEncoding(t *testing.T) {
	tests := []struct {
		d    time.Duration
		b    byte
		back time.Duration
	}{
		{0, 0x00, 0},
		{10 * time.Millisecond, 0x0A, 10 * time.Millisecond},
		{127 * time.Millisecond, 0x7F, 127 * time.Millisecond},
		{100 * time.Microsecond, 0xF1, 100 * time.Microsecond},
		{900 * time.Microsecond, 0xF9, 900 * time.Microsecond},
		{50 * time.Microsecond, 0xF1, 100 * time.Microsecond},
		{time.Second, 0x7F, 127 * time.Millisecond},
	}
	for _, tc := range tests {
		if got := encodeSTmin(tc.d); got != tc.b {
			t.Errorf("encodeSTmin(%v) = 0x%02X, 期望 0x%02X", tc.d, got, tc.b)
		}
		if got := decodeSTmin(tc.b); got != tc.back {
			t.Errorf("decodeSTmin(0x%02X) = %v, 期望 %v", tc.b, got, tc.back)
		}
	}
	// 保留值按 127ms 处理
	if got := decodeSTmin(0x80); got != 127*time.Millisecond {
		t.Errorf("保留值解码错误: %v", got)
	}
}

func TestNearestCanFdSize(t *testing.T) {
	cases := map[int]int{1: 8, 8: 8, 9: 12, 13: 16, 33: 48, 64: 64, 70: 64}
	for in, want := range cases {
		if got := nearestCanFdSize(in); got != want {
			t.Errorf("nearestCanFdSize(%d) = %d, 期望 %d", in, got, want)
		}
	}
}

func TestAddressArbitrationIDs(t *testing.T) {
	fixed := MustAddress(NormalFixed29Bit, WithTargetAddress(0x10), WithSourceAddress(0xF1))
	if got := fixed.GetTxArbitrationID(Physical); got != 0x18DA10F1 {
		t.Errorf("物理寻址ID错误: %X", got)
	}
	if got := fixed.GetTxArbitrationID(Functional); got != 0x18DB10F1 {
		t.Errorf("功能寻址ID错误: %X", got)
	}
	if got := fixed.RxArbitrationID(); got != 0x18DAF110 {
		t.Errorf("接收ID错误: %X", got)
	}
	if !fixed.IsForMe(&CanMessage{ArbitrationID: 0x18DAF110, IsExtendedID: true, Data: []byte{0x01}}) {
		t.Error("应当接受对端响应")
	}
	if fixed.IsForMe(&CanMessage{ArbitrationID: 0x18DAF110, Data: []byte{0x01}}) {
		t.Error("标准帧不应匹配29位地址")
	}

	if _, err := NewAddress(Normal11Bit, WithTxID(0x800)); err == nil {
		t.Error("11位地址超出范围应当失败")
	}
}
