package udsclient

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/LoveWonYoung/autodiag/driver"
)

func TestReadDataByIdentifier_MultipleDIDs(t *testing.T) {
	link := newFakeLink(respond([]byte{0x62, 0xF1, 0x90, 0x41, 0x42, 0x43, 0xF1, 0x87, 0x01, 0x02, 0x03, 0x04}))
	opts := fastOptions()
	opts.DIDLengths = map[uint16]int{0xF190: 3}
	c := NewClient(link, opts)

	got, err := c.ReadDataByIdentifier(context.Background(), 0xF190, 0xF187)
	if err != nil {
		t.Fatalf("读取失败: %v", err)
	}
	if !bytes.Equal(got[0xF190], []byte("ABC")) || !bytes.Equal(got[0xF187], []byte{1, 2, 3, 4}) {
		t.Errorf("拆分结果错误: %v", got)
	}
	if sent := link.Sent(); !bytes.Equal(sent[0], []byte{0x22, 0xF1, 0x90, 0xF1, 0x87}) {
		t.Errorf("请求错误: % 02X", sent[0])
	}
}

func TestReadDataByIdentifier_Errors(t *testing.T) {
	c := NewClient(newFakeLink(respond([]byte{0x62, 0xF1, 0x90, 0x41})), fastOptions())
	if _, err := c.ReadDataByIdentifier(context.Background()); err == nil {
		t.Error("空 DID 列表应报错")
	}
	if _, err := c.ReadDataByIdentifier(context.Background(), 0xF190, 0xF187); err == nil {
		t.Error("缺少 DID 长度表时应报错")
	}

	opts := fastOptions()
	opts.DIDLengths = map[uint16]int{0xF190: 5}
	c = NewClient(newFakeLink(respond([]byte{0x62, 0xF1, 0x90, 0x41, 0xF1, 0x87, 0x01})), opts)
	if _, err := c.ReadDataByIdentifier(context.Background(), 0xF190, 0xF187); !errors.Is(err, ErrMalformedResponse) {
		t.Errorf("数据不足应返回 MalformedResponse, 实际: %v", err)
	}
}

func TestDTCString(t *testing.T) {
	tests := []struct {
		code uint32
		want string
	}{
		{0x012300, "P0123"},
		{0x012345, "P0123-45"},
		{0x4A1B00, "C0A1B"},
		{0x9234FF, "B1234-FF"},
		{0xE10300, "U2103"},
	}
	for _, tc := range tests {
		t.Run(tc.want, func(t *testing.T) {
			if got := (DTC{Code: tc.code}).String(); got != tc.want {
				t.Errorf("DTC 0x%06X: 期望 %s, 实际 %s", tc.code, tc.want, got)
			}
		})
	}
}

func TestReadDTCs(t *testing.T) {
	c, ecu := newStack(t, driver.ISO15765_11Bit)
	ecu.SetDTCs(
		driver.MockDTC{Code: 0x012345, Status: 0x09},
		driver.MockDTC{Code: 0xE10300, Status: 0x08},
		driver.MockDTC{Code: 0x0A0B0C, Status: 0x01},
	)
	ctx := context.Background()

	count, err := c.ReadDTCCount(ctx, 0x08)
	if err != nil {
		t.Fatal(err)
	}
	if count.Count != 2 || count.StatusAvailability != 0xFF || count.Format != 0x01 {
		t.Errorf("DTC 数量错误: %+v", count)
	}

	dtcs, err := c.ReadDTCsByStatus(ctx, 0x08)
	if err != nil {
		t.Fatal(err)
	}
	if len(dtcs) != 2 || dtcs[0].String() != "P0123-45" || dtcs[1].String() != "U2103" || dtcs[0].Status != 0x09 {
		t.Errorf("DTC 列表错误: %v", dtcs)
	}

	if err := c.ClearDiagnosticInformation(ctx, GroupAllDTCs); err != nil {
		t.Fatal(err)
	}
	if count, _ = c.ReadDTCCount(ctx, 0xFF); count.Count != 0 {
		t.Errorf("清除后仍有 %d 个 DTC", count.Count)
	}
	if err := c.ClearDiagnosticInformation(ctx, 0x1000000); err == nil {
		t.Error("超出 3 字节的组应报错")
	}
}

func TestReadDTCsByStatus_Malformed(t *testing.T) {
	c := NewClient(newFakeLink(respond([]byte{0x59, 0x02, 0xFF, 0x01, 0x23})), fastOptions())
	if _, err := c.ReadDTCsByStatus(context.Background(), 0xFF); !errors.Is(err, ErrMalformedResponse) {
		t.Errorf("期望 MalformedResponse, 实际: %v", err)
	}
}

func TestSecurityAccessPrimitives(t *testing.T) {
	c, _ := newStack(t, driver.ISO15765_11Bit)
	ctx := context.Background()

	if _, err := c.RequestSeed(ctx, 0x02); err == nil {
		t.Error("偶数等级应被拒绝")
	}
	seed, err := c.RequestSeed(ctx, 0x01)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(seed, []byte{0x12, 0x34}) {
		t.Fatalf("种子错误: % 02X", seed)
	}

	err = c.SendKey(ctx, 0x01, []byte{0x00, 0x00})
	if nrc, ok := NRCOf(err); !ok || nrc != NRCInvalidKey {
		t.Errorf("错误密钥应返回 0x35, 实际: %v", err)
	}

	key, _ := XORAlgorithm{Constant: []byte{0xAB, 0xCD}}.Key(seed, 0x01)
	if err := c.SendKey(ctx, 0x01, key); err != nil {
		t.Fatalf("正确密钥被拒绝: %v", err)
	}
	if seed, _ = c.RequestSeed(ctx, 0x01); !bytes.Equal(seed, []byte{0, 0}) {
		t.Errorf("解锁后种子应为零, 实际: % 02X", seed)
	}
}

func TestDiagnosticSessionControl(t *testing.T) {
	c, _ := newStack(t, driver.ISO15765_11Bit)
	timing, err := c.DiagnosticSessionControl(context.Background(), ExtendedSession)
	if err != nil {
		t.Fatal(err)
	}
	if timing.P2 != 50*time.Millisecond || timing.P2Star != 5*time.Second {
		t.Errorf("会话时序错误: %+v", timing)
	}

	short := NewClient(newFakeLink(respond([]byte{0x50, 0x01})), fastOptions())
	timing, err = short.DiagnosticSessionControl(context.Background(), DefaultSession)
	if err != nil || timing != (SessionTiming{}) {
		t.Errorf("短响应应返回零时序: %+v %v", timing, err)
	}
}
