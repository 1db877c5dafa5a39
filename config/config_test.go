package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/LoveWonYoung/autodiag/driver"
	"github.com/LoveWonYoung/autodiag/udsclient"
)

func writeConfig(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "autodiag.yaml")
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
transport_kind: serial_at
device_path_or_port: /dev/ttyUSB0
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Kind() != driver.KindSerialAT || cfg.Protocol != "auto" {
		t.Errorf("kind=%v protocol=%s", cfg.Kind(), cfg.Protocol)
	}
	if cfg.KeepAliveIntervalMs != 2000 || cfg.Session.S3Ms != 5000 {
		t.Errorf("keep-alive=%d s3=%d", cfg.KeepAliveIntervalMs, cfg.Session.S3Ms)
	}
	if *cfg.MaxRetries != 3 || cfg.UDS.P2Ms != 500 || cfg.UDS.P2StarMs != 5000 {
		t.Errorf("uds 默认值错误: retries=%d %+v", *cfg.MaxRetries, cfg.UDS)
	}
	if cfg.Store.Kind != StoreNone || cfg.Metrics.Addr != ":9100" || cfg.Sniffer.GuardMs != 50 {
		t.Errorf("store=%s metrics=%s guard=%d", cfg.Store.Kind, cfg.Metrics.Addr, cfg.Sniffer.GuardMs)
	}
	if cfg.SnifferEnabled() {
		t.Error("未配置旁路设备时不应启用")
	}
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
transport_kind: j2534
device_path_or_port: C:\Windows\System32\op20pt32.dll
protocol: iso15765_29bit
keep_alive_interval_ms: 1500
max_retries: 0
security_algorithm_id: cmac
baud_rate: 250000
tx_id: 0x18DA10F1
rx_id: 0x18DAF110
isotp:
  block_size: 8
  st_min_ms: 10
  padding: 0xAA
uds:
  p2_ms: 100
session:
  s3_ms: 4000
security:
  level: 0x03
  param: 2b7e151628aed2a6abf7158809cf4f3c:4
sniffer:
  transport_kind: can_socket
  device_path_or_port: can0
  guard_ms: 80
store:
  kind: sqlite
  dsn: file:diag.db
log:
  level: debug
  rotate_minutes: 30
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	sc, err := cfg.SessionConfig("primary")
	if err != nil {
		t.Fatal(err)
	}
	if sc.ID != "primary" || sc.Protocol != driver.ISO15765_29Bit || sc.TxID != 0x18DA10F1 || sc.RxID != 0x18DAF110 {
		t.Errorf("session config: %+v", sc)
	}
	if sc.KeepAliveInterval != 1500*time.Millisecond || sc.S3 != 4*time.Second {
		t.Errorf("keep-alive=%v s3=%v", sc.KeepAliveInterval, sc.S3)
	}
	if sc.UDS.MaxRetries != 0 || sc.UDS.P2 != 100*time.Millisecond {
		t.Errorf("uds: %+v", sc.UDS)
	}
	if sc.ISOTP.BlockSize != 8 || sc.ISOTP.StMin != 10*time.Millisecond || sc.ISOTP.PaddingByte == nil || *sc.ISOTP.PaddingByte != 0xAA {
		t.Errorf("isotp: %+v", sc.ISOTP)
	}

	alg, err := cfg.KeyAlgorithm()
	if err != nil {
		t.Fatal(err)
	}
	if c, ok := alg.(udsclient.CMACAlgorithm); !ok || c.Size != 4 {
		t.Errorf("期望 4 字节 CMAC, 实际 %#v", alg)
	}
	if !cfg.SnifferEnabled() || cfg.GuardInterval() != 80*time.Millisecond {
		t.Errorf("sniffer: %+v", cfg.Sniffer)
	}
	if cfg.RotateInterval() != 30*time.Minute {
		t.Errorf("rotate=%v", cfg.RotateInterval())
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"未知传输类型", "transport_kind: usb", "transport_kind"},
		{"缺少设备路径", "transport_kind: j2534", "device_path_or_port"},
		{"未知协议", "transport_kind: mock\nprotocol: flexray", "protocol"},
		{"keep-alive 不小于 S3", "transport_kind: mock\nkeep_alive_interval_ms: 5000", "s3_ms"},
		{"负重试次数", "transport_kind: mock\nmax_retries: -1", "max_retries"},
		{"算法参数错误", "transport_kind: mock\nsecurity:\n  param: zz", "security_algorithm_id"},
		{"偶数安全等级", "transport_kind: mock\nsecurity:\n  level: 2", "security.level"},
		{"填充字节越界", "transport_kind: mock\nisotp:\n  padding: 300", "padding"},
		{"STmin 越界", "transport_kind: mock\nisotp:\n  st_min_ms: 200", "isotp"},
		{"旁路类型错误", "transport_kind: mock\nsniffer:\n  transport_kind: usb", "sniffer.transport_kind"},
		{"sqlite 缺少 dsn", "transport_kind: mock\nstore:\n  kind: sqlite", "store.dsn"},
		{"influx 缺少 host", "transport_kind: mock\nstore:\n  kind: influx", "store.host"},
		{"未知存储", "transport_kind: mock\nstore:\n  kind: redis", "store.kind"},
		{"日志级别", "transport_kind: mock\nlog:\n  level: verbose", "log.level"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			if err == nil {
				t.Fatal("期望校验失败")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("错误信息应包含 %q, 实际: %v", tc.want, err)
			}
		})
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.validate(); err != nil {
		t.Fatalf("默认配置应合法: %v", err)
	}
	if _, err := cfg.SessionConfig("mock"); err != nil {
		t.Fatal(err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); !os.IsNotExist(err) {
		t.Errorf("期望文件不存在错误, 实际: %v", err)
	}
}
