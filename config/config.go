package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/LoveWonYoung/autodiag/driver"
	"github.com/LoveWonYoung/autodiag/logrecorder"
	"github.com/LoveWonYoung/autodiag/session"
	"github.com/LoveWonYoung/autodiag/tp"
	"github.com/LoveWonYoung/autodiag/udsclient"
)

type Config struct {
	TransportKind       string `yaml:"transport_kind"`
	DevicePathOrPort    string `yaml:"device_path_or_port"`
	Protocol            string `yaml:"protocol"`
	KeepAliveIntervalMs int    `yaml:"keep_alive_interval_ms"`
	// nil 表示使用默认值，0 表示不重试
	MaxRetries          *int   `yaml:"max_retries"`
	SecurityAlgorithmID string `yaml:"security_algorithm_id"`

	BaudRate uint32 `yaml:"baud_rate"`
	TxID     uint32 `yaml:"tx_id"`
	RxID     uint32 `yaml:"rx_id"`

	ISOTP    ISOTPConfig    `yaml:"isotp"`
	UDS      UDSConfig      `yaml:"uds"`
	Session  SessionConfig  `yaml:"session"`
	Security SecurityConfig `yaml:"security"`
	Sniffer  SnifferConfig  `yaml:"sniffer"`
	Store    StoreConfig    `yaml:"store"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Log      LogConfig      `yaml:"log"`
}

type ISOTPConfig struct {
	BlockSize     int  `yaml:"block_size"`
	StMinMs       int  `yaml:"st_min_ms"`
	NAsMs         int  `yaml:"n_as_ms"`
	NBsMs         int  `yaml:"n_bs_ms"`
	NCsMs         int  `yaml:"n_cs_ms"`
	NCrMs         int  `yaml:"n_cr_ms"`
	MaxWaitFrames int  `yaml:"max_wait_frames"`
	Padding       *int `yaml:"padding"`
}

type UDSConfig struct {
	P2Ms             int `yaml:"p2_ms"`
	P2StarMs         int `yaml:"p2_star_ms"`
	PendingCeilingMs int `yaml:"pending_ceiling_ms"`
	RetryDelayMs     int `yaml:"retry_delay_ms"`
}

type SessionConfig struct {
	S3Ms                int  `yaml:"s3_ms"`
	MaxMissedKeepAlives int  `yaml:"max_missed_keepalives"`
	ProbeTimeoutMs      int  `yaml:"probe_timeout_ms"`
	OpenAttempts        uint `yaml:"open_attempts"`
	OpenRetryDelayMs    int  `yaml:"open_retry_delay_ms"`
}

type SecurityConfig struct {
	Level       byte   `yaml:"level"`
	Param       string `yaml:"param"`
	LockoutMs   int    `yaml:"lockout_ms"`
	MaxAttempts int    `yaml:"max_attempts"`
}

// SnifferConfig 旁路设备，TransportKind 为空表示不启用
type SnifferConfig struct {
	TransportKind    string `yaml:"transport_kind"`
	DevicePathOrPort string `yaml:"device_path_or_port"`
	Protocol         string `yaml:"protocol"`
	BaudRate         uint32 `yaml:"baud_rate"`
	RingSize         int    `yaml:"ring_size"`
	GuardMs          int    `yaml:"guard_ms"`
}

type StoreConfig struct {
	Kind      string `yaml:"kind"`
	DSN       string `yaml:"dsn"`
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	Token     string `yaml:"token"`
	Database  string `yaml:"database"`
	Table     string `yaml:"table"`
	BatchSize int    `yaml:"batch_size"`
	FlushMs   int    `yaml:"flush_ms"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level         string `yaml:"level"`
	Dir           string `yaml:"dir"`
	RotateMinutes int    `yaml:"rotate_minutes"`
}

// 快照存储类型
const (
	StoreNone       = "none"
	StoreSQLite     = "sqlite"
	StoreClickHouse = "clickhouse"
	StoreInflux     = "influx"
)

func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

// Parse 解析 YAML，补全默认值并校验
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration for the mock transport with every default applied.
func Default() *Config {
	cfg := &Config{TransportKind: driver.KindMock.String()}
	cfg.applyDefaults()
	return cfg
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func (c *Config) applyDefaults() {
	sd := session.DefaultConfig()
	ud := udsclient.DefaultOptions()
	td := tp.DefaultConfig()

	if c.Protocol == "" {
		c.Protocol = driver.ProtocolAuto.String()
	}
	if c.KeepAliveIntervalMs == 0 {
		c.KeepAliveIntervalMs = int(sd.KeepAliveInterval / time.Millisecond)
	}
	if c.MaxRetries == nil {
		n := ud.MaxRetries
		c.MaxRetries = &n
	}
	if c.SecurityAlgorithmID == "" {
		c.SecurityAlgorithmID = "xor"
	}

	if c.ISOTP.NAsMs == 0 {
		c.ISOTP.NAsMs = int(td.TimeoutN_As / time.Millisecond)
	}
	if c.ISOTP.NBsMs == 0 {
		c.ISOTP.NBsMs = int(td.TimeoutN_Bs / time.Millisecond)
	}
	if c.ISOTP.NCsMs == 0 {
		c.ISOTP.NCsMs = int(td.TimeoutN_Cs / time.Millisecond)
	}
	if c.ISOTP.NCrMs == 0 {
		c.ISOTP.NCrMs = int(td.TimeoutN_Cr / time.Millisecond)
	}
	if c.ISOTP.MaxWaitFrames == 0 {
		c.ISOTP.MaxWaitFrames = td.MaxWaitFrames
	}

	if c.UDS.P2Ms == 0 {
		c.UDS.P2Ms = int(ud.P2 / time.Millisecond)
	}
	if c.UDS.P2StarMs == 0 {
		c.UDS.P2StarMs = int(ud.P2Star / time.Millisecond)
	}
	if c.UDS.PendingCeilingMs == 0 {
		c.UDS.PendingCeilingMs = int(ud.PendingCeiling / time.Millisecond)
	}
	if c.UDS.RetryDelayMs == 0 {
		c.UDS.RetryDelayMs = int(ud.RetryDelay / time.Millisecond)
	}

	if c.Session.S3Ms == 0 {
		c.Session.S3Ms = int(sd.S3 / time.Millisecond)
	}
	if c.Session.MaxMissedKeepAlives == 0 {
		c.Session.MaxMissedKeepAlives = sd.MaxMissedKeepAlives
	}
	if c.Session.ProbeTimeoutMs == 0 {
		c.Session.ProbeTimeoutMs = int(sd.ProbeTimeout / time.Millisecond)
	}
	if c.Session.OpenAttempts == 0 {
		c.Session.OpenAttempts = sd.OpenAttempts
	}
	if c.Session.OpenRetryDelayMs == 0 {
		c.Session.OpenRetryDelayMs = int(sd.OpenRetryDelay / time.Millisecond)
	}

	if c.Security.Level == 0 {
		c.Security.Level = 0x01
	}
	if c.Security.LockoutMs == 0 {
		c.Security.LockoutMs = int(sd.LockoutDelay / time.Millisecond)
	}
	if c.Security.MaxAttempts == 0 {
		c.Security.MaxAttempts = sd.MaxKeyAttempts
	}

	if c.Sniffer.RingSize == 0 {
		c.Sniffer.RingSize = 4096
	}
	if c.Sniffer.GuardMs == 0 {
		c.Sniffer.GuardMs = 50
	}
	if c.Sniffer.Protocol == "" {
		c.Sniffer.Protocol = driver.CANRaw.String()
	}

	if c.Store.Kind == "" {
		c.Store.Kind = StoreNone
	}
	if c.Store.Table == "" {
		c.Store.Table = "diag_frames"
	}
	if c.Store.BatchSize == 0 {
		c.Store.BatchSize = 100
	}
	if c.Store.FlushMs == 0 {
		c.Store.FlushMs = 1000
	}

	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9100"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.RotateMinutes == 0 {
		c.Log.RotateMinutes = 60
	}
}

func (c *Config) validate() error {
	if _, err := driver.ParseTransportKind(c.TransportKind); err != nil {
		return fmt.Errorf("transport_kind: %w", err)
	}
	if c.TransportKind != driver.KindMock.String() && c.DevicePathOrPort == "" {
		return errors.New("device_path_or_port is required")
	}
	if _, err := driver.ParseProtocol(c.Protocol); err != nil {
		return fmt.Errorf("protocol: %w", err)
	}
	if c.KeepAliveIntervalMs <= 0 {
		return errors.New("keep_alive_interval_ms must be positive")
	}
	if c.KeepAliveIntervalMs >= c.Session.S3Ms {
		return fmt.Errorf("keep_alive_interval_ms (%d) must be below session.s3_ms (%d)", c.KeepAliveIntervalMs, c.Session.S3Ms)
	}
	if *c.MaxRetries < 0 {
		return errors.New("max_retries must not be negative")
	}
	// 没有参数时算法在解锁时才构造
	if c.Security.Param != "" {
		if _, err := c.KeyAlgorithm(); err != nil {
			return fmt.Errorf("security_algorithm_id: %w", err)
		}
	}
	if c.Security.Level%2 == 0 || c.Security.Level > 0x7F {
		return fmt.Errorf("security.level 0x%02X must be an odd seed level", c.Security.Level)
	}
	if p := c.ISOTP.Padding; p != nil && (*p < 0 || *p > 0xFF) {
		return fmt.Errorf("isotp.padding %d out of range", *p)
	}
	if err := c.isotp().Validate(); err != nil {
		return fmt.Errorf("isotp: %w", err)
	}

	if c.Sniffer.TransportKind != "" {
		if _, err := driver.ParseTransportKind(c.Sniffer.TransportKind); err != nil {
			return fmt.Errorf("sniffer.transport_kind: %w", err)
		}
		if _, err := driver.ParseProtocol(c.Sniffer.Protocol); err != nil {
			return fmt.Errorf("sniffer.protocol: %w", err)
		}
	}

	switch strings.ToLower(c.Store.Kind) {
	case StoreNone:
	case StoreSQLite:
		if c.Store.DSN == "" {
			return errors.New("store.dsn is required for sqlite")
		}
	case StoreClickHouse, StoreInflux:
		if c.Store.Host == "" || c.Store.Database == "" {
			return fmt.Errorf("store.host and store.database are required for %s", c.Store.Kind)
		}
	default:
		return fmt.Errorf("unknown store.kind %q", c.Store.Kind)
	}
	if _, err := logrecorder.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

func (c *Config) isotp() tp.Config {
	cfg := tp.DefaultConfig()
	cfg.BlockSize = c.ISOTP.BlockSize
	cfg.StMin = ms(c.ISOTP.StMinMs)
	cfg.TimeoutN_As = ms(c.ISOTP.NAsMs)
	cfg.TimeoutN_Bs = ms(c.ISOTP.NBsMs)
	cfg.TimeoutN_Cs = ms(c.ISOTP.NCsMs)
	cfg.TimeoutN_Cr = ms(c.ISOTP.NCrMs)
	cfg.MaxWaitFrames = c.ISOTP.MaxWaitFrames
	if c.ISOTP.Padding != nil {
		b := byte(*c.ISOTP.Padding)
		cfg.PaddingByte = &b
	}
	return cfg
}

// Kind 主设备的传输类型，validate 之后不会失败
func (c *Config) Kind() driver.TransportKind {
	k, _ := driver.ParseTransportKind(c.TransportKind)
	return k
}

// KeyAlgorithm 按 security_algorithm_id 和 security.param 构造密钥算法
func (c *Config) KeyAlgorithm() (udsclient.KeyAlgorithm, error) {
	return udsclient.ParseAlgorithm(c.SecurityAlgorithmID, c.Security.Param)
}

// SessionConfig 转换为 session.Config。Lockouts 与 Recorder 由调用方设置。
func (c *Config) SessionConfig(id string) (session.Config, error) {
	p, err := driver.ParseProtocol(c.Protocol)
	if err != nil {
		return session.Config{}, err
	}
	sc := session.DefaultConfig()
	sc.ID = id
	sc.Protocol = p
	sc.Baudrate = c.BaudRate
	sc.TxID, sc.RxID = c.TxID, c.RxID
	sc.ISOTP = c.isotp()
	sc.UDS = udsclient.Options{
		P2:             ms(c.UDS.P2Ms),
		P2Star:         ms(c.UDS.P2StarMs),
		PendingCeiling: ms(c.UDS.PendingCeilingMs),
		MaxRetries:     *c.MaxRetries,
		RetryDelay:     ms(c.UDS.RetryDelayMs),
	}
	sc.KeepAliveInterval = ms(c.KeepAliveIntervalMs)
	sc.S3 = ms(c.Session.S3Ms)
	sc.MaxMissedKeepAlives = c.Session.MaxMissedKeepAlives
	sc.ProbeTimeout = ms(c.Session.ProbeTimeoutMs)
	sc.OpenAttempts = c.Session.OpenAttempts
	sc.OpenRetryDelay = ms(c.Session.OpenRetryDelayMs)
	sc.LockoutDelay = ms(c.Security.LockoutMs)
	sc.MaxKeyAttempts = c.Security.MaxAttempts
	return sc, sc.Validate()
}

// SnifferEnabled 是否配置了旁路设备
func (c *Config) SnifferEnabled() bool { return c.Sniffer.TransportKind != "" }

func (c *Config) FlushInterval() time.Duration { return ms(c.Store.FlushMs) }

func (c *Config) GuardInterval() time.Duration { return ms(c.Sniffer.GuardMs) }

func (c *Config) RotateInterval() time.Duration {
	return time.Duration(c.Log.RotateMinutes) * time.Minute
}
