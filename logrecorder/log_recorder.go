package logrecorder

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// NowString 返回当前时间格式为 "20060102_1504" 的字符串
func NowString() string {
	return time.Now().Format("20060102_1504")
}

// MakeDir 在 base 下创建以日期命名的目录（如：2025_04_25）
func MakeDir(base string) (string, error) {
	now := time.Now()
	dirName := fmt.Sprintf("%d_%02d_%02d", now.Year(), now.Month(), now.Day())
	fullPath := filepath.Join(base, dirName)

	if err := os.MkdirAll(fullPath, 0o755); err != nil {
		return "", fmt.Errorf("创建文件夹失败: %w", err)
	}
	return fullPath, nil
}

// Logger 返回带 component 属性的默认 logger。
func Logger(component string) *slog.Logger {
	return slog.Default().With("component", component)
}

// ParseLevel accepts debug, info, warn and error. Empty means info.
func ParseLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unsupported log level: %q", raw)
}

type Options struct {
	// Dir 为空时只输出到 Stdout
	Dir    string
	Name   string
	Level  string
	Rotate time.Duration
	Stdout io.Writer
}

// Manager owns the process logger and the lifecycle of the current log file.
type Manager struct {
	mu     sync.Mutex
	opts   Options
	level  slog.LevelVar
	file   *os.File
	path   string
	logger *slog.Logger
}

func NewManager(opts Options) (*Manager, error) {
	if opts.Name == "" {
		opts.Name = "autodiag_"
	}
	m := &Manager{opts: opts}
	lvl, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	m.level.Set(lvl)

	if opts.Dir != "" {
		if err := m.openFile(); err != nil {
			return nil, err
		}
	}
	m.logger = slog.New(slog.NewTextHandler(writerFunc(m.write), &slog.HandlerOptions{Level: &m.level}))
	return m, nil
}

// Install makes the manager's logger the process default.
func (m *Manager) Install() {
	slog.SetDefault(m.logger)
}

func (m *Manager) Logger(component string) *slog.Logger {
	return m.logger.With("component", component)
}

// Path 当前日志文件路径
func (m *Manager) Path() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.path
}

func (m *Manager) SetLevel(l slog.Level) { m.level.Set(l) }

func (m *Manager) openFile() error {
	dir, err := MakeDir(m.opts.Dir)
	if err != nil {
		return err
	}
	logPath := filepath.Join(dir, fmt.Sprintf("%s%s.log", m.opts.Name, NowString()))
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("打开日志文件失败: %w", err)
	}
	if m.file != nil {
		_ = m.file.Close()
	}
	m.file = f
	m.path = logPath
	return nil
}

// Rotate 切换到按当前时间命名的新文件
func (m *Manager) Rotate() error {
	if m.opts.Dir == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.openFile()
}

// Run 每隔 Rotate 轮换一次日志文件，直到 ctx 取消。
func (m *Manager) Run(ctx context.Context) error {
	if m.opts.Dir == "" || m.opts.Rotate <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(m.opts.Rotate)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := m.Rotate(); err != nil {
				m.logger.Warn("日志轮换失败", "err", err)
			}
		}
	}
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return nil
	}
	err := m.file.Close()
	m.file = nil
	return err
}

func (m *Manager) write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.opts.Stdout != nil {
		_, _ = m.opts.Stdout.Write(p)
	}
	if m.file != nil {
		return m.file.Write(p)
	}
	return len(p), nil
}

type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }
