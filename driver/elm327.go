package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/LoveWonYoung/autodiag/logrecorder"
)

// BaudProbeList 是未指定波特率时依次尝试的列表
var BaudProbeList = []int{38400, 115200, 500000, 9600}

const (
	elmReadTimeout    = 50 * time.Millisecond
	elmCommandTimeout = 2 * time.Second
	elmResetTimeout   = 3 * time.Second
	elmRxQueueSize    = 256
)

// atPort 是 ELM327 的字节流。超时读返回 0, nil。
type atPort interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

type ELM327Options struct {
	// Port 是串口路径，或 "ble:AA:BB:CC:DD:EE:FF" 形式的 BLE 地址
	Port      string
	BaudRate  int
	BaudProbe bool
}

type elmLine struct {
	text   string
	prompt bool
}

// ELM327Driver drives an ELM327-class AT command adapter.
type ELM327Driver struct {
	opts     ELM327Options
	openPort func(name string, baud int) (atPort, error)
	log      *slog.Logger

	cmdMu sync.Mutex // 串行化命令

	mu        sync.Mutex
	port      atPort
	waiter    chan elmLine
	ch        *Channel
	streaming bool
	header    uint32
	linkErr   error
	version   string

	rx     chan Frame
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewELM327Driver(opts ELM327Options) *ELM327Driver {
	return &ELM327Driver{
		opts:     opts,
		openPort: openATPort,
		log:      logrecorder.Logger("driver").With("kind", KindSerialAT.String(), "port", opts.Port),
	}
}

func (d *ELM327Driver) Kind() TransportKind { return KindSerialAT }

// Version 返回 ATZ 的应答，例如 "ELM327 v1.5"
func (d *ELM327Driver) Version() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.version
}

func openATPort(name string, baud int) (atPort, error) {
	if mac, ok := strings.CutPrefix(name, "ble:"); ok {
		return openBLEPort(mac)
	}
	p, err := serial.Open(name, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, serialError(err)
	}
	if err := p.SetReadTimeout(elmReadTimeout); err != nil {
		_ = p.Close()
		return nil, newError(LinkDown, "open", err)
	}
	return p, nil
}

func serialError(err error) error {
	var pe *serial.PortError
	if errors.As(err, &pe) {
		switch pe.Code() {
		case serial.PortNotFound, serial.InvalidSerialPort:
			return newError(DeviceNotFound, "open", err)
		case serial.PermissionDenied, serial.PortBusy:
			return newError(PermissionDenied, "open", err)
		}
	}
	return newError(DeviceNotFound, "open", err)
}

// ListSerialPorts 列出系统中的串口
func ListSerialPorts() ([]string, error) {
	return serial.GetPortsList()
}

func (d *ELM327Driver) Open(ctx context.Context) error {
	bauds := []int{d.opts.BaudRate}
	if d.opts.BaudRate == 0 || d.opts.BaudProbe {
		bauds = BaudProbeList
		if d.opts.BaudRate != 0 {
			bauds = append([]int{d.opts.BaudRate}, BaudProbeList...)
		}
	}

	var lastErr error
	for _, baud := range bauds {
		if err := ctx.Err(); err != nil {
			return err
		}
		port, err := d.openPort(d.opts.Port, baud)
		if err != nil {
			if k := KindOf(err); k == DeviceNotFound || k == PermissionDenied {
				return err
			}
			lastErr = err
			continue
		}
		d.start(port)

		lines, err := d.command("ATZ", elmResetTimeout)
		if err == nil && containsELM(lines) {
			d.mu.Lock()
			d.version = firstELM(lines)
			d.mu.Unlock()
			if err := d.init(); err != nil {
				d.stop()
				return err
			}
			d.log.Info("ELM327 已连接", "baud", baud, "version", d.Version())
			return nil
		}
		d.log.Debug("no ELM327 answer", "baud", baud, "err", err)
		d.stop()
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("no ELM327 answer")
	}
	return newError(DeviceNotFound, "open", lastErr)
}

func containsELM(lines []string) bool { return firstELM(lines) != "" }

func firstELM(lines []string) string {
	for _, l := range lines {
		if strings.Contains(strings.ToUpper(l), "ELM327") {
			return l
		}
	}
	return ""
}

// init 发送文档中的初始化序列
func (d *ELM327Driver) init() error {
	for _, cmd := range []string{"ATE0", "ATL0", "ATS1", "ATH1", "ATSP0"} {
		if _, err := d.command(cmd, elmCommandTimeout); err != nil {
			return fmt.Errorf("%s: %w", cmd, err)
		}
	}
	return nil
}

func (d *ELM327Driver) start(port atPort) {
	ctx, cancel := context.WithCancel(context.Background())
	d.mu.Lock()
	d.port = port
	d.linkErr = nil
	d.rx = make(chan Frame, elmRxQueueSize)
	d.cancel = cancel
	d.mu.Unlock()

	d.wg.Add(1)
	go d.readLoop(ctx, port)
}

func (d *ELM327Driver) stop() {
	d.mu.Lock()
	cancel, port := d.cancel, d.port
	d.cancel, d.port = nil, nil
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if port != nil {
		_ = port.Close()
	}
	d.wg.Wait()
}

// readLoop 把字节流切分成行，'>' 是命令结束提示符
func (d *ELM327Driver) readLoop(ctx context.Context, port atPort) {
	defer d.wg.Done()
	buf := make([]byte, 256)
	var line strings.Builder
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := port.Read(buf)
		if err != nil {
			if ctx.Err() == nil {
				d.log.Warn("ELM327 读取失败", "err", err)
				d.mu.Lock()
				d.linkErr = newError(LinkDown, "receive", err)
				d.mu.Unlock()
			}
			return
		}
		for _, b := range buf[:n] {
			switch b {
			case '\r', '\n':
				if line.Len() > 0 {
					d.route(elmLine{text: strings.TrimSpace(line.String())})
					line.Reset()
				}
			case '>':
				if line.Len() > 0 {
					d.route(elmLine{text: strings.TrimSpace(line.String())})
					line.Reset()
				}
				d.route(elmLine{prompt: true})
			case 0:
			default:
				line.WriteByte(b)
			}
		}
	}
}

func (d *ELM327Driver) route(l elmLine) {
	d.mu.Lock()
	waiter, ch, streaming := d.waiter, d.ch, d.streaming
	d.mu.Unlock()

	if !l.prompt && l.text != "" && ch != nil {
		if f, ok := parseFrameLine(l.text, ch.Protocol); ok {
			d.pushFrame(f)
			if streaming {
				return
			}
		}
	}
	if waiter != nil {
		select {
		case waiter <- l:
		default:
		}
	}
}

func (d *ELM327Driver) pushFrame(f Frame) {
	d.mu.Lock()
	rx := d.rx
	d.mu.Unlock()
	select {
	case rx <- f:
		logCANMessage(d.log, f)
	default:
		d.log.Warn("ELM327 接收队列已满，丢弃最新帧", "id", f.ID)
	}
}

// parseFrameLine 解析 ATH1/ATS1 下的一行: "7E8 03 41 0D 00" 或 "18 DA F1 10 03 7E 00"
func parseFrameLine(text string, p Protocol) (Frame, bool) {
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return Frame{}, false
	}
	for _, t := range tokens {
		if _, err := strconv.ParseUint(t, 16, 32); err != nil {
			return Frame{}, false
		}
	}
	f := Frame{Timestamp: time.Now(), Direction: RX}
	switch {
	case p.IsCAN() && len(tokens[0]) == 3:
		id, _ := strconv.ParseUint(tokens[0], 16, 32)
		f.ID = uint32(id)
		tokens = tokens[1:]
	case p.IsCAN() && len(tokens) >= 4 && p.Is29Bit():
		var id uint32
		for _, t := range tokens[:4] {
			v, _ := strconv.ParseUint(t, 16, 8)
			id = id<<8 | uint32(v)
		}
		f.ID = id
		f.Extended = true
		tokens = tokens[4:]
	}
	data := make([]byte, 0, len(tokens))
	for _, t := range tokens {
		if len(t) != 2 {
			return Frame{}, false
		}
		v, _ := strconv.ParseUint(t, 16, 8)
		data = append(data, byte(v))
	}
	if len(data) == 0 {
		return Frame{}, false
	}
	f.Data = data
	return f, true
}

// elmStatus 把 ELM327 的状态行映射到错误分类
func elmStatus(line string) error {
	up := strings.ToUpper(line)
	switch {
	case up == "?":
		return newError(NotSupported, "command", errors.New("unknown command"))
	case up == "NO DATA":
		return newError(Timeout, "command", errors.New(line))
	case strings.Contains(up, "UNABLE TO CONNECT"),
		strings.Contains(up, "CAN ERROR"),
		strings.HasPrefix(up, "BUS INIT") && strings.Contains(up, "ERROR"),
		strings.Contains(up, "BUS ERROR"):
		return newError(LinkDown, "command", errors.New(line))
	}
	return nil
}

func isNoise(up string) bool {
	return up == "OK" || strings.HasPrefix(up, "SEARCHING") || strings.HasPrefix(up, "BUS INIT") && !strings.Contains(up, "ERROR") || up == "STOPPED"
}

// command 发送一条命令并收集到提示符为止的应答行，回显行被丢弃。
func (d *ELM327Driver) command(cmd string, timeout time.Duration) ([]string, error) {
	d.cmdMu.Lock()
	defer d.cmdMu.Unlock()
	return d.commandLocked(cmd, timeout)
}

func (d *ELM327Driver) commandLocked(cmd string, timeout time.Duration) ([]string, error) {
	waiter := make(chan elmLine, 64)
	d.mu.Lock()
	port, linkErr := d.port, d.linkErr
	if port == nil {
		d.mu.Unlock()
		return nil, newError(LinkDown, "command", errors.New("port closed"))
	}
	if linkErr != nil {
		d.mu.Unlock()
		return nil, linkErr
	}
	d.waiter = waiter
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.waiter = nil
		d.mu.Unlock()
	}()

	if _, err := port.Write([]byte(cmd + "\r")); err != nil {
		return nil, newError(LinkDown, "write", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	var lines []string
	var status error
	for {
		select {
		case l := <-waiter:
			if l.prompt {
				return lines, status
			}
			if strings.EqualFold(strings.ReplaceAll(l.text, " ", ""), strings.ReplaceAll(cmd, " ", "")) {
				continue
			}
			if err := elmStatus(l.text); err != nil {
				status = err
				continue
			}
			if isNoise(strings.ToUpper(l.text)) {
				continue
			}
			lines = append(lines, l.text)
		case <-timer.C:
			return lines, newError(Timeout, "command", fmt.Errorf("%s: no prompt", cmd))
		}
	}
}

// elmProtocol 返回 ATSP 的协议编号
func elmProtocol(p Protocol, extended bool) (string, error) {
	switch p {
	case ISO15765_11Bit:
		return "6", nil
	case ISO15765_29Bit:
		return "7", nil
	case CANRaw:
		if extended {
			return "7", nil
		}
		return "6", nil
	case ISO14230:
		return "5", nil
	case ISO9141:
		return "3", nil
	case J1850VPW:
		return "2", nil
	case J1850PWM:
		return "1", nil
	}
	return "", newError(NotSupported, "connect", fmt.Errorf("protocol %s", p))
}

func headerCommands(p Protocol, id uint32) []string {
	if p.Is29Bit() || id > 0x7FF {
		return []string{fmt.Sprintf("ATCP %02X", byte(id>>24)), fmt.Sprintf("ATSH %06X", id&0xFFFFFF)}
	}
	return []string{fmt.Sprintf("ATSH %03X", id)}
}

func (d *ELM327Driver) Connect(p Protocol, opts ConnectOptions) (*Channel, error) {
	extended := opts.Flags&FlagCAN29BitID != 0
	sp, err := elmProtocol(p, extended)
	if err != nil {
		return nil, err
	}
	if opts.Flags&FlagISO9141NoChecksum != 0 {
		d.log.Debug("ISO9141_NO_CHECKSUM requested, adapter verifies checksums itself")
	}

	ch := &Channel{
		ID:       1,
		Kind:     KindSerialAT,
		Protocol: p,
		Baudrate: p.DefaultBaudrate(),
		TxID:     opts.TxID,
		RxID:     opts.RxID,
		Monitor:  opts.Monitor,
		Framing:  FramingMessages,
	}

	cmds := []string{"ATSP" + sp}
	if p.IsCAN() {
		ch.Framing = FramingFrames
		cmds = append(cmds, "ATCAF0")
		if !opts.Monitor {
			if opts.TxID != 0 {
				cmds = append(cmds, headerCommands(p, opts.TxID)...)
			}
			if opts.RxID != 0 {
				if p.Is29Bit() || opts.RxID > 0x7FF {
					cmds = append(cmds, fmt.Sprintf("ATCRA %08X", opts.RxID))
				} else {
					cmds = append(cmds, fmt.Sprintf("ATCRA %03X", opts.RxID))
				}
				ch.Filters = []Filter{{Mask: 0x1FFFFFFF, Pattern: opts.RxID}}
			}
		}
	} else {
		cmds = append(cmds, "ATCAF1", "ATH0")
	}

	d.cmdMu.Lock()
	defer d.cmdMu.Unlock()
	for _, cmd := range cmds {
		if _, err := d.commandLocked(cmd, elmCommandTimeout); err != nil {
			return nil, fmt.Errorf("connect %s: %w", cmd, err)
		}
	}

	d.mu.Lock()
	d.ch = ch
	d.header = opts.TxID
	d.mu.Unlock()

	if opts.Monitor {
		if err := d.startMonitor(); err != nil {
			return nil, err
		}
	}
	d.log.Info("ELM327 通道已连接", "protocol", p, "framing", ch.Framing, "monitor", opts.Monitor)
	return ch, nil
}

// startMonitor 发送 ATMA，之后每一行都作为帧推送，直到下一条命令打断。
func (d *ELM327Driver) startMonitor() error {
	d.mu.Lock()
	port := d.port
	d.streaming = true
	d.mu.Unlock()
	if port == nil {
		return newError(LinkDown, "monitor", errors.New("port closed"))
	}
	if _, err := port.Write([]byte("ATMA\r")); err != nil {
		return newError(LinkDown, "monitor", err)
	}
	return nil
}

func (d *ELM327Driver) stopMonitor() {
	d.mu.Lock()
	streaming, port := d.streaming, d.port
	d.streaming = false
	d.mu.Unlock()
	if streaming && port != nil {
		// 任意字符都会中断 ATMA
		_, _ = port.Write([]byte("\r"))
		time.Sleep(elmReadTimeout)
	}
}

func (d *ELM327Driver) Disconnect(ch *Channel) error {
	d.stopMonitor()
	d.mu.Lock()
	d.ch = nil
	d.mu.Unlock()
	_, err := d.command("ATPC", elmCommandTimeout)
	if KindOf(err) == NotSupported {
		return nil
	}
	return err
}

func (d *ELM327Driver) Send(ch *Channel, f Frame) error {
	if len(f.Data) == 0 {
		return errors.New("driver: empty frame")
	}
	d.cmdMu.Lock()
	defer d.cmdMu.Unlock()

	d.mu.Lock()
	header := d.header
	d.mu.Unlock()
	if ch.Protocol.IsCAN() && f.ID != 0 && f.ID != header {
		for _, cmd := range headerCommands(ch.Protocol, f.ID) {
			if _, err := d.commandLocked(cmd, elmCommandTimeout); err != nil {
				return err
			}
		}
		d.mu.Lock()
		d.header = f.ID
		d.mu.Unlock()
	}

	var sb strings.Builder
	for _, b := range f.Data {
		fmt.Fprintf(&sb, "%02X", b)
	}
	f.Direction = TX
	logCANMessage(d.log, f)
	_, err := d.commandLocked(sb.String(), elmCommandTimeout)
	// 应答帧已经在 route 中推送，NO DATA 只表示对端没有立即应答
	if err != nil && KindOf(err) != Timeout {
		return err
	}
	return nil
}

func (d *ELM327Driver) Receive(ch *Channel, timeout time.Duration) (Frame, error) {
	d.mu.Lock()
	rx, linkErr := d.rx, d.linkErr
	d.mu.Unlock()
	if linkErr != nil {
		return Frame{}, linkErr
	}
	if rx == nil {
		return Frame{}, newError(LinkDown, "receive", errors.New("port closed"))
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case f := <-rx:
		return f, nil
	case <-timer.C:
		return Frame{}, newError(Timeout, "receive", nil)
	}
}

func (d *ELM327Driver) Ioctl(ch *Channel, id IoctlID, param uint32) (uint32, error) {
	switch id {
	case IoctlFastInit:
		_, err := d.command("ATFI", elmResetTimeout)
		return 0, err
	case IoctlFiveBaudInit:
		_, err := d.command("ATSI", elmResetTimeout)
		return 0, err
	case IoctlReadVBatt:
		lines, err := d.command("ATRV", elmCommandTimeout)
		if err != nil {
			return 0, err
		}
		return parseVoltage(lines)
	case IoctlClearRxBuffer:
		d.mu.Lock()
		rx := d.rx
		d.mu.Unlock()
		for rx != nil && len(rx) > 0 {
			<-rx
		}
		return 0, nil
	}
	return 0, newError(NotSupported, "ioctl", fmt.Errorf("%s", id))
}

// parseVoltage 把 "12.6V" 转换成毫伏
func parseVoltage(lines []string) (uint32, error) {
	for _, l := range lines {
		v := strings.TrimSuffix(strings.ToUpper(strings.TrimSpace(l)), "V")
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return uint32(f*1000 + 0.5), nil
		}
	}
	return 0, fmt.Errorf("driver: no voltage in %q", lines)
}

func (d *ELM327Driver) Close() error {
	d.stopMonitor()
	d.stop()
	d.log.Info("ELM327 已关闭")
	return nil
}
