package driver

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unsafe"

	"github.com/LoveWonYoung/autodiag/logrecorder"
)

// J2534 协议 ID
const (
	passThruJ1850VPW  = 1
	passThruJ1850PWM  = 2
	passThruISO9141   = 3
	passThruISO14230  = 4
	passThruCAN       = 5
	passThruISO15765  = 6
	passThruMsgDataSz = 4128
)

// J2534 状态码 (SAE J2534-1)
const (
	statusNoError          = 0x00
	errNotSupported        = 0x01
	errInvalidChannelID    = 0x02
	errInvalidProtocolID   = 0x03
	errNullParameter       = 0x04
	errInvalidIoctlValue   = 0x05
	errInvalidFlags        = 0x06
	errFailed              = 0x07
	errDeviceNotConnected  = 0x08
	errTimeout             = 0x09
	errInvalidMsg          = 0x0A
	errInvalidTimeInterval = 0x0B
	errExceededLimit       = 0x0C
	errInvalidMsgID        = 0x0D
	errDeviceInUse         = 0x0E
	errInvalidIoctlID      = 0x0F
	errBufferEmpty         = 0x10
	errBufferFull          = 0x11
	errBufferOverflow      = 0x12
)

// ioctl ID
const (
	ioctlGetConfig     = 0x01
	ioctlSetConfig     = 0x02
	ioctlReadVBatt     = 0x03
	ioctlFiveBaudInit  = 0x04
	ioctlFastInit      = 0x05
	ioctlClearTxBuffer = 0x07
	ioctlClearRxBuffer = 0x08
)

// SET_CONFIG 参数
const (
	configDataRate      = 0x01
	configLoopback      = 0x03
	configISO15765BS    = 0x1E
	configISO15765STmin = 0x1F
)

// 过滤器类型
const (
	passFilter        = 0x01
	flowControlFilter = 0x03
)

// RxStatus 位
const (
	rxStatusTxMsgType  = 0x00000001
	rxStatusStartOfMsg = 0x00000002
)

// J2534 导出函数名
const (
	symOpen           = "PassThruOpen"
	symClose          = "PassThruClose"
	symConnect        = "PassThruConnect"
	symDisconnect     = "PassThruDisconnect"
	symReadMsgs       = "PassThruReadMsgs"
	symWriteMsgs      = "PassThruWriteMsgs"
	symStartMsgFilter = "PassThruStartMsgFilter"
	symIoctl          = "PassThruIoctl"
	symGetLastError   = "PassThruGetLastError"
)

// RequiredSymbols 在任何会话开始前必须全部解析成功
var RequiredSymbols = []string{
	symOpen, symClose, symConnect, symDisconnect, symReadMsgs,
	symWriteMsgs, symStartMsgFilter, symIoctl, symGetLastError,
}

// PassThruMsg 与 PASSTHRU_MSG 的 ABI 布局一致
type PassThruMsg struct {
	ProtocolID     uint32
	RxStatus       uint32
	TxFlags        uint32
	Timestamp      uint32
	DataSize       uint32
	ExtraDataIndex uint32
	Data           [passThruMsgDataSz]byte
}

type sConfig struct {
	Parameter uint32
	Value     uint32
}

type sConfigList struct {
	NumOfParams uint32
	ConfigPtr   *sConfig
}

type sByteArray struct {
	NumOfBytes uint32
	BytePtr    *byte
}

// proc 是一个已解析的导出函数。windows.LazyProc 满足该接口。
type proc interface {
	Call(a ...uintptr) (r1, r2 uintptr, lastErr error)
}

// symbolTable 隔离动态库加载，使符号探测可以在任意系统上测试。
type symbolTable interface {
	Lookup(name string) (proc, error)
	Release() error
}

// passThruScratch 是传给 DLL 的出参缓冲区。它跟随驱动分配在堆上，只在持有 d.mu 时使用。
type passThruScratch struct {
	id      uint32
	num     uint32
	msg     PassThruMsg
	filter  [3]PassThruMsg
	cfg     sConfig
	list    sConfigList
	in      sByteArray
	out     sByteArray
	fiveIn  [1]byte
	fiveOut [2]byte
	errBuf  [80]byte
}

// J2534Driver drives a vendor PassThru library.
type J2534Driver struct {
	path string
	load func(path string) (symbolTable, error)
	log  *slog.Logger

	mu       sync.Mutex
	table    symbolTable
	procs    map[string]proc
	deviceID uint32
	opened   bool
	channels map[uint32]*Channel
	buf      *passThruScratch
}

// NewJ2534Driver returns a driver for the PassThru library at path. Nothing is loaded until Open.
func NewJ2534Driver(path string) *J2534Driver {
	return &J2534Driver{
		path:     path,
		load:     loadSymbolTable,
		log:      logrecorder.Logger("driver").With("kind", KindJ2534.String(), "dll", path),
		channels: make(map[uint32]*Channel),
		buf:      new(passThruScratch),
	}
}

func (d *J2534Driver) Kind() TransportKind { return KindJ2534 }

// probe 解析全部必需符号，缺失任何一个都返回 MissingSymbol。
func probe(table symbolTable) (map[string]proc, error) {
	procs := make(map[string]proc, len(RequiredSymbols))
	for _, name := range RequiredSymbols {
		p, err := table.Lookup(name)
		if err != nil {
			return nil, &TransportError{Kind: MissingSymbol, Op: "load", Symbol: name, Err: err}
		}
		procs[name] = p
	}
	return procs, nil
}

func (d *J2534Driver) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.opened {
		return nil
	}

	table, err := d.load(d.path)
	if err != nil {
		if KindOf(err) != 0 {
			return err
		}
		return newError(DeviceNotFound, "load", err)
	}
	procs, err := probe(table)
	if err != nil {
		_ = table.Release()
		return err
	}
	d.table = table
	d.procs = procs

	d.buf.id = 0
	if err := d.call(symOpen, "open", 0, uintptr(unsafe.Pointer(&d.buf.id))); err != nil {
		_ = table.Release()
		d.table, d.procs = nil, nil
		return err
	}
	d.deviceID = d.buf.id
	d.opened = true
	d.log.Info("PassThru 设备已打开", "device", d.deviceID)
	return nil
}

// call 调用导出函数并把状态码映射到错误分类。调用方持有 d.mu。
func (d *J2534Driver) call(sym, op string, args ...uintptr) error {
	p, ok := d.procs[sym]
	if !ok {
		return &TransportError{Kind: MissingSymbol, Op: op, Symbol: sym}
	}
	ret, _, _ := p.Call(args...)
	return d.statusError(op, uint32(ret))
}

func (d *J2534Driver) statusError(op string, status uint32) error {
	if status == statusNoError {
		return nil
	}
	kind := statusKind(status)
	detail := fmt.Errorf("status 0x%02X", status)
	if status == errFailed {
		if msg := d.lastError(); msg != "" {
			detail = fmt.Errorf("status 0x%02X: %s", status, msg)
		}
	}
	return newError(kind, op, detail)
}

// statusKind 把 J2534 状态码映射到统一的错误分类。只有 ERR_DEVICE_NOT_CONNECTED 表示链路断开，
// 缓冲区满或溢出按超时处理，其余失败不影响链路。
func statusKind(status uint32) ErrorKind {
	switch status {
	case errDeviceNotConnected:
		return LinkDown
	case errBufferEmpty, errTimeout, errBufferFull, errBufferOverflow:
		return Timeout
	case errDeviceInUse:
		return PermissionDenied
	case errNotSupported, errInvalidProtocolID, errInvalidIoctlID:
		return NotSupported
	}
	return DeviceError
}

func (d *J2534Driver) lastError() string {
	p, ok := d.procs[symGetLastError]
	if !ok {
		return ""
	}
	buf := &d.buf.errBuf
	*buf = [80]byte{}
	if ret, _, _ := p.Call(uintptr(unsafe.Pointer(&buf[0]))); ret != statusNoError {
		return ""
	}
	n := 0
	for n < len(buf) && buf[n] != 0 {
		n++
	}
	return strings.TrimSpace(string(buf[:n]))
}

func passThruProtocol(p Protocol) (uint32, Framing, error) {
	switch p {
	case ISO15765_11Bit, ISO15765_29Bit:
		return passThruISO15765, FramingMessages, nil
	case CANRaw:
		return passThruCAN, FramingFrames, nil
	case ISO14230:
		return passThruISO14230, FramingMessages, nil
	case ISO9141:
		return passThruISO9141, FramingMessages, nil
	case J1850VPW:
		return passThruJ1850VPW, FramingMessages, nil
	case J1850PWM:
		return passThruJ1850PWM, FramingMessages, nil
	}
	return 0, 0, newError(NotSupported, "connect", fmt.Errorf("protocol %s", p))
}

func (d *J2534Driver) Connect(p Protocol, opts ConnectOptions) (*Channel, error) {
	protoID, framing, err := passThruProtocol(p)
	if err != nil {
		return nil, err
	}
	flags := opts.Flags
	if p.Is29Bit() {
		flags |= FlagCAN29BitID
	}
	baud := opts.Baudrate
	if baud == 0 {
		baud = p.DefaultBaudrate()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.opened {
		return nil, newError(DeviceNotFound, "connect", fmt.Errorf("device not open"))
	}

	d.buf.id = 0
	if err := d.call(symConnect, "connect", uintptr(d.deviceID), uintptr(protoID), uintptr(flags), uintptr(baud), uintptr(unsafe.Pointer(&d.buf.id))); err != nil {
		return nil, err
	}
	chID := d.buf.id
	ch := &Channel{
		ID:       chID,
		Kind:     KindJ2534,
		Protocol: p,
		Baudrate: baud,
		Framing:  framing,
		TxID:     opts.TxID,
		RxID:     opts.RxID,
		Monitor:  opts.Monitor,
	}

	var filter Filter
	filterType := uint32(passFilter)
	switch {
	case protoID == passThruISO15765:
		filterType = flowControlFilter
		filter = Filter{Mask: 0xFFFFFFFF, Pattern: opts.RxID, FlowControl: opts.TxID}
	case protoID == passThruCAN && opts.Monitor:
		filter = Filter{Mask: 0, Pattern: 0}
	case protoID == passThruCAN:
		filter = Filter{Mask: 0xFFFFFFFF, Pattern: opts.RxID}
	default:
		// K-line / J1850 放行全部
		filter = Filter{}
	}
	if err := d.startFilter(ch, protoID, filterType, filter, flags); err != nil {
		_ = d.call(symDisconnect, "disconnect", uintptr(chID))
		return nil, err
	}
	ch.Filters = []Filter{filter}
	d.channels[chID] = ch
	d.log.Info("PassThru 通道已连接", "protocol", p, "channel", chID, "framing", framing)
	return ch, nil
}

func (d *J2534Driver) startFilter(ch *Channel, protoID, filterType uint32, f Filter, flags ConnectFlags) error {
	dataSize := uint32(4)
	if protoID != passThruISO15765 && protoID != passThruCAN {
		dataSize = 1
	}
	mask, pattern, fc := &d.buf.filter[0], &d.buf.filter[1], &d.buf.filter[2]
	for _, m := range []*PassThruMsg{mask, pattern, fc} {
		*m = PassThruMsg{ProtocolID: protoID, TxFlags: uint32(flags), DataSize: dataSize}
	}
	binary.BigEndian.PutUint32(mask.Data[:4], f.Mask)
	binary.BigEndian.PutUint32(pattern.Data[:4], f.Pattern)
	binary.BigEndian.PutUint32(fc.Data[:4], f.FlowControl)

	var fcPtr uintptr
	if filterType == flowControlFilter {
		fcPtr = uintptr(unsafe.Pointer(fc))
	}
	return d.call(symStartMsgFilter, "filter", uintptr(ch.ID), uintptr(filterType),
		uintptr(unsafe.Pointer(mask)), uintptr(unsafe.Pointer(pattern)), fcPtr, uintptr(unsafe.Pointer(&d.buf.id)))
}

func (d *J2534Driver) Disconnect(ch *Channel) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.channels, ch.ID)
	if !d.opened {
		return nil
	}
	return d.call(symDisconnect, "disconnect", uintptr(ch.ID))
}

// encodeMsg CAN/ISO15765 通道在数据前加 4 字节大端 CAN ID
func encodeMsg(ch *Channel, f Frame) (*PassThruMsg, error) {
	protoID, _, err := passThruProtocol(ch.Protocol)
	if err != nil {
		return nil, err
	}
	msg := &PassThruMsg{ProtocolID: protoID}
	if ch.Protocol.Is29Bit() || f.Extended {
		msg.TxFlags |= uint32(FlagCAN29BitID)
	}
	payload := f.Data
	if protoID == passThruCAN || protoID == passThruISO15765 {
		id := f.ID
		if id == 0 {
			id = ch.TxID
		}
		payload = append(IntToBig(id), f.Data...)
	}
	if len(payload) > passThruMsgDataSz {
		return nil, fmt.Errorf("driver: message of %d bytes exceeds PASSTHRU_MSG", len(payload))
	}
	msg.DataSize = uint32(len(payload))
	copy(msg.Data[:], payload)
	return msg, nil
}

func decodeMsg(ch *Channel, msg *PassThruMsg) Frame {
	size := int(msg.DataSize)
	if size > passThruMsgDataSz {
		size = passThruMsgDataSz
	}
	data := msg.Data[:size]
	f := Frame{Timestamp: time.Now(), Direction: RX}
	if msg.RxStatus&rxStatusTxMsgType != 0 {
		f.Direction = TX
	}
	if (msg.ProtocolID == passThruCAN || msg.ProtocolID == passThruISO15765) && size >= 4 {
		f.ID = BigToInt(data[:4])
		f.Extended = f.ID > 0x7FF || msg.RxStatus&uint32(FlagCAN29BitID) != 0
		data = data[4:]
	}
	f.Data = append([]byte(nil), data...)
	return f
}

func (d *J2534Driver) Send(ch *Channel, f Frame) error {
	msg, err := encodeMsg(ch, f)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.buf.msg = *msg
	d.buf.num = 1
	if err := d.call(symWriteMsgs, "send", uintptr(ch.ID), uintptr(unsafe.Pointer(&d.buf.msg)), uintptr(unsafe.Pointer(&d.buf.num)), uintptr(1000)); err != nil {
		return err
	}
	f.Direction = TX
	logCANMessage(d.log, f)
	return nil
}

func (d *J2534Driver) Receive(ch *Channel, timeout time.Duration) (Frame, error) {
	deadline := time.Now().Add(timeout)
	for {
		d.mu.Lock()
		d.buf.msg = PassThruMsg{}
		d.buf.num = 1
		err := d.call(symReadMsgs, "receive", uintptr(ch.ID), uintptr(unsafe.Pointer(&d.buf.msg)), uintptr(unsafe.Pointer(&d.buf.num)), uintptr(timeout/time.Millisecond))
		msg, num := d.buf.msg, d.buf.num
		d.mu.Unlock()
		if err != nil {
			return Frame{}, err
		}
		if num == 0 {
			return Frame{}, newError(Timeout, "receive", nil)
		}
		// ISO15765 的首帧指示和本端回显不是报文
		if msg.RxStatus&(rxStatusStartOfMsg|rxStatusTxMsgType) != 0 && !ch.Monitor {
			if time.Now().After(deadline) {
				return Frame{}, newError(Timeout, "receive", nil)
			}
			continue
		}
		f := decodeMsg(ch, &msg)
		logCANMessage(d.log, f)
		return f, nil
	}
}

func (d *J2534Driver) Ioctl(ch *Channel, id IoctlID, param uint32) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	setConfig := func(p uint32) (uint32, error) {
		d.buf.cfg = sConfig{Parameter: p, Value: param}
		d.buf.list = sConfigList{NumOfParams: 1, ConfigPtr: &d.buf.cfg}
		return 0, d.call(symIoctl, "ioctl", uintptr(ch.ID), ioctlSetConfig, uintptr(unsafe.Pointer(&d.buf.list)), 0)
	}

	switch id {
	case IoctlSetDataRate:
		return setConfig(configDataRate)
	case IoctlSetLoopback:
		return setConfig(configLoopback)
	case IoctlSetISO15765BS:
		return setConfig(configISO15765BS)
	case IoctlSetISO15765STmin:
		return setConfig(configISO15765STmin)
	case IoctlReadVBatt:
		d.buf.id = 0
		err := d.call(symIoctl, "ioctl", uintptr(d.deviceID), ioctlReadVBatt, 0, uintptr(unsafe.Pointer(&d.buf.id)))
		return d.buf.id, err
	case IoctlFiveBaudInit:
		d.buf.fiveIn[0] = byte(param)
		if param == 0 {
			d.buf.fiveIn[0] = 0x33
		}
		d.buf.fiveOut = [2]byte{}
		d.buf.in = sByteArray{NumOfBytes: 1, BytePtr: &d.buf.fiveIn[0]}
		d.buf.out = sByteArray{NumOfBytes: 2, BytePtr: &d.buf.fiveOut[0]}
		err := d.call(symIoctl, "ioctl", uintptr(ch.ID), ioctlFiveBaudInit, uintptr(unsafe.Pointer(&d.buf.in)), uintptr(unsafe.Pointer(&d.buf.out)))
		return uint32(d.buf.fiveOut[0])<<8 | uint32(d.buf.fiveOut[1]), err
	case IoctlFastInit:
		// StartCommunication 请求 (0x81)
		req, err := encodeMsg(ch, Frame{Data: []byte{0xC1, 0x33, 0xF1, 0x81, 0x66}})
		if err != nil {
			return 0, err
		}
		d.buf.filter[0] = *req
		d.buf.msg = PassThruMsg{}
		return 0, d.call(symIoctl, "ioctl", uintptr(ch.ID), ioctlFastInit, uintptr(unsafe.Pointer(&d.buf.filter[0])), uintptr(unsafe.Pointer(&d.buf.msg)))
	case IoctlClearTxBuffer:
		return 0, d.call(symIoctl, "ioctl", uintptr(ch.ID), ioctlClearTxBuffer, 0, 0)
	case IoctlClearRxBuffer:
		return 0, d.call(symIoctl, "ioctl", uintptr(ch.ID), ioctlClearRxBuffer, 0, 0)
	}
	return 0, newError(NotSupported, "ioctl", fmt.Errorf("%s", id))
}

func (d *J2534Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.opened {
		return nil
	}
	for id := range d.channels {
		_ = d.call(symDisconnect, "disconnect", uintptr(id))
	}
	d.channels = make(map[uint32]*Channel)
	err := d.call(symClose, "close", uintptr(d.deviceID))
	if relErr := d.table.Release(); err == nil {
		err = relErr
	}
	d.opened = false
	d.table, d.procs = nil, nil
	d.log.Info("PassThru 设备已关闭")
	return err
}
