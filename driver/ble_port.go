//go:build linux || windows

package driver

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/LoveWonYoung/autodiag/logrecorder"
)

// 常见 BLE ELM327 克隆使用的 GATT 服务
var (
	bleServiceUUID = bluetooth.New16BitUUID(0xFFF0)
	bleNotifyUUID  = bluetooth.New16BitUUID(0xFFF1)
	bleWriteUUID   = bluetooth.New16BitUUID(0xFFF2)
)

const (
	bleQueueSize      = 64
	bleConnectTimeout = 10 * time.Second
	bleChunkSize      = 20
)

type blePort struct {
	device bluetooth.Device
	write  bluetooth.DeviceCharacteristic

	mu      sync.Mutex
	pending []byte
	queue   chan []byte
	closed  chan struct{}
	once    sync.Once
}

func enableAdapter(adapter *bluetooth.Adapter) error {
	if err := adapter.Enable(); err != nil {
		// Windows 上重复 Enable 会返回 "incorrect function"
		if strings.Contains(strings.ToLower(err.Error()), "incorrect function") {
			return nil
		}
		return err
	}
	return nil
}

func openBLEPort(address string) (atPort, error) {
	log := logrecorder.Logger("driver").With("kind", "ble", "address", address)
	adapter := bluetooth.DefaultAdapter
	if err := enableAdapter(adapter); err != nil {
		return nil, newError(DeviceNotFound, "open", fmt.Errorf("enable bluetooth adapter: %w", err))
	}

	mac, err := bluetooth.ParseMAC(strings.ToUpper(address))
	if err != nil {
		return nil, newError(DeviceNotFound, "open", fmt.Errorf("parse mac %q: %w", address, err))
	}
	addr := bluetooth.Address{MACAddress: bluetooth.MACAddress{MAC: mac}}

	type result struct {
		device bluetooth.Device
		err    error
	}
	done := make(chan result, 1)
	go func() {
		d, err := adapter.Connect(addr, bluetooth.ConnectionParams{})
		done <- result{d, err}
	}()
	var device bluetooth.Device
	select {
	case r := <-done:
		if r.err != nil {
			return nil, newError(DeviceNotFound, "open", r.err)
		}
		device = r.device
	case <-time.After(bleConnectTimeout):
		return nil, newError(Timeout, "open", fmt.Errorf("connect %s", address))
	}

	fail := func(err error) (atPort, error) {
		_ = device.Disconnect()
		return nil, newError(NotSupported, "open", err)
	}
	services, err := device.DiscoverServices([]bluetooth.UUID{bleServiceUUID})
	if err != nil || len(services) == 0 {
		return fail(fmt.Errorf("service %s not found: %v", bleServiceUUID, err))
	}
	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{bleNotifyUUID, bleWriteUUID})
	if err != nil {
		return fail(err)
	}

	p := &blePort{
		device: device,
		queue:  make(chan []byte, bleQueueSize),
		closed: make(chan struct{}),
	}
	if len(chars) != 2 {
		return fail(fmt.Errorf("ELM327 characteristics FFF1/FFF2 not found, got %d", len(chars)))
	}
	// 返回顺序与过滤列表一致
	notify := chars[0]
	p.write = chars[1]

	err = notify.EnableNotifications(func(buf []byte) {
		chunk := append([]byte(nil), buf...)
		select {
		case p.queue <- chunk:
		default:
			log.Warn("BLE 接收队列已满，丢弃数据", "bytes", len(chunk))
		}
	})
	if err != nil {
		return fail(fmt.Errorf("enable notifications: %w", err))
	}
	log.Info("BLE 适配器已连接")
	return p, nil
}

func (p *blePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	if len(p.pending) > 0 {
		n := copy(b, p.pending)
		p.pending = p.pending[n:]
		p.mu.Unlock()
		return n, nil
	}
	p.mu.Unlock()

	select {
	case chunk := <-p.queue:
		n := copy(b, chunk)
		if n < len(chunk) {
			p.mu.Lock()
			p.pending = append(p.pending, chunk[n:]...)
			p.mu.Unlock()
		}
		return n, nil
	case <-p.closed:
		return 0, errors.New("ble port closed")
	case <-time.After(elmReadTimeout):
		return 0, nil
	}
}

func (p *blePort) Write(b []byte) (int, error) {
	for off := 0; off < len(b); off += bleChunkSize {
		end := min(off+bleChunkSize, len(b))
		if _, err := p.write.WriteWithoutResponse(b[off:end]); err != nil {
			return off, err
		}
	}
	return len(b), nil
}

func (p *blePort) Close() error {
	var err error
	p.once.Do(func() {
		close(p.closed)
		err = p.device.Disconnect()
	})
	return err
}
