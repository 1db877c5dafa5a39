package diag

import (
	"context"
	"fmt"

	"github.com/LoveWonYoung/autodiag/driver"
	"github.com/LoveWonYoung/autodiag/tp"
)

// DriverFactory 按传输类型构造驱动。path 对 j2534 是 DLL 路径，对 serial_at 是串口或 ble:MAC，
// 对 can_socket 是网卡名，mock 忽略。
type DriverFactory func(ctx context.Context, kind driver.TransportKind, path string, baud uint32) (driver.Driver, error)

// DefaultFactory builds the real drivers. The mock kind gets a MockDevice with a running ECU.
func DefaultFactory(ctx context.Context, kind driver.TransportKind, path string, baud uint32) (driver.Driver, error) {
	switch kind {
	case driver.KindJ2534:
		return driver.NewJ2534Driver(path), nil
	case driver.KindSerialAT:
		return driver.NewELM327Driver(driver.ELM327Options{
			Port:      path,
			BaudRate:  int(baud),
			BaudProbe: baud == 0,
		}), nil
	case driver.KindCANSocket:
		return driver.NewSocketCANDriver(path), nil
	case driver.KindMock:
		return NewMockDevice(ctx)
	}
	return nil, fmt.Errorf("diag: no driver for transport kind %v", kind)
}

// MockDevice 虚拟设备：一个 MockDriver 加上在它上面应答的 ECU，
// 两者挂在各自独立的虚拟总线上。
type MockDevice struct {
	*driver.MockDriver
	ECU *driver.MockECU
	bus *driver.MockBus
}

func NewMockDevice(ctx context.Context) (*MockDevice, error) {
	drv := driver.NewMockDriver()
	bus := driver.NewMockBus()
	bus.Attach(drv)

	addr, err := tp.NewAddress(tp.Normal11Bit,
		tp.WithTxID(0x7E8), tp.WithRxID(0x7E0), tp.WithFunctionalID(0x7DF))
	if err != nil {
		return nil, err
	}
	ecu := driver.NewMockECU(drv, addr)
	if err := ecu.Start(ctx); err != nil {
		return nil, err
	}
	return &MockDevice{MockDriver: drv, ECU: ecu, bus: bus}, nil
}

// Tap 在同一条虚拟总线上再接一个设备，用作旁路
func (m *MockDevice) Tap() *driver.MockDriver {
	d := driver.NewMockDriver()
	m.bus.Attach(d)
	return d
}

// Stop 停止 ECU，驱动由会话关闭
func (m *MockDevice) Stop() { m.ECU.Stop() }
