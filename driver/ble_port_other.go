//go:build !linux && !windows

package driver

import "errors"

func openBLEPort(address string) (atPort, error) {
	return nil, newError(NotSupported, "open", errors.New("BLE adapters are supported on linux and windows only"))
}
