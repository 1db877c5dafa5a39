//go:build !windows

package driver

import "errors"

func loadSymbolTable(path string) (symbolTable, error) {
	return nil, newError(DeviceNotFound, "load", errors.New("J2534 PassThru libraries are only available on windows: "+path))
}

// ListPassThruLibraries returns nothing outside windows.
func ListPassThruLibraries() ([]string, error) {
	return nil, nil
}
