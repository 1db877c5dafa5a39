//go:build windows

package driver

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

type lazyTable struct {
	dll *windows.LazyDLL
}

// loadSymbolTable 按路径加载厂商 PassThru 动态库
func loadSymbolTable(path string) (symbolTable, error) {
	dll := windows.NewLazyDLL(path)
	if err := dll.Load(); err != nil {
		return nil, newError(DeviceNotFound, "load", err)
	}
	return &lazyTable{dll: dll}, nil
}

func (t *lazyTable) Lookup(name string) (proc, error) {
	p := t.dll.NewProc(name)
	if err := p.Find(); err != nil {
		return nil, err
	}
	return p, nil
}

func (t *lazyTable) Release() error {
	h := t.dll.Handle()
	if h == 0 {
		return nil
	}
	return windows.FreeLibrary(windows.Handle(h))
}

// ListPassThruLibraries 读取注册表中登记的 PassThru 设备库
func ListPassThruLibraries() ([]string, error) {
	const root = `SOFTWARE\PassThruSupport.04.04`
	k, err := openRegistryKey(root)
	if err != nil {
		return nil, err
	}
	defer windows.RegCloseKey(k)

	var libs []string
	for i := uint32(0); ; i++ {
		name := make([]uint16, 256)
		n := uint32(len(name))
		if err := windows.RegEnumKeyEx(k, i, &name[0], &n, nil, nil, nil, nil); err != nil {
			break
		}
		sub, err := openRegistryKey(root + `\` + windows.UTF16ToString(name[:n]))
		if err != nil {
			continue
		}
		if lib, err := readRegistryString(sub, "FunctionLibrary"); err == nil && lib != "" {
			libs = append(libs, lib)
		}
		windows.RegCloseKey(sub)
	}
	return libs, nil
}

func openRegistryKey(path string) (windows.Handle, error) {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return 0, err
	}
	var k windows.Handle
	err = windows.RegOpenKeyEx(windows.HKEY_LOCAL_MACHINE, p, 0, windows.KEY_READ|windows.KEY_WOW64_32KEY, &k)
	return k, err
}

func readRegistryString(k windows.Handle, value string) (string, error) {
	v, err := windows.UTF16PtrFromString(value)
	if err != nil {
		return "", err
	}
	buf := make([]uint16, 512)
	n := uint32(len(buf) * 2)
	var typ uint32
	if err := windows.RegQueryValueEx(k, v, nil, &typ, (*byte)(unsafe.Pointer(&buf[0])), &n); err != nil {
		return "", err
	}
	return windows.UTF16ToString(buf), nil
}
