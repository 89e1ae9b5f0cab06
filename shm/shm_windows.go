//go:build windows

package shm

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

func unsafeSlice(addr uintptr, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
}

func unsafePointer(b *byte) uintptr {
	return uintptr(unsafe.Pointer(b))
}

// namePrefix: Windows kernel object names do not use a leading slash.
const namePrefix = ""

type windowsOps struct {
	mapping windows.Handle
}

func (o *windowsOps) unmap(h *Handle) error {
	if h.data != nil {
		addr := uintptr(0)
		if len(h.data) > 0 {
			addr = uintptr(unsafePointer(&h.data[0]))
		}
		if addr != 0 {
			if err := windows.UnmapViewOfFile(addr); err != nil {
				return &Error{Kind: ErrIO, Name: h.name, Err: err}
			}
		}
	}
	if err := windows.CloseHandle(o.mapping); err != nil {
		return &Error{Kind: ErrIO, Name: h.name, Err: err}
	}
	return nil
}

// unlink is a no-op on Windows: there is no separate unlink call. The
// name is released automatically once the last handle to the file
// mapping object is closed.
func (o *windowsOps) unlink(h *Handle) error { return nil }

func createBackend(name string, size int64) (*Handle, error) {
	high := uint32(size >> 32)
	low := uint32(size & 0xffffffff)
	h, err := windows.CreateFileMapping(windows.InvalidHandle, nil, windows.PAGE_READWRITE, high, low, windows.StringToUTF16Ptr(name))
	if err != nil {
		return nil, &Error{Kind: ErrIO, Name: name, Err: err}
	}
	if errors.Is(windows.GetLastError(), windows.ERROR_ALREADY_EXISTS) {
		windows.CloseHandle(h)
		return nil, &Error{Kind: ErrExists, Name: name}
	}
	return mapView(name, h, size)
}

func attachBackend(name string, size int64) (*Handle, error) {
	h, err := windows.OpenFileMapping(windows.FILE_MAP_ALL_ACCESS, false, windows.StringToUTF16Ptr(name))
	if err != nil {
		return nil, &Error{Kind: ErrNotFound, Name: name, Err: err}
	}
	return mapView(name, h, size)
}

func mapView(name string, h windows.Handle, size int64) (*Handle, error) {
	addr, err := windows.MapViewOfFile(h, windows.FILE_MAP_ALL_ACCESS, 0, 0, uintptr(size))
	if err != nil {
		windows.CloseHandle(h)
		return nil, &Error{Kind: ErrIO, Name: name, Err: fmt.Errorf("MapViewOfFile: %w", err)}
	}
	data := unsafeSlice(addr, int(size))
	return &Handle{name: name, size: size, data: data, ops: &windowsOps{mapping: h}}, nil
}
