//go:build windows

package framechan

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

// region is a named file-mapping view. The mapping object lives as long
// as any process holds a handle, so there is no explicit unlink: the
// region disappears when the writer and all readers have closed.
type region struct {
	data   []byte
	handle windows.Handle
	view   uintptr
}

func mappingName(name string) (*uint16, error) {
	return windows.UTF16PtrFromString("Local\\" + name)
}

func createRegion(name string, size int) (*region, error) {
	n16, err := mappingName(name)
	if err != nil {
		return nil, err
	}
	h, err := windows.CreateFileMapping(windows.InvalidHandle, nil, windows.PAGE_READWRITE,
		uint32(uint64(size)>>32), uint32(size), n16)
	if err != nil {
		return nil, fmt.Errorf("create region %s: %w", name, err)
	}
	view, err := windows.MapViewOfFile(h, windows.FILE_MAP_WRITE, 0, 0, uintptr(size))
	if err != nil {
		windows.CloseHandle(h)
		return nil, fmt.Errorf("map region %s: %w", name, err)
	}
	return &region{
		data:   unsafe.Slice((*byte)(unsafe.Pointer(view)), size),
		handle: h,
		view:   view,
	}, nil
}

func openRegion(name string, size int) (*region, error) {
	n16, err := mappingName(name)
	if err != nil {
		return nil, err
	}
	h, err := windows.OpenFileMapping(windows.FILE_MAP_READ, false, n16)
	if err != nil {
		return nil, fmt.Errorf("open region %s: %w", name, err)
	}
	view, err := windows.MapViewOfFile(h, windows.FILE_MAP_READ, 0, 0, uintptr(size))
	if err != nil {
		windows.CloseHandle(h)
		return nil, fmt.Errorf("map region %s: %w", name, err)
	}
	return &region{
		data:   unsafe.Slice((*byte)(unsafe.Pointer(view)), size),
		handle: h,
		view:   view,
	}, nil
}

func (r *region) close() error {
	if r.data == nil {
		return nil
	}
	r.data = nil
	err := windows.UnmapViewOfFile(r.view)
	if cerr := windows.CloseHandle(r.handle); err == nil {
		err = cerr
	}
	return err
}

func removeRegion(name string) {}
