//go:build windows

package blockfs

import (
	"os"
	"unsafe"

	"golang.org/x/sys/windows"
)

// mmapGrowable reports whether data files can be resized and re-mapped
// after their first allocation. Windows does not permit re-mapping a
// growing file, so files are created at their maximum permitted size and
// never grown.
const mmapGrowable = false

// mmapFile maps size bytes of the open file into memory. The writable flag
// requests a shared read-write mapping.
func mmapFile(f *os.File, size int, writable bool) ([]byte, error) {
	protect := uint32(windows.PAGE_READONLY)
	access := uint32(windows.FILE_MAP_READ)
	if writable {
		protect = windows.PAGE_READWRITE
		access = windows.FILE_MAP_WRITE
	}

	handle, err := windows.CreateFileMapping(
		windows.Handle(f.Fd()), nil, protect,
		uint32(uint64(size)>>32), uint32(size), nil,
	)
	if err != nil {
		return nil, os.NewSyscallError("CreateFileMapping", err)
	}

	addr, err := windows.MapViewOfFile(handle, access, 0, 0, uintptr(size))
	// The mapping object is no longer needed once the view exists.
	windows.CloseHandle(handle)
	if err != nil {
		return nil, os.NewSyscallError("MapViewOfFile", err)
	}

	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size), nil
}

// munmapFile releases a mapping obtained through mmapFile.
func munmapFile(data []byte) error {
	addr := uintptr(unsafe.Pointer(&data[0]))
	return os.NewSyscallError(
		"UnmapViewOfFile", windows.UnmapViewOfFile(addr),
	)
}
