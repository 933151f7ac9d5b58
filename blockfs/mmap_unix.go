//go:build !windows

package blockfs

import (
	"os"

	"golang.org/x/sys/unix"
)

// mmapGrowable reports whether data files can be resized and re-mapped
// after their first allocation. On unix-like platforms the old mapping
// stays valid for outstanding views while new views map the grown file.
const mmapGrowable = true

// mmapFile maps size bytes of the open file into memory. The writable flag
// requests a shared read-write mapping.
func mmapFile(f *os.File, size int, writable bool) ([]byte, error) {
	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}

	return unix.Mmap(int(f.Fd()), 0, size, prot, unix.MAP_SHARED)
}

// munmapFile releases a mapping obtained through mmapFile.
func munmapFile(data []byte) error {
	return unix.Munmap(data)
}
