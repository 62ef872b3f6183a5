package cuda

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// System page size. Read at startup.
var pageSize uintptr

// PageAlignedAlloc allocates 'size' bytes of host memory, aligned to a page
// boundary. Frame buffers handed to async device copies are allocated this
// way so the driver's pinning path works on whole pages.
func PageAlignedAlloc(size int) []byte {
	raw := make([]byte, size+int(pageSize))
	offset := pageSize - (uintptr(unsafe.Pointer(&raw[0])) % pageSize)
	return raw[offset : int(offset)+size]
}

// PageSize returns the system page size
func PageSize() int {
	return int(pageSize)
}

// RoundUpToPageSize rounds size up to the nearest page size
func RoundUpToPageSize(size int) int {
	return int((uintptr(size) + pageSize - 1) & ^(pageSize - 1))
}

func init() {
	pageSize = uintptr(unix.Getpagesize())
}
