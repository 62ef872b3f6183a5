package cuda

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestPageAlignedAlloc(t *testing.T) {
	for _, size := range []int{1, 2, 3, 4, 5, 99, 100, 4095, 4096, 4097, 16384, 16385, 16386, 300000} {
		buf := PageAlignedAlloc(size)
		require.Equal(t, size, len(buf))
		require.Equal(t, 0, int(uintptr(unsafe.Pointer(&buf[0]))%pageSize))
	}
}

func TestRoundUpToPageSize(t *testing.T) {
	ps := PageSize()
	require.Equal(t, ps, RoundUpToPageSize(1))
	require.Equal(t, ps, RoundUpToPageSize(ps))
	require.Equal(t, 2*ps, RoundUpToPageSize(ps+1))
}
