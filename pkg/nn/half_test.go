package nn

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHalfRoundTrip(t *testing.T) {
	src := []float32{0, 1, -1, 0.5, 114.0 / 255.0, 640, -3.75, 0.0009765625}
	bits := Float32ToHalf(src, make([]uint16, len(src)))
	back := HalfToFloat32(bits, make([]float32, len(bits)))
	for i := range src {
		// fp16 has ~3 decimal digits; relative tolerance
		tolerance := math.Abs(float64(src[i]))*1e-3 + 1e-7
		require.InDelta(t, src[i], back[i], tolerance)
	}
}

func TestHalfSpecials(t *testing.T) {
	inf := float32(math.Inf(1))
	src := []float32{inf, -inf, 0}
	back := HalfToFloat32(Float32ToHalf(src, make([]uint16, 3)), make([]float32, 3))
	require.Equal(t, src, back)

	// Values beyond fp16 range saturate to infinity
	big := HalfToFloat32(Float32ToHalf([]float32{1e30}, make([]uint16, 1)), make([]float32, 1))
	require.True(t, math.IsInf(float64(big[0]), 1))
}
