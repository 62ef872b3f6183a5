package nn

import (
	"github.com/x448/float16"
)

// Host-side half precision conversion, used at the I/O boundary when the
// engine runs in reduced precision. The device-side cast kernels live in
// pkg/cuda; these functions are for reading fp16 output tensors that have
// been copied back to the host.

// HalfToFloat32 converts fp16 bits to float32.
// dst must be at least len(src). Returns dst[:len(src)].
func HalfToFloat32(src []uint16, dst []float32) []float32 {
	for i, h := range src {
		dst[i] = float16.Frombits(h).Float32()
	}
	return dst[:len(src)]
}

// Float32ToHalf converts float32 values to fp16 bits, rounding to nearest even.
// dst must be at least len(src). Returns dst[:len(src)].
func Float32ToHalf(src []float32, dst []uint16) []uint16 {
	for i, f := range src {
		dst[i] = float16.Fromfloat32(f).Bits()
	}
	return dst[:len(src)]
}
