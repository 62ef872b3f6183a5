// Package cuda wraps our CUDA support library (ckernels/libperegrinecuda).
// It exposes streams, events, device memory, and the fused preprocess and
// precision-cast kernels. Everything here is a thin handle over the C side;
// the interesting logic lives in ckernels/peregrine.cu.
package cuda

// #cgo CPPFLAGS: -I${SRCDIR}/ckernels
// #cgo LDFLAGS: -L${SRCDIR}/ckernels/build -lperegrinecuda -lcudart
// #include <stdlib.h>
// #include "peregrine.h"
import "C"

import (
	"fmt"
	"unsafe"
)

// CError converts a status code from the support library into a Go error
func CError(status C.int) error {
	if status != 0 {
		return fmt.Errorf("cuda: %v", C.GoString(C.pgErrorStr(status)))
	}
	return nil
}

// Init makes 'device' the active CUDA device for this process
func Init(device int) error {
	return CError(C.pgDeviceInit(C.int(device)))
}

// DeviceArch returns the compute capability of 'device', eg "sm_86".
// Engine caches are keyed on this.
func DeviceArch(device int) (string, error) {
	buf := make([]byte, 16)
	err := CError(C.pgDeviceArch(C.int(device), (*C.char)(unsafe.Pointer(&buf[0])), C.size_t(len(buf))))
	if err != nil {
		return "", err
	}
	n := 0
	for n < len(buf) && buf[n] != 0 {
		n++
	}
	return string(buf[:n]), nil
}

// RuntimeVersion returns the CUDA runtime version, eg "12040"
func RuntimeVersion() (string, error) {
	var version C.int
	if err := CError(C.pgRuntimeVersion(&version)); err != nil {
		return "", err
	}
	return fmt.Sprintf("%v", int(version)), nil
}

type Stream struct {
	handle unsafe.Pointer
}

func NewStream() (*Stream, error) {
	s := &Stream{}
	if err := CError(C.pgStreamCreate(&s.handle)); err != nil {
		return nil, err
	}
	return s, nil
}

// Handle is the raw cudaStream_t, for passing into the inference runtime
func (s *Stream) Handle() uintptr {
	return uintptr(s.handle)
}

// Synchronize blocks until all work enqueued on the stream has completed
func (s *Stream) Synchronize() error {
	return CError(C.pgStreamSynchronize(s.handle))
}

func (s *Stream) Destroy() {
	if s.handle != nil {
		C.pgStreamDestroy(s.handle)
		s.handle = nil
	}
}

type Event struct {
	handle unsafe.Pointer
}

func NewEvent() (*Event, error) {
	e := &Event{}
	if err := CError(C.pgEventCreate(&e.handle)); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Event) Record(stream *Stream) error {
	return CError(C.pgEventRecord(e.handle, stream.handle))
}

func (e *Event) Synchronize() error {
	return CError(C.pgEventSynchronize(e.handle))
}

// ElapsedMs returns the time between two recorded events
func (e *Event) ElapsedMs(since *Event) (float64, error) {
	var ms C.float
	if err := CError(C.pgEventElapsedMs(since.handle, e.handle, &ms)); err != nil {
		return 0, err
	}
	return float64(ms), nil
}

func (e *Event) Destroy() {
	if e.handle != nil {
		C.pgEventDestroy(e.handle)
		e.handle = nil
	}
}

// Allocator hands out raw device memory. It satisfies devmem.Allocator, so
// an engine's buffer pool can draw from the GPU.
type Allocator struct {
}

func (a *Allocator) Alloc(size int) (uintptr, error) {
	var ptr unsafe.Pointer
	if err := CError(C.pgMalloc(C.size_t(size), &ptr)); err != nil {
		return 0, err
	}
	return uintptr(ptr), nil
}

func (a *Allocator) Free(ptr uintptr, size int) {
	C.pgFree(unsafe.Pointer(ptr))
}

// CopyToDeviceAsync enqueues a host to device copy on the stream. The host
// memory must remain valid until the stream is synchronized.
func CopyToDeviceAsync(dst uintptr, src unsafe.Pointer, size int, stream *Stream) error {
	return CError(C.pgMemcpyHtoDAsync(unsafe.Pointer(dst), src, C.size_t(size), stream.handle))
}

// CopyToHostAsync enqueues a device to host copy on the stream
func CopyToHostAsync(dst unsafe.Pointer, src uintptr, size int, stream *Stream) error {
	return CError(C.pgMemcpyDtoHAsync(dst, unsafe.Pointer(src), C.size_t(size), stream.handle))
}

// CastHalfToFloat converts n fp16 values to fp32, device to device
func CastHalfToFloat(src, dst uintptr, n int, stream *Stream) error {
	return CError(C.pgCastHalfToFloat(unsafe.Pointer(src), unsafe.Pointer(dst), C.size_t(n), stream.handle))
}

// CastFloatToHalf converts n fp32 values to fp16, device to device
func CastFloatToHalf(src, dst uintptr, n int, stream *Stream) error {
	return CError(C.pgCastFloatToHalf(unsafe.Pointer(src), unsafe.Pointer(dst), C.size_t(n), stream.handle))
}
