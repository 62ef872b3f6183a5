// Package tensorrt runs object detection networks through NVIDIA TensorRT.
// The heavy lifting happens in a small C++ shim (ctrt/libperegrinetrt); this
// package exposes it as an engine.Runtime, and Detector ties the whole
// chain together (preprocess, inference, decode).
package tensorrt

// #cgo CPPFLAGS: -I${SRCDIR}/ctrt
// #cgo LDFLAGS: -L${SRCDIR}/ctrt/build -lperegrinetrt -lnvinfer -lnvonnxparser -lcudart
// #include <stdlib.h>
// #include "trt_shim.h"
import "C"

import (
	"fmt"
	"unsafe"

	"github.com/peregrinecam/peregrine/pkg/cuda"
	"github.com/peregrinecam/peregrine/pkg/engine"
)

// Runtime implements engine.Runtime on top of TensorRT
type Runtime struct {
	handle unsafe.Pointer
	arch   string
}

// NewRuntime initializes CUDA device 'device' and creates a TensorRT runtime
// on it
func NewRuntime(device int, verbose bool) (*Runtime, error) {
	if err := cuda.Init(device); err != nil {
		return nil, err
	}
	arch, err := cuda.DeviceArch(device)
	if err != nil {
		return nil, err
	}
	r := &Runtime{arch: arch}
	cVerbose := C.int(0)
	if verbose {
		cVerbose = 1
	}
	if err := r.statusToErr(C.trtCreateRuntime(cVerbose, &r.handle)); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Runtime) statusToErr(status C.int) error {
	if status == 0 {
		return nil
	}
	msg := C.GoString(C.trtStatusStr(status))
	if r.handle != nil {
		if detail := C.GoString(C.trtLastError(r.handle)); detail != "" {
			return fmt.Errorf("tensorrt: %v: %v", msg, detail)
		}
	}
	return fmt.Errorf("tensorrt: %v", msg)
}

func (r *Runtime) Version() string {
	return C.GoString(C.trtVersion())
}

func (r *Runtime) DeviceArch() string {
	return r.arch
}

// Build compiles the network's ONNX graph into a serialized engine. This can
// take minutes on first run; the caller caches the result.
func (r *Runtime) Build(desc *engine.NetworkDescriptor) ([]byte, error) {
	cPath := C.CString(desc.OnnxPath)
	defer C.free(unsafe.Pointer(cPath))
	fp16 := C.int(0)
	if desc.Precision == engine.PrecisionFP16 {
		fp16 = 1
	}
	min := shapeToC(desc.Profile.Min)
	opt := shapeToC(desc.Profile.Opt)
	max := shapeToC(desc.Profile.Max)
	var blob unsafe.Pointer
	var blobSize C.size_t
	err := r.statusToErr(C.trtBuildEngine(r.handle, cPath, fp16, &min[0], &opt[0], &max[0], &blob, &blobSize))
	if err != nil {
		return nil, err
	}
	out := C.GoBytes(blob, C.int(blobSize))
	C.trtFreeBlob(blob)
	return out, nil
}

// Load deserializes an engine blob and creates an execution context for it
func (r *Runtime) Load(blob []byte) (engine.Executor, error) {
	e := &executor{runtime: r}
	err := r.statusToErr(C.trtLoadEngine(r.handle, unsafe.Pointer(&blob[0]), C.size_t(len(blob)), &e.engine))
	if err != nil {
		return nil, err
	}
	if err := r.statusToErr(C.trtCreateContext(e.engine, &e.ctx)); err != nil {
		C.trtDestroyEngine(e.engine)
		return nil, err
	}
	n := int(C.trtNumTensors(e.engine))
	for i := 0; i < n; i++ {
		dtype := engine.DTypeFloat32
		if C.trtTensorDataType(e.engine, C.int(i)) == 1 {
			dtype = engine.DTypeFloat16
		}
		e.tensors = append(e.tensors, engine.TensorInfo{
			Name:    C.GoString(C.trtTensorName(e.engine, C.int(i))),
			IsInput: C.trtTensorIsInput(e.engine, C.int(i)) == 1,
			DType:   dtype,
		})
	}
	return e, nil
}

func (r *Runtime) Destroy() {
	if r.handle != nil {
		C.trtDestroyRuntime(r.handle)
		r.handle = nil
	}
}

type executor struct {
	runtime *Runtime
	engine  unsafe.Pointer
	ctx     unsafe.Pointer
	tensors []engine.TensorInfo
}

func (e *executor) Tensors() []engine.TensorInfo {
	return e.tensors
}

func (e *executor) SetInputShape(name string, shape engine.Shape) error {
	cName := C.CString(name)
	defer C.free(unsafe.Pointer(cName))
	dims := shapeToC(shape)
	return e.runtime.statusToErr(C.trtSetInputShape(e.ctx, cName, &dims[0]))
}

func (e *executor) TensorVolume(name string) (int, error) {
	cName := C.CString(name)
	defer C.free(unsafe.Pointer(cName))
	volume := int64(C.trtTensorVolume(e.ctx, cName))
	if volume < 0 {
		return 0, fmt.Errorf("tensorrt: tensor %v has unresolved shape", name)
	}
	return int(volume), nil
}

func (e *executor) BindTensor(name string, ptr uintptr) error {
	cName := C.CString(name)
	defer C.free(unsafe.Pointer(cName))
	return e.runtime.statusToErr(C.trtBindTensor(e.ctx, cName, unsafe.Pointer(ptr)))
}

func (e *executor) Enqueue(stream uintptr) error {
	return e.runtime.statusToErr(C.trtEnqueue(e.ctx, unsafe.Pointer(stream)))
}

func (e *executor) Destroy() {
	if e.ctx != nil {
		C.trtDestroyContext(e.ctx)
		e.ctx = nil
	}
	if e.engine != nil {
		C.trtDestroyEngine(e.engine)
		e.engine = nil
	}
}

func shapeToC(s engine.Shape) [4]C.int {
	return [4]C.int{C.int(s.N), C.int(s.C), C.int(s.H), C.int(s.W)}
}
