package engine

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

// fakeRuntime stands in for the device runtime so we can exercise the full
// lifecycle without a GPU
type fakeRuntime struct {
	version    string
	arch       string
	buildCount int
	buildErr   error
}

func (r *fakeRuntime) Version() string {
	return r.version
}

func (r *fakeRuntime) DeviceArch() string {
	return r.arch
}

func (r *fakeRuntime) Build(desc *NetworkDescriptor) ([]byte, error) {
	if r.buildErr != nil {
		return nil, r.buildErr
	}
	r.buildCount++
	return []byte("engine for " + desc.OnnxPath), nil
}

func (r *fakeRuntime) Load(blob []byte) (Executor, error) {
	return &fakeExecutor{
		tensors: []TensorInfo{
			{Name: "images", IsInput: true, DType: DTypeFloat32},
			{Name: "output0", IsInput: false, DType: DTypeFloat32},
		},
	}, nil
}

type fakeExecutor struct {
	tensors    []TensorInfo
	shape      Shape
	bindings   map[string]uintptr
	enqueues   int
	lastStream uintptr
	destroyed  bool
}

func (e *fakeExecutor) Tensors() []TensorInfo {
	return e.tensors
}

func (e *fakeExecutor) SetInputShape(name string, shape Shape) error {
	e.shape = shape
	return nil
}

func (e *fakeExecutor) TensorVolume(name string) (int, error) {
	switch name {
	case "images":
		return e.shape.Volume(), nil
	case "output0":
		// One output row of 84 values per grid cell, 100 cells per batch element
		return e.shape.N * 100 * 84, nil
	}
	return 0, errors.New("unknown tensor " + name)
}

func (e *fakeExecutor) BindTensor(name string, ptr uintptr) error {
	if e.bindings == nil {
		e.bindings = map[string]uintptr{}
	}
	e.bindings[name] = ptr
	return nil
}

func (e *fakeExecutor) Enqueue(stream uintptr) error {
	e.enqueues++
	e.lastStream = stream
	return nil
}

func (e *fakeExecutor) Destroy() {
	e.destroyed = true
}

// countingAllocator mimics device memory so we can assert on byte accounting
type countingAllocator struct {
	next      uintptr
	liveBytes int64
}

func (a *countingAllocator) Alloc(size int) (uintptr, error) {
	a.next += 0x1000
	a.liveBytes += int64(size)
	return a.next, nil
}

func (a *countingAllocator) Free(ptr uintptr, size int) {
	a.liveBytes -= int64(size)
}

func testDescriptor(t *testing.T) *NetworkDescriptor {
	onnxPath := filepath.Join(t.TempDir(), "yolov8s.onnx")
	require.NoError(t, os.WriteFile(onnxPath, []byte("fake onnx graph"), 0644))
	return &NetworkDescriptor{
		OnnxPath:  onnxPath,
		Precision: PrecisionFP16,
		Profile: ShapeProfile{
			Min: Shape{N: 1, C: 3, H: 640, W: 640},
			Opt: Shape{N: 1, C: 3, H: 640, W: 640},
			Max: Shape{N: 8, C: 3, H: 640, W: 640},
		},
	}
}

func newTestManager(t *testing.T, rt Runtime, cacheDir string) *Manager {
	return NewManager(logs.NewTestingLog(t), rt, &countingAllocator{}, cacheDir)
}

func TestBuildThenCacheHit(t *testing.T) {
	cacheDir := t.TempDir()
	desc := testDescriptor(t)
	rt := &fakeRuntime{version: "10.3.0", arch: "sm_86"}

	m1 := newTestManager(t, rt, cacheDir)
	require.Equal(t, StateUnbuilt, m1.State())
	require.NoError(t, m1.EnsureReady(desc))
	require.Equal(t, StateReady, m1.State())
	require.Equal(t, 1, rt.buildCount)
	m1.Destroy()

	// Second manager must load from cache, not rebuild
	m2 := newTestManager(t, rt, cacheDir)
	require.NoError(t, m2.EnsureReady(desc))
	require.Equal(t, 1, rt.buildCount)
	m2.Destroy()

	// EnsureReady is idempotent
	m3 := newTestManager(t, rt, cacheDir)
	require.NoError(t, m3.EnsureReady(desc))
	require.NoError(t, m3.EnsureReady(desc))
	m3.Destroy()
}

// A cache built for a different GPU architecture or runtime version triggers
// a rebuild, not a crash
func TestCacheMismatchRebuilds(t *testing.T) {
	cacheDir := t.TempDir()
	desc := testDescriptor(t)

	rt86 := &fakeRuntime{version: "10.3.0", arch: "sm_86"}
	m1 := newTestManager(t, rt86, cacheDir)
	require.NoError(t, m1.EnsureReady(desc))
	require.Equal(t, 1, rt86.buildCount)
	m1.Destroy()

	rt120 := &fakeRuntime{version: "10.3.0", arch: "sm_120"}
	m2 := newTestManager(t, rt120, cacheDir)
	require.NoError(t, m2.EnsureReady(desc))
	require.Equal(t, 1, rt120.buildCount)
	m2.Destroy()
}

func TestBuildFailureIsFatal(t *testing.T) {
	desc := testDescriptor(t)
	rt := &fakeRuntime{version: "10.3.0", arch: "sm_86", buildErr: errors.New("unsupported operator GridSample")}
	m := newTestManager(t, rt, t.TempDir())
	require.Error(t, m.EnsureReady(desc))
	require.Equal(t, StateUnbuilt, m.State())
}

func TestBindShape(t *testing.T) {
	desc := testDescriptor(t)
	rt := &fakeRuntime{version: "10.3.0", arch: "sm_86"}
	m := newTestManager(t, rt, t.TempDir())
	require.NoError(t, m.EnsureReady(desc))

	// Infer before binding a shape is rejected
	require.Error(t, m.InferAsync(1))

	shape1 := Shape{N: 1, C: 3, H: 640, W: 640}
	require.NoError(t, m.BindShape(shape1))
	require.Equal(t, StateShapeBound, m.State())
	require.Equal(t, shape1, m.BoundShape())

	input, ok := m.Buffer("images")
	require.True(t, ok)
	require.Equal(t, shape1.Volume()*4, input.Size)

	// Same shape is a no-op: same buffers remain bound
	require.NoError(t, m.BindShape(shape1))
	again, _ := m.Buffer("images")
	require.Equal(t, input.Ptr, again.Ptr)

	// Outside the dynamic profile
	require.ErrorIs(t, m.BindShape(Shape{N: 16, C: 3, H: 640, W: 640}), ErrShapeOutOfProfile)
	require.Error(t, m.BindShape(Shape{N: 1, C: 3, H: 320, W: 320}))

	require.NoError(t, m.InferAsync(7))
	m.Destroy()
	require.Equal(t, StateDestroyed, m.State())
}

// Rebinding shape from batch 1 to batch 4 and back to batch 1 must not leak
// device memory
func TestBindShapeNoLeak(t *testing.T) {
	desc := testDescriptor(t)
	rt := &fakeRuntime{version: "10.3.0", arch: "sm_86"}
	alloc := &countingAllocator{}
	m := NewManager(logs.NewTestingLog(t), rt, alloc, t.TempDir())
	require.NoError(t, m.EnsureReady(desc))

	batch1 := Shape{N: 1, C: 3, H: 640, W: 640}
	batch4 := Shape{N: 4, C: 3, H: 640, W: 640}

	require.NoError(t, m.BindShape(batch1))
	bytesAfterFirst := m.DeviceBytes()

	require.NoError(t, m.BindShape(batch4))
	require.NoError(t, m.BindShape(batch1))
	// Batch-4 buffers stay on the free-list, but a second round trip must
	// reuse them rather than allocate again
	bytesAfterCycle := m.DeviceBytes()
	require.NoError(t, m.BindShape(batch4))
	require.NoError(t, m.BindShape(batch1))
	require.Equal(t, bytesAfterCycle, m.DeviceBytes())
	require.GreaterOrEqual(t, bytesAfterCycle, bytesAfterFirst)

	m.Destroy()
	require.Equal(t, int64(0), alloc.liveBytes)
}
