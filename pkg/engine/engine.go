package engine

// Package engine owns the compiled inference engine lifecycle: build from a
// network description or load from the on-disk cache, bind device buffers for
// a concrete dynamic shape, and enqueue inference asynchronously on a stream.
//
// The device runtime (TensorRT in production) sits behind the Runtime and
// Executor interfaces, so all of the lifecycle logic here is plain Go.
//
// A Manager is owned by a single goroutine. It has no internal locking; it is
// the orchestrator's job to serialize calls. Create one Manager per worker if
// parallel inference is desired, each with its own device buffers.

import (
	"errors"
	"fmt"
	"os"

	"github.com/cyclopcam/logs"
	"github.com/peregrinecam/peregrine/pkg/devmem"
	"github.com/peregrinecam/peregrine/pkg/enginecache"
)

var ErrShapeOutOfProfile = errors.New("requested shape is outside the engine's dynamic shape profile")

// Runtime builds and loads compiled engines for one device
type Runtime interface {
	// Version of the underlying inference runtime, eg "10.3.0"
	Version() string
	// DeviceArch is the compute architecture of the active GPU, eg "sm_86"
	DeviceArch() string
	// Build compiles a network description into a serialized engine.
	// This can take seconds to minutes; it runs off the real-time path.
	Build(desc *NetworkDescriptor) ([]byte, error)
	// Load deserializes an engine blob and creates an execution context for it
	Load(blob []byte) (Executor, error)
}

// Executor is a stateful binding of a loaded engine: named tensors, the
// currently-set input shape, and the device addresses bound to each tensor.
// Not safe for concurrent use.
type Executor interface {
	// Tensors lists all input and output tensors of the engine
	Tensors() []TensorInfo
	// SetInputShape sets the concrete shape of an input tensor.
	// Output tensor shapes are re-derived by the runtime.
	SetInputShape(name string, shape Shape) error
	// TensorVolume returns the element count of a tensor under the currently
	// set input shapes
	TensorVolume(name string) (int, error)
	// BindTensor points a tensor at a device address. Buffer sizes must
	// exactly match the current shape.
	BindTensor(name string, ptr uintptr) error
	// Enqueue issues inference on the stream against the bound buffers.
	// It does not block; completion is observed via stream synchronization.
	Enqueue(stream uintptr) error
	Destroy()
}

// Engine state machine:
//
//	Unbuilt -> Building -> Ready          (build path)
//	Unbuilt -> Ready                      (cache hit)
//	Ready   -> ShapeBound                 (first BindShape)
//	ShapeBound -> ShapeBound              (shape change rebinds buffers)
//	any     -> Destroyed                  (shutdown)
type State int

const (
	StateUnbuilt State = iota
	StateBuilding
	StateReady
	StateShapeBound
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateUnbuilt:
		return "Unbuilt"
	case StateBuilding:
		return "Building"
	case StateReady:
		return "Ready"
	case StateShapeBound:
		return "ShapeBound"
	case StateDestroyed:
		return "Destroyed"
	}
	return fmt.Sprintf("State(%v)", int(s))
}

// Manager owns one compiled engine and its execution context
type Manager struct {
	log      logs.Log
	rt       Runtime
	pool     *devmem.Pool
	cacheDir string

	state      State
	desc       *NetworkDescriptor
	exec       Executor
	tensors    []TensorInfo
	bound      map[string]devmem.Buffer
	boundShape Shape
}

func NewManager(log logs.Log, rt Runtime, alloc devmem.Allocator, cacheDir string) *Manager {
	return &Manager{
		log:      log,
		rt:       rt,
		pool:     devmem.NewPool(alloc),
		cacheDir: cacheDir,
		state:    StateUnbuilt,
		bound:    map[string]devmem.Buffer{},
	}
}

// transition guards every state change. Concurrent transitions on the same
// Manager are a caller bug; see the package comment.
func (m *Manager) transition(to State, from ...State) error {
	for _, f := range from {
		if m.state == f {
			m.state = to
			return nil
		}
	}
	return fmt.Errorf("invalid engine state transition %v -> %v", m.state, to)
}

// EnsureReady builds the engine from the network description, or loads it from
// cache when a serialized engine matching the current runtime version, device
// architecture, descriptor and precision exists. A stale or mismatched cache
// triggers a rebuild, never an error. Build failure is fatal; there is no
// fallback precision.
// Idempotent once the engine is Ready.
func (m *Manager) EnsureReady(desc *NetworkDescriptor) error {
	if m.state == StateReady || m.state == StateShapeBound {
		return nil
	}
	if err := m.transition(StateBuilding, StateUnbuilt); err != nil {
		return err
	}
	hash, err := desc.Hash()
	if err != nil {
		m.state = StateUnbuilt
		return err
	}
	tag := enginecache.Tag{
		RuntimeVersion: m.rt.Version(),
		DeviceArch:     m.rt.DeviceArch(),
		DescriptorHash: hash,
		Precision:      desc.Precision.String(),
	}
	cachePath := enginecache.PathFor(m.cacheDir, tag)

	blob, err := enginecache.Read(cachePath, tag)
	switch {
	case err == nil:
		m.log.Infof("Loaded cached engine %v", cachePath)
	case errors.Is(err, enginecache.ErrMismatch) || errors.Is(err, enginecache.ErrCorrupt) || os.IsNotExist(err):
		if !os.IsNotExist(err) {
			m.log.Infof("Engine cache unusable (%v), rebuilding", err)
		}
		m.log.Infof("Building engine from %v (%v). This can take a few minutes.", desc.OnnxPath, desc.Precision)
		blob, err = m.rt.Build(desc)
		if err != nil {
			m.state = StateUnbuilt
			return fmt.Errorf("engine build failed: %w", err)
		}
		if werr := enginecache.Write(cachePath, tag, blob); werr != nil {
			// Not fatal. We'll just rebuild next time.
			m.log.Warnf("Failed to write engine cache %v: %v", cachePath, werr)
		}
	default:
		m.state = StateUnbuilt
		return err
	}

	exec, err := m.rt.Load(blob)
	if err != nil {
		m.state = StateUnbuilt
		return fmt.Errorf("engine deserialize failed: %w", err)
	}
	m.desc = desc
	m.exec = exec
	m.tensors = exec.Tensors()
	return m.transition(StateReady, StateBuilding)
}

// BindShape (re)allocates and binds device buffers sized for 'shape' for every
// tensor. Must be called before the first inference and whenever the active
// shape changes. A no-op when the shape is unchanged.
func (m *Manager) BindShape(shape Shape) error {
	if m.state == StateShapeBound && shape == m.boundShape {
		return nil
	}
	if m.state != StateReady && m.state != StateShapeBound {
		return fmt.Errorf("cannot bind shape in state %v", m.state)
	}
	if !m.desc.Profile.Contains(shape) {
		return fmt.Errorf("%w: %v not in [%v, %v]", ErrShapeOutOfProfile, shape, m.desc.Profile.Min, m.desc.Profile.Max)
	}
	for _, tensor := range m.tensors {
		if tensor.IsInput {
			if err := m.exec.SetInputShape(tensor.Name, shape); err != nil {
				return err
			}
		}
	}
	// Setting a new shape invalidates previously-bound buffer sizes, so every
	// tensor gets rebound. Returning old buffers before checking out new ones
	// lets the pool reuse them when sizes repeat.
	for _, tensor := range m.tensors {
		volume, err := m.exec.TensorVolume(tensor.Name)
		if err != nil {
			return err
		}
		size := volume * tensor.DType.Size()
		if old, ok := m.bound[tensor.Name]; ok {
			m.pool.Return(old)
			delete(m.bound, tensor.Name)
		}
		buf, err := m.pool.Checkout(size)
		if err != nil {
			return fmt.Errorf("allocating %v bytes for tensor %v: %w", size, tensor.Name, err)
		}
		if err := m.exec.BindTensor(tensor.Name, buf.Ptr); err != nil {
			m.pool.Return(buf)
			return err
		}
		m.bound[tensor.Name] = buf
	}
	m.boundShape = shape
	return m.transition(StateShapeBound, StateReady, StateShapeBound)
}

// InferAsync enqueues inference on the stream against the currently bound
// buffers. It does not block. The caller must not mutate bound input buffers
// after this call is issued, and must not read output buffers until the stream
// signals completion.
func (m *Manager) InferAsync(stream uintptr) error {
	if m.state != StateShapeBound {
		return fmt.Errorf("cannot infer in state %v (bind a shape first)", m.state)
	}
	return m.exec.Enqueue(stream)
}

// Buffer returns the device buffer bound to a tensor
func (m *Manager) Buffer(name string) (devmem.Buffer, bool) {
	buf, ok := m.bound[name]
	return buf, ok
}

// Tensors lists the engine's tensors. Valid once Ready.
func (m *Manager) Tensors() []TensorInfo {
	return m.tensors
}

// InputTensor returns the first input tensor. Every network we run has exactly
// one image input.
func (m *Manager) InputTensor() (TensorInfo, bool) {
	for _, tensor := range m.tensors {
		if tensor.IsInput {
			return tensor, true
		}
	}
	return TensorInfo{}, false
}

// OutputTensors returns the output tensors, in engine order
func (m *Manager) OutputTensors() []TensorInfo {
	outputs := []TensorInfo{}
	for _, tensor := range m.tensors {
		if !tensor.IsInput {
			outputs = append(outputs, tensor)
		}
	}
	return outputs
}

// OutputVolume returns the element count of a tensor under the bound shape
func (m *Manager) OutputVolume(name string) (int, error) {
	if m.state != StateShapeBound {
		return 0, fmt.Errorf("no shape bound")
	}
	return m.exec.TensorVolume(name)
}

func (m *Manager) State() State {
	return m.state
}

func (m *Manager) BoundShape() Shape {
	return m.boundShape
}

// DeviceBytes is the total device memory held for this engine's buffers
func (m *Manager) DeviceBytes() int64 {
	return m.pool.TotalBytes()
}

// Destroy releases all device buffers and the execution context.
// The caller must have synchronized any stream with in-flight work referencing
// the bound buffers; freeing device memory with outstanding asynchronous work
// is undefined behavior.
func (m *Manager) Destroy() {
	if m.state == StateDestroyed {
		return
	}
	for name, buf := range m.bound {
		m.pool.Return(buf)
		delete(m.bound, name)
	}
	if err := m.pool.Close(); err != nil {
		m.log.Errorf("Engine buffer pool close: %v", err)
	}
	if m.exec != nil {
		m.exec.Destroy()
		m.exec = nil
	}
	m.state = StateDestroyed
}
