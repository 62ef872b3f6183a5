package tensorrt

import (
	"fmt"
	"unsafe"

	"github.com/cyclopcam/logs"
	"github.com/peregrinecam/peregrine/pkg/cuda"
	"github.com/peregrinecam/peregrine/pkg/engine"
	"github.com/peregrinecam/peregrine/pkg/nn"
	"github.com/peregrinecam/peregrine/pkg/preprocess"
)

type DetectorOptions struct {
	Device       int                  // CUDA device ordinal
	CacheDir     string               // Serialized engine cache
	Precision    engine.PrecisionMode // FP16 is the default and what we deploy with
	MaxBatchSize int                  // Upper bound of the dynamic batch profile
	Verbose      bool
}

func NewDetectorOptions(cacheDir string) *DetectorOptions {
	return &DetectorOptions{
		CacheDir:     cacheDir,
		Precision:    engine.PrecisionFP16,
		MaxBatchSize: 4,
	}
}

// Detector runs a detection network on the GPU. It implements
// nn.ObjectDetector, and exposes Forward for the pipeline, which decodes on a
// separate thread.
//
// A Detector is owned by a single goroutine. All device work goes through one
// stream, and host buffers are reused between frames.
type Detector struct {
	log        logs.Log
	config     nn.ModelConfig
	runtime    *Runtime
	manager    *engine.Manager
	stream     *cuda.Stream
	prep       *cuda.Preprocessor
	inputName  string
	inputHalf  bool
	outputName string
	outputHalf bool
	layout     nn.OutputLayout
	hostRaw    []byte    // page-aligned, holds the raw output copy
	hostF32    []float32 // fp16 outputs get widened into here
}

// NewDetector builds or loads the engine for an ONNX model and prepares it
// for inference. The first call for a new model or GPU can take minutes while
// TensorRT compiles the network; after that the serialized engine comes out
// of options.CacheDir.
func NewDetector(logger logs.Log, onnxFile string, config *nn.ModelConfig, options *DetectorOptions) (*Detector, error) {
	if options == nil {
		options = NewDetectorOptions("")
	}
	runtime, err := NewRuntime(options.Device, options.Verbose)
	if err != nil {
		return nil, err
	}
	d := &Detector{
		log:     logger,
		config:  *config,
		runtime: runtime,
		layout:  nn.LayoutForArchitecture(config.Architecture),
	}
	shape := engine.Shape{N: 1, C: 3, H: config.Height, W: config.Width}
	maxShape := shape
	if options.MaxBatchSize > 1 {
		maxShape.N = options.MaxBatchSize
	}
	desc := &engine.NetworkDescriptor{
		OnnxPath:  onnxFile,
		Precision: options.Precision,
		Profile: engine.ShapeProfile{
			Min: shape,
			Opt: shape,
			Max: maxShape,
		},
	}
	d.manager = engine.NewManager(logger, runtime, &cuda.Allocator{}, options.CacheDir)
	if err := d.manager.EnsureReady(desc); err != nil {
		d.Close()
		return nil, err
	}
	input, ok := d.manager.InputTensor()
	if !ok {
		d.Close()
		return nil, fmt.Errorf("model %v has no input tensor", onnxFile)
	}
	outputs := d.manager.OutputTensors()
	if len(outputs) != 1 {
		d.Close()
		return nil, fmt.Errorf("model %v has %v output tensors, expected 1", onnxFile, len(outputs))
	}
	d.inputName = input.Name
	d.inputHalf = input.DType == engine.DTypeFloat16
	d.outputName = outputs[0].Name
	d.outputHalf = outputs[0].DType == engine.DTypeFloat16

	if err := d.manager.BindShape(shape); err != nil {
		d.Close()
		return nil, err
	}
	d.stream, err = cuda.NewStream()
	if err != nil {
		d.Close()
		return nil, err
	}
	d.prep = cuda.NewPreprocessor(preprocess.NewConfig(config.Width, config.Height), &cuda.Allocator{})
	logger.Infof("Detector ready: %v %vx%v, %v classes, %v, engine %v",
		config.Architecture, config.Width, config.Height, len(config.Classes), options.Precision, runtime.Version())
	return d, nil
}

func (d *Detector) Config() *nn.ModelConfig {
	return &d.config
}

// Forward runs preprocessing and inference on one image and returns the raw
// output tensor on the host, together with the letterbox transform of this
// frame. Decoding is left to the caller so the pipeline can do it off the
// inference thread.
//
// Our models are exported with the detection head output transposed to
// (cells, attributes), which is the layout the decoder consumes directly.
func (d *Detector) Forward(img nn.ImageCrop) (*nn.RawOutput, nn.LetterboxTransform, error) {
	input, ok := d.manager.Buffer(d.inputName)
	if !ok {
		return nil, nn.LetterboxTransform{}, fmt.Errorf("input tensor not bound")
	}
	xform, err := d.prep.Run(img, input.Ptr, d.inputHalf, d.stream)
	if err != nil {
		return nil, nn.LetterboxTransform{}, err
	}
	if err := d.manager.InferAsync(d.stream.Handle()); err != nil {
		return nil, nn.LetterboxTransform{}, err
	}

	volume, err := d.manager.OutputVolume(d.outputName)
	if err != nil {
		return nil, nn.LetterboxTransform{}, err
	}
	elemSize := 4
	if d.outputHalf {
		elemSize = 2
	}
	if len(d.hostRaw) < volume*elemSize {
		d.hostRaw = cuda.PageAlignedAlloc(cuda.RoundUpToPageSize(volume * elemSize))
	}
	output, _ := d.manager.Buffer(d.outputName)
	err = cuda.CopyToHostAsync(unsafe.Pointer(&d.hostRaw[0]), output.Ptr, volume*elemSize, d.stream)
	if err != nil {
		return nil, nn.LetterboxTransform{}, err
	}
	if err := d.stream.Synchronize(); err != nil {
		return nil, nn.LetterboxTransform{}, err
	}

	var data []float32
	if d.outputHalf {
		half := unsafe.Slice((*uint16)(unsafe.Pointer(&d.hostRaw[0])), volume)
		if len(d.hostF32) < volume {
			d.hostF32 = make([]float32, volume)
		}
		data = nn.HalfToFloat32(half, d.hostF32[:volume])
	} else {
		data = unsafe.Slice((*float32)(unsafe.Pointer(&d.hostRaw[0])), volume)
	}

	raw := &nn.RawOutput{
		Data:       data,
		NumClasses: len(d.config.Classes),
		Layout:     d.layout,
	}
	stride := raw.CellStride()
	if volume%stride != 0 {
		return nil, nn.LetterboxTransform{}, fmt.Errorf("output tensor volume %v is not a multiple of cell stride %v", volume, stride)
	}
	raw.Cells = volume / stride
	return raw, xform, nil
}

// DetectObjects implements nn.ObjectDetector
func (d *Detector) DetectObjects(img nn.ImageCrop, params *nn.DetectionParams) ([]nn.ObjectDetection, error) {
	raw, xform, err := d.Forward(img)
	if err != nil {
		return nil, err
	}
	return nn.DecodeDetections(raw, xform, params), nil
}

func (d *Detector) Close() {
	if d.stream != nil {
		if err := d.stream.Synchronize(); err != nil {
			d.log.Warnf("Detector close: stream synchronize: %v", err)
		}
	}
	if d.prep != nil {
		d.prep.Close()
		d.prep = nil
	}
	if d.manager != nil {
		d.manager.Destroy()
		d.manager = nil
	}
	if d.stream != nil {
		d.stream.Destroy()
		d.stream = nil
	}
	if d.runtime != nil {
		d.runtime.Destroy()
		d.runtime = nil
	}
}
