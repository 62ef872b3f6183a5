// Package pipeline runs the real-time detection loop: frames come in from a
// source, go through GPU inference, get decoded into detections, and are
// delivered to consumers.
//
// The stages are connected by bounded queues that shed the oldest work when
// full, so a slow stage degrades frame rate instead of growing latency
// without bound. The GPU stage additionally skips straight to the newest
// queued frame, because inference is the bottleneck and stale frames are
// worthless by the time it frees up.
package pipeline

import (
	"errors"
	"sync"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/peregrinecam/peregrine/pkg/nn"
)

// Source yields frames to the pipeline.
type Source interface {
	// NextFrame blocks until a frame is available. It returns false when the
	// source is closed, which is also how a pipeline gets shut down.
	NextFrame() (nn.Frame, bool)
}

// Engine runs preprocessing and inference on one frame. tensorrt.Detector
// implements this. The returned raw output lives in a buffer owned by the
// engine, valid only until the next Forward call.
type Engine interface {
	Forward(img nn.ImageCrop) (*nn.RawOutput, nn.LetterboxTransform, error)
	Config() *nn.ModelConfig
}

// Consumer receives decoded detection results, on the decode thread.
// A consumer that can block must do its own buffering (see track.Watchers).
type Consumer interface {
	OnDetections(result *nn.DetectionResult)
}

// InferResult carries one frame's raw inference output from the GPU stage to
// the decode stage.
type InferResult struct {
	Seq         int64
	PTS         time.Time
	ImageWidth  int
	ImageHeight int
	Raw         *nn.RawOutput
	Xform       nn.LetterboxTransform
}

type Options struct {
	QueueDepth      int // Capacity of the capture and decode queues
	DetectionParams *nn.DetectionParams
	StatsInterval   time.Duration // Log stats this often. Zero disables.
}

func NewOptions() *Options {
	return &Options{
		QueueDepth:      3,
		DetectionParams: nn.NewDetectionParams(),
		StatsInterval:   5 * time.Minute,
	}
}

// Pipeline is the capture -> infer -> decode -> consume chain for one
// detection engine. Consumers are registered before Start.
type Pipeline struct {
	Log   logs.Log
	Stats Stats

	source    Source
	engine    Engine
	options   *Options
	consumers []Consumer

	captureQ *queue[nn.Frame]
	inferQ   *queue[InferResult]
	done     chan bool

	errLock  sync.Mutex
	fatalErr error
}

func NewPipeline(log logs.Log, source Source, engine Engine, options *Options) *Pipeline {
	if options == nil {
		options = NewOptions()
	}
	return &Pipeline{
		Log:      log,
		source:   source,
		engine:   engine,
		options:  options,
		captureQ: newQueue[nn.Frame](options.QueueDepth),
		inferQ:   newQueue[InferResult](options.QueueDepth),
		done:     make(chan bool),
	}
}

// AddConsumer registers a consumer. Must be called before Start.
func (p *Pipeline) AddConsumer(c Consumer) {
	p.consumers = append(p.consumers, c)
}

// Start launches the pipeline goroutines. The inference stage owns the
// engine from this point on.
func (p *Pipeline) Start() {
	go p.runCapture()
	go p.runInfer()
	go p.runDecode()
}

// Stop waits for the pipeline to drain and exit. The source must already be
// closed (NextFrame returning false), which cascades a shutdown through the
// stages. In-flight frames are processed, not discarded.
func (p *Pipeline) Stop() error {
	<-p.done
	p.Log.Infof("Pipeline stopped. %v", p.Stats.String())
	return p.Err()
}

// Err returns the error that halted the pipeline, or nil
func (p *Pipeline) Err() error {
	p.errLock.Lock()
	defer p.errLock.Unlock()
	return p.fatalErr
}

// runCapture pulls frames from the source and stamps them with a sequence
// number. If the GPU is behind, pushing sheds the oldest queued frame.
func (p *Pipeline) runCapture() {
	seq := int64(0)
	for {
		frame, ok := p.source.NextFrame()
		if !ok {
			break
		}
		seq++
		frame.Seq = seq
		p.Stats.FramesIn.Add(1)
		p.captureQ.push(frame)
		p.Stats.FramesDropped.Store(p.captureQ.dropped.Load())
	}
	p.captureQ.close()
}

// runInfer owns the engine. Frames in, raw tensors out.
func (p *Pipeline) runInfer() {
	lastErrAt := time.Time{}
	lastStatsAt := time.Now()
	for frame := range p.captureQ.ch {
		// Latest wins. If more frames arrived while we were busy, jump ahead
		// to the newest one.
		for drained := false; !drained; {
			select {
			case newer, ok := <-p.captureQ.ch:
				if !ok {
					drained = true
				} else {
					p.Stats.FramesStale.Add(1)
					frame = newer
				}
			default:
				drained = true
			}
		}

		start := time.Now()
		raw, xform, err := p.engine.Forward(frame.Image)
		if err != nil {
			p.Stats.InferErrors.Add(1)
			if errors.Is(err, nn.ErrEmptyFrame) || errors.Is(err, nn.ErrBadTargetSize) {
				// Bad frame. Skip it and carry on.
				if time.Now().Sub(lastErrAt) > 15*time.Second {
					p.Log.Errorf("Dropping bad frame: %v", err)
					lastErrAt = time.Now()
				}
				continue
			}
			// Anything else means the device may be in a corrupt state.
			// Stop inferring rather than retrying against a broken GPU. The
			// capture stage keeps shedding frames until the source is closed.
			p.Log.Errorf("Inference failed, halting pipeline: %v", err)
			p.errLock.Lock()
			p.fatalErr = err
			p.errLock.Unlock()
			break
		}
		updateMovingAverage(&p.Stats.AvgInferNS, time.Now().Sub(start).Nanoseconds())

		// The engine reuses its output buffer, so copy before handing the
		// tensor to the decode thread.
		owned := *raw
		owned.Data = append([]float32(nil), raw.Data...)
		p.inferQ.push(InferResult{
			Seq:         frame.Seq,
			PTS:         frame.PTS,
			ImageWidth:  frame.Image.CropWidth,
			ImageHeight: frame.Image.CropHeight,
			Raw:         &owned,
			Xform:       xform,
		})

		if p.options.StatsInterval > 0 && time.Now().Sub(lastStatsAt) > p.options.StatsInterval {
			p.Log.Infof("Pipeline: %v", p.Stats.String())
			lastStatsAt = time.Now()
		}
	}
	p.inferQ.close()
}

// runDecode turns raw tensors into detections and delivers them
func (p *Pipeline) runDecode() {
	for res := range p.inferQ.ch {
		start := time.Now()
		objects := nn.DecodeDetections(res.Raw, res.Xform, p.options.DetectionParams)
		updateMovingAverage(&p.Stats.AvgDecodeNS, time.Now().Sub(start).Nanoseconds())

		result := &nn.DetectionResult{
			FrameSeq:    res.Seq,
			FramePTS:    res.PTS,
			ImageWidth:  res.ImageWidth,
			ImageHeight: res.ImageHeight,
			Objects:     objects,
		}
		for _, c := range p.consumers {
			c.OnDetections(result)
		}
		p.Stats.ResultsOut.Add(1)
	}
	close(p.done)
}
