package pipeline

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/peregrinecam/peregrine/pkg/nn"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	ch chan nn.Frame
}

func newFakeSource() *fakeSource {
	return &fakeSource{ch: make(chan nn.Frame)}
}

func (s *fakeSource) NextFrame() (nn.Frame, bool) {
	f, ok := <-s.ch
	return f, ok
}

func (s *fakeSource) send(width, height int) {
	s.ch <- nn.Frame{
		PTS:   time.Now(),
		Image: nn.WholeImage(3, make([]byte, width*height*3), width, height),
	}
}

// fakeEngine emits a single detection whose box is (100,100,100,100) in
// source coordinates, at confidence 0.9 for class 1
type fakeEngine struct {
	config   nn.ModelConfig
	calls    atomic.Int64
	failWith atomic.Pointer[error] // error returned by Forward, when set
	gate     chan bool             // when non-nil, Forward consumes one token per call
}

func (e *fakeEngine) failAlways(err error) {
	e.failWith.Store(&err)
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		config: nn.ModelConfig{Architecture: "yolov8", Width: 640, Height: 640, Classes: []string{"person", "car"}},
	}
}

func (e *fakeEngine) Config() *nn.ModelConfig {
	return &e.config
}

func (e *fakeEngine) Forward(img nn.ImageCrop) (*nn.RawOutput, nn.LetterboxTransform, error) {
	if e.gate != nil {
		<-e.gate
	}
	e.calls.Add(1)
	if perr := e.failWith.Load(); perr != nil {
		return nil, nn.LetterboxTransform{}, *perr
	}
	xform, err := nn.ComputeLetterbox(img.CropWidth, img.CropHeight, e.config.Width, e.config.Height)
	if err != nil {
		return nil, nn.LetterboxTransform{}, err
	}
	box := xform.Forward(nn.Rect{X: 100, Y: 100, Width: 100, Height: 100})
	raw := &nn.RawOutput{
		Data: []float32{
			box.X + box.Width/2, box.Y + box.Height/2, box.Width, box.Height,
			0.1, 0.9,
		},
		Cells:      1,
		NumClasses: 2,
		Layout:     nn.LayoutClassScores,
	}
	return raw, xform, nil
}

type collectConsumer struct {
	results chan *nn.DetectionResult
}

func newCollectConsumer() *collectConsumer {
	return &collectConsumer{results: make(chan *nn.DetectionResult, 1000)}
}

func (c *collectConsumer) OnDetections(result *nn.DetectionResult) {
	c.results <- result
}

func (c *collectConsumer) drain() []*nn.DetectionResult {
	out := []*nn.DetectionResult{}
	for {
		select {
		case r := <-c.results:
			out = append(out, r)
		default:
			return out
		}
	}
}

func TestPipelineDelivery(t *testing.T) {
	source := newFakeSource()
	engine := newFakeEngine()
	consumer := newCollectConsumer()

	p := NewPipeline(logs.NewTestingLog(t), source, engine, nil)
	p.AddConsumer(consumer)
	p.Start()

	nFrames := 20
	for i := 0; i < nFrames; i++ {
		source.send(1280, 960)
	}
	close(source.ch)
	require.NoError(t, p.Stop())

	results := consumer.drain()
	require.NotEmpty(t, results)
	require.Equal(t, int64(len(results)), p.Stats.ResultsOut.Load())
	require.Equal(t, int64(nFrames), p.Stats.FramesIn.Load())

	// Sequence numbers strictly increase, and the last frame always arrives
	lastSeq := int64(0)
	for _, r := range results {
		require.Greater(t, r.FrameSeq, lastSeq)
		lastSeq = r.FrameSeq
		require.Equal(t, 1280, r.ImageWidth)
		require.Equal(t, 960, r.ImageHeight)
		require.Len(t, r.Objects, 1)
		obj := r.Objects[0]
		require.Equal(t, 1, obj.Class)
		require.InDelta(t, 0.9, obj.Confidence, 1e-5)
		require.InDelta(t, 100, obj.Box.X, 0.01)
		require.InDelta(t, 100, obj.Box.Y, 0.01)
		require.InDelta(t, 100, obj.Box.Width, 0.01)
		require.InDelta(t, 100, obj.Box.Height, 0.01)
	}
	require.Equal(t, int64(nFrames), lastSeq)
}

// When the engine is slower than the source, old frames get shed and the
// newest frame still comes out the other end
func TestPipelineShedding(t *testing.T) {
	source := newFakeSource()
	engine := newFakeEngine()
	engine.gate = make(chan bool)
	consumer := newCollectConsumer()

	p := NewPipeline(logs.NewTestingLog(t), source, engine, nil)
	p.AddConsumer(consumer)
	p.Start()

	// First frame occupies the engine, the rest pile up in the capture queue
	nFrames := 30
	for i := 0; i < nFrames; i++ {
		source.send(640, 480)
	}
	close(source.ch)
	for i := 0; i < nFrames; i++ {
		select {
		case engine.gate <- true:
		default:
		}
		// Unblock however many Forward calls actually happen
		time.Sleep(time.Millisecond)
	}
	close(engine.gate)
	require.NoError(t, p.Stop())

	results := consumer.drain()
	require.NotEmpty(t, results)
	shed := p.Stats.FramesDropped.Load() + p.Stats.FramesStale.Load()
	require.Greater(t, shed, int64(0))
	require.Equal(t, int64(nFrames), results[len(results)-1].FrameSeq)
}

// Bad frames are skipped without halting the pipeline
func TestPipelineBadFrames(t *testing.T) {
	source := newFakeSource()
	engine := newFakeEngine()
	engine.failAlways(nn.ErrEmptyFrame)
	consumer := newCollectConsumer()

	p := NewPipeline(logs.NewTestingLog(t), source, engine, nil)
	p.AddConsumer(consumer)
	p.Start()

	for i := 0; i < 5; i++ {
		source.send(640, 480)
	}
	close(source.ch)
	require.NoError(t, p.Stop())

	require.Greater(t, p.Stats.InferErrors.Load(), int64(0))
	require.Equal(t, int64(0), p.Stats.ResultsOut.Load())
	require.Empty(t, consumer.drain())
}

// A device-level failure halts inference. No retries against a GPU in an
// unknown state.
func TestPipelineDeviceFailure(t *testing.T) {
	source := newFakeSource()
	engine := newFakeEngine()
	engine.failAlways(errors.New("device lost"))
	consumer := newCollectConsumer()

	p := NewPipeline(logs.NewTestingLog(t), source, engine, nil)
	p.AddConsumer(consumer)
	p.Start()

	for i := 0; i < 5; i++ {
		source.send(640, 480)
	}
	close(source.ch)
	err := p.Stop()
	require.Error(t, err)

	require.Empty(t, consumer.drain())
	require.Equal(t, int64(1), p.Stats.InferErrors.Load())
	require.Equal(t, int64(0), p.Stats.ResultsOut.Load())
}
