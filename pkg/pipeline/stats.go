package pipeline

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// Stats counts what moved through the pipeline and what got shed. The
// averages are exponential moving averages, sampled racily, which is fine
// for stats.
type Stats struct {
	FramesIn      atomic.Int64 // Frames received from the source
	FramesDropped atomic.Int64 // Frames shed by the capture queue
	FramesStale   atomic.Int64 // Frames skipped by latest-wins in the infer stage
	ResultsOut    atomic.Int64 // Results delivered to consumers
	InferErrors   atomic.Int64

	AvgInferNS  atomic.Uint64 // Preprocess + inference + output copy, per frame
	AvgDecodeNS atomic.Uint64
}

// updateMovingAverage folds a sample into an exponential moving average.
// We don't bother with CompareAndSwap here; missing the occasional sample
// is OK for stats.
func updateMovingAverage(stat *atomic.Uint64, value int64) {
	vu := uint64(value)
	if stat.Load() == 0 {
		stat.Store(vu)
	} else {
		stat.Store((stat.Load()*63 + vu) >> 6)
	}
}

func (s *Stats) String() string {
	b := &strings.Builder{}
	fmt.Fprintf(b, "in %v, out %v, dropped %v, stale %v, errors %v, infer %.2f ms, decode %.2f ms",
		s.FramesIn.Load(), s.ResultsOut.Load(), s.FramesDropped.Load(), s.FramesStale.Load(), s.InferErrors.Load(),
		float64(s.AvgInferNS.Load())/1e6, float64(s.AvgDecodeNS.Load())/1e6)
	return b.String()
}
