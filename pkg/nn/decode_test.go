package nn

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

// rawBuilder assembles an output tensor cell by cell
type rawBuilder struct {
	raw RawOutput
}

func newRawBuilder(numClasses int, layout OutputLayout) *rawBuilder {
	return &rawBuilder{
		raw: RawOutput{NumClasses: numClasses, Layout: layout},
	}
}

func (b *rawBuilder) addCell(cx, cy, w, h float32, rest ...float32) *rawBuilder {
	b.raw.Data = append(b.raw.Data, cx, cy, w, h)
	b.raw.Data = append(b.raw.Data, rest...)
	b.raw.Cells++
	return b
}

func testTransform(t *testing.T) LetterboxTransform {
	// 1280x960 source into a 640x640 network: scale 0.5, pad (0, 80)
	xf, err := ComputeLetterbox(1280, 960, 640, 640)
	require.NoError(t, err)
	return xf
}

func TestDecodeSingleCell(t *testing.T) {
	xf := testTransform(t)
	raw := newRawBuilder(3, LayoutClassScores).
		addCell(320, 320, 128, 128, 0.9, 0.1, 0.05).
		raw

	objects := DecodeDetections(&raw, xf, NewDetectionParams())
	require.Len(t, objects, 1)
	require.Equal(t, 0, objects[0].Class)
	require.Equal(t, float32(0.9), objects[0].Confidence)
	// (320-64-0)/0.5 = 512, (320-64-80)/0.5 = 352, 128/0.5 = 256
	require.InDelta(t, 512, objects[0].Box.X, 0.01)
	require.InDelta(t, 352, objects[0].Box.Y, 0.01)
	require.InDelta(t, 256, objects[0].Box.Width, 0.01)
	require.InDelta(t, 256, objects[0].Box.Height, 0.01)
}

func TestDecodeObjectnessLayout(t *testing.T) {
	xf := testTransform(t)
	// objectness 0.8 * class score 0.9 = 0.72
	raw := newRawBuilder(2, LayoutObjectness).
		addCell(320, 320, 64, 64, 0.8, 0.1, 0.9).
		raw

	objects := DecodeDetections(&raw, xf, NewDetectionParams())
	require.Len(t, objects, 1)
	require.Equal(t, 1, objects[0].Class)
	require.InDelta(t, 0.72, objects[0].Confidence, 1e-5)

	// Same cell with objectness 0.5 falls below the default threshold
	raw = newRawBuilder(2, LayoutObjectness).
		addCell(320, 320, 64, 64, 0.5, 0.1, 0.9).
		raw
	require.Empty(t, DecodeDetections(&raw, xf, NewDetectionParams()))
}

func TestDecodeEmptyOutput(t *testing.T) {
	xf := testTransform(t)

	// Nothing above threshold is an empty batch, not an error
	raw := newRawBuilder(2, LayoutClassScores).
		addCell(100, 100, 50, 50, 0.2, 0.3).
		addCell(200, 200, 50, 50, 0.1, 0.05).
		raw
	require.Empty(t, DecodeDetections(&raw, xf, NewDetectionParams()))

	// Zero cells is also fine
	empty := RawOutput{NumClasses: 2, Layout: LayoutClassScores}
	require.Empty(t, DecodeDetections(&empty, xf, NewDetectionParams()))
}

func TestDecodeClampsEdgeBoxes(t *testing.T) {
	xf := testTransform(t)
	// A confident box hugging the top of the padded region maps slightly
	// above y=0 in source space; it must be clamped into the image.
	raw := newRawBuilder(1, LayoutClassScores).
		addCell(320, 82, 40, 40, 0.95).
		raw

	objects := DecodeDetections(&raw, xf, NewDetectionParams())
	require.Len(t, objects, 1)
	require.GreaterOrEqual(t, objects[0].Box.Y, float32(0))

	params := NewDetectionParams()
	params.Unclipped = true
	unclipped := DecodeDetections(&raw, xf, params)
	require.Len(t, unclipped, 1)
	require.Less(t, unclipped[0].Box.Y, float32(0))
}

func randomRaw(rng *rand.Rand, cells, numClasses int) *RawOutput {
	b := newRawBuilder(numClasses, LayoutClassScores)
	for i := 0; i < cells; i++ {
		scores := make([]float32, numClasses)
		for c := range scores {
			scores[c] = rng.Float32()
		}
		cx := rng.Float32() * 640
		cy := rng.Float32() * 640
		w := rng.Float32()*100 + 4
		h := rng.Float32()*100 + 4
		b.addCell(cx, cy, w, h, scores...)
	}
	return &b.raw
}

// Raising the confidence threshold can only remove detections, never add or
// alter them.
func TestDecodeThresholdMonotonic(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	xf := testTransform(t)
	for trial := 0; trial < 20; trial++ {
		raw := randomRaw(rng, 200, 5)

		loose := NewDetectionParams()
		loose.ProbabilityThreshold = 0.3
		strict := NewDetectionParams()
		strict.ProbabilityThreshold = 0.6

		looseObjects := DecodeDetections(raw, xf, loose)
		strictObjects := DecodeDetections(raw, xf, strict)

		require.LessOrEqual(t, len(strictObjects), len(looseObjects))
		for _, obj := range strictObjects {
			require.Contains(t, looseObjects, obj)
		}
	}
}

// Identical input and parameters must produce identical output
func TestDecodeDeterministic(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	xf := testTransform(t)
	raw := randomRaw(rng, 500, 8)

	first := DecodeDetections(raw, xf, NewDetectionParams())
	second := DecodeDetections(raw, xf, NewDetectionParams())
	require.Equal(t, first, second)
}

// Output order is the documented contract: class ascending, then confidence
// descending within class
func TestDecodeOrdering(t *testing.T) {
	rng := rand.New(rand.NewSource(99))
	xf := testTransform(t)
	raw := randomRaw(rng, 400, 6)

	objects := DecodeDetections(raw, xf, NewDetectionParams())
	require.NotEmpty(t, objects)
	for i := 1; i < len(objects); i++ {
		prev, cur := objects[i-1], objects[i]
		require.LessOrEqual(t, prev.Class, cur.Class)
		if prev.Class == cur.Class {
			require.GreaterOrEqual(t, prev.Confidence, cur.Confidence)
		}
	}
}
