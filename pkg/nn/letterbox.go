package nn

import (
	"errors"

	"github.com/chewxy/math32"
)

var ErrEmptyFrame = errors.New("source frame has zero area")
var ErrBadTargetSize = errors.New("target resolution is not positive")

// LetterboxTransform is the uniform scale and centering pad that maps a source
// image into the network's fixed input resolution while preserving aspect ratio.
// The forward transform is scale-then-pad, so the inverse is subtract-pad-then-
// divide-by-scale, in that order.
// The transform is computed once per frame and must travel with the tensor
// through the pipeline; the padding is not recoverable from pixel data.
type LetterboxTransform struct {
	Scale     float32 // Uniform scale factor, min(dstW/srcW, dstH/srcH)
	PadX      float32 // Left pad in destination pixels
	PadY      float32 // Top pad in destination pixels
	SrcWidth  int
	SrcHeight int
	DstWidth  int
	DstHeight int
}

// ComputeLetterbox computes the transform for resizing a srcWidth x srcHeight
// frame into a dstWidth x dstHeight network input.
func ComputeLetterbox(srcWidth, srcHeight, dstWidth, dstHeight int) (LetterboxTransform, error) {
	if srcWidth <= 0 || srcHeight <= 0 {
		return LetterboxTransform{}, ErrEmptyFrame
	}
	if dstWidth <= 0 || dstHeight <= 0 {
		return LetterboxTransform{}, ErrBadTargetSize
	}
	scale := min(float32(dstWidth)/float32(srcWidth), float32(dstHeight)/float32(srcHeight))
	scaledW := math32.Round(float32(srcWidth) * scale)
	scaledH := math32.Round(float32(srcHeight) * scale)
	return LetterboxTransform{
		Scale:     scale,
		PadX:      math32.Floor((float32(dstWidth) - scaledW) / 2),
		PadY:      math32.Floor((float32(dstHeight) - scaledH) / 2),
		SrcWidth:  srcWidth,
		SrcHeight: srcHeight,
		DstWidth:  dstWidth,
		DstHeight: dstHeight,
	}, nil
}

// ScaledSize returns the size of the scaled image inside the padded input
func (t LetterboxTransform) ScaledSize() (width, height int) {
	return int(math32.Round(float32(t.SrcWidth) * t.Scale)), int(math32.Round(float32(t.SrcHeight) * t.Scale))
}

// Forward maps a rect from source-image space to network-input space
func (t LetterboxTransform) Forward(r Rect) Rect {
	return Rect{
		X:      r.X*t.Scale + t.PadX,
		Y:      r.Y*t.Scale + t.PadY,
		Width:  r.Width * t.Scale,
		Height: r.Height * t.Scale,
	}
}

// Backward maps a rect from network-input space back to source-image space.
// Padding is subtracted before dividing by scale, which is the correct inverse
// of scale-then-pad.
func (t LetterboxTransform) Backward(r Rect) Rect {
	return Rect{
		X:      (r.X - t.PadX) / t.Scale,
		Y:      (r.Y - t.PadY) / t.Scale,
		Width:  r.Width / t.Scale,
		Height: r.Height / t.Scale,
	}
}

// ApplyBackward maps detection boxes in-place from network-input space to
// source-image space. Unless unclipped is set, boxes are clamped to the source
// image bounds (letterbox rounding can push edge boxes slightly out).
func (t LetterboxTransform) ApplyBackward(objects []ObjectDetection, unclipped bool) {
	for i := range objects {
		box := t.Backward(objects[i].Box)
		if !unclipped {
			box = box.Clamped(float32(t.SrcWidth), float32(t.SrcHeight))
		}
		objects[i].Box = box
	}
}
