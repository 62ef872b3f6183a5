// Package preprocess turns camera frames into network input tensors.
//
// The transformation is fused: letterbox resize, channel reorder, and
// normalization happen in a single pass that writes planar CHW float32.
// On the GPU this runs as one kernel (pkg/cuda); this package holds the
// configuration and a CPU reference implementation that the GPU path is
// validated against.
package preprocess

import (
	"fmt"

	"github.com/peregrinecam/peregrine/pkg/nn"
)

// DefaultPadValue is the gray used to fill letterbox borders, matching what
// the detection models were trained with.
const DefaultPadValue = 114

// Config describes the fused preprocessing stage. Normalization is
// out = (v/255 - Mean[c]) * Scale[c], applied per output channel after any
// red/blue swap.
type Config struct {
	Width    int        // Network input width
	Height   int        // Network input height
	Mean     [3]float32 // Per-channel mean, in 0..1 units
	Scale    [3]float32 // Per-channel scale factor
	PadValue byte       // Letterbox fill, in 0..255 units
	SwapRB   bool       // Swap red and blue channels (BGR models)
}

// NewConfig returns the configuration for YOLO-family models: divide by 255,
// no mean subtraction, gray padding.
func NewConfig(width, height int) Config {
	return Config{
		Width:    width,
		Height:   height,
		Scale:    [3]float32{1, 1, 1},
		PadValue: DefaultPadValue,
	}
}

// TensorSize is the number of float32 elements the stage produces
func (c *Config) TensorSize() int {
	return 3 * c.Width * c.Height
}

// padNormalized returns the letterbox fill after normalization, per channel
func (c *Config) padNormalized() [3]float32 {
	v := float32(c.PadValue) / 255
	out := [3]float32{}
	for i := 0; i < 3; i++ {
		out[i] = (v - c.Mean[i]) * c.Scale[i]
	}
	return out
}

// CPU is the reference implementation of the fused preprocessing stage. It
// letterboxes 'img' into a Width x Height canvas with bilinear filtering,
// normalizes, and writes planar CHW float32 into 'dst', which must hold
// TensorSize() elements. The returned transform maps source pixel coordinates
// into tensor coordinates; detections are mapped back through its inverse.
func CPU(cfg *Config, img nn.ImageCrop, dst []float32) (nn.LetterboxTransform, error) {
	xform, err := nn.ComputeLetterbox(img.CropWidth, img.CropHeight, cfg.Width, cfg.Height)
	if err != nil {
		return nn.LetterboxTransform{}, err
	}
	if len(dst) != cfg.TensorSize() {
		return nn.LetterboxTransform{}, fmt.Errorf("dst holds %v elements, need %v", len(dst), cfg.TensorSize())
	}
	if img.NChan != 1 && img.NChan != 3 && img.NChan != 4 {
		return nn.LetterboxTransform{}, fmt.Errorf("unsupported channel count %v", img.NChan)
	}

	plane := cfg.Width * cfg.Height
	pad := cfg.padNormalized()
	for c := 0; c < 3; c++ {
		fill(dst[c*plane:(c+1)*plane], pad[c])
	}

	scaledW, scaledH := xform.ScaledSize()
	padX := int(xform.PadX)
	padY := int(xform.PadY)
	invScale := 1 / xform.Scale

	nchan := img.NChan
	stride := img.Stride()
	base := (img.CropY*img.ImageWidth + img.CropX) * nchan
	maxX := img.CropWidth - 1
	maxY := img.CropHeight - 1

	for dy := 0; dy < scaledH; dy++ {
		// Center of the destination pixel, mapped into source space
		sy := (float32(dy)+0.5)*invScale - 0.5
		y0, fy := splitCoord(sy, maxY)
		row0 := base + y0*stride
		row1 := row0
		if y0 < maxY {
			row1 += stride
		}
		outRow := (dy + padY) * cfg.Width
		for dx := 0; dx < scaledW; dx++ {
			sx := (float32(dx)+0.5)*invScale - 0.5
			x0, fx := splitCoord(sx, maxX)
			x1 := x0
			if x0 < maxX {
				x1++
			}
			w00 := (1 - fx) * (1 - fy)
			w10 := fx * (1 - fy)
			w01 := (1 - fx) * fy
			w11 := fx * fy
			out := outRow + dx + padX
			for c := 0; c < 3; c++ {
				sc := c
				if nchan == 1 {
					sc = 0
				} else if cfg.SwapRB {
					sc = 2 - c
				}
				v := w00*float32(img.Pixels[row0+x0*nchan+sc]) +
					w10*float32(img.Pixels[row0+x1*nchan+sc]) +
					w01*float32(img.Pixels[row1+x0*nchan+sc]) +
					w11*float32(img.Pixels[row1+x1*nchan+sc])
				dst[c*plane+out] = (v/255 - cfg.Mean[c]) * cfg.Scale[c]
			}
		}
	}
	return xform, nil
}

// splitCoord clamps a source coordinate into [0, max] and splits it into an
// integer cell and a fractional interpolation weight
func splitCoord(s float32, max int) (int, float32) {
	if s <= 0 {
		return 0, 0
	}
	i := int(s)
	if i >= max {
		return max, 0
	}
	return i, s - float32(i)
}

func fill(dst []float32, v float32) {
	for i := range dst {
		dst[i] = v
	}
}
