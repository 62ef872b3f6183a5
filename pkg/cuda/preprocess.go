package cuda

// #include "peregrine.h"
import "C"

import (
	"unsafe"

	"github.com/peregrinecam/peregrine/pkg/devmem"
	"github.com/peregrinecam/peregrine/pkg/nn"
	"github.com/peregrinecam/peregrine/pkg/preprocess"
)

// Preprocessor runs the fused preprocessing kernel. It owns a device staging
// buffer for raw image bytes, grown on demand and reused between frames.
type Preprocessor struct {
	cfg     preprocess.Config
	alloc   devmem.Allocator
	staging devmem.Buffer
}

func NewPreprocessor(cfg preprocess.Config, alloc devmem.Allocator) *Preprocessor {
	return &Preprocessor{
		cfg:   cfg,
		alloc: alloc,
	}
}

func (p *Preprocessor) Config() *preprocess.Config {
	return &p.cfg
}

// Run uploads 'img' and enqueues the fused kernel on the stream, writing a
// planar CHW tensor to the device pointer 'dst' (fp16 when 'half' is set).
// The image bytes must stay valid until the stream is synchronized. Returns
// the letterbox transform that maps detections back to source coordinates.
func (p *Preprocessor) Run(img nn.ImageCrop, dst uintptr, half bool, stream *Stream) (nn.LetterboxTransform, error) {
	xform, err := nn.ComputeLetterbox(img.CropWidth, img.CropHeight, p.cfg.Width, p.cfg.Height)
	if err != nil {
		return nn.LetterboxTransform{}, err
	}

	// Upload the rows spanning the crop in one copy. The kernel applies the
	// row stride, so pixels left and right of the crop come along for free.
	stride := img.Stride()
	uploadSize := (img.CropHeight-1)*stride + img.CropWidth*img.NChan
	if p.staging.Size < uploadSize {
		if !p.staging.IsZero() {
			p.alloc.Free(p.staging.Ptr, p.staging.Size)
			p.staging = devmem.Buffer{}
		}
		ptr, err := p.alloc.Alloc(uploadSize)
		if err != nil {
			return nn.LetterboxTransform{}, err
		}
		p.staging = devmem.Buffer{Ptr: ptr, Size: uploadSize}
	}
	if err := CopyToDeviceAsync(p.staging.Ptr, img.Pointer(), uploadSize, stream); err != nil {
		return nn.LetterboxTransform{}, err
	}

	scaledW, scaledH := xform.ScaledSize()
	padNorm := float32(p.cfg.PadValue) / 255
	args := C.PgPreprocessArgs{
		srcWidth:     C.int(img.CropWidth),
		srcHeight:    C.int(img.CropHeight),
		srcStride:    C.int(stride),
		srcChannels:  C.int(img.NChan),
		dstWidth:     C.int(p.cfg.Width),
		dstHeight:    C.int(p.cfg.Height),
		scaledWidth:  C.int(scaledW),
		scaledHeight: C.int(scaledH),
		padX:         C.int(int(xform.PadX)),
		padY:         C.int(int(xform.PadY)),
		invScale:     C.float(1 / xform.Scale),
	}
	for c := 0; c < 3; c++ {
		args.mean[c] = C.float(p.cfg.Mean[c])
		args.norm[c] = C.float(p.cfg.Scale[c])
		args.pad[c] = C.float((padNorm - p.cfg.Mean[c]) * p.cfg.Scale[c])
	}
	if p.cfg.SwapRB {
		args.swapRB = 1
	}
	if half {
		args.outHalf = 1
	}
	err = CError(C.pgPreprocess(unsafe.Pointer(p.staging.Ptr), unsafe.Pointer(dst), &args, stream.handle))
	if err != nil {
		return nn.LetterboxTransform{}, err
	}
	return xform, nil
}

// Close frees the staging buffer. The stream must be synchronized first.
func (p *Preprocessor) Close() {
	if !p.staging.IsZero() {
		p.alloc.Free(p.staging.Ptr, p.staging.Size)
		p.staging = devmem.Buffer{}
	}
}
