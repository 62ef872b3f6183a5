package nn

// Decoding of raw network output tensors into object detections.
// The output is assumed to be row-major over an anchor-free grid: one cell per
// candidate box, with the box encoded as (center x, center y, width, height)
// in network-input pixels.

// OutputLayout describes how scores are packed in each output cell
type OutputLayout int

const (
	// Each cell is [cx, cy, w, h, class0 ... classN-1] (yolov8 family)
	LayoutClassScores OutputLayout = iota
	// Each cell is [cx, cy, w, h, objectness, class0 ... classN-1] (yolov5/v7 family).
	// The effective score of a class is objectness * class score.
	LayoutObjectness
)

// RawOutput is the raw output tensor of one frame's inference, on the host,
// already converted to float32 if the engine emitted half precision.
type RawOutput struct {
	Data       []float32 // Cells * CellStride values, row-major
	Cells      int
	NumClasses int
	Layout     OutputLayout
}

// CellStride returns the number of values per output cell
func (r *RawOutput) CellStride() int {
	if r.Layout == LayoutObjectness {
		return 5 + r.NumClasses
	}
	return 4 + r.NumClasses
}

// DecodeDetections converts a raw output tensor into detections in
// original-image coordinates:
//  1. Reject cells whose best class score is below the confidence threshold.
//     Most cells are background, so this happens before any box work.
//  2. Invert the letterbox transform on surviving boxes.
//  3. Per-class greedy non-maximum suppression, deterministic tie-breaks.
//  4. Clamp boxes to the source image bounds (unless params.Unclipped).
//
// The result is ordered by class id ascending, then by descending confidence
// within each class. Ties are broken by cell index, so identical input always
// produces identical output.
// An output with no cell above the threshold yields an empty slice, not an error.
func DecodeDetections(raw *RawOutput, xform LetterboxTransform, params *DetectionParams) []ObjectDetection {
	threshold := params.ProbabilityThreshold
	if threshold == 0 {
		threshold = DefaultProbabilityThreshold
	}
	iouThreshold := params.NmsIouThreshold
	if iouThreshold == 0 {
		iouThreshold = DefaultNmsIouThreshold
	}

	stride := raw.CellStride()
	scoreOffset := 4
	if raw.Layout == LayoutObjectness {
		scoreOffset = 5
	}

	candidates := []nmsCandidate{}
	for cell := 0; cell < raw.Cells; cell++ {
		base := cell * stride
		objectness := float32(1)
		if raw.Layout == LayoutObjectness {
			objectness = raw.Data[base+4]
		}
		bestClass := -1
		bestScore := float32(0)
		for c := 0; c < raw.NumClasses; c++ {
			score := raw.Data[base+scoreOffset+c] * objectness
			if score > bestScore {
				bestScore = score
				bestClass = c
			}
		}
		if bestClass < 0 || bestScore < threshold {
			continue
		}
		cx := raw.Data[base]
		cy := raw.Data[base+1]
		w := raw.Data[base+2]
		h := raw.Data[base+3]
		candidates = append(candidates, nmsCandidate{
			det: ObjectDetection{
				Class:      bestClass,
				Confidence: bestScore,
				Box: xform.Backward(Rect{
					X:      cx - w/2,
					Y:      cy - h/2,
					Width:  w,
					Height: h,
				}),
			},
			order: cell,
		})
	}

	kept := suppressCandidates(candidates, iouThreshold)
	if !params.Unclipped {
		for i := range kept {
			kept[i].Box = kept[i].Box.Clamped(float32(xform.SrcWidth), float32(xform.SrcHeight))
		}
	}
	return kept
}

// LayoutForArchitecture returns the output packing of a model family
func LayoutForArchitecture(architecture string) OutputLayout {
	switch architecture {
	case "yolov5", "yolov7":
		return LayoutObjectness
	default:
		// yolov8, yolo11 and later
		return LayoutClassScores
	}
}

// GridCellCount returns the number of output cells for an anchor-free
// detection head over feature map strides 8, 16 and 32. For a 640x640 input
// this is 8400.
func GridCellCount(width, height int) int {
	total := 0
	for _, stride := range []int{8, 16, 32} {
		total += (width / stride) * (height / stride)
	}
	return total
}
