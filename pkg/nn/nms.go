package nn

import (
	"sort"

	flatbush "github.com/bmharper/flatbush-go"
)

// Greedy per-class non-maximum suppression.

type nmsCandidate struct {
	det   ObjectDetection
	order int // original cell index, used as the deterministic tie-break
}

// NonMaxSuppression removes lower-confidence overlapping detections of the
// same class. Input order is used to break ties between equal scores (the
// earlier entry wins), so results are deterministic given identical input.
// The result is ordered by class id ascending, then descending confidence.
func NonMaxSuppression(objects []ObjectDetection, iouThreshold float32) []ObjectDetection {
	candidates := make([]nmsCandidate, 0, len(objects))
	for i, obj := range objects {
		candidates = append(candidates, nmsCandidate{det: obj, order: i})
	}
	return suppressCandidates(candidates, iouThreshold)
}

func suppressCandidates(candidates []nmsCandidate, iouThreshold float32) []ObjectDetection {
	// Class ascending, then score descending, then original order.
	// After suppression this is also the final output order.
	sort.Slice(candidates, func(i, j int) bool {
		a, b := &candidates[i], &candidates[j]
		if a.det.Class != b.det.Class {
			return a.det.Class < b.det.Class
		}
		if a.det.Confidence != b.det.Confidence {
			return a.det.Confidence > b.det.Confidence
		}
		return a.order < b.order
	})

	result := make([]ObjectDetection, 0, len(candidates))
	for start := 0; start < len(candidates); {
		end := start + 1
		for end < len(candidates) && candidates[end].det.Class == candidates[start].det.Class {
			end++
		}
		result = append(result, suppressClass(candidates[start:end], iouThreshold)...)
		start = end
	}
	return result
}

// suppressClass runs greedy NMS on one class's candidates, which are already
// sorted from highest to lowest score. A spatial index keeps us from comparing
// every pair when a frame is crowded (same trick as box merging across tiles).
func suppressClass(class []nmsCandidate, iouThreshold float32) []ObjectDetection {
	fb := flatbush.NewFlatbush[float32]()
	fb.Reserve(len(class))
	for _, c := range class {
		fb.Add(c.det.Box.X, c.det.Box.Y, c.det.Box.X2(), c.det.Box.Y2())
	}
	fb.Finish()

	suppressed := make([]bool, len(class))
	kept := make([]ObjectDetection, 0, len(class))
	for i := range class {
		if suppressed[i] {
			continue
		}
		kept = append(kept, class[i].det)
		box := class[i].det.Box
		for j := range fb.Search(box.X, box.Y, box.X2(), box.Y2()) {
			// Only entries ranked below the kept one can be suppressed by it
			if j > i && !suppressed[j] && box.IOU(class[j].det.Box) > iouThreshold {
				suppressed[j] = true
			}
		}
	}
	return kept
}
