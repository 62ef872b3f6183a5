package tensorrt

// These tests need a GPU, TensorRT, and a model on disk, so they only run
// when PEREGRINE_TEST_MODEL points at an ONNX file. Example:
//
//	PEREGRINE_TEST_MODEL=models/coco/yolov8s.onnx go test ./pkg/tensorrt

import (
	"os"
	"testing"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/logs"
	"github.com/peregrinecam/peregrine/pkg/nn"
	"github.com/stretchr/testify/require"
)

func loadTestDetector(t *testing.T) *Detector {
	onnxFile := os.Getenv("PEREGRINE_TEST_MODEL")
	if onnxFile == "" {
		t.Skip("PEREGRINE_TEST_MODEL not set")
	}
	config := &nn.ModelConfig{
		Architecture: "yolov8",
		Width:        640,
		Height:       640,
		Classes:      nn.COCOClasses,
	}
	options := NewDetectorOptions(t.TempDir())
	detector, err := NewDetector(logs.NewTestingLog(t), onnxFile, config, options)
	require.NoError(t, err)
	return detector
}

func TestDetectObjects(t *testing.T) {
	detector := loadTestDetector(t)
	defer detector.Close()

	imgFile := os.Getenv("PEREGRINE_TEST_IMAGE")
	if imgFile == "" {
		t.Skip("PEREGRINE_TEST_IMAGE not set")
	}
	img, err := cimg.ReadFile(imgFile)
	require.NoError(t, err)
	rgb := img.ToRGB()

	params := nn.NewDetectionParams()
	objects, err := detector.DetectObjects(nn.WholeImage(rgb.NChan(), rgb.Pixels, rgb.Width, rgb.Height), params)
	require.NoError(t, err)

	for _, obj := range objects {
		t.Logf("%v %.2f %v", nn.COCOClasses[obj.Class], obj.Confidence, obj.Box)
		require.GreaterOrEqual(t, obj.Confidence, params.ProbabilityThreshold)
		require.GreaterOrEqual(t, obj.Box.X, float32(0))
		require.GreaterOrEqual(t, obj.Box.Y, float32(0))
		require.LessOrEqual(t, obj.Box.X2(), float32(rgb.Width))
		require.LessOrEqual(t, obj.Box.Y2(), float32(rgb.Height))
	}

	// Same image twice gives identical detections
	again, err := detector.DetectObjects(nn.WholeImage(rgb.NChan(), rgb.Pixels, rgb.Width, rgb.Height), params)
	require.NoError(t, err)
	require.Equal(t, objects, again)
}
