// Package nnload wraps up our 'nn' interface layer, and has concrete
// references to the TensorRT backend, so that you can call one function to
// get a working detector and not need to know about engines, caches or
// device setup.
//
// Models live under modelDir as a JSON config next to an ONNX file, eg
// coco/yolov8s_640_640.json and coco/yolov8s_640_640.onnx. Missing files are
// downloaded on first use.
package nnload

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/cyclopcam/logs"
	"github.com/peregrinecam/peregrine/pkg/nn"
	"github.com/peregrinecam/peregrine/pkg/tensorrt"
)

// BaseURL is where DownloadModel fetches missing model files from
var BaseURL = "https://models.peregrinecam.org"

const modelSubdir = "coco"

func downloadFile(srcUrl, targetFile string) error {
	tempFile := targetFile + ".tmp"
	if err := os.MkdirAll(filepath.Dir(targetFile), 0755); err != nil {
		return err
	}
	resp, err := http.DefaultClient.Get(srcUrl)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return fmt.Errorf("HTTP error %v", resp.Status)
	}
	file, err := os.Create(tempFile)
	if err != nil {
		return err
	}
	defer file.Close()
	_, err = io.Copy(file, resp.Body)
	if err != nil {
		return err
	}
	file.Close()
	return os.Rename(tempFile, targetFile)
}

// ModelStub is the base filename of a model, eg "yolov8s_640_640"
func ModelStub(modelName string, width, height int) string {
	return fmt.Sprintf("%v_%v_%v", modelName, width, height)
}

// DownloadModel fetches the model files if they are not yet on disk.
// Returns immediately if the files are already downloaded.
func DownloadModel(logs logs.Log, modelDir, modelName string, width, height int) error {
	modelStub := ModelStub(modelName, width, height)
	for _, ext := range []string{".json", ".onnx"} {
		diskPath := filepath.Join(modelDir, modelSubdir, modelStub+ext)
		networkUrl := BaseURL + "/" + modelSubdir + "/" + modelStub + ext
		if _, err := os.Stat(diskPath); os.IsNotExist(err) {
			logs.Infof("Downloading %v to %v", networkUrl, diskPath)
			if err := downloadFile(networkUrl, diskPath); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}
	}
	return nil
}

// LoadModel loads a detector from disk, downloading the model first if
// needed. See LoadDetector.
func LoadModel(logs logs.Log, modelDir, modelName string, width, height int, options *tensorrt.DetectorOptions) (nn.ObjectDetector, error) {
	return LoadDetector(logs, modelDir, modelName, width, height, options)
}

// LoadDetector loads a detector from disk, downloading the model first if
// needed. modelName is eg "yolov8s" or "yolo11s" (with yolo 11 they stopped
// using the "v" in the name). Engine caches go into modelDir/engines unless
// options says otherwise.
func LoadDetector(logs logs.Log, modelDir, modelName string, width, height int, options *tensorrt.DetectorOptions) (*tensorrt.Detector, error) {
	if err := DownloadModel(logs, modelDir, modelName, width, height); err != nil {
		return nil, fmt.Errorf("Download failed: %w", err)
	}

	fullPathBase := filepath.Join(modelDir, modelSubdir, ModelStub(modelName, width, height))
	config, err := nn.LoadModelConfig(fullPathBase + ".json")
	if err != nil {
		return nil, err
	}

	if options == nil {
		options = tensorrt.NewDetectorOptions("")
	}
	if options.CacheDir == "" {
		options.CacheDir = filepath.Join(modelDir, "engines")
	}
	if err := os.MkdirAll(options.CacheDir, 0755); err != nil {
		return nil, err
	}
	return tensorrt.NewDetector(logs, fullPathBase+".onnx", config, options)
}
