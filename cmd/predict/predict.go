package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/akamensky/argparse"
	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/logs"
	"github.com/fogleman/gg"
	"github.com/peregrinecam/peregrine/pkg/nn"
	"github.com/peregrinecam/peregrine/pkg/nnload"
)

func check(err error) {
	if err != nil {
		panic(err)
	}
}

func main() {
	parser := argparse.NewParser("predict", "Run object detection on still images")
	images := parser.StringList("i", "image", &argparse.Options{Help: "Input image (repeat for multiple)", Required: true})
	output := parser.File("o", "output", os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0664, &argparse.Options{Help: "Output label file", Required: true})
	modelDir := parser.String("", "modeldir", &argparse.Options{Help: "Model directory", Default: "models"})
	modelName := parser.String("m", "model", &argparse.Options{Help: "Model name (eg yolov8s)", Default: "yolov8s"})
	nnWidth := parser.Int("", "width", &argparse.Options{Help: "NN input width", Default: 640})
	nnHeight := parser.Int("", "height", &argparse.Options{Help: "NN input height", Default: 640})
	threshold := parser.Float("t", "threshold", &argparse.Options{Help: "Confidence threshold", Default: 0.5})
	tiled := parser.Flag("", "tiled", &argparse.Options{Help: "Run tiled inference, for small objects in large images", Default: false})
	annotateDir := parser.String("a", "annotate", &argparse.Options{Help: "Write annotated copies of the input images to this directory"})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, err := logs.NewLog()
	check(err)

	detector, err := nnload.LoadDetector(logger, *modelDir, *modelName, *nnWidth, *nnHeight, nil)
	check(err)
	defer detector.Close()

	params := nn.NewDetectionParams()
	params.ProbabilityThreshold = float32(*threshold)

	labels := nn.DatasetLabels{
		Classes: detector.Config().Classes,
	}
	for _, imgFile := range *images {
		img, err := cimg.ReadFile(imgFile)
		check(err)
		rgb := img.ToRGB()
		crop := nn.WholeImage(rgb.NChan(), rgb.Pixels, rgb.Width, rgb.Height)

		var objects []nn.ObjectDetection
		if *tiled {
			objects, err = nn.TiledInference(detector, crop, params, 1)
		} else {
			objects, err = detector.DetectObjects(crop, params)
		}
		check(err)
		logger.Infof("%v: %v objects", imgFile, len(objects))

		labels.Images = append(labels.Images, &nn.ImageLabels{
			File:    filepath.Base(imgFile),
			Width:   rgb.Width,
			Height:  rgb.Height,
			Objects: objects,
		})

		if *annotateDir != "" {
			check(os.MkdirAll(*annotateDir, 0755))
			annotated := nn.AnnotateImage(crop, objects, labels.Classes)
			outFile := filepath.Join(*annotateDir, stripExt(filepath.Base(imgFile))+".png")
			check(gg.SavePNG(outFile, annotated))
		}
	}

	encoder := json.NewEncoder(output)
	encoder.SetIndent("", "  ")
	check(encoder.Encode(&labels))
}

func stripExt(name string) string {
	return name[:len(name)-len(filepath.Ext(name))]
}
