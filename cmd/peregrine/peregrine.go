package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"time"

	"github.com/akamensky/argparse"
	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/logs"
	"github.com/peregrinecam/peregrine/pkg/nn"
	"github.com/peregrinecam/peregrine/pkg/nnload"
	"github.com/peregrinecam/peregrine/pkg/pipeline"
	"github.com/peregrinecam/peregrine/pkg/track"
)

func check(err error) {
	if err != nil {
		panic(err)
	}
}

// imageSource feeds a directory of frames through the pipeline at a fixed
// rate, optionally looping forever. This is our stand-in for a live camera:
// the pipeline doesn't care where frames come from.
type imageSource struct {
	frames []nn.ImageCrop
	fps    float64
	loop   bool
	stop   chan bool
	next   int
}

func newImageSource(dir string, fps float64, loop bool) (*imageSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := []string{}
	for _, e := range entries {
		switch filepath.Ext(e.Name()) {
		case ".jpg", ".jpeg", ".png":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	if len(names) == 0 {
		return nil, fmt.Errorf("no images in %v", dir)
	}
	s := &imageSource{
		fps:  fps,
		loop: loop,
		stop: make(chan bool),
	}
	for _, name := range names {
		img, err := cimg.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		rgb := img.ToRGB()
		s.frames = append(s.frames, nn.WholeImage(rgb.NChan(), rgb.Pixels, rgb.Width, rgb.Height))
	}
	return s, nil
}

func (s *imageSource) NextFrame() (nn.Frame, bool) {
	if s.next >= len(s.frames) {
		if !s.loop {
			return nn.Frame{}, false
		}
		s.next = 0
	}
	select {
	case <-s.stop:
		return nn.Frame{}, false
	case <-time.After(time.Duration(float64(time.Second) / s.fps)):
	}
	frame := nn.Frame{
		PTS:   time.Now(),
		Image: s.frames[s.next],
	}
	s.next++
	return frame, true
}

func (s *imageSource) Close() {
	close(s.stop)
}

func main() {
	parser := argparse.NewParser("peregrine", "Run the real-time detection pipeline over a directory of frames")
	frameDir := parser.String("i", "frames", &argparse.Options{Help: "Directory of input frames (jpg/png), fed in filename order", Required: true})
	modelDir := parser.String("", "modeldir", &argparse.Options{Help: "Model directory", Default: "models"})
	modelName := parser.String("m", "model", &argparse.Options{Help: "Model name (eg yolov8s)", Default: "yolov8s"})
	nnWidth := parser.Int("", "width", &argparse.Options{Help: "NN input width", Default: 640})
	nnHeight := parser.Int("", "height", &argparse.Options{Help: "NN input height", Default: 640})
	fps := parser.Float("f", "fps", &argparse.Options{Help: "Frames per second to feed", Default: 10.0})
	loop := parser.Flag("l", "loop", &argparse.Options{Help: "Loop the frames forever", Default: false})
	verbose := parser.Flag("v", "verbose", &argparse.Options{Help: "Log tracker decisions", Default: false})
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

	source, err := newImageSource(*frameDir, *fps, *loop)
	check(err)

	settings := track.DefaultSettings()
	settings.Verbose = *verbose
	tracker := track.NewTracker(logger, settings)

	p := pipeline.NewPipeline(logger, source, detector, nil)
	p.AddConsumer(tracker)

	// Print genuine objects as the tracker finds them
	watcher := tracker.AddWatcher()
	go func() {
		seen := map[int64]bool{}
		for state := range watcher {
			for _, obj := range state.Objects {
				if obj.Genuine && !seen[obj.ID] {
					seen[obj.ID] = true
					logger.Infof("Object %v: %v at %v,%v (confidence %.2f)",
						obj.ID, detector.Config().Classes[obj.Class], obj.Box.Center().X, obj.Box.Center().Y, obj.Confidence)
				}
			}
		}
	}()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	go func() {
		<-interrupt
		logger.Infof("Interrupt. Draining pipeline.")
		source.Close()
	}()

	p.Start()
	check(p.Stop())
	tracker.RemoveWatcher(watcher)
}
