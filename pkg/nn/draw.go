package nn

import (
	"fmt"
	"image"

	"github.com/fogleman/gg"
)

// Debug rendering of detections onto an image, for dump-to-disk inspection

// AnnotateImage draws detection boxes and class labels over an RGB image and
// returns the annotated image. The source pixels are not modified.
func AnnotateImage(img ImageCrop, objects []ObjectDetection, classes []string) image.Image {
	rgba := image.NewRGBA(image.Rect(0, 0, img.CropWidth, img.CropHeight))
	for y := 0; y < img.CropHeight; y++ {
		srcRow := (img.CropY+y)*img.Stride() + img.CropX*img.NChan
		dstRow := y * rgba.Stride
		for x := 0; x < img.CropWidth; x++ {
			src := srcRow + x*img.NChan
			dst := dstRow + x*4
			rgba.Pix[dst] = img.Pixels[src]
			rgba.Pix[dst+1] = img.Pixels[src+1]
			rgba.Pix[dst+2] = img.Pixels[src+2]
			rgba.Pix[dst+3] = 255
		}
	}

	dc := gg.NewContextForRGBA(rgba)
	dc.SetLineWidth(2)
	for _, obj := range objects {
		dc.SetRGB(1, 0.1, 0.1)
		dc.DrawRectangle(float64(obj.Box.X), float64(obj.Box.Y), float64(obj.Box.Width), float64(obj.Box.Height))
		dc.Stroke()
		label := fmt.Sprintf("%v %.2f", className(classes, obj.Class), obj.Confidence)
		dc.SetRGB(1, 1, 1)
		dc.DrawString(label, float64(obj.Box.X)+2, float64(obj.Box.Y)-3)
	}
	return dc.Image()
}

func className(classes []string, class int) string {
	if class >= 0 && class < len(classes) {
		return classes[class]
	}
	return fmt.Sprintf("class %v", class)
}
