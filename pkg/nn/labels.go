package nn

// DatasetLabels contains detections for a set of still images
type DatasetLabels struct {
	Classes []string       `json:"classes"`
	Images  []*ImageLabels `json:"images"`
}

type ImageLabels struct {
	File    string            `json:"file,omitempty"`
	Width   int               `json:"width"`
	Height  int               `json:"height"`
	Objects []ObjectDetection `json:"objects"`
}
