package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// PrecisionMode is the numeric precision an engine is built for.
// There is no fallback: if a build fails at the requested precision, it fails.
type PrecisionMode int

const (
	PrecisionFP32 PrecisionMode = iota
	PrecisionFP16
)

func (p PrecisionMode) String() string {
	if p == PrecisionFP16 {
		return "fp16"
	}
	return "fp32"
}

// ParsePrecision parses "fp32" or "fp16"
func ParsePrecision(s string) (PrecisionMode, error) {
	switch s {
	case "fp32":
		return PrecisionFP32, nil
	case "fp16":
		return PrecisionFP16, nil
	}
	return 0, fmt.Errorf("unknown precision mode '%v'", s)
}

type DataType int

const (
	DTypeFloat32 DataType = iota
	DTypeFloat16
)

// Size returns the number of bytes per element
func (d DataType) Size() int {
	if d == DTypeFloat16 {
		return 2
	}
	return 4
}

// Shape is a concrete NCHW tensor shape
type Shape struct {
	N int // batch
	C int // channels
	H int // height
	W int // width
}

func (s Shape) Volume() int {
	return s.N * s.C * s.H * s.W
}

func (s Shape) String() string {
	return fmt.Sprintf("%vx%vx%vx%v", s.N, s.C, s.H, s.W)
}

// ShapeProfile is the declared range of input shapes an engine supports
// without rebuilding. Min <= Opt <= Max elementwise.
type ShapeProfile struct {
	Min Shape
	Opt Shape
	Max Shape
}

// Contains reports whether a concrete shape lies inside the profile
func (p ShapeProfile) Contains(s Shape) bool {
	return s.N >= p.Min.N && s.N <= p.Max.N &&
		s.C >= p.Min.C && s.C <= p.Max.C &&
		s.H >= p.Min.H && s.H <= p.Max.H &&
		s.W >= p.Min.W && s.W <= p.Max.W
}

// NetworkDescriptor is the immutable description of a network to compile:
// the interchange-format graph on disk, the target precision, and the dynamic
// shape profile. Created once at startup and never mutated.
type NetworkDescriptor struct {
	OnnxPath  string
	Precision PrecisionMode
	Profile   ShapeProfile
}

// Hash returns a content hash of the network file plus the build
// configuration. Two descriptors with the same hash compile to
// interchangeable engines (on the same device and runtime).
func (d *NetworkDescriptor) Hash() (string, error) {
	f, err := os.Open(d.OnnxPath)
	if err != nil {
		return "", fmt.Errorf("reading network description: %w", err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	fmt.Fprintf(h, "|%v|%v|%v|%v", d.Precision, d.Profile.Min, d.Profile.Opt, d.Profile.Max)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// TensorInfo describes one named engine tensor
type TensorInfo struct {
	Name    string
	IsInput bool
	DType   DataType
}
