package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

var (
	ErrInputSize    = errors.New("input tensor has the wrong size")
	ErrFeatureSize  = errors.New("feature vector does not match head")
	ErrInvalidHead  = errors.New("invalid head")
	ErrNoPrediction = errors.New("model produced no output")
	ErrClasses      = errors.New("unsupported class list")
)

// Metadata describes the backbone graph.
type Metadata struct {
	InputShape  []int64  `json:"input_shape"`
	OutputShape []int64  `json:"output_shape"`
	Classes     []string `json:"classes"`
	ImageSize   int      `json:"image_size"`
	InputName   string   `json:"input_name"`
	OutputName  string   `json:"output_name"`
	Layout      string   `json:"layout"`
	FeatureSize int      `json:"feature_size"`
}

// DefaultMetadata is MobileNetV2 without its top, globally average pooled.
func DefaultMetadata() Metadata {
	return Metadata{
		InputShape:  []int64{1, 224, 224, 3},
		OutputShape: []int64{1, 1280},
		Classes:     []string{"Normal", "Pneumonia"},
		ImageSize:   224,
		InputName:   "input",
		OutputName:  "features",
		Layout:      "NHWC",
		FeatureSize: 1280,
	}
}

// InputSize is the number of values in one input tensor.
func (m Metadata) InputSize() int {
	if len(m.InputShape) == 0 {
		return 0
	}
	n := 1
	for _, dim := range m.InputShape {
		n *= int(dim)
	}
	return n
}

// LoadMetadata reads path, filling unset fields from DefaultMetadata.
// A missing file yields the defaults.
func LoadMetadata(path string) (Metadata, error) {
	meta := DefaultMetadata()
	if path == "" {
		return meta, nil
	}

	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return meta, nil
	}
	if err != nil {
		return meta, fmt.Errorf("failed to read metadata: %w", err)
	}

	var loaded Metadata
	if err := json.Unmarshal(raw, &loaded); err != nil {
		return meta, fmt.Errorf("failed to parse metadata: %w", err)
	}
	return merge(meta, loaded), nil
}

func merge(base, m Metadata) Metadata {
	if len(m.InputShape) > 0 {
		base.InputShape = m.InputShape
	}
	if len(m.OutputShape) > 0 {
		base.OutputShape = m.OutputShape
		base.FeatureSize = int(m.OutputShape[len(m.OutputShape)-1])
	}
	if len(m.Classes) > 0 {
		base.Classes = m.Classes
	}
	if m.ImageSize > 0 {
		base.ImageSize = m.ImageSize
	}
	if m.InputName != "" {
		base.InputName = m.InputName
	}
	if m.OutputName != "" {
		base.OutputName = m.OutputName
	}
	if m.Layout != "" {
		base.Layout = m.Layout
	}
	if m.FeatureSize > 0 {
		base.FeatureSize = m.FeatureSize
	}
	return base
}

// Prediction is the raw classifier output for one image.
type Prediction struct {
	Label         string    `json:"label"`
	ClassIndex    int       `json:"class_index"`
	Confidence    float64   `json:"confidence"`
	Classes       []string  `json:"classes"`
	Probabilities []float64 `json:"probabilities"`
}

// Info summarises what the server loaded at startup.
type Info struct {
	Backbone           string   `json:"backbone"`
	BackbonePretrained bool     `json:"backbone_pretrained"`
	HeadSource         string   `json:"head_source"`
	Degraded           bool     `json:"degraded"`
	Classes            []string `json:"classes"`
	ImageSize          int      `json:"image_size"`
	Layout             string   `json:"layout"`
}
