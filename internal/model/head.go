package model

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
)

// HiddenUnits is the width of the head's hidden dense layer.
const HiddenUnits = 128

// Dense is a fully connected layer. Weights are row-major, Out rows of In.
type Dense struct {
	In      int       `json:"in"`
	Out     int       `json:"out"`
	Weights []float64 `json:"weights"`
	Bias    []float64 `json:"bias"`
}

func (d *Dense) validate(name string) error {
	if d.In <= 0 || d.Out <= 0 {
		return fmt.Errorf("%w: %s has shape %dx%d", ErrInvalidHead, name, d.Out, d.In)
	}
	if len(d.Weights) != d.In*d.Out || len(d.Bias) != d.Out {
		return fmt.Errorf("%w: %s has %d weights and %d biases for shape %dx%d",
			ErrInvalidHead, name, len(d.Weights), len(d.Bias), d.Out, d.In)
	}
	return nil
}

func (d *Dense) forward(x []float64) []float64 {
	out := make([]float64, d.Out)
	for o := 0; o < d.Out; o++ {
		row := d.Weights[o*d.In : (o+1)*d.In]
		sum := d.Bias[o]
		for i, w := range row {
			sum += w * x[i]
		}
		out[o] = sum
	}
	return out
}

func glorotDense(in, out int, rng *rand.Rand) Dense {
	limit := math.Sqrt(6 / float64(in+out))
	w := make([]float64, in*out)
	for i := range w {
		w[i] = (rng.Float64()*2 - 1) * limit
	}
	return Dense{In: in, Out: out, Weights: w, Bias: make([]float64, out)}
}

// Head is the trainable classifier on top of the backbone:
// Dense(relu) followed by Dense(softmax).
type Head struct {
	Backbone string   `json:"backbone"`
	Classes  []string `json:"classes"`
	Hidden   Dense    `json:"hidden"`
	Output   Dense    `json:"output"`
}

// NewRandomHead builds a head with Glorot-uniform weights and zero biases.
func NewRandomHead(backbone string, inputSize, hidden int, classes []string, rng *rand.Rand) *Head {
	return &Head{
		Backbone: backbone,
		Classes:  append([]string(nil), classes...),
		Hidden:   glorotDense(inputSize, hidden, rng),
		Output:   glorotDense(hidden, len(classes), rng),
	}
}

// InputSize is the feature width the head expects.
func (h *Head) InputSize() int { return h.Hidden.In }

func (h *Head) Validate() error {
	if err := h.Hidden.validate("hidden"); err != nil {
		return err
	}
	if err := h.Output.validate("output"); err != nil {
		return err
	}
	if h.Output.In != h.Hidden.Out {
		return fmt.Errorf("%w: output expects %d inputs, hidden produces %d", ErrInvalidHead, h.Output.In, h.Hidden.Out)
	}
	if len(h.Classes) != h.Output.Out {
		return fmt.Errorf("%w: %d classes for %d outputs", ErrInvalidHead, len(h.Classes), h.Output.Out)
	}
	return nil
}

// Predict returns the class probabilities for one feature vector.
func (h *Head) Predict(features []float64) ([]float64, error) {
	if len(features) != h.InputSize() {
		return nil, fmt.Errorf("%w: expected %d features, got %d", ErrFeatureSize, h.InputSize(), len(features))
	}
	hidden := relu(h.Hidden.forward(features))
	return softmax(h.Output.forward(hidden)), nil
}

// LoadHead reads a head saved by Save.
func LoadHead(path string) (*Head, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read head weights: %w", err)
	}
	var h Head
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, fmt.Errorf("failed to parse head weights: %w", err)
	}
	if err := h.Validate(); err != nil {
		return nil, err
	}
	return &h, nil
}

// Save writes the head as JSON, replacing path atomically.
func (h *Head) Save(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create model directory: %w", err)
		}
	}
	raw, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("failed to encode head weights: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0644); err != nil {
		return fmt.Errorf("failed to write head weights: %w", err)
	}
	return os.Rename(tmp, path)
}

func relu(x []float64) []float64 {
	for i, v := range x {
		if v < 0 {
			x[i] = 0
		}
	}
	return x
}

func softmax(logits []float64) []float64 {
	maxLogit := math.Inf(-1)
	for _, v := range logits {
		maxLogit = math.Max(maxLogit, v)
	}
	out := make([]float64, len(logits))
	var sum float64
	for i, v := range logits {
		out[i] = math.Exp(v - maxLogit)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, f := range v {
		out[i] = float64(f)
	}
	return out
}
