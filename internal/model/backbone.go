package model

import (
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// Backbone turns an input tensor into a feature vector for the head.
type Backbone interface {
	Name() string
	FeatureSize() int
	Extract(input []float32) ([]float32, error)
	Close()
}

const (
	BackboneMobileNetV2 = "mobilenet_v2"
	BackboneMeanPool    = "mean_pool"
)

// onnxBackbone runs the pretrained feature extractor. The session is bound to
// a single pair of tensors, so runs are serialised.
type onnxBackbone struct {
	mu           sync.Mutex
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	featureSize  int
}

func newONNXBackbone(modelPath string, meta Metadata) (*onnxBackbone, error) {
	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(meta.InputShape...))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(meta.OutputShape...))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{meta.InputName}, []string{meta.OutputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &onnxBackbone{
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
		featureSize:  meta.FeatureSize,
	}, nil
}

func (b *onnxBackbone) Name() string     { return BackboneMobileNetV2 }
func (b *onnxBackbone) FeatureSize() int { return b.featureSize }

func (b *onnxBackbone) Extract(input []float32) ([]float32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	dst := b.inputTensor.GetData()
	if len(input) != len(dst) {
		return nil, fmt.Errorf("%w: expected %d values, got %d", ErrInputSize, len(dst), len(input))
	}
	copy(dst, input)

	if err := b.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	out := b.outputTensor.GetData()
	features := make([]float32, len(out))
	copy(features, out)
	return features, nil
}

func (b *onnxBackbone) Close() {
	if b.inputTensor != nil {
		b.inputTensor.Destroy()
	}
	if b.outputTensor != nil {
		b.outputTensor.Destroy()
	}
	if b.session != nil {
		b.session.Destroy()
	}
}

// meanPoolBackbone stands in when the pretrained graph cannot be loaded. It
// averages contiguous runs of the input into featureSize bins, which keeps
// the service answering but carries no learned features.
type meanPoolBackbone struct {
	featureSize int
}

func newMeanPoolBackbone(featureSize int) *meanPoolBackbone {
	return &meanPoolBackbone{featureSize: featureSize}
}

func (b *meanPoolBackbone) Name() string     { return BackboneMeanPool }
func (b *meanPoolBackbone) FeatureSize() int { return b.featureSize }
func (b *meanPoolBackbone) Close()           {}

func (b *meanPoolBackbone) Extract(input []float32) ([]float32, error) {
	n := len(input)
	if n == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrInputSize)
	}

	features := make([]float32, b.featureSize)
	for i := range features {
		lo := i * n / b.featureSize
		hi := (i + 1) * n / b.featureSize
		if hi <= lo {
			features[i] = input[min(lo, n-1)]
			continue
		}
		var sum float64
		for _, v := range input[lo:hi] {
			sum += float64(v)
		}
		features[i] = float32(sum / float64(hi-lo))
	}
	return features, nil
}
