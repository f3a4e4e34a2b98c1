package model

import (
	"errors"
	"fmt"
	"math/rand"
	"os"
	"slices"
	"time"

	log "github.com/sirupsen/logrus"
	ort "github.com/yalue/onnxruntime_go"
)

// Config locates the model artifacts.
type Config struct {
	BackbonePath   string
	MetadataPath   string
	HeadPath       string
	OnnxRuntimeLib string
	Seed           int64
}

// Server is the process-wide inference context. It is built once at startup
// and never mutated afterwards, so Predict is safe for concurrent use.
type Server struct {
	Metadata Metadata

	backbone   Backbone
	head       *Head
	headSource string
	degraded   bool
	ortEnv     bool
}

// NewServer loads the backbone and head. Missing or unusable artifacts do not
// fail startup: the backbone falls back to mean pooling and the head to random
// weights, and the server reports itself as degraded. A malformed metadata
// file, or one naming classes other than Normal and Pneumonia in that order,
// is an error.
func NewServer(cfg Config) (*Server, error) {
	meta, err := LoadMetadata(cfg.MetadataPath)
	if err != nil {
		return nil, err
	}
	if want := DefaultMetadata().Classes; !slices.Equal(meta.Classes, want) {
		return nil, fmt.Errorf("%w: metadata lists %v, want %v", ErrClasses, meta.Classes, want)
	}

	s := &Server{Metadata: meta}
	s.backbone = s.loadBackbone(cfg)
	s.head, s.headSource = s.loadHead(cfg)
	s.degraded = s.backbone.Name() != BackboneMobileNetV2 || s.headSource == HeadSourceRandom

	if s.degraded {
		log.Warn("Model running in degraded mode; predictions are not clinically meaningful")
	}
	return s, nil
}

// HeadSourceRandom marks a head built from random initial weights.
const HeadSourceRandom = "random"

func (s *Server) loadBackbone(cfg Config) Backbone {
	fallback := func(reason error) Backbone {
		log.WithError(reason).Warnf("Backbone unavailable, using %s features", BackboneMeanPool)
		return newMeanPoolBackbone(s.Metadata.FeatureSize)
	}

	if cfg.BackbonePath == "" {
		return fallback(errors.New("no backbone path configured"))
	}
	if _, err := os.Stat(cfg.BackbonePath); err != nil {
		return fallback(err)
	}

	if cfg.OnnxRuntimeLib != "" {
		ort.SetSharedLibraryPath(cfg.OnnxRuntimeLib)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fallback(fmt.Errorf("failed to initialize ONNX environment: %w", err))
	}
	s.ortEnv = true

	b, err := newONNXBackbone(cfg.BackbonePath, s.Metadata)
	if err != nil {
		return fallback(err)
	}
	log.Infof("Backbone loaded from %s", cfg.BackbonePath)
	return b
}

func (s *Server) loadHead(cfg Config) (*Head, string) {
	if cfg.HeadPath != "" {
		head, err := LoadHead(cfg.HeadPath)
		switch {
		case err != nil:
			log.WithError(err).Warnf("No usable head weights at %s", cfg.HeadPath)
		case head.Backbone != s.backbone.Name():
			log.Warnf("Head at %s was trained on %s features, active backbone is %s", cfg.HeadPath, head.Backbone, s.backbone.Name())
		case head.InputSize() != s.backbone.FeatureSize():
			log.Warnf("Head at %s expects %d features, backbone produces %d", cfg.HeadPath, head.InputSize(), s.backbone.FeatureSize())
		case !slices.Equal(head.Classes, s.Metadata.Classes):
			log.Warnf("Head at %s predicts classes %v, metadata lists %v", cfg.HeadPath, head.Classes, s.Metadata.Classes)
		default:
			log.Infof("Head weights loaded from %s", cfg.HeadPath)
			return head, cfg.HeadPath
		}
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	head := NewRandomHead(s.backbone.Name(), s.backbone.FeatureSize(), HiddenUnits, s.Metadata.Classes, rand.New(rand.NewSource(seed)))
	return head, HeadSourceRandom
}

// Ready reports whether the server can answer predictions. It holds for every
// constructed server, degraded or not.
func (s *Server) Ready() bool {
	return s != nil && s.backbone != nil && s.head != nil
}

func (s *Server) Degraded() bool { return s.degraded }

// Backbone exposes the feature extractor, used by training.
func (s *Server) Backbone() Backbone { return s.backbone }

func (s *Server) Info() Info {
	return Info{
		Backbone:           s.backbone.Name(),
		BackbonePretrained: s.backbone.Name() == BackboneMobileNetV2,
		HeadSource:         s.headSource,
		Degraded:           s.degraded,
		Classes:            append([]string(nil), s.head.Classes...),
		ImageSize:          s.Metadata.ImageSize,
		Layout:             s.Metadata.Layout,
	}
}

// Predict runs one preprocessed tensor through backbone and head.
func (s *Server) Predict(inputData []float32) (*Prediction, error) {
	if want := s.Metadata.InputSize(); want > 0 && len(inputData) != want {
		return nil, fmt.Errorf("%w: expected %d values, got %d", ErrInputSize, want, len(inputData))
	}

	features, err := s.backbone.Extract(inputData)
	if err != nil {
		return nil, err
	}

	probs, err := s.head.Predict(toFloat64(features))
	if err != nil {
		return nil, err
	}
	if len(probs) == 0 {
		return nil, ErrNoPrediction
	}

	maxIdx := argmax(probs)

	return &Prediction{
		Label:         s.head.Classes[maxIdx],
		ClassIndex:    maxIdx,
		Confidence:    probs[maxIdx],
		Classes:       s.head.Classes,
		Probabilities: probs,
	}, nil
}

func (s *Server) Close() {
	if s.backbone != nil {
		s.backbone.Close()
	}
	if s.ortEnv {
		ort.DestroyEnvironment()
	}
}
