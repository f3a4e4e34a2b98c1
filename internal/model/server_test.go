package model

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func degradedServer(t *testing.T, seed int64) *Server {
	t.Helper()
	dir := t.TempDir()
	s, err := NewServer(Config{
		BackbonePath: filepath.Join(dir, "missing.onnx"),
		MetadataPath: filepath.Join(dir, "missing.json"),
		HeadPath:     filepath.Join(dir, "missing_head.json"),
		Seed:         seed,
	})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestNewServer_NoArtifactsIsDegradedButReady(t *testing.T) {
	s := degradedServer(t, 1)

	assert.True(t, s.Ready())
	assert.True(t, s.Degraded())

	info := s.Info()
	assert.Equal(t, BackboneMeanPool, info.Backbone)
	assert.False(t, info.BackbonePretrained)
	assert.Equal(t, HeadSourceRandom, info.HeadSource)
	assert.Equal(t, []string{"Normal", "Pneumonia"}, info.Classes)
	assert.Equal(t, 224, info.ImageSize)
}

func TestServer_Predict(t *testing.T) {
	s := degradedServer(t, 1)

	input := make([]float32, s.Metadata.InputSize())
	for i := range input {
		input[i] = float32(i%255)/127.5 - 1
	}

	p, err := s.Predict(input)
	require.NoError(t, err)

	assert.Contains(t, []string{"Normal", "Pneumonia"}, p.Label)
	require.Len(t, p.Probabilities, 2)
	assert.InDelta(t, 1.0, p.Probabilities[0]+p.Probabilities[1], 1e-9)
	assert.Equal(t, p.Probabilities[p.ClassIndex], p.Confidence)
	assert.GreaterOrEqual(t, p.Confidence, 0.5)
	assert.LessOrEqual(t, p.Confidence, 1.0)
}

func TestServer_PredictDeterministicForSeed(t *testing.T) {
	a := degradedServer(t, 99)
	b := degradedServer(t, 99)
	input := make([]float32, a.Metadata.InputSize())
	for i := range input {
		input[i] = float32(i%7) / 7
	}

	pa, err := a.Predict(input)
	require.NoError(t, err)
	pb, err := b.Predict(input)
	require.NoError(t, err)
	assert.Equal(t, pa, pb)
}

func TestServer_PredictWrongSize(t *testing.T) {
	s := degradedServer(t, 1)
	_, err := s.Predict(make([]float32, 10))
	assert.ErrorIs(t, err, ErrInputSize)
}

func TestNewServer_LoadsMatchingHead(t *testing.T) {
	dir := t.TempDir()
	headPath := filepath.Join(dir, "head.json")
	head := NewRandomHead(BackboneMeanPool, 1280, HiddenUnits, []string{"Normal", "Pneumonia"}, rand.New(rand.NewSource(3)))
	require.NoError(t, head.Save(headPath))

	s, err := NewServer(Config{HeadPath: headPath, MetadataPath: filepath.Join(dir, "none.json")})
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, headPath, s.Info().HeadSource)
	// The backbone is still the fallback, so the server stays degraded.
	assert.True(t, s.Degraded())
}

func TestNewServer_RejectsHeadForOtherBackbone(t *testing.T) {
	dir := t.TempDir()
	headPath := filepath.Join(dir, "head.json")
	head := NewRandomHead(BackboneMobileNetV2, 1280, HiddenUnits, []string{"Normal", "Pneumonia"}, rand.New(rand.NewSource(3)))
	require.NoError(t, head.Save(headPath))

	s, err := NewServer(Config{HeadPath: headPath})
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, HeadSourceRandom, s.Info().HeadSource)
}

func TestNewServer_RejectsHeadWithReorderedClasses(t *testing.T) {
	dir := t.TempDir()
	headPath := filepath.Join(dir, "head.json")
	head := NewRandomHead(BackboneMeanPool, 1280, HiddenUnits, []string{"Pneumonia", "Normal"}, rand.New(rand.NewSource(3)))
	require.NoError(t, head.Save(headPath))

	s, err := NewServer(Config{HeadPath: headPath, MetadataPath: filepath.Join(dir, "none.json"), Seed: 1})
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, HeadSourceRandom, s.Info().HeadSource)
	assert.Equal(t, []string{"Normal", "Pneumonia"}, s.Info().Classes)
	assert.True(t, s.Degraded())

	p, err := s.Predict(make([]float32, s.Metadata.InputSize()))
	require.NoError(t, err)
	assert.Equal(t, p.Classes[p.ClassIndex], p.Label)
}

func TestNewServer_RejectsUnsupportedClasses(t *testing.T) {
	for name, classes := range map[string]string{
		"reordered": `["Pneumonia","Normal"]`,
		"renamed":   `["NORMAL","PNEUMONIA"]`,
		"extra":     `["Normal","Pneumonia","COVID"]`,
	} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "meta.json")
			require.NoError(t, os.WriteFile(path, []byte(`{"classes":`+classes+`}`), 0644))

			_, err := NewServer(Config{MetadataPath: path})
			assert.ErrorIs(t, err, ErrClasses)
		})
	}
}

func TestNewServer_MalformedMetadata(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0644))

	_, err := NewServer(Config{MetadataPath: path})
	assert.Error(t, err)
}

func TestLoadMetadata_Merge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"input_shape":[1,3,96,96],"output_shape":[1,64],"image_size":96,"layout":"NCHW"}`), 0644))

	meta, err := LoadMetadata(path)
	require.NoError(t, err)

	assert.Equal(t, 3*96*96, meta.InputSize())
	assert.Equal(t, 64, meta.FeatureSize)
	assert.Equal(t, "NCHW", meta.Layout)
	assert.Equal(t, []string{"Normal", "Pneumonia"}, meta.Classes)
	assert.Equal(t, "input", meta.InputName)
}

func TestMeanPoolBackbone(t *testing.T) {
	b := newMeanPoolBackbone(2)
	f, err := b.Extract([]float32{1, 2, 3, 4})
	require.NoError(t, err)
	assert.Equal(t, []float32{1.5, 3.5}, f)

	wide := newMeanPoolBackbone(4)
	f, err = wide.Extract([]float32{5, 7})
	require.NoError(t, err)
	assert.Len(t, f, 4)

	_, err = b.Extract(nil)
	assert.ErrorIs(t, err, ErrInputSize)
}
