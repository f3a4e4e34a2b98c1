package dataset

import (
	"image"
	"image/png"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/Brownie44l1/medvision-api/internal/model"
	"github.com/Brownie44l1/medvision-api/internal/preprocess"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var classes = []string{"Normal", "Pneumonia"}

func writePNG(t *testing.T, path string, gray uint8) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	img := image.NewGray(image.Rect(0, 0, 16, 16))
	for i := range img.Pix {
		img.Pix[i] = gray
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

func buildDataset(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "NORMAL", "b.png"), 40)
	writePNG(t, filepath.Join(dir, "NORMAL", "a.jpeg"), 50)
	writePNG(t, filepath.Join(dir, "PNEUMONIA", "bacteria", "c.PNG"), 200)
	writePNG(t, filepath.Join(dir, "COVID", "d.png"), 90)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "NORMAL", "notes.txt"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("x"), 0644))
	return dir
}

func TestScan(t *testing.T) {
	dir := buildDataset(t)

	items, err := Scan(dir, classes)
	require.NoError(t, err)

	assert.Equal(t, []Item{
		{Path: filepath.Join(dir, "NORMAL", "a.jpeg"), Class: 0},
		{Path: filepath.Join(dir, "NORMAL", "b.png"), Class: 0},
		{Path: filepath.Join(dir, "PNEUMONIA", "bacteria", "c.PNG"), Class: 1},
	}, items)
	assert.Equal(t, []int{2, 1}, Counts(items, len(classes)))
}

func TestScan_Empty(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "NORMAL"), 0755))

	_, err := Scan(dir, classes)
	assert.ErrorIs(t, err, ErrEmpty)

	_, err = Scan(filepath.Join(dir, "missing"), classes)
	assert.Error(t, err)
}

func meanPool(t *testing.T) model.Backbone {
	t.Helper()
	dir := t.TempDir()
	srv, err := model.NewServer(model.Config{
		BackbonePath: filepath.Join(dir, "none.onnx"),
		MetadataPath: filepath.Join(dir, "none.json"),
		Seed:         1,
	})
	require.NoError(t, err)
	t.Cleanup(srv.Close)
	return srv.Backbone()
}

func TestFeatures(t *testing.T) {
	dir := buildDataset(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "NORMAL", "z_broken.png"), []byte("nope"), 0644))

	items, err := Scan(dir, classes)
	require.NoError(t, err)
	require.Len(t, items, 4)

	backbone := meanPool(t)
	samples, err := Features(items, backbone, FeatureOptions{Input: preprocess.DefaultOptions()})
	require.NoError(t, err)
	require.Len(t, samples, 3)

	for _, s := range samples {
		assert.Len(t, s.Features, backbone.FeatureSize())
	}
	assert.Equal(t, 1, samples[2].Class)
	// Solid images pool to their own scaled intensity.
	assert.InDelta(t, 40/127.5-1, samples[1].Features[0], 1e-5)
	assert.InDelta(t, 200/127.5-1, samples[2].Features[0], 1e-5)
}

func TestFeatures_Augmented(t *testing.T) {
	dir := buildDataset(t)
	items, err := Scan(dir, classes)
	require.NoError(t, err)

	aug := preprocess.DefaultAugment()
	samples, err := Features(items, meanPool(t), FeatureOptions{
		Input:   preprocess.DefaultOptions(),
		Augment: &aug,
		Rand:    rand.New(rand.NewSource(3)),
	})
	require.NoError(t, err)
	assert.Len(t, samples, len(items))
}

func TestFeatures_NothingDecodes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "x.png")
	require.NoError(t, os.WriteFile(path, []byte("nope"), 0644))

	_, err := Features([]Item{{Path: path}}, meanPool(t), FeatureOptions{Input: preprocess.DefaultOptions()})
	assert.ErrorIs(t, err, ErrEmpty)
}
