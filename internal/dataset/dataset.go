// Package dataset reads directory-structured X-ray datasets: one
// subdirectory per class (matched case-insensitively, so NORMAL and
// PNEUMONIA work) holding PNG or JPEG files.
package dataset

import (
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Brownie44l1/medvision-api/internal/model"
	"github.com/Brownie44l1/medvision-api/internal/preprocess"
	"github.com/Brownie44l1/medvision-api/internal/upload"

	log "github.com/sirupsen/logrus"
)

var ErrEmpty = errors.New("dataset contains no images")

// Item is one labelled image on disk.
type Item struct {
	Path  string
	Class int
}

// Scan lists the images under dir, labelled by the index of their class
// directory in classes. Directories that match no class are skipped.
func Scan(dir string, classes []string) ([]Item, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read dataset directory: %w", err)
	}

	var items []Item
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		class := classIndex(classes, e.Name())
		if class < 0 {
			log.Debugf("Skipping directory %s: not a known class", e.Name())
			continue
		}

		root := filepath.Join(dir, e.Name())
		err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || upload.Validate(d.Name()) != nil {
				return nil
			}
			items = append(items, Item{Path: path, Class: class})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", root, err)
		}
	}

	if len(items) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmpty, dir)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Path < items[j].Path })
	return items, nil
}

func classIndex(classes []string, name string) int {
	for i, c := range classes {
		if strings.EqualFold(c, name) {
			return i
		}
	}
	return -1
}

// Counts returns the number of items per class.
func Counts(items []Item, numClasses int) []int {
	counts := make([]int, numClasses)
	for _, it := range items {
		if it.Class >= 0 && it.Class < numClasses {
			counts[it.Class]++
		}
	}
	return counts
}

// FeatureOptions controls feature extraction.
type FeatureOptions struct {
	Input preprocess.Options
	// Augment, when set, applies random augmentation drawn from Rand to every
	// image before preprocessing.
	Augment *preprocess.AugmentOptions
	Rand    *rand.Rand
}

// Features runs every item through the backbone. Images that fail to decode
// are skipped with a warning; an error is returned only if none succeed.
func Features(items []Item, backbone model.Backbone, opts FeatureOptions) ([]model.Sample, error) {
	if opts.Augment != nil && opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(1))
	}

	samples := make([]model.Sample, 0, len(items))
	for i, it := range items {
		img, err := preprocess.Decode(it.Path)
		if err != nil {
			log.WithError(err).Warnf("Skipping %s", it.Path)
			continue
		}
		if opts.Augment != nil {
			img = preprocess.Augment(img, opts.Rand, *opts.Augment)
		}

		features, err := backbone.Extract(preprocess.Tensor(img, opts.Input))
		if err != nil {
			return nil, fmt.Errorf("failed to extract features for %s: %w", it.Path, err)
		}

		f := make([]float64, len(features))
		for j, v := range features {
			f[j] = float64(v)
		}
		samples = append(samples, model.Sample{Features: f, Class: it.Class})

		if (i+1)%200 == 0 {
			log.Infof("Extracted features for %d/%d images", i+1, len(items))
		}
	}

	if len(samples) == 0 {
		return nil, ErrEmpty
	}
	return samples, nil
}
