package main

import (
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/Brownie44l1/medvision-api/internal/config"
	"github.com/Brownie44l1/medvision-api/internal/dataset"
	"github.com/Brownie44l1/medvision-api/internal/logger"
	"github.com/Brownie44l1/medvision-api/internal/model"
	"github.com/Brownie44l1/medvision-api/internal/preprocess"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

func main() {
	flags := pflag.NewFlagSet("train", pflag.ExitOnError)
	configPath := flags.StringP("config", "c", os.Getenv("MEDVISION_CONFIG"), "path to config file")
	flags.String("data-dir", "dataset", "dataset root with train/, val/ and test/ splits")
	flags.Int("epochs", 4, "training epochs")
	flags.Int("batch-size", 16, "mini-batch size")
	flags.Float64("learning-rate", 0.0001, "Adam learning rate")
	flags.String("output", "models/pneumonia_head.json", "where to write the trained head")
	flags.Int64("seed", 42, "random seed")
	flags.Bool("augment", true, "augment training images every epoch")
	if err := flags.Parse(os.Args[1:]); err != nil {
		log.Fatal(err)
	}

	v := viper.New()
	for key, flag := range map[string]string{
		"train.data_dir":      "data-dir",
		"train.epochs":        "epochs",
		"train.batch_size":    "batch-size",
		"train.learning_rate": "learning-rate",
		"train.output":        "output",
		"train.seed":          "seed",
		"train.augment":       "augment",
	} {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			log.Fatalf("Failed to bind flag %s: %v", flag, err)
		}
	}

	cfg, err := config.LoadWith(v, *configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := logger.Init(cfg.Log); err != nil {
		log.Errorf("Failed to initialize logger completely: %v", err)
	}

	err = run(cfg)
	if err != nil {
		log.Errorf("Training failed: %v", err)
	}
	logger.Close()
	if err != nil {
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	tc := cfg.Train
	rng := rand.New(rand.NewSource(tc.Seed))

	srv, err := model.NewServer(model.Config{
		BackbonePath:   cfg.Model.BackbonePath,
		MetadataPath:   cfg.Model.MetadataPath,
		OnnxRuntimeLib: cfg.Model.OnnxRuntimeLib,
		Seed:           tc.Seed,
	})
	if err != nil {
		return err
	}
	defer srv.Close()

	backbone := srv.Backbone()
	if backbone.Name() != model.BackboneMobileNetV2 {
		log.Warnf("Training on %s features; the head will only suit a server without the ONNX backbone", backbone.Name())
	}

	interpolation, err := preprocess.ParseInterpolation(cfg.Model.Interpolation)
	if err != nil {
		return err
	}
	input := preprocess.Options{
		Size:          srv.Metadata.ImageSize,
		Layout:        srv.Metadata.Layout,
		Interpolation: interpolation,
	}
	classes := srv.Metadata.Classes

	trainItems, err := dataset.Scan(filepath.Join(tc.DataDir, "train"), classes)
	if err != nil {
		return err
	}
	log.Infof("Found %d training images, per class %v", len(trainItems), dataset.Counts(trainItems, len(classes)))

	valSamples := optionalSplit(filepath.Join(tc.DataDir, "val"), classes, backbone, input)
	testSamples := optionalSplit(filepath.Join(tc.DataDir, "test"), classes, backbone, input)

	featureOpts := dataset.FeatureOptions{Input: input, Rand: rng}
	if tc.Augment {
		aug := preprocess.DefaultAugment()
		featureOpts.Augment = &aug
	}

	var trainSamples []model.Sample
	if !tc.Augment {
		if trainSamples, err = dataset.Features(trainItems, backbone, featureOpts); err != nil {
			return err
		}
	}

	head := model.NewRandomHead(backbone.Name(), backbone.FeatureSize(), model.HiddenUnits, classes, rng)
	opts := model.DefaultTrainOptions(rng)
	opts.LearningRate = tc.LearningRate
	opts.BatchSize = tc.BatchSize
	trainer := model.NewTrainer(head, opts)

	for epoch := 1; epoch <= tc.Epochs; epoch++ {
		start := time.Now()
		if tc.Augment {
			if trainSamples, err = dataset.Features(trainItems, backbone, featureOpts); err != nil {
				return err
			}
		}

		m, err := trainer.Epoch(trainSamples)
		if err != nil {
			return err
		}
		fields := log.Fields{"loss": m.Loss, "accuracy": m.Accuracy, "elapsed": time.Since(start).Round(time.Second)}
		if valSamples != nil {
			if vm, err := model.Evaluate(head, valSamples); err == nil {
				fields["val_loss"] = vm.Loss
				fields["val_accuracy"] = vm.Accuracy
			}
		}
		log.WithFields(fields).Infof("Epoch %d/%d", epoch, tc.Epochs)
	}

	if testSamples != nil {
		m, err := model.Evaluate(head, testSamples)
		if err != nil {
			return err
		}
		log.Infof("Test accuracy: %s", m)
	}

	if err := head.Save(tc.Output); err != nil {
		return err
	}
	log.Infof("Model training complete, head saved to %s", tc.Output)
	return nil
}

// optionalSplit extracts features for a split directory, returning nil when
// the split is absent.
func optionalSplit(dir string, classes []string, backbone model.Backbone, input preprocess.Options) []model.Sample {
	items, err := dataset.Scan(dir, classes)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Infof("No split at %s, skipping", dir)
		} else {
			log.WithError(err).Warnf("Skipping split %s", dir)
		}
		return nil
	}

	samples, err := dataset.Features(items, backbone, dataset.FeatureOptions{Input: input})
	if err != nil {
		log.WithError(err).Warnf("Skipping split %s", dir)
		return nil
	}
	log.Infof("Loaded %d samples from %s", len(samples), dir)
	return samples
}
