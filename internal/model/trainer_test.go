package model

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func separable(rng *rand.Rand, n, dim int) []Sample {
	samples := make([]Sample, n)
	for i := range samples {
		class := i % 2
		x := make([]float64, dim)
		for j := range x {
			x[j] = rng.NormFloat64() * 0.1
		}
		x[0] += float64(class*2 - 1)
		samples[i] = Sample{Features: x, Class: class}
	}
	return samples
}

func TestTrainer_GradientsMatchFiniteDifferences(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	h := NewRandomHead(BackboneMeanPool, 3, 4, twoClasses, rng)
	for i := range h.Hidden.Bias {
		h.Hidden.Bias[i] = 0.05
	}
	tr := NewTrainer(h, TrainOptions{LearningRate: 0.01, BatchSize: 1, Rand: rng})
	s := Sample{Features: []float64{0.3, -0.7, 0.9}, Class: 1}

	g := tr.newGradients()
	tr.accumulate(&g, s, 0)

	lossAt := func() float64 {
		m, err := Evaluate(h, []Sample{s})
		require.NoError(t, err)
		return m.Loss
	}

	const eps = 1e-6
	check := func(name string, params, grads []float64) {
		for i := range params {
			orig := params[i]
			params[i] = orig + eps
			up := lossAt()
			params[i] = orig - eps
			down := lossAt()
			params[i] = orig
			assert.InDelta(t, (up-down)/(2*eps), grads[i], 1e-5, "%s[%d]", name, i)
		}
	}
	check("hidden.weights", h.Hidden.Weights, g.hw)
	check("hidden.bias", h.Hidden.Bias, g.hb)
	check("output.weights", h.Output.Weights, g.ow)
	check("output.bias", h.Output.Bias, g.ob)
}

func TestTrainer_LearnsSeparableData(t *testing.T) {
	rng := rand.New(rand.NewSource(21))
	train := separable(rng, 64, 6)
	test := separable(rng, 32, 6)

	h := NewRandomHead(BackboneMeanPool, 6, 8, twoClasses, rng)
	before, err := Evaluate(h, test)
	require.NoError(t, err)

	tr := NewTrainer(h, TrainOptions{LearningRate: 0.01, BatchSize: 16, Dropout: 0.1, Rand: rng})
	for epoch := 0; epoch < 150; epoch++ {
		_, err := tr.Epoch(train)
		require.NoError(t, err)
	}

	after, err := Evaluate(h, test)
	require.NoError(t, err)
	assert.Less(t, after.Loss, before.Loss)
	assert.GreaterOrEqual(t, after.Accuracy, 0.95)
}

func TestTrainer_RejectsBadSamples(t *testing.T) {
	h := NewRandomHead(BackboneMeanPool, 3, 4, twoClasses, rand.New(rand.NewSource(1)))
	tr := NewTrainer(h, DefaultTrainOptions(nil))

	_, err := tr.Epoch([]Sample{{Features: []float64{1}, Class: 0}})
	assert.ErrorIs(t, err, ErrFeatureSize)

	_, err = tr.Epoch([]Sample{{Features: []float64{1, 2, 3}, Class: 5}})
	assert.Error(t, err)

	m, err := tr.Epoch(nil)
	require.NoError(t, err)
	assert.Zero(t, m)
}
