package model

import (
	"fmt"
	"math"
	"math/rand"
)

// Sample is one backbone feature vector with its class index.
type Sample struct {
	Features []float64
	Class    int
}

type TrainOptions struct {
	LearningRate float64
	BatchSize    int
	Dropout      float64
	Rand         *rand.Rand
}

// DefaultTrainOptions is Adam at 1e-4 over batches of 16 with 0.2 dropout
// around the hidden layer.
func DefaultTrainOptions(rng *rand.Rand) TrainOptions {
	return TrainOptions{LearningRate: 1e-4, BatchSize: 16, Dropout: 0.2, Rand: rng}
}

const (
	adamBeta1   = 0.9
	adamBeta2   = 0.999
	adamEpsilon = 1e-7
)

type adamState struct {
	m, v []float64
}

func newAdamState(n int) adamState {
	return adamState{m: make([]float64, n), v: make([]float64, n)}
}

// Trainer fits a Head with mini-batch Adam on categorical cross-entropy.
type Trainer struct {
	head *Head
	opts TrainOptions
	step int

	hw, hb, ow, ob adamState
}

func NewTrainer(head *Head, opts TrainOptions) *Trainer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 16
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(1))
	}
	return &Trainer{
		head: head,
		opts: opts,
		hw:   newAdamState(len(head.Hidden.Weights)),
		hb:   newAdamState(len(head.Hidden.Bias)),
		ow:   newAdamState(len(head.Output.Weights)),
		ob:   newAdamState(len(head.Output.Bias)),
	}
}

// Metrics are averaged over the samples of one pass.
type Metrics struct {
	Loss     float64
	Accuracy float64
}

func (m Metrics) String() string {
	return fmt.Sprintf("loss=%.4f accuracy=%.4f", m.Loss, m.Accuracy)
}

type gradients struct {
	hw, hb, ow, ob []float64
}

func (t *Trainer) newGradients() gradients {
	return gradients{
		hw: make([]float64, len(t.head.Hidden.Weights)),
		hb: make([]float64, len(t.head.Hidden.Bias)),
		ow: make([]float64, len(t.head.Output.Weights)),
		ob: make([]float64, len(t.head.Output.Bias)),
	}
}

// Epoch shuffles samples and runs one pass of mini-batch updates.
// It reports the training loss and accuracy seen during the pass.
func (t *Trainer) Epoch(samples []Sample) (Metrics, error) {
	if len(samples) == 0 {
		return Metrics{}, nil
	}
	for _, s := range samples {
		if len(s.Features) != t.head.InputSize() {
			return Metrics{}, fmt.Errorf("%w: expected %d features, got %d", ErrFeatureSize, t.head.InputSize(), len(s.Features))
		}
		if s.Class < 0 || s.Class >= len(t.head.Classes) {
			return Metrics{}, fmt.Errorf("class index %d out of range", s.Class)
		}
	}

	order := t.opts.Rand.Perm(len(samples))
	var total Metrics
	for start := 0; start < len(order); start += t.opts.BatchSize {
		end := min(start+t.opts.BatchSize, len(order))
		g := t.newGradients()
		for _, idx := range order[start:end] {
			loss, correct := t.accumulate(&g, samples[idx], t.opts.Dropout)
			total.Loss += loss
			if correct {
				total.Accuracy++
			}
		}
		t.apply(g, end-start)
	}

	total.Loss /= float64(len(samples))
	total.Accuracy /= float64(len(samples))
	return total, nil
}

// accumulate adds the gradients of one sample to g and returns its loss.
func (t *Trainer) accumulate(g *gradients, s Sample, dropout float64) (float64, bool) {
	h := t.head
	x := t.dropout(s.Features, dropout)

	pre := h.Hidden.forward(x)
	hidden := relu(append([]float64(nil), pre...))
	mask := t.dropoutMask(len(hidden), dropout)
	for i := range hidden {
		hidden[i] *= mask[i]
	}
	probs := softmax(h.Output.forward(hidden))

	loss := -math.Log(math.Max(probs[s.Class], 1e-12))
	correct := argmax(probs) == s.Class

	// dL/dlogits for softmax with cross-entropy.
	dz := append([]float64(nil), probs...)
	dz[s.Class]--

	dh := make([]float64, h.Hidden.Out)
	for o := 0; o < h.Output.Out; o++ {
		g.ob[o] += dz[o]
		row := o * h.Output.In
		for i := 0; i < h.Output.In; i++ {
			g.ow[row+i] += dz[o] * hidden[i]
			dh[i] += dz[o] * h.Output.Weights[row+i]
		}
	}

	for j := 0; j < h.Hidden.Out; j++ {
		if pre[j] <= 0 {
			continue
		}
		d := dh[j] * mask[j]
		g.hb[j] += d
		row := j * h.Hidden.In
		for i := 0; i < h.Hidden.In; i++ {
			g.hw[row+i] += d * x[i]
		}
	}
	return loss, correct
}

// dropout applies inverted dropout to a copy of x.
func (t *Trainer) dropout(x []float64, rate float64) []float64 {
	out := append([]float64(nil), x...)
	if rate <= 0 {
		return out
	}
	mask := t.dropoutMask(len(x), rate)
	for i := range out {
		out[i] *= mask[i]
	}
	return out
}

func (t *Trainer) dropoutMask(n int, rate float64) []float64 {
	mask := make([]float64, n)
	for i := range mask {
		if rate <= 0 || t.opts.Rand.Float64() >= rate {
			mask[i] = 1 / (1 - math.Max(rate, 0))
		}
	}
	return mask
}

func (t *Trainer) apply(g gradients, batch int) {
	t.step++
	scale := 1 / float64(batch)
	lr := t.opts.LearningRate * math.Sqrt(1-math.Pow(adamBeta2, float64(t.step))) / (1 - math.Pow(adamBeta1, float64(t.step)))

	adam(t.head.Hidden.Weights, g.hw, &t.hw, scale, lr)
	adam(t.head.Hidden.Bias, g.hb, &t.hb, scale, lr)
	adam(t.head.Output.Weights, g.ow, &t.ow, scale, lr)
	adam(t.head.Output.Bias, g.ob, &t.ob, scale, lr)
}

func adam(params, grads []float64, st *adamState, scale, lr float64) {
	for i := range params {
		gi := grads[i] * scale
		st.m[i] = adamBeta1*st.m[i] + (1-adamBeta1)*gi
		st.v[i] = adamBeta2*st.v[i] + (1-adamBeta2)*gi*gi
		params[i] -= lr * st.m[i] / (math.Sqrt(st.v[i]) + adamEpsilon)
	}
}

// Evaluate measures loss and accuracy without dropout or updates.
func Evaluate(h *Head, samples []Sample) (Metrics, error) {
	var m Metrics
	if len(samples) == 0 {
		return m, nil
	}
	for _, s := range samples {
		probs, err := h.Predict(s.Features)
		if err != nil {
			return Metrics{}, err
		}
		if s.Class < 0 || s.Class >= len(probs) {
			return Metrics{}, fmt.Errorf("class index %d out of range", s.Class)
		}
		m.Loss += -math.Log(math.Max(probs[s.Class], 1e-12))
		if argmax(probs) == s.Class {
			m.Accuracy++
		}
	}
	m.Loss /= float64(len(samples))
	m.Accuracy /= float64(len(samples))
	return m, nil
}

func argmax(v []float64) int {
	best := 0
	for i := range v {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}
