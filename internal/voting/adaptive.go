package voting

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"boostforge/internal/engine"
)

// Adaptive weighs each block by a trust score learned online. Every update
// moves a block's raw score towards its accuracy on the batch; trust is the
// raw scores normalised to sum to one.
type Adaptive struct {
	rate  float64
	score []float64
}

// NewAdaptive starts every block with equal trust.
func NewAdaptive(blockNum int, rate float64) *Adaptive {
	if rate <= 0 || rate > 1 {
		rate = 0.1
	}
	score := make([]float64, blockNum)
	for i := range score {
		score[i] = 1
	}
	return &Adaptive{rate: rate, score: score}
}

// Trust returns the normalised per-block weights.
func (a *Adaptive) Trust() []float64 {
	out := append([]float64(nil), a.score...)
	sum := floats.Sum(out)
	if sum <= 0 {
		for i := range out {
			out[i] = 1 / float64(len(out))
		}
		return out
	}
	floats.Scale(1/sum, out)
	return out
}

func (a *Adaptive) Predict(logits []*mat.Dense) (*mat.Dense, error) {
	if len(logits) != len(a.score) {
		return nil, fmt.Errorf("voting: %d block logits for %d trust weights", len(logits), len(a.score))
	}
	return weightedMean(logits, a.Trust())
}

// Check rejects a batch whose shape does not match the trust weights.
func (a *Adaptive) Check(logits []*mat.Dense, labels []int) error {
	if len(logits) != len(a.score) {
		return fmt.Errorf("voting: %d block logits for %d trust weights", len(logits), len(a.score))
	}
	for i, z := range logits {
		if r, _ := z.Dims(); r != len(labels) {
			return fmt.Errorf("voting: block %d has %d rows for %d labels", i, r, len(labels))
		}
	}
	return nil
}

// Update validates the whole batch before changing any score.
func (a *Adaptive) Update(logits []*mat.Dense, labels []int) error {
	if err := a.Check(logits, labels); err != nil {
		return err
	}
	acc := make([]float64, len(logits))
	for i, z := range logits {
		acc[i] = engine.Accuracy(z, labels)
	}
	for i := range a.score {
		a.score[i] = (1-a.rate)*a.score[i] + a.rate*acc[i]
	}
	return nil
}
