// Package boosting turns per-block logits into per-block losses and combines
// them, scaled by the activation vector, into one gradient step.
package boosting

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"gonum.org/v1/gonum/mat"

	"boostforge/internal/engine"
)

// BlockLoss is one block's scalar loss together with its gradient with
// respect to the logits of every block it depends on. Grads has one entry
// per block; a nil entry means the loss does not depend on that block.
// Grads are read-only once returned.
type BlockLoss struct {
	Value float64
	Grads []*mat.Dense
}

// Strategy computes one loss per block from that block's logits and the
// shared labels.
type Strategy interface {
	Name() string
	Losses(logits []*mat.Dense, labels []int, classNum int) ([]BlockLoss, error)
}

var (
	registryMu sync.RWMutex
	registry   = map[string]func() Strategy{
		"cross_entropy": func() Strategy { return CrossEntropy{} },
		"reweighted":    func() Strategy { return Reweighted{Sharpness: 1} },
		"additive":      func() Strategy { return Additive{} },
	}
)

// Register makes a strategy available to Lookup.
func Register(name string, factory func() Strategy) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// Lookup returns a fresh strategy by name.
func Lookup(name string) (Strategy, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	factory, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("boosting: unknown strategy %q (have %v)", name, names())
	}
	return factory(), nil
}

func names() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// CrossEntropy scores every block independently with softmax cross-entropy.
type CrossEntropy struct{}

func (CrossEntropy) Name() string { return "cross_entropy" }

func (CrossEntropy) Losses(logits []*mat.Dense, labels []int, classNum int) ([]BlockLoss, error) {
	out := make([]BlockLoss, len(logits))
	weights := uniform(len(labels))
	for i, z := range logits {
		value, grad, _ := softmaxCrossEntropy(z, labels, weights)
		out[i] = single(len(logits), i, value, grad)
	}
	return out, nil
}

// Reweighted emphasises the examples the previous block got wrong. Example
// weights are proportional to exp(Sharpness * (1 - p_prev[label])) and are
// treated as constants, so gradients only reach the block being scored.
type Reweighted struct {
	Sharpness float64
}

func (Reweighted) Name() string { return "reweighted" }

func (r Reweighted) Losses(logits []*mat.Dense, labels []int, classNum int) ([]BlockLoss, error) {
	out := make([]BlockLoss, len(logits))
	weights := uniform(len(labels))
	for i, z := range logits {
		value, grad, probs := softmaxCrossEntropy(z, labels, weights)
		out[i] = single(len(logits), i, value, grad)
		weights = errorWeights(probs, labels, r.Sharpness)
	}
	return out, nil
}

// Additive scores block i on the running sum of logits from blocks 0..i, so
// each block fits what the earlier blocks left over and its loss also
// trains them.
type Additive struct{}

func (Additive) Name() string { return "additive" }

func (Additive) Losses(logits []*mat.Dense, labels []int, classNum int) ([]BlockLoss, error) {
	out := make([]BlockLoss, len(logits))
	weights := uniform(len(labels))
	var running mat.Dense
	for i, z := range logits {
		if i == 0 {
			running.CloneFrom(z)
		} else {
			running.Add(&running, z)
		}
		value, grad, _ := softmaxCrossEntropy(&running, labels, weights)
		grads := make([]*mat.Dense, len(logits))
		for j := 0; j <= i; j++ {
			grads[j] = grad
		}
		out[i] = BlockLoss{Value: value, Grads: grads}
	}
	return out, nil
}

// CalculateLosses validates the shapes of a batch and runs strategy over it.
// It returns exactly one loss per block. Non-finite values are passed through.
func CalculateLosses(strategy Strategy, logits []*mat.Dense, labels []int, batchSize, classNum int) ([]BlockLoss, error) {
	if len(logits) == 0 {
		return nil, fmt.Errorf("boosting: no block logits")
	}
	if len(labels) != batchSize {
		return nil, fmt.Errorf("boosting: %d labels for batch size %d", len(labels), batchSize)
	}
	for i, z := range logits {
		r, c := z.Dims()
		if r != batchSize || c != classNum {
			return nil, fmt.Errorf("boosting: block %d logits are %dx%d, want %dx%d", i, r, c, batchSize, classNum)
		}
	}
	for n, label := range labels {
		if label < 0 || label >= classNum {
			return nil, fmt.Errorf("boosting: label %d at row %d outside [0,%d)", label, n, classNum)
		}
	}
	losses, err := strategy.Losses(logits, labels, classNum)
	if err != nil {
		return nil, fmt.Errorf("boosting: %s: %w", strategy.Name(), err)
	}
	if len(losses) != len(logits) {
		return nil, fmt.Errorf("boosting: %s returned %d losses for %d blocks", strategy.Name(), len(losses), len(logits))
	}
	for i, l := range losses {
		if len(l.Grads) != len(logits) {
			return nil, fmt.Errorf("boosting: %s loss %d has %d gradient slots, want %d", strategy.Name(), i, len(l.Grads), len(logits))
		}
	}
	return losses, nil
}

// softmaxCrossEntropy returns sum_n w_n * CE_n, its gradient w.r.t. z and
// the softmax probabilities.
func softmaxCrossEntropy(z *mat.Dense, labels []int, weights []float64) (float64, *mat.Dense, *mat.Dense) {
	probs := engine.Softmax(z)
	r, c := probs.Dims()
	grad := mat.NewDense(r, c, nil)
	value := 0.0
	for n := 0; n < r; n++ {
		row := z.RawRowView(n)
		lse := logSumExp(row)
		value += weights[n] * (lse - row[labels[n]])
		p := probs.RawRowView(n)
		g := grad.RawRowView(n)
		for k := range g {
			g[k] = weights[n] * p[k]
		}
		g[labels[n]] -= weights[n]
	}
	return value, grad, probs
}

func logSumExp(row []float64) float64 {
	maxV := math.Inf(-1)
	for _, v := range row {
		if v > maxV {
			maxV = v
		}
	}
	if math.IsInf(maxV, 0) {
		return maxV
	}
	sum := 0.0
	for _, v := range row {
		sum += math.Exp(v - maxV)
	}
	return maxV + math.Log(sum)
}

func errorWeights(probs *mat.Dense, labels []int, sharpness float64) []float64 {
	weights := make([]float64, len(labels))
	total := 0.0
	for n, label := range labels {
		weights[n] = math.Exp(sharpness * (1 - probs.At(n, label)))
		total += weights[n]
	}
	for n := range weights {
		weights[n] /= total
	}
	return weights
}

func uniform(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 1 / float64(n)
	}
	return out
}

func single(blocks, i int, value float64, grad *mat.Dense) BlockLoss {
	grads := make([]*mat.Dense, blocks)
	grads[i] = grad
	return BlockLoss{Value: value, Grads: grads}
}
