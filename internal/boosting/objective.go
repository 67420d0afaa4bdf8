package boosting

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"boostforge/internal/engine"
)

// Backpropagator turns per-block seeds (the gradient of the objective with
// respect to each block's logits) into parameter gradients. A nil seed means
// the block does not contribute.
type Backpropagator interface {
	Backward(seeds []*mat.Dense) (engine.GradientSet, error)
}

// DifferentiableObjective exposes the per-block losses of one forward pass
// and the gradients of any weighted sum of them.
type DifferentiableObjective interface {
	Losses() []float64
	Gradients(weights []float64) (engine.GradientSet, error)
}

type objective struct {
	backprop Backpropagator
	losses   []BlockLoss
}

// NewObjective binds strategy losses to the pass that produced their logits.
func NewObjective(backprop Backpropagator, losses []BlockLoss) DifferentiableObjective {
	return &objective{backprop: backprop, losses: losses}
}

func (o *objective) Losses() []float64 {
	out := make([]float64, len(o.losses))
	for i, l := range o.losses {
		out[i] = l.Value
	}
	return out
}

// Gradients seeds backpropagation with sum_i weights[i] * dLoss_i/dLogits.
// Losses with a zero weight are skipped before anything is accumulated, so
// they contribute exactly nothing even when non-finite.
func (o *objective) Gradients(weights []float64) (engine.GradientSet, error) {
	if len(weights) != len(o.losses) {
		return nil, fmt.Errorf("boosting: %d weights for %d losses", len(weights), len(o.losses))
	}
	seeds := make([]*mat.Dense, len(o.losses))
	for i, l := range o.losses {
		w := weights[i]
		if w == 0 {
			continue
		}
		for j, g := range l.Grads {
			if g == nil {
				continue
			}
			if seeds[j] == nil {
				r, c := g.Dims()
				seeds[j] = mat.NewDense(r, c, nil)
			}
			var scaled mat.Dense
			scaled.Scale(w, g)
			seeds[j].Add(seeds[j], &scaled)
		}
	}
	return o.backprop.Backward(seeds)
}

// WeightedLoss is sum_i activation[i] * losses[i], skipping inactive blocks.
func WeightedLoss(losses, activation []float64) float64 {
	total := 0.0
	for i, l := range losses {
		if activation[i] == 0 {
			continue
		}
		total += activation[i] * l
	}
	return total
}

// CalculateGradients scales every block loss by its activation, sums them
// into one objective and differentiates it. Alongside the gradients it
// returns diagnostics keyed by name: the objective value, per-parameter and
// global gradient norms, and a nonfinite flag. Non-finite values are
// reported, never masked.
func CalculateGradients(obj DifferentiableObjective, activation []float64) (engine.GradientSet, map[string]float64, error) {
	losses := obj.Losses()
	if len(activation) != len(losses) {
		return nil, nil, fmt.Errorf("boosting: activation has %d entries for %d blocks", len(activation), len(losses))
	}
	grads, err := obj.Gradients(activation)
	if err != nil {
		return nil, nil, err
	}
	value := WeightedLoss(losses, activation)
	metrics := map[string]float64{
		"objective":        value,
		"grad_norm/global": grads.GlobalNorm(),
		"nonfinite":        0,
	}
	for name := range grads {
		metrics["grad_norm/"+name] = grads.Norm(name)
	}
	if math.IsNaN(value) || math.IsInf(value, 0) || !grads.Finite() {
		metrics["nonfinite"] = 1
	}
	return grads, metrics, nil
}
