// Package voting aggregates per-block logits into an ensemble prediction.
//
// A Strategy is a tagged value: stateless strategies only predict, stateful
// ones also learn from every training batch through Update. The kind is fixed
// when the strategy is built, so callers switch on Kind instead of probing.
package voting

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"boostforge/internal/engine"
)

// Kind distinguishes the two strategy shapes.
type Kind int

const (
	KindStateless Kind = iota
	KindStateful
)

func (k Kind) String() string {
	if k == KindStateful {
		return "stateful"
	}
	return "stateless"
}

// ErrStateless is returned by Update on a stateless strategy.
var ErrStateless = errors.New("voting: strategy has no update")

// Predictor maps per-block logits to ensemble class probabilities.
type Predictor interface {
	Predict(logits []*mat.Dense) (*mat.Dense, error)
}

// StatefulPredictor also adapts to labelled batches. Check reports whether
// Update would accept a batch without changing any state.
type StatefulPredictor interface {
	Predictor
	Check(logits []*mat.Dense, labels []int) error
	Update(logits []*mat.Dense, labels []int) error
}

// Strategy is either Stateless{predict} or Stateful{predict, update}.
type Strategy struct {
	name    string
	kind    Kind
	predict Predictor
	update  StatefulPredictor
}

// Stateless wraps a pure predictor.
func Stateless(name string, p Predictor) Strategy {
	return Strategy{name: name, kind: KindStateless, predict: p}
}

// Stateful wraps a predictor that also updates.
func Stateful(name string, p StatefulPredictor) Strategy {
	return Strategy{name: name, kind: KindStateful, predict: p, update: p}
}

func (s Strategy) Name() string { return s.name }
func (s Strategy) Kind() Kind   { return s.kind }

// Predict returns batch x classes probabilities.
func (s Strategy) Predict(logits []*mat.Dense) (*mat.Dense, error) {
	if s.predict == nil {
		return nil, errors.New("voting: empty strategy")
	}
	if len(logits) == 0 {
		return nil, errors.New("voting: no block logits")
	}
	return s.predict.Predict(logits)
}

// Check validates a batch for Update on a stateful strategy.
func (s Strategy) Check(logits []*mat.Dense, labels []int) error {
	if s.kind != KindStateful {
		return ErrStateless
	}
	return s.update.Check(logits, labels)
}

// Update feeds a labelled batch to a stateful strategy.
func (s Strategy) Update(logits []*mat.Dense, labels []int) error {
	if s.kind != KindStateful {
		return ErrStateless
	}
	return s.update.Update(logits, labels)
}

// New builds a registered strategy for blockNum blocks.
func New(name string, blockNum int) (Strategy, error) {
	switch name {
	case "", "average":
		return Stateless("average", Average{}), nil
	case "majority":
		return Stateless("majority", Majority{}), nil
	case "adaptive":
		return Stateful("adaptive", NewAdaptive(blockNum, 0.1)), nil
	default:
		return Strategy{}, fmt.Errorf("voting: unknown strategy %q (have adaptive, average, majority)", name)
	}
}

// Average is the mean of the blocks' softmax probabilities.
type Average struct{}

func (Average) Predict(logits []*mat.Dense) (*mat.Dense, error) {
	weights := make([]float64, len(logits))
	for i := range weights {
		weights[i] = 1 / float64(len(logits))
	}
	return weightedMean(logits, weights)
}

// Majority counts argmax votes per class. Ties are broken by the mean
// probability, which is added scaled down below one vote.
type Majority struct{}

func (Majority) Predict(logits []*mat.Dense) (*mat.Dense, error) {
	mean, err := Average{}.Predict(logits)
	if err != nil {
		return nil, err
	}
	r, c := mean.Dims()
	votes := mat.NewDense(r, c, nil)
	for _, z := range logits {
		for n, k := range engine.Argmax(z) {
			votes.Set(n, k, votes.At(n, k)+1)
		}
	}
	total := float64(len(logits)) + 1
	for n := 0; n < r; n++ {
		row := votes.RawRowView(n)
		for k := range row {
			row[k] = (row[k] + mean.At(n, k)) / total
		}
	}
	return votes, nil
}

func weightedMean(logits []*mat.Dense, weights []float64) (*mat.Dense, error) {
	r, c := logits[0].Dims()
	out := mat.NewDense(r, c, nil)
	for i, z := range logits {
		zr, zc := z.Dims()
		if zr != r || zc != c {
			return nil, fmt.Errorf("voting: block %d logits are %dx%d, want %dx%d", i, zr, zc, r, c)
		}
		if weights[i] == 0 {
			continue
		}
		var scaled mat.Dense
		scaled.Scale(weights[i], engine.Softmax(z))
		out.Add(out, &scaled)
	}
	return out, nil
}
