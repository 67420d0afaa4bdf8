package model

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"boostforge/internal/engine"
)

// StemScope is the parameter scope owned by the shared stem.
const StemScope = "stem"

// Batch represents a minibatch of features and labels.
type Batch struct {
	Inputs [][]float64
	Labels []int
}

// Len returns the number of examples in the batch.
func (b Batch) Len() int {
	return len(b.Labels)
}

// Matrix packs the inputs into a rows x width matrix.
func (b Batch) Matrix(width int) (*mat.Dense, error) {
	if len(b.Inputs) == 0 {
		return nil, fmt.Errorf("model: empty batch")
	}
	if len(b.Inputs) != len(b.Labels) {
		return nil, fmt.Errorf("model: %d inputs for %d labels", len(b.Inputs), len(b.Labels))
	}
	data := make([]float64, 0, len(b.Inputs)*width)
	for i, row := range b.Inputs {
		if len(row) != width {
			return nil, fmt.Errorf("model: input %d has %d features, want %d", i, len(row), width)
		}
		data = append(data, row...)
	}
	return mat.NewDense(len(b.Inputs), width, data), nil
}

// Model is the ensemble as the training loop sees it: a forward pass that
// yields one logits matrix per block and can be differentiated.
type Model interface {
	BlockNum() int
	ClassNum() int
	Forward(sess *engine.Session, batch Batch) (*Pass, error)
}
