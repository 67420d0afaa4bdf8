// Package schedule computes the per-block activation vector used to weight
// block losses for a given epoch.
package schedule

import (
	"fmt"

	"boostforge/internal/config"
)

// Schedule produces activation vectors for one run. Under the progressive
// style the vector is carried across calls: each call switches the current
// block on and the block before it off.
type Schedule struct {
	style    string
	blockNum int
	window   int
	current  []float64
}

// New builds a schedule. window is the number of epochs each block stays the
// active trainee under the progressive style.
func New(style string, blockNum, window int) (*Schedule, error) {
	if blockNum < 1 {
		return nil, &config.Error{Field: "block_num", Reason: fmt.Sprintf("must be >= 1 (got %d)", blockNum)}
	}
	if window < 1 {
		return nil, &config.Error{Field: "progressive_training_epochs", Reason: fmt.Sprintf("must be > 0 (got %d)", window)}
	}
	s := &Schedule{style: style, blockNum: blockNum, window: window}
	switch style {
	case config.StyleJoint:
		s.current = ones(blockNum)
	case config.StyleProgressive:
		s.current = make([]float64, blockNum)
	default:
		return nil, &config.Error{Field: "training_style", Reason: fmt.Sprintf("unknown style %q", style)}
	}
	return s, nil
}

// At returns the activation vector for epoch. The returned slice is a copy.
func (s *Schedule) At(epoch int) ([]float64, error) {
	if epoch < 0 {
		return nil, fmt.Errorf("schedule: negative epoch %d", epoch)
	}
	if s.style == config.StyleProgressive {
		active := s.Active(epoch)
		s.current[active] = 1
		if active > 0 {
			s.current[active-1] = 0
		}
	}
	return append([]float64(nil), s.current...), nil
}

// Active returns the index of the block being trained at epoch. Under the
// joint style every block is trained and Active returns -1. Past the last
// window the final block stays active.
func (s *Schedule) Active(epoch int) int {
	if s.style != config.StyleProgressive {
		return -1
	}
	active := epoch / s.window
	if active >= s.blockNum {
		active = s.blockNum - 1
	}
	return active
}

// BlockNum returns the vector length.
func (s *Schedule) BlockNum() int {
	return s.blockNum
}

func ones(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 1
	}
	return out
}
