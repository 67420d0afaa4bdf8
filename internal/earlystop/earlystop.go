// Package earlystop watches a validation metric across epochs and signals
// when training should halt.
package earlystop

import (
	"fmt"
	"math"
)

// State of the monitor.
type State int

const (
	Improving State = iota
	Plateau
	Stopped
)

func (s State) String() string {
	switch s {
	case Improving:
		return "IMPROVING"
	case Plateau:
		return "PLATEAU"
	case Stopped:
		return "STOPPED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Mode says which direction counts as better.
type Mode string

const (
	Min Mode = "min"
	Max Mode = "max"
)

// Monitor is the early stopping state machine. Once Stopped it ignores
// further observations.
type Monitor struct {
	patience int
	mode     Mode
	best     float64
	plateau  int
	state    State
}

// New returns a monitor. patience is the number of consecutive
// non-improving observations tolerated; 0 stops on the first one.
func New(patience int, mode Mode) (*Monitor, error) {
	if patience < 0 {
		return nil, fmt.Errorf("earlystop: patience must be >= 0 (got %d)", patience)
	}
	best := math.Inf(1)
	switch mode {
	case Min, "":
		mode = Min
	case Max:
		best = math.Inf(-1)
	default:
		return nil, fmt.Errorf("earlystop: unknown mode %q", mode)
	}
	return &Monitor{patience: patience, mode: mode, best: best}, nil
}

// Observe feeds one epoch's metric and returns the new state.
func (m *Monitor) Observe(v float64) State {
	if m.state == Stopped {
		return m.state
	}
	if m.better(v) {
		m.best = v
		m.plateau = 0
		m.state = Improving
		return m.state
	}
	m.plateau++
	m.state = Plateau
	if m.plateau >= m.patience {
		m.state = Stopped
	}
	return m.state
}

func (m *Monitor) better(v float64) bool {
	if math.IsNaN(v) {
		return false
	}
	if m.mode == Max {
		return v > m.best
	}
	return v < m.best
}

// State returns the current state.
func (m *Monitor) State() State { return m.state }

// Stopped reports whether the monitor reached its terminal state.
func (m *Monitor) Stopped() bool { return m.state == Stopped }

// Best returns the best value seen so far.
func (m *Monitor) Best() float64 { return m.best }

// Plateau returns the number of epochs since the last improvement.
func (m *Monitor) Plateau() int { return m.plateau }
