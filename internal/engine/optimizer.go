package engine

import (
	"fmt"
	"math"
	"strings"
)

// Optimizer applies a gradient set to the session's parameters.
type Optimizer interface {
	Apply(sess *Session, grads GradientSet) error
}

// NewOptimizer resolves an optimizer by name.
func NewOptimizer(name string, learningRate float64) (Optimizer, error) {
	switch strings.ToLower(name) {
	case "", "adam":
		return NewAdam(learningRate), nil
	case "sgd":
		return &SGD{LearningRate: learningRate}, nil
	default:
		return nil, fmt.Errorf("engine: unknown optimizer %q", name)
	}
}

const (
	defaultLearningRate = 0.001
	defaultBeta1        = 0.9
	defaultBeta2        = 0.999
	adamEpsilon         = 1e-8
)

// Adam keeps first and second moment estimates per scalar. Entries whose
// gradient is exactly zero are left untouched, so parameters of blocks that
// are switched off do not drift on stale momentum.
type Adam struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64

	m1 map[string][]float64
	m2 map[string][]float64
}

// NewAdam returns Adam with the usual betas.
func NewAdam(learningRate float64) *Adam {
	if learningRate <= 0 {
		learningRate = defaultLearningRate
	}
	return &Adam{
		LearningRate: learningRate,
		Beta1:        defaultBeta1,
		Beta2:        defaultBeta2,
		m1:           make(map[string][]float64),
		m2:           make(map[string][]float64),
	}
}

// Apply updates parameters in place.
func (a *Adam) Apply(sess *Session, grads GradientSet) error {
	if err := checkApply(sess, grads); err != nil {
		return err
	}
	params := sess.Params()
	for name, g := range grads {
		value := params.byName[name].Value.RawMatrix().Data
		grad := g.RawMatrix().Data
		m1, ok := a.m1[name]
		if !ok {
			m1 = make([]float64, len(grad))
			a.m1[name] = m1
			a.m2[name] = make([]float64, len(grad))
		}
		m2 := a.m2[name]
		for i, v := range grad {
			if v == 0 {
				continue
			}
			m1[i] = m1[i]*a.Beta1 + v*(1-a.Beta1)
			m2[i] = m2[i]*a.Beta2 + v*v*(1-a.Beta2)
			value[i] -= a.LearningRate * m1[i] / (math.Sqrt(m2[i]) + adamEpsilon)
		}
	}
	return nil
}

// SGD is plain gradient descent.
type SGD struct {
	LearningRate float64
}

// Apply updates parameters in place.
func (s *SGD) Apply(sess *Session, grads GradientSet) error {
	if err := checkApply(sess, grads); err != nil {
		return err
	}
	lr := s.LearningRate
	if lr <= 0 {
		lr = defaultLearningRate
	}
	params := sess.Params()
	for name, g := range grads {
		value := params.byName[name].Value.RawMatrix().Data
		for i, v := range g.RawMatrix().Data {
			value[i] -= lr * v
		}
	}
	return nil
}

// checkApply validates every gradient before any parameter is touched.
func checkApply(sess *Session, grads GradientSet) error {
	if err := sess.Check(); err != nil {
		return err
	}
	params := sess.Params()
	for name, g := range grads {
		p, ok := params.Get(name)
		if !ok {
			return fmt.Errorf("engine: gradient for unknown parameter %s", name)
		}
		pr, pc := p.Value.Dims()
		gr, gc := g.Dims()
		if pr != gr || pc != gc {
			return fmt.Errorf("engine: gradient shape %dx%d for %s, want %dx%d", gr, gc, name, pr, pc)
		}
	}
	return nil
}
