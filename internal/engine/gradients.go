package engine

import (
	"math"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// GradientSet maps a parameter name to its gradient. A fresh set is built
// for every optimizer step.
type GradientSet map[string]*mat.Dense

// NewGradientSet returns zero gradients shaped like every parameter in params.
func NewGradientSet(params *ParamSet) GradientSet {
	g := make(GradientSet, params.Len())
	for _, name := range params.order {
		r, c := params.byName[name].Value.Dims()
		g[name] = mat.NewDense(r, c, nil)
	}
	return g
}

// Accumulate adds delta into the gradient for name.
func (g GradientSet) Accumulate(name string, delta mat.Matrix) {
	cur, ok := g[name]
	if !ok {
		r, c := delta.Dims()
		cur = mat.NewDense(r, c, nil)
		g[name] = cur
	}
	cur.Add(cur, delta)
}

// Norm returns the L2 norm of the gradient for name, or 0 if absent.
func (g GradientSet) Norm(name string) float64 {
	d, ok := g[name]
	if !ok {
		return 0
	}
	return floats.Norm(d.RawMatrix().Data, 2)
}

// GlobalNorm returns the L2 norm over every gradient in the set.
func (g GradientSet) GlobalNorm() float64 {
	sum := 0.0
	for name := range g {
		n := g.Norm(name)
		sum += n * n
	}
	return math.Sqrt(sum)
}

// Finite reports whether every gradient entry is a finite number.
func (g GradientSet) Finite() bool {
	for _, d := range g {
		for _, v := range d.RawMatrix().Data {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}

// Drop removes every gradient under scope and returns how many were removed.
func (g GradientSet) Drop(scope string) int {
	prefix := strings.TrimSuffix(scope, "/") + "/"
	dropped := 0
	for name := range g {
		if strings.HasPrefix(name, prefix) {
			delete(g, name)
			dropped++
		}
	}
	return dropped
}
