package model

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"boostforge/internal/engine"
)

// Pass holds the activations of one forward pass so it can be
// differentiated. It is only valid until the parameters change.
type Pass struct {
	input  *mat.Dense
	layers layerSet
	pre    []*mat.Dense // pre[0] is the stem, pre[i+1] is block i
	hidden []*mat.Dense
	logits []*mat.Dense
}

// Logits returns one batch x classes matrix per block.
func (p *Pass) Logits() []*mat.Dense {
	return p.logits
}

// Backward propagates per-block logit seeds down to every parameter. The
// returned set covers every parameter of the model; parameters no seed
// reaches get exact zeros.
func (p *Pass) Backward(seeds []*mat.Dense) (engine.GradientSet, error) {
	if len(seeds) != len(p.logits) {
		return nil, fmt.Errorf("model: %d seeds for %d blocks", len(seeds), len(p.logits))
	}
	for i, s := range seeds {
		if s == nil {
			continue
		}
		sr, sc := s.Dims()
		lr, lc := p.logits[i].Dims()
		if sr != lr || sc != lc {
			return nil, fmt.Errorf("model: seed %d is %dx%d, want %dx%d", i, sr, sc, lr, lc)
		}
	}

	grads := make(engine.GradientSet, len(p.layers.names))
	zero := func(l dense) {
		wr, wc := l.w.Dims()
		_, bc := l.b.Dims()
		grads[weightName(l.scope)] = mat.NewDense(wr, wc, nil)
		grads[biasName(l.scope)] = mat.NewDense(1, bc, nil)
	}
	zero(p.layers.stem)
	for i := range p.logits {
		zero(p.layers.blocks[i])
		zero(p.layers.classifiers[i])
	}

	// upstream is dObjective/dH(i+1) coming from block i+1, nil when nothing
	// above has contributed yet.
	var upstream *mat.Dense
	for i := len(p.logits) - 1; i >= 0; i-- {
		dh := upstream
		if seeds[i] != nil {
			classifier := p.layers.classifiers[i]
			accumulate(grads, classifier, p.hidden[i+1], seeds[i])
			var fromLogits mat.Dense
			fromLogits.Mul(seeds[i], classifier.w.T())
			if dh == nil {
				dh = &fromLogits
			} else {
				dh.Add(dh, &fromLogits)
			}
		}
		if dh == nil {
			upstream = nil
			continue
		}
		block := p.layers.blocks[i]
		dz := reluGrad(dh, p.pre[i+1])
		accumulate(grads, block, p.hidden[i], dz)
		var next mat.Dense
		next.Mul(dz, block.w.T())
		upstream = &next
	}
	if upstream != nil {
		dz := reluGrad(upstream, p.pre[0])
		accumulate(grads, p.layers.stem, p.input, dz)
	}
	return grads, nil
}

// accumulate adds the gradients of an affine layer y = x W + b given dy.
func accumulate(grads engine.GradientSet, l dense, x, dy *mat.Dense) {
	var dw mat.Dense
	dw.Mul(x.T(), dy)
	grads.Accumulate(weightName(l.scope), &dw)

	rows, cols := dy.Dims()
	db := mat.NewDense(1, cols, nil)
	sums := db.RawRowView(0)
	for i := 0; i < rows; i++ {
		for j, v := range dy.RawRowView(i) {
			sums[j] += v
		}
	}
	grads.Accumulate(biasName(l.scope), db)
}

func reluGrad(dh, pre *mat.Dense) *mat.Dense {
	var out mat.Dense
	out.Apply(func(i, j int, v float64) float64 {
		if pre.At(i, j) > 0 {
			return v
		}
		return 0
	}, dh)
	return &out
}
