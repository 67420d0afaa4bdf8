package model

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"boostforge/internal/engine"
)

// Spec sizes the reference network.
type Spec struct {
	InputSize int
	Hidden    int
	ClassNum  int
	BlockNum  int
	Seed      int64
}

// Validate rejects non-positive dimensions.
func (s Spec) Validate() error {
	switch {
	case s.InputSize <= 0:
		return fmt.Errorf("model: input size must be > 0 (got %d)", s.InputSize)
	case s.Hidden <= 0:
		return fmt.Errorf("model: hidden width must be > 0 (got %d)", s.Hidden)
	case s.ClassNum <= 0:
		return fmt.Errorf("model: class count must be > 0 (got %d)", s.ClassNum)
	case s.BlockNum <= 0:
		return fmt.Errorf("model: block count must be > 0 (got %d)", s.BlockNum)
	}
	return nil
}

// Ensemble is a dense stem followed by a chain of blocks, each with its own
// linear classifier:
//
//	H0      = relu(X Ws + bs)
//	H(i+1)  = relu(H(i) Wi + bi)
//	logits_i = H(i+1) Ci + ci
//
// Parameters live in the session; the ensemble only knows their names.
type Ensemble struct {
	spec Spec
}

// Build registers the ensemble's parameters in sess.
func Build(sess *engine.Session, spec Spec) (*Ensemble, error) {
	if err := sess.Check(); err != nil {
		return nil, err
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(spec.Seed))
	params := sess.Params()
	add := func(name string, rows, cols int, init bool) error {
		m := mat.NewDense(rows, cols, nil)
		if init {
			scale := math.Sqrt(6.0 / float64(rows+cols))
			raw := m.RawMatrix().Data
			for i := range raw {
				raw[i] = (rng.Float64()*2 - 1) * scale
			}
		}
		_, err := params.Add(name, m)
		return err
	}
	if err := add(weightName(StemScope), spec.InputSize, spec.Hidden, true); err != nil {
		return nil, err
	}
	if err := add(biasName(StemScope), 1, spec.Hidden, false); err != nil {
		return nil, err
	}
	for i := 0; i < spec.BlockNum; i++ {
		if err := add(weightName(blockScope(i)), spec.Hidden, spec.Hidden, true); err != nil {
			return nil, err
		}
		if err := add(biasName(blockScope(i)), 1, spec.Hidden, false); err != nil {
			return nil, err
		}
		if err := add(weightName(classifierScope(i)), spec.Hidden, spec.ClassNum, true); err != nil {
			return nil, err
		}
		if err := add(biasName(classifierScope(i)), 1, spec.ClassNum, false); err != nil {
			return nil, err
		}
	}
	return &Ensemble{spec: spec}, nil
}

func (e *Ensemble) BlockNum() int { return e.spec.BlockNum }
func (e *Ensemble) ClassNum() int { return e.spec.ClassNum }

// Spec returns the sizes the ensemble was built with.
func (e *Ensemble) Spec() Spec { return e.spec }

// Forward runs the batch through the stem and every block.
func (e *Ensemble) Forward(sess *engine.Session, batch Batch) (*Pass, error) {
	if err := sess.Check(); err != nil {
		return nil, err
	}
	x, err := batch.Matrix(e.spec.InputSize)
	if err != nil {
		return nil, err
	}
	layers, err := e.lookup(sess.Params())
	if err != nil {
		return nil, err
	}
	p := &Pass{
		input:  x,
		layers: layers,
		pre:    make([]*mat.Dense, e.spec.BlockNum+1),
		hidden: make([]*mat.Dense, e.spec.BlockNum+1),
		logits: make([]*mat.Dense, e.spec.BlockNum),
	}
	p.pre[0] = affine(x, layers.stem)
	p.hidden[0] = relu(p.pre[0])
	for i := 0; i < e.spec.BlockNum; i++ {
		p.pre[i+1] = affine(p.hidden[i], layers.blocks[i])
		p.hidden[i+1] = relu(p.pre[i+1])
		p.logits[i] = affine(p.hidden[i+1], layers.classifiers[i])
	}
	return p, nil
}

type dense struct {
	scope string
	w, b  *mat.Dense
}

type layerSet struct {
	stem        dense
	blocks      []dense
	classifiers []dense
	names       []string
}

func (e *Ensemble) lookup(params *engine.ParamSet) (layerSet, error) {
	get := func(scope string) (dense, error) {
		w, ok := params.Get(weightName(scope))
		if !ok {
			return dense{}, fmt.Errorf("model: missing parameter %s", weightName(scope))
		}
		b, ok := params.Get(biasName(scope))
		if !ok {
			return dense{}, fmt.Errorf("model: missing parameter %s", biasName(scope))
		}
		return dense{scope: scope, w: w.Value, b: b.Value}, nil
	}
	var ls layerSet
	var err error
	if ls.stem, err = get(StemScope); err != nil {
		return ls, err
	}
	ls.names = append(ls.names, weightName(StemScope), biasName(StemScope))
	for i := 0; i < e.spec.BlockNum; i++ {
		block, err := get(blockScope(i))
		if err != nil {
			return ls, err
		}
		classifier, err := get(classifierScope(i))
		if err != nil {
			return ls, err
		}
		ls.blocks = append(ls.blocks, block)
		ls.classifiers = append(ls.classifiers, classifier)
		ls.names = append(ls.names,
			weightName(block.scope), biasName(block.scope),
			weightName(classifier.scope), biasName(classifier.scope))
	}
	return ls, nil
}

func affine(x *mat.Dense, l dense) *mat.Dense {
	var out mat.Dense
	out.Mul(x, l.w)
	bias := l.b.RawRowView(0)
	rows, _ := out.Dims()
	for i := 0; i < rows; i++ {
		row := out.RawRowView(i)
		for j := range row {
			row[j] += bias[j]
		}
	}
	return &out
}

func relu(z *mat.Dense) *mat.Dense {
	var out mat.Dense
	out.Apply(func(_, _ int, v float64) float64 {
		if v > 0 {
			return v
		}
		return 0
	}, z)
	return &out
}

func weightName(scope string) string { return scope + "/w" }
func biasName(scope string) string   { return scope + "/b" }
func blockScope(i int) string        { return fmt.Sprintf("block_%d", i) }
func classifierScope(i int) string   { return fmt.Sprintf("classifier_%d", i) }
