// Package engine holds the execution context the training loop runs in:
// named parameters, gradient sets, the caller-owned Session and optimizers.
package engine

import (
	"fmt"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// Param is a named trainable tensor.
type Param struct {
	Name  string
	Value *mat.Dense
}

// ParamSet is an ordered collection of parameters keyed by name.
// Names are slash separated; the first segment is the scope.
type ParamSet struct {
	order  []string
	byName map[string]*Param
}

// NewParamSet returns an empty set.
func NewParamSet() *ParamSet {
	return &ParamSet{byName: make(map[string]*Param)}
}

// Add registers a parameter. Names must be unique.
func (s *ParamSet) Add(name string, value *mat.Dense) (*Param, error) {
	if name == "" {
		return nil, fmt.Errorf("engine: empty parameter name")
	}
	if value == nil {
		return nil, fmt.Errorf("engine: parameter %s has no value", name)
	}
	if _, ok := s.byName[name]; ok {
		return nil, fmt.Errorf("engine: duplicate parameter %s", name)
	}
	p := &Param{Name: name, Value: value}
	s.byName[name] = p
	s.order = append(s.order, name)
	return p, nil
}

// Get looks up a parameter by name.
func (s *ParamSet) Get(name string) (*Param, bool) {
	p, ok := s.byName[name]
	return p, ok
}

// Names returns parameter names in registration order.
func (s *ParamSet) Names() []string {
	return append([]string(nil), s.order...)
}

// Len returns the number of parameters.
func (s *ParamSet) Len() int {
	return len(s.order)
}

// Count returns the number of scalars across all parameters.
func (s *ParamSet) Count() int {
	total := 0
	for _, name := range s.order {
		r, c := s.byName[name].Value.Dims()
		total += r * c
	}
	return total
}

// Scope returns the subset of parameters under scope. The subset shares
// Param pointers with s, so writes through it are visible in s.
func (s *ParamSet) Scope(scope string) *ParamSet {
	prefix := strings.TrimSuffix(scope, "/") + "/"
	sub := NewParamSet()
	for _, name := range s.order {
		if strings.HasPrefix(name, prefix) {
			sub.byName[name] = s.byName[name]
			sub.order = append(sub.order, name)
		}
	}
	return sub
}

// Shapes reports the dimensions of every parameter.
func (s *ParamSet) Shapes() map[string][2]int {
	out := make(map[string][2]int, len(s.order))
	for _, name := range s.order {
		r, c := s.byName[name].Value.Dims()
		out[name] = [2]int{r, c}
	}
	return out
}
