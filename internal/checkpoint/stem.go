// Package checkpoint persists the stem's parameters on their own, so a
// trained stem can warm-start or be frozen in a later, independent run
// without carrying the rest of the ensemble.
package checkpoint

import (
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gonum.org/v1/gonum/mat"

	"boostforge/internal/engine"
)

const formatVersion = 1

// LoadError is returned when a stem checkpoint cannot be restored: the file
// is missing or corrupt, or it does not match the live stem exactly.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("checkpoint: load stem from %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

type fileFormat struct {
	Format int      `json:"format"`
	Scope  string   `json:"scope"`
	Step   int      `json:"step"`
	Params []tensor `json:"params"`
}

type tensor struct {
	Name string    `json:"name"`
	Rows int       `json:"rows"`
	Cols int       `json:"cols"`
	Data []float64 `json:"data"`
}

// Stem saves and restores the parameters under one scope. The subset is
// captured when the Stem is created and does not change afterwards.
type Stem struct {
	scope  string
	params *engine.ParamSet
}

// NewStem captures the parameters under scope.
func NewStem(params *engine.ParamSet, scope string) (*Stem, error) {
	sub := params.Scope(scope)
	if sub.Len() == 0 {
		return nil, fmt.Errorf("checkpoint: no parameters under scope %q", scope)
	}
	return &Stem{scope: scope, params: sub}, nil
}

// Names returns the captured parameter names.
func (s *Stem) Names() []string {
	return s.params.Names()
}

// Save writes the stem to path, replacing any previous file atomically.
func (s *Stem) Save(path string, step int) error {
	out := fileFormat{Format: formatVersion, Scope: s.scope, Step: step}
	for _, name := range s.params.Names() {
		p, _ := s.params.Get(name)
		r, c := p.Value.Dims()
		data := make([]float64, 0, r*c)
		for i := 0; i < r; i++ {
			data = append(data, p.Value.RawRowView(i)...)
		}
		out.Params = append(out.Params, tensor{Name: name, Rows: r, Cols: c, Data: data})
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("checkpoint: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".stem-*")
	if err != nil {
		return fmt.Errorf("checkpoint: create temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	zw := gzip.NewWriter(tmp)
	if err := json.NewEncoder(zw).Encode(out); err != nil {
		tmp.Close()
		return fmt.Errorf("checkpoint: encode stem: %w", err)
	}
	if err := zw.Close(); err != nil {
		tmp.Close()
		return fmt.Errorf("checkpoint: compress stem: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("checkpoint: close temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("checkpoint: rename: %w", err)
	}
	return nil
}

// Restore loads the stem from path and returns the step it was saved at.
// Every tensor is checked before any live value is written, so a failed
// restore leaves the stem untouched. All failures are *LoadError.
func (s *Stem) Restore(path string) (int, error) {
	loaded, err := s.read(path)
	if err != nil {
		return 0, &LoadError{Path: path, Err: err}
	}
	if err := s.check(loaded); err != nil {
		return 0, &LoadError{Path: path, Err: err}
	}
	for _, t := range loaded.Params {
		p, _ := s.params.Get(t.Name)
		p.Value.Copy(mat.NewDense(t.Rows, t.Cols, t.Data))
	}
	return loaded.Step, nil
}

func (s *Stem) read(path string) (*fileFormat, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	defer zr.Close()
	dec := json.NewDecoder(zr)
	dec.DisallowUnknownFields()
	var loaded fileFormat
	if err := dec.Decode(&loaded); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return &loaded, nil
}

func (s *Stem) check(loaded *fileFormat) error {
	if loaded.Format != formatVersion {
		return fmt.Errorf("unsupported format %d", loaded.Format)
	}
	want := s.params.Shapes()
	seen := make(map[string]bool, len(loaded.Params))
	for _, t := range loaded.Params {
		shape, ok := want[t.Name]
		if !ok {
			return fmt.Errorf("unexpected parameter %s", t.Name)
		}
		if seen[t.Name] {
			return fmt.Errorf("duplicate parameter %s", t.Name)
		}
		seen[t.Name] = true
		if shape != [2]int{t.Rows, t.Cols} {
			return fmt.Errorf("parameter %s is %dx%d, stem expects %dx%d", t.Name, t.Rows, t.Cols, shape[0], shape[1])
		}
		if len(t.Data) != t.Rows*t.Cols {
			return fmt.Errorf("parameter %s has %d values, want %d", t.Name, len(t.Data), t.Rows*t.Cols)
		}
	}
	var missing []string
	for name := range want {
		if !seen[name] {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("missing parameters %v", missing)
	}
	return nil
}

// IsLoadError reports whether err is, or wraps, a *LoadError.
func IsLoadError(err error) bool {
	var le *LoadError
	return errors.As(err, &le)
}
