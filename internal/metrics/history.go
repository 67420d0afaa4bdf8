package metrics

import (
	"encoding/json"
	"math"
	"strconv"
)

// Epoch is one epoch's summary.
type Epoch struct {
	Index  int
	Values map[string]float64
}

// MarshalJSON writes non-finite values as strings, which plain JSON numbers
// cannot hold.
func (e Epoch) MarshalJSON() ([]byte, error) {
	values := make(map[string]any, len(e.Values))
	for k, v := range e.Values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			values[k] = strconv.FormatFloat(v, 'g', -1, 64)
			continue
		}
		values[k] = v
	}
	return json.Marshal(struct {
		Epoch  int            `json:"epoch"`
		Values map[string]any `json:"values"`
	}{e.Index, values})
}

// History is the ordered list of epoch summaries of one run.
type History []Epoch

// Last returns the most recent epoch and false when the history is empty.
func (h History) Last() (Epoch, bool) {
	if len(h) == 0 {
		return Epoch{}, false
	}
	return h[len(h)-1], true
}

// Series returns key's value for every epoch, NaN where it is absent.
func (h History) Series(key string) []float64 {
	out := make([]float64, len(h))
	for i, e := range h {
		v, ok := e.Values[key]
		if !ok {
			v = math.NaN()
		}
		out[i] = v
	}
	return out
}
