package engine

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Softmax returns row-wise softmax probabilities of logits.
func Softmax(logits mat.Matrix) *mat.Dense {
	r, c := logits.Dims()
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		row := out.RawRowView(i)
		maxLogit := math.Inf(-1)
		for j := 0; j < c; j++ {
			row[j] = logits.At(i, j)
			if row[j] > maxLogit {
				maxLogit = row[j]
			}
		}
		sum := 0.0
		for j := range row {
			row[j] = math.Exp(row[j] - maxLogit)
			sum += row[j]
		}
		inv := 1.0 / sum
		for j := range row {
			row[j] *= inv
		}
	}
	return out
}

// Argmax returns the index of the largest entry in every row.
func Argmax(m mat.Matrix) []int {
	r, c := m.Dims()
	out := make([]int, r)
	for i := 0; i < r; i++ {
		best := 0
		for j := 1; j < c; j++ {
			if m.At(i, j) > m.At(i, best) {
				best = j
			}
		}
		out[i] = best
	}
	return out
}

// Accuracy returns the fraction of rows whose argmax equals the label.
func Accuracy(m mat.Matrix, labels []int) float64 {
	if len(labels) == 0 {
		return 0
	}
	hits := 0
	for i, p := range Argmax(m) {
		if p == labels[i] {
			hits++
		}
	}
	return float64(hits) / float64(len(labels))
}
