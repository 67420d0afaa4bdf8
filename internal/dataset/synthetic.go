package dataset

import "math/rand"

// Synthetic sizes.
const (
	syntheticFeatures = 8
	syntheticClasses  = 4
	syntheticTrain    = 512
	syntheticValidate = 128
	syntheticSpread   = 0.6
)

// Synthetic draws Gaussian blobs, one centre per class. The same seed always
// yields the same samples.
func Synthetic(n, features, classes int, seed int64) []Sample {
	rng := rand.New(rand.NewSource(seed))
	centres := make([][]float64, classes)
	// centres come from a fixed stream so train and validate splits agree.
	centreRng := rand.New(rand.NewSource(1))
	for c := range centres {
		centres[c] = make([]float64, features)
		for j := range centres[c] {
			centres[c][j] = centreRng.NormFloat64() * 2
		}
	}
	out := make([]Sample, n)
	for i := range out {
		label := i % classes
		x := make([]float64, features)
		for j := range x {
			x[j] = centres[label][j] + rng.NormFloat64()*syntheticSpread
		}
		out[i] = Sample{Features: x, Label: label}
	}
	rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}
