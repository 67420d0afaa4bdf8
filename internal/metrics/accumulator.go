package metrics

import (
	"sort"
	"time"
)

// Accumulator collects per-step values and timings across one epoch phase.
type Accumulator struct {
	samples int
	data    time.Duration
	compute time.Duration
	steps   int
	sums    map[string]float64
	counts  map[string]int
	last    map[string]float64
}

// Record adds one completed step. values may carry any subset of keys.
func (a *Accumulator) Record(batchSize int, dataTime, computeTime time.Duration, values map[string]float64) {
	if a.sums == nil {
		a.sums = make(map[string]float64)
		a.counts = make(map[string]int)
		a.last = make(map[string]float64)
	}
	a.samples += batchSize
	a.data += dataTime
	a.compute += computeTime
	a.steps++
	for k, v := range values {
		a.sums[k] += v
		a.counts[k]++
		a.last[k] = v
	}
}

// Steps returns the number of steps recorded since the last Summary.
func (a *Accumulator) Steps() int {
	return a.steps
}

// Snapshot returns throughput and the latest values without resetting.
func (a *Accumulator) Snapshot() Snapshot {
	snap := Snapshot{Last: make(map[string]float64, len(a.last))}
	total := a.data + a.compute
	if total > 0 {
		snap.ExamplesPerSec = float64(a.samples) / total.Seconds()
	}
	if a.steps > 0 {
		snap.AvgDataMS = (a.data.Seconds() * 1000) / float64(a.steps)
		snap.AvgComputeMS = (a.compute.Seconds() * 1000) / float64(a.steps)
	}
	for k, v := range a.last {
		snap.Last[k] = v
	}
	return snap
}

// Summary returns the mean of every key plus timing figures, each name
// prefixed with prefix + "/", and resets the accumulator.
func (a *Accumulator) Summary(prefix string) map[string]float64 {
	snap := a.Snapshot()
	out := make(map[string]float64, len(a.sums)+4)
	for k, sum := range a.sums {
		out[prefix+"/"+k] = sum / float64(a.counts[k])
	}
	out[prefix+"/steps"] = float64(a.steps)
	out[prefix+"/examples_per_sec"] = snap.ExamplesPerSec
	out[prefix+"/data_ms"] = snap.AvgDataMS
	out[prefix+"/compute_ms"] = snap.AvgComputeMS

	*a = Accumulator{}
	return out
}

// Snapshot represents loggable metrics.
type Snapshot struct {
	ExamplesPerSec float64
	AvgDataMS      float64
	AvgComputeMS   float64
	Last           map[string]float64
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
