package dataset

import (
	"context"
	"errors"
	"fmt"
	"math/rand"

	"boostforge/internal/model"
)

// ErrExhausted is matched by every *ExhaustedError.
var ErrExhausted = errors.New("dataset: source exhausted")

// ExhaustedError reports a source that cannot supply a full batch.
type ExhaustedError struct {
	Split string
	Want  int
	Have  int
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("dataset: %s source cannot fill a batch of %d (has %d samples)", e.Split, e.Want, e.Have)
}

func (e *ExhaustedError) Is(target error) bool { return target == ErrExhausted }

// Source is a restartable, endless producer of full batches.
type Source interface {
	Next(ctx context.Context) (model.Batch, error)
	// Reset rewinds the source to its initial order.
	Reset()
}

// MemorySource cycles over in-memory samples. Each pass visits every sample
// at most once; the tail that cannot fill a batch is left for the next
// pass, which reshuffles when shuffling is on.
type MemorySource struct {
	split     string
	samples   []Sample
	batchSize int
	shuffle   bool
	seed      int64

	rng   *rand.Rand
	order []int
	pos   int
}

// NewMemorySource builds a source over samples. With shuffle off every pass
// uses the input order.
func NewMemorySource(split string, samples []Sample, batchSize int, shuffle bool, seed int64) *MemorySource {
	m := &MemorySource{
		split:     split,
		samples:   samples,
		batchSize: batchSize,
		shuffle:   shuffle,
		seed:      seed,
	}
	m.Reset()
	return m
}

// Len returns the number of samples.
func (m *MemorySource) Len() int {
	return len(m.samples)
}

// Reset rewinds to the first pass.
func (m *MemorySource) Reset() {
	m.rng = rand.New(rand.NewSource(m.seed))
	m.order = make([]int, len(m.samples))
	for i := range m.order {
		m.order[i] = i
	}
	m.newPass()
}

func (m *MemorySource) newPass() {
	if m.shuffle {
		m.rng.Shuffle(len(m.order), func(i, j int) {
			m.order[i], m.order[j] = m.order[j], m.order[i]
		})
	}
	m.pos = 0
}

// Next returns the next full batch.
func (m *MemorySource) Next(ctx context.Context) (model.Batch, error) {
	if err := ctx.Err(); err != nil {
		return model.Batch{}, err
	}
	if m.batchSize <= 0 || len(m.samples) < m.batchSize {
		return model.Batch{}, &ExhaustedError{Split: m.split, Want: m.batchSize, Have: len(m.samples)}
	}
	if m.pos+m.batchSize > len(m.order) {
		m.newPass()
	}
	inputs := make([][]float64, 0, m.batchSize)
	labels := make([]int, 0, m.batchSize)
	for _, idx := range m.order[m.pos : m.pos+m.batchSize] {
		inputs = append(inputs, m.samples[idx].Features)
		labels = append(labels, m.samples[idx].Label)
	}
	m.pos += m.batchSize
	return model.Batch{Inputs: inputs, Labels: labels}, nil
}
