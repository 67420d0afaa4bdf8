package dataset

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
)

// Options tunes LoadData.
type Options struct {
	Seed       int64
	NumWorkers int
}

// Data is what a run needs from a dataset.
type Data struct {
	Train         Source
	Validate      Source
	TrainShape    []int // samples x features
	ValidateShape []int
	LabelShape    []int // samples
	ClassNum      int
}

// LoadData resolves a dataset by name:
//
//	synthetic      deterministic Gaussian blobs
//	shards:<dir>   WebDataset shards under <dir>/train and <dir>/validate
//
// classes, when non-empty, keeps only those labels and renumbers them to
// their position in classes.
func LoadData(ctx context.Context, name string, batchSize int, classes []int, opts Options) (*Data, error) {
	var train, validate []Sample
	switch {
	case name == "synthetic":
		n := syntheticClasses
		for _, c := range classes {
			if c+1 > n {
				n = c + 1
			}
		}
		train = Synthetic(syntheticTrain, syntheticFeatures, n, opts.Seed+1)
		validate = Synthetic(syntheticValidate, syntheticFeatures, n, opts.Seed+2)
	case strings.HasPrefix(name, "shards:"):
		dir := strings.TrimPrefix(name, "shards:")
		var err error
		if train, err = loadSplit(ctx, filepath.Join(dir, "train"), opts); err != nil {
			return nil, err
		}
		if validate, err = loadSplit(ctx, filepath.Join(dir, "validate"), opts); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("dataset: unknown dataset %q", name)
	}

	classNum := 0
	if len(classes) > 0 {
		train = filterClasses(train, classes)
		validate = filterClasses(validate, classes)
		classNum = len(classes)
	} else {
		for _, s := range append(append([]Sample(nil), train...), validate...) {
			if s.Label+1 > classNum {
				classNum = s.Label + 1
			}
		}
	}
	if len(train) == 0 || len(validate) == 0 {
		return nil, fmt.Errorf("dataset: %s has %d train and %d validate samples after filtering", name, len(train), len(validate))
	}
	width, err := featureWidth(train, validate)
	if err != nil {
		return nil, err
	}

	return &Data{
		Train:         NewMemorySource("train", train, batchSize, true, opts.Seed),
		Validate:      NewMemorySource("validate", validate, batchSize, false, opts.Seed),
		TrainShape:    []int{len(train), width},
		ValidateShape: []int{len(validate), width},
		LabelShape:    []int{len(train)},
		ClassNum:      classNum,
	}, nil
}

func loadSplit(ctx context.Context, dir string, opts Options) ([]Sample, error) {
	roots, err := DiscoverSplit(dir)
	if err != nil {
		return nil, err
	}
	return LoadShards(ctx, roots, ShardOptions{Seed: opts.Seed, NumWorkers: opts.NumWorkers})
}

func filterClasses(samples []Sample, classes []int) []Sample {
	index := make(map[int]int, len(classes))
	for i, c := range classes {
		index[c] = i
	}
	out := make([]Sample, 0, len(samples))
	for _, s := range samples {
		if mapped, ok := index[s.Label]; ok {
			s.Label = mapped
			out = append(out, s)
		}
	}
	return out
}

func featureWidth(splits ...[]Sample) (int, error) {
	width := -1
	for _, split := range splits {
		for _, s := range split {
			if width < 0 {
				width = len(s.Features)
			}
			if len(s.Features) != width {
				return 0, fmt.Errorf("dataset: sample %q has %d features, want %d", s.Key, len(s.Features), width)
			}
		}
	}
	return width, nil
}
