package dataset

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"

	"golang.org/x/sync/errgroup"
)

// ShardOptions configures LoadShards.
type ShardOptions struct {
	Seed       int64
	NumWorkers int
	PendingCap int
}

// LoadShards decodes every shard of every root into memory. Shards are
// visited in a seeded round-robin order across roots and decoded
// concurrently; the result keeps that order regardless of which worker
// finishes first.
func LoadShards(ctx context.Context, roots map[string][]string, opts ShardOptions) ([]Sample, error) {
	total := 0
	for _, shards := range roots {
		total += len(shards)
	}
	if total == 0 {
		return nil, errors.New("dataset: no shards discovered")
	}
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = 1
	}
	if opts.Seed == 0 {
		opts.Seed = 42
	}

	order := buildRoundRobinOrder(roots, rand.New(rand.NewSource(opts.Seed)))
	results := make([][]Sample, len(order))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.NumWorkers)
	for i, entry := range order {
		i, entry := i, entry
		g.Go(func() error {
			samples, err := readShard(ctx, entry.path, opts.PendingCap)
			if err != nil {
				return fmt.Errorf("shard %s: %w", entry.path, err)
			}
			results[i] = samples
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []Sample
	for _, samples := range results {
		out = append(out, samples...)
	}
	return out, nil
}

func readShard(ctx context.Context, path string, pendingCap int) ([]Sample, error) {
	samples, errCh := StreamShard(ctx, path, pendingCap)
	var out []Sample
	for sample := range samples {
		out = append(out, sample)
	}
	if err := <-errCh; err != nil {
		return nil, err
	}
	return out, nil
}

type orderEntry struct {
	root string
	path string
}

func buildRoundRobinOrder(roots map[string][]string, rng *rand.Rand) []orderEntry {
	rootNames := make([]string, 0, len(roots))
	copied := make(map[string][]string, len(roots))
	for root, shards := range roots {
		if len(shards) == 0 {
			continue
		}
		rootNames = append(rootNames, root)
		copied[root] = append([]string(nil), shards...)
	}
	sort.Strings(rootNames)
	if rng != nil {
		for _, root := range rootNames {
			shards := copied[root]
			rng.Shuffle(len(shards), func(i, j int) {
				shards[i], shards[j] = shards[j], shards[i]
			})
		}
	}
	var order []orderEntry
	for {
		advanced := false
		for _, root := range rootNames {
			shards := copied[root]
			if len(shards) == 0 {
				continue
			}
			order = append(order, orderEntry{root: root, path: shards[0]})
			copied[root] = shards[1:]
			advanced = true
		}
		if !advanced {
			break
		}
	}
	return order
}
