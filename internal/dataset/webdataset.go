package dataset

import (
	"archive/tar"
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Sample represents a paired record from a WebDataset shard.
type Sample struct {
	Key      string
	Features []float64
	Label    int
}

// ErrPendingOverflow indicates the pairing map exceeded the configured bound.
var ErrPendingOverflow = errors.New("webdataset: pending pair buffer exceeded")

const defaultPendingCap = 1024

// StreamShard streams paired samples from the shard at path. A sample is an
// image (.jpg, .jpeg, .png) or a feature vector (.vec, comma separated)
// together with a .cls label sharing the same key.
func StreamShard(ctx context.Context, path string, pendingCap int) (<-chan Sample, <-chan error) {
	if pendingCap <= 0 {
		pendingCap = defaultPendingCap
	}
	out := make(chan Sample)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		f, err := os.Open(path)
		if err != nil {
			errCh <- fmt.Errorf("open shard: %w", err)
			return
		}
		defer f.Close()

		tr := tar.NewReader(bufio.NewReader(f))
		pending := make(map[string]*partial)

		for {
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			default:
			}

			hdr, err := tr.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				errCh <- fmt.Errorf("read tar: %w", err)
				return
			}
			if hdr.FileInfo().IsDir() {
				continue
			}
			name := filepath.Base(hdr.Name)
			ext := strings.ToLower(filepath.Ext(name))
			key := strings.TrimSuffix(name, ext)

			var features []float64
			var label *int
			switch ext {
			case ".jpg", ".jpeg", ".png":
				data, err := io.ReadAll(tr)
				if err != nil {
					errCh <- fmt.Errorf("read image %s: %w", name, err)
					return
				}
				features, err = extractFeatures(data)
				if err != nil {
					errCh <- fmt.Errorf("decode image %s: %w", name, err)
					return
				}
			case ".vec":
				data, err := io.ReadAll(tr)
				if err != nil {
					errCh <- fmt.Errorf("read vector %s: %w", name, err)
					return
				}
				features, err = parseVector(data)
				if err != nil {
					errCh <- fmt.Errorf("parse vector %s: %w", name, err)
					return
				}
			case ".cls":
				payload, err := io.ReadAll(tr)
				if err != nil {
					errCh <- fmt.Errorf("read label %s: %w", name, err)
					return
				}
				v, err := strconv.Atoi(strings.TrimSpace(string(payload)))
				if err != nil {
					errCh <- fmt.Errorf("parse label %s: %w", name, err)
					return
				}
				label = &v
			default:
				continue
			}

			part := pending[key]
			if part == nil {
				part = &partial{}
				pending[key] = part
			}
			if features != nil {
				part.features = features
			}
			if label != nil {
				part.label = label
			}

			if len(pending) > pendingCap {
				errCh <- ErrPendingOverflow
				return
			}

			if part.ready() {
				sample := Sample{Key: key, Features: part.features, Label: *part.label}
				delete(pending, key)
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case out <- sample:
				}
			}
		}

		if len(pending) > 0 {
			errCh <- fmt.Errorf("%d samples incomplete", len(pending))
		}
	}()

	return out, errCh
}

type partial struct {
	features []float64
	label    *int
}

func (p *partial) ready() bool {
	return len(p.features) > 0 && p.label != nil
}

func parseVector(data []byte) ([]float64, error) {
	fields := strings.FieldsFunc(string(data), func(r rune) bool {
		return r == ',' || r == ' ' || r == '\n' || r == '\t' || r == '\r'
	})
	if len(fields) == 0 {
		return nil, errors.New("empty vector")
	}
	out := make([]float64, len(fields))
	for i, field := range fields {
		v, err := strconv.ParseFloat(field, 64)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
