package metrics

import (
	"fmt"
	"sort"
)

// Recognised metric options.
const (
	GradientNorms = "gradient_norms"
	PerBlock      = "per_block"
	JSONLines     = "jsonl"
)

// Options is the set of enabled metric options.
type Options map[string]bool

// ParseOptions builds an option set, rejecting unknown names.
func ParseOptions(names []string) (Options, error) {
	opts := make(Options, len(names))
	for _, name := range names {
		switch name {
		case GradientNorms, PerBlock, JSONLines:
			opts[name] = true
		default:
			return nil, fmt.Errorf("metrics: unknown option %q", name)
		}
	}
	return opts, nil
}

// Has reports whether name is enabled.
func (o Options) Has(name string) bool {
	return o[name]
}

// List returns the enabled options in sorted order.
func (o Options) List() []string {
	out := make([]string, 0, len(o))
	for name, on := range o {
		if on {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
