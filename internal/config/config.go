package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Training styles.
const (
	StyleJoint       = "joint"
	StyleProgressive = "progressive"
)

// Stem save policies.
const (
	SaveBest  = "best"
	SaveEpoch = "epoch"
	SaveFinal = "final"
)

// Config captures the runtime knobs for a boosting run.
type Config struct {
	TrainingStyle             string   `yaml:"training_style"`
	Epochs                    int      `yaml:"epochs"`
	BatchSize                 int      `yaml:"batch_size"`
	BlockNum                  int      `yaml:"block_num"`
	Dataset                   string   `yaml:"dataset"`
	Classes                   []int    `yaml:"classes"`
	MetricsOptions            []string `yaml:"metrics_options"`
	LogDir                    string   `yaml:"log_dir"`
	LoadStem                  string   `yaml:"load_stem"`
	SaveStem                  string   `yaml:"save_stem"`
	StemSavePolicy            string   `yaml:"stem_save_policy"`
	FreezeStem                bool     `yaml:"freeze_stem"`
	Patience                  int      `yaml:"patience"`
	ProgressiveTrainingEpochs int      `yaml:"progressive_training_epochs"`
	BoostingStrategy          string   `yaml:"boosting_strategy"`
	VotingStrategy            string   `yaml:"voting_strategy"`
	Optimizer                 string   `yaml:"optimizer"`
	LearningRate              float64  `yaml:"learning_rate"`
	Hidden                    int      `yaml:"hidden"`
	Seed                      int64    `yaml:"seed"`
	LogEvery                  int      `yaml:"log_every"`
	NumWorkers                int      `yaml:"num_workers"`
	NonFiniteLimit            int      `yaml:"nonfinite_limit"`
	Monitor                   string   `yaml:"monitor"`
	MonitorMode               string   `yaml:"monitor_mode"`
}

// Default returns a Config with every optional knob filled in.
func Default() Config {
	return Config{
		TrainingStyle:             StyleJoint,
		Epochs:                    10,
		BatchSize:                 32,
		BlockNum:                  3,
		Dataset:                   "synthetic",
		LogDir:                    "logs",
		StemSavePolicy:            SaveBest,
		Patience:                  12,
		ProgressiveTrainingEpochs: 5,
		BoostingStrategy:          "cross_entropy",
		VotingStrategy:            "average",
		Optimizer:                 "adam",
		LearningRate:              0.001,
		Hidden:                    32,
		LogEvery:                  50,
		NumWorkers:                1,
		Monitor:                   "validate/ensemble/loss",
		MonitorMode:               "min",
	}
}

// Overrides captures CLI supplied values. Zero values leave the config
// untouched; Patience is a pointer since 0 is a valid patience.
type Overrides struct {
	TrainingStyle             string
	Epochs                    int
	BatchSize                 int
	BlockNum                  int
	Dataset                   string
	LogDir                    string
	LoadStem                  string
	SaveStem                  string
	Patience                  *int
	ProgressiveTrainingEpochs int
	BoostingStrategy          string
	VotingStrategy            string
	Seed                      int64
	LogEvery                  int
	NumWorkers                int
}

// Load reads and validates a Config from YAML, on top of Default.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	cfg, err := parseYAML(f)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyOverrides updates cfg using any set override.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.TrainingStyle != "" {
		c.TrainingStyle = o.TrainingStyle
	}
	if o.Epochs > 0 {
		c.Epochs = o.Epochs
	}
	if o.BatchSize > 0 {
		c.BatchSize = o.BatchSize
	}
	if o.BlockNum > 0 {
		c.BlockNum = o.BlockNum
	}
	if o.Dataset != "" {
		c.Dataset = o.Dataset
	}
	if o.LogDir != "" {
		c.LogDir = o.LogDir
	}
	if o.LoadStem != "" {
		c.LoadStem = o.LoadStem
	}
	if o.SaveStem != "" {
		c.SaveStem = o.SaveStem
	}
	if o.Patience != nil {
		c.Patience = *o.Patience
	}
	if o.ProgressiveTrainingEpochs > 0 {
		c.ProgressiveTrainingEpochs = o.ProgressiveTrainingEpochs
	}
	if o.BoostingStrategy != "" {
		c.BoostingStrategy = o.BoostingStrategy
	}
	if o.VotingStrategy != "" {
		c.VotingStrategy = o.VotingStrategy
	}
	if o.Seed != 0 {
		c.Seed = o.Seed
	}
	if o.LogEvery > 0 {
		c.LogEvery = o.LogEvery
	}
	if o.NumWorkers > 0 {
		c.NumWorkers = o.NumWorkers
	}
}

// Validate verifies the config is runnable. Every failure is an *Error.
func (c *Config) Validate() error {
	if c == nil {
		return &Error{Field: "config", Reason: "is nil"}
	}
	switch c.TrainingStyle {
	case StyleJoint, StyleProgressive:
	default:
		return &Error{Field: "training_style", Reason: fmt.Sprintf("unknown style %q", c.TrainingStyle)}
	}
	if c.Epochs < 0 {
		return &Error{Field: "epochs", Reason: fmt.Sprintf("must be >= 0 (got %d)", c.Epochs)}
	}
	if c.BatchSize <= 0 {
		return &Error{Field: "batch_size", Reason: fmt.Sprintf("must be > 0 (got %d)", c.BatchSize)}
	}
	if c.BlockNum < 1 {
		return &Error{Field: "block_num", Reason: fmt.Sprintf("must be >= 1 (got %d)", c.BlockNum)}
	}
	if c.Patience < 0 {
		return &Error{Field: "patience", Reason: fmt.Sprintf("must be >= 0 (got %d)", c.Patience)}
	}
	if c.ProgressiveTrainingEpochs <= 0 {
		return &Error{Field: "progressive_training_epochs", Reason: fmt.Sprintf("must be > 0 (got %d)", c.ProgressiveTrainingEpochs)}
	}
	if c.Dataset == "" {
		return &Error{Field: "dataset", Reason: "must be set"}
	}
	switch c.StemSavePolicy {
	case "":
		c.StemSavePolicy = SaveBest
	case SaveBest, SaveEpoch, SaveFinal:
	default:
		return &Error{Field: "stem_save_policy", Reason: fmt.Sprintf("unknown policy %q", c.StemSavePolicy)}
	}
	switch strings.ToLower(c.Optimizer) {
	case "", "adam", "sgd":
	default:
		return &Error{Field: "optimizer", Reason: fmt.Sprintf("unknown optimizer %q", c.Optimizer)}
	}
	switch c.MonitorMode {
	case "":
		c.MonitorMode = "min"
	case "min", "max":
	default:
		return &Error{Field: "monitor_mode", Reason: fmt.Sprintf("must be min or max (got %q)", c.MonitorMode)}
	}
	if c.LearningRate < 0 {
		return &Error{Field: "learning_rate", Reason: fmt.Sprintf("must be >= 0 (got %g)", c.LearningRate)}
	}
	if c.NonFiniteLimit < 0 {
		return &Error{Field: "nonfinite_limit", Reason: fmt.Sprintf("must be >= 0 (got %d)", c.NonFiniteLimit)}
	}
	seen := make(map[int]struct{}, len(c.Classes))
	for _, class := range c.Classes {
		if class < 0 {
			return &Error{Field: "classes", Reason: fmt.Sprintf("negative class %d", class)}
		}
		if _, dup := seen[class]; dup {
			return &Error{Field: "classes", Reason: fmt.Sprintf("duplicate class %d", class)}
		}
		seen[class] = struct{}{}
	}
	if c.Hidden <= 0 {
		c.Hidden = 32
	}
	if c.LogEvery <= 0 {
		c.LogEvery = 50
	}
	if c.NumWorkers <= 0 {
		c.NumWorkers = 1
	}
	if c.Monitor == "" {
		c.Monitor = "validate/ensemble/loss"
	}
	return nil
}

func parseYAML(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return &cfg, nil
}
