package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
# progressive run
training_style: progressive
epochs: 6
block_num: 3
classes: [0, 1, 2]
metrics_options: [gradient_norms, per_block]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.TrainingStyle != StyleProgressive || cfg.Epochs != 6 || cfg.BlockNum != 3 {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.Patience != 12 {
		t.Fatalf("expected default patience 12, got %d", cfg.Patience)
	}
	if cfg.ProgressiveTrainingEpochs != 5 {
		t.Fatalf("expected default window 5, got %d", cfg.ProgressiveTrainingEpochs)
	}
	if len(cfg.Classes) != 3 || len(cfg.MetricsOptions) != 2 {
		t.Fatalf("lists not parsed: %+v", cfg)
	}
}

func TestLoadRejectsUnknownKey(t *testing.T) {
	path := writeConfig(t, "epochs: 3\nlearning_rat: 0.1\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected unknown key error")
	}
}

func TestLoadEmptyFile(t *testing.T) {
	path := writeConfig(t, "")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BlockNum != Default().BlockNum {
		t.Fatalf("expected defaults for empty file")
	}
}

func TestValidateReturnsConfigError(t *testing.T) {
	cases := map[string]func(c *Config){
		"block_num":                   func(c *Config) { c.BlockNum = 0 },
		"epochs":                      func(c *Config) { c.Epochs = -1 },
		"patience":                    func(c *Config) { c.Patience = -2 },
		"training_style":              func(c *Config) { c.TrainingStyle = "greedy" },
		"progressive_training_epochs": func(c *Config) { c.ProgressiveTrainingEpochs = 0 },
		"classes":                     func(c *Config) { c.Classes = []int{1, 1} },
		"stem_save_policy":            func(c *Config) { c.StemSavePolicy = "sometimes" },
	}
	for field, mutate := range cases {
		cfg := Default()
		mutate(&cfg)
		err := cfg.Validate()
		var cfgErr *Error
		if !errors.As(err, &cfgErr) {
			t.Fatalf("%s: expected *Error, got %v", field, err)
		}
		if cfgErr.Field != field {
			t.Fatalf("%s: error reported field %s", field, cfgErr.Field)
		}
	}
}

func TestApplyOverrides(t *testing.T) {
	cfg := Default()
	cfg.ApplyOverrides(Overrides{})
	if !reflect.DeepEqual(cfg, Default()) {
		t.Fatalf("empty overrides changed the config: %+v", cfg)
	}
	zero := 0
	cfg.ApplyOverrides(Overrides{Epochs: 4, Patience: &zero, TrainingStyle: StyleProgressive})
	if cfg.Epochs != 4 || cfg.Patience != 0 || cfg.TrainingStyle != StyleProgressive {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	cfg.ApplyOverrides(Overrides{Epochs: 5})
	if cfg.Patience != 0 {
		t.Fatalf("unset patience override replaced %d", cfg.Patience)
	}
}

func TestLoadBundledConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "progressive.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.TrainingStyle != StyleProgressive || cfg.StemSavePolicy != SaveBest {
		t.Fatalf("unexpected config %+v", cfg)
	}
}
