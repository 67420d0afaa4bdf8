package trainer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"

	"gonum.org/v1/gonum/mat"

	"boostforge/internal/boosting"
	"boostforge/internal/checkpoint"
	"boostforge/internal/config"
	"boostforge/internal/dataset"
	"boostforge/internal/engine"
	"boostforge/internal/model"
	"boostforge/internal/voting"
)

const (
	stubFeatures = 4
	stubClasses  = 3
)

// stubSamples is a fixed, linearly separable-ish set: the label picks which
// feature is hot.
func stubSamples(n int) []dataset.Sample {
	out := make([]dataset.Sample, n)
	for i := range out {
		label := i % stubClasses
		x := make([]float64, stubFeatures)
		x[label] = 1
		x[stubFeatures-1] = float64(i%5) / 5
		out[i] = dataset.Sample{Features: x, Label: label}
	}
	return out
}

type stubData struct {
	train, validate int
	calls           int
}

func (s *stubData) load(ctx context.Context, name string, batchSize int, classes []int, opts dataset.Options) (*dataset.Data, error) {
	s.calls++
	return &dataset.Data{
		Train:         dataset.NewMemorySource("train", stubSamples(s.train), batchSize, false, 1),
		Validate:      dataset.NewMemorySource("validate", stubSamples(s.validate), batchSize, false, 1),
		TrainShape:    []int{s.train, stubFeatures},
		ValidateShape: []int{s.validate, stubFeatures},
		LabelShape:    []int{s.train},
		ClassNum:      stubClasses,
	}, nil
}

// scriptedSource hands out fixed batches, then io.EOF.
type scriptedSource struct {
	batches []model.Batch
	next    int
}

func (s *scriptedSource) Next(ctx context.Context) (model.Batch, error) {
	if s.next >= len(s.batches) {
		return model.Batch{}, io.EOF
	}
	b := s.batches[s.next]
	s.next++
	return b, nil
}

func (s *scriptedSource) Reset() { s.next = 0 }

func batchesOf(samples []dataset.Sample, size int) []model.Batch {
	var out []model.Batch
	for len(samples) > 0 {
		n := min(size, len(samples))
		var b model.Batch
		for _, smp := range samples[:n] {
			b.Inputs = append(b.Inputs, smp.Features)
			b.Labels = append(b.Labels, smp.Label)
		}
		out = append(out, b)
		samples = samples[n:]
	}
	return out
}

// scriptedData reports train samples as if the split held fullTrain of them
// while the source itself serves train.
func scriptedData(train *scriptedSource, fullTrain int) LoadDataFunc {
	return func(ctx context.Context, name string, batchSize int, classes []int, opts dataset.Options) (*dataset.Data, error) {
		return &dataset.Data{
			Train:         train,
			Validate:      dataset.NewMemorySource("validate", stubSamples(8), batchSize, false, 1),
			TrainShape:    []int{fullTrain, stubFeatures},
			ValidateShape: []int{8, stubFeatures},
			LabelShape:    []int{fullTrain},
			ClassNum:      stubClasses,
		}, nil
	}
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Epochs = 2
	cfg.BatchSize = 4
	cfg.BlockNum = 3
	cfg.Hidden = 6
	cfg.Seed = 11
	cfg.LogDir = t.TempDir()
	cfg.LogEvery = 1000
	return cfg
}

type noopOptimizer struct{ calls int }

func (o *noopOptimizer) Apply(sess *engine.Session, grads engine.GradientSet) error {
	o.calls++
	return nil
}

// nanStrategy poisons every block loss.
type nanStrategy struct{}

func (nanStrategy) Name() string { return "nan" }

func (nanStrategy) Losses(logits []*mat.Dense, labels []int, classNum int) ([]boosting.BlockLoss, error) {
	out := make([]boosting.BlockLoss, len(logits))
	for i, z := range logits {
		r, c := z.Dims()
		g := mat.NewDense(r, c, nil)
		g.Apply(func(_, _ int, _ float64) float64 { return math.NaN() }, g)
		grads := make([]*mat.Dense, len(logits))
		grads[i] = g
		out[i] = boosting.BlockLoss{Value: math.NaN(), Grads: grads}
	}
	return out, nil
}

type countingVoter struct {
	updates int
	reject  error
}

func (c *countingVoter) Check(logits []*mat.Dense, labels []int) error {
	return c.reject
}

func (c *countingVoter) Predict(logits []*mat.Dense) (*mat.Dense, error) {
	return voting.Average{}.Predict(logits)
}

func (c *countingVoter) Update(logits []*mat.Dense, labels []int) error {
	c.updates++
	return nil
}

func TestRunProgressiveActivationHistory(t *testing.T) {
	cfg := testConfig(t)
	cfg.TrainingStyle = config.StyleProgressive
	cfg.Epochs = 6
	cfg.Patience = 12
	cfg.ProgressiveTrainingEpochs = 2
	cfg.MetricsOptions = []string{"per_block", "jsonl", "gradient_norms"}
	data := &stubData{train: 24, validate: 12}

	history, err := Run(context.Background(), cfg, Collaborators{LoadData: data.load})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(history) != 6 {
		t.Fatalf("expected 6 epochs, got %d", len(history))
	}
	wantActive := []int{0, 0, 1, 1, 2, 2}
	for e, rec := range history {
		if rec.Index != e {
			t.Fatalf("epoch %d has index %d", e, rec.Index)
		}
		for b := 0; b < cfg.BlockNum; b++ {
			got := rec.Values[fmt.Sprintf("train/block_%d/activation", b)]
			want := 0.0
			if b == wantActive[e] {
				want = 1
			}
			if got != want {
				t.Fatalf("epoch %d block %d activation = %v, want %v", e, b, got, want)
			}
		}
		if rec.Values["active_block"] != float64(wantActive[e]) {
			t.Fatalf("epoch %d active_block = %v", e, rec.Values["active_block"])
		}
		if rec.Values["train/steps"] != 6 || rec.Values["validate/steps"] != 3 {
			t.Fatalf("epoch %d steps = %v/%v", e, rec.Values["train/steps"], rec.Values["validate/steps"])
		}
		if _, ok := rec.Values["train/grad_norm/global"]; !ok {
			t.Fatalf("epoch %d missing gradient norms", e)
		}
	}
	for _, name := range []string{"run.json", "metrics.csv", "history.jsonl", "block_0.csv", "block_2.csv"} {
		if _, err := os.Stat(filepath.Join(cfg.LogDir, name)); err != nil {
			t.Fatalf("expected %s: %v", name, err)
		}
	}
}

func TestRunZeroEpochs(t *testing.T) {
	cfg := testConfig(t)
	cfg.Epochs = 0
	data := &stubData{train: 24, validate: 12}
	history, err := Run(context.Background(), cfg, Collaborators{LoadData: data.load})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("expected empty history, got %d epochs", len(history))
	}
	if data.calls != 0 {
		t.Fatalf("data loaded %d times for zero epochs", data.calls)
	}
}

func TestRunConfigErrors(t *testing.T) {
	data := &stubData{train: 24, validate: 12}
	cases := map[string]func(*config.Config){
		"block_num":         func(c *config.Config) { c.BlockNum = 0 },
		"epochs":            func(c *config.Config) { c.Epochs = -1 },
		"patience":          func(c *config.Config) { c.Patience = -1 },
		"training_style":    func(c *config.Config) { c.TrainingStyle = "greedy" },
		"batch_size":        func(c *config.Config) { c.BatchSize = 25 },
		"metrics_options":   func(c *config.Config) { c.MetricsOptions = []string{"tensorboard"} },
		"voting_strategy":   func(c *config.Config) { c.VotingStrategy = "borda" },
		"boosting_strategy": func(c *config.Config) { c.BoostingStrategy = "hinge" },
		"monitor":           func(c *config.Config) { c.Monitor = "validate/nothing" },
	}
	for field, mutate := range cases {
		cfg := testConfig(t)
		mutate(&cfg)
		opt := &noopOptimizer{}
		history, err := Run(context.Background(), cfg, Collaborators{LoadData: data.load, Optimizer: opt})
		var cerr *config.Error
		if !errors.As(err, &cerr) {
			t.Fatalf("%s: expected *config.Error, got %v", field, err)
		}
		if cerr.Field != field {
			t.Fatalf("%s: error field = %s", field, cerr.Field)
		}
		if opt.calls != 0 || len(history) != 0 {
			t.Fatalf("%s: trained %d steps over %d epochs before failing", field, opt.calls, len(history))
		}
	}
}

func TestKnownMetric(t *testing.T) {
	for key, want := range map[string]bool{
		"validate/ensemble/loss":      true,
		"train/ensemble/accuracy":     true,
		"validate/block_2/loss":       true,
		"validate/block_3/loss":       false,
		"validate/block_x/loss":       false,
		"train/block_0/activation":    true,
		"validate/block_0/activation": false,
		"train/objective":             true,
		"validate/objective":          false,
		"validate/steps":              true,
		"train/compute_ms":            true,
		"epoch_seconds":               true,
		"active_block":                true,
		"objective":                   false,
		"test/ensemble/loss":          false,
		"train/grad_norm/global":      false,
	} {
		if got := knownMetric(key, 3, false); got != want {
			t.Fatalf("knownMetric(%q) = %v, want %v", key, got, want)
		}
	}
	if !knownMetric("train/grad_norm/global", 3, true) {
		t.Fatalf("global gradient norm should be known when collected")
	}
}

func TestRunStemLoadError(t *testing.T) {
	cfg := testConfig(t)
	cfg.LoadStem = filepath.Join(t.TempDir(), "missing.stem")
	data := &stubData{train: 24, validate: 12}
	_, err := Run(context.Background(), cfg, Collaborators{LoadData: data.load})
	if !checkpoint.IsLoadError(err) {
		t.Fatalf("expected load error, got %v", err)
	}
}

func TestRunStemSaveAndReload(t *testing.T) {
	cfg := testConfig(t)
	cfg.SaveStem = filepath.Join(t.TempDir(), "stem", "weights.json.gz")
	cfg.StemSavePolicy = config.SaveEpoch
	data := &stubData{train: 24, validate: 12}
	if _, err := Run(context.Background(), cfg, Collaborators{LoadData: data.load}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, err := os.Stat(cfg.SaveStem); err != nil {
		t.Fatalf("stem not saved: %v", err)
	}

	warm := testConfig(t)
	warm.LoadStem = cfg.SaveStem
	warm.FreezeStem = true
	if _, err := Run(context.Background(), warm, Collaborators{LoadData: data.load}); err != nil {
		t.Fatalf("warm start: %v", err)
	}

	mismatch := testConfig(t)
	mismatch.LoadStem = cfg.SaveStem
	mismatch.Hidden = 9
	if _, err := Run(context.Background(), mismatch, Collaborators{LoadData: data.load}); !checkpoint.IsLoadError(err) {
		t.Fatalf("expected load error for mismatched stem, got %v", err)
	}
}

func TestRunExhaustedValidation(t *testing.T) {
	cfg := testConfig(t)
	data := &stubData{train: 24, validate: 2}
	_, err := Run(context.Background(), cfg, Collaborators{LoadData: data.load})
	if !errors.Is(err, dataset.ErrExhausted) {
		t.Fatalf("expected exhausted data, got %v", err)
	}
}

func TestRunShortTrainBatch(t *testing.T) {
	cfg := testConfig(t)
	train := &scriptedSource{batches: batchesOf(stubSamples(24), 3)}
	opt := &noopOptimizer{}
	_, err := Run(context.Background(), cfg, Collaborators{LoadData: scriptedData(train, 24), Optimizer: opt})
	var eerr *dataset.ExhaustedError
	if !errors.As(err, &eerr) || !errors.Is(err, dataset.ErrExhausted) {
		t.Fatalf("expected exhausted data, got %v", err)
	}
	if eerr.Split != "train" || eerr.Want != 4 || eerr.Have != 3 {
		t.Fatalf("unexpected error detail: %+v", eerr)
	}
	if opt.calls != 0 {
		t.Fatalf("optimizer applied %d short batches", opt.calls)
	}
}

func TestRunTrainSourceEnds(t *testing.T) {
	cfg := testConfig(t)
	// Two full batches for a split that claims six.
	train := &scriptedSource{batches: batchesOf(stubSamples(8), 4)}
	opt := &noopOptimizer{}
	_, err := Run(context.Background(), cfg, Collaborators{LoadData: scriptedData(train, 24), Optimizer: opt})
	if !errors.Is(err, dataset.ErrExhausted) {
		t.Fatalf("expected exhausted data, got %v", err)
	}
	if opt.calls != 2 {
		t.Fatalf("optimizer applied %d times, want 2", opt.calls)
	}
}

func TestRunEarlyStopHalts(t *testing.T) {
	cfg := testConfig(t)
	cfg.Epochs = 10
	cfg.Patience = 0
	data := &stubData{train: 24, validate: 12}
	opt := &noopOptimizer{}
	history, err := Run(context.Background(), cfg, Collaborators{LoadData: data.load, Optimizer: opt})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// Parameters never move, so the second epoch cannot improve.
	if len(history) != 2 {
		t.Fatalf("expected stop after 2 epochs, got %d", len(history))
	}
	if opt.calls != 12 {
		t.Fatalf("optimizer applied %d times, want 12", opt.calls)
	}
}

func TestRunNonFiniteReportedAndEscalated(t *testing.T) {
	cfg := testConfig(t)
	data := &stubData{train: 24, validate: 12}
	opt := &noopOptimizer{}
	history, err := Run(context.Background(), cfg, Collaborators{LoadData: data.load, Strategy: nanStrategy{}, Optimizer: opt})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := history[0].Values["train/nonfinite"]; got != 1 {
		t.Fatalf("train/nonfinite = %v, want 1", got)
	}
	if opt.calls != 0 {
		t.Fatalf("optimizer applied %d non-finite steps", opt.calls)
	}

	cfg = testConfig(t)
	cfg.NonFiniteLimit = 2
	_, err = Run(context.Background(), cfg, Collaborators{LoadData: data.load, Strategy: nanStrategy{}})
	var nerr *NumericalInstabilityError
	if !errors.As(err, &nerr) {
		t.Fatalf("expected NumericalInstabilityError, got %v", err)
	}
	if nerr.Count != 3 || nerr.Epoch != 0 || nerr.Step != 2 {
		t.Fatalf("unexpected error detail: %+v", nerr)
	}
}

func TestRunStatefulVotingUpdatedPerTrainStep(t *testing.T) {
	cfg := testConfig(t)
	data := &stubData{train: 24, validate: 12}
	voter := &countingVoter{}
	strategy := voting.Stateful("counting", voter)
	if _, err := Run(context.Background(), cfg, Collaborators{LoadData: data.load, Voting: &strategy}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if voter.updates != 12 {
		t.Fatalf("voting updated %d times, want 12", voter.updates)
	}
}

func TestRunVotingRejectionLeavesParameters(t *testing.T) {
	cfg := testConfig(t)
	data := &stubData{train: 24, validate: 12}
	voter := &countingVoter{reject: errors.New("bad batch")}
	strategy := voting.Stateful("counting", voter)
	opt := &noopOptimizer{}
	_, err := Run(context.Background(), cfg, Collaborators{LoadData: data.load, Voting: &strategy, Optimizer: opt})
	if err == nil {
		t.Fatalf("expected voting error")
	}
	if opt.calls != 0 || voter.updates != 0 {
		t.Fatalf("rejected step applied: optimizer=%d updates=%d", opt.calls, voter.updates)
	}
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	data := &stubData{train: 24, validate: 12}
	_, err := Run(ctx, testConfig(t), Collaborators{LoadData: data.load})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestEnsembleLossFloor(t *testing.T) {
	probs := mat.NewDense(2, 2, []float64{1, 0, 0.5, 0.5})
	got := ensembleLoss(probs, []int{1, 0})
	want := (-math.Log(probFloor) - math.Log(0.5)) / 2
	if math.Abs(got-want) > 1e-12 {
		t.Fatalf("ensembleLoss = %v, want %v", got, want)
	}
}
