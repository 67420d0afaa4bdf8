package trainer

import (
	"context"
	"fmt"
	"log"
	"maps"
	"strconv"
	"strings"
	"time"

	"boostforge/internal/boosting"
	"boostforge/internal/checkpoint"
	"boostforge/internal/config"
	"boostforge/internal/dataset"
	"boostforge/internal/earlystop"
	"boostforge/internal/engine"
	"boostforge/internal/metrics"
	"boostforge/internal/model"
	"boostforge/internal/schedule"
	"boostforge/internal/voting"
)

// LoadDataFunc matches dataset.LoadData.
type LoadDataFunc func(ctx context.Context, name string, batchSize int, classes []int, opts dataset.Options) (*dataset.Data, error)

// Collaborators replaces the parts of a run that are otherwise resolved by
// name from the config. Nil fields use the defaults.
type Collaborators struct {
	LoadData  LoadDataFunc
	Strategy  boosting.Strategy
	Voting    *voting.Strategy
	Optimizer engine.Optimizer
}

// run is the mutable state of one Run call.
type run struct {
	cfg       config.Config
	opts      metrics.Options
	sess      *engine.Session
	model     model.Model
	data      *dataset.Data
	strategy  boosting.Strategy
	voting    voting.Strategy
	optimizer engine.Optimizer

	steps         int
	validateSteps int
	globalStep    int
	nonfinite     int

	train    metrics.Accumulator
	validate metrics.Accumulator
}

// Run trains a boosted ensemble for cfg.Epochs epochs and returns one
// history entry per completed epoch. Early stopping ends the run without an
// error. On failure the history completed so far is returned with the error.
func Run(ctx context.Context, cfg config.Config, collab Collaborators) (metrics.History, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Epochs == 0 {
		return metrics.History{}, nil
	}
	opts, err := metrics.ParseOptions(cfg.MetricsOptions)
	if err != nil {
		return nil, &config.Error{Field: "metrics_options", Reason: err.Error()}
	}

	pipeline, err := metrics.SetupLogFiles(cfg.LogDir, cfg.BlockNum, opts)
	if err != nil {
		return nil, fmt.Errorf("trainer: setup log files: %w", err)
	}

	loadData := collab.LoadData
	if loadData == nil {
		loadData = dataset.LoadData
	}
	data, err := loadData(ctx, cfg.Dataset, cfg.BatchSize, cfg.Classes, dataset.Options{Seed: cfg.Seed, NumWorkers: cfg.NumWorkers})
	if err != nil {
		return nil, fmt.Errorf("trainer: load data: %w", err)
	}
	steps := data.TrainShape[0] / cfg.BatchSize
	if steps == 0 {
		return nil, &config.Error{Field: "batch_size", Reason: fmt.Sprintf("%d exceeds %d train samples", cfg.BatchSize, data.TrainShape[0])}
	}
	validateSteps := data.ValidateShape[0] / cfg.BatchSize
	if validateSteps == 0 {
		validateSteps = 1
	}

	sess := engine.Open()
	defer sess.Close()

	ensemble, err := model.Build(sess, model.Spec{
		InputSize: data.TrainShape[1],
		Hidden:    cfg.Hidden,
		ClassNum:  data.ClassNum,
		BlockNum:  cfg.BlockNum,
		Seed:      cfg.Seed,
	})
	if err != nil {
		return nil, fmt.Errorf("trainer: build model: %w", err)
	}
	stem, err := checkpoint.NewStem(sess.Params(), model.StemScope)
	if err != nil {
		return nil, fmt.Errorf("trainer: stem: %w", err)
	}
	if cfg.LoadStem != "" {
		step, err := stem.Restore(cfg.LoadStem)
		if err != nil {
			return nil, err
		}
		log.Printf("stem_restored path=%s step=%d params=%d", cfg.LoadStem, step, len(stem.Names()))
	}

	r := &run{
		cfg:           cfg,
		opts:          opts,
		sess:          sess,
		model:         ensemble,
		data:          data,
		strategy:      collab.Strategy,
		optimizer:     collab.Optimizer,
		steps:         steps,
		validateSteps: validateSteps,
	}
	if r.strategy == nil {
		if r.strategy, err = boosting.Lookup(cfg.BoostingStrategy); err != nil {
			return nil, &config.Error{Field: "boosting_strategy", Reason: err.Error()}
		}
	}
	if collab.Voting != nil {
		r.voting = *collab.Voting
	} else if r.voting, err = voting.New(cfg.VotingStrategy, cfg.BlockNum); err != nil {
		return nil, &config.Error{Field: "voting_strategy", Reason: err.Error()}
	}
	if r.optimizer == nil {
		if r.optimizer, err = engine.NewOptimizer(cfg.Optimizer, cfg.LearningRate); err != nil {
			return nil, &config.Error{Field: "optimizer", Reason: err.Error()}
		}
	}
	sched, err := schedule.New(cfg.TrainingStyle, cfg.BlockNum, cfg.ProgressiveTrainingEpochs)
	if err != nil {
		return nil, err
	}
	monitor, err := earlystop.New(cfg.Patience, earlystop.Mode(cfg.MonitorMode))
	if err != nil {
		return nil, &config.Error{Field: "monitor_mode", Reason: err.Error()}
	}
	if !knownMetric(cfg.Monitor, r.model.BlockNum(), opts.Has(metrics.GradientNorms)) {
		return nil, &config.Error{Field: "monitor", Reason: fmt.Sprintf("no metric named %q", cfg.Monitor)}
	}

	spec := ensemble.Spec()
	log.Printf("run_id=%s trainable_parameters=%d inputs=%d hidden=%d classes=%d blocks=%d style=%s boosting=%s voting=%s/%s steps_per_epoch=%d",
		pipeline.RunID(), sess.Params().Count(), spec.InputSize, spec.Hidden, spec.ClassNum, sched.BlockNum(), cfg.TrainingStyle,
		r.strategy.Name(), r.voting.Name(), r.voting.Kind(), steps)

	history := make(metrics.History, 0, cfg.Epochs)
	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		epochStart := time.Now()
		activation, err := sched.At(epoch)
		if err != nil {
			return history, err
		}
		if err := r.trainEpoch(ctx, epoch, activation); err != nil {
			return history, err
		}
		if err := r.validateEpoch(ctx, epoch); err != nil {
			return history, err
		}

		values := r.train.Summary("train")
		maps.Copy(values, r.validate.Summary("validate"))
		values["epoch"] = float64(epoch)
		values["active_block"] = float64(sched.Active(epoch))
		values["epoch_seconds"] = time.Since(epochStart).Seconds()
		record := metrics.Epoch{Index: epoch, Values: values}
		if err := pipeline.ProcessMetrics(record); err != nil {
			return history, fmt.Errorf("trainer: process metrics: %w", err)
		}
		history = append(history, record)

		monitored, ok := values[cfg.Monitor]
		if !ok {
			return history, fmt.Errorf("trainer: epoch %d summary has no %q", epoch, cfg.Monitor)
		}
		state := monitor.Observe(monitored)
		log.Printf("epoch=%d train_objective=%.4f train_accuracy=%.4f validate_loss=%.4f validate_accuracy=%.4f %s=%.4f state=%s",
			epoch,
			values["train/objective"],
			values["train/ensemble/accuracy"],
			values["validate/ensemble/loss"],
			values["validate/ensemble/accuracy"],
			cfg.Monitor, monitored, state,
		)

		if err := r.saveStem(stem, epoch, state); err != nil {
			return history, err
		}
		if monitor.Stopped() {
			log.Printf("early_stop epoch=%d best=%.4f patience=%d", epoch, monitor.Best(), cfg.Patience)
			break
		}
	}

	if cfg.SaveStem != "" && cfg.StemSavePolicy == config.SaveFinal {
		last, _ := history.Last()
		if err := r.writeStem(stem, last.Index); err != nil {
			return history, err
		}
	}
	return history, nil
}

// knownMetric reports whether key names a value the epoch summary will
// carry for a model with blockNum blocks. Per-parameter gradient norms come and
// go with the active block, so only the global norm can be monitored.
func knownMetric(key string, blockNum int, gradNorms bool) bool {
	switch key {
	case "epoch", "active_block", "epoch_seconds":
		return true
	}
	phase, name, ok := strings.Cut(key, "/")
	if !ok || (phase != "train" && phase != "validate") {
		return false
	}
	switch name {
	case "steps", "examples_per_sec", "data_ms", "compute_ms", "ensemble/loss", "ensemble/accuracy":
		return true
	case "objective", "nonfinite":
		return phase == "train"
	}
	if name == "grad_norm/global" {
		return phase == "train" && gradNorms
	}
	block, stat, ok := strings.Cut(name, "/")
	if !ok || !strings.HasPrefix(block, "block_") {
		return false
	}
	i, err := strconv.Atoi(strings.TrimPrefix(block, "block_"))
	if err != nil || i < 0 || i >= blockNum {
		return false
	}
	switch stat {
	case "loss", "accuracy":
		return true
	case "activation":
		return phase == "train"
	}
	return false
}

// saveStem runs the per-epoch save hook for the best and epoch policies.
func (r *run) saveStem(stem *checkpoint.Stem, epoch int, state earlystop.State) error {
	if r.cfg.SaveStem == "" {
		return nil
	}
	switch r.cfg.StemSavePolicy {
	case config.SaveEpoch:
		return r.writeStem(stem, epoch)
	case config.SaveBest:
		if state == earlystop.Improving {
			return r.writeStem(stem, epoch)
		}
	}
	return nil
}

func (r *run) writeStem(stem *checkpoint.Stem, epoch int) error {
	if err := stem.Save(r.cfg.SaveStem, epoch); err != nil {
		return fmt.Errorf("trainer: save stem: %w", err)
	}
	log.Printf("stem_saved path=%s epoch=%d policy=%s", r.cfg.SaveStem, epoch, r.cfg.StemSavePolicy)
	return nil
}
