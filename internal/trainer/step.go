package trainer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"strings"
	"time"

	"gonum.org/v1/gonum/mat"

	"boostforge/internal/boosting"
	"boostforge/internal/dataset"
	"boostforge/internal/engine"
	"boostforge/internal/metrics"
	"boostforge/internal/model"
	"boostforge/internal/voting"
)

// probFloor keeps the ensemble loss finite when a vote assigns zero
// probability to the true class.
const probFloor = 1e-12

func (r *run) trainEpoch(ctx context.Context, epoch int, activation []float64) error {
	r.sess.SetMode(engine.ModeTrain)
	for step := 0; step < r.steps; step++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("trainer: epoch %d step %d: %w", epoch, step, err)
		}
		if err := r.trainStep(ctx, epoch, step, activation); err != nil {
			return err
		}
	}
	return nil
}

// trainStep runs one optimizer step. Nothing is recorded and no state is
// updated unless the whole step computes.
func (r *run) trainStep(ctx context.Context, epoch, step int, activation []float64) error {
	startData := time.Now()
	batch, err := r.nextBatch(ctx, r.data.Train, "train")
	if err != nil {
		return err
	}
	dataTime := time.Since(startData)

	startCompute := time.Now()
	pass, err := r.model.Forward(r.sess, batch)
	if err != nil {
		return fmt.Errorf("trainer: forward: %w", err)
	}
	logits := pass.Logits()
	losses, err := boosting.CalculateLosses(r.strategy, logits, batch.Labels, batch.Len(), r.model.ClassNum())
	if err != nil {
		return fmt.Errorf("trainer: losses: %w", err)
	}
	grads, gradMetrics, err := boosting.CalculateGradients(boosting.NewObjective(pass, losses), activation)
	if err != nil {
		return fmt.Errorf("trainer: gradients: %w", err)
	}
	if r.cfg.FreezeStem {
		grads.Drop(model.StemScope)
	}
	values, err := r.blockMetrics(logits, batch.Labels, losses)
	if err != nil {
		return err
	}
	for i, a := range activation {
		values[fmt.Sprintf("block_%d/activation", i)] = a
	}
	values["objective"] = gradMetrics["objective"]
	values["nonfinite"] = gradMetrics["nonfinite"]
	if r.opts.Has(metrics.GradientNorms) {
		for k, v := range gradMetrics {
			if strings.HasPrefix(k, "grad_norm/") {
				values[k] = v
			}
		}
	}

	if gradMetrics["nonfinite"] == 0 {
		// Parameters and voting state move together or not at all.
		stateful := r.voting.Kind() == voting.KindStateful
		if stateful {
			if err := r.voting.Check(logits, batch.Labels); err != nil {
				return fmt.Errorf("trainer: voting update: %w", err)
			}
		}
		if err := r.optimizer.Apply(r.sess, grads); err != nil {
			return fmt.Errorf("trainer: apply gradients: %w", err)
		}
		if stateful {
			if err := r.voting.Update(logits, batch.Labels); err != nil {
				return fmt.Errorf("trainer: voting update: %w", err)
			}
		}
	} else {
		r.nonfinite++
		log.Printf("nonfinite epoch=%d step=%d objective=%v count=%d", epoch, step, gradMetrics["objective"], r.nonfinite)
	}
	r.train.Record(batch.Len(), dataTime, time.Since(startCompute), values)
	r.globalStep++

	if r.cfg.NonFiniteLimit > 0 && r.nonfinite > r.cfg.NonFiniteLimit {
		return &NumericalInstabilityError{Epoch: epoch, Step: step, Count: r.nonfinite}
	}
	if r.globalStep%r.cfg.LogEvery == 0 {
		snap := r.train.Snapshot()
		log.Printf("step=%d examples_per_sec=%.1f data_ms=%.2f compute_ms=%.2f objective=%.4f",
			r.globalStep,
			snap.ExamplesPerSec,
			snap.AvgDataMS,
			snap.AvgComputeMS,
			snap.Last["objective"],
		)
	}
	return nil
}

// nextBatch pulls one batch and insists it is full. A source that ends or
// comes up short is reported as *dataset.ExhaustedError.
func (r *run) nextBatch(ctx context.Context, src dataset.Source, split string) (model.Batch, error) {
	batch, err := src.Next(ctx)
	if errors.Is(err, io.EOF) {
		return model.Batch{}, fmt.Errorf("trainer: %s batch: %w", split, &dataset.ExhaustedError{Split: split, Want: r.cfg.BatchSize})
	}
	if err != nil {
		return model.Batch{}, fmt.Errorf("trainer: %s batch: %w", split, err)
	}
	if batch.Len() != r.cfg.BatchSize || len(batch.Inputs) != r.cfg.BatchSize {
		return model.Batch{}, fmt.Errorf("trainer: %s batch: %w", split, &dataset.ExhaustedError{Split: split, Want: r.cfg.BatchSize, Have: batch.Len()})
	}
	return batch, nil
}

// validateEpoch evaluates the ensemble without touching parameters or
// voting state.
func (r *run) validateEpoch(ctx context.Context, epoch int) error {
	r.sess.SetMode(engine.ModeInfer)
	defer r.sess.SetMode(engine.ModeTrain)
	r.data.Validate.Reset()
	for step := 0; step < r.validateSteps; step++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("trainer: epoch %d validate step %d: %w", epoch, step, err)
		}
		startData := time.Now()
		batch, err := r.nextBatch(ctx, r.data.Validate, "validate")
		if err != nil {
			return err
		}
		dataTime := time.Since(startData)

		startCompute := time.Now()
		pass, err := r.model.Forward(r.sess, batch)
		if err != nil {
			return fmt.Errorf("trainer: forward: %w", err)
		}
		losses, err := boosting.CalculateLosses(r.strategy, pass.Logits(), batch.Labels, batch.Len(), r.model.ClassNum())
		if err != nil {
			return fmt.Errorf("trainer: losses: %w", err)
		}
		values, err := r.blockMetrics(pass.Logits(), batch.Labels, losses)
		if err != nil {
			return err
		}
		r.validate.Record(batch.Len(), dataTime, time.Since(startCompute), values)
	}
	return nil
}

// blockMetrics reports per-block loss and accuracy and the voted ensemble's
// loss and accuracy.
func (r *run) blockMetrics(logits []*mat.Dense, labels []int, losses []boosting.BlockLoss) (map[string]float64, error) {
	values := make(map[string]float64, 3*len(logits)+2)
	for i, l := range logits {
		values[fmt.Sprintf("block_%d/loss", i)] = losses[i].Value
		values[fmt.Sprintf("block_%d/accuracy", i)] = engine.Accuracy(l, labels)
	}
	probs, err := r.voting.Predict(logits)
	if err != nil {
		return nil, fmt.Errorf("trainer: vote: %w", err)
	}
	values["ensemble/accuracy"] = engine.Accuracy(probs, labels)
	values["ensemble/loss"] = ensembleLoss(probs, labels)
	return values, nil
}

// ensembleLoss is the mean negative log probability of the true labels.
func ensembleLoss(probs *mat.Dense, labels []int) float64 {
	if len(labels) == 0 {
		return 0
	}
	total := 0.0
	for i, y := range labels {
		total -= math.Log(math.Max(probs.At(i, y), probFloor))
	}
	return total / float64(len(labels))
}
