package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/klauspost/cpuid/v2"

	"boostforge/internal/config"
	"boostforge/internal/trainer"
)

func main() {
	cfgPath := flag.String("config", "", "Path to YAML config (defaults apply when empty)")
	style := flag.String("training-style", "", "joint or progressive")
	epochs := flag.Int("epochs", 0, "Number of epochs")
	batchSize := flag.Int("batch-size", 0, "Batch size")
	blockNum := flag.Int("block-num", 0, "Number of ensemble blocks")
	datasetName := flag.String("dataset", "", "Dataset name (synthetic or shards:<dir>)")
	logDir := flag.String("log-dir", "", "Metrics directory")
	loadStem := flag.String("load-stem", "", "Restore stem weights from this file")
	saveStem := flag.String("save-stem", "", "Save stem weights to this file")
	patience := flag.Int("patience", -1, "Early stopping patience")
	window := flag.Int("progressive-training-epochs", 0, "Epochs each block stays active under progressive training")
	boosting := flag.String("boosting-strategy", "", "Boosting strategy")
	votingName := flag.String("voting-strategy", "", "Voting strategy")
	seed := flag.Int64("seed", 0, "PRNG seed")
	logEvery := flag.Int("log-every", 0, "Log every N steps")
	numWorkers := flag.Int("num-workers", 0, "Number of shard decoding workers")

	flag.Parse()

	cfg := config.Default()
	cfg.NumWorkers = 0
	if *cfgPath != "" {
		loaded, err := config.Load(*cfgPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
		cfg = *loaded
	}

	var patienceOverride *int
	if *patience >= 0 {
		patienceOverride = patience
	}
	cfg.ApplyOverrides(config.Overrides{
		TrainingStyle:             *style,
		Epochs:                    *epochs,
		BatchSize:                 *batchSize,
		BlockNum:                  *blockNum,
		Dataset:                   *datasetName,
		LogDir:                    *logDir,
		LoadStem:                  *loadStem,
		SaveStem:                  *saveStem,
		Patience:                  patienceOverride,
		ProgressiveTrainingEpochs: *window,
		BoostingStrategy:          *boosting,
		VotingStrategy:            *votingName,
		Seed:                      *seed,
		LogEvery:                  *logEvery,
		NumWorkers:                *numWorkers,
	})

	log.Printf("cpu=%q logical_cores=%d avx2=%t avx512f=%t",
		cpuid.CPU.BrandName,
		cpuid.CPU.LogicalCores,
		cpuid.CPU.Supports(cpuid.AVX2),
		cpuid.CPU.Supports(cpuid.AVX512F),
	)
	if cfg.NumWorkers <= 0 && cpuid.CPU.LogicalCores > 0 {
		cfg.NumWorkers = cpuid.CPU.LogicalCores
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	history, err := trainer.Run(ctx, cfg, trainer.Collaborators{})
	if err != nil {
		log.Fatalf("training failed: %v", err)
	}
	if last, ok := history.Last(); ok {
		log.Printf("done epochs=%d validate_loss=%.4f validate_accuracy=%.4f",
			len(history),
			last.Values["validate/ensemble/loss"],
			last.Values["validate/ensemble/accuracy"],
		)
	}
}
