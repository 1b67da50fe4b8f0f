package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/klauspost/cpuid/v2"

	"clsforge/internal/config"
	"clsforge/internal/trainer"
)

func main() {
	cfgPath := flag.String("config", "configs/demo.yaml", "Path to YAML config")
	roots := flag.String("roots", "", "Comma-separated training roots (overrides the config)")
	epochs := flag.Int("epochs", 0, "Number of training epochs")
	batchSize := flag.Int("batch-size", 0, "Batch size")
	numWorkers := flag.Int("num-workers", 0, "Number of data loader workers")
	seed := flag.Int64("seed", 0, "PRNG seed")
	printBatchStep := flag.Int("print-batch-step", 0, "Log every N iterations")
	updateFreq := flag.Int("update-freq", 0, "Accumulate gradients over N iterations")
	outputDir := flag.String("output-dir", "", "Checkpoint directory")
	ampLevel := flag.String("amp-level", "", "Enable mixed precision at level O1 or O2")
	var sets []string
	flag.Func("o", "Override a config key, e.g. -o Global.epochs=3 (repeatable)", func(v string) error {
		sets = append(sets, v)
		return nil
	})

	flag.Parse()

	cfg, err := config.Load(*cfgPath, sets...)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	var rootList []string
	if *roots != "" {
		for _, r := range strings.Split(*roots, ",") {
			if r = strings.TrimSpace(r); r != "" {
				rootList = append(rootList, r)
			}
		}
	}
	cfg.ApplyOverrides(config.Overrides{
		Roots:          rootList,
		Epochs:         *epochs,
		BatchSize:      *batchSize,
		NumWorkers:     *numWorkers,
		Seed:           *seed,
		PrintBatchStep: *printBatchStep,
		UpdateFreq:     *updateFreq,
		OutputDir:      *outputDir,
		AMPLevel:       *ampLevel,
	})

	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	runID := uuid.NewString()
	logger := log.New(os.Stderr, "", log.LstdFlags)
	logger.Printf("run=%s cpu=%q cores=%d f16c=%t avx2=%t workers=%d",
		runID, cpuid.CPU.BrandName, cpuid.CPU.PhysicalCores,
		cpuid.CPU.Supports(cpuid.F16C), cpuid.CPU.Supports(cpuid.AVX2),
		cfg.DataLoader.Train.Loader.NumWorkers)
	if cfg.AMP != nil && !cpuid.CPU.Supports(cpuid.F16C) {
		logger.Printf("amp: no F16C support, half precision is emulated")
	}

	engine, err := trainer.FromConfig(cfg, runID, logger)
	if err != nil {
		log.Fatalf("failed to build trainer: %v", err)
	}
	defer engine.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := engine.Run(ctx); err != nil {
		engine.Close()
		log.Fatalf("training failed: %v", err)
	}
}
