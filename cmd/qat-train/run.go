package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/cpuid/v2"
	"github.com/spf13/cobra"

	"github.com/tsawler/go-qat/checkpoints"
	"github.com/tsawler/go-qat/metrics"
	"github.com/tsawler/go-qat/models"
	"github.com/tsawler/go-qat/training"
	"github.com/tsawler/go-qat/vision/dataloader"
	"github.com/tsawler/go-qat/vision/dataset"
)

func newRootCommand() *cobra.Command {
	cfg := training.DefaultConfig()

	cmd := &cobra.Command{
		Use:   "qat-train",
		Short: "Quantization-aware training of image classifiers",
		Long: "Train a quantized convolutional classifier with an exponential clip-threshold schedule,\n" +
			"resume an interrupted run, or evaluate a stored checkpoint.",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfg.Dataset, "dataset", cfg.Dataset, "dataset: "+strings.Join(dataset.Names(), ", "))
	f.StringVar(&cfg.DataPath, "data-path", cfg.DataPath, "dataset root directory")
	f.IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "training mini-batch size")
	f.IntVar(&cfg.BatchSizeTest, "batch-size-test", cfg.BatchSizeTest, "evaluation mini-batch size")
	f.IntVarP(&cfg.Workers, "workers", "j", cfg.Workers, "data loading workers (0 = one per physical core)")
	f.StringVarP(&cfg.Model, "model", "m", cfg.Model, "model: "+strings.Join(models.Names(), ", "))
	f.IntVar(&cfg.Replicas, "replicas", cfg.Replicas, "data-parallel replicas of the model")
	f.Int64Var(&cfg.Seed, "seed", cfg.Seed, "seed for weight initialization and shuffling")
	f.StringVar(&cfg.Optimizer, "optimizer", cfg.Optimizer, "optimizer: sgd or adam")
	f.StringVar(&cfg.LRType, "lr-type", cfg.LRType, "learning rate schedule: cos, step, exp or const")
	f.Float64Var(&cfg.LR, "lr", cfg.LR, "initial learning rate")
	f.Float64Var(&cfg.Momentum, "momentum", cfg.Momentum, "SGD momentum")
	f.Float64Var(&cfg.WeightDecay, "weight-decay", cfg.WeightDecay, "weight decay")
	f.IntSliceVar(&cfg.LRDecaySteps, "lr-decay-step", cfg.LRDecaySteps, "milestones of the step schedule")
	f.BoolVar(&cfg.WarmUp, "warm-up", cfg.WarmUp, "ramp the learning rate up over the first 5 epochs")
	f.IntVar(&cfg.Epochs, "epochs", cfg.Epochs, "number of epochs")
	f.Float64Var(&cfg.TauMin, "tau-min", cfg.TauMin, "clip threshold at the first epoch")
	f.Float64Var(&cfg.TauMax, "tau-max", cfg.TauMax, "clip threshold reached at the last epoch")
	f.StringVarP(&cfg.Evaluate, "evaluate", "e", cfg.Evaluate, "evaluate the checkpoint at this path and exit")
	f.BoolVar(&cfg.Resume, "resume", cfg.Resume, "resume from the latest checkpoint of the run")
	f.StringVar(&cfg.ResultsDir, "results-dir", cfg.ResultsDir, "directory holding all runs")
	f.StringVar(&cfg.Save, "save", cfg.Save, "run name under results-dir")
	f.StringVar(&cfg.Format, "format", cfg.Format, "checkpoint format: json or proto")
	f.IntVar(&cfg.PrintFreq, "print-freq", cfg.PrintFreq, "log every N batches (0 = never)")
	f.IntVar(&cfg.TimeEstimate, "time-estimate", cfg.TimeEstimate, "log the finish estimate every N epochs (0 = never)")
	f.StringVar(&cfg.MetricsDB, "metrics-db", cfg.MetricsDB, "SQLite database receiving every scalar")
	f.StringVar(&cfg.DashboardURL, "dashboard-url", cfg.DashboardURL, "dashboard receiving the curves after the run")

	return cmd
}

// run executes one training, resume or evaluation run.
func run(ctx context.Context, cfg training.Config, stdout io.Writer) (err error) {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if !models.Exists(cfg.Model) {
		return fmt.Errorf("%w: %q (available: %v)", models.ErrUnknownModel, cfg.Model, models.Names())
	}
	numClasses, err := dataset.NumClasses(cfg.Dataset)
	if err != nil {
		return err
	}

	mode := cfg.Mode()
	runDir := cfg.RunDir()
	curvesPath := ""
	var logger *log.Logger
	if mode == training.ModeEvaluate {
		// Evaluation leaves no run directory behind.
		logger = log.New(stdout, "", log.LstdFlags)
		if _, err := os.Stat(cfg.Evaluate); err != nil {
			logger.Printf("invalid checkpoint: %s (%v)", cfg.Evaluate, err)
			return fmt.Errorf("%w: %w", checkpoints.ErrInvalidCheckpoint, err)
		}
		logger.Printf("evaluating %s", cfg.Evaluate)
	} else {
		if err := os.MkdirAll(runDir, 0755); err != nil {
			return fmt.Errorf("failed to create run directory: %w", err)
		}
		logFile, err := openLog(filepath.Join(runDir, "logger.log"), mode)
		if err != nil {
			return err
		}
		defer logFile.Close()
		logger = log.New(io.MultiWriter(stdout, logFile), "", log.LstdFlags)

		if mode == training.ModeFresh {
			if err := cfg.WriteConfigFile(filepath.Join(runDir, "config.txt"), time.Now()); err != nil {
				return fmt.Errorf("failed to write config: %w", err)
			}
		}
		curvesPath = filepath.Join(runDir, "curves.json")
		logger.Printf("run: %s (%s)", runDir, mode)
	}
	logHardware(logger)

	valSet, err := openDataset(cfg, dataset.Val)
	if err != nil {
		return err
	}
	val, err := dataloader.New(valSet, dataloader.Config{BatchSize: cfg.BatchSizeTest, NumWorkers: cfg.Workers})
	if err != nil {
		return fmt.Errorf("%w: %w", training.ErrInvalidConfig, err)
	}

	var train training.BatchSource
	if mode != training.ModeEvaluate {
		trainSet, err := openDataset(cfg, dataset.Train)
		if err != nil {
			return err
		}
		loader, err := dataloader.New(trainSet, dataloader.Config{
			BatchSize:  cfg.BatchSize,
			Shuffle:    true,
			Seed:       cfg.Seed,
			NumWorkers: cfg.Workers,
		})
		if err != nil {
			return fmt.Errorf("%w: %w", training.ErrInvalidConfig, err)
		}
		train = loader
	}

	model, err := models.New(cfg.Model, models.Options{
		NumClasses: numClasses,
		InputShape: valSet.SampleShape(),
		Replicas:   cfg.Replicas,
		Seed:       cfg.Seed,
	})
	if err != nil {
		return err
	}

	curves := metrics.NewCurveCollector(cfg.Model, curvesPath)
	sinks := metrics.Multi{curves}
	if cfg.MetricsDB != "" {
		db, err := metrics.OpenSQLite(cfg.MetricsDB, cfg.Save)
		if err != nil {
			return err
		}
		sinks = append(sinks, db)
	}
	defer func() {
		if cerr := sinks.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	trainer, err := training.NewTrainer(cfg, model, logger, sinks)
	if err != nil {
		return err
	}
	if err := trainer.Run(ctx, train, val); err != nil {
		return err
	}

	if cfg.DashboardURL != "" && mode != training.ModeEvaluate {
		publish(ctx, logger, cfg.DashboardURL, curves.Plots())
	}
	return nil
}

// openLog truncates the log of a fresh run and appends on resume.
func openLog(path string, mode training.Mode) (*os.File, error) {
	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if mode == training.ModeFresh {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log: %w", err)
	}
	return f, nil
}

// openDataset opens one split. Failures other than an unknown name are data
// errors.
func openDataset(cfg training.Config, split dataset.Split) (dataset.Dataset, error) {
	ds, err := dataset.Open(cfg.Dataset, cfg.DataPath, split, cfg.Seed)
	if err != nil {
		if errors.Is(err, dataset.ErrUnknownDataset) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s split: %w", training.ErrDataSource, split, err)
	}
	return ds, nil
}

func logHardware(logger *log.Logger) {
	c := cpuid.CPU
	logger.Printf("cpu: %s, %d physical / %d logical cores, avx2=%t avx512=%t",
		c.BrandName, c.PhysicalCores, c.LogicalCores,
		c.Supports(cpuid.AVX2), c.Supports(cpuid.AVX512F, cpuid.AVX512DQ))
	logger.Printf("data workers: %d", dataloader.DefaultWorkers())
}

// publish sends the curves of the run to the dashboard. Failures are logged
// only; the run itself already succeeded.
func publish(ctx context.Context, logger *log.Logger, url string, plots []metrics.PlotData) {
	if len(plots) == 0 {
		return
	}
	client := metrics.NewDashboardClient(metrics.DefaultDashboardConfig(url))
	if err := client.CheckHealth(ctx); err != nil {
		logger.Printf("dashboard unavailable: %v", err)
		return
	}
	resp, err := client.Publish(ctx, plots)
	if err != nil {
		logger.Printf("dashboard publish failed: %v", err)
		return
	}
	logger.Printf("published %d plots to %s: %s", len(plots), url, resp.Message)
}
