// Command qat-train trains, resumes or evaluates a quantization-aware image
// classifier.
//
// A fresh run writes config.txt, logger.log and its checkpoints under
// <results-dir>/<save>. --resume continues from the latest checkpoint there;
// --evaluate <path> makes a single validation pass over a stored checkpoint.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/tsawler/go-qat/checkpoints"
	"github.com/tsawler/go-qat/models"
	"github.com/tsawler/go-qat/training"
	"github.com/tsawler/go-qat/vision/dataset"
)

// CLI exit codes.
const (
	ExitSuccess = 0

	// ExitTrainingError covers every failure without a more specific code.
	ExitTrainingError = 1

	// ExitConfigError indicates invalid options, an unknown model or dataset.
	ExitConfigError = 2

	// ExitCheckpointError indicates a missing, unreadable or locked checkpoint.
	ExitCheckpointError = 3

	// ExitDataError indicates the data source failed.
	ExitDataError = 4

	// ExitInterrupted indicates the run was stopped by a signal.
	ExitInterrupted = 130
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := newRootCommand()
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(exitCodeFromError(err))
	}
}

// exitCodeFromError maps error types to exit codes.
func exitCodeFromError(err error) int {
	if err == nil {
		return ExitSuccess
	}

	switch {
	// A cancelled pass may also carry the data source error.
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ExitInterrupted
	case errors.Is(err, training.ErrInvalidConfig),
		errors.Is(err, models.ErrUnknownModel),
		errors.Is(err, dataset.ErrUnknownDataset):
		return ExitConfigError
	case errors.Is(err, checkpoints.ErrCheckpointNotFound),
		errors.Is(err, checkpoints.ErrInvalidCheckpoint),
		errors.Is(err, checkpoints.ErrLocked):
		return ExitCheckpointError
	case errors.Is(err, training.ErrDataSource):
		return ExitDataError
	default:
		return ExitTrainingError
	}
}
