package training

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/tsawler/go-qat/layers"
	"github.com/tsawler/go-qat/metrics"
	"github.com/tsawler/go-qat/optimizer"
	"github.com/tsawler/go-qat/tensor"
)

// ErrDataSource wraps failures to obtain a batch.
var ErrDataSource = errors.New("training: data source failed")

// Batch is one mini-batch: inputs [N, C, H, W] and N class labels.
type Batch struct {
	Inputs *tensor.Tensor
	Labels []int
}

// BatchIterator yields the batches of one pass in order. Next returns io.EOF
// after the last batch.
type BatchIterator interface {
	Next() (*Batch, error)
	Close() error
}

// BatchSource produces a fresh, finite, ordered batch sequence per pass.
type BatchSource interface {
	Len() int
	Batches(ctx context.Context, epoch int) (BatchIterator, error)
}

// EpochResult holds the aggregates of one pass.
type EpochResult struct {
	Loss float64
	Top1 float64
	Top5 float64
}

// Runner executes single training or evaluation passes.
type Runner struct {
	Model       layers.Model
	Optimizer   optimizer.Optimizer // unused for evaluation
	Loss        Loss
	Broadcaster *Broadcaster
	Sink        metrics.Sink
	Logger      *log.Logger
	PrintFreq   int
}

// Run makes exactly one pass over source. When training, gradients are
// cleared, back-propagated and applied once per batch, and the broadcaster
// marks the layers mid-epoch after the first batch. Any batch failure aborts
// the pass. ctx is checked between batches.
func (r *Runner) Run(ctx context.Context, source BatchSource, training bool, epoch int) (EpochResult, error) {
	phase, prefix := "EVALUATING", "test"
	if training {
		phase, prefix = "TRAINING", "train"
		if r.Optimizer == nil {
			return EpochResult{}, fmt.Errorf("training pass without an optimizer")
		}
	}

	batchTime := NewAverageMeter("Time")
	dataTime := NewAverageMeter("Data")
	losses := NewAverageMeter("Loss")
	top1 := NewAverageMeter("Acc@1")
	top5 := NewAverageMeter("Acc@5")

	it, err := source.Batches(ctx, epoch)
	if err != nil {
		return EpochResult{}, fmt.Errorf("%w: %w", ErrDataSource, err)
	}
	defer it.Close()

	params := r.Model.Parameters()
	total := source.Len()
	end := time.Now()
	i := 0
	for ; ; i++ {
		if err := ctx.Err(); err != nil {
			return EpochResult{}, err
		}
		batch, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return EpochResult{}, fmt.Errorf("%w: epoch %d batch %d: %w", ErrDataSource, epoch, i, err)
		}
		dataTime.Update(time.Since(end).Seconds(), 1)

		loss, acc, err := r.step(batch, params, training)
		if err != nil {
			return EpochResult{}, fmt.Errorf("%s epoch %d batch %d: %w", phase, epoch, i, err)
		}
		n := len(batch.Labels)
		losses.Update(loss, n)
		top1.Update(acc[0], n)
		top5.Update(acc[1], n)

		if training && i == 0 && r.Broadcaster != nil {
			r.Broadcaster.MarkMidEpoch()
		}

		batchTime.Update(time.Since(end).Seconds(), 1)
		end = time.Now()

		if r.Logger != nil && r.PrintFreq > 0 && i%r.PrintFreq == 0 {
			r.Logger.Printf("%s - Epoch: [%d][%d/%d]\tTime %s\tData %s\tLoss %s\tPrec@1 %s\tPrec@5 %s",
				phase, epoch, i, total,
				batchTime.Format("%.3f"), dataTime.Format("%.3f"),
				losses.Format("%.4f"), top1.Format("%.3f"), top5.Format("%.3f"))
		}
	}
	if i == 0 {
		return EpochResult{}, fmt.Errorf("%w: epoch %d: no batches", ErrDataSource, epoch)
	}

	res := EpochResult{Loss: losses.Average(), Top1: top1.Average(), Top5: top5.Average()}
	if r.Sink != nil {
		for _, s := range []struct {
			name  string
			value float64
		}{
			{prefix + "/Loss", res.Loss},
			{prefix + "/Acc@1", res.Top1},
			{prefix + "/Acc@5", res.Top5},
		} {
			if err := r.Sink.AddScalar(s.name, s.value, epoch); err != nil {
				return res, fmt.Errorf("record %s: %w", s.name, err)
			}
		}
	}
	return res, nil
}

// step runs one batch and returns its loss and top-1/top-5 accuracy.
func (r *Runner) step(batch *Batch, params []*layers.Param, training bool) (float64, []float64, error) {
	outputs, err := r.Model.Forward(batch.Inputs, training)
	if err != nil {
		return 0, nil, fmt.Errorf("forward: %w", err)
	}
	if len(outputs) == 0 {
		return 0, nil, fmt.Errorf("forward: model produced no output")
	}
	out := outputs[0]

	loss, grad, err := r.Loss.Forward(out, batch.Labels)
	if err != nil {
		return 0, nil, fmt.Errorf("loss: %w", err)
	}

	if training {
		layers.ZeroGrad(params)
		if err := r.Model.Backward(grad); err != nil {
			return 0, nil, fmt.Errorf("backward: %w", err)
		}
		if err := r.Optimizer.Step(params); err != nil {
			return 0, nil, fmt.Errorf("optimizer: %w", err)
		}
	}

	acc, err := TopKAccuracy(out, batch.Labels, 1, 5)
	if err != nil {
		return 0, nil, fmt.Errorf("accuracy: %w", err)
	}
	return loss, acc, nil
}
