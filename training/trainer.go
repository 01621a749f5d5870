package training

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/tsawler/go-qat/checkpoints"
	"github.com/tsawler/go-qat/layers"
	"github.com/tsawler/go-qat/metrics"
	"github.com/tsawler/go-qat/optimizer"
)

// State is the run bookkeeping stored with every checkpoint. Epoch is the
// last completed epoch (-1 before the first); BestEpoch is -1 until a best
// snapshot exists.
type State struct {
	Epoch      int
	BestMetric float64
	BestEpoch  int
	BestLoss   float64
}

// EpochMetrics holds metrics for a single epoch
type EpochMetrics struct {
	Epoch    int
	LR       float64
	Tau      float64
	Train    EpochResult
	Val      EpochResult
	IsBest   bool
	Duration time.Duration
}

// Trainer drives a run through INIT -> (RESUME | EVALUATE_ONLY | FRESH) ->
// EPOCH_LOOP -> DONE. It owns the model, optimizer, scheduler and the live
// State; all of them are only touched from the goroutine calling Run.
type Trainer struct {
	config    Config
	model     layers.Model
	optimizer optimizer.Optimizer
	scheduler *EpochScheduler
	manager   *checkpoints.Manager
	adapter   checkpoints.KeyAdapter
	broadcast *Broadcaster
	runner    *Runner
	tau       TauSchedule
	logger    *log.Logger
	sink      metrics.Sink
	state     State
	history   []EpochMetrics
	now       func() time.Time
}

// NewTrainer validates config and builds the optimizer, scheduler,
// checkpoint manager and epoch runner around model. A nil sink discards
// scalars.
func NewTrainer(config Config, model layers.Model, logger *log.Logger, sink metrics.Sink) (*Trainer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Default()
	}
	if sink == nil {
		sink = metrics.Discard
	}

	opt, err := optimizer.New(config.Optimizer, optimizer.Config{
		LearningRate: config.LR,
		Momentum:     float32(config.Momentum),
		WeightDecay:  float32(config.WeightDecay),
	}, model.Parameters())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	sched, err := NewScheduler(config.LRType, config.LR, config.Epochs, config.StepDelay(), config.LRDecaySteps)
	if err != nil {
		return nil, err
	}

	managerConfig := checkpoints.DefaultManagerConfig(config.RunDir())
	managerConfig.Format = config.CheckpointFormat()

	t := &Trainer{
		config:    config,
		model:     model,
		optimizer: opt,
		scheduler: sched,
		manager:   checkpoints.NewManager(managerConfig),
		adapter:   checkpoints.NewKeyAdapter(model.Replicated()),
		broadcast: NewBroadcaster(model.QuantLayers()),
		tau:       TauSchedule{Min: config.TauMin, Max: config.TauMax, TotalEpochs: config.Epochs},
		logger:    logger,
		sink:      sink,
		state:     State{Epoch: -1, BestEpoch: -1},
		now:       time.Now,
	}
	t.runner = &Runner{
		Model:       model,
		Optimizer:   opt,
		Loss:        NewCrossEntropyLoss("mean"),
		Broadcaster: t.broadcast,
		Sink:        sink,
		Logger:      logger,
		PrintFreq:   config.PrintFreq,
	}
	return t, nil
}

// State returns a copy of the live run state.
func (t *Trainer) State() State { return t.state }

// History returns the metrics of every epoch run by this Trainer.
func (t *Trainer) History() []EpochMetrics { return t.history }

// Manager returns the checkpoint manager of the run directory.
func (t *Trainer) Manager() *checkpoints.Manager { return t.manager }

// Optimizer returns the optimizer stepping the model parameters.
func (t *Trainer) Optimizer() optimizer.Optimizer { return t.optimizer }

// Scheduler returns the epoch learning-rate scheduler.
func (t *Trainer) Scheduler() *EpochScheduler { return t.scheduler }

// Run executes the run selected by the configuration. val is required in
// every mode; train is unused when evaluating only.
func (t *Trainer) Run(ctx context.Context, train, val BatchSource) error {
	mode := t.config.Mode()
	if mode != ModeResume {
		NewModelArchitecturePrinter(t.config.Model, t.logger).PrintArchitecture(t.model.Spec())
	}
	if mode == ModeEvaluate {
		_, err := t.Evaluate(ctx, val)
		return err
	}

	if err := t.manager.Lock(); err != nil {
		return err
	}
	defer t.manager.Unlock()

	if mode == ModeResume {
		if err := t.resume(); err != nil {
			t.logger.Printf("no checkpoint found at '%s': %v", t.manager.LatestPath(), err)
			return err
		}
	} else {
		t.logger.Printf("saving to %s", t.config.RunDir())
	}
	t.logger.Printf("scheduler: %s", t.scheduler.Name())
	return t.loop(ctx, train, val)
}

// Evaluate loads the checkpoint named by Config.Evaluate and makes one
// evaluation pass over val. A missing or unreadable checkpoint is logged and
// returned as checkpoints.ErrInvalidCheckpoint; no pass is run then.
func (t *Trainer) Evaluate(ctx context.Context, val BatchSource) (EpochResult, error) {
	path := t.config.Evaluate
	ckpt, err := checkpoints.Load(path)
	if err == nil {
		err = t.restore(ckpt, false)
	}
	if err != nil {
		t.logger.Printf("invalid checkpoint: %s (%v)", path, err)
		if !errors.Is(err, checkpoints.ErrInvalidCheckpoint) {
			err = fmt.Errorf("%w: %w", checkpoints.ErrInvalidCheckpoint, err)
		}
		return EpochResult{}, err
	}
	epoch := ckpt.TrainingState.Epoch
	t.logger.Printf("loaded checkpoint '%s' (epoch %d)", path, epoch+1)

	res, err := t.runner.Run(ctx, val, false, epoch)
	if err != nil {
		return EpochResult{}, err
	}
	t.logger.Printf("\n Validation Loss %.4f \tValidation Prec@1 %.3f \tValidation Prec@5 %.3f \n",
		res.Loss, res.Top1, res.Top5)
	return res, nil
}

// resume restores the full training state from the latest checkpoint.
func (t *Trainer) resume() error {
	path := t.manager.LatestPath()
	ckpt, err := t.manager.Load(path)
	if err != nil {
		return err
	}
	if err := t.restore(ckpt, true); err != nil {
		return err
	}
	t.logger.Printf("loaded checkpoint '%s' (epoch %d)", path, t.state.Epoch+1)
	return nil
}

// restore loads the weights of ckpt into the model and, when full is set,
// the optimizer, scheduler and run state as well.
func (t *Trainer) restore(ckpt *checkpoints.Checkpoint, full bool) error {
	if ckpt.ModelTag != "" && ckpt.ModelTag != t.config.Model {
		return fmt.Errorf("%w: checkpoint holds model %q, run uses %q",
			checkpoints.ErrInvalidCheckpoint, ckpt.ModelTag, t.config.Model)
	}
	state, err := ckpt.StateDict()
	if err != nil {
		return err
	}
	if err := t.model.LoadStateDict(t.adapter.ToLive(state)); err != nil {
		return fmt.Errorf("%w: %w", checkpoints.ErrInvalidCheckpoint, err)
	}
	if !full {
		return nil
	}

	if ckpt.OptimizerState == nil || ckpt.SchedulerState == nil {
		return fmt.Errorf("%w: optimizer or scheduler state missing", checkpoints.ErrInvalidCheckpoint)
	}
	if err := t.optimizer.LoadState(ckpt.OptimizerState); err != nil {
		return fmt.Errorf("%w: %w", checkpoints.ErrInvalidCheckpoint, err)
	}
	if err := t.scheduler.LoadState(ckpt.SchedulerState); err != nil {
		return fmt.Errorf("%w: %w", checkpoints.ErrInvalidCheckpoint, err)
	}
	ts := ckpt.TrainingState
	t.state = State{
		Epoch:      ts.Epoch,
		BestMetric: ts.BestMetric,
		BestEpoch:  ts.BestEpoch,
		BestLoss:   ts.BestLoss,
	}
	return nil
}

func (t *Trainer) loop(ctx context.Context, train, val BatchSource) error {
	for epoch := t.state.Epoch + 1; epoch < t.config.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		m, err := t.runEpoch(ctx, epoch, train, val)
		if err != nil {
			return err
		}
		t.history = append(t.history, m)
	}

	t.logger.Print(strings.Repeat("*", 50) + "DONE" + strings.Repeat("*", 50))
	t.logger.Printf("\n Best_Epoch: %d\tBest_Prec1 %.4f \tBest_Loss %.3f \t",
		t.state.BestEpoch+1, t.state.BestMetric, t.state.BestLoss)
	return nil
}

// runEpoch runs one EPOCH_LOOP transition and persists its result.
func (t *Trainer) runEpoch(ctx context.Context, epoch int, train, val BatchSource) (EpochMetrics, error) {
	start := t.now()

	lr := t.scheduler.LR()
	if t.config.WarmUp && epoch < WarmupEpochs {
		lr = t.config.LR * float64(epoch+1) / WarmupEpochs
	}
	t.optimizer.UpdateLearningRate(lr)
	t.logger.Printf("lr: %g", lr)

	tau := t.tau.At(epoch)
	t.broadcast.Broadcast(tau, epoch)

	trainRes, err := t.runner.Run(ctx, train, true, epoch)
	if err != nil {
		return EpochMetrics{}, err
	}

	if epoch >= t.config.StepDelay() {
		t.scheduler.Step()
	}

	valRes, err := t.runner.Run(ctx, val, false, epoch)
	if err != nil {
		return EpochMetrics{}, err
	}

	isBest := valRes.Top1 > t.state.BestMetric
	if isBest {
		t.state.BestMetric = valRes.Top1
		t.state.BestEpoch = epoch
		t.state.BestLoss = valRes.Loss
	}
	t.state.Epoch = epoch

	if err := t.save(isBest, lr, tau); err != nil {
		return EpochMetrics{}, fmt.Errorf("save checkpoint at epoch %d: %w", epoch, err)
	}

	if err := t.sink.AddScalar("lr", lr, epoch); err != nil {
		return EpochMetrics{}, fmt.Errorf("record lr: %w", err)
	}
	if err := t.sink.AddScalar("tau", tau, epoch); err != nil {
		return EpochMetrics{}, fmt.Errorf("record tau: %w", err)
	}

	cost := t.now().Sub(start)
	if t.config.TimeEstimate > 0 && epoch%t.config.TimeEstimate == 0 {
		costTime, finishTime := EstimateFinish(cost, epoch, t.config.Epochs, t.now())
		t.logger.Printf("Time cost: %s\tTime of Finish: %s", costTime, finishTime)
	}

	t.logger.Printf("\n Epoch: %d\tTraining Loss %.4f \tTraining Prec@1 %.3f \tTraining Prec@5 %.3f \t"+
		"Validation Loss %.4f \tValidation Prec@1 %.3f \tValidation Prec@5 %.3f \n",
		epoch+1, trainRes.Loss, trainRes.Top1, trainRes.Top5, valRes.Loss, valRes.Top1, valRes.Top5)

	return EpochMetrics{
		Epoch:    epoch,
		LR:       lr,
		Tau:      tau,
		Train:    trainRes,
		Val:      valRes,
		IsBest:   isBest,
		Duration: cost,
	}, nil
}

// save writes the current state as the latest checkpoint, and as the best
// one when isBest is set.
func (t *Trainer) save(isBest bool, lr, tau float64) error {
	optState, err := t.optimizer.GetState()
	if err != nil {
		return err
	}
	ckpt := &checkpoints.Checkpoint{
		ModelTag: t.config.Model,
		Weights:  checkpoints.WeightsFromStateDict(t.adapter.ToCanonical(t.model.StateDict())),
		TrainingState: checkpoints.TrainingState{
			Epoch:        t.state.Epoch,
			BestMetric:   t.state.BestMetric,
			BestEpoch:    t.state.BestEpoch,
			BestLoss:     t.state.BestLoss,
			LearningRate: lr,
			Tau:          tau,
		},
		OptimizerState: optState,
		SchedulerState: t.scheduler.State(),
		Metadata: checkpoints.CheckpointMetadata{
			CreatedAt:   t.now().UTC(),
			Description: fmt.Sprintf("%s on %s, epoch %d", t.config.Model, t.config.Dataset, t.state.Epoch+1),
			Tags:        []string{t.config.Dataset, t.optimizer.Name(), t.scheduler.Name()},
		},
	}
	return t.manager.Save(ckpt, isBest)
}
