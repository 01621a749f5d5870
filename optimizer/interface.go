package optimizer

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tsawler/go-qat/checkpoints"
	"github.com/tsawler/go-qat/layers"
)

// ErrUnknownOptimizer is returned by New for an unsupported kind.
var ErrUnknownOptimizer = errors.New("optimizer: unknown optimizer")

// Optimizer defines the common interface for all optimizers.
// GetState/LoadState round-trip every piece of internal state exactly, so a
// resumed run continues as if it had never stopped.
type Optimizer interface {
	// Step applies one update to params using their accumulated gradients.
	// params must be the same list, in the same order, on every call.
	Step(params []*layers.Param) error

	// GetState extracts optimizer state for checkpointing
	GetState() (*OptimizerState, error)

	// LoadState restores optimizer state from checkpoint
	LoadState(state *OptimizerState) error

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	// UpdateLearningRate updates the learning rate
	UpdateLearningRate(lr float64)

	// GetLearningRate returns the learning rate used by the next Step.
	GetLearningRate() float64

	Name() string
}

// OptimizerState is the serialized form stored in checkpoints.
type OptimizerState = checkpoints.OptimizerState

// Config carries the hyperparameters of every supported optimizer.
type Config struct {
	LearningRate float64
	Momentum     float32
	WeightDecay  float32
	Nesterov     bool
	Beta1        float32
	Beta2        float32
	Epsilon      float32
}

// New creates the optimizer named by kind ("sgd" or "adam") for params.
func New(kind string, config Config, params []*layers.Param) (Optimizer, error) {
	shapes := make([][]int, len(params))
	for i, p := range params {
		shapes[i] = append([]int(nil), p.Value.Shape...)
	}

	switch strings.ToLower(kind) {
	case "sgd":
		return NewSGDOptimizer(SGDConfig{
			LearningRate: config.LearningRate,
			Momentum:     config.Momentum,
			WeightDecay:  config.WeightDecay,
			Nesterov:     config.Nesterov,
		}, shapes)
	case "adam":
		adamConfig := DefaultAdamConfig()
		adamConfig.LearningRate = config.LearningRate
		adamConfig.WeightDecay = config.WeightDecay
		if config.Beta1 > 0 {
			adamConfig.Beta1 = config.Beta1
		}
		if config.Beta2 > 0 {
			adamConfig.Beta2 = config.Beta2
		}
		if config.Epsilon > 0 {
			adamConfig.Epsilon = config.Epsilon
		}
		return NewAdamOptimizer(adamConfig, shapes)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownOptimizer, kind)
	}
}
