package optimizer

import (
	"fmt"

	"github.com/tsawler/go-qat/checkpoints"
	"github.com/tsawler/go-qat/layers"
)

// SGDOptimizerState is stochastic gradient descent with optional momentum,
// Nesterov momentum and L2 weight decay:
//
//	d = g + wd*w
//	buf = momentum*buf + d
//	w -= lr * (d + momentum*buf)   (Nesterov)
//	w -= lr * buf                  (classic)
type SGDOptimizerState struct {
	// Hyperparameters
	LearningRate float64
	Momentum     float32 // Momentum coefficient (0 for vanilla SGD)
	WeightDecay  float32 // L2 regularization coefficient
	Nesterov     bool    // Whether to use Nesterov momentum

	// Momentum buffers (only if momentum > 0)
	MomentumBuffers [][]float32

	// Step tracking
	StepCount uint64

	shapes [][]int
}

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float64
	Momentum     float32
	WeightDecay  float32
	Nesterov     bool
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.0,
		WeightDecay:  0.0,
		Nesterov:     false,
	}
}

// NewSGDOptimizer creates an SGD optimizer for parameters of the given shapes
func NewSGDOptimizer(config SGDConfig, weightShapes [][]int) (*SGDOptimizerState, error) {
	if len(weightShapes) == 0 {
		return nil, fmt.Errorf("no weight shapes provided")
	}

	// Validate configuration parameters
	if config.LearningRate < 0 {
		return nil, fmt.Errorf("learning rate cannot be negative: %f", config.LearningRate)
	}
	if config.Momentum < 0 {
		return nil, fmt.Errorf("momentum cannot be negative: %f", config.Momentum)
	}
	if config.Momentum > 1.0 {
		return nil, fmt.Errorf("momentum cannot be greater than 1.0: %f", config.Momentum)
	}
	if config.WeightDecay < 0 {
		return nil, fmt.Errorf("weight decay cannot be negative: %f", config.WeightDecay)
	}
	if config.Nesterov && config.Momentum == 0 {
		return nil, fmt.Errorf("nesterov momentum requires a positive momentum")
	}

	sgd := &SGDOptimizerState{
		LearningRate: config.LearningRate,
		Momentum:     config.Momentum,
		WeightDecay:  config.WeightDecay,
		Nesterov:     config.Nesterov,
		shapes:       weightShapes,
	}

	if config.Momentum > 0 {
		sgd.MomentumBuffers = make([][]float32, len(weightShapes))
		for i, shape := range weightShapes {
			sgd.MomentumBuffers[i] = make([]float32, calculateTensorSize(shape))
		}
	}

	return sgd, nil
}

// Step performs a single SGD update
func (sgd *SGDOptimizerState) Step(params []*layers.Param) error {
	if err := checkParams(sgd.shapes, params); err != nil {
		return fmt.Errorf("sgd step: %w", err)
	}

	lr := float32(sgd.LearningRate)
	mom := sgd.Momentum
	wd := sgd.WeightDecay

	for i, p := range params {
		w := p.Value.Data
		g := p.Grad.Data
		var buf []float32
		if sgd.MomentumBuffers != nil {
			buf = sgd.MomentumBuffers[i]
		}
		for j := range w {
			d := g[j]
			if wd != 0 {
				d += wd * w[j]
			}
			if buf != nil {
				buf[j] = mom*buf[j] + d
				if sgd.Nesterov {
					d += mom * buf[j]
				} else {
					d = buf[j]
				}
			}
			w[j] -= lr * d
		}
	}

	sgd.StepCount++
	return nil
}

// UpdateLearningRate updates the learning rate
func (sgd *SGDOptimizerState) UpdateLearningRate(newLR float64) {
	sgd.LearningRate = newLR
}

// GetLearningRate returns the current learning rate
func (sgd *SGDOptimizerState) GetLearningRate() float64 {
	return sgd.LearningRate
}

// GetStepCount returns the current step count
func (sgd *SGDOptimizerState) GetStepCount() uint64 {
	return sgd.StepCount
}

func (sgd *SGDOptimizerState) Name() string { return "SGD" }

// GetState extracts optimizer state for checkpointing
func (sgd *SGDOptimizerState) GetState() (*OptimizerState, error) {
	stateData := make([]checkpoints.OptimizerTensor, 0, len(sgd.MomentumBuffers))

	for i, buffer := range sgd.MomentumBuffers {
		stateData = append(stateData, extractBufferState(buffer, sgd.shapes[i],
			fmt.Sprintf("momentum_%d", i), "momentum"))
	}

	return &OptimizerState{
		Type: "SGD",
		Parameters: map[string]float64{
			"learning_rate": sgd.LearningRate,
			"momentum":      float64(sgd.Momentum),
			"weight_decay":  float64(sgd.WeightDecay),
			"nesterov":      boolParam(sgd.Nesterov),
			"step_count":    float64(sgd.StepCount),
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (sgd *SGDOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("SGD", state); err != nil {
		return err
	}

	sgd.LearningRate = extractFloat64Param(state.Parameters, "learning_rate", sgd.LearningRate)
	sgd.Momentum = extractFloat32Param(state.Parameters, "momentum", sgd.Momentum)
	sgd.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", sgd.WeightDecay)
	sgd.Nesterov = extractBoolParam(state.Parameters, "nesterov", sgd.Nesterov)
	sgd.StepCount = extractUint64Param(state.Parameters, "step_count", sgd.StepCount)

	if sgd.Momentum > 0 && sgd.MomentumBuffers == nil {
		sgd.MomentumBuffers = make([][]float32, len(sgd.shapes))
		for i, shape := range sgd.shapes {
			sgd.MomentumBuffers[i] = make([]float32, calculateTensorSize(shape))
		}
	}

	for _, tensor := range state.StateData {
		if tensor.StateType != "momentum" {
			continue
		}
		idx := extractBufferIndex(tensor.Name)
		if idx < 0 || idx >= len(sgd.MomentumBuffers) {
			return fmt.Errorf("invalid buffer index in tensor name: %s", tensor.Name)
		}
		if err := restoreBufferState(sgd.MomentumBuffers[idx], tensor.Data, tensor.Name); err != nil {
			return err
		}
	}

	return nil
}
