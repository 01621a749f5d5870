package optimizer

import (
	"fmt"
	"math"

	"github.com/tsawler/go-qat/checkpoints"
	"github.com/tsawler/go-qat/layers"
)

// AdamOptimizerState is Adam with bias correction and L2 weight decay added
// to the gradient.
type AdamOptimizerState struct {
	// Hyperparameters
	LearningRate float64
	Beta1        float32 // Momentum decay (typically 0.9)
	Beta2        float32 // Variance decay (typically 0.999)
	Epsilon      float32 // Small constant to prevent division by zero (typically 1e-8)
	WeightDecay  float32 // L2 regularization coefficient

	MomentumBuffers [][]float32 // First moment for each weight tensor
	VarianceBuffers [][]float32 // Second moment for each weight tensor

	// Step tracking for bias correction
	StepCount uint64

	shapes [][]int
}

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float64
	Beta1        float32
	Beta2        float32
	Epsilon      float32
	WeightDecay  float32
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// NewAdamOptimizer creates an Adam optimizer for parameters of the given shapes
func NewAdamOptimizer(config AdamConfig, weightShapes [][]int) (*AdamOptimizerState, error) {
	if len(weightShapes) == 0 {
		return nil, fmt.Errorf("no weight shapes provided")
	}
	if config.LearningRate < 0 {
		return nil, fmt.Errorf("learning rate cannot be negative: %f", config.LearningRate)
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 {
		return nil, fmt.Errorf("beta1 must be in [0, 1): %f", config.Beta1)
	}
	if config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, fmt.Errorf("beta2 must be in [0, 1): %f", config.Beta2)
	}
	if config.Epsilon <= 0 {
		return nil, fmt.Errorf("epsilon must be positive: %f", config.Epsilon)
	}
	if config.WeightDecay < 0 {
		return nil, fmt.Errorf("weight decay cannot be negative: %f", config.WeightDecay)
	}

	adam := &AdamOptimizerState{
		LearningRate:    config.LearningRate,
		Beta1:           config.Beta1,
		Beta2:           config.Beta2,
		Epsilon:         config.Epsilon,
		WeightDecay:     config.WeightDecay,
		MomentumBuffers: make([][]float32, len(weightShapes)),
		VarianceBuffers: make([][]float32, len(weightShapes)),
		shapes:          weightShapes,
	}
	for i, shape := range weightShapes {
		size := calculateTensorSize(shape)
		adam.MomentumBuffers[i] = make([]float32, size)
		adam.VarianceBuffers[i] = make([]float32, size)
	}
	return adam, nil
}

// Step performs a single Adam update
func (adam *AdamOptimizerState) Step(params []*layers.Param) error {
	if err := checkParams(adam.shapes, params); err != nil {
		return fmt.Errorf("adam step: %w", err)
	}

	adam.StepCount++
	t := float64(adam.StepCount)
	bc1 := 1 - math.Pow(float64(adam.Beta1), t)
	bc2 := 1 - math.Pow(float64(adam.Beta2), t)
	stepSize := float32(adam.LearningRate / bc1)
	bc2Sqrt := float32(math.Sqrt(bc2))

	b1, b2 := adam.Beta1, adam.Beta2
	eps, wd := adam.Epsilon, adam.WeightDecay

	for i, p := range params {
		w := p.Value.Data
		g := p.Grad.Data
		m := adam.MomentumBuffers[i]
		v := adam.VarianceBuffers[i]
		for j := range w {
			grad := g[j]
			if wd != 0 {
				grad += wd * w[j]
			}
			m[j] = b1*m[j] + (1-b1)*grad
			v[j] = b2*v[j] + (1-b2)*grad*grad
			denom := float32(math.Sqrt(float64(v[j])))/bc2Sqrt + eps
			w[j] -= stepSize * m[j] / denom
		}
	}
	return nil
}

// UpdateLearningRate updates the learning rate
func (adam *AdamOptimizerState) UpdateLearningRate(newLR float64) {
	adam.LearningRate = newLR
}

// GetLearningRate returns the current learning rate
func (adam *AdamOptimizerState) GetLearningRate() float64 {
	return adam.LearningRate
}

// GetStepCount returns the current step count
func (adam *AdamOptimizerState) GetStepCount() uint64 {
	return adam.StepCount
}

func (adam *AdamOptimizerState) Name() string { return "Adam" }

// GetState extracts optimizer state for checkpointing
func (adam *AdamOptimizerState) GetState() (*OptimizerState, error) {
	stateData := make([]checkpoints.OptimizerTensor, 0, 2*len(adam.shapes))
	for i := range adam.shapes {
		stateData = append(stateData,
			extractBufferState(adam.MomentumBuffers[i], adam.shapes[i], fmt.Sprintf("momentum_%d", i), "momentum"),
			extractBufferState(adam.VarianceBuffers[i], adam.shapes[i], fmt.Sprintf("variance_%d", i), "variance"),
		)
	}

	return &OptimizerState{
		Type: "Adam",
		Parameters: map[string]float64{
			"learning_rate": adam.LearningRate,
			"beta1":         float64(adam.Beta1),
			"beta2":         float64(adam.Beta2),
			"epsilon":       float64(adam.Epsilon),
			"weight_decay":  float64(adam.WeightDecay),
			"step_count":    float64(adam.StepCount),
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (adam *AdamOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("Adam", state); err != nil {
		return err
	}

	adam.LearningRate = extractFloat64Param(state.Parameters, "learning_rate", adam.LearningRate)
	adam.Beta1 = extractFloat32Param(state.Parameters, "beta1", adam.Beta1)
	adam.Beta2 = extractFloat32Param(state.Parameters, "beta2", adam.Beta2)
	adam.Epsilon = extractFloat32Param(state.Parameters, "epsilon", adam.Epsilon)
	adam.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", adam.WeightDecay)
	adam.StepCount = extractUint64Param(state.Parameters, "step_count", adam.StepCount)

	for _, tensor := range state.StateData {
		idx := extractBufferIndex(tensor.Name)
		if idx < 0 || idx >= len(adam.shapes) {
			return fmt.Errorf("invalid buffer index in tensor name: %s", tensor.Name)
		}
		var dst []float32
		switch tensor.StateType {
		case "momentum":
			dst = adam.MomentumBuffers[idx]
		case "variance":
			dst = adam.VarianceBuffers[idx]
		default:
			return fmt.Errorf("unknown adam state type %q", tensor.StateType)
		}
		if err := restoreBufferState(dst, tensor.Data, tensor.Name); err != nil {
			return err
		}
	}
	return nil
}
