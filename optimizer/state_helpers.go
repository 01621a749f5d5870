package optimizer

import (
	"fmt"

	"github.com/tsawler/go-qat/checkpoints"
	"github.com/tsawler/go-qat/layers"
)

// Common helper functions for optimizer state management

func calculateTensorSize(shape []int) int {
	size := 1
	for _, d := range shape {
		size *= d
	}
	return size
}

// extractBufferState copies one state buffer for checkpointing
func extractBufferState(buffer []float32, shape []int, name string, stateType string) checkpoints.OptimizerTensor {
	data := make([]float32, len(buffer))
	copy(data, buffer)
	return checkpoints.OptimizerTensor{
		Name:      name,
		Shape:     append([]int(nil), shape...),
		Data:      data,
		StateType: stateType,
	}
}

// restoreBufferState copies checkpointed data back into a state buffer
func restoreBufferState(buffer []float32, data []float32, name string) error {
	if len(data) != len(buffer) {
		return fmt.Errorf("data size mismatch for %s: expected %d elements, got %d",
			name, len(buffer), len(data))
	}
	copy(buffer, data)
	return nil
}

// extractFloat64Param safely extracts a parameter from the state map
func extractFloat64Param(params map[string]float64, key string, defaultValue float64) float64 {
	if val, ok := params[key]; ok {
		return val
	}
	return defaultValue
}

// extractFloat32Param extracts a parameter that was stored from a float32
func extractFloat32Param(params map[string]float64, key string, defaultValue float32) float32 {
	if val, ok := params[key]; ok {
		return float32(val)
	}
	return defaultValue
}

// extractBoolParam reads a flag stored as 0 or 1
func extractBoolParam(params map[string]float64, key string, defaultValue bool) bool {
	if val, ok := params[key]; ok {
		return val != 0
	}
	return defaultValue
}

// extractUint64Param reads a counter stored as a float64
func extractUint64Param(params map[string]float64, key string, defaultValue uint64) uint64 {
	if val, ok := params[key]; ok && val >= 0 {
		return uint64(val)
	}
	return defaultValue
}

func boolParam(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// extractBufferIndex extracts the buffer index from state tensor names like "momentum_0", "variance_1"
func extractBufferIndex(name string) int {
	var idx int
	lastUnderscoreIdx := -1
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '_' {
			lastUnderscoreIdx = i
			break
		}
	}

	if lastUnderscoreIdx == -1 {
		return -1
	}

	if n, err := fmt.Sscanf(name[lastUnderscoreIdx+1:], "%d", &idx); n == 1 && err == nil {
		return idx
	}
	return -1
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *OptimizerState) error {
	if state == nil {
		return fmt.Errorf("no optimizer state")
	}
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}

// checkParams verifies params against the shapes the optimizer was built for
func checkParams(shapes [][]int, params []*layers.Param) error {
	if len(params) != len(shapes) {
		return fmt.Errorf("expected %d params, got %d", len(shapes), len(params))
	}
	for i, p := range params {
		if p.Grad == nil {
			return fmt.Errorf("param %s has no gradient", p.Name)
		}
		if len(p.Value.Data) != calculateTensorSize(shapes[i]) {
			return fmt.Errorf("param %d (%s) size changed: %d, want %d",
				i, p.Name, len(p.Value.Data), calculateTensorSize(shapes[i]))
		}
	}
	return nil
}
