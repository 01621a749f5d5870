package optimizer

import (
	"errors"
	"math"
	"reflect"
	"testing"

	"github.com/tsawler/go-qat/layers"
	"github.com/tsawler/go-qat/tensor"
)

func testParams(values ...[]float32) []*layers.Param {
	params := make([]*layers.Param, len(values))
	for i, v := range values {
		w, _ := tensor.New([]int{len(v)}, append([]float32(nil), v...))
		params[i] = &layers.Param{Name: "p", Value: w, Grad: tensor.MustZeros(len(v)), Trainable: true}
	}
	return params
}

func setGrads(params []*layers.Param, grads ...[]float32) {
	for i, g := range grads {
		copy(params[i].Grad.Data, g)
	}
}

func shapesOf(params []*layers.Param) [][]int {
	shapes := make([][]int, len(params))
	for i, p := range params {
		shapes[i] = p.Value.Shape
	}
	return shapes
}

func TestDefaultSGDConfig(t *testing.T) {
	config := DefaultSGDConfig()
	if config.LearningRate != 0.01 || config.Momentum != 0 || config.WeightDecay != 0 || config.Nesterov {
		t.Errorf("unexpected default config: %+v", config)
	}
}

func TestSGDConfigValidation(t *testing.T) {
	shapes := [][]int{{2}}
	tests := []struct {
		name   string
		config SGDConfig
	}{
		{"negative lr", SGDConfig{LearningRate: -1}},
		{"negative momentum", SGDConfig{LearningRate: 0.1, Momentum: -0.1}},
		{"momentum above one", SGDConfig{LearningRate: 0.1, Momentum: 1.5}},
		{"negative weight decay", SGDConfig{LearningRate: 0.1, WeightDecay: -1}},
		{"nesterov without momentum", SGDConfig{LearningRate: 0.1, Nesterov: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewSGDOptimizer(tt.config, shapes); err == nil {
				t.Errorf("expected error")
			}
		})
	}
	if _, err := NewSGDOptimizer(DefaultSGDConfig(), nil); err == nil {
		t.Errorf("expected error for empty shapes")
	}
}

func TestSGDVanillaStep(t *testing.T) {
	params := testParams([]float32{1, 2})
	setGrads(params, []float32{0.5, -1})

	sgd, err := NewSGDOptimizer(SGDConfig{LearningRate: 0.1}, shapesOf(params))
	if err != nil {
		t.Fatalf("NewSGDOptimizer failed: %v", err)
	}
	if err := sgd.Step(params); err != nil {
		t.Fatalf("Step failed: %v", err)
	}

	want := []float32{1 - 0.1*0.5, 2 + 0.1}
	for i, w := range want {
		if math.Abs(float64(params[0].Value.Data[i]-w)) > 1e-6 {
			t.Errorf("w[%d] = %v, want %v", i, params[0].Value.Data[i], w)
		}
	}
	if sgd.GetStepCount() != 1 {
		t.Errorf("step count = %d, want 1", sgd.GetStepCount())
	}
}

func TestSGDMomentumAndNesterov(t *testing.T) {
	tests := []struct {
		name     string
		nesterov bool
		// weight after two steps with constant gradient 1, lr 0.1, momentum 0.9
		want float32
	}{
		// buf1 = 1, w = -0.1; buf2 = 1.9, w = -0.29
		{"classic", false, -0.29},
		// d1 = 1 + 0.9*1 = 1.9, w = -0.19; d2 = 1 + 0.9*1.9 = 2.71, w = -0.461
		{"nesterov", true, -0.461},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := testParams([]float32{0})
			sgd, _ := NewSGDOptimizer(SGDConfig{LearningRate: 0.1, Momentum: 0.9, Nesterov: tt.nesterov}, shapesOf(params))
			for i := 0; i < 2; i++ {
				setGrads(params, []float32{1})
				if err := sgd.Step(params); err != nil {
					t.Fatalf("Step failed: %v", err)
				}
			}
			if got := params[0].Value.Data[0]; math.Abs(float64(got-tt.want)) > 1e-5 {
				t.Errorf("w = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSGDWeightDecay(t *testing.T) {
	params := testParams([]float32{2})
	sgd, _ := NewSGDOptimizer(SGDConfig{LearningRate: 0.5, WeightDecay: 0.1}, shapesOf(params))
	if err := sgd.Step(params); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	// d = 0 + 0.1*2 = 0.2
	if got := params[0].Value.Data[0]; math.Abs(float64(got-1.9)) > 1e-6 {
		t.Errorf("w = %v, want 1.9", got)
	}
}

func TestSGDRejectsMismatchedParams(t *testing.T) {
	params := testParams([]float32{1, 2})
	sgd, _ := NewSGDOptimizer(DefaultSGDConfig(), [][]int{{3}})
	if err := sgd.Step(params); err == nil {
		t.Errorf("expected error for size mismatch")
	}
	sgd, _ = NewSGDOptimizer(DefaultSGDConfig(), [][]int{{2}, {2}})
	if err := sgd.Step(params); err == nil {
		t.Errorf("expected error for count mismatch")
	}
}

// TestSGDStateRoundTrip checks that an optimizer restored from GetState
// continues exactly like the original.
func TestSGDStateRoundTrip(t *testing.T) {
	grads := [][]float32{{0.3, -0.7, 1.1}, {0.01, 0.2, -0.05}, {-1, 0.5, 0.25}}

	params := testParams([]float32{0.1, 0.2, 0.3})
	config := SGDConfig{LearningRate: 0.05, Momentum: 0.9, WeightDecay: 5e-4, Nesterov: true}
	sgd, _ := NewSGDOptimizer(config, shapesOf(params))

	setGrads(params, grads[0])
	sgd.Step(params)
	sgd.UpdateLearningRate(0.025)

	state, err := sgd.GetState()
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	snapshot := params[0].Value.Clone()

	restored, _ := NewSGDOptimizer(SGDConfig{LearningRate: 1, Momentum: 0.5}, shapesOf(params))
	if err := restored.LoadState(state); err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}
	if !reflect.DeepEqual(restored.MomentumBuffers, sgd.MomentumBuffers) {
		t.Errorf("momentum buffers differ after restore")
	}
	if restored.LearningRate != sgd.LearningRate || restored.Momentum != sgd.Momentum ||
		restored.WeightDecay != sgd.WeightDecay || restored.Nesterov != sgd.Nesterov ||
		restored.StepCount != sgd.StepCount {
		t.Errorf("hyperparameters differ after restore: %+v vs %+v", restored, sgd)
	}

	restoredParams := testParams(snapshot.Data)
	for _, g := range grads[1:] {
		setGrads(params, g)
		setGrads(restoredParams, g)
		sgd.Step(params)
		restored.Step(restoredParams)
	}
	if !params[0].Value.Equal(restoredParams[0].Value) {
		t.Errorf("restored optimizer diverged: %v vs %v", restoredParams[0].Value.Data, params[0].Value.Data)
	}
}

func TestSGDLoadStateErrors(t *testing.T) {
	sgd, _ := NewSGDOptimizer(SGDConfig{LearningRate: 0.1, Momentum: 0.9}, [][]int{{2}})
	if err := sgd.LoadState(&OptimizerState{Type: "Adam"}); err == nil {
		t.Errorf("expected type mismatch error")
	}
	state, _ := sgd.GetState()
	state.StateData[0].Name = "momentum_7"
	if err := sgd.LoadState(state); err == nil {
		t.Errorf("expected error for out of range buffer index")
	}
	state, _ = sgd.GetState()
	state.StateData[0].Data = []float32{1}
	if err := sgd.LoadState(state); err == nil {
		t.Errorf("expected error for size mismatch")
	}
}

func TestNewFactory(t *testing.T) {
	params := testParams([]float32{1})
	for _, kind := range []string{"sgd", "SGD", "adam"} {
		opt, err := New(kind, Config{LearningRate: 0.1, Momentum: 0.9}, params)
		if err != nil {
			t.Fatalf("New(%q) failed: %v", kind, err)
		}
		if opt.GetLearningRate() != 0.1 {
			t.Errorf("%s learning rate = %v", kind, opt.GetLearningRate())
		}
	}
	if _, err := New("lamb", Config{}, params); !errors.Is(err, ErrUnknownOptimizer) {
		t.Errorf("expected ErrUnknownOptimizer, got %v", err)
	}
}

func TestExtractBufferIndex(t *testing.T) {
	tests := []struct {
		name string
		want int
	}{
		{"momentum_0", 0},
		{"variance_12", 12},
		{"squared_grad_avg_3", 3},
		{"momentum", -1},
		{"momentum_x", -1},
	}
	for _, tt := range tests {
		if got := extractBufferIndex(tt.name); got != tt.want {
			t.Errorf("extractBufferIndex(%q) = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestExtractParams(t *testing.T) {
	params := map[string]float64{"lr": 0.1, "nesterov": 1, "steps": 42}
	if got := extractFloat64Param(params, "lr", 1); got != 0.1 {
		t.Errorf("extractFloat64Param = %v", got)
	}
	if got := extractFloat64Param(params, "missing", 1); got != 1 {
		t.Errorf("extractFloat64Param default = %v", got)
	}
	if !extractBoolParam(params, "nesterov", false) || extractBoolParam(params, "missing", false) {
		t.Errorf("extractBoolParam wrong")
	}
	if got := extractUint64Param(params, "steps", 0); got != 42 {
		t.Errorf("extractUint64Param = %d", got)
	}
}
