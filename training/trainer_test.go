package training

import (
	"bytes"
	"context"
	"errors"
	"log"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tsawler/go-qat/checkpoints"
	"github.com/tsawler/go-qat/metrics"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	c := DefaultConfig()
	c.Model = "identity"
	c.Dataset = "scripted"
	c.ResultsDir = t.TempDir()
	c.Save = "run"
	c.Epochs = 4
	c.LRType = "const"
	c.PrintFreq = 0
	c.TimeEstimate = 0
	return c
}

// valScript serves one 100-sample batch whose top-1 accuracy for epoch e is
// accs[e] percent.
func valScript(accs []int) *sliceSource {
	return newSliceSource(func(epoch int) []*Batch {
		if epoch < 0 || epoch >= len(accs) {
			epoch = 0
		}
		return []*Batch{scriptedBatch(100, 10, accs[epoch])}
	})
}

func trainSource() *sliceSource {
	return newSliceSource(func(int) []*Batch {
		return []*Batch{scriptedBatch(10, 10, 10), scriptedBatch(10, 10, 5)}
	})
}

func newTestTrainer(t *testing.T, c Config, m *identityModel, sink metrics.Sink) (*Trainer, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	tr, err := NewTrainer(c, m, log.New(&buf, "", 0), sink)
	if err != nil {
		t.Fatalf("NewTrainer: %v", err)
	}
	return tr, &buf
}

func TestTrainerTracksBestEpoch(t *testing.T) {
	c := testConfig(t)
	sink := metrics.NewMemorySink()
	tr, logs := newTestTrainer(t, c, newIdentityModel(), sink)

	if err := tr.Run(context.Background(), trainSource(), valScript([]int{70, 65, 80, 75})); err != nil {
		t.Fatalf("Run: %v", err)
	}

	st := tr.State()
	if st.BestEpoch != 2 || st.BestMetric != 80 || st.Epoch != 3 {
		t.Errorf("state = %+v, want best epoch 2 at 80, last epoch 3", st)
	}
	wantBest := []bool{true, false, true, false}
	h := tr.History()
	if len(h) != 4 {
		t.Fatalf("history has %d epochs", len(h))
	}
	for i, m := range h {
		if m.Epoch != i || m.IsBest != wantBest[i] {
			t.Errorf("epoch %d: %+v, want best=%v", i, m, wantBest[i])
		}
	}
	if st.BestLoss != h[2].Val.Loss {
		t.Errorf("BestLoss %v, want epoch 2 loss %v", st.BestLoss, h[2].Val.Loss)
	}

	best, err := checkpoints.Load(tr.Manager().BestPath())
	if err != nil {
		t.Fatalf("load best: %v", err)
	}
	if best.TrainingState.Epoch != 2 || best.TrainingState.BestMetric != 80 {
		t.Errorf("best checkpoint state = %+v", best.TrainingState)
	}
	latest, err := checkpoints.Load(tr.Manager().LatestPath())
	if err != nil {
		t.Fatalf("load latest: %v", err)
	}
	if latest.TrainingState.Epoch != 3 || latest.ModelTag != "identity" {
		t.Errorf("latest checkpoint = %+v", latest.TrainingState)
	}

	out := logs.String()
	for _, want := range []string{
		"saving to " + c.RunDir(),
		strings.Repeat("*", 50) + "DONE" + strings.Repeat("*", 50),
		"Best_Epoch: 3\tBest_Prec1 80.0000",
		"Epoch: 4\t",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("log missing %q", want)
		}
	}
	if got := sink.Scalars("tau"); len(got) != 4 || math.Abs(got[0].Value-c.TauMin) > 1e-12 {
		t.Errorf("tau scalars = %+v", got)
	}
	if got := sink.Scalars("test/Acc@1"); len(got) != 4 || got[2].Value != 80 {
		t.Errorf("test/Acc@1 scalars = %+v", got)
	}
}

func TestTrainerBroadcastsTauPerEpoch(t *testing.T) {
	c := testConfig(t)
	m := newIdentityModel()
	tr, _ := newTestTrainer(t, c, m, nil)
	if err := tr.Run(context.Background(), trainSource(), valScript([]int{1, 2, 3, 4})); err != nil {
		t.Fatal(err)
	}
	// Per epoch: phase e at the start, -1 after the first training batch
	want := []int{0, -1, 1, -1, 2, -1, 3, -1}
	if len(m.quant.phases) != len(want) {
		t.Fatalf("phases = %v, want %v", m.quant.phases, want)
	}
	for i := range want {
		if m.quant.phases[i] != want[i] {
			t.Fatalf("phases = %v, want %v", m.quant.phases, want)
		}
	}
	for i, h := range tr.History() {
		if math.Abs(h.Tau-Tau(i, c.Epochs, c.TauMin, c.TauMax)) > 1e-15 {
			t.Errorf("epoch %d tau = %v", i, h.Tau)
		}
	}
	if math.Abs(m.quant.Tau()-Tau(3, c.Epochs, c.TauMin, c.TauMax)) > 1e-15 {
		t.Errorf("final tau = %v", m.quant.Tau())
	}
}

func TestTrainerWarmup(t *testing.T) {
	c := testConfig(t)
	c.WarmUp = true
	c.LRType = "cos"
	c.LR = 0.1
	c.Epochs = 6
	tr, logs := newTestTrainer(t, c, newIdentityModel(), nil)
	if err := tr.Run(context.Background(), trainSource(), valScript([]int{10})); err != nil {
		t.Fatal(err)
	}

	// Linear ramp for five epochs; cosine over the remaining two from epoch 4
	want := []float64{0.02, 0.04, 0.06, 0.08, 0.1, 0.05}
	for i, h := range tr.History() {
		if math.Abs(h.LR-want[i]) > 1e-12 {
			t.Errorf("epoch %d lr = %v, want %v", i, h.LR, want[i])
		}
	}
	if n := tr.Scheduler().LastEpoch(); n != 2 {
		t.Errorf("scheduler stepped %d times, want 2", n)
	}
	if !strings.Contains(logs.String(), "lr: 0.02\n") {
		t.Error("missing lr log line")
	}
}

func TestTrainerSchedulerStepsEveryEpochWithoutWarmup(t *testing.T) {
	c := testConfig(t)
	c.LRType = "step"
	c.LRDecaySteps = []int{2}
	tr, _ := newTestTrainer(t, c, newIdentityModel(), nil)
	if err := tr.Run(context.Background(), trainSource(), valScript([]int{10})); err != nil {
		t.Fatal(err)
	}
	want := []float64{0.1, 0.1, 0.01, 0.01}
	for i, h := range tr.History() {
		if math.Abs(h.LR-want[i]) > 1e-12 {
			t.Errorf("epoch %d lr = %v, want %v", i, h.LR, want[i])
		}
	}
	if got := tr.Optimizer().GetLearningRate(); math.Abs(got-0.01) > 1e-12 {
		t.Errorf("optimizer lr = %v", got)
	}
}

func TestTrainerEvaluateOnlyMissingCheckpoint(t *testing.T) {
	c := testConfig(t)
	c.Evaluate = filepath.Join(t.TempDir(), "missing.json")
	train, val := trainSource(), valScript([]int{10})
	tr, logs := newTestTrainer(t, c, newIdentityModel(), nil)

	err := tr.Run(context.Background(), train, val)
	if !errors.Is(err, checkpoints.ErrInvalidCheckpoint) {
		t.Fatalf("err = %v, want ErrInvalidCheckpoint", err)
	}
	if len(train.calls)+len(val.calls) != 0 || len(tr.History()) != 0 {
		t.Error("no pass should run after a failed load")
	}
	if !strings.Contains(logs.String(), "invalid checkpoint: "+c.Evaluate) {
		t.Errorf("log = %s", logs.String())
	}
}

func TestTrainerEvaluateOnly(t *testing.T) {
	c := testConfig(t)
	c.Epochs = 2
	m := newIdentityModel()
	tr, _ := newTestTrainer(t, c, m, nil)
	if err := tr.Run(context.Background(), trainSource(), valScript([]int{60, 90})); err != nil {
		t.Fatal(err)
	}
	trained := m.bias.Value.Data[0]

	eval := testConfig(t)
	eval.Evaluate = tr.Manager().BestPath()
	fresh := newIdentityModel()
	train, val := trainSource(), valScript([]int{40})
	et, logs := newTestTrainer(t, eval, fresh, nil)
	if err := et.Run(context.Background(), train, val); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if fresh.bias.Value.Data[0] != trained {
		t.Errorf("weights not loaded: %v vs %v", fresh.bias.Value.Data[0], trained)
	}
	if len(train.calls) != 0 || len(val.calls) != 1 || val.calls[0] != 1 {
		t.Errorf("train calls %v, val calls %v", train.calls, val.calls)
	}
	if !strings.Contains(logs.String(), "Validation Prec@1 40.000") {
		t.Errorf("log = %s", logs.String())
	}
}

func TestTrainerResumeWithoutCheckpoint(t *testing.T) {
	c := testConfig(t)
	c.Resume = true
	train := trainSource()
	tr, logs := newTestTrainer(t, c, newIdentityModel(), nil)
	err := tr.Run(context.Background(), train, valScript([]int{10}))
	if !errors.Is(err, checkpoints.ErrCheckpointNotFound) {
		t.Fatalf("err = %v, want ErrCheckpointNotFound", err)
	}
	if len(train.calls) != 0 {
		t.Error("training ran without a checkpoint")
	}
	if !strings.Contains(logs.String(), "no checkpoint found at") {
		t.Errorf("log = %s", logs.String())
	}
}

func TestTrainerResumeContinues(t *testing.T) {
	c := testConfig(t)
	c.Epochs = 2
	accs := []int{50, 70, 60, 65}
	first, _ := newTestTrainer(t, c, newIdentityModel(), nil)
	if err := first.Run(context.Background(), trainSource(), valScript(accs)); err != nil {
		t.Fatal(err)
	}

	c.Epochs = 4
	c.Resume = true
	train := trainSource()
	second, logs := newTestTrainer(t, c, newIdentityModel(), nil)
	if err := second.Run(context.Background(), train, valScript(accs)); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if len(train.calls) != 2 || train.calls[0] != 2 {
		t.Errorf("resumed training ran epochs %v, want [2 3]", train.calls)
	}
	st := second.State()
	if st.Epoch != 3 || st.BestEpoch != 1 || st.BestMetric != 70 {
		t.Errorf("state = %+v", st)
	}
	if strings.Contains(logs.String(), "creating model") {
		t.Error("architecture printed on resume")
	}
	if !strings.Contains(logs.String(), "(epoch 2)") {
		t.Errorf("log = %s", logs.String())
	}
}

func TestTrainerRejectsOtherModel(t *testing.T) {
	c := testConfig(t)
	c.Epochs = 1
	first, _ := newTestTrainer(t, c, newIdentityModel(), nil)
	if err := first.Run(context.Background(), trainSource(), valScript([]int{10})); err != nil {
		t.Fatal(err)
	}
	c.Resume = true
	c.Epochs = 2
	c.Model = "other"
	second, _ := newTestTrainer(t, c, newIdentityModel(), nil)
	if err := second.Run(context.Background(), trainSource(), valScript([]int{10})); !errors.Is(err, checkpoints.ErrInvalidCheckpoint) {
		t.Errorf("err = %v, want ErrInvalidCheckpoint", err)
	}
}

func TestTrainerDataErrorAborts(t *testing.T) {
	c := testConfig(t)
	train := trainSource()
	train.failAt = 1
	tr, _ := newTestTrainer(t, c, newIdentityModel(), nil)
	err := tr.Run(context.Background(), train, valScript([]int{10}))
	if !errors.Is(err, ErrDataSource) {
		t.Errorf("err = %v, want ErrDataSource", err)
	}
	if len(tr.History()) != 0 {
		t.Error("a failed epoch must not be recorded")
	}
}

func TestNewTrainerInvalidConfig(t *testing.T) {
	c := testConfig(t)
	c.Optimizer = "lion"
	if _, err := NewTrainer(c, newIdentityModel(), nil, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("err = %v, want ErrInvalidConfig", err)
	}
}

func TestTrainerSaveFailureAborts(t *testing.T) {
	c := testConfig(t)
	tr, _ := newTestTrainer(t, c, newIdentityModel(), nil)
	// A non-empty directory where the latest checkpoint goes makes the
	// final rename fail.
	blocker := tr.Manager().LatestPath()
	if err := os.MkdirAll(filepath.Join(blocker, "keep"), 0755); err != nil {
		t.Fatal(err)
	}

	train := trainSource()
	err := tr.Run(context.Background(), train, valScript([]int{50}))
	if err == nil || !strings.Contains(err.Error(), "save checkpoint at epoch 0") {
		t.Fatalf("err = %v, want a save failure at epoch 0", err)
	}
	if len(tr.History()) != 0 {
		t.Errorf("history = %+v, want no completed epochs", tr.History())
	}
	if len(train.calls) != 1 {
		t.Errorf("training ran epochs %v after the failed save", train.calls)
	}
}
