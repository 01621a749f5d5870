package training

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/tsawler/go-qat/checkpoints"
)

// ErrInvalidConfig is returned for configuration that cannot start a run.
var ErrInvalidConfig = errors.New("training: invalid configuration")

// WarmupEpochs is the number of epochs over which the learning rate ramps up
// when warmup is enabled.
const WarmupEpochs = 5

// Config holds every option of a training run.
type Config struct {
	// Data
	Dataset       string `json:"dataset"`
	DataPath      string `json:"data_path"`
	BatchSize     int    `json:"batch_size"`
	BatchSizeTest int    `json:"batch_size_test"`
	Workers       int    `json:"workers"`

	// Model
	Model    string `json:"model"`
	Replicas int    `json:"replicas"`
	Seed     int64  `json:"seed"`

	// Optimization
	Optimizer    string  `json:"optimizer"`     // "sgd" or "adam"
	LRType       string  `json:"lr_type"`       // "cos", "step", "exp" or "const"
	LR           float64 `json:"lr"`            // Base learning rate
	Momentum     float64 `json:"momentum"`      // SGD only
	WeightDecay  float64 `json:"weight_decay"`  // L2 regularization
	LRDecaySteps []int   `json:"lr_decay_step"` // Milestones of the step schedule
	WarmUp       bool    `json:"warm_up"`
	Epochs       int     `json:"epochs"`

	// Quantization threshold schedule
	TauMin float64 `json:"tau_min"`
	TauMax float64 `json:"tau_max"`

	// Run control
	Evaluate     string `json:"evaluate"` // Checkpoint to evaluate; no training
	Resume       bool   `json:"resume"`
	ResultsDir   string `json:"results_dir"`
	Save         string `json:"save"`
	Format       string `json:"format"` // Checkpoint format: "json" or "proto"
	PrintFreq    int    `json:"print_freq"`
	TimeEstimate int    `json:"time_estimate"` // Log ETA every N epochs (0 = never)

	// Sinks
	MetricsDB    string `json:"metrics_db"`
	DashboardURL string `json:"dashboard_url"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		Dataset:       "cifar10",
		DataPath:      "./data",
		BatchSize:     256,
		BatchSizeTest: 128,
		Workers:       0, // one per physical core
		Model:         "qconvnet",
		Replicas:      1,
		Optimizer:     "sgd",
		LRType:        "cos",
		LR:            0.1,
		Momentum:      0.9,
		WeightDecay:   1e-4,
		LRDecaySteps:  []int{100, 150},
		WarmUp:        false,
		Epochs:        200,
		TauMin:        0.85,
		TauMax:        0.99,
		ResultsDir:    "./results",
		Save:          time.Now().Format("2006-01-02_15-04-05"),
		Format:        "json",
		PrintFreq:     100,
		TimeEstimate:  1,
	}
}

// Validate reports the first invalid option, wrapped in ErrInvalidConfig.
func (c Config) Validate() error {
	bad := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
	}

	switch strings.ToLower(c.Optimizer) {
	case "sgd", "adam":
	default:
		return bad("optimizer %q not defined", c.Optimizer)
	}
	switch strings.ToLower(c.LRType) {
	case "cos", "step", "exp", "const":
	default:
		return bad("lr schedule %q not defined", c.LRType)
	}
	if _, err := checkpoints.ParseFormat(c.Format); err != nil {
		return bad("%v", err)
	}
	if c.Model == "" {
		return bad("model is required")
	}
	if c.Epochs <= 0 {
		return bad("epochs must be positive: %d", c.Epochs)
	}
	if c.LR < 0 {
		return bad("learning rate cannot be negative: %f", c.LR)
	}
	if c.Momentum < 0 || c.Momentum > 1 {
		return bad("momentum must be in [0, 1]: %f", c.Momentum)
	}
	if c.WeightDecay < 0 {
		return bad("weight decay cannot be negative: %f", c.WeightDecay)
	}
	if c.TauMin > c.TauMax {
		return bad("tau_min %f is greater than tau_max %f", c.TauMin, c.TauMax)
	}
	if c.TauMin < 0 || c.TauMax > 1 {
		return bad("tau bounds must lie in [0, 1]: [%f, %f]", c.TauMin, c.TauMax)
	}
	if c.BatchSize <= 0 || c.BatchSizeTest <= 0 {
		return bad("batch sizes must be positive: %d/%d", c.BatchSize, c.BatchSizeTest)
	}
	if c.Workers < 0 {
		return bad("workers cannot be negative: %d", c.Workers)
	}
	if c.Replicas < 1 {
		return bad("replicas must be at least 1: %d", c.Replicas)
	}
	if c.PrintFreq < 0 || c.TimeEstimate < 0 {
		return bad("print_freq and time_estimate cannot be negative")
	}
	if c.Evaluate != "" && c.Resume {
		return bad("evaluate and resume are mutually exclusive")
	}
	if c.Evaluate == "" && (c.ResultsDir == "" || c.Save == "") {
		return bad("results_dir and save are required")
	}
	return nil
}

// StepDelay is the first epoch at which the LR scheduler advances: 4 epochs
// with warmup, 0 without.
func (c Config) StepDelay() int {
	if c.WarmUp {
		return 4
	}
	return 0
}

// RunDir is the directory holding logs and checkpoints of the run.
func (c Config) RunDir() string {
	return filepath.Join(c.ResultsDir, c.Save)
}

// CheckpointFormat returns the parsed checkpoint format.
func (c Config) CheckpointFormat() checkpoints.CheckpointFormat {
	f, err := checkpoints.ParseFormat(c.Format)
	if err != nil {
		return checkpoints.FormatJSON
	}
	return f
}

// Mode is the entry state of the orchestrator.
type Mode int

const (
	ModeFresh Mode = iota
	ModeResume
	ModeEvaluate
)

func (m Mode) String() string {
	switch m {
	case ModeFresh:
		return "FRESH"
	case ModeResume:
		return "RESUME"
	case ModeEvaluate:
		return "EVALUATE_ONLY"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Mode derives the entry state from the options.
func (c Config) Mode() Mode {
	switch {
	case c.Evaluate != "":
		return ModeEvaluate
	case c.Resume:
		return ModeResume
	default:
		return ModeFresh
	}
}

// WriteConfigFile writes the creation time followed by one "name:  value"
// line per option, sorted by name.
func (c Config) WriteConfigFile(path string, now time.Time) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return err
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return err
	}
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(now.Format("2006-01-02 15:04:05.000000"))
	b.WriteString("\n\n")
	for _, name := range names {
		v := fields[name]
		if v == nil {
			v = ""
		}
		fmt.Fprintf(&b, "%s:  %v\n", name, v)
	}
	return os.WriteFile(path, []byte(b.String()), 0644)
}
