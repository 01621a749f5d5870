package checkpoints

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/tsawler/go-qat/tensor"
)

var (
	// ErrCheckpointNotFound is returned when no checkpoint exists at a path.
	ErrCheckpointNotFound = errors.New("checkpoints: checkpoint not found")

	// ErrInvalidCheckpoint is returned when a checkpoint cannot be decoded or
	// does not match the live model.
	ErrInvalidCheckpoint = errors.New("checkpoints: invalid checkpoint")
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatProto
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatProto:
		return "Proto"
	default:
		return "Unknown"
	}
}

// Extension returns the file extension used for the format, without the dot.
func (cf CheckpointFormat) Extension() string {
	switch cf {
	case FormatProto:
		return "pb"
	default:
		return "json"
	}
}

// ParseFormat maps a flag value ("json" or "proto") to a format.
func ParseFormat(s string) (CheckpointFormat, error) {
	switch strings.ToLower(s) {
	case "json":
		return FormatJSON, nil
	case "proto", "pb", "protobuf":
		return FormatProto, nil
	default:
		return FormatJSON, fmt.Errorf("unknown checkpoint format %q", s)
	}
}

// FormatFromPath detects the format from a file extension.
func FormatFromPath(path string) (CheckpointFormat, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".pb":
		return FormatProto, nil
	default:
		return FormatJSON, fmt.Errorf("%w: unrecognized extension in %s", ErrInvalidCheckpoint, path)
	}
}

// Checkpoint is the complete persisted training state: model weights,
// optimizer and scheduler state, epoch counter and best-so-far tracking.
type Checkpoint struct {
	// ModelTag is the registry identifier the weights belong to.
	ModelTag string         `json:"model"`
	Weights  []WeightTensor `json:"weights"`

	TrainingState TrainingState `json:"training_state"`

	OptimizerState *OptimizerState `json:"optimizer_state,omitempty"`
	SchedulerState *SchedulerState `json:"scheduler_state,omitempty"`

	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "weight", "bias", "clip"
}

// TrainingState captures the training progress. Epoch is the last completed
// epoch, so a resumed run starts at Epoch+1.
type TrainingState struct {
	Epoch        int     `json:"epoch"`
	BestMetric   float64 `json:"best_metric"`
	BestEpoch    int     `json:"best_epoch"`
	BestLoss     float64 `json:"best_loss"`
	LearningRate float64 `json:"learning_rate"`
	Tau          float64 `json:"tau"`
}

// OptimizerState captures optimizer-specific state (momentum, variance, etc.)
type OptimizerState struct {
	Type       string             `json:"type"` // "SGD", "Adam"
	Parameters map[string]float64 `json:"parameters"`
	StateData  []OptimizerTensor  `json:"state_data"`
}

// OptimizerTensor represents optimizer state tensors (momentum, variance, etc.)
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"` // "momentum", "m", "v"
}

// SchedulerState captures a learning-rate scheduler's position.
type SchedulerState struct {
	Type       string             `json:"type"`
	LastEpoch  int                `json:"last_epoch"`
	BaseLR     float64            `json:"base_lr"`
	Parameters map[string]float64 `json:"parameters,omitempty"`
	Milestones []int              `json:"milestones,omitempty"`
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

const (
	frameworkName    = "go-qat"
	frameworkVersion = "1.0.0"
)

func (c *Checkpoint) fillMetadata() {
	if c.Metadata.Framework == "" {
		c.Metadata.Framework = frameworkName
		c.Metadata.Version = frameworkVersion
	}
	if c.Metadata.CreatedAt.IsZero() {
		c.Metadata.CreatedAt = time.Now().UTC()
	}
}

// WeightsFromStateDict flattens a state dict into weight records sorted by
// name.
func WeightsFromStateDict(state map[string]*tensor.Tensor) []WeightTensor {
	names := make([]string, 0, len(state))
	for name := range state {
		names = append(names, name)
	}
	sort.Strings(names)

	weights := make([]WeightTensor, 0, len(names))
	for _, name := range names {
		t := state[name]
		layer, kind := name, ""
		if i := strings.LastIndex(name, "."); i >= 0 {
			layer, kind = name[:i], name[i+1:]
		}
		data := make([]float32, len(t.Data))
		copy(data, t.Data)
		weights = append(weights, WeightTensor{
			Name:  name,
			Shape: append([]int(nil), t.Shape...),
			Data:  data,
			Layer: layer,
			Type:  kind,
		})
	}
	return weights
}

// StateDict rebuilds the named tensors stored in the checkpoint.
func (c *Checkpoint) StateDict() (map[string]*tensor.Tensor, error) {
	state := make(map[string]*tensor.Tensor, len(c.Weights))
	for _, w := range c.Weights {
		if _, dup := state[w.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate weight %s", ErrInvalidCheckpoint, w.Name)
		}
		data := make([]float32, len(w.Data))
		copy(data, w.Data)
		t, err := tensor.New(w.Shape, data)
		if err != nil {
			return nil, fmt.Errorf("%w: weight %s: %v", ErrInvalidCheckpoint, w.Name, err)
		}
		state[w.Name] = t
	}
	return state, nil
}

// encodeJSON encodes a checkpoint as indented JSON.
func encodeJSON(c *Checkpoint) ([]byte, error) {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	return append(data, '\n'), nil
}

// decodeJSON decodes a checkpoint produced by encodeJSON.
func decodeJSON(data []byte) (*Checkpoint, error) {
	var c Checkpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: failed to decode checkpoint: %v", ErrInvalidCheckpoint, err)
	}
	return &c, nil
}

// Encode serializes a checkpoint in the given format.
func Encode(c *Checkpoint, format CheckpointFormat) ([]byte, error) {
	c.fillMetadata()
	switch format {
	case FormatJSON:
		return encodeJSON(c)
	case FormatProto:
		return encodeProto(c)
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", format)
	}
}

// Decode parses a checkpoint in the given format.
func Decode(data []byte, format CheckpointFormat) (*Checkpoint, error) {
	switch format {
	case FormatJSON:
		return decodeJSON(data)
	case FormatProto:
		return decodeProto(data)
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", format)
	}
}
