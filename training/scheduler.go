package training

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/tsawler/go-qat/checkpoints"
)

// LRScheduler defines the interface for learning rate scheduling strategies.
// Implementations are pure functions of the epoch; EpochScheduler carries the
// position.
type LRScheduler interface {
	// GetLR returns the learning rate for the current epoch/step
	GetLR(epoch int, step int, baseLR float64) float64

	// GetName returns the scheduler name for logging and checkpoints
	GetName() string
}

// MultiStepLRScheduler multiplies the learning rate by Gamma once each
// milestone epoch has been reached.
type MultiStepLRScheduler struct {
	Milestones []int   // Sorted epochs at which the LR decays
	Gamma      float64 // Multiplicative factor of LR decay
}

// NewMultiStepLRScheduler creates a multi-step scheduler. Milestones are
// copied and sorted.
func NewMultiStepLRScheduler(milestones []int, gamma float64) *MultiStepLRScheduler {
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.1 // Default: reduce by 10x
	}
	ms := append([]int(nil), milestones...)
	sort.Ints(ms)
	return &MultiStepLRScheduler{
		Milestones: ms,
		Gamma:      gamma,
	}
}

func (s *MultiStepLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	// Number of milestones <= epoch
	times := sort.Search(len(s.Milestones), func(i int) bool { return s.Milestones[i] > epoch })
	return baseLR * math.Pow(s.Gamma, float64(times))
}

func (s *MultiStepLRScheduler) GetName() string {
	return "MultiStepLR"
}

// ExponentialLRScheduler decays learning rate exponentially
type ExponentialLRScheduler struct {
	Gamma float64 // Multiplicative factor of LR decay per epoch
}

// NewExponentialLRScheduler creates an exponential learning rate scheduler
func NewExponentialLRScheduler(gamma float64) *ExponentialLRScheduler {
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.95 // Default: 5% reduction per epoch
	}
	return &ExponentialLRScheduler{
		Gamma: gamma,
	}
}

func (s *ExponentialLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch))
}

func (s *ExponentialLRScheduler) GetName() string {
	return "ExponentialLR"
}

// CosineAnnealingLRScheduler implements cosine annealing schedule
type CosineAnnealingLRScheduler struct {
	TMax   int     // Maximum number of epochs
	EtaMin float64 // Minimum learning rate
}

// NewCosineAnnealingLRScheduler creates a cosine annealing scheduler
func NewCosineAnnealingLRScheduler(tMax int, etaMin float64) *CosineAnnealingLRScheduler {
	if tMax <= 0 {
		tMax = 1
	}
	if etaMin < 0 {
		etaMin = 0 // Default: anneal to 0
	}
	return &CosineAnnealingLRScheduler{
		TMax:   tMax,
		EtaMin: etaMin,
	}
}

func (s *CosineAnnealingLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	if epoch >= s.TMax {
		return s.EtaMin
	}

	return s.EtaMin + (baseLR-s.EtaMin)*(1+math.Cos(math.Pi*float64(epoch)/float64(s.TMax)))/2
}

func (s *CosineAnnealingLRScheduler) GetName() string {
	return "CosineAnnealingLR"
}

// NoOpScheduler maintains constant learning rate
type NoOpScheduler struct{}

func (s *NoOpScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR
}

func (s *NoOpScheduler) GetName() string {
	return "ConstantLR"
}

// EpochScheduler steps an LRScheduler once per epoch. It starts at position
// 0, where LR() is the base learning rate.
type EpochScheduler struct {
	scheduler LRScheduler
	baseLR    float64
	lastEpoch int
}

// NewEpochScheduler wraps scheduler at position 0.
func NewEpochScheduler(scheduler LRScheduler, baseLR float64) *EpochScheduler {
	return &EpochScheduler{scheduler: scheduler, baseLR: baseLR}
}

// NewScheduler builds the epoch scheduler selected by kind:
//
//	cos   cosine annealing to 0 over epochs-stepDelay steps
//	step  x0.1 at every milestone
//	exp   x0.95 per step
//	const no decay
func NewScheduler(kind string, baseLR float64, epochs, stepDelay int, milestones []int) (*EpochScheduler, error) {
	var s LRScheduler
	switch strings.ToLower(kind) {
	case "cos":
		s = NewCosineAnnealingLRScheduler(epochs-stepDelay, 0)
	case "step":
		s = NewMultiStepLRScheduler(milestones, 0.1)
	case "exp":
		s = NewExponentialLRScheduler(0.95)
	case "const":
		s = &NoOpScheduler{}
	default:
		return nil, fmt.Errorf("%w: unknown lr schedule %q", ErrInvalidConfig, kind)
	}
	return NewEpochScheduler(s, baseLR), nil
}

// Step advances the schedule by one epoch.
func (es *EpochScheduler) Step() {
	es.lastEpoch++
}

// LR returns the learning rate at the current position.
func (es *EpochScheduler) LR() float64 {
	return es.scheduler.GetLR(es.lastEpoch, 0, es.baseLR)
}

// LastEpoch returns the number of Step calls since position 0.
func (es *EpochScheduler) LastEpoch() int { return es.lastEpoch }

func (es *EpochScheduler) Name() string { return es.scheduler.GetName() }

// State exports the schedule position and hyperparameters for checkpointing.
func (es *EpochScheduler) State() *checkpoints.SchedulerState {
	state := &checkpoints.SchedulerState{
		Type:       es.scheduler.GetName(),
		LastEpoch:  es.lastEpoch,
		BaseLR:     es.baseLR,
		Parameters: map[string]float64{},
	}
	switch s := es.scheduler.(type) {
	case *CosineAnnealingLRScheduler:
		state.Parameters["t_max"] = float64(s.TMax)
		state.Parameters["eta_min"] = s.EtaMin
	case *MultiStepLRScheduler:
		state.Parameters["gamma"] = s.Gamma
		state.Milestones = append([]int(nil), s.Milestones...)
	case *ExponentialLRScheduler:
		state.Parameters["gamma"] = s.Gamma
	}
	return state
}

// LoadState restores a state produced by State on a scheduler of the same
// type.
func (es *EpochScheduler) LoadState(state *checkpoints.SchedulerState) error {
	if state == nil {
		return fmt.Errorf("scheduler state is nil")
	}
	if state.Type != es.scheduler.GetName() {
		return fmt.Errorf("scheduler type mismatch: expected %s, got %s", es.scheduler.GetName(), state.Type)
	}
	if state.LastEpoch < 0 {
		return fmt.Errorf("invalid scheduler position %d", state.LastEpoch)
	}

	switch s := es.scheduler.(type) {
	case *CosineAnnealingLRScheduler:
		if v, ok := state.Parameters["t_max"]; ok {
			s.TMax = int(v)
		}
		if v, ok := state.Parameters["eta_min"]; ok {
			s.EtaMin = v
		}
	case *MultiStepLRScheduler:
		if v, ok := state.Parameters["gamma"]; ok {
			s.Gamma = v
		}
		if state.Milestones != nil {
			s.Milestones = append([]int(nil), state.Milestones...)
		}
	case *ExponentialLRScheduler:
		if v, ok := state.Parameters["gamma"]; ok {
			s.Gamma = v
		}
	}
	es.lastEpoch = state.LastEpoch
	es.baseLR = state.BaseLR
	return nil
}
