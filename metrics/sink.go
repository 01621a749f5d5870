// Package metrics records scalar training metrics keyed by name and step.
package metrics

import (
	"errors"
	"sync"
)

// Sink accepts (name, value, step) triples, e.g. "train/Loss" at epoch 3.
type Sink interface {
	AddScalar(name string, value float64, step int) error
	Close() error
}

// Scalar is one recorded value.
type Scalar struct {
	Name  string
	Step  int
	Value float64
}

// MemorySink keeps every scalar in memory.
type MemorySink struct {
	mu      sync.Mutex
	scalars []Scalar
	closed  bool
}

func NewMemorySink() *MemorySink { return &MemorySink{} }

func (s *MemorySink) AddScalar(name string, value float64, step int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.scalars = append(s.scalars, Scalar{Name: name, Step: step, Value: value})
	return nil
}

// Scalars returns the values recorded under name in insertion order.
func (s *MemorySink) Scalars(name string) []Scalar {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Scalar
	for _, sc := range s.scalars {
		if sc.Name == name {
			out = append(out, sc)
		}
	}
	return out
}

// All returns a copy of everything recorded.
func (s *MemorySink) All() []Scalar {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Scalar(nil), s.scalars...)
}

func (s *MemorySink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// ErrClosed is returned when writing to a closed sink.
var ErrClosed = errors.New("metrics: sink closed")

// Multi fans every scalar out to several sinks. All sinks are written even
// if one fails; the errors are joined.
type Multi []Sink

func (m Multi) AddScalar(name string, value float64, step int) error {
	var errs []error
	for _, s := range m {
		if err := s.AddScalar(name, value, step); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every scalar.
var Discard Sink = discard{}

type discard struct{}

func (discard) AddScalar(string, float64, int) error { return nil }
func (discard) Close() error                         { return nil }
