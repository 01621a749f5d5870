package training

import (
	"context"
	"fmt"
	"io"

	"github.com/tsawler/go-qat/layers"
	"github.com/tsawler/go-qat/tensor"
)

// fakeQuant records every phase it is given.
type fakeQuant struct {
	name   string
	tau    float64
	phase  int
	phases []int
}

func (q *fakeQuant) Name() string       { return q.name }
func (q *fakeQuant) SetTau(tau float64) { q.tau = tau }
func (q *fakeQuant) Tau() float64       { return q.tau }
func (q *fakeQuant) Phase() int         { return q.phase }
func (q *fakeQuant) SetPhase(phase int) {
	q.phase = phase
	q.phases = append(q.phases, phase)
}

// identityModel returns its [N, C] input plus a learned scalar bias, so the
// inputs of a batch decide its predictions.
type identityModel struct {
	bias   *layers.Param
	quant  *fakeQuant
	seen   []int // quant phase at every training forward
	input  *tensor.Tensor
	failOn bool
}

func newIdentityModel() *identityModel {
	return &identityModel{
		bias: &layers.Param{
			Name:      "bias",
			Value:     tensor.MustZeros(1),
			Grad:      tensor.MustZeros(1),
			Trainable: true,
		},
		quant: &fakeQuant{name: "q"},
	}
}

func (m *identityModel) Forward(x *tensor.Tensor, training bool) ([]*tensor.Tensor, error) {
	if m.failOn {
		return nil, fmt.Errorf("forward failed")
	}
	if training {
		m.seen = append(m.seen, m.quant.phase)
	}
	out := x.Clone()
	for i := range out.Data {
		out.Data[i] += m.bias.Value.Data[0]
	}
	return []*tensor.Tensor{out}, nil
}

func (m *identityModel) Backward(grad *tensor.Tensor) error {
	var sum float32
	for _, g := range grad.Data {
		sum += g
	}
	m.bias.Grad.Data[0] += sum
	return nil
}

func (m *identityModel) Parameters() []*layers.Param      { return []*layers.Param{m.bias} }
func (m *identityModel) QuantLayers() []layers.QuantLayer { return []layers.QuantLayer{m.quant} }
func (m *identityModel) Spec() *layers.ModelSpec          { return &layers.ModelSpec{TotalParameters: 1} }
func (m *identityModel) Replicated() bool                 { return false }

func (m *identityModel) StateDict() map[string]*tensor.Tensor {
	return map[string]*tensor.Tensor{"bias": m.bias.Value.Clone()}
}

func (m *identityModel) LoadStateDict(state map[string]*tensor.Tensor) error {
	t, ok := state["bias"]
	if !ok || len(state) != 1 {
		return fmt.Errorf("state dict must hold exactly bias")
	}
	return m.bias.Value.CopyFrom(t)
}

// scriptedBatch returns n samples over classes whose first correct samples
// are one-hot at their label and the rest one-hot at the next class.
func scriptedBatch(n, classes, correct int) *Batch {
	inputs := tensor.MustZeros(n, classes)
	labels := make([]int, n)
	for i := 0; i < n; i++ {
		labels[i] = i % classes
		hot := labels[i]
		if i >= correct {
			hot = (hot + 1) % classes
		}
		inputs.Data[i*classes+hot] = 1
	}
	return &Batch{Inputs: inputs, Labels: labels}
}

// sliceSource serves fixed batches per epoch and counts calls.
type sliceSource struct {
	batches func(epoch int) []*Batch
	calls   []int
	err     error // returned by Batches
	failAt  int   // Next fails at this index when >= 0
}

func newSliceSource(fn func(epoch int) []*Batch) *sliceSource {
	return &sliceSource{batches: fn, failAt: -1}
}

func (s *sliceSource) Len() int { return len(s.batches(0)) }

func (s *sliceSource) Batches(_ context.Context, epoch int) (BatchIterator, error) {
	s.calls = append(s.calls, epoch)
	if s.err != nil {
		return nil, s.err
	}
	return &sliceIterator{batches: s.batches(epoch), failAt: s.failAt}, nil
}

type sliceIterator struct {
	batches []*Batch
	i       int
	failAt  int
	closed  bool
}

func (it *sliceIterator) Next() (*Batch, error) {
	if it.i == it.failAt {
		return nil, fmt.Errorf("corrupt batch")
	}
	if it.i >= len(it.batches) {
		return nil, io.EOF
	}
	b := it.batches[it.i]
	it.i++
	return b, nil
}

func (it *sliceIterator) Close() error {
	it.closed = true
	return nil
}
