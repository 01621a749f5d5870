package layers

import (
	"fmt"
	"math/rand"
	"sort"
	"strings"

	"github.com/tsawler/go-qat/tensor"
)

// ReplicaPrefix wraps every parameter name of a model built for a replicated
// topology.
const ReplicaPrefix = "module."

// Model is the executable network driven by the training loop.
type Model interface {
	// Forward returns the model outputs; the first one is the primary output.
	Forward(x *tensor.Tensor, training bool) ([]*tensor.Tensor, error)
	// Backward propagates the gradient of the primary output and accumulates
	// parameter gradients.
	Backward(gradOut *tensor.Tensor) error
	Parameters() []*Param
	QuantLayers() []QuantLayer
	StateDict() map[string]*tensor.Tensor
	LoadStateDict(state map[string]*tensor.Tensor) error
	Spec() *ModelSpec
	Replicated() bool
}

// BuildOptions controls how a compiled spec is instantiated.
type BuildOptions struct {
	Seed     int64
	Replicas int
}

// Sequential runs its layers in order.
type Sequential struct {
	spec     *ModelSpec
	layers   []Layer
	replicas int
}

// Build instantiates a compiled spec. Weight initialization is driven by
// opts.Seed only, so equal seeds give identical models.
func Build(spec *ModelSpec, opts BuildOptions) (*Sequential, error) {
	if spec == nil || !spec.Compiled {
		return nil, fmt.Errorf("model spec must be compiled before building")
	}
	replicas := opts.Replicas
	if replicas < 1 {
		replicas = 1
	}
	prefix := ""
	if replicas > 1 {
		prefix = ReplicaPrefix
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	m := &Sequential{spec: spec, replicas: replicas}

	for _, ls := range spec.Layers {
		var (
			layer Layer
			err   error
		)
		switch ls.Type {
		case Dense:
			layer, err = newDenseLayer(ls, prefix, rng)
		case QuantConv2D:
			layer, err = newQuantConv2DLayer(ls, prefix, replicas, rng)
		case ReLU:
			layer = &ReLULayer{name: ls.Name}
		case AvgPool2D:
			layer = &AvgPool2DLayer{name: ls.Name, k: getIntParam(ls.Parameters, "kernel_size", 2)}
		case Flatten:
			layer = &FlattenLayer{name: ls.Name}
		default:
			err = fmt.Errorf("unsupported layer type: %s", ls.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to build layer %s: %w", ls.Name, err)
		}
		m.layers = append(m.layers, layer)
	}
	return m, nil
}

func (m *Sequential) Spec() *ModelSpec { return m.spec }

// Replicated reports whether parameter names carry ReplicaPrefix.
func (m *Sequential) Replicated() bool { return m.replicas > 1 }

// Layers returns the executable layers in order.
func (m *Sequential) Layers() []Layer { return m.layers }

func (m *Sequential) Forward(x *tensor.Tensor, training bool) ([]*tensor.Tensor, error) {
	out := x
	for _, l := range m.layers {
		var err error
		out, err = l.Forward(out, training)
		if err != nil {
			return nil, err
		}
	}
	return []*tensor.Tensor{out}, nil
}

func (m *Sequential) Backward(gradOut *tensor.Tensor) error {
	g := gradOut
	for i := len(m.layers) - 1; i >= 0; i-- {
		var err error
		g, err = m.layers[i].Backward(g)
		if err != nil {
			return err
		}
	}
	return nil
}

// Parameters returns the trainable params in layer order.
func (m *Sequential) Parameters() []*Param {
	var params []*Param
	for _, l := range m.layers {
		params = append(params, l.Params()...)
	}
	return params
}

// QuantLayers returns every quantization-capable layer in layer order.
func (m *Sequential) QuantLayers() []QuantLayer {
	var qs []QuantLayer
	for _, l := range m.layers {
		if q, ok := l.(QuantLayer); ok {
			qs = append(qs, q)
		}
	}
	return qs
}

func (m *Sequential) named() []*Param {
	var all []*Param
	for _, l := range m.layers {
		all = append(all, l.Params()...)
		all = append(all, l.Buffers()...)
	}
	return all
}

// StateDict returns copies of every param and buffer keyed by name.
func (m *Sequential) StateDict() map[string]*tensor.Tensor {
	state := make(map[string]*tensor.Tensor)
	for _, p := range m.named() {
		state[p.Name] = p.Value.Clone()
	}
	return state
}

// LoadStateDict copies state into the model. Keys must match the model's
// names exactly; missing, unexpected and mis-shaped entries are all errors.
func (m *Sequential) LoadStateDict(state map[string]*tensor.Tensor) error {
	params := m.named()
	want := make(map[string]bool, len(params))
	for _, p := range params {
		want[p.Name] = true
	}

	var unexpected []string
	for name := range state {
		if !want[name] {
			unexpected = append(unexpected, name)
		}
	}
	if len(unexpected) > 0 {
		sort.Strings(unexpected)
		return fmt.Errorf("unexpected keys in state dict: %s", strings.Join(unexpected, ", "))
	}

	for _, p := range params {
		src, ok := state[p.Name]
		if !ok {
			return fmt.Errorf("missing key in state dict: %s", p.Name)
		}
		if err := p.Value.CopyFrom(src); err != nil {
			return fmt.Errorf("param %s: %w", p.Name, err)
		}
	}
	return nil
}
