// Package models maps architecture identifiers to model constructors.
package models

import (
	"errors"
	"fmt"
	"sort"

	"github.com/tsawler/go-qat/layers"
)

// ErrUnknownModel is returned for an identifier with no registered
// constructor.
var ErrUnknownModel = errors.New("models: unknown model")

// Options configures a model instance.
type Options struct {
	NumClasses int
	// InputShape is [channels, height, width].
	InputShape []int
	Replicas   int
	Seed       int64
}

// SpecFunc describes an architecture for the given input and class count.
type SpecFunc func(inputShape []int, numClasses int) *layers.ModelBuilder

var registry = map[string]SpecFunc{
	"qconvnet":       qconvnet,
	"qconvnet_small": qconvnetSmall,
	"qmlp":           qmlp,
}

// Names returns the registered identifiers in sorted order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Exists reports whether id is registered.
func Exists(id string) bool {
	_, ok := registry[id]
	return ok
}

// Spec compiles the architecture registered under id.
func Spec(id string, opts Options) (*layers.ModelSpec, error) {
	fn, ok := registry[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %v)", ErrUnknownModel, id, Names())
	}
	if len(opts.InputShape) != 3 {
		return nil, fmt.Errorf("input shape must be [channels, height, width], got %v", opts.InputShape)
	}
	if opts.NumClasses < 2 {
		return nil, fmt.Errorf("need at least 2 classes, got %d", opts.NumClasses)
	}
	return fn(opts.InputShape, opts.NumClasses).Compile()
}

// New builds the model registered under id.
func New(id string, opts Options) (*layers.Sequential, error) {
	spec, err := Spec(id, opts)
	if err != nil {
		return nil, err
	}
	return layers.Build(spec, layers.BuildOptions{Seed: opts.Seed, Replicas: opts.Replicas})
}

func batchShape(inputShape []int) []int {
	return append([]int{1}, inputShape...)
}

// qconvnet is a three-stage quantized convnet for 32x32 inputs. The first
// convolution sees full-precision pixels.
func qconvnet(inputShape []int, numClasses int) *layers.ModelBuilder {
	return layers.NewModelBuilder(batchShape(inputShape)).
		AddQuantConv2D(32, 3, 1, 1, false, "conv1").
		AddReLU("relu1").
		AddAvgPool2D(2, "pool1").
		AddQuantConv2D(64, 3, 1, 1, true, "conv2").
		AddReLU("relu2").
		AddAvgPool2D(2, "pool2").
		AddQuantConv2D(128, 3, 1, 1, true, "conv3").
		AddReLU("relu3").
		AddAvgPool2D(2, "pool3").
		AddFlatten("flatten").
		AddDense(numClasses, true, "fc")
}

func qconvnetSmall(inputShape []int, numClasses int) *layers.ModelBuilder {
	return layers.NewModelBuilder(batchShape(inputShape)).
		AddQuantConv2D(8, 3, 1, 1, false, "conv1").
		AddReLU("relu1").
		AddAvgPool2D(2, "pool1").
		AddQuantConv2D(16, 3, 1, 1, true, "conv2").
		AddReLU("relu2").
		AddFlatten("flatten").
		AddDense(numClasses, true, "fc")
}

// qmlp mixes channels with a single 1x1 quantized convolution before a dense
// head. It works on any spatial size.
func qmlp(inputShape []int, numClasses int) *layers.ModelBuilder {
	return layers.NewModelBuilder(batchShape(inputShape)).
		AddQuantConv2D(8, 1, 1, 0, false, "mix").
		AddReLU("relu").
		AddFlatten("flatten").
		AddDense(numClasses, true, "fc")
}
