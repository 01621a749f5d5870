package layers

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/go-qat/tensor"
)

// Layer is an executable layer. Forward caches whatever Backward needs, so a
// Backward call always refers to the most recent training Forward.
type Layer interface {
	Name() string
	Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error)
	Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error)
	Params() []*Param
	Buffers() []*Param
}

// DenseLayer is a full-precision fully connected layer: y = x W^T + b.
type DenseLayer struct {
	name    string
	inSize  int
	outSize int
	weight  *Param
	bias    *Param

	input *tensor.Tensor
}

func newDenseLayer(spec LayerSpec, prefix string, rng *rand.Rand) (*DenseLayer, error) {
	inSize := getIntParam(spec.Parameters, "input_size", 0)
	outSize := getIntParam(spec.Parameters, "output_size", 0)
	if inSize <= 0 || outSize <= 0 {
		return nil, fmt.Errorf("dense layer %s: invalid sizes %dx%d", spec.Name, outSize, inSize)
	}

	w, err := tensor.KaimingUniform([]int{outSize, inSize}, inSize, rng)
	if err != nil {
		return nil, err
	}

	l := &DenseLayer{
		name:    spec.Name,
		inSize:  inSize,
		outSize: outSize,
		weight:  newParam(prefix+spec.Name+".weight", w),
	}
	if getBoolParam(spec.Parameters, "use_bias", true) {
		l.bias = newParam(prefix+spec.Name+".bias", tensor.MustZeros(outSize))
	}
	return l, nil
}

func (l *DenseLayer) Name() string { return l.name }

func (l *DenseLayer) Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	if len(x.Shape) != 2 || x.Shape[1] != l.inSize {
		return nil, fmt.Errorf("dense layer %s: expected [N, %d] input, got %v", l.name, l.inSize, x.Shape)
	}
	n := x.Shape[0]
	out := tensor.MustZeros(n, l.outSize)
	tensor.Gemm(out.Data, x.Data, l.weight.Value.Data, n, l.inSize, l.outSize, false, true, false)
	if l.bias != nil {
		for i := 0; i < n; i++ {
			row := out.Data[i*l.outSize : (i+1)*l.outSize]
			for j := range row {
				row[j] += l.bias.Value.Data[j]
			}
		}
	}
	if training {
		l.input = x
	}
	return out, nil
}

func (l *DenseLayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if l.input == nil {
		return nil, fmt.Errorf("dense layer %s: backward without a training forward", l.name)
	}
	n := l.input.Shape[0]

	// dW += dY^T X
	tensor.Gemm(l.weight.Grad.Data, gradOut.Data, l.input.Data, l.outSize, n, l.inSize, true, false, true)
	if l.bias != nil {
		for i := 0; i < n; i++ {
			row := gradOut.Data[i*l.outSize : (i+1)*l.outSize]
			for j, g := range row {
				l.bias.Grad.Data[j] += g
			}
		}
	}

	gradIn := tensor.MustZeros(n, l.inSize)
	tensor.Gemm(gradIn.Data, gradOut.Data, l.weight.Value.Data, n, l.outSize, l.inSize, false, false, false)
	l.input = nil
	return gradIn, nil
}

func (l *DenseLayer) Params() []*Param {
	if l.bias == nil {
		return []*Param{l.weight}
	}
	return []*Param{l.weight, l.bias}
}

func (l *DenseLayer) Buffers() []*Param { return nil }
