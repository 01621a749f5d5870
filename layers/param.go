package layers

import (
	"github.com/tsawler/go-qat/tensor"
)

// Param is a named model tensor. Trainable params carry a gradient of the
// same shape; buffers (running statistics) do not.
type Param struct {
	Name      string
	Value     *tensor.Tensor
	Grad      *tensor.Tensor
	Trainable bool
}

func newParam(name string, value *tensor.Tensor) *Param {
	return &Param{
		Name:      name,
		Value:     value,
		Grad:      tensor.MustZeros(value.Shape...),
		Trainable: true,
	}
}

func newBuffer(name string, value *tensor.Tensor) *Param {
	return &Param{
		Name:  name,
		Value: value,
	}
}

// ZeroGrad clears the gradient of every trainable param.
func ZeroGrad(params []*Param) {
	for _, p := range params {
		if p.Grad != nil {
			p.Grad.Zero()
		}
	}
}
