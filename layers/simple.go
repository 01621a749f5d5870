package layers

import (
	"fmt"

	"github.com/tsawler/go-qat/tensor"
)

// ReLULayer applies max(0, x).
type ReLULayer struct {
	name string
	mask []bool
}

func (l *ReLULayer) Name() string { return l.name }

func (l *ReLULayer) Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	out := x.Clone()
	var mask []bool
	if training {
		mask = make([]bool, len(out.Data))
	}
	for i, v := range out.Data {
		if v > 0 {
			if mask != nil {
				mask[i] = true
			}
		} else {
			out.Data[i] = 0
		}
	}
	l.mask = mask
	return out, nil
}

func (l *ReLULayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if l.mask == nil {
		return nil, fmt.Errorf("relu %s: backward without a training forward", l.name)
	}
	gradIn := gradOut.Clone()
	for i, keep := range l.mask {
		if !keep {
			gradIn.Data[i] = 0
		}
	}
	l.mask = nil
	return gradIn, nil
}

func (l *ReLULayer) Params() []*Param  { return nil }
func (l *ReLULayer) Buffers() []*Param { return nil }

// AvgPool2DLayer averages non-overlapping k x k windows.
type AvgPool2DLayer struct {
	name    string
	k       int
	inShape []int
}

func (l *AvgPool2DLayer) Name() string { return l.name }

func (l *AvgPool2DLayer) Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	if len(x.Shape) != 4 || x.Shape[2]%l.k != 0 || x.Shape[3]%l.k != 0 {
		return nil, fmt.Errorf("avgpool %s: input %v not divisible by %d", l.name, x.Shape, l.k)
	}
	n, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	oh, ow := h/l.k, w/l.k
	out := tensor.MustZeros(n, c, oh, ow)
	scale := 1 / float32(l.k*l.k)

	for nc := 0; nc < n*c; nc++ {
		src := x.Data[nc*h*w : (nc+1)*h*w]
		dst := out.Data[nc*oh*ow : (nc+1)*oh*ow]
		for y := 0; y < h; y++ {
			for xx := 0; xx < w; xx++ {
				dst[(y/l.k)*ow+xx/l.k] += src[y*w+xx] * scale
			}
		}
	}
	if training {
		l.inShape = append([]int(nil), x.Shape...)
	}
	return out, nil
}

func (l *AvgPool2DLayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if l.inShape == nil {
		return nil, fmt.Errorf("avgpool %s: backward without a training forward", l.name)
	}
	n, c, h, w := l.inShape[0], l.inShape[1], l.inShape[2], l.inShape[3]
	oh, ow := h/l.k, w/l.k
	gradIn := tensor.MustZeros(l.inShape...)
	scale := 1 / float32(l.k*l.k)

	for nc := 0; nc < n*c; nc++ {
		src := gradOut.Data[nc*oh*ow : (nc+1)*oh*ow]
		dst := gradIn.Data[nc*h*w : (nc+1)*h*w]
		for y := 0; y < h; y++ {
			for xx := 0; xx < w; xx++ {
				dst[y*w+xx] = src[(y/l.k)*ow+xx/l.k] * scale
			}
		}
	}
	l.inShape = nil
	return gradIn, nil
}

func (l *AvgPool2DLayer) Params() []*Param  { return nil }
func (l *AvgPool2DLayer) Buffers() []*Param { return nil }

// FlattenLayer reshapes [N, ...] to [N, prod(...)].
type FlattenLayer struct {
	name    string
	inShape []int
}

func (l *FlattenLayer) Name() string { return l.name }

func (l *FlattenLayer) Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	if training {
		l.inShape = append([]int(nil), x.Shape...)
	}
	return x.Reshape([]int{x.BatchSize(), x.SampleSize()})
}

func (l *FlattenLayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if l.inShape == nil {
		return nil, fmt.Errorf("flatten %s: backward without a training forward", l.name)
	}
	shape := l.inShape
	l.inShape = nil
	return gradOut.Reshape(shape)
}

func (l *FlattenLayer) Params() []*Param  { return nil }
func (l *FlattenLayer) Buffers() []*Param { return nil }
