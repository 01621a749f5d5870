package layers

import (
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/tsawler/go-qat/tensor"
)

// QuantConv2DLayer is a convolution whose weights are clipped at the
// tau-quantile of |w| and binarized to alpha*sign per output channel. The
// input may be binarized with sign(x) as well. Gradients pass straight
// through the quantizers inside the clip range.
//
// A training forward recomputes the clip bound while the phase is
// non-negative. Once the phase is MidEpochPhase the bound moves as an
// exponential average instead. Evaluation uses the stored bound.
type QuantConv2DLayer struct {
	name          string
	inChannels    int
	outChannels   int
	kernelSize    int
	stride        int
	padding       int
	binarizeInput bool
	shards        int

	weight *Param
	clip   *Param

	tau   float64
	phase int

	// Cached by a training forward.
	input  *tensor.Tensor
	wq     []float32
	bound  float32
	outH   int
	outW   int
	inH    int
	inW    int
	colLen int
}

func newQuantConv2DLayer(spec LayerSpec, prefix string, shards int, rng *rand.Rand) (*QuantConv2DLayer, error) {
	inCh := getIntParam(spec.Parameters, "input_channels", 0)
	outCh := getIntParam(spec.Parameters, "output_channels", 0)
	k := getIntParam(spec.Parameters, "kernel_size", 0)
	if inCh <= 0 || outCh <= 0 || k <= 0 {
		return nil, fmt.Errorf("quant conv %s: invalid geometry", spec.Name)
	}
	if shards < 1 {
		shards = 1
	}

	w, err := tensor.KaimingUniform([]int{outCh, inCh, k, k}, inCh*k*k, rng)
	if err != nil {
		return nil, err
	}

	return &QuantConv2DLayer{
		name:          spec.Name,
		inChannels:    inCh,
		outChannels:   outCh,
		kernelSize:    k,
		stride:        getIntParam(spec.Parameters, "stride", 1),
		padding:       getIntParam(spec.Parameters, "padding", 0),
		binarizeInput: getBoolParam(spec.Parameters, "binarize_input", true),
		shards:        shards,
		weight:        newParam(prefix+spec.Name+".weight", w),
		clip:          newBuffer(prefix+spec.Name+".clip", tensor.MustZeros(1)),
		tau:           1,
	}, nil
}

func (l *QuantConv2DLayer) Name() string       { return l.name }
func (l *QuantConv2DLayer) SetTau(tau float64) { l.tau = tau }
func (l *QuantConv2DLayer) Tau() float64       { return l.tau }
func (l *QuantConv2DLayer) SetPhase(phase int) { l.phase = phase }
func (l *QuantConv2DLayer) Phase() int         { return l.phase }
func (l *QuantConv2DLayer) Params() []*Param   { return []*Param{l.weight} }
func (l *QuantConv2DLayer) Buffers() []*Param  { return []*Param{l.clip} }
func (l *QuantConv2DLayer) ClipBound() float32 { return l.clip.Value.Data[0] }

// clipBound returns the bound for this pass, updating the stored one during
// training.
func (l *QuantConv2DLayer) clipBound(training bool) float32 {
	stored := l.clip.Value.Data[0]
	if !training {
		if stored > 0 {
			return stored
		}
		return absQuantile(l.weight.Value.Data, l.tau)
	}

	q := absQuantile(l.weight.Value.Data, l.tau)
	if l.phase == MidEpochPhase && stored > 0 {
		q = clipMomentum*stored + (1-clipMomentum)*q
	}
	l.clip.Value.Data[0] = q
	return q
}

// quantizeWeights returns alpha_o * sign(clamp(w, -q, q)) for every output
// channel o, with alpha_o the mean magnitude of the clamped channel.
func (l *QuantConv2DLayer) quantizeWeights(q float32) []float32 {
	w := l.weight.Value.Data
	out := make([]float32, len(w))
	per := len(w) / l.outChannels
	for o := 0; o < l.outChannels; o++ {
		ch := w[o*per : (o+1)*per]
		var sum float64
		for _, v := range ch {
			sum += math.Abs(float64(clamp(v, q)))
		}
		alpha := float32(sum / float64(per))
		dst := out[o*per : (o+1)*per]
		for i, v := range ch {
			dst[i] = alpha * sign(clamp(v, q))
		}
	}
	return out
}

func clamp(v, q float32) float32 {
	if v > q {
		return q
	}
	if v < -q {
		return -q
	}
	return v
}

func (l *QuantConv2DLayer) Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	if len(x.Shape) != 4 || x.Shape[1] != l.inChannels {
		return nil, fmt.Errorf("quant conv %s: expected [N, %d, H, W] input, got %v", l.name, l.inChannels, x.Shape)
	}
	n, h, w := x.Shape[0], x.Shape[2], x.Shape[3]
	outH := (h+2*l.padding-l.kernelSize)/l.stride + 1
	outW := (w+2*l.padding-l.kernelSize)/l.stride + 1
	if outH <= 0 || outW <= 0 {
		return nil, fmt.Errorf("quant conv %s: kernel does not fit input %dx%d", l.name, h, w)
	}

	q := l.clipBound(training)
	wq := l.quantizeWeights(q)
	colLen := l.inChannels * l.kernelSize * l.kernelSize
	hw := outH * outW
	inSize := l.inChannels * h * w

	out := tensor.MustZeros(n, l.outChannels, outH, outW)
	l.parallel(n, func(_, lo, hi int) {
		col := make([]float32, colLen*hw)
		for s := lo; s < hi; s++ {
			l.im2col(col, x.Data[s*inSize:(s+1)*inSize], h, w, outH, outW)
			tensor.Gemm(out.Data[s*l.outChannels*hw:(s+1)*l.outChannels*hw], wq, col,
				l.outChannels, colLen, hw, false, false, false)
		}
	})

	if training {
		l.input = x
		l.wq = wq
		l.bound = q
		l.outH, l.outW, l.inH, l.inW = outH, outW, h, w
		l.colLen = colLen
	}
	return out, nil
}

func (l *QuantConv2DLayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if l.input == nil {
		return nil, fmt.Errorf("quant conv %s: backward without a training forward", l.name)
	}
	x := l.input
	n := x.Shape[0]
	h, w := l.inH, l.inW
	hw := l.outH * l.outW
	inSize := l.inChannels * h * w
	outSize := l.outChannels * hw

	if gradOut.Numel() != n*outSize {
		return nil, fmt.Errorf("quant conv %s: gradient shape %v does not match output", l.name, gradOut.Shape)
	}

	gradIn := tensor.MustZeros(x.Shape...)
	shards := l.shardCount(n)
	partial := make([][]float32, shards)
	for i := range partial {
		partial[i] = make([]float32, len(l.wq))
	}

	l.parallel(n, func(shard, lo, hi int) {
		col := make([]float32, l.colLen*hw)
		dcol := make([]float32, l.colLen*hw)
		for s := lo; s < hi; s++ {
			dy := gradOut.Data[s*outSize : (s+1)*outSize]
			l.im2col(col, x.Data[s*inSize:(s+1)*inSize], h, w, l.outH, l.outW)
			tensor.Gemm(partial[shard], dy, col, l.outChannels, hw, l.colLen, false, true, true)
			tensor.Gemm(dcol, l.wq, dy, l.colLen, l.outChannels, hw, true, false, false)
			l.col2im(gradIn.Data[s*inSize:(s+1)*inSize], dcol, h, w, l.outH, l.outW)
		}
	})

	// Shards are reduced in index order so the sum does not depend on
	// goroutine scheduling.
	wv := l.weight.Value.Data
	g := l.weight.Grad.Data
	for _, p := range partial {
		for i, v := range p {
			if float32(math.Abs(float64(wv[i]))) <= l.bound {
				g[i] += v
			}
		}
	}

	if l.binarizeInput {
		for i, v := range x.Data {
			if v > 1 || v < -1 {
				gradIn.Data[i] = 0
			}
		}
	}

	l.input = nil
	l.wq = nil
	return gradIn, nil
}

func (l *QuantConv2DLayer) shardCount(n int) int {
	if l.shards < n {
		return l.shards
	}
	if n < 1 {
		return 1
	}
	return n
}

// parallel splits [0, n) into contiguous shards and runs fn for each on its
// own goroutine.
func (l *QuantConv2DLayer) parallel(n int, fn func(shard, lo, hi int)) {
	shards := l.shardCount(n)
	if shards == 1 {
		fn(0, 0, n)
		return
	}
	per := (n + shards - 1) / shards
	var wg sync.WaitGroup
	for s := 0; s < shards; s++ {
		lo := s * per
		hi := lo + per
		if hi > n {
			hi = n
		}
		wg.Add(1)
		go func(shard, lo, hi int) {
			defer wg.Done()
			if lo < hi {
				fn(shard, lo, hi)
			}
		}(s, lo, hi)
	}
	wg.Wait()
}

// im2col unrolls one sample into a [C*K*K, outH*outW] matrix, binarizing the
// input when configured.
func (l *QuantConv2DLayer) im2col(col, src []float32, h, w, outH, outW int) {
	k := l.kernelSize
	hw := outH * outW
	for c := 0; c < l.inChannels; c++ {
		for ky := 0; ky < k; ky++ {
			for kx := 0; kx < k; kx++ {
				row := col[((c*k+ky)*k+kx)*hw : ((c*k+ky)*k+kx+1)*hw]
				for oy := 0; oy < outH; oy++ {
					iy := oy*l.stride - l.padding + ky
					for ox := 0; ox < outW; ox++ {
						ix := ox*l.stride - l.padding + kx
						var v float32
						if iy >= 0 && iy < h && ix >= 0 && ix < w {
							v = src[(c*h+iy)*w+ix]
							if l.binarizeInput {
								v = sign(v)
							}
						}
						row[oy*outW+ox] = v
					}
				}
			}
		}
	}
}

// col2im scatters a column gradient back onto one sample.
func (l *QuantConv2DLayer) col2im(dst, col []float32, h, w, outH, outW int) {
	k := l.kernelSize
	hw := outH * outW
	for c := 0; c < l.inChannels; c++ {
		for ky := 0; ky < k; ky++ {
			for kx := 0; kx < k; kx++ {
				row := col[((c*k+ky)*k+kx)*hw : ((c*k+ky)*k+kx+1)*hw]
				for oy := 0; oy < outH; oy++ {
					iy := oy*l.stride - l.padding + ky
					if iy < 0 || iy >= h {
						continue
					}
					for ox := 0; ox < outW; ox++ {
						ix := ox*l.stride - l.padding + kx
						if ix < 0 || ix >= w {
							continue
						}
						dst[(c*h+iy)*w+ix] += row[oy*outW+ox]
					}
				}
			}
		}
	}
}
