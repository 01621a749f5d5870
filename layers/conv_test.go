package layers

import (
	"math"
	"math/rand"
	"testing"

	"github.com/tsawler/go-qat/tensor"
)

func TestAbsQuantile(t *testing.T) {
	values := []float32{-4, 1, -2, 3}
	tests := []struct {
		q    float64
		want float32
	}{
		{0, 1},
		{0.5, 2.5},
		{1, 4},
		{1.0 / 3.0, 2},
	}
	for _, tt := range tests {
		got := absQuantile(values, tt.q)
		if math.Abs(float64(got-tt.want)) > 1e-6 {
			t.Errorf("absQuantile(%v) = %v, want %v", tt.q, got, tt.want)
		}
	}
	if absQuantile(nil, 0.5) != 0 {
		t.Errorf("absQuantile of empty slice should be 0")
	}
}

func newTestConv(t *testing.T, replicas int, binarize bool) *QuantConv2DLayer {
	t.Helper()
	spec := LayerSpec{
		Type: QuantConv2D,
		Name: "conv",
		Parameters: map[string]interface{}{
			"input_channels":  2,
			"output_channels": 3,
			"kernel_size":     3,
			"stride":          1,
			"padding":         1,
			"binarize_input":  binarize,
		},
	}
	l, err := newQuantConv2DLayer(spec, "", replicas, rand.New(rand.NewSource(11)))
	if err != nil {
		t.Fatalf("newQuantConv2DLayer failed: %v", err)
	}
	return l
}

func testInput(n int) *tensor.Tensor {
	x := tensor.MustZeros(n, 2, 5, 5)
	rng := rand.New(rand.NewSource(5))
	for i := range x.Data {
		x.Data[i] = float32(rng.NormFloat64())
	}
	return x
}

func TestClipBoundFollowsPhase(t *testing.T) {
	l := newTestConv(t, 1, true)
	l.SetTau(0.5)
	l.SetPhase(0)

	x := testInput(2)
	if _, err := l.Forward(x, true); err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	q := absQuantile(l.weight.Value.Data, 0.5)
	if l.ClipBound() != q {
		t.Fatalf("clip bound = %v, want quantile %v", l.ClipBound(), q)
	}

	// Evaluation reads the stored bound and never moves it.
	for i := range l.weight.Value.Data {
		l.weight.Value.Data[i] *= 2
	}
	if _, err := l.Forward(x, false); err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if l.ClipBound() != q {
		t.Errorf("evaluation changed clip bound to %v", l.ClipBound())
	}

	l.SetPhase(MidEpochPhase)
	if _, err := l.Forward(x, true); err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	want := clipMomentum*q + (1-clipMomentum)*(2*q)
	if math.Abs(float64(l.ClipBound()-want)) > 1e-5 {
		t.Errorf("mid-epoch clip bound = %v, want moving average %v", l.ClipBound(), want)
	}

	// A regular phase recomputes from scratch.
	l.SetPhase(1)
	if _, err := l.Forward(x, true); err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if l.ClipBound() != absQuantile(l.weight.Value.Data, 0.5) {
		t.Errorf("clip bound = %v, want fresh quantile", l.ClipBound())
	}
}

func TestQuantizedWeightsAreBinaryPerChannel(t *testing.T) {
	l := newTestConv(t, 1, false)
	q := absQuantile(l.weight.Value.Data, 0.8)
	wq := l.quantizeWeights(q)

	per := len(wq) / l.outChannels
	for o := 0; o < l.outChannels; o++ {
		ch := wq[o*per : (o+1)*per]
		mag := float32(math.Abs(float64(ch[0])))
		for _, v := range ch {
			if float32(math.Abs(float64(v))) != mag {
				t.Fatalf("channel %d has more than one magnitude", o)
			}
		}
		if mag <= 0 || mag > q {
			t.Errorf("channel %d magnitude %v outside (0, %v]", o, mag, q)
		}
	}
}

func TestConvShardingIsDeterministic(t *testing.T) {
	x := testInput(5)

	run := func(replicas int) (*tensor.Tensor, []float32, *tensor.Tensor) {
		l := newTestConv(t, replicas, true)
		l.SetTau(0.9)
		out, err := l.Forward(x, true)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		grad := out.Clone()
		gin, err := l.Backward(grad)
		if err != nil {
			t.Fatalf("Backward failed: %v", err)
		}
		return out, append([]float32(nil), l.weight.Grad.Data...), gin
	}

	out1, g1, in1 := run(1)
	out3, g3, in3 := run(3)
	out3b, g3b, _ := run(3)

	if !out1.Equal(out3) {
		t.Errorf("forward output depends on shard count")
	}
	if !in1.Equal(in3) {
		t.Errorf("input gradient depends on shard count")
	}
	if !out3.Equal(out3b) {
		t.Errorf("forward output not reproducible across runs")
	}
	for i := range g1 {
		if math.Abs(float64(g1[i]-g3[i])) > 1e-3 {
			t.Fatalf("weight grad %d = %v with 3 shards, %v with 1", i, g3[i], g1[i])
		}
		if g3[i] != g3b[i] {
			t.Fatalf("weight grad %d not reproducible across runs", i)
		}
	}
}

func TestConvInputGradientIsClippedWhenBinarizing(t *testing.T) {
	l := newTestConv(t, 1, true)
	x := testInput(1)
	x.Data[0] = 5
	out, err := l.Forward(x, true)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	gin, err := l.Backward(out.Clone())
	if err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	if gin.Data[0] != 0 {
		t.Errorf("gradient through |x| > 1 = %v, want 0", gin.Data[0])
	}
}

func TestDenseGradientMatchesFiniteDifference(t *testing.T) {
	spec := LayerSpec{
		Type:       Dense,
		Name:       "fc",
		Parameters: map[string]interface{}{"input_size": 3, "output_size": 2, "use_bias": true},
	}
	l, err := newDenseLayer(spec, "", rand.New(rand.NewSource(2)))
	if err != nil {
		t.Fatalf("newDenseLayer failed: %v", err)
	}
	x, _ := tensor.New([]int{2, 3}, []float32{1, -2, 0.5, 0.25, 3, -1})
	r, _ := tensor.New([]int{2, 2}, []float32{1, -1, 0.5, 2})

	loss := func() float64 {
		out, _ := l.Forward(x, false)
		var s float64
		for i, v := range out.Data {
			s += float64(v * r.Data[i])
		}
		return s
	}

	if _, err := l.Forward(x, true); err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if _, err := l.Backward(r); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	const eps = 1e-2
	for i := range l.weight.Value.Data {
		orig := l.weight.Value.Data[i]
		l.weight.Value.Data[i] = orig + eps
		up := loss()
		l.weight.Value.Data[i] = orig - eps
		down := loss()
		l.weight.Value.Data[i] = orig
		numeric := (up - down) / (2 * eps)
		if math.Abs(numeric-float64(l.weight.Grad.Data[i])) > 1e-2 {
			t.Errorf("dW[%d] = %v, numeric %v", i, l.weight.Grad.Data[i], numeric)
		}
	}
	wantBias := []float32{1.5, 1}
	for i, want := range wantBias {
		if l.bias.Grad.Data[i] != want {
			t.Errorf("db[%d] = %v, want %v", i, l.bias.Grad.Data[i], want)
		}
	}
}

func TestAvgPoolRoundTrip(t *testing.T) {
	l := &AvgPool2DLayer{name: "pool", k: 2}
	x, _ := tensor.New([]int{1, 1, 2, 2}, []float32{1, 2, 3, 6})
	out, err := l.Forward(x, true)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if out.Data[0] != 3 {
		t.Errorf("pooled value = %v, want 3", out.Data[0])
	}
	g, _ := tensor.New([]int{1, 1, 1, 1}, []float32{4})
	gin, err := l.Backward(g)
	if err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	for _, v := range gin.Data {
		if v != 1 {
			t.Errorf("pool gradient = %v, want 1", v)
		}
	}
}
