package layers

import (
	"math"
	"sort"
)

// MidEpochPhase is the phase value a layer receives once the first training
// batch after a threshold change has been processed.
const MidEpochPhase = -1

// QuantLayer is a layer whose discretization is steered by a threshold and an
// epoch-phase flag pushed from outside between passes.
type QuantLayer interface {
	Name() string
	SetTau(tau float64)
	Tau() float64
	SetPhase(phase int)
	Phase() int
}

// clipMomentum weights the previous clip bound when it is tracked as a
// moving average.
const clipMomentum = 0.9

// absQuantile returns the q-quantile (0 <= q <= 1) of |values| with linear
// interpolation between order statistics.
func absQuantile(values []float32, q float64) float32 {
	if len(values) == 0 {
		return 0
	}
	abs := make([]float64, len(values))
	for i, v := range values {
		abs[i] = math.Abs(float64(v))
	}
	sort.Float64s(abs)

	if q <= 0 {
		return float32(abs[0])
	}
	if q >= 1 {
		return float32(abs[len(abs)-1])
	}

	pos := q * float64(len(abs)-1)
	lo := int(math.Floor(pos))
	hi := lo + 1
	if hi >= len(abs) {
		return float32(abs[lo])
	}
	frac := pos - float64(lo)
	return float32(abs[lo] + frac*(abs[hi]-abs[lo]))
}

func sign(v float32) float32 {
	if v >= 0 {
		return 1
	}
	return -1
}
