package preprocessing

import "fmt"

// Normalizer maps every channel plane c of CHW data to (x - Mean[c]) / Std[c].
type Normalizer struct {
	Mean []float32
	Std  []float32
}

// Per-channel statistics of the common datasets, for inputs in [0, 1].
var (
	CIFAR10Stats  = Normalizer{Mean: []float32{0.4914, 0.4822, 0.4465}, Std: []float32{0.2470, 0.2435, 0.2616}}
	CIFAR100Stats = Normalizer{Mean: []float32{0.5071, 0.4865, 0.4409}, Std: []float32{0.2673, 0.2564, 0.2762}}
	ImageNetStats = Normalizer{Mean: []float32{0.485, 0.456, 0.406}, Std: []float32{0.229, 0.224, 0.225}}
)

// NewNormalizer validates the statistics.
func NewNormalizer(mean, std []float32) (*Normalizer, error) {
	if len(mean) == 0 || len(mean) != len(std) {
		return nil, fmt.Errorf("mean and std must have the same non-zero length, got %d and %d", len(mean), len(std))
	}
	for i, s := range std {
		if s <= 0 {
			return nil, fmt.Errorf("std[%d] must be positive: %f", i, s)
		}
	}
	return &Normalizer{Mean: mean, Std: std}, nil
}

// Apply normalizes data in place. len(data) must be a multiple of the
// channel count.
func (n *Normalizer) Apply(data []float32) {
	channels := len(n.Mean)
	plane := len(data) / channels
	for c := 0; c < channels; c++ {
		m, s := n.Mean[c], n.Std[c]
		p := data[c*plane : (c+1)*plane]
		for i := range p {
			p[i] = (p[i] - m) / s
		}
	}
}
