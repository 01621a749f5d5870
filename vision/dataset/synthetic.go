package dataset

import (
	"fmt"
	"math/rand"
)

// SyntheticConfig describes a generated classification set.
type SyntheticConfig struct {
	Size     int
	Classes  int
	Channels int
	Side     int
	Noise    float32 // Standard deviation of the per-sample noise
	Seed     int64
	Offset   int // Index of the first sample; disjoint offsets give disjoint sets
}

// DefaultSyntheticConfig returns a small 10-class set of 3x16x16 images.
func DefaultSyntheticConfig() SyntheticConfig {
	return SyntheticConfig{
		Size:     1024,
		Classes:  10,
		Channels: 3,
		Side:     16,
		Noise:    0.5,
		Seed:     1,
	}
}

// SyntheticDataset draws each sample as its class prototype plus Gaussian
// noise. Samples are a pure function of (seed, index), so any access order
// yields the same data.
type SyntheticDataset struct {
	config     SyntheticConfig
	prototypes [][]float32
}

// NewSynthetic builds the class prototypes.
func NewSynthetic(config SyntheticConfig) (*SyntheticDataset, error) {
	if config.Size <= 0 || config.Classes < 2 || config.Channels <= 0 || config.Side <= 0 {
		return nil, fmt.Errorf("invalid synthetic dataset config: %+v", config)
	}
	rng := rand.New(rand.NewSource(config.Seed))
	n := config.Channels * config.Side * config.Side
	protos := make([][]float32, config.Classes)
	for c := range protos {
		protos[c] = make([]float32, n)
		for i := range protos[c] {
			protos[c][i] = float32(rng.NormFloat64())
		}
	}
	return &SyntheticDataset{config: config, prototypes: protos}, nil
}

func (d *SyntheticDataset) Len() int { return d.config.Size }

func (d *SyntheticDataset) NumClasses() int { return d.config.Classes }

func (d *SyntheticDataset) SampleShape() []int {
	return []int{d.config.Channels, d.config.Side, d.config.Side}
}

func (d *SyntheticDataset) Get(index int) (Sample, error) {
	if index < 0 || index >= d.config.Size {
		return Sample{}, fmt.Errorf("index %d out of range [0, %d)", index, d.config.Size)
	}
	global := int64(index + d.config.Offset)
	rng := rand.New(rand.NewSource(d.config.Seed*1000003 + global))
	label := rng.Intn(d.config.Classes)
	proto := d.prototypes[label]
	data := make([]float32, len(proto))
	for i, p := range proto {
		data[i] = p + d.config.Noise*float32(rng.NormFloat64())
	}
	return Sample{Data: data, Label: label}, nil
}
