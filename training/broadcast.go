package training

import "github.com/tsawler/go-qat/layers"

// Broadcaster pushes the threshold and phase flag to a fixed set of
// quantization layers.
type Broadcaster struct {
	layers []layers.QuantLayer
}

// NewBroadcaster holds qlayers for the lifetime of the run.
func NewBroadcaster(qlayers []layers.QuantLayer) *Broadcaster {
	return &Broadcaster{layers: qlayers}
}

// Broadcast sets tau and the phase to epoch on every layer.
func (b *Broadcaster) Broadcast(tau float64, epoch int) {
	for _, l := range b.layers {
		l.SetTau(tau)
		l.SetPhase(epoch)
	}
}

// MarkMidEpoch switches every layer to layers.MidEpochPhase.
func (b *Broadcaster) MarkMidEpoch() {
	for _, l := range b.layers {
		l.SetPhase(layers.MidEpochPhase)
	}
}

// Len returns the number of layers reached by a broadcast.
func (b *Broadcaster) Len() int { return len(b.layers) }
