package checkpoints

import (
	"strings"

	"github.com/tsawler/go-qat/tensor"
)

// DefaultReplicaPrefix is the key prefix a replicated model puts in front of
// every parameter name.
const DefaultReplicaPrefix = "module."

// KeyAdapter maps parameter keys between the live model and the canonical
// on-disk form. Canonical keys never carry the replica prefix, so a
// checkpoint written by one topology loads into any other.
type KeyAdapter struct {
	// Replicated is the live topology.
	Replicated bool
	Prefix     string
}

// NewKeyAdapter returns an adapter for the given live topology.
func NewKeyAdapter(replicated bool) KeyAdapter {
	return KeyAdapter{Replicated: replicated, Prefix: DefaultReplicaPrefix}
}

func (a KeyAdapter) prefix() string {
	if a.Prefix == "" {
		return DefaultReplicaPrefix
	}
	return a.Prefix
}

// Canonical strips the replica prefix from a key if present.
func (a KeyAdapter) Canonical(key string) string {
	return strings.TrimPrefix(key, a.prefix())
}

// Live maps a key, canonical or not, to the live model's naming.
func (a KeyAdapter) Live(key string) string {
	key = a.Canonical(key)
	if a.Replicated {
		return a.prefix() + key
	}
	return key
}

// ToCanonical renames every key of a live state dict for saving.
func (a KeyAdapter) ToCanonical(state map[string]*tensor.Tensor) map[string]*tensor.Tensor {
	out := make(map[string]*tensor.Tensor, len(state))
	for k, v := range state {
		out[a.Canonical(k)] = v
	}
	return out
}

// ToLive renames every key of a loaded state dict for the live model. Keys
// written with the prefix by older or foreign checkpoints are accepted too.
func (a KeyAdapter) ToLive(state map[string]*tensor.Tensor) map[string]*tensor.Tensor {
	out := make(map[string]*tensor.Tensor, len(state))
	for k, v := range state {
		out[a.Live(k)] = v
	}
	return out
}
