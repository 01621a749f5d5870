package training

import (
	"testing"

	"github.com/tsawler/go-qat/layers"
	"github.com/tsawler/go-qat/models"
)

func TestBroadcaster(t *testing.T) {
	qs := []*fakeQuant{{name: "a"}, {name: "b"}, {name: "c"}}
	ql := make([]layers.QuantLayer, len(qs))
	for i, q := range qs {
		ql[i] = q
	}
	b := NewBroadcaster(ql)
	if b.Len() != 3 {
		t.Fatalf("Len = %d", b.Len())
	}

	b.Broadcast(0.9, 4)
	for _, q := range qs {
		if q.Tau() != 0.9 || q.Phase() != 4 {
			t.Errorf("%s: tau %v phase %d", q.name, q.Tau(), q.Phase())
		}
	}
	b.MarkMidEpoch()
	for _, q := range qs {
		if q.Phase() != layers.MidEpochPhase || q.Tau() != 0.9 {
			t.Errorf("%s after mark: tau %v phase %d", q.name, q.Tau(), q.Phase())
		}
	}
}

func TestBroadcasterEmpty(t *testing.T) {
	b := NewBroadcaster(nil)
	b.Broadcast(0.5, 1)
	b.MarkMidEpoch()
	if b.Len() != 0 {
		t.Errorf("Len = %d", b.Len())
	}
}

func TestBroadcasterReachesModelLayers(t *testing.T) {
	m, err := models.New("qconvnet_small", models.Options{NumClasses: 10, InputShape: []int{3, 8, 8}, Seed: 1})
	if err != nil {
		t.Fatal(err)
	}
	b := NewBroadcaster(m.QuantLayers())
	if b.Len() != 2 {
		t.Fatalf("Len = %d, want 2 quantized convolutions", b.Len())
	}
	b.Broadcast(0.87, 3)
	for _, q := range m.QuantLayers() {
		if q.Tau() != 0.87 || q.Phase() != 3 {
			t.Errorf("%s: tau %v phase %d", q.Name(), q.Tau(), q.Phase())
		}
	}
}
