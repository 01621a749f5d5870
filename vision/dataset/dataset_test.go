package dataset

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
)

// writeCIFAR writes n records whose label is i%classes and whose pixels are
// all equal to byte(i).
func writeCIFAR(t *testing.T, path string, variant CIFARVariant, n int) {
	t.Helper()
	lb := variant.labelBytes()
	var data []byte
	for i := 0; i < n; i++ {
		label := byte(i % variant.classes())
		if lb == 2 {
			data = append(data, 0, label)
		} else {
			data = append(data, label)
		}
		for p := 0; p < cifarPixels; p++ {
			data = append(data, byte(i))
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
}

func TestCIFAR10(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.bin")
	b := filepath.Join(dir, "b.bin")
	writeCIFAR(t, a, CIFAR10, 3)
	writeCIFAR(t, b, CIFAR10, 2)

	d, err := NewCIFAR(CIFAR10, []string{a, b}, nil)
	if err != nil {
		t.Fatalf("NewCIFAR: %v", err)
	}
	if d.Len() != 5 || d.NumClasses() != 10 {
		t.Fatalf("Len=%d NumClasses=%d", d.Len(), d.NumClasses())
	}

	tests := []struct {
		index     int
		wantLabel int
		wantPixel float32
	}{
		{0, 0, 0},
		{2, 2, 2.0 / 255},
		{3, 0, 0}, // first record of b.bin
		{4, 1, 1.0 / 255},
	}
	for _, tt := range tests {
		s, err := d.Get(tt.index)
		if err != nil {
			t.Fatalf("Get(%d): %v", tt.index, err)
		}
		if s.Label != tt.wantLabel || s.Data[0] != tt.wantPixel || len(s.Data) != cifarPixels {
			t.Errorf("Get(%d) = label %d pixel %v, want %d %v", tt.index, s.Label, s.Data[0], tt.wantLabel, tt.wantPixel)
		}
	}
	if _, err := d.Get(-1); err == nil {
		t.Error("Expected error for negative index")
	}
}

func TestCIFAR100UsesFineLabel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "train.bin")
	writeCIFAR(t, path, CIFAR100, 60)
	d, err := NewCIFAR(CIFAR100, []string{path}, nil)
	if err != nil {
		t.Fatal(err)
	}
	s, _ := d.Get(57)
	if s.Label != 57 {
		t.Errorf("label = %d, want 57", s.Label)
	}
	if d.NumClasses() != 100 {
		t.Errorf("NumClasses = %d", d.NumClasses())
	}
}

func TestCIFARErrors(t *testing.T) {
	dir := t.TempDir()
	truncated := filepath.Join(dir, "truncated.bin")
	if err := os.WriteFile(truncated, make([]byte, 100), 0644); err != nil {
		t.Fatal(err)
	}
	badLabel := filepath.Join(dir, "label.bin")
	if err := os.WriteFile(badLabel, append([]byte{10}, make([]byte, cifarPixels)...), 0644); err != nil {
		t.Fatal(err)
	}

	for _, files := range [][]string{{filepath.Join(dir, "missing.bin")}, {truncated}, {badLabel}, nil} {
		if _, err := NewCIFAR(CIFAR10, files, nil); err == nil {
			t.Errorf("NewCIFAR(%v) succeeded, want error", files)
		}
	}
}

func TestOpen(t *testing.T) {
	root := t.TempDir()
	for i := 1; i <= 5; i++ {
		writeCIFAR(t, filepath.Join(root, "cifar-10-batches-bin", "data_batch_"+string(rune('0'+i))+".bin"), CIFAR10, 2)
	}
	writeCIFAR(t, filepath.Join(root, "cifar-10-batches-bin", "test_batch.bin"), CIFAR10, 3)

	train, err := Open("cifar10", root, Train, 0)
	if err != nil {
		t.Fatalf("Open train: %v", err)
	}
	if train.Len() != 10 {
		t.Errorf("train Len = %d, want 10", train.Len())
	}
	val, err := Open("CIFAR10", root, Val, 0)
	if err != nil {
		t.Fatalf("Open val: %v", err)
	}
	if val.Len() != 3 {
		t.Errorf("val Len = %d, want 3", val.Len())
	}

	// Normalized with the CIFAR-10 statistics
	s, _ := val.Get(0)
	want := (0 - 0.4914) / 0.2470
	if math.Abs(float64(s.Data[0])-want) > 1e-5 {
		t.Errorf("normalized pixel = %v, want %v", s.Data[0], want)
	}

	if _, err := Open("mnist", root, Train, 0); !errors.Is(err, ErrUnknownDataset) {
		t.Errorf("Open(mnist) error = %v, want ErrUnknownDataset", err)
	}
	if _, err := Open("cifar100", root, Train, 0); err == nil {
		t.Error("Expected error for missing cifar100 files")
	}
}

func TestNumClasses(t *testing.T) {
	tests := []struct {
		name string
		want int
	}{
		{"cifar10", 10},
		{"cifar100", 100},
		{"tinyimagenet", 200},
		{"imagenet", 1000},
		{"synthetic", 10},
	}
	for _, tt := range tests {
		got, err := NumClasses(tt.name)
		if err != nil || got != tt.want {
			t.Errorf("NumClasses(%s) = %d, %v; want %d", tt.name, got, err, tt.want)
		}
	}
	if _, err := NumClasses("svhn"); !errors.Is(err, ErrUnknownDataset) {
		t.Errorf("NumClasses(svhn) error = %v", err)
	}
}

func TestSynthetic(t *testing.T) {
	cfg := DefaultSyntheticConfig()
	cfg.Size = 50
	d, err := NewSynthetic(cfg)
	if err != nil {
		t.Fatal(err)
	}
	again, _ := NewSynthetic(cfg)

	counts := make(map[int]int)
	for i := d.Len() - 1; i >= 0; i-- {
		a, err := d.Get(i)
		if err != nil {
			t.Fatal(err)
		}
		b, _ := again.Get(i)
		if a.Label != b.Label || len(a.Data) != 3*16*16 {
			t.Fatalf("sample %d differs between instances", i)
		}
		for j := range a.Data {
			if a.Data[j] != b.Data[j] {
				t.Fatalf("sample %d value %d differs", i, j)
			}
		}
		if a.Label < 0 || a.Label >= d.NumClasses() {
			t.Fatalf("label %d out of range", a.Label)
		}
		counts[a.Label]++
	}
	if len(counts) < 2 {
		t.Errorf("expected several classes, got %v", counts)
	}

	if _, err := NewSynthetic(SyntheticConfig{Size: 1, Classes: 1, Channels: 1, Side: 1}); err == nil {
		t.Error("Expected error for a single class")
	}
}

func TestOpenSyntheticSplitsDiffer(t *testing.T) {
	train, err := Open("synthetic", "", Train, 5)
	if err != nil {
		t.Fatal(err)
	}
	val, err := Open("synthetic", "", Val, 5)
	if err != nil {
		t.Fatal(err)
	}
	if val.Len() != train.Len()/4 {
		t.Errorf("val Len = %d, want %d", val.Len(), train.Len()/4)
	}
	a, _ := train.Get(0)
	b, _ := val.Get(0)
	if a.Data[0] == b.Data[0] && a.Data[1] == b.Data[1] {
		t.Error("train and val share their first sample")
	}
}
