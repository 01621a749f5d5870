package dataset

import (
	"fmt"
	"os"

	"github.com/tsawler/go-qat/vision/preprocessing"
)

// CIFARVariant selects the record layout of a CIFAR binary file.
type CIFARVariant int

const (
	// CIFAR10 records are <1 label byte><3072 pixel bytes>.
	CIFAR10 CIFARVariant = iota
	// CIFAR100 records are <1 coarse label byte><1 fine label byte><3072 pixel bytes>.
	CIFAR100
)

const (
	cifarSide   = 32
	cifarPixels = 3 * cifarSide * cifarSide
)

func (v CIFARVariant) labelBytes() int {
	if v == CIFAR100 {
		return 2
	}
	return 1
}

func (v CIFARVariant) classes() int {
	if v == CIFAR100 {
		return 100
	}
	return 10
}

// CIFARDataset holds the raw records of one or more CIFAR binary files in
// memory and converts them on access.
type CIFARDataset struct {
	variant    CIFARVariant
	labels     []int
	pixels     []byte
	normalizer *preprocessing.Normalizer
}

// NewCIFAR reads every file in order. CIFAR-100 samples use the fine label.
func NewCIFAR(variant CIFARVariant, files []string, normalizer *preprocessing.Normalizer) (*CIFARDataset, error) {
	d := &CIFARDataset{variant: variant, normalizer: normalizer}
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read CIFAR file: %w", err)
		}
		if err := d.append(data); err != nil {
			return nil, fmt.Errorf("%s: %w", f, err)
		}
	}
	if len(d.labels) == 0 {
		return nil, fmt.Errorf("no CIFAR records in %v", files)
	}
	return d, nil
}

// append parses the records of one binary file.
func (d *CIFARDataset) append(data []byte) error {
	lb := d.variant.labelBytes()
	recSize := lb + cifarPixels
	if len(data)%recSize != 0 {
		return fmt.Errorf("size %d is not a multiple of the %d-byte record", len(data), recSize)
	}
	classes := d.variant.classes()
	for off := 0; off < len(data); off += recSize {
		label := int(data[off+lb-1])
		if label >= classes {
			return fmt.Errorf("record %d: label %d out of range [0, %d)", off/recSize, label, classes)
		}
		d.labels = append(d.labels, label)
		d.pixels = append(d.pixels, data[off+lb:off+recSize]...)
	}
	return nil
}

func (d *CIFARDataset) Len() int { return len(d.labels) }

func (d *CIFARDataset) NumClasses() int { return d.variant.classes() }

func (d *CIFARDataset) SampleShape() []int { return []int{3, cifarSide, cifarSide} }

// Get returns record index scaled to [0, 1] and normalized. The binary
// layout is already CHW.
func (d *CIFARDataset) Get(index int) (Sample, error) {
	if index < 0 || index >= len(d.labels) {
		return Sample{}, fmt.Errorf("index %d out of range [0, %d)", index, len(d.labels))
	}
	raw := d.pixels[index*cifarPixels : (index+1)*cifarPixels]
	data := make([]float32, cifarPixels)
	for i, b := range raw {
		data[i] = float32(b) / 255
	}
	if d.normalizer != nil {
		d.normalizer.Apply(data)
	}
	return Sample{Data: data, Label: d.labels[index]}, nil
}
