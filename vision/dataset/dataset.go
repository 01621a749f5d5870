// Package dataset reads labelled image datasets into CHW float32 samples.
package dataset

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tsawler/go-qat/vision/preprocessing"
)

// ErrUnknownDataset is returned by Open for an unsupported name.
var ErrUnknownDataset = errors.New("dataset: unknown dataset")

// Dataset is a finite, indexable set of labelled samples. Get must be safe
// for concurrent use.
type Dataset interface {
	Len() int
	Get(index int) (Sample, error)
	NumClasses() int
	// SampleShape is [channels, height, width].
	SampleShape() []int
}

// Sample is one image in CHW layout and its class index.
type Sample struct {
	Data  []float32
	Label int
}

// Split selects the training or the evaluation part of a dataset.
type Split int

const (
	Train Split = iota
	Val
)

func (s Split) String() string {
	if s == Train {
		return "train"
	}
	return "val"
}

// Names returns the identifiers accepted by Open.
func Names() []string {
	names := []string{"cifar10", "cifar100", "tinyimagenet", "imagenet", "synthetic"}
	sort.Strings(names)
	return names
}

// Open loads split of the dataset called name from root.
//
//	cifar10       root/cifar-10-batches-bin/{data_batch_[1-5],test_batch}.bin
//	cifar100      root/cifar-100-binary/{train,test}.bin
//	tinyimagenet  root/{train,val}/<class>/*, resized to 64x64
//	imagenet      root/{train,val}/<class>/*, resized to 224x224
//	synthetic     generated in memory; root is ignored
func Open(name, root string, split Split, seed int64) (Dataset, error) {
	switch strings.ToLower(name) {
	case "cifar10":
		dir := firstDir(filepath.Join(root, "cifar-10-batches-bin"), root)
		files := []string{"test_batch.bin"}
		if split == Train {
			files = []string{"data_batch_1.bin", "data_batch_2.bin", "data_batch_3.bin", "data_batch_4.bin", "data_batch_5.bin"}
		}
		return NewCIFAR(CIFAR10, joinAll(dir, files), &preprocessing.CIFAR10Stats)
	case "cifar100":
		dir := firstDir(filepath.Join(root, "cifar-100-binary"), root)
		file := "test.bin"
		if split == Train {
			file = "train.bin"
		}
		return NewCIFAR(CIFAR100, []string{filepath.Join(dir, file)}, &preprocessing.CIFAR100Stats)
	case "tinyimagenet":
		return NewImageFolderDataset(filepath.Join(root, split.String()), nil, 64, &preprocessing.ImageNetStats)
	case "imagenet":
		return NewImageFolderDataset(filepath.Join(root, split.String()), nil, 224, &preprocessing.ImageNetStats)
	case "synthetic":
		cfg := DefaultSyntheticConfig()
		cfg.Seed = seed
		if split == Val {
			cfg.Size = cfg.Size / 4
			cfg.Offset = DefaultSyntheticConfig().Size
		}
		return NewSynthetic(cfg)
	default:
		return nil, fmt.Errorf("%w: %q (available: %v)", ErrUnknownDataset, name, Names())
	}
}

// NumClasses returns the class count of a named dataset without loading it.
func NumClasses(name string) (int, error) {
	switch strings.ToLower(name) {
	case "cifar10":
		return 10, nil
	case "cifar100":
		return 100, nil
	case "tinyimagenet":
		return 200, nil
	case "imagenet":
		return 1000, nil
	case "synthetic":
		return DefaultSyntheticConfig().Classes, nil
	default:
		return 0, fmt.Errorf("%w: %q (available: %v)", ErrUnknownDataset, name, Names())
	}
}

func firstDir(candidates ...string) string {
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && info.IsDir() {
			return c
		}
	}
	return candidates[len(candidates)-1]
}

func joinAll(dir string, files []string) []string {
	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = filepath.Join(dir, f)
	}
	return paths
}
