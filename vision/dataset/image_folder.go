package dataset

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/tsawler/go-qat/vision/preprocessing"
)

// ImageFolderDataset represents a dataset loaded from a directory structure
// where each subdirectory represents a class
type ImageFolderDataset struct {
	imagePaths []string
	labels     []int
	classNames []string
	classToIdx map[string]int
	side       int
	processors *sync.Pool
}

// NewImageFolderDataset creates a dataset from a directory structure. Images
// are resized to side x side and normalized with normalizer when it is not
// nil. Extensions match in lower and upper case.
func NewImageFolderDataset(root string, extensions []string, side int, normalizer *preprocessing.Normalizer) (*ImageFolderDataset, error) {
	if len(extensions) == 0 {
		extensions = []string{".jpg", ".jpeg", ".png"}
	}
	if side <= 0 {
		return nil, fmt.Errorf("image side must be positive: %d", side)
	}

	dataset := &ImageFolderDataset{
		classToIdx: make(map[string]int),
		side:       side,
		processors: &sync.Pool{New: func() any {
			return preprocessing.NewImageProcessor(side, normalizer)
		}},
	}

	// Find all classes (subdirectories); Glob returns them sorted
	classes, err := filepath.Glob(filepath.Join(root, "*"))
	if err != nil {
		return nil, fmt.Errorf("failed to list classes: %w", err)
	}

	classIdx := 0
	for _, classPath := range classes {
		info, err := os.Stat(classPath)
		if err != nil || !info.IsDir() {
			continue
		}

		className := filepath.Base(classPath)
		dataset.classNames = append(dataset.classNames, className)
		dataset.classToIdx[className] = classIdx

		var files []string
		seen := make(map[string]bool)
		for _, ext := range extensions {
			for _, e := range []string{strings.ToLower(ext), strings.ToUpper(ext)} {
				matches, err := filepath.Glob(filepath.Join(classPath, "*"+e))
				if err != nil {
					continue
				}
				for _, m := range matches {
					if !seen[m] {
						seen[m] = true
						files = append(files, m)
					}
				}
			}
		}
		sort.Strings(files)
		for _, file := range files {
			dataset.imagePaths = append(dataset.imagePaths, file)
			dataset.labels = append(dataset.labels, classIdx)
		}

		classIdx++
	}

	if len(dataset.imagePaths) == 0 {
		return nil, fmt.Errorf("no images found in %s", root)
	}

	return dataset, nil
}

// Len returns the number of items in the dataset
func (d *ImageFolderDataset) Len() int {
	return len(d.imagePaths)
}

// GetItem returns the image path and label at the given index
func (d *ImageFolderDataset) GetItem(index int) (string, int, error) {
	if index < 0 || index >= len(d.imagePaths) {
		return "", 0, fmt.Errorf("index %d out of range [0, %d)", index, len(d.imagePaths))
	}
	return d.imagePaths[index], d.labels[index], nil
}

// Get decodes the image at index.
func (d *ImageFolderDataset) Get(index int) (Sample, error) {
	path, label, err := d.GetItem(index)
	if err != nil {
		return Sample{}, err
	}
	f, err := os.Open(path)
	if err != nil {
		return Sample{}, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	p := d.processors.Get().(*preprocessing.ImageProcessor)
	defer d.processors.Put(p)
	img, err := p.DecodeAndPreprocess(f)
	if err != nil {
		return Sample{}, fmt.Errorf("%s: %w", path, err)
	}
	return Sample{Data: img.Data, Label: label}, nil
}

// NumClasses returns the number of classes
func (d *ImageFolderDataset) NumClasses() int {
	return len(d.classNames)
}

func (d *ImageFolderDataset) SampleShape() []int { return []int{3, d.side, d.side} }

// ClassNames returns the list of class names
func (d *ImageFolderDataset) ClassNames() []string {
	return d.classNames
}

// ClassDistribution returns the distribution of samples per class
func (d *ImageFolderDataset) ClassDistribution() map[string]int {
	dist := make(map[string]int)
	for _, label := range d.labels {
		className := d.classNames[label]
		dist[className]++
	}
	return dist
}

// Split splits the dataset into train and validation sets. The permutation
// depends only on seed.
func (d *ImageFolderDataset) Split(trainRatio float64, seed int64) (*ImageFolderDataset, *ImageFolderDataset) {
	n := len(d.imagePaths)
	trainSize := int(float64(n) * trainRatio)

	indices := rand.New(rand.NewSource(seed)).Perm(n)
	return d.Subset(indices[:trainSize]), d.Subset(indices[trainSize:])
}

// Subset creates a subset of the dataset with the specified indices
func (d *ImageFolderDataset) Subset(indices []int) *ImageFolderDataset {
	subset := &ImageFolderDataset{
		imagePaths: make([]string, len(indices)),
		labels:     make([]int, len(indices)),
		classNames: d.classNames,
		classToIdx: d.classToIdx,
		side:       d.side,
		processors: d.processors,
	}

	for i, idx := range indices {
		subset.imagePaths[i] = d.imagePaths[idx]
		subset.labels[i] = d.labels[idx]
	}

	return subset
}

// String returns a string representation of the dataset
func (d *ImageFolderDataset) String() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("ImageFolderDataset: %d samples, %d classes\n", len(d.imagePaths), len(d.classNames)))
	sb.WriteString("Class distribution:\n")

	dist := d.ClassDistribution()
	for _, className := range d.classNames {
		sb.WriteString(fmt.Sprintf("  %s: %d samples\n", className, dist[className]))
	}

	return sb.String()
}
