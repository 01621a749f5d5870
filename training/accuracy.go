package training

import (
	"fmt"
	"sort"

	"github.com/tsawler/go-qat/tensor"
)

// TopKAccuracy returns, for every k, the percentage of rows of outputs
// ([batch, classes]) whose label is among the k highest scores. Classes with
// equal scores rank by ascending index. k larger than the class count is
// clamped to it.
func TopKAccuracy(outputs *tensor.Tensor, labels []int, ks ...int) ([]float64, error) {
	if outputs.Dim() != 2 {
		return nil, fmt.Errorf("outputs must be 2D [batch, classes], got shape %v", outputs.Shape)
	}
	batch, classes := outputs.Shape[0], outputs.Shape[1]
	if len(labels) != batch {
		return nil, fmt.Errorf("got %d labels for a batch of %d", len(labels), batch)
	}
	if batch == 0 {
		return nil, fmt.Errorf("empty batch")
	}

	maxK := 0
	for _, k := range ks {
		if k <= 0 {
			return nil, fmt.Errorf("invalid k %d", k)
		}
		if k > maxK {
			maxK = k
		}
	}
	if maxK > classes {
		maxK = classes
	}

	correct := make([]int, len(ks))
	order := make([]int, classes)
	for i := 0; i < batch; i++ {
		label := labels[i]
		if label < 0 || label >= classes {
			return nil, fmt.Errorf("label %d out of range [0, %d)", label, classes)
		}
		row := outputs.Row(i)
		for c := range order {
			order[c] = c
		}
		sort.SliceStable(order, func(a, b int) bool { return row[order[a]] > row[order[b]] })

		rank := -1
		for r := 0; r < maxK; r++ {
			if order[r] == label {
				rank = r
				break
			}
		}
		if rank < 0 {
			continue
		}
		for j, k := range ks {
			if rank < k {
				correct[j]++
			}
		}
	}

	res := make([]float64, len(ks))
	for j := range ks {
		res[j] = 100 * float64(correct[j]) / float64(batch)
	}
	return res, nil
}
