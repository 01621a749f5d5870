package training

import (
	"errors"
	"fmt"
	"math"

	"github.com/tsawler/go-qat/tensor"
)

// ErrNonFiniteLoss is returned when a batch produces a NaN or infinite loss.
var ErrNonFiniteLoss = errors.New("training: non-finite loss")

// Loss computes a scalar loss and its gradient with respect to the model
// output in one pass.
type Loss interface {
	Forward(logits *tensor.Tensor, labels []int) (loss float64, grad *tensor.Tensor, err error)
}

// CrossEntropyLoss implements softmax cross entropy for classification
type CrossEntropyLoss struct {
	reduction string // "mean" or "sum"
}

// NewCrossEntropyLoss creates a new Cross Entropy loss function
func NewCrossEntropyLoss(reduction string) *CrossEntropyLoss {
	if reduction == "" {
		reduction = "mean"
	}
	return &CrossEntropyLoss{reduction: reduction}
}

// Forward computes the cross entropy of logits ([batch_size, num_classes])
// against class indices, and d(loss)/d(logits) = softmax - onehot, scaled by
// 1/batch_size for the mean reduction.
func (ce *CrossEntropyLoss) Forward(logits *tensor.Tensor, labels []int) (float64, *tensor.Tensor, error) {
	if logits.Dim() != 2 {
		return 0, nil, fmt.Errorf("logits must be 2D tensor [batch_size, num_classes], got shape %v", logits.Shape)
	}
	batchSize, numClasses := logits.Shape[0], logits.Shape[1]
	if len(labels) != batchSize {
		return 0, nil, fmt.Errorf("batch size mismatch: logits %d, labels %d", batchSize, len(labels))
	}
	if batchSize == 0 {
		return 0, nil, fmt.Errorf("empty batch")
	}

	grad := tensor.MustZeros(batchSize, numClasses)
	scale := 1.0
	if ce.reduction == "mean" {
		scale = 1.0 / float64(batchSize)
	}

	var total float64
	for i := 0; i < batchSize; i++ {
		target := labels[i]
		if target < 0 || target >= numClasses {
			return 0, nil, fmt.Errorf("target class %d out of range [0, %d)", target, numClasses)
		}
		row := logits.Row(i)

		// Find max for numerical stability
		maxVal := float64(row[0])
		for _, v := range row[1:] {
			maxVal = math.Max(maxVal, float64(v))
		}
		var sum float64
		for _, v := range row {
			sum += math.Exp(float64(v) - maxVal)
		}
		logSumExp := maxVal + math.Log(sum)
		total += logSumExp - float64(row[target])

		g := grad.Row(i)
		for j, v := range row {
			p := math.Exp(float64(v) - logSumExp)
			if j == target {
				p -= 1
			}
			g[j] = float32(p * scale)
		}
	}

	loss := total * scale
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return loss, nil, ErrNonFiniteLoss
	}
	return loss, grad, nil
}
