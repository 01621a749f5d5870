package training

import (
	"fmt"
	"log"
	"time"

	"github.com/tsawler/go-qat/layers"
)

// formatDuration formats duration as HH:MM:SS
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int(d.Round(time.Second).Seconds())
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, total/60%60, total%60)
}

// EstimateFinish projects the end of the run from the cost of one epoch,
// assuming every remaining epoch costs the same. It returns the formatted
// epoch cost and finish time.
func EstimateFinish(cost time.Duration, epoch, totalEpochs int, now time.Time) (string, string) {
	remaining := totalEpochs - epoch - 1
	if remaining < 0 {
		remaining = 0
	}
	finish := now.Add(cost * time.Duration(remaining))
	return formatDuration(cost), finish.Format("2006-01-02 15:04:05")
}

// ModelArchitecturePrinter logs the model architecture one layer per line
type ModelArchitecturePrinter struct {
	modelName string
	logger    *log.Logger
}

// NewModelArchitecturePrinter creates a new model architecture printer
func NewModelArchitecturePrinter(modelName string, logger *log.Logger) *ModelArchitecturePrinter {
	return &ModelArchitecturePrinter{
		modelName: modelName,
		logger:    logger,
	}
}

// PrintArchitecture logs one line per layer followed by the parameter count
func (p *ModelArchitecturePrinter) PrintArchitecture(modelSpec *layers.ModelSpec) {
	p.logger.Printf("creating model %s", p.modelName)
	p.logger.Printf("model structure: ")
	for i, layer := range modelSpec.Layers {
		p.logger.Printf("\t%s", p.formatLayer(layer, i))
	}
	p.logger.Printf("number of parameters: %d (%s)", modelSpec.TotalParameters,
		formatParameterCount(modelSpec.TotalParameters))
}

// formatLayer formats a single layer for display
func (p *ModelArchitecturePrinter) formatLayer(layer layers.LayerSpec, index int) string {
	switch layer.Type {
	case layers.QuantConv2D:
		return p.formatConv2D(layer)
	case layers.Dense:
		return p.formatDense(layer)
	case layers.ReLU:
		return fmt.Sprintf("%s: ReLU()", layer.Name)
	case layers.AvgPool2D:
		k := intParam(layer, "kernel_size")
		return fmt.Sprintf("%s: AvgPool2d(kernel_size=%d, stride=%d)", layer.Name, k, k)
	default:
		return fmt.Sprintf("%s: %s()", layer.Name, layer.Type.String())
	}
}

// formatConv2D formats a quantized convolution
func (p *ModelArchitecturePrinter) formatConv2D(layer layers.LayerSpec) string {
	kernelSize := intParam(layer, "kernel_size")
	stride := intParam(layer, "stride")
	padding := intParam(layer, "padding")
	binarize, _ := layer.Parameters["binarize_input"].(bool)

	return fmt.Sprintf("%s: QConv2d(%d, %d, kernel_size=(%d, %d), stride=(%d, %d), padding=(%d, %d), bias=False, binarize_input=%t)",
		layer.Name, intParam(layer, "input_channels"), intParam(layer, "output_channels"),
		kernelSize, kernelSize, stride, stride, padding, padding, binarize)
}

// formatDense formats a Dense/Linear layer
func (p *ModelArchitecturePrinter) formatDense(layer layers.LayerSpec) string {
	useBias, _ := layer.Parameters["use_bias"].(bool)
	return fmt.Sprintf("%s: Linear(in_features=%d, out_features=%d, bias=%t)",
		layer.Name, intParam(layer, "input_size"), intParam(layer, "output_size"), useBias)
}

func intParam(layer layers.LayerSpec, key string) int {
	switch v := layer.Parameters[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

// formatParameterCount formats parameter count with K/M suffixes
func formatParameterCount(count int64) string {
	if count >= 1000000 {
		return fmt.Sprintf("%.1fM", float64(count)/1000000.0)
	} else if count >= 1000 {
		return fmt.Sprintf("%.1fK", float64(count)/1000.0)
	}
	return fmt.Sprintf("%d", count)
}
