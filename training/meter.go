package training

import "fmt"

// AverageMeter keeps the latest value and the weighted running average of a
// metric over one pass.
type AverageMeter struct {
	Name  string
	Val   float64
	Sum   float64
	Count float64
	Avg   float64
}

// NewAverageMeter creates an empty meter.
func NewAverageMeter(name string) *AverageMeter {
	return &AverageMeter{Name: name}
}

// Update records value with the given weight, usually the batch size.
func (m *AverageMeter) Update(value float64, weight int) {
	m.Val = value
	m.Sum += value * float64(weight)
	m.Count += float64(weight)
	if m.Count > 0 {
		m.Avg = m.Sum / m.Count
	}
}

// Average returns Sum/Count. Calling it before any Update returns 0.
func (m *AverageMeter) Average() float64 { return m.Avg }

func (m *AverageMeter) Reset() {
	m.Val, m.Sum, m.Count, m.Avg = 0, 0, 0, 0
}

// Format renders "val (avg)" with the given verb, e.g. "%.4f".
func (m *AverageMeter) Format(verb string) string {
	return fmt.Sprintf(verb+" ("+verb+")", m.Val, m.Avg)
}
