package metrics

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// PlotType names a chart understood by the dashboard.
type PlotType string

const (
	TrainingCurves       PlotType = "training_curves"
	AccuracyCurves       PlotType = "accuracy_curves"
	LearningRateSchedule PlotType = "learning_rate_schedule"
	TauSchedule          PlotType = "tau_schedule"
)

// PlotData is the JSON document written to curves.json and posted to the
// dashboard.
type PlotData struct {
	PlotType  PlotType     `json:"plot_type"`
	Title     string       `json:"title"`
	Timestamp time.Time    `json:"timestamp"`
	ModelName string       `json:"model_name"`
	Series    []SeriesData `json:"series"`
	Config    PlotConfig   `json:"config"`
}

// SeriesData represents a single data series in a plot
type SeriesData struct {
	Name  string         `json:"name"`
	Type  string         `json:"type"` // "line", "scatter"
	Data  []DataPoint    `json:"data"`
	Style map[string]any `json:"style,omitempty"`
}

// DataPoint is one (epoch, value) pair.
type DataPoint struct {
	X int     `json:"x"`
	Y float64 `json:"y"`
}

// PlotConfig contains plot-specific configuration
type PlotConfig struct {
	XAxisLabel string `json:"x_axis_label"`
	YAxisLabel string `json:"y_axis_label"`
	XAxisScale string `json:"x_axis_scale"` // "linear", "log"
	YAxisScale string `json:"y_axis_scale"`
	ShowLegend bool   `json:"show_legend"`
	ShowGrid   bool   `json:"show_grid"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
}

type seriesSpec struct {
	scalar string
	label  string
	color  string
	dashed bool
}

type plotSpec struct {
	kind   PlotType
	title  string
	yLabel string
	yScale string
	height int
	series []seriesSpec
}

var plotSpecs = []plotSpec{
	{TrainingCurves, "Loss", "Loss", "linear", 600, []seriesSpec{
		{"train/Loss", "Training Loss", "#FF6B6B", false},
		{"test/Loss", "Validation Loss", "#FF9F43", true},
	}},
	{AccuracyCurves, "Top-1 / Top-5 Accuracy", "Accuracy (%)", "linear", 600, []seriesSpec{
		{"train/Acc@1", "Training Acc@1", "#4ECDC4", false},
		{"test/Acc@1", "Validation Acc@1", "#5F27CD", true},
		{"test/Acc@5", "Validation Acc@5", "#A29BFE", true},
	}},
	{LearningRateSchedule, "Learning Rate Schedule", "Learning Rate", "log", 400, []seriesSpec{
		{"lr", "Learning Rate", "#6C5CE7", false},
	}},
	{TauSchedule, "Tau Schedule", "Tau", "linear", 400, []seriesSpec{
		{"tau", "Tau", "#00B894", false},
	}},
}

// CurveCollector is a Sink that keeps the latest value per (name, step) and
// turns them into plots. Close writes the plots to its path as JSON.
type CurveCollector struct {
	mu        sync.Mutex
	modelName string
	path      string
	values    map[string]map[int]float64
	now       func() time.Time
}

// NewCurveCollector creates a collector writing to path on Close. An empty
// path disables the file.
func NewCurveCollector(modelName, path string) *CurveCollector {
	return &CurveCollector{
		modelName: modelName,
		path:      path,
		values:    make(map[string]map[int]float64),
		now:       time.Now,
	}
}

func (c *CurveCollector) AddScalar(name string, value float64, step int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.values[name] == nil {
		c.values[name] = make(map[int]float64)
	}
	c.values[name][step] = value
	return nil
}

// Plots returns every plot with at least one recorded point.
func (c *CurveCollector) Plots() []PlotData {
	c.mu.Lock()
	defer c.mu.Unlock()

	var plots []PlotData
	for _, spec := range plotSpecs {
		var series []SeriesData
		for _, s := range spec.series {
			points := c.points(s.scalar)
			if len(points) == 0 {
				continue
			}
			style := map[string]any{"color": s.color, "line_width": 2}
			if s.dashed {
				style["line_style"] = "dashed"
			}
			series = append(series, SeriesData{Name: s.label, Type: "line", Data: points, Style: style})
		}
		if len(series) == 0 {
			continue
		}
		plots = append(plots, PlotData{
			PlotType:  spec.kind,
			Title:     fmt.Sprintf("%s - %s", spec.title, c.modelName),
			Timestamp: c.now(),
			ModelName: c.modelName,
			Series:    series,
			Config: PlotConfig{
				XAxisLabel: "Epoch",
				YAxisLabel: spec.yLabel,
				XAxisScale: "linear",
				YAxisScale: spec.yScale,
				ShowLegend: true,
				ShowGrid:   true,
				Width:      800,
				Height:     spec.height,
			},
		})
	}
	return plots
}

// points returns the values of name sorted by step.
func (c *CurveCollector) points(name string) []DataPoint {
	byStep := c.values[name]
	points := make([]DataPoint, 0, len(byStep))
	for step, v := range byStep {
		points = append(points, DataPoint{X: step, Y: v})
	}
	sort.Slice(points, func(i, j int) bool { return points[i].X < points[j].X })
	return points
}

// ToJSON converts the plots to indented JSON.
func (c *CurveCollector) ToJSON() ([]byte, error) {
	return json.MarshalIndent(c.Plots(), "", "  ")
}

// Close writes the plots; the file is replaced atomically.
func (c *CurveCollector) Close() error {
	if c.path == "" {
		return nil
	}
	data, err := c.ToJSON()
	if err != nil {
		return fmt.Errorf("marshal curves: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(c.path), ".curves-*.json")
	if err != nil {
		return fmt.Errorf("write curves: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write curves: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write curves: %w", err)
	}
	return os.Rename(tmp.Name(), c.path)
}
