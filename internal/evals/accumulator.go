package evals

import (
	"fmt"
	"sort"
	"strings"
)

// BatchValue is one batch's worth of a metric: a flattened (Rows, Cols)
// block of float32 values. Scalar-per-token metrics use Cols == 1;
// histogram metrics carry the full sorted token blocks.
type BatchValue struct {
	Rows int
	Cols int
	Data []float32
}

func (v BatchValue) validate() error {
	if v.Rows <= 0 || v.Cols <= 0 {
		return fmt.Errorf("evals: batch value has shape (%d,%d)", v.Rows, v.Cols)
	}
	if len(v.Data) != v.Rows*v.Cols {
		return fmt.Errorf("evals: batch value holds %d values, shape (%d,%d) wants %d",
			len(v.Data), v.Rows, v.Cols, v.Rows*v.Cols)
	}
	return nil
}

// Metric is one finalized metric. Keys containing "hist" aggregate into a
// sorted histogram vector; everything else reduces to a scalar mean.
type Metric struct {
	Name   string
	IsHist bool
	Scalar float64
	Hist   []float32
}

// Accumulator collects per-batch metric values and reduces them after the
// last batch. Metrics appear in finalized output in first-Record order, so
// two runs over the same data produce identically ordered results.
type Accumulator struct {
	order  []string
	values map[string][]BatchValue
}

func NewAccumulator() *Accumulator {
	return &Accumulator{values: make(map[string][]BatchValue)}
}

// Record appends one batch's value for the named metric.
func (a *Accumulator) Record(name string, v BatchValue) error {
	if name == "" {
		return fmt.Errorf("evals: empty metric name")
	}
	if err := v.validate(); err != nil {
		return fmt.Errorf("%w (metric %q)", err, name)
	}
	if _, seen := a.values[name]; !seen {
		a.order = append(a.order, name)
	}
	a.values[name] = append(a.values[name], v)
	return nil
}

// Names returns the metric names in insertion order.
func (a *Accumulator) Names() []string {
	out := make([]string, len(a.order))
	copy(out, a.order)
	return out
}

// Finalize reduces every recorded metric. Scalar metrics concatenate all
// batch values and take the mean. Histogram metrics (name contains "hist")
// stack the batches, sort each batch along the token axis with block
// positions intact, and average position-wise across batches; ragged batch
// shapes are an error since the positions would not correspond.
func (a *Accumulator) Finalize() ([]Metric, error) {
	out := make([]Metric, 0, len(a.order))
	for _, name := range a.order {
		batches := a.values[name]
		if strings.Contains(name, "hist") {
			hist, err := finalizeHist(name, batches)
			if err != nil {
				return nil, err
			}
			out = append(out, Metric{Name: name, IsHist: true, Hist: hist})
			continue
		}
		out = append(out, Metric{Name: name, Scalar: finalizeScalar(batches)})
	}
	return out, nil
}

func finalizeScalar(batches []BatchValue) float64 {
	var sum float64
	var n int
	for _, b := range batches {
		for _, v := range b.Data {
			sum += float64(v)
		}
		n += len(b.Data)
	}
	return sum / float64(n)
}

func finalizeHist(name string, batches []BatchValue) ([]float32, error) {
	rows, cols := batches[0].Rows, batches[0].Cols
	for i, b := range batches {
		if b.Rows != rows || b.Cols != cols {
			return nil, fmt.Errorf("evals: metric %q batch %d has shape (%d,%d), batch 0 has (%d,%d)",
				name, i, b.Rows, b.Cols, rows, cols)
		}
	}

	acc := make([]float64, rows*cols)
	column := make([]float32, rows)
	for _, b := range batches {
		for c := 0; c < cols; c++ {
			for r := 0; r < rows; r++ {
				column[r] = b.Data[r*cols+c]
			}
			sort.Slice(column, func(i, j int) bool { return column[i] < column[j] })
			for r, v := range column {
				acc[r*cols+c] += float64(v)
			}
		}
	}

	hist := make([]float32, rows*cols)
	inv := 1.0 / float64(len(batches))
	for i, v := range acc {
		hist[i] = float32(v * inv)
	}
	return hist, nil
}
