// Package harness owns one logical connection to a memory device and the
// values measurements produce.
package harness

import (
	"fmt"

	"github.com/weiihann/cxlbench/backend"
)

// Kind is the kind of test a configuration runs.
type Kind string

// Test kinds.
const (
	KindWrite   Kind = "write"
	KindRead    Kind = "read"
	KindLatency Kind = "latency"
	KindFpgaOp  Kind = "fpga-op"
)

// ParseKind validates a test kind name.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindWrite, KindRead, KindLatency, KindFpgaOp:
		return k, nil
	default:
		return "", fmt.Errorf("%w: test kind %q", backend.ErrUnknownOperation, s)
	}
}

// TestConfig fully determines one measurement. It is passed by value and
// never mutated after construction.
type TestConfig struct {
	DevicePath string `json:"device_path" yaml:"device_path"`
	Size       int64  `json:"size" yaml:"size"`
	BlockSize  int64  `json:"block_size,omitempty" yaml:"block_size,omitempty"`
	Offset     int64  `json:"offset,omitempty" yaml:"offset,omitempty"`
	Iterations int    `json:"iterations" yaml:"iterations"`
	Kind       Kind   `json:"kind" yaml:"kind"`
	Op         string `json:"op,omitempty" yaml:"op,omitempty"`
	Processes  int    `json:"processes" yaml:"processes"`
}

// Measurement is a single scalar result tagged with its configuration.
type Measurement struct {
	Config TestConfig `json:"config" yaml:"config"`
	Value  float64    `json:"value" yaml:"value"`
	Unit   string     `json:"unit" yaml:"unit"`
}

// Point is one entry of a Series: the swept parameter and its result.
type Point struct {
	Label  string      `json:"label" yaml:"label"`
	Key    int64       `json:"key" yaml:"key"`
	Result Measurement `json:"result" yaml:"result"`
}

// Series is an ordered sequence of measurements keyed by a swept
// parameter. Points are kept in sweep order.
type Series struct {
	Name   string  `json:"name" yaml:"name"`
	Param  string  `json:"param" yaml:"param"`
	RunID  string  `json:"run_id,omitempty" yaml:"run_id,omitempty"`
	Points []Point `json:"points" yaml:"points"`
}

// Swept parameter names.
const (
	ParamBlockSize  = "block_size"
	ParamProcesses  = "processes"
	ParamWorker     = "worker"
	ParamOperation  = "operation"
	ParamIterations = "iterations"
)

// NewSeries returns an empty series.
func NewSeries(name, param string) Series {
	return Series{Name: name, Param: param}
}

// Add appends a point.
func (s *Series) Add(label string, key int64, m Measurement) {
	s.Points = append(s.Points, Point{Label: label, Key: key, Result: m})
}

// Len returns the number of points.
func (s Series) Len() int {
	return len(s.Points)
}

// Values returns the measured values in sweep order.
func (s Series) Values() []float64 {
	values := make([]float64, len(s.Points))
	for i, p := range s.Points {
		values[i] = p.Result.Value
	}

	return values
}

// Keys returns the swept parameter values in sweep order.
func (s Series) Keys() []int64 {
	keys := make([]int64, len(s.Points))
	for i, p := range s.Points {
		keys[i] = p.Key
	}

	return keys
}

// Unit returns the unit of the first point, or "" for an empty series.
func (s Series) Unit() string {
	if len(s.Points) == 0 {
		return ""
	}

	return s.Points[0].Result.Unit
}

// Aligned reports whether a and b sweep the same parameter values in the
// same order, so they can be compared point by point.
func Aligned(a, b Series) bool {
	if a.Param != b.Param || len(a.Points) != len(b.Points) {
		return false
	}

	for i := range a.Points {
		if a.Points[i].Key != b.Points[i].Key {
			return false
		}
	}

	return true
}
