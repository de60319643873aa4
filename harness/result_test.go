package harness

import (
	"slices"
	"testing"
)

func TestSeriesAccessors(t *testing.T) {
	s := NewSeries("device write", ParamBlockSize)
	s.Add("4 KiB", 4096, Measurement{Value: 1.5, Unit: "GiB/s"})
	s.Add("8 KiB", 8192, Measurement{Value: 2.5, Unit: "GiB/s"})

	if s.Len() != 2 {
		t.Errorf("Len() = %d, want 2", s.Len())
	}
	if got := s.Values(); !slices.Equal(got, []float64{1.5, 2.5}) {
		t.Errorf("Values() = %v, want [1.5 2.5]", got)
	}
	if got := s.Keys(); !slices.Equal(got, []int64{4096, 8192}) {
		t.Errorf("Keys() = %v, want [4096 8192]", got)
	}
	if s.Unit() != "GiB/s" {
		t.Errorf("Unit() = %q, want GiB/s", s.Unit())
	}
	if (Series{}).Unit() != "" {
		t.Error("empty series should have no unit")
	}
}

func TestAligned(t *testing.T) {
	a := NewSeries("a", ParamBlockSize)
	b := NewSeries("b", ParamBlockSize)

	for _, k := range []int64{4096, 8192} {
		a.Add("", k, Measurement{})
		b.Add("", k, Measurement{Value: 1})
	}

	if !Aligned(a, b) {
		t.Error("expected aligned series")
	}

	c := NewSeries("c", ParamBlockSize)
	c.Add("", 8192, Measurement{})
	c.Add("", 4096, Measurement{})

	if Aligned(a, c) {
		t.Error("different key order reported as aligned")
	}

	d := NewSeries("d", ParamProcesses)
	d.Add("", 4096, Measurement{})
	d.Add("", 8192, Measurement{})

	if Aligned(a, d) {
		t.Error("different params reported as aligned")
	}
}

func TestSummarize(t *testing.T) {
	s := Summarize([]float64{2, 0, 4, 6})

	want := Summary{Size: 4, Sum: 12, Mean: 3, Min: 0, Max: 6}
	if s != want {
		t.Errorf("Summarize = %+v, want %+v", s, want)
	}

	if (Summarize(nil) != Summary{}) {
		t.Error("Summarize(nil) should be zero")
	}
}
