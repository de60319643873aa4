package harness

// Summary is the simple aggregate of a set of values.
type Summary struct {
	Size int     `json:"size" yaml:"size"`
	Sum  float64 `json:"sum" yaml:"sum"`
	Mean float64 `json:"mean" yaml:"mean"`
	Min  float64 `json:"min" yaml:"min"`
	Max  float64 `json:"max" yaml:"max"`
}

// Summarize computes sum, mean, min and max over values.
func Summarize(values []float64) Summary {
	if len(values) == 0 {
		return Summary{}
	}

	s := Summary{
		Size: len(values),
		Min:  values[0],
		Max:  values[0],
	}

	for _, v := range values {
		s.Sum += v
		s.Min = min(s.Min, v)
		s.Max = max(s.Max, v)
	}

	s.Mean = s.Sum / float64(s.Size)

	return s
}
