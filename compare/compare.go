// Package compare measures conventional system memory with the same
// block-size sweep used against the device, giving a baseline to compare
// device bandwidth with.
package compare

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/weiihann/cxlbench/harness"
	"github.com/weiihann/cxlbench/workload"
)

const gib = 1 << 30

// sink receives every reduction so the read loop has an observable effect.
var sink atomic.Uint64

// Config controls the baseline measurement.
type Config struct {
	Iterations int
	Pattern    string
	Seed       int64
}

// Engine measures system-memory bandwidth.
type Engine struct {
	cfg    Config
	gen    *workload.Generator
	logger *slog.Logger
}

// Result holds the baseline series. Write and Read are keyed by block size
// in the order the sizes were given.
type Result struct {
	Write    harness.Series
	Read     harness.Series
	Checksum uint64
}

// New creates an Engine.
func New(cfg Config, logger *slog.Logger) *Engine {
	return &Engine{
		cfg: cfg,
		gen: workload.NewGenerator(workload.Config{
			Pattern: cfg.Pattern,
			Seed:    cfg.Seed,
		}),
		logger: logger.With(slog.String("memory", "standard")),
	}
}

// Run measures write and read bandwidth for every block size.
func (e *Engine) Run(blockSizes []int64) (Result, error) {
	if e.cfg.Iterations < 1 {
		return Result{}, fmt.Errorf("%w: iterations %d",
			harness.ErrInvalidArgument, e.cfg.Iterations)
	}

	res := Result{
		Write: harness.NewSeries("standard write", harness.ParamBlockSize),
		Read:  harness.NewSeries("standard read", harness.ParamBlockSize),
	}

	for _, bs := range blockSizes {
		if bs <= 0 {
			return Result{}, fmt.Errorf("%w: block size %d", harness.ErrInvalidArgument, bs)
		}

		src := e.gen.Buffer(bs)
		dst := make([]byte, bs)

		w := e.measureWrite(dst, src)
		r, sum := e.measureRead(src)
		res.Checksum += sum

		label := workload.SizeLabel(bs)
		res.Write.Add(label, bs, e.measurement(harness.KindWrite, bs, w))
		res.Read.Add(label, bs, e.measurement(harness.KindRead, bs, r))

		e.logger.Debug("baseline measured",
			slog.Int64("block_size", bs),
			slog.Float64("write_gib_per_sec", w),
			slog.Float64("read_gib_per_sec", r),
		)
	}

	sink.Add(res.Checksum)

	return res, nil
}

// measureWrite times iterations full-buffer copies of src into dst.
func (e *Engine) measureWrite(dst, src []byte) float64 {
	start := time.Now()
	for i := 0; i < e.cfg.Iterations; i++ {
		copy(dst, src)
	}
	elapsed := time.Since(start)

	return bandwidth(int64(len(src))*int64(e.cfg.Iterations), elapsed)
}

// measureRead times iterations reductions over src and returns the sum so
// the loads stay live.
func (e *Engine) measureRead(src []byte) (float64, uint64) {
	var sum uint64

	start := time.Now()
	for i := 0; i < e.cfg.Iterations; i++ {
		sum += reduce(src)
	}
	elapsed := time.Since(start)

	return bandwidth(int64(len(src))*int64(e.cfg.Iterations), elapsed), sum
}

func (e *Engine) measurement(kind harness.Kind, bs int64, value float64) harness.Measurement {
	return harness.Measurement{
		Config: harness.TestConfig{
			BlockSize:  bs,
			Iterations: e.cfg.Iterations,
			Kind:       kind,
			Processes:  1,
		},
		Value: value,
		Unit:  "GiB/s",
	}
}

func reduce(b []byte) uint64 {
	var sum uint64

	n := len(b) &^ 7
	for i := 0; i < n; i += 8 {
		sum += binary.LittleEndian.Uint64(b[i:])
	}

	for _, v := range b[n:] {
		sum += uint64(v)
	}

	return sum
}

func bandwidth(bytes int64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		elapsed = time.Nanosecond
	}

	return float64(bytes) / elapsed.Seconds() / gib
}
