// Package suite drives the harness, the coordinator and the comparison
// engine across parameter sweeps and assembles their results into series.
package suite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/weiihann/cxlbench/backend"
	"github.com/weiihann/cxlbench/compare"
	"github.com/weiihann/cxlbench/coordinator"
	"github.com/weiihann/cxlbench/harness"
	"github.com/weiihann/cxlbench/metrics"
	"github.com/weiihann/cxlbench/workload"
)

// ErrUnknownSuite reports a suite selector that is not one of Names.
var ErrUnknownSuite = errors.New("unknown suite")

// Suite names accepted by Runner.Run.
const (
	All         = "all"
	Bandwidth   = "bandwidth"
	Latency     = "latency"
	Concurrency = "concurrency"
	FPGA        = "fpga"
	Compare     = "compare"
)

// Names returns every suite selector.
func Names() []string {
	return []string{All, Bandwidth, Latency, Concurrency, FPGA, Compare}
}

// Launcher runs one concurrency configuration. *coordinator.Coordinator
// implements it.
type Launcher interface {
	Run(ctx context.Context, spec coordinator.Spec) (coordinator.Run, error)
}

// Params is the parameter grid the suites sweep.
type Params struct {
	Backend           string
	BlockSizes        []int64
	Iterations        int
	LatencyIterations []int
	ProcessCounts     []int
	ConcurrencyBlock  int64
	ConcurrencyKind   harness.Kind
	FpgaIterations    int
	Pattern           string
	Seed              int64
}

// Results is everything one invocation produced, in execution order.
type Results struct {
	RunID  string             `json:"run_id" yaml:"run_id"`
	Suite  string             `json:"suite" yaml:"suite"`
	Series []harness.Series   `json:"series" yaml:"series"`
	Runs   []coordinator.Run  `json:"runs,omitempty" yaml:"runs,omitempty"`
	Totals map[string]float64 `json:"totals,omitempty" yaml:"totals,omitempty"`
}

// Runner executes suites against one initialized harness.
type Runner struct {
	h        *harness.Harness
	launcher Launcher
	params   Params
	recorder *metrics.Recorder
	logger   *slog.Logger
	runID    string
}

// New creates a Runner. recorder may be nil.
func New(
	h *harness.Harness,
	launcher Launcher,
	params Params,
	recorder *metrics.Recorder,
	runID string,
	logger *slog.Logger,
) *Runner {
	return &Runner{
		h:        h,
		launcher: launcher,
		params:   params,
		recorder: recorder,
		logger:   logger.With(slog.String("run_id", runID)),
		runID:    runID,
	}
}

// Run executes the named suite. "all" runs every suite in the order
// bandwidth, latency, concurrency, fpga, compare.
func (r *Runner) Run(ctx context.Context, name string) (Results, error) {
	res := Results{
		RunID:  r.runID,
		Suite:  name,
		Totals: make(map[string]float64),
	}

	var selected []string

	switch name {
	case All:
		selected = []string{Bandwidth, Latency, Concurrency, FPGA, Compare}
	case Bandwidth, Latency, Concurrency, FPGA, Compare:
		selected = []string{name}
	default:
		return Results{}, fmt.Errorf("%w %q (want one of %s)",
			ErrUnknownSuite, name, strings.Join(Names(), ", "))
	}

	for _, s := range selected {
		r.logger.InfoContext(ctx, "running suite", slog.String("suite", s))

		var (
			series []harness.Series
			runs   []coordinator.Run
			err    error
		)

		switch s {
		case Bandwidth:
			series, err = r.Bandwidth()
		case Latency:
			series, err = r.Latency()
		case Concurrency:
			series, runs, err = r.Concurrency(ctx)
		case FPGA:
			series, err = r.FPGA()
		case Compare:
			series, err = r.Compare()
		}

		if err != nil {
			return res, fmt.Errorf("%s suite: %w", s, err)
		}

		for _, ser := range series {
			ser.RunID = r.runID
			res.Series = append(res.Series, ser)

			if r.recorder != nil {
				r.recorder.ObserveSeries(s, ser)
			}
		}

		for _, run := range runs {
			res.Runs = append(res.Runs, run)
			res.Totals["concurrency/"+strconv.Itoa(run.Spec.Processes)] = run.Aggregate

			if r.recorder != nil {
				r.recorder.ObserveRun(run)
			}
		}
	}

	return res, nil
}

// Bandwidth measures device write and read bandwidth over the block-size
// sweep.
func (r *Runner) Bandwidth() ([]harness.Series, error) {
	write := harness.NewSeries("device write", harness.ParamBlockSize)
	read := harness.NewSeries("device read", harness.ParamBlockSize)

	for _, bs := range r.params.BlockSizes {
		label := workload.SizeLabel(bs)

		w, err := r.h.TestBandwidth(harness.KindWrite, bs, r.params.Iterations)
		if err != nil {
			return nil, err
		}
		write.Add(label, bs, w)

		rd, err := r.h.TestBandwidth(harness.KindRead, bs, r.params.Iterations)
		if err != nil {
			return nil, err
		}
		read.Add(label, bs, rd)
	}

	return []harness.Series{write, read}, nil
}

// Latency measures device latency for each iteration count.
func (r *Runner) Latency() ([]harness.Series, error) {
	lat := harness.NewSeries("device latency", harness.ParamIterations)

	for _, n := range r.params.LatencyIterations {
		m, err := r.h.TestLatency(n)
		if err != nil {
			return nil, err
		}

		lat.Add(strconv.Itoa(n), int64(n), m)
	}

	return []harness.Series{lat}, nil
}

// Concurrency runs the coordinator for every process count. It returns
// the aggregate series, the scaling relative to one process, and the
// per-worker series of the largest run.
func (r *Runner) Concurrency(ctx context.Context) ([]harness.Series, []coordinator.Run, error) {
	kind := r.params.ConcurrencyKind
	if kind == "" {
		kind = harness.KindWrite
	}

	aggregate := harness.NewSeries("aggregate "+string(kind), harness.ParamProcesses)
	scaling := harness.NewSeries("scaling "+string(kind), harness.ParamProcesses)

	cfg := r.h.Config()
	runs := make([]coordinator.Run, 0, len(r.params.ProcessCounts))

	var base float64

	for i, k := range r.params.ProcessCounts {
		run, err := r.launcher.Run(ctx, coordinator.Spec{
			DevicePath: cfg.DevicePath,
			Size:       cfg.Size,
			BlockSize:  r.params.ConcurrencyBlock,
			Iterations: r.params.Iterations,
			Kind:       kind,
			Processes:  k,
			Backend:    r.params.Backend,
			Pattern:    r.params.Pattern,
			Seed:       r.params.Seed,
		})
		if err != nil {
			return nil, nil, err
		}

		if run.Failed() > 0 {
			r.logger.WarnContext(ctx, "concurrency run degraded",
				slog.Int("processes", k),
				slog.Int("failed_workers", run.Failed()),
			)
		}

		runs = append(runs, run)

		tc := harness.TestConfig{
			DevicePath: cfg.DevicePath,
			Size:       cfg.Size,
			BlockSize:  r.params.ConcurrencyBlock,
			Iterations: r.params.Iterations,
			Kind:       kind,
			Processes:  k,
		}

		label := strconv.Itoa(k)
		aggregate.Add(label, int64(k), harness.Measurement{
			Config: tc,
			Value:  run.Aggregate,
			Unit:   "GiB/s",
		})

		if i == 0 {
			base = run.Aggregate / float64(k)
		}

		ratio := 0.0
		if base > 0 {
			ratio = run.Aggregate / base
		}

		scaling.Add(label, int64(k), harness.Measurement{
			Config: tc,
			Value:  ratio,
			Unit:   "x",
		})
	}

	series := []harness.Series{aggregate, scaling}

	if len(runs) > 0 {
		series = append(series, workerSeries(runs[len(runs)-1]))
	}

	return series, runs, nil
}

func workerSeries(run coordinator.Run) harness.Series {
	s := harness.NewSeries(
		fmt.Sprintf("workers %s x%d", run.Spec.Kind, run.Spec.Processes),
		harness.ParamWorker,
	)

	for _, slot := range run.Slots {
		s.Add(strconv.Itoa(slot.ID), int64(slot.ID), harness.Measurement{
			Config: harness.TestConfig{
				DevicePath: run.Spec.DevicePath,
				Size:       run.Spec.Size,
				BlockSize:  run.Spec.BlockSize,
				Offset:     slot.Offset,
				Iterations: run.Spec.Iterations,
				Kind:       run.Spec.Kind,
				Processes:  run.Spec.Processes,
			},
			Value: slot.Value,
			Unit:  "GiB/s",
		})
	}

	return s
}

// FPGA measures every offload operation.
func (r *Runner) FPGA() ([]harness.Series, error) {
	s := harness.NewSeries("fpga", harness.ParamOperation)

	for _, op := range backend.Ops() {
		m, err := r.h.TestFpgaOp(op.String(), r.params.FpgaIterations)
		if err != nil {
			return nil, err
		}

		s.Add(op.String(), int64(op), m)
	}

	return []harness.Series{s}, nil
}

// Compare measures the device and standard memory over the same sweep and
// adds the device-to-standard ratio for writes and reads.
func (r *Runner) Compare() ([]harness.Series, error) {
	device, err := r.Bandwidth()
	if err != nil {
		return nil, err
	}

	engine := compare.New(compare.Config{
		Iterations: r.params.Iterations,
		Pattern:    r.params.Pattern,
		Seed:       r.params.Seed,
	}, r.logger)

	std, err := engine.Run(r.params.BlockSizes)
	if err != nil {
		return nil, err
	}

	writeRatio, err := ratio("write ratio", device[0], std.Write)
	if err != nil {
		return nil, err
	}

	readRatio, err := ratio("read ratio", device[1], std.Read)
	if err != nil {
		return nil, err
	}

	return []harness.Series{
		device[0], device[1], std.Write, std.Read, writeRatio, readRatio,
	}, nil
}

func ratio(name string, dev, std harness.Series) (harness.Series, error) {
	if !harness.Aligned(dev, std) {
		return harness.Series{}, fmt.Errorf("series %q and %q are not aligned", dev.Name, std.Name)
	}

	out := harness.NewSeries(name, dev.Param)

	for i, p := range dev.Points {
		v := 0.0
		if s := std.Points[i].Result.Value; s > 0 {
			v = p.Result.Value / s
		}

		out.Add(p.Label, p.Key, harness.Measurement{
			Config: p.Result.Config,
			Value:  v,
			Unit:   "x",
		})
	}

	return out, nil
}
