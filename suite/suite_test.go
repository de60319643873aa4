package suite

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/weiihann/cxlbench/backend"
	"github.com/weiihann/cxlbench/coordinator"
	"github.com/weiihann/cxlbench/harness"
	"github.com/weiihann/cxlbench/metrics"
)

const testSize = 2 << 20

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeLauncher gives every worker id+1 GiB/s and fails the worker listed
// in failID.
type fakeLauncher struct {
	failID int
	specs  []coordinator.Spec
}

func (f *fakeLauncher) Run(_ context.Context, spec coordinator.Spec) (coordinator.Run, error) {
	f.specs = append(f.specs, spec)

	run := coordinator.Run{Spec: spec, Slots: make([]coordinator.Slot, spec.Processes)}
	for i := range run.Slots {
		slot := coordinator.Slot{
			ID:     i,
			Offset: int64(i) * spec.BlockSize,
			Status: coordinator.StatusOK,
			Value:  float64(i + 1),
		}

		if i == f.failID {
			slot.Status = coordinator.StatusInitFailed
			slot.Value = 0
		}

		run.Slots[i] = slot
		run.Aggregate += slot.Value
	}

	return run, nil
}

func newRunner(t *testing.T, launcher Launcher, rec *metrics.Recorder) *Runner {
	t.Helper()

	path := filepath.Join(t.TempDir(), "cxl0")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("create device file: %v", err)
	}

	b, err := backend.Load("sim")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	h := harness.New(b, harness.Config{DevicePath: path, Size: testSize}, discardLogger())
	if err := h.Initialize(); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	t.Cleanup(h.Cleanup)

	return New(h, launcher, Params{
		Backend:           "sim",
		BlockSizes:        []int64{4096, 8192, 16384},
		Iterations:        5,
		LatencyIterations: []int{1, 10},
		ProcessCounts:     []int{1, 2, 4},
		ConcurrencyBlock:  4096,
		ConcurrencyKind:   harness.KindWrite,
		FpgaIterations:    2,
		Pattern:           "random",
		Seed:              1,
	}, rec, "01HZTESTRUN", discardLogger())
}

func names(series []harness.Series) []string {
	out := make([]string, len(series))
	for i, s := range series {
		out[i] = s.Name
	}

	return out
}

func TestRunUnknownSuite(t *testing.T) {
	r := newRunner(t, &fakeLauncher{failID: -1}, nil)

	if _, err := r.Run(context.Background(), "bogus"); !errors.Is(err, ErrUnknownSuite) {
		t.Errorf("Run(bogus) error = %v, want ErrUnknownSuite", err)
	}
}

func TestBandwidthSweep(t *testing.T) {
	r := newRunner(t, &fakeLauncher{failID: -1}, nil)

	series, err := r.Bandwidth()
	if err != nil {
		t.Fatalf("Bandwidth failed: %v", err)
	}

	if got := names(series); !slices.Equal(got, []string{"device write", "device read"}) {
		t.Fatalf("series = %v", got)
	}

	for _, s := range series {
		if !slices.Equal(s.Keys(), []int64{4096, 8192, 16384}) {
			t.Errorf("%s keys = %v", s.Name, s.Keys())
		}
		for _, v := range s.Values() {
			if v <= 0 {
				t.Errorf("%s value = %v, want positive", s.Name, v)
			}
		}
	}
}

func TestCompareAligned(t *testing.T) {
	r := newRunner(t, &fakeLauncher{failID: -1}, nil)

	series, err := r.Compare()
	if err != nil {
		t.Fatalf("Compare failed: %v", err)
	}

	want := []string{
		"device write", "device read", "standard write", "standard read",
		"write ratio", "read ratio",
	}
	if got := names(series); !slices.Equal(got, want) {
		t.Fatalf("series = %v, want %v", got, want)
	}

	for _, s := range series[1:] {
		if !harness.Aligned(series[0], s) {
			t.Errorf("%s is not aligned with %s", s.Name, series[0].Name)
		}
	}

	if series[4].Unit() != "x" {
		t.Errorf("ratio unit = %q, want x", series[4].Unit())
	}
}

func TestConcurrencyAggregates(t *testing.T) {
	launcher := &fakeLauncher{failID: 2}
	r := newRunner(t, launcher, nil)

	series, runs, err := r.Concurrency(context.Background())
	if err != nil {
		t.Fatalf("Concurrency failed: %v", err)
	}

	if len(runs) != 3 || len(launcher.specs) != 3 {
		t.Fatalf("runs = %d, launches = %d, want 3", len(runs), len(launcher.specs))
	}

	for i, k := range []int{1, 2, 4} {
		if launcher.specs[i].Processes != k {
			t.Errorf("launch %d processes = %d, want %d", i, launcher.specs[i].Processes, k)
		}
		if launcher.specs[i].Backend != "sim" {
			t.Errorf("launch %d backend = %q, want sim", i, launcher.specs[i].Backend)
		}
	}

	aggregate := series[0]
	if got := aggregate.Values(); !slices.Equal(got, []float64{1, 3, 7}) {
		t.Errorf("aggregate = %v, want [1 3 7]", got)
	}

	scaling := series[1]
	if got := scaling.Values(); !slices.Equal(got, []float64{1, 3, 7}) {
		t.Errorf("scaling = %v, want [1 3 7]", got)
	}

	workers := series[2]
	if got := workers.Values(); !slices.Equal(got, []float64{1, 2, 0, 4}) {
		t.Errorf("workers = %v, want [1 2 0 4]", got)
	}
	if workers.Param != harness.ParamWorker {
		t.Errorf("worker series param = %q", workers.Param)
	}
}

func TestFPGA(t *testing.T) {
	r := newRunner(t, &fakeLauncher{failID: -1}, nil)

	series, err := r.FPGA()
	if err != nil {
		t.Fatalf("FPGA failed: %v", err)
	}

	s := series[0]
	if got := s.Keys(); !slices.Equal(got, []int64{1, 2, 3}) {
		t.Errorf("keys = %v, want [1 2 3]", got)
	}

	units := []string{s.Points[0].Result.Unit, s.Points[1].Result.Unit, s.Points[2].Result.Unit}
	if !slices.Equal(units, []string{"GiB/s", "GiB/s", "GFLOPS"}) {
		t.Errorf("units = %v", units)
	}
}

func TestRunAll(t *testing.T) {
	rec := metrics.NewRecorder("01HZTESTRUN")
	r := newRunner(t, &fakeLauncher{failID: -1}, rec)

	res, err := r.Run(context.Background(), All)
	if err != nil {
		t.Fatalf("Run(all) failed: %v", err)
	}

	want := []string{
		"device write", "device read",
		"device latency",
		"aggregate write", "scaling write", "workers write x4",
		"fpga",
		"device write", "device read", "standard write", "standard read",
		"write ratio", "read ratio",
	}
	if got := names(res.Series); !slices.Equal(got, want) {
		t.Errorf("series = %v, want %v", got, want)
	}

	for _, s := range res.Series {
		if s.RunID != "01HZTESTRUN" {
			t.Errorf("%s run id = %q", s.Name, s.RunID)
		}
	}

	if len(res.Runs) != 3 {
		t.Errorf("runs = %d, want 3", len(res.Runs))
	}
	if res.Totals["concurrency/4"] != 10 {
		t.Errorf("total for 4 processes = %v, want 10", res.Totals["concurrency/4"])
	}
}
