package coordinator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/spf13/pflag"
	"github.com/weiihann/cxlbench/backend"
	"github.com/weiihann/cxlbench/harness"
)

const testSize = 1 << 20

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func deviceFile(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "cxl0")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("create device file: %v", err)
	}

	if err := os.Truncate(path, testSize); err != nil {
		t.Fatalf("truncate device file: %v", err)
	}

	return path
}

// TestHelperProcess is not a real test. The coordinator tests re-execute
// the test binary with this test selected to act as a worker.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("CXLBENCH_HELPER_PROCESS") != "1" {
		return
	}

	args := os.Args
	for i, a := range args {
		if a == "--" {
			args = args[i+1:]
			break
		}
	}

	var spec WorkerSpec
	fs := pflag.NewFlagSet("worker", pflag.ContinueOnError)
	BindWorkerFlags(fs, &spec)

	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "parse worker flags: %v\n", err)
		os.Exit(2)
	}

	id := strconv.Itoa(spec.ID)

	if os.Getenv("CXLBENCH_CRASH_WORKER") == id {
		fmt.Fprintln(os.Stderr, "simulated crash")
		os.Exit(3)
	}

	if os.Getenv("CXLBENCH_GARBAGE_WORKER") == id {
		fmt.Println("not json")
		os.Exit(0)
	}

	if os.Getenv("CXLBENCH_FAIL_WORKER") == id {
		spec.DevicePath = filepath.Join(filepath.Dir(spec.DevicePath), "unplugged")
	}

	b, err := backend.Load(spec.Backend)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := RunWorker(b, spec, discardLogger(), os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	os.Exit(0)
}

func helperCoordinator(env ...string) *Coordinator {
	return New(
		os.Args[0],
		[]string{"-test.run=^TestHelperProcess$", "--"},
		append([]string{"CXLBENCH_HELPER_PROCESS=1"}, env...),
		discardLogger(),
	)
}

func testSpec(t *testing.T, processes int) Spec {
	return Spec{
		DevicePath: deviceFile(t),
		Size:       testSize,
		BlockSize:  4096,
		Iterations: 20,
		Kind:       harness.KindWrite,
		Processes:  processes,
		Backend:    "mmap",
		Pattern:    "sequential",
	}
}

func TestRunAllWorkersSucceed(t *testing.T) {
	run, err := helperCoordinator().Run(context.Background(), testSpec(t, 3))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(run.Slots) != 3 {
		t.Fatalf("slots = %d, want 3", len(run.Slots))
	}

	sum := 0.0
	for i, s := range run.Slots {
		if s.ID != i {
			t.Errorf("slot %d has id %d", i, s.ID)
		}
		if s.Offset != int64(i)*4096 {
			t.Errorf("slot %d offset = %d, want %d", i, s.Offset, i*4096)
		}
		if s.Status != StatusOK || s.Value <= 0 {
			t.Errorf("slot %d = %+v, want ok with positive value", i, s)
		}
		sum += s.Value
	}

	if run.Aggregate != sum {
		t.Errorf("aggregate = %v, want %v", run.Aggregate, sum)
	}
	if run.Failed() != 0 {
		t.Errorf("failed = %d, want 0", run.Failed())
	}
}

func TestRunOneWorkerInitFails(t *testing.T) {
	run, err := helperCoordinator("CXLBENCH_FAIL_WORKER=2").
		Run(context.Background(), testSpec(t, 4))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(run.Slots) != 4 {
		t.Fatalf("slots = %d, want 4", len(run.Slots))
	}

	zeros, positives := 0, 0
	sum := 0.0

	for _, s := range run.Slots {
		switch {
		case s.Value == 0:
			zeros++
			if s.ID != 2 || s.Status != StatusInitFailed {
				t.Errorf("zero slot = %+v, want worker 2 init_failed", s)
			}
		case s.Value > 0:
			positives++
			sum += s.Value
		}
	}

	if zeros != 1 || positives != 3 {
		t.Errorf("zeros = %d, positives = %d, want 1 and 3", zeros, positives)
	}
	if run.Aggregate != sum {
		t.Errorf("aggregate = %v, want sum of positives %v", run.Aggregate, sum)
	}
	if run.Failed() != 1 {
		t.Errorf("failed = %d, want 1", run.Failed())
	}
}

func TestRunWorkerCrashDegradesToZero(t *testing.T) {
	run, err := helperCoordinator("CXLBENCH_CRASH_WORKER=0", "CXLBENCH_GARBAGE_WORKER=1").
		Run(context.Background(), testSpec(t, 3))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	for _, id := range []int{0, 1} {
		s := run.Slots[id]
		if s.Status != StatusFailed || s.Value != 0 {
			t.Errorf("slot %d = %+v, want failed with zero", id, s)
		}
	}

	if !strings.Contains(run.Slots[0].Error, "simulated crash") {
		t.Errorf("crash error %q should carry worker stderr", run.Slots[0].Error)
	}

	if run.Slots[2].Status != StatusOK {
		t.Errorf("slot 2 status = %s, want ok", run.Slots[2].Status)
	}
	if run.Aggregate != run.Slots[2].Value {
		t.Errorf("aggregate = %v, want %v", run.Aggregate, run.Slots[2].Value)
	}
}

func TestRunMissingExecutable(t *testing.T) {
	c := New(filepath.Join(t.TempDir(), "no-such-binary"), nil, nil, discardLogger())

	run, err := c.Run(context.Background(), testSpec(t, 2))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(run.Slots) != 2 || run.Failed() != 2 || run.Aggregate != 0 {
		t.Errorf("run = %+v, want two failed zero slots", run)
	}
}

func TestSpecValidate(t *testing.T) {
	base := Spec{
		Size:       testSize,
		BlockSize:  4096,
		Iterations: 1,
		Kind:       harness.KindWrite,
		Processes:  4,
	}

	tests := []struct {
		name   string
		modify func(*Spec)
		want   error
	}{
		{"valid", func(*Spec) {}, nil},
		{"zero processes", func(s *Spec) { s.Processes = 0 }, harness.ErrInvalidArgument},
		{"zero block", func(s *Spec) { s.BlockSize = 0 }, harness.ErrInvalidArgument},
		{"zero iterations", func(s *Spec) { s.Iterations = 0 }, harness.ErrInvalidArgument},
		{"latency kind", func(s *Spec) { s.Kind = harness.KindLatency }, backend.ErrUnknownOperation},
		{"too many workers", func(s *Spec) { s.Processes = testSize/4096 + 1 }, backend.ErrRegionTooSmall},
		{"exactly full", func(s *Spec) { s.Processes = testSize / 4096 }, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := base
			tt.modify(&spec)

			err := spec.Validate()
			if tt.want == nil {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}

				return
			}

			if !errors.Is(err, tt.want) {
				t.Errorf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestRunRejectsInvalidSpecWithoutSpawning(t *testing.T) {
	c := New(filepath.Join(t.TempDir(), "no-such-binary"), nil, nil, discardLogger())
	spec := testSpec(t, testSize/4096+1)

	if _, err := c.Run(context.Background(), spec); !errors.Is(err, backend.ErrRegionTooSmall) {
		t.Errorf("Run error = %v, want ErrRegionTooSmall", err)
	}
}

func TestWorkerOffsetsDisjoint(t *testing.T) {
	for _, bs := range []int64{64, 4096, 1 << 20} {
		spec := Spec{BlockSize: bs}

		for k := 1; k <= 64; k++ {
			for i := 0; i < k; i++ {
				a := spec.worker(i).Offset()
				for j := i + 1; j < k; j++ {
					b := spec.worker(j).Offset()
					if a < b+bs && b < a+bs {
						t.Fatalf("block %d: workers %d and %d overlap ([%d,%d) vs [%d,%d))",
							bs, i, j, a, a+bs, b, b+bs)
					}
				}
			}
		}
	}
}

func TestWorkerArgsRoundTrip(t *testing.T) {
	want := WorkerSpec{
		ID:         3,
		DevicePath: "/dev/dax0.0",
		Size:       1 << 30,
		BlockSize:  65536,
		Iterations: 100,
		Kind:       harness.KindRead,
		Backend:    "sim",
		Pattern:    "constant",
		Seed:       9,
	}

	var got WorkerSpec
	fs := pflag.NewFlagSet("worker", pflag.ContinueOnError)
	BindWorkerFlags(fs, &got)

	if err := fs.Parse(want.Args()); err != nil {
		t.Fatalf("parse args: %v", err)
	}

	if got != want {
		t.Errorf("parsed = %+v, want %+v", got, want)
	}
}

func TestRunWorkerInProcess(t *testing.T) {
	b, _ := backend.Load("mmap")

	var buf bytes.Buffer
	spec := WorkerSpec{
		ID:         1,
		DevicePath: deviceFile(t),
		Size:       testSize,
		BlockSize:  4096,
		Iterations: 5,
		Kind:       harness.KindRead,
	}

	if err := RunWorker(b, spec, discardLogger(), &buf); err != nil {
		t.Fatalf("RunWorker failed: %v", err)
	}

	slot, err := parseSlot(1, &buf)
	if err != nil {
		t.Fatalf("parseSlot failed: %v", err)
	}

	if slot.Status != StatusOK || slot.Value <= 0 || slot.Offset != 4096 {
		t.Errorf("slot = %+v, want ok at offset 4096 with positive value", slot)
	}
}

func TestRunWorkerMissingDevice(t *testing.T) {
	b, _ := backend.Load("mmap")

	var buf bytes.Buffer
	spec := WorkerSpec{
		ID:         0,
		DevicePath: filepath.Join(t.TempDir(), "missing"),
		Size:       testSize,
		BlockSize:  4096,
		Iterations: 5,
		Kind:       harness.KindWrite,
	}

	if err := RunWorker(b, spec, discardLogger(), &buf); err != nil {
		t.Fatalf("RunWorker failed: %v", err)
	}

	slot, err := parseSlot(0, &buf)
	if err != nil {
		t.Fatalf("parseSlot failed: %v", err)
	}

	if slot.Status != StatusInitFailed || slot.Value != 0 {
		t.Errorf("slot = %+v, want init_failed with zero", slot)
	}
	if !strings.Contains(slot.Error, "device not found") {
		t.Errorf("error = %q, want device not found", slot.Error)
	}
}

func TestParseSlot(t *testing.T) {
	input := `{"id": 2, "offset": 8192, "status": "ok", "value": 12.5, "unit": "GiB/s"}`

	slot, err := parseSlot(2, strings.NewReader(input))
	if err != nil {
		t.Fatalf("parseSlot failed: %v", err)
	}
	if slot.Value != 12.5 || slot.Offset != 8192 {
		t.Errorf("slot = %+v, want value 12.5 at 8192", slot)
	}

	if _, err := parseSlot(1, strings.NewReader(input)); err == nil {
		t.Error("expected error for mismatched worker id")
	}

	if _, err := parseSlot(0, strings.NewReader("not json at all")); err == nil {
		t.Error("expected error for invalid JSON")
	}

	slot, err = parseSlot(0, strings.NewReader(`{"id": 0, "status": "init_failed", "value": 3}`))
	if err != nil {
		t.Fatalf("parseSlot failed: %v", err)
	}
	if slot.Value != 0 {
		t.Errorf("value = %v, want 0 for non-ok slot", slot.Value)
	}
}
