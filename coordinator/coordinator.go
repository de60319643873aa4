// Package coordinator runs a bandwidth test across several independent
// worker processes, each attached to the device through its own handle.
package coordinator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"time"

	"github.com/weiihann/cxlbench/backend"
	"github.com/weiihann/cxlbench/harness"
	"golang.org/x/sync/errgroup"
)

// WorkerCommand is the subcommand the coordinator appends when it spawns
// its own executable.
const WorkerCommand = "worker"

// Spec describes one concurrency run.
type Spec struct {
	DevicePath string       `json:"device_path" yaml:"device_path"`
	Size       int64        `json:"size" yaml:"size"`
	BlockSize  int64        `json:"block_size" yaml:"block_size"`
	Iterations int          `json:"iterations" yaml:"iterations"`
	Kind       harness.Kind `json:"kind" yaml:"kind"`
	Processes  int          `json:"processes" yaml:"processes"`
	Backend    string       `json:"backend" yaml:"backend"`
	Pattern    string       `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Seed       int64        `json:"seed" yaml:"seed"`
}

func (s Spec) worker(id int) WorkerSpec {
	return WorkerSpec{
		ID:         id,
		DevicePath: s.DevicePath,
		Size:       s.Size,
		BlockSize:  s.BlockSize,
		Iterations: s.Iterations,
		Kind:       s.Kind,
		Backend:    s.Backend,
		Pattern:    s.Pattern,
		Seed:       s.Seed,
	}
}

// Validate checks that every worker's block fits in the mapping.
func (s Spec) Validate() error {
	if s.Processes < 1 {
		return fmt.Errorf("%w: process count %d", harness.ErrInvalidArgument, s.Processes)
	}

	if s.BlockSize <= 0 || s.Iterations < 1 {
		return fmt.Errorf("%w: block size %d, iterations %d",
			harness.ErrInvalidArgument, s.BlockSize, s.Iterations)
	}

	if s.Kind != harness.KindWrite && s.Kind != harness.KindRead {
		return fmt.Errorf("%w: concurrency kind %q", backend.ErrUnknownOperation, s.Kind)
	}

	if int64(s.Processes) > s.Size/s.BlockSize {
		return fmt.Errorf("%w: %d workers of %d bytes exceed %d-byte mapping",
			backend.ErrRegionTooSmall, s.Processes, s.BlockSize, s.Size)
	}

	return nil
}

// Run is the outcome of one concurrency run. Slots are indexed by worker
// id and there is exactly one per process.
type Run struct {
	Spec      Spec    `json:"spec" yaml:"spec"`
	Slots     []Slot  `json:"slots" yaml:"slots"`
	Aggregate float64 `json:"aggregate" yaml:"aggregate"`
}

// Values returns the per-worker values ordered by worker id.
func (r Run) Values() []float64 {
	values := make([]float64, len(r.Slots))
	for i, s := range r.Slots {
		values[i] = s.Value
	}

	return values
}

// Failed returns the number of workers that contributed zero because
// they could not initialize or did not finish.
func (r Run) Failed() int {
	n := 0
	for _, s := range r.Slots {
		if s.Status != StatusOK {
			n++
		}
	}

	return n
}

// Coordinator spawns worker processes and gathers their slots.
type Coordinator struct {
	Executable string
	Args       []string
	Env        []string
	Logger     *slog.Logger
}

// New creates a Coordinator that starts workers as
// "executable args... <worker flags>". Env is appended to the inherited
// environment.
func New(executable string, args, env []string, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		Executable: executable,
		Args:       args,
		Env:        env,
		Logger:     logger,
	}
}

// Self returns a Coordinator that re-executes the running binary with the
// worker subcommand.
func Self(logger *slog.Logger) (*Coordinator, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}

	return New(exe, []string{WorkerCommand}, nil, logger), nil
}

// Run spawns spec.Processes workers, waits for all of them and returns
// their slots ordered by id. A worker that fails contributes zero; only
// an invalid spec is an error.
func (c *Coordinator) Run(ctx context.Context, spec Spec) (Run, error) {
	if err := spec.Validate(); err != nil {
		return Run{}, err
	}

	logger := c.Logger.With(
		slog.Int("processes", spec.Processes),
		slog.Int64("block_size", spec.BlockSize),
		slog.String("kind", string(spec.Kind)),
	)

	logger.InfoContext(ctx, "starting workers")

	// Each goroutine writes only its own index; the slice is read after
	// Wait returns.
	slots := make([]Slot, spec.Processes)

	var g errgroup.Group
	for i := range slots {
		g.Go(func() error {
			slots[i] = c.spawn(ctx, spec.worker(i))
			return nil
		})
	}
	_ = g.Wait()

	run := Run{Spec: spec, Slots: slots}
	for _, s := range slots {
		run.Aggregate += s.Value
	}

	logger.InfoContext(ctx, "workers finished",
		slog.Float64("aggregate_gib_per_sec", run.Aggregate),
		slog.Int("failed", run.Failed()),
	)

	return run, nil
}

func (c *Coordinator) spawn(ctx context.Context, ws WorkerSpec) Slot {
	failed := func(err error) Slot {
		c.Logger.WarnContext(ctx, "worker failed",
			slog.Int("worker", ws.ID),
			slog.String("error", err.Error()),
		)

		return Slot{
			ID:     ws.ID,
			Offset: ws.Offset(),
			Status: StatusFailed,
			Error:  err.Error(),
		}
	}

	args := slices.Concat(c.Args, ws.Args())
	cmd := exec.CommandContext(ctx, c.Executable, args...)

	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return failed(fmt.Errorf("worker %d exited: %w\nstderr: %s",
				ws.ID, err, stderr.String()))
		}

		return failed(fmt.Errorf("start worker %d: %w", ws.ID, err))
	}

	slot, err := parseSlot(ws.ID, &stdout)
	if err != nil {
		return failed(fmt.Errorf("parse worker %d output: %w\nstdout: %s",
			ws.ID, err, stdout.String()))
	}

	c.Logger.DebugContext(ctx, "worker finished",
		slog.Int("worker", ws.ID),
		slog.String("status", string(slot.Status)),
		slog.Float64("gib_per_sec", slot.Value),
		slog.Duration("wall_time", time.Since(start)),
	)

	return slot
}
