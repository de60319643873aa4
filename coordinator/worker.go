package coordinator

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/spf13/pflag"
	"github.com/weiihann/cxlbench/backend"
	"github.com/weiihann/cxlbench/harness"
)

// Status is the outcome of one worker.
type Status string

// Worker outcomes. Only StatusOK slots carry a non-zero value.
const (
	StatusOK         Status = "ok"
	StatusInitFailed Status = "init_failed"
	StatusFailed     Status = "failed"
)

// Slot is one worker's cell of the result vector. Workers print their
// slot as a single JSON object on stdout.
type Slot struct {
	ID        int     `json:"id" yaml:"id"`
	Offset    int64   `json:"offset" yaml:"offset"`
	Status    Status  `json:"status" yaml:"status"`
	Value     float64 `json:"value" yaml:"value"`
	Unit      string  `json:"unit,omitempty" yaml:"unit,omitempty"`
	ElapsedMs int64   `json:"elapsed_ms" yaml:"elapsed_ms"`
	Error     string  `json:"error,omitempty" yaml:"error,omitempty"`
}

// WorkerSpec is everything a worker process needs to run its share of a
// concurrency test.
type WorkerSpec struct {
	ID         int
	DevicePath string
	Size       int64
	BlockSize  int64
	Iterations int
	Kind       harness.Kind
	Backend    string
	Pattern    string
	Seed       int64
}

// Offset is the start of the worker's private block within the mapping.
// Distinct ids never overlap because each owns exactly one block.
func (s WorkerSpec) Offset() int64 {
	return int64(s.ID) * s.BlockSize
}

// Args renders the spec as worker command-line flags.
func (s WorkerSpec) Args() []string {
	return []string{
		"--id", strconv.Itoa(s.ID),
		"--device", s.DevicePath,
		"--size", strconv.FormatInt(s.Size, 10),
		"--block-size", strconv.FormatInt(s.BlockSize, 10),
		"--iterations", strconv.Itoa(s.Iterations),
		"--kind", string(s.Kind),
		"--backend", s.Backend,
		"--pattern", s.Pattern,
		"--seed", strconv.FormatInt(s.Seed, 10),
	}
}

// BindWorkerFlags registers the flags produced by Args on fs.
func BindWorkerFlags(fs *pflag.FlagSet, s *WorkerSpec) {
	fs.IntVar(&s.ID, "id", 0, "Worker id")
	fs.StringVar(&s.DevicePath, "device", "", "Device path")
	fs.Int64Var(&s.Size, "size", 0, "Mapped size in bytes")
	fs.Int64Var(&s.BlockSize, "block-size", 0, "Block size in bytes")
	fs.IntVar(&s.Iterations, "iterations", 1, "Iterations")
	fs.StringVar((*string)(&s.Kind), "kind", string(harness.KindWrite),
		"Bandwidth test kind: write or read")
	fs.StringVar(&s.Backend, "backend", "mmap", "Backend kind")
	fs.StringVar(&s.Pattern, "pattern", "", "Buffer fill pattern")
	fs.Int64Var(&s.Seed, "seed", 0, "Buffer fill seed")
}

// RunWorker is the body of a worker process: it attaches its own Harness
// to the device, measures its block and writes its Slot to w. An
// initialization failure is reported as a zero slot, not an error.
func RunWorker(
	b backend.Backend,
	spec WorkerSpec,
	logger *slog.Logger,
	w io.Writer,
) error {
	logger = logger.With(slog.Int("worker", spec.ID))

	slot := Slot{
		ID:     spec.ID,
		Offset: spec.Offset(),
		Unit:   "GiB/s",
	}

	start := time.Now()

	h := harness.New(b, harness.Config{
		DevicePath: spec.DevicePath,
		Size:       spec.Size,
		Pattern:    spec.Pattern,
		Seed:       spec.Seed + int64(spec.ID),
	}, logger)

	if err := h.Initialize(); err != nil {
		logger.Warn("worker initialization failed",
			slog.String("error", err.Error()),
		)

		slot.Status = StatusInitFailed
		slot.Error = err.Error()
		slot.ElapsedMs = time.Since(start).Milliseconds()

		return encodeSlot(w, slot)
	}
	defer h.Cleanup()

	m, err := h.TestBandwidthAt(spec.Kind, spec.BlockSize, slot.Offset, spec.Iterations)
	if err != nil {
		return fmt.Errorf("worker %d: %w", spec.ID, err)
	}

	slot.Status = StatusOK
	slot.Value = m.Value
	slot.ElapsedMs = time.Since(start).Milliseconds()

	return encodeSlot(w, slot)
}

func encodeSlot(w io.Writer, slot Slot) error {
	if err := json.NewEncoder(w).Encode(slot); err != nil {
		return fmt.Errorf("encode worker result: %w", err)
	}

	return nil
}

func parseSlot(id int, r io.Reader) (Slot, error) {
	var slot Slot
	if err := json.NewDecoder(r).Decode(&slot); err != nil {
		return Slot{}, fmt.Errorf("decode JSON: %w", err)
	}

	if slot.ID != id {
		return Slot{}, fmt.Errorf("result for worker %d, want %d", slot.ID, id)
	}

	if slot.Status != StatusOK {
		slot.Value = 0
	}

	return slot, nil
}
