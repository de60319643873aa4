package harness

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"

	"github.com/weiihann/cxlbench/backend"
	"github.com/weiihann/cxlbench/workload"
)

var (
	// ErrNotInitialized reports a test run before Initialize succeeded.
	ErrNotInitialized = errors.New("harness not initialized")
	// ErrCleanedUp reports a test run after Cleanup.
	ErrCleanedUp = errors.New("harness already cleaned up")
	// ErrInvalidArgument reports a non-positive block size or iteration count.
	ErrInvalidArgument = errors.New("invalid argument")
)

// State is the lifecycle state of a Harness.
type State int

// Harness states. Transitions only move forward.
const (
	StateUninitialized State = iota
	StateInitialized
	StateCleaned
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateCleaned:
		return "cleaned"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// Config identifies the device a Harness connects to.
type Config struct {
	DevicePath string
	Size       int64
	Pattern    string
	Seed       int64
}

// Harness owns one device handle for its whole lifetime. It is not safe
// for concurrent use; concurrent load comes from separate processes, each
// with its own Harness.
type Harness struct {
	cfg     Config
	backend backend.Backend
	gen     *workload.Generator
	logger  *slog.Logger

	handle backend.Handle
	state  State
}

// New creates an uninitialized Harness.
func New(b backend.Backend, cfg Config, logger *slog.Logger) *Harness {
	return &Harness{
		cfg:     cfg,
		backend: b,
		gen: workload.NewGenerator(workload.Config{
			Pattern: cfg.Pattern,
			Seed:    cfg.Seed,
		}),
		logger: logger.With(
			slog.String("device", cfg.DevicePath),
			slog.String("backend", b.Name()),
		),
	}
}

// Run initializes a Harness, calls fn and always cleans up afterwards,
// including when fn fails or panics.
func Run(
	b backend.Backend,
	cfg Config,
	logger *slog.Logger,
	fn func(*Harness) error,
) error {
	h := New(b, cfg, logger)
	if err := h.Initialize(); err != nil {
		return err
	}
	defer h.Cleanup()

	return fn(h)
}

// State returns the current lifecycle state.
func (h *Harness) State() State {
	return h.state
}

// Config returns the device configuration.
func (h *Harness) Config() Config {
	return h.cfg
}

// Initialize maps the device. A missing device yields an error matching
// backend.ErrDeviceNotFound, which callers may treat as recoverable; any
// other failure matches backend.ErrInitialization.
func (h *Harness) Initialize() error {
	switch h.state {
	case StateInitialized:
		return fmt.Errorf("%w: already initialized", backend.ErrInitialization)
	case StateCleaned:
		return ErrCleanedUp
	}

	if _, err := os.Stat(h.cfg.DevicePath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", backend.ErrDeviceNotFound, h.cfg.DevicePath)
		}

		return fmt.Errorf("%w: %v", backend.ErrInitialization, err)
	}

	handle, err := h.backend.Init(h.cfg.DevicePath, h.cfg.Size)
	if err != nil {
		if errors.Is(err, backend.ErrDeviceNotFound) ||
			errors.Is(err, backend.ErrInitialization) {
			return err
		}

		return fmt.Errorf("%w: %v", backend.ErrInitialization, err)
	}

	if handle == 0 {
		return fmt.Errorf("%w: backend returned a null handle", backend.ErrInitialization)
	}

	h.handle = handle
	h.state = StateInitialized

	h.logger.Debug("device initialized", slog.Int64("size", h.cfg.Size))

	return nil
}

// Cleanup releases the device handle. It is safe to call more than once
// and on a Harness that never initialized.
func (h *Harness) Cleanup() {
	if h.state != StateInitialized {
		return
	}

	h.backend.Cleanup(h.handle)
	h.handle = 0
	h.state = StateCleaned

	h.logger.Debug("device released")
}

func (h *Harness) ready() error {
	switch h.state {
	case StateInitialized:
		return nil
	case StateCleaned:
		return ErrCleanedUp
	default:
		return ErrNotInitialized
	}
}

// TestBandwidth measures write or read bandwidth with blocks rotating over
// the whole mapping.
func (h *Harness) TestBandwidth(kind Kind, blockSize int64, iterations int) (Measurement, error) {
	return h.bandwidth(kind, blockSize, iterations, backend.Region{
		Offset: 0,
		Length: h.cfg.Size,
	})
}

// TestBandwidthAt measures bandwidth confined to [offset, offset+blockSize).
func (h *Harness) TestBandwidthAt(
	kind Kind, blockSize, offset int64, iterations int,
) (Measurement, error) {
	return h.bandwidth(kind, blockSize, iterations, backend.Region{
		Offset: offset,
		Length: blockSize,
	})
}

func (h *Harness) bandwidth(
	kind Kind, blockSize int64, iterations int, region backend.Region,
) (Measurement, error) {
	if err := h.ready(); err != nil {
		return Measurement{}, err
	}

	if kind != KindWrite && kind != KindRead {
		return Measurement{}, fmt.Errorf("%w: bandwidth kind %q",
			backend.ErrUnknownOperation, kind)
	}

	if err := checkArgs(blockSize, iterations); err != nil {
		return Measurement{}, err
	}

	buf := make([]byte, blockSize)

	var (
		value float64
		err   error
	)

	if kind == KindWrite {
		h.gen.Fill(buf)
		value, err = h.backend.TestWrite(h.handle, buf, region, iterations)
	} else {
		value, err = h.backend.TestRead(h.handle, buf, region, iterations)
	}

	if err != nil {
		return Measurement{}, fmt.Errorf("%s bandwidth (block %d): %w", kind, blockSize, err)
	}

	h.logger.Debug("bandwidth measured",
		slog.String("kind", string(kind)),
		slog.Int64("block_size", blockSize),
		slog.Int64("offset", region.Offset),
		slog.Int("iterations", iterations),
		slog.Float64("gib_per_sec", value),
	)

	return Measurement{
		Config: h.testConfig(kind, iterations, func(c *TestConfig) {
			c.BlockSize = blockSize
			c.Offset = region.Offset
		}),
		Value: value,
		Unit:  "GiB/s",
	}, nil
}

// TestLatency measures the mean access latency in nanoseconds.
func (h *Harness) TestLatency(iterations int) (Measurement, error) {
	if err := h.ready(); err != nil {
		return Measurement{}, err
	}

	if iterations < 1 {
		return Measurement{}, fmt.Errorf("%w: iterations %d", ErrInvalidArgument, iterations)
	}

	value, err := h.backend.TestLatency(h.handle, iterations)
	if err != nil {
		return Measurement{}, fmt.Errorf("latency: %w", err)
	}

	h.logger.Debug("latency measured",
		slog.Int("iterations", iterations),
		slog.Float64("ns", value),
	)

	return Measurement{
		Config: h.testConfig(KindLatency, iterations, nil),
		Value:  value,
		Unit:   "ns",
	}, nil
}

// TestFpgaOp runs an offload kernel named by opName ("memcpy", "memfill",
// "compute" or the numeric opcode). Unknown names fail before the backend
// is called.
func (h *Harness) TestFpgaOp(opName string, iterations int) (Measurement, error) {
	if err := h.ready(); err != nil {
		return Measurement{}, err
	}

	op, err := backend.ParseOp(opName)
	if err != nil {
		return Measurement{}, err
	}

	if iterations < 1 {
		return Measurement{}, fmt.Errorf("%w: iterations %d", ErrInvalidArgument, iterations)
	}

	value, err := h.backend.TestFpgaOp(h.handle, op, iterations)
	if err != nil {
		return Measurement{}, fmt.Errorf("fpga %s: %w", op, err)
	}

	h.logger.Debug("fpga op measured",
		slog.String("op", op.String()),
		slog.Int("iterations", iterations),
		slog.Float64("value", value),
	)

	return Measurement{
		Config: h.testConfig(KindFpgaOp, iterations, func(c *TestConfig) {
			c.Op = op.String()
		}),
		Value: value,
		Unit:  op.Unit(),
	}, nil
}

func (h *Harness) testConfig(kind Kind, iterations int, set func(*TestConfig)) TestConfig {
	c := TestConfig{
		DevicePath: h.cfg.DevicePath,
		Size:       h.cfg.Size,
		Iterations: iterations,
		Kind:       kind,
		Processes:  1,
	}

	if set != nil {
		set(&c)
	}

	return c
}

func checkArgs(blockSize int64, iterations int) error {
	if blockSize <= 0 {
		return fmt.Errorf("%w: block size %d", ErrInvalidArgument, blockSize)
	}

	if iterations < 1 {
		return fmt.Errorf("%w: iterations %d", ErrInvalidArgument, iterations)
	}

	return nil
}
