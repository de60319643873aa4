// Package config loads benchmark configuration from defaults, a YAML file,
// CXLBENCH_* environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/weiihann/cxlbench/backend"
	"github.com/weiihann/cxlbench/harness"
	"github.com/weiihann/cxlbench/suite"
	"github.com/weiihann/cxlbench/workload"
)

// ErrInvalidConfig reports a configuration that cannot drive a run.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the complete benchmark configuration. Sizes are strings such
// as "1GiB" or "4096".
type Config struct {
	Device DeviceConfig `koanf:"device"`
	Bench  BenchConfig  `koanf:"bench"`
	Report ReportConfig `koanf:"report"`
	Log    LogConfig    `koanf:"log"`
}

// DeviceConfig selects the device and backend.
type DeviceConfig struct {
	Path    string `koanf:"path"`
	Size    string `koanf:"size"`
	Backend string `koanf:"backend"`
}

// BenchConfig is the parameter grid.
type BenchConfig struct {
	Suite string `koanf:"suite"`
	// Iterations per bandwidth measurement.
	Iterations int `koanf:"iterations"`
	// Processes is the largest worker count of the concurrency sweep.
	Processes int    `koanf:"processes"`
	MinBlock  string `koanf:"min_block"`
	MaxBlock  string `koanf:"max_block"`
	// BlockSizes overrides MinBlock/MaxBlock with a comma-separated list.
	BlockSizes        string `koanf:"block_sizes"`
	LatencyIterations string `koanf:"latency_iterations"`
	FpgaIterations    int    `koanf:"fpga_iterations"`
	ConcurrencyBlock  string `koanf:"concurrency_block"`
	ConcurrencyKind   string `koanf:"concurrency_kind"`
	Pattern           string `koanf:"pattern"`
	// Seed 0 means seed from the clock.
	Seed int64 `koanf:"seed"`
}

// ReportConfig controls result output.
type ReportConfig struct {
	Format      string `koanf:"format"`
	MetricsFile string `koanf:"metrics_file"`
}

// LogConfig controls the logger.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Report formats.
const (
	FormatMarkdown = "markdown"
	FormatJSON     = "json"
	FormatYAML     = "yaml"
)

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Device: DeviceConfig{
			Path:    "/tmp/cxl_sim/cxl0",
			Size:    "1GiB",
			Backend: "mmap",
		},
		Bench: BenchConfig{
			Suite:             suite.All,
			Iterations:        1000,
			Processes:         4,
			MinBlock:          "4KiB",
			MaxBlock:          "1MiB",
			LatencyIterations: "1000",
			FpgaIterations:    100,
			ConcurrencyBlock:  "1MiB",
			ConcurrencyKind:   string(harness.KindWrite),
			Pattern:           workload.PatternRandom,
		},
		Report: ReportConfig{
			Format: FormatMarkdown,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Plan is the numeric form of a validated Config.
type Plan struct {
	DevicePath        string
	Size              int64
	Backend           string
	Suite             string
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

// Validate reports the first problem with c.
func (c Config) Validate() error {
	_, err := c.Plan()
	return err
}

// Plan parses sizes and lists and checks them against each other.
func (c Config) Plan() (Plan, error) {
	p := Plan{
		DevicePath:     c.Device.Path,
		Backend:        c.Device.Backend,
		Suite:          c.Bench.Suite,
		Iterations:     c.Bench.Iterations,
		ProcessCounts:  workload.ProcessCounts(c.Bench.Processes),
		FpgaIterations: c.Bench.FpgaIterations,
		Pattern:        c.Bench.Pattern,
		Seed:           c.Bench.Seed,
	}

	if p.DevicePath == "" {
		return Plan{}, invalid("device.path is required")
	}

	var err error

	if p.Size, err = parseSize("device.size", c.Device.Size); err != nil {
		return Plan{}, err
	}

	if !contains(backend.Kinds(), p.Backend) {
		return Plan{}, invalid("device.backend %q (want one of %s)",
			p.Backend, strings.Join(backend.Kinds(), ", "))
	}

	if !contains(suite.Names(), p.Suite) {
		return Plan{}, invalid("bench.suite %q (want one of %s)",
			p.Suite, strings.Join(suite.Names(), ", "))
	}

	if p.Iterations < 1 {
		return Plan{}, invalid("bench.iterations must be at least 1, got %d", p.Iterations)
	}

	if c.Bench.Processes < 1 {
		return Plan{}, invalid("bench.processes must be at least 1, got %d", c.Bench.Processes)
	}

	if p.FpgaIterations < 1 {
		return Plan{}, invalid("bench.fpga_iterations must be at least 1, got %d", p.FpgaIterations)
	}

	if p.BlockSizes, err = c.blockSizes(); err != nil {
		return Plan{}, err
	}

	if largest := p.BlockSizes[len(p.BlockSizes)-1]; largest > p.Size {
		return Plan{}, invalid("block size %d exceeds device.size %d", largest, p.Size)
	}

	if p.LatencyIterations, err = parseInts("bench.latency_iterations", c.Bench.LatencyIterations); err != nil {
		return Plan{}, err
	}

	if p.ConcurrencyBlock, err = parseSize("bench.concurrency_block", c.Bench.ConcurrencyBlock); err != nil {
		return Plan{}, err
	}

	if int64(c.Bench.Processes) > p.Size/p.ConcurrencyBlock {
		return Plan{}, invalid("%d processes of %d bytes do not fit device.size %d",
			c.Bench.Processes, p.ConcurrencyBlock, p.Size)
	}

	kind, err := harness.ParseKind(c.Bench.ConcurrencyKind)
	if err != nil || (kind != harness.KindWrite && kind != harness.KindRead) {
		return Plan{}, invalid("bench.concurrency_kind %q (want write or read)", c.Bench.ConcurrencyKind)
	}
	p.ConcurrencyKind = kind

	if err := workload.ValidatePattern(p.Pattern); err != nil {
		return Plan{}, invalid("bench.pattern: %v", err)
	}

	return p, nil
}

func (c Config) blockSizes() ([]int64, error) {
	if c.Bench.BlockSizes != "" {
		var sizes []int64

		for _, field := range strings.Split(c.Bench.BlockSizes, ",") {
			n, err := parseSize("bench.block_sizes", field)
			if err != nil {
				return nil, err
			}

			sizes = append(sizes, n)
		}

		for i := 1; i < len(sizes); i++ {
			if sizes[i] <= sizes[i-1] {
				return nil, invalid("bench.block_sizes must be increasing")
			}
		}

		return sizes, nil
	}

	lo, err := parseSize("bench.min_block", c.Bench.MinBlock)
	if err != nil {
		return nil, err
	}

	hi, err := parseSize("bench.max_block", c.Bench.MaxBlock)
	if err != nil {
		return nil, err
	}

	sizes := workload.BlockSizes(lo, hi)
	if len(sizes) == 0 {
		return nil, invalid("no power-of-two block size between %d and %d", lo, hi)
	}

	return sizes, nil
}

func parseSize(key, s string) (int64, error) {
	n, err := humanize.ParseBytes(strings.TrimSpace(s))
	if err != nil {
		return 0, invalid("%s: %v", key, err)
	}

	if n == 0 || n > 1<<62 {
		return 0, invalid("%s: size %q out of range", key, s)
	}

	return int64(n), nil
}

func parseInts(key, s string) ([]int, error) {
	var out []int

	for _, field := range strings.Split(s, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(field))
		if err != nil || n < 1 {
			return nil, invalid("%s: %q is not a positive integer", key, field)
		}

		out = append(out, n)
	}

	return out, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}

	return false
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}
