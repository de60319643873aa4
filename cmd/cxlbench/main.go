// Package main provides the CLI entry point for cxlbench, a benchmarking
// tool for CXL-attached and FPGA-backed memory devices.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/weiihann/cxlbench/backend"
	"github.com/weiihann/cxlbench/config"
	"github.com/weiihann/cxlbench/coordinator"
	"github.com/weiihann/cxlbench/harness"
	"github.com/weiihann/cxlbench/metrics"
	"github.com/weiihann/cxlbench/report"
	"github.com/weiihann/cxlbench/suite"
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "cxlbench",
		Short: "CXL memory benchmarking tool",
		Long: `Cxlbench measures bandwidth, latency and concurrent scaling of a
CXL-attached memory device, runs its FPGA offload operations and compares
the device against standard memory.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newRunCmd(), newWorkerCmd())

	return root
}

// flagKeys maps run flags to their dotted config keys. Only flags set on
// the command line are passed to the loader, so file and environment
// values are not clobbered by flag defaults.
var flagKeys = map[string]string{
	"device":             "device.path",
	"size":               "device.size",
	"backend":            "device.backend",
	"suite":              "bench.suite",
	"iterations":         "bench.iterations",
	"processes":          "bench.processes",
	"min-block":          "bench.min_block",
	"max-block":          "bench.max_block",
	"block-sizes":        "bench.block_sizes",
	"latency-iterations": "bench.latency_iterations",
	"fpga-iterations":    "bench.fpga_iterations",
	"concurrency-block":  "bench.concurrency_block",
	"concurrency-kind":   "bench.concurrency_kind",
	"pattern":            "bench.pattern",
	"seed":               "bench.seed",
	"format":             "report.format",
	"metrics-file":       "report.metrics_file",
	"log-level":          "log.level",
	"log-format":         "log.format",
}

func newRunCmd() *cobra.Command {
	var configPath string

	def := config.Default()

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run benchmark suites against a device",
		Long: `Map the device, run the selected suite and print a report.
Configuration is read from defaults, an optional YAML file, CXLBENCH_*
environment variables and flags, in increasing order of precedence.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.NewLoader(
				config.WithConfigFile(configPath),
				config.WithFlags(changedFlags(cmd.Flags())),
			).Load()
			if err != nil {
				return err
			}

			logger, err := newLogger(cfg.Log)
			if err != nil {
				return err
			}

			return runBenchmark(cmd.Context(), logger, cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configPath, "config", "",
		"Path to a YAML configuration file")
	flags.String("device", def.Device.Path,
		"Device path")
	flags.String("size", def.Device.Size,
		"Mapped size, e.g. 1GiB")
	flags.String("backend", def.Device.Backend,
		"Backend: "+strings.Join(backend.Kinds(), ", "))
	flags.String("suite", def.Bench.Suite,
		"Suite: "+strings.Join(suite.Names(), ", "))
	flags.Int("iterations", def.Bench.Iterations,
		"Iterations per bandwidth measurement")
	flags.Int("processes", def.Bench.Processes,
		"Largest worker process count of the concurrency sweep")
	flags.String("min-block", def.Bench.MinBlock,
		"Smallest block size of the sweep")
	flags.String("max-block", def.Bench.MaxBlock,
		"Largest block size of the sweep")
	flags.String("block-sizes", "",
		"Comma-separated block sizes (overrides min/max)")
	flags.String("latency-iterations", def.Bench.LatencyIterations,
		"Comma-separated latency iteration counts")
	flags.Int("fpga-iterations", def.Bench.FpgaIterations,
		"Iterations per FPGA operation")
	flags.String("concurrency-block", def.Bench.ConcurrencyBlock,
		"Per-worker block size of the concurrency suite")
	flags.String("concurrency-kind", def.Bench.ConcurrencyKind,
		"Concurrency test kind: write or read")
	flags.String("pattern", def.Bench.Pattern,
		"Buffer fill pattern: random, sequential, constant")
	flags.Int64("seed", 0,
		"Random seed (0 = use current time)")
	flags.String("format", def.Report.Format,
		"Report format: markdown, json, yaml")
	flags.String("metrics-file", "",
		"Write Prometheus metrics to this textfile")
	flags.String("log-level", def.Log.Level,
		"Log level: debug, info, warn, error")
	flags.String("log-format", def.Log.Format,
		"Log format: text or json")

	return cmd
}

func changedFlags(fs *pflag.FlagSet) map[string]any {
	values := make(map[string]any)

	fs.Visit(func(f *pflag.Flag) {
		if key, ok := flagKeys[f.Name]; ok {
			values[key] = f.Value.String()
		}
	})

	return values
}

func newLogger(cfg config.LogConfig) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}

	opts := &slog.HandlerOptions{Level: level}

	switch cfg.Format {
	case "text", "":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("log format %q (want text or json)", cfg.Format)
	}
}

func runBenchmark(ctx context.Context, logger *slog.Logger, cfg config.Config) error {
	plan, err := cfg.Plan()
	if err != nil {
		return err
	}

	seed := plan.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	runID := ulid.Make().String()
	logger = logger.With(slog.String("run_id", runID))

	logger.InfoContext(ctx, "starting benchmark",
		slog.String("device", plan.DevicePath),
		slog.Int64("size", plan.Size),
		slog.String("backend", plan.Backend),
		slog.String("suite", plan.Suite),
		slog.Int("iterations", plan.Iterations),
		slog.Int("max_processes", cfg.Bench.Processes),
		slog.Int64("seed", seed),
	)

	b, err := backend.Load(plan.Backend)
	if err != nil {
		return err
	}

	coord, err := coordinator.Self(logger)
	if err != nil {
		return err
	}

	recorder := metrics.NewRecorder(runID)

	var results suite.Results

	err = harness.Run(b, harness.Config{
		DevicePath: plan.DevicePath,
		Size:       plan.Size,
		Pattern:    plan.Pattern,
		Seed:       seed,
	}, logger, func(h *harness.Harness) error {
		runner := suite.New(h, coord, suite.Params{
			Backend:           plan.Backend,
			BlockSizes:        plan.BlockSizes,
			Iterations:        plan.Iterations,
			LatencyIterations: plan.LatencyIterations,
			ProcessCounts:     plan.ProcessCounts,
			ConcurrencyBlock:  plan.ConcurrencyBlock,
			ConcurrencyKind:   plan.ConcurrencyKind,
			FpgaIterations:    plan.FpgaIterations,
			Pattern:           plan.Pattern,
			Seed:              seed,
		}, recorder, runID, logger)

		var runErr error
		results, runErr = runner.Run(ctx, plan.Suite)

		return runErr
	})
	if err != nil {
		if errors.Is(err, backend.ErrDeviceNotFound) {
			logger.ErrorContext(ctx, "device not found",
				slog.String("device", plan.DevicePath),
			)
		}

		return err
	}

	if err := report.Write(os.Stdout, cfg.Report.Format, results); err != nil {
		return fmt.Errorf("generate report: %w", err)
	}

	if cfg.Report.MetricsFile != "" {
		if err := recorder.WriteTextfile(cfg.Report.MetricsFile); err != nil {
			return err
		}

		logger.InfoContext(ctx, "metrics written",
			slog.String("path", cfg.Report.MetricsFile),
		)
	}

	logger.InfoContext(ctx, "benchmark complete")

	return nil
}

func newWorkerCmd() *cobra.Command {
	var spec coordinator.WorkerSpec

	cmd := &cobra.Command{
		Use:    coordinator.WorkerCommand,
		Short:  "Run one concurrency worker and print its result as JSON",
		Hidden: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: slog.LevelWarn,
			}))

			b, err := backend.Load(spec.Backend)
			if err != nil {
				return err
			}

			return coordinator.RunWorker(b, spec, logger, cmd.OutOrStdout())
		},
	}

	coordinator.BindWorkerFlags(cmd.Flags(), &spec)

	return cmd
}
