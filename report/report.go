// Package report formats benchmark results into tables, JSON or YAML.
package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/weiihann/cxlbench/coordinator"
	"github.com/weiihann/cxlbench/harness"
	"github.com/weiihann/cxlbench/suite"
	"gopkg.in/yaml.v3"
)

// ErrUnknownFormat reports an output format other than markdown, json or
// yaml.
var ErrUnknownFormat = errors.New("unknown report format")

// Write renders res in the named format.
func Write(w io.Writer, format string, res suite.Results) error {
	switch format {
	case "markdown", "":
		return Generate(w, res)
	case "json":
		return GenerateJSON(w, res)
	case "yaml":
		return GenerateYAML(w, res)
	default:
		return fmt.Errorf("%w %q", ErrUnknownFormat, format)
	}
}

// Generate writes one markdown table per series, followed by the worker
// slots of every concurrency run.
func Generate(w io.Writer, res suite.Results) error {
	if len(res.Series) == 0 {
		return fmt.Errorf("no results to report")
	}

	fmt.Fprintln(w, "## Benchmark Results")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Run `%s`, suite **%s**\n", res.RunID, res.Suite)

	for _, s := range res.Series {
		fmt.Fprintln(w)
		writeSeries(w, s)
	}

	if len(res.Runs) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "## Concurrency Runs")

		for _, run := range res.Runs {
			fmt.Fprintln(w)
			writeRun(w, run)
		}
	}

	return nil
}

func writeSeries(w io.Writer, s harness.Series) {
	fmt.Fprintf(w, "### %s\n", s.Name)
	fmt.Fprintln(w)
	fmt.Fprintf(w, "| %s | Value |\n", s.Param)
	fmt.Fprintln(w, "|---|---|")

	for _, p := range s.Points {
		fmt.Fprintf(w, "| %s | %s |\n", p.Label, formatValue(p.Result.Value, p.Result.Unit))
	}

	if s.Param != harness.ParamWorker || s.Len() < 2 {
		return
	}

	sum := harness.Summarize(s.Values())
	unit := s.Unit()

	fmt.Fprintf(w, "| **total** | %s |\n", formatValue(sum.Sum, unit))
	fmt.Fprintf(w, "| **mean** | %s |\n", formatValue(sum.Mean, unit))
}

func writeRun(w io.Writer, run coordinator.Run) {
	fmt.Fprintf(w, "### %s, %d processes, %s blocks\n",
		run.Spec.Kind, run.Spec.Processes, formatBytes(run.Spec.BlockSize))
	fmt.Fprintln(w)
	fmt.Fprintln(w, "| Worker | Offset | Status | Bandwidth | Elapsed |")
	fmt.Fprintln(w, "|--------|--------|--------|-----------|---------|")

	for _, slot := range run.Slots {
		fmt.Fprintf(w, "| %d | %s | %s | %s | %s |\n",
			slot.ID,
			formatBytes(slot.Offset),
			slot.Status,
			formatValue(slot.Value, "GiB/s"),
			formatMs(slot.ElapsedMs),
		)
	}

	sum := harness.Summarize(run.Values())

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Aggregate %s, min %s, max %s",
		formatValue(run.Aggregate, "GiB/s"),
		formatValue(sum.Min, "GiB/s"),
		formatValue(sum.Max, "GiB/s"),
	)

	if n := run.Failed(); n > 0 {
		fmt.Fprintf(w, ", **%d failed**", n)
	}

	fmt.Fprintln(w)
}

// GenerateJSON writes res as JSON to w.
func GenerateJSON(w io.Writer, res suite.Results) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(res)
}

// GenerateYAML writes res as YAML to w.
func GenerateYAML(w io.Writer, res suite.Results) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)

	if err := enc.Encode(res); err != nil {
		return fmt.Errorf("encode yaml: %w", err)
	}

	return enc.Close()
}

func formatValue(v float64, unit string) string {
	if unit == "" {
		return strconv.FormatFloat(v, 'f', 2, 64)
	}

	return fmt.Sprintf("%.2f %s", v, unit)
}

func formatMs(ms int64) string {
	if ms < 1000 {
		return fmt.Sprintf("%dms", ms)
	}

	return fmt.Sprintf("%.2fs", float64(ms)/1000)
}

func formatBytes(b int64) string {
	if b <= 0 {
		return "0"
	}

	return humanize.IBytes(uint64(b))
}
