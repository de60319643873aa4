// Package metrics exports benchmark results as Prometheus metrics, so a
// run can be scraped through the node_exporter textfile collector.
package metrics

import (
	"fmt"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/weiihann/cxlbench/coordinator"
	"github.com/weiihann/cxlbench/harness"
)

const namespace = "cxlbench"

// Recorder holds the metrics of a single benchmark run.
type Recorder struct {
	registry *prometheus.Registry

	results        *prometheus.GaugeVec
	workers        *prometheus.GaugeVec
	measurements   prometheus.Counter
	workerFailures prometheus.Counter
}

// NewRecorder creates a Recorder whose metrics carry runID as a label.
func NewRecorder(runID string) *Recorder {
	constLabels := prometheus.Labels{"run_id": runID}

	r := &Recorder{
		registry: prometheus.NewRegistry(),
		results: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "result",
			Help:        "Measured value of one point of a result series.",
			ConstLabels: constLabels,
		}, []string{"suite", "series", "param", "key", "unit"}),
		workers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "worker_bandwidth_gib_per_second",
			Help:        "Bandwidth reported by one worker of a concurrency run.",
			ConstLabels: constLabels,
		}, []string{"kind", "processes", "worker", "status"}),
		measurements: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "measurements_total",
			Help:        "Number of measurements recorded.",
			ConstLabels: constLabels,
		}),
		workerFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "worker_failures_total",
			Help:        "Workers that contributed zero to a concurrency run.",
			ConstLabels: constLabels,
		}),
	}

	r.registry.MustRegister(r.results, r.workers, r.measurements, r.workerFailures)

	return r
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// ObserveSeries records every point of s under the given suite.
func (r *Recorder) ObserveSeries(suite string, s harness.Series) {
	for _, p := range s.Points {
		r.results.WithLabelValues(
			suite, s.Name, s.Param, strconv.FormatInt(p.Key, 10), p.Result.Unit,
		).Set(p.Result.Value)
		r.measurements.Inc()
	}
}

// ObserveRun records the per-worker slots of a concurrency run.
func (r *Recorder) ObserveRun(run coordinator.Run) {
	procs := strconv.Itoa(run.Spec.Processes)

	for _, s := range run.Slots {
		r.workers.WithLabelValues(
			string(run.Spec.Kind), procs, strconv.Itoa(s.ID), string(s.Status),
		).Set(s.Value)

		if s.Status != coordinator.StatusOK {
			r.workerFailures.Inc()
		}
	}
}

// WriteTextfile writes all metrics to path in the text exposition format.
func (r *Recorder) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("write metrics to %s: %w", path, err)
	}

	return nil
}
