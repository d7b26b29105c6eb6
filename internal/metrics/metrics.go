// Package metrics records per-run collector metrics and writes them in the
// Prometheus text format, for node_exporter's textfile collector.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/xDarkicex/collect"
)

// Metrics holds all Prometheus metrics of one process.
type Metrics struct {
	registry *prometheus.Registry

	RunsTotal        *prometheus.CounterVec
	RunDuration      *prometheus.HistogramVec
	BytesCollected   prometheus.Counter
	BytesWritten     prometheus.Counter
	BuffersFilled    prometheus.Counter
	Fallbacks        prometheus.Counter
	LastRunTimestamp prometheus.Gauge
}

// New creates metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		RunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collect_runs_total",
				Help: "Total number of collection runs",
			},
			[]string{"path", "result"},
		),
		RunDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "collect_run_duration_seconds",
				Help:    "Collection run duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"path"},
		),
		BytesCollected: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "collect_bytes_collected_total",
				Help: "Total bytes read from input into buffers",
			},
		),
		BytesWritten: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "collect_bytes_written_total",
				Help: "Total bytes written from buffers to output",
			},
		),
		BuffersFilled: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "collect_buffers_filled_total",
				Help: "Total number of buffers that held payload",
			},
		),
		Fallbacks: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "collect_transfer_fallbacks_total",
				Help: "Total number of transfer strategy fallbacks",
			},
		),
		LastRunTimestamp: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "collect_last_run_timestamp_seconds",
				Help: "Unix time the last run finished",
			},
		),
	}
}

// Registry returns the registry holding the metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Observe records a finished run.
func (m *Metrics) Observe(st collect.Stats, err error, d time.Duration) {
	path := st.Path
	if path == "" {
		path = "none"
	}
	m.RunsTotal.WithLabelValues(path, Result(err)).Inc()
	m.RunDuration.WithLabelValues(path).Observe(d.Seconds())
	m.BytesCollected.Add(float64(st.Collected))
	m.BytesWritten.Add(float64(st.Written))
	m.BuffersFilled.Add(float64(st.Buffers))
	m.Fallbacks.Add(float64(st.Fallbacks))
	m.LastRunTimestamp.SetToCurrentTime()
}

// WriteTextfile writes the metrics to path atomically.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics: %w", err)
	}
	return nil
}

// Result labels the outcome of a run by its error kind.
func Result(err error) string {
	if err == nil {
		return "ok"
	}
	switch collect.KindOf(err) {
	case collect.KindAllocation:
		return "allocation"
	case collect.KindMapping:
		return "mapping"
	case collect.KindTransfer:
		return "transfer"
	case collect.KindUnexpectedEOF:
		return "unexpected_eof"
	default:
		return "error"
	}
}
