// Package telemetry exposes pipeline metrics to Prometheus.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/JonMunkholm/MiniETL/internal/core"
)

// Metrics provides observability for pipeline runs.
// All methods are safe on a nil *Metrics.
type Metrics struct {
	RunsTotal         *prometheus.CounterVec
	RunDuration       prometheus.Histogram
	RetrievalFailures *prometheus.CounterVec
	RowsIn            prometheus.Gauge
	RowsOut           prometheus.Gauge
	DedupRemovedTotal prometheus.Counter
	PublishFailures   *prometheus.CounterVec
}

// New creates the metrics and registers them on reg.
// Pass prometheus.DefaultRegisterer to expose them on the default /metrics handler.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "etl_runs_total",
			Help: "Pipeline runs by outcome (live, fallback, failed)",
		}, []string{"outcome"}),
		RunDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "etl_run_duration_seconds",
			Help:    "Duration of pipeline runs",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		RetrievalFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "etl_retrieval_failures_total",
			Help: "Live source failures recovered with demo data, by reason",
		}, []string{"reason"}),
		RowsIn: f.NewGauge(prometheus.GaugeOpts{
			Name: "etl_rows_in",
			Help: "Records received by the last completed run",
		}),
		RowsOut: f.NewGauge(prometheus.GaugeOpts{
			Name: "etl_rows_out",
			Help: "Records retained by the last completed run",
		}),
		DedupRemovedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "etl_dedup_removed_total",
			Help: "Duplicate records dropped across all runs",
		}),
		PublishFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "etl_publish_failures_total",
			Help: "Failed run side effects by target (history, broker)",
		}, []string{"target"}),
	}
}

// ObserveRun records a finished run. Row metrics are only updated for runs
// that completed.
func (m *Metrics) ObserveRun(outcome string, d time.Duration, rows core.Metrics) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(outcome).Inc()
	m.RunDuration.Observe(d.Seconds())
	if outcome == core.OutcomeFailed {
		return
	}
	m.RowsIn.Set(float64(rows.RowsIn))
	m.RowsOut.Set(float64(rows.RowsOut))
	m.DedupRemovedTotal.Add(float64(rows.DedupRemoved))
}

// ObserveRetrievalFailure records a live source failure.
func (m *Metrics) ObserveRetrievalFailure(reason string) {
	if m == nil {
		return
	}
	m.RetrievalFailures.WithLabelValues(reason).Inc()
}

// ObservePublishFailure records a failed history write or broker publish.
func (m *Metrics) ObservePublishFailure(target string) {
	if m == nil {
		return
	}
	m.PublishFailures.WithLabelValues(target).Inc()
}
