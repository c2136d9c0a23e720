package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ExportMetrics holds Prometheus metrics for batch export execution.
type ExportMetrics struct {
	// RunsFinished counts finalized runs by status and destination kind.
	RunsFinished *prometheus.CounterVec
	// RecordsExported counts records delivered per export.
	RecordsExported *prometheus.CounterVec
	// BytesExported counts serialized bytes delivered per export.
	BytesExported *prometheus.CounterVec
	// RunDuration tracks end-to-end run duration by destination kind.
	RunDuration *prometheus.HistogramVec
	// ExportsAutoPaused counts exports paused by the failure threshold.
	ExportsAutoPaused prometheus.Counter
}

// New creates and registers all batch export metrics on the given registerer.
// Pass prometheus.DefaultRegisterer in the binaries.
func New(reg prometheus.Registerer) *ExportMetrics {
	f := promauto.With(reg)
	return &ExportMetrics{
		RunsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "batchbridge_runs_finished_total",
			Help: "Total number of finalized batch export runs",
		}, []string{"status", "destination"}),

		RecordsExported: f.NewCounterVec(prometheus.CounterOpts{
			Name: "batchbridge_records_exported_total",
			Help: "Total number of records delivered to destinations",
		}, []string{"batch_export_id", "team_id"}),

		BytesExported: f.NewCounterVec(prometheus.CounterOpts{
			Name: "batchbridge_bytes_exported_total",
			Help: "Total number of serialized bytes delivered to destinations",
		}, []string{"batch_export_id", "team_id"}),

		RunDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "batchbridge_run_duration_seconds",
			Help:    "End-to-end duration of batch export runs",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}, []string{"destination"}),

		ExportsAutoPaused: f.NewCounter(prometheus.CounterOpts{
			Name: "batchbridge_exports_auto_paused_total",
			Help: "Total number of batch exports paused after repeated failures",
		}),
	}
}

// NewNop returns metrics backed by a throwaway registry, for tests.
func NewNop() *ExportMetrics {
	return New(prometheus.NewRegistry())
}
