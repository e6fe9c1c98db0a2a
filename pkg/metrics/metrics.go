// Package metrics exposes Prometheus metrics for Quasar ingestion.
//
// All vectors are registered on the default registry through promauto and
// are safe for concurrent use.
//
// # Basic Usage
//
//	metrics.RowsRead.WithLabelValues("csv").Add(float64(b.Len()))
//
//	timer := metrics.NewTimer()
//	n, err := backend.Write(ctx, desc, b)
//	metrics.BackendLatency.WithLabelValues("structured", "write").Observe(timer.Stop().Seconds())
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RowsRead counts rows yielded by readers.
	// Labels: format
	RowsRead = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quasar_reader_rows_total",
			Help: "Total number of rows yielded by readers",
		},
		[]string{"format"},
	)

	// BatchesProduced counts batches yielded by readers.
	// Labels: format
	BatchesProduced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quasar_reader_batches_total",
			Help: "Total number of batches yielded by readers",
		},
		[]string{"format"},
	)

	// BatchBytes tracks the estimated size of yielded batches.
	// Labels: format
	BatchBytes = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quasar_reader_batch_bytes",
			Help:    "Estimated in-memory size of yielded batches",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
		},
		[]string{"format"},
	)

	// ParseErrors counts malformed source records.
	// Labels: format
	ParseErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quasar_reader_parse_errors_total",
			Help: "Total number of malformed source records",
		},
		[]string{"format"},
	)

	// Resolutions counts operator resolutions.
	// Labels: source (name/location), outcome (ok/cached/not_found/ambiguous/error)
	Resolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quasar_extension_resolutions_total",
			Help: "Total number of operator resolutions",
		},
		[]string{"source", "outcome"},
	)

	// Invocations counts operator invocations.
	// Labels: operator, status (success/failure)
	Invocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quasar_extension_invocations_total",
			Help: "Total number of operator invocations",
		},
		[]string{"operator", "status"},
	)

	// BackendRows counts rows written by storage backends.
	// Labels: kind, operation (insert/append)
	BackendRows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quasar_backend_rows_total",
			Help: "Total number of rows written by storage backends",
		},
		[]string{"kind", "operation"},
	)

	// BackendLatency tracks storage operation latency in seconds.
	// Labels: kind, operation
	BackendLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "quasar_backend_latency_seconds",
			Help: "Storage backend operation latency in seconds",
			Buckets: []float64{
				0.0005, // 500us - in-memory sqlite
				0.005,  // 5ms - local disk
				0.05,   // 50ms - remote database
				0.5,    // 500ms - object store round trip
				5,      // 5s - large segment upload
			},
		},
		[]string{"kind", "operation"},
	)

	// BackendErrors counts failed storage operations.
	// Labels: kind, operation, type (error type)
	BackendErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quasar_backend_errors_total",
			Help: "Total number of failed storage operations",
		},
		[]string{"kind", "operation", "type"},
	)

	// BackendsActive tracks constructed backend handles.
	// Labels: kind
	BackendsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quasar_backends_active",
			Help: "Number of constructed storage backend handles",
		},
		[]string{"kind"},
	)

	// PipelineRuns counts load and insert executions.
	// Labels: operation (load, insert), status (ok, error)
	PipelineRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quasar_pipeline_runs_total",
			Help: "Total number of load and insert executions",
		},
		[]string{"operation", "status"},
	)

	// RecordsSkipped counts malformed records skipped by loads.
	// Labels: table
	RecordsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quasar_pipeline_records_skipped_total",
			Help: "Total number of malformed records skipped during loads",
		},
		[]string{"table"},
	)
)

// Timer measures the duration of an operation
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer and starts timing immediately
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Stop returns the elapsed duration since creation. It can be called more
// than once.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}
