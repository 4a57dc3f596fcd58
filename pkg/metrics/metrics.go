// Package metrics provides Prometheus instrumentation for jacket
// operations (SPEC_FULL.md §1.4).
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Write metrics
	JacketWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sgfa_jacket_writes_total",
			Help: "Total number of jacket writes by result",
		},
		[]string{"result"},
	)

	JacketWriteDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sgfa_jacket_write_seconds",
			Help:    "Time taken to commit a jacket write in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Lock metrics
	JacketLockWaitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sgfa_jacket_lock_wait_seconds",
			Help:    "Time spent waiting to acquire the jacket lock",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	// Read/store metrics
	StoreReadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sgfa_store_reads_total",
			Help: "Total number of item-store reads by kind and result",
		},
		[]string{"kind", "result"},
	)

	// Validate metrics
	ValidateErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sgfa_validate_errors_total",
			Help: "Total number of errors reported by validate, by category",
		},
		[]string{"category"},
	)

	ValidateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sgfa_validate_duration_seconds",
			Help:    "Time taken for a validate walk in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Backup/restore metrics
	BackupBlobsCopiedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sgfa_backup_blobs_copied_total",
			Help: "Total number of blobs copied by backup push/pull, by kind and direction",
		},
		[]string{"kind", "direction"},
	)
)

func init() {
	prometheus.MustRegister(JacketWritesTotal)
	prometheus.MustRegister(JacketWriteDuration)
	prometheus.MustRegister(JacketLockWaitDuration)
	prometheus.MustRegister(StoreReadsTotal)
	prometheus.MustRegister(ValidateErrorsTotal)
	prometheus.MustRegister(ValidateDuration)
	prometheus.MustRegister(BackupBlobsCopiedTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}
