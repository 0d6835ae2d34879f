// Package metrics exposes the engine's prometheus collectors. Collectors
// are registered on the default registry via promauto; callers that embed
// the engine can scrape them through their own handler.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	segmentsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tundra",
			Subsystem: "segment",
			Name:      "written_total",
			Help:      "Total number of segments written",
		},
		[]string{"key_type"},
	)

	segmentsRead = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tundra",
			Subsystem: "segment",
			Name:      "read_total",
			Help:      "Total number of segments read",
		},
		[]string{"key_type"},
	)

	bytesCompressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tundra",
			Subsystem: "codec",
			Name:      "compressed_bytes_total",
			Help:      "Total raw bytes fed to block compression",
		},
		[]string{"codec"},
	)

	casRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tundra",
			Subsystem: "version",
			Name:      "cas_retries_total",
			Help:      "Total version-ref replace attempts that lost the race",
		},
	)

	gcDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tundra",
			Subsystem: "version",
			Name:      "gc_deleted_total",
			Help:      "Total atom keys deleted by garbage collection",
		},
	)

	clauseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tundra",
			Subsystem: "pipeline",
			Name:      "clause_duration_seconds",
			Help:      "Duration of clause process invocations in seconds",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		},
		[]string{"clause"},
	)

	queryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tundra",
			Subsystem: "query",
			Name:      "duration_seconds",
			Help:      "End-to-end query duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		},
		[]string{"status"},
	)
)

// RecordSegmentWritten counts one persisted segment of the given key type
func RecordSegmentWritten(keyType string) {
	segmentsWritten.WithLabelValues(keyType).Inc()
}

// RecordSegmentRead counts one fetched segment of the given key type
func RecordSegmentRead(keyType string) {
	segmentsRead.WithLabelValues(keyType).Inc()
}

// RecordCompressedBytes counts raw bytes fed to a block codec
func RecordCompressedBytes(codec string, n int) {
	bytesCompressed.WithLabelValues(codec).Add(float64(n))
}

// RecordCASRetry counts one lost version-ref replace round
func RecordCASRetry() {
	casRetries.Inc()
}

// RecordGCDeleted counts keys removed by a garbage collection pass
func RecordGCDeleted(n int) {
	gcDeleted.Add(float64(n))
}

// RecordClauseDuration records one clause process invocation
func RecordClauseDuration(clause string, d time.Duration) {
	clauseDuration.WithLabelValues(clause).Observe(d.Seconds())
}

// RecordQueryDuration records one end-to-end query
func RecordQueryDuration(status string, d time.Duration) {
	queryDuration.WithLabelValues(status).Observe(d.Seconds())
}
