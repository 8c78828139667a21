// Package metrics holds the Prometheus collectors for the sync engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SyncRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_runs_total",
			Help: "Sync runs by terminal status",
		},
		[]string{"status", "type"},
	)

	SyncRunsInflight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sync_runs_inflight",
			Help: "Sync runs currently executing",
		},
	)

	MessagesSyncedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_messages_total",
			Help: "Messages processed by outcome",
		},
		[]string{"outcome"}, // created, updated, error, skipped
	)

	PageFetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sync_page_fetch_duration_seconds",
			Help:    "Provider page fetch latency",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		},
		[]string{"mode"}, // full, delta
	)

	BatchStoreDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sync_batch_store_duration_seconds",
			Help:    "Batch persistence latency",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
	)
)

func RecordRun(status, opType string) {
	SyncRunsTotal.WithLabelValues(status, opType).Inc()
}

func AddMessages(outcome string, n int) {
	if n > 0 {
		MessagesSyncedTotal.WithLabelValues(outcome).Add(float64(n))
	}
}

func ObservePageFetch(mode string, d time.Duration) {
	PageFetchDuration.WithLabelValues(mode).Observe(d.Seconds())
}

func ObserveBatchStore(d time.Duration) {
	BatchStoreDuration.Observe(d.Seconds())
}
