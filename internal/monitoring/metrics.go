package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline metrics, registered on the default registry and served at /metrics.
var (
	LedgerRowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "segment_ledger_rows_total",
			Help: "Ledger rows read during ingest, by outcome",
		},
		[]string{"outcome"}, // valid, filtered, parse_error
	)

	ProfilesWrittenTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "segment_profiles_written_total",
			Help: "Entity profile rows written by the bulk loader",
		},
		[]string{"status"}, // written, failed
	)

	DetailsWrittenTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "segment_payment_details_written_total",
			Help: "Payment detail rows written during ingest",
		},
	)

	RecencyClampsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "segment_recency_clamps_total",
			Help: "Profiles whose last payment was after the reference date",
		},
	)

	IngestDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "segment_ingest_duration_seconds",
			Help:    "Wall time of a full ledger ingest",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~4.5h
		},
	)

	TasksFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "segment_tasks_finished_total",
			Help: "Analysis tasks that reached a terminal state",
		},
		[]string{"status"}, // completed, failed
	)

	TaskDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "segment_task_duration_seconds",
			Help:    "Wall time of a clustering task from start to terminal state",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 14),
		},
	)

	StaleTasksReapedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "segment_stale_tasks_reaped_total",
			Help: "Running tasks failed by the reaper after exceeding the run timeout",
		},
	)

	TasksByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "segment_tasks",
			Help: "Analysis tasks currently in each status",
		},
		[]string{"status"},
	)

	ProfilesStored = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "segment_profiles",
			Help: "Entity profiles in the store",
		},
	)
)
