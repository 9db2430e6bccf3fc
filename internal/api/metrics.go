package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus collectors for the pipeline. Registered once at import
// via promauto; workers update them directly.
var (
	EventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "repetl_events_processed_total",
		Help: "Events processed per worker and operation.",
	}, []string{"worker", "operation"})

	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "repetl_events_dropped_total",
		Help: "Events dropped on full queues.",
	}, []string{"worker"})

	WorkerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "repetl_worker_errors_total",
		Help: "Errors absorbed per worker.",
	}, []string{"worker"})

	BatchesFlushed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "repetl_batches_flushed_total",
		Help: "Batches written per target.",
	}, []string{"target"})

	BatchesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "repetl_batches_dropped_total",
		Help: "Batches dropped after exhausting retries.",
	}, []string{"target"})

	InitRowsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "repetl_init_rows_published_total",
		Help: "Snapshot rows published per mapping.",
	}, []string{"mapping"})

	BusUsage = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "repetl_bus_usage_ratio",
		Help: "Message bus queue fill ratio.",
	})

	BusDropped = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "repetl_bus_dropped_total",
		Help: "Messages dropped by the bus.",
	})

	Reconnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "repetl_database_reconnections_total",
		Help: "Database connections reestablished.",
	})

	WorkerRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "repetl_worker_restarts_total",
		Help: "Worker restarts performed by the supervisor.",
	}, []string{"worker"})
)
