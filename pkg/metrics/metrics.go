// Package metrics exposes prometheus instrumentation for the ingester and
// worker loops.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors for one host process.
type Metrics struct {
	registry *prometheus.Registry

	// Ingester
	MessagesIngested *prometheus.CounterVec // disposition: completed, deadlettered, abandoned
	IngestTicks      prometheus.Counter
	IngestTickTime   prometheus.Histogram

	// Worker
	TasksProcessed *prometheus.CounterVec // outcome: succeeded, retried, failed
	TaskRunTime    prometheus.Histogram
	TasksRequeued  prometheus.Counter
	HeartbeatMiss  prometheus.Counter
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		MessagesIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskledger_messages_ingested_total",
			Help: "Bus messages settled by the ingester, by disposition.",
		}, []string{"disposition"}),
		IngestTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskledger_ingest_ticks_total",
			Help: "Ingester receive ticks executed.",
		}),
		IngestTickTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "taskledger_ingest_tick_seconds",
			Help:    "Wall-clock time per ingester tick.",
			Buckets: prometheus.DefBuckets,
		}),
		TasksProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskledger_tasks_processed_total",
			Help: "Task execution attempts by outcome.",
		}, []string{"outcome"}),
		TaskRunTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "taskledger_task_run_seconds",
			Help:    "Handler execution time per task attempt.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		TasksRequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskledger_tasks_requeued_total",
			Help: "Stalled tasks requeued by the recoverer.",
		}),
		HeartbeatMiss: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskledger_heartbeat_misses_total",
			Help: "Heartbeat refreshes rejected by the version guard.",
		}),
	}
	m.registry.MustRegister(
		m.MessagesIngested,
		m.IngestTicks,
		m.IngestTickTime,
		m.TasksProcessed,
		m.TaskRunTime,
		m.TasksRequeued,
		m.HeartbeatMiss,
	)
	return m
}

// Registry returns the backing registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the scrape endpoint handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
