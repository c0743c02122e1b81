package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains all runtime-level metrics (not component-specific)
type Metrics struct {
	// Object store metrics
	ObjectsStored    *prometheus.CounterVec
	ObjectsFreed     prometheus.Counter
	SharedStoreBytes prometheus.Gauge
	SpillsTotal      prometheus.Counter
	ReloadsTotal     prometheus.Counter
	FetchesTotal     *prometheus.CounterVec
	GetDuration      *prometheus.HistogramVec

	// Scheduler metrics
	TasksScheduled *prometheus.CounterVec
	TasksQueued    prometheus.Gauge
	QueueWait      prometheus.Histogram

	// Executor metrics
	TasksExecuted *prometheus.CounterVec
	TaskRetries   prometheus.Counter

	// Actor metrics
	ActorsLive       prometheus.Gauge
	ActorInvocations *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all runtime metrics
func NewMetrics() *Metrics {
	return &Metrics{
		ObjectsStored: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "taskmesh",
				Subsystem: "store",
				Name:      "objects_stored_total",
				Help:      "Total objects stored, by tier (inprocess, shared)",
			},
			[]string{"tier"},
		),

		ObjectsFreed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "taskmesh",
				Subsystem: "store",
				Name:      "objects_freed_total",
				Help:      "Total objects freed after their references dropped to zero",
			},
		),

		SharedStoreBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "taskmesh",
				Subsystem: "store",
				Name:      "shared_bytes",
				Help:      "Bytes currently resident in the node-shared store",
			},
		),

		SpillsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "taskmesh",
				Subsystem: "store",
				Name:      "spills_total",
				Help:      "Objects spilled to disk under memory pressure",
			},
		),

		ReloadsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "taskmesh",
				Subsystem: "store",
				Name:      "reloads_total",
				Help:      "Spilled objects reloaded into memory on access",
			},
		),

		FetchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "taskmesh",
				Subsystem: "store",
				Name:      "fetches_total",
				Help:      "Object fetches, by source (inprocess, shared, spilled, remote)",
			},
			[]string{"source"},
		),

		GetDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "taskmesh",
				Subsystem: "store",
				Name:      "get_duration_seconds",
				Help:      "Get latency in seconds",
				Buckets:   []float64{0.0001, 0.001, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
			},
			[]string{"outcome"},
		),

		TasksScheduled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "taskmesh",
				Subsystem: "scheduler",
				Name:      "tasks_scheduled_total",
				Help:      "Scheduling decisions, by outcome (placed, queued, exhausted)",
			},
			[]string{"outcome"},
		),

		TasksQueued: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "taskmesh",
				Subsystem: "scheduler",
				Name:      "tasks_queued",
				Help:      "Invocations currently waiting for resources",
			},
		),

		QueueWait: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "taskmesh",
				Subsystem: "scheduler",
				Name:      "queue_wait_seconds",
				Help:      "Time invocations spend queued before placement",
				Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1.0, 5.0, 30.0},
			},
		),

		TasksExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "taskmesh",
				Subsystem: "executor",
				Name:      "tasks_executed_total",
				Help:      "Executed invocations, by status (ok, user_error, worker_lost)",
			},
			[]string{"status"},
		),

		TaskRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "taskmesh",
				Subsystem: "executor",
				Name:      "task_retries_total",
				Help:      "Stateless invocations re-run after a worker loss",
			},
		),

		ActorsLive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "taskmesh",
				Subsystem: "actor",
				Name:      "live",
				Help:      "Actors currently in the Running state",
			},
		),

		ActorInvocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "taskmesh",
				Subsystem: "actor",
				Name:      "invocations_total",
				Help:      "Actor method invocations, by status (ok, user_error, unavailable)",
			},
			[]string{"status"},
		),
	}
}

// collectors returns every core metric for registration.
func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.ObjectsStored,
		m.ObjectsFreed,
		m.SharedStoreBytes,
		m.SpillsTotal,
		m.ReloadsTotal,
		m.FetchesTotal,
		m.GetDuration,
		m.TasksScheduled,
		m.TasksQueued,
		m.QueueWait,
		m.TasksExecuted,
		m.TaskRetries,
		m.ActorsLive,
		m.ActorInvocations,
	}
}
