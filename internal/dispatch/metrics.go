package dispatch

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus collectors for one dispatcher pool. The
// dispatcher itself stays Prometheus-free; attach these through Hooks.
type Metrics struct {
	TasksSubmitted prometheus.Counter
	TasksCompleted prometheus.Counter
	TasksFailed    prometheus.Counter
	ActiveWorkers  prometheus.Gauge
	QueueDepth     prometheus.Gauge
	TaskDuration   prometheus.Histogram
}

// NewMetrics creates and registers the pool collectors under the given
// namespace. Call once per process: duplicate registration panics.
func NewMetrics(namespace string) *Metrics {
	m := &Metrics{
		TasksSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "tasks_submitted_total",
			Help:      "Total number of work items submitted to the pool.",
		}),
		TasksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "tasks_completed_total",
			Help:      "Total number of work items that finished without error.",
		}),
		TasksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "tasks_failed_total",
			Help:      "Total number of work items that finished with an error.",
		}),
		ActiveWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "active_workers",
			Help:      "Number of workers currently executing a work item.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "queue_depth",
			Help:      "Number of work items waiting for a worker.",
		}),
		TaskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "task_duration_seconds",
			Help:      "Work item execution time in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	prometheus.MustRegister(
		m.TasksSubmitted,
		m.TasksCompleted,
		m.TasksFailed,
		m.ActiveWorkers,
		m.QueueDepth,
		m.TaskDuration,
	)
	return m
}

// Hooks returns dispatcher hooks that keep the collectors current.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnSubmit: func() {
			m.TasksSubmitted.Inc()
			m.QueueDepth.Inc()
		},
		OnStart: func() {
			m.QueueDepth.Dec()
			m.ActiveWorkers.Inc()
		},
		OnFinish: func(res Result) {
			m.ActiveWorkers.Dec()
			m.TaskDuration.Observe(res.Duration.Seconds())
			if res.Err != nil {
				m.TasksFailed.Inc()
			} else {
				m.TasksCompleted.Inc()
			}
		},
	}
}
