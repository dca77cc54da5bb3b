package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the backend's Prometheus collectors on a private registry so
// tests can construct instances independently.
type Metrics struct {
	registry *prometheus.Registry

	CyclesTotal    *prometheus.CounterVec
	RulesEvaluated prometheus.Counter
	RulesTriggered *prometheus.CounterVec

	ActionsPublished *prometheus.CounterVec
	ActionsExecuted  *prometheus.CounterVec
	DLQMoved         prometheus.Counter
	DLQErrors        prometheus.Counter

	SchedulesProcessed *prometheus.CounterVec

	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter
}

// New creates and registers all collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		CyclesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "greenhouse",
				Subsystem: "engine",
				Name:      "cycles_total",
				Help:      "Evaluation cycles run, by outcome",
			},
			[]string{"status"},
		),
		RulesEvaluated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "greenhouse",
				Subsystem: "engine",
				Name:      "rules_evaluated_total",
				Help:      "Rules evaluated across all cycles",
			},
		),
		RulesTriggered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "greenhouse",
				Subsystem: "engine",
				Name:      "rules_triggered_total",
				Help:      "Rules whose conditions were met and actions dispatched",
			},
			[]string{"rule"},
		),

		ActionsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "greenhouse",
				Subsystem: "queue",
				Name:      "actions_published_total",
				Help:      "Actions appended to the critical action queue",
			},
			[]string{"service", "method", "status"},
		),
		ActionsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "greenhouse",
				Subsystem: "worker",
				Name:      "actions_executed_total",
				Help:      "Queued actions processed by the worker, by outcome",
			},
			[]string{"status"},
		),
		DLQMoved: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "greenhouse",
				Subsystem: "worker",
				Name:      "dlq_moved_total",
				Help:      "Actions moved to the dead-letter queue",
			},
		),
		DLQErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "greenhouse",
				Subsystem: "worker",
				Name:      "dlq_errors_total",
				Help:      "Failed dead-letter appends leaving messages pending",
			},
		),

		SchedulesProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "greenhouse",
				Subsystem: "scheduler",
				Name:      "operations_processed_total",
				Help:      "Due scheduled operations processed, by outcome",
			},
			[]string{"status"},
		),

		CacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "greenhouse",
				Subsystem: "cache",
				Name:      "hits_total",
				Help:      "Context cache hits",
			},
		),
		CacheMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "greenhouse",
				Subsystem: "cache",
				Name:      "misses_total",
				Help:      "Context cache misses",
			},
		),
	}

	m.registry.MustRegister(
		m.CyclesTotal, m.RulesEvaluated, m.RulesTriggered,
		m.ActionsPublished, m.ActionsExecuted, m.DLQMoved, m.DLQErrors,
		m.SchedulesProcessed, m.CacheHits, m.CacheMisses,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
