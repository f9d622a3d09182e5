// Package metrics exports scheduler counters and gauges in Prometheus
// format, grounded on the teacher's ai/metrics.PrometheusExporter (own
// registry, namespace/subsystem-qualified vectors, a promhttp handler)
// scaled down from chat/tool/LLM metrics to the task-manager's own
// concerns: tasks started/completed/failed, session-pool utilization,
// webhook retry counts.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exporter holds the scheduler's Prometheus metrics.
type Exporter struct {
	registry *prometheus.Registry

	tasksStarted   *prometheus.CounterVec
	tasksCompleted *prometheus.CounterVec
	tasksFailed    *prometheus.CounterVec
	tasksCancelled prometheus.Counter

	sessionsActive prometheus.Gauge
	sessionsWaited prometheus.Counter

	webhookRetries *prometheus.CounterVec
}

// New builds an Exporter with a fresh registry.
func New() *Exporter {
	registry := prometheus.NewRegistry()

	e := &Exporter{
		registry: registry,
		tasksStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskengine",
			Subsystem: "manager",
			Name:      "tasks_started_total",
			Help:      "Total number of tasks dispatched to an executor.",
		}, []string{"executor_type"}),
		tasksCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskengine",
			Subsystem: "manager",
			Name:      "tasks_completed_total",
			Help:      "Total number of tasks that reached completed.",
		}, []string{"executor_type"}),
		tasksFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskengine",
			Subsystem: "manager",
			Name:      "tasks_failed_total",
			Help:      "Total number of tasks that reached failed.",
		}, []string{"executor_type"}),
		tasksCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "taskengine",
			Subsystem: "manager",
			Name:      "tasks_cancelled_total",
			Help:      "Total number of tasks cancelled via cancel_task.",
		}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "taskengine",
			Subsystem: "sessionpool",
			Name:      "sessions_active",
			Help:      "Number of session-pool handles currently checked out.",
		}),
		sessionsWaited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "taskengine",
			Subsystem: "sessionpool",
			Name:      "sessions_waited_total",
			Help:      "Total number of acquisitions rejected because the pool was full.",
		}),
		webhookRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskengine",
			Subsystem: "streaming",
			Name:      "webhook_retries_total",
			Help:      "Total number of webhook delivery retry attempts.",
		}, []string{"url"}),
	}

	registry.MustRegister(
		e.tasksStarted,
		e.tasksCompleted,
		e.tasksFailed,
		e.tasksCancelled,
		e.sessionsActive,
		e.sessionsWaited,
		e.webhookRetries,
	)
	return e
}

// TaskStarted records a dispatch to executorType.
func (e *Exporter) TaskStarted(executorType string) { e.tasksStarted.WithLabelValues(executorType).Inc() }

// TaskCompleted records a completed task for executorType.
func (e *Exporter) TaskCompleted(executorType string) {
	e.tasksCompleted.WithLabelValues(executorType).Inc()
}

// TaskFailed records a failed task for executorType.
func (e *Exporter) TaskFailed(executorType string) { e.tasksFailed.WithLabelValues(executorType).Inc() }

// TaskCancelled records a cancelled task.
func (e *Exporter) TaskCancelled() { e.tasksCancelled.Inc() }

// SetSessionsActive reports the current session-pool occupancy.
func (e *Exporter) SetSessionsActive(n int) { e.sessionsActive.Set(float64(n)) }

// SessionWaited records an acquisition that was rejected by a full pool.
func (e *Exporter) SessionWaited() { e.sessionsWaited.Inc() }

// SetActive and Waited satisfy internal/sessionpool.Observer structurally
// (sessionpool never imports this package) so a Pool can be constructed
// with pool.New(...).WithObserver(exporter).
func (e *Exporter) SetActive(n int) { e.SetSessionsActive(n) }

// Waited satisfies internal/sessionpool.Observer; see SetActive.
func (e *Exporter) Waited() { e.SessionWaited() }

// WebhookRetry records a retry attempt against url.
func (e *Exporter) WebhookRetry(url string) { e.webhookRetries.WithLabelValues(url).Inc() }

// Handler serves the registry in Prometheus text exposition format,
// mounted at /metrics by server/router.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}
