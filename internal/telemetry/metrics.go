// Package telemetry exposes Prometheus metrics and OpenTelemetry spans for
// the reconciler, the workflows and the completion callbacks. Metrics live on
// a private registry served by the serve command; nothing is pushed.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Aman-CERP/amanidx/internal/model"
)

const namespace = "amanidx"

// Metrics holds every collector. A nil *Metrics records nothing, so
// components can be built without telemetry in tests.
type Metrics struct {
	registry *prometheus.Registry

	reconcilePasses   *prometheus.CounterVec
	reconcileDuration prometheus.Histogram
	claims            *prometheus.CounterVec
	workflows         *prometheus.CounterVec
	workflowDuration  *prometheus.HistogramVec
	tasks             *prometheus.CounterVec
	callbacks         *prometheus.CounterVec
	specs             *prometheus.GaugeVec
	breakers          *prometheus.GaugeVec
}

// NewMetrics creates the collectors on a fresh registry together with the
// Go runtime and process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		reconcilePasses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_passes_total",
			Help:      "Reconcile passes by result (ok, partial, error).",
		}, []string{"result"}),
		reconcileDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconcile_pass_duration_seconds",
			Help:      "Wall time of one reconcile pass.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_total",
			Help:      "Claim attempts by action and result (won, lost).",
		}, []string{"action", "result"}),
		workflows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_total",
			Help:      "Finished workflows by operation and aggregate status.",
		}, []string{"operation", "status"}),
		workflowDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_duration_seconds",
			Help:      "Wall time of a workflow from prepare to fan-in.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 3, 10),
		}, []string{"operation"}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Apply and delete tasks by index type and outcome.",
		}, []string{"index_type", "outcome"}),
		callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "callbacks_total",
			Help:      "Completion callbacks by name and result (applied, stale).",
		}, []string{"callback", "result"}),
		specs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "index_specs",
			Help:      "Index spec rows by status.",
		}, []string{"status"}),
		breakers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backend_circuit_state",
			Help:      "Circuit breaker state per backend (0 closed, 1 open, 2 half-open).",
		}, []string{"index_type"}),
	}

	m.registry.MustRegister(
		m.reconcilePasses, m.reconcileDuration, m.claims,
		m.workflows, m.workflowDuration, m.tasks, m.callbacks,
		m.specs, m.breakers,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ReconcilePass records one finished pass.
func (m *Metrics) ReconcilePass(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.reconcilePasses.WithLabelValues(result).Inc()
	m.reconcileDuration.Observe(d.Seconds())
}

// Claim records a claim attempt.
func (m *Metrics) Claim(action model.Action, won bool) {
	if m == nil {
		return
	}
	result := "lost"
	if won {
		result = "won"
	}
	m.claims.WithLabelValues(string(action), result).Inc()
}

// Workflow records a finished workflow.
func (m *Metrics) Workflow(wr *model.WorkflowResult) {
	if m == nil || wr == nil {
		return
	}
	m.workflows.WithLabelValues(string(wr.Operation), string(wr.Status)).Inc()
	if !wr.StartedAt.IsZero() && !wr.FinishedAt.IsZero() {
		m.workflowDuration.WithLabelValues(string(wr.Operation)).Observe(wr.FinishedAt.Sub(wr.StartedAt).Seconds())
	}
}

// Task records the outcome of one apply or delete task.
func (m *Metrics) Task(t model.IndexType, o model.Outcome) {
	if m == nil || o == nil {
		return
	}
	m.tasks.WithLabelValues(string(t), o.Kind()).Inc()
}

// Callback records whether a completion callback changed a row.
func (m *Metrics) Callback(name string, applied bool) {
	if m == nil {
		return
	}
	result := "stale"
	if applied {
		result = "applied"
	}
	m.callbacks.WithLabelValues(name, result).Inc()
}

// SetSpecCounts replaces the per-status row gauge.
func (m *Metrics) SetSpecCounts(counts map[model.Status]int) {
	if m == nil {
		return
	}
	for status, n := range counts {
		m.specs.WithLabelValues(string(status)).Set(float64(n))
	}
}

// SetBreakerState publishes a backend's circuit breaker state.
func (m *Metrics) SetBreakerState(t model.IndexType, state int) {
	if m == nil {
		return
	}
	m.breakers.WithLabelValues(string(t)).Set(float64(state))
}
