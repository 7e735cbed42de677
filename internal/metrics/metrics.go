// Package metrics exports workflow, step and streaming counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rendis/crewflow/internal/engine"
	"github.com/rendis/crewflow/pkg/schema"
)

// Metrics holds the crewflow collectors on a dedicated registry.
type Metrics struct {
	registry *prometheus.Registry

	workflowsTotal     *prometheus.CounterVec
	workflowsActive    prometheus.Gauge
	stepsTotal         *prometheus.CounterVec
	stepRetries        *prometheus.CounterVec
	stepDuration       *prometheus.HistogramVec
	subscribersDropped prometheus.Counter
}

// New creates and registers the collectors, plus the Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		workflowsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crewflow_workflows_total",
				Help: "Workflows that reached a terminal status.",
			},
			[]string{"status"},
		),
		workflowsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "crewflow_workflows_active",
				Help: "Workflows currently running.",
			},
		),
		stepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crewflow_steps_total",
				Help: "Steps that finished, by agent and terminal status.",
			},
			[]string{"agent", "status"},
		),
		stepRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crewflow_step_retries_total",
				Help: "Step retries, by agent.",
			},
			[]string{"agent"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crewflow_step_duration_seconds",
				Help:    "Step wall time including retries, by agent.",
				Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"agent"},
		),
		subscribersDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "crewflow_subscribers_dropped_total",
				Help: "Stream subscribers disconnected for falling behind.",
			},
		),
	}
	m.registry.MustRegister(
		m.workflowsTotal,
		m.workflowsActive,
		m.stepsTotal,
		m.stepRetries,
		m.stepDuration,
		m.subscribersDropped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Attach feeds the collectors from e's lifecycle hooks and bus.
func (m *Metrics) Attach(e *engine.Engine) {
	wf := e.WorkflowFSM()
	wf.OnAfter(schema.WorkflowStatusPending, schema.WorkflowStatusRunning, func(engine.Transition[schema.WorkflowStatus]) error {
		m.workflowsActive.Inc()
		return nil
	})
	for _, status := range []schema.WorkflowStatus{schema.WorkflowStatusCompleted, schema.WorkflowStatusFailed, schema.WorkflowStatusCancelled} {
		wf.OnEnter(status, func(t engine.Transition[schema.WorkflowStatus]) error {
			m.workflowsTotal.WithLabelValues(string(t.To)).Inc()
			if t.From == schema.WorkflowStatusRunning {
				m.workflowsActive.Dec()
			}
			return nil
		})
	}

	step := e.StepFSM()
	step.OnAfter(schema.StepStatusRunning, schema.StepStatusRunning, func(t engine.Transition[schema.StepStatus]) error {
		m.stepRetries.WithLabelValues(t.Agent).Inc()
		return nil
	})
	for _, status := range []schema.StepStatus{schema.StepStatusCompleted, schema.StepStatusFailed} {
		step.OnEnter(status, func(t engine.Transition[schema.StepStatus]) error {
			m.stepsTotal.WithLabelValues(t.Agent, string(t.To)).Inc()
			m.stepDuration.WithLabelValues(t.Agent).Observe(t.Elapsed.Seconds())
			return nil
		})
	}

	e.Bus().OnDrop(func(string) { m.subscribersDropped.Inc() })
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
