// Package metrics exports Prometheus collectors for plan and step execution.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opentalon/conductor/internal/engine"
	"github.com/opentalon/conductor/internal/plan"
)

// Plan outcomes recorded by ObservePlan and ObserveShortCircuit.
const (
	PlanSucceeded = "succeeded"
	PlanPartial   = "partial"
	PlanFailed    = "failed"
	PlanRejected  = "rejected"
	PlanGeneral   = "general"
	PlanBlocked   = "blocked"
)

// Metrics implements engine.Observer. Each instance owns its registry.
type Metrics struct {
	registry *prometheus.Registry
	steps    *prometheus.CounterVec
	duration *prometheus.HistogramVec
	inFlight prometheus.Gauge
	plans    *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_steps_total",
			Help: "Plan steps by worker, status and error kind.",
		}, []string{"worker", "status", "kind"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "conductor_step_duration_seconds",
			Help:    "Time from step start to its recorded outcome.",
			Buckets: []float64{.005, .025, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"worker"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "conductor_steps_in_flight",
			Help: "Steps started but not yet finished.",
		}),
		plans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_plans_total",
			Help: "Handled queries by outcome.",
		}, []string{"outcome"}),
	}
	m.registry.MustRegister(
		m.steps, m.duration, m.inFlight, m.plans,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) StepStarted(plan.Step) {
	m.inFlight.Inc()
}

func (m *Metrics) StepFinished(o engine.Outcome, elapsed time.Duration) {
	m.inFlight.Dec()
	kind := ""
	if o.Response.Error != nil {
		kind = o.Response.Error.Kind
	}
	m.steps.WithLabelValues(o.Worker, string(o.Response.Status), kind).Inc()
	m.duration.WithLabelValues(o.Worker).Observe(elapsed.Seconds())
}

// ObservePlan classifies an executed plan as succeeded, partial or failed.
// A nil result counts as rejected.
func (m *Metrics) ObservePlan(res *engine.Result) {
	m.plans.WithLabelValues(PlanOutcome(res)).Inc()
}

// ObserveShortCircuit counts a query answered without a plan.
func (m *Metrics) ObserveShortCircuit(outcome string) {
	m.plans.WithLabelValues(outcome).Inc()
}

func PlanOutcome(res *engine.Result) string {
	switch {
	case res == nil:
		return PlanRejected
	case res.AllFailed():
		return PlanFailed
	case len(res.Successful()) < len(res.Outcomes):
		return PlanPartial
	}
	return PlanSucceeded
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
