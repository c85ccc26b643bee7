// Package metrics defines the Prometheus collectors exported by the GOI
// service. A nil *Metrics is valid and records nothing, so components can
// be constructed without a registry in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "goi"

// Metrics groups every GOI collector.
type Metrics struct {
	StepsTotal          *prometheus.CounterVec
	StepDuration        prometheus.Histogram
	SessionsActive      prometheus.Gauge
	SessionsEvicted     prometheus.Counter
	CheckpointDecisions *prometheus.CounterVec
	CheckpointResponses *prometheus.CounterVec
	TransfersTotal      *prometheus.CounterVec
	RecoveriesTotal     *prometheus.CounterVec
	EventsPublished     *prometheus.CounterVec
	EventsDropped       prometheus.Counter
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		StepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Agent steps by outcome (completed, waiting, failed, noop).",
		}, []string{"outcome"}),
		StepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Time spent in the external step executor.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Sessions currently held in the registry.",
		}),
		SessionsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_evicted_total",
			Help:      "Sessions evicted by the idle sweeper.",
		}),
		CheckpointDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_decisions_total",
			Help:      "Rule engine decisions by outcome (require, skip).",
		}, []string{"decision"}),
		CheckpointResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_responses_total",
			Help:      "Checkpoint responses by action.",
		}, []string{"action"}),
		TransfersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_transfers_total",
			Help:      "Control transfers by target and result.",
		}, []string{"to", "result"}),
		RecoveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recoveries_total",
			Help:      "Failure recoveries by action.",
		}, []string{"action"}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Session events appended to the log by type.",
		}, []string{"type"}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events dropped from full subscriber buffers (drop-oldest).",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.StepsTotal,
			m.StepDuration,
			m.SessionsActive,
			m.SessionsEvicted,
			m.CheckpointDecisions,
			m.CheckpointResponses,
			m.TransfersTotal,
			m.RecoveriesTotal,
			m.EventsPublished,
			m.EventsDropped,
		)
	}
	return m
}

// ObserveStep records one step outcome and, when d > 0, its executor time.
func (m *Metrics) ObserveStep(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.StepsTotal.WithLabelValues(outcome).Inc()
	if d > 0 {
		m.StepDuration.Observe(d.Seconds())
	}
}

// SetSessionsActive sets the registry size gauge.
func (m *Metrics) SetSessionsActive(n int) {
	if m == nil {
		return
	}
	m.SessionsActive.Set(float64(n))
}

// SessionEvicted counts one eviction.
func (m *Metrics) SessionEvicted() {
	if m == nil {
		return
	}
	m.SessionsEvicted.Inc()
}

// CheckpointDecision counts one rule engine decision.
func (m *Metrics) CheckpointDecision(decision string) {
	if m == nil {
		return
	}
	m.CheckpointDecisions.WithLabelValues(decision).Inc()
}

// CheckpointResponse counts one checkpoint response.
func (m *Metrics) CheckpointResponse(action string) {
	if m == nil {
		return
	}
	m.CheckpointResponses.WithLabelValues(action).Inc()
}

// Transfer counts one control transfer attempt.
func (m *Metrics) Transfer(to string, success bool) {
	if m == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	m.TransfersTotal.WithLabelValues(to, result).Inc()
}

// Recovery counts one executed recovery action.
func (m *Metrics) Recovery(action string) {
	if m == nil {
		return
	}
	m.RecoveriesTotal.WithLabelValues(action).Inc()
}

// EventPublished counts one appended event.
func (m *Metrics) EventPublished(eventType string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(eventType).Inc()
}

// EventDropped counts one event dropped by backpressure.
func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.EventsDropped.Inc()
}
