// Package metrics defines the Prometheus instruments for the sample
// lifecycle. The struct satisfies the Metrics interfaces declared by the
// domain services; nil receivers are safe so wiring stays optional in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	SamplesRegistered prometheus.Counter

	// Lifecycle transitions by edge.
	Transitions *prometheus.CounterVec
	// CAS writes that affected zero rows: a concurrent writer won.
	TransitionConflicts prometheus.Counter

	// Non-conformities by origin (manual vs automatic).
	NonConformities *prometheus.CounterVec

	// Best-effort side-effect failures, for operational alerting.
	AuditDropped       prometheus.Counter
	AuditWriteFailures prometheus.Counter
	NotifyDeadLetters  prometheus.Counter

	RequestLatency *prometheus.HistogramVec
}

func New() *Metrics {
	return &Metrics{
		SamplesRegistered: promauto.NewCounter(prometheus.CounterOpts{
			Name: "labtrace_samples_registered_total",
			Help: "Total samples registered",
		}),
		Transitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "labtrace_sample_transitions_total",
			Help: "Total applied sample status transitions by edge",
		}, []string{"from", "to"}),
		TransitionConflicts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "labtrace_sample_transition_conflicts_total",
			Help: "Status transitions lost to a concurrent writer",
		}),
		NonConformities: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "labtrace_nonconformities_created_total",
			Help: "Non-conformities created by origin",
		}, []string{"origin"}),
		AuditDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "labtrace_audit_events_dropped_total",
			Help: "Audit events dropped because the async queue was full",
		}),
		AuditWriteFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "labtrace_audit_write_failures_total",
			Help: "Audit outbox writes that failed",
		}),
		NotifyDeadLetters: promauto.NewCounter(prometheus.CounterOpts{
			Name: "labtrace_notifications_dead_lettered_total",
			Help: "Notifications that could not be delivered",
		}),
		RequestLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "labtrace_http_request_duration_seconds",
			Help:    "HTTP request latency by route and status",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"route", "status"}),
	}
}

// SampleRegistered implements the sample service's Metrics interface.
func (m *Metrics) SampleRegistered() {
	if m != nil {
		m.SamplesRegistered.Inc()
	}
}

func (m *Metrics) TransitionApplied(from, to string) {
	if m != nil {
		m.Transitions.WithLabelValues(from, to).Inc()
	}
}

func (m *Metrics) TransitionConflict() {
	if m != nil {
		m.TransitionConflicts.Inc()
	}
}

// NCCreated implements the non-conformity service's Metrics interface.
func (m *Metrics) NCCreated(auto bool) {
	if m == nil {
		return
	}
	origin := "manual"
	if auto {
		origin = "automatic"
	}
	m.NonConformities.WithLabelValues(origin).Inc()
}

func (m *Metrics) AuditDrop() {
	if m != nil {
		m.AuditDropped.Inc()
	}
}

func (m *Metrics) AuditFailure() {
	if m != nil {
		m.AuditWriteFailures.Inc()
	}
}

func (m *Metrics) NotifyDeadLetter() {
	if m != nil {
		m.NotifyDeadLetters.Inc()
	}
}

func (m *Metrics) ObserveRequest(route, status string, d time.Duration) {
	if m != nil {
		m.RequestLatency.WithLabelValues(route, status).Observe(d.Seconds())
	}
}
