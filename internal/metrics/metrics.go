// Package metrics provides Prometheus collectors for the orchestration engine.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "retour"

// Metrics groups every engine collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// ClaimsTotal counts claim attempts. Labels: service, result (won, empty, exhausted)
	ClaimsTotal *prometheus.CounterVec
	// ReleasesTotal counts job releases. Labels: status
	ReleasesTotal *prometheus.CounterVec
	// DecisionsTotal counts QA verdicts. Labels: step, verdict
	DecisionsTotal *prometheus.CounterVec
	// CorrectionsTotal counts phase/step auto-corrections. Labels: phase
	CorrectionsTotal *prometheus.CounterVec
	// RuleTransitionsTotal counts promotion log entries. Labels: kind
	RuleTransitionsTotal *prometheus.CounterVec
	// WorkerDuration tracks worker invocation latency. Labels: service, result
	WorkerDuration *prometheus.HistogramVec
	// EventsPublishedTotal counts published audit events. Labels: sink, result
	EventsPublishedTotal *prometheus.CounterVec
}

// New registers every collector with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ClaimsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "claims_total",
			Help:      "Job claim attempts by outcome",
		}, []string{"service", "result"}),
		ReleasesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "releases_total",
			Help:      "Job releases by resulting status",
		}, []string{"status"}),
		DecisionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "qa",
			Name:      "decisions_total",
			Help:      "QA verdicts by step",
		}, []string{"step", "verdict"}),
		CorrectionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "guard",
			Name:      "corrections_total",
			Help:      "Phase/step drift auto-corrections",
		}, []string{"phase"}),
		RuleTransitionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "policy",
			Name:      "rule_transitions_total",
			Help:      "Rule promotion log entries by kind",
		}, []string{"kind"}),
		WorkerDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "invocation_duration_seconds",
			Help:      "Duration of external worker invocations in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"service", "result"}),
		EventsPublishedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Audit events published after commit",
		}, []string{"sink", "result"}),
	}
}

func (m *Metrics) Claim(service, result string) {
	if m == nil {
		return
	}
	m.ClaimsTotal.WithLabelValues(service, result).Inc()
}

func (m *Metrics) Release(status string) {
	if m == nil {
		return
	}
	m.ReleasesTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) Decision(step int, verdict string) {
	if m == nil {
		return
	}
	m.DecisionsTotal.WithLabelValues(strconv.Itoa(step), verdict).Inc()
}

func (m *Metrics) Correction(phase string) {
	if m == nil {
		return
	}
	m.CorrectionsTotal.WithLabelValues(phase).Inc()
}

func (m *Metrics) RuleTransition(kind string) {
	if m == nil {
		return
	}
	m.RuleTransitionsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) WorkerCall(service, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.WorkerDuration.WithLabelValues(service, result).Observe(d.Seconds())
}

func (m *Metrics) Published(sink, result string) {
	if m == nil {
		return
	}
	m.EventsPublishedTotal.WithLabelValues(sink, result).Inc()
}
