// Package metrics registers the runtime's Prometheus collectors once at
// startup and exposes them to every component.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveSessions tracks the number of sessions currently bridged to the
	// provider, labeled by transport kind.
	ActiveSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "sessionrt",
		Name:      "active_sessions",
		Help:      "Number of live conversation sessions.",
	}, []string{"transport"})

	// SessionsTotal counts sessions by terminal status.
	SessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sessionrt",
		Name:      "sessions_total",
		Help:      "Total sessions by terminal status.",
	}, []string{"status"})

	// MeterTicks counts quota meter ticks by outcome (committed, denied, or
	// error); the breached dimension is not part of the label.
	MeterTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sessionrt",
		Name:      "meter_ticks_total",
		Help:      "Quota meter ticks by outcome.",
	}, []string{"outcome"})

	// AdmissionDenials counts admission refusals by reason code.
	AdmissionDenials = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sessionrt",
		Name:      "admission_denials_total",
		Help:      "Session admission denials by reason.",
	}, []string{"reason"})

	// ToolCallLatency observes tool dispatch duration by tool name and
	// outcome.
	ToolCallLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sessionrt",
		Name:      "tool_call_duration_seconds",
		Help:      "Tool dispatch latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"tool", "outcome"})

	// ReconciliationJobs counts reconciliation job outcomes.
	ReconciliationJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sessionrt",
		Name:      "reconciliation_jobs_total",
		Help:      "Reconciliation job outcomes.",
	}, []string{"outcome"})

	// SessionReplacements counts sessions displaced by a newer admission for
	// the same agent.
	SessionReplacements = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sessionrt",
		Name:      "session_replacements_total",
		Help:      "Sessions displaced by a newer admission for the same agent.",
	})
)
