// Package observability holds the Prometheus metrics of the alerting
// service and the admin HTTP listener that exposes them.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// AlertsCreated counts persisted alerts.
	// Labels: type, severity
	AlertsCreated *prometheus.CounterVec

	// AlertCreateFailures counts createAlert calls that did not persist.
	// Labels: reason (validation|persistence)
	AlertCreateFailures *prometheus.CounterVec

	// AlertsSuppressed counts condition trips swallowed by the suppression window.
	// Labels: rule
	AlertsSuppressed *prometheus.CounterVec

	// ConditionChecks counts rule evaluations.
	// Labels: rule, result (tripped|clear|no_data|error)
	ConditionChecks *prometheus.CounterVec

	// DispatchOutcomes counts per-channel send results.
	// Labels: channel, status
	DispatchOutcomes *prometheus.CounterVec

	// DispatchDuration measures one channel send in seconds.
	// Labels: channel
	DispatchDuration *prometheus.HistogramVec

	// DispatchesInFlight is the number of alerts still being fanned out.
	DispatchesInFlight prometheus.Gauge

	// RetryQueueDepth is the number of transient failures waiting for a retry sweep.
	RetryQueueDepth prometheus.Gauge

	// RetriesExhausted counts tasks dropped after the last retry attempt.
	// Labels: channel
	RetriesExhausted *prometheus.CounterVec

	// LiveConnections is the number of registered push connections.
	LiveConnections prometheus.Gauge

	// ConnectionsPruned counts connections removed after a failed send.
	ConnectionsPruned prometheus.Counter

	// ScheduledRuns counts scheduler triggers.
	// Labels: schedule, result (ok|error|skipped|timeout)
	ScheduledRuns *prometheus.CounterVec
}

// NewMetrics registers all collectors on reg. Use prometheus.NewRegistry()
// in tests to avoid duplicate registration on the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		AlertsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agrialert_alerts_created_total",
			Help: "Alerts persisted, by type and severity.",
		}, []string{"type", "severity"}),
		AlertCreateFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agrialert_alert_create_failures_total",
			Help: "Alert creations rejected or not persisted.",
		}, []string{"reason"}),
		AlertsSuppressed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agrialert_alerts_suppressed_total",
			Help: "Condition trips suppressed by the per-key window.",
		}, []string{"rule"}),
		ConditionChecks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agrialert_condition_checks_total",
			Help: "Rule evaluations by result.",
		}, []string{"rule", "result"}),
		DispatchOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agrialert_dispatch_outcomes_total",
			Help: "Channel send outcomes.",
		}, []string{"channel", "status"}),
		DispatchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agrialert_dispatch_duration_seconds",
			Help:    "Latency of one channel send.",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"channel"}),
		DispatchesInFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "agrialert_dispatches_in_flight",
			Help: "Alerts whose fan-out has not finished.",
		}),
		RetryQueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "agrialert_retry_queue_depth",
			Help: "Transient failures waiting for a retry.",
		}),
		RetriesExhausted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agrialert_retries_exhausted_total",
			Help: "Sends abandoned after the final retry.",
		}, []string{"channel"}),
		LiveConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "agrialert_live_connections",
			Help: "Registered push connections.",
		}),
		ConnectionsPruned: f.NewCounter(prometheus.CounterOpts{
			Name: "agrialert_connections_pruned_total",
			Help: "Push connections pruned after a failed send.",
		}),
		ScheduledRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agrialert_scheduled_runs_total",
			Help: "Scheduler triggers by result.",
		}, []string{"schedule", "result"}),
	}
}

func (m *Metrics) AlertCreated(typ, severity string) {
	if m != nil {
		m.AlertsCreated.WithLabelValues(typ, severity).Inc()
	}
}

func (m *Metrics) CreateFailed(reason string) {
	if m != nil {
		m.AlertCreateFailures.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) Suppressed(rule string) {
	if m != nil {
		m.AlertsSuppressed.WithLabelValues(rule).Inc()
	}
}

func (m *Metrics) Checked(rule, result string) {
	if m != nil {
		m.ConditionChecks.WithLabelValues(rule, result).Inc()
	}
}

func (m *Metrics) Outcome(channel, status string, took time.Duration) {
	if m == nil {
		return
	}
	m.DispatchOutcomes.WithLabelValues(channel, status).Inc()
	m.DispatchDuration.WithLabelValues(channel).Observe(took.Seconds())
}

func (m *Metrics) InFlight(delta float64) {
	if m != nil {
		m.DispatchesInFlight.Add(delta)
	}
}

func (m *Metrics) RetryDepth(n int) {
	if m != nil {
		m.RetryQueueDepth.Set(float64(n))
	}
}

func (m *Metrics) RetryExhausted(channel string) {
	if m != nil {
		m.RetriesExhausted.WithLabelValues(channel).Inc()
	}
}

func (m *Metrics) Connections(n int) {
	if m != nil {
		m.LiveConnections.Set(float64(n))
	}
}

func (m *Metrics) Pruned() {
	if m != nil {
		m.ConnectionsPruned.Inc()
	}
}

func (m *Metrics) ScheduledRun(schedule, result string) {
	if m != nil {
		m.ScheduledRuns.WithLabelValues(schedule, result).Inc()
	}
}
