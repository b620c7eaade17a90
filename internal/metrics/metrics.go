// Package metrics provides Prometheus metrics for the broker.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the broker.
type Metrics struct {
	TransitionsTotal *prometheus.CounterVec
	TriggersTotal    *prometheus.CounterVec
	PollsTotal       *prometheus.CounterVec
	PollDuration     prometheus.Histogram
	WebhooksTotal    *prometheus.CounterVec
	DedupHitsTotal   *prometheus.CounterVec
	AgentsOnline     prometheus.Gauge
	ErrorsTotal      *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		TransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_task_transitions_total",
				Help: "Total task state transitions by target status.",
			},
			[]string{"to"},
		),
		TriggersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_triggers_total",
				Help: "Triggers delivered to runners by type.",
			},
			[]string{"type"},
		),
		PollsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_polls_total",
				Help: "Poll cycles by outcome (trigger or empty).",
			},
			[]string{"outcome"},
		),
		PollDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "broker_poll_duration_seconds",
				Help:    "Long-poll duration until trigger or timeout.",
				Buckets: []float64{0.01, 0.1, 0.5, 2, 5, 15, 30, 60},
			},
		),
		WebhooksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_webhooks_total",
				Help: "Webhook events received by source and result.",
			},
			[]string{"source", "result"},
		),
		DedupHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_dedup_hits_total",
				Help: "Duplicate task suppressions by reason.",
			},
			[]string{"reason"},
		),
		AgentsOnline: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "broker_agents_online",
				Help: "Number of agents not marked offline.",
			},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_errors_total",
				Help: "Total errors by module and type.",
			},
			[]string{"module", "type"},
		),
		registry: reg,
	}

	reg.MustRegister(m.TransitionsTotal)
	reg.MustRegister(m.TriggersTotal)
	reg.MustRegister(m.PollsTotal)
	reg.MustRegister(m.PollDuration)
	reg.MustRegister(m.WebhooksTotal)
	reg.MustRegister(m.DedupHitsTotal)
	reg.MustRegister(m.AgentsOnline)
	reg.MustRegister(m.ErrorsTotal)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordTransition increments the transition counter.
func (m *Metrics) RecordTransition(to string) {
	m.TransitionsTotal.WithLabelValues(to).Inc()
}

// RecordTrigger increments the delivered-trigger counter.
func (m *Metrics) RecordTrigger(triggerType string) {
	m.TriggersTotal.WithLabelValues(triggerType).Inc()
}

// RecordPoll increments the poll counter.
func (m *Metrics) RecordPoll(outcome string) {
	m.PollsTotal.WithLabelValues(outcome).Inc()
}

// RecordWebhook increments the webhook counter.
func (m *Metrics) RecordWebhook(source, result string) {
	m.WebhooksTotal.WithLabelValues(source, result).Inc()
}

// RecordDedup increments the dedup counter.
func (m *Metrics) RecordDedup(reason string) {
	m.DedupHitsTotal.WithLabelValues(reason).Inc()
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(module, errType string) {
	m.ErrorsTotal.WithLabelValues(module, errType).Inc()
}
