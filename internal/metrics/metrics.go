// Package metrics provides Prometheus metrics for the chat engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the engine.
type Metrics struct {
	MessagesConfirmed *prometheus.CounterVec
	MessagesFailed    *prometheus.CounterVec
	RetriesTotal      *prometheus.CounterVec
	InboundTotal      *prometheus.CounterVec
	DedupDrops        prometheus.Counter
	ReconnectsTotal   prometheus.Counter
	PendingMessages   prometheus.Gauge
	ReconcileDuration prometheus.Histogram

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		MessagesConfirmed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chat_messages_confirmed_total",
				Help: "Optimistic messages confirmed by the backend, by role.",
			},
			[]string{"role"},
		),
		MessagesFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chat_messages_failed_total",
				Help: "Optimistic messages failed after the confirmation timeout, by role.",
			},
			[]string{"role"},
		),
		RetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chat_message_retries_total",
				Help: "Message retry attempts by outcome.",
			},
			[]string{"outcome"},
		),
		InboundTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chat_inbound_envelopes_total",
				Help: "Inbound gateway envelopes by type.",
			},
			[]string{"type"},
		),
		DedupDrops: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "chat_inbound_dedup_drops_total",
				Help: "Inbound envelopes dropped as duplicates.",
			},
		),
		ReconnectsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "chat_session_reconnects_total",
				Help: "Session reconnect attempts.",
			},
		),
		PendingMessages: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "chat_pending_messages",
				Help: "Optimistic messages awaiting backend confirmation.",
			},
		),
		ReconcileDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "chat_reconcile_duration_seconds",
				Help:    "Reconciliation pass duration.",
				Buckets: prometheus.DefBuckets,
			},
		),
		registry: reg,
	}

	reg.MustRegister(
		m.MessagesConfirmed,
		m.MessagesFailed,
		m.RetriesTotal,
		m.InboundTotal,
		m.DedupDrops,
		m.ReconnectsTotal,
		m.PendingMessages,
		m.ReconcileDuration,
	)

	return m
}

// Handler returns the HTTP handler serving the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
