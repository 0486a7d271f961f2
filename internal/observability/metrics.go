package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus counters, histograms, and gauges for the
// gauge pipeline.
type Metrics struct {
	// Bus metrics.
	MessagesPublished    *prometheus.CounterVec // labels: topic
	MessagesDelivered    *prometheus.CounterVec // labels: subscription
	MessagesAcked        *prometheus.CounterVec // labels: subscription
	MessagesNacked       *prometheus.CounterVec // labels: subscription
	MessagesDeadLettered *prometheus.CounterVec // labels: subscription

	// Consumer metrics.
	ReadingsPersisted  prometheus.Counter
	DuplicateReadings  prometheus.Counter
	MalformedPayloads  *prometheus.CounterVec   // labels: consumer
	AlertsEmitted      *prometheus.CounterVec   // labels: severity
	HeartbeatsRecorded prometheus.Counter
	HandlerDuration    *prometheus.HistogramVec // labels: consumer

	// Analytics mirror metrics.
	MirrorPublished prometheus.Counter
	MirrorDropped   prometheus.Counter

	PipelineRunning prometheus.Gauge
}

// NewMetrics creates and registers all pipeline metrics with the default
// Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()

	prometheus.MustRegister(
		m.MessagesPublished,
		m.MessagesDelivered,
		m.MessagesAcked,
		m.MessagesNacked,
		m.MessagesDeadLettered,
		m.ReadingsPersisted,
		m.DuplicateReadings,
		m.MalformedPayloads,
		m.AlertsEmitted,
		m.HeartbeatsRecorded,
		m.HandlerDuration,
		m.MirrorPublished,
		m.MirrorDropped,
		m.PipelineRunning,
	)

	return m
}

// NewMetricsForTesting creates Metrics without registering them, avoiding
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		MessagesPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "riverpulse",
			Name:      "messages_published_total",
			Help:      "Messages durably accepted by the bus, by topic.",
		}, []string{"topic"}),
		MessagesDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "riverpulse",
			Name:      "messages_delivered_total",
			Help:      "Delivery attempts handed to consumers, by subscription.",
		}, []string{"subscription"}),
		MessagesAcked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "riverpulse",
			Name:      "messages_acked_total",
			Help:      "Messages acknowledged, by subscription.",
		}, []string{"subscription"}),
		MessagesNacked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "riverpulse",
			Name:      "messages_nacked_total",
			Help:      "Messages negatively acknowledged or deadline-expired, by subscription.",
		}, []string{"subscription"}),
		MessagesDeadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "riverpulse",
			Name:      "messages_dead_lettered_total",
			Help:      "Messages routed to a dead-letter topic after exhausting their delivery budget.",
		}, []string{"subscription"}),
		ReadingsPersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "riverpulse",
			Name:      "readings_persisted_total",
			Help:      "Readings durably written to the reading store.",
		}),
		DuplicateReadings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "riverpulse",
			Name:      "duplicate_readings_total",
			Help:      "Redelivered readings collapsed by the dedup key.",
		}),
		MalformedPayloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "riverpulse",
			Name:      "malformed_payloads_total",
			Help:      "Payloads that failed to decode, by consumer.",
		}, []string{"consumer"}),
		AlertsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "riverpulse",
			Name:      "alerts_emitted_total",
			Help:      "Alerts published and persisted, by severity.",
		}, []string{"severity"}),
		HeartbeatsRecorded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "riverpulse",
			Name:      "heartbeats_recorded_total",
			Help:      "Heartbeats applied to the source registry.",
		}),
		HandlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "riverpulse",
			Name:      "handler_duration_seconds",
			Help:      "Time spent handling one delivery, by consumer.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5},
		}, []string{"consumer"}),
		MirrorPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "riverpulse",
			Name:      "mirror_published_total",
			Help:      "Readings mirrored to the analytics topic.",
		}),
		MirrorDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "riverpulse",
			Name:      "mirror_dropped_total",
			Help:      "Readings dropped by the best-effort analytics mirror.",
		}),
		PipelineRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "riverpulse",
			Name:      "pipeline_running",
			Help:      "1 when the pipeline is active, 0 when shut down.",
		}),
	}
}
