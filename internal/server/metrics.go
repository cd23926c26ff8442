package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type relayMetrics struct {
	activeConns     prometheus.Gauge
	connTotal       prometheus.Counter
	frameErrors     *prometheus.CounterVec
	frameLatency    *prometheus.HistogramVec
	messagesStored  prometheus.Counter
	messagesRelayed *prometheus.CounterVec
	handshakes      *prometheus.CounterVec
	historyServed   prometheus.Counter
	supersessions   prometheus.Counter
}

func newRelayMetrics(reg prometheus.Registerer) *relayMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &relayMetrics{
		activeConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cloak_connections_active",
			Help: "Current number of authenticated client connections.",
		}),
		connTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cloak_connections_total",
			Help: "Total number of client connections handled since start.",
		}),
		frameErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cloak_relay_errors_total",
			Help: "Frame validation or routing errors.",
		}, []string{"code"}),
		frameLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cloak_relay_latency_seconds",
			Help:    "Latency for handling relay frames.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"op"}),
		messagesStored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cloak_messages_stored_total",
			Help: "Encrypted envelopes persisted to history.",
		}),
		messagesRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cloak_messages_relayed_total",
			Help: "Envelope forwarding attempts grouped by outcome.",
		}, []string{"outcome"}),
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cloak_handshakes_forwarded_total",
			Help: "Handshake frames forwarded between peers.",
		}, []string{"kind"}),
		historyServed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cloak_history_requests_total",
			Help: "History requests served to clients.",
		}),
		supersessions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cloak_connection_supersessions_total",
			Help: "Connections replaced by a newer connection for the same identity.",
		}),
	}

	reg.MustRegister(
		m.activeConns,
		m.connTotal,
		m.frameErrors,
		m.frameLatency,
		m.messagesStored,
		m.messagesRelayed,
		m.handshakes,
		m.historyServed,
		m.supersessions,
	)
	return m
}

func (m *relayMetrics) incConn() {
	if m == nil {
		return
	}
	m.activeConns.Inc()
	m.connTotal.Inc()
}

func (m *relayMetrics) decConn() {
	if m == nil {
		return
	}
	m.activeConns.Dec()
}

func (m *relayMetrics) recordError(code string) {
	if m == nil {
		return
	}
	m.frameErrors.WithLabelValues(code).Inc()
}

func (m *relayMetrics) observeLatency(op string, dur time.Duration) {
	if m == nil || op == "" {
		return
	}
	m.frameLatency.WithLabelValues(op).Observe(dur.Seconds())
}

func (m *relayMetrics) recordStore() {
	if m == nil {
		return
	}
	m.messagesStored.Inc()
}

func (m *relayMetrics) recordRelay(outcome string) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.messagesRelayed.WithLabelValues(outcome).Inc()
}

func (m *relayMetrics) recordHandshake(kind string) {
	if m == nil {
		return
	}
	m.handshakes.WithLabelValues(kind).Inc()
}

func (m *relayMetrics) recordHistory() {
	if m == nil {
		return
	}
	m.historyServed.Inc()
}

func (m *relayMetrics) recordSupersession() {
	if m == nil {
		return
	}
	m.supersessions.Inc()
}
