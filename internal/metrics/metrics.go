// Package metrics defines the Prometheus instrumentation for the hub.
// All methods are safe on a nil receiver so callers can run without
// metrics (tests, embedded use) with no conditionals at the call sites.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every collector the hub exports.
type Metrics struct {
	Connections     *prometheus.GaugeVec
	MessagesTotal   *prometheus.CounterVec
	CommandsTotal   *prometheus.CounterVec
	QueueDepth      prometheus.Gauge
	TerminalFlushes prometheus.Counter
	ElidedBytes     prometheus.Counter
	HeartbeatLosses prometheus.Counter
	AuthFailures    prometheus.Counter
}

// New registers all collectors with reg and returns the bundle.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		Connections: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "agentdeck",
			Name:      "connections",
			Help:      "Live WebSocket connections by peer kind.",
		}, []string{"kind"}),
		MessagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentdeck",
			Name:      "messages_total",
			Help:      "Routed messages by type and direction.",
		}, []string{"type", "direction"}),
		CommandsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentdeck",
			Name:      "commands_total",
			Help:      "Commands reaching a terminal state, by outcome.",
		}, []string{"outcome"}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentdeck",
			Name:      "offline_queue_depth",
			Help:      "Commands currently queued for offline agents.",
		}),
		TerminalFlushes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "agentdeck",
			Name:      "terminal_flushes_total",
			Help:      "Coalesced terminal chunks flushed.",
		}),
		ElidedBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "agentdeck",
			Name:      "terminal_elided_bytes_total",
			Help:      "Terminal output bytes elided under backpressure.",
		}),
		HeartbeatLosses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "agentdeck",
			Name:      "heartbeat_timeouts_total",
			Help:      "Connections closed after missed heartbeats.",
		}),
		AuthFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "agentdeck",
			Name:      "auth_failures_total",
			Help:      "Rejected connection authentication attempts.",
		}),
	}
}

// SetConnections updates the per-kind connection gauge.
func (m *Metrics) SetConnections(kind string, n int) {
	if m == nil {
		return
	}
	m.Connections.WithLabelValues(kind).Set(float64(n))
}

// MessageRouted counts one routed message.
func (m *Metrics) MessageRouted(msgType, direction string) {
	if m == nil {
		return
	}
	m.MessagesTotal.WithLabelValues(msgType, direction).Inc()
}

// CommandFinished counts one command outcome (completed, failed, cancelled).
func (m *Metrics) CommandFinished(outcome string) {
	if m == nil {
		return
	}
	m.CommandsTotal.WithLabelValues(outcome).Inc()
}

// SetQueueDepth updates the offline queue gauge.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

// TerminalFlushed counts one terminal chunk flush.
func (m *Metrics) TerminalFlushed() {
	if m == nil {
		return
	}
	m.TerminalFlushes.Inc()
}

// TerminalElided counts bytes dropped under backpressure.
func (m *Metrics) TerminalElided(bytes int64) {
	if m == nil {
		return
	}
	m.ElidedBytes.Add(float64(bytes))
}

// HeartbeatTimeout counts one liveness teardown.
func (m *Metrics) HeartbeatTimeout() {
	if m == nil {
		return
	}
	m.HeartbeatLosses.Inc()
}

// AuthFailure counts one rejected authentication.
func (m *Metrics) AuthFailure() {
	if m == nil {
		return
	}
	m.AuthFailures.Inc()
}
