package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	registry *prometheus.Registry

	BrowserConnections prometheus.Gauge
	ActiveSessions     prometheus.Gauge
	PendingRequests    prometheus.Gauge
	RelayedRequests    *prometheus.CounterVec
	SignalingMessages  *prometheus.CounterVec
	PeerConnectsTotal  prometheus.Counter
	RequestTimeouts    prometheus.Counter
}

func NewMetrics() *Metrics {
	r := prometheus.NewRegistry()
	m := &Metrics{
		registry: r,
		BrowserConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "screen_relay",
			Name:      "browser_connections",
			Help:      "Number of connected browser clients",
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "screen_relay",
			Name:      "active_sessions",
			Help:      "Number of sessions in active state (0 or 1)",
		}),
		PendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "screen_relay",
			Name:      "pending_requests",
			Help:      "Control-plane requests awaiting a peer response",
		}),
		RelayedRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "screen_relay",
			Name:      "relayed_requests_total",
			Help:      "Control-plane requests by endpoint and outcome",
		}, []string{"endpoint", "outcome"}),
		SignalingMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "screen_relay",
			Name:      "signaling_messages_total",
			Help:      "Signaling messages by kind and outcome",
		}, []string{"kind", "outcome"}),
		PeerConnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "screen_relay",
			Name:      "peer_connects_total",
			Help:      "Total capture-agent connections accepted",
		}),
		RequestTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "screen_relay",
			Name:      "request_timeouts_total",
			Help:      "Total pending requests resolved by the timeout sweep",
		}),
	}
	r.MustRegister(m.BrowserConnections, m.ActiveSessions, m.PendingRequests,
		m.RelayedRequests, m.SignalingMessages, m.PeerConnectsTotal, m.RequestTimeouts)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
