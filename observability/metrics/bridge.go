package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type BridgeMetrics struct {
	activeSessions  prometheus.Gauge
	activeConns     prometheus.Gauge
	pendingConfirms prometheus.Gauge
	decisionSeconds prometheus.Histogram
}

var (
	bridgeOnce     sync.Once
	bridgeRegistry *BridgeMetrics
)

func Bridge() *BridgeMetrics {
	bridgeOnce.Do(func() {
		bridgeRegistry = &BridgeMetrics{
			activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "bridge_active_sessions",
				Help: "Number of view sessions currently attached to the bridge.",
			}),
			activeConns: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "bridge_active_connections",
				Help: "Number of live node socket connections held for views.",
			}),
			pendingConfirms: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "bridge_pending_confirmations",
				Help: "Number of transaction confirmations awaiting a user decision.",
			}),
			decisionSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "bridge_decision_seconds",
				Help:    "Time between surfacing a confirmation and receiving its decision.",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
			}),
		}
		prometheus.MustRegister(
			bridgeRegistry.activeSessions,
			bridgeRegistry.activeConns,
			bridgeRegistry.pendingConfirms,
			bridgeRegistry.decisionSeconds,
		)
	})
	return bridgeRegistry
}

func (m *BridgeMetrics) SessionOpened() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
}

func (m *BridgeMetrics) SessionClosed() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}

func (m *BridgeMetrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.activeConns.Inc()
}

func (m *BridgeMetrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.activeConns.Dec()
}

func (m *BridgeMetrics) ConfirmationPending() {
	if m == nil {
		return
	}
	m.pendingConfirms.Inc()
}

func (m *BridgeMetrics) ConfirmationSettled(seconds float64) {
	if m == nil {
		return
	}
	m.pendingConfirms.Dec()
	if seconds < 0 {
		seconds = 0
	}
	m.decisionSeconds.Observe(seconds)
}
