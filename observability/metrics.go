package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type socketMetrics struct {
	connects    *prometheus.CounterVec
	disconnects *prometheus.CounterVec
	notifies    prometheus.Counter
	frameSize   prometheus.Histogram
}

type gatewayMetrics struct {
	requests   *prometheus.CounterVec
	rejections *prometheus.CounterVec
	latency    *prometheus.HistogramVec
}

var (
	socketMetricsOnce sync.Once
	socketRegistry    *socketMetrics

	gatewayMetricsOnce sync.Once
	gatewayRegistry    *gatewayMetrics
)

// Sockets returns the lazily-initialised metrics registry tracking the
// daemon-facing socket connections.
func Sockets() *socketMetrics {
	socketMetricsOnce.Do(func() {
		socketRegistry = &socketMetrics{
			connects: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nodegate",
				Subsystem: "socket",
				Name:      "connects_total",
				Help:      "Count of connection attempts to the node socket segmented by outcome.",
			}, []string{"outcome"}),
			disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nodegate",
				Subsystem: "socket",
				Name:      "disconnects_total",
				Help:      "Count of connection teardowns segmented by the condition that caused them.",
			}, []string{"kind"}),
			notifies: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "nodegate",
				Subsystem: "socket",
				Name:      "notifications_total",
				Help:      "Count of unsolicited node messages forwarded to views.",
			}),
			frameSize: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "nodegate",
				Subsystem: "socket",
				Name:      "frame_size_bytes",
				Help:      "Size distribution of JSON frames read from the node socket.",
				Buckets:   prometheus.ExponentialBuckets(64, 4, 8),
			}),
		}
		prometheus.MustRegister(
			socketRegistry.connects,
			socketRegistry.disconnects,
			socketRegistry.notifies,
			socketRegistry.frameSize,
		)
	})
	return socketRegistry
}

// RecordConnect increments the connect counter according to the attempt outcome.
func (m *socketMetrics) RecordConnect(err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.connects.WithLabelValues(outcome).Inc()
}

// RecordDisconnect increments the disconnect counter for the supplied kind.
// Kinds should be stable strings such as "error", "timeout", "end", "destroy"
// or "suspend" so dashboards remain consistent.
func (m *socketMetrics) RecordDisconnect(kind string) {
	if m == nil {
		return
	}
	if kind = strings.TrimSpace(kind); kind == "" {
		kind = "unknown"
	}
	m.disconnects.WithLabelValues(kind).Inc()
}

// RecordNotification counts a node-initiated message pushed to a view.
func (m *socketMetrics) RecordNotification() {
	if m == nil {
		return
	}
	m.notifies.Inc()
}

// RecordFrame records the byte size of a completed frame.
func (m *socketMetrics) RecordFrame(size int) {
	if m == nil {
		return
	}
	if size < 0 {
		size = 0
	}
	m.frameSize.Observe(float64(size))
}

// Gateway returns the metrics registry covering the request pipeline between
// views and the node.
func Gateway() *gatewayMetrics {
	gatewayMetricsOnce.Do(func() {
		gatewayRegistry = &gatewayMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nodegate",
				Subsystem: "gateway",
				Name:      "requests_total",
				Help:      "Total relayed requests segmented by delivery mode and outcome.",
			}, []string{"mode", "outcome"}),
			rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nodegate",
				Subsystem: "gateway",
				Name:      "rejections_total",
				Help:      "Count of requests answered locally without reaching the node, by reason.",
			}, []string{"reason"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "nodegate",
				Subsystem: "gateway",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for relayed requests by delivery mode.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"mode"}),
		}
		prometheus.MustRegister(
			gatewayRegistry.requests,
			gatewayRegistry.rejections,
			gatewayRegistry.latency,
		)
	})
	return gatewayRegistry
}

// Observe records the outcome of a relayed request. Outcomes should be stable
// strings such as "result", "error", "timeout" or "local".
func (m *gatewayMetrics) Observe(mode, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	if mode = strings.TrimSpace(mode); mode == "" {
		mode = "unknown"
	}
	if outcome = strings.TrimSpace(outcome); outcome == "" {
		outcome = "unknown"
	}
	m.requests.WithLabelValues(mode, outcome).Inc()
	m.latency.WithLabelValues(mode).Observe(duration.Seconds())
}

// RecordRejection increments the rejection counter for the supplied reason.
func (m *gatewayMetrics) RecordRejection(reason string) {
	if m == nil {
		return
	}
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = "unspecified"
	}
	m.rejections.WithLabelValues(reason).Inc()
}
