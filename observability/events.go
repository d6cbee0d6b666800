package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type confirmMetrics struct {
	prompts   prometheus.Counter
	decisions *prometheus.CounterVec
	compiles  *prometheus.CounterVec
}

var (
	confirmMetricsOnce sync.Once
	confirmRegistry    *confirmMetrics
)

// Confirmations returns the metrics registry tracking privileged-action
// confirmations and local compile requests.
func Confirmations() *confirmMetrics {
	confirmMetricsOnce.Do(func() {
		confirmRegistry = &confirmMetrics{
			prompts: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "nodegate",
				Subsystem: "gate",
				Name:      "prompts_total",
				Help:      "Count of transaction confirmations surfaced to the user.",
			}),
			decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nodegate",
				Subsystem: "gate",
				Name:      "decisions_total",
				Help:      "Count of confirmation outcomes segmented by decision.",
			}, []string{"decision"}),
			compiles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nodegate",
				Subsystem: "gate",
				Name:      "compiles_total",
				Help:      "Count of locally handled compile requests segmented by outcome.",
			}, []string{"outcome"}),
		}
		prometheus.MustRegister(
			confirmRegistry.prompts,
			confirmRegistry.decisions,
			confirmRegistry.compiles,
		)
	})
	return confirmRegistry
}

// RecordPrompt counts a confirmation pushed to the hosting surface.
func (m *confirmMetrics) RecordPrompt() {
	if m == nil {
		return
	}
	m.prompts.Inc()
}

// RecordDecision increments the decision counter. Decisions should be one of
// "approved", "denied" or "abandoned".
func (m *confirmMetrics) RecordDecision(decision string) {
	if m == nil {
		return
	}
	normalized := strings.ToLower(strings.TrimSpace(decision))
	if normalized == "" {
		normalized = "unknown"
	}
	m.decisions.WithLabelValues(normalized).Inc()
}

// RecordCompile increments the compile counter for the supplied outcome.
func (m *confirmMetrics) RecordCompile(err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.compiles.WithLabelValues(outcome).Inc()
}
