package observability

import (
	"math/big"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type tradeMetrics struct {
	events       *prometheus.CounterVec
	settledValue *prometheus.CounterVec
	feesCharged  *prometheus.CounterVec
}

var (
	tradeMetricsOnce sync.Once
	tradeRegistry    *tradeMetrics
)

// Trades returns the metrics registry tracking settlement events.
func Trades() *tradeMetrics {
	tradeMetricsOnce.Do(func() {
		tradeRegistry = &tradeMetrics{
			events: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "peervault",
				Subsystem: "trade",
				Name:      "events_total",
				Help:      "Count of committed journal events segmented by type.",
			}, []string{"type"}),
			settledValue: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "peervault",
				Subsystem: "trade",
				Name:      "settled_value_total",
				Help:      "Cumulative principal moved by settlements segmented by asset.",
			}, []string{"asset"}),
			feesCharged: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "peervault",
				Subsystem: "trade",
				Name:      "fees_charged_total",
				Help:      "Cumulative fees frozen into settled trades segmented by asset.",
			}, []string{"asset"}),
		}
		prometheus.MustRegister(
			tradeRegistry.events,
			tradeRegistry.settledValue,
			tradeRegistry.feesCharged,
		)
	})
	return tradeRegistry
}

// RecordEvent increments the journal event counter for the supplied type.
func (m *tradeMetrics) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(eventType)
	if normalized == "" {
		normalized = "unknown"
	}
	m.events.WithLabelValues(normalized).Inc()
}

// RecordSettlement accumulates the principal and fee of a settled trade under
// the supplied asset label.
func (m *tradeMetrics) RecordSettlement(asset string, principal, fee *big.Int) {
	if m == nil {
		return
	}
	label := strings.TrimSpace(asset)
	if label == "" {
		label = "unknown"
	}
	if v := bigToFloat(principal); v > 0 {
		m.settledValue.WithLabelValues(label).Add(v)
	}
	if v := bigToFloat(fee); v > 0 {
		m.feesCharged.WithLabelValues(label).Add(v)
	}
}
