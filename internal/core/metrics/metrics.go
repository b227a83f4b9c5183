package metrics

import (
	"time"

	"github.com/Nzyazin/fanledger/internal/core/models"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "fanledger"

// LedgerMetrics records transfer outcomes for Prometheus.
type LedgerMetrics struct {
	transfers *prometheus.CounterVec
	retries   *prometheus.CounterVec
	duration  *prometheus.HistogramVec
}

func NewLedgerMetrics(reg prometheus.Registerer) *LedgerMetrics {
	m := &LedgerMetrics{
		transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_total",
			Help:      "Transfers by kind and outcome.",
		}, []string{"kind", "outcome"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfer_retries_total",
			Help:      "Attempts lost to concurrent modification.",
		}, []string{"kind"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transfer_duration_seconds",
			Help:      "Transfer latency including lock waits and retries.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"kind"}),
	}
	reg.MustRegister(m.transfers, m.retries, m.duration)
	return m
}

func (m *LedgerMetrics) TransferFinished(kind models.Kind, outcome string, elapsed time.Duration) {
	m.transfers.WithLabelValues(string(kind), outcome).Inc()
	m.duration.WithLabelValues(string(kind)).Observe(elapsed.Seconds())
}

func (m *LedgerMetrics) TransferRetried(kind models.Kind) {
	m.retries.WithLabelValues(string(kind)).Inc()
}
