package wallet

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ApplyTotal counts ledger applications by transaction type and result.
	ApplyTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskup",
			Name:      "wallet_transactions_total",
			Help:      "Total ledger transactions applied by type and result.",
		},
		[]string{"type", "result"},
	)

	// ApplyDuration observes ledger application latency by transaction type.
	ApplyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "taskup",
			Name:      "wallet_apply_duration_seconds",
			Help:      "Ledger application duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(
		ApplyTotal,
		ApplyDuration,
	)
}

func observeApply(txType string, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	ApplyTotal.WithLabelValues(txType, result).Inc()
	ApplyDuration.WithLabelValues(txType).Observe(d.Seconds())
}
