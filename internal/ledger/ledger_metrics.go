package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// LedgerOpsTotal counts ledger operations by type.
	LedgerOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rideshare",
			Name:      "ledger_operations_total",
			Help:      "Total ledger operations by type.",
		},
		[]string{"type"},
	)

	// LedgerOpDuration observes operation latency by type, lock wait included.
	LedgerOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "rideshare",
			Name:      "ledger_operation_duration_seconds",
			Help:      "Ledger operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"type"},
	)

	// GatewayCallbacksTotal counts callbacks by outcome: settled, failed or replay.
	GatewayCallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rideshare",
			Name:      "ledger_gateway_callbacks_total",
			Help:      "Gateway callbacks by outcome.",
		},
		[]string{"outcome"},
	)

	// InsufficientFundsTotal counts debits rejected for lack of balance.
	InsufficientFundsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "rideshare",
			Name:      "ledger_insufficient_funds_total",
			Help:      "Debits rejected because the wallet balance was too low.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		LedgerOpsTotal,
		LedgerOpDuration,
		GatewayCallbacksTotal,
		InsufficientFundsTotal,
	)
}

// observeOp increments the operation counter and returns a function to observe duration.
func observeOp(opType string) func() {
	LedgerOpsTotal.WithLabelValues(opType).Inc()
	start := time.Now()
	return func() {
		LedgerOpDuration.WithLabelValues(opType).Observe(time.Since(start).Seconds())
	}
}
