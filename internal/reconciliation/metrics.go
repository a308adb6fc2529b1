package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileWalletMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "rideshare",
		Subsystem: "reconciliation",
		Name:      "wallet_mismatches",
		Help:      "Wallets whose balance differs from the sum of their entries in the last run.",
	})

	reconcileSeatMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "rideshare",
		Subsystem: "reconciliation",
		Name:      "seat_mismatches",
		Help:      "Rides whose capacity differs from available plus booked seats in the last run.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "rideshare",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "rideshare",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileWalletMismatches,
		reconcileSeatMismatches,
		reconcileDuration,
		reconcileErrors,
	)
}
