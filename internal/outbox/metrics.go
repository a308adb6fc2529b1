package outbox

import "github.com/prometheus/client_golang/prometheus"

var (
	publishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rideshare",
		Subsystem: "outbox",
		Name:      "published_total",
		Help:      "Events published by topic.",
	}, []string{"topic"})

	deliveredTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rideshare",
		Subsystem: "outbox",
		Name:      "delivered_total",
		Help:      "Events delivered by topic.",
	}, []string{"topic"})

	failedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rideshare",
		Subsystem: "outbox",
		Name:      "failed_attempts_total",
		Help:      "Failed delivery attempts that will be retried, by topic.",
	}, []string{"topic"})

	deadTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rideshare",
		Subsystem: "outbox",
		Name:      "dead_lettered_total",
		Help:      "Events abandoned after permanent failure or too many attempts.",
	}, []string{"topic"})

	pendingDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "rideshare",
		Subsystem: "outbox",
		Name:      "pending_events",
		Help:      "Events waiting for delivery.",
	})
)

func init() {
	prometheus.MustRegister(publishedTotal, deliveredTotal, failedTotal, deadTotal, pendingDepth)
}
