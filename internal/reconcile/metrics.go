package reconcile

import (
	"github.com/prometheus/client_golang/prometheus"
)

// EventsTotal counts processed webhook events by type and result.
var EventsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "taskup",
		Name:      "webhook_events_total",
		Help:      "Total gateway webhook events by type and result.",
	},
	[]string{"type", "result"},
)

func init() {
	prometheus.MustRegister(EventsTotal)
}

func observeEvent(eventType, result string) {
	EventsTotal.WithLabelValues(eventType, result).Inc()
}
