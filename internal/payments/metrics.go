package payments

import (
	"github.com/prometheus/client_golang/prometheus"
)

// GatewayOpsTotal counts payment gateway operations by type and result.
var GatewayOpsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "taskup",
		Name:      "payment_gateway_operations_total",
		Help:      "Total payment gateway operations by type and result.",
	},
	[]string{"op", "result"},
)

func init() {
	prometheus.MustRegister(GatewayOpsTotal)
}

func observeGatewayOp(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	GatewayOpsTotal.WithLabelValues(op, result).Inc()
}
