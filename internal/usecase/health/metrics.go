package health

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// callsTotal counts recorded call outcomes per service
	callsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "health_calls_total",
			Help: "Total number of observed calls by service and result",
		},
		[]string{"service", "result"},
	)

	// metricsDroppedTotal counts outcomes lost to a full buffer or a failed flush
	metricsDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "health_metrics_dropped_total",
			Help: "Total number of health metrics dropped before persistence",
		},
	)
)

func recordCall(service string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	callsTotal.WithLabelValues(service, result).Inc()
}
