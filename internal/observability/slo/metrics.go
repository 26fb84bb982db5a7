// Package slo publishes service level gauges computed from the health
// monitor's detailed metrics, next to the targets they are judged against.
package slo

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Targets for outbound calls over the detail window.
const (
	// SuccessRateSLO is the minimum ratio of successful calls (0-1).
	SuccessRateSLO = 0.99

	// LatencyP95SLO is the p95 call latency target in seconds.
	LatencyP95SLO = 2.0
)

var (
	// SLOSuccessRate is the observed success ratio per service.
	SLOSuccessRate = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "slo_success_ratio",
			Help: "Observed call success ratio (0-1) per service, target: 0.99",
		},
		[]string{"service"},
	)

	// SLOLatencyP95 is the observed p95 latency per service in seconds.
	SLOLatencyP95 = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "slo_latency_p95_seconds",
			Help: "Observed p95 call latency in seconds per service, target: 2",
		},
		[]string{"service"},
	)

	// SLOBreached is 1 while a service misses any target.
	SLOBreached = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "slo_breached",
			Help: "1 if the service misses a target, 0 otherwise",
		},
		[]string{"service"},
	)
)

// Update publishes one service's window. Services without calls are
// reported as meeting their targets.
func Update(service string, calls int, successRate, p95Ms float64) bool {
	if calls == 0 {
		successRate = 1
		p95Ms = 0
	}
	p95 := p95Ms / 1000
	SLOSuccessRate.WithLabelValues(service).Set(successRate)
	SLOLatencyP95.WithLabelValues(service).Set(p95)

	breached := successRate < SuccessRateSLO || p95 > LatencyP95SLO
	if breached {
		SLOBreached.WithLabelValues(service).Set(1)
	} else {
		SLOBreached.WithLabelValues(service).Set(0)
	}
	return breached
}
