package circuitbreaker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// circuitTransitionsTotal counts state transitions per breaker and target state
	circuitTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"breaker", "to"},
	)

	// circuitTripsTotal counts circuits entering OPEN
	circuitTripsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_trips_total",
			Help: "Total number of times a circuit opened",
		},
		[]string{"breaker"},
	)
)

func recordStateChange(breaker string, to State) {
	circuitTransitionsTotal.WithLabelValues(breaker, string(to)).Inc()
}

func recordTrip(breaker string) {
	circuitTripsTotal.WithLabelValues(breaker).Inc()
}
