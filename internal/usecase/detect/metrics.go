package detect

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// detectOutcomesTotal counts detector decisions by outcome
	detectOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_detect_outcomes_total",
			Help: "Total number of change detection results by outcome",
		},
		[]string{"outcome"},
	)

	// detectNewItemsTotal counts items emitted as new
	detectNewItemsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "feed_detect_new_items_total",
			Help: "Total number of items emitted as new",
		},
	)
)

func recordOutcome(o Outcome) {
	detectOutcomesTotal.WithLabelValues(string(o)).Inc()
}

func recordNewItems(n int) {
	if n > 0 {
		detectNewItemsTotal.Add(float64(n))
	}
}
