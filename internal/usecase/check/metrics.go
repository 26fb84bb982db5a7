package check

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// checksTotal counts feed checks by how they ended
	checksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_checks_total",
			Help: "Total number of feed checks by result",
		},
		[]string{"result"}, // detect outcome, skipped_*, or fetch_<class>
	)

	// checkDuration tracks the wall time of a complete check
	checkDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "feed_check_duration_seconds",
			Help:    "Duration of feed checks including fetch and delivery",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	// itemsDispatchedTotal counts new items handed to delivery
	itemsDispatchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_items_dispatched_total",
			Help: "Total number of new feed items handed to delivery",
		},
		[]string{"result"}, // delivered|queued|failed
	)

	// retryChecksTotal counts one-shot retry checks scheduled after failures
	retryChecksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "feed_retry_checks_scheduled_total",
			Help: "Total number of retry checks scheduled after fetch failures",
		},
	)
)
