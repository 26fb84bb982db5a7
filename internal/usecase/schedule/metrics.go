package schedule

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// recurringScheduledTotal counts scheduleRecurring outcomes
	recurringScheduledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_recurring_total",
			Help: "Total number of recurring job scheduling attempts",
		},
		[]string{"result"}, // created|duplicate|resharded|error
	)

	// oneShotScheduledTotal counts one-shot checks placed in the store
	oneShotScheduledTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scheduler_checks_scheduled_total",
			Help: "Total number of one-shot feed checks scheduled",
		},
	)

	// removalsTotal counts recurring job removals by the step that settled them
	removalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_removals_total",
			Help: "Total number of recurring job removals",
		},
		[]string{"result"}, // verified|forced|failed
	)

	// reconcileRunsTotal counts maintenance passes
	reconcileRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_reconcile_runs_total",
			Help: "Total number of reconcile passes",
		},
		[]string{"pass", "result"},
	)

	// reconcileActionsTotal counts what reconcile changed
	reconcileActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_reconcile_actions_total",
			Help: "Total number of changes made by reconcile passes",
		},
		[]string{"action"}, // orphan_removed|invalid_removed|resharded|stale_reset|recreated
	)
)

func passLabel(thorough bool) string {
	if thorough {
		return "thorough"
	}
	return "light"
}

func recordReconcileActions(r ReconcileResult) {
	add := func(action string, n int) {
		if n > 0 {
			reconcileActionsTotal.WithLabelValues(action).Add(float64(n))
		}
	}
	add("orphan_removed", r.OrphansRemoved)
	add("invalid_removed", r.InvalidRemoved)
	add("resharded", r.HandlesResharded+r.JobsResharded)
	add("stale_reset", r.StaleCursorsReset)
	add("recreated", r.HandlesRecreated)
}
