package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"feed-relay/internal/domain/entity"
)

// ReconcileResult reports what one reconcile pass changed.
type ReconcileResult struct {
	Thorough          bool          `json:"thorough"`
	HandlesScanned    int           `json:"handles_scanned"`
	OrphansRemoved    int           `json:"orphans_removed"`
	InvalidRemoved    int           `json:"invalid_removed"`
	HandlesResharded  int           `json:"handles_resharded"`
	JobsResharded     int           `json:"jobs_resharded"`
	StaleCursorsReset int           `json:"stale_cursors_reset"`
	StaleSkipped      int           `json:"stale_skipped_forced"`
	HandlesRecreated  int           `json:"handles_recreated"`
	Errors            int           `json:"errors"`
	Duration          time.Duration `json:"duration"`
}

// Removed returns the number of handles the pass removed.
func (r ReconcileResult) Removed() int {
	return r.OrphansRemoved + r.InvalidRemoved
}

// CleanupMetrics accumulates reconcile results since process start.
type CleanupMetrics struct {
	Runs              int64            `json:"runs"`
	ThoroughRuns      int64            `json:"thorough_runs"`
	FailedRuns        int64            `json:"failed_runs"`
	OrphansRemoved    int64            `json:"orphans_removed"`
	InvalidRemoved    int64            `json:"invalid_removed"`
	HandlesResharded  int64            `json:"handles_resharded"`
	JobsResharded     int64            `json:"jobs_resharded"`
	StaleCursorsReset int64            `json:"stale_cursors_reset"`
	HandlesRecreated  int64            `json:"handles_recreated"`
	LastRunAt         *time.Time       `json:"last_run_at,omitempty"`
	LastThoroughRunAt *time.Time       `json:"last_thorough_run_at,omitempty"`
	LastResult        *ReconcileResult `json:"last_result,omitempty"`
	LastError         string           `json:"last_error,omitempty"`
}

// Reconcile cross-checks recurring handles against the feed registry.
// It removes orphans, moves jobs placed under another worker count onto
// the shard the feed maps to now, and clears stale cursors, unless the
// feed has a pending force-process-all request, which takes precedence.
// The thorough pass additionally removes handles with malformed ids and
// recreates missing handles of registered feeds.
func (s *Scheduler) Reconcile(ctx context.Context, thorough bool) (ReconcileResult, error) {
	start := time.Now()
	now := s.clock.Now()

	res, err := s.reconcile(ctx, thorough, now)
	res.Duration = time.Since(start)
	s.recordCleanup(res, err, now)

	if err != nil {
		reconcileRunsTotal.WithLabelValues(passLabel(thorough), "failure").Inc()
		s.logger.Error("reconcile failed",
			slog.Bool("thorough", thorough),
			slog.Any("error", err))
		return res, err
	}

	reconcileRunsTotal.WithLabelValues(passLabel(thorough), "success").Inc()
	recordReconcileActions(res)
	if res.OrphansRemoved >= s.cfg.OrphanAlertThreshold {
		s.logger.Error("orphan recurring jobs above alert threshold",
			slog.Int("orphans_removed", res.OrphansRemoved),
			slog.Int("threshold", s.cfg.OrphanAlertThreshold))
	}
	s.logger.Info("reconcile completed",
		slog.Bool("thorough", thorough),
		slog.Int("handles_scanned", res.HandlesScanned),
		slog.Int("orphans_removed", res.OrphansRemoved),
		slog.Int("invalid_removed", res.InvalidRemoved),
		slog.Int("handles_resharded", res.HandlesResharded),
		slog.Int("jobs_resharded", res.JobsResharded),
		slog.Int("stale_cursors_reset", res.StaleCursorsReset),
		slog.Int("handles_recreated", res.HandlesRecreated),
		slog.Int("errors", res.Errors),
		slog.Duration("duration", res.Duration))
	return res, nil
}

func (s *Scheduler) reconcile(ctx context.Context, thorough bool, now time.Time) (ReconcileResult, error) {
	res := ReconcileResult{Thorough: thorough}

	s.mu.Lock()
	defer s.mu.Unlock()

	handles, err := s.jobs.GetRepeatableJobs(ctx)
	if err != nil {
		return res, fmt.Errorf("Reconcile: list handles: %w", err)
	}
	registered, err := s.feeds.ListIDs(ctx)
	if err != nil {
		return res, fmt.Errorf("Reconcile: list feeds: %w", err)
	}
	res.HandlesScanned = len(handles)

	remove := func(h *entity.RepeatableJob, reason string) bool {
		if _, err := s.jobs.RemoveRepeatableByKey(ctx, h.Key); err != nil {
			res.Errors++
			s.logger.Warn("failed to remove recurring job",
				slog.String("job_id", h.JobID),
				slog.String("repeat_key", h.Key),
				slog.String("reason", reason),
				slog.Any("error", err))
			return false
		}
		s.logger.Info("removed recurring job",
			slog.String("job_id", h.JobID),
			slog.String("repeat_key", h.Key),
			slog.String("reason", reason))
		return true
	}

	live := make(map[string]struct{}, len(handles))
	var misplaced []*entity.RepeatableJob
	for _, h := range handles {
		if h.Name != entity.JobNameCheckFeed {
			continue
		}
		feedID, perr := entity.ParseRecurringJobID(h.JobID)
		if perr != nil {
			if thorough && remove(h, "invalid_id") {
				res.InvalidRemoved++
			}
			continue
		}
		if _, ok := registered[feedID]; !ok {
			if remove(h, "orphan") {
				res.OrphansRemoved++
				delete(s.scheduled, h.JobID)
			}
			continue
		}
		live[feedID] = struct{}{}
		s.scheduled[h.JobID] = struct{}{}
		if h.Shard != Shard(feedID, s.cfg.Workers) {
			misplaced = append(misplaced, h)
		}
	}

	for _, h := range misplaced {
		if s.reshardHandle(ctx, h, remove) {
			res.HandlesResharded++
		} else {
			res.Errors++
		}
	}
	moved, failed := s.reshardPending(ctx, now)
	res.JobsResharded += moved
	res.Errors += failed

	stale, err := s.feeds.ListStale(ctx, now.Add(-s.cfg.StaleAfter))
	if err != nil {
		res.Errors++
		s.logger.Warn("failed to list stale feeds", slog.Any("error", err))
	}
	for _, f := range stale {
		if f.ForceProcessAll {
			// a manual force request outranks automatic staleness handling
			res.StaleSkipped++
			s.logger.Info("stale cursor kept, force-process-all pending", slog.String("feed_id", f.ID))
			continue
		}
		if err := s.feeds.ClearCursor(ctx, f.ID); err != nil {
			res.Errors++
			s.logger.Warn("failed to clear stale cursor",
				slog.String("feed_id", f.ID),
				slog.Any("error", err))
			continue
		}
		res.StaleCursorsReset++
		s.logger.Warn("stale cursor cleared",
			slog.String("feed_id", f.ID),
			slog.String("cursor", f.Cursor()),
			slog.Any("cursor_changed_at", f.CursorChangedAt))
	}

	if !thorough {
		return res, nil
	}

	feeds, err := s.feeds.List(ctx)
	if err != nil {
		res.Errors++
		s.logger.Warn("failed to list feeds for recreation", slog.Any("error", err))
		return res, nil
	}
	for _, f := range feeds {
		if _, ok := live[f.ID]; ok {
			continue
		}
		if f.IntervalMinutes < entity.MinIntervalMinutes {
			continue
		}
		rep, err := s.addRecurringLocked(ctx, f.CheckJob(), f.IntervalMinutes)
		if err != nil {
			res.Errors++
			s.logger.Warn("failed to recreate recurring job",
				slog.String("feed_id", f.ID),
				slog.Any("error", err))
			continue
		}
		if rep != nil {
			res.HandlesRecreated++
			s.logger.Warn("recreated missing recurring job", slog.String("feed_id", f.ID))
		}
	}
	return res, nil
}

// reshardHandle recreates a repeat schedule on the shard its feed maps to
// under the current worker count. Caller holds mu.
func (s *Scheduler) reshardHandle(ctx context.Context, h *entity.RepeatableJob, remove func(*entity.RepeatableJob, string) bool) bool {
	feedID, _ := entity.ParseRecurringJobID(h.JobID)
	feed, err := s.feeds.Get(ctx, feedID)
	if err != nil {
		s.logger.Warn("failed to load feed for resharding",
			slog.String("feed_id", feedID),
			slog.Any("error", err))
		return false
	}
	if !remove(h, "resharded") {
		return false
	}
	delete(s.scheduled, h.JobID)

	rep, err := s.addRecurringLocked(ctx, feed.CheckJob(), feed.IntervalMinutes)
	if err != nil {
		s.logger.Error("failed to reschedule resharded recurring job",
			slog.String("feed_id", feedID),
			slog.Any("error", err))
		return false
	}
	if rep != nil {
		s.logger.Warn("recurring job moved to another shard",
			slog.String("feed_id", feedID),
			slog.Int("from_shard", h.Shard),
			slog.Int("to_shard", rep.Shard),
			slog.Int("workers", s.cfg.Workers))
	}
	return true
}

// reshardPending moves waiting one-shot checks whose shard no worker runs.
// Occurrences of repeat schedules follow their schedule and are skipped.
func (s *Scheduler) reshardPending(ctx context.Context, now time.Time) (moved, failed int) {
	pending, err := s.jobs.ListJobs(ctx, entity.JobWaiting, entity.JobDelayed)
	if err != nil {
		s.logger.Warn("failed to list pending jobs for resharding", slog.Any("error", err))
		return 0, 1
	}
	for _, j := range pending {
		if j.Name != entity.JobNameCheckFeed || j.RepeatKey != "" {
			continue
		}
		if j.Shard >= 0 && j.Shard < s.cfg.Workers {
			continue
		}
		check, err := entity.DecodeFeedCheckJob(j.Payload)
		if err != nil {
			failed++
			s.logger.Warn("stranded check has an invalid payload",
				slog.String("job_id", j.ID),
				slog.Any("error", err))
			continue
		}
		delay := j.RunAt.Sub(now)
		if delay < 0 {
			delay = 0
		}
		if _, err := s.ScheduleCheck(ctx, check, delay); err != nil {
			failed++
			s.logger.Warn("failed to move stranded check",
				slog.String("job_id", j.ID),
				slog.Any("error", err))
			continue
		}
		if _, err := s.jobs.RemoveJob(ctx, j.ID); err != nil {
			failed++
			s.logger.Warn("failed to drop stranded check",
				slog.String("job_id", j.ID),
				slog.Any("error", err))
			continue
		}
		moved++
		s.logger.Warn("check moved to another shard",
			slog.String("feed_id", check.FeedID),
			slog.String("job_id", j.ID),
			slog.Int("from_shard", j.Shard))
	}
	return moved, failed
}

func (s *Scheduler) recordCleanup(res ReconcileResult, err error, at time.Time) {
	s.metricsMu.Lock()
	defer s.metricsMu.Unlock()

	m := &s.cleanup
	m.Runs++
	m.LastRunAt = &at
	if res.Thorough {
		m.ThoroughRuns++
		m.LastThoroughRunAt = &at
	}
	if err != nil {
		m.FailedRuns++
		m.LastError = err.Error()
		return
	}
	m.LastError = ""
	m.OrphansRemoved += int64(res.OrphansRemoved)
	m.InvalidRemoved += int64(res.InvalidRemoved)
	m.HandlesResharded += int64(res.HandlesResharded)
	m.JobsResharded += int64(res.JobsResharded)
	m.StaleCursorsReset += int64(res.StaleCursorsReset)
	m.HandlesRecreated += int64(res.HandlesRecreated)
	last := res
	m.LastResult = &last
}

// CleanupMetrics returns the accumulated reconcile metrics.
func (s *Scheduler) CleanupMetrics() CleanupMetrics {
	s.metricsMu.Lock()
	defer s.metricsMu.Unlock()

	out := s.cleanup
	if out.LastResult != nil {
		last := *out.LastResult
		out.LastResult = &last
	}
	return out
}

// StartMaintenance registers the light and thorough reconcile passes on a
// cron scheduler. Passes stop when ctx is cancelled or Stop is called.
func (s *Scheduler) StartMaintenance(ctx context.Context) error {
	s.cronMu.Lock()
	defer s.cronMu.Unlock()

	if s.cron != nil {
		return nil
	}
	c := cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))

	run := func(thorough bool) func() {
		return func() {
			if ctx.Err() != nil {
				return
			}
			passCtx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
			defer cancel()
			_, _ = s.Reconcile(passCtx, thorough)
		}
	}
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", s.cfg.CleanupInterval), run(false)); err != nil {
		return fmt.Errorf("StartMaintenance: light pass: %w", err)
	}
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", s.cfg.ThoroughCleanupInterval), run(true)); err != nil {
		return fmt.Errorf("StartMaintenance: thorough pass: %w", err)
	}
	c.Start()
	s.cron = c

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	s.logger.Info("scheduler maintenance started",
		slog.Duration("cleanup_interval", s.cfg.CleanupInterval),
		slog.Duration("thorough_cleanup_interval", s.cfg.ThoroughCleanupInterval))
	return nil
}

// Stop cancels the maintenance passes and waits for a running one.
func (s *Scheduler) Stop() {
	s.cronMu.Lock()
	c := s.cron
	s.cron = nil
	s.cronMu.Unlock()

	if c == nil {
		return
	}
	<-c.Stop().Done()
	s.logger.Info("scheduler maintenance stopped")
}
