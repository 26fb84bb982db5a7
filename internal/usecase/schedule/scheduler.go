// Package schedule owns the recurring check jobs of registered feeds in the
// durable job store: creating them with shard, priority and jitter,
// removing them with verification, and reconciling them against the feed
// registry.
package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"feed-relay/internal/domain/entity"
	"feed-relay/internal/pkg/clock"
	"feed-relay/internal/repository"
)

// Config holds scheduler settings.
type Config struct {
	// Workers is the number of worker shards.
	Workers int

	// Jitter is the maximum random offset added to or subtracted from an interval.
	Jitter time.Duration

	// MinInterval floors the jittered interval.
	MinInterval time.Duration

	CleanupInterval         time.Duration
	ThoroughCleanupInterval time.Duration

	// OrphanAlertThreshold logs an error when one pass removes at least this many orphans.
	OrphanAlertThreshold int

	// StaleAfter is how long a cursor may stay unchanged before reconcile clears it.
	StaleAfter time.Duration

	// StoreTimeout bounds each maintenance pass.
	StoreTimeout time.Duration
}

// DefaultConfig returns the scheduler defaults.
func DefaultConfig() Config {
	return Config{
		Workers:                 5,
		Jitter:                  30 * time.Second,
		MinInterval:             time.Minute,
		CleanupInterval:         30 * time.Minute,
		ThoroughCleanupInterval: 2 * time.Hour,
		OrphanAlertThreshold:    10,
		StaleAfter:              24 * time.Hour,
		StoreTimeout:            2 * time.Minute,
	}
}

// Scheduler creates, removes and reconciles feed check jobs.
type Scheduler struct {
	cfg    Config
	jobs   repository.JobStore
	feeds  repository.FeedRepository
	rules  *PriorityRules
	clock  clock.Clock
	logger *slog.Logger

	rngMu sync.Mutex
	rng   *rand.Rand

	// mu serializes scheduling and removal in this process and guards
	// scheduled, which is advisory: the store is always re-checked.
	mu        sync.Mutex
	scheduled map[string]struct{}

	metricsMu sync.Mutex
	cleanup   CleanupMetrics

	cronMu sync.Mutex
	cron   *cron.Cron
}

// New creates a Scheduler. rules may be nil for the built-in priority rules.
func New(cfg Config, jobs repository.JobStore, feeds repository.FeedRepository, rules *PriorityRules, clk clock.Clock, logger *slog.Logger) *Scheduler {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = def.MinInterval
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.ThoroughCleanupInterval <= 0 {
		cfg.ThoroughCleanupInterval = def.ThoroughCleanupInterval
	}
	if cfg.OrphanAlertThreshold <= 0 {
		cfg.OrphanAlertThreshold = def.OrphanAlertThreshold
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = def.StoreTimeout
	}
	if rules == nil {
		rules = NewPriorityRules(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg:       cfg,
		jobs:      jobs,
		feeds:     feeds,
		rules:     rules,
		clock:     clock.OrSystem(clk),
		logger:    logger,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		scheduled: make(map[string]struct{}),
	}
}

// Workers returns the number of shards jobs are spread over.
func (s *Scheduler) Workers() int {
	return s.cfg.Workers
}

// place fills the derived fields of job and returns the store options.
func (s *Scheduler) place(job *entity.FeedCheckJob) entity.JobOptions {
	shard := Shard(job.FeedID, s.cfg.Workers)
	job.ShardIndex = &shard
	return entity.JobOptions{
		Shard:    shard,
		Priority: s.rules.Priority(job.FeedURL),
	}
}

// ScheduleCheck enqueues a one-shot check of the feed after delay.
func (s *Scheduler) ScheduleCheck(ctx context.Context, job entity.FeedCheckJob, delay time.Duration) (*entity.Job, error) {
	opts := s.place(&job)
	opts.Delay = delay

	payload, err := job.Encode()
	if err != nil {
		return nil, fmt.Errorf("ScheduleCheck: %w", err)
	}
	created, err := s.jobs.AddJob(ctx, entity.JobNameCheckFeed, payload, opts)
	if err != nil {
		return nil, fmt.Errorf("ScheduleCheck: %w", err)
	}
	oneShotScheduledTotal.Inc()
	s.logger.Debug("check scheduled",
		slog.String("feed_id", job.FeedID),
		slog.String("job_id", created.ID),
		slog.Int("shard", opts.Shard),
		slog.Int("priority", opts.Priority),
		slog.Duration("delay", delay))
	return created, nil
}

// ScheduleRecurring creates the recurring check of a feed. Without force an
// existing handle is left alone and false is returned; with force any
// existing handle is removed first.
func (s *Scheduler) ScheduleRecurring(ctx context.Context, job entity.FeedCheckJob, intervalMinutes int, force bool) (bool, error) {
	if intervalMinutes < entity.MinIntervalMinutes {
		return false, fmt.Errorf("ScheduleRecurring: %w", ErrInvalidInterval)
	}
	jobID := entity.RecurringJobID(job.FeedID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if force {
		if _, err := s.removeLocked(ctx, job.FeedID); err != nil {
			recurringScheduledTotal.WithLabelValues("error").Inc()
			return false, fmt.Errorf("ScheduleRecurring: replace existing: %w", err)
		}
	} else {
		_, cached := s.scheduled[jobID]
		handles, err := s.handlesFor(ctx, job.FeedID)
		if err != nil {
			recurringScheduledTotal.WithLabelValues("error").Inc()
			return false, fmt.Errorf("ScheduleRecurring: %w", err)
		}
		if len(handles) > 0 && s.onShard(job.FeedID, handles) {
			s.scheduled[jobID] = struct{}{}
			recurringScheduledTotal.WithLabelValues("duplicate").Inc()
			s.logger.Info("recurring job already exists, skipping",
				slog.String("feed_id", job.FeedID),
				slog.String("job_id", jobID),
				slog.Bool("cached", cached))
			return false, nil
		}
		if len(handles) > 0 {
			// placed under a different pool size; the pool may never claim it
			s.logger.Warn("recurring job on another shard, rescheduling",
				slog.String("feed_id", job.FeedID),
				slog.String("job_id", jobID),
				slog.Int("shard", handles[0].Shard),
				slog.Int("workers", s.cfg.Workers))
			if _, err := s.removeLocked(ctx, job.FeedID); err != nil {
				recurringScheduledTotal.WithLabelValues("error").Inc()
				return false, fmt.Errorf("ScheduleRecurring: reshard: %w", err)
			}
			recurringScheduledTotal.WithLabelValues("resharded").Inc()
		} else if cached {
			s.logger.Warn("scheduled-set entry not backed by the store, rescheduling",
				slog.String("feed_id", job.FeedID),
				slog.String("job_id", jobID))
			delete(s.scheduled, jobID)
		}
	}

	rep, err := s.addRecurringLocked(ctx, job, intervalMinutes)
	if err != nil {
		recurringScheduledTotal.WithLabelValues("error").Inc()
		return false, fmt.Errorf("ScheduleRecurring: %w", err)
	}
	if rep == nil {
		recurringScheduledTotal.WithLabelValues("duplicate").Inc()
		return false, nil
	}
	return true, nil
}

// onShard reports whether every handle sits on the shard feedID maps to
// under the current worker count.
func (s *Scheduler) onShard(feedID string, handles []*entity.RepeatableJob) bool {
	want := Shard(feedID, s.cfg.Workers)
	for _, h := range handles {
		if h.Shard != want {
			return false
		}
	}
	return true
}

// addRecurringLocked places the repeat schedule of job in the store. It
// returns nil when the store already holds the same repeat key. Caller
// holds mu.
func (s *Scheduler) addRecurringLocked(ctx context.Context, job entity.FeedCheckJob, intervalMinutes int) (*entity.RepeatableJob, error) {
	jobID := entity.RecurringJobID(job.FeedID)
	opts := s.place(&job)
	opts.JobID = jobID
	payload, err := job.Encode()
	if err != nil {
		return nil, err
	}
	every := s.jitter(time.Duration(intervalMinutes) * time.Minute)

	rep, err := s.jobs.AddRecurringJob(ctx, entity.JobNameCheckFeed, payload, every, opts)
	if errors.Is(err, entity.ErrAlreadyExists) {
		s.scheduled[jobID] = struct{}{}
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	s.scheduled[jobID] = struct{}{}
	recurringScheduledTotal.WithLabelValues("created").Inc()
	s.logger.Info("recurring job scheduled",
		slog.String("feed_id", job.FeedID),
		slog.String("job_id", jobID),
		slog.Int("shard", opts.Shard),
		slog.Int("priority", opts.Priority),
		slog.Duration("every", every),
		slog.Time("next_run_at", rep.NextRunAt))
	return rep, nil
}

// jitter offsets d by a uniform random amount within ±Jitter, floored at MinInterval.
func (s *Scheduler) jitter(d time.Duration) time.Duration {
	if s.cfg.Jitter > 0 {
		s.rngMu.Lock()
		offset := time.Duration(s.rng.Int63n(int64(2*s.cfg.Jitter)+1)) - s.cfg.Jitter
		s.rngMu.Unlock()
		d += offset
	}
	if d < s.cfg.MinInterval {
		d = s.cfg.MinInterval
	}
	return d
}

// RemoveRecurring removes the recurring check of a feed and verifies the
// removal, escalating to ForceRemove when verification fails. It returns
// ErrRemovalFailed when a handle survives every strategy.
func (s *Scheduler) RemoveRecurring(ctx context.Context, feedID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(ctx, feedID)
}

// RemoveRecurringThen removes the recurring check of a feed like
// RemoveRecurring and, once the removal is verified, runs then before the
// scheduling lock is released, so a reconcile pass never sees the feed
// between the two steps. The error of then is returned unwrapped.
func (s *Scheduler) RemoveRecurringThen(ctx context.Context, feedID string, then func(context.Context) error) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed, err := s.removeLocked(ctx, feedID)
	if err != nil || !removed {
		return removed, err
	}
	return true, then(ctx)
}

func (s *Scheduler) removeLocked(ctx context.Context, feedID string) (bool, error) {
	jobID := entity.RecurringJobID(feedID)
	delete(s.scheduled, jobID)

	if _, err := s.jobs.RemoveJob(ctx, jobID); err != nil {
		s.logger.Warn("direct removal failed",
			slog.String("feed_id", feedID),
			slog.String("job_id", jobID),
			slog.Any("error", err))
	}

	// the store may still list a handle the direct removal missed
	if handles, err := s.handlesFor(ctx, feedID); err != nil {
		s.logger.Warn("repeatable job rescan failed",
			slog.String("feed_id", feedID),
			slog.Any("error", err))
	} else {
		for _, h := range handles {
			if _, err := s.jobs.RemoveRepeatableByKey(ctx, h.Key); err != nil {
				s.logger.Warn("removal by repeat key failed",
					slog.String("feed_id", feedID),
					slog.String("repeat_key", h.Key),
					slog.Any("error", err))
			}
		}
	}

	ok, err := s.VerifyRemoval(ctx, feedID)
	if err == nil && ok {
		removalsTotal.WithLabelValues("verified").Inc()
		s.logger.Info("recurring job removed", slog.String("feed_id", feedID), slog.String("job_id", jobID))
		return true, nil
	}
	s.logger.Warn("removal not verified, forcing",
		slog.String("feed_id", feedID),
		slog.String("job_id", jobID),
		slog.Any("error", err))

	return s.forceRemoveLocked(ctx, feedID)
}

// VerifyRemoval reports whether the store holds no recurring handle for
// the feed, checking both the direct id and the full repeatable listing.
func (s *Scheduler) VerifyRemoval(ctx context.Context, feedID string) (bool, error) {
	jobID := entity.RecurringJobID(feedID)

	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return false, fmt.Errorf("VerifyRemoval: %w", err)
	}
	if job != nil {
		return false, nil
	}

	handles, err := s.handlesFor(ctx, feedID)
	if err != nil {
		return false, fmt.Errorf("VerifyRemoval: %w", err)
	}
	return len(handles) == 0, nil
}

// ForceRemove tries every removal strategy: by id, by repeat key, and by a
// scan of all pending jobs whose payload names the feed.
func (s *Scheduler) ForceRemove(ctx context.Context, feedID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forceRemoveLocked(ctx, feedID)
}

func (s *Scheduler) forceRemoveLocked(ctx context.Context, feedID string) (bool, error) {
	jobID := entity.RecurringJobID(feedID)
	var errs []error

	// by id
	if _, err := s.jobs.RemoveJob(ctx, jobID); err != nil {
		errs = append(errs, fmt.Errorf("by id: %w", err))
	}

	// by repeat key
	if handles, err := s.handlesFor(ctx, feedID); err != nil {
		errs = append(errs, fmt.Errorf("list repeatables: %w", err))
	} else {
		for _, h := range handles {
			if _, err := s.jobs.RemoveRepeatableByKey(ctx, h.Key); err != nil {
				errs = append(errs, fmt.Errorf("by key %s: %w", h.Key, err))
			}
		}
	}

	// by scanning pending jobs
	if pending, err := s.jobs.ListJobs(ctx, entity.PendingJobStates...); err != nil {
		errs = append(errs, fmt.Errorf("list jobs: %w", err))
	} else {
		for _, j := range pending {
			if payloadFeedID(j.Payload) != feedID {
				continue
			}
			if _, err := s.jobs.RemoveJob(ctx, j.ID); err != nil {
				errs = append(errs, fmt.Errorf("by scan %s: %w", j.ID, err))
			}
		}
	}

	ok, err := s.VerifyRemoval(ctx, feedID)
	if err == nil && ok {
		removalsTotal.WithLabelValues("forced").Inc()
		s.logger.Warn("recurring job removed by force",
			slog.String("feed_id", feedID),
			slog.Int("strategy_errors", len(errs)))
		return true, nil
	}
	if err != nil {
		errs = append(errs, err)
	}

	removalsTotal.WithLabelValues("failed").Inc()
	if len(errs) == 0 {
		errs = append(errs, errors.New("handle still present after all strategies"))
	}
	cause := errors.Join(errs...)
	s.logger.Error("recurring job removal failed",
		slog.String("feed_id", feedID),
		slog.String("job_id", jobID),
		slog.Any("error", cause))
	return false, fmt.Errorf("%w: feed %s: %w", ErrRemovalFailed, feedID, cause)
}

// handlesFor lists repeat schedules that belong to feedID by id or payload.
func (s *Scheduler) handlesFor(ctx context.Context, feedID string) ([]*entity.RepeatableJob, error) {
	all, err := s.jobs.GetRepeatableJobs(ctx)
	if err != nil {
		return nil, err
	}
	jobID := entity.RecurringJobID(feedID)
	var out []*entity.RepeatableJob
	for _, h := range all {
		if h.JobID == jobID || payloadFeedID(h.Payload) == feedID {
			out = append(out, h)
		}
	}
	return out, nil
}

// payloadFeedID reads the feed id of a stored payload without validating
// the rest, so damaged payloads can still be matched.
func payloadFeedID(payload []byte) string {
	var p struct {
		FeedID string `json:"feedId"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return ""
	}
	return p.FeedID
}
