package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"feed-relay/internal/domain/entity"
	"feed-relay/internal/pkg/clock"
	"feed-relay/internal/repository"
)

// Scheduler owns the recurring checks of feeds. *schedule.Scheduler
// implements it.
type Scheduler interface {
	ScheduleRecurring(ctx context.Context, job entity.FeedCheckJob, intervalMinutes int, force bool) (bool, error)
	RemoveRecurringThen(ctx context.Context, feedID string, then func(context.Context) error) (bool, error)
}

// RegisterInput represents the input parameters for registering a feed.
type RegisterInput struct {
	ID              string
	ChatID          string
	URL             string
	Title           string
	IntervalMinutes int
}

// ReloadStats reports the outcome of ReloadAll.
type ReloadStats struct {
	Feeds     int
	Scheduled int
	Existing  int
	Failed    int
}

// Service provides feed registry use cases.
type Service struct {
	Feeds     repository.FeedRepository
	Scheduler Scheduler
	Clock     clock.Clock
	Logger    *slog.Logger
}

func (s *Service) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

// Register stores a new feed and schedules its recurring check. When the
// check cannot be scheduled the feed record is rolled back.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*entity.Feed, error) {
	f := &entity.Feed{
		ID:              strings.TrimSpace(in.ID),
		ChatID:          strings.TrimSpace(in.ChatID),
		URL:             strings.TrimSpace(in.URL),
		Title:           strings.TrimSpace(in.Title),
		IntervalMinutes: in.IntervalMinutes,
		CreatedAt:       clock.OrSystem(s.Clock).Now(),
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}

	if err := s.Feeds.Create(ctx, f); err != nil {
		if errors.Is(err, entity.ErrAlreadyExists) {
			return nil, fmt.Errorf("%w: %s", ErrFeedExists, f.ID)
		}
		return nil, fmt.Errorf("create feed: %w", err)
	}

	if _, err := s.Scheduler.ScheduleRecurring(ctx, f.CheckJob(), f.IntervalMinutes, false); err != nil {
		if derr := s.Feeds.Delete(ctx, f.ID); derr != nil {
			s.logger().Error("failed to roll back feed after scheduling error",
				slog.String("feed_id", f.ID),
				slog.Any("error", derr))
		}
		return nil, fmt.Errorf("schedule feed %s: %w", f.ID, err)
	}

	s.logger().Info("feed registered",
		slog.String("feed_id", f.ID),
		slog.String("chat_id", f.ChatID),
		slog.Int("interval_minutes", f.IntervalMinutes))
	return f, nil
}

// Delete removes the feed's recurring check and then the feed record,
// both under the scheduler's lock. A failed or unverified removal returns
// ErrJobRemovalFailed and leaves the record in place.
func (s *Service) Delete(ctx context.Context, id string) error {
	exists, err := s.Feeds.Exists(ctx, id)
	if err != nil {
		return fmt.Errorf("check feed: %w", err)
	}
	if !exists {
		return ErrFeedNotFound
	}

	var deleteErr error
	removed, err := s.Scheduler.RemoveRecurringThen(ctx, id, func(ctx context.Context) error {
		deleteErr = s.Feeds.Delete(ctx, id)
		return deleteErr
	})
	if deleteErr != nil {
		if errors.Is(deleteErr, entity.ErrNotFound) {
			return ErrFeedNotFound
		}
		return fmt.Errorf("delete feed: %w", deleteErr)
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrJobRemovalFailed, err)
	}
	if !removed {
		return fmt.Errorf("%w: feed %s", ErrJobRemovalFailed, id)
	}
	s.logger().Info("feed deleted", slog.String("feed_id", id))
	return nil
}

// ForceReschedule replaces the feed's recurring check, picking up the
// current interval and a fresh jitter.
func (s *Service) ForceReschedule(ctx context.Context, id string) error {
	f, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	if _, err := s.Scheduler.ScheduleRecurring(ctx, f.CheckJob(), f.IntervalMinutes, true); err != nil {
		return fmt.Errorf("reschedule feed %s: %w", id, err)
	}
	s.logger().Info("feed rescheduled", slog.String("feed_id", id))
	return nil
}

// RequestForceProcessAll asks the next check to re-establish the cursor
// and emit the newest items. The request outranks the stale cursor reset.
func (s *Service) RequestForceProcessAll(ctx context.Context, id string) error {
	if err := s.Feeds.SetForceProcessAll(ctx, id, true); err != nil {
		if errors.Is(err, entity.ErrNotFound) {
			return ErrFeedNotFound
		}
		return fmt.Errorf("request force process: %w", err)
	}
	s.logger().Info("force-process-all requested", slog.String("feed_id", id))
	return nil
}

// ReloadAll schedules the recurring check of every registered feed. Feeds
// that already have a check are left alone, so it is safe on every start.
func (s *Service) ReloadAll(ctx context.Context) (ReloadStats, error) {
	feeds, err := s.Feeds.List(ctx)
	if err != nil {
		return ReloadStats{}, fmt.Errorf("list feeds: %w", err)
	}

	stats := ReloadStats{Feeds: len(feeds)}
	for _, f := range feeds {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		created, err := s.Scheduler.ScheduleRecurring(ctx, f.CheckJob(), f.IntervalMinutes, false)
		switch {
		case err != nil:
			stats.Failed++
			s.logger().Warn("failed to schedule feed on reload",
				slog.String("feed_id", f.ID),
				slog.Any("error", err))
		case created:
			stats.Scheduled++
		default:
			stats.Existing++
		}
	}

	s.logger().Info("feeds reloaded",
		slog.Int("feeds", stats.Feeds),
		slog.Int("scheduled", stats.Scheduled),
		slog.Int("existing", stats.Existing),
		slog.Int("failed", stats.Failed))
	return stats, nil
}

// Get returns a registered feed.
func (s *Service) Get(ctx context.Context, id string) (*entity.Feed, error) {
	return s.get(ctx, id)
}

func (s *Service) get(ctx context.Context, id string) (*entity.Feed, error) {
	f, err := s.Feeds.Get(ctx, id)
	if errors.Is(err, entity.ErrNotFound) {
		return nil, ErrFeedNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get feed: %w", err)
	}
	return f, nil
}
