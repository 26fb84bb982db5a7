// Package check runs one feed check end to end: fetch guarded by the
// domain breaker, change detection against the stored cursor, delivery of
// new items and per-feed failure backoff.
package check

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"feed-relay/internal/domain/entity"
	"feed-relay/internal/observability/tracing"
	"feed-relay/internal/pkg/clock"
	"feed-relay/internal/pkg/domainkey"
	"feed-relay/internal/repository"
	"feed-relay/internal/resilience/circuitbreaker"
	"feed-relay/internal/resilience/retry"
	"feed-relay/internal/usecase/delivery"
	"feed-relay/internal/usecase/detect"
)

// Fetcher retrieves the items of a feed, newest first where the source
// orders them.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]entity.Item, error)
}

// Sender hands a message to delivery. *delivery.Dispatcher implements it.
type Sender interface {
	Send(ctx context.Context, msg delivery.OutboundMessage) (delivery.SendResult, error)
}

// RetryScheduler places one-shot retry checks. *schedule.Scheduler
// implements it.
type RetryScheduler interface {
	ScheduleCheck(ctx context.Context, job entity.FeedCheckJob, delay time.Duration) (*entity.Job, error)
}

// Skip reasons reported in Result.Skipped.
const (
	SkipFeedMissing = "feed_missing"
	SkipBackoff     = "backoff"
	SkipCircuitOpen = "circuit_open"
)

// Config holds check timeouts and the retry budget.
type Config struct {
	FetchTimeout time.Duration
	// MaxRetryChecks bounds the one-shot retries scheduled after transient
	// fetch failures.
	MaxRetryChecks int
	// FetchRetry controls in-call retries of a single fetch.
	FetchRetry retry.Config
}

// DefaultConfig returns a 30s fetch timeout and three retry checks.
func DefaultConfig() Config {
	return Config{
		FetchTimeout:   30 * time.Second,
		MaxRetryChecks: 3,
		FetchRetry:     retry.FeedFetchConfig(),
	}
}

// Result summarizes one check.
type Result struct {
	FeedID         string
	Skipped        string
	Outcome        detect.Outcome
	NewItems       int
	Delivered      int
	Queued         int
	Failed         int
	RetryScheduled bool
}

// Processor runs feed checks. It is safe for concurrent use across feeds;
// the worker pool guarantees one feed is never checked concurrently.
type Processor struct {
	cfg       Config
	feeds     repository.FeedRepository
	fetcher   Fetcher
	detector  *detect.Detector
	breaker   *circuitbreaker.DomainBreaker
	sender    Sender
	scheduler RetryScheduler
	sink      delivery.MetricSink
	clock     clock.Clock
	logger    *slog.Logger
}

// Deps are the collaborators of a Processor. Sink and Scheduler are optional.
type Deps struct {
	Feeds     repository.FeedRepository
	Fetcher   Fetcher
	Detector  *detect.Detector
	Breaker   *circuitbreaker.DomainBreaker
	Sender    Sender
	Scheduler RetryScheduler
	Sink      delivery.MetricSink
	Clock     clock.Clock
	Logger    *slog.Logger
}

// NewProcessor creates a Processor.
func NewProcessor(cfg Config, deps Deps) *Processor {
	def := DefaultConfig()
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = def.FetchTimeout
	}
	if cfg.MaxRetryChecks < 0 {
		cfg.MaxRetryChecks = 0
	}
	if cfg.FetchRetry.MaxAttempts == 0 {
		cfg.FetchRetry = def.FetchRetry
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := clock.OrSystem(deps.Clock)
	detector := deps.Detector
	if detector == nil {
		detector = detect.New(detect.DefaultConfig(), clk, logger)
	}
	breaker := deps.Breaker
	if breaker == nil {
		breaker = circuitbreaker.NewDomainBreaker(circuitbreaker.DefaultDomainConfig("feed-fetch"), clk, logger)
	}
	return &Processor{
		cfg:       cfg,
		feeds:     deps.Feeds,
		fetcher:   deps.Fetcher,
		detector:  detector,
		breaker:   breaker,
		sender:    deps.Sender,
		scheduler: deps.Scheduler,
		sink:      deps.Sink,
		clock:     clk,
		logger:    logger,
	}
}

// Handle decodes a check-feed job and runs the check. It satisfies the
// worker pool's handler contract: a returned error marks the job failed.
func (p *Processor) Handle(ctx context.Context, job *entity.Job) error {
	if job.Name != entity.JobNameCheckFeed {
		return fmt.Errorf("%w: unexpected job name %q", ErrInvalidJob, job.Name)
	}
	payload, err := entity.DecodeFeedCheckJob(job.Payload)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidJob, err)
	}
	_, err = p.Check(ctx, payload)
	return err
}

// Check runs one check of the feed named by job. The cursor is read from
// the feed registry, never from the payload, since the payload of a
// recurring job is frozen at scheduling time.
//
// Fetch failures are returned after backoff bookkeeping. Delivery
// failures are not: undelivered messages are queued or counted lost by
// the delivery layer and the cursor still advances.
func (p *Processor) Check(ctx context.Context, job entity.FeedCheckJob) (Result, error) {
	start := time.Now()
	defer func() { checkDuration.Observe(time.Since(start).Seconds()) }()

	ctx, span := tracing.GetTracer().Start(ctx, "check.feed")
	defer span.End()
	span.SetAttributes(
		attribute.String("feed.id", job.FeedID),
		attribute.Int("feed.failure_count", job.FailureCount),
	)

	res := Result{FeedID: job.FeedID}
	now := p.clock.Now()

	feed, err := p.feeds.Get(ctx, job.FeedID)
	if errors.Is(err, entity.ErrNotFound) {
		// the recurring job outlived its feed; reconcile removes it
		res.Skipped = SkipFeedMissing
		checksTotal.WithLabelValues("skipped_" + SkipFeedMissing).Inc()
		p.logger.Warn("check skipped, feed no longer registered", slog.String("feed_id", job.FeedID))
		return res, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load feed")
		return res, fmt.Errorf("load feed %s: %w", job.FeedID, err)
	}

	if feed.InBackoff(now) {
		res.Skipped = SkipBackoff
		checksTotal.WithLabelValues("skipped_" + SkipBackoff).Inc()
		p.logger.Debug("check skipped, feed in backoff",
			slog.String("feed_id", feed.ID),
			slog.Time("next_check_after", *feed.NextCheckAfter))
		return res, nil
	}

	domain := domainkey.FromURL(feed.URL)
	span.SetAttributes(attribute.String("feed.domain", domain))
	if !p.breaker.CanExecute(domain) {
		res.Skipped = SkipCircuitOpen
		checksTotal.WithLabelValues("skipped_" + SkipCircuitOpen).Inc()
		p.logger.Info("check skipped, domain circuit open",
			slog.String("feed_id", feed.ID),
			slog.String("domain", domain))
		return res, nil
	}

	items, err := p.fetch(ctx, feed.URL)
	if err != nil {
		class := p.recordFetchFailure(ctx, domain, err)
		if class != delivery.ClassCanceled {
			res.RetryScheduled = p.handleFetchFailure(ctx, feed, job, class, err)
		}
		checksTotal.WithLabelValues("fetch_" + string(class)).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		return res, fmt.Errorf("fetch feed %s: %w", feed.ID, err)
	}
	p.breaker.RecordSuccess(domain)

	cursor := feed.Cursor()
	if feed.ForceProcessAll {
		// a manual force re-establishes the cursor from scratch
		cursor = ""
	}
	detected := p.detector.Detect(detect.Input{
		FeedID:          feed.ID,
		Items:           items,
		Cursor:          cursor,
		ForceProcessAll: feed.ForceProcessAll,
	})
	res.Outcome = detected.Outcome
	res.NewItems = len(detected.NewItems)
	span.SetAttributes(
		attribute.String("check.outcome", string(detected.Outcome)),
		attribute.Int("check.new_items", len(detected.NewItems)),
	)

	// oldest first, so the chat reads in publication order
	for i := len(detected.NewItems) - 1; i >= 0; i-- {
		p.dispatch(ctx, feed, detected.NewItems[i], &res)
	}

	p.commit(ctx, feed, detected, now)
	checksTotal.WithLabelValues(string(detected.Outcome)).Inc()

	p.logger.Info("feed checked",
		slog.String("feed_id", feed.ID),
		slog.String("outcome", string(detected.Outcome)),
		slog.Int("fetched", len(items)),
		slog.Int("new_items", res.NewItems),
		slog.Int("delivered", res.Delivered),
		slog.Int("queued", res.Queued),
		slog.Int("failed", res.Failed),
		slog.Duration("duration", time.Since(start)))
	return res, nil
}

func (p *Processor) fetch(ctx context.Context, url string) ([]entity.Item, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
	defer cancel()

	start := time.Now()
	var items []entity.Item
	err := retry.WithBackoff(fetchCtx, p.cfg.FetchRetry, func() error {
		var ferr error
		items, ferr = p.fetcher.Fetch(fetchCtx, url)
		return ferr
	})
	if p.sink != nil && (err == nil || ctx.Err() == nil) {
		code := ""
		if err != nil {
			code = string(classifyFetchError(err))
		}
		p.sink.RecordCall("feed-fetch", "fetch", err == nil, time.Since(start), code)
	}
	return items, err
}

// recordFetchFailure feeds the failure into the domain breaker. A fetch cut
// short by ctx ending is ClassCanceled and only releases the probe slot.
func (p *Processor) recordFetchFailure(ctx context.Context, domain string, err error) delivery.ErrorClass {
	if ctx.Err() != nil {
		p.breaker.Release(domain)
		return delivery.ClassCanceled
	}
	class := classifyFetchError(err)
	switch class {
	case delivery.ClassAuth:
		p.breaker.RecordAuthFailure(domain)
	case delivery.ClassRateLimited:
		// the domain answered; only this feed waits
		p.breaker.Release(domain)
	case delivery.ClassPermanent:
		// a missing or broken feed says nothing about the domain
		p.breaker.RecordSuccess(domain)
	default:
		p.breaker.RecordFailure(domain)
	}
	return class
}

// handleFetchFailure persists the per-feed backoff and, for retryable
// classes, schedules a one-shot retry check at the end of the backoff.
// It reports whether a retry was scheduled.
func (p *Processor) handleFetchFailure(ctx context.Context, feed *entity.Feed, job entity.FeedCheckJob, class delivery.ErrorClass, cause error) bool {
	failures := feed.ConsecutiveFailures + 1
	delay := retry.FeedBackoff(failures)
	if wait, ok := delivery.RetryAfter(cause); ok && wait > delay {
		delay = wait
	}
	next := p.clock.Now().Add(delay)

	if err := p.feeds.RecordCheckFailure(ctx, feed.ID, failures, next); err != nil {
		p.logger.Error("failed to record check failure",
			slog.String("feed_id", feed.ID),
			slog.Any("error", err))
	}
	p.logger.Warn("feed fetch failed",
		slog.String("feed_id", feed.ID),
		slog.String("class", string(class)),
		slog.Int("consecutive_failures", failures),
		slog.Time("next_check_after", next),
		slog.Any("error", cause))

	if class != delivery.ClassTransient && class != delivery.ClassRateLimited {
		return false
	}
	if p.scheduler == nil || job.FailureCount >= p.cfg.MaxRetryChecks {
		return false
	}

	retryJob := feed.CheckJob()
	retryJob.FailureCount = job.FailureCount + 1
	if _, err := p.scheduler.ScheduleCheck(ctx, retryJob, delay); err != nil {
		p.logger.Error("failed to schedule retry check",
			slog.String("feed_id", feed.ID),
			slog.Any("error", err))
		return false
	}
	retryChecksTotal.Inc()
	return true
}

func (p *Processor) dispatch(ctx context.Context, feed *entity.Feed, item entity.Item, res *Result) {
	sent, err := p.sender.Send(ctx, delivery.OutboundMessage{
		Destination: feed.ChatID,
		Content:     FormatItem(feed, item),
		Kind:        delivery.KindContent,
	})
	switch {
	case err != nil:
		res.Failed++
		itemsDispatchedTotal.WithLabelValues("failed").Inc()
		p.logger.Warn("item not delivered",
			slog.String("feed_id", feed.ID),
			slog.String("item_id", item.ID),
			slog.Any("error", err))
	case sent.Delivered:
		res.Delivered++
		itemsDispatchedTotal.WithLabelValues("delivered").Inc()
	default:
		res.Queued++
		itemsDispatchedTotal.WithLabelValues("queued").Inc()
	}
}

// commit persists the detector's cursor and the check bookkeeping.
// Store errors are logged: the next check recomputes from what was saved.
func (p *Processor) commit(ctx context.Context, feed *entity.Feed, detected detect.Result, now time.Time) {
	if detected.Outcome != detect.OutcomeEmpty && detected.Cursor != "" {
		if err := p.feeds.SetCursor(ctx, feed.ID, detected.Cursor, detected.CursorChanged, now); err != nil {
			p.logger.Error("failed to persist cursor",
				slog.String("feed_id", feed.ID),
				slog.String("cursor", detected.Cursor),
				slog.Any("error", err))
		}
	}
	if err := p.feeds.RecordCheckSuccess(ctx, feed.ID, now); err != nil {
		p.logger.Error("failed to record check success",
			slog.String("feed_id", feed.ID),
			slog.Any("error", err))
	}
	if feed.ForceProcessAll && detected.Outcome == detect.OutcomeForced {
		if err := p.feeds.SetForceProcessAll(ctx, feed.ID, false); err != nil {
			p.logger.Error("failed to clear force-process-all",
				slog.String("feed_id", feed.ID),
				slog.Any("error", err))
		}
	}
}

// FormatItem renders an item as a plain-text chat message.
func FormatItem(feed *entity.Feed, item entity.Item) string {
	var b strings.Builder
	if feed.Title != "" {
		b.WriteString(feed.Title)
		b.WriteString("\n")
	}
	title := strings.TrimSpace(item.Title)
	if title == "" {
		title = "(untitled)"
	}
	b.WriteString(title)
	if item.Link != "" {
		b.WriteString("\n")
		b.WriteString(item.Link)
	}
	return b.String()
}
