package check

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feed-relay/internal/domain/entity"
	"feed-relay/internal/infra/adapter/persistence/sqldb"
	"feed-relay/internal/infra/db"
	"feed-relay/internal/pkg/clock"
	"feed-relay/internal/repository"
	"feed-relay/internal/resilience/circuitbreaker"
	"feed-relay/internal/resilience/retry"
	"feed-relay/internal/usecase/delivery"
	"feed-relay/internal/usecase/detect"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeFetcher struct {
	mu      sync.Mutex
	items   []entity.Item
	err     error
	calls   int
	onFetch func()
}

func (f *fakeFetcher) Fetch(_ context.Context, _ string) ([]entity.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.onFetch != nil {
		f.onFetch()
	}
	return f.items, f.err
}

type fakeSender struct {
	mu   sync.Mutex
	sent []delivery.OutboundMessage
	err  error
}

func (s *fakeSender) Send(_ context.Context, msg delivery.OutboundMessage) (delivery.SendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return delivery.SendResult{}, s.err
	}
	s.sent = append(s.sent, msg)
	return delivery.SendResult{Delivered: true, MessageID: fmt.Sprint(len(s.sent))}, nil
}

type fakeScheduler struct {
	jobs   []entity.FeedCheckJob
	delays []time.Duration
}

func (s *fakeScheduler) ScheduleCheck(_ context.Context, job entity.FeedCheckJob, delay time.Duration) (*entity.Job, error) {
	s.jobs = append(s.jobs, job)
	s.delays = append(s.delays, delay)
	return &entity.Job{ID: "retry"}, nil
}

type harness struct {
	clk       *clock.Fake
	feeds     repository.FeedRepository
	fetcher   *fakeFetcher
	sender    *fakeSender
	scheduler *fakeScheduler
	breaker   *circuitbreaker.DomainBreaker
	proc      *Processor
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	cfg := db.DefaultConnectionConfig()
	cfg.Driver = db.DriverSQLite
	cfg.DSN = ":memory:"
	conn, err := db.Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, db.MigrateUp(conn.DB, db.DriverSQLite))

	h := &harness{
		clk:       clock.NewFake(testNow),
		feeds:     sqldb.NewFeedRepo(conn),
		fetcher:   &fakeFetcher{},
		sender:    &fakeSender{},
		scheduler: &fakeScheduler{},
	}
	h.breaker = circuitbreaker.NewDomainBreaker(circuitbreaker.DefaultDomainConfig("feed-fetch"), h.clk, nil)

	checkCfg := DefaultConfig()
	checkCfg.FetchRetry.MaxAttempts = 1
	h.proc = NewProcessor(checkCfg, Deps{
		Feeds:     h.feeds,
		Fetcher:   h.fetcher,
		Detector:  detect.New(detect.DefaultConfig(), h.clk, nil),
		Breaker:   h.breaker,
		Sender:    h.sender,
		Scheduler: h.scheduler,
		Clock:     h.clk,
	})
	return h
}

func (h *harness) addFeed(t *testing.T, id string) *entity.Feed {
	t.Helper()
	feed := &entity.Feed{
		ID:              id,
		ChatID:          "chat-1",
		URL:             "https://example.com/" + id + ".xml",
		Title:           "Example",
		IntervalMinutes: 10,
		CreatedAt:       testNow,
	}
	require.NoError(t, h.feeds.Create(context.Background(), feed))
	return feed
}

func (h *harness) reload(t *testing.T, id string) *entity.Feed {
	t.Helper()
	feed, err := h.feeds.Get(context.Background(), id)
	require.NoError(t, err)
	return feed
}

func items(ids ...string) []entity.Item {
	out := make([]entity.Item, len(ids))
	for i, id := range ids {
		out[i] = entity.Item{ID: id, Title: "Title " + id, Link: "https://example.com/" + id}
	}
	return out
}

func TestCheck_FirstCheckEstablishesCursorOnly(t *testing.T) {
	h := newHarness(t)
	feed := h.addFeed(t, "feed-1")
	h.fetcher.items = items("item3", "item2", "item1")

	res, err := h.proc.Check(context.Background(), feed.CheckJob())

	require.NoError(t, err)
	assert.Equal(t, detect.OutcomeFirstCheck, res.Outcome)
	assert.Empty(t, h.sender.sent)
	stored := h.reload(t, "feed-1")
	assert.Equal(t, "item3", stored.Cursor())
	require.NotNil(t, stored.LastCheckedAt)
	assert.Equal(t, testNow, *stored.LastCheckedAt)
}

func TestCheck_DeliversNewItemsOldestFirst(t *testing.T) {
	h := newHarness(t)
	feed := h.addFeed(t, "feed-1")
	ctx := context.Background()
	require.NoError(t, h.feeds.SetCursor(ctx, "feed-1", "item42", true, testNow.Add(-time.Hour)))
	h.fetcher.items = items("item45", "item44", "item43", "item42", "item41")

	res, err := h.proc.Check(ctx, feed.CheckJob())

	require.NoError(t, err)
	assert.Equal(t, detect.OutcomeNewItems, res.Outcome)
	assert.Equal(t, 3, res.NewItems)
	assert.Equal(t, 3, res.Delivered)
	require.Len(t, h.sender.sent, 3)
	assert.Contains(t, h.sender.sent[0].Content, "Title item43")
	assert.Contains(t, h.sender.sent[2].Content, "Title item45")
	assert.Equal(t, "chat-1", h.sender.sent[0].Destination)
	assert.Equal(t, delivery.KindContent, h.sender.sent[0].Kind)

	stored := h.reload(t, "feed-1")
	assert.Equal(t, "item45", stored.Cursor())
	require.NotNil(t, stored.CursorChangedAt)
	assert.Equal(t, testNow, *stored.CursorChangedAt)
}

func TestCheck_UsesStoredCursorNotPayload(t *testing.T) {
	h := newHarness(t)
	feed := h.addFeed(t, "feed-1")
	ctx := context.Background()
	job := feed.CheckJob()
	old := "item1"
	job.LastItemID = &old
	require.NoError(t, h.feeds.SetCursor(ctx, "feed-1", "item3", true, testNow))
	h.fetcher.items = items("item3", "item2", "item1")

	res, err := h.proc.Check(ctx, job)

	require.NoError(t, err)
	assert.Equal(t, detect.OutcomeUnchanged, res.Outcome)
	assert.Empty(t, h.sender.sent)
}

func TestCheck_UnchangedKeepsCursorChangeTime(t *testing.T) {
	h := newHarness(t)
	feed := h.addFeed(t, "feed-1")
	ctx := context.Background()
	changedAt := testNow.Add(-3 * time.Hour)
	require.NoError(t, h.feeds.SetCursor(ctx, "feed-1", "item3", true, changedAt))
	h.fetcher.items = items("item3", "item2")

	_, err := h.proc.Check(ctx, feed.CheckJob())

	require.NoError(t, err)
	stored := h.reload(t, "feed-1")
	require.NotNil(t, stored.CursorChangedAt)
	assert.Equal(t, changedAt, *stored.CursorChangedAt)
}

func TestCheck_MissingFeedIsSkipped(t *testing.T) {
	h := newHarness(t)
	job := entity.FeedCheckJob{FeedID: "gone", ChatID: "chat-1", FeedURL: "https://example.com/gone"}

	res, err := h.proc.Check(context.Background(), job)

	require.NoError(t, err)
	assert.Equal(t, SkipFeedMissing, res.Skipped)
	assert.Equal(t, 0, h.fetcher.calls)
}

func TestCheck_TransientFailureBacksOffAndRetries(t *testing.T) {
	h := newHarness(t)
	feed := h.addFeed(t, "feed-1")
	ctx := context.Background()
	require.NoError(t, h.feeds.SetCursor(ctx, "feed-1", "item3", true, testNow))
	h.fetcher.err = &retry.HTTPError{StatusCode: 503, Message: "unavailable"}

	res, err := h.proc.Check(ctx, feed.CheckJob())

	require.Error(t, err)
	assert.True(t, res.RetryScheduled)
	require.Len(t, h.scheduler.jobs, 1)
	assert.Equal(t, 1, h.scheduler.jobs[0].FailureCount)
	assert.Equal(t, retry.FeedBackoff(1), h.scheduler.delays[0])

	stored := h.reload(t, "feed-1")
	assert.Equal(t, 1, stored.ConsecutiveFailures)
	assert.Equal(t, "item3", stored.Cursor(), "cursor untouched on fetch failure")
	require.NotNil(t, stored.NextCheckAfter)
	assert.Equal(t, testNow.Add(2*time.Minute), *stored.NextCheckAfter)

	// a recurring check inside the backoff window does nothing
	h.clk.Advance(time.Minute)
	res, err = h.proc.Check(ctx, feed.CheckJob())
	require.NoError(t, err)
	assert.Equal(t, SkipBackoff, res.Skipped)
	assert.Equal(t, 1, h.fetcher.calls)
}

func TestCheck_ShutdownDuringFetchLeavesFeedAndDomainAlone(t *testing.T) {
	h := newHarness(t)
	feed := h.addFeed(t, "feed-1")
	for range 4 {
		h.breaker.RecordFailure("example.com")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.fetcher.onFetch = cancel
	h.fetcher.err = context.Canceled

	res, err := h.proc.Check(ctx, feed.CheckJob())

	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, res.RetryScheduled)
	assert.Empty(t, h.scheduler.jobs)

	stored := h.reload(t, "feed-1")
	assert.Equal(t, 0, stored.ConsecutiveFailures)
	assert.Nil(t, stored.NextCheckAfter)

	assert.Equal(t, circuitbreaker.StateClosed, h.breaker.State("example.com"))
	snaps := h.breaker.Snapshot()
	require.Len(t, snaps, 1)
	assert.Equal(t, 4, snaps[0].ConsecutiveFailures)
}

func TestCheck_SuccessResetsFailures(t *testing.T) {
	h := newHarness(t)
	feed := h.addFeed(t, "feed-1")
	ctx := context.Background()
	require.NoError(t, h.feeds.RecordCheckFailure(ctx, "feed-1", 4, testNow.Add(-time.Second)))
	h.fetcher.items = items("item1")

	_, err := h.proc.Check(ctx, feed.CheckJob())

	require.NoError(t, err)
	stored := h.reload(t, "feed-1")
	assert.Equal(t, 0, stored.ConsecutiveFailures)
	assert.Nil(t, stored.NextCheckAfter)
}

func TestCheck_RetryBudgetExhausted(t *testing.T) {
	h := newHarness(t)
	feed := h.addFeed(t, "feed-1")
	h.fetcher.err = &retry.HTTPError{StatusCode: 502, Message: "bad gateway"}
	job := feed.CheckJob()
	job.FailureCount = 3

	res, err := h.proc.Check(context.Background(), job)

	require.Error(t, err)
	assert.False(t, res.RetryScheduled)
	assert.Empty(t, h.scheduler.jobs)
}

func TestCheck_PermanentFailureIsNotRetried(t *testing.T) {
	h := newHarness(t)
	feed := h.addFeed(t, "feed-1")
	h.fetcher.err = fmt.Errorf("parse: %w", ErrUnparseable)

	res, err := h.proc.Check(context.Background(), feed.CheckJob())

	require.Error(t, err)
	assert.False(t, res.RetryScheduled)
	assert.Empty(t, h.scheduler.jobs)
	assert.Equal(t, 1, h.reload(t, "feed-1").ConsecutiveFailures, "counter still increments for backoff")
	assert.Equal(t, circuitbreaker.StateClosed, h.breaker.State("example.com"))
}

func TestCheck_AuthFailureOpensDomainCircuit(t *testing.T) {
	h := newHarness(t)
	first := h.addFeed(t, "feed-1")
	second := h.addFeed(t, "feed-2")
	h.fetcher.err = &retry.HTTPError{StatusCode: 403, Message: "forbidden"}

	_, err := h.proc.Check(context.Background(), first.CheckJob())
	require.Error(t, err)
	assert.True(t, h.breaker.IsOpen("example.com"))

	res, err := h.proc.Check(context.Background(), second.CheckJob())
	require.NoError(t, err)
	assert.Equal(t, SkipCircuitOpen, res.Skipped)
	assert.Equal(t, 1, h.fetcher.calls)
}

func TestCheck_ForceProcessAllOnFirstCheck(t *testing.T) {
	h := newHarness(t)
	feed := h.addFeed(t, "feed-1")
	ctx := context.Background()
	require.NoError(t, h.feeds.SetForceProcessAll(ctx, "feed-1", true))
	h.fetcher.items = items("item3", "item2", "item1")

	res, err := h.proc.Check(ctx, feed.CheckJob())

	require.NoError(t, err)
	assert.Equal(t, detect.OutcomeForced, res.Outcome)
	assert.Len(t, h.sender.sent, 3)
	stored := h.reload(t, "feed-1")
	assert.False(t, stored.ForceProcessAll)
	assert.Equal(t, "item3", stored.Cursor())
}

func TestCheck_DeliveryFailureStillAdvancesCursor(t *testing.T) {
	h := newHarness(t)
	feed := h.addFeed(t, "feed-1")
	ctx := context.Background()
	require.NoError(t, h.feeds.SetCursor(ctx, "feed-1", "item1", true, testNow))
	h.fetcher.items = items("item2", "item1")
	h.sender.err = delivery.ErrQueueFull

	res, err := h.proc.Check(ctx, feed.CheckJob())

	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, "item2", h.reload(t, "feed-1").Cursor())
}

func TestHandle_RejectsForeignJobs(t *testing.T) {
	h := newHarness(t)

	err := h.proc.Handle(context.Background(), &entity.Job{Name: "other", Payload: []byte(`{}`)})
	assert.True(t, errors.Is(err, ErrInvalidJob))

	err = h.proc.Handle(context.Background(), &entity.Job{Name: entity.JobNameCheckFeed, Payload: []byte(`{"feedId":""}`)})
	assert.True(t, errors.Is(err, ErrInvalidJob))
}

func TestClassifyFetchError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want delivery.ErrorClass
	}{
		{name: "unparseable", err: fmt.Errorf("x: %w", ErrUnparseable), want: delivery.ClassPermanent},
		{name: "unfetchable", err: fmt.Errorf("x: %w", ErrUnfetchable), want: delivery.ClassPermanent},
		{name: "not found", err: &retry.HTTPError{StatusCode: 404}, want: delivery.ClassPermanent},
		{name: "server error", err: &retry.HTTPError{StatusCode: 500}, want: delivery.ClassTransient},
		{name: "rate limited", err: &retry.HTTPError{StatusCode: 429}, want: delivery.ClassRateLimited},
		{name: "unauthorized", err: &retry.HTTPError{StatusCode: 401}, want: delivery.ClassAuth},
		{name: "deadline", err: context.DeadlineExceeded, want: delivery.ClassTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyFetchError(tt.err); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestFormatItem(t *testing.T) {
	feed := &entity.Feed{Title: "Go Blog"}
	got := FormatItem(feed, entity.Item{Title: " Go 1.25 ", Link: "https://go.dev/blog/go1.25"})
	assert.Equal(t, "Go Blog\nGo 1.25\nhttps://go.dev/blog/go1.25", got)

	got = FormatItem(&entity.Feed{}, entity.Item{})
	assert.Equal(t, "(untitled)", got)
}

func TestCheck_ForceProcessAllOverridesExistingCursor(t *testing.T) {
	h := newHarness(t)
	feed := h.addFeed(t, "feed-1")
	ctx := context.Background()
	require.NoError(t, h.feeds.SetCursor(ctx, "feed-1", "item3", true, testNow.Add(-48*time.Hour)))
	require.NoError(t, h.feeds.SetForceProcessAll(ctx, "feed-1", true))
	h.fetcher.items = items("item3", "item2", "item1")

	res, err := h.proc.Check(ctx, feed.CheckJob())

	require.NoError(t, err)
	assert.Equal(t, detect.OutcomeForced, res.Outcome)
	assert.Len(t, h.sender.sent, 3)
	assert.False(t, h.reload(t, "feed-1").ForceProcessAll)
}
