package sqldb

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feed-relay/internal/domain/entity"
	"feed-relay/internal/pkg/clock"
	"feed-relay/internal/repository"
)

func newTestJobStore(t *testing.T) (repository.JobStore, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(testEpoch)
	return NewJobStore(newTestDB(t), clk), clk
}

func TestJobStore_AddJobAndGet(t *testing.T) {
	store, clk := newTestJobStore(t)
	ctx := context.Background()

	job, err := store.AddJob(ctx, entity.JobNameCheckFeed, []byte(`{"feedId":"f1"}`), entity.JobOptions{
		JobID: "one-shot", Delay: time.Minute, Priority: 5, Shard: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, entity.JobDelayed, job.State)
	assert.Equal(t, clk.Now().Add(time.Minute), job.RunAt)

	got, err := store.GetJob(ctx, "one-shot")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 5, got.Priority)
	assert.Equal(t, 2, got.Shard)
	assert.Equal(t, `{"feedId":"f1"}`, string(got.Payload))
}

func TestJobStore_AddJobGeneratesID(t *testing.T) {
	store, _ := newTestJobStore(t)

	job, err := store.AddJob(context.Background(), "n", []byte(`{}`), entity.JobOptions{})

	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, entity.JobWaiting, job.State)
}

func TestJobStore_AddJobDuplicate(t *testing.T) {
	store, _ := newTestJobStore(t)
	ctx := context.Background()
	_, err := store.AddJob(ctx, "n", []byte(`{}`), entity.JobOptions{JobID: "dup"})
	require.NoError(t, err)

	_, err = store.AddJob(ctx, "n", []byte(`{}`), entity.JobOptions{JobID: "dup"})

	assert.ErrorIs(t, err, entity.ErrAlreadyExists)
}

func TestJobStore_RecurringLifecycle(t *testing.T) {
	store, clk := newTestJobStore(t)
	ctx := context.Background()
	id := entity.RecurringJobID("f1")

	rep, err := store.AddRecurringJob(ctx, entity.JobNameCheckFeed, []byte(`{"feedId":"f1"}`), 10*time.Minute,
		entity.JobOptions{JobID: id, Priority: 1, Shard: 3})
	require.NoError(t, err)
	assert.Equal(t, clk.Now().Add(10*time.Minute), rep.NextRunAt)

	// GetJob resolves the schedule by its job id
	got, err := store.GetJob(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rep.Key, got.RepeatKey)

	_, err = store.AddRecurringJob(ctx, entity.JobNameCheckFeed, []byte(`{}`), 10*time.Minute, entity.JobOptions{JobID: id})
	assert.ErrorIs(t, err, entity.ErrAlreadyExists)

	reps, err := store.GetRepeatableJobs(ctx)
	require.NoError(t, err)
	require.Len(t, reps, 1)

	removed, err := store.RemoveRepeatableByKey(ctx, rep.Key)
	require.NoError(t, err)
	assert.True(t, removed)

	got, err = store.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, got)

	removed, err = store.RemoveRepeatableByKey(ctx, rep.Key)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestJobStore_AddRecurringJobOneSchedulePerID(t *testing.T) {
	store, _ := newTestJobStore(t)
	ctx := context.Background()
	id := entity.RecurringJobID("feed-1")

	// jitter gives every attempt a different interval
	_, err := store.AddRecurringJob(ctx, entity.JobNameCheckFeed, []byte(`{"feedId":"feed-1"}`), 10*time.Minute+7*time.Second,
		entity.JobOptions{JobID: id})
	require.NoError(t, err)

	_, err = store.AddRecurringJob(ctx, entity.JobNameCheckFeed, []byte(`{"feedId":"feed-1"}`), 10*time.Minute-12*time.Second,
		entity.JobOptions{JobID: id})

	assert.ErrorIs(t, err, entity.ErrAlreadyExists)
	reps, err := store.GetRepeatableJobs(ctx)
	require.NoError(t, err)
	require.Len(t, reps, 1)
	assert.Equal(t, 10*time.Minute+7*time.Second, reps[0].Every)
}

func TestJobStore_AddRecurringJobRequiresID(t *testing.T) {
	store, _ := newTestJobStore(t)

	_, err := store.AddRecurringJob(context.Background(), "n", nil, time.Minute, entity.JobOptions{})

	assert.ErrorIs(t, err, entity.ErrInvalidInput)
}

func TestJobStore_PromoteAndClaim(t *testing.T) {
	store, clk := newTestJobStore(t)
	ctx := context.Background()
	id := entity.RecurringJobID("f1")
	_, err := store.AddRecurringJob(ctx, entity.JobNameCheckFeed, []byte(`{"feedId":"f1"}`), 10*time.Minute,
		entity.JobOptions{JobID: id, Shard: 1})
	require.NoError(t, err)

	// not due yet
	n, err := store.PromoteRepeatables(ctx, clk.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	clk.Advance(10 * time.Minute)
	n, err = store.PromoteRepeatables(ctx, clk.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// other shards see nothing
	job, err := store.ClaimNext(ctx, 0, clk.Now())
	require.NoError(t, err)
	assert.Nil(t, job)

	job, err = store.ClaimNext(ctx, 1, clk.Now())
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, entity.OccurrenceID(id, clk.Now()), job.ID)
	assert.Equal(t, entity.JobActive, job.State)
	assert.Equal(t, 1, job.Attempts)

	// claimed job is not handed out twice
	again, err := store.ClaimNext(ctx, 1, clk.Now())
	require.NoError(t, err)
	assert.Nil(t, again)

	require.NoError(t, store.Complete(ctx, job.ID, clk.Now()))
	done, err := store.ListJobs(ctx, entity.JobCompleted)
	require.NoError(t, err)
	assert.Len(t, done, 1)
}

func TestJobStore_PromoteSkipsWhilePending(t *testing.T) {
	store, clk := newTestJobStore(t)
	ctx := context.Background()
	_, err := store.AddRecurringJob(ctx, "n", []byte(`{}`), time.Minute, entity.JobOptions{JobID: "r1"})
	require.NoError(t, err)

	clk.Advance(time.Minute)
	n, err := store.PromoteRepeatables(ctx, clk.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	clk.Advance(time.Minute)
	n, err = store.PromoteRepeatables(ctx, clk.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, n, "occurrence still waiting")

	pending, err := store.ListJobs(ctx, entity.PendingJobStates...)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestJobStore_PromoteCollapsesMissedRuns(t *testing.T) {
	store, clk := newTestJobStore(t)
	ctx := context.Background()
	_, err := store.AddRecurringJob(ctx, "n", []byte(`{}`), time.Minute, entity.JobOptions{JobID: "r1"})
	require.NoError(t, err)

	clk.Advance(time.Hour)
	n, err := store.PromoteRepeatables(ctx, clk.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	reps, err := store.GetRepeatableJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, clk.Now().Add(time.Minute), reps[0].NextRunAt)
}

func TestJobStore_ClaimOrdersByPriority(t *testing.T) {
	store, clk := newTestJobStore(t)
	ctx := context.Background()
	for _, tc := range []struct {
		id       string
		priority int
	}{{"default", 10}, {"social", 1}, {"aggregator", 5}} {
		_, err := store.AddJob(ctx, "n", []byte(`{}`), entity.JobOptions{JobID: tc.id, Priority: tc.priority})
		require.NoError(t, err)
	}

	var order []string
	for {
		job, err := store.ClaimNext(ctx, 0, clk.Now())
		require.NoError(t, err)
		if job == nil {
			break
		}
		order = append(order, job.ID)
	}

	assert.Equal(t, []string{"social", "aggregator", "default"}, order)
}

func TestJobStore_RemoveRepeatableDropsPendingOccurrences(t *testing.T) {
	store, clk := newTestJobStore(t)
	ctx := context.Background()
	rep, err := store.AddRecurringJob(ctx, "n", []byte(`{}`), time.Minute, entity.JobOptions{JobID: "r1"})
	require.NoError(t, err)
	clk.Advance(time.Minute)
	_, err = store.PromoteRepeatables(ctx, clk.Now())
	require.NoError(t, err)

	_, err = store.RemoveRepeatableByKey(ctx, rep.Key)
	require.NoError(t, err)

	pending, err := store.ListJobs(ctx, entity.PendingJobStates...)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestJobStore_RemoveJobRemovesSchedule(t *testing.T) {
	store, _ := newTestJobStore(t)
	ctx := context.Background()
	_, err := store.AddRecurringJob(ctx, "n", []byte(`{}`), time.Minute, entity.JobOptions{JobID: "r1"})
	require.NoError(t, err)

	removed, err := store.RemoveJob(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, removed)

	reps, err := store.GetRepeatableJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, reps)

	removed, err = store.RemoveJob(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestJobStore_FailRequeueAndPrune(t *testing.T) {
	store, clk := newTestJobStore(t)
	ctx := context.Background()
	_, err := store.AddJob(ctx, "n", []byte(`{}`), entity.JobOptions{JobID: "a"})
	require.NoError(t, err)
	_, err = store.AddJob(ctx, "n", []byte(`{}`), entity.JobOptions{JobID: "b"})
	require.NoError(t, err)

	a, err := store.ClaimNext(ctx, 0, clk.Now())
	require.NoError(t, err)
	require.NoError(t, store.Fail(ctx, a.ID, "boom", clk.Now()))

	b, err := store.ClaimNext(ctx, 0, clk.Now())
	require.NoError(t, err)
	require.NotNil(t, b)

	clk.Advance(10 * time.Minute)
	n, err := store.RequeueStale(ctx, clk.Now().Add(-5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	failed, err := store.ListJobs(ctx, entity.JobFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "boom", failed[0].LastError)

	pruned, err := store.PruneFinished(ctx, clk.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)

	all, err := store.ListJobs(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, entity.JobWaiting, all[0].State)
}

func TestJobStore_ClaimNext_PostgresUsesSkipLocked(t *testing.T) {
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = raw.Close() }()
	clk := clock.NewFake(testEpoch)
	store := NewJobStore(sqlx.NewDb(raw, "pgx"), clk)

	rows := sqlmock.NewRows([]string{"id", "name", "payload", "shard", "priority", "state", "run_at",
		"attempts", "repeat_key", "last_error", "created_at", "updated_at"}).
		AddRow("j1", "check-feed", `{}`, 2, 1, "active", testEpoch.UnixMilli(), 1, "", "",
			testEpoch.UnixMilli(), testEpoch.UnixMilli())
	mock.ExpectQuery(`UPDATE jobs\s+SET state = \$1.*FOR UPDATE SKIP LOCKED.*RETURNING`).
		WithArgs("active", testEpoch.UnixMilli(), 2, "waiting", "delayed", testEpoch.UnixMilli()).
		WillReturnRows(rows)

	job, err := store.ClaimNext(context.Background(), 2, testEpoch)

	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "j1", job.ID)
	assert.Equal(t, entity.JobActive, job.State)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStore_ClaimNext_PostgresEmpty(t *testing.T) {
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = raw.Close() }()
	store := NewJobStore(sqlx.NewDb(raw, "pgx"), clock.NewFake(testEpoch))

	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).WillReturnRows(sqlmock.NewRows([]string{"id"}))

	job, err := store.ClaimNext(context.Background(), 0, testEpoch)

	require.NoError(t, err)
	assert.Nil(t, job)
}
