package sqldb

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/go-cmp/cmp"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feed-relay/internal/domain/entity"
)

func TestFeedRepo_CreateGet(t *testing.T) {
	repo := NewFeedRepo(newTestDB(t))
	ctx := context.Background()
	feed := testFeed("f1")

	require.NoError(t, repo.Create(ctx, feed))

	got, err := repo.Get(ctx, "f1")
	require.NoError(t, err)
	if diff := cmp.Diff(feed, got); diff != "" {
		t.Errorf("feed mismatch (-want +got):\n%s", diff)
	}
}

func TestFeedRepo_GetMissing(t *testing.T) {
	repo := NewFeedRepo(newTestDB(t))

	got, err := repo.Get(context.Background(), "missing")

	assert.ErrorIs(t, err, entity.ErrNotFound)
	assert.Nil(t, got)
}

func TestFeedRepo_CreateDuplicate(t *testing.T) {
	repo := NewFeedRepo(newTestDB(t))
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, testFeed("f1")))

	err := repo.Create(ctx, testFeed("f1"))

	assert.ErrorIs(t, err, entity.ErrAlreadyExists)
}

func TestFeedRepo_ListAndIDs(t *testing.T) {
	repo := NewFeedRepo(newTestDB(t))
	ctx := context.Background()
	for i, id := range []string{"b", "a", "c"} {
		f := testFeed(id)
		f.CreatedAt = testEpoch.Add(time.Duration(i) * time.Minute)
		require.NoError(t, repo.Create(ctx, f))
	}

	feeds, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, feeds, 3)
	assert.Equal(t, "b", feeds[0].ID)
	assert.Equal(t, "c", feeds[2].ID)

	ids, err := repo.ListIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]struct{}{"a": {}, "b": {}, "c": {}}, ids)

	exists, err := repo.Exists(ctx, "a")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = repo.Exists(ctx, "zzz")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestFeedRepo_Delete(t *testing.T) {
	repo := NewFeedRepo(newTestDB(t))
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, testFeed("f1")))

	require.NoError(t, repo.Delete(ctx, "f1"))
	assert.ErrorIs(t, repo.Delete(ctx, "f1"), entity.ErrNotFound)
}

func TestFeedRepo_CursorLifecycle(t *testing.T) {
	repo := NewFeedRepo(newTestDB(t))
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, testFeed("f1")))

	// Arrange: first cursor establishes cursor_changed_at
	require.NoError(t, repo.SetCursor(ctx, "f1", "item1", true, testEpoch))

	// Act: same top item later does not move cursor_changed_at
	later := testEpoch.Add(3 * time.Hour)
	require.NoError(t, repo.SetCursor(ctx, "f1", "item1", false, later))

	// Assert
	feed, err := repo.Get(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, "item1", feed.Cursor())
	assert.Equal(t, testEpoch, *feed.CursorChangedAt)
	assert.Equal(t, later, *feed.LastCheckedAt)

	cursor, err := repo.GetCursor(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, strPtr("item1"), cursor)

	require.NoError(t, repo.ClearCursor(ctx, "f1"))
	cursor, err = repo.GetCursor(ctx, "f1")
	require.NoError(t, err)
	assert.Nil(t, cursor)
}

func TestFeedRepo_SetCursorUnchangedStartsClockWhenUnset(t *testing.T) {
	repo := NewFeedRepo(newTestDB(t))
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, testFeed("f1")))

	require.NoError(t, repo.SetCursor(ctx, "f1", "item1", false, testEpoch))

	feed, err := repo.Get(ctx, "f1")
	require.NoError(t, err)
	require.NotNil(t, feed.CursorChangedAt)
	assert.Equal(t, testEpoch, *feed.CursorChangedAt)
}

func TestFeedRepo_SetCursorMissingFeed(t *testing.T) {
	repo := NewFeedRepo(newTestDB(t))

	err := repo.SetCursor(context.Background(), "ghost", "x", true, testEpoch)

	assert.ErrorIs(t, err, entity.ErrNotFound)
}

func TestFeedRepo_ListStale(t *testing.T) {
	repo := NewFeedRepo(newTestDB(t))
	ctx := context.Background()
	for _, id := range []string{"old", "fresh", "nocursor"} {
		require.NoError(t, repo.Create(ctx, testFeed(id)))
	}
	require.NoError(t, repo.SetCursor(ctx, "old", "i1", true, testEpoch.Add(-48*time.Hour)))
	require.NoError(t, repo.SetCursor(ctx, "fresh", "i2", true, testEpoch.Add(-time.Hour)))

	stale, err := repo.ListStale(ctx, testEpoch.Add(-24*time.Hour))

	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "old", stale[0].ID)
}

func TestFeedRepo_FailureBackoffAndForce(t *testing.T) {
	repo := NewFeedRepo(newTestDB(t))
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, testFeed("f1")))

	next := testEpoch.Add(4 * time.Minute)
	require.NoError(t, repo.RecordCheckFailure(ctx, "f1", 2, next))
	require.NoError(t, repo.SetForceProcessAll(ctx, "f1", true))

	feed, err := repo.Get(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, 2, feed.ConsecutiveFailures)
	assert.Equal(t, next, *feed.NextCheckAfter)
	assert.True(t, feed.ForceProcessAll)
	assert.True(t, feed.InBackoff(testEpoch))

	require.NoError(t, repo.RecordCheckSuccess(ctx, "f1", testEpoch.Add(5*time.Minute)))
	feed, err = repo.Get(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, 0, feed.ConsecutiveFailures)
	assert.Nil(t, feed.NextCheckAfter)
}

func TestFeedRepo_Get_PostgresBinding(t *testing.T) {
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = raw.Close() }()
	repo := NewFeedRepo(sqlx.NewDb(raw, "pgx"))

	mock.ExpectQuery(`SELECT .* FROM feeds WHERE id = \$1 LIMIT 1`).
		WithArgs("f1").
		WillReturnError(errors.New("db down"))

	_, err = repo.Get(context.Background(), "f1")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "Get:")
	assert.NoError(t, mock.ExpectationsWereMet())
}
