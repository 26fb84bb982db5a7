package sqldb

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feed-relay/internal/domain/entity"
)

func TestConnectionStateRepo_LoadMissing(t *testing.T) {
	repo := NewConnectionStateRepo(newTestDB(t))

	state, err := repo.Load(context.Background(), "telegram")

	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestConnectionStateRepo_SaveOverwrites(t *testing.T) {
	repo := NewConnectionStateRepo(newTestDB(t))
	ctx := context.Background()
	lastOK := testEpoch.Add(-10 * time.Minute)
	next := testEpoch.Add(4 * time.Second)

	first := entity.ConnectionState{
		Status:              entity.StatusRecovering,
		LastSuccessfulCall:  &lastOK,
		ConsecutiveFailures: 1,
		CurrentRetryDelay:   time.Second,
		OutageStartedAt:     &testEpoch,
		LastError:           "timeout",
		UpdatedAt:           testEpoch,
	}
	require.NoError(t, repo.Save(ctx, "telegram", first))

	second := first
	second.Status = entity.StatusDisconnected
	second.ConsecutiveFailures = 3
	second.CurrentRetryDelay = 4 * time.Second
	second.NextRetryAt = &next
	second.TotalDowntime = 90 * time.Second
	require.NoError(t, repo.Save(ctx, "telegram", second))

	got, err := repo.Load(ctx, "telegram")
	require.NoError(t, err)
	if diff := cmp.Diff(&second, got); diff != "" {
		t.Errorf("state mismatch (-want +got):\n%s", diff)
	}
}

func TestHealthMetricRepo_InsertListPrune(t *testing.T) {
	repo := NewHealthMetricRepo(newTestDB(t))
	ctx := context.Background()

	metrics := []entity.HealthMetric{
		{Service: "telegram", MetricType: "delivery", Success: true, ResponseTimeMs: 120, Timestamp: testEpoch.Add(-8 * 24 * time.Hour)},
		{Service: "telegram", MetricType: "delivery", Success: false, ErrorCode: "429", Timestamp: testEpoch.Add(-time.Hour)},
		{Service: "feeds", MetricType: "fetch", Success: true, Timestamp: testEpoch},
	}
	require.NoError(t, repo.Insert(ctx, metrics))

	recent, err := repo.ListSince(ctx, "telegram", testEpoch.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.False(t, recent[0].Success)
	assert.Equal(t, "429", recent[0].ErrorCode)
	assert.NotEmpty(t, recent[0].ID)

	deleted, err := repo.DeleteBefore(ctx, testEpoch.Add(-7*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	all, err := repo.ListSince(ctx, "telegram", time.Time{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
