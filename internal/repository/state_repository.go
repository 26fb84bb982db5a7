package repository

import (
	"context"
	"time"

	"feed-relay/internal/domain/entity"
)

// ConnectionStateStore persists the outbound connection state across restarts.
// Load returns (nil, nil) when nothing was stored for the name yet.
type ConnectionStateStore interface {
	Load(ctx context.Context, name string) (*entity.ConnectionState, error)
	Save(ctx context.Context, name string, state entity.ConnectionState) error
}

// HealthMetricRepository stores append-only health metrics.
type HealthMetricRepository interface {
	Insert(ctx context.Context, metrics []entity.HealthMetric) error
	ListSince(ctx context.Context, service string, since time.Time) ([]entity.HealthMetric, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}
