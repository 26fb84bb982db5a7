package repository

import (
	"context"
	"time"

	"feed-relay/internal/domain/entity"
)

// FeedRepository is the feed registry and the cursor store.
// Get fails with entity.ErrNotFound when the feed does not exist.
type FeedRepository interface {
	Get(ctx context.Context, id string) (*entity.Feed, error)
	List(ctx context.Context) ([]*entity.Feed, error)
	ListIDs(ctx context.Context) (map[string]struct{}, error)
	Exists(ctx context.Context, id string) (bool, error)
	Create(ctx context.Context, feed *entity.Feed) error
	Delete(ctx context.Context, id string) error

	GetCursor(ctx context.Context, id string) (*string, error)
	// SetCursor persists the cursor; changed marks that the top item moved.
	SetCursor(ctx context.Context, id, cursor string, changed bool, at time.Time) error
	ClearCursor(ctx context.Context, id string) error
	// ListStale returns feeds whose cursor has not moved since before cutoff.
	ListStale(ctx context.Context, cutoff time.Time) ([]*entity.Feed, error)

	RecordCheckSuccess(ctx context.Context, id string, at time.Time) error
	RecordCheckFailure(ctx context.Context, id string, failures int, nextCheckAfter time.Time) error
	SetForceProcessAll(ctx context.Context, id string, force bool) error
}
