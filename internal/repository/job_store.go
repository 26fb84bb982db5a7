package repository

import (
	"context"
	"time"

	"feed-relay/internal/domain/entity"
)

// JobStore is the durable job store shared by the scheduler and the worker pool.
type JobStore interface {
	// AddJob inserts a one-shot job. A job whose id already exists is left
	// untouched and reported with entity.ErrAlreadyExists.
	AddJob(ctx context.Context, name string, payload []byte, opts entity.JobOptions) (*entity.Job, error)
	// AddRecurringJob registers a repeat schedule keyed by opts.JobID.
	AddRecurringJob(ctx context.Context, name string, payload []byte, every time.Duration, opts entity.JobOptions) (*entity.RepeatableJob, error)
	// GetJob returns the job or its repeat schedule; nil, nil when neither exists.
	GetJob(ctx context.Context, id string) (*entity.Job, error)
	GetRepeatableJobs(ctx context.Context) ([]*entity.RepeatableJob, error)
	RemoveRepeatableByKey(ctx context.Context, key string) (bool, error)
	RemoveJob(ctx context.Context, id string) (bool, error)
	ListJobs(ctx context.Context, states ...entity.JobState) ([]*entity.Job, error)

	// ClaimNext moves the next due job of a shard to active and returns it;
	// nil, nil when nothing is due.
	ClaimNext(ctx context.Context, shard int, now time.Time) (*entity.Job, error)
	Complete(ctx context.Context, id string, now time.Time) error
	Fail(ctx context.Context, id string, reason string, now time.Time) error

	// PromoteRepeatables materializes due repeat schedules into waiting jobs.
	PromoteRepeatables(ctx context.Context, now time.Time) (int, error)
	// RequeueStale returns jobs stuck in active since before cutoff to waiting.
	RequeueStale(ctx context.Context, cutoff time.Time) (int, error)
	PruneFinished(ctx context.Context, before time.Time) (int, error)
}
