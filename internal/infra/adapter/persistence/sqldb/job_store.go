package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"feed-relay/internal/domain/entity"
	"feed-relay/internal/infra/db"
	"feed-relay/internal/pkg/clock"
	"feed-relay/internal/repository"
)

// JobStore is the durable job store. One-shot jobs live in jobs; repeat
// schedules live in repeatable_jobs and are materialized into jobs rows by
// PromoteRepeatables.
type JobStore struct {
	db    DB
	clock clock.Clock
}

func NewJobStore(db DB, clk clock.Clock) repository.JobStore {
	return &JobStore{db: db, clock: clock.OrSystem(clk)}
}

const jobColumns = `id, name, payload, shard, priority, state, run_at, attempts, repeat_key, last_error, created_at, updated_at`

const repeatableColumns = `repeat_key, job_id, name, payload, every_ms, next_run_at, shard, priority, created_at`

type jobRow struct {
	ID        string `db:"id"`
	Name      string `db:"name"`
	Payload   string `db:"payload"`
	Shard     int    `db:"shard"`
	Priority  int    `db:"priority"`
	State     string `db:"state"`
	RunAt     int64  `db:"run_at"`
	Attempts  int    `db:"attempts"`
	RepeatKey string `db:"repeat_key"`
	LastError string `db:"last_error"`
	CreatedAt int64  `db:"created_at"`
	UpdatedAt int64  `db:"updated_at"`
}

func (r jobRow) toEntity() *entity.Job {
	return &entity.Job{
		ID:        r.ID,
		Name:      r.Name,
		Payload:   []byte(r.Payload),
		Shard:     r.Shard,
		Priority:  r.Priority,
		State:     entity.JobState(r.State),
		RunAt:     fromMillis(r.RunAt),
		Attempts:  r.Attempts,
		RepeatKey: r.RepeatKey,
		LastError: r.LastError,
		CreatedAt: fromMillis(r.CreatedAt),
		UpdatedAt: fromMillis(r.UpdatedAt),
	}
}

type repeatableRow struct {
	Key       string `db:"repeat_key"`
	JobID     string `db:"job_id"`
	Name      string `db:"name"`
	Payload   string `db:"payload"`
	EveryMs   int64  `db:"every_ms"`
	NextRunAt int64  `db:"next_run_at"`
	Shard     int    `db:"shard"`
	Priority  int    `db:"priority"`
	CreatedAt int64  `db:"created_at"`
}

func (r repeatableRow) toEntity() *entity.RepeatableJob {
	return &entity.RepeatableJob{
		Key:       r.Key,
		JobID:     r.JobID,
		Name:      r.Name,
		Payload:   []byte(r.Payload),
		Every:     time.Duration(r.EveryMs) * time.Millisecond,
		NextRunAt: fromMillis(r.NextRunAt),
		Shard:     r.Shard,
		Priority:  r.Priority,
		CreatedAt: fromMillis(r.CreatedAt),
	}
}

func (s *JobStore) AddJob(ctx context.Context, name string, payload []byte, opts entity.JobOptions) (*entity.Job, error) {
	now := s.clock.Now()
	job := &entity.Job{
		ID:        opts.JobID,
		Name:      name,
		Payload:   payload,
		Shard:     opts.Shard,
		Priority:  opts.Priority,
		State:     entity.JobWaiting,
		RunAt:     now,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if opts.Delay > 0 {
		job.State = entity.JobDelayed
		job.RunAt = now.Add(opts.Delay)
	}

	inserted, err := s.insertJob(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("AddJob: %w", err)
	}
	if !inserted {
		return nil, fmt.Errorf("AddJob: job %s: %w", job.ID, entity.ErrAlreadyExists)
	}
	return job, nil
}

func (s *JobStore) insertJob(ctx context.Context, job *entity.Job) (bool, error) {
	query := s.db.Rebind(`
INSERT INTO jobs (` + jobColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO NOTHING`)
	res, err := s.db.ExecContext(ctx, query,
		job.ID, job.Name, string(job.Payload), job.Shard, job.Priority, string(job.State),
		millis(job.RunAt), job.Attempts, job.RepeatKey, job.LastError,
		millis(job.CreatedAt), millis(job.UpdatedAt),
	)
	if err != nil {
		return false, err
	}
	n, err := affected(res)
	return n > 0, err
}

// AddRecurringJob registers a repeat schedule. The first occurrence is due
// after opts.Delay when set, otherwise after one interval. A job id holds at
// most one schedule: a second one is refused with entity.ErrAlreadyExists
// whatever its interval.
func (s *JobStore) AddRecurringJob(ctx context.Context, name string, payload []byte, every time.Duration, opts entity.JobOptions) (*entity.RepeatableJob, error) {
	if opts.JobID == "" {
		return nil, fmt.Errorf("AddRecurringJob: %w: job id is required", entity.ErrInvalidInput)
	}
	if every <= 0 {
		return nil, fmt.Errorf("AddRecurringJob: %w: interval must be positive", entity.ErrInvalidInput)
	}

	now := s.clock.Now()
	first := every
	if opts.Delay > 0 {
		first = opts.Delay
	}
	rep := &entity.RepeatableJob{
		Key:       entity.RepeatKey(name, opts.JobID, every),
		JobID:     opts.JobID,
		Name:      name,
		Payload:   payload,
		Every:     every,
		NextRunAt: now.Add(first),
		Shard:     opts.Shard,
		Priority:  opts.Priority,
		CreatedAt: now,
	}

	query := s.db.Rebind(`
INSERT INTO repeatable_jobs (` + repeatableColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT DO NOTHING`)
	res, err := s.db.ExecContext(ctx, query,
		rep.Key, rep.JobID, rep.Name, string(rep.Payload), every.Milliseconds(),
		millis(rep.NextRunAt), rep.Shard, rep.Priority, millis(rep.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("AddRecurringJob: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return nil, fmt.Errorf("AddRecurringJob: %w", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("AddRecurringJob: %s: %w", rep.JobID, entity.ErrAlreadyExists)
	}
	return rep, nil
}

// GetJob looks the id up among job occurrences first and repeat schedules
// second. A repeat schedule is reported as a delayed job due at its next run.
func (s *JobStore) GetJob(ctx context.Context, id string) (*entity.Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+jobColumns+` FROM jobs WHERE id = ? LIMIT 1`), id)
	if err == nil {
		return row.toEntity(), nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("GetJob: %w", err)
	}

	var rep repeatableRow
	err = s.db.GetContext(ctx, &rep, s.db.Rebind(`SELECT `+repeatableColumns+` FROM repeatable_jobs WHERE job_id = ? ORDER BY created_at ASC LIMIT 1`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("GetJob: %w", err)
	}
	return &entity.Job{
		ID:        rep.JobID,
		Name:      rep.Name,
		Payload:   []byte(rep.Payload),
		Shard:     rep.Shard,
		Priority:  rep.Priority,
		State:     entity.JobDelayed,
		RunAt:     fromMillis(rep.NextRunAt),
		RepeatKey: rep.Key,
		CreatedAt: fromMillis(rep.CreatedAt),
		UpdatedAt: fromMillis(rep.CreatedAt),
	}, nil
}

func (s *JobStore) GetRepeatableJobs(ctx context.Context) ([]*entity.RepeatableJob, error) {
	var rows []repeatableRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+repeatableColumns+` FROM repeatable_jobs ORDER BY next_run_at ASC, repeat_key ASC`); err != nil {
		return nil, fmt.Errorf("GetRepeatableJobs: %w", err)
	}
	out := make([]*entity.RepeatableJob, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toEntity())
	}
	return out, nil
}

// RemoveRepeatableByKey deletes a repeat schedule and its occurrences that
// have not started yet. It reports whether the schedule existed.
func (s *JobStore) RemoveRepeatableByKey(ctx context.Context, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM repeatable_jobs WHERE repeat_key = ?`), key)
	if err != nil {
		return false, fmt.Errorf("RemoveRepeatableByKey: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return false, fmt.Errorf("RemoveRepeatableByKey: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM jobs WHERE repeat_key = ? AND state IN (?, ?)`),
		key, string(entity.JobWaiting), string(entity.JobDelayed)); err != nil {
		return n > 0, fmt.Errorf("RemoveRepeatableByKey: pending occurrences: %w", err)
	}
	return n > 0, nil
}

// RemoveJob deletes the job with the given id together with any repeat
// schedule registered under that id.
func (s *JobStore) RemoveJob(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM jobs WHERE id = ?`), id)
	if err != nil {
		return false, fmt.Errorf("RemoveJob: %w", err)
	}
	jobs, err := affected(res)
	if err != nil {
		return false, fmt.Errorf("RemoveJob: %w", err)
	}

	var keys []string
	if err := s.db.SelectContext(ctx, &keys, s.db.Rebind(`SELECT repeat_key FROM repeatable_jobs WHERE job_id = ?`), id); err != nil {
		return jobs > 0, fmt.Errorf("RemoveJob: %w", err)
	}
	removed := jobs > 0
	for _, key := range keys {
		ok, err := s.RemoveRepeatableByKey(ctx, key)
		if err != nil {
			return removed, fmt.Errorf("RemoveJob: %w", err)
		}
		removed = removed || ok
	}
	return removed, nil
}

func (s *JobStore) ListJobs(ctx context.Context, states ...entity.JobState) ([]*entity.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var args []interface{}
	if len(states) > 0 {
		names := make([]string, len(states))
		for i, st := range states {
			names[i] = string(st)
		}
		var err error
		query, args, err = sqlx.In(query+` WHERE state IN (?)`, names)
		if err != nil {
			return nil, fmt.Errorf("ListJobs: %w", err)
		}
	}
	query = s.db.Rebind(query + ` ORDER BY priority ASC, run_at ASC, id ASC`)

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("ListJobs: %w", err)
	}
	out := make([]*entity.Job, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toEntity())
	}
	return out, nil
}

// ClaimNext moves the next due job of shard to active: lowest priority value
// first, then earliest run_at. PostgreSQL claims in one statement with
// SKIP LOCKED; other drivers select a candidate and claim it with a
// conditional update, retrying when another claimer won the race.
func (s *JobStore) ClaimNext(ctx context.Context, shard int, now time.Time) (*entity.Job, error) {
	if s.db.DriverName() == db.DriverPostgres {
		return s.claimNextLocked(ctx, shard, now)
	}

	const attempts = 3
	for i := 0; i < attempts; i++ {
		var row jobRow
		err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+jobColumns+` FROM jobs
WHERE shard = ? AND state IN (?, ?) AND run_at <= ?
ORDER BY priority ASC, run_at ASC, created_at ASC
LIMIT 1`), shard, string(entity.JobWaiting), string(entity.JobDelayed), millis(now))
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("ClaimNext: %w", err)
		}

		res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE jobs
SET state = ?, attempts = attempts + 1, updated_at = ?
WHERE id = ? AND state IN (?, ?)`),
			string(entity.JobActive), millis(now), row.ID, string(entity.JobWaiting), string(entity.JobDelayed))
		if err != nil {
			return nil, fmt.Errorf("ClaimNext: %w", err)
		}
		n, err := affected(res)
		if err != nil {
			return nil, fmt.Errorf("ClaimNext: %w", err)
		}
		if n == 0 {
			continue
		}

		row.State = string(entity.JobActive)
		row.Attempts++
		row.UpdatedAt = millis(now)
		return row.toEntity(), nil
	}
	return nil, nil
}

func (s *JobStore) claimNextLocked(ctx context.Context, shard int, now time.Time) (*entity.Job, error) {
	query := s.db.Rebind(`UPDATE jobs
SET state = ?, attempts = attempts + 1, updated_at = ?
WHERE id = (
    SELECT id FROM jobs
    WHERE shard = ? AND state IN (?, ?) AND run_at <= ?
    ORDER BY priority ASC, run_at ASC, created_at ASC
    LIMIT 1
    FOR UPDATE SKIP LOCKED
)
RETURNING ` + jobColumns)
	var row jobRow
	err := s.db.GetContext(ctx, &row, query,
		string(entity.JobActive), millis(now),
		shard, string(entity.JobWaiting), string(entity.JobDelayed), millis(now))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ClaimNext: %w", err)
	}
	return row.toEntity(), nil
}

// Complete marks the job completed. A job removed while it ran is ignored.
func (s *JobStore) Complete(ctx context.Context, id string, now time.Time) error {
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE jobs SET state = ?, last_error = '', updated_at = ? WHERE id = ?`),
		string(entity.JobCompleted), millis(now), id); err != nil {
		return fmt.Errorf("Complete: %w", err)
	}
	return nil
}

// Fail marks the job failed with reason. A job removed while it ran is ignored.
func (s *JobStore) Fail(ctx context.Context, id string, reason string, now time.Time) error {
	if len(reason) > 1000 {
		reason = reason[:1000]
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE jobs SET state = ?, last_error = ?, updated_at = ? WHERE id = ?`),
		string(entity.JobFailed), reason, millis(now), id); err != nil {
		return fmt.Errorf("Fail: %w", err)
	}
	return nil
}

// PromoteRepeatables turns every due repeat schedule into a waiting job and
// advances the schedule. A schedule that still has an occurrence waiting is
// advanced without adding another one, and runs missed during downtime
// collapse into a single occurrence.
func (s *JobStore) PromoteRepeatables(ctx context.Context, now time.Time) (int, error) {
	var due []repeatableRow
	if err := s.db.SelectContext(ctx, &due, s.db.Rebind(`SELECT `+repeatableColumns+` FROM repeatable_jobs
WHERE next_run_at <= ? ORDER BY next_run_at ASC`), millis(now)); err != nil {
		return 0, fmt.Errorf("PromoteRepeatables: %w", err)
	}

	promoted := 0
	for _, rep := range due {
		every := time.Duration(rep.EveryMs) * time.Millisecond
		runAt := fromMillis(rep.NextRunAt)
		next := runAt.Add(every)
		if !next.After(now) {
			next = now.Add(every)
		}

		// advance first; losing this race means another promoter owns the run
		res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE repeatable_jobs SET next_run_at = ?
WHERE repeat_key = ? AND next_run_at = ?`), millis(next), rep.Key, rep.NextRunAt)
		if err != nil {
			return promoted, fmt.Errorf("PromoteRepeatables: %w", err)
		}
		if n, err := affected(res); err != nil || n == 0 {
			continue
		}

		var pending int
		if err := s.db.GetContext(ctx, &pending, s.db.Rebind(`SELECT COUNT(1) FROM jobs
WHERE repeat_key = ? AND state IN (?, ?)`), rep.Key, string(entity.JobWaiting), string(entity.JobDelayed)); err != nil {
			return promoted, fmt.Errorf("PromoteRepeatables: %w", err)
		}
		if pending > 0 {
			slog.Debug("repeatable still has a pending occurrence",
				slog.String("job_id", rep.JobID))
			continue
		}

		inserted, err := s.insertJob(ctx, &entity.Job{
			ID:        entity.OccurrenceID(rep.JobID, runAt),
			Name:      rep.Name,
			Payload:   []byte(rep.Payload),
			Shard:     rep.Shard,
			Priority:  rep.Priority,
			State:     entity.JobWaiting,
			RunAt:     runAt,
			RepeatKey: rep.Key,
			CreatedAt: now,
			UpdatedAt: now,
		})
		if err != nil {
			return promoted, fmt.Errorf("PromoteRepeatables: %w", err)
		}
		if inserted {
			promoted++
		}
	}
	return promoted, nil
}

// RequeueStale returns jobs left active since before cutoff, e.g. by a
// crashed worker, to the waiting state.
func (s *JobStore) RequeueStale(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE jobs SET state = ?, updated_at = ?
WHERE state = ? AND updated_at < ?`),
		string(entity.JobWaiting), millis(s.clock.Now()), string(entity.JobActive), millis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("RequeueStale: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return 0, fmt.Errorf("RequeueStale: %w", err)
	}
	return int(n), nil
}

func (s *JobStore) PruneFinished(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM jobs WHERE state IN (?, ?) AND updated_at < ?`),
		string(entity.JobCompleted), string(entity.JobFailed), millis(before))
	if err != nil {
		return 0, fmt.Errorf("PruneFinished: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return 0, fmt.Errorf("PruneFinished: %w", err)
	}
	return int(n), nil
}
