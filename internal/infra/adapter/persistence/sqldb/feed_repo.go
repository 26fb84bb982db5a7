package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"feed-relay/internal/domain/entity"
	"feed-relay/internal/repository"
)

type FeedRepo struct{ db DB }

func NewFeedRepo(db DB) repository.FeedRepository {
	return &FeedRepo{db: db}
}

const feedColumns = `id, chat_id, url, title, interval_minutes, last_item_id, cursor_changed_at,
last_checked_at, consecutive_failures, next_check_after, force_process_all, created_at`

type feedRow struct {
	ID                  string         `db:"id"`
	ChatID              string         `db:"chat_id"`
	URL                 string         `db:"url"`
	Title               string         `db:"title"`
	IntervalMinutes     int            `db:"interval_minutes"`
	LastItemID          sql.NullString `db:"last_item_id"`
	CursorChangedAt     sql.NullInt64  `db:"cursor_changed_at"`
	LastCheckedAt       sql.NullInt64  `db:"last_checked_at"`
	ConsecutiveFailures int            `db:"consecutive_failures"`
	NextCheckAfter      sql.NullInt64  `db:"next_check_after"`
	ForceProcessAll     int64          `db:"force_process_all"`
	CreatedAt           int64          `db:"created_at"`
}

func (r feedRow) toEntity() *entity.Feed {
	return &entity.Feed{
		ID:                  r.ID,
		ChatID:              r.ChatID,
		URL:                 r.URL,
		Title:               r.Title,
		IntervalMinutes:     r.IntervalMinutes,
		LastItemID:          stringPtr(r.LastItemID),
		CursorChangedAt:     timePtr(r.CursorChangedAt),
		LastCheckedAt:       timePtr(r.LastCheckedAt),
		ConsecutiveFailures: r.ConsecutiveFailures,
		NextCheckAfter:      timePtr(r.NextCheckAfter),
		ForceProcessAll:     r.ForceProcessAll != 0,
		CreatedAt:           fromMillis(r.CreatedAt),
	}
}

func feedsFromRows(rows []feedRow) []*entity.Feed {
	feeds := make([]*entity.Feed, 0, len(rows))
	for _, row := range rows {
		feeds = append(feeds, row.toEntity())
	}
	return feeds
}

func (repo *FeedRepo) Get(ctx context.Context, id string) (*entity.Feed, error) {
	query := repo.db.Rebind(`SELECT ` + feedColumns + ` FROM feeds WHERE id = ? LIMIT 1`)
	var row feedRow
	err := repo.db.GetContext(ctx, &row, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("Get: feed %s: %w", id, entity.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}
	return row.toEntity(), nil
}

func (repo *FeedRepo) List(ctx context.Context) ([]*entity.Feed, error) {
	const query = `SELECT ` + feedColumns + ` FROM feeds ORDER BY created_at ASC, id ASC`
	var rows []feedRow
	if err := repo.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("List: %w", err)
	}
	return feedsFromRows(rows), nil
}

func (repo *FeedRepo) ListIDs(ctx context.Context) (map[string]struct{}, error) {
	var ids []string
	if err := repo.db.SelectContext(ctx, &ids, `SELECT id FROM feeds`); err != nil {
		return nil, fmt.Errorf("ListIDs: %w", err)
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, nil
}

func (repo *FeedRepo) Exists(ctx context.Context, id string) (bool, error) {
	var n int
	if err := repo.db.GetContext(ctx, &n, repo.db.Rebind(`SELECT COUNT(1) FROM feeds WHERE id = ?`), id); err != nil {
		return false, fmt.Errorf("Exists: %w", err)
	}
	return n > 0, nil
}

func (repo *FeedRepo) Create(ctx context.Context, feed *entity.Feed) error {
	query := repo.db.Rebind(`
INSERT INTO feeds (` + feedColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO NOTHING`)
	var cursor sql.NullString
	if feed.LastItemID != nil {
		cursor = sql.NullString{String: *feed.LastItemID, Valid: true}
	}
	res, err := repo.db.ExecContext(ctx, query,
		feed.ID, feed.ChatID, feed.URL, feed.Title, feed.IntervalMinutes,
		cursor, nullMillis(feed.CursorChangedAt), nullMillis(feed.LastCheckedAt),
		feed.ConsecutiveFailures, nullMillis(feed.NextCheckAfter), boolInt(feed.ForceProcessAll),
		millis(feed.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("Create: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return fmt.Errorf("Create: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("Create: feed %s: %w", feed.ID, entity.ErrAlreadyExists)
	}
	return nil
}

func (repo *FeedRepo) Delete(ctx context.Context, id string) error {
	return repo.update(ctx, "Delete", `DELETE FROM feeds WHERE id = ?`, id)
}

func (repo *FeedRepo) GetCursor(ctx context.Context, id string) (*string, error) {
	var cursor sql.NullString
	err := repo.db.GetContext(ctx, &cursor, repo.db.Rebind(`SELECT last_item_id FROM feeds WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("GetCursor: %w", err)
	}
	return stringPtr(cursor), nil
}

// SetCursor stores the cursor. cursor_changed_at moves only when the top item
// changed, or when it was never set, so it measures how long the top item
// has stayed the same.
func (repo *FeedRepo) SetCursor(ctx context.Context, id, cursor string, changed bool, at time.Time) error {
	if changed {
		return repo.update(ctx, "SetCursor", `
UPDATE feeds SET last_item_id = ?, cursor_changed_at = ?, last_checked_at = ?
WHERE id = ?`, cursor, millis(at), millis(at), id)
	}
	return repo.update(ctx, "SetCursor", `
UPDATE feeds SET last_item_id = ?, cursor_changed_at = COALESCE(cursor_changed_at, ?), last_checked_at = ?
WHERE id = ?`, cursor, millis(at), millis(at), id)
}

func (repo *FeedRepo) ClearCursor(ctx context.Context, id string) error {
	return repo.update(ctx, "ClearCursor",
		`UPDATE feeds SET last_item_id = NULL, cursor_changed_at = NULL WHERE id = ?`, id)
}

func (repo *FeedRepo) ListStale(ctx context.Context, cutoff time.Time) ([]*entity.Feed, error) {
	query := repo.db.Rebind(`SELECT ` + feedColumns + ` FROM feeds
WHERE last_item_id IS NOT NULL AND cursor_changed_at IS NOT NULL AND cursor_changed_at < ?
ORDER BY cursor_changed_at ASC`)
	var rows []feedRow
	if err := repo.db.SelectContext(ctx, &rows, query, millis(cutoff)); err != nil {
		return nil, fmt.Errorf("ListStale: %w", err)
	}
	return feedsFromRows(rows), nil
}

func (repo *FeedRepo) RecordCheckSuccess(ctx context.Context, id string, at time.Time) error {
	return repo.update(ctx, "RecordCheckSuccess", `
UPDATE feeds SET consecutive_failures = 0, next_check_after = NULL, last_checked_at = ?
WHERE id = ?`, millis(at), id)
}

func (repo *FeedRepo) RecordCheckFailure(ctx context.Context, id string, failures int, nextCheckAfter time.Time) error {
	return repo.update(ctx, "RecordCheckFailure", `
UPDATE feeds SET consecutive_failures = ?, next_check_after = ?
WHERE id = ?`, failures, millis(nextCheckAfter), id)
}

func (repo *FeedRepo) SetForceProcessAll(ctx context.Context, id string, force bool) error {
	return repo.update(ctx, "SetForceProcessAll",
		`UPDATE feeds SET force_process_all = ? WHERE id = ?`, boolInt(force), id)
}

// update runs a single-row statement and maps "no row" to entity.ErrNotFound.
func (repo *FeedRepo) update(ctx context.Context, op, query string, args ...interface{}) error {
	res, err := repo.db.ExecContext(ctx, repo.db.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := affected(res)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: feed %s: %w", op, args[len(args)-1], entity.ErrNotFound)
	}
	return nil
}
