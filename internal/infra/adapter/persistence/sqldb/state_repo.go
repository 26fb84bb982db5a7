package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"feed-relay/internal/domain/entity"
	"feed-relay/internal/repository"
)

type ConnectionStateRepo struct{ db DB }

func NewConnectionStateRepo(db DB) repository.ConnectionStateStore {
	return &ConnectionStateRepo{db: db}
}

type connectionStateRow struct {
	Name                string        `db:"name"`
	Status              string        `db:"status"`
	LastSuccessAt       sql.NullInt64 `db:"last_success_at"`
	ConsecutiveFailures int           `db:"consecutive_failures"`
	CurrentRetryDelayMs int64         `db:"current_retry_delay_ms"`
	NextRetryAt         sql.NullInt64 `db:"next_retry_at"`
	TotalDowntimeMs     int64         `db:"total_downtime_ms"`
	OutageStartedAt     sql.NullInt64 `db:"outage_started_at"`
	LastError           string        `db:"last_error"`
	UpdatedAt           int64         `db:"updated_at"`
}

func (repo *ConnectionStateRepo) Load(ctx context.Context, name string) (*entity.ConnectionState, error) {
	var row connectionStateRow
	err := repo.db.GetContext(ctx, &row, repo.db.Rebind(`
SELECT name, status, last_success_at, consecutive_failures, current_retry_delay_ms, next_retry_at,
       total_downtime_ms, outage_started_at, last_error, updated_at
FROM connection_states WHERE name = ?`), name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("Load: %w", err)
	}
	return &entity.ConnectionState{
		Status:              entity.ConnectionStatus(row.Status),
		LastSuccessfulCall:  timePtr(row.LastSuccessAt),
		ConsecutiveFailures: row.ConsecutiveFailures,
		CurrentRetryDelay:   time.Duration(row.CurrentRetryDelayMs) * time.Millisecond,
		NextRetryAt:         timePtr(row.NextRetryAt),
		TotalDowntime:       time.Duration(row.TotalDowntimeMs) * time.Millisecond,
		OutageStartedAt:     timePtr(row.OutageStartedAt),
		LastError:           row.LastError,
		UpdatedAt:           fromMillis(row.UpdatedAt),
	}, nil
}

func (repo *ConnectionStateRepo) Save(ctx context.Context, name string, state entity.ConnectionState) error {
	_, err := repo.db.ExecContext(ctx, repo.db.Rebind(`
INSERT INTO connection_states (name, status, last_success_at, consecutive_failures, current_retry_delay_ms,
    next_retry_at, total_downtime_ms, outage_started_at, last_error, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (name) DO UPDATE SET
    status = excluded.status,
    last_success_at = excluded.last_success_at,
    consecutive_failures = excluded.consecutive_failures,
    current_retry_delay_ms = excluded.current_retry_delay_ms,
    next_retry_at = excluded.next_retry_at,
    total_downtime_ms = excluded.total_downtime_ms,
    outage_started_at = excluded.outage_started_at,
    last_error = excluded.last_error,
    updated_at = excluded.updated_at`),
		name, string(state.Status), nullMillis(state.LastSuccessfulCall), state.ConsecutiveFailures,
		state.CurrentRetryDelay.Milliseconds(), nullMillis(state.NextRetryAt), state.TotalDowntime.Milliseconds(),
		nullMillis(state.OutageStartedAt), state.LastError, millis(state.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("Save: %w", err)
	}
	return nil
}

type HealthMetricRepo struct{ db DB }

func NewHealthMetricRepo(db DB) repository.HealthMetricRepository {
	return &HealthMetricRepo{db: db}
}

type healthMetricRow struct {
	ID             string `db:"id"`
	Service        string `db:"service"`
	MetricType     string `db:"metric_type"`
	Success        int64  `db:"success"`
	ResponseTimeMs int64  `db:"response_time_ms"`
	ErrorCode      string `db:"error_code"`
	RecordedAt     int64  `db:"recorded_at"`
}

func (repo *HealthMetricRepo) Insert(ctx context.Context, metrics []entity.HealthMetric) error {
	query := repo.db.Rebind(`
INSERT INTO health_metrics (id, service, metric_type, success, response_time_ms, error_code, recorded_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`)
	for _, m := range metrics {
		id := m.ID
		if id == "" {
			id = uuid.NewString()
		}
		if _, err := repo.db.ExecContext(ctx, query,
			id, m.Service, m.MetricType, boolInt(m.Success), m.ResponseTimeMs, m.ErrorCode, millis(m.Timestamp),
		); err != nil {
			return fmt.Errorf("Insert: %w", err)
		}
	}
	return nil
}

func (repo *HealthMetricRepo) ListSince(ctx context.Context, service string, since time.Time) ([]entity.HealthMetric, error) {
	var rows []healthMetricRow
	if err := repo.db.SelectContext(ctx, &rows, repo.db.Rebind(`
SELECT id, service, metric_type, success, response_time_ms, error_code, recorded_at
FROM health_metrics
WHERE service = ? AND recorded_at >= ?
ORDER BY recorded_at ASC`), service, millis(since)); err != nil {
		return nil, fmt.Errorf("ListSince: %w", err)
	}
	out := make([]entity.HealthMetric, 0, len(rows))
	for _, row := range rows {
		out = append(out, entity.HealthMetric{
			ID:             row.ID,
			Service:        row.Service,
			MetricType:     row.MetricType,
			Success:        row.Success != 0,
			ResponseTimeMs: row.ResponseTimeMs,
			ErrorCode:      row.ErrorCode,
			Timestamp:      fromMillis(row.RecordedAt),
		})
	}
	return out, nil
}

func (repo *HealthMetricRepo) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := repo.db.ExecContext(ctx, repo.db.Rebind(`DELETE FROM health_metrics WHERE recorded_at < ?`), millis(before))
	if err != nil {
		return 0, fmt.Errorf("DeleteBefore: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return 0, fmt.Errorf("DeleteBefore: %w", err)
	}
	return n, nil
}
