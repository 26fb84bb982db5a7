package sqldb

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"feed-relay/internal/domain/entity"
	"feed-relay/internal/infra/db"
)

// newTestDB opens a migrated in-memory SQLite database.
func newTestDB(t *testing.T) *sqlx.DB {
	t.Helper()

	cfg := db.DefaultConnectionConfig()
	cfg.Driver = db.DriverSQLite
	cfg.DSN = ":memory:"

	conn, err := db.Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	require.NoError(t, db.MigrateUp(conn.DB, db.DriverSQLite))
	return conn
}

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testFeed(id string) *entity.Feed {
	return &entity.Feed{
		ID:              id,
		ChatID:          "chat-1",
		URL:             "https://example.com/" + id + ".xml",
		Title:           "Feed " + id,
		IntervalMinutes: 10,
		CreatedAt:       testEpoch,
	}
}

func strPtr(s string) *string { return &s }
