package db

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"feed-relay/internal/pkg/config"
)

// Supported database drivers.
const (
	DriverPostgres = "pgx"
	DriverSQLite   = "sqlite"
)

func init() {
	// modernc registers itself as "sqlite", which sqlx does not know.
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

// ConnectionConfig holds database connection pool configuration.
type ConnectionConfig struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultConnectionConfig returns the default connection pool configuration.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		Driver:          DriverPostgres,
		MaxOpenConns:    25,               // Maximum number of open connections
		MaxIdleConns:    10,               // Maximum number of idle connections
		ConnMaxLifetime: 1 * time.Hour,    // Maximum lifetime of a connection
		ConnMaxIdleTime: 30 * time.Minute, // Maximum idle time of a connection
	}
}

// Open creates and configures a new database connection pool and verifies it.
// SQLite pools are pinned to a single connection so in-memory databases and
// write locking behave predictably.
func Open(ctx context.Context, cfg ConnectionConfig) (*sqlx.DB, error) {
	switch cfg.Driver {
	case DriverPostgres, DriverSQLite:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sqlx.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}

	if cfg.Driver == DriverSQLite {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
		db.SetConnMaxIdleTime(0)
		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA busy_timeout=5000",
			"PRAGMA foreign_keys=ON",
		} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("%s: %w", pragma, err)
			}
		}
	} else {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	slog.Info("database connection pool configured",
		slog.String("driver", cfg.Driver),
		slog.Int("max_open_conns", cfg.MaxOpenConns),
		slog.Int("max_idle_conns", cfg.MaxIdleConns),
		slog.Duration("conn_max_lifetime", cfg.ConnMaxLifetime),
		slog.Duration("conn_max_idle_time", cfg.ConnMaxIdleTime))

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return db, nil
}

// ConfigFromEnv reads driver, DSN and pool settings from the environment.
// Unset or invalid pool settings keep their defaults.
//
// Environment variables:
//   - DATABASE_DRIVER: "pgx" (default) or "sqlite"
//   - DATABASE_URL: DSN, required
//   - DB_MAX_OPEN_CONNS, DB_MAX_IDLE_CONNS: positive integers
//   - DB_CONN_MAX_LIFETIME, DB_CONN_MAX_IDLE_TIME: durations such as "30m"
func ConfigFromEnv() ConnectionConfig {
	cfg := DefaultConnectionConfig()
	cfg.Driver = config.LoadEnvString("DATABASE_DRIVER", cfg.Driver)
	cfg.DSN = config.LoadEnvString("DATABASE_URL", "")

	positive := func(v int) error { return config.ValidateIntRange(v, 1, 10000) }
	cfg.MaxOpenConns = config.LoadEnvInt("DB_MAX_OPEN_CONNS", cfg.MaxOpenConns, positive).Value
	cfg.MaxIdleConns = config.LoadEnvInt("DB_MAX_IDLE_CONNS", cfg.MaxIdleConns, positive).Value
	cfg.ConnMaxLifetime = config.LoadEnvDuration("DB_CONN_MAX_LIFETIME", cfg.ConnMaxLifetime, config.ValidatePositiveDuration).Value
	cfg.ConnMaxIdleTime = config.LoadEnvDuration("DB_CONN_MAX_IDLE_TIME", cfg.ConnMaxIdleTime, config.ValidatePositiveDuration).Value
	return cfg
}
