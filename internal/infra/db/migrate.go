package db

import (
	"database/sql"
	"embed"
	"fmt"
	"sync"

	"github.com/pressly/goose/v3"
)

// Migrations contains the embedded SQL migration files.
// The schema sticks to types both PostgreSQL and SQLite accept: TEXT ids,
// BIGINT unix-millisecond timestamps and INTEGER 0/1 flags.
//
//go:embed migrations/*.sql
var Migrations embed.FS

// goose keeps its base FS and dialect in package state.
var gooseMu sync.Mutex

func gooseDialect(driver string) (string, error) {
	switch driver {
	case DriverPostgres:
		return "postgres", nil
	case DriverSQLite:
		return "sqlite3", nil
	default:
		return "", fmt.Errorf("unsupported database driver %q", driver)
	}
}

func withGoose(db *sql.DB, driver string, fn func() error) error {
	dialect, err := gooseDialect(driver)
	if err != nil {
		return err
	}

	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(Migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	return fn()
}

// MigrateUp applies all pending migrations.
func MigrateUp(db *sql.DB, driver string) error {
	return withGoose(db, driver, func() error {
		if err := goose.Up(db, "migrations"); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		return nil
	})
}

// MigrateDown rolls back every migration.
// Use with caution: this will delete all data in the affected tables.
func MigrateDown(db *sql.DB, driver string) error {
	return withGoose(db, driver, func() error {
		if err := goose.Reset(db, "migrations"); err != nil {
			return fmt.Errorf("reset migrations: %w", err)
		}
		return nil
	})
}

// Version returns the currently applied migration version.
func Version(db *sql.DB, driver string) (int64, error) {
	var version int64
	err := withGoose(db, driver, func() error {
		v, err := goose.GetDBVersion(db)
		version = v
		return err
	})
	return version, err
}
