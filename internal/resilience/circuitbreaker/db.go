package circuitbreaker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sony/gobreaker"
)

// ErrDatabaseCircuitOpen is returned by Ready while the breaker is open.
var ErrDatabaseCircuitOpen = errors.New("database circuit breaker is open")

// DBCircuitBreaker guards a database handle. It satisfies the query
// interface of the persistence layer, so the repositories never see the
// breaker.
type DBCircuitBreaker struct {
	cb *CircuitBreaker
	db *sqlx.DB
}

// DBConfig opens after 5 consecutive failures and probes again after 30s.
// Missing rows and caller cancellation are not failures.
func DBConfig() Config {
	return Config{
		Name:                "database",
		MaxRequests:         3,
		Interval:            time.Minute,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
		IsSuccessful:        dbCallSucceeded,
	}
}

func dbCallSucceeded(err error) bool {
	return err == nil || errors.Is(err, sql.ErrNoRows) || errors.Is(err, context.Canceled)
}

// NewDBCircuitBreaker guards db with DBConfig.
func NewDBCircuitBreaker(db *sqlx.DB) *DBCircuitBreaker {
	return NewDBCircuitBreakerWithConfig(db, DBConfig())
}

func NewDBCircuitBreakerWithConfig(db *sqlx.DB, cfg Config) *DBCircuitBreaker {
	if cfg.IsSuccessful == nil {
		cfg.IsSuccessful = dbCallSucceeded
	}
	return &DBCircuitBreaker{cb: New(cfg), db: db}
}

func (dcb *DBCircuitBreaker) run(fn func() error) error {
	_, err := dcb.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

func (dcb *DBCircuitBreaker) GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return dcb.run(func() error {
		return dcb.db.GetContext(ctx, dest, query, args...)
	})
}

func (dcb *DBCircuitBreaker) SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return dcb.run(func() error {
		return dcb.db.SelectContext(ctx, dest, query, args...)
	})
}

func (dcb *DBCircuitBreaker) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	var result sql.Result
	err := dcb.run(func() error {
		var err error
		result, err = dcb.db.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Rebind converts '?' placeholders to the bind style of the driver.
func (dcb *DBCircuitBreaker) Rebind(query string) string {
	return dcb.db.Rebind(query)
}

func (dcb *DBCircuitBreaker) DriverName() string {
	return dcb.db.DriverName()
}

func (dcb *DBCircuitBreaker) State() gobreaker.State {
	return dcb.cb.State()
}

func (dcb *DBCircuitBreaker) IsOpen() bool {
	return dcb.cb.IsOpen()
}

// Ready pings the database unless the breaker is open. It is meant for
// readiness probes and does not count towards the breaker.
func (dcb *DBCircuitBreaker) Ready(ctx context.Context) error {
	if dcb.IsOpen() {
		return ErrDatabaseCircuitOpen
	}
	if err := dcb.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

// DB returns the unguarded handle.
func (dcb *DBCircuitBreaker) DB() *sqlx.DB {
	return dcb.db
}
