// Package circuitbreaker provides circuit breaker implementations.
//
// Two flavours live here:
//   - CircuitBreaker wraps github.com/sony/gobreaker for protection of a
//     single dependency (the job store database).
//   - DomainBreaker keeps consecutive-failure state per remote domain with
//     exponentially growing cooldowns, guarding feed sources and the
//     outbound messaging API.
package circuitbreaker

import (
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// Config configures a CircuitBreaker.
type Config struct {
	Name string

	// MaxRequests are admitted while half-open.
	MaxRequests uint32
	// Interval clears the closed-state counts. Zero never clears them.
	Interval time.Duration
	// Timeout is the open period before a half-open probe.
	Timeout time.Duration

	// ConsecutiveFailures trips the breaker after that many failures in a
	// row. When zero, FailureThreshold is used instead.
	ConsecutiveFailures uint32
	// FailureThreshold trips the breaker when the failure ratio reaches it
	// after at least MinRequests requests.
	FailureThreshold float64
	MinRequests      uint32

	// IsSuccessful classifies errors that still prove the dependency works.
	// Nil counts every non-nil error as a failure.
	IsSuccessful func(err error) bool
}

// DefaultConfig trips at a 60% failure ratio over at least 5 requests.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		MaxRequests:      3,
		Interval:         30 * time.Second,
		Timeout:          60 * time.Second,
		FailureThreshold: 0.6,
		MinRequests:      5,
	}
}

// CircuitBreaker is a gobreaker.CircuitBreaker that logs its transitions
// and counts them in circuit_breaker_transitions_total.
type CircuitBreaker struct {
	breaker *gobreaker.CircuitBreaker
	name    string
}

// New creates a CircuitBreaker.
func New(cfg Config) *CircuitBreaker {
	settings := gobreaker.Settings{
		Name:         cfg.Name,
		MaxRequests:  cfg.MaxRequests,
		Interval:     cfg.Interval,
		Timeout:      cfg.Timeout,
		ReadyToTrip:  readyToTrip(cfg),
		IsSuccessful: cfg.IsSuccessful,
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit breaker state changed",
				slog.String("circuit", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
			state := stateFromGobreaker(to)
			recordStateChange(name, state)
			if state == StateOpen {
				recordTrip(name)
			}
		},
	}
	return &CircuitBreaker{breaker: gobreaker.NewCircuitBreaker(settings), name: cfg.Name}
}

func readyToTrip(cfg Config) func(gobreaker.Counts) bool {
	if cfg.ConsecutiveFailures > 0 {
		return func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= cfg.ConsecutiveFailures
		}
	}
	return func(c gobreaker.Counts) bool {
		if c.Requests < cfg.MinRequests {
			return false
		}
		return float64(c.TotalFailures)/float64(c.Requests) >= cfg.FailureThreshold
	}
}

// Execute runs fn unless the breaker is open, in which case it returns
// gobreaker.ErrOpenState without calling fn.
func (cb *CircuitBreaker) Execute(fn func() (interface{}, error)) (interface{}, error) {
	return cb.breaker.Execute(fn)
}

func (cb *CircuitBreaker) State() gobreaker.State {
	return cb.breaker.State()
}

func (cb *CircuitBreaker) Name() string {
	return cb.name
}

func (cb *CircuitBreaker) IsOpen() bool {
	return cb.breaker.State() == gobreaker.StateOpen
}

func stateFromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}
