// Package retry provides retry logic with exponential backoff and jitter,
// plus the pure backoff schedules used for per-feed failure handling.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"syscall"
	"time"
)

// Config holds the configuration for retry logic.
type Config struct {
	// MaxAttempts is the maximum number of attempts, including the first one
	MaxAttempts int

	// InitialDelay is the delay before the first retry
	InitialDelay time.Duration

	// MaxDelay is the maximum delay between retries
	MaxDelay time.Duration

	// Multiplier is the multiplier for exponential backoff
	Multiplier float64

	// JitterFraction is the fraction of delay to add as random jitter (0.0 to 1.0)
	JitterFraction float64
}

// FeedFetchConfig returns configuration for in-call feed fetch retries.
// Kept short: the fetch as a whole is bounded by a 30s timeout and longer
// outages are handled by per-feed backoff and the domain breaker.
func FeedFetchConfig() Config {
	return Config{
		MaxAttempts:    3,
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
	}
}

// WithBackoff executes fn with retry logic and exponential backoff.
// It returns nil if fn succeeds, or the last error if all attempts fail.
// Non-retryable errors (see IsRetryable) abort immediately.
//
// Parameters:
//   - ctx: Context for cancellation; a canceled ctx ends the wait between attempts
//   - cfg: Retry settings (attempts, delays, multiplier and jitter)
//   - fn: The operation to run; it is called at least once
//
// Returns:
//   - error: nil on success, the non-retryable error as is, or the last
//     error wrapped with the attempt count once the budget is spent
//
// Example:
//
//	err := retry.WithBackoff(ctx, retry.FeedFetchConfig(), func() error {
//	    items, err = fetcher.Fetch(ctx, url)
//	    return err
//	})
func WithBackoff(ctx context.Context, cfg Config, fn func() error) error {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			if attempt > 1 {
				slog.Info("operation succeeded after retry",
					slog.Int("attempt", attempt))
			}
			return nil
		}

		if !IsRetryable(lastErr) {
			slog.Debug("non-retryable error, aborting",
				slog.Int("attempt", attempt),
				slog.Any("error", lastErr))
			return lastErr
		}

		if attempt == cfg.MaxAttempts {
			break
		}

		slog.Warn("operation failed, retrying",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", cfg.MaxAttempts),
			slog.Duration("delay", delay),
			slog.Any("error", lastErr))

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry aborted: %w", ctx.Err())
		}

		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
		delay = addJitter(delay, cfg.JitterFraction)
	}

	return fmt.Errorf("max retry attempts (%d) exceeded: %w", cfg.MaxAttempts, lastErr)
}

// IsRetryable determines if an error is worth retrying within the same call.
//
// Retryable errors:
//   - Network timeouts and refused, reset or unreachable connections
//   - HTTP 5xx, 429 and 408 responses
//
// Never retryable:
//   - context.Canceled and context.DeadlineExceeded
//   - Other HTTP 4xx responses and unknown errors
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	// the caller's deadline or cancellation ends the call
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if isConnectionSyscall(err) {
		return true
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Temporary()
	}

	return false
}

// IsNetworkError reports whether err belongs to the network failure class:
// net.Error values, refused/reset/timed out/unreachable connections, DNS
// failures and deadline expiry.
//
// Example:
//
//	if retry.IsNetworkError(err) {
//	    state.Status = entity.StatusDisconnected
//	}
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || isConnectionSyscall(err) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func isConnectionSyscall(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ETIMEDOUT) ||
		errors.Is(err, syscall.ENETUNREACH)
}

// HTTPError represents an HTTP error with status code.
type HTTPError struct {
	StatusCode int
	Message    string
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// Temporary reports whether the status is worth retrying: 5xx, 429 and 408.
func (e *HTTPError) Temporary() bool {
	switch {
	case e.StatusCode >= 500 && e.StatusCode < 600:
		return true
	case e.StatusCode == http.StatusTooManyRequests, e.StatusCode == http.StatusRequestTimeout:
		return true
	default:
		return false
	}
}

// addJitter adds random jitter to a duration to prevent thundering herd.
func addJitter(duration time.Duration, jitterFraction float64) time.Duration {
	if jitterFraction <= 0 {
		return duration
	}
	if jitterFraction > 1.0 {
		jitterFraction = 1.0
	}
	// #nosec G404 -- jitter does not need cryptographic randomness
	jitter := time.Duration(rand.Float64() * float64(duration) * jitterFraction)
	return duration + jitter
}
