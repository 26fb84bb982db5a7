package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
	"time"
)

func fastConfig(attempts int) Config {
	return Config{
		MaxAttempts:    attempts,
		InitialDelay:   5 * time.Millisecond,
		MaxDelay:       20 * time.Millisecond,
		Multiplier:     2.0,
		JitterFraction: 0.1,
	}
}

func TestWithBackoff_Success(t *testing.T) {
	attempts := 0

	err := WithBackoff(context.Background(), fastConfig(3), func() error {
		attempts++
		return nil
	})

	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", attempts)
	}
}

func TestWithBackoff_SuccessAfterRetry(t *testing.T) {
	attempts := 0

	err := WithBackoff(context.Background(), fastConfig(3), func() error {
		attempts++
		if attempts < 3 {
			return &HTTPError{StatusCode: 503, Message: "Service Unavailable"}
		}
		return nil
	})

	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestWithBackoff_MaxAttemptsExceeded(t *testing.T) {
	attempts := 0
	testErr := &HTTPError{StatusCode: 500, Message: "Server Error"}

	err := WithBackoff(context.Background(), fastConfig(3), func() error {
		attempts++
		return testErr
	})

	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
	if !errors.Is(err, testErr) {
		t.Errorf("expected wrapped original error, got %v", err)
	}
}

func TestWithBackoff_NonRetryableError(t *testing.T) {
	attempts := 0
	testErr := &HTTPError{StatusCode: 404, Message: "Not Found"}

	err := WithBackoff(context.Background(), fastConfig(3), func() error {
		attempts++
		return testErr
	})

	if attempts != 1 {
		t.Errorf("expected 1 attempt (non-retryable), got %d", attempts)
	}
	if err != testErr {
		t.Errorf("expected the same error back, got %v", err)
	}
}

func TestWithBackoff_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0

	err := WithBackoff(ctx, fastConfig(5), func() error {
		attempts++
		if attempts == 2 {
			cancel()
		}
		return syscall.ECONNRESET
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts)
	}
}

func TestWithBackoff_ZeroAttemptsRunsOnce(t *testing.T) {
	attempts := 0

	_ = WithBackoff(context.Background(), Config{}, func() error {
		attempts++
		return syscall.ECONNREFUSED
	})

	if attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", attempts)
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"nil error", nil, false},
		{"context canceled", context.Canceled, false},
		{"context deadline exceeded", context.DeadlineExceeded, false},
		{"HTTP 500", &HTTPError{StatusCode: 500}, true},
		{"HTTP 503 wrapped", fmt.Errorf("fetch: %w", &HTTPError{StatusCode: 503}), true},
		{"HTTP 429", &HTTPError{StatusCode: 429}, true},
		{"HTTP 408", &HTTPError{StatusCode: 408}, true},
		{"HTTP 400", &HTTPError{StatusCode: 400}, false},
		{"HTTP 403", &HTTPError{StatusCode: 403}, false},
		{"ECONNREFUSED", syscall.ECONNREFUSED, true},
		{"ECONNRESET", syscall.ECONNRESET, true},
		{"ETIMEDOUT", syscall.ETIMEDOUT, true},
		{"ENETUNREACH", syscall.ENETUNREACH, true},
		{"net timeout", timeoutErr{}, true},
		{"generic error", errors.New("some error"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.retryable {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.retryable)
			}
		})
	}
}

func TestIsNetworkError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline", context.DeadlineExceeded, true},
		{"refused", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), true},
		{"dns", &net.DNSError{Err: "no such host", Name: "api.example"}, true},
		{"net error", timeoutErr{}, true},
		{"http 500", &HTTPError{StatusCode: 500}, false},
		{"generic", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsNetworkError(tt.err); got != tt.want {
				t.Errorf("IsNetworkError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFeedFetchConfig(t *testing.T) {
	cfg := FeedFetchConfig()

	if cfg.MaxAttempts != 3 {
		t.Errorf("expected MaxAttempts=3, got %d", cfg.MaxAttempts)
	}
	// worst case wait must stay well inside the 30s fetch timeout
	worst := cfg.InitialDelay + time.Duration(float64(cfg.InitialDelay)*cfg.Multiplier)
	if worst > 5*time.Second {
		t.Errorf("expected total retry delay under 5s, got %v", worst)
	}
	if cfg.MaxDelay != 5*time.Second {
		t.Errorf("expected MaxDelay=5s, got %v", cfg.MaxDelay)
	}
}

func TestHTTPError_Error(t *testing.T) {
	err := &HTTPError{StatusCode: 500, Message: "Internal Server Error"}
	expected := "HTTP 500: Internal Server Error"

	if err.Error() != expected {
		t.Errorf("expected %q, got %q", expected, err.Error())
	}
}

func TestAddJitter(t *testing.T) {
	duration := 100 * time.Millisecond

	results := make(map[time.Duration]bool)
	for i := 0; i < 20; i++ {
		result := addJitter(duration, 0.2)
		maxDuration := time.Duration(float64(duration) * 1.2)
		if result < duration || result > maxDuration {
			t.Errorf("expected result between %v and %v, got %v", duration, maxDuration, result)
		}
		results[result] = true
	}

	if len(results) < 2 {
		t.Error("expected jitter to produce varied results")
	}
}

func TestAddJitter_ZeroFraction(t *testing.T) {
	duration := 100 * time.Millisecond

	if result := addJitter(duration, 0.0); result != duration {
		t.Errorf("expected no jitter with fraction=0, got %v", result)
	}
}
