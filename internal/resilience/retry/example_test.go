package retry_test

import (
	"context"
	"fmt"
	"time"

	"feed-relay/internal/resilience/retry"
)

// ExampleWithBackoff shows a fetch that recovers on its third attempt.
func ExampleWithBackoff() {
	cfg := retry.Config{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}

	attempts := 0
	err := retry.WithBackoff(context.Background(), cfg, func() error {
		attempts++
		if attempts < 3 {
			return &retry.HTTPError{StatusCode: 503, Message: "unavailable"}
		}
		return nil
	})

	fmt.Println(attempts, err)

	// Output:
	// 3 <nil>
}

// ExampleWithBackoff_permanent shows that a 404 is returned without retrying.
func ExampleWithBackoff_permanent() {
	attempts := 0
	err := retry.WithBackoff(context.Background(), retry.FeedFetchConfig(), func() error {
		attempts++
		return &retry.HTTPError{StatusCode: 404, Message: "not found"}
	})

	fmt.Println(attempts, err)

	// Output:
	// 1 HTTP 404: not found
}

// ExampleIsRetryable lists which failures are retried within one call.
func ExampleIsRetryable() {
	fmt.Println(retry.IsRetryable(&retry.HTTPError{StatusCode: 502}))
	fmt.Println(retry.IsRetryable(&retry.HTTPError{StatusCode: 429}))
	fmt.Println(retry.IsRetryable(&retry.HTTPError{StatusCode: 403}))
	fmt.Println(retry.IsRetryable(context.Canceled))

	// Output:
	// true
	// true
	// false
	// false
}
