package notifier_test

import (
	"context"
	"fmt"
	"time"

	"feed-relay/internal/infra/notifier"
)

// ExampleNewRateLimiter shows the burst passing at once and the next send
// waiting for a refill.
func ExampleNewRateLimiter() {
	limiter := notifier.NewRateLimiter(0.5, 2)

	for i := 0; i < 2; i++ {
		fmt.Println(limiter.Allow(context.Background()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	fmt.Println(limiter.Allow(ctx) != nil)

	// Output:
	// <nil>
	// <nil>
	// true
}
