package notifier

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimiter is a token bucket that keeps a deliverer under the messaging
// API's own request limit.
type RateLimiter struct {
	rate    rate.Limit
	burst   int
	limiter *rate.Limiter
}

// NewRateLimiter creates a RateLimiter for one messaging API.
//
// Parameters:
//   - requestsPerSecond: Sustained send rate (e.g., 25.0 for a Telegram bot)
//   - burst: Number of sends allowed back to back before the rate applies
//
// The bucket starts full, so up to burst sends go out immediately and
// tokens then refill at requestsPerSecond.
//
// Example:
//
//	limiter := NewRateLimiter(25.0, 5)  // 25 msg/s with burst of 5
func NewRateLimiter(requestsPerSecond float64, burst int) *RateLimiter {
	r := rate.Limit(requestsPerSecond)
	return &RateLimiter{
		rate:    r,
		burst:   burst,
		limiter: rate.NewLimiter(r, burst),
	}
}

// Allow blocks until a token is available or the context is canceled.
// Deliverers call it before every request to the messaging API.
//
// Parameters:
//   - ctx: Context of the delivery; its deadline bounds the wait
//
// Returns:
//   - error: Non-nil if ctx was canceled or its deadline would pass first
//
// Example:
//
//	if err := limiter.Allow(ctx); err != nil {
//	    return DeliveryResult{}, fmt.Errorf("rate limit wait: %w", err)
//	}
//	// send the message
func (r *RateLimiter) Allow(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}
