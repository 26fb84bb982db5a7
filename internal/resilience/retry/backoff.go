package retry

import "time"

// Per-feed failure backoff bounds.
const (
	FeedBackoffBase = time.Minute
	FeedBackoffMax  = 6 * time.Hour
)

// Backoff returns base × 2^failures, capped at max. Negative failures count as zero.
func Backoff(failures int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if failures < 0 {
		failures = 0
	}
	d := base
	for i := 0; i < failures; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// FeedBackoff returns how long a feed waits before its next check after
// the given number of consecutive failures.
func FeedBackoff(failures int) time.Duration {
	return Backoff(failures, FeedBackoffBase, FeedBackoffMax)
}
