package fetcher

import (
	"fmt"
	"net/http"
	"time"

	"feed-relay/internal/usecase/check"
)

// Sentinel errors for fetch operations. All of them wrap
// check.ErrUnfetchable, so a feed that hits one is not retried.
var (
	// ErrInvalidURL indicates a malformed URL or a scheme other than http/https.
	ErrInvalidURL = fmt.Errorf("%w: invalid URL", check.ErrUnfetchable)

	// ErrPrivateIP indicates the host resolves to a private, loopback or
	// link-local address.
	ErrPrivateIP = fmt.Errorf("%w: private IP address", check.ErrUnfetchable)

	// ErrBodyTooLarge indicates the response exceeded Config.MaxBodySize.
	ErrBodyTooLarge = fmt.Errorf("%w: response body too large", check.ErrUnfetchable)

	// ErrTooManyRedirects indicates the redirect chain exceeded Config.MaxRedirects.
	ErrTooManyRedirects = fmt.Errorf("%w: too many redirects", check.ErrUnfetchable)
)

// RateLimitError represents a 429 response from a feed host.
type RateLimitError struct {
	URL        string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("feed host rate limited %s (retry after %v)", e.URL, e.RetryAfter)
}

// RetryAfterHint returns the wait requested by the host.
func (e *RateLimitError) RetryAfterHint() time.Duration { return e.RetryAfter }

// HTTPStatus always reports 429.
func (e *RateLimitError) HTTPStatus() int { return http.StatusTooManyRequests }
