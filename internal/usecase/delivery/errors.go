package delivery

import (
	"context"
	"errors"
	"net/http"
	"time"

	"feed-relay/internal/resilience/retry"
)

// Sentinel errors for delivery operations.
var (
	// ErrQueueFull indicates the outbound queue is at capacity and holds no
	// LOW priority message that could be evicted.
	ErrQueueFull = errors.New("outbound queue is full")

	// ErrInvalidMessage indicates a message without destination or payload.
	ErrInvalidMessage = errors.New("invalid outbound message")

	// ErrPermanentFailure indicates the messaging API rejected the message
	// for good; it is counted as lost and never retried.
	ErrPermanentFailure = errors.New("message permanently rejected")
)

// ErrorClass is the failure taxonomy shared by delivery and feed fetching.
type ErrorClass string

const (
	ClassNone        ErrorClass = "none"
	ClassTransient   ErrorClass = "transient"
	ClassRateLimited ErrorClass = "rate_limited"
	ClassAuth        ErrorClass = "auth"
	ClassPermanent   ErrorClass = "permanent"

	// ClassCanceled marks a call cut short by its caller's context, which
	// says nothing about the remote side.
	ClassCanceled ErrorClass = "canceled"
)

// statusCoder is implemented by adapter errors carrying an HTTP status.
type statusCoder interface {
	HTTPStatus() int
}

// retryAfterer is implemented by adapter errors carrying a retry hint.
type retryAfterer interface {
	RetryAfterHint() time.Duration
}

// Classify maps an adapter error into the failure taxonomy. Errors the
// adapters do not type are treated as transient so they are retried
// within the queue TTL instead of being dropped.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassNone
	}
	if errors.Is(err, context.Canceled) {
		return ClassTransient
	}

	var ra retryAfterer
	if errors.As(err, &ra) {
		return ClassRateLimited
	}

	var sc statusCoder
	if errors.As(err, &sc) {
		return classifyStatus(sc.HTTPStatus())
	}

	var httpErr *retry.HTTPError
	if errors.As(err, &httpErr) {
		return classifyStatus(httpErr.StatusCode)
	}

	return ClassTransient
}

func classifyStatus(code int) ErrorClass {
	switch {
	case code == http.StatusTooManyRequests:
		return ClassRateLimited
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return ClassAuth
	case code == http.StatusRequestTimeout:
		return ClassTransient
	case code >= 400 && code < 500:
		return ClassPermanent
	default:
		return ClassTransient
	}
}

// RetryAfter extracts the retry hint of a rate-limit error.
func RetryAfter(err error) (time.Duration, bool) {
	var ra retryAfterer
	if errors.As(err, &ra) {
		return ra.RetryAfterHint(), true
	}
	return 0, false
}

// errorCode is the short code stored with health metrics.
func errorCode(err error) string {
	if err == nil {
		return ""
	}
	var sc statusCoder
	if errors.As(err, &sc) {
		return http.StatusText(sc.HTTPStatus())
	}
	if retry.IsNetworkError(err) {
		return "network"
	}
	return string(Classify(err))
}
