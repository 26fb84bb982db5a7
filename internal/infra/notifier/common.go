package notifier

import (
	"fmt"
	"net/http"
	"time"
	"unicode/utf8"
)

// Typed errors shared by the Telegram and Discord deliverers. They carry the
// HTTP status (and retry hint) so delivery.Classify can sort them without
// knowing the backend.

// RateLimitError represents a 429 response from a messaging API.
type RateLimitError struct {
	RetryAfter time.Duration
	Message    string // Optional custom message
}

func (e *RateLimitError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s (retry after %v)", e.Message, e.RetryAfter)
	}
	return fmt.Sprintf("rate limit exceeded (retry after %v)", e.RetryAfter)
}

// RetryAfterHint returns the wait requested by the API.
func (e *RateLimitError) RetryAfterHint() time.Duration { return e.RetryAfter }

// HTTPStatus always reports 429.
func (e *RateLimitError) HTTPStatus() int { return http.StatusTooManyRequests }

// AuthError represents a 401 or 403 response: the credential is invalid or
// the bot lost access to the destination.
type AuthError struct {
	StatusCode int
	Message    string
}

func (e *AuthError) Error() string   { return e.Message }
func (e *AuthError) HTTPStatus() int { return e.StatusCode }

// ClientError represents any other 4xx response. Retrying will not help.
type ClientError struct {
	StatusCode int
	Message    string
}

func (e *ClientError) Error() string   { return e.Message }
func (e *ClientError) HTTPStatus() int { return e.StatusCode }

// ServerError represents a 5xx response.
type ServerError struct {
	StatusCode int
	Message    string
}

func (e *ServerError) Error() string   { return e.Message }
func (e *ServerError) HTTPStatus() int { return e.StatusCode }

// statusError maps a non-2xx status to the typed errors above.
func statusError(service string, status int, retryAfter time.Duration, detail string) error {
	switch {
	case status == http.StatusTooManyRequests:
		return &RateLimitError{
			Message:    service + " rate limit exceeded",
			RetryAfter: retryAfter,
		}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &AuthError{
			StatusCode: status,
			Message:    fmt.Sprintf("%s API auth error (%d): %s", service, status, detail),
		}
	case status >= 400 && status < 500:
		return &ClientError{
			StatusCode: status,
			Message:    fmt.Sprintf("%s API client error (%d): %s", service, status, detail),
		}
	case status >= 500:
		return &ServerError{
			StatusCode: status,
			Message:    fmt.Sprintf("%s API server error (%d): %s", service, status, detail),
		}
	}
	return fmt.Errorf("unexpected status code %d: %s", status, detail)
}

// truncate cuts text to maxRunes characters, appending suffix when it had to cut.
func truncate(text string, maxRunes int, suffix string) string {
	if utf8.RuneCountInString(text) <= maxRunes {
		return text
	}
	keep := maxRunes - utf8.RuneCountInString(suffix)
	if keep < 0 {
		keep = 0
	}
	runes := []rune(text)
	return string(runes[:keep]) + suffix
}
