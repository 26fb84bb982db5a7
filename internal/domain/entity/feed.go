package entity

import (
	"strings"
	"time"
)

// Feed is a registered remote feed and the owner of its cursor.
// LastItemID is the cursor: the identity of the newest item seen on the
// previous successful check, nil until the first check establishes it.
type Feed struct {
	ID              string
	ChatID          string
	URL             string
	Title           string
	IntervalMinutes int

	LastItemID      *string
	CursorChangedAt *time.Time
	LastCheckedAt   *time.Time

	ConsecutiveFailures int
	NextCheckAfter      *time.Time

	// ForceProcessAll asks the next check to emit recent items even when no
	// cursor exists. It is cleared once a check consumes it.
	ForceProcessAll bool

	CreatedAt time.Time
}

// MinIntervalMinutes is the smallest polling interval a feed may use.
const MinIntervalMinutes = 1

// Validate checks the fields required to register a feed.
func (f *Feed) Validate() error {
	if strings.TrimSpace(f.ID) == "" {
		return &ValidationError{Field: "id", Message: "is required"}
	}
	if _, err := ParseRecurringJobID(RecurringJobID(f.ID)); err != nil {
		return &ValidationError{Field: "id", Message: "may only contain letters, digits, '_', '.', ':' and '-'"}
	}
	if strings.TrimSpace(f.ChatID) == "" {
		return &ValidationError{Field: "chatId", Message: "is required"}
	}
	if err := ValidateURL(f.URL); err != nil {
		return err
	}
	if f.IntervalMinutes < MinIntervalMinutes {
		return &ValidationError{Field: "intervalMinutes", Message: "must be at least 1"}
	}
	return nil
}

// HasCursor reports whether a cursor has been established.
func (f *Feed) HasCursor() bool {
	return f.LastItemID != nil && *f.LastItemID != ""
}

// Cursor returns the cursor value or "" when absent.
func (f *Feed) Cursor() string {
	if f.LastItemID == nil {
		return ""
	}
	return *f.LastItemID
}

// InBackoff reports whether the feed is still waiting out a failure backoff.
func (f *Feed) InBackoff(now time.Time) bool {
	return f.NextCheckAfter != nil && now.Before(*f.NextCheckAfter)
}

// CheckJob builds the check job payload for this feed.
func (f *Feed) CheckJob() FeedCheckJob {
	job := FeedCheckJob{
		FeedID:          f.ID,
		ChatID:          f.ChatID,
		FeedURL:         f.URL,
		ForceProcessAll: f.ForceProcessAll,
	}
	if f.LastItemID != nil {
		cursor := *f.LastItemID
		job.LastItemID = &cursor
	}
	return job
}
