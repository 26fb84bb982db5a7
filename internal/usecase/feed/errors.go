// Package feed provides the feed registry use cases: registering a feed
// together with its recurring check, deleting it only after the check is
// verifiably gone, and the manual reschedule and force operations.
package feed

import "errors"

// Sentinel errors for feed use case operations.
var (
	// ErrFeedNotFound indicates that the requested feed is not registered.
	ErrFeedNotFound = errors.New("feed not found")

	// ErrFeedExists indicates that a feed with the same id is already registered.
	ErrFeedExists = errors.New("feed already registered")

	// ErrJobRemovalFailed indicates the feed's recurring check could not be
	// removed. The feed record is kept so the job never runs against a
	// missing feed.
	ErrJobRemovalFailed = errors.New("recurring check removal failed")
)
