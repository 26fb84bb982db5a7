package schedule

import "errors"

var (
	// ErrRemovalFailed indicates a recurring job survived every removal
	// strategy. Callers must not delete the feed record in that case.
	ErrRemovalFailed = errors.New("recurring job removal failed")

	// ErrInvalidInterval indicates a polling interval below one minute.
	ErrInvalidInterval = errors.New("interval must be at least one minute")
)
