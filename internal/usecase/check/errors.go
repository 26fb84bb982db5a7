package check

import (
	"errors"

	"feed-relay/internal/usecase/delivery"
)

var (
	// ErrUnparseable indicates the fetched document is not a feed. Fetch
	// adapters wrap it so the check treats the failure as permanent.
	ErrUnparseable = errors.New("feed could not be parsed")

	// ErrUnfetchable indicates a feed URL the fetcher refuses to request,
	// such as a private address or an oversized body. Also permanent.
	ErrUnfetchable = errors.New("feed URL cannot be fetched")

	// ErrInvalidJob indicates a job payload that is not a check-feed payload.
	ErrInvalidJob = errors.New("invalid check job")
)

// classifyFetchError maps a fetch failure into the same taxonomy used for
// delivery, so feeds and the messaging API back off alike.
func classifyFetchError(err error) delivery.ErrorClass {
	if errors.Is(err, ErrUnparseable) || errors.Is(err, ErrUnfetchable) {
		return delivery.ClassPermanent
	}
	return delivery.Classify(err)
}
