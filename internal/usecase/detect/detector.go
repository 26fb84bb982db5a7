// Package detect computes, for one feed check, which fetched items are new
// relative to the stored cursor and which cursor to persist next.
//
// The detector never floods: a first-ever check emits nothing (unless a
// manual force is pending) and a cursor that fell out of the fetched window
// yields a small, recency-bounded subset instead of the whole list.
package detect

import (
	"log/slog"
	"sort"
	"time"

	"feed-relay/internal/domain/entity"
	"feed-relay/internal/pkg/clock"
)

// Outcome names the branch the detector took.
type Outcome string

const (
	OutcomeFirstCheck   Outcome = "first_check"
	OutcomeForced       Outcome = "forced"
	OutcomeUnchanged    Outcome = "unchanged"
	OutcomeNewItems     Outcome = "new_items"
	OutcomeIdentitySwap Outcome = "identity_swap"
	OutcomeDesync       Outcome = "desync"
	OutcomeEmpty        Outcome = "empty"
)

// Config bounds the detector's fallback behaviour.
type Config struct {
	// DesyncWindow is how recent an item must be to be emitted when the
	// cursor was not found among the fetched items.
	DesyncWindow time.Duration

	// DesyncMaxItems caps the items emitted on a desync.
	DesyncMaxItems int

	// ForceMaxItems caps the items emitted by a forced first check.
	ForceMaxItems int
}

// DefaultConfig returns the detector defaults: 2h desync window, at most 3
// desync items and at most 10 forced items.
func DefaultConfig() Config {
	return Config{
		DesyncWindow:   2 * time.Hour,
		DesyncMaxItems: 3,
		ForceMaxItems:  10,
	}
}

// Input is one check's view of a feed.
type Input struct {
	FeedID string
	// Items as fetched; Detect normalizes them.
	Items []entity.Item
	// Cursor is the stored cursor, "" when none was established.
	Cursor string
	// ForceProcessAll asks a cursor-less check to emit recent items.
	ForceProcessAll bool
}

// Result is the detector's decision.
type Result struct {
	Outcome Outcome
	// NewItems are newest-first.
	NewItems []entity.Item
	// Cursor is the value to persist; equal to the input cursor when
	// nothing was fetched.
	Cursor string
	// CursorChanged reports that the top item differs from the input cursor.
	CursorChanged bool
}

// Detector computes new items for feed checks. It is stateless apart from
// its configuration and safe for concurrent use.
type Detector struct {
	cfg    Config
	clock  clock.Clock
	logger *slog.Logger
}

// New creates a Detector. Non-positive config values use DefaultConfig.
func New(cfg Config, clk clock.Clock, logger *slog.Logger) *Detector {
	def := DefaultConfig()
	if cfg.DesyncWindow <= 0 {
		cfg.DesyncWindow = def.DesyncWindow
	}
	if cfg.DesyncMaxItems <= 0 {
		cfg.DesyncMaxItems = def.DesyncMaxItems
	}
	if cfg.ForceMaxItems <= 0 {
		cfg.ForceMaxItems = def.ForceMaxItems
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{cfg: cfg, clock: clock.OrSystem(clk), logger: logger}
}

// Detect runs the change detection for one check.
func (d *Detector) Detect(in Input) Result {
	items := Normalize(in.Items)

	if len(items) == 0 {
		recordOutcome(OutcomeEmpty)
		return Result{Outcome: OutcomeEmpty, Cursor: in.Cursor}
	}

	top := items[0]
	res := Result{Cursor: top.ID, CursorChanged: top.ID != in.Cursor}

	if in.Cursor == "" {
		if in.ForceProcessAll {
			res.Outcome = OutcomeForced
			res.NewItems = head(items, d.cfg.ForceMaxItems)
		} else {
			res.Outcome = OutcomeFirstCheck
		}
		recordOutcome(res.Outcome)
		recordNewItems(len(res.NewItems))
		return res
	}

	pos := position(items, in.Cursor)
	switch {
	case pos == 0 && top.ID == in.Cursor:
		res.Outcome = OutcomeUnchanged
	case pos == 0:
		// the cursor only matched an alternate identity of the top item
		res.Outcome = OutcomeIdentitySwap
		res.NewItems = []entity.Item{top}
		d.logger.Warn("top item identity differs from cursor",
			slog.String("feed_id", in.FeedID),
			slog.String("cursor", in.Cursor),
			slog.String("top_item_id", top.ID))
	case pos > 0:
		res.Outcome = OutcomeNewItems
		res.NewItems = append([]entity.Item(nil), items[:pos]...)
	default:
		res.Outcome = OutcomeDesync
		res.NewItems = d.recentSubset(items)
		d.logger.Warn("cursor not found in fetched items, emitting bounded recent subset",
			slog.String("feed_id", in.FeedID),
			slog.String("cursor", in.Cursor),
			slog.Int("fetched", len(items)),
			slog.Int("emitted", len(res.NewItems)))
	}

	recordOutcome(res.Outcome)
	recordNewItems(len(res.NewItems))
	return res
}

// recentSubset picks items published within the desync window, capped.
// Without any timestamps the top items stand in for "recent".
func (d *Detector) recentSubset(items []entity.Item) []entity.Item {
	now := d.clock.Now()
	cutoff := now.Add(-d.cfg.DesyncWindow)

	timestamped := false
	var out []entity.Item
	for _, it := range items {
		if it.PublishedAt == nil {
			continue
		}
		timestamped = true
		if it.PublishedAt.After(cutoff) && len(out) < d.cfg.DesyncMaxItems {
			out = append(out, it)
		}
	}
	if !timestamped {
		return head(items, d.cfg.DesyncMaxItems)
	}
	return out
}

// Normalize deduplicates items by identity, first occurrence winning, and
// stable-sorts them newest-first. Items without a timestamp keep their
// relative order and go last. Items without an identity are dropped.
func Normalize(items []entity.Item) []entity.Item {
	seen := make(map[string]struct{}, len(items))
	out := make([]entity.Item, 0, len(items))
	for _, it := range items {
		if it.ID == "" {
			continue
		}
		if _, dup := seen[it.ID]; dup {
			continue
		}
		seen[it.ID] = struct{}{}
		out = append(out, it)
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].PublishedAt, out[j].PublishedAt
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.After(*b)
		}
	})
	return out
}

func position(items []entity.Item, cursor string) int {
	for i, it := range items {
		if it.Matches(cursor) {
			return i
		}
	}
	return -1
}

func head(items []entity.Item, n int) []entity.Item {
	if n > len(items) {
		n = len(items)
	}
	return append([]entity.Item(nil), items[:n]...)
}
