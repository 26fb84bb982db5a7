package entity

import "time"

// Item is one normalized feed entry.
// ID is the stable identity used as cursor value; AltIDs carries other
// identities the same entry is known by (guid, link).
type Item struct {
	ID          string
	AltIDs      []string
	Title       string
	Link        string
	Content     string
	PublishedAt *time.Time
}

// Matches reports whether id is this item's identity or one of its alternates.
func (i Item) Matches(id string) bool {
	if i.ID == id {
		return true
	}
	for _, alt := range i.AltIDs {
		if alt == id {
			return true
		}
	}
	return false
}
