package fetcher

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"feed-relay/internal/domain/entity"
	"feed-relay/internal/pkg/domainkey"
)

var (
	redditCommentsRe = regexp.MustCompile(`/comments/([a-z0-9]+)`)
	statusRe         = regexp.MustCompile(`/status(?:es)?/(\d+)`)
	youtubeGUIDRe    = regexp.MustCompile(`^yt:video:([A-Za-z0-9_-]{6,})$`)
)

// ItemID derives the identity of a feed entry, most stable source first:
//
//  1. a permalink id for platforms whose links and guids drift
//     (reddit /comments/<id>, x/twitter /status/<id>, youtube v=<id>)
//  2. the guid
//  3. the link
//  4. a hash of title and publication time
//
// The returned alternates hold the guid and link when they differ from the
// id, so a source that switches identity schemes is still recognized.
func ItemID(it *gofeed.Item) (string, []string) {
	guid := strings.TrimSpace(it.GUID)
	link := strings.TrimSpace(it.Link)

	id := permalinkID(link)
	if id == "" {
		id = permalinkID(guid)
	}
	if id == "" {
		id = guid
	}
	if id == "" {
		id = link
	}
	if id == "" {
		id = hashID(it.Title, published(it))
	}

	var alts []string
	for _, alt := range []string{guid, link} {
		if alt != "" && alt != id && !slices.Contains(alts, alt) {
			alts = append(alts, alt)
		}
	}
	return id, alts
}

// permalinkID extracts the platform id from a reddit, x/twitter or youtube
// URL (or youtube guid). It returns "" for anything else.
func permalinkID(raw string) string {
	if raw == "" {
		return ""
	}
	if m := youtubeGUIDRe.FindStringSubmatch(raw); m != nil {
		return "youtube:" + m[1]
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	host := domainkey.Host(raw)

	switch {
	case domainkey.Matches(host, "reddit.com"):
		if m := redditCommentsRe.FindStringSubmatch(u.Path); m != nil {
			return "reddit:" + m[1]
		}
	case domainkey.Matches(host, "x.com"), domainkey.Matches(host, "twitter.com"):
		if m := statusRe.FindStringSubmatch(u.Path); m != nil {
			return "x:" + m[1]
		}
	case domainkey.Matches(host, "youtube.com"):
		if v := u.Query().Get("v"); v != "" {
			return "youtube:" + v
		}
		if strings.HasPrefix(u.Path, "/shorts/") {
			if v := strings.Trim(strings.TrimPrefix(u.Path, "/shorts/"), "/"); v != "" {
				return "youtube:" + v
			}
		}
	case host == "youtu.be":
		if v := strings.Trim(u.Path, "/"); v != "" {
			return "youtube:" + v
		}
	}
	return ""
}

func hashID(title string, publishedAt *time.Time) string {
	ts := ""
	if publishedAt != nil {
		ts = publishedAt.UTC().Format(time.RFC3339)
	}
	sum := sha256.Sum256([]byte(strings.TrimSpace(title) + "|" + ts))
	return "sha256:" + hex.EncodeToString(sum[:])[:32]
}

func published(it *gofeed.Item) *time.Time {
	switch {
	case it.PublishedParsed != nil:
		t := it.PublishedParsed.UTC()
		return &t
	case it.UpdatedParsed != nil:
		t := it.UpdatedParsed.UTC()
		return &t
	}
	return nil
}

// toItems converts parsed entries in feed order.
func toItems(entries []*gofeed.Item) []entity.Item {
	items := make([]entity.Item, 0, len(entries))
	for _, it := range entries {
		if it == nil {
			continue
		}
		id, alts := ItemID(it)

		content := it.Content
		if content == "" {
			content = it.Description
		}

		items = append(items, entity.Item{
			ID:          id,
			AltIDs:      alts,
			Title:       strings.TrimSpace(it.Title),
			Link:        strings.TrimSpace(it.Link),
			Content:     content,
			PublishedAt: published(it),
		})
	}
	return items
}
