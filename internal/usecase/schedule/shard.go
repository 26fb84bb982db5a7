package schedule

import (
	"hash/fnv"
	"strings"
	"sync"

	"feed-relay/internal/pkg/domainkey"
)

// Dispatch priorities. Lower numbers are claimed first by the worker pool.
const (
	PriorityHigh    = 1
	PriorityMedium  = 5
	PriorityDefault = 10
)

// Shard maps a feed to a worker shard with FNV-1a, so a feed is always
// processed by the same shard.
func Shard(feedID string, workers int) int {
	if workers <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(feedID))
	return int(h.Sum32() % uint32(workers))
}

var (
	socialDomains = []string{
		"x.com", "twitter.com", "reddit.com", "bsky.app", "threads.net", "t.me",
	}
	aggregatorDomains = []string{
		"news.ycombinator.com", "news.google.com", "feedburner.com", "feeds.feedburner.com",
		"medium.com", "substack.com", "lobste.rs",
	}
)

// PriorityRules assigns dispatch priorities from a feed's host: fast-moving
// social sources first, aggregators next, everything else last.
type PriorityRules struct {
	mu        sync.RWMutex
	overrides map[string]int
}

// NewPriorityRules returns the built-in rules extended by overrides, keyed
// by domain. An override matches the domain and its subdomains.
func NewPriorityRules(overrides map[string]int) *PriorityRules {
	r := &PriorityRules{overrides: make(map[string]int, len(overrides))}
	for domain, p := range overrides {
		r.Set(domain, p)
	}
	return r
}

// Set adds or replaces an override.
func (r *PriorityRules) Set(domain string, priority int) {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return
	}
	r.mu.Lock()
	r.overrides[domain] = priority
	r.mu.Unlock()
}

// Priority returns the dispatch priority for feedURL.
func (r *PriorityRules) Priority(feedURL string) int {
	host := domainkey.Host(feedURL)
	if host == "" {
		return PriorityDefault
	}

	if r != nil {
		r.mu.RLock()
		best, bestLen := 0, -1
		for domain, p := range r.overrides {
			if domainkey.Matches(host, domain) && len(domain) > bestLen {
				best, bestLen = p, len(domain)
			}
		}
		r.mu.RUnlock()
		if bestLen >= 0 {
			return best
		}
	}

	for _, d := range aggregatorDomains {
		if domainkey.Matches(host, d) {
			return PriorityMedium
		}
	}
	if strings.HasPrefix(host, "mastodon.") {
		return PriorityHigh
	}
	for _, d := range socialDomains {
		if domainkey.Matches(host, d) {
			return PriorityHigh
		}
	}
	return PriorityDefault
}

// DomainPriority applies the built-in rules without overrides.
func DomainPriority(feedURL string) int {
	return (*PriorityRules)(nil).Priority(feedURL)
}
