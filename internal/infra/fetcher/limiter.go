package fetcher

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"feed-relay/internal/config"
	"feed-relay/internal/pkg/domainkey"
)

// DomainLimiter keeps fetches to each registrable domain under the rate set
// in the domain config. Limiters are created on first use.
type DomainLimiter struct {
	cfg      *config.DomainConfig
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewDomainLimiter creates a limiter set; nil cfg uses the built-in defaults.
func NewDomainLimiter(cfg *config.DomainConfig) *DomainLimiter {
	if cfg == nil {
		cfg = config.DefaultDomainConfig()
	}
	return &DomainLimiter{cfg: cfg, limiters: make(map[string]*rate.Limiter)}
}

// Wait blocks until a fetch of feedURL is allowed or ctx is done.
func (l *DomainLimiter) Wait(ctx context.Context, feedURL string) error {
	return l.limiter(domainkey.FromURL(feedURL)).Wait(ctx)
}

func (l *DomainLimiter) limiter(domain string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok := l.limiters[domain]; ok {
		return lim
	}
	limit := l.cfg.LimitFor(domain)
	lim := rate.NewLimiter(rate.Limit(limit.RequestsPerMinute/60), limit.Burst)
	l.limiters[domain] = lim
	return lim
}
