package fetcher

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mmcdole/gofeed"

	"feed-relay/internal/domain/entity"
	"feed-relay/internal/resilience/retry"
	"feed-relay/internal/usecase/check"
)

const acceptFeeds = "application/rss+xml, application/atom+xml, application/feed+json, application/xml;q=0.9, text/xml;q=0.9, */*;q=0.5"

// defaultRetryAfter is used for 429 responses without a usable Retry-After.
const defaultRetryAfter = time.Minute

// RSSFetcher implements check.Fetcher using the gofeed library.
// It makes one request per call; retries, breaking and backoff belong to
// the feed check.
type RSSFetcher struct {
	client  *http.Client
	config  Config
	limiter *DomainLimiter
	tokens  *TokenSource
	logger  *slog.Logger
}

var _ check.Fetcher = (*RSSFetcher)(nil)

// NewRSSFetcher creates an RSSFetcher. limiter and tokens are optional.
func NewRSSFetcher(cfg Config, limiter *DomainLimiter, tokens *TokenSource, logger *slog.Logger) *RSSFetcher {
	if logger == nil {
		logger = slog.Default()
	}
	f := &RSSFetcher{
		config:  cfg,
		limiter: limiter,
		tokens:  tokens,
		logger:  logger,
	}

	f.client = &http.Client{
		Timeout: cfg.Timeout,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= f.config.MaxRedirects {
				return fmt.Errorf("%w: %d redirects", ErrTooManyRedirects, len(via))
			}
			if err := validateURL(req.URL.String(), f.config.DenyPrivateIPs); err != nil {
				return fmt.Errorf("redirect target validation failed: %w", err)
			}
			return nil
		},
	}
	return f
}

// Fetch retrieves and parses the feed at feedURL.
//
// Error types:
//   - ErrInvalidURL, ErrPrivateIP, ErrBodyTooLarge, ErrTooManyRedirects: permanent
//   - check.ErrUnparseable: the body is not a feed
//   - *RateLimitError: 429 with the host's Retry-After
//   - *retry.HTTPError: any other non-2xx status
//   - network errors: returned wrapped
func (f *RSSFetcher) Fetch(ctx context.Context, feedURL string) ([]entity.Item, error) {
	if err := validateURL(feedURL, f.config.DenyPrivateIPs); err != nil {
		return nil, err
	}

	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, feedURL); err != nil {
			return nil, fmt.Errorf("domain rate limiter: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create request: %v", ErrInvalidURL, err)
	}
	req.Header.Set("User-Agent", f.config.UserAgent)
	req.Header.Set("Accept", acceptFeeds)

	authorized := false
	if f.tokens != nil {
		token, ok, err := f.tokens.Token(ctx, feedURL)
		if err != nil {
			return nil, err
		}
		if ok {
			req.Header.Set("Authorization", "Bearer "+token)
			authorized = true
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		// surface redirect validation errors unwrapped
		var urlErr *url.Error
		if errors.As(err, &urlErr) && errors.Is(urlErr.Err, check.ErrUnfetchable) {
			return nil, urlErr.Err
		}
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil, f.statusError(feedURL, resp, authorized)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.config.MaxBodySize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if int64(len(body)) > f.config.MaxBodySize {
		return nil, fmt.Errorf("%w: exceeds %d bytes", ErrBodyTooLarge, f.config.MaxBodySize)
	}

	feed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", check.ErrUnparseable, err)
	}

	items := toItems(feed.Items)
	f.logger.Debug("feed fetched",
		slog.String("url", feedURL),
		slog.Int("items", len(items)))
	return items, nil
}

func (f *RSSFetcher) statusError(feedURL string, resp *http.Response, authorized bool) error {
	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return &RateLimitError{URL: feedURL, RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())}
	case http.StatusUnauthorized:
		if authorized {
			f.tokens.Invalidate(feedURL)
		}
	}
	return &retry.HTTPError{StatusCode: resp.StatusCode, Message: resp.Status}
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return defaultRetryAfter
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return defaultRetryAfter
}
