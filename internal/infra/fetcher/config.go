package fetcher

import (
	"fmt"
	"log/slog"
	"time"

	pkgconfig "feed-relay/internal/pkg/config"
)

// Config holds the configuration for feed fetching.
type Config struct {
	// Timeout bounds a single HTTP request. The check adds its own overall
	// deadline on top.
	Timeout time.Duration

	// MaxBodySize is enforced while reading, not from Content-Length.
	MaxBodySize int64

	// MaxRedirects is the maximum number of redirects to follow. Each target
	// is validated like the original URL.
	MaxRedirects int

	// DenyPrivateIPs rejects hosts resolving to private addresses (SSRF).
	// Should always be true in production.
	DenyPrivateIPs bool

	UserAgent string
}

// DefaultConfig returns the default fetch configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:        20 * time.Second,
		MaxBodySize:    10 * 1024 * 1024, // 10MB
		MaxRedirects:   5,
		DenyPrivateIPs: true,
		UserAgent:      "FeedRelayBot/1.0",
	}
}

// Validate checks if the configuration values are valid and safe.
func (c *Config) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %v", c.Timeout)
	}

	minBodySize := int64(1024)              // 1KB
	maxBodySize := int64(100 * 1024 * 1024) // 100MB
	if c.MaxBodySize < minBodySize || c.MaxBodySize > maxBodySize {
		return fmt.Errorf("max body size must be between %d and %d bytes, got %d", minBodySize, maxBodySize, c.MaxBodySize)
	}

	if c.MaxRedirects < 0 || c.MaxRedirects > 10 {
		return fmt.Errorf("max redirects must be between 0 and 10, got %d", c.MaxRedirects)
	}

	if c.UserAgent == "" {
		return fmt.Errorf("user agent must not be empty")
	}
	return nil
}

// LoadConfigFromEnv loads the fetch configuration with fail-open semantics:
// invalid values fall back to the defaults and are logged.
//
// Environment variables:
//   - FEED_FETCH_TIMEOUT: duration (default: 20s)
//   - FEED_FETCH_MAX_BODY_MB: megabytes, 1-100 (default: 10)
//   - FEED_FETCH_MAX_REDIRECTS: integer (default: 5)
//   - FEED_FETCH_DENY_PRIVATE_IPS: bool (default: true)
//   - FEED_FETCH_USER_AGENT: string
func LoadConfigFromEnv(logger *slog.Logger) Config {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := DefaultConfig()

	results := map[string]pkgconfig.Outcome{}

	timeout := pkgconfig.LoadEnvDuration("FEED_FETCH_TIMEOUT", cfg.Timeout, func(d time.Duration) error {
		return pkgconfig.ValidateDuration(d, time.Second, 2*time.Minute)
	})
	results["FEED_FETCH_TIMEOUT"] = timeout.Outcome
	cfg.Timeout = timeout.Value

	bodyMB := pkgconfig.LoadEnvInt("FEED_FETCH_MAX_BODY_MB", int(cfg.MaxBodySize>>20), func(v int) error {
		return pkgconfig.ValidateIntRange(v, 1, 100)
	})
	results["FEED_FETCH_MAX_BODY_MB"] = bodyMB.Outcome
	cfg.MaxBodySize = int64(bodyMB.Value) << 20

	redirects := pkgconfig.LoadEnvInt("FEED_FETCH_MAX_REDIRECTS", cfg.MaxRedirects, func(v int) error {
		return pkgconfig.ValidateIntRange(v, 0, 10)
	})
	results["FEED_FETCH_MAX_REDIRECTS"] = redirects.Outcome
	cfg.MaxRedirects = redirects.Value

	deny := pkgconfig.LoadEnvBool("FEED_FETCH_DENY_PRIVATE_IPS", cfg.DenyPrivateIPs)
	results["FEED_FETCH_DENY_PRIVATE_IPS"] = deny.Outcome
	cfg.DenyPrivateIPs = deny.Value

	cfg.UserAgent = pkgconfig.LoadEnvString("FEED_FETCH_USER_AGENT", cfg.UserAgent)

	for key, r := range results {
		for _, w := range r.Warnings {
			logger.Warn("fetch configuration fallback applied",
				slog.String("field", key),
				slog.String("warning", w))
		}
	}
	return cfg
}
