package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DomainConfig is the optional per-domain tuning file (DOMAIN_CONFIG_PATH).
//
//	defaults:
//	  requests_per_minute: 30
//	  burst: 5
//	domains:
//	  - domain: reddit.com
//	    requests_per_minute: 10
//	    burst: 2
//	    priority: 1
//	    auth:
//	      token_url: https://www.reddit.com/api/v1/access_token
//	      client_id_env: REDDIT_CLIENT_ID
//	      client_secret_env: REDDIT_CLIENT_SECRET
type DomainConfig struct {
	Defaults RateLimit    `yaml:"defaults"`
	Domains  []DomainRule `yaml:"domains"`
}

// RateLimit bounds outbound fetches to one domain.
type RateLimit struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// DomainRule holds the overrides for one registrable domain.
type DomainRule struct {
	Domain            string  `yaml:"domain"`
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
	// Priority overrides the built-in dispatch priority; 0 keeps it.
	Priority int         `yaml:"priority"`
	Auth     *DomainAuth `yaml:"auth"`
}

// DomainAuth configures an OAuth client-credentials grant for a domain.
// Secrets are referenced by environment variable name, never stored inline.
type DomainAuth struct {
	TokenURL        string   `yaml:"token_url"`
	ClientIDEnv     string   `yaml:"client_id_env"`
	ClientSecretEnv string   `yaml:"client_secret_env"`
	Scopes          []string `yaml:"scopes"`
}

// DefaultDomainConfig is used when no file is configured.
func DefaultDomainConfig() *DomainConfig {
	return &DomainConfig{
		Defaults: RateLimit{RequestsPerMinute: 30, Burst: 5},
	}
}

// LoadDomainConfig loads the domain configuration from a YAML file.
// An empty path returns the defaults.
func LoadDomainConfig(path string) (*DomainConfig, error) {
	if path == "" {
		return DefaultDomainConfig(), nil
	}

	// #nosec G304 -- path comes from the operator's environment
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read domain config: %w", err)
	}

	cfg := DefaultDomainConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse domain config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("domain config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks limits and auth blocks and normalizes domain names.
func (c *DomainConfig) Validate() error {
	if c.Defaults.RequestsPerMinute <= 0 {
		return fmt.Errorf("defaults.requests_per_minute must be positive")
	}
	if c.Defaults.Burst <= 0 {
		return fmt.Errorf("defaults.burst must be positive")
	}

	seen := make(map[string]bool, len(c.Domains))
	for i := range c.Domains {
		r := &c.Domains[i]
		r.Domain = strings.ToLower(strings.TrimSpace(r.Domain))
		if r.Domain == "" {
			return fmt.Errorf("domains[%d]: domain is required", i)
		}
		if seen[r.Domain] {
			return fmt.Errorf("domains[%d]: duplicate domain %q", i, r.Domain)
		}
		seen[r.Domain] = true
		if r.RequestsPerMinute < 0 || r.Burst < 0 {
			return fmt.Errorf("domain %s: limits must not be negative", r.Domain)
		}
		if r.Priority < 0 {
			return fmt.Errorf("domain %s: priority must not be negative", r.Domain)
		}
		if r.Auth != nil {
			if r.Auth.TokenURL == "" || r.Auth.ClientIDEnv == "" || r.Auth.ClientSecretEnv == "" {
				return fmt.Errorf("domain %s: auth requires token_url, client_id_env and client_secret_env", r.Domain)
			}
		}
	}
	return nil
}

// LimitFor returns the effective rate limit for domain.
func (c *DomainConfig) LimitFor(domain string) RateLimit {
	limit := c.Defaults
	for _, r := range c.Domains {
		if r.Domain != domain {
			continue
		}
		if r.RequestsPerMinute > 0 {
			limit.RequestsPerMinute = r.RequestsPerMinute
		}
		if r.Burst > 0 {
			limit.Burst = r.Burst
		}
		break
	}
	return limit
}

// PriorityOverrides returns the configured priorities keyed by domain.
func (c *DomainConfig) PriorityOverrides() map[string]int {
	out := make(map[string]int)
	for _, r := range c.Domains {
		if r.Priority > 0 {
			out[r.Domain] = r.Priority
		}
	}
	return out
}

// AuthDomains returns the rules that carry an auth block.
func (c *DomainConfig) AuthDomains() []DomainRule {
	var out []DomainRule
	for _, r := range c.Domains {
		if r.Auth != nil {
			out = append(out, r)
		}
	}
	return out
}
