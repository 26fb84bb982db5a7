package fetcher

import (
	"testing"
	"time"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected default config to be valid, got %v", err)
	}
	if !cfg.DenyPrivateIPs {
		t.Error("expected DenyPrivateIPs to default to true")
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "zero timeout", mutate: func(c *Config) { c.Timeout = 0 }},
		{name: "tiny body", mutate: func(c *Config) { c.MaxBodySize = 10 }},
		{name: "huge body", mutate: func(c *Config) { c.MaxBodySize = 1 << 40 }},
		{name: "negative redirects", mutate: func(c *Config) { c.MaxRedirects = -1 }},
		{name: "too many redirects", mutate: func(c *Config) { c.MaxRedirects = 11 }},
		{name: "empty user agent", mutate: func(c *Config) { c.UserAgent = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("FEED_FETCH_TIMEOUT", "45s")
	t.Setenv("FEED_FETCH_MAX_BODY_MB", "2")
	t.Setenv("FEED_FETCH_MAX_REDIRECTS", "99") // out of range, falls back
	t.Setenv("FEED_FETCH_DENY_PRIVATE_IPS", "false")
	t.Setenv("FEED_FETCH_USER_AGENT", "custom/2.0")

	cfg := LoadConfigFromEnv(nil)

	if cfg.Timeout != 45*time.Second {
		t.Errorf("expected timeout 45s, got %v", cfg.Timeout)
	}
	if cfg.MaxBodySize != 2<<20 {
		t.Errorf("expected 2MB body limit, got %d", cfg.MaxBodySize)
	}
	if cfg.MaxRedirects != 5 {
		t.Errorf("expected fallback to 5 redirects, got %d", cfg.MaxRedirects)
	}
	if cfg.DenyPrivateIPs {
		t.Error("expected DenyPrivateIPs=false")
	}
	if cfg.UserAgent != "custom/2.0" {
		t.Errorf("expected custom user agent, got %q", cfg.UserAgent)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected loaded config to be valid, got %v", err)
	}
}
