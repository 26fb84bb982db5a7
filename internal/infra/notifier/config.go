package notifier

import (
	"fmt"
	"net/url"
	"strings"

	"feed-relay/internal/pkg/config"
)

// LoadConfigFromEnv reads the messaging backend settings.
//
// Environment variables:
//   - DELIVERY_BACKEND: telegram, discord or none (default: none)
//   - TELEGRAM_BOT_TOKEN: required for telegram
//   - TELEGRAM_API_ENDPOINT: Bot API endpoint format, for self-hosted servers
//   - DISCORD_WEBHOOK_URL: required for discord
//
// Unlike the worker tunables these are not fail-open: a backend that
// cannot send anything is a startup error.
func LoadConfigFromEnv() (Config, error) {
	cfg := Config{
		Backend: strings.ToLower(config.LoadEnvString("DELIVERY_BACKEND", BackendNone)),
		Telegram: TelegramConfig{
			Token:       config.LoadEnvString("TELEGRAM_BOT_TOKEN", ""),
			APIEndpoint: config.LoadEnvString("TELEGRAM_API_ENDPOINT", ""),
		},
		Discord: DiscordConfig{
			WebhookURL: config.LoadEnvString("DISCORD_WEBHOOK_URL", ""),
		},
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the selected backend has what it needs.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendTelegram:
		if c.Telegram.Token == "" {
			return fmt.Errorf("telegram backend: TELEGRAM_BOT_TOKEN is required")
		}
		if c.Telegram.APIEndpoint != "" && strings.Count(c.Telegram.APIEndpoint, "%s") != 2 {
			return fmt.Errorf("telegram backend: API endpoint must contain two %%s verbs")
		}
	case BackendDiscord:
		if err := validateWebhookURL(c.Discord.WebhookURL); err != nil {
			return fmt.Errorf("discord backend: %w", err)
		}
	case BackendNone, "":
	default:
		return fmt.Errorf("unknown delivery backend %q", c.Backend)
	}
	return nil
}

func validateWebhookURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("DISCORD_WEBHOOK_URL is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid webhook URL: %w", err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("webhook URL must use HTTPS")
	}
	if u.Host != "discord.com" && u.Host != "discordapp.com" {
		return fmt.Errorf("invalid webhook host %q", u.Host)
	}
	if !strings.HasPrefix(u.Path, "/api/webhooks/") {
		return fmt.Errorf("invalid webhook path %q", u.Path)
	}
	return nil
}
