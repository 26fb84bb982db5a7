// Package notifier provides the messaging adapters behind delivery.Deliverer.
//
// TelegramDeliverer talks to the Bot API, DiscordDeliverer posts to a
// webhook, and NoOpDeliverer swallows messages when delivery is disabled.
// All of them make exactly one attempt per call: retries, queuing and
// circuit breaking belong to the delivery use case, which needs the typed
// errors from common.go to decide what to do next.
package notifier

import (
	"fmt"
	"log/slog"

	"feed-relay/internal/usecase/delivery"
)

var (
	_ delivery.Deliverer = (*TelegramDeliverer)(nil)
	_ delivery.Deliverer = (*DiscordDeliverer)(nil)
	_ delivery.Deliverer = (*NoOpDeliverer)(nil)
)

// Backend names accepted by New.
const (
	BackendTelegram = "telegram"
	BackendDiscord  = "discord"
	BackendNone     = "none"
)

// Config selects and configures a messaging backend.
type Config struct {
	Backend  string
	Telegram TelegramConfig
	Discord  DiscordConfig
}

// New builds the deliverer for cfg.Backend.
func New(cfg Config, logger *slog.Logger) (delivery.Deliverer, error) {
	switch cfg.Backend {
	case BackendTelegram:
		return NewTelegramDeliverer(cfg.Telegram, logger)
	case BackendDiscord:
		return NewDiscordDeliverer(cfg.Discord, logger), nil
	case BackendNone, "":
		return NewNoOpDeliverer(), nil
	default:
		return nil, fmt.Errorf("unknown delivery backend %q", cfg.Backend)
	}
}

// APIHost returns the breaker key of the messaging API used by cfg.
func APIHost(cfg Config) string {
	switch cfg.Backend {
	case BackendTelegram:
		return "api.telegram.org"
	case BackendDiscord:
		return "discord.com"
	default:
		return "noop"
	}
}
