package notifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"feed-relay/internal/usecase/delivery"
)

// TelegramConfig contains configuration for the Telegram Bot API.
type TelegramConfig struct {
	Token string

	// APIEndpoint overrides tgbotapi.APIEndpoint, e.g. for a local Bot API server.
	APIEndpoint string

	Timeout time.Duration

	// Global send budget. Telegram allows about 30 messages per second per bot.
	RequestsPerSecond float64
	Burst             int
}

// telegramAPI is the part of *tgbotapi.BotAPI the deliverer needs.
type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramDeliverer sends plain-text messages through the Telegram Bot API.
// Destinations are numeric chat ids or @channel usernames.
type TelegramDeliverer struct {
	api         telegramAPI
	rateLimiter *RateLimiter
	logger      *slog.Logger
}

const (
	maxTelegramMessageLength = 4096
	defaultTelegramRetry     = 5 * time.Second
)

// NewTelegramDeliverer authenticates against the Bot API (getMe) and
// returns a deliverer bound to that bot.
func NewTelegramDeliverer(cfg TelegramConfig, logger *slog.Logger) (*TelegramDeliverer, error) {
	if cfg.Token == "" {
		return nil, errors.New("telegram bot token is required")
	}
	if cfg.APIEndpoint == "" {
		cfg.APIEndpoint = tgbotapi.APIEndpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	api, err := tgbotapi.NewBotAPIWithClient(cfg.Token, cfg.APIEndpoint, &http.Client{Timeout: cfg.Timeout})
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", mapTelegramError(err))
	}
	d := newTelegramDeliverer(api, cfg, logger)
	d.logger.Info("telegram bot authorized", slog.String("username", api.Self.UserName))
	return d, nil
}

func newTelegramDeliverer(api telegramAPI, cfg TelegramConfig, logger *slog.Logger) *TelegramDeliverer {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 25
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramDeliverer{
		api:         api,
		rateLimiter: NewRateLimiter(cfg.RequestsPerSecond, cfg.Burst),
		logger:      logger,
	}
}

// Deliver sends content to the chat named by destination.
func (d *TelegramDeliverer) Deliver(ctx context.Context, destination, content string) (delivery.DeliveryResult, error) {
	msg, err := newTelegramMessage(destination, truncate(content, maxTelegramMessageLength, truncationSuffix))
	if err != nil {
		return delivery.DeliveryResult{}, err
	}

	if err := d.rateLimiter.Allow(ctx); err != nil {
		return delivery.DeliveryResult{}, fmt.Errorf("rate limiter error: %w", err)
	}

	// tgbotapi takes no context; the client timeout bounds the call.
	sent, err := d.api.Send(msg)
	if err != nil {
		err = mapTelegramError(err)
		d.logger.Warn("Telegram delivery failed",
			slog.String("destination", destination),
			slog.Any("error", err))
		return delivery.DeliveryResult{}, err
	}
	return delivery.DeliveryResult{MessageID: strconv.Itoa(sent.MessageID)}, nil
}

func newTelegramMessage(destination, text string) (tgbotapi.MessageConfig, error) {
	destination = strings.TrimSpace(destination)
	if strings.HasPrefix(destination, "@") && len(destination) > 1 {
		return tgbotapi.NewMessageToChannel(destination, text), nil
	}
	chatID, err := strconv.ParseInt(destination, 10, 64)
	if err != nil {
		return tgbotapi.MessageConfig{}, &ClientError{
			StatusCode: http.StatusBadRequest,
			Message:    fmt.Sprintf("invalid telegram chat id %q", destination),
		}
	}
	return tgbotapi.NewMessage(chatID, text), nil
}

// mapTelegramError converts Bot API errors to the typed errors of this
// package. Transport and decoding errors are returned as they are.
func mapTelegramError(err error) error {
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) {
		return err
	}
	var retryAfter time.Duration
	if apiErr.Code == http.StatusTooManyRequests {
		retryAfter = time.Duration(apiErr.RetryAfter) * time.Second
		if retryAfter <= 0 {
			retryAfter = defaultTelegramRetry
		}
	}
	return statusError("Telegram", apiErr.Code, retryAfter, apiErr.Message)
}
