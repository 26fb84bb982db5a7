package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"feed-relay/internal/usecase/delivery"
)

// DiscordConfig contains configuration for Discord webhook delivery.
type DiscordConfig struct {
	// WebhookURL is the default Discord webhook URL (includes authentication token)
	WebhookURL string

	// Timeout is the HTTP request timeout for Discord API calls
	Timeout time.Duration

	// RequestsPerSecond and Burst bound the webhook call rate. Zero values
	// use the Discord webhook limit of 30 requests per minute.
	RequestsPerSecond float64
	Burst             int
}

// DiscordDeliverer posts messages to a Discord webhook.
//
// The destination passed to Deliver is either a full webhook URL, a thread
// id inside the default webhook's channel, or empty for the channel itself.
type DiscordDeliverer struct {
	config      DiscordConfig
	httpClient  *http.Client
	rateLimiter *RateLimiter
	logger      *slog.Logger
}

// NewDiscordDeliverer creates a DiscordDeliverer with its own HTTP client
// and rate limiter.
func NewDiscordDeliverer(config DiscordConfig, logger *slog.Logger) *DiscordDeliverer {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = 0.5
	}
	if config.Burst <= 0 {
		config.Burst = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DiscordDeliverer{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		rateLimiter: NewRateLimiter(config.RequestsPerSecond, config.Burst),
		logger:      logger,
	}
}

// DiscordWebhookPayload represents the JSON payload sent to Discord webhook.
type DiscordWebhookPayload struct {
	Content         string                 `json:"content"`
	AllowedMentions DiscordAllowedMentions `json:"allowed_mentions"`
}

// DiscordAllowedMentions disables pings from relayed feed text.
type DiscordAllowedMentions struct {
	Parse []string `json:"parse"`
}

// DiscordErrorResponse represents the error response from Discord API.
type DiscordErrorResponse struct {
	Message    string  `json:"message"`
	Code       int     `json:"code"`
	RetryAfter float64 `json:"retry_after"` // In seconds
}

type discordMessage struct {
	ID string `json:"id"`
}

const (
	// Discord message content limit
	maxDiscordContentLength = 2000
	truncationSuffix        = "..."
)

// webhookURL resolves the target URL for destination. wait=true makes
// Discord answer with the created message so its id can be reported.
func (d *DiscordDeliverer) webhookURL(destination string) (string, error) {
	raw := d.config.WebhookURL
	threadID := ""
	switch {
	case strings.HasPrefix(destination, "https://") || strings.HasPrefix(destination, "http://"):
		raw = destination
	case destination != "":
		if _, err := strconv.ParseUint(destination, 10, 64); err != nil {
			return "", &ClientError{
				StatusCode: http.StatusBadRequest,
				Message:    fmt.Sprintf("invalid discord destination %q", destination),
			}
		}
		threadID = destination
	}
	if raw == "" {
		return "", &ClientError{StatusCode: http.StatusBadRequest, Message: "discord webhook URL is not configured"}
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", &ClientError{StatusCode: http.StatusBadRequest, Message: fmt.Sprintf("invalid webhook URL: %v", err)}
	}
	q := u.Query()
	q.Set("wait", "true")
	if threadID != "" {
		q.Set("thread_id", threadID)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// sendWebhookRequest performs one webhook call.
//
// Error types:
//   - 429: RateLimitError carrying retry_after
//   - 401/403: AuthError
//   - other 4xx: ClientError
//   - 5xx: ServerError
//   - network error: returned wrapped, untyped
func (d *DiscordDeliverer) sendWebhookRequest(ctx context.Context, target, content string) (string, error) {
	payload := DiscordWebhookPayload{
		Content:         truncate(content, maxDiscordContentLength, truncationSuffix),
		AllowedMentions: DiscordAllowedMentions{Parse: []string{}},
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("create http request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("execute http request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var msg discordMessage
		if err := json.Unmarshal(body, &msg); err != nil || msg.ID == "" {
			// 204 without wait support still means the message was accepted
			return "discord-" + uuid.NewString(), nil
		}
		return msg.ID, nil
	}

	var retryAfter time.Duration
	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter = extractRetryAfter(resp, body)
	}
	return "", statusError("Discord", resp.StatusCode, retryAfter, string(body))
}

// extractRetryAfter extracts retry_after duration from Discord error response.
// It tries to parse from JSON body first, then falls back to Retry-After header.
// Defaults to 5s.
func extractRetryAfter(resp *http.Response, body []byte) time.Duration {
	var discordErr DiscordErrorResponse
	if err := json.Unmarshal(body, &discordErr); err == nil && discordErr.RetryAfter > 0 {
		return time.Duration(discordErr.RetryAfter * float64(time.Second))
	}

	if retryAfterHeader := resp.Header.Get("Retry-After"); retryAfterHeader != "" {
		if seconds, err := strconv.Atoi(retryAfterHeader); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}

	return 5 * time.Second
}

// Deliver sends content to destination. It waits for the local rate limiter
// and makes a single webhook call.
func (d *DiscordDeliverer) Deliver(ctx context.Context, destination, content string) (delivery.DeliveryResult, error) {
	requestID := uuid.New().String()

	target, err := d.webhookURL(destination)
	if err != nil {
		return delivery.DeliveryResult{}, err
	}

	if err := d.rateLimiter.Allow(ctx); err != nil {
		return delivery.DeliveryResult{}, fmt.Errorf("rate limiter error: %w", err)
	}

	id, err := d.sendWebhookRequest(ctx, target, content)
	if err != nil {
		d.logger.Warn("Discord delivery failed",
			slog.String("request_id", requestID),
			slog.String("destination", destination),
			slog.Any("error", err))
		return delivery.DeliveryResult{}, err
	}

	d.logger.Debug("Discord delivery successful",
		slog.String("request_id", requestID),
		slog.String("message_id", id))
	return delivery.DeliveryResult{MessageID: id}, nil
}
