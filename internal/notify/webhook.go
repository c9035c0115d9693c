package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"
)

// WebhookConfig contains configuration for webhook notifications.
type WebhookConfig struct {
	URL        string        `yaml:"url"         validate:"omitempty,url"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries" validate:"gte=0"`
}

// WebhookSink posts notifications as JSON to an HTTP endpoint.
type WebhookSink struct {
	config  WebhookConfig
	client  *retryablehttp.Client
	limiter *rate.Limiter
}

// NewWebhookSink creates a webhook sink limited to one request per second.
func NewWebhookSink(cfg WebhookConfig) *WebhookSink {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	client := retryablehttp.NewClient()
	client.RetryMax = cfg.MaxRetries
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.HTTPClient.Timeout = cfg.Timeout
	client.Logger = slog.Default()

	return &WebhookSink{
		config:  cfg,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(1), 1),
	}
}

type webhookPayload struct {
	RequestID string `json:"request_id"`
	Notification
	SentAt time.Time `json:"sent_at"`
}

func (s *WebhookSink) Notify(ctx context.Context, n Notification) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	requestID := uuid.NewString()
	body, err := json.Marshal(webhookPayload{
		RequestID:    requestID,
		Notification: n,
		SentAt:       time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, s.config.URL, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", requestID)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, msg)
	}

	slog.Debug("Notification delivered", "request_id", requestID, "title", n.Title)
	return nil
}
