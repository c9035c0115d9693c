// Package anthropic adapts the Anthropic Messages API to text generation.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/vietddude/pipewarden/internal/core/domain"
	"github.com/vietddude/pipewarden/internal/routing"
)

const (
	defaultModel     = "claude-sonnet-4-5"
	defaultMaxTokens = 4096
)

// Config holds Anthropic client settings.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration

	// MaxRetries overrides the SDK's own retries. The routing executors
	// already retry, so this defaults to zero.
	MaxRetries int
}

// Client wraps the Anthropic SDK client.
type Client struct {
	api anthropic.Client
	cfg Config
}

// New creates an Anthropic client.
func New(cfg Config) *Client {
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Client{api: anthropic.NewClient(opts...), cfg: cfg}
}

// TextProvider returns a text-generation provider priced per thousand tokens.
func (c *Client) TextProvider(name string, pricing domain.Pricing) routing.Provider[domain.TextRequest, domain.TextResult] {
	return routing.Provider[domain.TextRequest, domain.TextResult]{
		Name:       name,
		Capability: domain.CapabilityText,
		Invoke:     c.complete,
		Price: func(_ domain.TextRequest, out domain.TextResult, err error) float64 {
			if err != nil {
				return 0
			}
			return pricing.Cost(out.InputTokens + out.OutputTokens)
		},
	}
}

func (c *Client) complete(ctx context.Context, in domain.TextRequest) (domain.TextResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	maxTokens := in.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.cfg.Model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(in.Prompt)),
		},
	}
	if in.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: in.System}}
	}

	start := time.Now()
	msg, err := c.api.Messages.New(ctx, params)
	if err != nil {
		return domain.TextResult{}, fmt.Errorf("anthropic messages: %w", err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return domain.TextResult{}, errors.New("anthropic returned empty response")
	}

	slog.DebugContext(ctx, "Anthropic completion finished",
		"model", msg.Model,
		"input_tokens", msg.Usage.InputTokens,
		"output_tokens", msg.Usage.OutputTokens,
		"duration", time.Since(start))

	return domain.TextResult{
		Text:         sb.String(),
		Model:        string(msg.Model),
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}, nil
}
