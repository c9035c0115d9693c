// Package openai adapts the OpenAI API to pipeline capabilities.
package openai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/vietddude/pipewarden/internal/core/domain"
	"github.com/vietddude/pipewarden/internal/routing"
)

// Config holds OpenAI client settings.
type Config struct {
	APIKey      string
	BaseURL     string
	ChatModel   string
	SpeechModel string
	ImageModel  string
	Timeout     time.Duration
}

// Client wraps the go-openai client.
type Client struct {
	api *openai.Client
	cfg Config
}

// New creates an OpenAI client.
func New(cfg Config) *Client {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	if cfg.ChatModel == "" {
		cfg.ChatModel = openai.GPT4oMini
	}
	if cfg.SpeechModel == "" {
		cfg.SpeechModel = string(openai.TTSModel1)
	}
	if cfg.ImageModel == "" {
		cfg.ImageModel = openai.CreateImageModelDallE3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Client{api: openai.NewClientWithConfig(oc), cfg: cfg}
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

	var msgs []openai.ChatCompletionMessage
	if in.System != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: in.System})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: in.Prompt})

	start := time.Now()
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     c.cfg.ChatModel,
		Messages:  msgs,
		MaxTokens: in.MaxTokens,
	})
	if err != nil {
		return domain.TextResult{}, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return domain.TextResult{}, errors.New("openai returned empty response")
	}

	slog.DebugContext(ctx, "OpenAI completion finished",
		"model", resp.Model,
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
		"duration", time.Since(start))

	return domain.TextResult{
		Text:         resp.Choices[0].Message.Content,
		Model:        resp.Model,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}, nil
}

// SpeechProvider returns a speech-synthesis provider priced per thousand characters.
func (c *Client) SpeechProvider(name string, pricing domain.Pricing) routing.Provider[domain.SpeechRequest, domain.SpeechResult] {
	return routing.Provider[domain.SpeechRequest, domain.SpeechResult]{
		Name:       name,
		Capability: domain.CapabilitySpeech,
		Invoke:     c.speak,
		Price: func(in domain.SpeechRequest, _ domain.SpeechResult, err error) float64 {
			if err != nil {
				return 0
			}
			return pricing.Cost(len([]rune(in.Text)))
		},
	}
}

func (c *Client) speak(ctx context.Context, in domain.SpeechRequest) (domain.SpeechResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	voice := in.Voice
	if voice == "" {
		voice = string(openai.VoiceAlloy)
	}
	format := in.Format
	if format == "" {
		format = string(openai.SpeechResponseFormatMp3)
	}

	raw, err := c.api.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(c.cfg.SpeechModel),
		Input:          in.Text,
		Voice:          openai.SpeechVoice(voice),
		ResponseFormat: openai.SpeechResponseFormat(format),
	})
	if err != nil {
		return domain.SpeechResult{}, fmt.Errorf("openai speech: %w", err)
	}
	defer raw.Close()

	audio, err := io.ReadAll(raw)
	if err != nil {
		return domain.SpeechResult{}, fmt.Errorf("read speech audio: %w", err)
	}
	if len(audio) == 0 {
		return domain.SpeechResult{}, errors.New("openai returned empty audio")
	}
	return domain.SpeechResult{Audio: audio, Format: format, Characters: len([]rune(in.Text))}, nil
}

// ImageProvider returns an image-generation provider priced per image.
func (c *Client) ImageProvider(name string, pricing domain.Pricing) routing.Provider[domain.ImageRequest, domain.ImageResult] {
	return routing.Provider[domain.ImageRequest, domain.ImageResult]{
		Name:       name,
		Capability: domain.CapabilityImage,
		Invoke:     c.draw,
		Price: func(_ domain.ImageRequest, _ domain.ImageResult, err error) float64 {
			if err != nil {
				return 0
			}
			return pricing.Cost(1)
		},
	}
}

func (c *Client) draw(ctx context.Context, in domain.ImageRequest) (domain.ImageResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	size := in.Size
	if size == "" {
		size = openai.CreateImageSize1024x1024
	}
	resp, err := c.api.CreateImage(ctx, openai.ImageRequest{
		Prompt: in.Prompt,
		Model:  c.cfg.ImageModel,
		Size:   size,
		N:      1,
	})
	if err != nil {
		return domain.ImageResult{}, fmt.Errorf("openai image: %w", err)
	}
	if len(resp.Data) == 0 {
		return domain.ImageResult{}, errors.New("openai returned no images")
	}

	img := resp.Data[0]
	out := domain.ImageResult{URL: img.URL}
	if img.B64JSON != "" {
		data, err := base64.StdEncoding.DecodeString(img.B64JSON)
		if err != nil {
			return domain.ImageResult{}, fmt.Errorf("decode image: %w", err)
		}
		out.Data = data
	}
	return out, nil
}
