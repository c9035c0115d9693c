package control

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/vietddude/pipewarden/internal/core/config"
	"github.com/vietddude/pipewarden/internal/core/domain"
	anthropicprovider "github.com/vietddude/pipewarden/internal/infra/provider/anthropic"
	openaiprovider "github.com/vietddude/pipewarden/internal/infra/provider/openai"
	s3provider "github.com/vietddude/pipewarden/internal/infra/provider/s3"
	"github.com/vietddude/pipewarden/internal/notify"
	"github.com/vietddude/pipewarden/internal/routing"
	"github.com/vietddude/pipewarden/internal/secrets"
)

func buildSecrets(cfg config.SecretsConfig) (secrets.Source, error) {
	env, err := secrets.NewEnvSource(cfg.EnvPrefix, cfg.EnvFiles...)
	if err != nil {
		return nil, err
	}
	return secrets.Chain{env, &secrets.KeyringSource{Service: cfg.KeyringService}}, nil
}

func buildNotifier(cfg config.NotifyConfig) notify.Sink {
	sinks := notify.Multi{notify.LogSink{}}
	if cfg.Webhook.URL != "" {
		sinks = append(sinks, notify.NewWebhookSink(cfg.Webhook))
	}
	return sinks
}

// buildCatalog registers every configured provider in its capability chain.
// Uploaders are returned by provider name for the S3 health probes.
func buildCatalog(
	ctx context.Context,
	providers []config.ProviderConfig,
	src secrets.Source,
) (*routing.Catalog, map[string]*s3provider.Uploader, error) {
	catalog := routing.NewCatalog()
	uploaders := make(map[string]*s3provider.Uploader)

	for _, pc := range providers {
		apiKey := ""
		if pc.APIKeySecret != "" {
			key, err := src.GetSecret(ctx, pc.APIKeySecret)
			if err != nil {
				return nil, nil, fmt.Errorf("provider %s: %w", pc.Name, err)
			}
			apiKey = key
		}

		var err error
		switch pc.Vendor {
		case config.VendorOpenAI:
			client := openaiprovider.New(openaiprovider.Config{
				APIKey:      apiKey,
				BaseURL:     pc.BaseURL,
				ChatModel:   modelFor(pc, domain.CapabilityText),
				SpeechModel: modelFor(pc, domain.CapabilitySpeech),
				ImageModel:  modelFor(pc, domain.CapabilityImage),
				Timeout:     pc.Timeout,
			})
			switch pc.Capability {
			case domain.CapabilityText:
				err = register(catalog.Text, client.TextProvider(pc.Name, pc.Pricing), pc)
			case domain.CapabilitySpeech:
				err = register(catalog.Speech, client.SpeechProvider(pc.Name, pc.Pricing), pc)
			case domain.CapabilityImage:
				err = register(catalog.Image, client.ImageProvider(pc.Name, pc.Pricing), pc)
			default:
				err = fmt.Errorf("openai does not serve %s", pc.Capability)
			}

		case config.VendorAnthropic:
			client := anthropicprovider.New(anthropicprovider.Config{
				APIKey:  apiKey,
				BaseURL: pc.BaseURL,
				Model:   pc.Model,
				Timeout: pc.Timeout,
			})
			err = register(catalog.Text, client.TextProvider(pc.Name, pc.Pricing), pc)

		case config.VendorS3:
			s3cfg := s3provider.Config{Bucket: pc.Bucket, Region: pc.Region, Endpoint: pc.Endpoint, Prefix: pc.Prefix}
			client, cerr := s3provider.NewClient(ctx, s3cfg)
			if cerr != nil {
				return nil, nil, fmt.Errorf("provider %s: %w", pc.Name, cerr)
			}
			uploader := s3provider.NewUploader(client, s3cfg)
			uploaders[pc.Name] = uploader
			err = register(catalog.Upload, uploader.Provider(pc.Name, pc.Pricing), pc)

		default:
			err = fmt.Errorf("unknown vendor %q", pc.Vendor)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("provider %s: %w", pc.Name, err)
		}
	}
	return catalog, uploaders, nil
}

func modelFor(pc config.ProviderConfig, c domain.Capability) string {
	if pc.Capability == c {
		return pc.Model
	}
	return ""
}

// register attaches the configured limiter and breaker before registering.
func register[I, O any](reg *routing.Registry[I, O], p routing.Provider[I, O], pc config.ProviderConfig) error {
	if pc.RatePerSecond > 0 {
		p.Limiter = rate.NewLimiter(rate.Limit(pc.RatePerSecond), max(pc.Burst, 1))
	}
	breaker := routing.DefaultBreakerConfig
	if pc.Breaker != nil {
		breaker = *pc.Breaker
	}
	p.Breaker = routing.NewBreaker(pc.Name, breaker)
	return reg.Register(p, pc.Tier)
}
