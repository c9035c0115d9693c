package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"

	"github.com/vietddude/pipewarden/internal/cost"
	"github.com/vietddude/pipewarden/internal/failure"
	"github.com/vietddude/pipewarden/internal/routing"
)

// Load reads configuration from a YAML file.
//
// A .env file next to the working directory is loaded first, then ${VAR}
// references in the YAML are expanded. Invalid configuration is a critical
// MalformedConfig failure.
func Load(path string) (*AppConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, failure.CriticalError(failure.CodeMalformedConfig,
			fmt.Errorf("failed to parse config file: %w", err))
	}

	applyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, failure.CriticalError(failure.CodeMalformedConfig, err)
	}
	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.GRPC.Addr == "" {
		cfg.GRPC.Addr = ":9090"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = DriverMemory
	}
	if cfg.Database.MaxConns == 0 {
		cfg.Database.MaxConns = 10
	}
	if cfg.Budget.RolloverSchedule == "" {
		cfg.Budget.RolloverSchedule = "5 0 1 * *"
	}

	defaults := cost.DefaultConfig()
	if cfg.CostCache.CacheSize == 0 {
		cfg.CostCache.CacheSize = defaults.CacheSize
	}
	if cfg.CostCache.CacheTTL == 0 {
		cfg.CostCache.CacheTTL = defaults.CacheTTL
	}

	if cfg.Retry.Primary.MaxAttempts == 0 {
		cfg.Retry.Primary = routing.DefaultPrimaryPolicy
	}
	if cfg.Retry.Fallback.MaxAttempts == 0 {
		cfg.Retry.Fallback = routing.DefaultFallbackPolicy
	}

	for i := range cfg.Providers {
		if cfg.Providers[i].Tier == "" {
			cfg.Providers[i].Tier = "fallback"
		}
	}

	if cfg.Health.CacheInterval == 0 {
		cfg.Health.CacheInterval = 10 * time.Second
	}
	if cfg.Health.DefaultTimeout == 0 {
		cfg.Health.DefaultTimeout = 5 * time.Second
	}
	if cfg.Health.Schedule == "" {
		cfg.Health.Schedule = "@every 1m"
	}
	for i := range cfg.Health.Services {
		if cfg.Health.Services[i].Timeout == 0 {
			cfg.Health.Services[i].Timeout = cfg.Health.DefaultTimeout
		}
	}

	if cfg.Notify.Webhook.Timeout == 0 {
		cfg.Notify.Webhook.Timeout = 10 * time.Second
	}
	if cfg.Secrets.EnvPrefix == "" {
		cfg.Secrets.EnvPrefix = "PIPEWARDEN_"
	}
	if cfg.Secrets.KeyringService == "" {
		cfg.Secrets.KeyringService = "pipewarden"
	}
}

// Validate checks struct tags and the cross-field rules tags cannot express.
func Validate(cfg *AppConfig) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	switch cfg.Storage.Driver {
	case DriverPostgres:
		if cfg.Database.URL == "" {
			return errors.New("storage driver postgres requires database.url")
		}
	case DriverRedis:
		if cfg.Redis.URL == "" {
			return errors.New("storage driver redis requires redis.url")
		}
	}

	primaries := make(map[string]string)
	names := make(map[string]bool)
	for _, p := range cfg.Providers {
		if names[p.Name] {
			return fmt.Errorf("provider %s is configured twice", p.Name)
		}
		names[p.Name] = true

		if p.Tier == "primary" {
			if other, ok := primaries[string(p.Capability)]; ok {
				return fmt.Errorf("capability %s has two primaries: %s and %s", p.Capability, other, p.Name)
			}
			primaries[string(p.Capability)] = p.Name
		}

		switch p.Vendor {
		case VendorS3:
			if p.Capability != "storage-upload" {
				return fmt.Errorf("provider %s: s3 only serves storage-upload", p.Name)
			}
			if p.Bucket == "" {
				return fmt.Errorf("provider %s: bucket is required", p.Name)
			}
		case VendorAnthropic:
			if p.Capability != "text-generation" {
				return fmt.Errorf("provider %s: anthropic only serves text-generation", p.Name)
			}
		case VendorOpenAI:
			if p.Capability == "storage-upload" {
				return fmt.Errorf("provider %s: openai does not serve storage-upload", p.Name)
			}
		}
	}

	for _, s := range cfg.Health.Services {
		if s.Kind != ProbeStore && s.Kind != ProbeRedis && s.Target == "" {
			return fmt.Errorf("health service %s: target is required for %s probes", s.Name, s.Kind)
		}
	}
	return nil
}
