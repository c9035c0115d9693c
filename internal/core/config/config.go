package config

import (
	"time"

	"github.com/vietddude/pipewarden/internal/budget"
	"github.com/vietddude/pipewarden/internal/core/domain"
	"github.com/vietddude/pipewarden/internal/cost"
	redisclient "github.com/vietddude/pipewarden/internal/infra/redis"
	"github.com/vietddude/pipewarden/internal/infra/storage/postgres"
	"github.com/vietddude/pipewarden/internal/notify"
	"github.com/vietddude/pipewarden/internal/routing"
)

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// Provider vendors.
const (
	VendorOpenAI    = "openai"
	VendorAnthropic = "anthropic"
	VendorS3        = "s3"
)

// Health probe kinds.
const (
	ProbeStore = "store"
	ProbeRedis = "redis"
	ProbeS3    = "s3"
	ProbeGRPC  = "grpc"
	ProbeHTTP  = "http"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server    ServerConfig       `yaml:"server"`
	GRPC      GRPCConfig         `yaml:"grpc"`
	Logging   LoggingConfig      `yaml:"logging"`
	Storage   StorageConfig      `yaml:"storage"`
	Database  postgres.Config    `yaml:"database"`
	Redis     redisclient.Config `yaml:"redis"`
	Budget    BudgetConfig       `yaml:"budget"`
	CostCache cost.Config        `yaml:"cost_cache"`
	Retry     routing.PolicySet  `yaml:"retry"`
	Providers []ProviderConfig   `yaml:"providers" validate:"dive"`
	Health    HealthConfig       `yaml:"health"`
	Notify    NotifyConfig       `yaml:"notify"`
	Secrets   SecretsConfig      `yaml:"secrets"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port" validate:"gt=0,lte=65535"`
}

// GRPCConfig holds the gRPC health server settings.
type GRPCConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
}

// StorageConfig selects the document store backend.
type StorageConfig struct {
	Driver string `yaml:"driver" validate:"oneof=memory postgres redis"`
}

// BudgetConfig holds the monthly target and rollover schedule.
type BudgetConfig struct {
	budget.Config `yaml:",inline"`

	// RolloverSchedule is a cron expression for the month rollover job.
	RolloverSchedule string `yaml:"rollover_schedule"`
}

// ProviderConfig describes one provider of a capability chain.
type ProviderConfig struct {
	Name       string            `yaml:"name"       validate:"required"`
	Vendor     string            `yaml:"vendor"     validate:"oneof=openai anthropic s3"`
	Capability domain.Capability `yaml:"capability" validate:"oneof=text-generation speech-synthesis image-generation storage-upload"`
	Tier       domain.Tier       `yaml:"tier"       validate:"oneof=primary fallback"`

	// APIKeySecret names the secret holding the API key.
	APIKeySecret string        `yaml:"api_key_secret"`
	Model        string        `yaml:"model"`
	BaseURL      string        `yaml:"base_url"   validate:"omitempty,url"`
	Timeout      time.Duration `yaml:"timeout"`

	Pricing domain.Pricing `yaml:"pricing"`

	// RatePerSecond limits attempts; zero disables limiting.
	RatePerSecond float64                `yaml:"rate_per_second" validate:"gte=0"`
	Burst         int                    `yaml:"burst"           validate:"gte=0"`
	Breaker       *routing.BreakerConfig `yaml:"breaker"`

	// Object storage settings, s3 vendor only.
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
	Prefix   string `yaml:"prefix"`
}

// HealthConfig holds health monitor settings.
type HealthConfig struct {
	CacheInterval  time.Duration   `yaml:"cache_interval"`
	DefaultTimeout time.Duration   `yaml:"default_timeout"`
	Schedule       string          `yaml:"schedule"`
	Services       []ServiceConfig `yaml:"services" validate:"dive"`
}

// ServiceConfig describes one probed service.
type ServiceConfig struct {
	Name     string        `yaml:"name"     validate:"required"`
	Kind     string        `yaml:"kind"     validate:"oneof=store redis s3 grpc http"`
	Target   string        `yaml:"target"`
	Timeout  time.Duration `yaml:"timeout"`
	Critical bool          `yaml:"critical"`
}

// NotifyConfig holds notification sinks.
type NotifyConfig struct {
	Webhook notify.WebhookConfig `yaml:"webhook"`
}

// SecretsConfig holds secret source settings.
type SecretsConfig struct {
	EnvPrefix      string   `yaml:"env_prefix"`
	EnvFiles       []string `yaml:"env_files"`
	KeyringService string   `yaml:"keyring_service"`
}
