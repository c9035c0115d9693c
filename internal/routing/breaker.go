package routing

import (
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerConfig holds the configuration for a provider circuit breaker.
type BreakerConfig struct {
	// MaxRequests is the number of requests allowed in half-open state
	MaxRequests uint32 `yaml:"max_requests"`

	// Interval is the cyclic period of the closed state to clear counts
	Interval time.Duration `yaml:"interval"`

	// Timeout is how long the breaker stays open before probing again
	Timeout time.Duration `yaml:"timeout"`

	// FailureThreshold is the failure ratio that trips the breaker
	FailureThreshold float64 `yaml:"failure_threshold"`

	// MinRequests is the number of requests before the ratio is considered
	MinRequests uint32 `yaml:"min_requests"`
}

// DefaultBreakerConfig suits metered generation APIs.
var DefaultBreakerConfig = BreakerConfig{
	MaxRequests:      2,
	Interval:         60 * time.Second,
	Timeout:          120 * time.Second,
	FailureThreshold: 0.6,
	MinRequests:      5,
}

// NewBreaker creates a circuit breaker for a provider.
func NewBreaker(name string, cfg BreakerConfig) *gobreaker.CircuitBreaker {
	if cfg.MinRequests == 0 {
		cfg.MinRequests = DefaultBreakerConfig.MinRequests
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultBreakerConfig.FailureThreshold
	}

	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Provider circuit breaker state changed",
				"provider", name,
				"from", from.String(),
				"to", to.String())
		},
	})
}
