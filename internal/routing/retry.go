package routing

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/vietddude/pipewarden/internal/core/domain"
	"github.com/vietddude/pipewarden/internal/failure"
)

// RetryPolicy defines retry behavior for one provider.
type RetryPolicy struct {
	MaxAttempts       int           `yaml:"max_attempts"       validate:"gte=0"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier" validate:"gte=0"`
	MaxDelay          time.Duration `yaml:"max_delay"`

	// Retryable decides whether a recoverable failure is worth another attempt.
	// Nil means every failure whose action is ActionRetry is retried.
	Retryable func(*failure.Error) bool `yaml:"-"`
}

// DefaultPrimaryPolicy is used for primary-tier providers.
var DefaultPrimaryPolicy = RetryPolicy{
	MaxAttempts:       3,
	BaseDelay:         1 * time.Second,
	BackoffMultiplier: 2.0,
	MaxDelay:          30 * time.Second,
}

// DefaultFallbackPolicy is used for fallback-tier providers.
// The chain itself is the larger fallback, so fallbacks retry less.
var DefaultFallbackPolicy = RetryPolicy{
	MaxAttempts:       2,
	BaseDelay:         1 * time.Second,
	BackoffMultiplier: 2.0,
	MaxDelay:          10 * time.Second,
}

// Delay returns the backoff before attempt+1, where attempt is 1-based.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	mult := p.BackoffMultiplier
	if mult <= 0 {
		mult = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	return time.Duration(delay)
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

// Target labels the attempts of one retry loop.
type Target[T any] struct {
	Provider   string
	Capability domain.Capability
	Tier       domain.Tier
	Stage      string

	// Price returns the USD charged for one attempt. May be nil.
	Price func(value T, err error) float64
}

// AttemptFunc receives every attempt record as it is produced.
type AttemptFunc func(domain.Attempt)

// RetryResult is a successful retry loop.
type RetryResult[T any] struct {
	Value    T
	Attempts []domain.Attempt
	Elapsed  time.Duration
}

// RetryError is a failed retry loop. Err is the classification of the last failure.
type RetryError struct {
	Provider string
	Attempts []domain.Attempt
	Elapsed  time.Duration
	Err      *failure.Error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("provider %s failed after %d attempts in %s: %v",
		e.Provider, len(e.Attempts), e.Elapsed.Round(time.Millisecond), e.Err)
}

func (e *RetryError) Unwrap() error {
	return e.Err
}

// Clock abstracts time for the executors.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SystemClock is the wall clock.
var SystemClock Clock = realClock{}

// ExecuteWithRetry runs op up to policy.MaxAttempts times with exponential backoff.
//
// A critical failure aborts immediately. A failover failure (rate limit, open
// circuit) also ends the loop early so the caller can move down the chain.
// Cancellation of ctx is only observed between attempts.
func ExecuteWithRetry[T any](
	ctx context.Context,
	op func(ctx context.Context) (T, error),
	policy RetryPolicy,
	target Target[T],
	observe AttemptFunc,
) (RetryResult[T], error) {
	return executeWithRetry(ctx, SystemClock, op, policy, target, observe)
}

func executeWithRetry[T any](
	ctx context.Context,
	clock Clock,
	op func(ctx context.Context) (T, error),
	policy RetryPolicy,
	target Target[T],
	observe AttemptFunc,
) (RetryResult[T], error) {
	start := clock.Now()
	maxAttempts := policy.attempts()
	attempts := make([]domain.Attempt, 0, maxAttempts)

	fail := func(fe *failure.Error) (RetryResult[T], error) {
		fe = fe.WithStage(target.Stage)
		elapsed := clock.Now().Sub(start)
		return RetryResult[T]{}, &RetryError{
			Provider: target.Provider,
			Attempts: attempts,
			Elapsed:  elapsed,
			Err: fe.
				With("attempts", len(attempts)).
				With("elapsed_ms", elapsed.Milliseconds()),
		}
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fail(failure.Cancelled(err))
		}

		startedAt := clock.Now()
		value, err := op(ctx)
		duration := clock.Now().Sub(startedAt)

		rec := domain.Attempt{
			ProviderName:  target.Provider,
			Capability:    target.Capability,
			Tier:          target.Tier,
			AttemptNumber: attempt,
			StartedAt:     startedAt,
			DurationMs:    duration.Milliseconds(),
			Outcome:       domain.OutcomeSuccess,
		}
		if target.Price != nil {
			rec.CostUSD = target.Price(value, err)
		}

		if err == nil {
			attempts = append(attempts, rec)
			if observe != nil {
				observe(rec)
			}
			return RetryResult[T]{
				Value:    value,
				Attempts: attempts,
				Elapsed:  clock.Now().Sub(start),
			}, nil
		}

		// The caller's own deadline is cancellation, not a provider timeout.
		var fe *failure.Error
		if ctxErr := ctx.Err(); ctxErr != nil {
			fe = failure.Cancelled(ctxErr).With("cause", err.Error())
		} else {
			fe = failure.Classify(err)
		}

		rec.Outcome = domain.OutcomeFailure
		rec.ErrorCode = fe.Code
		attempts = append(attempts, rec)
		if observe != nil {
			observe(rec)
		}

		action := failure.ActionFor(fe)
		if action != failure.ActionRetry {
			slog.Debug("Aborting retries",
				"provider", target.Provider,
				"attempt", attempt,
				"action", action.String(),
				"code", fe.Code)
			return fail(fe)
		}
		if policy.Retryable != nil && !policy.Retryable(fe) {
			return fail(fe)
		}
		if attempt == maxAttempts {
			return fail(fe)
		}

		delay := policy.Delay(attempt)
		slog.Debug("Attempt failed, retrying",
			"provider", target.Provider,
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"delay", delay,
			"error", err)

		if err := clock.Sleep(ctx, delay); err != nil {
			return fail(failure.Cancelled(err))
		}
	}

	return fail(failure.Newf(failure.KindCritical, failure.CodeMalformedConfig,
		"retry loop ended without a result"))
}
