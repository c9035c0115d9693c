package routing

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vietddude/pipewarden/internal/core/domain"
	"github.com/vietddude/pipewarden/internal/failure"
	"github.com/vietddude/pipewarden/internal/metrics"
)

const tracerName = "github.com/vietddude/pipewarden/internal/routing"

// PolicySet selects a retry policy per tier.
type PolicySet struct {
	Primary  RetryPolicy `yaml:"primary"`
	Fallback RetryPolicy `yaml:"fallback"`
}

// DefaultPolicies returns the default per-tier policies.
func DefaultPolicies() PolicySet {
	return PolicySet{Primary: DefaultPrimaryPolicy, Fallback: DefaultFallbackPolicy}
}

// For returns the policy for a tier.
func (s PolicySet) For(tier domain.Tier) RetryPolicy {
	if tier == domain.TierPrimary {
		return s.Primary
	}
	return s.Fallback
}

// FallbackOptions configures one ExecuteWithFallback call.
type FallbackOptions struct {
	Stage    string
	Policies PolicySet
	Observe  AttemptFunc
	Clock    Clock
}

// Result is a successful chain walk, tagged with the provider that answered.
type Result[O any] struct {
	Value        O
	ProviderName string
	Tier         domain.Tier
	AttemptsUsed int
	Attempts     []domain.Attempt
}

// CostUSD sums the cost of every attempt in the walk.
func (r Result[O]) CostUSD() float64 {
	var total float64
	for _, a := range r.Attempts {
		total += a.CostUSD
	}
	return total
}

// ProviderFailure is the outcome of one provider that did not answer.
type ProviderFailure struct {
	ProviderName string
	Tier         domain.Tier
	Attempts     []domain.Attempt
	Err          *failure.Error
}

// ChainError is returned when every provider of a chain failed.
type ChainError struct {
	Capability domain.Capability
	Failures   []ProviderFailure
	err        *failure.Error
}

func (e *ChainError) Error() string {
	names := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		names[i] = fmt.Sprintf("%s(%s)", f.ProviderName, f.Err.Code)
	}
	return fmt.Sprintf("all providers failed for %s: %s: %v",
		e.Capability, strings.Join(names, ", "), e.Last())
}

// Unwrap exposes the exhausted-chain classification.
func (e *ChainError) Unwrap() error {
	return e.err
}

// Last returns the classification of the last provider failure.
func (e *ChainError) Last() *failure.Error {
	if len(e.Failures) == 0 {
		return nil
	}
	return e.Failures[len(e.Failures)-1].Err
}

// Attempts returns every attempt made across the chain in order.
func (e *ChainError) Attempts() []domain.Attempt {
	var all []domain.Attempt
	for _, f := range e.Failures {
		all = append(all, f.Attempts...)
	}
	return all
}

// ExecuteWithFallback walks the capability chain strictly in order, running each
// provider through ExecuteWithRetry with its tier policy, and returns the first
// success. Providers are never tried in parallel.
func ExecuteWithFallback[I, O any](
	ctx context.Context,
	registry *Registry[I, O],
	in I,
	opts FallbackOptions,
) (Result[O], error) {
	clock := opts.Clock
	if clock == nil {
		clock = SystemClock
	}
	capability := registry.Capability()

	chain := registry.Chain()
	if len(chain) == 0 {
		return Result[O]{}, failure.Newf(failure.KindCritical, failure.CodeNoProvidersConfigured,
			"no providers configured for %s", capability).WithStage(opts.Stage)
	}

	tracer := otel.Tracer(tracerName)
	var failures []ProviderFailure

	for _, p := range chain {
		spanCtx, span := tracer.Start(ctx, "provider.invoke",
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(
				attribute.String("capability", string(capability)),
				attribute.String("provider", p.Name),
				attribute.String("tier", string(p.Tier)),
				attribute.String("stage", opts.Stage),
			))

		target := Target[O]{
			Provider:   p.Name,
			Capability: capability,
			Tier:       p.Tier,
			Stage:      opts.Stage,
		}
		if p.Price != nil {
			price := p.Price
			target.Price = func(out O, err error) float64 { return price(in, out, err) }
		}

		observe := func(a domain.Attempt) {
			metrics.ProviderAttemptsTotal.
				WithLabelValues(string(capability), a.ProviderName, string(a.Outcome)).Inc()
			metrics.ProviderLatency.
				WithLabelValues(string(capability), a.ProviderName).
				Observe(float64(a.DurationMs) / 1000)
			if opts.Observe != nil {
				opts.Observe(a)
			}
		}

		start := clock.Now()
		res, err := executeWithRetry(spanCtx, clock, func(ctx context.Context) (O, error) {
			return p.call(ctx, in)
		}, opts.Policies.For(p.Tier), target, observe)
		if err == nil {
			span.SetAttributes(attribute.Int("attempts", len(res.Attempts)))
			span.SetStatus(codes.Ok, "")
			span.End()
			slog.Debug("Provider succeeded",
				"capability", capability,
				"provider", p.Name,
				"tier", p.Tier,
				"attempts", len(res.Attempts),
				"latency", time.Since(start))
			return Result[O]{
				Value:        res.Value,
				ProviderName: p.Name,
				Tier:         p.Tier,
				AttemptsUsed: len(res.Attempts),
				Attempts:     res.Attempts,
			}, nil
		}

		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		rerr, ok := err.(*RetryError)
		if !ok {
			span.End()
			return Result[O]{}, err
		}
		span.SetAttributes(attribute.Int("attempts", len(rerr.Attempts)))
		span.End()
		failures = append(failures, ProviderFailure{
			ProviderName: p.Name,
			Tier:         p.Tier,
			Attempts:     rerr.Attempts,
			Err:          rerr.Err,
		})
		metrics.ProviderFailuresTotal.
			WithLabelValues(string(capability), p.Name, rerr.Err.Code).Inc()

		if rerr.Err.IsCritical() {
			slog.Error("Critical provider failure, aborting chain",
				"capability", capability,
				"provider", p.Name,
				"code", rerr.Err.Code,
				"error", rerr.Err)
			return Result[O]{}, rerr
		}

		slog.Warn("Provider failed, falling back",
			"capability", capability,
			"provider", p.Name,
			"tier", p.Tier,
			"attempts", len(rerr.Attempts),
			"code", rerr.Err.Code)
	}

	last := failures[len(failures)-1].Err
	return Result[O]{}, &ChainError{
		Capability: capability,
		Failures:   failures,
		err:        failure.Exhausted(last, len(failures)),
	}
}
