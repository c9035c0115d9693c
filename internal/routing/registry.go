// Package routing walks provider chains for a capability.
//
// This package contains:
//   - Registry: ordered, tiered provider chain per capability
//   - Catalog: the closed set of capability registries
//   - ExecuteWithRetry: bounded retry with exponential backoff
//   - ExecuteWithFallback: in-order walk of a chain with per-tier retry policies
package routing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/vietddude/pipewarden/internal/core/domain"
)

// ErrDuplicatePrimary is returned when a second primary is registered for a capability.
var ErrDuplicatePrimary = errors.New("capability already has a primary provider")

// ErrDuplicateProvider is returned when a provider name is registered twice.
var ErrDuplicateProvider = errors.New("provider already registered")

// Provider is a named, tiered implementation of one capability.
type Provider[I, O any] struct {
	Name       string
	Capability domain.Capability
	Tier       domain.Tier

	// Invoke performs the call. It must return a classifiable error on failure.
	Invoke func(ctx context.Context, in I) (O, error)

	// Price returns the USD charged for one attempt. Optional.
	Price func(in I, out O, err error) float64

	// Limiter, when set, is waited on before every attempt.
	Limiter *rate.Limiter

	// Breaker, when set, short-circuits calls while the provider is failing.
	Breaker *gobreaker.CircuitBreaker
}

// call invokes the provider through its limiter and breaker.
func (p Provider[I, O]) call(ctx context.Context, in I) (O, error) {
	var zero O
	if p.Limiter != nil {
		if err := p.Limiter.Wait(ctx); err != nil {
			return zero, fmt.Errorf("rate limiter: %w", err)
		}
	}
	if p.Breaker == nil {
		return p.Invoke(ctx, in)
	}

	res, err := p.Breaker.Execute(func() (interface{}, error) {
		return p.Invoke(ctx, in)
	})
	if err != nil {
		return zero, err
	}
	out, ok := res.(O)
	if !ok {
		return zero, fmt.Errorf("provider %s: unexpected response type %T", p.Name, res)
	}
	return out, nil
}

// ProviderInfo describes a registered provider for diagnostics.
type ProviderInfo struct {
	Name       string            `json:"name"`
	Capability domain.Capability `json:"capability"`
	Tier       domain.Tier       `json:"tier"`
}

type registration[I, O any] struct {
	provider Provider[I, O]
	seq      int
}

// Registry holds the provider chain of one capability.
type Registry[I, O any] struct {
	mu         sync.RWMutex
	capability domain.Capability
	entries    []registration[I, O]
	seq        int
}

// NewRegistry creates an empty registry for a capability.
func NewRegistry[I, O any](capability domain.Capability) *Registry[I, O] {
	return &Registry[I, O]{capability: capability}
}

// Capability returns the capability served by this registry.
func (r *Registry[I, O]) Capability() domain.Capability {
	return r.capability
}

// Register adds a provider at the given tier.
// A capability has at most one primary; fallbacks keep registration order.
func (r *Registry[I, O]) Register(p Provider[I, O], tier domain.Tier) error {
	if p.Name == "" {
		return errors.New("provider name is required")
	}
	if p.Invoke == nil {
		return fmt.Errorf("provider %s: invoke function is required", p.Name)
	}
	if !tier.Valid() {
		return fmt.Errorf("provider %s: unknown tier %q", p.Name, tier)
	}
	if p.Capability != "" && p.Capability != r.capability {
		return fmt.Errorf("provider %s serves %s, not %s", p.Name, p.Capability, r.capability)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.entries {
		if e.provider.Name == p.Name {
			return fmt.Errorf("%w: %s", ErrDuplicateProvider, p.Name)
		}
		if tier == domain.TierPrimary && e.provider.Tier == domain.TierPrimary {
			return fmt.Errorf("%w: %s (existing %s)", ErrDuplicatePrimary, r.capability, e.provider.Name)
		}
	}

	p.Capability = r.capability
	p.Tier = tier
	r.seq++
	r.entries = append(r.entries, registration[I, O]{provider: p, seq: r.seq})

	sort.SliceStable(r.entries, func(i, j int) bool {
		ri, rj := r.entries[i].provider.Tier.Rank(), r.entries[j].provider.Tier.Rank()
		if ri != rj {
			return ri < rj
		}
		return r.entries[i].seq < r.entries[j].seq
	})
	return nil
}

// Chain returns the providers in execution order: primary first, then
// fallbacks in registration order.
func (r *Registry[I, O]) Chain() []Provider[I, O] {
	r.mu.RLock()
	defer r.mu.RUnlock()

	chain := make([]Provider[I, O], len(r.entries))
	for i, e := range r.entries {
		chain[i] = e.provider
	}
	return chain
}

// ListAll returns descriptions of every registered provider in chain order.
func (r *Registry[I, O]) ListAll() []ProviderInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ProviderInfo, len(r.entries))
	for i, e := range r.entries {
		infos[i] = ProviderInfo{
			Name:       e.provider.Name,
			Capability: e.provider.Capability,
			Tier:       e.provider.Tier,
		}
	}
	return infos
}

// Catalog is the closed set of capability registries used by the pipeline.
type Catalog struct {
	Text   *Registry[domain.TextRequest, domain.TextResult]
	Speech *Registry[domain.SpeechRequest, domain.SpeechResult]
	Image  *Registry[domain.ImageRequest, domain.ImageResult]
	Upload *Registry[domain.UploadRequest, domain.UploadResult]
}

// NewCatalog creates a catalog with empty registries.
func NewCatalog() *Catalog {
	return &Catalog{
		Text:   NewRegistry[domain.TextRequest, domain.TextResult](domain.CapabilityText),
		Speech: NewRegistry[domain.SpeechRequest, domain.SpeechResult](domain.CapabilitySpeech),
		Image:  NewRegistry[domain.ImageRequest, domain.ImageResult](domain.CapabilityImage),
		Upload: NewRegistry[domain.UploadRequest, domain.UploadResult](domain.CapabilityUpload),
	}
}

// ListAll returns every provider across all capabilities.
func (c *Catalog) ListAll() []ProviderInfo {
	var all []ProviderInfo
	all = append(all, c.Text.ListAll()...)
	all = append(all, c.Speech.ListAll()...)
	all = append(all, c.Image.ListAll()...)
	all = append(all, c.Upload.ListAll()...)
	return all
}
