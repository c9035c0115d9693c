// Package cost records per-call spend and aggregates it into breakdowns.
//
// Entries are keyed by {pipelineId, stage, service, timestamp}; recording the
// same key twice overwrites the first entry. Reads go through a bounded,
// expiring cache that every write invalidates.
package cost

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/vietddude/pipewarden/internal/core/domain"
	"github.com/vietddude/pipewarden/internal/infra/storage"
	"github.com/vietddude/pipewarden/internal/metrics"
)

// Config holds cost ledger configuration.
type Config struct {
	CacheSize int           `yaml:"cache_size" validate:"gte=0"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
}

// DefaultConfig returns the default ledger configuration.
func DefaultConfig() Config {
	return Config{CacheSize: 128, CacheTTL: 5 * time.Minute}
}

// Ledger is the cost ledger. It is safe for concurrent use.
type Ledger struct {
	store storage.DocumentStore
	cache *expirable.LRU[string, []domain.CostEntry]

	// gen advances on every invalidation; loads started under an older
	// generation are not cached.
	mu  sync.Mutex
	gen uint64

	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// NewLedger creates a cost ledger over a document store.
func NewLedger(store storage.DocumentStore, cfg Config, opts ...Option) *Ledger {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultConfig().CacheSize
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultConfig().CacheTTL
	}

	l := &Ledger{
		store:  store,
		cache:  expirable.NewLRU[string, []domain.CostEntry](cfg.CacheSize, nil, cfg.CacheTTL),
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// RecordCost stores an entry. A duplicate key overwrites the stored entry.
func (l *Ledger) RecordCost(ctx context.Context, entry domain.CostEntry) error {
	if entry.Service == "" || entry.Stage == "" {
		return errors.New("cost entry requires service and stage")
	}
	if entry.AmountUSD < 0 {
		return fmt.Errorf("cost entry amount must be non-negative, got %f", entry.AmountUSD)
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.now()
	}
	entry.Timestamp = entry.Timestamp.UTC()
	if entry.Date == "" {
		entry.Date = entry.Timestamp.Format(domain.DateLayout)
	}

	defer l.invalidate()

	id := entry.Key()
	err := l.store.CreateDocument(ctx, storage.CollectionCosts, id, entry)
	if errors.Is(err, storage.ErrAlreadyExists) {
		if err := l.store.PutDocument(ctx, storage.CollectionCosts, id, entry); err != nil {
			return fmt.Errorf("failed to overwrite cost entry: %w", err)
		}
		l.logger.Debug("Cost entry overwritten", "key", id)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to record cost entry: %w", err)
	}

	metrics.CostUSDTotal.WithLabelValues(entry.Service, entry.Stage).Add(entry.AmountUSD)
	l.logger.Debug("Cost recorded",
		"pipeline", entry.PipelineID,
		"stage", entry.Stage,
		"service", entry.Service,
		"amount_usd", entry.AmountUSD,
		"error", entry.Error)
	return nil
}

// GetCostsByDate aggregates the entries of one calendar day (YYYY-MM-DD).
func (l *Ledger) GetCostsByDate(ctx context.Context, date string) (domain.DailyCost, error) {
	if _, err := time.Parse(domain.DateLayout, date); err != nil {
		return domain.DailyCost{}, fmt.Errorf("invalid date %q: %w", date, err)
	}

	entries, err := cached(l, "date:"+date, func() ([]domain.CostEntry, error) {
		return l.query(ctx, storage.Where("date", storage.OpEq, date))
	})
	if err != nil {
		return domain.DailyCost{}, err
	}
	return domain.DailyCost{Date: date, CostBreakdown: breakdown(entries)}, nil
}

// GetCostsByVideo aggregates the entries of one pipeline run.
func (l *Ledger) GetCostsByVideo(ctx context.Context, pipelineID string) (domain.VideoCost, error) {
	entries, err := cached(l, "video:"+pipelineID, func() ([]domain.CostEntry, error) {
		return l.query(ctx, storage.Where("pipelineId", storage.OpEq, pipelineID))
	})
	if err != nil {
		return domain.VideoCost{}, err
	}
	return domain.VideoCost{PipelineID: pipelineID, CostBreakdown: breakdown(entries)}, nil
}

// GetCostsThisMonth aggregates the current calendar month, day by day.
func (l *Ledger) GetCostsThisMonth(ctx context.Context) (domain.MonthlyCost, error) {
	now := l.now().UTC()
	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	last := first.AddDate(0, 1, -1)
	month := first.Format(domain.MonthLayout)

	entries, err := l.rangeEntries(ctx, first, last)
	if err != nil {
		return domain.MonthlyCost{}, err
	}

	byDay := make(map[string][]domain.CostEntry)
	for _, e := range entries {
		byDay[e.Date] = append(byDay[e.Date], e)
	}
	dates := make([]string, 0, len(byDay))
	for d := range byDay {
		dates = append(dates, d)
	}
	sort.Strings(dates)

	out := domain.MonthlyCost{Month: month, CostBreakdown: breakdown(entries)}
	for _, d := range dates {
		out.Days = append(out.Days, domain.DailyCost{Date: d, CostBreakdown: breakdown(byDay[d])})
	}
	return out, nil
}

// GetCostTrend returns one breakdown per day for the last n days including
// today, oldest first. Days without spend are present with zero totals.
func (l *Ledger) GetCostTrend(ctx context.Context, days int) ([]domain.DailyCost, error) {
	if days <= 0 {
		return nil, fmt.Errorf("trend window must be positive, got %d", days)
	}

	now := l.now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	from := today.AddDate(0, 0, -(days - 1))

	entries, err := l.rangeEntries(ctx, from, today)
	if err != nil {
		return nil, err
	}

	byDay := make(map[string]*domain.CostBreakdown, days)
	trend := make([]domain.DailyCost, days)
	for i := range trend {
		date := from.AddDate(0, 0, i).Format(domain.DateLayout)
		trend[i] = domain.DailyCost{Date: date, CostBreakdown: domain.NewCostBreakdown()}
		byDay[date] = &trend[i].CostBreakdown
	}
	for _, e := range entries {
		if b, ok := byDay[e.Date]; ok {
			b.Add(e)
		}
	}
	return trend, nil
}

// ClearCostCache drops every cached read, including reads still in flight.
func (l *Ledger) ClearCostCache() {
	l.invalidate()
}

func (l *Ledger) invalidate() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.gen++
	l.cache.Purge()
}

func (l *Ledger) rangeEntries(ctx context.Context, from, to time.Time) ([]domain.CostEntry, error) {
	fromDate := from.Format(domain.DateLayout)
	toDate := to.Format(domain.DateLayout)
	return cached(l, "range:"+fromDate+":"+toDate, func() ([]domain.CostEntry, error) {
		return l.query(ctx,
			storage.Where("date", storage.OpGte, fromDate),
			storage.Where("date", storage.OpLte, toDate))
	})
}

func (l *Ledger) query(ctx context.Context, filters ...storage.Filter) ([]domain.CostEntry, error) {
	docs, err := l.store.QueryDocuments(ctx, storage.CollectionCosts, filters...)
	if err != nil {
		return nil, fmt.Errorf("failed to query cost entries: %w", err)
	}
	return storage.DecodeAll[domain.CostEntry](docs)
}

// cached returns the cached entry list for key or loads and caches it.
// Cached slices are never handed out; callers aggregate into fresh breakdowns.
func cached(l *Ledger, key string, load func() ([]domain.CostEntry, error)) ([]domain.CostEntry, error) {
	if entries, ok := l.cache.Get(key); ok {
		return entries, nil
	}
	l.mu.Lock()
	gen := l.gen
	l.mu.Unlock()

	entries, err := load()
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	if gen == l.gen {
		l.cache.Add(key, entries)
	}
	l.mu.Unlock()
	return entries, nil
}

func breakdown(entries []domain.CostEntry) domain.CostBreakdown {
	b := domain.NewCostBreakdown()
	for _, e := range entries {
		b.Add(e)
	}
	return b
}
