// Package budget enforces the monthly spend target.
//
// This package contains:
//   - Governor: month documents, atomic spend updates, threshold alerts
//   - CalculateRunway: projection of days left at the current burn rate
package budget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/vietddude/pipewarden/internal/core/domain"
	"github.com/vietddude/pipewarden/internal/infra/storage"
	"github.com/vietddude/pipewarden/internal/metrics"
	"github.com/vietddude/pipewarden/internal/notify"
)

// Config holds budget configuration.
type Config struct {
	MonthlyTargetUSD float64                 `yaml:"monthly_target_usd" validate:"gt=0"`
	Thresholds       []domain.ThresholdLevel `yaml:"thresholds"         validate:"dive"`
}

// DefaultThresholds are used when none are configured.
var DefaultThresholds = []domain.ThresholdLevel{
	{Name: "warning", Fraction: 0.5, Severity: string(notify.SeverityWarning)},
	{Name: "high", Fraction: 0.8, Severity: string(notify.SeverityWarning)},
	{Name: "exceeded", Fraction: 1.0, Severity: string(notify.SeverityCritical)},
}

// Governor tracks spend against the monthly target.
type Governor struct {
	store  storage.DocumentStore
	target float64
	levels []domain.ThresholdLevel
	sink   notify.Sink
	now    func() time.Time
	logger *slog.Logger

	// mu serializes threshold checks; alerted mirrors thresholdsCrossed per month
	mu      sync.Mutex
	alerted map[string]map[string]bool
}

// Option configures a Governor.
type Option func(*Governor)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(g *Governor) { g.now = now }
}

// WithNotifier sets the notification sink.
func WithNotifier(sink notify.Sink) Option {
	return func(g *Governor) { g.sink = sink }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Governor) { g.logger = logger }
}

// NewGovernor creates a budget governor. Threshold levels must be strictly
// ascending by fraction with unique names.
func NewGovernor(store storage.DocumentStore, cfg Config, opts ...Option) (*Governor, error) {
	if cfg.MonthlyTargetUSD <= 0 {
		return nil, fmt.Errorf("monthly target must be positive, got %f", cfg.MonthlyTargetUSD)
	}

	levels := cfg.Thresholds
	if len(levels) == 0 {
		levels = DefaultThresholds
	}
	levels = append([]domain.ThresholdLevel(nil), levels...)
	if err := validateLevels(levels); err != nil {
		return nil, err
	}

	g := &Governor{
		store:   store,
		target:  cfg.MonthlyTargetUSD,
		levels:  levels,
		sink:    notify.Nop,
		now:     time.Now,
		logger:  slog.Default(),
		alerted: make(map[string]map[string]bool),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

func validateLevels(levels []domain.ThresholdLevel) error {
	names := make(map[string]bool, len(levels))
	for i, l := range levels {
		if l.Name == "" {
			return errors.New("threshold level name is required")
		}
		if names[l.Name] {
			return fmt.Errorf("duplicate threshold level %q", l.Name)
		}
		names[l.Name] = true
		if l.Fraction <= 0 {
			return fmt.Errorf("threshold %s: fraction must be positive", l.Name)
		}
		if i > 0 && l.Fraction <= levels[i-1].Fraction {
			return fmt.Errorf("threshold %s: levels must be strictly ascending", l.Name)
		}
	}
	return nil
}

// Levels returns the configured threshold levels in ascending order.
func (g *Governor) Levels() []domain.ThresholdLevel {
	return append([]domain.ThresholdLevel(nil), g.levels...)
}

// InitializeBudget creates the document for month (YYYY-MM) if absent and
// returns the stored document.
func (g *Governor) InitializeBudget(ctx context.Context, month string) (domain.BudgetDocument, error) {
	if _, err := time.Parse(domain.MonthLayout, month); err != nil {
		return domain.BudgetDocument{}, fmt.Errorf("invalid month %q: %w", month, err)
	}

	doc := domain.BudgetDocument{
		Month:             month,
		TargetUSD:         g.target,
		ThresholdsCrossed: []string{},
		LastUpdated:       g.now().UTC(),
	}
	err := g.store.CreateDocument(ctx, storage.CollectionBudgets, month, doc)
	if err == nil {
		g.logger.Info("Budget initialized", "month", month, "target_usd", g.target)
		return doc, nil
	}
	if !errors.Is(err, storage.ErrAlreadyExists) {
		return domain.BudgetDocument{}, fmt.Errorf("failed to initialize budget: %w", err)
	}
	return g.load(ctx, month)
}

func (g *Governor) load(ctx context.Context, month string) (domain.BudgetDocument, error) {
	raw, err := g.store.GetDocument(ctx, storage.CollectionBudgets, month)
	if err != nil {
		return domain.BudgetDocument{}, fmt.Errorf("failed to load budget %s: %w", month, err)
	}
	var doc domain.BudgetDocument
	if err := storage.Decode(raw, &doc); err != nil {
		return domain.BudgetDocument{}, err
	}
	return doc, nil
}

// UpdateBudgetSpent atomically adds amount to the current month's spend and
// returns the new total.
func (g *Governor) UpdateBudgetSpent(ctx context.Context, amountUSD float64) (float64, error) {
	if amountUSD < 0 {
		return 0, fmt.Errorf("spend amount must be non-negative, got %f", amountUSD)
	}

	now := g.now().UTC()
	month := now.Format(domain.MonthLayout)
	if _, err := g.InitializeBudget(ctx, month); err != nil {
		return 0, err
	}

	spent, err := g.store.IncrementField(ctx, storage.CollectionBudgets, month, "spentUsd", amountUSD)
	if err != nil {
		return 0, fmt.Errorf("failed to update budget spend: %w", err)
	}
	if err := g.store.UpdateDocument(ctx, storage.CollectionBudgets, month, map[string]any{
		"lastUpdated": now,
	}); err != nil {
		return 0, fmt.Errorf("failed to touch budget: %w", err)
	}

	metrics.BudgetSpentUSD.Set(spent)
	return spent, nil
}

// GetBudgetStatus summarises the current month.
func (g *Governor) GetBudgetStatus(ctx context.Context) (domain.BudgetStatus, error) {
	now := g.now().UTC()
	doc, err := g.InitializeBudget(ctx, now.Format(domain.MonthLayout))
	if err != nil {
		return domain.BudgetStatus{}, err
	}

	var percent float64
	if doc.TargetUSD > 0 {
		percent = doc.SpentUSD / doc.TargetUSD * 100
	}
	return domain.BudgetStatus{
		Month:       doc.Month,
		SpentUSD:    doc.SpentUSD,
		TargetUSD:   doc.TargetUSD,
		PercentUsed: percent,
		Runway:      CalculateRunway(doc.TargetUSD, doc.SpentUSD, now),
	}, nil
}

// CalculateRunway projects how many whole days the remaining budget lasts at
// the month's average daily burn (spent divided by days elapsed, today included).
// A zero burn rate is unbounded; an exhausted budget has zero days.
func CalculateRunway(targetUSD, spentUSD float64, now time.Time) domain.Runway {
	remaining := targetUSD - spentUSD
	if remaining <= 0 {
		return domain.Runway{Days: 0}
	}

	elapsed := now.Day()
	burn := spentUSD / float64(elapsed)
	if burn <= 0 {
		return domain.Runway{Unbounded: true}
	}

	return domain.Runway{Days: int(remaining / burn)}
}

// CheckCostThresholds returns the levels newly crossed by currentSpend in the
// month of date. Each level is alerted at most once per month; crossed levels
// are persisted in the month document and notified.
func (g *Governor) CheckCostThresholds(
	ctx context.Context,
	currentSpend float64,
	date time.Time,
	breakdown domain.CostBreakdown,
) ([]domain.ThresholdLevel, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	month := date.UTC().Format(domain.MonthLayout)
	doc, err := g.InitializeBudget(ctx, month)
	if err != nil {
		return nil, err
	}

	seen := g.alerted[month]
	if seen == nil {
		seen = make(map[string]bool)
		g.alerted[month] = seen
	}
	for _, name := range doc.ThresholdsCrossed {
		seen[name] = true
	}

	var crossed []domain.ThresholdLevel
	for _, level := range g.levels {
		if currentSpend < level.Fraction*doc.TargetUSD || seen[level.Name] {
			continue
		}
		crossed = append(crossed, level)
	}
	if len(crossed) == 0 {
		return nil, nil
	}

	for _, level := range crossed {
		seen[level.Name] = true
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)

	if err := g.store.UpdateDocument(ctx, storage.CollectionBudgets, month, map[string]any{
		"thresholdsCrossed": names,
		"lastUpdated":       g.now().UTC(),
	}); err != nil {
		return nil, fmt.Errorf("failed to persist crossed thresholds: %w", err)
	}

	for _, level := range crossed {
		metrics.BudgetThresholdAlertsTotal.WithLabelValues(level.Name).Inc()
		g.logger.Warn("Budget threshold crossed",
			"month", month,
			"level", level.Name,
			"spent_usd", currentSpend,
			"target_usd", doc.TargetUSD)
		notify.Send(ctx, g.sink, thresholdNotification(month, level, currentSpend, doc.TargetUSD, breakdown))
	}
	return crossed, nil
}

// ResetAlertCounts forgets crossed thresholds for the current month.
func (g *Governor) ResetAlertCounts(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	month := g.now().UTC().Format(domain.MonthLayout)
	g.alerted = make(map[string]map[string]bool)

	if _, err := g.InitializeBudget(ctx, month); err != nil {
		return err
	}
	if err := g.store.UpdateDocument(ctx, storage.CollectionBudgets, month, map[string]any{
		"thresholdsCrossed": []string{},
	}); err != nil {
		return fmt.Errorf("failed to reset thresholds: %w", err)
	}
	return nil
}

// RollOver prepares the document of the current month. Previous months are kept.
func (g *Governor) RollOver(ctx context.Context) error {
	month := g.now().UTC().Format(domain.MonthLayout)
	doc, err := g.InitializeBudget(ctx, month)
	if err != nil {
		return err
	}

	g.mu.Lock()
	for m := range g.alerted {
		if m != month {
			delete(g.alerted, m)
		}
	}
	g.mu.Unlock()

	metrics.BudgetSpentUSD.Set(doc.SpentUSD)
	return nil
}

func thresholdNotification(
	month string,
	level domain.ThresholdLevel,
	spent, target float64,
	breakdown domain.CostBreakdown,
) notify.Notification {
	severity := notify.Severity(level.Severity)
	if severity == "" {
		severity = notify.SeverityWarning
	}

	meta := map[string]any{
		"month":      month,
		"level":      level.Name,
		"spent_usd":  spent,
		"target_usd": target,
		"percent":    spent / target * 100,
	}
	if len(breakdown.ByService) > 0 {
		meta["by_service"] = breakdown.ByService
	}
	if len(breakdown.ByStage) > 0 {
		meta["by_stage"] = breakdown.ByStage
	}

	return notify.Notification{
		Severity: severity,
		Title:    fmt.Sprintf("Budget %s threshold crossed", level.Name),
		Description: fmt.Sprintf("Spent $%.2f of $%.2f (%.0f%%) in %s",
			spent, target, spent/target*100, month),
		Metadata: meta,
	}
}
