package budget

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/pipewarden/internal/core/domain"
	"github.com/vietddude/pipewarden/internal/infra/storage"
	"github.com/vietddude/pipewarden/internal/infra/storage/memory"
	"github.com/vietddude/pipewarden/internal/notify"
)

type recordingSink struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (s *recordingSink) Notify(ctx context.Context, n notify.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, n)
	return nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func newTestGovernor(t *testing.T, now time.Time) (*Governor, *memory.MemoryStorage, *recordingSink, *testClock) {
	t.Helper()
	store := memory.NewMemoryStorage()
	sink := &recordingSink{}
	clock := &testClock{now: now}
	g, err := NewGovernor(store, Config{MonthlyTargetUSD: 100},
		WithClock(clock.Now), WithNotifier(sink))
	require.NoError(t, err)
	return g, store, sink, clock
}

func TestCalculateRunway(t *testing.T) {
	day10 := time.Date(2026, 4, 10, 18, 0, 0, 0, time.UTC)

	tests := []struct {
		name          string
		target, spent float64
		now           time.Time
		want          domain.Runway
	}{
		{"burn rate projection", 100, 40, day10, domain.Runway{Days: 15}},
		{"zero burn is unbounded", 100, 0, day10, domain.Runway{Unbounded: true}},
		{"exhausted", 100, 100, day10, domain.Runway{Days: 0}},
		{"overspent", 100, 130, day10, domain.Runway{Days: 0}},
		{"first day", 100, 10, time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC), domain.Runway{Days: 9}},
		{"rounds down", 100, 30, day10, domain.Runway{Days: 23}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CalculateRunway(tt.target, tt.spent, tt.now))
		})
	}
}

func TestNewGovernor_ValidatesLevels(t *testing.T) {
	store := memory.NewMemoryStorage()

	_, err := NewGovernor(store, Config{MonthlyTargetUSD: 0})
	assert.Error(t, err)

	_, err = NewGovernor(store, Config{MonthlyTargetUSD: 10, Thresholds: []domain.ThresholdLevel{
		{Name: "critical", Fraction: 0.9},
		{Name: "warning", Fraction: 0.5},
	}})
	assert.Error(t, err, "descending levels")

	_, err = NewGovernor(store, Config{MonthlyTargetUSD: 10, Thresholds: []domain.ThresholdLevel{
		{Name: "warning", Fraction: 0.5},
		{Name: "warning", Fraction: 0.9},
	}})
	assert.Error(t, err, "duplicate names")

	g, err := NewGovernor(store, Config{MonthlyTargetUSD: 10})
	require.NoError(t, err)
	assert.Len(t, g.Levels(), len(DefaultThresholds))
}

func TestGovernor_UpdateBudgetSpent(t *testing.T) {
	ctx := context.Background()
	g, store, _, _ := newTestGovernor(t, time.Date(2026, 4, 10, 12, 0, 0, 0, time.UTC))

	spent, err := g.UpdateBudgetSpent(ctx, 25)
	require.NoError(t, err)
	assert.Equal(t, 25.0, spent)

	spent, err = g.UpdateBudgetSpent(ctx, 15)
	require.NoError(t, err)
	assert.Equal(t, 40.0, spent)

	status, err := g.GetBudgetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2026-04", status.Month)
	assert.Equal(t, 40.0, status.SpentUSD)
	assert.Equal(t, 100.0, status.TargetUSD)
	assert.InDelta(t, 40.0, status.PercentUsed, 1e-9)
	assert.Equal(t, domain.Runway{Days: 15}, status.Runway)

	raw, err := store.GetDocument(ctx, storage.CollectionBudgets, "2026-04")
	require.NoError(t, err)
	var doc domain.BudgetDocument
	require.NoError(t, storage.Decode(raw, &doc))
	assert.Equal(t, 100.0, doc.TargetUSD)

	_, err = g.UpdateBudgetSpent(ctx, -1)
	assert.Error(t, err)
}

func TestGovernor_ConcurrentSpendIsNotLost(t *testing.T) {
	ctx := context.Background()
	g, _, _, _ := newTestGovernor(t, time.Date(2026, 4, 10, 12, 0, 0, 0, time.UTC))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := g.UpdateBudgetSpent(ctx, 0.5)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	status, err := g.GetBudgetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 25.0, status.SpentUSD)
}

func TestGovernor_CheckCostThresholds(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 4, 10, 12, 0, 0, 0, time.UTC)
	g, store, sink, _ := newTestGovernor(t, now)

	crossed, err := g.CheckCostThresholds(ctx, 30, now, domain.NewCostBreakdown())
	require.NoError(t, err)
	assert.Empty(t, crossed)

	// jumping past two levels alerts both, in ascending order
	breakdown := domain.NewCostBreakdown()
	breakdown.Add(domain.CostEntry{Service: "openai", Stage: "script", AmountUSD: 85})
	crossed, err = g.CheckCostThresholds(ctx, 85, now, breakdown)
	require.NoError(t, err)
	require.Len(t, crossed, 2)
	assert.Equal(t, "warning", crossed[0].Name)
	assert.Equal(t, "high", crossed[1].Name)

	crossed, err = g.CheckCostThresholds(ctx, 90, now, breakdown)
	require.NoError(t, err)
	assert.Empty(t, crossed, "same month must not re-alert")

	crossed, err = g.CheckCostThresholds(ctx, 101, now, breakdown)
	require.NoError(t, err)
	require.Len(t, crossed, 1)
	assert.Equal(t, "exceeded", crossed[0].Name)

	require.Len(t, sink.sent, 3)
	assert.Equal(t, notify.SeverityCritical, sink.sent[2].Severity)
	assert.Equal(t, "2026-04", sink.sent[0].Metadata["month"])

	raw, err := store.GetDocument(ctx, storage.CollectionBudgets, "2026-04")
	require.NoError(t, err)
	var doc domain.BudgetDocument
	require.NoError(t, storage.Decode(raw, &doc))
	assert.Equal(t, []string{"exceeded", "high", "warning"}, doc.ThresholdsCrossed)
}

func TestGovernor_ThresholdsPersistAcrossInstances(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 4, 10, 12, 0, 0, 0, time.UTC)
	g, store, _, _ := newTestGovernor(t, now)

	_, err := g.CheckCostThresholds(ctx, 60, now, domain.NewCostBreakdown())
	require.NoError(t, err)

	restarted, err := NewGovernor(store, Config{MonthlyTargetUSD: 100}, WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	crossed, err := restarted.CheckCostThresholds(ctx, 60, now, domain.NewCostBreakdown())
	require.NoError(t, err)
	assert.Empty(t, crossed)
}

func TestGovernor_ResetAlertCounts(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 4, 10, 12, 0, 0, 0, time.UTC)
	g, _, _, _ := newTestGovernor(t, now)

	crossed, err := g.CheckCostThresholds(ctx, 55, now, domain.NewCostBreakdown())
	require.NoError(t, err)
	require.Len(t, crossed, 1)

	require.NoError(t, g.ResetAlertCounts(ctx))

	crossed, err = g.CheckCostThresholds(ctx, 55, now, domain.NewCostBreakdown())
	require.NoError(t, err)
	assert.Len(t, crossed, 1)
}

func TestGovernor_MonthRollover(t *testing.T) {
	ctx := context.Background()
	g, store, _, clock := newTestGovernor(t, time.Date(2026, 4, 30, 23, 0, 0, 0, time.UTC))

	_, err := g.UpdateBudgetSpent(ctx, 70)
	require.NoError(t, err)
	_, err = g.CheckCostThresholds(ctx, 70, clock.Now(), domain.NewCostBreakdown())
	require.NoError(t, err)

	clock.Set(time.Date(2026, 5, 1, 0, 5, 0, 0, time.UTC))
	require.NoError(t, g.RollOver(ctx))

	status, err := g.GetBudgetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2026-05", status.Month)
	assert.Equal(t, 0.0, status.SpentUSD)
	assert.True(t, status.Runway.Unbounded)

	crossed, err := g.CheckCostThresholds(ctx, 60, clock.Now(), domain.NewCostBreakdown())
	require.NoError(t, err)
	assert.Len(t, crossed, 1, "new month alerts again")

	// april is superseded, not deleted
	_, err = store.GetDocument(ctx, storage.CollectionBudgets, "2026-04")
	assert.NoError(t, err)
}
