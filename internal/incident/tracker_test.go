package incident

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/pipewarden/internal/core/domain"
	"github.com/vietddude/pipewarden/internal/failure"
	"github.com/vietddude/pipewarden/internal/infra/storage/memory"
	"github.com/vietddude/pipewarden/internal/notify"
)

type testEnv struct {
	tracker *Tracker
	mu      sync.Mutex
	now     time.Time
	sent    []notify.Notification
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{now: time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)}
	seq := 0
	env.tracker = NewTracker(memory.NewMemoryStorage(),
		WithClock(func() time.Time {
			env.mu.Lock()
			defer env.mu.Unlock()
			return env.now
		}),
		WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("inc-%d", seq)
		}),
		WithNotifier(notify.SinkFunc(func(ctx context.Context, n notify.Notification) error {
			env.mu.Lock()
			defer env.mu.Unlock()
			env.sent = append(env.sent, n)
			return nil
		})),
	)
	return env
}

func (e *testEnv) advance(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = e.now.Add(d)
}

func TestTracker_Lifecycle(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	inc, err := env.tracker.OpenIncident(ctx, "vid-1", "voice", domain.IncidentMajor, "exhausted_chain")
	require.NoError(t, err)
	assert.True(t, inc.IsOpen)
	assert.Nil(t, inc.EndTime)
	assert.Nil(t, inc.Duration)

	env.advance(90 * time.Minute)

	resolved, err := env.tracker.ResolveIncident(ctx, inc.ID, domain.Resolution{
		Type:       domain.ResolutionRetried,
		Notes:      "fallback voice provider succeeded",
		ResolvedBy: "scheduler",
	})
	require.NoError(t, err)
	assert.False(t, resolved.IsOpen)
	require.NotNil(t, resolved.EndTime)
	require.NotNil(t, resolved.Duration)
	assert.Equal(t, resolved.EndTime.Sub(resolved.StartTime), *resolved.Duration)
	assert.Equal(t, 90*time.Minute, *resolved.Duration)

	stored, err := env.tracker.GetIncident(ctx, inc.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsOpen)
	assert.Equal(t, 90*time.Minute, *stored.Duration)
	assert.Equal(t, domain.ResolutionRetried, stored.Resolution.Type)
	assert.True(t, stored.EndTime.Equal(*resolved.EndTime))

	require.Len(t, env.sent, 2)
	assert.Equal(t, notify.SeverityWarning, env.sent[0].Severity)
	assert.Equal(t, notify.SeverityInfo, env.sent[1].Severity)
}

func TestTracker_ResolveUnknown(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.tracker.ResolveIncident(context.Background(), "nope", domain.Resolution{Type: domain.ResolutionManualFix})
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.KindNotFound))

	var fe *failure.Error
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, failure.CodeIncidentNotFound, fe.Code)

	// The lookup wins over resolution validation.
	_, err = env.tracker.ResolveIncident(context.Background(), "nope", domain.Resolution{Type: "shrug"})
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, failure.CodeIncidentNotFound, fe.Code)
}

func TestTracker_ResolveTwiceIsNoop(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	inc, err := env.tracker.OpenIncident(ctx, "vid-1", "image", domain.IncidentMinor, "timeout")
	require.NoError(t, err)

	env.advance(time.Minute)
	first, err := env.tracker.ResolveIncident(ctx, inc.ID, domain.Resolution{Type: domain.ResolutionAutoRecovered})
	require.NoError(t, err)

	env.advance(time.Hour)
	second, err := env.tracker.ResolveIncident(ctx, inc.ID, domain.Resolution{Type: domain.ResolutionIgnored, Notes: "late"})
	require.NoError(t, err)

	assert.Equal(t, *first.Duration, *second.Duration)
	assert.True(t, first.EndTime.Equal(*second.EndTime))
	assert.Equal(t, domain.ResolutionAutoRecovered, second.Resolution.Type)
	assert.Len(t, env.sent, 2, "second resolution must not notify")
}

func TestTracker_ListOpen(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	a, err := env.tracker.OpenIncident(ctx, "vid-1", "script", domain.IncidentMinor, "")
	require.NoError(t, err)
	env.advance(time.Minute)
	b, err := env.tracker.OpenIncident(ctx, "vid-2", "voice", domain.IncidentCritical, "unauthorized")
	require.NoError(t, err)
	env.advance(time.Minute)
	c, err := env.tracker.OpenIncident(ctx, "vid-3", "image", domain.IncidentMajor, "")
	require.NoError(t, err)

	_, err = env.tracker.ResolveIncident(ctx, b.ID, domain.Resolution{Type: domain.ResolutionManualFix})
	require.NoError(t, err)

	open, err := env.tracker.ListOpen(ctx)
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, a.ID, open[0].ID)
	assert.Equal(t, c.ID, open[1].ID)
}

func TestTracker_Validation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	_, err := env.tracker.OpenIncident(ctx, "vid", "script", "catastrophic", "")
	assert.Error(t, err)

	inc, err := env.tracker.OpenIncident(ctx, "vid", "script", domain.IncidentMinor, "")
	require.NoError(t, err)
	_, err = env.tracker.ResolveIncident(ctx, inc.ID, domain.Resolution{Type: "shrug"})
	assert.Error(t, err)
}
