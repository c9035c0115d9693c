// Package incident tracks the Open -> Resolved lifecycle of stage failures.
package incident

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/pipewarden/internal/core/domain"
	"github.com/vietddude/pipewarden/internal/failure"
	"github.com/vietddude/pipewarden/internal/infra/storage"
	"github.com/vietddude/pipewarden/internal/metrics"
	"github.com/vietddude/pipewarden/internal/notify"
)

// Tracker opens and resolves incidents.
type Tracker struct {
	store  storage.DocumentStore
	sink   notify.Sink
	now    func() time.Time
	newID  func() string
	logger *slog.Logger

	// mu serializes resolution so an incident is mutated exactly once
	mu sync.Mutex
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithNotifier sets the notification sink.
func WithNotifier(sink notify.Sink) Option {
	return func(t *Tracker) { t.sink = sink }
}

// WithIDGenerator overrides incident id generation.
func WithIDGenerator(gen func() string) Option {
	return func(t *Tracker) { t.newID = gen }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) { t.logger = logger }
}

// NewTracker creates an incident tracker.
func NewTracker(store storage.DocumentStore, opts ...Option) *Tracker {
	t := &Tracker{
		store:  store,
		sink:   notify.Nop,
		now:    time.Now,
		newID:  uuid.NewString,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// OpenIncident records a new open incident for a failed stage.
func (t *Tracker) OpenIncident(
	ctx context.Context,
	pipelineID, stage string,
	severity domain.IncidentSeverity,
	errorCode string,
) (domain.Incident, error) {
	switch severity {
	case domain.IncidentMinor, domain.IncidentMajor, domain.IncidentCritical:
	default:
		return domain.Incident{}, fmt.Errorf("unknown incident severity %q", severity)
	}

	inc := domain.Incident{
		ID:         t.newID(),
		PipelineID: pipelineID,
		Stage:      stage,
		Severity:   severity,
		ErrorCode:  errorCode,
		StartTime:  t.now().UTC(),
		IsOpen:     true,
	}
	if err := t.store.CreateDocument(ctx, storage.CollectionIncidents, inc.ID, inc); err != nil {
		return domain.Incident{}, fmt.Errorf("failed to open incident: %w", err)
	}

	metrics.IncidentsOpen.Inc()
	metrics.IncidentsTotal.WithLabelValues("opened", string(severity)).Inc()
	t.logger.Warn("Incident opened",
		"id", inc.ID,
		"pipeline", pipelineID,
		"stage", stage,
		"severity", severity,
		"code", errorCode)

	notify.Send(ctx, t.sink, notify.Notification{
		Severity:    severityOf(severity),
		Title:       fmt.Sprintf("Incident opened: %s", stage),
		Description: fmt.Sprintf("Stage %s of pipeline %s failed (%s)", stage, pipelineID, errorCode),
		Metadata: map[string]any{
			"incident_id": inc.ID,
			"pipeline_id": pipelineID,
			"severity":    string(severity),
		},
	})
	return inc, nil
}

// ResolveIncident closes an open incident. Unknown ids fail with a NotFound
// failure before the resolution is validated. Resolving an already resolved
// incident changes nothing and returns the stored incident.
func (t *Tracker) ResolveIncident(ctx context.Context, id string, res domain.Resolution) (domain.Incident, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	inc, err := t.GetIncident(ctx, id)
	if err != nil {
		return domain.Incident{}, err
	}

	switch res.Type {
	case domain.ResolutionAutoRecovered, domain.ResolutionRetried,
		domain.ResolutionManualFix, domain.ResolutionIgnored:
	default:
		return domain.Incident{}, fmt.Errorf("unknown resolution type %q", res.Type)
	}
	if !inc.IsOpen {
		t.logger.Debug("Incident already resolved", "id", id)
		return inc, nil
	}

	end := t.now().UTC()
	duration := end.Sub(inc.StartTime)
	inc.IsOpen = false
	inc.EndTime = &end
	inc.Duration = &duration
	inc.Resolution = &res

	if err := t.store.UpdateDocument(ctx, storage.CollectionIncidents, id, map[string]any{
		"isOpen":     false,
		"endTime":    end,
		"duration":   duration,
		"resolution": res,
	}); err != nil {
		return domain.Incident{}, fmt.Errorf("failed to resolve incident: %w", err)
	}

	metrics.IncidentsOpen.Dec()
	metrics.IncidentsTotal.WithLabelValues("resolved", string(inc.Severity)).Inc()
	t.logger.Info("Incident resolved",
		"id", id,
		"stage", inc.Stage,
		"resolution", res.Type,
		"duration", duration)

	notify.Send(ctx, t.sink, notify.Notification{
		Severity:    notify.SeverityInfo,
		Title:       fmt.Sprintf("Incident resolved: %s", inc.Stage),
		Description: fmt.Sprintf("Resolved as %s after %s", res.Type, duration.Round(time.Second)),
		Metadata: map[string]any{
			"incident_id": id,
			"pipeline_id": inc.PipelineID,
			"resolved_by": res.ResolvedBy,
		},
	})
	return inc, nil
}

// GetIncident loads an incident by id.
func (t *Tracker) GetIncident(ctx context.Context, id string) (domain.Incident, error) {
	raw, err := t.store.GetDocument(ctx, storage.CollectionIncidents, id)
	if errors.Is(err, storage.ErrNotFound) {
		return domain.Incident{}, failure.NotFound(failure.CodeIncidentNotFound, "incident %s not found", id)
	}
	if err != nil {
		return domain.Incident{}, fmt.Errorf("failed to load incident: %w", err)
	}

	var inc domain.Incident
	if err := storage.Decode(raw, &inc); err != nil {
		return domain.Incident{}, err
	}
	return inc, nil
}

// ListOpen returns open incidents, oldest first.
func (t *Tracker) ListOpen(ctx context.Context) ([]domain.Incident, error) {
	docs, err := t.store.QueryDocuments(ctx, storage.CollectionIncidents,
		storage.Where("isOpen", storage.OpEq, true))
	if err != nil {
		return nil, fmt.Errorf("failed to list incidents: %w", err)
	}
	incidents, err := storage.DecodeAll[domain.Incident](docs)
	if err != nil {
		return nil, err
	}
	sort.Slice(incidents, func(i, j int) bool {
		return incidents[i].StartTime.Before(incidents[j].StartTime)
	})
	return incidents, nil
}

func severityOf(s domain.IncidentSeverity) notify.Severity {
	switch s {
	case domain.IncidentCritical:
		return notify.SeverityCritical
	case domain.IncidentMajor:
		return notify.SeverityWarning
	default:
		return notify.SeverityInfo
	}
}
