// Package stage runs one pipeline stage through its provider chain and keeps
// the books: every attempt is charged to the cost ledger, spend is pushed to
// the budget governor, and a surfaced failure opens an incident.
package stage

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/pipewarden/internal/budget"
	"github.com/vietddude/pipewarden/internal/core/domain"
	"github.com/vietddude/pipewarden/internal/cost"
	"github.com/vietddude/pipewarden/internal/failure"
	"github.com/vietddude/pipewarden/internal/incident"
	"github.com/vietddude/pipewarden/internal/metrics"
	"github.com/vietddude/pipewarden/internal/routing"
)

// Runner holds the shared bookkeeping handles of all stages.
type Runner struct {
	ledger    *cost.Ledger
	governor  *budget.Governor
	incidents *incident.Tracker
	policies  routing.PolicySet
	clock     routing.Clock
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithPolicies overrides the per-tier retry policies.
func WithPolicies(p routing.PolicySet) Option {
	return func(r *Runner) { r.policies = p }
}

// WithClock overrides the executor clock and wall clock.
func WithClock(c routing.Clock) Option {
	return func(r *Runner) {
		r.clock = c
		r.now = c.Now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

// NewRunner creates a stage runner.
func NewRunner(ledger *cost.Ledger, governor *budget.Governor, incidents *incident.Tracker, opts ...Option) *Runner {
	r := &Runner{
		ledger:    ledger,
		governor:  governor,
		incidents: incidents,
		policies:  routing.DefaultPolicies(),
		clock:     routing.SystemClock,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Outcome is the bookkeeping side of a stage run.
type Outcome struct {
	Attempts   []domain.Attempt
	SpentUSD   float64
	Crossed    []domain.ThresholdLevel
	IncidentID string
}

// Run executes one stage through the registry's chain.
//
// Bookkeeping failures are logged and never replace the stage's own result.
func Run[I, O any](
	ctx context.Context,
	r *Runner,
	registry *routing.Registry[I, O],
	pipelineID, stageName string,
	in I,
) (routing.Result[O], Outcome, error) {
	var out Outcome

	res, err := routing.ExecuteWithFallback(ctx, registry, in, routing.FallbackOptions{
		Stage:    stageName,
		Policies: r.policies,
		Clock:    r.clock,
		Observe: func(a domain.Attempt) {
			out.Attempts = append(out.Attempts, a)
			out.SpentUSD += a.CostUSD
			r.charge(ctx, pipelineID, stageName, a)
		},
	})

	// bookkeeping must survive a cancelled stage
	bookCtx := context.WithoutCancel(ctx)

	if err != nil {
		fe := failure.Classify(err)
		metrics.StageRunsTotal.WithLabelValues(stageName, "failure").Inc()
		out.IncidentID = r.recordFailure(bookCtx, pipelineID, stageName, registry.Capability(), fe)
	} else {
		metrics.StageRunsTotal.WithLabelValues(stageName, "success").Inc()
	}

	out.Crossed = r.settle(bookCtx, out.SpentUSD)
	return res, out, err
}

func (r *Runner) charge(ctx context.Context, pipelineID, stageName string, a domain.Attempt) {
	entry := domain.CostEntry{
		PipelineID: pipelineID,
		Stage:      stageName,
		Service:    a.ProviderName,
		Provider:   a.ProviderName,
		Attempt:    a.AttemptNumber,
		AmountUSD:  a.CostUSD,
		Error:      a.Outcome == domain.OutcomeFailure,
		ErrorCode:  a.ErrorCode,
		Timestamp:  a.StartedAt,
	}
	if err := r.ledger.RecordCost(context.WithoutCancel(ctx), entry); err != nil {
		r.logger.Error("Failed to record attempt cost",
			"pipeline", pipelineID,
			"stage", stageName,
			"provider", a.ProviderName,
			"attempt", a.AttemptNumber,
			"error", err)
	}
}

// recordFailure opens an incident and writes the zero-amount error entry.
func (r *Runner) recordFailure(
	ctx context.Context,
	pipelineID, stageName string,
	capability domain.Capability,
	fe *failure.Error,
) string {
	entry := domain.CostEntry{
		PipelineID: pipelineID,
		Stage:      stageName,
		Service:    string(capability),
		AmountUSD:  0,
		Error:      true,
		ErrorCode:  fe.Code,
		Timestamp:  r.now().UTC(),
	}
	if err := r.ledger.RecordCost(ctx, entry); err != nil {
		r.logger.Error("Failed to record stage failure cost",
			"pipeline", pipelineID,
			"stage", stageName,
			"error", err)
	}

	inc, err := r.incidents.OpenIncident(ctx, pipelineID, stageName, IncidentSeverity(fe), fe.Code)
	if err != nil {
		r.logger.Error("Failed to open incident",
			"pipeline", pipelineID,
			"stage", stageName,
			"code", fe.Code,
			"error", err)
		return ""
	}
	return inc.ID
}

// settle pushes spend to the budget and checks thresholds.
func (r *Runner) settle(ctx context.Context, spent float64) []domain.ThresholdLevel {
	total, err := r.governor.UpdateBudgetSpent(ctx, spent)
	if err != nil {
		r.logger.Error("Failed to update budget spend", "amount_usd", spent, "error", err)
		return nil
	}

	month, err := r.ledger.GetCostsThisMonth(ctx)
	if err != nil {
		r.logger.Warn("Failed to load monthly breakdown", "error", err)
		month.CostBreakdown = domain.NewCostBreakdown()
	}

	crossed, err := r.governor.CheckCostThresholds(ctx, total, r.now(), month.CostBreakdown)
	if err != nil {
		r.logger.Error("Failed to check budget thresholds", "spent_usd", total, "error", err)
		return nil
	}
	return crossed
}

// IncidentSeverity grades a surfaced failure.
func IncidentSeverity(fe *failure.Error) domain.IncidentSeverity {
	switch {
	case fe == nil:
		return domain.IncidentMinor
	case fe.Kind == failure.KindCancelled:
		return domain.IncidentMinor
	case fe.IsCritical():
		return domain.IncidentCritical
	default:
		return domain.IncidentMajor
	}
}
