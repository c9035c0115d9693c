// Package health probes dependent services and publishes pipeline readiness.
//
// Every probe is raced against its own timeout; probes of different services
// run concurrently and are joined before aggregation. The aggregate status is
// the worst individual status, but only a failed critical service makes the
// pipeline not ready.
package health

import (
	"context"
	"errors"
	"time"

	"github.com/vietddude/pipewarden/internal/core/domain"
)

// ErrDegraded marks a reachable but impaired service. Probes wrap it to
// report degraded instead of failed.
var ErrDegraded = errors.New("service degraded")

// Probe checks one dependency and may return metadata for the report.
type Probe func(ctx context.Context) (map[string]any, error)

// ServiceCheck declares how one service is probed.
type ServiceCheck struct {
	Name     string
	Probe    Probe
	Timeout  time.Duration
	Critical bool
}

// Report is the aggregated result of one sweep.
type Report struct {
	Status    domain.HealthStatus        `json:"status"`
	Ready     bool                       `json:"ready"`
	Services  []domain.HealthCheckResult `json:"services"`
	CheckedAt time.Time                  `json:"checked_at"`
}

// Aggregate folds individual results into a report.
// A failed non-critical service only degrades the aggregate.
func Aggregate(results []domain.HealthCheckResult, at time.Time) Report {
	report := Report{
		Status:    domain.HealthHealthy,
		Ready:     true,
		Services:  results,
		CheckedAt: at,
	}
	for _, r := range results {
		status := r.Status
		if status == domain.HealthFailed && !r.Critical {
			status = domain.HealthDegraded
		}
		if status.Severity() > report.Status.Severity() {
			report.Status = status
		}
		if r.Status == domain.HealthFailed && r.Critical {
			report.Ready = false
		}
	}
	return report
}
