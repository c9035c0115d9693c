package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vietddude/pipewarden/internal/core/domain"
	"github.com/vietddude/pipewarden/internal/metrics"
)

// DefaultTimeout bounds a probe that declares no timeout.
const DefaultTimeout = 5 * time.Second

// CheckService races probe against its timeout. A timed out critical service
// is failed; a timed out non-critical service is degraded.
func CheckService(ctx context.Context, check ServiceCheck) domain.HealthCheckResult {
	timeout := check.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	result := domain.HealthCheckResult{
		Service:  check.Name,
		Status:   domain.HealthHealthy,
		Critical: check.Critical,
	}
	if check.Probe == nil {
		result.Status = domain.HealthFailed
		result.Error = "no probe configured"
		return result
	}

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		meta map[string]any
		err  error
	}
	done := make(chan outcome, 1)
	start := time.Now()
	go func() {
		meta, err := check.Probe(probeCtx)
		done <- outcome{meta, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	timedOut := func() domain.HealthCheckResult {
		result.LatencyMs = timeout.Milliseconds()
		result.Error = fmt.Sprintf("Timeout after %dms", timeout.Milliseconds())
		result.Status = domain.HealthDegraded
		if check.Critical {
			result.Status = domain.HealthFailed
		}
		return result
	}

	select {
	case out := <-done:
		if out.err != nil && errors.Is(out.err, context.DeadlineExceeded) && ctx.Err() == nil {
			// the probe observed our own deadline
			return timedOut()
		}
		result.LatencyMs = time.Since(start).Milliseconds()
		result.Metadata = out.meta
		switch {
		case out.err == nil:
		case errors.Is(out.err, ErrDegraded):
			result.Status = domain.HealthDegraded
			result.Error = out.err.Error()
		default:
			result.Status = domain.HealthFailed
			result.Error = out.err.Error()
		}
	case <-timer.C:
		return timedOut()
	case <-ctx.Done():
		result.LatencyMs = time.Since(start).Milliseconds()
		result.Status = domain.HealthFailed
		result.Error = ctx.Err().Error()
	}
	return result
}

// Monitor runs the configured service checks.
type Monitor struct {
	checks   []ServiceCheck
	cacheFor time.Duration
	now      func() time.Time
	logger   *slog.Logger

	mu        sync.Mutex
	lastCheck time.Time
	last      *Report
	listeners []func(Report)
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithCacheInterval reuses the last report for d. Zero disables caching.
func WithCacheInterval(d time.Duration) Option {
	return func(m *Monitor) { m.cacheFor = d }
}

// WithClock overrides the wall clock used for report timestamps and caching.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) { m.logger = logger }
}

// NewMonitor creates a new health monitor.
func NewMonitor(checks []ServiceCheck, opts ...Option) *Monitor {
	m := &Monitor{
		checks: checks,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnReport registers a listener called after every fresh sweep.
func (m *Monitor) OnReport(fn func(Report)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// CheckAll probes every service concurrently and aggregates the results.
func (m *Monitor) CheckAll(ctx context.Context) Report {
	results := make([]domain.HealthCheckResult, len(m.checks))

	var g errgroup.Group
	for i, check := range m.checks {
		g.Go(func() error {
			results[i] = CheckService(ctx, check)
			return nil
		})
	}
	_ = g.Wait()

	report := Aggregate(results, m.now())
	for _, r := range results {
		metrics.ServiceHealth.WithLabelValues(r.Service).Set(float64(r.Status.Severity()))
		switch {
		case r.Status == domain.HealthFailed && r.Critical:
			m.logger.Error("Critical service failed", "service", r.Service, "error", r.Error)
		case r.Status != domain.HealthHealthy:
			m.logger.Warn("Service unhealthy", "service", r.Service, "status", r.Status, "error", r.Error)
		}
	}

	m.mu.Lock()
	m.last = &report
	m.lastCheck = report.CheckedAt
	listeners := append([]func(Report){}, m.listeners...)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(report)
	}
	return report
}

// Check returns the last report while it is fresh, otherwise sweeps again.
func (m *Monitor) Check(ctx context.Context) Report {
	m.mu.Lock()
	if m.last != nil && m.cacheFor > 0 && m.now().Sub(m.lastCheck) < m.cacheFor {
		report := *m.last
		m.mu.Unlock()
		return report
	}
	m.mu.Unlock()
	return m.CheckAll(ctx)
}

// Ready reports whether no critical service failed in a fresh or cached sweep.
func (m *Monitor) Ready(ctx context.Context) bool {
	return m.Check(ctx).Ready
}
