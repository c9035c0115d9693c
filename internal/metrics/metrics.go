// Package metrics exposes Prometheus collectors for the governance layer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ProviderAttemptsTotal tracks provider attempts per capability, provider and outcome
	ProviderAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipewarden_provider_attempts_total",
			Help: "Total number of provider attempts",
		},
		[]string{"capability", "provider", "outcome"},
	)

	// ProviderFailuresTotal tracks providers that gave up after retries
	ProviderFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipewarden_provider_failures_total",
			Help: "Total number of providers exhausted within a chain walk",
		},
		[]string{"capability", "provider", "code"},
	)

	// ProviderLatency tracks single attempt latency
	ProviderLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipewarden_provider_latency_seconds",
			Help:    "Provider attempt latency in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"capability", "provider"},
	)

	// StageRunsTotal tracks stage executions by result
	StageRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipewarden_stage_runs_total",
			Help: "Total number of pipeline stage runs",
		},
		[]string{"stage", "result"},
	)

	// CostUSDTotal tracks recorded spend
	CostUSDTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipewarden_cost_usd_total",
			Help: "Total recorded cost in USD",
		},
		[]string{"service", "stage"},
	)

	// BudgetSpentUSD tracks the current month's spend
	BudgetSpentUSD = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pipewarden_budget_spent_usd",
			Help: "Spend of the current budget month in USD",
		},
	)

	// BudgetThresholdAlertsTotal tracks threshold crossings
	BudgetThresholdAlertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipewarden_budget_threshold_alerts_total",
			Help: "Total number of budget threshold alerts raised",
		},
		[]string{"level"},
	)

	// IncidentsOpen tracks incidents that are not yet resolved
	IncidentsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pipewarden_incidents_open",
			Help: "Number of open incidents seen by this process",
		},
	)

	// IncidentsTotal tracks incident transitions
	IncidentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipewarden_incidents_total",
			Help: "Total number of incident transitions",
		},
		[]string{"transition", "severity"},
	)

	// ServiceHealth tracks the last probed status (0 healthy, 1 degraded, 2 failed)
	ServiceHealth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pipewarden_service_health",
			Help: "Last probed health of a dependent service (0 healthy, 1 degraded, 2 failed)",
		},
		[]string{"service"},
	)

	// DBConnectionPoolUsage tracks the percentage of open database connections
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pipewarden_db_connection_pool_usage_percent",
			Help: "Open database connections as a percentage of the pool limit",
		},
	)
)
