package domain

// HealthStatus is the state of a probed service.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthFailed   HealthStatus = "failed"
)

// Severity orders statuses so the worst can be picked.
func (s HealthStatus) Severity() int {
	switch s {
	case HealthFailed:
		return 2
	case HealthDegraded:
		return 1
	default:
		return 0
	}
}

// HealthCheckResult is produced fresh on every probe and never persisted.
type HealthCheckResult struct {
	Service   string         `json:"service"`
	Status    HealthStatus   `json:"status"`
	Critical  bool           `json:"critical"`
	LatencyMs int64          `json:"latency_ms"`
	Error     string         `json:"error,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}
