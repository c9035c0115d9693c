package domain

import "time"

// AttemptOutcome is the result of a single provider invocation.
type AttemptOutcome string

const (
	OutcomeSuccess AttemptOutcome = "success"
	OutcomeFailure AttemptOutcome = "failure"
)

// Attempt records one call to one provider. It is never mutated after creation.
type Attempt struct {
	ProviderName  string         `json:"provider_name"`
	Capability    Capability     `json:"capability"`
	Tier          Tier           `json:"tier"`
	AttemptNumber int            `json:"attempt_number"`
	StartedAt     time.Time      `json:"started_at"`
	DurationMs    int64          `json:"duration_ms"`
	Outcome       AttemptOutcome `json:"outcome"`
	ErrorCode     string         `json:"error_code,omitempty"`
	CostUSD       float64        `json:"cost_usd"`
}
