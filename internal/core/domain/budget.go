package domain

import "time"

// ThresholdLevel is an alert level expressed as a fraction of the monthly target.
type ThresholdLevel struct {
	Name     string  `yaml:"name"     json:"name"     validate:"required"`
	Fraction float64 `yaml:"fraction" json:"fraction" validate:"gt=0"`
	Severity string  `yaml:"severity" json:"severity"`
}

// BudgetDocument is the live spend record of one calendar month.
type BudgetDocument struct {
	Month             string    `json:"month"`
	TargetUSD         float64   `json:"targetUsd"`
	SpentUSD          float64   `json:"spentUsd"`
	ThresholdsCrossed []string  `json:"thresholdsCrossed"`
	LastUpdated       time.Time `json:"lastUpdated"`
}

// Runway is the projected number of days until the budget is exhausted.
type Runway struct {
	Days      int  `json:"days"`
	Unbounded bool `json:"unbounded"`
}

// BudgetStatus summarises the current month.
type BudgetStatus struct {
	Month       string  `json:"month"`
	SpentUSD    float64 `json:"spent_usd"`
	TargetUSD   float64 `json:"target_usd"`
	PercentUsed float64 `json:"percent_used"`
	Runway      Runway  `json:"runway"`
}
