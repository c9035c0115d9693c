package domain

import (
	"fmt"
	"time"
)

// DateLayout is the calendar-day format used by cost entries.
const DateLayout = "2006-01-02"

// MonthLayout is the calendar-month format used by budget documents.
const MonthLayout = "2006-01"

// CostEntry is an append-only record of money spent on one service call.
type CostEntry struct {
	PipelineID string    `json:"pipelineId"`
	Date       string    `json:"date"`
	Stage      string    `json:"stage"`
	Service    string    `json:"service"`
	Provider   string    `json:"provider,omitempty"`
	Attempt    int       `json:"attempt,omitempty"`
	AmountUSD  float64   `json:"amountUsd"`
	Error      bool      `json:"error"`
	ErrorCode  string    `json:"errorCode,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Key returns the idempotency key of the entry.
// Two entries with the same key are the same charge.
func (e CostEntry) Key() string {
	return fmt.Sprintf("%s|%s|%s|%d", e.PipelineID, e.Stage, e.Service, e.Timestamp.UnixNano())
}

// CostBreakdown aggregates cost entries.
type CostBreakdown struct {
	TotalUSD  float64            `json:"total_usd"`
	ByService map[string]float64 `json:"by_service"`
	ByStage   map[string]float64 `json:"by_stage"`
	Entries   int                `json:"entries"`
	Errors    int                `json:"errors"`
}

// NewCostBreakdown returns an empty breakdown with initialised maps.
func NewCostBreakdown() CostBreakdown {
	return CostBreakdown{
		ByService: make(map[string]float64),
		ByStage:   make(map[string]float64),
	}
}

// Add folds an entry into the breakdown.
func (b *CostBreakdown) Add(e CostEntry) {
	b.TotalUSD += e.AmountUSD
	b.ByService[e.Service] += e.AmountUSD
	b.ByStage[e.Stage] += e.AmountUSD
	b.Entries++
	if e.Error {
		b.Errors++
	}
}

// DailyCost is the breakdown of one calendar day.
type DailyCost struct {
	Date string `json:"date"`
	CostBreakdown
}

// VideoCost is the breakdown of one pipeline run.
type VideoCost struct {
	PipelineID string `json:"pipeline_id"`
	CostBreakdown
}

// MonthlyCost is the breakdown of one calendar month with its days.
type MonthlyCost struct {
	Month string      `json:"month"`
	Days  []DailyCost `json:"days"`
	CostBreakdown
}
