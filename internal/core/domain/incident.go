package domain

import "time"

// IncidentSeverity grades how badly a stage failed.
type IncidentSeverity string

const (
	IncidentMinor    IncidentSeverity = "minor"
	IncidentMajor    IncidentSeverity = "major"
	IncidentCritical IncidentSeverity = "critical"
)

// ResolutionType classifies how an incident was closed.
type ResolutionType string

const (
	ResolutionAutoRecovered ResolutionType = "auto_recovered"
	ResolutionRetried       ResolutionType = "retry_succeeded"
	ResolutionManualFix     ResolutionType = "manual_fix"
	ResolutionIgnored       ResolutionType = "ignored"
)

// Resolution describes how an incident was closed.
type Resolution struct {
	Type       ResolutionType `json:"type"`
	Notes      string         `json:"notes,omitempty"`
	ResolvedBy string         `json:"resolvedBy,omitempty"`
}

// Incident tracks a stage failure. Duration is set iff IsOpen is false.
type Incident struct {
	ID         string           `json:"id"`
	PipelineID string           `json:"pipelineId"`
	Stage      string           `json:"stage"`
	Severity   IncidentSeverity `json:"severity"`
	ErrorCode  string           `json:"errorCode,omitempty"`
	StartTime  time.Time        `json:"startTime"`
	IsOpen     bool             `json:"isOpen"`
	EndTime    *time.Time       `json:"endTime,omitempty"`
	Duration   *time.Duration   `json:"duration,omitempty"`
	Resolution *Resolution      `json:"resolution,omitempty"`
}
