package control

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/vietddude/pipewarden/internal/core/domain"
	"github.com/vietddude/pipewarden/internal/failure"
	"github.com/vietddude/pipewarden/internal/routing"
	"github.com/vietddude/pipewarden/internal/stage"
)

// StageRequest triggers one stage by hand.
type StageRequest struct {
	Capability domain.Capability
	PipelineID string
	Stage      string
	// Input is the JSON-encoded request of the capability.
	Input []byte
	// Body is the upload payload; other capabilities ignore it.
	Body []byte
}

// StageReport is what a triggered stage produced and cost.
type StageReport struct {
	Capability domain.Capability       `json:"capability"`
	PipelineID string                  `json:"pipeline_id"`
	Stage      string                  `json:"stage"`
	Provider   string                  `json:"provider,omitempty"`
	Tier       domain.Tier             `json:"tier,omitempty"`
	Attempts   int                     `json:"attempts"`
	SpentUSD   float64                 `json:"spent_usd"`
	Crossed    []domain.ThresholdLevel `json:"thresholds_crossed,omitempty"`
	IncidentID string                  `json:"incident_id,omitempty"`
	Output     any                     `json:"output,omitempty"`
	// Payload holds generated audio or image bytes.
	Payload []byte `json:"-"`
}

// RunStage runs one stage through the chain of its capability.
// The report is filled in even when the stage fails.
func (a *App) RunStage(ctx context.Context, req StageRequest) (StageReport, error) {
	if req.PipelineID == "" || req.Stage == "" {
		return StageReport{}, failure.Newf(failure.KindCritical, failure.CodeInvalidRequest,
			"stage run requires a pipeline id and a stage name")
	}

	switch req.Capability {
	case domain.CapabilityText:
		return runStage(ctx, a, a.Catalog.Text, req, nil, func(r domain.TextResult) []byte { return nil })
	case domain.CapabilitySpeech:
		return runStage(ctx, a, a.Catalog.Speech, req, nil, func(r domain.SpeechResult) []byte { return r.Audio })
	case domain.CapabilityImage:
		return runStage(ctx, a, a.Catalog.Image, req, nil, func(r domain.ImageResult) []byte { return r.Data })
	case domain.CapabilityUpload:
		attach := func(in *domain.UploadRequest) { in.Body = req.Body }
		return runStage(ctx, a, a.Catalog.Upload, req, attach, func(r domain.UploadResult) []byte { return nil })
	default:
		return StageReport{}, failure.Newf(failure.KindCritical, failure.CodeInvalidRequest,
			"unknown capability %q", req.Capability)
	}
}

func runStage[I, O any](
	ctx context.Context,
	a *App,
	registry *routing.Registry[I, O],
	req StageRequest,
	prepare func(*I),
	payload func(O) []byte,
) (StageReport, error) {
	var in I
	if len(req.Input) > 0 {
		if err := json.Unmarshal(req.Input, &in); err != nil {
			return StageReport{}, failure.CriticalError(failure.CodeInvalidRequest,
				fmt.Errorf("failed to decode %s input: %w", req.Capability, err))
		}
	}
	if prepare != nil {
		prepare(&in)
	}

	res, outcome, err := stage.Run(ctx, a.Runner, registry, req.PipelineID, req.Stage, in)
	report := StageReport{
		Capability: req.Capability,
		PipelineID: req.PipelineID,
		Stage:      req.Stage,
		Attempts:   len(outcome.Attempts),
		SpentUSD:   outcome.SpentUSD,
		Crossed:    outcome.Crossed,
		IncidentID: outcome.IncidentID,
	}
	if err != nil {
		a.log.Warn("Stage failed",
			"pipeline", req.PipelineID,
			"stage", req.Stage,
			"capability", req.Capability,
			"incident", outcome.IncidentID,
			"error", err)
		return report, err
	}

	report.Provider = res.ProviderName
	report.Tier = res.Tier
	report.Output = res.Value
	report.Payload = payload(res.Value)
	a.log.Info("Stage completed",
		"pipeline", req.PipelineID,
		"stage", req.Stage,
		"provider", res.ProviderName,
		"attempts", report.Attempts,
		"spent_usd", report.SpentUSD)
	return report, nil
}
