package control

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/pipewarden/internal/core/config"
	"github.com/vietddude/pipewarden/internal/core/domain"
	"github.com/vietddude/pipewarden/internal/failure"
	"github.com/vietddude/pipewarden/internal/infra/storage"
	"github.com/vietddude/pipewarden/internal/notify"
	"github.com/vietddude/pipewarden/internal/secrets"
)

type staticSecrets map[string]string

func (s staticSecrets) GetSecret(_ context.Context, name string) (string, error) {
	if v, ok := s[name]; ok {
		return v, nil
	}
	return "", secrets.ErrNotFound
}

const testConfig = `
budget:
  monthly_target_usd: 100
providers:
  - name: openai
    vendor: openai
    capability: text-generation
    tier: primary
    api_key_secret: openai-api-key
    rate_per_second: 2
  - name: anthropic
    vendor: anthropic
    capability: text-generation
    api_key_secret: anthropic-api-key
  - name: dalle
    vendor: openai
    capability: image-generation
    tier: primary
    api_key_secret: openai-api-key
health:
  services:
    - name: store
      kind: store
      critical: true
`

func loadConfig(t *testing.T, content string) *config.AppConfig {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

func newTestApp(t *testing.T, src secrets.Source) (*App, error) {
	t.Helper()
	return New(context.Background(), loadConfig(t, testConfig),
		WithSecrets(src),
		WithNotifier(notify.Nop))
}

func TestNew_WiresCatalog(t *testing.T) {
	app, err := newTestApp(t, staticSecrets{"openai-api-key": "sk", "anthropic-api-key": "ak"})
	require.NoError(t, err)
	t.Cleanup(app.Close)

	chain := app.Catalog.Text.Chain()
	require.Len(t, chain, 2)
	assert.Equal(t, "openai", chain[0].Name)
	assert.Equal(t, domain.TierPrimary, chain[0].Tier)
	assert.NotNil(t, chain[0].Limiter)
	assert.NotNil(t, chain[0].Breaker)
	assert.Nil(t, chain[1].Limiter)

	assert.Len(t, app.Catalog.Image.Chain(), 1)
	assert.Empty(t, app.Catalog.Upload.Chain())
	assert.Len(t, app.Catalog.ListAll(), 3)
}

func TestNew_MissingSecretIsCritical(t *testing.T) {
	_, err := newTestApp(t, secrets.Chain{staticSecrets{"openai-api-key": "sk"}})
	require.Error(t, err)

	fe := failure.Classify(err)
	assert.Equal(t, failure.CodeSecretNotFound, fe.Code)
	assert.True(t, fe.IsCritical())
}

func TestApp_HealthSweep(t *testing.T) {
	app, err := newTestApp(t, staticSecrets{"openai-api-key": "sk", "anthropic-api-key": "ak"})
	require.NoError(t, err)
	t.Cleanup(app.Close)

	report := app.Monitor.CheckAll(context.Background())
	assert.True(t, report.Ready)
	require.Len(t, report.Services, 1)
	assert.Equal(t, domain.HealthHealthy, report.Services[0].Status)
}

func TestApp_RollOver(t *testing.T) {
	app, err := newTestApp(t, staticSecrets{"openai-api-key": "sk", "anthropic-api-key": "ak"})
	require.NoError(t, err)
	t.Cleanup(app.Close)

	app.rollOver()

	month := time.Now().UTC().Format(domain.MonthLayout)
	_, err = app.Store.GetDocument(context.Background(), storage.CollectionBudgets, month)
	require.NoError(t, err)
}

func TestNew_InvalidSchedule(t *testing.T) {
	cfg := loadConfig(t, "budget: {monthly_target_usd: 10}\nhealth: {schedule: 'not a cron'}")
	_, err := New(context.Background(), cfg, WithSecrets(staticSecrets{}), WithNotifier(notify.Nop))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid health schedule")
}

func TestOpen_BookkeepingOnly(t *testing.T) {
	// no secrets are needed without provider wiring
	app, err := Open(context.Background(), loadConfig(t, testConfig), WithNotifier(notify.Nop))
	require.NoError(t, err)
	t.Cleanup(app.Close)

	assert.NotNil(t, app.Ledger)
	assert.NotNil(t, app.Governor)
	assert.NotNil(t, app.Incidents)
	assert.Nil(t, app.Monitor)
	assert.Empty(t, app.Catalog.ListAll())
}

func TestApp_RunStage(t *testing.T) {
	app, err := newTestApp(t, staticSecrets{"openai-api-key": "sk", "anthropic-api-key": "ak"})
	require.NoError(t, err)
	t.Cleanup(app.Close)
	ctx := context.Background()

	_, err = app.RunStage(ctx, StageRequest{Capability: domain.CapabilityText, Stage: "script"})
	assert.Equal(t, failure.CodeInvalidRequest, failure.Classify(err).Code)

	_, err = app.RunStage(ctx, StageRequest{Capability: "telepathy", PipelineID: "vid", Stage: "script"})
	assert.Equal(t, failure.CodeInvalidRequest, failure.Classify(err).Code)

	_, err = app.RunStage(ctx, StageRequest{
		Capability: domain.CapabilityText, PipelineID: "vid", Stage: "script", Input: []byte("{"),
	})
	assert.Equal(t, failure.CodeInvalidRequest, failure.Classify(err).Code)

	// no upload providers are configured
	report, err := app.RunStage(ctx, StageRequest{
		Capability: domain.CapabilityUpload,
		PipelineID: "vid",
		Stage:      "publish",
		Input:      []byte(`{"key": "vid/final.mp4", "content_type": "video/mp4"}`),
		Body:       []byte("frames"),
	})
	require.Error(t, err)
	assert.Equal(t, failure.CodeNoProvidersConfigured, failure.Classify(err).Code)
	assert.Zero(t, report.Attempts)
	assert.NotEmpty(t, report.IncidentID)

	costs, err := app.Ledger.GetCostsByVideo(ctx, "vid")
	require.NoError(t, err)
	assert.Equal(t, 1, costs.Errors)
}
