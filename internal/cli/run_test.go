package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chatServer(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error": {"message": "nope", "type": "server_error"}}`))
			return
		}
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"model": "gpt-4o-mini",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "a script"}}],
			"usage": {"prompt_tokens": 0, "completion_tokens": 0, "total_tokens": 0}
		}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeStageConfig(t *testing.T, primaryURL, fallbackURL string) string {
	t.Helper()
	t.Setenv("PIPEWARDEN_OPENAI_API_KEY", "sk-test")

	providers := fmt.Sprintf(`
  - name: openai-a
    vendor: openai
    capability: text-generation
    tier: primary
    api_key_secret: openai-api-key
    base_url: %s/v1
    pricing: {per_call_usd: 0.01}`, primaryURL)
	if fallbackURL != "" {
		providers += fmt.Sprintf(`
  - name: openai-b
    vendor: openai
    capability: text-generation
    tier: fallback
    api_key_secret: openai-api-key
    base_url: %s/v1
    pricing: {per_call_usd: 0.02}`, fallbackURL)
	}

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
budget:
  monthly_target_usd: 250
retry:
  primary: {max_attempts: 1, base_delay: 1ms}
  fallback: {max_attempts: 1, base_delay: 1ms}
providers:`+providers+"\n"), 0o600))
	return path
}

func writeInput(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "input.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"prompt": "a video about tides"}`), 0o600))
	return path
}

func TestRunCommand_FallsBackAndCharges(t *testing.T) {
	down := chatServer(t, http.StatusServiceUnavailable)
	up := chatServer(t, http.StatusOK)

	out, err := run(t, "--config", writeStageConfig(t, down.URL, up.URL), "--json",
		"run", "--capability", "text-generation", "--pipeline", "vid-1", "--stage", "script",
		"--input", writeInput(t))
	require.NoError(t, err)

	var report map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, "openai-b", report["provider"])
	assert.Equal(t, "fallback", report["tier"])
	assert.EqualValues(t, 2, report["attempts"])
	assert.InDelta(t, 0.02, report["spent_usd"], 1e-9)
	assert.Empty(t, report["incident_id"])

	output, ok := report["output"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "a script", output["text"])
}

func TestRunCommand_CriticalFailureOpensIncident(t *testing.T) {
	denied := chatServer(t, http.StatusUnauthorized)

	out, err := run(t, "--config", writeStageConfig(t, denied.URL, ""), "--json",
		"run", "--capability", "text-generation", "--pipeline", "vid-2", "--stage", "script",
		"--input", writeInput(t))
	require.Error(t, err)
	assert.Equal(t, ExitCritical, ExitCode(err))

	var report map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.EqualValues(t, 1, report["attempts"])
	assert.NotEmpty(t, report["incident_id"])
	assert.Empty(t, report["provider"])
}

func TestRunCommand_UnknownCapability(t *testing.T) {
	up := chatServer(t, http.StatusOK)

	_, err := run(t, "--config", writeStageConfig(t, up.URL, ""), "--json",
		"run", "--capability", "telepathy", "--pipeline", "vid-3", "--stage", "script",
		"--input", writeInput(t))
	require.Error(t, err)
	assert.Equal(t, ExitCritical, ExitCode(err))
}
