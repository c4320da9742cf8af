package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelmux/modelmux/internal/gateway"
)

func TestDefaultCatalogs(t *testing.T) {
	for _, provider := range []string{"openai", "anthropic", "groq", "together", "ollama"} {
		models := Default(provider)
		require.NotEmpty(t, models, provider)
		for _, m := range models {
			assert.Equal(t, provider, m.Provider)
			assert.NotEmpty(t, m.Capabilities)
			assert.GreaterOrEqual(t, m.QualityScore, 0.0)
			assert.LessOrEqual(t, m.QualityScore, 1.0)
		}
	}
	assert.Empty(t, Default("unknown"))
}

func TestOllamaModelsAreFree(t *testing.T) {
	for _, m := range Default("ollama") {
		assert.Zero(t, m.CostPer1kInput)
		assert.Zero(t, m.CostPer1kOutput)
	}
}

func TestLoadOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pricing.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
providers:
  openai:
    - id: gpt-4o
      context_window: 128000
      cost_per_1k_input: 0.002
      cost_per_1k_output: 0.008
      capabilities: [general, instruction-following, code]
      quality_score: 0.9
      avg_latency_ms: 850
`), 0o644))

	overrides, err := Load(path)
	require.NoError(t, err)

	models := ForProvider(overrides, "openai")
	require.Len(t, models, 1)
	assert.Equal(t, "gpt-4o", models[0].ID)
	assert.InDelta(t, 0.002, models[0].CostPer1kInput, 1e-9)
	assert.Contains(t, models[0].Capabilities, gateway.CapCode)

	// Providers absent from the file keep their defaults.
	assert.NotEmpty(t, ForProvider(overrides, "anthropic"))
}

func TestLoadRejectsMissingID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pricing.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
providers:
  openai:
    - quality_score: 0.5
`), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/pricing.yaml")
	assert.Error(t, err)
}
