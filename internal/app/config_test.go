package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, 4000, cfg.Port)
	assert.Equal(t, "development", cfg.Env)
	assert.Equal(t, time.Hour, cfg.CacheTTL)
	assert.InDelta(t, 0.95, cfg.CacheSimilarity, 1e-9)
	assert.Equal(t, 10000, cfg.CacheMaxEntries)
	assert.Equal(t, "balanced", cfg.DefaultStrategy)
	assert.Equal(t, "http://localhost:11434", cfg.OllamaURL)
	assert.False(t, cfg.Production())
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "8080")
	t.Setenv("NODE_ENV", "production")
	t.Setenv("CACHE_TTL_SECONDS", "120")
	t.Setenv("GLOBAL_MONTHLY_TOKEN_BUDGET", "5000000")
	t.Setenv("GLOBAL_MONTHLY_USD_BUDGET", "250.5")
	t.Setenv("DEFAULT_ROUTING_STRATEGY", "cost")
	t.Setenv("ENABLE_METRICS", "true")
	t.Setenv("REDACT_PROMPTS", "1")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.True(t, cfg.Production())
	assert.Equal(t, 2*time.Minute, cfg.CacheTTL)
	assert.Equal(t, int64(5000000), cfg.GlobalMonthlyTokens)
	assert.InDelta(t, 250.5, cfg.GlobalMonthlyUSD, 1e-9)
	assert.Equal(t, "cost", cfg.DefaultStrategy)
	assert.True(t, cfg.EnableMetrics)
	assert.True(t, cfg.RedactPrompts)
}

func TestFromEnvRejectsBadValues(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"PORT", "not-a-number"},
		{"PORT", "70000"},
		{"DEFAULT_ROUTING_STRATEGY", "fastest"},
		{"CACHE_SIMILARITY_THRESHOLD", "1.5"},
		{"CACHE_MAX_ENTRIES", "0"},
		{"NODE_ENV", "staging"},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := FromEnv()
			assert.Error(t, err)
		})
	}
}
