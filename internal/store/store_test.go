package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelmux/modelmux/internal/reqlog"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", nil)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestApiKeyLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	budget := int64(100000)
	k := &ApiKey{
		ID:                 "key-1",
		KeyHash:            "$2a$10$hash",
		Name:               "ci",
		Enabled:            true,
		MonthlyTokenBudget: &budget,
		RateLimitRPM:       60,
		RateLimitTPM:       90000,
		PlatformFallback:   true,
		CreatedAt:          time.Now().UTC(),
	}
	require.NoError(t, s.CreateApiKey(ctx, k))

	got, err := s.GetApiKey(ctx, "key-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "ci", got.Name)
	assert.True(t, got.Enabled)
	require.NotNil(t, got.MonthlyTokenBudget)
	assert.Equal(t, int64(100000), *got.MonthlyTokenBudget)
	assert.Nil(t, got.MonthlyCostBudgetUSD)

	require.NoError(t, s.SetApiKeyEnabled(ctx, "key-1", false))
	got, err = s.GetApiKey(ctx, "key-1")
	require.NoError(t, err)
	assert.False(t, got.Enabled)

	keys, err := s.ListApiKeys(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, 1)

	require.NoError(t, s.DeleteApiKey(ctx, "key-1"))
	got, err = s.GetApiKey(ctx, "key-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSetEnabledUnknownKey(t *testing.T) {
	s := newTestStore(t)
	err := s.SetApiKeyEnabled(context.Background(), "ghost", true)
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestKeyUsageAccumulates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u, err := s.GetKeyUsage(ctx, "key-1", "2026-08")
	require.NoError(t, err)
	assert.Zero(t, u.TokensUsed)

	require.NoError(t, s.AddKeyUsage(ctx, "key-1", "2026-08", 12, 0.0004))
	require.NoError(t, s.AddKeyUsage(ctx, "key-1", "2026-08", 8, 0.0002))

	u, err = s.GetKeyUsage(ctx, "key-1", "2026-08")
	require.NoError(t, err)
	assert.Equal(t, int64(20), u.TokensUsed)
	assert.InDelta(t, 0.0006, u.CostUsedUSD, 1e-9)

	// A new month starts clean.
	u, err = s.GetKeyUsage(ctx, "key-1", "2026-09")
	require.NoError(t, err)
	assert.Zero(t, u.TokensUsed)
}

func TestTotalUsageSumsKeys(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AddKeyUsage(ctx, "a", "2026-08", 10, 1))
	require.NoError(t, s.AddKeyUsage(ctx, "b", "2026-08", 5, 0.5))
	require.NoError(t, s.AddKeyUsage(ctx, "a", "2026-07", 100, 9))

	tokens, usd, err := s.GetTotalUsage(ctx, "2026-08")
	require.NoError(t, err)
	assert.Equal(t, int64(15), tokens)
	assert.InDelta(t, 1.5, usd, 1e-9)
}

func TestRequestLogBatchAndPrune(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := reqlog.Entry{
		ID: "e-old", Timestamp: time.Now().UTC().Add(-48 * time.Hour),
		RequestID: "r1", ModelRequested: "gpt-4o", TotalTokens: 12,
	}
	fresh := reqlog.Entry{
		ID: "e-new", Timestamp: time.Now().UTC(),
		RequestID: "r2", ModelRequested: "gpt-4o", Provider: "openai",
		PromptTokens: 5, CompletionTokens: 7, TotalTokens: 12,
		CostUSD: 0.0004, LatencyMs: 812, Status: 200,
	}
	require.NoError(t, s.InsertRequestLogs(ctx, []reqlog.Entry{old, fresh}))

	n, err := s.CountRequestLogs(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	pruned, err := s.PruneRequestLogs(ctx, time.Now().UTC().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	n, err = s.CountRequestLogs(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestInsertEmptyBatchIsNoOp(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.InsertRequestLogs(context.Background(), nil))
}
