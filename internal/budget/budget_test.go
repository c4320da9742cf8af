package budget

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func i64(v int64) *int64     { return &v }
func f64(v float64) *float64 { return &v }

func TestNullBudgetsNeverReject(t *testing.T) {
	e := New(GlobalLimits{}, nil)
	d := e.CheckBudget(KeyBudget{TokensUsed: 1 << 40, CostUsedUSD: 1e9})
	assert.True(t, d.Allowed)
	assert.Zero(t, d.TokenUsagePercent)
	assert.Zero(t, d.CostUsagePercent)
	assert.Zero(t, d.AlertThreshold)
}

func TestUsageUnderBudgetAllowed(t *testing.T) {
	e := New(GlobalLimits{}, nil)
	d := e.CheckBudget(KeyBudget{
		MonthlyTokenBudget: i64(100000),
		TokensUsed:         50000,
	})
	assert.True(t, d.Allowed)
	assert.InDelta(t, 50, d.TokenUsagePercent, 0.001)
	assert.Zero(t, d.AlertThreshold)
}

func TestTokenBudgetExceeded(t *testing.T) {
	e := New(GlobalLimits{}, nil)
	d := e.CheckBudget(KeyBudget{
		MonthlyTokenBudget: i64(100000),
		TokensUsed:         100000,
	})
	require.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "token budget exceeded")
}

func TestCostBudgetExceeded(t *testing.T) {
	e := New(GlobalLimits{}, nil)
	d := e.CheckBudget(KeyBudget{
		MonthlyCostBudgetUSD: f64(10),
		CostUsedUSD:          10.5,
	})
	require.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "cost budget exceeded")
}

func TestAlertThresholds(t *testing.T) {
	e := New(GlobalLimits{}, nil)
	budget := i64(100)

	at := func(used int64) int {
		return e.CheckBudget(KeyBudget{MonthlyTokenBudget: budget, TokensUsed: used}).AlertThreshold
	}
	assert.Zero(t, at(50))
	assert.Zero(t, at(79))
	assert.Equal(t, 80, at(80))
	assert.Equal(t, 80, at(85))
	assert.Equal(t, 95, at(95))
	assert.Equal(t, 95, at(96))
}

func TestGlobalTokenBudget(t *testing.T) {
	e := New(GlobalLimits{MonthlyTokens: 1000}, nil)
	require.NoError(t, e.RecordUsage(context.Background(), "", 1000, 0))

	d := e.CheckBudget(KeyBudget{})
	require.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "Global monthly token budget exceeded")
}

func TestGlobalCostBudget(t *testing.T) {
	e := New(GlobalLimits{MonthlyUSD: 5}, nil)
	require.NoError(t, e.RecordUsage(context.Background(), "", 10, 5.0))

	d := e.CheckBudget(KeyBudget{})
	require.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "Global monthly cost budget exceeded")
}

func TestGlobalUsageSumsRecordedCalls(t *testing.T) {
	e := New(GlobalLimits{}, nil)
	for i := 0; i < 10; i++ {
		require.NoError(t, e.RecordUsage(context.Background(), "", 7, 0.01))
	}
	tokens, usd := e.GetGlobalUsage()
	assert.Equal(t, int64(70), tokens)
	assert.InDelta(t, 0.10, usd, 1e-9)
}

func TestResetMonth(t *testing.T) {
	e := New(GlobalLimits{}, nil)
	require.NoError(t, e.RecordUsage(context.Background(), "", 100, 1))
	e.ResetMonth()
	tokens, usd := e.GetGlobalUsage()
	assert.Zero(t, tokens)
	assert.Zero(t, usd)
}

type recordingStore struct {
	keyID     string
	yearMonth string
	tokens    int64
	usd       float64
}

func (r *recordingStore) AddKeyUsage(_ context.Context, keyID, ym string, tokens int64, usd float64) error {
	r.keyID, r.yearMonth, r.tokens, r.usd = keyID, ym, tokens, usd
	return nil
}

func TestRecordUsagePersistsPerKey(t *testing.T) {
	st := &recordingStore{}
	e := New(GlobalLimits{}, st)
	require.NoError(t, e.RecordUsage(context.Background(), "key-1", 12, 0.0004))

	assert.Equal(t, "key-1", st.keyID)
	assert.Len(t, st.yearMonth, 7) // "2006-01"
	assert.Equal(t, int64(12), st.tokens)
	assert.InDelta(t, 0.0004, st.usd, 1e-9)
}
