// Package budget enforces monthly token and cost budgets, per API key and
// process-wide, with 80/95 percent alert thresholds.
package budget

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// YearMonth formats t as the UTC calendar-month key used for usage rows.
func YearMonth(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// KeyBudget is the read view of one API key's budget state. Nil budgets
// are unlimited.
type KeyBudget struct {
	MonthlyTokenBudget   *int64
	MonthlyCostBudgetUSD *float64
	TokensUsed           int64
	CostUsedUSD          float64
}

// Decision is the admission result for one request.
type Decision struct {
	Allowed           bool    `json:"allowed"`
	Reason            string  `json:"reason,omitempty"`
	TokenUsagePercent float64 `json:"tokenUsagePercent"`
	CostUsagePercent  float64 `json:"costUsagePercent"`
	// AlertThreshold is 80 or 95 when usage has crossed that line, 0 when
	// neither has been reached.
	AlertThreshold int `json:"alertThreshold,omitempty"`
}

// GlobalLimits caps gateway-wide monthly usage. Zero values are unlimited.
type GlobalLimits struct {
	MonthlyTokens int64
	MonthlyUSD    float64
}

// UsageStore persists per-key usage counters keyed by (key id, year-month).
type UsageStore interface {
	AddKeyUsage(ctx context.Context, keyID, yearMonth string, tokens int64, costUSD float64) error
}

// Enforcer holds global counters in memory and writes per-key usage through
// the store. Global counters may be seeded from storage at startup.
type Enforcer struct {
	limits GlobalLimits
	store  UsageStore
	logger *slog.Logger

	mu           sync.Mutex
	globalTokens int64
	globalUSD    float64
	month        string
}

// Option configures an Enforcer.
type Option func(*Enforcer)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Enforcer) { e.logger = l }
}

// WithSeededGlobalUsage initializes the global counters, typically from a
// storage scan at startup.
func WithSeededGlobalUsage(tokens int64, usd float64) Option {
	return func(e *Enforcer) {
		e.globalTokens = tokens
		e.globalUSD = usd
	}
}

// New creates an Enforcer. store may be nil when persistence is disabled.
func New(limits GlobalLimits, store UsageStore, opts ...Option) *Enforcer {
	e := &Enforcer{
		limits: limits,
		store:  store,
		logger: slog.Default(),
		month:  YearMonth(time.Now()),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func percent(used, budget float64) float64 {
	if budget <= 0 {
		return 0
	}
	return used / budget * 100
}

// alertThreshold returns the highest of {80, 95} that pct has reached.
func alertThreshold(pct float64) int {
	switch {
	case pct >= 95:
		return 95
	case pct >= 80:
		return 80
	}
	return 0
}

// CheckBudget decides admission for a key. Per-key limits are evaluated
// first, then the global caps.
func (e *Enforcer) CheckBudget(k KeyBudget) Decision {
	d := Decision{Allowed: true}
	if k.MonthlyTokenBudget != nil {
		d.TokenUsagePercent = percent(float64(k.TokensUsed), float64(*k.MonthlyTokenBudget))
	}
	if k.MonthlyCostBudgetUSD != nil {
		d.CostUsagePercent = percent(k.CostUsedUSD, *k.MonthlyCostBudgetUSD)
	}

	if d.TokenUsagePercent >= 100 {
		d.Allowed = false
		d.Reason = "Monthly token budget exceeded"
		return d
	}
	if d.CostUsagePercent >= 100 {
		d.Allowed = false
		d.Reason = "Monthly cost budget exceeded"
		return d
	}

	gTokens, gUSD := e.GetGlobalUsage()
	if e.limits.MonthlyTokens > 0 && gTokens >= e.limits.MonthlyTokens {
		d.Allowed = false
		d.Reason = fmt.Sprintf("Global monthly token budget exceeded (%d/%d)", gTokens, e.limits.MonthlyTokens)
		return d
	}
	if e.limits.MonthlyUSD > 0 && gUSD >= e.limits.MonthlyUSD {
		d.Allowed = false
		d.Reason = fmt.Sprintf("Global monthly cost budget exceeded ($%.2f/$%.2f)", gUSD, e.limits.MonthlyUSD)
		return d
	}

	d.AlertThreshold = alertThreshold(max(d.TokenUsagePercent, d.CostUsagePercent))
	return d
}

// RecordUsage adds actual usage to the key's persisted counters and the
// global counters. The global add happens even when the store write fails
// so admission stays conservative.
func (e *Enforcer) RecordUsage(ctx context.Context, keyID string, tokens int64, costUSD float64) error {
	e.recordGlobal(tokens, costUSD)

	if e.store == nil || keyID == "" {
		return nil
	}
	if err := e.store.AddKeyUsage(ctx, keyID, YearMonth(time.Now()), tokens, costUSD); err != nil {
		e.logger.Error("record key usage failed", "key_id", keyID, "error", err)
		return fmt.Errorf("record usage for key %s: %w", keyID, err)
	}
	return nil
}

func (e *Enforcer) recordGlobal(tokens int64, costUSD float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rolloverLocked(time.Now())
	e.globalTokens += tokens
	e.globalUSD += costUSD
}

// GetGlobalUsage returns the process-wide counters for the current month.
func (e *Enforcer) GetGlobalUsage() (tokens int64, usd float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rolloverLocked(time.Now())
	return e.globalTokens, e.globalUSD
}

// ResetMonth zeroes the global counters. Wired to the calendar-month cron
// job; rolloverLocked also catches it lazily on first touch of a new month.
func (e *Enforcer) ResetMonth() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.month = YearMonth(time.Now())
	e.globalTokens = 0
	e.globalUSD = 0
	e.logger.Info("global budget counters reset", "month", e.month)
}

func (e *Enforcer) rolloverLocked(now time.Time) {
	if m := YearMonth(now); m != e.month {
		e.month = m
		e.globalTokens = 0
		e.globalUSD = 0
	}
}
