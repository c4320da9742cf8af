// Package store is the durable layer: API keys, monthly usage counters
// keyed by (key id, year-month), and the append-only request log. Backed by
// SQLite via the pure-Go modernc driver.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/modelmux/modelmux/internal/reqlog"
)

// ApiKey mirrors one row of api_keys. KeyHash is a bcrypt hash; the
// plaintext key is only ever shown once at creation.
type ApiKey struct {
	ID                   string     `json:"id"`
	KeyHash              string     `json:"-"`
	Name                 string     `json:"name"`
	Enabled              bool       `json:"enabled"`
	MonthlyTokenBudget   *int64     `json:"monthlyTokenBudget,omitempty"`
	MonthlyCostBudgetUSD *float64   `json:"monthlyCostBudgetUsd,omitempty"`
	RateLimitRPM         int        `json:"rateLimitRpm"`
	RateLimitTPM         int64      `json:"rateLimitTpm"`
	PlatformFallback     bool       `json:"platformFallback"`
	CreatedAt            time.Time  `json:"createdAt"`
	LastUsedAt           *time.Time `json:"lastUsedAt,omitempty"`
}

// KeyUsage is one key's accumulated usage for a calendar month.
type KeyUsage struct {
	TokensUsed  int64   `json:"tokensUsed"`
	CostUsedUSD float64 `json:"costUsedUsd"`
}

// Store wraps the SQLite handle.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open connects to the database named by databaseURL. Accepted forms:
// a bare filesystem path, "sqlite://<path>", or ":memory:".
func Open(databaseURL string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	path := strings.TrimPrefix(databaseURL, "sqlite://")
	if path == "" {
		return nil, fmt.Errorf("empty database path")
	}

	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// The modernc driver serializes writes; one connection avoids
	// SQLITE_BUSY churn under concurrent load.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the schema if absent.
func (s *Store) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS api_keys (
			id TEXT PRIMARY KEY,
			key_hash TEXT NOT NULL,
			name TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			monthly_token_budget INTEGER,
			monthly_cost_budget_usd REAL,
			rate_limit_rpm INTEGER NOT NULL DEFAULT 0,
			rate_limit_tpm INTEGER NOT NULL DEFAULT 0,
			platform_fallback INTEGER NOT NULL DEFAULT 1,
			created_at TIMESTAMP NOT NULL,
			last_used_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS api_key_usage (
			key_id TEXT NOT NULL,
			year_month TEXT NOT NULL,
			tokens_used INTEGER NOT NULL DEFAULT 0,
			cost_used_usd REAL NOT NULL DEFAULT 0,
			PRIMARY KEY (key_id, year_month)
		)`,
		`CREATE TABLE IF NOT EXISTS request_logs (
			id TEXT PRIMARY KEY,
			created_at TIMESTAMP NOT NULL,
			request_id TEXT NOT NULL,
			key_id TEXT,
			model_requested TEXT NOT NULL,
			model_used TEXT,
			provider TEXT,
			prompt_tokens INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			cost_usd REAL NOT NULL DEFAULT 0,
			latency_ms INTEGER NOT NULL DEFAULT 0,
			cache_hit INTEGER NOT NULL DEFAULT 0,
			fallback_used INTEGER NOT NULL DEFAULT 0,
			stream INTEGER NOT NULL DEFAULT 0,
			status INTEGER NOT NULL DEFAULT 0,
			error_type TEXT,
			prompt TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_request_logs_created_at ON request_logs(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_request_logs_key_id ON request_logs(key_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// CreateApiKey inserts a key record.
func (s *Store) CreateApiKey(ctx context.Context, k *ApiKey) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys
			(id, key_hash, name, enabled, monthly_token_budget, monthly_cost_budget_usd,
			 rate_limit_rpm, rate_limit_tpm, platform_fallback, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		k.ID, k.KeyHash, k.Name, k.Enabled, k.MonthlyTokenBudget, k.MonthlyCostBudgetUSD,
		k.RateLimitRPM, k.RateLimitTPM, k.PlatformFallback, k.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func scanApiKey(row interface{ Scan(...any) error }) (*ApiKey, error) {
	var k ApiKey
	err := row.Scan(&k.ID, &k.KeyHash, &k.Name, &k.Enabled,
		&k.MonthlyTokenBudget, &k.MonthlyCostBudgetUSD,
		&k.RateLimitRPM, &k.RateLimitTPM, &k.PlatformFallback,
		&k.CreatedAt, &k.LastUsedAt)
	if err != nil {
		return nil, err
	}
	return &k, nil
}

const apiKeyColumns = `id, key_hash, name, enabled, monthly_token_budget,
	monthly_cost_budget_usd, rate_limit_rpm, rate_limit_tpm, platform_fallback,
	created_at, last_used_at`

// GetApiKey fetches one key by id.
func (s *Store) GetApiKey(ctx context.Context, id string) (*ApiKey, error) {
	k, err := scanApiKey(s.db.QueryRowContext(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get api key: %w", err)
	}
	return k, nil
}

// ListApiKeys returns every key record.
func (s *Store) ListApiKeys(ctx context.Context) ([]*ApiKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var keys []*ApiKey
	for rows.Next() {
		k, err := scanApiKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// SetApiKeyEnabled toggles a key.
func (s *Store) SetApiKeyEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET enabled = ? WHERE id = ?`, enabled, id)
	if err != nil {
		return fmt.Errorf("set api key enabled: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// TouchApiKey records when a key was last used.
func (s *Store) TouchApiKey(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = ? WHERE id = ?`, at, id)
	return err
}

// DeleteApiKey removes a key and its usage rows.
func (s *Store) DeleteApiKey(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM api_key_usage WHERE key_id = ?`, id); err != nil {
		return fmt.Errorf("delete api key usage: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete api key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// GetKeyUsage reads one key's counters for a month. Missing rows read as
// zero usage.
func (s *Store) GetKeyUsage(ctx context.Context, keyID, yearMonth string) (KeyUsage, error) {
	var u KeyUsage
	err := s.db.QueryRowContext(ctx, `
		SELECT tokens_used, cost_used_usd FROM api_key_usage
		WHERE key_id = ? AND year_month = ?`, keyID, yearMonth).
		Scan(&u.TokensUsed, &u.CostUsedUSD)
	if err == sql.ErrNoRows {
		return KeyUsage{}, nil
	}
	if err != nil {
		return KeyUsage{}, fmt.Errorf("get key usage: %w", err)
	}
	return u, nil
}

// AddKeyUsage atomically adds usage to a key's monthly row, creating it on
// first use. Counters only ever grow within a month.
func (s *Store) AddKeyUsage(ctx context.Context, keyID, yearMonth string, tokens int64, costUSD float64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_key_usage (key_id, year_month, tokens_used, cost_used_usd)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key_id, year_month) DO UPDATE SET
			tokens_used = tokens_used + excluded.tokens_used,
			cost_used_usd = cost_used_usd + excluded.cost_used_usd`,
		keyID, yearMonth, tokens, costUSD)
	if err != nil {
		return fmt.Errorf("add key usage: %w", err)
	}
	return nil
}

// GetTotalUsage sums all keys' usage for a month. Seeds the global budget
// counters at startup.
func (s *Store) GetTotalUsage(ctx context.Context, yearMonth string) (int64, float64, error) {
	var tokens sql.NullInt64
	var usd sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT SUM(tokens_used), SUM(cost_used_usd) FROM api_key_usage
		WHERE year_month = ?`, yearMonth).Scan(&tokens, &usd)
	if err != nil {
		return 0, 0, fmt.Errorf("total usage: %w", err)
	}
	return tokens.Int64, usd.Float64, nil
}

// InsertRequestLogs appends a batch of entries in one transaction.
func (s *Store) InsertRequestLogs(ctx context.Context, entries []reqlog.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin request log batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO request_logs
			(id, created_at, request_id, key_id, model_requested, model_used, provider,
			 prompt_tokens, completion_tokens, total_tokens, cost_usd, latency_ms,
			 cache_hit, fallback_used, stream, status, error_type, prompt)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare request log insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx,
			e.ID, e.Timestamp, e.RequestID, e.KeyID, e.ModelRequested, e.ModelUsed,
			e.Provider, e.PromptTokens, e.CompletionTokens, e.TotalTokens, e.CostUSD,
			e.LatencyMs, e.CacheHit, e.FallbackUsed, e.Stream, e.Status, e.ErrorType,
			e.Prompt,
		); err != nil {
			return fmt.Errorf("insert request log: %w", err)
		}
	}
	return tx.Commit()
}

// CountRequestLogs returns the number of persisted entries.
func (s *Store) CountRequestLogs(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM request_logs`).Scan(&n)
	return n, err
}

// PruneRequestLogs deletes entries older than the retention window.
func (s *Store) PruneRequestLogs(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM request_logs WHERE created_at < ?`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("prune request logs: %w", err)
	}
	return res.RowsAffected()
}
