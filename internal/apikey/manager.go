// Package apikey manages tenant API keys: creation with bcrypt hashing,
// bearer authentication with a short-lived plaintext cache, and the HTTP
// middleware guarding /v1 routes.
package apikey

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/modelmux/modelmux/internal/store"
)

const (
	keyPrefix = "mm-"
	// Plaintext auth results are cached briefly so bcrypt runs once per
	// key per window, not once per request.
	defaultCacheTTL = 5 * time.Minute
)

var (
	ErrUnknownKey  = errors.New("unknown api key")
	ErrDisabledKey = errors.New("api key disabled")
)

// CreateParams are the mutable fields of a new key.
type CreateParams struct {
	Name                 string
	MonthlyTokenBudget   *int64
	MonthlyCostBudgetUSD *float64
	RateLimitRPM         int
	RateLimitTPM         int64
	PlatformFallback     bool
}

type cachedAuth struct {
	keyID   string
	expires time.Time
}

// Manager authenticates and manages API keys against the store.
type Manager struct {
	store    *store.Store
	logger   *slog.Logger
	cacheTTL time.Duration

	mu    sync.Mutex
	cache map[string]cachedAuth
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithCacheTTL overrides the plaintext auth cache lifetime.
func WithCacheTTL(d time.Duration) Option {
	return func(m *Manager) { m.cacheTTL = d }
}

// NewManager creates a Manager backed by st.
func NewManager(st *store.Store, opts ...Option) *Manager {
	m := &Manager{
		store:    st,
		logger:   slog.Default(),
		cacheTTL: defaultCacheTTL,
		cache:    make(map[string]cachedAuth),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Create mints a new key and returns the plaintext exactly once. Only the
// bcrypt hash is stored.
func (m *Manager) Create(ctx context.Context, p CreateParams) (string, *store.ApiKey, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, fmt.Errorf("generate key material: %w", err)
	}
	plaintext := keyPrefix + hex.EncodeToString(raw)

	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", nil, fmt.Errorf("hash key: %w", err)
	}

	k := &store.ApiKey{
		ID:                   uuid.NewString(),
		KeyHash:              string(hash),
		Name:                 p.Name,
		Enabled:              true,
		MonthlyTokenBudget:   p.MonthlyTokenBudget,
		MonthlyCostBudgetUSD: p.MonthlyCostBudgetUSD,
		RateLimitRPM:         p.RateLimitRPM,
		RateLimitTPM:         p.RateLimitTPM,
		PlatformFallback:     p.PlatformFallback,
		CreatedAt:            time.Now().UTC(),
	}
	if err := m.store.CreateApiKey(ctx, k); err != nil {
		return "", nil, err
	}
	m.logger.Info("api key created", "key_id", k.ID, "name", k.Name)
	return plaintext, k, nil
}

// Authenticate resolves a plaintext key to its record. Disabled keys
// authenticate but return ErrDisabledKey so callers can answer 403 rather
// than 401.
func (m *Manager) Authenticate(ctx context.Context, plaintext string) (*store.ApiKey, error) {
	if plaintext == "" {
		return nil, ErrUnknownKey
	}

	if id, ok := m.cachedID(plaintext); ok {
		k, err := m.store.GetApiKey(ctx, id)
		if err != nil {
			return nil, err
		}
		if k != nil {
			return m.checkEnabled(k)
		}
		m.evict(plaintext)
	}

	keys, err := m.store.ListApiKeys(ctx)
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		if bcrypt.CompareHashAndPassword([]byte(k.KeyHash), []byte(plaintext)) == nil {
			m.remember(plaintext, k.ID)
			return m.checkEnabled(k)
		}
	}
	return nil, ErrUnknownKey
}

func (m *Manager) checkEnabled(k *store.ApiKey) (*store.ApiKey, error) {
	if !k.Enabled {
		return k, ErrDisabledKey
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.store.TouchApiKey(ctx, k.ID, time.Now().UTC())
	}()
	return k, nil
}

func (m *Manager) cachedID(plaintext string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cache[plaintext]
	if !ok || time.Now().After(c.expires) {
		delete(m.cache, plaintext)
		return "", false
	}
	return c.keyID, true
}

func (m *Manager) remember(plaintext, keyID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache[plaintext] = cachedAuth{keyID: keyID, expires: time.Now().Add(m.cacheTTL)}
}

func (m *Manager) evict(plaintext string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cache, plaintext)
}

// Invalidate drops cached auth for a key id, e.g. after disable/delete.
func (m *Manager) Invalidate(keyID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for pt, c := range m.cache {
		if c.keyID == keyID {
			delete(m.cache, pt)
		}
	}
}
