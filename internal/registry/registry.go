// Package registry tracks provider adapters, runs periodic health probes,
// refreshes model catalogs, and resolves a requested model id to a provider.
package registry

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/modelmux/modelmux/internal/gateway"
	"github.com/modelmux/modelmux/internal/providers"
)

const (
	// DefaultProbeInterval is the health check loop period.
	DefaultProbeInterval = 30 * time.Second
	// DefaultProbeTimeout bounds a single health or catalog call.
	DefaultProbeTimeout = 5 * time.Second
)

// ProviderState is a point-in-time view of one registered provider.
type ProviderState struct {
	ID              string              `json:"id"`
	Name            string              `json:"name"`
	Healthy         bool                `json:"healthy"`
	LastHealthCheck time.Time           `json:"lastHealthCheck"`
	LatencyMs       float64             `json:"latencyMs"`
	Message         string              `json:"message,omitempty"`
	Models          []gateway.ModelInfo `json:"models"`
}

type state struct {
	adapter     providers.Adapter
	healthy     bool
	lastCheck   time.Time
	lastSuccess time.Time
	latencyMs   float64
	message     string
	models      []gateway.ModelInfo
}

// Registry owns the adapter set. Reads are frequent and cheap; mutation
// happens only from the control plane (startup, admin), so a single RWMutex
// over the map suffices.
type Registry struct {
	mu       sync.RWMutex
	states   map[string]*state
	order    []string
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger

	// onHealthChange fires outside the registry lock on transitions.
	onHealthChange func(id string, healthy bool)
}

// Option configures a Registry.
type Option func(*Registry)

// WithProbeInterval overrides the health loop period.
func WithProbeInterval(d time.Duration) Option {
	return func(r *Registry) { r.interval = d }
}

// WithProbeTimeout overrides the per-probe timeout.
func WithProbeTimeout(d time.Duration) Option {
	return func(r *Registry) { r.timeout = d }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithHealthChangeHook installs a callback invoked on health transitions.
func WithHealthChangeHook(fn func(id string, healthy bool)) Option {
	return func(r *Registry) { r.onHealthChange = fn }
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		states:   make(map[string]*state),
		interval: DefaultProbeInterval,
		timeout:  DefaultProbeTimeout,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register adds an adapter. A provider starts unhealthy until its first
// successful probe.
func (r *Registry) Register(a providers.Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.states[a.ID()]; !exists {
		r.order = append(r.order, a.ID())
	}
	r.states[a.ID()] = &state{adapter: a}
}

// Deregister removes a provider.
func (r *Registry) Deregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.states, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Adapter returns the adapter for id.
func (r *Registry) Adapter(id string) (providers.Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.states[id]
	if !ok {
		return nil, false
	}
	return st.adapter, true
}

// healthyLocked applies the staleness rule: a provider counts as healthy
// only if its last successful probe is within one probe interval (plus the
// probe timeout as slack for an in-flight check).
func (r *Registry) healthyLocked(st *state) bool {
	if !st.healthy {
		return false
	}
	return time.Since(st.lastSuccess) <= r.interval+r.timeout
}

// IsHealthy reports whether id is registered and currently healthy.
// Unknown providers are unhealthy.
func (r *Registry) IsHealthy(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.states[id]
	return ok && r.healthyLocked(st)
}

// Snapshot returns the states of all providers in registration order.
func (r *Registry) Snapshot() []ProviderState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ProviderState, 0, len(r.order))
	for _, id := range r.order {
		st := r.states[id]
		models := make([]gateway.ModelInfo, len(st.models))
		copy(models, st.models)
		out = append(out, ProviderState{
			ID:              id,
			Name:            st.adapter.Name(),
			Healthy:         r.healthyLocked(st),
			LastHealthCheck: st.lastCheck,
			LatencyMs:       st.latencyMs,
			Message:         st.message,
			Models:          models,
		})
	}
	return out
}

// Models returns the cached catalog for one provider.
func (r *Registry) Models(id string) []gateway.ModelInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.states[id]
	if !ok {
		return nil
	}
	models := make([]gateway.ModelInfo, len(st.models))
	copy(models, st.models)
	return models
}

// ProbeLatencyMs returns the last probe latency for one provider.
func (r *Registry) ProbeLatencyMs(id string) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if st, ok := r.states[id]; ok {
		return st.latencyMs
	}
	return 0
}

// FindProviderForModel resolves a model id to a provider id:
//
//  1. Virtual aliases go to the first healthy provider.
//  2. First healthy provider whose cached catalog contains the id.
//  3. Prefix inference for well-known naming schemes.
//  4. Ollama as the last resort.
func (r *Registry) FindProviderForModel(modelID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if gateway.IsVirtualModel(modelID) {
		for _, id := range r.order {
			if r.healthyLocked(r.states[id]) {
				return id, true
			}
		}
		return "", false
	}

	for _, id := range r.order {
		st := r.states[id]
		if !r.healthyLocked(st) {
			continue
		}
		for _, m := range st.models {
			if m.ID == modelID {
				return id, true
			}
		}
	}

	if id, ok := r.inferLocked(modelID); ok {
		return id, true
	}

	if _, ok := r.states["ollama"]; ok {
		return "ollama", true
	}
	return "", false
}

func (r *Registry) inferLocked(modelID string) (string, bool) {
	lower := strings.ToLower(modelID)

	pick := func(ids ...string) (string, bool) {
		// Prefer a healthy match, then any registered one.
		for _, id := range ids {
			if st, ok := r.states[id]; ok && r.healthyLocked(st) {
				return id, true
			}
		}
		for _, id := range ids {
			if _, ok := r.states[id]; ok {
				return id, true
			}
		}
		return "", false
	}

	switch {
	case strings.HasPrefix(lower, "gpt-"), strings.HasPrefix(lower, "o1"):
		return pick("openai")
	case strings.HasPrefix(lower, "claude-"):
		return pick("anthropic")
	case strings.Contains(lower, "llama"),
		strings.Contains(lower, "mixtral"),
		strings.Contains(lower, "gemma"):
		return pick("groq", "together", "ollama")
	}
	return "", false
}

// RunHealthChecks probes every provider in parallel with a per-check
// timeout. Individual failures mark that provider unhealthy and never
// abort the sweep.
func (r *Registry) RunHealthChecks(ctx context.Context) {
	r.mu.RLock()
	ids := make([]string, len(r.order))
	copy(ids, r.order)
	adapters := make(map[string]providers.Adapter, len(ids))
	for _, id := range ids {
		adapters[id] = r.states[id].adapter
	}
	r.mu.RUnlock()

	type outcome struct {
		id     string
		status providers.HealthStatus
	}
	results := make(chan outcome, len(ids))

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string, a providers.Adapter) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()
			results <- outcome{id: id, status: a.HealthCheck(probeCtx)}
		}(id, adapters[id])
	}
	wg.Wait()
	close(results)

	type transition struct {
		id      string
		healthy bool
	}
	var transitions []transition

	now := time.Now()
	r.mu.Lock()
	for res := range results {
		st, ok := r.states[res.id]
		if !ok {
			continue
		}
		was := st.healthy
		st.healthy = res.status.Healthy
		st.lastCheck = now
		st.latencyMs = res.status.LatencyMs
		st.message = res.status.Message
		if res.status.Healthy {
			st.lastSuccess = now
		}
		if was != res.status.Healthy {
			transitions = append(transitions, transition{id: res.id, healthy: res.status.Healthy})
		}
	}
	r.mu.Unlock()

	for _, tr := range transitions {
		if tr.healthy {
			r.logger.Info("provider healthy", "provider", tr.id)
		} else {
			r.logger.Warn("provider unhealthy", "provider", tr.id)
		}
		if r.onHealthChange != nil {
			r.onHealthChange(tr.id, tr.healthy)
		}
	}
}

// RefreshModels re-fetches each provider's catalog. A failed fetch keeps
// the previous catalog.
func (r *Registry) RefreshModels(ctx context.Context) {
	r.mu.RLock()
	ids := make([]string, len(r.order))
	copy(ids, r.order)
	adapters := make(map[string]providers.Adapter, len(ids))
	for _, id := range ids {
		adapters[id] = r.states[id].adapter
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	var mu sync.Mutex
	fetched := make(map[string][]gateway.ModelInfo)

	for _, id := range ids {
		wg.Add(1)
		go func(id string, a providers.Adapter) {
			defer wg.Done()
			listCtx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()
			models, err := a.ListModels(listCtx)
			if err != nil {
				r.logger.Warn("model refresh failed", "provider", id, "error", err)
				return
			}
			mu.Lock()
			fetched[id] = models
			mu.Unlock()
		}(id, adapters[id])
	}
	wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, models := range fetched {
		if st, ok := r.states[id]; ok {
			st.models = models
		}
	}
}

// StartHealthCheckLoop probes and refreshes immediately, then on interval
// until ctx is cancelled.
func (r *Registry) StartHealthCheckLoop(ctx context.Context) {
	r.RunHealthChecks(ctx)
	r.RefreshModels(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RunHealthChecks(ctx)
			r.RefreshModels(ctx)
		}
	}
}
