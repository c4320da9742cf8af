package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelmux/modelmux/internal/gateway"
	"github.com/modelmux/modelmux/internal/providers"
)

// stubAdapter satisfies providers.Adapter with canned answers.
type stubAdapter struct {
	id      string
	healthy bool
	models  []gateway.ModelInfo
	listErr error
}

func (s *stubAdapter) ID() string   { return s.id }
func (s *stubAdapter) Name() string { return s.id }

func (s *stubAdapter) Chat(context.Context, *gateway.ChatRequest, string) (*gateway.ChatResponse, error) {
	return nil, providers.ErrNotSupported
}

func (s *stubAdapter) ChatStream(context.Context, *gateway.ChatRequest, string) (<-chan gateway.StreamEvent, error) {
	return nil, providers.ErrNotSupported
}

func (s *stubAdapter) Embed(context.Context, string, []string) ([][]float64, error) {
	return nil, providers.ErrNotSupported
}

func (s *stubAdapter) ListModels(context.Context) ([]gateway.ModelInfo, error) {
	return s.models, s.listErr
}

func (s *stubAdapter) HealthCheck(context.Context) providers.HealthStatus {
	return providers.HealthStatus{Healthy: s.healthy, LatencyMs: 10}
}

func (s *stubAdapter) EstimateCost(*gateway.ChatRequest, string) providers.CostEstimate {
	return providers.CostEstimate{}
}

func newTestRegistry(adapters ...*stubAdapter) *Registry {
	r := New(WithProbeInterval(time.Minute))
	for _, a := range adapters {
		r.Register(a)
	}
	r.RunHealthChecks(context.Background())
	r.RefreshModels(context.Background())
	return r
}

func TestUnknownProviderIsUnhealthy(t *testing.T) {
	r := New()
	assert.False(t, r.IsHealthy("nope"))
}

func TestProviderStartsUnhealthyUntilProbed(t *testing.T) {
	r := New()
	r.Register(&stubAdapter{id: "openai", healthy: true})
	assert.False(t, r.IsHealthy("openai"))

	r.RunHealthChecks(context.Background())
	assert.True(t, r.IsHealthy("openai"))
}

func TestHealthGoesStale(t *testing.T) {
	r := New(WithProbeInterval(10*time.Millisecond), WithProbeTimeout(5*time.Millisecond))
	r.Register(&stubAdapter{id: "openai", healthy: true})
	r.RunHealthChecks(context.Background())
	require.True(t, r.IsHealthy("openai"))

	time.Sleep(30 * time.Millisecond)
	assert.False(t, r.IsHealthy("openai"))
}

func TestFindProviderForModel(t *testing.T) {
	r := newTestRegistry(
		&stubAdapter{id: "openai", healthy: true, models: []gateway.ModelInfo{{ID: "gpt-4o", Provider: "openai"}}},
		&stubAdapter{id: "anthropic", healthy: true},
		&stubAdapter{id: "groq", healthy: true},
		&stubAdapter{id: "together", healthy: true},
		&stubAdapter{id: "ollama", healthy: true},
	)

	cases := map[string]string{
		"gpt-4o":       "openai", // catalog match
		"gpt-5-ultra":  "openai", // prefix inference
		"o1-preview":   "openai",
		"claude-3":     "anthropic",
		"llama-3":      "groq", // groq before together before ollama
		"mixtral-8x7b": "groq",
		"unknown-999":  "ollama", // last resort
	}
	for model, want := range cases {
		got, ok := r.FindProviderForModel(model)
		require.True(t, ok, model)
		assert.Equal(t, want, got, model)
	}
}

func TestFindProviderVirtualModel(t *testing.T) {
	r := newTestRegistry(
		&stubAdapter{id: "openai", healthy: false},
		&stubAdapter{id: "anthropic", healthy: true},
	)
	got, ok := r.FindProviderForModel(gateway.ModelAuto)
	require.True(t, ok)
	assert.Equal(t, "anthropic", got)
}

func TestInferenceSkipsUnhealthy(t *testing.T) {
	r := newTestRegistry(
		&stubAdapter{id: "groq", healthy: false},
		&stubAdapter{id: "together", healthy: true},
		&stubAdapter{id: "ollama", healthy: true},
	)
	got, ok := r.FindProviderForModel("llama-3")
	require.True(t, ok)
	assert.Equal(t, "together", got)
}

func TestModelRefreshPreservesCatalogOnFailure(t *testing.T) {
	a := &stubAdapter{id: "openai", healthy: true, models: []gateway.ModelInfo{{ID: "gpt-4o"}}}
	r := newTestRegistry(a)
	require.Len(t, r.Models("openai"), 1)

	a.models = nil
	a.listErr = assert.AnError
	r.RefreshModels(context.Background())
	assert.Len(t, r.Models("openai"), 1)
}

func TestHealthChangeHook(t *testing.T) {
	var changes []bool
	a := &stubAdapter{id: "openai", healthy: true}
	r := New(WithHealthChangeHook(func(id string, healthy bool) {
		changes = append(changes, healthy)
	}))
	r.Register(a)

	r.RunHealthChecks(context.Background())
	a.healthy = false
	r.RunHealthChecks(context.Background())
	r.RunHealthChecks(context.Background()) // no transition, no callback

	assert.Equal(t, []bool{true, false}, changes)
}

func TestDeregister(t *testing.T) {
	r := newTestRegistry(&stubAdapter{id: "openai", healthy: true})
	r.Deregister("openai")
	assert.False(t, r.IsHealthy("openai"))
	assert.Empty(t, r.Snapshot())
}
