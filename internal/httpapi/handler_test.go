package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelmux/modelmux/internal/apikey"
	"github.com/modelmux/modelmux/internal/budget"
	"github.com/modelmux/modelmux/internal/cache"
	"github.com/modelmux/modelmux/internal/circuitbreaker"
	"github.com/modelmux/modelmux/internal/events"
	"github.com/modelmux/modelmux/internal/gateway"
	"github.com/modelmux/modelmux/internal/pipeline"
	"github.com/modelmux/modelmux/internal/providers"
	"github.com/modelmux/modelmux/internal/ratelimit"
	"github.com/modelmux/modelmux/internal/registry"
	"github.com/modelmux/modelmux/internal/router"
	"github.com/modelmux/modelmux/internal/stats"
	"github.com/modelmux/modelmux/internal/store"
)

type stubAdapter struct {
	id     string
	models []gateway.ModelInfo
}

func (s *stubAdapter) ID() string   { return s.id }
func (s *stubAdapter) Name() string { return s.id }

func (s *stubAdapter) Chat(ctx context.Context, req *gateway.ChatRequest, model string) (*gateway.ChatResponse, error) {
	return &gateway.ChatResponse{
		ID: "chatcmpl-1", Object: "chat.completion", Model: model,
		Choices: []gateway.Choice{{Message: gateway.Message{Role: gateway.RoleAssistant, Content: "Hi there"}}},
		Usage:   gateway.Usage{PromptTokens: 5, CompletionTokens: 7, TotalTokens: 12},
	}, nil
}

func (s *stubAdapter) ChatStream(ctx context.Context, req *gateway.ChatRequest, model string) (<-chan gateway.StreamEvent, error) {
	stop := "stop"
	ch := make(chan gateway.StreamEvent, 3)
	ch <- gateway.StreamEvent{Chunk: &gateway.StreamChunk{Model: model, Choices: []gateway.DeltaChoice{{Delta: gateway.Message{Content: "Hel"}}}}}
	ch <- gateway.StreamEvent{Chunk: &gateway.StreamChunk{Model: model, Choices: []gateway.DeltaChoice{{Delta: gateway.Message{Content: "lo"}}}}}
	ch <- gateway.StreamEvent{Chunk: &gateway.StreamChunk{
		Model:   model,
		Choices: []gateway.DeltaChoice{{FinishReason: &stop}},
		Usage:   &gateway.Usage{PromptTokens: 5, CompletionTokens: 2, TotalTokens: 7},
	}}
	close(ch)
	return ch, nil
}

func (s *stubAdapter) Embed(ctx context.Context, model string, input []string) ([][]float64, error) {
	out := make([][]float64, len(input))
	for i := range input {
		out[i] = []float64{0.1, 0.2, 0.3}
	}
	return out, nil
}

func (s *stubAdapter) ListModels(ctx context.Context) ([]gateway.ModelInfo, error) {
	return s.models, nil
}

func (s *stubAdapter) HealthCheck(ctx context.Context) providers.HealthStatus {
	return providers.HealthStatus{Healthy: true, LatencyMs: 12}
}

func (s *stubAdapter) EstimateCost(req *gateway.ChatRequest, model string) providers.CostEstimate {
	return providers.CostEstimate{}
}

type testServer struct {
	handler  http.Handler
	plainKey string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	st, err := store.Open(":memory:", nil)
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	adapter := &stubAdapter{
		id: "openai",
		models: []gateway.ModelInfo{{
			ID: "gpt-4o", Provider: "openai", ContextWindow: 128000,
			CostPer1kInput: 0.0025, CostPer1kOutput: 0.01,
			Capabilities: []gateway.Capability{gateway.CapGeneral, gateway.CapInstructionFollowing},
			QualityScore: 0.92, AvgLatencyMs: 800,
		}},
	}
	reg := registry.New()
	reg.Register(adapter)
	reg.RunHealthChecks(ctx)
	reg.RefreshModels(ctx)

	keys := apikey.NewManager(st)
	plaintext, _, err := keys.Create(context.Background(), apikey.CreateParams{Name: "test", PlatformFallback: true})
	require.NoError(t, err)

	enforcer := budget.New(budget.GlobalLimits{}, st)
	pipe := pipeline.New(pipeline.Config{
		Registry: reg,
		Router:   router.New(reg, gateway.StrategyBalanced),
		Budget:   enforcer,
		Limiter:  ratelimit.New(),
		Cache:    cache.New(),
		Usage:    st,
		Tracker:  stats.New(),
		Breakers: circuitbreaker.NewGroup(),
	})

	handler := NewHandler(Config{
		Pipeline: pipe,
		Registry: reg,
		Keys:     keys,
		Store:    st,
		Cache:    cache.New(),
		Tracker:  stats.New(),
		Budget:   enforcer,
		Bus:      events.NewBus(16),
		AdminKey: "admin-secret",
	})
	return &testServer{handler: handler, plainKey: plaintext}
}

func (ts *testServer) do(t *testing.T, method, path, auth, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if auth != "" {
		req.Header.Set("Authorization", "Bearer "+auth)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func TestChatCompletions(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/v1/chat/completions", ts.plainKey,
		`{"model":"gpt-4o","messages":[{"role":"user","content":"Hello"}]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp gateway.ChatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Hi there", resp.Choices[0].Message.Content)
	require.NotNil(t, resp.Gateway)
	assert.Equal(t, "openai", resp.Gateway.Provider)
	assert.False(t, resp.Gateway.CacheHit)
}

func TestChatCompletionsRequiresAuth(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/v1/chat/completions", "",
		`{"model":"gpt-4o","messages":[{"role":"user","content":"Hello"}]}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodPost, "/v1/chat/completions", "mm-bogus",
		`{"model":"gpt-4o","messages":[{"role":"user","content":"Hello"}]}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestChatCompletionsInvalidBody(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/v1/chat/completions", ts.plainKey, `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/v1/chat/completions", ts.plainKey,
		`{"model":"gpt-4o","messages":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatStream(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/v1/chat/completions", ts.plainKey,
		`{"model":"gpt-4o","messages":[{"role":"user","content":"Hello"}],"stream":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	frames := strings.Split(strings.TrimSpace(body), "\n\n")
	require.GreaterOrEqual(t, len(frames), 4)
	assert.Equal(t, "data: [DONE]", frames[len(frames)-1])

	var first gateway.StreamChunk
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(frames[0], "data: ")), &first))
	assert.Equal(t, "Hel", first.ContentDelta())
}

func TestEmbeddings(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/v1/embeddings", ts.plainKey,
		`{"model":"gpt-4o","input":"Hello"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp gateway.EmbeddingResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "list", resp.Object)
	require.Len(t, resp.Data, 1)
	assert.Len(t, resp.Data[0].Embedding, 3)
}

func TestModels(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/v1/models", ts.plainKey, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Object string `json:"object"`
		Data   []struct {
			ID      string `json:"id"`
			OwnedBy string `json:"owned_by"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "list", resp.Object)
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "gpt-4o", resp.Data[0].ID)
	assert.Equal(t, "openai", resp.Data[0].OwnedBy)
}

func TestHealthzIsOpen(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Status    string          `json:"status"`
		Providers map[string]bool `json:"providers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, resp.Providers["openai"])
}

func TestAdminAuth(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/admin/providers", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodGet, "/admin/providers", "wrong", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodGet, "/admin/providers", "admin-secret", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminKeyLifecycle(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/admin/keys", "admin-secret",
		`{"name":"customer-a","platformFallback":true,"rateLimitRpm":60}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created struct {
		Key    string       `json:"key"`
		ApiKey store.ApiKey `json:"apiKey"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.True(t, strings.HasPrefix(created.Key, "mm-"))

	// The new key authenticates immediately.
	rec = ts.do(t, http.MethodGet, "/v1/models", created.Key, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPost, "/admin/keys/"+created.ApiKey.ID+"/disable", "admin-secret", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/v1/models", created.Key, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/admin/keys/"+created.ApiKey.ID, "admin-secret", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.do(t, http.MethodPost, "/admin/keys/missing/enable", "admin-secret", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminStats(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/admin/stats", "admin-secret", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp, "requests")
	assert.Contains(t, resp, "cache")
	assert.Contains(t, resp, "globalUsage")
}
