package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelmux/modelmux/internal/gateway"
	"github.com/modelmux/modelmux/internal/providers"
)

func testCatalog() []gateway.ModelInfo {
	return []gateway.ModelInfo{
		{
			ID:              "gpt-4o",
			Provider:        "openai",
			CostPer1kInput:  0.0025,
			CostPer1kOutput: 0.01,
			ContextWindow:   128000,
			Capabilities:    []gateway.Capability{gateway.CapGeneral, gateway.CapCode},
			QualityScore:    0.9,
		},
	}
}

func TestChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "gpt-4o", payload["model"])
		assert.InDelta(t, 0.7, payload["temperature"], 0.001)
		_, hasStream := payload["stream"]
		assert.False(t, hasStream)

		json.NewEncoder(w).Encode(map[string]any{
			"id":    "chatcmpl-1",
			"model": "gpt-4o-2024-08-06",
			"choices": []map[string]any{
				{"index": 0, "message": map[string]string{"role": "assistant", "content": "hi"}, "finish_reason": "stop"},
			},
			"usage": map[string]int{"prompt_tokens": 10, "completion_tokens": 2, "total_tokens": 12},
		})
	}))
	defer srv.Close()

	temp := 0.7
	a := New("openai", "OpenAI", "test-key", srv.URL, WithCatalog(testCatalog()))
	resp, err := a.Chat(context.Background(), &gateway.ChatRequest{
		Model:       "gpt-4o",
		Messages:    []gateway.Message{{Role: gateway.RoleUser, Content: "hello"}},
		Temperature: &temp,
	}, "gpt-4o")
	require.NoError(t, err)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "hi", resp.Choices[0].Message.Content)
	assert.Equal(t, 12, resp.Usage.TotalTokens)
}

func TestChatUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"rate limited"}}`))
	}))
	defer srv.Close()

	a := New("openai", "OpenAI", "k", srv.URL)
	_, err := a.Chat(context.Background(), &gateway.ChatRequest{
		Model:    "gpt-4o",
		Messages: []gateway.Message{{Role: gateway.RoleUser, Content: "x"}},
	}, "gpt-4o")
	require.Error(t, err)

	ue, ok := err.(*providers.UpstreamError)
	require.True(t, ok)
	assert.Equal(t, http.StatusTooManyRequests, ue.StatusCode)
	assert.Equal(t, 3, ue.RetryAfterSec)
	assert.True(t, ue.Retryable())
}

func TestChatStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, true, payload["stream"])

		w.Header().Set("Content-Type", "text/event-stream")
		frames := []string{
			`{"id":"c1","model":"gpt-4o","choices":[{"index":0,"delta":{"content":"Hel"}}]}`,
			`{"id":"c1","model":"gpt-4o","choices":[{"index":0,"delta":{"content":"lo"},"finish_reason":"stop"}],"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`,
		}
		for _, f := range frames {
			w.Write([]byte("data: " + f + "\n\n"))
		}
		w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer srv.Close()

	a := New("openai", "OpenAI", "k", srv.URL)
	events, err := a.ChatStream(context.Background(), &gateway.ChatRequest{
		Model:    "gpt-4o",
		Messages: []gateway.Message{{Role: gateway.RoleUser, Content: "hello"}},
		Stream:   true,
	}, "gpt-4o")
	require.NoError(t, err)

	var content string
	var last *gateway.StreamChunk
	for ev := range events {
		require.NoError(t, ev.Err)
		content += ev.Chunk.ContentDelta()
		last = ev.Chunk
	}
	assert.Equal(t, "Hello", content)
	require.NotNil(t, last.Usage)
	assert.Equal(t, 7, last.Usage.TotalTokens)
}

func TestEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/embeddings", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"embedding": []float64{0.1, 0.2, 0.3}},
			},
		})
	}))
	defer srv.Close()

	a := New("openai", "OpenAI", "k", srv.URL)
	vecs, err := a.Embed(context.Background(), "text-embedding-3-small", []string{"hello"})
	require.NoError(t, err)
	require.Len(t, vecs, 1)
	assert.Equal(t, []float64{0.1, 0.2, 0.3}, vecs[0])
}

func TestListModelsDiscovery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]string{
				{"id": "gpt-4o"},
				{"id": "gpt-4o-mini"},
			},
		})
	}))
	defer srv.Close()

	a := New("openai", "OpenAI", "k", srv.URL, WithCatalog(testCatalog()), WithDiscovery())
	models, err := a.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, "gpt-4o", models[0].ID)
	assert.Equal(t, "gpt-4o-mini", models[1].ID)
	assert.Equal(t, "openai", models[1].Provider)
}

func TestListModelsDiscoveryFailureKeepsCatalog(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	a := New("openai", "OpenAI", "k", srv.URL, WithCatalog(testCatalog()), WithDiscovery())
	models, err := a.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.Equal(t, "gpt-4o", models[0].ID)
}

func TestHealthCheck(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[]}`))
	}))
	defer healthy.Close()

	a := New("openai", "OpenAI", "k", healthy.URL)
	st := a.HealthCheck(context.Background())
	assert.True(t, st.Healthy)

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer down.Close()

	b := New("openai", "OpenAI", "k", down.URL)
	st = b.HealthCheck(context.Background())
	assert.False(t, st.Healthy)
	assert.NotEmpty(t, st.Message)
}

func TestEstimateCost(t *testing.T) {
	a := New("openai", "OpenAI", "k", "http://unused", WithCatalog(testCatalog()))
	maxTok := 100
	est := a.EstimateCost(&gateway.ChatRequest{
		Model:     "gpt-4o",
		Messages:  []gateway.Message{{Role: gateway.RoleUser, Content: "12345678"}}, // 8 chars -> 2 tokens
		MaxTokens: &maxTok,
	}, "gpt-4o")

	assert.Equal(t, 2, est.EstimatedInputTokens)
	assert.Equal(t, 100, est.EstimatedOutputTokens)
	assert.InDelta(t, 2.0/1000*0.0025+100.0/1000*0.01, est.EstimatedCostUSD, 1e-9)
}
