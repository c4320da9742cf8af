package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelmux/modelmux/internal/gateway"
)

func TestChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)

		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "llama3.1:8b", payload["model"])
		assert.Equal(t, false, payload["stream"])

		json.NewEncoder(w).Encode(map[string]any{
			"model":             "llama3.1:8b",
			"message":           map[string]string{"role": "assistant", "content": "local hello"},
			"done":              true,
			"done_reason":       "stop",
			"prompt_eval_count": 8,
			"eval_count":        4,
		})
	}))
	defer srv.Close()

	a := New(srv.URL)
	resp, err := a.Chat(context.Background(), &gateway.ChatRequest{
		Model:    "llama3.1:8b",
		Messages: []gateway.Message{{Role: gateway.RoleUser, Content: "hi"}},
	}, "llama3.1:8b")
	require.NoError(t, err)
	assert.Equal(t, "local hello", resp.Choices[0].Message.Content)
	assert.Equal(t, 12, resp.Usage.TotalTokens)
}

func TestChatStreamNDJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lines := []string{
			`{"model":"llama3.1:8b","message":{"role":"assistant","content":"Hel"},"done":false}`,
			`{"model":"llama3.1:8b","message":{"role":"assistant","content":"lo"},"done":false}`,
			`{"model":"llama3.1:8b","message":{"role":"assistant","content":""},"done":true,"done_reason":"stop","prompt_eval_count":6,"eval_count":2}`,
		}
		for _, l := range lines {
			w.Write([]byte(l + "\n"))
		}
	}))
	defer srv.Close()

	a := New(srv.URL)
	events, err := a.ChatStream(context.Background(), &gateway.ChatRequest{
		Model:    "llama3.1:8b",
		Messages: []gateway.Message{{Role: gateway.RoleUser, Content: "hi"}},
		Stream:   true,
	}, "llama3.1:8b")
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
	assert.Equal(t, 8, last.Usage.TotalTokens)
}

func TestEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/embed", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"embeddings": [][]float64{{0.5, 0.5}},
		})
	}))
	defer srv.Close()

	a := New(srv.URL)
	vecs, err := a.Embed(context.Background(), "nomic-embed-text", []string{"hello"})
	require.NoError(t, err)
	require.Len(t, vecs, 1)
	assert.Equal(t, []float64{0.5, 0.5}, vecs[0])
}

func TestListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/tags", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"models": []map[string]string{
				{"name": "llama3.1:8b"},
				{"name": "mystery-model"},
			},
		})
	}))
	defer srv.Close()

	a := New(srv.URL, WithCatalog([]gateway.ModelInfo{{
		ID:           "llama3.1:8b",
		Provider:     "ollama",
		Capabilities: []gateway.Capability{gateway.CapGeneral, gateway.CapCode},
		QualityScore: 0.6,
	}}))
	models, err := a.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 2)

	// Seeded metadata wins over the discovery default.
	assert.Equal(t, 0.6, models[0].QualityScore)
	assert.Equal(t, "mystery-model", models[1].ID)
	assert.Equal(t, "ollama", models[1].Provider)
}

func TestEstimateCostIsZero(t *testing.T) {
	a := New("http://unused")
	est := a.EstimateCost(&gateway.ChatRequest{
		Messages: []gateway.Message{{Role: gateway.RoleUser, Content: "12345678"}},
	}, "llama3.1:8b")
	assert.Equal(t, 2, est.EstimatedInputTokens)
	assert.Equal(t, 512, est.EstimatedOutputTokens)
	assert.Zero(t, est.EstimatedCostUSD)
}
