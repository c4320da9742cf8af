// Package openai implements providers.Adapter for OpenAI-compatible chat
// APIs. The same adapter serves OpenAI itself and the OpenAI-wire vendors
// (Groq, Together) with different base URLs and catalogs.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/modelmux/modelmux/internal/gateway"
	"github.com/modelmux/modelmux/internal/providers"
)

const defaultTimeout = 60 * time.Second

// Adapter talks to one OpenAI-compatible endpoint.
type Adapter struct {
	id       string
	name     string
	apiKey   string
	baseURL  string
	client   *http.Client
	catalog  []gateway.ModelInfo
	discover bool
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithTimeout sets the HTTP client timeout for buffered calls.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.client.Timeout = d }
}

// WithCatalog sets the static model catalog.
func WithCatalog(models []gateway.ModelInfo) Option {
	return func(a *Adapter) { a.catalog = models }
}

// WithDiscovery enables GET /v1/models augmentation of the static catalog.
func WithDiscovery() Option {
	return func(a *Adapter) { a.discover = true }
}

// WithTransport sets the HTTP transport (used to inject tracing).
func WithTransport(rt http.RoundTripper) Option {
	return func(a *Adapter) { a.client.Transport = rt }
}

// New creates an adapter for an OpenAI-compatible endpoint.
func New(id, name, apiKey, baseURL string, opts ...Option) *Adapter {
	a := &Adapter{
		id:      id,
		name:    name,
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Adapter) ID() string   { return a.id }
func (a *Adapter) Name() string { return a.name }

func (a *Adapter) headers() map[string]string {
	h := map[string]string{}
	if a.apiKey != "" {
		h["Authorization"] = "Bearer " + a.apiKey
	}
	return h
}

// payload builds the OpenAI wire body, forwarding sampling params verbatim.
func (a *Adapter) payload(req *gateway.ChatRequest, model string, stream bool) map[string]any {
	p := map[string]any{
		"model":    model,
		"messages": req.Messages,
	}
	if req.Temperature != nil {
		p["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		p["top_p"] = *req.TopP
	}
	if req.MaxTokens != nil {
		p["max_tokens"] = *req.MaxTokens
	}
	if req.PresencePenalty != nil {
		p["presence_penalty"] = *req.PresencePenalty
	}
	if req.FrequencyPenalty != nil {
		p["frequency_penalty"] = *req.FrequencyPenalty
	}
	if len(req.Stop) > 0 {
		p["stop"] = req.Stop
	}
	if stream {
		p["stream"] = true
	}
	return p
}

func (a *Adapter) Chat(ctx context.Context, req *gateway.ChatRequest, model string) (*gateway.ChatResponse, error) {
	body, err := providers.DoRequest(ctx, a.client, a.baseURL+"/v1/chat/completions",
		a.payload(req, model, false), a.headers())
	if err != nil {
		return nil, err
	}

	var resp gateway.ChatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", a.id, err)
	}
	if resp.Model == "" {
		resp.Model = model
	}
	if resp.Usage.TotalTokens == 0 {
		resp.Usage.TotalTokens = resp.Usage.PromptTokens + resp.Usage.CompletionTokens
	}
	return &resp, nil
}

func (a *Adapter) ChatStream(ctx context.Context, req *gateway.ChatRequest, model string) (<-chan gateway.StreamEvent, error) {
	// Streaming has no client timeout; lifetime is governed by ctx.
	streamClient := &http.Client{Transport: a.client.Transport}
	body, err := providers.DoStreamRequest(ctx, streamClient, a.baseURL+"/v1/chat/completions",
		a.payload(req, model, true), a.headers())
	if err != nil {
		return nil, err
	}

	return providers.StreamSSE(body, func(data []byte) (*gateway.StreamChunk, bool, error) {
		var chunk gateway.StreamChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			return nil, false, err
		}
		if chunk.Model == "" {
			chunk.Model = model
		}
		return &chunk, false, nil
	}), nil
}

func (a *Adapter) Embed(ctx context.Context, model string, input []string) ([][]float64, error) {
	body, err := providers.DoRequest(ctx, a.client, a.baseURL+"/v1/embeddings",
		map[string]any{"model": model, "input": input}, a.headers())
	if err != nil {
		return nil, err
	}

	var resp struct {
		Data []struct {
			Embedding []float64 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode %s embeddings: %w", a.id, err)
	}
	out := make([][]float64, len(resp.Data))
	for i, d := range resp.Data {
		out[i] = d.Embedding
	}
	return out, nil
}

func (a *Adapter) ListModels(ctx context.Context) ([]gateway.ModelInfo, error) {
	models := make([]gateway.ModelInfo, len(a.catalog))
	copy(models, a.catalog)
	if !a.discover {
		return models, nil
	}

	body, err := providers.DoGet(ctx, a.client, a.baseURL+"/v1/models", a.headers())
	if err != nil {
		// Keep the static catalog when discovery fails.
		return models, nil
	}
	var listed struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &listed); err != nil {
		return models, nil
	}

	known := make(map[string]bool, len(models))
	for _, m := range models {
		known[m.ID] = true
	}
	for _, d := range listed.Data {
		if known[d.ID] {
			continue
		}
		models = append(models, gateway.ModelInfo{
			ID:            d.ID,
			Provider:      a.id,
			ContextWindow: 8192,
			Capabilities:  []gateway.Capability{gateway.CapGeneral, gateway.CapInstructionFollowing},
			QualityScore:  0.5,
		})
	}
	return models, nil
}

func (a *Adapter) HealthCheck(ctx context.Context) providers.HealthStatus {
	start := time.Now()
	_, err := providers.DoGet(ctx, a.client, a.baseURL+"/v1/models", a.headers())
	latency := float64(time.Since(start).Milliseconds())
	if err != nil {
		// An HTTP error below 500 still proves the endpoint is reachable.
		var ue *providers.UpstreamError
		if errors.As(err, &ue) && ue.StatusCode < 500 {
			return providers.HealthStatus{Healthy: true, LatencyMs: latency}
		}
		return providers.HealthStatus{Healthy: false, LatencyMs: latency, Message: err.Error()}
	}
	return providers.HealthStatus{Healthy: true, LatencyMs: latency}
}

func (a *Adapter) EstimateCost(req *gateway.ChatRequest, model string) providers.CostEstimate {
	in := providers.EstimateMessageTokens(req.Messages)
	out := providers.OutputTokenEstimate(req)

	var inRate, outRate float64
	for _, m := range a.catalog {
		if m.ID == model {
			inRate, outRate = m.CostPer1kInput, m.CostPer1kOutput
			break
		}
	}
	return providers.CostEstimate{
		EstimatedInputTokens:  in,
		EstimatedOutputTokens: out,
		EstimatedCostUSD:      providers.CostUSD(in, out, inRate, outRate),
	}
}
