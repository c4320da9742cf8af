// Package ollama implements providers.Adapter for a local Ollama daemon.
// Ollama speaks its own JSON dialect and streams newline-delimited JSON
// rather than SSE; this adapter normalizes both to the gateway shapes.
// Local inference is billed at zero cost.
package ollama

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/modelmux/modelmux/internal/gateway"
	"github.com/modelmux/modelmux/internal/providers"
)

const (
	defaultBaseURL = "http://localhost:11434"
	defaultTimeout = 120 * time.Second
)

// Adapter talks to one Ollama daemon.
type Adapter struct {
	baseURL string
	client  *http.Client
	catalog []gateway.ModelInfo
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithTimeout sets the HTTP client timeout for buffered calls.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.client.Timeout = d }
}

// WithCatalog seeds capability metadata for known local models. Discovery
// via /api/tags fills in anything not listed.
func WithCatalog(models []gateway.ModelInfo) Option {
	return func(a *Adapter) { a.catalog = models }
}

// WithTransport sets the HTTP transport (used to inject tracing).
func WithTransport(rt http.RoundTripper) Option {
	return func(a *Adapter) { a.client.Transport = rt }
}

// New creates an Ollama adapter for the daemon at baseURL. An empty baseURL
// uses the local default.
func New(baseURL string, opts ...Option) *Adapter {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	a := &Adapter{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Adapter) ID() string   { return "ollama" }
func (a *Adapter) Name() string { return "Ollama" }

func (a *Adapter) payload(req *gateway.ChatRequest, model string, stream bool) map[string]any {
	options := map[string]any{}
	if req.Temperature != nil {
		options["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		options["top_p"] = *req.TopP
	}
	if req.MaxTokens != nil {
		options["num_predict"] = *req.MaxTokens
	}
	if len(req.Stop) > 0 {
		options["stop"] = []string(req.Stop)
	}

	p := map[string]any{
		"model":    model,
		"messages": req.Messages,
		"stream":   stream,
	}
	if len(options) > 0 {
		p["options"] = options
	}
	return p
}

type chatFrame struct {
	Model   string `json:"model"`
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done            bool   `json:"done"`
	DoneReason      string `json:"done_reason"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

func finishReason(done string) *string {
	var r string
	switch done {
	case "", "stop":
		r = "stop"
	case "length", "limit":
		r = "length"
	default:
		r = done
	}
	return &r
}

func (a *Adapter) Chat(ctx context.Context, req *gateway.ChatRequest, model string) (*gateway.ChatResponse, error) {
	body, err := providers.DoRequest(ctx, a.client, a.baseURL+"/api/chat",
		a.payload(req, model, false), nil)
	if err != nil {
		return nil, err
	}

	var f chatFrame
	if err := json.Unmarshal(body, &f); err != nil {
		return nil, fmt.Errorf("decode ollama response: %w", err)
	}

	return &gateway.ChatResponse{
		ID:      fmt.Sprintf("ollama-%d", time.Now().UnixNano()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   f.Model,
		Choices: []gateway.Choice{{
			Index:        0,
			Message:      gateway.Message{Role: gateway.RoleAssistant, Content: f.Message.Content},
			FinishReason: finishReason(f.DoneReason),
		}},
		Usage: gateway.Usage{
			PromptTokens:     f.PromptEvalCount,
			CompletionTokens: f.EvalCount,
			TotalTokens:      f.PromptEvalCount + f.EvalCount,
		},
	}, nil
}

func (a *Adapter) ChatStream(ctx context.Context, req *gateway.ChatRequest, model string) (<-chan gateway.StreamEvent, error) {
	streamClient := &http.Client{Transport: a.client.Transport}
	body, err := providers.DoStreamRequest(ctx, streamClient, a.baseURL+"/api/chat",
		a.payload(req, model, true), nil)
	if err != nil {
		return nil, err
	}

	id := fmt.Sprintf("ollama-%d", time.Now().UnixNano())
	created := time.Now().Unix()

	out := make(chan gateway.StreamEvent)
	go func() {
		defer close(out)
		defer func() { _ = body.Close() }()

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			var f chatFrame
			if err := json.Unmarshal([]byte(line), &f); err != nil {
				out <- gateway.StreamEvent{Err: fmt.Errorf("decode stream frame: %w", err)}
				return
			}

			chunk := &gateway.StreamChunk{
				ID:      id,
				Object:  "chat.completion.chunk",
				Created: created,
				Model:   f.Model,
				Choices: []gateway.DeltaChoice{{
					Delta: gateway.Message{Role: gateway.RoleAssistant, Content: f.Message.Content},
				}},
			}
			if f.Done {
				chunk.Choices[0].FinishReason = finishReason(f.DoneReason)
				chunk.Usage = &gateway.Usage{
					PromptTokens:     f.PromptEvalCount,
					CompletionTokens: f.EvalCount,
					TotalTokens:      f.PromptEvalCount + f.EvalCount,
				}
			}
			out <- gateway.StreamEvent{Chunk: chunk}
			if f.Done {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			out <- gateway.StreamEvent{Err: fmt.Errorf("read stream: %w", err)}
		}
	}()
	return out, nil
}

func (a *Adapter) Embed(ctx context.Context, model string, input []string) ([][]float64, error) {
	body, err := providers.DoRequest(ctx, a.client, a.baseURL+"/api/embed",
		map[string]any{"model": model, "input": input}, nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Embeddings [][]float64 `json:"embeddings"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode ollama embeddings: %w", err)
	}
	return resp.Embeddings, nil
}

func (a *Adapter) ListModels(ctx context.Context) ([]gateway.ModelInfo, error) {
	body, err := providers.DoGet(ctx, a.client, a.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("list ollama models: %w", err)
	}
	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.Unmarshal(body, &tags); err != nil {
		return nil, fmt.Errorf("decode ollama tags: %w", err)
	}

	seeded := make(map[string]gateway.ModelInfo, len(a.catalog))
	for _, m := range a.catalog {
		seeded[m.ID] = m
	}

	models := make([]gateway.ModelInfo, 0, len(tags.Models))
	for _, tag := range tags.Models {
		if m, ok := seeded[tag.Name]; ok {
			models = append(models, m)
			continue
		}
		models = append(models, gateway.ModelInfo{
			ID:            tag.Name,
			Provider:      "ollama",
			ContextWindow: 8192,
			Capabilities:  []gateway.Capability{gateway.CapGeneral, gateway.CapInstructionFollowing},
			QualityScore:  0.4,
		})
	}
	return models, nil
}

func (a *Adapter) HealthCheck(ctx context.Context) providers.HealthStatus {
	start := time.Now()
	_, err := providers.DoGet(ctx, a.client, a.baseURL+"/api/tags", nil)
	latency := float64(time.Since(start).Milliseconds())
	if err != nil {
		return providers.HealthStatus{Healthy: false, LatencyMs: latency, Message: err.Error()}
	}
	return providers.HealthStatus{Healthy: true, LatencyMs: latency}
}

// EstimateCost reports token counts only; local inference costs nothing.
func (a *Adapter) EstimateCost(req *gateway.ChatRequest, model string) providers.CostEstimate {
	return providers.CostEstimate{
		EstimatedInputTokens:  providers.EstimateMessageTokens(req.Messages),
		EstimatedOutputTokens: providers.OutputTokenEstimate(req),
		EstimatedCostUSD:      0,
	}
}
