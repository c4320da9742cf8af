// Package anthropic implements providers.Adapter for the Anthropic Messages
// API, normalizing its wire format to the gateway's OpenAI-compatible shapes.
package anthropic

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

const (
	defaultBaseURL = "https://api.anthropic.com"
	apiVersion     = "2023-06-01"
	defaultTimeout = 60 * time.Second

	// The Messages API requires max_tokens; applied when the client omits it.
	defaultMaxTokens = 1024
)

// Adapter talks to the Anthropic Messages API.
type Adapter struct {
	apiKey  string
	baseURL string
	client  *http.Client
	catalog []gateway.ModelInfo
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithBaseURL overrides the API endpoint (used in tests).
func WithBaseURL(u string) Option {
	return func(a *Adapter) { a.baseURL = strings.TrimRight(u, "/") }
}

// WithTimeout sets the HTTP client timeout for buffered calls.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.client.Timeout = d }
}

// WithCatalog sets the static model catalog.
func WithCatalog(models []gateway.ModelInfo) Option {
	return func(a *Adapter) { a.catalog = models }
}

// WithTransport sets the HTTP transport (used to inject tracing).
func WithTransport(rt http.RoundTripper) Option {
	return func(a *Adapter) { a.client.Transport = rt }
}

// New creates an Anthropic adapter.
func New(apiKey string, opts ...Option) *Adapter {
	a := &Adapter{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		client:  &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Adapter) ID() string   { return "anthropic" }
func (a *Adapter) Name() string { return "Anthropic" }

func (a *Adapter) headers() map[string]string {
	return map[string]string{
		"x-api-key":         a.apiKey,
		"anthropic-version": apiVersion,
	}
}

// payload translates the OpenAI shape to the Messages API: system messages
// are hoisted into the top-level system field, stop becomes stop_sequences.
func (a *Adapter) payload(req *gateway.ChatRequest, model string, stream bool) map[string]any {
	var system string
	msgs := make([]gateway.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == gateway.RoleSystem {
			if system != "" {
				system += "\n"
			}
			system += m.Content
			continue
		}
		msgs = append(msgs, m)
	}

	maxTokens := defaultMaxTokens
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		maxTokens = *req.MaxTokens
	}

	p := map[string]any{
		"model":      model,
		"messages":   msgs,
		"max_tokens": maxTokens,
	}
	if system != "" {
		p["system"] = system
	}
	if req.Temperature != nil {
		p["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		p["top_p"] = *req.TopP
	}
	if len(req.Stop) > 0 {
		p["stop_sequences"] = []string(req.Stop)
	}
	if stream {
		p["stream"] = true
	}
	return p
}

// finishReason maps Anthropic stop reasons to OpenAI finish reasons.
func finishReason(stop string) *string {
	var r string
	switch stop {
	case "end_turn", "stop_sequence":
		r = "stop"
	case "max_tokens":
		r = "length"
	case "":
		return nil
	default:
		r = stop
	}
	return &r
}

type messagesResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (a *Adapter) Chat(ctx context.Context, req *gateway.ChatRequest, model string) (*gateway.ChatResponse, error) {
	body, err := providers.DoRequest(ctx, a.client, a.baseURL+"/v1/messages",
		a.payload(req, model, false), a.headers())
	if err != nil {
		return nil, err
	}

	var mr messagesResponse
	if err := json.Unmarshal(body, &mr); err != nil {
		return nil, fmt.Errorf("decode anthropic response: %w", err)
	}

	var text string
	for _, block := range mr.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	return &gateway.ChatResponse{
		ID:      mr.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   mr.Model,
		Choices: []gateway.Choice{{
			Index:        0,
			Message:      gateway.Message{Role: gateway.RoleAssistant, Content: text},
			FinishReason: finishReason(mr.StopReason),
		}},
		Usage: gateway.Usage{
			PromptTokens:     mr.Usage.InputTokens,
			CompletionTokens: mr.Usage.OutputTokens,
			TotalTokens:      mr.Usage.InputTokens + mr.Usage.OutputTokens,
		},
	}, nil
}

// streamFrame is the union of the Messages API stream event payloads.
type streamFrame struct {
	Type    string `json:"type"`
	Message struct {
		ID    string `json:"id"`
		Usage struct {
			InputTokens int `json:"input_tokens"`
		} `json:"usage"`
	} `json:"message"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (a *Adapter) ChatStream(ctx context.Context, req *gateway.ChatRequest, model string) (<-chan gateway.StreamEvent, error) {
	streamClient := &http.Client{Transport: a.client.Transport}
	body, err := providers.DoStreamRequest(ctx, streamClient, a.baseURL+"/v1/messages",
		a.payload(req, model, true), a.headers())
	if err != nil {
		return nil, err
	}

	// Accumulates input tokens from message_start so the terminal chunk can
	// carry full usage the way OpenAI streams do.
	var id string
	var inputTokens int
	created := time.Now().Unix()

	return providers.StreamSSE(body, func(data []byte) (*gateway.StreamChunk, bool, error) {
		var f streamFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, false, err
		}

		switch f.Type {
		case "message_start":
			id = f.Message.ID
			inputTokens = f.Message.Usage.InputTokens
			return nil, false, nil

		case "content_block_delta":
			if f.Delta.Type != "text_delta" {
				return nil, false, nil
			}
			return &gateway.StreamChunk{
				ID:      id,
				Object:  "chat.completion.chunk",
				Created: created,
				Model:   model,
				Choices: []gateway.DeltaChoice{{
					Delta: gateway.Message{Role: gateway.RoleAssistant, Content: f.Delta.Text},
				}},
			}, false, nil

		case "message_delta":
			return &gateway.StreamChunk{
				ID:      id,
				Object:  "chat.completion.chunk",
				Created: created,
				Model:   model,
				Choices: []gateway.DeltaChoice{{
					Delta:        gateway.Message{Role: gateway.RoleAssistant},
					FinishReason: finishReason(f.Delta.StopReason),
				}},
				Usage: &gateway.Usage{
					PromptTokens:     inputTokens,
					CompletionTokens: f.Usage.OutputTokens,
					TotalTokens:      inputTokens + f.Usage.OutputTokens,
				},
			}, false, nil

		case "message_stop":
			return nil, true, nil

		case "error":
			return nil, false, fmt.Errorf("anthropic stream error: %s: %s", f.Error.Type, f.Error.Message)

		default:
			// ping, content_block_start, content_block_stop
			return nil, false, nil
		}
	}), nil
}

// Embed is not offered by the Messages API.
func (a *Adapter) Embed(ctx context.Context, model string, input []string) ([][]float64, error) {
	return nil, providers.ErrNotSupported
}

func (a *Adapter) ListModels(ctx context.Context) ([]gateway.ModelInfo, error) {
	models := make([]gateway.ModelInfo, len(a.catalog))
	copy(models, a.catalog)
	return models, nil
}

func (a *Adapter) HealthCheck(ctx context.Context) providers.HealthStatus {
	start := time.Now()
	_, err := providers.DoGet(ctx, a.client, a.baseURL+"/v1/models", a.headers())
	latency := float64(time.Since(start).Milliseconds())
	if err != nil {
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
