// Package gateway defines the canonical request/response shapes shared by
// every component of the gateway: the inbound ChatRequest, the normalized
// ChatResponse and StreamChunk, model metadata, and the wire error envelope.
package gateway

import (
	"encoding/json"
	"fmt"
)

// Message roles accepted on inbound requests.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Virtual model aliases resolved by the router.
const (
	ModelAuto    = "auto"
	ModelFast    = "fast"
	ModelCheap   = "cheap"
	ModelQuality = "quality"
)

// IsVirtualModel reports whether id is a request-time alias rather than a
// concrete provider model id.
func IsVirtualModel(id string) bool {
	switch id {
	case ModelAuto, ModelFast, ModelCheap, ModelQuality:
		return true
	}
	return false
}

// Routing strategies accepted in x-routing-strategy.
const (
	StrategyCost     = "cost"
	StrategyQuality  = "quality"
	StrategyLatency  = "latency"
	StrategyBalanced = "balanced"
)

// ValidStrategy reports whether s names a known routing strategy.
func ValidStrategy(s string) bool {
	switch s {
	case StrategyCost, StrategyQuality, StrategyLatency, StrategyBalanced:
		return true
	}
	return false
}

// Capability labels a model feature the classifier can require.
type Capability string

const (
	CapGeneral              Capability = "general"
	CapCode                 Capability = "code"
	CapMath                 Capability = "math"
	CapCreative             Capability = "creative"
	CapReasoning            Capability = "reasoning"
	CapInstructionFollowing Capability = "instruction-following"
	CapVision               Capability = "vision"
	CapLongContext          Capability = "long-context"
)

// Message is a single chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// StringList accepts either a JSON string or an array of strings. Used for
// the OpenAI-compatible "stop" field.
type StringList []string

func (s *StringList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*s = StringList{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("stop must be a string or array of strings")
	}
	*s = StringList(many)
	return nil
}

func (s StringList) MarshalJSON() ([]byte, error) {
	if len(s) == 1 {
		return json.Marshal(s[0])
	}
	return json.Marshal([]string(s))
}

// ChatRequest is the canonical inbound shape for /v1/chat/completions.
// Sampling parameters are pointers so absent and zero are distinguishable.
type ChatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`

	Temperature      *float64   `json:"temperature,omitempty"`
	TopP             *float64   `json:"top_p,omitempty"`
	MaxTokens        *int       `json:"max_tokens,omitempty"`
	PresencePenalty  *float64   `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64   `json:"frequency_penalty,omitempty"`
	Stop             StringList `json:"stop,omitempty"`
	N                *int       `json:"n,omitempty"`

	Stream bool `json:"stream,omitempty"`

	// Gateway extensions.
	RoutingStrategy string `json:"x-routing-strategy,omitempty"`
	PreferProvider  string `json:"x-prefer-provider,omitempty"`
	Cache           *bool  `json:"x-cache,omitempty"`
	BudgetKey       string `json:"x-budget-key,omitempty"`
}

// CacheEnabled returns the x-cache value with its default (true) applied.
func (r *ChatRequest) CacheEnabled() bool {
	return r.Cache == nil || *r.Cache
}

// UserContent concatenates the content of all user messages, newline joined.
func (r *ChatRequest) UserContent() string {
	var s string
	for _, m := range r.Messages {
		if m.Role != RoleUser {
			continue
		}
		if s != "" {
			s += "\n"
		}
		s += m.Content
	}
	return s
}

// Usage is the OpenAI-compatible token accounting block.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Choice is one completion in a buffered response.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason *string `json:"finish_reason"`
}

// GatewayMeta is the x-gateway metadata block attached to every response.
type GatewayMeta struct {
	Provider        string  `json:"provider"`
	RoutingDecision string  `json:"routing_decision"`
	LatencyMs       int64   `json:"latency_ms"`
	CostUSD         float64 `json:"cost_usd"`
	CacheHit        bool    `json:"cache_hit"`
	FallbackUsed    bool    `json:"fallback_used"`
}

// ChatResponse is the vendor-normalized buffered response.
type ChatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []Choice     `json:"choices"`
	Usage   Usage        `json:"usage"`
	Gateway *GatewayMeta `json:"x-gateway,omitempty"`
}

// DeltaChoice is one delta in a stream chunk.
type DeltaChoice struct {
	Index        int     `json:"index"`
	Delta        Message `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

// StreamChunk is one SSE frame of a streaming response.
type StreamChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []DeltaChoice `json:"choices"`
	Usage   *Usage        `json:"usage,omitempty"`
}

// ContentDelta returns the concatenated delta text of the chunk.
func (c *StreamChunk) ContentDelta() string {
	var s string
	for _, ch := range c.Choices {
		s += ch.Delta.Content
	}
	return s
}

// StreamEvent carries either a chunk or a terminal error on a stream channel.
// After an event with Err != nil the channel is closed.
type StreamEvent struct {
	Chunk *StreamChunk
	Err   error
}

// ModelInfo describes one model in a provider's catalog.
type ModelInfo struct {
	ID              string       `json:"id"`
	Provider        string       `json:"provider"`
	ContextWindow   int          `json:"contextWindow"`
	CostPer1kInput  float64      `json:"costPer1kInput"`
	CostPer1kOutput float64      `json:"costPer1kOutput"`
	Capabilities    []Capability `json:"capabilities"`
	QualityScore    float64      `json:"qualityScore"`
	AvgLatencyMs    float64      `json:"avgLatencyMs"`
}

// HasCapabilities reports whether the model's capability set is a superset
// of required.
func (m ModelInfo) HasCapabilities(required []Capability) bool {
	for _, r := range required {
		found := false
		for _, c := range m.Capabilities {
			if c == r {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// EmbeddingRequest is the OpenAI-compatible /v1/embeddings body.
type EmbeddingRequest struct {
	Model string     `json:"model"`
	Input StringList `json:"input"`
}

// Embedding is one vector in an embedding response.
type Embedding struct {
	Object    string    `json:"object"`
	Index     int       `json:"index"`
	Embedding []float64 `json:"embedding"`
}

// EmbeddingResponse is the OpenAI-compatible embedding response.
type EmbeddingResponse struct {
	Object string      `json:"object"`
	Data   []Embedding `json:"data"`
	Model  string      `json:"model"`
	Usage  Usage       `json:"usage"`
}
