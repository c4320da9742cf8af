// Package providers defines the uniform adapter contract for upstream model
// vendors and shared HTTP plumbing used by the concrete adapters.
package providers

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/modelmux/modelmux/internal/gateway"
)

// Adapter is the uniform view of one upstream vendor. Implementations must
// be safe for concurrent calls.
type Adapter interface {
	// ID is the stable provider id (e.g. "openai", "ollama").
	ID() string
	// Name is the human-readable vendor name.
	Name() string

	// Chat performs a buffered completion. HTTP >= 400 surfaces as
	// *UpstreamError.
	Chat(ctx context.Context, req *gateway.ChatRequest, model string) (*gateway.ChatResponse, error)

	// ChatStream opens a streaming completion. The returned channel is
	// closed when the stream ends; a mid-stream failure is delivered as a
	// terminal StreamEvent with Err set, never a silent truncation.
	ChatStream(ctx context.Context, req *gateway.ChatRequest, model string) (<-chan gateway.StreamEvent, error)

	// Embed computes embedding vectors for the inputs.
	Embed(ctx context.Context, model string, input []string) ([][]float64, error)

	// ListModels returns the static catalog augmented with dynamic
	// discovery where the vendor supports it.
	ListModels(ctx context.Context) ([]gateway.ModelInfo, error)

	// HealthCheck must complete within its context deadline (the registry
	// allots 5s) or report unhealthy.
	HealthCheck(ctx context.Context) HealthStatus

	// EstimateCost is pure and local: no network, deterministic for the
	// same input. Local providers return zero cost.
	EstimateCost(req *gateway.ChatRequest, model string) CostEstimate
}

// HealthStatus is the result of a single health probe.
type HealthStatus struct {
	Healthy   bool    `json:"healthy"`
	LatencyMs float64 `json:"latencyMs"`
	Message   string  `json:"message,omitempty"`
}

// CostEstimate is a pre-dispatch cost projection.
type CostEstimate struct {
	EstimatedInputTokens  int     `json:"estimatedInputTokens"`
	EstimatedOutputTokens int     `json:"estimatedOutputTokens"`
	EstimatedCostUSD      float64 `json:"estimatedCostUsd"`
}

// ErrNotSupported is returned by adapters for operations the vendor does
// not offer (e.g. embeddings on Anthropic).
var ErrNotSupported = errors.New("operation not supported by provider")

// UpstreamError captures an HTTP error from a provider response.
type UpstreamError struct {
	StatusCode int
	Body       string
	// RetryAfterSec is parsed from a Retry-After header when present.
	RetryAfterSec int
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream error (status %d): %s", e.StatusCode, e.Body)
}

// Retryable reports whether the failure is transient: 408, 429 and 5xx
// advance the fallback chain; everything else surfaces immediately.
func (e *UpstreamError) Retryable() bool {
	return e.StatusCode == http.StatusRequestTimeout ||
		e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode >= 500
}

// ParseRetryAfter records a Retry-After header value given in seconds.
// Invalid or empty values are ignored.
func (e *UpstreamError) ParseRetryAfter(v string) {
	if v == "" {
		return
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		e.RetryAfterSec = secs
	}
}

// IsRetryable reports whether err should advance the fallback chain.
// Context cancellation is never retryable.
func IsRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Retryable()
	}
	// Connection-level failures (no HTTP status) are treated as transient.
	return true
}

// EstimateTokens is the shared chars/4 heuristic, rounded up.
func EstimateTokens(text string) int {
	if len(text) == 0 {
		return 0
	}
	return int(math.Ceil(float64(len(text)) / 4.0))
}

// EstimateMessageTokens sums the heuristic over a message sequence.
func EstimateMessageTokens(msgs []gateway.Message) int {
	total := 0
	for _, m := range msgs {
		total += len(m.Content)
	}
	return int(math.Ceil(float64(total) / 4.0))
}

// CostUSD converts token counts to USD at per-1k-token rates.
func CostUSD(inputTokens, outputTokens int, inPer1k, outPer1k float64) float64 {
	return float64(inputTokens)/1000.0*inPer1k + float64(outputTokens)/1000.0*outPer1k
}

// OutputTokenEstimate picks the output token count used for pre-dispatch
// cost estimation: max_tokens when the client set it, otherwise a 512-token
// default.
func OutputTokenEstimate(req *gateway.ChatRequest) int {
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		return *req.MaxTokens
	}
	return 512
}
