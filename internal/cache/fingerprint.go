package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"strings"

	"github.com/modelmux/modelmux/internal/gateway"
)

// fingerprintKey is the canonical identity of a request for caching.
// Sampling parameters that change the completion are part of the key;
// routing extensions are not.
type fingerprintKey struct {
	Model       string            `json:"model"`
	Messages    []gateway.Message `json:"messages"`
	Temperature *float64          `json:"temperature,omitempty"`
	TopP        *float64          `json:"top_p,omitempty"`
	MaxTokens   *int              `json:"max_tokens,omitempty"`
	Stop        []string          `json:"stop,omitempty"`
}

// Fingerprint returns the stable SHA-256 hex key for a request. Message
// content is whitespace-normalized so trivial reformatting still hits.
func Fingerprint(req *gateway.ChatRequest) string {
	msgs := make([]gateway.Message, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = gateway.Message{
			Role:    m.Role,
			Content: strings.Join(strings.Fields(m.Content), " "),
		}
	}
	key := fingerprintKey{
		Model:       req.Model,
		Messages:    msgs,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
		Stop:        req.Stop,
	}
	// Struct field order makes the encoding deterministic.
	data, _ := json.Marshal(key)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Cosine returns the cosine similarity of two vectors. Mismatched lengths
// or a zero-magnitude vector yield 0.
func Cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		dot += a[i] * b[i]
		magA += a[i] * a[i]
		magB += b[i] * b[i]
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}
