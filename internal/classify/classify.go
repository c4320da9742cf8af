// Package classify derives routing signals from a message sequence: task
// complexity, required model capabilities, and a token estimate. It is a
// pure function with no I/O.
package classify

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/modelmux/modelmux/internal/gateway"
)

// Complexity grades how demanding a request is.
type Complexity string

const (
	Simple   Complexity = "simple"
	Moderate Complexity = "moderate"
	Complex  Complexity = "complex"
)

// Result is the classifier output consumed by the router.
type Result struct {
	Complexity           Complexity           `json:"complexity"`
	RequiredCapabilities []gateway.Capability `json:"requiredCapabilities"`
	EstimatedTokens      int                  `json:"estimatedTokens"`
	Reasoning            string               `json:"reasoning"`
}

const longMessageChars = 2000

var (
	codeKeywordRe = regexp.MustCompile(`(?i)\b(code|function|class|refactor|implement|debug)\b`)
	mathRe        = regexp.MustCompile(`(?i)\b(integral|derivative|calculate|equation|solve)\b|[0-9]+\s*[+\-*/^]\s*[0-9]+`)
	creativeRe    = regexp.MustCompile(`(?i)\b(story|poem|creative|imagine)\b|(?i)write a`)
)

// Classify inspects the messages and produces routing signals. Every result
// carries at least the general and instruction-following capabilities.
func Classify(msgs []gateway.Message) Result {
	caps := []gateway.Capability{gateway.CapGeneral, gateway.CapInstructionFollowing}
	var signals []string

	totalChars := 0
	hasCode, hasMath, hasCreative, hasLong := false, false, false, false
	for _, m := range msgs {
		totalChars += len(m.Content)
		if !hasCode && (strings.Contains(m.Content, "```") || codeKeywordRe.MatchString(m.Content)) {
			hasCode = true
		}
		if !hasMath && mathRe.MatchString(m.Content) {
			hasMath = true
		}
		if !hasCreative && creativeRe.MatchString(m.Content) {
			hasCreative = true
		}
		if !hasLong && len(m.Content) > longMessageChars {
			hasLong = true
		}
	}

	if hasCode {
		caps = append(caps, gateway.CapCode)
		signals = append(signals, "code")
	}
	if hasMath {
		caps = append(caps, gateway.CapMath)
		signals = append(signals, "math")
	}
	if hasCreative {
		caps = append(caps, gateway.CapCreative)
		signals = append(signals, "creative")
	}
	if hasLong {
		caps = append(caps, gateway.CapLongContext)
		signals = append(signals, "long-context")
	}

	tokens := int(math.Ceil(float64(totalChars) / 4.0))

	// Complexity upgrades count three independent pressure signals.
	pressure := 0
	if hasCode || hasMath || hasCreative {
		pressure++
	}
	if len(msgs) >= 4 {
		pressure++
		signals = append(signals, "long conversation")
	}
	if tokens > 500 {
		pressure++
		signals = append(signals, "large input")
	}

	complexity := Simple
	switch {
	case pressure >= 2 || tokens > 2000:
		complexity = Complex
	case pressure >= 1:
		complexity = Moderate
	}

	reason := fmt.Sprintf("%s request, ~%d tokens", complexity, tokens)
	if len(signals) > 0 {
		reason += " (" + strings.Join(signals, ", ") + ")"
	}

	return Result{
		Complexity:           complexity,
		RequiredCapabilities: caps,
		EstimatedTokens:      tokens,
		Reasoning:            reason,
	}
}
