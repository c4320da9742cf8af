// Package catalog holds the built-in model catalogs per provider and the
// optional YAML override file loaded via MODEL_PRICING_FILE. Costs are USD
// per 1000 tokens.
package catalog

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/modelmux/modelmux/internal/gateway"
)

func caps(names ...gateway.Capability) []gateway.Capability { return names }

// defaults are the seed catalogs. Providers with dynamic discovery
// (openai, ollama) extend these at refresh time.
var defaults = map[string][]gateway.ModelInfo{
	"openai": {
		{
			ID: "gpt-4o", Provider: "openai", ContextWindow: 128000,
			CostPer1kInput: 0.0025, CostPer1kOutput: 0.01,
			Capabilities: caps(gateway.CapGeneral, gateway.CapInstructionFollowing,
				gateway.CapCode, gateway.CapMath, gateway.CapCreative,
				gateway.CapReasoning, gateway.CapVision, gateway.CapLongContext),
			QualityScore: 0.92, AvgLatencyMs: 900,
		},
		{
			ID: "gpt-4o-mini", Provider: "openai", ContextWindow: 128000,
			CostPer1kInput: 0.00015, CostPer1kOutput: 0.0006,
			Capabilities: caps(gateway.CapGeneral, gateway.CapInstructionFollowing,
				gateway.CapCode, gateway.CapMath, gateway.CapCreative, gateway.CapLongContext),
			QualityScore: 0.78, AvgLatencyMs: 500,
		},
		{
			ID: "o1-mini", Provider: "openai", ContextWindow: 128000,
			CostPer1kInput: 0.0011, CostPer1kOutput: 0.0044,
			Capabilities: caps(gateway.CapGeneral, gateway.CapInstructionFollowing,
				gateway.CapCode, gateway.CapMath, gateway.CapReasoning, gateway.CapLongContext),
			QualityScore: 0.88, AvgLatencyMs: 3000,
		},
	},
	"anthropic": {
		{
			ID: "claude-sonnet-4", Provider: "anthropic", ContextWindow: 200000,
			CostPer1kInput: 0.003, CostPer1kOutput: 0.015,
			Capabilities: caps(gateway.CapGeneral, gateway.CapInstructionFollowing,
				gateway.CapCode, gateway.CapMath, gateway.CapCreative,
				gateway.CapReasoning, gateway.CapVision, gateway.CapLongContext),
			QualityScore: 0.93, AvgLatencyMs: 1100,
		},
		{
			ID: "claude-3-5-haiku", Provider: "anthropic", ContextWindow: 200000,
			CostPer1kInput: 0.0008, CostPer1kOutput: 0.004,
			Capabilities: caps(gateway.CapGeneral, gateway.CapInstructionFollowing,
				gateway.CapCode, gateway.CapCreative, gateway.CapLongContext),
			QualityScore: 0.75, AvgLatencyMs: 450,
		},
	},
	"groq": {
		{
			ID: "llama-3.3-70b-versatile", Provider: "groq", ContextWindow: 128000,
			CostPer1kInput: 0.00059, CostPer1kOutput: 0.00079,
			Capabilities: caps(gateway.CapGeneral, gateway.CapInstructionFollowing,
				gateway.CapCode, gateway.CapMath, gateway.CapCreative, gateway.CapLongContext),
			QualityScore: 0.8, AvgLatencyMs: 250,
		},
		{
			ID: "llama-3.1-8b-instant", Provider: "groq", ContextWindow: 128000,
			CostPer1kInput: 0.00005, CostPer1kOutput: 0.00008,
			Capabilities: caps(gateway.CapGeneral, gateway.CapInstructionFollowing,
				gateway.CapCode, gateway.CapLongContext),
			QualityScore: 0.62, AvgLatencyMs: 150,
		},
	},
	"together": {
		{
			ID: "meta-llama/Llama-3.3-70B-Instruct-Turbo", Provider: "together", ContextWindow: 128000,
			CostPer1kInput: 0.00088, CostPer1kOutput: 0.00088,
			Capabilities: caps(gateway.CapGeneral, gateway.CapInstructionFollowing,
				gateway.CapCode, gateway.CapMath, gateway.CapCreative, gateway.CapLongContext),
			QualityScore: 0.8, AvgLatencyMs: 600,
		},
		{
			ID: "mistralai/Mixtral-8x7B-Instruct-v0.1", Provider: "together", ContextWindow: 32768,
			CostPer1kInput: 0.0006, CostPer1kOutput: 0.0006,
			Capabilities: caps(gateway.CapGeneral, gateway.CapInstructionFollowing, gateway.CapCode),
			QualityScore: 0.7, AvgLatencyMs: 700,
		},
	},
	"ollama": {
		{
			ID: "llama3.1:8b", Provider: "ollama", ContextWindow: 128000,
			Capabilities: caps(gateway.CapGeneral, gateway.CapInstructionFollowing,
				gateway.CapCode, gateway.CapCreative),
			QualityScore: 0.55, AvgLatencyMs: 1500,
		},
	},
}

// Default returns the built-in catalog for a provider id.
func Default(provider string) []gateway.ModelInfo {
	models := defaults[provider]
	out := make([]gateway.ModelInfo, len(models))
	copy(out, models)
	return out
}

// modelEntry is the YAML shape of one model row.
type modelEntry struct {
	ID              string   `yaml:"id"`
	ContextWindow   int      `yaml:"context_window"`
	CostPer1kInput  float64  `yaml:"cost_per_1k_input"`
	CostPer1kOutput float64  `yaml:"cost_per_1k_output"`
	Capabilities    []string `yaml:"capabilities"`
	QualityScore    float64  `yaml:"quality_score"`
	AvgLatencyMs    float64  `yaml:"avg_latency_ms"`
}

type pricingFile struct {
	Providers map[string][]modelEntry `yaml:"providers"`
}

// Load parses a pricing override file. Providers present in the file
// replace their built-in catalog entirely; absent providers keep defaults.
func Load(path string) (map[string][]gateway.ModelInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pricing file: %w", err)
	}
	var f pricingFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse pricing file: %w", err)
	}

	out := make(map[string][]gateway.ModelInfo, len(f.Providers))
	for provider, entries := range f.Providers {
		models := make([]gateway.ModelInfo, 0, len(entries))
		for _, e := range entries {
			if e.ID == "" {
				return nil, fmt.Errorf("pricing file: provider %q has a model without an id", provider)
			}
			capabilities := make([]gateway.Capability, 0, len(e.Capabilities))
			for _, c := range e.Capabilities {
				capabilities = append(capabilities, gateway.Capability(c))
			}
			if len(capabilities) == 0 {
				capabilities = caps(gateway.CapGeneral, gateway.CapInstructionFollowing)
			}
			models = append(models, gateway.ModelInfo{
				ID:              e.ID,
				Provider:        provider,
				ContextWindow:   e.ContextWindow,
				CostPer1kInput:  e.CostPer1kInput,
				CostPer1kOutput: e.CostPer1kOutput,
				Capabilities:    capabilities,
				QualityScore:    e.QualityScore,
				AvgLatencyMs:    e.AvgLatencyMs,
			})
		}
		out[provider] = models
	}
	return out, nil
}

// ForProvider resolves the effective catalog: the override when present,
// otherwise the built-in default. overrides may be nil.
func ForProvider(overrides map[string][]gateway.ModelInfo, provider string) []gateway.ModelInfo {
	if models, ok := overrides[provider]; ok {
		out := make([]gateway.ModelInfo, len(models))
		copy(out, models)
		return out
	}
	return Default(provider)
}
