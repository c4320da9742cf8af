// Package router turns a validated request plus classification and registry
// state into an ordered fallback chain of (provider, model) candidates.
package router

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/modelmux/modelmux/internal/classify"
	"github.com/modelmux/modelmux/internal/gateway"
	"github.com/modelmux/modelmux/internal/registry"
)

// DefaultTopK bounds the fallback chain for virtual models.
const DefaultTopK = 3

// Candidate is one entry of the fallback chain.
type Candidate struct {
	Provider         string
	Model            string
	Info             gateway.ModelInfo
	EstimatedCostUSD float64
}

// Plan carries the API key's routing entitlements.
type Plan struct {
	// PlatformFallback permits trying providers beyond the first candidate.
	PlatformFallback bool
}

// Selection is the router output consumed by the pipeline.
type Selection struct {
	Candidates []Candidate
	Strategy   string
	Decision   string
}

// Router selects candidates against live registry state.
type Router struct {
	registry        *registry.Registry
	defaultStrategy string
	topK            int
	maxLatencyMs    float64
	logger          *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithTopK bounds the virtual-model fallback chain.
func WithTopK(k int) Option {
	return func(r *Router) { r.topK = k }
}

// WithMaxLatencyMs filters out models whose average latency exceeds the
// threshold. Zero disables the filter.
func WithMaxLatencyMs(ms float64) Option {
	return func(r *Router) { r.maxLatencyMs = ms }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// New creates a Router with the given default strategy.
func New(reg *registry.Registry, defaultStrategy string, opts ...Option) *Router {
	r := &Router{
		registry:        reg,
		defaultStrategy: defaultStrategy,
		topK:            DefaultTopK,
		logger:          slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// strategyFor resolves the effective strategy: an explicit request override
// wins, then the virtual alias implies one, then the configured default.
func (r *Router) strategyFor(req *gateway.ChatRequest) string {
	if req.RoutingStrategy != "" {
		return req.RoutingStrategy
	}
	switch req.Model {
	case gateway.ModelFast:
		return gateway.StrategyLatency
	case gateway.ModelCheap:
		return gateway.StrategyCost
	case gateway.ModelQuality:
		return gateway.StrategyQuality
	}
	return r.defaultStrategy
}

// pool is the working set of scored candidates.
type scored struct {
	Candidate
	latencyMs float64
}

func (r *Router) estimate(providerID string, req *gateway.ChatRequest, model string) float64 {
	a, ok := r.registry.Adapter(providerID)
	if !ok {
		return 0
	}
	return a.EstimateCost(req, model).EstimatedCostUSD
}

// latencyOf picks the model's average latency, falling back to the
// provider's probe latency when the catalog has no figure.
func (r *Router) latencyOf(providerID string, info gateway.ModelInfo) float64 {
	if info.AvgLatencyMs > 0 {
		return info.AvgLatencyMs
	}
	return r.registry.ProbeLatencyMs(providerID)
}

// eligible builds the flat pool of healthy providers' models whose
// capability sets cover the classification.
func (r *Router) eligible(req *gateway.ChatRequest, required []gateway.Capability) []scored {
	var pool []scored
	for _, st := range r.registry.Snapshot() {
		if !st.Healthy {
			continue
		}
		for _, m := range st.Models {
			if !m.HasCapabilities(required) {
				continue
			}
			lat := r.latencyOf(st.ID, m)
			if r.maxLatencyMs > 0 && lat > r.maxLatencyMs {
				continue
			}
			pool = append(pool, scored{
				Candidate: Candidate{
					Provider:         st.ID,
					Model:            m.ID,
					Info:             m,
					EstimatedCostUSD: r.estimate(st.ID, req, m.ID),
				},
				latencyMs: lat,
			})
		}
	}
	return pool
}

// sortPool orders the pool by the strategy's sort key.
func sortPool(pool []scored, strategy string) {
	var maxCost, maxLat float64
	for _, c := range pool {
		if c.EstimatedCostUSD > maxCost {
			maxCost = c.EstimatedCostUSD
		}
		if c.latencyMs > maxLat {
			maxLat = c.latencyMs
		}
	}
	norm := func(v, max float64) float64 {
		if max <= 0 {
			return 0
		}
		return v / max
	}

	sort.SliceStable(pool, func(i, j int) bool {
		a, b := pool[i], pool[j]
		switch strategy {
		case gateway.StrategyCost:
			if a.EstimatedCostUSD != b.EstimatedCostUSD {
				return a.EstimatedCostUSD < b.EstimatedCostUSD
			}
			return a.Info.QualityScore > b.Info.QualityScore

		case gateway.StrategyLatency:
			if a.latencyMs != b.latencyMs {
				return a.latencyMs < b.latencyMs
			}
			return a.EstimatedCostUSD < b.EstimatedCostUSD

		case gateway.StrategyQuality:
			if a.Info.QualityScore != b.Info.QualityScore {
				return a.Info.QualityScore > b.Info.QualityScore
			}
			return a.EstimatedCostUSD < b.EstimatedCostUSD

		default: // balanced
			sa := 0.4*norm(a.EstimatedCostUSD, maxCost) + 0.3*(1-a.Info.QualityScore) + 0.3*norm(a.latencyMs, maxLat)
			sb := 0.4*norm(b.EstimatedCostUSD, maxCost) + 0.3*(1-b.Info.QualityScore) + 0.3*norm(b.latencyMs, maxLat)
			if sa != sb {
				return sa < sb
			}
			return a.Provider < b.Provider
		}
	})
}

// Select produces the ordered fallback chain. An empty candidate list means
// no healthy provider can serve the request.
func (r *Router) Select(req *gateway.ChatRequest, cls classify.Result, plan Plan) Selection {
	strategy := r.strategyFor(req)
	pool := r.eligible(req, cls.RequiredCapabilities)
	sortPool(pool, strategy)

	var candidates []Candidate

	if gateway.IsVirtualModel(req.Model) {
		for _, c := range pool {
			candidates = append(candidates, c.Candidate)
			if len(candidates) >= r.topK {
				break
			}
		}
	} else {
		// Exact match on the model's native provider heads the chain; the
		// capability-equivalent pool follows as fallbacks.
		if providerID, ok := r.registry.FindProviderForModel(req.Model); ok && r.registry.IsHealthy(providerID) {
			info := gateway.ModelInfo{ID: req.Model, Provider: providerID}
			for _, m := range r.registry.Models(providerID) {
				if m.ID == req.Model {
					info = m
					break
				}
			}
			candidates = append(candidates, Candidate{
				Provider:         providerID,
				Model:            req.Model,
				Info:             info,
				EstimatedCostUSD: r.estimate(providerID, req, req.Model),
			})
		}
		for _, c := range pool {
			if len(candidates) > 0 && c.Provider == candidates[0].Provider && c.Model == candidates[0].Model {
				continue
			}
			candidates = append(candidates, c.Candidate)
			if len(candidates) >= r.topK+1 {
				break
			}
		}
	}

	// A healthy preferred provider is pinned at the head; an unhealthy one
	// silently falls through to normal ordering.
	if req.PreferProvider != "" && r.registry.IsHealthy(req.PreferProvider) {
		candidates = pinProvider(candidates, pool, req.PreferProvider)
	}

	// Keys without platform fallback only ever reach the first candidate.
	if !plan.PlatformFallback && len(candidates) > 1 {
		candidates = candidates[:1]
	}

	sel := Selection{
		Candidates: candidates,
		Strategy:   strategy,
		Decision:   decision(req.Model, strategy, candidates, cls),
	}
	if len(candidates) == 0 {
		r.logger.Warn("no candidates", "model", req.Model, "strategy", strategy)
	}
	return sel
}

// pinProvider moves the preferred provider's best candidate to the head,
// preserving the relative order of everything else. When the chain has no
// candidate from that provider, its best eligible model from the pool is
// prepended instead.
func pinProvider(candidates []Candidate, pool []scored, provider string) []Candidate {
	for i, c := range candidates {
		if c.Provider == provider {
			pinned := append([]Candidate{c}, candidates[:i]...)
			return append(pinned, candidates[i+1:]...)
		}
	}
	for _, c := range pool {
		if c.Provider == provider {
			return append([]Candidate{c.Candidate}, candidates...)
		}
	}
	return candidates
}

func decision(model, strategy string, candidates []Candidate, cls classify.Result) string {
	if len(candidates) == 0 {
		return fmt.Sprintf("no provider for %q (%s)", model, cls.Reasoning)
	}
	head := candidates[0]
	var b strings.Builder
	fmt.Fprintf(&b, "%s via %s strategy", head.Provider+"/"+head.Model, strategy)
	if gateway.IsVirtualModel(model) {
		fmt.Fprintf(&b, ", resolved from %q", model)
	}
	fmt.Fprintf(&b, "; %s", cls.Reasoning)
	return b.String()
}
