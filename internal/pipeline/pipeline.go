// Package pipeline glues the gateway together: validation, budget and rate
// admission, classification, cache, routing, the fallback chain, usage
// accounting, and request logging, for both buffered and streaming modes.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/modelmux/modelmux/internal/budget"
	"github.com/modelmux/modelmux/internal/cache"
	"github.com/modelmux/modelmux/internal/circuitbreaker"
	"github.com/modelmux/modelmux/internal/classify"
	"github.com/modelmux/modelmux/internal/events"
	"github.com/modelmux/modelmux/internal/gateway"
	"github.com/modelmux/modelmux/internal/metrics"
	"github.com/modelmux/modelmux/internal/providers"
	"github.com/modelmux/modelmux/internal/ratelimit"
	"github.com/modelmux/modelmux/internal/registry"
	"github.com/modelmux/modelmux/internal/reqlog"
	"github.com/modelmux/modelmux/internal/router"
	"github.com/modelmux/modelmux/internal/stats"
	"github.com/modelmux/modelmux/internal/store"
)

// DefaultChatTimeout bounds one buffered upstream attempt. Streaming
// attempts are bounded only by the request context.
const DefaultChatTimeout = 60 * time.Second

// UsageReader supplies a key's accumulated usage for the current month.
type UsageReader interface {
	GetKeyUsage(ctx context.Context, keyID, yearMonth string) (store.KeyUsage, error)
}

// Config wires the pipeline's collaborators. Registry, Router, Budget and
// Limiter are required; the rest degrade to no-ops when nil.
type Config struct {
	Registry *registry.Registry
	Router   *router.Router
	Budget   *budget.Enforcer
	Limiter  *ratelimit.Limiter
	Cache    *cache.Cache
	Usage    UsageReader
	ReqLog   *reqlog.Logger
	Tracker  *stats.Tracker
	Breakers *circuitbreaker.Group
	Metrics  *metrics.Registry
	Bus      *events.Bus
	Logger   *slog.Logger

	ChatTimeout time.Duration
}

// Pipeline orchestrates one request end to end.
type Pipeline struct {
	cfg Config
	log *slog.Logger
}

// New creates a Pipeline.
func New(cfg Config) *Pipeline {
	if cfg.ChatTimeout <= 0 {
		cfg.ChatTimeout = DefaultChatTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pipeline{cfg: cfg, log: cfg.Logger}
}

// admission is the shared pre-dispatch state.
type admission struct {
	requestID string
	key       *store.ApiKey
	cls       classify.Result
	selection router.Selection
	started   time.Time
}

// admit runs validation, budget, rate limit, classification and routing.
// A nil error means the request may dispatch; the selection may still be
// empty for cache-only paths.
func (p *Pipeline) admit(ctx context.Context, req *gateway.ChatRequest, key *store.ApiKey, requestID string) (*admission, *gateway.Error) {
	a := &admission{requestID: requestID, key: key, started: time.Now()}

	if gerr := gateway.ValidateChatRequest(req); gerr != nil {
		return nil, gerr
	}

	if gerr := p.checkBudget(ctx, req, key); gerr != nil {
		return nil, gerr
	}

	a.cls = classify.Classify(req.Messages)

	if gerr := p.checkRateLimit(key, req, a.cls.EstimatedTokens); gerr != nil {
		return nil, gerr
	}
	return a, nil
}

func (p *Pipeline) checkBudget(ctx context.Context, req *gateway.ChatRequest, key *store.ApiKey) *gateway.Error {
	if p.cfg.Budget == nil {
		return nil
	}

	kb := budget.KeyBudget{}
	keyID := ""
	if key != nil {
		keyID = key.ID
		kb.MonthlyTokenBudget = key.MonthlyTokenBudget
		kb.MonthlyCostBudgetUSD = key.MonthlyCostBudgetUSD
		if p.cfg.Usage != nil {
			usage, err := p.cfg.Usage.GetKeyUsage(ctx, key.ID, budget.YearMonth(time.Now()))
			if err != nil {
				p.log.Error("load key usage failed", "key_id", key.ID, "error", err)
				return gateway.NewError(gateway.ErrTypeServerError, "usage accounting unavailable")
			}
			kb.TokensUsed = usage.TokensUsed
			kb.CostUsedUSD = usage.CostUsedUSD
		}
	}

	d := p.cfg.Budget.CheckBudget(kb)
	if !d.Allowed {
		if p.cfg.Metrics != nil {
			p.cfg.Metrics.BudgetRejections.Inc()
		}
		p.publish(events.TypeBudgetExceeded, map[string]any{
			"key_id": keyID, "reason": d.Reason, "budget_key": req.BudgetKey,
		})
		return gateway.NewError(gateway.ErrTypeBudgetExceeded, d.Reason)
	}
	if d.AlertThreshold > 0 {
		p.publish(events.TypeBudgetAlert, map[string]any{
			"key_id":    keyID,
			"threshold": d.AlertThreshold,
			"token_pct": d.TokenUsagePercent,
			"cost_pct":  d.CostUsagePercent,
		})
	}
	return nil
}

func (p *Pipeline) checkRateLimit(key *store.ApiKey, req *gateway.ChatRequest, estimatedInput int) *gateway.Error {
	if p.cfg.Limiter == nil || key == nil {
		return nil
	}
	limits := ratelimit.Limits{RPM: key.RateLimitRPM, TPM: key.RateLimitTPM}
	weight := int64(estimatedInput + providers.OutputTokenEstimate(req))

	d := p.cfg.Limiter.Check(key.ID, limits, weight)
	if d.Allowed {
		return nil
	}
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.RateLimited.Inc()
	}
	gerr := gateway.NewError(gateway.ErrTypeRateLimit, d.Reason)
	gerr.RetryAfterMs = int(d.RetryAfterMs)
	return gerr
}

// Chat handles a buffered completion.
func (p *Pipeline) Chat(ctx context.Context, req *gateway.ChatRequest, key *store.ApiKey) (*gateway.ChatResponse, *gateway.Error) {
	requestID := providers.GetRequestID(ctx)
	if requestID == "" {
		requestID = uuid.NewString()
		ctx = providers.WithRequestID(ctx, requestID)
	}
	p.track(requestID)
	defer p.complete(requestID)

	a, gerr := p.admit(ctx, req, key, requestID)
	if gerr != nil {
		p.logFailure(req, key, requestID, gerr, 0)
		return nil, gerr
	}

	if req.CacheEnabled() && p.cfg.Cache != nil {
		if hit, ok := p.cfg.Cache.Lookup(ctx, req); ok {
			return p.finishCacheHit(req, a, hit), nil
		}
		p.countCache("miss")
	}

	a.selection = p.cfg.Router.Select(req, a.cls, planFor(key))
	if len(a.selection.Candidates) == 0 {
		gerr := gateway.NewError(gateway.ErrTypeAllProvidersFailed,
			"no healthy provider can serve this request")
		p.logFailure(req, key, requestID, gerr, time.Since(a.started).Milliseconds())
		return nil, gerr
	}

	resp, cand, attemptIdx, gerr := p.dispatchBuffered(ctx, req, a)
	if gerr != nil {
		p.logFailure(req, key, requestID, gerr, time.Since(a.started).Milliseconds())
		return nil, gerr
	}

	return p.finishBuffered(ctx, req, a, resp, cand, attemptIdx), nil
}

// dispatchBuffered walks the fallback chain. Retryable upstream failures
// advance the chain; connection-level failures get one same-candidate
// retry first; everything else surfaces immediately.
func (p *Pipeline) dispatchBuffered(ctx context.Context, req *gateway.ChatRequest, a *admission) (*gateway.ChatResponse, router.Candidate, int, *gateway.Error) {
	var lastErr error

	for i, cand := range a.selection.Candidates {
		if !p.allowCandidate(cand.Provider) {
			lastErr = fmt.Errorf("provider %s circuit open", cand.Provider)
			continue
		}
		adapter, ok := p.cfg.Registry.Adapter(cand.Provider)
		if !ok {
			continue
		}

		resp, err := p.attemptChat(ctx, adapter, req, cand.Model)
		if err == nil {
			p.recordSuccess(cand.Provider)
			if i > 0 {
				p.noteFallback(a.selection.Candidates[0].Provider, cand.Provider)
			}
			return resp, cand, i, nil
		}

		p.recordFailure(cand.Provider)
		lastErr = err
		p.log.Warn("candidate failed",
			"request_id", a.requestID, "provider", cand.Provider,
			"model", cand.Model, "attempt", i+1, "error", err)

		if !providers.IsRetryable(err) {
			return nil, router.Candidate{}, 0, upstreamToGatewayError(err)
		}
	}

	gerr := gateway.NewError(gateway.ErrTypeAllProvidersFailed, "all providers failed")
	if lastErr != nil {
		gerr.Details = lastErr.Error()
	}
	return nil, router.Candidate{}, 0, gerr
}

// attemptChat runs one candidate with the per-attempt timeout, retrying
// once on a connection-level failure.
func (p *Pipeline) attemptChat(ctx context.Context, adapter providers.Adapter, req *gateway.ChatRequest, model string) (*gateway.ChatResponse, error) {
	try := func() (*gateway.ChatResponse, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.ChatTimeout)
		defer cancel()
		return adapter.Chat(attemptCtx, req, model)
	}

	resp, err := try()
	if err != nil && isConnectionError(err) && ctx.Err() == nil {
		resp, err = try()
	}
	return resp, err
}

// isConnectionError reports failures with no HTTP status at all.
func isConnectionError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var ue *providers.UpstreamError
	return !errors.As(err, &ue)
}

func upstreamToGatewayError(err error) *gateway.Error {
	var ue *providers.UpstreamError
	if errors.As(err, &ue) && ue.StatusCode == 400 {
		return gateway.NewError(gateway.ErrTypeInvalidRequest,
			"upstream rejected the request: "+ue.Body)
	}
	if errors.Is(err, context.Canceled) {
		return gateway.NewError(gateway.ErrTypeServerError, "request cancelled")
	}
	return gateway.NewError(gateway.ErrTypeServerError, "upstream request failed")
}

func (p *Pipeline) finishCacheHit(req *gateway.ChatRequest, a *admission, hit cache.Hit) *gateway.ChatResponse {
	latency := time.Since(a.started).Milliseconds()
	outcome := "hit"
	decision := "cache hit"
	if hit.Near {
		outcome = "near_hit"
		decision = fmt.Sprintf("cache near hit (similarity %.3f)", hit.Similarity)
	}
	p.countCache(outcome)

	resp := hit.Response
	resp.Gateway = &gateway.GatewayMeta{
		Provider:        "cache",
		RoutingDecision: decision,
		LatencyMs:       latency,
		CostUSD:         0,
		CacheHit:        true,
		FallbackUsed:    false,
	}

	p.enqueueLog(reqlog.Entry{
		RequestID:      a.requestID,
		KeyID:          keyID(a.key),
		ModelRequested: req.Model,
		ModelUsed:      resp.Model,
		Provider:       "cache",
		PromptTokens:   resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:    resp.Usage.TotalTokens,
		LatencyMs:      latency,
		CacheHit:       true,
		Stream:         false,
		Status:         200,
		Prompt:         req.UserContent(),
	})
	p.countRequest("buffered", req.Model, "cache", "200", latency)
	return resp
}

func (p *Pipeline) finishBuffered(ctx context.Context, req *gateway.ChatRequest, a *admission, resp *gateway.ChatResponse, cand router.Candidate, attemptIdx int) *gateway.ChatResponse {
	latency := time.Since(a.started).Milliseconds()

	resp.Usage.TotalTokens = resp.Usage.PromptTokens + resp.Usage.CompletionTokens
	cost := providers.CostUSD(resp.Usage.PromptTokens, resp.Usage.CompletionTokens,
		cand.Info.CostPer1kInput, cand.Info.CostPer1kOutput)

	resp.Gateway = &gateway.GatewayMeta{
		Provider:        cand.Provider,
		RoutingDecision: a.selection.Decision,
		LatencyMs:       latency,
		CostUSD:         cost,
		CacheHit:        false,
		FallbackUsed:    attemptIdx > 0,
	}

	if req.CacheEnabled() && p.cfg.Cache != nil {
		p.cfg.Cache.Store(ctx, req, resp)
	}

	p.recordUsage(ctx, a.key, resp.Usage.TotalTokens, cost)

	p.enqueueLog(reqlog.Entry{
		RequestID:        a.requestID,
		KeyID:            keyID(a.key),
		ModelRequested:   req.Model,
		ModelUsed:        resp.Model,
		Provider:         cand.Provider,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
		CostUSD:          cost,
		LatencyMs:        latency,
		FallbackUsed:     attemptIdx > 0,
		Stream:           false,
		Status:           200,
		Prompt:           req.UserContent(),
	})
	p.countRequest("buffered", req.Model, cand.Provider, "200", latency)
	p.countUsage(cand.Provider, resp.Model, resp.Usage, cost)
	return resp
}

func (p *Pipeline) recordUsage(ctx context.Context, key *store.ApiKey, tokens int, cost float64) {
	if p.cfg.Budget == nil {
		return
	}
	// Accounting must survive client disconnects.
	recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := p.cfg.Budget.RecordUsage(recCtx, keyID(key), int64(tokens), cost); err != nil {
		p.log.Error("usage accounting failed", "error", err)
	}
}

func (p *Pipeline) logFailure(req *gateway.ChatRequest, key *store.ApiKey, requestID string, gerr *gateway.Error, latency int64) {
	p.enqueueLog(reqlog.Entry{
		RequestID:      requestID,
		KeyID:          keyID(key),
		ModelRequested: req.Model,
		LatencyMs:      latency,
		Stream:         req.Stream,
		Status:         gerr.StatusCode(),
		ErrorType:      gerr.Type,
		Prompt:         req.UserContent(),
	})
	p.countRequest(mode(req), req.Model, "", strconv.Itoa(gerr.StatusCode()), latency)
}

func mode(req *gateway.ChatRequest) string {
	if req.Stream {
		return "stream"
	}
	return "buffered"
}

func planFor(key *store.ApiKey) router.Plan {
	if key == nil {
		return router.Plan{PlatformFallback: true}
	}
	return router.Plan{PlatformFallback: key.PlatformFallback}
}

func keyID(key *store.ApiKey) string {
	if key == nil {
		return ""
	}
	return key.ID
}

// estimateStreamTokens is the chars/4 fallback when a stream carried no
// usage block.
func estimateStreamTokens(chars int) int {
	if chars == 0 {
		return 0
	}
	return int(math.Ceil(float64(chars) / 4.0))
}

func (p *Pipeline) publish(eventType string, data map[string]any) {
	if p.cfg.Bus != nil {
		p.cfg.Bus.Publish(eventType, data)
	}
}

func (p *Pipeline) enqueueLog(e reqlog.Entry) {
	if p.cfg.ReqLog != nil {
		p.cfg.ReqLog.Log(e)
	}
}

func (p *Pipeline) track(id string) {
	if p.cfg.Tracker != nil {
		p.cfg.Tracker.Track(id)
	}
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.ActiveRequests.Inc()
	}
}

func (p *Pipeline) complete(id string) {
	if p.cfg.Tracker != nil {
		p.cfg.Tracker.Complete(id)
	}
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.ActiveRequests.Dec()
	}
}

func (p *Pipeline) allowCandidate(provider string) bool {
	return p.cfg.Breakers == nil || p.cfg.Breakers.Allow(provider)
}

func (p *Pipeline) recordSuccess(provider string) {
	if p.cfg.Breakers != nil {
		p.cfg.Breakers.RecordSuccess(provider)
	}
}

func (p *Pipeline) recordFailure(provider string) {
	if p.cfg.Breakers != nil {
		p.cfg.Breakers.RecordFailure(provider)
	}
}

func (p *Pipeline) noteFallback(from, to string) {
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.FallbacksTotal.WithLabelValues(from, to).Inc()
	}
	p.publish(events.TypeFallbackUsed, map[string]any{"from": from, "to": to})
}

func (p *Pipeline) countCache(outcome string) {
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.CacheLookups.WithLabelValues(outcome).Inc()
	}
}

func (p *Pipeline) countRequest(mode, model, provider, status string, latencyMs int64) {
	if p.cfg.Metrics == nil {
		return
	}
	p.cfg.Metrics.RequestsTotal.WithLabelValues(mode, model, provider, status).Inc()
	if provider != "" {
		p.cfg.Metrics.RequestLatency.WithLabelValues(mode, model, provider).Observe(float64(latencyMs))
	}
}

func (p *Pipeline) countUsage(provider, model string, u gateway.Usage, cost float64) {
	if p.cfg.Metrics == nil {
		return
	}
	p.cfg.Metrics.TokensTotal.WithLabelValues(provider, model, "input").Add(float64(u.PromptTokens))
	p.cfg.Metrics.TokensTotal.WithLabelValues(provider, model, "output").Add(float64(u.CompletionTokens))
	p.cfg.Metrics.CostUSD.WithLabelValues(model, provider).Add(cost)
}
