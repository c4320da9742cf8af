package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/modelmux/modelmux/internal/gateway"
	"github.com/modelmux/modelmux/internal/providers"
	"github.com/modelmux/modelmux/internal/reqlog"
	"github.com/modelmux/modelmux/internal/router"
	"github.com/modelmux/modelmux/internal/store"
)

// StreamSession is an established upstream stream. Events is closed when the
// stream ends; usage accounting and logging run inside the pipeline once it
// does, even on a client disconnect.
type StreamSession struct {
	Events <-chan gateway.StreamEvent

	Provider string
	Model    string
	Decision string
	// FallbackUsed is true when the stream opened on a candidate past the
	// first in the chain.
	FallbackUsed bool
}

// ChatStream admits the request, walks the fallback chain until a stream
// opens, and returns a session relaying the upstream events. The chain only
// advances while no chunk has been delivered; a mid-stream failure arrives
// as a terminal event with Err set, never a retry.
func (p *Pipeline) ChatStream(ctx context.Context, req *gateway.ChatRequest, key *store.ApiKey) (*StreamSession, *gateway.Error) {
	requestID := providers.GetRequestID(ctx)
	if requestID == "" {
		requestID = uuid.NewString()
		ctx = providers.WithRequestID(ctx, requestID)
	}
	p.track(requestID)

	a, gerr := p.admit(ctx, req, key, requestID)
	if gerr != nil {
		p.complete(requestID)
		p.logFailure(req, key, requestID, gerr, 0)
		return nil, gerr
	}

	a.selection = p.cfg.Router.Select(req, a.cls, planFor(key))
	if len(a.selection.Candidates) == 0 {
		p.complete(requestID)
		gerr := gateway.NewError(gateway.ErrTypeAllProvidersFailed,
			"no healthy provider can serve this request")
		p.logFailure(req, key, requestID, gerr, time.Since(a.started).Milliseconds())
		return nil, gerr
	}

	upstream, cand, attemptIdx, gerr := p.dispatchStream(ctx, req, a)
	if gerr != nil {
		p.complete(requestID)
		p.logFailure(req, key, requestID, gerr, time.Since(a.started).Milliseconds())
		return nil, gerr
	}

	out := make(chan gateway.StreamEvent)
	go p.relayStream(ctx, req, a, upstream, out, cand, attemptIdx)

	return &StreamSession{
		Events:       out,
		Provider:     cand.Provider,
		Model:        cand.Model,
		Decision:     a.selection.Decision,
		FallbackUsed: attemptIdx > 0,
	}, nil
}

// dispatchStream tries candidates until one returns a live event channel.
// Streaming attempts are bounded by the request context, not ChatTimeout.
func (p *Pipeline) dispatchStream(ctx context.Context, req *gateway.ChatRequest, a *admission) (<-chan gateway.StreamEvent, router.Candidate, int, *gateway.Error) {
	var lastErr error

	for i, cand := range a.selection.Candidates {
		if !p.allowCandidate(cand.Provider) {
			continue
		}
		adapter, ok := p.cfg.Registry.Adapter(cand.Provider)
		if !ok {
			continue
		}

		ch, err := adapter.ChatStream(ctx, req, cand.Model)
		if err == nil {
			if i > 0 {
				p.noteFallback(a.selection.Candidates[0].Provider, cand.Provider)
			}
			return ch, cand, i, nil
		}

		p.recordFailure(cand.Provider)
		lastErr = err
		p.log.Warn("stream candidate failed",
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

// relayStream forwards upstream events to the client channel while
// accumulating usage, then settles accounting when the stream ends. The
// streamed response never touches the cache.
func (p *Pipeline) relayStream(ctx context.Context, req *gateway.ChatRequest, a *admission, upstream <-chan gateway.StreamEvent, out chan<- gateway.StreamEvent, cand router.Candidate, attemptIdx int) {
	defer close(out)
	defer p.complete(a.requestID)

	var (
		usage      *gateway.Usage
		chars      int
		model      = cand.Model
		streamErr  error
		lastStatus = 200
	)

	for ev := range upstream {
		if ev.Chunk != nil {
			chars += len(ev.Chunk.ContentDelta())
			if ev.Chunk.Usage != nil {
				usage = ev.Chunk.Usage
			}
			if ev.Chunk.Model != "" {
				model = ev.Chunk.Model
			}
		}
		if ev.Err != nil {
			streamErr = ev.Err
			lastStatus = 502
		}

		select {
		case out <- ev:
		case <-ctx.Done():
			// Client gone. Keep draining so the adapter goroutine exits.
		}
	}

	if streamErr == nil {
		p.recordSuccess(cand.Provider)
	} else {
		p.recordFailure(cand.Provider)
	}

	// Providers that omit a usage block get the chars/4 estimate.
	u := gateway.Usage{}
	if usage != nil {
		u = *usage
	} else {
		u.PromptTokens = a.cls.EstimatedTokens
		u.CompletionTokens = estimateStreamTokens(chars)
	}
	u.TotalTokens = u.PromptTokens + u.CompletionTokens
	cost := providers.CostUSD(u.PromptTokens, u.CompletionTokens,
		cand.Info.CostPer1kInput, cand.Info.CostPer1kOutput)
	latency := time.Since(a.started).Milliseconds()

	p.recordUsage(ctx, a.key, u.TotalTokens, cost)

	entry := reqlog.Entry{
		RequestID:        a.requestID,
		KeyID:            keyID(a.key),
		ModelRequested:   req.Model,
		ModelUsed:        model,
		Provider:         cand.Provider,
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
		CostUSD:          cost,
		LatencyMs:        latency,
		FallbackUsed:     attemptIdx > 0,
		Stream:           true,
		Status:           lastStatus,
		Prompt:           req.UserContent(),
	}
	if streamErr != nil {
		entry.ErrorType = gateway.ErrTypeServerError
	}
	p.enqueueLog(entry)

	p.countRequest("stream", req.Model, cand.Provider, statusLabel(lastStatus), latency)
	p.countUsage(cand.Provider, model, u, cost)
}

func statusLabel(status int) string {
	if status == 200 {
		return "200"
	}
	return "502"
}
