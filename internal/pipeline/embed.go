package pipeline

import (
	"context"
	"errors"

	"github.com/modelmux/modelmux/internal/gateway"
	"github.com/modelmux/modelmux/internal/providers"
	"github.com/modelmux/modelmux/internal/store"
)

// Embed resolves the embedding model to a provider and computes vectors.
// Providers that do not offer embeddings are skipped in favor of the next
// healthy one.
func (p *Pipeline) Embed(ctx context.Context, req *gateway.EmbeddingRequest, key *store.ApiKey) (*gateway.EmbeddingResponse, *gateway.Error) {
	if req.Model == "" {
		return nil, gateway.NewError(gateway.ErrTypeInvalidRequest, "model is required")
	}
	if len(req.Input) == 0 {
		return nil, gateway.NewError(gateway.ErrTypeInvalidRequest, "input is required")
	}

	ids := p.embedCandidates(req.Model)
	if len(ids) == 0 {
		return nil, gateway.NewError(gateway.ErrTypeAllProvidersFailed,
			"no healthy provider offers embeddings")
	}

	var lastErr error
	for _, id := range ids {
		adapter, ok := p.cfg.Registry.Adapter(id)
		if !ok {
			continue
		}
		vectors, err := adapter.Embed(ctx, req.Model, req.Input)
		if errors.Is(err, providers.ErrNotSupported) {
			continue
		}
		if err != nil {
			lastErr = err
			p.log.Warn("embedding failed", "provider", id, "model", req.Model, "error", err)
			continue
		}

		data := make([]gateway.Embedding, len(vectors))
		for i, v := range vectors {
			data[i] = gateway.Embedding{Object: "embedding", Index: i, Embedding: v}
		}
		tokens := 0
		for _, in := range req.Input {
			tokens += providers.EstimateTokens(in)
		}
		return &gateway.EmbeddingResponse{
			Object: "list",
			Data:   data,
			Model:  req.Model,
			Usage:  gateway.Usage{PromptTokens: tokens, TotalTokens: tokens},
		}, nil
	}

	gerr := gateway.NewError(gateway.ErrTypeAllProvidersFailed, "all embedding providers failed")
	if lastErr != nil {
		gerr.Details = lastErr.Error()
	}
	return nil, gerr
}

// embedCandidates puts the model's native provider first, then the remaining
// healthy providers.
func (p *Pipeline) embedCandidates(model string) []string {
	var ids []string
	seen := map[string]bool{}
	if id, ok := p.cfg.Registry.FindProviderForModel(model); ok && p.cfg.Registry.IsHealthy(id) {
		ids = append(ids, id)
		seen[id] = true
	}
	for _, st := range p.cfg.Registry.Snapshot() {
		if st.Healthy && !seen[st.ID] {
			ids = append(ids, st.ID)
		}
	}
	return ids
}
