package httpapi

import (
	"crypto/subtle"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/modelmux/modelmux/internal/apikey"
	"github.com/modelmux/modelmux/internal/gateway"
)

// adminAuth gates the admin plane behind the configured bearer token.
func (s *server) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := apikey.BearerToken(r)
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AdminKey)) != 1 {
			gateway.WriteError(w, gateway.NewError(gateway.ErrTypeAuthentication, "invalid admin key"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *server) mountAdmin(r chi.Router) {
	r.Get("/providers", s.handleProviders)
	r.Get("/stats", s.handleStats)
	r.Get("/events", s.handleEvents)

	r.Post("/keys", s.handleCreateKey)
	r.Get("/keys", s.handleListKeys)
	r.Post("/keys/{id}/enable", s.setKeyEnabled(true))
	r.Post("/keys/{id}/disable", s.setKeyEnabled(false))
	r.Delete("/keys/{id}", s.handleDeleteKey)

	r.Post("/cache/purge", s.handleCachePurge)
}

func (s *server) handleProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Registry.Snapshot())
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{}
	if s.cfg.Tracker != nil {
		out["requests"] = s.cfg.Tracker.Stats()
	}
	if s.cfg.Cache != nil {
		out["cache"] = s.cfg.Cache.Stats()
	}
	if s.cfg.Budget != nil {
		tokens, usd := s.cfg.Budget.GetGlobalUsage()
		out["globalUsage"] = map[string]any{"tokens": tokens, "costUsd": usd}
	}
	writeJSON(w, http.StatusOK, out)
}

// handleEvents streams the operational event bus as server-sent events until
// the client disconnects.
func (s *server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		gateway.WriteError(w, gateway.NewError(gateway.ErrTypeNotFound, "event bus disabled"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		gateway.WriteError(w, gateway.NewError(gateway.ErrTypeServerError, "streaming unsupported by connection"))
		return
	}

	ch, cancel := s.cfg.Bus.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			payload, _ := json.Marshal(ev)
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
			flusher.Flush()
		}
	}
}

type createKeyRequest struct {
	Name                 string   `json:"name"`
	MonthlyTokenBudget   *int64   `json:"monthlyTokenBudget,omitempty"`
	MonthlyCostBudgetUSD *float64 `json:"monthlyCostBudgetUsd,omitempty"`
	RateLimitRPM         int      `json:"rateLimitRpm,omitempty"`
	RateLimitTPM         int64    `json:"rateLimitTpm,omitempty"`
	PlatformFallback     bool     `json:"platformFallback"`
}

func (s *server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if gerr := decodeJSON(w, r, &req); gerr != nil {
		gateway.WriteError(w, gerr)
		return
	}
	if req.Name == "" {
		gateway.WriteError(w, gateway.NewError(gateway.ErrTypeInvalidRequest, "name is required"))
		return
	}

	plaintext, record, err := s.cfg.Keys.Create(r.Context(), apikey.CreateParams{
		Name:                 req.Name,
		MonthlyTokenBudget:   req.MonthlyTokenBudget,
		MonthlyCostBudgetUSD: req.MonthlyCostBudgetUSD,
		RateLimitRPM:         req.RateLimitRPM,
		RateLimitTPM:         req.RateLimitTPM,
		PlatformFallback:     req.PlatformFallback,
	})
	if err != nil {
		s.log.Error("create api key failed", "error", err)
		gateway.WriteError(w, gateway.NewError(gateway.ErrTypeServerError, "could not create key"))
		return
	}

	// The plaintext key is shown exactly once.
	writeJSON(w, http.StatusCreated, map[string]any{
		"key":    plaintext,
		"apiKey": record,
	})
}

func (s *server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.cfg.Store.ListApiKeys(r.Context())
	if err != nil {
		s.log.Error("list api keys failed", "error", err)
		gateway.WriteError(w, gateway.NewError(gateway.ErrTypeServerError, "could not list keys"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"apiKeys": keys})
}

func (s *server) setKeyEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		err := s.cfg.Store.SetApiKeyEnabled(r.Context(), id, enabled)
		if errors.Is(err, sql.ErrNoRows) {
			gateway.WriteError(w, gateway.NewError(gateway.ErrTypeNotFound, "unknown key id"))
			return
		}
		if err != nil {
			s.log.Error("update api key failed", "key_id", id, "error", err)
			gateway.WriteError(w, gateway.NewError(gateway.ErrTypeServerError, "could not update key"))
			return
		}
		s.cfg.Keys.Invalidate(id)
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "enabled": enabled})
	}
}

func (s *server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.cfg.Store.DeleteApiKey(r.Context(), id); err != nil {
		s.log.Error("delete api key failed", "key_id", id, "error", err)
		gateway.WriteError(w, gateway.NewError(gateway.ErrTypeServerError, "could not delete key"))
		return
	}
	s.cfg.Keys.Invalidate(id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleCachePurge(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Cache != nil {
		s.cfg.Cache.Purge()
	}
	writeJSON(w, http.StatusOK, map[string]any{"purged": true})
}
