// Package httpapi assembles the HTTP surface: the OpenAI-compatible /v1
// routes, the health endpoint, the admin plane, and /metrics.
package httpapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/modelmux/modelmux/internal/apikey"
	"github.com/modelmux/modelmux/internal/budget"
	"github.com/modelmux/modelmux/internal/cache"
	"github.com/modelmux/modelmux/internal/events"
	"github.com/modelmux/modelmux/internal/gateway"
	"github.com/modelmux/modelmux/internal/logging"
	"github.com/modelmux/modelmux/internal/metrics"
	"github.com/modelmux/modelmux/internal/pipeline"
	"github.com/modelmux/modelmux/internal/providers"
	"github.com/modelmux/modelmux/internal/registry"
	"github.com/modelmux/modelmux/internal/stats"
	"github.com/modelmux/modelmux/internal/store"
	"github.com/modelmux/modelmux/internal/tracing"
)

// maxBodyBytes caps inbound JSON bodies.
const maxBodyBytes = 10 << 20

// Config wires the HTTP layer's collaborators.
type Config struct {
	Pipeline *pipeline.Pipeline
	Registry *registry.Registry
	Keys     *apikey.Manager
	Store    *store.Store
	Cache    *cache.Cache
	Tracker  *stats.Tracker
	Budget   *budget.Enforcer
	Bus      *events.Bus
	Metrics  *metrics.Registry

	// AdminKey guards /admin. Empty disables the admin plane entirely.
	AdminKey      string
	EnableMetrics bool
	Logger        *slog.Logger
}

type server struct {
	cfg Config
	log *slog.Logger
}

// NewHandler builds the full route tree.
func NewHandler(cfg Config) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &server{cfg: cfg, log: cfg.Logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))
	r.Use(logging.RequestLogger(s.log))
	r.Use(tracing.Middleware())
	r.Use(propagateRequestID)

	r.Get("/healthz", s.handleHealthz)
	if cfg.EnableMetrics && cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		if cfg.Keys != nil {
			r.Use(cfg.Keys.Middleware)
		}
		r.Post("/chat/completions", s.handleChat)
		r.Post("/embeddings", s.handleEmbeddings)
		r.Get("/models", s.handleModels)
	})

	if cfg.AdminKey != "" {
		r.Route("/admin", func(r chi.Router) {
			r.Use(s.adminAuth)
			s.mountAdmin(r)
		})
	}
	return r
}

// propagateRequestID makes the chi request id visible to the pipeline and
// outbound adapter calls.
func propagateRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := middleware.GetReqID(r.Context()); id != "" {
			r = r.WithContext(providers.WithRequestID(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) *gateway.Error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return gateway.NewError(gateway.ErrTypeInvalidRequest,
			fmt.Sprintf("invalid JSON body: %v", err))
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req gateway.ChatRequest
	if gerr := decodeJSON(w, r, &req); gerr != nil {
		gateway.WriteError(w, gerr)
		return
	}
	key := apikey.FromContext(r.Context())

	if req.Stream {
		s.streamChat(w, r, &req, key)
		return
	}

	resp, gerr := s.cfg.Pipeline.Chat(r.Context(), &req, key)
	if gerr != nil {
		gateway.WriteError(w, gerr)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// streamChat relays pipeline events as server-sent events, ending with the
// OpenAI [DONE] sentinel.
func (s *server) streamChat(w http.ResponseWriter, r *http.Request, req *gateway.ChatRequest, key *store.ApiKey) {
	sess, gerr := s.cfg.Pipeline.ChatStream(r.Context(), req, key)
	if gerr != nil {
		gateway.WriteError(w, gerr)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		gateway.WriteError(w, gateway.NewError(gateway.ErrTypeServerError, "streaming unsupported by connection"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range sess.Events {
		var payload []byte
		if ev.Err != nil {
			payload, _ = json.Marshal(map[string]*gateway.Error{
				"error": gateway.NewError(gateway.ErrTypeServerError, ev.Err.Error()),
			})
		} else {
			payload, _ = json.Marshal(ev.Chunk)
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return
		}
		flusher.Flush()
	}

	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func (s *server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	var req gateway.EmbeddingRequest
	if gerr := decodeJSON(w, r, &req); gerr != nil {
		gateway.WriteError(w, gerr)
		return
	}

	resp, gerr := s.cfg.Pipeline.Embed(r.Context(), &req, apikey.FromContext(r.Context()))
	if gerr != nil {
		gateway.WriteError(w, gerr)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// modelView is the /v1/models row: the OpenAI list shape plus the catalog
// metadata clients use for routing decisions.
type modelView struct {
	ID              string               `json:"id"`
	Object          string               `json:"object"`
	OwnedBy         string               `json:"owned_by"`
	ContextWindow   int                  `json:"context_window,omitempty"`
	CostPer1kInput  float64              `json:"cost_per_1k_input"`
	CostPer1kOutput float64              `json:"cost_per_1k_output"`
	Capabilities    []gateway.Capability `json:"capabilities,omitempty"`
	QualityScore    float64              `json:"quality_score"`
}

func (s *server) handleModels(w http.ResponseWriter, r *http.Request) {
	var data []modelView
	for _, st := range s.cfg.Registry.Snapshot() {
		if !st.Healthy {
			continue
		}
		for _, m := range st.Models {
			data = append(data, modelView{
				ID:              m.ID,
				Object:          "model",
				OwnedBy:         st.ID,
				ContextWindow:   m.ContextWindow,
				CostPer1kInput:  m.CostPer1kInput,
				CostPer1kOutput: m.CostPer1kOutput,
				Capabilities:    m.Capabilities,
				QualityScore:    m.QualityScore,
			})
		}
	}
	if data == nil {
		data = []modelView{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}

func (s *server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	providerHealth := map[string]bool{}
	anyHealthy := false
	for _, st := range s.cfg.Registry.Snapshot() {
		providerHealth[st.ID] = st.Healthy
		if st.Healthy {
			anyHealthy = true
		}
	}

	status := "ok"
	code := http.StatusOK
	if !anyHealthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":    status,
		"providers": providerHealth,
	})
}
