package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/modelmux/modelmux/internal/apikey"
	"github.com/modelmux/modelmux/internal/budget"
	"github.com/modelmux/modelmux/internal/cache"
	"github.com/modelmux/modelmux/internal/catalog"
	"github.com/modelmux/modelmux/internal/circuitbreaker"
	"github.com/modelmux/modelmux/internal/events"
	"github.com/modelmux/modelmux/internal/gateway"
	"github.com/modelmux/modelmux/internal/httpapi"
	"github.com/modelmux/modelmux/internal/logging"
	"github.com/modelmux/modelmux/internal/metrics"
	"github.com/modelmux/modelmux/internal/pipeline"
	"github.com/modelmux/modelmux/internal/providers"
	"github.com/modelmux/modelmux/internal/providers/anthropic"
	"github.com/modelmux/modelmux/internal/providers/ollama"
	"github.com/modelmux/modelmux/internal/providers/openai"
	"github.com/modelmux/modelmux/internal/ratelimit"
	"github.com/modelmux/modelmux/internal/registry"
	"github.com/modelmux/modelmux/internal/reqlog"
	"github.com/modelmux/modelmux/internal/router"
	"github.com/modelmux/modelmux/internal/stats"
	"github.com/modelmux/modelmux/internal/store"
	"github.com/modelmux/modelmux/internal/tracing"
)

// defaultEmbedModel computes cache-similarity embeddings on the local
// Ollama instance.
const defaultEmbedModel = "nomic-embed-text"

// Server is the assembled gateway.
type Server struct {
	cfg Config
	log *slog.Logger

	store    *store.Store
	registry *registry.Registry
	enforcer *budget.Enforcer
	reqLog   *reqlog.Logger
	cron     *cron.Cron
	rdb      *redis.Client
	handler  http.Handler

	tracingShutdown func(context.Context) error
}

// New wires every component. Nothing starts running until Run.
func New(cfg Config) (*Server, error) {
	log := logging.Setup(cfg.LogLevel)
	s := &Server{cfg: cfg, log: log}

	shutdown, err := tracing.Setup(tracing.Config{
		Enabled:     cfg.EnableTracing,
		Endpoint:    cfg.OTLPEndpoint,
		ServiceName: "modelmux",
	})
	if err != nil {
		return nil, fmt.Errorf("tracing setup: %w", err)
	}
	s.tracingShutdown = shutdown

	if err := s.openStore(); err != nil {
		return nil, err
	}

	overrides, err := s.loadPricing()
	if err != nil {
		return nil, err
	}

	bus := events.NewBus(64)
	var prom *metrics.Registry
	if cfg.EnableMetrics {
		prom = metrics.New()
	}

	s.registry = registry.New(
		registry.WithLogger(log),
		registry.WithHealthChangeHook(func(id string, healthy bool) {
			eventType := events.TypeProviderUnhealthy
			v := 0.0
			if healthy {
				eventType = events.TypeProviderHealthy
				v = 1.0
			}
			bus.Publish(eventType, map[string]any{"provider": id})
			if prom != nil {
				prom.ProviderHealthy.WithLabelValues(id).Set(v)
			}
		}),
	)
	s.registerAdapters(overrides)

	s.enforcer = s.buildEnforcer()
	s.reqLog = reqlog.New(
		reqlog.WithSink(s.store),
		reqlog.WithRedaction(cfg.RedactPrompts),
		reqlog.WithLogger(log),
	)

	c := s.buildCache()
	keys := apikey.NewManager(s.store, apikey.WithLogger(log))
	tracker := stats.New()

	pipe := pipeline.New(pipeline.Config{
		Registry: s.registry,
		Router:   router.New(s.registry, cfg.DefaultStrategy, router.WithLogger(log)),
		Budget:   s.enforcer,
		Limiter:  ratelimit.New(),
		Cache:    c,
		Usage:    s.store,
		ReqLog:   s.reqLog,
		Tracker:  tracker,
		Breakers: circuitbreaker.NewGroup(),
		Metrics:  prom,
		Bus:      bus,
		Logger:   log,
	})

	s.handler = httpapi.NewHandler(httpapi.Config{
		Pipeline:      pipe,
		Registry:      s.registry,
		Keys:          keys,
		Store:         s.store,
		Cache:         c,
		Tracker:       tracker,
		Budget:        s.enforcer,
		Bus:           bus,
		Metrics:       prom,
		AdminKey:      cfg.AdminAPIKey,
		EnableMetrics: cfg.EnableMetrics,
		Logger:        log,
	})

	s.cron = cron.New(cron.WithLocation(time.UTC))
	if _, err := s.cron.AddFunc("0 0 1 * *", s.enforcer.ResetMonth); err != nil {
		return nil, fmt.Errorf("schedule budget reset: %w", err)
	}
	if _, err := s.cron.AddFunc("30 3 * * *", s.pruneRequestLogs); err != nil {
		return nil, fmt.Errorf("schedule log prune: %w", err)
	}

	return s, nil
}

// openStore connects SQLite. Production refuses to start without durable
// storage; development falls back to in-memory.
func (s *Server) openStore() error {
	st, err := store.Open(s.cfg.DatabaseURL, s.log)
	if err == nil {
		err = st.Migrate(context.Background())
	}
	if err != nil {
		if s.cfg.Production() {
			return fmt.Errorf("open database %s: %w", s.cfg.DatabaseURL, err)
		}
		s.log.Warn("database unavailable, using in-memory store", "url", s.cfg.DatabaseURL, "error", err)
		st, err = store.Open(":memory:", s.log)
		if err == nil {
			err = st.Migrate(context.Background())
		}
		if err != nil {
			return fmt.Errorf("open in-memory database: %w", err)
		}
	}
	s.store = st
	return nil
}

func (s *Server) loadPricing() (map[string][]gateway.ModelInfo, error) {
	if s.cfg.ModelPricingFile == "" {
		return nil, nil
	}
	overrides, err := catalog.Load(s.cfg.ModelPricingFile)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", s.cfg.ModelPricingFile, err)
	}
	s.log.Info("model pricing overrides loaded", "file", s.cfg.ModelPricingFile, "providers", len(overrides))
	return overrides, nil
}

// registerAdapters builds one adapter per configured vendor. Groq and
// Together speak the OpenAI wire protocol.
func (s *Server) registerAdapters(overrides map[string][]gateway.ModelInfo) {
	transport := tracing.HTTPTransport(nil)

	if key := s.cfg.OpenAIAPIKey; key != "" {
		s.registry.Register(openai.New("openai", "OpenAI", key, "https://api.openai.com",
			openai.WithCatalog(catalog.ForProvider(overrides, "openai")),
			openai.WithDiscovery(),
			openai.WithTransport(transport),
		))
	}
	if key := s.cfg.AnthropicAPIKey; key != "" {
		s.registry.Register(anthropic.New(key,
			anthropic.WithCatalog(catalog.ForProvider(overrides, "anthropic")),
			anthropic.WithTransport(transport),
		))
	}
	if key := s.cfg.GroqAPIKey; key != "" {
		s.registry.Register(openai.New("groq", "Groq", key, "https://api.groq.com/openai",
			openai.WithCatalog(catalog.ForProvider(overrides, "groq")),
			openai.WithTransport(transport),
		))
	}
	if key := s.cfg.TogetherAPIKey; key != "" {
		s.registry.Register(openai.New("together", "Together AI", key, "https://api.together.xyz",
			openai.WithCatalog(catalog.ForProvider(overrides, "together")),
			openai.WithTransport(transport),
		))
	}
	if s.cfg.OllamaURL != "" {
		s.registry.Register(ollama.New(s.cfg.OllamaURL,
			ollama.WithCatalog(catalog.ForProvider(overrides, "ollama")),
			ollama.WithTransport(transport),
		))
	}
}

// buildEnforcer seeds the global counters from the persisted per-key usage
// so a restart does not forget spend.
func (s *Server) buildEnforcer() *budget.Enforcer {
	limits := budget.GlobalLimits{
		MonthlyTokens: s.cfg.GlobalMonthlyTokens,
		MonthlyUSD:    s.cfg.GlobalMonthlyUSD,
	}
	opts := []budget.Option{budget.WithLogger(s.log)}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tokens, usd, err := s.store.GetTotalUsage(ctx, budget.YearMonth(time.Now()))
	if err != nil {
		s.log.Warn("seed global budget failed", "error", err)
	} else {
		opts = append(opts, budget.WithSeededGlobalUsage(tokens, usd))
	}
	return budget.New(limits, s.store, opts...)
}

func (s *Server) buildCache() *cache.Cache {
	opts := []cache.Option{
		cache.WithTTL(s.cfg.CacheTTL),
		cache.WithMaxEntries(s.cfg.CacheMaxEntries),
		cache.WithSimilarityThreshold(s.cfg.CacheSimilarity),
		cache.WithLogger(s.log),
	}

	if s.cfg.RedisURL != "" {
		ropts, err := redis.ParseURL(s.cfg.RedisURL)
		if err != nil {
			s.log.Warn("invalid REDIS_URL, shared cache tier disabled", "error", err)
		} else {
			s.rdb = redis.NewClient(ropts)
			opts = append(opts, cache.WithRedis(s.rdb))
		}
	}

	if s.cfg.OllamaURL != "" {
		embed := ollama.New(s.cfg.OllamaURL)
		opts = append(opts, cache.WithEmbedder(&ollamaEmbedder{adapter: embed, model: defaultEmbedModel}))
	}
	return cache.New(opts...)
}

// ollamaEmbedder adapts the provider embedding call to the cache's
// single-text interface.
type ollamaEmbedder struct {
	adapter providers.Adapter
	model   string
}

func (e *ollamaEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	vectors, err := e.adapter.Embed(ctx, e.model, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("empty embedding response")
	}
	return vectors[0], nil
}

// pruneRequestLogs drops request log rows older than the retention window.
func (s *Server) pruneRequestLogs() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	cutoff := time.Now().UTC().AddDate(0, 0, -s.cfg.RequestLogRetainDays)
	n, err := s.store.PruneRequestLogs(ctx, cutoff)
	if err != nil {
		s.log.Error("prune request logs failed", "error", err)
		return
	}
	if n > 0 {
		s.log.Info("pruned request logs", "rows", n, "cutoff", cutoff)
	}
}

// Run starts the background loops and serves HTTP until ctx is cancelled,
// then shuts everything down in reverse order.
func (s *Server) Run(ctx context.Context) error {
	bgCtx, cancelBG := context.WithCancel(context.Background())
	defer cancelBG()

	go s.registry.StartHealthCheckLoop(bgCtx)
	go s.reqLog.Start(bgCtx)
	s.cron.Start()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening", "addr", srv.Addr, "env", s.cfg.Env)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	s.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.log.Error("http shutdown", "error", err)
	}

	cronCtx := s.cron.Stop()
	<-cronCtx.Done()

	// Stop background loops, then wait for the final log flush.
	cancelBG()
	s.reqLog.Wait()

	if s.rdb != nil {
		_ = s.rdb.Close()
	}
	if err := s.store.Close(); err != nil {
		s.log.Error("close store", "error", err)
	}
	if err := s.tracingShutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		s.log.Error("tracing shutdown", "error", err)
	}
	return nil
}
