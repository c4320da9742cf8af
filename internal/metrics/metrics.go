// Package metrics exposes the Prometheus instrumentation for the gateway.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles the gateway's collectors behind one /metrics handler.
type Registry struct {
	reg *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestLatency   *prometheus.HistogramVec
	TokensTotal      *prometheus.CounterVec
	CostUSD          *prometheus.CounterVec
	CacheLookups     *prometheus.CounterVec
	FallbacksTotal   *prometheus.CounterVec
	RateLimited      prometheus.Counter
	BudgetRejections prometheus.Counter
	ProviderHealthy  *prometheus.GaugeVec
	ActiveRequests   prometheus.Gauge
}

// New builds a Registry with all collectors registered.
func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelmux_requests_total",
			Help: "Total requests routed through the gateway",
		}, []string{"mode", "model", "provider", "status"}),
		RequestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "modelmux_request_latency_ms",
			Help:    "Request latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		}, []string{"mode", "model", "provider"}),
		TokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelmux_tokens_total",
			Help: "Tokens consumed, by direction",
		}, []string{"provider", "model", "direction"}),
		CostUSD: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelmux_cost_usd_total",
			Help: "USD cost accounted against upstream providers",
		}, []string{"model", "provider"}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelmux_cache_lookups_total",
			Help: "Semantic cache lookups by outcome",
		}, []string{"outcome"}),
		FallbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelmux_fallbacks_total",
			Help: "Requests that advanced past the first candidate",
		}, []string{"from", "to"}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "modelmux_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		}),
		BudgetRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "modelmux_budget_rejections_total",
			Help: "Requests rejected by the budget enforcer",
		}),
		ProviderHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "modelmux_provider_healthy",
			Help: "Provider health (1 healthy, 0 unhealthy)",
		}, []string{"provider"}),
		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "modelmux_active_requests",
			Help: "Requests currently in flight",
		}),
	}
	reg.MustRegister(
		m.RequestsTotal, m.RequestLatency, m.TokensTotal, m.CostUSD,
		m.CacheLookups, m.FallbacksTotal, m.RateLimited, m.BudgetRejections,
		m.ProviderHealthy, m.ActiveRequests,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
