// Package server assembles the gateway's HTTP surface.
package server

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gaspardpetit/mcpgate/internal/config"
	"github.com/gaspardpetit/mcpgate/internal/metrics"
	"github.com/gaspardpetit/mcpgate/internal/ratelimit"
	"github.com/gaspardpetit/mcpgate/internal/registry"
	"github.com/gaspardpetit/mcpgate/internal/transport"
)

// New constructs the HTTP handler for the gateway. A fresh Prometheus
// registry becomes the default gatherer; /metrics is served here only when
// the metrics address matches the main port.
func New(cfg config.GatewayConfig, reg *registry.Registry, mcp *transport.Handler) http.Handler {
	r := chi.NewRouter()
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"*"},
			ExposedHeaders: []string{
				ratelimit.HeaderLimit,
				ratelimit.HeaderRemaining,
				ratelimit.HeaderReset,
				"Retry-After",
			},
			OptionsPassthrough: true,
		}))
	}
	for _, m := range middlewareChain() {
		r.Use(m)
	}

	preg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = preg
	prometheus.DefaultGatherer = preg
	preg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics.Register(preg)

	r.Get("/healthz", healthHandler)
	r.Get("/state", stateHandler(reg))
	mcp.Mount(r)

	if cfg.MetricsAddr == fmt.Sprintf(":%d", cfg.Port) {
		r.Handle("/metrics", promhttp.HandlerFor(preg, promhttp.HandlerOpts{}))
	}
	return r
}
