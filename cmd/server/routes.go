package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/clipstream/vodedge/internal/config"
	"github.com/clipstream/vodedge/internal/metrics"
	"github.com/clipstream/vodedge/internal/observability"
	"github.com/clipstream/vodedge/internal/proxy"
)

// buildHandler assembles the mux and the middleware chain. Request IDs
// wrap metrics so the metrics recorder sees the final response status.
func buildHandler(cfg *config.Config, handler *proxy.Handler) http.Handler {
	mux := http.NewServeMux()
	handler.Register(mux)

	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.Handler())
	}

	var h http.Handler = mux
	h = metrics.Middleware(h)
	h = observability.RequestIDMiddleware(h)
	return h
}
