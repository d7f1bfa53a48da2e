package httpserver

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/iago/wa-marketing-back/internal/http/handlers"
	"github.com/iago/wa-marketing-back/internal/http/middleware"
)

type RouterDependencies struct {
	API            *handlers.API
	Logger         zerolog.Logger
	AuthToken      string
	RateLimitRPS   float64
	RateLimitBurst int
	Registry       *prometheus.Registry
}

func NewRouter(deps RouterDependencies) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", deps.API.Health)
	mux.HandleFunc("/v1/inbound", deps.API.Inbound)
	mux.HandleFunc("/v1/reports", deps.API.Reports)
	mux.HandleFunc("/v1/broadcast", deps.API.Broadcast)
	mux.HandleFunc("/v1/stats", deps.API.Stats)
	if deps.Registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{}))
	}

	handler := http.Handler(mux)
	handler = middleware.Auth(deps.AuthToken)(handler)
	handler = middleware.RateLimit(deps.RateLimitRPS, deps.RateLimitBurst)(handler)
	handler = middleware.Trace(deps.Logger)(handler)
	handler = middleware.RequestID(handler)

	return handler
}
