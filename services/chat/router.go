package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/socialchat/internal/config"
	"github.com/socialchat/internal/handler"
	"github.com/socialchat/internal/middleware"
)

func newRouter(cfg *config.Config, verifier middleware.TokenVerifier, channels handler.Channels) http.Handler {
	origins := cfg.AllowedOrigins()
	corsOrigins := origins
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}
	limiter := middleware.NewRateLimiter()
	wsH := handler.NewWSHandler(channels, origins)
	msgH := handler.NewMessageHandler(channels)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RecoverJSON)
	r.Use(middleware.RequestLog)
	r.Use(limiter.ByIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: len(origins) > 0,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	metrics := promhttp.Handler()
	if !cfg.MetricsPublic {
		metrics = middleware.InternalOnly(cfg.InternalSecret)(metrics)
	}
	r.Method(http.MethodGet, "/metrics", metrics)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Authenticate(verifier))
		r.Use(limiter.ByUser)
		r.Get("/ws/conversations/{conversationId}", wsH.ServeWS)
		r.Post("/api/conversations/{conversationId}/seen", msgH.MarkSeen)
	})
	return r
}
