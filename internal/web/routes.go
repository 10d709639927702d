package web

import (
	"github.com/go-chi/chi/v5"
	"github.com/kozaktomas/rollcall/internal/policy"
	"github.com/kozaktomas/rollcall/internal/web/handlers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) setupRoutes(deps Deps) {
	recognizeHandler := handlers.NewRecognizeHandler(deps.Recognizer, s.config.Request.MaxImageBytes, s.log)
	registryHandler := handlers.NewRegistryHandler(deps.Registry, policy.FromConfig(s.config.Policy), s.log)

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s.router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", registryHandler.Health)
		r.Get("/stats", registryHandler.Stats)
		r.Get("/identities", registryHandler.Identities)

		r.Post("/recognize", recognizeHandler.Recognize)
		r.Post("/reload_cache", registryHandler.ReloadCache)
	})
}
