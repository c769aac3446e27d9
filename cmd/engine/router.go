package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Buidl-Land/BountyGo-Backend-sub001/internal/api"
	apiMiddleware "github.com/Buidl-Land/BountyGo-Backend-sub001/internal/api/middleware"
)

// router creates and configures the application router with all routes and middleware.
func (app *application) router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(apiMiddleware.NewTraceMiddleware(app.logger))

	engineHandler := api.NewEngineHandler(app.processor, app.errors, app.logger)

	r.Route("/api", func(r chi.Router) {
		r.Get("/stats", engineHandler.GetStats)
		r.Get("/tasks/{id}", engineHandler.GetTaskStatus)
		r.Get("/errors", engineHandler.GetErrors)
		r.Post("/errors/reset", engineHandler.ResetErrors)
		r.Post("/degradation", engineHandler.SetDegradation)
	})

	r.Get("/health", engineHandler.Health)
	r.Handle("/metrics", promhttp.HandlerFor(app.registry, promhttp.HandlerOpts{Registry: app.registry}))

	return r
}
