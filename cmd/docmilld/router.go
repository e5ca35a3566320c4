// Package main provides the API router setup.
package main

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/docmill/docmill/cmd/docmilld/handlers"
	"github.com/docmill/docmill/cmd/docmilld/middleware"
	"github.com/docmill/docmill/internal/api/rpc"
	"github.com/docmill/docmill/internal/config"
	"github.com/docmill/docmill/internal/observability"
	"github.com/docmill/docmill/pkg/docmill"
)

// NewRouter creates the main API router with all routes configured.
// baseCtx bounds the lifetime of batches started over HTTP; cancelling
// it stops accepted batches between files.
func NewRouter(baseCtx context.Context, logger *observability.Logger, cfg *config.Config, svc *docmill.Service) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	// Health checks (unauthenticated)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"healthy","service":"docmill"}`))
	})

	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := svc.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unavailable"}`))
			return
		}
		w.Write([]byte(`{"status":"ready"}`))
	})

	// Initialize handlers
	batchHandler := handlers.NewBatchHandler(logger, svc, baseCtx)
	queueHandler := handlers.NewQueueHandler(logger, svc)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(cfg.Server.APIKey))
		r.Use(chimiddleware.Timeout(cfg.Server.ReadTimeout))

		r.Route("/batches", func(r chi.Router) {
			r.Post("/", batchHandler.Submit)
			r.Get("/{batchId}", batchHandler.Status)
		})

		r.Route("/queue", func(r chi.Router) {
			r.Get("/", queueHandler.Stats)
			r.Get("/items/{itemId}", queueHandler.Item)
		})
	})

	// Connect RPC routes
	r.Route("/rpc", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(cfg.Server.APIKey))
		rpc.Mount(r, rpc.NewQueueService(logger, svc.Queue(), svc.Store(), svc.Dispatcher()))
	})

	return r
}
