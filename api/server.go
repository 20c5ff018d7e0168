/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route
  definitions for the local client API. This is the wiring layer that
  connects URLs to handlers.

ROUTER: chi
  Chi was chosen for:
  - Lightweight and fast
  - Context-based
  - Middleware support
  - RESTful route patterns

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the local UI

ROUTE GROUPS:
  /api/accounts/*       Account CRUD (optimistic, queued)
  /api/transactions/*   Transaction CRUD (optimistic, queued)
  /api/units/*          Unit CRUD (optimistic, queued)
  /api/tags, /api/prices  Pull-only reference data
  /api/sync/*           Queue status, refresh, failed-record actions

SECURITY NOTE:
  This server binds for a local UI process; there is no authentication
  middleware. Do not expose it beyond localhost.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/ledgerd/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Account routes
		r.Route("/accounts", func(r chi.Router) {
			r.Get("/", h.ListAccounts)
			r.Post("/", h.CreateAccount)
			r.Get("/{id}", h.GetAccount)
			r.Put("/{id}", h.UpdateAccount)
			r.Delete("/{id}", h.DeleteAccount)
		})

		// Transaction routes
		r.Route("/transactions", func(r chi.Router) {
			r.Get("/", h.ListTransactions)
			r.Post("/", h.CreateTransaction)
			r.Get("/{id}", h.GetTransaction)
			r.Put("/{id}", h.UpdateTransaction)
			r.Delete("/{id}", h.DeleteTransaction)
		})

		// Unit routes
		r.Route("/units", func(r chi.Router) {
			r.Get("/", h.ListUnits)
			r.Post("/", h.CreateUnit)
			r.Get("/{id}", h.GetUnit)
			r.Put("/{id}", h.UpdateUnit)
			r.Delete("/{id}", h.DeleteUnit)
		})

		// Pull-only reference data
		r.Get("/tags", h.ListTags)
		r.Get("/prices", h.ListPrices)

		// Sync routes
		r.Route("/sync", func(r chi.Router) {
			r.Get("/status", h.GetSyncStatus)
			r.Post("/refresh", h.TriggerRefresh)
			r.Get("/failed", h.ListFailedMutations)
			r.Post("/failed/{id}/retry", h.RetryFailedMutation)
			r.Delete("/failed/{id}", h.DiscardFailedMutation)
		})
	})

	return r
}
