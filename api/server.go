/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for browser callers

ROUTE GROUPS:
  /api/v1/businesses/{businessID}/*   Tenant-scoped ledger operations
  /api/v1/dispatch/*                  Dispatch assignment
  /api/v1/responders/*                Responder availability
  /api/v1/admin/*                     Admin operations
  /healthz                            Liveness / store reachability

SECURITY NOTE:
  No authentication middleware. Callers are trusted services.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", IdempotencyHeader},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Healthz)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/businesses/{businessID}", func(r chi.Router) {
			r.Post("/drafts", h.CreateDraft)
			r.Post("/holds", h.CreateHold)
			r.Route("/transactions/{txID}", func(r chi.Router) {
				r.Get("/", h.GetTransaction)
				r.Get("/events", h.GetEvents)
				r.Post("/confirm", h.ConfirmTransaction)
				r.Post("/release", h.ReleaseHold)
				r.Post("/replay", h.ReplayEvents)
			})
		})

		r.Route("/dispatch", func(r chi.Router) {
			r.Post("/", h.CreateDispatch)
			r.Get("/{requestID}", h.GetDispatch)
			r.Post("/{requestID}/assign", h.Assign)
		})

		r.Route("/responders/{responderID}", func(r chi.Router) {
			r.Get("/", h.GetResponder)
			r.Post("/complete", h.CompleteResponder)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Post("/sweep", h.TriggerSweep)
		})
	})

	return r
}
