/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack and route
  definitions. This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     request logging
  2. Recoverer:  panic recovery (500 instead of crash)
  3. RequestID:  unique ID per request for tracing
  4. CORS:       cross-origin requests for an admin frontend

ROUTE GROUPS:
  /api/charges/*        Charge ledger
  /api/students/*       Students and statements
  /api/scholarships/*   Scholarship grants
  /api/billing/*        Monthly batch generation
  /api/reconciliation/* Bank feed processing
  /api/fiscal/*         Fiscal documents

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.

SEE ALSO:
  - handlers.go: handler implementations
  - cmd/server/main.go: server startup
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
		// Charge ledger
		r.Route("/charges", func(r chi.Router) {
			r.Post("/", h.CreateCharge)
			r.Get("/{id}", h.GetCharge)
			r.Get("/{id}/payments", h.ListPayments)
			r.Post("/{id}/payments", h.ApplyPayment)
			r.Post("/{id}/cancel", h.CancelCharge)
		})

		// Students and statements
		r.Route("/students", func(r chi.Router) {
			r.Get("/", h.ListStudents)
			r.Post("/", h.CreateStudent)
			r.Get("/{id}/statement", h.GetStatement)
		})

		// Scholarships
		r.Route("/scholarships", func(r chi.Router) {
			r.Post("/", h.GrantScholarship)
			r.Delete("/{id}", h.RevokeScholarship)
		})

		// Batch billing
		r.Route("/billing", func(r chi.Router) {
			r.Post("/generate", h.GenerateCharges)
		})

		// Bank reconciliation
		r.Route("/reconciliation", func(r chi.Router) {
			r.Post("/process", h.ProcessFeed)
		})

		// Fiscal documents
		r.Route("/fiscal", func(r chi.Router) {
			r.Post("/", h.IssueDocument)
			r.Get("/{id}", h.GetDocument)
			r.Post("/{id}/stamp", h.StampDocument)
			r.Post("/{id}/cancel", h.CancelDocument)
			r.Get("/{id}/audit", h.GetAuditTrail)
		})
	})

	return r
}
