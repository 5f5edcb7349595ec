/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, printed by Logger
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the secretary frontend

ROUTE GROUPS:
  /api/contracts/*       Contracts, installments, migrations, diagnosis
  /api/receivables/*     Ledger entries and ad-hoc charges
  /api/payments/*        Payment application and deletion
  /api/reconciliation/*  Batch reconciliation and run history
  /api/overdue/*         Overdue assessment
  /api/audit             Audit log
  /api/scenarios/*       Demo scenarios (dev only)

SECURITY NOTE:
  No authentication middleware. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured. origins lists
// the allowed CORS origins.
func NewRouter(h *Handler, origins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Actor"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Route("/contracts", func(r chi.Router) {
			r.Get("/", h.ListContracts)
			r.Post("/", h.CreateContract)
			r.Get("/{id}", h.GetContract)
			r.Patch("/{id}", h.AmendContract)
			r.Delete("/{id}", h.DeleteContract)
			r.Post("/{id}/cancel", h.CancelContract)
			r.Post("/{id}/close", h.CloseContract)
			r.Post("/{id}/installments", h.GenerateInstallments)
			r.Post("/{id}/installments/{seq}/entry", h.EnsureLedgerEntry)
			r.Post("/{id}/realign", h.Realign)
			r.Post("/{id}/reconcile", h.ReconcileContract)
			r.Get("/{id}/diagnosis", h.Diagnose)
		})

		r.Route("/receivables", func(r chi.Router) {
			r.Get("/", h.ListReceivables)
			r.Post("/", h.CreateCharge)
			r.Get("/{id}", h.GetReceivable)
			r.Get("/{id}/payments", h.ListReceivablePayments)
		})

		r.Route("/payments", func(r chi.Router) {
			r.Post("/", h.ApplyPayment)
			r.Get("/{id}", h.GetPayment)
			r.Delete("/{id}", h.DeletePayment)
		})

		r.Route("/reconciliation", func(r chi.Router) {
			r.Post("/run", h.RunReconciliation)
			r.Get("/runs", h.ListReconciliationRuns)
		})

		r.Post("/overdue/assess", h.AssessOverdue)
		r.Get("/audit", h.AuditLog)

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	return r
}
