/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the admin frontend

ROUTE GROUPS:
  /health                 Liveness
  /metrics                Prometheus scrape endpoint
  /api/members/*          Member wallets and history
  /api/groups/*           Group wallets, policy, rules, outcome logs
  /api/wallet/*           Teller top-up and cash-out
  /api/deductions/*       Rule management and batch trigger
  /api/mobile-money/*     Withdrawal saga and provider callback
  /api/scenarios/*        Demo scenarios
  /api/admin/*            Admin operations

SECURITY NOTE:
  No authentication middleware. The provider callback must stay reachable
  by the payment provider without credentials.

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

	r.Get("/health", h.Health)
	if h.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.Metrics.Handler())
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Member routes
		r.Route("/members", func(r chi.Router) {
			r.Post("/", h.CreateMember)
			r.Get("/{id}/wallet", h.GetWallet)
			r.Get("/{id}/transactions", h.GetTransactions)
		})

		// Group routes
		r.Route("/groups/{id}", func(r chi.Router) {
			r.Get("/wallets", h.GetGroupWallets)
			r.Get("/policy", h.GetGroupPolicy)
			r.Put("/policy", h.UpdateGroupPolicy)
			r.Get("/deductions", h.ListGroupRules)
			r.Get("/deduction-logs", h.ListGroupOutcomes)
		})

		// Teller routes
		r.Route("/wallet", func(r chi.Router) {
			r.Post("/topup", h.TopUp)
			r.Post("/cashout", h.CashOut)
		})

		// Deduction routes
		r.Route("/deductions", func(r chi.Router) {
			r.Post("/", h.CreateRule)
			r.Post("/run", h.RunDeductions)
			r.Get("/{id}", h.GetRule)
			r.Put("/{id}", h.UpdateRule)
			r.Delete("/{id}", h.DeactivateRule)
		})

		// Mobile money routes
		r.Route("/mobile-money", func(r chi.Router) {
			r.Post("/withdraw", h.Withdraw)
			r.Post("/callback", h.MobileMoneyCallback)
			r.Get("/status/{ref}", h.WithdrawalStatus)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/sweep-stale", h.SweepStale)
		})
	})

	return r
}
