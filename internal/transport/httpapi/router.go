package httpapi

import (
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/clearledger/ledgerd/internal/transport/httpapi/handler"
	"github.com/clearledger/ledgerd/internal/transport/httpapi/middleware"
	"github.com/clearledger/ledgerd/pkg/logger"
)

// Config holds router configuration
type Config struct {
	Logger             *logger.Logger
	AllowedOrigins     []string
	JWTService         *middleware.JWTService
	TransactionHandler *handler.TransactionHandler
	AccountHandler     *handler.AccountHandler
	TreasuryHandler    *handler.TreasuryHandler
	RuleHandler        *handler.AllocationRuleHandler
	HealthHandler      *handler.HealthHandler
}

// NewRouter creates a new HTTP router
func NewRouter(cfg Config) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(middleware.Recovery(cfg.Logger))
	r.Use(middleware.Logger(cfg.Logger))
	r.Use(middleware.CORS(cfg.AllowedOrigins))
	r.Use(chimiddleware.Compress(5))
	r.Use(middleware.RateLimit())

	// Health check endpoints (no authentication required)
	r.Get("/health", cfg.HealthHandler.GetHealth)
	r.Get("/health/live", handler.GetLiveness)
	r.Get("/health/ready", cfg.HealthHandler.GetReadiness)

	requireAuth := middleware.RequireAuth(cfg.JWTService)
	optionalAuth := middleware.OptionalAuth(cfg.JWTService)

	r.Route("/api/v1", func(r chi.Router) {
		// Reads are open; an attached token only enriches the audit trail.
		r.Group(func(r chi.Router) {
			r.Use(optionalAuth)
			r.Get("/transactions", cfg.TransactionHandler.GetTransactions)
			r.Get("/transactions/{id}", cfg.TransactionHandler.GetTransaction)
		})

		r.Group(func(r chi.Router) {
			r.Use(requireAuth)

			r.Post("/transactions", cfg.TransactionHandler.CreateTransaction)
			r.Patch("/transactions/{id}", cfg.TransactionHandler.UpdateTransaction)

			r.Get("/treasury/status", cfg.AccountHandler.GetTreasuryStatus)
			r.Get("/accounts", cfg.AccountHandler.GetTreasuryStatus)
			r.Get("/accounts/{id}", cfg.AccountHandler.GetAccount)

			// Treasury mutations are restricted to operations staff
			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireRole("admin", "operator"))
				r.Post("/treasury/reconcile", cfg.TreasuryHandler.Reconcile)
				r.Get("/treasury/reconciliations", cfg.TreasuryHandler.ListReconciliations)
				r.Post("/treasury/reconciliations/{id}/resolve", cfg.TreasuryHandler.ResolveReconciliation)
			})

			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireRole("admin"))

				r.Post("/accounts", cfg.AccountHandler.CreateAccount)
				r.Patch("/accounts/{id}", cfg.AccountHandler.UpdateAccount)

				r.Get("/allocation-rules", cfg.RuleHandler.GetRules)
				r.Post("/allocation-rules", cfg.RuleHandler.CreateRule)
				r.Get("/allocation-rules/{id}", cfg.RuleHandler.GetRule)
				r.Put("/allocation-rules/{id}", cfg.RuleHandler.UpdateRule)
				r.Patch("/allocation-rules/{id}", cfg.RuleHandler.UpdateRule)
				r.Delete("/allocation-rules/{id}", cfg.RuleHandler.DeleteRule)
			})
		})
	})

	return r
}
