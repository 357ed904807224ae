// Package webhook module wiring and route registration.
package webhook

import (
	"convoops_backend/internal/events"
	apphttp "convoops_backend/internal/http"
	"convoops_backend/platform/logger"
	"convoops_backend/platform/validator"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Module is the webhook bounded context module implementing http.Module.
type Module struct {
	handler *Handler
	service *Service
	repo    *Repository
}

// NewModule creates and initializes the webhook module with all its dependencies.
func NewModule(pool *pgxpool.Pool, orchestrator Orchestrator, eventBus events.Bus, val *validator.Validator, log *logger.Logger) *Module {
	repo := NewRepository(pool)
	service := NewService(repo, orchestrator, eventBus, log)
	handler := NewHandler(service, val)

	return &Module{
		handler: handler,
		service: service,
		repo:    repo,
	}
}

// Name returns the module identifier.
func (m *Module) Name() string {
	return "webhook"
}

// Service returns the service layer for external use.
func (m *Module) Service() *Service {
	return m.service
}

// RegisterRoutes mounts webhook routes on the provided router context.
func (m *Module) RegisterRoutes(ctx *apphttp.RouterContext) {
	// External intake endpoint (API key auth, no JWT), rate limited.
	intake := ctx.V1.Group("/webhook")
	intake.Use(ctx.WebhookRateLimiter.RateLimit())
	intake.Use(APIKeyAuthMiddleware(m.repo))
	m.handler.RegisterIntakeRoutes(intake)

	// Operator key and delivery management (JWT auth).
	m.handler.RegisterManagementRoutes(ctx.Protected.Group("/webhook"))
}

// Compile-time check that Module implements http.Module
var _ apphttp.Module = (*Module)(nil)
