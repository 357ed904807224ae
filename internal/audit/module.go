package audit

import (
	apphttp "convoops_backend/internal/http"
	"convoops_backend/platform/logger"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Module represents the audit domain module
type Module struct {
	handler *Handler
	service *Service
}

// NewModule creates a new audit module with all dependencies wired
func NewModule(pool *pgxpool.Pool, notifier Notifier, log *logger.Logger) *Module {
	repo := New(pool)
	svc := NewService(repo, notifier, log)
	return &Module{
		handler: NewHandler(svc),
		service: svc,
	}
}

// Name returns the module name for logging
func (m *Module) Name() string {
	return "audit"
}

// Service returns the service layer for external use
func (m *Module) Service() *Service {
	return m.service
}

// RegisterRoutes registers the module's routes
func (m *Module) RegisterRoutes(ctx *apphttp.RouterContext) {
	m.handler.RegisterRoutes(ctx.Protected.Group("/audit"))
}

// Compile-time check that Module implements http.Module
var _ apphttp.Module = (*Module)(nil)
