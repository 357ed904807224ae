// Package gating provides the conversation AI-gating domain module.
package gating

import (
	"convoops_backend/internal/events"
	"convoops_backend/internal/gating/handler"
	"convoops_backend/internal/gating/repository"
	"convoops_backend/internal/gating/service"
	apphttp "convoops_backend/internal/http"
	"convoops_backend/platform/logger"
	"convoops_backend/platform/validator"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Module represents the gating domain module
type Module struct {
	handler *handler.Handler
	service *service.Service
}

// NewModule creates a new gating module with all dependencies wired
func NewModule(pool *pgxpool.Pool, recorder service.Recorder, bus events.Bus, cfg service.Config, val *validator.Validator, log *logger.Logger) *Module {
	repo := repository.New(pool)
	svc := service.New(repo, recorder, bus, cfg, log)
	h := handler.New(svc, val)

	return &Module{
		handler: h,
		service: svc,
	}
}

// Name returns the module name for logging
func (m *Module) Name() string {
	return "gating"
}

// Service returns the service layer for external use
func (m *Module) Service() *service.Service {
	return m.service
}

// RegisterRoutes registers the module's routes
func (m *Module) RegisterRoutes(ctx *apphttp.RouterContext) {
	m.handler.RegisterRoutes(ctx.Protected.Group("/gating"))
}

// Compile-time check that Module implements http.Module
var _ apphttp.Module = (*Module)(nil)
