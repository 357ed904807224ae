// Package jobs provides the job lifecycle domain module.
package jobs

import (
	"convoops_backend/internal/events"
	apphttp "convoops_backend/internal/http"
	"convoops_backend/internal/jobs/handler"
	"convoops_backend/internal/jobs/repository"
	"convoops_backend/internal/jobs/service"
	"convoops_backend/platform/logger"
	"convoops_backend/platform/validator"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Module represents the jobs domain module
type Module struct {
	handler *handler.Handler
	service *service.Service
}

// NewModule creates a new jobs module with all dependencies wired
func NewModule(pool *pgxpool.Pool, recorder service.Recorder, bus events.Bus, policy service.Policy, val *validator.Validator, log *logger.Logger) *Module {
	repo := repository.New(pool)
	svc := service.New(repo, recorder, bus, policy, log)
	h := handler.New(svc, val)

	return &Module{
		handler: h,
		service: svc,
	}
}

// Name returns the module name for logging
func (m *Module) Name() string {
	return "jobs"
}

// Service returns the service layer for external use
func (m *Module) Service() *service.Service {
	return m.service
}

// SetEnqueuer injects the orchestrator that performs gated job creation.
func (m *Module) SetEnqueuer(e handler.Enqueuer) {
	m.handler.SetEnqueuer(e)
}

// RegisterRoutes registers the module's routes
func (m *Module) RegisterRoutes(ctx *apphttp.RouterContext) {
	m.handler.RegisterRoutes(ctx.Protected.Group("/jobs"))
}

// Compile-time check that Module implements http.Module
var _ apphttp.Module = (*Module)(nil)
