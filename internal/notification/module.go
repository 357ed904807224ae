// Package notification exposes the live event stream to dashboards.
package notification

import (
	apphttp "convoops_backend/internal/http"
	"convoops_backend/internal/notification/sse"
	"convoops_backend/platform/httpkit"
	"convoops_backend/platform/logger"
)

// Module represents the notification module
type Module struct {
	sse *sse.Service
}

// NewModule creates a new notification module
func NewModule(log *logger.Logger) *Module {
	return &Module{sse: sse.New(log)}
}

// Name returns the module name for logging
func (m *Module) Name() string {
	return "notification"
}

// SSE returns the event stream service for other modules to publish to.
func (m *Module) SSE() *sse.Service {
	return m.sse
}

// Close shuts down all event streams.
func (m *Module) Close() {
	m.sse.Close()
}

// RegisterRoutes registers the module's routes. The stream sits behind auth;
// browsers pass the token as a query parameter since EventSource cannot set
// headers.
func (m *Module) RegisterRoutes(ctx *apphttp.RouterContext) {
	ctx.Protected.GET("/events", m.sse.Handler(httpkit.GetTenantID))
}

// Compile-time check that Module implements http.Module
var _ apphttp.Module = (*Module)(nil)
