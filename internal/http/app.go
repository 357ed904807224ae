// Package http wires domain modules into the HTTP server.
package http

import (
	"context"

	"convoops_backend/internal/events"
	"convoops_backend/platform/config"
	"convoops_backend/platform/logger"
)

// RouterConfig is the slice of configuration the router needs.
type RouterConfig interface {
	config.HTTPConfig
	config.JWTConfig
}

// HealthChecker answers readiness probes.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// App carries the initialized dependencies from the composition root
// into the router.
type App struct {
	Config RouterConfig
	Logger *logger.Logger
	// Health backs the /api/health endpoint, typically a DB ping.
	Health HealthChecker
	// EventBus carries domain events between modules.
	EventBus events.Bus
	// Modules are the HTTP-facing domain modules, registered in order.
	Modules []Module
}
