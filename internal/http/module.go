package http

import (
	"convoops_backend/platform/config"
	"convoops_backend/platform/httpkit"

	"github.com/gin-gonic/gin"
)

// Module is a bounded context that mounts its own HTTP routes. Keeping
// registration inside each module leaves the router ignorant of concrete
// endpoints.
type Module interface {
	// Name identifies the module in logs.
	Name() string
	// RegisterRoutes mounts the module's routes using the shared context.
	RegisterRoutes(ctx *RouterContext)
}

// RouterContext bundles the shared pieces a module needs when registering
// routes, so RegisterRoutes keeps a single parameter.
type RouterContext struct {
	// Engine is the root Gin engine, for modules needing engine-level access.
	Engine *gin.Engine
	// V1 is the public /api/v1 group.
	V1 *gin.RouterGroup
	// Protected is the JWT-authenticated group under /api/v1.
	Protected *gin.RouterGroup
	// Config exposes JWT settings for modules that build their own middleware.
	Config config.JWTConfig
	// AuthMiddleware is the shared authentication middleware.
	AuthMiddleware gin.HandlerFunc
	// WebhookRateLimiter is the stricter limiter applied to inbound webhooks.
	WebhookRateLimiter *httpkit.WebhookRateLimiter
}
