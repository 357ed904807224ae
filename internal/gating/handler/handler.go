package handler

import (
	"net/http"
	"time"

	"convoops_backend/internal/gating/service"
	"convoops_backend/internal/gating/transport"
	"convoops_backend/platform/httpkit"
	"convoops_backend/platform/validator"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	msgInvalidRequest   = "invalid request"
	msgValidationFailed = "validation failed"
)

// Handler handles HTTP requests for conversation gating
type Handler struct {
	svc *service.Service
	val *validator.Validator
}

// New creates a new gating handler
func New(svc *service.Service, val *validator.Validator) *Handler {
	return &Handler{svc: svc, val: val}
}

// RegisterRoutes registers the gating routes
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/policies", h.ListPolicies)
	rg.PUT("/policies", h.SetPolicy)
	rg.GET("/:conversationId", h.GetState)
	rg.GET("/:conversationId/enabled", h.IsEnabled)
	rg.PUT("/:conversationId", h.SetEnabled)
	rg.POST("/:conversationId/mute", h.Mute)
}

func (h *Handler) GetState(c *gin.Context) {
	conversationID, tenantID, _, ok := conversationScope(c)
	if !ok {
		return
	}
	state, err := h.svc.GetState(c.Request.Context(), tenantID, conversationID)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, transport.ToGatingStateResponse(state, time.Now()))
}

func (h *Handler) IsEnabled(c *gin.Context) {
	conversationID, tenantID, _, ok := conversationScope(c)
	if !ok {
		return
	}
	enabled, err := h.svc.IsAiEnabled(c.Request.Context(), tenantID, conversationID, c.Query("sourceTag"))
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, gin.H{"conversationId": conversationID, "enabled": enabled})
}

func (h *Handler) SetEnabled(c *gin.Context) {
	var req transport.SetAiEnabledRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, err.Error())
		return
	}
	if err := h.val.Struct(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgValidationFailed, err.Error())
		return
	}

	conversationID, tenantID, actorID, ok := conversationScope(c)
	if !ok {
		return
	}
	state, err := h.svc.SetAiEnabled(c.Request.Context(), tenantID, conversationID, *req.Enabled, req.SourceTag, actorID)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, transport.ToGatingStateResponse(state, time.Now()))
}

func (h *Handler) Mute(c *gin.Context) {
	var req transport.MuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, err.Error())
		return
	}
	if err := h.val.Struct(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgValidationFailed, err.Error())
		return
	}

	conversationID, tenantID, actorID, ok := conversationScope(c)
	if !ok {
		return
	}
	duration := time.Duration(req.DurationMinutes) * time.Minute
	state, err := h.svc.MuteFor(c.Request.Context(), tenantID, conversationID, duration, req.SourceTag, actorID)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, transport.ToGatingStateResponse(state, time.Now()))
}

func (h *Handler) SetPolicy(c *gin.Context) {
	var req transport.SetSourcePolicyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, err.Error())
		return
	}
	if err := h.val.Struct(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgValidationFailed, err.Error())
		return
	}

	tenantID, actorID, ok := callerScope(c)
	if !ok {
		return
	}
	policy, err := h.svc.SetSourcePolicy(c.Request.Context(), tenantID, req.SourceTag, *req.DefaultAiEnabled, actorID)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, transport.ToSourcePolicyResponse(policy))
}

func (h *Handler) ListPolicies(c *gin.Context) {
	tenantID, ok := httpkit.MustGetTenantID(c)
	if !ok {
		return
	}
	policies, err := h.svc.ListSourcePolicies(c.Request.Context(), tenantID)
	if httpkit.HandleError(c, err) {
		return
	}

	out := make([]transport.SourcePolicyResponse, 0, len(policies))
	for i := range policies {
		out = append(out, transport.ToSourcePolicyResponse(&policies[i]))
	}
	httpkit.OK(c, gin.H{"items": out})
}

func conversationScope(c *gin.Context) (uuid.UUID, uuid.UUID, *uuid.UUID, bool) {
	conversationID, err := uuid.Parse(c.Param("conversationId"))
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, "invalid conversation id", nil)
		return uuid.Nil, uuid.Nil, nil, false
	}
	tenantID, actorID, ok := callerScope(c)
	return conversationID, tenantID, actorID, ok
}

func callerScope(c *gin.Context) (uuid.UUID, *uuid.UUID, bool) {
	tenantID, ok := httpkit.MustGetTenantID(c)
	if !ok {
		return uuid.Nil, nil, false
	}
	var actorID *uuid.UUID
	if identity := httpkit.GetIdentity(c); identity.IsAuthenticated() {
		userID := identity.UserID()
		actorID = &userID
	}
	return tenantID, actorID, true
}
