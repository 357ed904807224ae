package handler

import (
	"context"
	"net/http"

	"convoops_backend/internal/jobs/domain"
	"convoops_backend/internal/jobs/repository"
	"convoops_backend/internal/jobs/service"
	"convoops_backend/internal/jobs/transport"
	"convoops_backend/platform/httpkit"
	"convoops_backend/platform/validator"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	msgInvalidRequest   = "invalid request"
	msgValidationFailed = "validation failed"
)

// Enqueuer creates jobs on behalf of callers, applying the gating check
// before any job is created. The orchestrator implements it.
type Enqueuer interface {
	CreateJob(ctx context.Context, orgID uuid.UUID, p service.EnqueueParams, forceAgent bool) (*domain.Job, error)
}

// Handler handles HTTP requests for jobs
type Handler struct {
	svc      *service.Service
	enqueuer Enqueuer
	val      *validator.Validator
}

// New creates a new jobs handler
func New(svc *service.Service, val *validator.Validator) *Handler {
	return &Handler{svc: svc, val: val}
}

// SetEnqueuer injects the orchestrator used for gated job creation.
func (h *Handler) SetEnqueuer(e Enqueuer) {
	h.enqueuer = e
}

// RegisterRoutes registers the job routes
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("", h.List)
	rg.POST("", h.Enqueue)
	rg.GET("/:id", h.GetByID)
	rg.POST("/:id/dispatch", h.Dispatch)
	rg.POST("/:id/complete", h.Complete)
	rg.POST("/:id/fail", h.Fail)
	rg.POST("/:id/cancel", h.Cancel)
	rg.POST("/:id/retry", h.Retry)
	rg.POST("/:id/reassign", h.Reassign)
}

func (h *Handler) Enqueue(c *gin.Context) {
	var req transport.EnqueueJobRequest
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

	params := service.EnqueueParams{
		ConversationID: req.ConversationID,
		JobType:        req.JobType,
		Priority:       req.Priority,
		AgentType:      req.AgentType,
		Payload:        req.Payload,
		ActorID:        actorID,
	}
	job, err := h.enqueuer.CreateJob(c.Request.Context(), tenantID, params, req.ForceAgent)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.Created(c, transport.ToJobResponse(job))
}

func (h *Handler) GetByID(c *gin.Context) {
	id, tenantID, _, ok := jobScope(c)
	if !ok {
		return
	}
	job, err := h.svc.Get(c.Request.Context(), id, tenantID)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, transport.ToJobResponse(job))
}

func (h *Handler) Dispatch(c *gin.Context) {
	h.transition(c, h.svc.Dispatch)
}

func (h *Handler) Cancel(c *gin.Context) {
	h.transition(c, h.svc.Cancel)
}

func (h *Handler) Retry(c *gin.Context) {
	h.transition(c, h.svc.Retry)
}

func (h *Handler) Complete(c *gin.Context) {
	var req transport.CompleteJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, err.Error())
		return
	}

	id, tenantID, actorID, ok := jobScope(c)
	if !ok {
		return
	}
	job, err := h.svc.Complete(c.Request.Context(), id, tenantID, req.Result, actorID)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, transport.ToJobResponse(job))
}

func (h *Handler) Fail(c *gin.Context) {
	var req transport.FailJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, err.Error())
		return
	}
	if err := h.val.Struct(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgValidationFailed, err.Error())
		return
	}

	id, tenantID, actorID, ok := jobScope(c)
	if !ok {
		return
	}
	job, err := h.svc.Fail(c.Request.Context(), id, tenantID, req.Error, actorID)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, transport.ToJobResponse(job))
}

func (h *Handler) Reassign(c *gin.Context) {
	var req transport.ReassignJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, err.Error())
		return
	}
	if err := h.val.Struct(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgValidationFailed, err.Error())
		return
	}

	id, tenantID, actorID, ok := jobScope(c)
	if !ok {
		return
	}
	job, err := h.svc.Reassign(c.Request.Context(), id, tenantID, req.AgentType, actorID)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, transport.ToJobResponse(job))
}

func (h *Handler) List(c *gin.Context) {
	var req transport.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, err.Error())
		return
	}

	tenantID, ok := httpkit.MustGetTenantID(c)
	if !ok {
		return
	}

	params := repository.ListParams{
		OrganizationID: tenantID,
		JobType:        req.JobType,
		AgentType:      req.AgentType,
		Page:           req.Page,
		PageSize:       req.PageSize,
	}
	if req.ConversationID != nil && *req.ConversationID != "" {
		conversationID, err := uuid.Parse(*req.ConversationID)
		if err != nil {
			httpkit.Error(c, http.StatusBadRequest, "invalid conversationId", nil)
			return
		}
		params.ConversationID = &conversationID
	}
	if req.Status != nil && *req.Status != "" {
		if !domain.IsValidStatus(*req.Status) {
			httpkit.Error(c, http.StatusBadRequest, "invalid status filter", nil)
			return
		}
		status := domain.JobStatus(*req.Status)
		params.Status = &status
	}

	result, err := h.svc.List(c.Request.Context(), params)
	if httpkit.HandleError(c, err) {
		return
	}

	resp := transport.ListJobsResponse{
		Items:      make([]transport.JobResponse, 0, len(result.Items)),
		Total:      result.Total,
		Page:       result.Page,
		PageSize:   result.PageSize,
		TotalPages: result.TotalPages,
	}
	for i := range result.Items {
		resp.Items = append(resp.Items, transport.ToJobResponse(&result.Items[i]))
	}
	httpkit.OK(c, resp)
}

// transition handles the lifecycle operations whose only inputs are the job
// id and the caller.
func (h *Handler) transition(c *gin.Context, op func(ctx context.Context, id, orgID uuid.UUID, actorID *uuid.UUID) (*domain.Job, error)) {
	id, tenantID, actorID, ok := jobScope(c)
	if !ok {
		return
	}
	job, err := op(c.Request.Context(), id, tenantID, actorID)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, transport.ToJobResponse(job))
}

func jobScope(c *gin.Context) (uuid.UUID, uuid.UUID, *uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, "invalid job id", nil)
		return uuid.Nil, uuid.Nil, nil, false
	}
	tenantID, actorID, ok := callerScope(c)
	return id, tenantID, actorID, ok
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
