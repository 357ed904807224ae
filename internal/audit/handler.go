package audit

import (
	"encoding/json"
	"net/http"

	"convoops_backend/platform/httpkit"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Handler handles HTTP requests for the audit trail
type Handler struct {
	svc *Service
}

// NewHandler creates a new audit handler
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes registers the audit routes
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("", h.List)
}

type listRequest struct {
	EntityType *string `form:"entityType"`
	EntityID   *string `form:"entityId"`
	Page       int     `form:"page"`
	PageSize   int     `form:"pageSize"`
}

type listResponse struct {
	Items []entryResponse `json:"items"`
	Total int             `json:"total"`
}

type entryResponse struct {
	ID         uuid.UUID  `json:"id"`
	EntityType string     `json:"entityType"`
	EntityID   uuid.UUID  `json:"entityId"`
	Action     string     `json:"action"`
	ActorID    *uuid.UUID `json:"actorId,omitempty"`
	Before     any        `json:"before,omitempty"`
	After      any        `json:"after,omitempty"`
	CreatedAt  string     `json:"createdAt"`
}

func (h *Handler) List(c *gin.Context) {
	var req listRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, "invalid request", err.Error())
		return
	}

	tenantID, ok := httpkit.MustGetTenantID(c)
	if !ok {
		return
	}

	params := ListParams{
		OrganizationID: tenantID,
		EntityType:     req.EntityType,
		Page:           req.Page,
		PageSize:       req.PageSize,
	}
	if req.EntityID != nil && *req.EntityID != "" {
		entityID, err := uuid.Parse(*req.EntityID)
		if err != nil {
			httpkit.Error(c, http.StatusBadRequest, "invalid entityId", nil)
			return
		}
		params.EntityID = &entityID
	}

	entries, total, err := h.svc.List(c.Request.Context(), params)
	if httpkit.HandleError(c, err) {
		return
	}

	resp := listResponse{Items: make([]entryResponse, 0, len(entries)), Total: total}
	for _, e := range entries {
		resp.Items = append(resp.Items, entryResponse{
			ID:         e.ID,
			EntityType: e.EntityType,
			EntityID:   e.EntityID,
			Action:     e.Action,
			ActorID:    e.ActorID,
			Before:     rawJSON(e.Before),
			After:      rawJSON(e.After),
			CreatedAt:  e.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	httpkit.OK(c, resp)
}

func rawJSON(data []byte) any {
	if len(data) == 0 {
		return nil
	}
	return json.RawMessage(data)
}
