package webhook

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"convoops_backend/platform/httpkit"
	"convoops_backend/platform/validator"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// intake bodies above this size are rejected outright.
const maxPayloadBytes = 1 << 20

// Handler handles webhook intake and API key management.
type Handler struct {
	svc *Service
	val *validator.Validator
}

// NewHandler creates a new webhook handler.
func NewHandler(svc *Service, val *validator.Validator) *Handler {
	return &Handler{svc: svc, val: val}
}

// RegisterIntakeRoutes mounts the externally-called intake endpoint. The
// caller attaches the API key middleware and rate limiter.
func (h *Handler) RegisterIntakeRoutes(rg *gin.RouterGroup) {
	rg.POST("/trigger", h.Trigger)
}

// RegisterManagementRoutes mounts the operator-facing key and delivery
// endpoints behind the normal auth middleware.
func (h *Handler) RegisterManagementRoutes(rg *gin.RouterGroup) {
	rg.GET("/keys", h.ListKeys)
	rg.POST("/keys", h.CreateKey)
	rg.DELETE("/keys/:id", h.RevokeKey)
	rg.GET("/deliveries", h.ListDeliveries)
	rg.GET("/deliveries/:id", h.GetDelivery)
}

func (h *Handler) Trigger(c *gin.Context) {
	orgID, keyID, ok := intakeScope(c)
	if !ok {
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPayloadBytes+1))
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, "unreadable body", nil)
		return
	}
	if len(body) > maxPayloadBytes {
		httpkit.Error(c, http.StatusRequestEntityTooLarge, "payload too large", nil)
		return
	}

	var trigger InboundTrigger
	if err := json.Unmarshal(body, &trigger); err != nil {
		httpkit.Error(c, http.StatusBadRequest, "invalid JSON body", err.Error())
		return
	}
	if err := h.val.Struct(trigger); err != nil {
		httpkit.Error(c, http.StatusBadRequest, "validation failed", err.Error())
		return
	}

	resp, err := h.svc.ProcessTrigger(c.Request.Context(), orgID, keyID, trigger, body)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, resp)
}

type createKeyRequest struct {
	Name           string   `json:"name" validate:"required,min=1,max=200"`
	AllowedDomains []string `json:"allowedDomains" validate:"omitempty,dive,min=1,max=255"`
}

type keyResponse struct {
	ID             uuid.UUID `json:"id"`
	Name           string    `json:"name"`
	KeyPrefix      string    `json:"keyPrefix"`
	AllowedDomains []string  `json:"allowedDomains,omitempty"`
	IsActive       bool      `json:"isActive"`
	CreatedAt      time.Time `json:"createdAt"`
}

func (h *Handler) CreateKey(c *gin.Context) {
	var req createKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, "invalid request", err.Error())
		return
	}
	if err := h.val.Struct(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, "validation failed", err.Error())
		return
	}

	tenantID, ok := httpkit.MustGetTenantID(c)
	if !ok {
		return
	}

	key, plaintext, err := h.svc.CreateKey(c.Request.Context(), tenantID, req.Name, req.AllowedDomains)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.Created(c, gin.H{
		"key": keyResponse{
			ID: key.ID, Name: key.Name, KeyPrefix: key.KeyPrefix,
			AllowedDomains: key.AllowedDomains, IsActive: key.IsActive, CreatedAt: key.CreatedAt,
		},
		// Shown once; only the hash is stored.
		"plaintextKey": plaintext,
	})
}

func (h *Handler) ListKeys(c *gin.Context) {
	tenantID, ok := httpkit.MustGetTenantID(c)
	if !ok {
		return
	}
	keys, err := h.svc.ListKeys(c.Request.Context(), tenantID)
	if httpkit.HandleError(c, err) {
		return
	}

	out := make([]keyResponse, 0, len(keys))
	for _, key := range keys {
		out = append(out, keyResponse{
			ID: key.ID, Name: key.Name, KeyPrefix: key.KeyPrefix,
			AllowedDomains: key.AllowedDomains, IsActive: key.IsActive, CreatedAt: key.CreatedAt,
		})
	}
	httpkit.OK(c, gin.H{"items": out})
}

func (h *Handler) RevokeKey(c *gin.Context) {
	keyID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, "invalid key id", nil)
		return
	}
	tenantID, ok := httpkit.MustGetTenantID(c)
	if !ok {
		return
	}
	if httpkit.HandleError(c, h.svc.RevokeKey(c.Request.Context(), keyID, tenantID)) {
		return
	}
	httpkit.OK(c, gin.H{"revoked": true})
}

type deliveryResponse struct {
	ID              uuid.UUID       `json:"id"`
	SourceTag       string          `json:"sourceTag"`
	EventType       string          `json:"eventType"`
	ExternalEventID *string         `json:"externalEventId,omitempty"`
	ConversationID  *uuid.UUID      `json:"conversationId,omitempty"`
	JobID           *uuid.UUID      `json:"jobId,omitempty"`
	ContactPhone    *string         `json:"contactPhone,omitempty"`
	Status          string          `json:"status"`
	Error           *string         `json:"error,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	PayloadSize     int             `json:"payloadSize"`
	ReceivedAt      time.Time       `json:"receivedAt"`
}

func toDeliveryResponse(d Delivery) deliveryResponse {
	return deliveryResponse{
		ID: d.ID, SourceTag: d.SourceTag, EventType: d.EventType,
		ExternalEventID: d.ExternalEventID, ConversationID: d.ConversationID,
		JobID: d.JobID, ContactPhone: d.ContactPhone,
		Status: d.Status, Error: d.Error,
		Payload: json.RawMessage(d.Payload), PayloadSize: d.PayloadSize,
		ReceivedAt: d.ReceivedAt,
	}
}

func (h *Handler) ListDeliveries(c *gin.Context) {
	tenantID, ok := httpkit.MustGetTenantID(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	deliveries, err := h.svc.ListDeliveries(c.Request.Context(), tenantID, limit)
	if httpkit.HandleError(c, err) {
		return
	}

	out := make([]deliveryResponse, 0, len(deliveries))
	for _, d := range deliveries {
		out = append(out, toDeliveryResponse(d))
	}
	httpkit.OK(c, gin.H{"items": out})
}

func (h *Handler) GetDelivery(c *gin.Context) {
	tenantID, ok := httpkit.MustGetTenantID(c)
	if !ok {
		return
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, "invalid delivery id", nil)
		return
	}

	delivery, err := h.svc.GetDelivery(c.Request.Context(), id, tenantID)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, toDeliveryResponse(delivery))
}

func intakeScope(c *gin.Context) (uuid.UUID, uuid.UUID, bool) {
	orgValue, orgOK := c.Get(ContextOrgIDKey)
	keyValue, keyOK := c.Get(ContextKeyIDKey)
	if !orgOK || !keyOK {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return uuid.Nil, uuid.Nil, false
	}
	orgID, ok1 := orgValue.(uuid.UUID)
	keyID, ok2 := keyValue.(uuid.UUID)
	if !ok1 || !ok2 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return uuid.Nil, uuid.Nil, false
	}
	return orgID, keyID, true
}
