package webhook

import (
	"context"
	"encoding/json"
	"time"

	"convoops_backend/internal/events"
	jobdomain "convoops_backend/internal/jobs/domain"
	jobservice "convoops_backend/internal/jobs/service"
	"convoops_backend/platform/apperr"
	"convoops_backend/platform/logger"
	"convoops_backend/platform/phone"

	"github.com/google/uuid"
)

// Trigger event types the intake accepts. The platform's payload shape is
// otherwise opaque; only the fields below are read.
const (
	TriggerMessage = "message"
	TriggerJob     = "job"
)

// InboundTrigger is the decoded intake payload.
type InboundTrigger struct {
	EventType       string          `json:"eventType" validate:"required,oneof=message job"`
	ExternalEventID *string         `json:"externalEventId" validate:"omitempty,max=200"`
	ConversationID  uuid.UUID       `json:"conversationId" validate:"required"`
	SourceTag       string          `json:"sourceTag" validate:"required,min=1,max=100"`
	ContactPhone    string          `json:"contactPhone"`
	JobType         string          `json:"jobType"`
	Priority        int             `json:"priority"`
	AgentType       *string         `json:"agentType"`
	ForceAgent      bool            `json:"forceAgent"`
	Payload         json.RawMessage `json:"payload"`
}

// TriggerResponse is returned to the external platform.
type TriggerResponse struct {
	DeliveryID uuid.UUID  `json:"deliveryId"`
	JobID      *uuid.UUID `json:"jobId,omitempty"`
	Status     string     `json:"status"`
}

// Store is the persistence surface the service needs. The Repository
// implements it; tests substitute fakes.
type Store interface {
	CreateKey(ctx context.Context, orgID uuid.UUID, name, keyHash, keyPrefix string, allowedDomains []string) (APIKey, error)
	ListKeysByOrganization(ctx context.Context, orgID uuid.UUID) ([]APIKey, error)
	RevokeKey(ctx context.Context, keyID, orgID uuid.UUID) error
	InsertDelivery(ctx context.Context, d *Delivery) error
	FinishDelivery(ctx context.Context, id uuid.UUID, status string, jobID *uuid.UUID, errDetail *string) error
	GetDelivery(ctx context.Context, id, orgID uuid.UUID) (Delivery, error)
	ListDeliveries(ctx context.Context, orgID uuid.UUID, limit int) ([]Delivery, error)
}

// Orchestrator is the facade the intake drives.
type Orchestrator interface {
	CreateJobFromTrigger(ctx context.Context, orgID uuid.UUID, p jobservice.EnqueueParams, sourceTag string, forceAgent bool) (*jobdomain.Job, error)
	OnInboundMessage(ctx context.Context, orgID, conversationID uuid.UUID, sourceTag string) error
}

// Archiver stores raw delivery payloads in object storage.
type Archiver interface {
	StoreDeliveryPayload(ctx context.Context, orgID, deliveryID uuid.UUID, payload []byte) error
}

// Service processes inbound triggers and manages API keys.
type Service struct {
	repo         Store
	orchestrator Orchestrator
	archiver     Archiver
	bus          events.Bus
	log          *logger.Logger
}

// NewService creates a new webhook service.
func NewService(repo Store, orchestrator Orchestrator, bus events.Bus, log *logger.Logger) *Service {
	return &Service{repo: repo, orchestrator: orchestrator, bus: bus, log: log}
}

// SetArchiver enables long-term payload archival to object storage.
// Optional; the delivery row always keeps its own copy of the payload.
func (s *Service) SetArchiver(a Archiver) {
	s.archiver = a
}

// ProcessTrigger records the delivery, then routes the trigger to the
// orchestrator. The delivery row is written before processing so failed
// triggers stay visible to operators.
func (s *Service) ProcessTrigger(ctx context.Context, orgID, keyID uuid.UUID, trigger InboundTrigger, rawBody []byte) (TriggerResponse, error) {
	delivery := &Delivery{
		ID:              uuid.New(),
		OrganizationID:  orgID,
		APIKeyID:        keyID,
		SourceTag:       trigger.SourceTag,
		EventType:       trigger.EventType,
		ExternalEventID: trigger.ExternalEventID,
		ConversationID:  &trigger.ConversationID,
		Status:          DeliveryPending,
		Payload:         rawBody,
		PayloadSize:     len(rawBody),
		ReceivedAt:      time.Now(),
	}
	if trigger.ContactPhone != "" {
		normalized := phone.NormalizeE164(trigger.ContactPhone)
		delivery.ContactPhone = &normalized
	}

	if err := s.repo.InsertDelivery(ctx, delivery); err != nil {
		return TriggerResponse{}, err
	}
	s.archivePayload(ctx, orgID, delivery.ID, rawBody)

	var jobID *uuid.UUID
	processErr := s.route(ctx, orgID, trigger, &jobID)

	status := DeliverySuccess
	var errDetail *string
	if processErr != nil {
		status = DeliveryError
		msg := processErr.Error()
		errDetail = &msg
	}
	if err := s.repo.FinishDelivery(ctx, delivery.ID, status, jobID, errDetail); err != nil {
		s.log.DatabaseError("finish webhook delivery", err)
	}

	if s.bus != nil {
		s.bus.Publish(ctx, events.WebhookDeliveryRecorded{
			BaseEvent:      events.NewBaseEvent(),
			DeliveryID:     delivery.ID,
			OrganizationID: orgID,
			SourceTag:      trigger.SourceTag,
			Status:         status,
		})
	}

	if processErr != nil {
		return TriggerResponse{}, processErr
	}
	return TriggerResponse{DeliveryID: delivery.ID, JobID: jobID, Status: status}, nil
}

func (s *Service) route(ctx context.Context, orgID uuid.UUID, trigger InboundTrigger, jobID **uuid.UUID) error {
	switch trigger.EventType {
	case TriggerMessage:
		return s.orchestrator.OnInboundMessage(ctx, orgID, trigger.ConversationID, trigger.SourceTag)
	case TriggerJob:
		job, err := s.orchestrator.CreateJobFromTrigger(ctx, orgID, jobservice.EnqueueParams{
			ConversationID: trigger.ConversationID,
			JobType:        trigger.JobType,
			Priority:       trigger.Priority,
			AgentType:      trigger.AgentType,
			Payload:        trigger.Payload,
		}, trigger.SourceTag, trigger.ForceAgent)
		if err != nil {
			return err
		}
		*jobID = &job.ID
		return nil
	default:
		return apperr.Validation("unknown trigger event type")
	}
}

func (s *Service) archivePayload(ctx context.Context, orgID, deliveryID uuid.UUID, rawBody []byte) {
	if s.archiver == nil || len(rawBody) == 0 {
		return
	}
	if err := s.archiver.StoreDeliveryPayload(ctx, orgID, deliveryID, rawBody); err != nil {
		s.log.Error("webhook: failed to archive payload", "error", err, "deliveryId", deliveryID)
	}
}

// CreateKey issues a new API key for the organization. The plaintext is
// returned exactly once.
func (s *Service) CreateKey(ctx context.Context, orgID uuid.UUID, name string, allowedDomains []string) (APIKey, string, error) {
	if name == "" {
		return APIKey{}, "", apperr.Validation("key name is required")
	}
	plaintext, hash, prefix, err := GenerateAPIKey()
	if err != nil {
		return APIKey{}, "", apperr.Wrap(apperr.KindInternal, "failed to generate api key", err)
	}
	key, err := s.repo.CreateKey(ctx, orgID, name, hash, prefix, allowedDomains)
	if err != nil {
		return APIKey{}, "", err
	}
	return key, plaintext, nil
}

// ListKeys returns the organization's API keys.
func (s *Service) ListKeys(ctx context.Context, orgID uuid.UUID) ([]APIKey, error) {
	return s.repo.ListKeysByOrganization(ctx, orgID)
}

// RevokeKey deactivates an API key.
func (s *Service) RevokeKey(ctx context.Context, keyID, orgID uuid.UUID) error {
	return s.repo.RevokeKey(ctx, keyID, orgID)
}

// GetDelivery returns one delivery with its raw payload.
func (s *Service) GetDelivery(ctx context.Context, id, orgID uuid.UUID) (Delivery, error) {
	return s.repo.GetDelivery(ctx, id, orgID)
}

// ListDeliveries returns recent deliveries for the organization.
func (s *Service) ListDeliveries(ctx context.Context, orgID uuid.UUID, limit int) ([]Delivery, error) {
	return s.repo.ListDeliveries(ctx, orgID, limit)
}
