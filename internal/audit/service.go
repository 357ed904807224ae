package audit

import (
	"context"
	"encoding/json"
	"time"

	"convoops_backend/internal/notification/sse"
	"convoops_backend/platform/logger"

	"github.com/google/uuid"
)

// Store is the persistence surface the service needs.
type Store interface {
	Insert(ctx context.Context, entry *Entry) error
	List(ctx context.Context, params ListParams) ([]Entry, int, error)
}

// Notifier pushes change notifications to connected dashboards.
type Notifier interface {
	PublishToOrganization(orgID uuid.UUID, event sse.Event)
}

// RecordParams describes one auditable action.
type RecordParams struct {
	OrganizationID uuid.UUID
	EntityType     string
	EntityID       uuid.UUID
	Action         string
	ActorID        *uuid.UUID
	Before         any
	After          any
	// NewState is the human-readable state carried on the live event stream,
	// e.g. a job status or "ai_enabled=false".
	NewState string
	// EventType overrides the stream event type. Defaults to audit_recorded.
	EventType sse.EventType
}

// Service appends audit entries and pushes live notifications. Both halves
// are deliberately isolated from the operations they observe: a failed write
// or publish is logged and never propagated, so observability cannot block a
// business operation.
type Service struct {
	store    Store
	notifier Notifier
	log      *logger.Logger
}

// NewService creates a new audit service
func NewService(store Store, notifier Notifier, log *logger.Logger) *Service {
	return &Service{store: store, notifier: notifier, log: log}
}

// Record appends an audit entry and then notifies subscribers. The entry is
// written before any publish. Failures are logged, never returned.
func (s *Service) Record(ctx context.Context, p RecordParams) {
	entry := &Entry{
		ID:             uuid.New(),
		OrganizationID: p.OrganizationID,
		EntityType:     p.EntityType,
		EntityID:       p.EntityID,
		Action:         p.Action,
		ActorID:        p.ActorID,
		Before:         marshalSnapshot(p.Before),
		After:          marshalSnapshot(p.After),
		CreatedAt:      time.Now(),
	}

	if err := s.store.Insert(ctx, entry); err != nil {
		s.log.DatabaseError("audit insert", err)
		return
	}

	if s.notifier != nil {
		eventType := p.EventType
		if eventType == "" {
			eventType = sse.EventAuditRecorded
		}
		s.notifier.PublishToOrganization(p.OrganizationID, sse.Event{
			Type:       eventType,
			EntityType: p.EntityType,
			EntityID:   p.EntityID,
			NewState:   p.NewState,
			Timestamp:  entry.CreatedAt,
		})
	}
}

// List returns a page of the organization's audit trail.
func (s *Service) List(ctx context.Context, params ListParams) ([]Entry, int, error) {
	return s.store.List(ctx, params)
}

func marshalSnapshot(v any) []byte {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
