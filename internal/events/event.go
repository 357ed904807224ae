// Package events provides domain event definitions for decoupled,
// event-driven communication between modules.
// Infrastructure (Bus, Handler) is in platform/events.
package events

import (
	"time"

	"convoops_backend/platform/events"

	"github.com/google/uuid"
)

// Re-export platform types for convenience
type (
	Event       = events.Event
	Bus         = events.Bus
	Handler     = events.Handler
	HandlerFunc = events.HandlerFunc
	BaseEvent   = events.BaseEvent
)

// Re-export platform functions
var NewBaseEvent = events.NewBaseEvent

// =============================================================================
// Job Lifecycle Events
// =============================================================================

// JobEnqueued is published when a new job enters the queue in pending state.
type JobEnqueued struct {
	BaseEvent
	JobID          uuid.UUID `json:"jobId"`
	OrganizationID uuid.UUID `json:"organizationId"`
	ConversationID uuid.UUID `json:"conversationId"`
	JobType        string    `json:"jobType"`
	Priority       int       `json:"priority"`
}

func (e JobEnqueued) EventName() string { return "jobs.job.enqueued" }

// JobStatusChanged is published after every accepted job state transition.
type JobStatusChanged struct {
	BaseEvent
	JobID          uuid.UUID  `json:"jobId"`
	OrganizationID uuid.UUID  `json:"organizationId"`
	ConversationID uuid.UUID  `json:"conversationId"`
	OldStatus      string     `json:"oldStatus"`
	NewStatus      string     `json:"newStatus"`
	AgentType      *string    `json:"agentType,omitempty"`
	ActorID        *uuid.UUID `json:"actorId,omitempty"`
}

func (e JobStatusChanged) EventName() string { return "jobs.job.status_changed" }

// JobRetriesExhausted is published when a job fails with its retry count at
// or above the alerting threshold. Consumed by the operator alert handler.
type JobRetriesExhausted struct {
	BaseEvent
	JobID          uuid.UUID `json:"jobId"`
	OrganizationID uuid.UUID `json:"organizationId"`
	ConversationID uuid.UUID `json:"conversationId"`
	JobType        string    `json:"jobType"`
	RetryCount     int       `json:"retryCount"`
	ErrorDetail    string    `json:"errorDetail"`
}

func (e JobRetriesExhausted) EventName() string { return "jobs.job.retries_exhausted" }

// =============================================================================
// Gating Events
// =============================================================================

// GatingChanged is published after an operator toggle or mute is applied.
type GatingChanged struct {
	BaseEvent
	ConversationID uuid.UUID  `json:"conversationId"`
	OrganizationID uuid.UUID  `json:"organizationId"`
	AiEnabled      bool       `json:"aiEnabled"`
	MutedUntil     *time.Time `json:"mutedUntil,omitempty"`
	ActorID        *uuid.UUID `json:"actorId,omitempty"`
}

func (e GatingChanged) EventName() string { return "gating.conversation.changed" }

// InboundMessageReceived is published when a new message arrives for a
// conversation, after the last-interaction timestamp has been touched.
type InboundMessageReceived struct {
	BaseEvent
	ConversationID uuid.UUID `json:"conversationId"`
	OrganizationID uuid.UUID `json:"organizationId"`
	SourceTag      string    `json:"sourceTag"`
}

func (e InboundMessageReceived) EventName() string { return "gating.conversation.inbound_message" }

// =============================================================================
// Webhook Events
// =============================================================================

// WebhookDeliveryRecorded is published once a delivery attempt has been
// persisted, regardless of whether the trigger it carried was accepted.
type WebhookDeliveryRecorded struct {
	BaseEvent
	DeliveryID     uuid.UUID `json:"deliveryId"`
	OrganizationID uuid.UUID `json:"organizationId"`
	SourceTag      string    `json:"sourceTag"`
	Status         string    `json:"status"`
}

func (e WebhookDeliveryRecorded) EventName() string { return "webhook.delivery.recorded" }
