// Package service implements the job lifecycle manager: the state machine,
// optimistic transitions, retry/cancel/reassign semantics, and the
// one-processing-job-per-conversation guarantee.
package service

import (
	"context"
	"fmt"
	"slices"
	"time"

	"convoops_backend/internal/audit"
	"convoops_backend/internal/events"
	"convoops_backend/internal/jobs/domain"
	"convoops_backend/internal/jobs/repository"
	"convoops_backend/internal/notification/sse"
	"convoops_backend/platform/apperr"
	"convoops_backend/platform/logger"

	"github.com/google/uuid"
)

// Store is the persistence surface the service needs. The repository
// implements it; tests substitute fakes.
type Store interface {
	Create(ctx context.Context, job *domain.Job) error
	GetByID(ctx context.Context, id, orgID uuid.UUID) (*domain.Job, error)
	ClaimPending(ctx context.Context, id, orgID uuid.UUID) (*domain.Job, error)
	Transition(ctx context.Context, id, orgID uuid.UUID, from []domain.JobStatus, to domain.JobStatus, upd repository.TransitionUpdate) (*domain.Job, error)
	UpdateAgentType(ctx context.Context, id, orgID uuid.UUID, agentType string) (*domain.Job, error)
	List(ctx context.Context, params repository.ListParams) (*repository.ListResult, error)
}

// Recorder appends audit entries; recording is best-effort and never fails
// the transition it observes.
type Recorder interface {
	Record(ctx context.Context, p audit.RecordParams)
}

// Policy exposes the closed job/agent type sets and the alert threshold.
type Policy interface {
	GetJobTypes() []string
	GetAgentTypes() []string
	GetAlertRetryThreshold() int
}

// EnqueueParams describes a new job.
type EnqueueParams struct {
	ConversationID uuid.UUID
	JobType        string
	Priority       int
	AgentType      *string
	Payload        []byte
	ActorID        *uuid.UUID
}

// Service coordinates job lifecycle transitions.
type Service struct {
	store    Store
	recorder Recorder
	bus      events.Bus
	policy   Policy
	log      *logger.Logger
}

// New creates a new jobs service
func New(store Store, recorder Recorder, bus events.Bus, policy Policy, log *logger.Logger) *Service {
	return &Service{store: store, recorder: recorder, bus: bus, policy: policy, log: log}
}

// snapshot is the audit representation of a job around a transition.
type snapshot struct {
	Status     domain.JobStatus `json:"status"`
	AgentType  *string          `json:"agentType,omitempty"`
	RetryCount int              `json:"retryCount"`
	LastError  *string          `json:"lastError,omitempty"`
}

func snapshotOf(j *domain.Job) snapshot {
	return snapshot{Status: j.Status, AgentType: j.AgentType, RetryCount: j.RetryCount, LastError: j.LastError}
}

// Enqueue creates a job in pending. The store rejects the insert with a
// conflict when the conversation already has a job in processing.
func (s *Service) Enqueue(ctx context.Context, orgID uuid.UUID, p EnqueueParams) (*domain.Job, error) {
	if err := s.validateJobType(p.JobType); err != nil {
		return nil, err
	}
	if p.AgentType != nil {
		if err := s.validateAgentType(*p.AgentType); err != nil {
			return nil, err
		}
	}
	if p.Priority < 0 {
		return nil, apperr.Validation("priority must not be negative")
	}

	now := time.Now()
	job := &domain.Job{
		ID:             uuid.New(),
		OrganizationID: orgID,
		ConversationID: p.ConversationID,
		JobType:        p.JobType,
		AgentType:      p.AgentType,
		Status:         domain.StatusPending,
		Priority:       p.Priority,
		Payload:        p.Payload,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.Create(ctx, job); err != nil {
		return nil, err
	}

	s.recorder.Record(ctx, audit.RecordParams{
		OrganizationID: orgID,
		EntityType:     "job",
		EntityID:       job.ID,
		Action:         "job.enqueued",
		ActorID:        p.ActorID,
		After:          snapshotOf(job),
		NewState:       string(job.Status),
		EventType:      sse.EventJobEnqueued,
	})
	s.publish(ctx, events.JobEnqueued{
		BaseEvent:      events.NewBaseEvent(),
		JobID:          job.ID,
		OrganizationID: orgID,
		ConversationID: job.ConversationID,
		JobType:        job.JobType,
		Priority:       job.Priority,
	})
	return job, nil
}

// Dispatch moves a pending job into processing via an optimistic claim. A
// caller that loses the claim race receives a conflict and should re-read.
func (s *Service) Dispatch(ctx context.Context, id, orgID uuid.UUID, actorID *uuid.UUID) (*domain.Job, error) {
	job, err := s.store.ClaimPending(ctx, id, orgID)
	if err != nil {
		return nil, err
	}
	s.recordTransition(ctx, job, domain.StatusPending, "job.dispatched", actorID)
	return job, nil
}

// Complete attaches the result payload and finishes the job. Only a
// processing job can complete.
func (s *Service) Complete(ctx context.Context, id, orgID uuid.UUID, result []byte, actorID *uuid.UUID) (*domain.Job, error) {
	job, err := s.store.Transition(ctx, id, orgID,
		[]domain.JobStatus{domain.StatusProcessing}, domain.StatusCompleted,
		repository.TransitionUpdate{SetPayload: result, SetFinishedAt: true})
	if err != nil {
		return nil, err
	}
	s.recordTransition(ctx, job, domain.StatusProcessing, "job.completed", actorID)
	return job, nil
}

// Fail records error detail, bumps the retry count and moves the job to
// failed. When the retry count reaches the alert threshold an exhaustion
// event fires so operators get notified.
func (s *Service) Fail(ctx context.Context, id, orgID uuid.UUID, errorDetail string, actorID *uuid.UUID) (*domain.Job, error) {
	job, err := s.store.Transition(ctx, id, orgID,
		[]domain.JobStatus{domain.StatusProcessing}, domain.StatusFailed,
		repository.TransitionUpdate{SetLastError: &errorDetail, IncrementRetry: true, SetFinishedAt: true})
	if err != nil {
		return nil, err
	}
	s.recordTransition(ctx, job, domain.StatusProcessing, "job.failed", actorID)

	if threshold := s.policy.GetAlertRetryThreshold(); threshold > 0 && job.RetryCount >= threshold {
		s.publish(ctx, events.JobRetriesExhausted{
			BaseEvent:      events.NewBaseEvent(),
			JobID:          job.ID,
			OrganizationID: orgID,
			ConversationID: job.ConversationID,
			JobType:        job.JobType,
			RetryCount:     job.RetryCount,
			ErrorDetail:    errorDetail,
		})
	}
	return job, nil
}

// Cancel marks a pending or processing job cancelled. Cancelling a job that
// is already cancelled or completed returns the current record unchanged:
// double-cancel is a harmless race in dashboard usage and must not error.
func (s *Service) Cancel(ctx context.Context, id, orgID uuid.UUID, actorID *uuid.UUID) (*domain.Job, error) {
	job, err := s.store.Transition(ctx, id, orgID,
		[]domain.JobStatus{domain.StatusPending, domain.StatusProcessing}, domain.StatusCancelled,
		repository.TransitionUpdate{SetFinishedAt: true})
	if err == nil {
		// Old status is unknown here without a pre-read; report the fact of
		// cancellation rather than guessing the prior state.
		s.recordChange(ctx, job, "job.cancelled", actorID, nil)
		return job, nil
	}

	kind := apperr.GetKind(err)
	if kind != apperr.KindInvalidTransition && kind != apperr.KindConflict {
		return nil, err
	}
	current, getErr := s.store.GetByID(ctx, id, orgID)
	if getErr != nil {
		return nil, getErr
	}
	if current.Status == domain.StatusCancelled || current.Status == domain.StatusCompleted {
		return current, nil
	}
	return nil, err
}

// Retry re-queues a failed or cancelled job: error detail is cleared, the
// retry count is incremented and the job returns to pending.
func (s *Service) Retry(ctx context.Context, id, orgID uuid.UUID, actorID *uuid.UUID) (*domain.Job, error) {
	job, err := s.store.Transition(ctx, id, orgID,
		[]domain.JobStatus{domain.StatusFailed, domain.StatusCancelled}, domain.StatusPending,
		repository.TransitionUpdate{ClearLastError: true, IncrementRetry: true, ClearTimestamps: true})
	if err != nil {
		return nil, err
	}
	s.recordChange(ctx, job, "job.retried", actorID, nil)
	return job, nil
}

// Reassign switches the job to a different agent type. Allowed only while
// pending or processing; a finished job's assignment is history and stays.
func (s *Service) Reassign(ctx context.Context, id, orgID uuid.UUID, newAgentType string, actorID *uuid.UUID) (*domain.Job, error) {
	if err := s.validateAgentType(newAgentType); err != nil {
		return nil, err
	}
	job, err := s.store.UpdateAgentType(ctx, id, orgID, newAgentType)
	if err != nil {
		return nil, err
	}
	s.recordChange(ctx, job, "job.reassigned", actorID, nil)
	return job, nil
}

// Get retrieves a single job.
func (s *Service) Get(ctx context.Context, id, orgID uuid.UUID) (*domain.Job, error) {
	return s.store.GetByID(ctx, id, orgID)
}

// List returns the organization's job queue page, highest priority first and
// FIFO within a priority.
func (s *Service) List(ctx context.Context, params repository.ListParams) (*repository.ListResult, error) {
	return s.store.List(ctx, params)
}

func (s *Service) validateJobType(jobType string) error {
	if !slices.Contains(s.policy.GetJobTypes(), jobType) {
		return apperr.Validation(fmt.Sprintf("unknown job type %q", jobType))
	}
	return nil
}

func (s *Service) validateAgentType(agentType string) error {
	if !slices.Contains(s.policy.GetAgentTypes(), agentType) {
		return apperr.Validation(fmt.Sprintf("unknown agent type %q", agentType))
	}
	return nil
}

// recordTransition audits a status change whose prior status is known.
func (s *Service) recordTransition(ctx context.Context, job *domain.Job, oldStatus domain.JobStatus, action string, actorID *uuid.UUID) {
	before := snapshotOf(job)
	before.Status = oldStatus
	s.recordChange(ctx, job, action, actorID, &before)

	s.publish(ctx, events.JobStatusChanged{
		BaseEvent:      events.NewBaseEvent(),
		JobID:          job.ID,
		OrganizationID: job.OrganizationID,
		ConversationID: job.ConversationID,
		OldStatus:      string(oldStatus),
		NewStatus:      string(job.Status),
		AgentType:      job.AgentType,
		ActorID:        actorID,
	})
}

func (s *Service) recordChange(ctx context.Context, job *domain.Job, action string, actorID *uuid.UUID, before *snapshot) {
	params := audit.RecordParams{
		OrganizationID: job.OrganizationID,
		EntityType:     "job",
		EntityID:       job.ID,
		Action:         action,
		ActorID:        actorID,
		After:          snapshotOf(job),
		NewState:       string(job.Status),
		EventType:      sse.EventJobUpdated,
	}
	if before != nil {
		params.Before = *before
	}
	s.recorder.Record(ctx, params)
}

func (s *Service) publish(ctx context.Context, event events.Event) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(ctx, event)
}
