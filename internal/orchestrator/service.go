// Package orchestrator is the facade callers use when an operation spans both
// the job lifecycle and conversation gating. It is the only component allowed
// to touch both in one operation, and it always consults gating before any
// job mutation so a job can never slip in while an operator is disabling AI.
package orchestrator

import (
	"context"

	jobdomain "convoops_backend/internal/jobs/domain"
	jobservice "convoops_backend/internal/jobs/service"
	"convoops_backend/platform/apperr"
	"convoops_backend/platform/logger"

	"github.com/google/uuid"
)

// JobManager is the job lifecycle surface the facade composes.
type JobManager interface {
	Enqueue(ctx context.Context, orgID uuid.UUID, p jobservice.EnqueueParams) (*jobdomain.Job, error)
}

// GatingEngine is the gating surface the facade composes.
type GatingEngine interface {
	IsAiEnabled(ctx context.Context, orgID, conversationID uuid.UUID, sourceTag string) (bool, error)
	OnInboundMessage(ctx context.Context, orgID, conversationID uuid.UUID, sourceTag string) error
}

// Dispatcher schedules background dispatch of a freshly enqueued job.
type Dispatcher interface {
	EnqueueJobDispatch(ctx context.Context, jobID, orgID uuid.UUID) error
}

// Service coordinates gated job creation and inbound triggers.
type Service struct {
	jobs       JobManager
	gating     GatingEngine
	dispatcher Dispatcher
	log        *logger.Logger
}

// New creates a new orchestrator
func New(jobs JobManager, gating GatingEngine, log *logger.Logger) *Service {
	return &Service{jobs: jobs, gating: gating, log: log}
}

// SetDispatcher injects the background dispatcher. Without one, jobs wait in
// pending until an explicit dispatch call.
func (s *Service) SetDispatcher(d Dispatcher) {
	s.dispatcher = d
}

// CreateJob enqueues a job for a caller that carries no source tag.
func (s *Service) CreateJob(ctx context.Context, orgID uuid.UUID, p jobservice.EnqueueParams, forceAgent bool) (*jobdomain.Job, error) {
	return s.CreateJobFromTrigger(ctx, orgID, p, "", forceAgent)
}

// CreateJobFromTrigger enqueues a job for an inbound trigger. The gating
// check runs first: a conversation whose AI is off never gets a job, unless
// the trigger is a manual force-agent override.
func (s *Service) CreateJobFromTrigger(ctx context.Context, orgID uuid.UUID, p jobservice.EnqueueParams, sourceTag string, forceAgent bool) (*jobdomain.Job, error) {
	if !forceAgent {
		enabled, err := s.gating.IsAiEnabled(ctx, orgID, p.ConversationID, sourceTag)
		if err != nil {
			return nil, err
		}
		if !enabled {
			return nil, apperr.Forbidden("ai responses are disabled for this conversation")
		}
	}

	job, err := s.jobs.Enqueue(ctx, orgID, p)
	if err != nil {
		return nil, err
	}

	if s.dispatcher != nil {
		if err := s.dispatcher.EnqueueJobDispatch(ctx, job.ID, orgID); err != nil {
			// The job exists and is pending; dispatch can be retried or done
			// by hand, so a scheduling failure must not undo the enqueue.
			s.log.PublishError("job dispatch queue", err)
		}
	}
	return job, nil
}

// OnInboundMessage records conversation activity from an inbound trigger.
func (s *Service) OnInboundMessage(ctx context.Context, orgID, conversationID uuid.UUID, sourceTag string) error {
	return s.gating.OnInboundMessage(ctx, orgID, conversationID, sourceTag)
}
