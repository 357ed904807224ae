package scheduler

import (
	"context"
	"fmt"
	"time"

	jobdomain "convoops_backend/internal/jobs/domain"
	"convoops_backend/platform/apperr"
	"convoops_backend/platform/config"
	"convoops_backend/platform/logger"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

// JobExecutor is the slice of the job service the worker drives.
type JobExecutor interface {
	Dispatch(ctx context.Context, id, orgID uuid.UUID, actorID *uuid.UUID) (*jobdomain.Job, error)
	Complete(ctx context.Context, id, orgID uuid.UUID, result []byte, actorID *uuid.UUID) (*jobdomain.Job, error)
	Fail(ctx context.Context, id, orgID uuid.UUID, errorDetail string, actorID *uuid.UUID) (*jobdomain.Job, error)
}

// AgentRunner produces a reply payload for a claimed job. Optional; without
// one the worker only claims jobs and leaves completion to the API.
type AgentRunner interface {
	GenerateReply(ctx context.Context, job *jobdomain.Job) ([]byte, error)
}

type Worker struct {
	server      *asynq.Server
	mux         *asynq.ServeMux
	jobs        JobExecutor
	agents      AgentRunner
	maxAttempts int
	log         *logger.Logger
}

func NewWorker(cfg config.SchedulerConfig, policy config.JobPolicyConfig, jobs JobExecutor, log *logger.Logger) (*Worker, error) {
	redisURL := cfg.GetRedisURL()
	if redisURL == "" {
		return nil, fmt.Errorf("redis url not configured")
	}

	opt, err := redisClientOpt(redisURL, cfg.GetRedisTLSInsecure())
	if err != nil {
		return nil, err
	}

	queue := cfg.GetAsynqQueueName()
	if queue == "" {
		queue = "default"
	}

	concurrency := cfg.GetAsynqConcurrency()
	if concurrency < 1 {
		concurrency = 10
	}

	maxAttempts := policy.GetDispatchMaxAttempts()
	if maxAttempts < 1 {
		maxAttempts = 3
	}

	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			queue: 1,
		},
	})

	mux := asynq.NewServeMux()
	w := &Worker{
		server:      server,
		mux:         mux,
		jobs:        jobs,
		maxAttempts: maxAttempts,
		log:         log,
	}

	mux.HandleFunc(TaskJobDispatch, w.handleJobDispatch)

	return w, nil
}

// SetAgentRunner enables in-process job execution after dispatch.
func (w *Worker) SetAgentRunner(r AgentRunner) {
	w.agents = r
}

func (w *Worker) Run(ctx context.Context) {
	if w == nil || w.server == nil {
		return
	}

	go func() {
		<-ctx.Done()
		w.server.Shutdown()
	}()

	if err := w.server.Run(w.mux); err != nil {
		w.log.Error("scheduler worker stopped", "error", err)
	}
}

func (w *Worker) handleJobDispatch(ctx context.Context, task *asynq.Task) error {
	payload, err := ParseJobDispatchPayload(task)
	if err != nil {
		return err
	}

	jobID, err := uuid.Parse(payload.JobID)
	if err != nil {
		return err
	}

	orgID, err := uuid.Parse(payload.OrganizationID)
	if err != nil {
		return err
	}

	job, err := w.claimJob(ctx, jobID, orgID)
	if err != nil {
		return err
	}
	if job == nil {
		return nil
	}

	if w.agents == nil {
		return nil
	}

	result, err := w.agents.GenerateReply(ctx, job)
	if err != nil {
		w.log.Warn("agent run failed", "jobId", jobID, "error", err)
		if _, failErr := w.jobs.Fail(ctx, jobID, orgID, err.Error(), nil); failErr != nil {
			w.log.Error("failed to mark job failed", "jobId", jobID, "error", failErr)
		}
		return nil
	}

	if _, err := w.jobs.Complete(ctx, jobID, orgID, result, nil); err != nil {
		w.log.Error("failed to mark job completed", "jobId", jobID, "error", err)
		return err
	}
	return nil
}

// claimJob moves the job to processing. A conflict means a sibling job on
// the same conversation holds the processing slot; back off and retry a
// bounded number of times, then hand the task back to asynq. A nil job with
// nil error means the job was cancelled or already picked up and the task
// should be dropped.
func (w *Worker) claimJob(ctx context.Context, jobID, orgID uuid.UUID) (*jobdomain.Job, error) {
	var lastErr error
	for attempt := 0; attempt < w.maxAttempts; attempt++ {
		job, err := w.jobs.Dispatch(ctx, jobID, orgID, nil)
		if err == nil {
			return job, nil
		}

		switch apperr.GetKind(err) {
		case apperr.KindConflict:
			lastErr = err
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt+1) * 200 * time.Millisecond):
			}
		case apperr.KindNotFound, apperr.KindInvalidTransition:
			w.log.Info("dropping dispatch task", "jobId", jobID, "reason", err.Error())
			return nil, nil
		default:
			return nil, err
		}
	}
	return nil, lastErr
}
