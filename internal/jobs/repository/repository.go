package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"convoops_backend/internal/jobs/domain"
	"convoops_backend/platform/apperr"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const jobNotFoundMsg = "job not found"

// pgUniqueViolation is the SQLSTATE raised when the one-processing-job-per-
// conversation partial unique index rejects a second claim.
const pgUniqueViolation = "23505"

const jobColumns = `id, organization_id, conversation_id, job_type, agent_type, status,
	priority, payload, last_error, retry_count, started_at, finished_at, created_at, updated_at`

// ListParams contains parameters for listing jobs within an organization.
type ListParams struct {
	OrganizationID uuid.UUID
	ConversationID *uuid.UUID
	Status         *domain.JobStatus
	JobType        *string
	AgentType      *string
	Page           int
	PageSize       int
}

// ListResult contains one page of the organization's job queue.
type ListResult struct {
	Items      []domain.Job
	Total      int
	Page       int
	PageSize   int
	TotalPages int
}

// TransitionUpdate carries the optional field changes applied atomically with
// a status transition.
type TransitionUpdate struct {
	SetPayload      []byte
	SetLastError    *string
	ClearLastError  bool
	IncrementRetry  bool
	SetFinishedAt   bool
	ClearTimestamps bool
}

// Repository provides database operations for conversation jobs
type Repository struct {
	pool *pgxpool.Pool
}

// New creates a new jobs repository
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts a new pending job. The insert is guarded so that a
// conversation with a job already in processing rejects new work with a
// conflict, forcing the caller to wait or cancel first.
func (r *Repository) Create(ctx context.Context, job *domain.Job) error {
	query := `
		INSERT INTO jobs (
			id, organization_id, conversation_id, job_type, agent_type, status,
			priority, payload, retry_count, created_at, updated_at
		)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8, 0, $9, $9
		WHERE NOT EXISTS (
			SELECT 1 FROM jobs
			WHERE conversation_id = $3 AND status = 'processing'
		)`

	result, err := r.pool.Exec(ctx, query,
		job.ID, job.OrganizationID, job.ConversationID, job.JobType, job.AgentType,
		job.Status, job.Priority, job.Payload, job.CreatedAt,
	)
	if err != nil {
		return apperr.Unavailable("failed to insert job", err)
	}
	if result.RowsAffected() == 0 {
		return apperr.Conflict("a job for this conversation is already processing")
	}
	return nil
}

// GetByID retrieves a job by its ID scoped to organization
func (r *Repository) GetByID(ctx context.Context, id, orgID uuid.UUID) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1 AND organization_id = $2`
	job, err := r.scanJob(r.pool.QueryRow(ctx, query, id, orgID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound(jobNotFoundMsg)
		}
		return nil, apperr.Unavailable("failed to get job", err)
	}
	return job, nil
}

// ClaimPending moves a pending job into processing. The update only wins when
// the job is still pending AND no sibling job on the same conversation holds
// the processing slot. A partial unique index on (conversation_id) WHERE
// status = 'processing' backstops the guard under concurrent claims.
func (r *Repository) ClaimPending(ctx context.Context, id, orgID uuid.UUID) (*domain.Job, error) {
	query := `
		UPDATE jobs SET status = 'processing', started_at = $3, updated_at = $3
		WHERE id = $1 AND organization_id = $2 AND status = 'pending'
			AND NOT EXISTS (
				SELECT 1 FROM jobs sibling
				WHERE sibling.conversation_id = jobs.conversation_id
					AND sibling.status = 'processing'
					AND sibling.id <> jobs.id
			)
		RETURNING ` + jobColumns

	job, err := r.scanJob(r.pool.QueryRow(ctx, query, id, orgID, time.Now()))
	if err == nil {
		return job, nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return nil, apperr.Conflict("another job for this conversation is processing")
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.Unavailable("failed to claim job", err)
	}

	// The claim lost. Re-read to tell the caller why.
	current, getErr := r.GetByID(ctx, id, orgID)
	if getErr != nil {
		return nil, getErr
	}
	switch current.Status {
	case domain.StatusPending, domain.StatusProcessing:
		// Either another claimer won this job, or a sibling job holds the
		// conversation's processing slot. Retry-safe.
		return nil, apperr.Conflict("job claim lost, re-read and retry")
	default:
		return nil, apperr.InvalidTransition(fmt.Sprintf("cannot dispatch job in status %q", current.Status))
	}
}

// Transition performs an optimistic status change: the update is keyed on the
// set of expected prior statuses, so a concurrent writer that moved the job
// first causes this call to fail rather than overwrite.
func (r *Repository) Transition(ctx context.Context, id, orgID uuid.UUID, from []domain.JobStatus, to domain.JobStatus, upd TransitionUpdate) (*domain.Job, error) {
	now := time.Now()
	args := []any{id, orgID, statusStrings(from), to, now}
	setClauses := "status = $4, updated_at = $5"

	if upd.SetPayload != nil {
		args = append(args, upd.SetPayload)
		setClauses += fmt.Sprintf(", payload = $%d", len(args))
	}
	if upd.SetLastError != nil {
		args = append(args, *upd.SetLastError)
		setClauses += fmt.Sprintf(", last_error = $%d", len(args))
	} else if upd.ClearLastError {
		setClauses += ", last_error = NULL"
	}
	if upd.IncrementRetry {
		setClauses += ", retry_count = retry_count + 1"
	}
	if upd.SetFinishedAt {
		setClauses += ", finished_at = $5"
	}
	if upd.ClearTimestamps {
		setClauses += ", started_at = NULL, finished_at = NULL"
	}

	query := `UPDATE jobs SET ` + setClauses + `
		WHERE id = $1 AND organization_id = $2 AND status = ANY($3)
		RETURNING ` + jobColumns

	job, err := r.scanJob(r.pool.QueryRow(ctx, query, args...))
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.Unavailable("failed to transition job", err)
	}

	current, getErr := r.GetByID(ctx, id, orgID)
	if getErr != nil {
		return nil, getErr
	}
	for _, s := range from {
		if current.Status == s {
			// Expected status observed after the update missed: a concurrent
			// writer raced us between the update and this read.
			return nil, apperr.Conflict("job transition lost, re-read and retry")
		}
	}
	return nil, apperr.InvalidTransition(fmt.Sprintf("cannot move job from %q to %q", current.Status, to))
}

// UpdateAgentType reassigns a job to a different agent type while it is still
// pending or processing.
func (r *Repository) UpdateAgentType(ctx context.Context, id, orgID uuid.UUID, agentType string) (*domain.Job, error) {
	query := `
		UPDATE jobs SET agent_type = $3, updated_at = $4
		WHERE id = $1 AND organization_id = $2 AND status IN ('pending', 'processing')
		RETURNING ` + jobColumns

	job, err := r.scanJob(r.pool.QueryRow(ctx, query, id, orgID, agentType, time.Now()))
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.Unavailable("failed to reassign job", err)
	}

	current, getErr := r.GetByID(ctx, id, orgID)
	if getErr != nil {
		return nil, getErr
	}
	return nil, apperr.InvalidTransition(fmt.Sprintf("cannot reassign job in status %q", current.Status))
}

// List retrieves the organization's job queue with filtering and pagination,
// ordered by descending priority then creation time (FIFO within a priority).
func (r *Repository) List(ctx context.Context, params ListParams) (*ListResult, error) {
	page := params.Page
	if page < 1 {
		page = 1
	}
	pageSize := params.PageSize
	if pageSize < 1 || pageSize > 200 {
		pageSize = 50
	}

	var conversationParam, statusParam, jobTypeParam, agentTypeParam any
	if params.ConversationID != nil {
		conversationParam = *params.ConversationID
	}
	if params.Status != nil {
		statusParam = string(*params.Status)
	}
	if params.JobType != nil {
		jobTypeParam = *params.JobType
	}
	if params.AgentType != nil {
		agentTypeParam = *params.AgentType
	}

	filter := `
		WHERE organization_id = $1
			AND ($2::uuid IS NULL OR conversation_id = $2)
			AND ($3::text IS NULL OR status = $3)
			AND ($4::text IS NULL OR job_type = $4)
			AND ($5::text IS NULL OR agent_type = $5)`

	var total int
	countQuery := `SELECT COUNT(*) FROM jobs` + filter
	if err := r.pool.QueryRow(ctx, countQuery, params.OrganizationID, conversationParam, statusParam, jobTypeParam, agentTypeParam).Scan(&total); err != nil {
		return nil, apperr.Unavailable("failed to count jobs", err)
	}

	query := `SELECT ` + jobColumns + ` FROM jobs` + filter + `
		ORDER BY priority DESC, created_at ASC
		LIMIT $6 OFFSET $7`

	rows, err := r.pool.Query(ctx, query,
		params.OrganizationID, conversationParam, statusParam, jobTypeParam, agentTypeParam,
		pageSize, (page-1)*pageSize,
	)
	if err != nil {
		return nil, apperr.Unavailable("failed to query jobs", err)
	}
	defer rows.Close()

	var items []domain.Job
	for rows.Next() {
		job, err := r.scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		items = append(items, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Unavailable("failed to iterate jobs", err)
	}

	totalPages := (total + pageSize - 1) / pageSize
	return &ListResult{Items: items, Total: total, Page: page, PageSize: pageSize, TotalPages: totalPages}, nil
}

// NextPending returns the highest-priority dispatchable job for a
// conversation, skipping conversations whose processing slot is taken.
func (r *Repository) NextPending(ctx context.Context, orgID, conversationID uuid.UUID) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs
		WHERE organization_id = $1 AND conversation_id = $2 AND status = 'pending'
			AND NOT EXISTS (
				SELECT 1 FROM jobs sibling
				WHERE sibling.conversation_id = $2 AND sibling.status = 'processing'
			)
		ORDER BY priority DESC, created_at ASC
		LIMIT 1`

	job, err := r.scanJob(r.pool.QueryRow(ctx, query, orgID, conversationID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("no dispatchable job for conversation")
		}
		return nil, apperr.Unavailable("failed to find pending job", err)
	}
	return job, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *Repository) scanJob(row rowScanner) (*domain.Job, error) {
	var j domain.Job
	err := row.Scan(
		&j.ID, &j.OrganizationID, &j.ConversationID, &j.JobType, &j.AgentType, &j.Status,
		&j.Priority, &j.Payload, &j.LastError, &j.RetryCount,
		&j.StartedAt, &j.FinishedAt, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func statusStrings(statuses []domain.JobStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
