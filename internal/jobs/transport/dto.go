package transport

import (
	"encoding/json"
	"time"

	"convoops_backend/internal/jobs/domain"

	"github.com/google/uuid"
)

// ── Requests ──────────────────────────────────────────────────────────────────

// EnqueueJobRequest is the request body for creating a new job
type EnqueueJobRequest struct {
	ConversationID uuid.UUID       `json:"conversationId" validate:"required"`
	JobType        string          `json:"jobType" validate:"required,min=1,max=100"`
	Priority       int             `json:"priority" validate:"min=0,max=100"`
	AgentType      *string         `json:"agentType" validate:"omitempty,min=1,max=100"`
	Payload        json.RawMessage `json:"payload"`
	ForceAgent     bool            `json:"forceAgent"`
}

// CompleteJobRequest attaches the result payload to a finishing job
type CompleteJobRequest struct {
	Result json.RawMessage `json:"result"`
}

// FailJobRequest carries the error detail for a failing job
type FailJobRequest struct {
	Error string `json:"error" validate:"required,min=1,max=4000"`
}

// ReassignJobRequest switches the job to a different agent type
type ReassignJobRequest struct {
	AgentType string `json:"agentType" validate:"required,min=1,max=100"`
}

// ListJobsRequest filters the organization's job queue
type ListJobsRequest struct {
	ConversationID *string `form:"conversationId"`
	Status         *string `form:"status"`
	JobType        *string `form:"jobType"`
	AgentType      *string `form:"agentType"`
	Page           int     `form:"page"`
	PageSize       int     `form:"pageSize"`
}

// ── Responses ─────────────────────────────────────────────────────────────────

// JobResponse is the API representation of a job
type JobResponse struct {
	ID             uuid.UUID       `json:"id"`
	ConversationID uuid.UUID       `json:"conversationId"`
	JobType        string          `json:"jobType"`
	AgentType      *string         `json:"agentType,omitempty"`
	Status         string          `json:"status"`
	Priority       int             `json:"priority"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	LastError      *string         `json:"lastError,omitempty"`
	RetryCount     int             `json:"retryCount"`
	StartedAt      *time.Time      `json:"startedAt,omitempty"`
	FinishedAt     *time.Time      `json:"finishedAt,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// ListJobsResponse is one page of the job queue
type ListJobsResponse struct {
	Items      []JobResponse `json:"items"`
	Total      int           `json:"total"`
	Page       int           `json:"page"`
	PageSize   int           `json:"pageSize"`
	TotalPages int           `json:"totalPages"`
}

// ToJobResponse maps a domain job to its API representation
func ToJobResponse(j *domain.Job) JobResponse {
	return JobResponse{
		ID:             j.ID,
		ConversationID: j.ConversationID,
		JobType:        j.JobType,
		AgentType:      j.AgentType,
		Status:         string(j.Status),
		Priority:       j.Priority,
		Payload:        json.RawMessage(j.Payload),
		LastError:      j.LastError,
		RetryCount:     j.RetryCount,
		StartedAt:      j.StartedAt,
		FinishedAt:     j.FinishedAt,
		CreatedAt:      j.CreatedAt,
		UpdatedAt:      j.UpdatedAt,
	}
}
