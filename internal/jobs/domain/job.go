// Package domain provides core business rules for the jobs bounded context.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of a conversation job.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusCancelled  JobStatus = "cancelled"
)

// allStatuses is used to validate status strings coming from transport.
var allStatuses = map[JobStatus]bool{
	StatusPending:    true,
	StatusProcessing: true,
	StatusCompleted:  true,
	StatusFailed:     true,
	StatusCancelled:  true,
}

// IsValidStatus returns true if s is a known job status.
func IsValidStatus(s string) bool {
	return allStatuses[JobStatus(s)]
}

// transitions defines every legal status change. Completed is terminal:
// a completed job can never move again, not even back to pending.
var transitions = map[JobStatus]map[JobStatus]bool{
	StatusPending: {
		StatusProcessing: true,
		StatusCancelled:  true,
	},
	StatusProcessing: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
	StatusFailed: {
		StatusPending: true, // retry
	},
	StatusCancelled: {
		StatusPending: true, // retry
	},
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to JobStatus) bool {
	return transitions[from][to]
}

// IsTerminal returns true if no further transitions are possible from the
// status. Only completed is truly terminal; failed and cancelled jobs can
// still be retried.
func IsTerminal(s JobStatus) bool {
	return len(transitions[s]) == 0
}

// IsActive returns true for statuses where the job still occupies the
// conversation's processing pipeline.
func IsActive(s JobStatus) bool {
	return s == StatusPending || s == StatusProcessing
}

// Job is a unit of AI work attached to a conversation.
type Job struct {
	ID             uuid.UUID
	OrganizationID uuid.UUID
	ConversationID uuid.UUID
	JobType        string
	AgentType      *string
	Status         JobStatus
	Priority       int
	Payload        []byte
	LastError      *string
	RetryCount     int
	StartedAt      *time.Time
	FinishedAt     *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
