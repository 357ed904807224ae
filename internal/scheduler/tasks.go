package scheduler

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const TaskJobDispatch = "jobs.dispatch"

type JobDispatchPayload struct {
	JobID          string `json:"jobId"`
	OrganizationID string `json:"organizationId"`
}

func NewJobDispatchTask(payload JobDispatchPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskJobDispatch, data), nil
}

func ParseJobDispatchPayload(task *asynq.Task) (JobDispatchPayload, error) {
	var payload JobDispatchPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return JobDispatchPayload{}, err
	}
	return payload, nil
}
