package email

import (
	"context"
	"fmt"

	"convoops_backend/internal/events"
	"convoops_backend/platform/logger"
)

// AlertHandler mails operators when a job keeps failing past the retry threshold.
type AlertHandler struct {
	sender Sender
	log    *logger.Logger
}

func NewAlertHandler(sender Sender, log *logger.Logger) *AlertHandler {
	return &AlertHandler{sender: sender, log: log}
}

// RegisterHandlers subscribes to the alert-worthy domain events.
func (h *AlertHandler) RegisterHandlers(bus events.Bus) {
	bus.Subscribe(events.JobRetriesExhausted{}.EventName(), h)
}

// Handle routes events to the appropriate handler method.
func (h *AlertHandler) Handle(ctx context.Context, event events.Event) error {
	switch e := event.(type) {
	case events.JobRetriesExhausted:
		return h.handleRetriesExhausted(ctx, e)
	default:
		return nil
	}
}

func (h *AlertHandler) handleRetriesExhausted(ctx context.Context, e events.JobRetriesExhausted) error {
	subject := fmt.Sprintf("Job %s keeps failing (%d retries)", e.JobID, e.RetryCount)
	body := buildRetriesExhaustedBody(e)

	if err := h.sender.Send(ctx, subject, body); err != nil {
		h.log.Error("failed to send retry alert", "jobId", e.JobID, "error", err)
		return err
	}

	h.log.Info("sent retry alert", "jobId", e.JobID, "retryCount", e.RetryCount)
	return nil
}

func buildRetriesExhaustedBody(e events.JobRetriesExhausted) string {
	return fmt.Sprintf(
		"A job has failed repeatedly and needs attention.\n\n"+
			"Job:          %s\n"+
			"Type:         %s\n"+
			"Conversation: %s\n"+
			"Organization: %s\n"+
			"Retries:      %d\n"+
			"Last error:   %s\n",
		e.JobID, e.JobType, e.ConversationID, e.OrganizationID, e.RetryCount, e.ErrorDetail,
	)
}
