package agents

import (
	"strings"
	"testing"

	jobdomain "convoops_backend/internal/jobs/domain"

	"github.com/google/uuid"
)

func TestBuildJobPrompt(t *testing.T) {
	agentType := "responder"
	job := &jobdomain.Job{
		ID:             uuid.New(),
		ConversationID: uuid.New(),
		JobType:        "respond",
		AgentType:      &agentType,
		Payload:        []byte(`{"lastMessage":"is de woning nog beschikbaar?"}`),
	}

	prompt := buildJobPrompt(job)
	if !strings.Contains(prompt, "Job type: respond") {
		t.Error("prompt should name the job type")
	}
	if !strings.Contains(prompt, "Agent role: responder") {
		t.Error("prompt should name the agent role")
	}
	if !strings.Contains(prompt, job.ConversationID.String()) {
		t.Error("prompt should reference the conversation")
	}
	if !strings.Contains(prompt, "lastMessage") {
		t.Error("prompt should embed the job payload")
	}
}

func TestBuildJobPromptWithoutPayload(t *testing.T) {
	job := &jobdomain.Job{
		ID:             uuid.New(),
		ConversationID: uuid.New(),
		JobType:        "follow_up",
	}

	prompt := buildJobPrompt(job)
	if strings.Contains(prompt, "Job context") {
		t.Error("prompt should omit the context section when there is no payload")
	}
	if strings.Contains(prompt, "Agent role") {
		t.Error("prompt should omit the agent role when unset")
	}
}

func TestSubmitReplyRejectsEmptyReply(t *testing.T) {
	deps := &responderToolDeps{}

	out, err := deps.handleSubmitReply(nil, SubmitReplyInput{})
	if err != nil {
		t.Fatalf("handleSubmitReply: %v", err)
	}
	if out.Status != "error" {
		t.Errorf("empty reply should be rejected, got %+v", out)
	}
	if deps.take() != nil {
		t.Error("rejected reply must not be stored")
	}
}

func TestSubmitReplyStoresEscalation(t *testing.T) {
	deps := &responderToolDeps{}

	out, err := deps.handleSubmitReply(nil, SubmitReplyInput{NeedsHuman: true, Reason: "contact asked for a human"})
	if err != nil {
		t.Fatalf("handleSubmitReply: %v", err)
	}
	if out.Status != "ok" {
		t.Errorf("escalation without reply text should be accepted, got %+v", out)
	}

	stored := deps.take()
	if stored == nil || !stored.NeedsHuman {
		t.Errorf("escalation not stored: %+v", stored)
	}
}
