// Package agents hosts the LLM harness the worker uses to execute jobs.
package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"google.golang.org/adk/agent"
	"google.golang.org/adk/agent/llmagent"
	"google.golang.org/adk/runner"
	"google.golang.org/adk/session"
	"google.golang.org/adk/tool"
	"google.golang.org/adk/tool/functiontool"
	"google.golang.org/genai"

	jobdomain "convoops_backend/internal/jobs/domain"
	"convoops_backend/platform/ai/moonshot"
	"convoops_backend/platform/config"
)

const responderAppName = "responder"

// Responder drafts conversation replies for dispatched jobs.
type Responder struct {
	agent          agent.Agent
	runner         *runner.Runner
	sessionService session.Service
	toolDeps       *responderToolDeps
	runMu          sync.Mutex
}

type responderToolDeps struct {
	mu    sync.Mutex
	reply *SubmitReplyInput
}

func (d *responderToolDeps) reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reply = nil
}

func (d *responderToolDeps) take() *SubmitReplyInput {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reply
}

type SubmitReplyInput struct {
	Reply      string `json:"reply"`
	NeedsHuman bool   `json:"needsHuman,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

type SubmitReplyOutput struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (d *responderToolDeps) handleSubmitReply(ctx tool.Context, input SubmitReplyInput) (SubmitReplyOutput, error) {
	if strings.TrimSpace(input.Reply) == "" && !input.NeedsHuman {
		return SubmitReplyOutput{Status: "error", Message: "reply is empty"}, nil
	}

	d.mu.Lock()
	d.reply = &input
	d.mu.Unlock()

	return SubmitReplyOutput{Status: "ok", Message: "reply stored"}, nil
}

func NewResponder(cfg config.AgentConfig) (*Responder, error) {
	model := moonshot.NewModel(moonshot.Config{
		APIKey:          cfg.GetAgentAPIKey(),
		Model:           cfg.GetAgentModel(),
		DisableThinking: true,
	})

	deps := &responderToolDeps{}

	submitTool, err := functiontool.New(functiontool.Config{
		Name:        "SubmitReply",
		Description: "Submit the drafted reply for the conversation. Set needsHuman=true with a reason when the conversation should go to an operator instead.",
	}, deps.handleSubmitReply)
	if err != nil {
		return nil, fmt.Errorf("failed to create SubmitReply tool: %w", err)
	}

	adkAgent, err := llmagent.New(llmagent.Config{
		Name:        "Responder",
		Model:       model,
		Description: "Drafts outreach replies for automated conversations.",
		Instruction: "You draft the next reply in an automated outreach conversation. Read the job context, write a short natural reply in the conversation's language, and submit it with SubmitReply. If the contact asks for a human, is upset, or the request falls outside outreach, call SubmitReply with needsHuman=true and explain why.",
		Tools:       []tool.Tool{submitTool},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create responder agent: %w", err)
	}

	sessionService := session.InMemoryService()
	r, err := runner.New(runner.Config{
		AppName:        responderAppName,
		Agent:          adkAgent,
		SessionService: sessionService,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create responder runner: %w", err)
	}

	return &Responder{
		agent:          adkAgent,
		runner:         r,
		sessionService: sessionService,
		toolDeps:       deps,
	}, nil
}

// GenerateReply runs the agent for a claimed job and returns the result
// payload stored on completion.
func (r *Responder) GenerateReply(ctx context.Context, job *jobdomain.Job) ([]byte, error) {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	r.toolDeps.reset()

	if err := r.runWithPrompt(ctx, buildJobPrompt(job), job.ID); err != nil {
		return nil, err
	}

	reply := r.toolDeps.take()
	if reply == nil {
		return nil, fmt.Errorf("agent finished without submitting a reply")
	}

	result := map[string]any{
		"reply":      reply.Reply,
		"needsHuman": reply.NeedsHuman,
		"jobType":    job.JobType,
	}
	if reply.Reason != "" {
		result["reason"] = reply.Reason
	}
	if job.AgentType != nil {
		result["agentType"] = *job.AgentType
	}
	return json.Marshal(result)
}

func buildJobPrompt(job *jobdomain.Job) string {
	var sb strings.Builder
	sb.WriteString("Job type: " + job.JobType + "\n")
	if job.AgentType != nil {
		sb.WriteString("Agent role: " + *job.AgentType + "\n")
	}
	sb.WriteString("Conversation: " + job.ConversationID.String() + "\n")
	if len(job.Payload) > 0 {
		sb.WriteString("\nJob context (JSON):\n")
		sb.Write(job.Payload)
		sb.WriteString("\n")
	}
	sb.WriteString("\nDraft the next reply for this conversation and submit it with SubmitReply.")
	return sb.String()
}

func (r *Responder) runWithPrompt(ctx context.Context, promptText string, jobID uuid.UUID) error {
	sessionID := uuid.New().String()
	userID := "responder-" + jobID.String()

	_, err := r.sessionService.Create(ctx, &session.CreateRequest{
		AppName:   responderAppName,
		UserID:    userID,
		SessionID: sessionID,
	})
	if err != nil {
		return fmt.Errorf("failed to create responder session: %w", err)
	}
	defer func() {
		_ = r.sessionService.Delete(ctx, &session.DeleteRequest{
			AppName:   responderAppName,
			UserID:    userID,
			SessionID: sessionID,
		})
	}()

	userMessage := &genai.Content{
		Role:  "user",
		Parts: []*genai.Part{{Text: promptText}},
	}

	runConfig := agent.RunConfig{StreamingMode: agent.StreamingModeNone}
	for event := range r.runner.Run(ctx, userID, sessionID, userMessage, runConfig) {
		_ = event
	}

	return nil
}
