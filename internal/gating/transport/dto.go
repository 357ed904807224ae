package transport

import (
	"time"

	"convoops_backend/internal/gating/domain"

	"github.com/google/uuid"
)

// ── Requests ──────────────────────────────────────────────────────────────────

// SetAiEnabledRequest is the operator toggle body
type SetAiEnabledRequest struct {
	Enabled   *bool  `json:"enabled" validate:"required"`
	SourceTag string `json:"sourceTag" validate:"omitempty,max=100"`
}

// MuteRequest sets a temporary suppression window
type MuteRequest struct {
	DurationMinutes int    `json:"durationMinutes" validate:"required"`
	SourceTag       string `json:"sourceTag" validate:"omitempty,max=100"`
}

// SetSourcePolicyRequest writes an organization source default
type SetSourcePolicyRequest struct {
	SourceTag        string `json:"sourceTag" validate:"required,min=1,max=100"`
	DefaultAiEnabled *bool  `json:"defaultAiEnabled" validate:"required"`
}

// ── Responses ─────────────────────────────────────────────────────────────────

// GatingStateResponse is the API representation of a conversation's gating
// state. EffectiveEnabled is the answer as of the request, with mute expiry
// already applied.
type GatingStateResponse struct {
	ConversationID    uuid.UUID  `json:"conversationId"`
	AiEnabled         bool       `json:"aiEnabled"`
	EffectiveEnabled  bool       `json:"effectiveEnabled"`
	MutedUntil        *time.Time `json:"mutedUntil,omitempty"`
	SourceTag         string     `json:"sourceTag,omitempty"`
	LastInteractionAt *time.Time `json:"lastInteractionAt,omitempty"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

// SourcePolicyResponse is the API representation of a source default
type SourcePolicyResponse struct {
	SourceTag        string    `json:"sourceTag"`
	DefaultAiEnabled bool      `json:"defaultAiEnabled"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// ToGatingStateResponse maps a domain state to its API representation
func ToGatingStateResponse(s *domain.GatingState, now time.Time) GatingStateResponse {
	return GatingStateResponse{
		ConversationID:    s.ConversationID,
		AiEnabled:         s.AiEnabled,
		EffectiveEnabled:  domain.EffectiveEnabled(s, now),
		MutedUntil:        s.MutedUntil,
		SourceTag:         s.SourceTag,
		LastInteractionAt: s.LastInteractionAt,
		UpdatedAt:         s.UpdatedAt,
	}
}

// ToSourcePolicyResponse maps a domain policy to its API representation
func ToSourcePolicyResponse(p *domain.SourcePolicy) SourcePolicyResponse {
	return SourcePolicyResponse{
		SourceTag:        p.SourceTag,
		DefaultAiEnabled: p.DefaultAiEnabled,
		UpdatedAt:        p.UpdatedAt,
	}
}
