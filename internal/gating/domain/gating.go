// Package domain provides core business rules for conversation AI gating.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// GatingState holds whether automated response is allowed for a conversation.
// MutedUntil is a temporary suppression window layered over AiEnabled: while
// it is in the future the conversation is muted regardless of the flag, and
// once it lapses the conversation reverts to the flag, not to any default.
type GatingState struct {
	ConversationID    uuid.UUID
	OrganizationID    uuid.UUID
	AiEnabled         bool
	MutedUntil        *time.Time
	SourceTag         string
	LastInteractionAt *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// SourcePolicy is an organization's default AI-enabled flag for conversations
// arriving from a given source tag. Inbound sources and purchased leads
// typically default differently, so this is per-org data, never hardcoded.
type SourcePolicy struct {
	OrganizationID   uuid.UUID
	SourceTag        string
	DefaultAiEnabled bool
	UpdatedAt        time.Time
}

// MuteActive reports whether the mute window covers the given instant.
// Expiry is evaluated lazily at read time; no timer ever fires.
func MuteActive(state *GatingState, now time.Time) bool {
	return state.MutedUntil != nil && now.Before(*state.MutedUntil)
}

// EffectiveEnabled answers "may an agent respond right now". An active mute
// window wins over the stored flag; an expired one is ignored.
func EffectiveEnabled(state *GatingState, now time.Time) bool {
	if MuteActive(state, now) {
		return false
	}
	return state.AiEnabled
}
