// Package service implements the gating engine: per-conversation AI enable
// flags, timed mute windows with lazy expiry, and per-source organization
// defaults.
package service

import (
	"context"
	"fmt"
	"time"

	"convoops_backend/internal/audit"
	"convoops_backend/internal/events"
	"convoops_backend/internal/gating/domain"
	"convoops_backend/internal/notification/sse"
	"convoops_backend/platform/apperr"
	"convoops_backend/platform/logger"

	"github.com/google/uuid"
)

// Store is the persistence surface the engine needs.
type Store interface {
	GetState(ctx context.Context, conversationID, orgID uuid.UUID) (*domain.GatingState, error)
	SetEnabled(ctx context.Context, conversationID, orgID uuid.UUID, enabled bool, sourceTag string) (*domain.GatingState, error)
	Mute(ctx context.Context, conversationID, orgID uuid.UUID, until time.Time, defaultEnabled bool, sourceTag string) (*domain.GatingState, error)
	TouchInteraction(ctx context.Context, conversationID, orgID uuid.UUID, sourceTag string, defaultEnabled bool) error
	ClearExpiredMutes(ctx context.Context, now time.Time) (int64, error)
	GetSourcePolicy(ctx context.Context, orgID uuid.UUID, sourceTag string) (*domain.SourcePolicy, error)
	UpsertSourcePolicy(ctx context.Context, policy *domain.SourcePolicy) error
	ListSourcePolicies(ctx context.Context, orgID uuid.UUID) ([]domain.SourcePolicy, error)
}

// Recorder appends audit entries for operator-visible gating changes.
type Recorder interface {
	Record(ctx context.Context, p audit.RecordParams)
}

// Config exposes the gating defaults and limits.
type Config interface {
	GetGatingFallbackEnabled() bool
	GetMuteMaxDuration() time.Duration
}

// Service answers gating questions and applies operator overrides.
type Service struct {
	store    Store
	recorder Recorder
	bus      events.Bus
	cfg      Config
	log      *logger.Logger
	now      func() time.Time
}

// New creates a new gating service
func New(store Store, recorder Recorder, bus events.Bus, cfg Config, log *logger.Logger) *Service {
	return &Service{store: store, recorder: recorder, bus: bus, cfg: cfg, log: log, now: time.Now}
}

// gatingSnapshot is the audit representation of a gating state.
type gatingSnapshot struct {
	AiEnabled  bool       `json:"aiEnabled"`
	MutedUntil *time.Time `json:"mutedUntil,omitempty"`
}

// IsAiEnabled reports whether an agent may respond in the conversation right
// now. With no stored state the organization's default for the source tag
// applies; sourceTag may be empty when the caller does not know it, in which
// case the configured fallback decides.
func (s *Service) IsAiEnabled(ctx context.Context, orgID, conversationID uuid.UUID, sourceTag string) (bool, error) {
	state, err := s.store.GetState(ctx, conversationID, orgID)
	if err != nil {
		if apperr.GetKind(err) == apperr.KindNotFound {
			return s.defaultForSource(ctx, orgID, sourceTag), nil
		}
		return false, err
	}
	return domain.EffectiveEnabled(state, s.now()), nil
}

// GetState returns the stored gating state for a conversation.
func (s *Service) GetState(ctx context.Context, orgID, conversationID uuid.UUID) (*domain.GatingState, error) {
	return s.store.GetState(ctx, conversationID, orgID)
}

// SetAiEnabled is the direct operator toggle. Explicitly enabling also clears
// any active mute window; the operator asked for responses now, not after a
// leftover window lapses.
func (s *Service) SetAiEnabled(ctx context.Context, orgID, conversationID uuid.UUID, enabled bool, sourceTag string, actorID *uuid.UUID) (*domain.GatingState, error) {
	before := s.snapshotBefore(ctx, orgID, conversationID)

	state, err := s.store.SetEnabled(ctx, conversationID, orgID, enabled, sourceTag)
	if err != nil {
		return nil, err
	}

	s.recordChange(ctx, state, "gating.toggled", actorID, before)
	return state, nil
}

// MuteFor suppresses automated responses until now + duration. The underlying
// flag survives the window so the conversation reverts to its prior value,
// never to the organization default.
func (s *Service) MuteFor(ctx context.Context, orgID, conversationID uuid.UUID, duration time.Duration, sourceTag string, actorID *uuid.UUID) (*domain.GatingState, error) {
	if duration <= 0 {
		return nil, apperr.Validation("mute duration must be positive")
	}
	if max := s.cfg.GetMuteMaxDuration(); max > 0 && duration > max {
		return nil, apperr.Validation(fmt.Sprintf("mute duration exceeds maximum of %s", max))
	}

	before := s.snapshotBefore(ctx, orgID, conversationID)
	until := s.now().Add(duration)

	state, err := s.store.Mute(ctx, conversationID, orgID, until,
		s.defaultForSource(ctx, orgID, sourceTag), sourceTag)
	if err != nil {
		return nil, err
	}

	s.recordChange(ctx, state, "gating.muted", actorID, before)
	return state, nil
}

// OnInboundMessage records conversation activity. It never changes gating and
// repeating it under webhook redelivery is harmless.
func (s *Service) OnInboundMessage(ctx context.Context, orgID, conversationID uuid.UUID, sourceTag string) error {
	defaultEnabled := s.defaultForSource(ctx, orgID, sourceTag)
	if err := s.store.TouchInteraction(ctx, conversationID, orgID, sourceTag, defaultEnabled); err != nil {
		return err
	}

	if s.bus != nil {
		s.bus.Publish(ctx, events.InboundMessageReceived{
			BaseEvent:      events.NewBaseEvent(),
			ConversationID: conversationID,
			OrganizationID: orgID,
			SourceTag:      sourceTag,
		})
	}
	return nil
}

// SweepExpiredMutes clears lapsed windows in bulk. Correctness never depends
// on it running; reads evaluate expiry themselves.
func (s *Service) SweepExpiredMutes(ctx context.Context) (int64, error) {
	cleared, err := s.store.ClearExpiredMutes(ctx, s.now())
	if err != nil {
		return 0, err
	}
	if cleared > 0 {
		s.log.Info("cleared expired mute windows", "count", cleared)
	}
	return cleared, nil
}

// SetSourcePolicy writes an organization's default for a source tag.
func (s *Service) SetSourcePolicy(ctx context.Context, orgID uuid.UUID, sourceTag string, defaultEnabled bool, actorID *uuid.UUID) (*domain.SourcePolicy, error) {
	if sourceTag == "" {
		return nil, apperr.Validation("source tag is required")
	}

	policy := &domain.SourcePolicy{
		OrganizationID:   orgID,
		SourceTag:        sourceTag,
		DefaultAiEnabled: defaultEnabled,
		UpdatedAt:        s.now(),
	}
	if err := s.store.UpsertSourcePolicy(ctx, policy); err != nil {
		return nil, err
	}

	s.recorder.Record(ctx, audit.RecordParams{
		OrganizationID: orgID,
		EntityType:     "gating_policy",
		EntityID:       orgID,
		Action:         "gating.policy_updated",
		ActorID:        actorID,
		After:          policy,
		NewState:       fmt.Sprintf("%s:default_ai_enabled=%t", sourceTag, defaultEnabled),
	})
	return policy, nil
}

// ListSourcePolicies returns the organization's source defaults.
func (s *Service) ListSourcePolicies(ctx context.Context, orgID uuid.UUID) ([]domain.SourcePolicy, error) {
	return s.store.ListSourcePolicies(ctx, orgID)
}

func (s *Service) defaultForSource(ctx context.Context, orgID uuid.UUID, sourceTag string) bool {
	if sourceTag != "" {
		policy, err := s.store.GetSourcePolicy(ctx, orgID, sourceTag)
		if err == nil {
			return policy.DefaultAiEnabled
		}
		if apperr.GetKind(err) != apperr.KindNotFound {
			s.log.DatabaseError("source policy lookup", err)
		}
	}
	return s.cfg.GetGatingFallbackEnabled()
}

func (s *Service) snapshotBefore(ctx context.Context, orgID, conversationID uuid.UUID) *gatingSnapshot {
	state, err := s.store.GetState(ctx, conversationID, orgID)
	if err != nil {
		return nil
	}
	return &gatingSnapshot{AiEnabled: state.AiEnabled, MutedUntil: state.MutedUntil}
}

func (s *Service) recordChange(ctx context.Context, state *domain.GatingState, action string, actorID *uuid.UUID, before *gatingSnapshot) {
	params := audit.RecordParams{
		OrganizationID: state.OrganizationID,
		EntityType:     "gating",
		EntityID:       state.ConversationID,
		Action:         action,
		ActorID:        actorID,
		After:          gatingSnapshot{AiEnabled: state.AiEnabled, MutedUntil: state.MutedUntil},
		NewState:       fmt.Sprintf("ai_enabled=%t", domain.EffectiveEnabled(state, s.now())),
		EventType:      sse.EventGatingUpdated,
	}
	if before != nil {
		params.Before = *before
	}
	s.recorder.Record(ctx, params)

	if s.bus != nil {
		s.bus.Publish(ctx, events.GatingChanged{
			BaseEvent:      events.NewBaseEvent(),
			ConversationID: state.ConversationID,
			OrganizationID: state.OrganizationID,
			AiEnabled:      state.AiEnabled,
			MutedUntil:     state.MutedUntil,
			ActorID:        actorID,
		})
	}
}
