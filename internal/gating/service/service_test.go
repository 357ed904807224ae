package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"convoops_backend/internal/audit"
	"convoops_backend/internal/gating/domain"
	"convoops_backend/platform/apperr"
	"convoops_backend/platform/logger"

	"github.com/google/uuid"
)

type memStore struct {
	mu       sync.Mutex
	states   map[uuid.UUID]*domain.GatingState
	policies map[string]*domain.SourcePolicy // "<orgID>/<sourceTag>"
}

func newMemStore() *memStore {
	return &memStore{
		states:   make(map[uuid.UUID]*domain.GatingState),
		policies: make(map[string]*domain.SourcePolicy),
	}
}

func (m *memStore) GetState(_ context.Context, conversationID, _ uuid.UUID) (*domain.GatingState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[conversationID]
	if !ok {
		return nil, apperr.NotFound("gating state not found")
	}
	cp := *state
	return &cp, nil
}

func (m *memStore) SetEnabled(_ context.Context, conversationID, orgID uuid.UUID, enabled bool, sourceTag string) (*domain.GatingState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[conversationID]
	if !ok {
		state = &domain.GatingState{ConversationID: conversationID, OrganizationID: orgID, SourceTag: sourceTag, CreatedAt: time.Now()}
		m.states[conversationID] = state
	}
	state.AiEnabled = enabled
	if enabled {
		state.MutedUntil = nil
	}
	state.UpdatedAt = time.Now()
	cp := *state
	return &cp, nil
}

func (m *memStore) Mute(_ context.Context, conversationID, orgID uuid.UUID, until time.Time, defaultEnabled bool, sourceTag string) (*domain.GatingState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[conversationID]
	if !ok {
		state = &domain.GatingState{ConversationID: conversationID, OrganizationID: orgID, AiEnabled: defaultEnabled, SourceTag: sourceTag, CreatedAt: time.Now()}
		m.states[conversationID] = state
	}
	state.MutedUntil = &until
	state.UpdatedAt = time.Now()
	cp := *state
	return &cp, nil
}

func (m *memStore) TouchInteraction(_ context.Context, conversationID, orgID uuid.UUID, sourceTag string, defaultEnabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	state, ok := m.states[conversationID]
	if !ok {
		state = &domain.GatingState{ConversationID: conversationID, OrganizationID: orgID, AiEnabled: defaultEnabled, SourceTag: sourceTag, CreatedAt: now}
		m.states[conversationID] = state
	}
	state.LastInteractionAt = &now
	state.UpdatedAt = now
	return nil
}

func (m *memStore) ClearExpiredMutes(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var cleared int64
	for _, state := range m.states {
		if state.MutedUntil != nil && !now.Before(*state.MutedUntil) {
			state.MutedUntil = nil
			cleared++
		}
	}
	return cleared, nil
}

func (m *memStore) GetSourcePolicy(_ context.Context, orgID uuid.UUID, sourceTag string) (*domain.SourcePolicy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	policy, ok := m.policies[orgID.String()+"/"+sourceTag]
	if !ok {
		return nil, apperr.NotFound("no policy for source tag")
	}
	cp := *policy
	return &cp, nil
}

func (m *memStore) UpsertSourcePolicy(_ context.Context, policy *domain.SourcePolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *policy
	m.policies[policy.OrganizationID.String()+"/"+policy.SourceTag] = &cp
	return nil
}

func (m *memStore) ListSourcePolicies(_ context.Context, orgID uuid.UUID) ([]domain.SourcePolicy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.SourcePolicy
	for _, p := range m.policies {
		if p.OrganizationID == orgID {
			out = append(out, *p)
		}
	}
	return out, nil
}

type fakeRecorder struct {
	mu      sync.Mutex
	entries []audit.RecordParams
}

func (f *fakeRecorder) Record(_ context.Context, p audit.RecordParams) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, p)
}

func (f *fakeRecorder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

type fixedConfig struct {
	fallback bool
	maxMute  time.Duration
}

func (c fixedConfig) GetGatingFallbackEnabled() bool    { return c.fallback }
func (c fixedConfig) GetMuteMaxDuration() time.Duration { return c.maxMute }

func newTestService() (*Service, *memStore, *fakeRecorder) {
	store := newMemStore()
	recorder := &fakeRecorder{}
	svc := New(store, recorder, nil, fixedConfig{fallback: true, maxMute: 24 * time.Hour}, logger.New("test"))
	return svc, store, recorder
}

func TestIsAiEnabledUsesSourceDefaultWhenNoState(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := context.Background()
	orgID := uuid.New()

	if err := store.UpsertSourcePolicy(ctx, &domain.SourcePolicy{
		OrganizationID: orgID, SourceTag: "purchased_lead", DefaultAiEnabled: false,
	}); err != nil {
		t.Fatalf("seed policy: %v", err)
	}

	enabled, err := svc.IsAiEnabled(ctx, orgID, uuid.New(), "purchased_lead")
	if err != nil {
		t.Fatalf("IsAiEnabled: %v", err)
	}
	if enabled {
		t.Error("purchased_lead default should be disabled")
	}

	// Unknown source tag falls back to the configured default.
	enabled, err = svc.IsAiEnabled(ctx, orgID, uuid.New(), "inbound_chat")
	if err != nil {
		t.Fatalf("IsAiEnabled: %v", err)
	}
	if !enabled {
		t.Error("unknown source should use the enabled fallback")
	}
}

func TestSetAiEnabledRoundTrip(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	orgID := uuid.New()
	conversationID := uuid.New()

	if _, err := svc.SetAiEnabled(ctx, orgID, conversationID, false, "inbound_chat", nil); err != nil {
		t.Fatalf("SetAiEnabled: %v", err)
	}
	enabled, err := svc.IsAiEnabled(ctx, orgID, conversationID, "inbound_chat")
	if err != nil {
		t.Fatalf("IsAiEnabled: %v", err)
	}
	if enabled {
		t.Error("flag was set to disabled, read back enabled")
	}
}

func TestMutePreservesUnderlyingFlag(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	orgID := uuid.New()
	conversationID := uuid.New()

	// Operator had explicitly disabled AI before muting.
	if _, err := svc.SetAiEnabled(ctx, orgID, conversationID, false, "", nil); err != nil {
		t.Fatalf("SetAiEnabled: %v", err)
	}

	base := time.Now()
	svc.now = func() time.Time { return base }
	if _, err := svc.MuteFor(ctx, orgID, conversationID, 30*time.Minute, "", nil); err != nil {
		t.Fatalf("MuteFor: %v", err)
	}

	enabled, _ := svc.IsAiEnabled(ctx, orgID, conversationID, "")
	if enabled {
		t.Error("muted conversation must read disabled")
	}

	// After the window the conversation reverts to the stored flag (false),
	// not to the organization default (true).
	svc.now = func() time.Time { return base.Add(31 * time.Minute) }
	enabled, _ = svc.IsAiEnabled(ctx, orgID, conversationID, "")
	if enabled {
		t.Error("expired mute must revert to the pre-mute flag, not the default")
	}
}

func TestMuteThenExpiryRevertsToEnabled(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	orgID := uuid.New()
	conversationID := uuid.New()

	if _, err := svc.SetAiEnabled(ctx, orgID, conversationID, true, "", nil); err != nil {
		t.Fatalf("SetAiEnabled: %v", err)
	}

	base := time.Now()
	svc.now = func() time.Time { return base }
	if _, err := svc.MuteFor(ctx, orgID, conversationID, 10*time.Minute, "", nil); err != nil {
		t.Fatalf("MuteFor: %v", err)
	}

	svc.now = func() time.Time { return base.Add(5 * time.Minute) }
	if enabled, _ := svc.IsAiEnabled(ctx, orgID, conversationID, ""); enabled {
		t.Error("mid-window the conversation must be muted")
	}

	svc.now = func() time.Time { return base.Add(11 * time.Minute) }
	if enabled, _ := svc.IsAiEnabled(ctx, orgID, conversationID, ""); !enabled {
		t.Error("after expiry the conversation must be enabled again without any operator action")
	}
}

func TestExplicitEnableClearsMute(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	orgID := uuid.New()
	conversationID := uuid.New()

	if _, err := svc.MuteFor(ctx, orgID, conversationID, time.Hour, "", nil); err != nil {
		t.Fatalf("MuteFor: %v", err)
	}

	state, err := svc.SetAiEnabled(ctx, orgID, conversationID, true, "", nil)
	if err != nil {
		t.Fatalf("SetAiEnabled: %v", err)
	}
	if state.MutedUntil != nil {
		t.Error("explicit enable must clear the mute window")
	}
	if enabled, _ := svc.IsAiEnabled(ctx, orgID, conversationID, ""); !enabled {
		t.Error("conversation must be enabled immediately after the toggle")
	}
}

func TestMuteForValidatesDuration(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	orgID := uuid.New()

	_, err := svc.MuteFor(ctx, orgID, uuid.New(), 0, "", nil)
	if apperr.GetKind(err) != apperr.KindValidation {
		t.Errorf("zero duration: got %v, want validation error", err)
	}
	_, err = svc.MuteFor(ctx, orgID, uuid.New(), -time.Minute, "", nil)
	if apperr.GetKind(err) != apperr.KindValidation {
		t.Errorf("negative duration: got %v, want validation error", err)
	}
	_, err = svc.MuteFor(ctx, orgID, uuid.New(), 25*time.Hour, "", nil)
	if apperr.GetKind(err) != apperr.KindValidation {
		t.Errorf("over-max duration: got %v, want validation error", err)
	}
}

func TestOnInboundMessageDoesNotChangeGating(t *testing.T) {
	svc, _, recorder := newTestService()
	ctx := context.Background()
	orgID := uuid.New()
	conversationID := uuid.New()

	if _, err := svc.SetAiEnabled(ctx, orgID, conversationID, false, "inbound_chat", nil); err != nil {
		t.Fatalf("SetAiEnabled: %v", err)
	}
	auditBefore := recorder.count()

	// Redelivery of the same webhook calls this twice.
	for i := 0; i < 2; i++ {
		if err := svc.OnInboundMessage(ctx, orgID, conversationID, "inbound_chat"); err != nil {
			t.Fatalf("OnInboundMessage: %v", err)
		}
	}

	if enabled, _ := svc.IsAiEnabled(ctx, orgID, conversationID, "inbound_chat"); enabled {
		t.Error("inbound message must not flip the gating flag")
	}
	if recorder.count() != auditBefore {
		t.Error("inbound message must not write audit entries")
	}

	state, err := svc.GetState(ctx, orgID, conversationID)
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if state.LastInteractionAt == nil {
		t.Error("last interaction timestamp should be set")
	}
}

func TestSweepExpiredMutes(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := context.Background()
	orgID := uuid.New()
	conversationID := uuid.New()

	base := time.Now()
	svc.now = func() time.Time { return base }
	if _, err := svc.MuteFor(ctx, orgID, conversationID, time.Minute, "", nil); err != nil {
		t.Fatalf("MuteFor: %v", err)
	}

	svc.now = func() time.Time { return base.Add(2 * time.Minute) }
	cleared, err := svc.SweepExpiredMutes(ctx)
	if err != nil {
		t.Fatalf("SweepExpiredMutes: %v", err)
	}
	if cleared != 1 {
		t.Errorf("cleared = %d, want 1", cleared)
	}

	state, err := store.GetState(ctx, conversationID, orgID)
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if state.MutedUntil != nil {
		t.Error("sweep should have nulled the lapsed window")
	}
}
