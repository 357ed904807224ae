package repository

import (
	"context"
	"errors"
	"time"

	"convoops_backend/internal/gating/domain"
	"convoops_backend/platform/apperr"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const stateNotFoundMsg = "gating state not found"

const stateColumns = `conversation_id, organization_id, ai_enabled, muted_until,
	source_tag, last_interaction_at, created_at, updated_at`

// Repository provides database operations for gating state and source policies
type Repository struct {
	pool *pgxpool.Pool
}

// New creates a new gating repository
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetState retrieves the gating state for a conversation.
func (r *Repository) GetState(ctx context.Context, conversationID, orgID uuid.UUID) (*domain.GatingState, error) {
	query := `SELECT ` + stateColumns + ` FROM conversation_gating_states
		WHERE conversation_id = $1 AND organization_id = $2`

	state, err := r.scanState(r.pool.QueryRow(ctx, query, conversationID, orgID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound(stateNotFoundMsg)
		}
		return nil, apperr.Unavailable("failed to get gating state", err)
	}
	return state, nil
}

// SetEnabled writes the AI-enabled flag, creating the state row when the
// conversation has none yet. An explicit enable also clears any mute window.
func (r *Repository) SetEnabled(ctx context.Context, conversationID, orgID uuid.UUID, enabled bool, sourceTag string) (*domain.GatingState, error) {
	now := time.Now()
	query := `
		INSERT INTO conversation_gating_states (
			conversation_id, organization_id, ai_enabled, source_tag, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (conversation_id) DO UPDATE SET
			ai_enabled = $3,
			muted_until = CASE WHEN $3 THEN NULL ELSE conversation_gating_states.muted_until END,
			updated_at = $5
		RETURNING ` + stateColumns

	state, err := r.scanState(r.pool.QueryRow(ctx, query, conversationID, orgID, enabled, sourceTag, now))
	if err != nil {
		return nil, apperr.Unavailable("failed to set gating flag", err)
	}
	return state, nil
}

// Mute sets the mute window end. The underlying flag is untouched so the
// conversation reverts to it when the window lapses; a newly created row
// starts from the provided default flag.
func (r *Repository) Mute(ctx context.Context, conversationID, orgID uuid.UUID, until time.Time, defaultEnabled bool, sourceTag string) (*domain.GatingState, error) {
	now := time.Now()
	query := `
		INSERT INTO conversation_gating_states (
			conversation_id, organization_id, ai_enabled, muted_until, source_tag, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (conversation_id) DO UPDATE SET
			muted_until = $4,
			updated_at = $6
		RETURNING ` + stateColumns

	state, err := r.scanState(r.pool.QueryRow(ctx, query, conversationID, orgID, defaultEnabled, until, sourceTag, now))
	if err != nil {
		return nil, apperr.Unavailable("failed to mute conversation", err)
	}
	return state, nil
}

// TouchInteraction records an inbound message timestamp. Creating the row on
// first contact captures the conversation's source tag and default flag.
// Safe under webhook redelivery: repeating the call only moves the timestamp.
func (r *Repository) TouchInteraction(ctx context.Context, conversationID, orgID uuid.UUID, sourceTag string, defaultEnabled bool) error {
	now := time.Now()
	query := `
		INSERT INTO conversation_gating_states (
			conversation_id, organization_id, ai_enabled, source_tag, last_interaction_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $5, $5)
		ON CONFLICT (conversation_id) DO UPDATE SET
			last_interaction_at = $5,
			updated_at = $5`

	if _, err := r.pool.Exec(ctx, query, conversationID, orgID, defaultEnabled, sourceTag, now); err != nil {
		return apperr.Unavailable("failed to record interaction", err)
	}
	return nil
}

// ClearExpiredMutes nulls out lapsed mute windows. Reads never depend on
// this; it only keeps rows tidy for reporting.
func (r *Repository) ClearExpiredMutes(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.pool.Exec(ctx,
		`UPDATE conversation_gating_states SET muted_until = NULL, updated_at = $1
		WHERE muted_until IS NOT NULL AND muted_until <= $1`, now)
	if err != nil {
		return 0, apperr.Unavailable("failed to clear expired mutes", err)
	}
	return result.RowsAffected(), nil
}

// GetSourcePolicy retrieves an organization's default for a source tag.
func (r *Repository) GetSourcePolicy(ctx context.Context, orgID uuid.UUID, sourceTag string) (*domain.SourcePolicy, error) {
	var p domain.SourcePolicy
	query := `SELECT organization_id, source_tag, default_ai_enabled, updated_at
		FROM gating_source_policies WHERE organization_id = $1 AND source_tag = $2`

	err := r.pool.QueryRow(ctx, query, orgID, sourceTag).Scan(
		&p.OrganizationID, &p.SourceTag, &p.DefaultAiEnabled, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("no policy for source tag")
		}
		return nil, apperr.Unavailable("failed to get source policy", err)
	}
	return &p, nil
}

// UpsertSourcePolicy writes an organization's default for a source tag.
func (r *Repository) UpsertSourcePolicy(ctx context.Context, policy *domain.SourcePolicy) error {
	query := `
		INSERT INTO gating_source_policies (organization_id, source_tag, default_ai_enabled, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (organization_id, source_tag) DO UPDATE SET
			default_ai_enabled = $3,
			updated_at = $4`

	if _, err := r.pool.Exec(ctx, query,
		policy.OrganizationID, policy.SourceTag, policy.DefaultAiEnabled, time.Now()); err != nil {
		return apperr.Unavailable("failed to upsert source policy", err)
	}
	return nil
}

// ListSourcePolicies returns all of an organization's source defaults.
func (r *Repository) ListSourcePolicies(ctx context.Context, orgID uuid.UUID) ([]domain.SourcePolicy, error) {
	query := `SELECT organization_id, source_tag, default_ai_enabled, updated_at
		FROM gating_source_policies WHERE organization_id = $1 ORDER BY source_tag`

	rows, err := r.pool.Query(ctx, query, orgID)
	if err != nil {
		return nil, apperr.Unavailable("failed to query source policies", err)
	}
	defer rows.Close()

	var policies []domain.SourcePolicy
	for rows.Next() {
		var p domain.SourcePolicy
		if err := rows.Scan(&p.OrganizationID, &p.SourceTag, &p.DefaultAiEnabled, &p.UpdatedAt); err != nil {
			return nil, apperr.Unavailable("failed to scan source policy", err)
		}
		policies = append(policies, p)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Unavailable("failed to iterate source policies", err)
	}
	return policies, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *Repository) scanState(row rowScanner) (*domain.GatingState, error) {
	var s domain.GatingState
	err := row.Scan(
		&s.ConversationID, &s.OrganizationID, &s.AiEnabled, &s.MutedUntil,
		&s.SourceTag, &s.LastInteractionAt, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}
