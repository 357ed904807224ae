// Package audit provides the append-only audit trail and best-effort event
// publishing for every state change operators can observe.
package audit

import (
	"context"
	"time"

	"convoops_backend/platform/apperr"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Entry is one immutable audit record. Before and After hold JSON snapshots
// of the changed entity around the action.
type Entry struct {
	ID             uuid.UUID
	OrganizationID uuid.UUID
	EntityType     string
	EntityID       uuid.UUID
	Action         string
	ActorID        *uuid.UUID
	Before         []byte
	After          []byte
	CreatedAt      time.Time
}

// ListParams filters the audit trail for an organization.
type ListParams struct {
	OrganizationID uuid.UUID
	EntityType     *string
	EntityID       *uuid.UUID
	Page           int
	PageSize       int
}

// Repository provides database operations for audit entries. The table is
// append-only: there are no update or delete operations.
type Repository struct {
	pool *pgxpool.Pool
}

// New creates a new audit repository
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert appends an audit entry.
func (r *Repository) Insert(ctx context.Context, entry *Entry) error {
	query := `
		INSERT INTO audit_entries (
			id, organization_id, entity_type, entity_id, action, actor_id,
			before_state, after_state, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	if _, err := r.pool.Exec(ctx, query,
		entry.ID, entry.OrganizationID, entry.EntityType, entry.EntityID,
		entry.Action, entry.ActorID, entry.Before, entry.After, entry.CreatedAt,
	); err != nil {
		return apperr.Unavailable("failed to insert audit entry", err)
	}
	return nil
}

// List returns a page of the organization's audit trail, newest first.
func (r *Repository) List(ctx context.Context, params ListParams) ([]Entry, int, error) {
	page := params.Page
	if page < 1 {
		page = 1
	}
	pageSize := params.PageSize
	if pageSize < 1 || pageSize > 200 {
		pageSize = 50
	}

	var entityTypeParam, entityIDParam any
	if params.EntityType != nil {
		entityTypeParam = *params.EntityType
	}
	if params.EntityID != nil {
		entityIDParam = *params.EntityID
	}

	filter := `
		WHERE organization_id = $1
			AND ($2::text IS NULL OR entity_type = $2)
			AND ($3::uuid IS NULL OR entity_id = $3)`

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM audit_entries`+filter,
		params.OrganizationID, entityTypeParam, entityIDParam).Scan(&total); err != nil {
		return nil, 0, apperr.Unavailable("failed to count audit entries", err)
	}

	query := `
		SELECT id, organization_id, entity_type, entity_id, action, actor_id,
			before_state, after_state, created_at
		FROM audit_entries` + filter + `
		ORDER BY created_at DESC
		LIMIT $4 OFFSET $5`

	rows, err := r.pool.Query(ctx, query,
		params.OrganizationID, entityTypeParam, entityIDParam, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, 0, apperr.Unavailable("failed to query audit entries", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(
			&e.ID, &e.OrganizationID, &e.EntityType, &e.EntityID, &e.Action,
			&e.ActorID, &e.Before, &e.After, &e.CreatedAt,
		); err != nil {
			return nil, 0, apperr.Unavailable("failed to scan audit entry", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, apperr.Unavailable("failed to iterate audit entries", err)
	}
	return entries, total, nil
}
