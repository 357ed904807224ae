// Package webhook provides the inbound-trigger bounded context: API key
// management and intake of external platform events that drive job creation
// and conversation activity.
package webhook

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"convoops_backend/platform/apperr"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Delivery statuses.
const (
	DeliveryPending = "pending"
	DeliverySuccess = "success"
	DeliveryError   = "error"
)

// APIKey represents a webhook API key stored in the database.
type APIKey struct {
	ID             uuid.UUID
	OrganizationID uuid.UUID
	Name           string
	KeyHash        string
	KeyPrefix      string
	AllowedDomains []string
	IsActive       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Delivery is one recorded intake attempt, whatever its outcome. The raw
// payload is kept on the row so failed deliveries can be inspected and
// replayed; the optional object-storage archive is the long-term copy.
type Delivery struct {
	ID              uuid.UUID
	OrganizationID  uuid.UUID
	APIKeyID        uuid.UUID
	SourceTag       string
	EventType       string
	ExternalEventID *string
	ConversationID  *uuid.UUID
	JobID           *uuid.UUID
	ContactPhone    *string
	Status          string
	Error           *string
	Payload         []byte
	PayloadSize     int
	ReceivedAt      time.Time
	UpdatedAt       time.Time
}

// Repository provides data access for webhook API keys and delivery records.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new webhook repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GenerateAPIKey creates a new random API key and returns the plaintext key and its hash.
// The plaintext key is returned only once; only the hash is stored.
func GenerateAPIKey() (plaintext string, hash string, prefix string, err error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", "", "", err
	}
	plaintext = "whk_" + hex.EncodeToString(bytes)
	h := sha256.Sum256([]byte(plaintext))
	hash = hex.EncodeToString(h[:])
	prefix = plaintext[:12] // "whk_" + 8 hex chars
	return plaintext, hash, prefix, nil
}

// HashKey hashes a plaintext API key for lookup.
func HashKey(plaintext string) string {
	h := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(h[:])
}

// CreateKey creates a new API key record.
func (r *Repository) CreateKey(ctx context.Context, orgID uuid.UUID, name, keyHash, keyPrefix string, allowedDomains []string) (APIKey, error) {
	var key APIKey
	err := r.pool.QueryRow(ctx, `
		INSERT INTO webhook_api_keys (organization_id, name, key_hash, key_prefix, allowed_domains)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, organization_id, name, key_hash, key_prefix, allowed_domains, is_active, created_at, updated_at
	`, orgID, name, keyHash, keyPrefix, allowedDomains).Scan(
		&key.ID, &key.OrganizationID, &key.Name, &key.KeyHash, &key.KeyPrefix,
		&key.AllowedDomains, &key.IsActive, &key.CreatedAt, &key.UpdatedAt,
	)
	if err != nil {
		return APIKey{}, apperr.Unavailable("failed to create api key", err)
	}
	return key, nil
}

// GetKeyByHash retrieves an active API key by its hash.
func (r *Repository) GetKeyByHash(ctx context.Context, keyHash string) (APIKey, error) {
	var key APIKey
	err := r.pool.QueryRow(ctx, `
		SELECT id, organization_id, name, key_hash, key_prefix, allowed_domains, is_active, created_at, updated_at
		FROM webhook_api_keys
		WHERE key_hash = $1 AND is_active = true
	`, keyHash).Scan(
		&key.ID, &key.OrganizationID, &key.Name, &key.KeyHash, &key.KeyPrefix,
		&key.AllowedDomains, &key.IsActive, &key.CreatedAt, &key.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return APIKey{}, apperr.NotFound("webhook api key not found")
	}
	if err != nil {
		return APIKey{}, apperr.Unavailable("failed to look up api key", err)
	}
	return key, nil
}

// ListKeysByOrganization returns all API keys for an organization.
func (r *Repository) ListKeysByOrganization(ctx context.Context, orgID uuid.UUID) ([]APIKey, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, organization_id, name, key_hash, key_prefix, allowed_domains, is_active, created_at, updated_at
		FROM webhook_api_keys
		WHERE organization_id = $1
		ORDER BY created_at DESC
	`, orgID)
	if err != nil {
		return nil, apperr.Unavailable("failed to query api keys", err)
	}
	defer rows.Close()

	var keys []APIKey
	for rows.Next() {
		var key APIKey
		if err := rows.Scan(
			&key.ID, &key.OrganizationID, &key.Name, &key.KeyHash, &key.KeyPrefix,
			&key.AllowedDomains, &key.IsActive, &key.CreatedAt, &key.UpdatedAt,
		); err != nil {
			return nil, apperr.Unavailable("failed to scan api key", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Unavailable("failed to iterate api keys", err)
	}
	return keys, nil
}

// RevokeKey deactivates an API key.
func (r *Repository) RevokeKey(ctx context.Context, keyID, orgID uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE webhook_api_keys SET is_active = false, updated_at = now()
		WHERE id = $1 AND organization_id = $2
	`, keyID, orgID)
	if err != nil {
		return apperr.Unavailable("failed to revoke api key", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("webhook api key not found")
	}
	return nil
}

// InsertDelivery appends a delivery record in pending state, raw payload
// included.
func (r *Repository) InsertDelivery(ctx context.Context, d *Delivery) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO webhook_deliveries (
			id, organization_id, api_key_id, source_tag, event_type, external_event_id,
			conversation_id, contact_phone, status, payload, payload_size, received_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
	`, d.ID, d.OrganizationID, d.APIKeyID, d.SourceTag, d.EventType, d.ExternalEventID,
		d.ConversationID, d.ContactPhone, d.Status, d.Payload, d.PayloadSize, d.ReceivedAt)
	if err != nil {
		return apperr.Unavailable("failed to insert delivery record", err)
	}
	return nil
}

// FinishDelivery records the outcome of a processed delivery.
func (r *Repository) FinishDelivery(ctx context.Context, id uuid.UUID, status string, jobID *uuid.UUID, errDetail *string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE webhook_deliveries SET status = $2, job_id = $3, error = $4, updated_at = now()
		WHERE id = $1
	`, id, status, jobID, errDetail)
	if err != nil {
		return apperr.Unavailable("failed to update delivery record", err)
	}
	return nil
}

// GetDelivery returns one delivery with its raw payload, for inspection
// and replay.
func (r *Repository) GetDelivery(ctx context.Context, id, orgID uuid.UUID) (Delivery, error) {
	var d Delivery
	err := r.pool.QueryRow(ctx, `
		SELECT id, organization_id, api_key_id, source_tag, event_type, external_event_id,
			conversation_id, job_id, contact_phone, status, error, payload, payload_size, received_at, updated_at
		FROM webhook_deliveries
		WHERE id = $1 AND organization_id = $2
	`, id, orgID).Scan(
		&d.ID, &d.OrganizationID, &d.APIKeyID, &d.SourceTag, &d.EventType, &d.ExternalEventID,
		&d.ConversationID, &d.JobID, &d.ContactPhone, &d.Status, &d.Error,
		&d.Payload, &d.PayloadSize, &d.ReceivedAt, &d.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Delivery{}, apperr.NotFound("delivery not found")
	}
	if err != nil {
		return Delivery{}, apperr.Unavailable("failed to get delivery", err)
	}
	return d, nil
}

// ListDeliveries returns recent delivery records for an organization. The
// raw payload is omitted from the listing; GetDelivery returns it.
func (r *Repository) ListDeliveries(ctx context.Context, orgID uuid.UUID, limit int) ([]Delivery, error) {
	if limit < 1 || limit > 500 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, organization_id, api_key_id, source_tag, event_type, external_event_id,
			conversation_id, job_id, contact_phone, status, error, payload_size, received_at, updated_at
		FROM webhook_deliveries
		WHERE organization_id = $1
		ORDER BY received_at DESC
		LIMIT $2
	`, orgID, limit)
	if err != nil {
		return nil, apperr.Unavailable("failed to query deliveries", err)
	}
	defer rows.Close()

	var deliveries []Delivery
	for rows.Next() {
		var d Delivery
		if err := rows.Scan(
			&d.ID, &d.OrganizationID, &d.APIKeyID, &d.SourceTag, &d.EventType, &d.ExternalEventID,
			&d.ConversationID, &d.JobID, &d.ContactPhone, &d.Status, &d.Error,
			&d.PayloadSize, &d.ReceivedAt, &d.UpdatedAt,
		); err != nil {
			return nil, apperr.Unavailable("failed to scan delivery", err)
		}
		deliveries = append(deliveries, d)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Unavailable("failed to iterate deliveries", err)
	}
	return deliveries, nil
}
