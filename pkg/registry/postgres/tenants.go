package postgres

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	serrors "github.com/semgate/semgate/pkg/errors"
	"github.com/semgate/semgate/pkg/registry"
)

// apiKeyPrefixLen is how many characters of the raw key are stored for
// display purposes.
const apiKeyPrefixLen = 12

// GetTenantByID returns the tenant or (nil, nil).
func (s *Store) GetTenantByID(ctx context.Context, id string) (*registry.Tenant, error) {
	return s.getTenant(ctx, "id", id)
}

// GetTenantBySlug returns the tenant or (nil, nil).
func (s *Store) GetTenantBySlug(ctx context.Context, slug string) (*registry.Tenant, error) {
	return s.getTenant(ctx, "slug", slug)
}

func (s *Store) getTenant(ctx context.Context, column, value string) (*registry.Tenant, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, slug, name, created_at, updated_at FROM tenants WHERE "+column+" = $1", value)
	var t registry.Tenant
	err := row.Scan(&t.ID, &t.Slug, &t.Name, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant: %w", err)
	}
	return &t, nil
}

// CreateTenant inserts a tenant row. A duplicate id or slug fails with
// DUPLICATE_ID; callers recover from slug races by re-reading.
func (s *Store) CreateTenant(ctx context.Context, id, slug, name string) (*registry.Tenant, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO tenants (id, slug, name, created_at, updated_at) VALUES ($1,$2,$3,$4,$4)",
		id, slug, name, now)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, serrors.Newf(serrors.CodeDuplicateID, "tenant %q or slug %q already exists", id, slug)
		}
		return nil, fmt.Errorf("failed to create tenant: %w", err)
	}
	return &registry.Tenant{ID: id, Slug: slug, Name: name, CreatedAt: now, UpdatedAt: now}, nil
}

// UpdateTenantSlug renames a tenant's slug. Returns (nil, nil) when the
// tenant does not exist and SLUG_TAKEN on a collision.
func (s *Store) UpdateTenantSlug(ctx context.Context, id, slug string) (*registry.Tenant, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE tenants SET slug = $2, updated_at = $3 WHERE id = $1",
		id, slug, time.Now().UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return nil, serrors.Newf(serrors.CodeSlugTaken, "slug %q is already taken", slug)
		}
		return nil, fmt.Errorf("failed to update tenant slug: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}
	return s.GetTenantByID(ctx, id)
}

// TenantSlugExists reports whether any tenant holds the slug.
func (s *Store) TenantSlugExists(ctx context.Context, slug string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM tenants WHERE slug = $1", slug).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check tenant slug: %w", err)
	}
	return true, nil
}

// CreateAPIKey mints a new API key. The raw key is returned exactly once;
// only its sha256 hash is persisted.
func (s *Store) CreateAPIKey(ctx context.Context, tenantID, name, createdBy string) (*registry.APIKey, string, error) {
	raw, err := newRawKey()
	if err != nil {
		return nil, "", err
	}
	sum := sha256.Sum256([]byte(raw))

	key := &registry.APIKey{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Name:      name,
		KeyHash:   hex.EncodeToString(sum[:]),
		KeyPrefix: raw[:apiKeyPrefixLen],
		CreatedBy: createdBy,
		CreatedAt: time.Now().UTC(),
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, tenant_id, name, key_hash, key_prefix, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		key.ID, key.TenantID, key.Name, key.KeyHash, key.KeyPrefix, key.CreatedBy, key.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, "", serrors.New(serrors.CodeDuplicateID, "api key collision, retry")
		}
		return nil, "", fmt.Errorf("failed to create api key: %w", err)
	}
	return key, raw, nil
}

// GetAPIKeyByHash looks a key up strictly by the sha256 hex of the
// presented raw key. Returns (nil, nil) when unknown.
func (s *Store) GetAPIKeyByHash(ctx context.Context, hash string) (*registry.APIKey, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, key_hash, key_prefix, created_by,
			created_at, last_used_at, expires_at, revoked_at
		FROM api_keys WHERE key_hash = $1`, hash)
	key, err := scanAPIKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return key, err
}

// ListAPIKeys returns the tenant's keys, newest first.
func (s *Store) ListAPIKeys(ctx context.Context, tenantID string) ([]*registry.APIKey, error) {
	query := `SELECT id, tenant_id, name, key_hash, key_prefix, created_by,
		created_at, last_used_at, expires_at, revoked_at FROM api_keys`
	var args []any
	if tenantID != "" {
		query += " WHERE tenant_id = $1"
		args = append(args, tenantID)
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*registry.APIKey
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, key)
	}
	return out, rows.Err()
}

// RevokeAPIKey marks a key revoked. Returns false when the key is
// unknown to the tenant or already revoked.
func (s *Store) RevokeAPIKey(ctx context.Context, id, tenantID string) (bool, error) {
	query := "UPDATE api_keys SET revoked_at = $2 WHERE id = $1 AND revoked_at IS NULL"
	args := []any{id, time.Now().UTC()}
	if tenantID != "" {
		query += " AND tenant_id = $3"
		args = append(args, tenantID)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to revoke api key: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// TouchAPIKeyLastUsed records key usage, best-effort.
func (s *Store) TouchAPIKeyLastUsed(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE api_keys SET last_used_at = $2 WHERE id = $1", id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to touch api key: %w", err)
	}
	return nil
}

func scanAPIKey(row rowScanner) (*registry.APIKey, error) {
	var (
		key        registry.APIKey
		lastUsed   sql.NullTime
		expiresAt  sql.NullTime
		revokedAt  sql.NullTime
	)
	err := row.Scan(&key.ID, &key.TenantID, &key.Name, &key.KeyHash, &key.KeyPrefix,
		&key.CreatedBy, &key.CreatedAt, &lastUsed, &expiresAt, &revokedAt)
	if err != nil {
		return nil, err
	}
	if lastUsed.Valid {
		key.LastUsedAt = &lastUsed.Time
	}
	if expiresAt.Valid {
		key.ExpiresAt = &expiresAt.Time
	}
	if revokedAt.Valid {
		key.RevokedAt = &revokedAt.Time
	}
	return &key, nil
}

// newRawKey produces an "sg_" prefixed random key.
func newRawKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate api key: %w", err)
	}
	return "sg_" + hex.EncodeToString(buf), nil
}
