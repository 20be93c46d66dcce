package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	serrors "github.com/semgate/semgate/pkg/errors"
	"github.com/semgate/semgate/pkg/registry"
)

const databaseColumns = `id, slug, tenant_id, name, description, status, connection,
	cube_api_url, jwt_secret, max_limit, deny_members, default_segments,
	default_filters, return_sql, last_error, created_at, updated_at`

// CreateDatabase persists a new database config. The id must be unique;
// duplicates fail with DUPLICATE_ID.
func (s *Store) CreateDatabase(ctx context.Context, db *registry.DatabaseConfig) error {
	connJSON, err := json.Marshal(db.Connection)
	if err != nil {
		return fmt.Errorf("failed to marshal connection: %w", err)
	}
	connStored, err := s.encrypt(string(connJSON))
	if err != nil {
		return fmt.Errorf("failed to encrypt connection: %w", err)
	}
	secretStored, err := s.encrypt(db.JWTSecret)
	if err != nil {
		return fmt.Errorf("failed to encrypt jwt secret: %w", err)
	}

	denyJSON, _ := json.Marshal(orEmpty(db.DenyMembers))
	segmentsJSON, _ := json.Marshal(orEmpty(db.DefaultSegments))
	filtersJSON, _ := json.Marshal(orEmptyFilters(db.DefaultFilters))

	now := time.Now().UTC()
	db.CreatedAt, db.UpdatedAt = now, now

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO databases (id, slug, tenant_id, name, description, status,
			connection, cube_api_url, jwt_secret, max_limit, deny_members,
			default_segments, default_filters, return_sql, last_error,
			created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		db.ID, db.Slug, db.TenantID, db.Name, db.Description, string(db.Status),
		connStored, db.CubeAPIURL, secretStored, db.MaxLimit, denyJSON,
		segmentsJSON, filtersJSON, db.ReturnSQL, db.LastError,
		db.CreatedAt, db.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return serrors.Newf(serrors.CodeDuplicateID, "database %q already exists", db.ID)
		}
		return fmt.Errorf("failed to create database: %w", err)
	}
	return nil
}

// GetDatabase returns the database config or (nil, nil) when absent.
func (s *Store) GetDatabase(ctx context.Context, id, tenantID string) (*registry.DatabaseConfig, error) {
	query := "SELECT " + databaseColumns + " FROM databases WHERE id = $1"
	args := []any{id}
	if tenantID != "" {
		query += " AND tenant_id = $2"
		args = append(args, tenantID)
	}
	row := s.db.QueryRowContext(ctx, query, args...)
	db, err := s.scanDatabase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return db, err
}

// ListDatabases returns every database visible to the tenant.
func (s *Store) ListDatabases(ctx context.Context, tenantID string) ([]*registry.DatabaseConfig, error) {
	return s.listDatabases(ctx, tenantID, false)
}

// ListActiveDatabases returns only databases with status=active.
func (s *Store) ListActiveDatabases(ctx context.Context, tenantID string) ([]*registry.DatabaseConfig, error) {
	return s.listDatabases(ctx, tenantID, true)
}

// ListAllDatabases returns every database across all tenants.
func (s *Store) ListAllDatabases(ctx context.Context) ([]*registry.DatabaseConfig, error) {
	return s.listDatabases(ctx, "", false)
}

func (s *Store) listDatabases(ctx context.Context, tenantID string, activeOnly bool) ([]*registry.DatabaseConfig, error) {
	query := "SELECT " + databaseColumns + " FROM databases WHERE 1=1"
	var args []any
	if tenantID != "" {
		args = append(args, tenantID)
		query += fmt.Sprintf(" AND tenant_id = $%d", len(args))
	}
	if activeOnly {
		args = append(args, string(registry.StatusActive))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	query += " ORDER BY created_at"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list databases: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*registry.DatabaseConfig
	for rows.Next() {
		db, err := s.scanDatabase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, db)
	}
	return out, rows.Err()
}

// UpdateDatabase rewrites the full row. Returns (nil, nil) when the row
// does not exist.
func (s *Store) UpdateDatabase(ctx context.Context, db *registry.DatabaseConfig) (*registry.DatabaseConfig, error) {
	connJSON, err := json.Marshal(db.Connection)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal connection: %w", err)
	}
	connStored, err := s.encrypt(string(connJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt connection: %w", err)
	}
	secretStored, err := s.encrypt(db.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt jwt secret: %w", err)
	}

	denyJSON, _ := json.Marshal(orEmpty(db.DenyMembers))
	segmentsJSON, _ := json.Marshal(orEmpty(db.DefaultSegments))
	filtersJSON, _ := json.Marshal(orEmptyFilters(db.DefaultFilters))

	db.UpdatedAt = time.Now().UTC()

	query := `UPDATE databases SET slug=$2, name=$3, description=$4, status=$5,
		connection=$6, cube_api_url=$7, jwt_secret=$8, max_limit=$9,
		deny_members=$10, default_segments=$11, default_filters=$12,
		return_sql=$13, last_error=$14, updated_at=$15
		WHERE id = $1`
	args := []any{db.ID, db.Slug, db.Name, db.Description, string(db.Status),
		connStored, db.CubeAPIURL, secretStored, db.MaxLimit,
		denyJSON, segmentsJSON, filtersJSON, db.ReturnSQL, db.LastError,
		db.UpdatedAt}
	if db.TenantID != "" {
		query += " AND tenant_id = $16"
		args = append(args, db.TenantID)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update database: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}
	return db, nil
}

// UpdateDatabaseStatus writes the lifecycle status and last error.
func (s *Store) UpdateDatabaseStatus(ctx context.Context, id, tenantID string, status registry.DatabaseStatus, lastError string) error {
	query := "UPDATE databases SET status=$2, last_error=$3, updated_at=$4 WHERE id = $1"
	args := []any{id, string(status), lastError, time.Now().UTC()}
	if tenantID != "" {
		query += " AND tenant_id = $5"
		args = append(args, tenantID)
	}
	_, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update database status: %w", err)
	}
	return nil
}

// DeleteDatabase removes the row; cube files and catalog config cascade.
// Returns false when nothing was deleted.
func (s *Store) DeleteDatabase(ctx context.Context, id, tenantID string) (bool, error) {
	query := "DELETE FROM databases WHERE id = $1"
	args := []any{id}
	if tenantID != "" {
		query += " AND tenant_id = $2"
		args = append(args, tenantID)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to delete database: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DatabaseExists reports whether the scoped id is taken.
func (s *Store) DatabaseExists(ctx context.Context, id, tenantID string) (bool, error) {
	query := "SELECT 1 FROM databases WHERE id = $1"
	args := []any{id}
	if tenantID != "" {
		query += " AND tenant_id = $2"
		args = append(args, tenantID)
	}
	var one int
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check database existence: %w", err)
	}
	return true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanDatabase(row rowScanner) (*registry.DatabaseConfig, error) {
	var (
		db                                     registry.DatabaseConfig
		status, connStored, secretStored       string
		denyJSON, segmentsJSON, filtersJSON    []byte
	)
	err := row.Scan(&db.ID, &db.Slug, &db.TenantID, &db.Name, &db.Description,
		&status, &connStored, &db.CubeAPIURL, &secretStored, &db.MaxLimit,
		&denyJSON, &segmentsJSON, &filtersJSON, &db.ReturnSQL, &db.LastError,
		&db.CreatedAt, &db.UpdatedAt)
	if err != nil {
		return nil, err
	}
	db.Status = registry.DatabaseStatus(status)
	db.JWTSecret = s.decrypt(secretStored)

	connJSON := s.decrypt(connStored)
	if err := json.Unmarshal([]byte(connJSON), &db.Connection); err != nil {
		// A row whose connection cannot be decoded degrades rather than
		// taking the whole store offline.
		return nil, fmt.Errorf("failed to decode connection for database %q: %w", db.ID, err)
	}
	if err := json.Unmarshal(denyJSON, &db.DenyMembers); err != nil {
		db.DenyMembers = nil
	}
	if err := json.Unmarshal(segmentsJSON, &db.DefaultSegments); err != nil {
		db.DefaultSegments = nil
	}
	if err := json.Unmarshal(filtersJSON, &db.DefaultFilters); err != nil {
		db.DefaultFilters = nil
	}
	return &db, nil
}

func orEmpty(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

func orEmptyFilters(in []registry.CatalogFilter) []registry.CatalogFilter {
	if in == nil {
		return []registry.CatalogFilter{}
	}
	return in
}
