package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/semgate/semgate/pkg/registry"
)

// GetCubeFile returns a cube file or (nil, nil) when absent.
func (s *Store) GetCubeFile(ctx context.Context, databaseID, fileName string) (*registry.CubeFile, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT database_id, file_name, content, created_at, updated_at
		FROM cube_files WHERE database_id = $1 AND file_name = $2`,
		databaseID, fileName)
	var f registry.CubeFile
	err := row.Scan(&f.DatabaseID, &f.FileName, &f.Content, &f.CreatedAt, &f.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cube file: %w", err)
	}
	return &f, nil
}

// ListCubeFiles returns every cube file for one database.
func (s *Store) ListCubeFiles(ctx context.Context, databaseID string) ([]*registry.CubeFile, error) {
	return s.listCubeFiles(ctx, databaseID)
}

// ListAllCubeFiles returns every cube file across all databases.
func (s *Store) ListAllCubeFiles(ctx context.Context) ([]*registry.CubeFile, error) {
	return s.listCubeFiles(ctx, "")
}

func (s *Store) listCubeFiles(ctx context.Context, databaseID string) ([]*registry.CubeFile, error) {
	query := `SELECT database_id, file_name, content, created_at, updated_at FROM cube_files`
	var args []any
	if databaseID != "" {
		query += " WHERE database_id = $1"
		args = append(args, databaseID)
	}
	query += " ORDER BY database_id, file_name"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list cube files: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*registry.CubeFile
	for rows.Next() {
		var f registry.CubeFile
		if err := rows.Scan(&f.DatabaseID, &f.FileName, &f.Content, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &f)
	}
	return out, rows.Err()
}

// UpsertCubeFile writes a cube file, last-write-wins.
func (s *Store) UpsertCubeFile(ctx context.Context, file *registry.CubeFile) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cube_files (database_id, file_name, content, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (database_id, file_name)
		DO UPDATE SET content = EXCLUDED.content, updated_at = EXCLUDED.updated_at`,
		file.DatabaseID, file.FileName, file.Content, now)
	if err != nil {
		return fmt.Errorf("failed to upsert cube file: %w", err)
	}
	return nil
}

// DeleteCubeFile removes a cube file. Returns false when absent.
func (s *Store) DeleteCubeFile(ctx context.Context, databaseID, fileName string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM cube_files WHERE database_id = $1 AND file_name = $2",
		databaseID, fileName)
	if err != nil {
		return false, fmt.Errorf("failed to delete cube file: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// GetCatalogConfig returns the governance document or (nil, nil).
func (s *Store) GetCatalogConfig(ctx context.Context, databaseID string) (*registry.CatalogConfig, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT config FROM catalog_configs WHERE database_id = $1", databaseID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get catalog config: %w", err)
	}
	var cfg registry.CatalogConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode catalog config for %q: %w", databaseID, err)
	}
	if cfg.Members == nil {
		cfg.Members = map[string]registry.CatalogOverride{}
	}
	return &cfg, nil
}

// UpsertCatalogConfig writes the governance document.
func (s *Store) UpsertCatalogConfig(ctx context.Context, databaseID string, cfg *registry.CatalogConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal catalog config: %w", err)
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO catalog_configs (database_id, config, created_at, updated_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (database_id)
		DO UPDATE SET config = EXCLUDED.config, updated_at = EXCLUDED.updated_at`,
		databaseID, raw, now)
	if err != nil {
		return fmt.Errorf("failed to upsert catalog config: %w", err)
	}
	return nil
}
