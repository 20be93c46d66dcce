// Package postgres implements the registry store on PostgreSQL via pgx.
//
// Schema management uses goose with embedded migrations, guarded by a
// deployment-wide advisory lock so concurrent process starts cannot race
// the CREATE TABLE sequence. Connection credentials and JWT secrets are
// encrypted at rest with AES-256-GCM when an admin secret is configured.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"

	"github.com/semgate/semgate/pkg/crypto"
	"github.com/semgate/semgate/pkg/logger"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

const (
	// advisoryLockKey serializes schema initialization across processes
	// sharing one registry database.
	advisoryLockKey = 0x53454d47 // "SEMG"

	// settingEncryptionSalt is the settings key holding the random salt
	// generated on first initialization.
	settingEncryptionSalt = "encryption_salt"

	// uniqueViolation is the PostgreSQL error code for unique-constraint
	// violations; callers use it for race recovery.
	uniqueViolation = "23505"
)

// Store is the PostgreSQL-backed registry store.
type Store struct {
	db *sql.DB

	// key is the derived AES-256 key, nil when the deployment runs
	// without an admin secret (plaintext storage).
	key []byte
}

// New opens the registry database, initializes the schema under an
// advisory lock and derives the encryption key when adminSecret is set.
func New(ctx context.Context, databaseURL, adminSecret string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open registry database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("registry database unreachable: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	if adminSecret != "" {
		salt, err := s.ensureSalt(ctx)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		s.key = crypto.DeriveKey(adminSecret, salt)
	} else {
		logger.Warn("ADMIN_SECRET not set; connection credentials are stored in plaintext")
	}

	return s, nil
}

// initSchema applies pending migrations while holding the advisory lock.
func (s *Store) initSchema(ctx context.Context) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection for schema init: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_lock($1)", advisoryLockKey); err != nil {
		return fmt.Errorf("failed to acquire schema advisory lock: %w", err)
	}
	defer func() {
		if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", advisoryLockKey); err != nil {
			logger.Warnf("failed to release schema advisory lock: %v", err)
		}
	}()

	migrationFS, err := fs.Sub(embedMigrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration sub filesystem: %w", err)
	}

	provider, err := goose.NewProvider(database.DialectPostgres, s.db, migrationFS)
	if err != nil {
		return fmt.Errorf("failed to create goose provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// ensureSalt reads the deployment encryption salt, generating and
// persisting one on first initialization. A concurrent insert loses to
// the unique constraint and re-reads.
func (s *Store) ensureSalt(ctx context.Context) ([]byte, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM settings WHERE key = $1", settingEncryptionSalt).Scan(&value)
	switch {
	case err == nil:
		return hex.DecodeString(value)
	case errors.Is(err, sql.ErrNoRows):
		// fall through to generation
	default:
		return nil, fmt.Errorf("failed to read encryption salt: %w", err)
	}

	salt, err := crypto.NewSalt()
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO settings (key, value) VALUES ($1, $2)",
		settingEncryptionSalt, hex.EncodeToString(salt))
	if err != nil {
		if isUniqueViolation(err) {
			// Another process won the race; use its salt.
			if err := s.db.QueryRowContext(ctx,
				"SELECT value FROM settings WHERE key = $1", settingEncryptionSalt).Scan(&value); err != nil {
				return nil, fmt.Errorf("failed to re-read encryption salt: %w", err)
			}
			return hex.DecodeString(value)
		}
		return nil, fmt.Errorf("failed to persist encryption salt: %w", err)
	}
	return salt, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// encrypt protects a value at rest. Without a key it passes through.
func (s *Store) encrypt(value string) (string, error) {
	if s.key == nil || value == "" {
		return value, nil
	}
	return crypto.Encrypt(value, s.key)
}

// decrypt is best-effort: values that are not in the three-segment
// format, or whose auth tag fails verification, are treated as legacy
// plaintext rows and returned unchanged with a warning.
func (s *Store) decrypt(value string) string {
	if s.key == nil || value == "" {
		return value
	}
	if !crypto.IsEncrypted(value) {
		return value
	}
	plain, err := crypto.Decrypt(value, s.key)
	if err != nil {
		logger.Warnf("failed to decrypt stored value, treating as plaintext: %v", err)
		return value
	}
	return plain
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
