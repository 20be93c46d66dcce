package registry

import (
	"context"
	"fmt"
	"time"

	serrors "github.com/semgate/semgate/pkg/errors"
	"github.com/semgate/semgate/pkg/logger"
)

const (
	// DefaultSlug names the bootstrap database every deployment gets.
	// It can never be deleted.
	DefaultSlug = "default"

	// DefaultMaxLimit is the limit ceiling applied to databases created
	// without an explicit one.
	DefaultMaxLimit = 1000
)

// ManagerConfig carries the deployment-level knobs the manager needs.
type ManagerConfig struct {
	// GlobalJWTSecret is the deployment-wide secret cube engines verify
	// tokens with. Databases carrying a different custom secret trigger
	// a warning at creation time.
	GlobalJWTSecret string

	// DefaultSeed is the connection used by InitializeDefaultDatabase.
	DefaultSeed Connection

	// Introspect, when set, generates starter cube files for a freshly
	// bootstrapped default database. Failures are non-fatal.
	Introspect func(ctx context.Context, db *DatabaseConfig) error
}

// Manager is the policy layer over the store: id scoping, lifecycle
// rules, structural connection tests and event fan-out.
type Manager struct {
	store Store
	cfg   ManagerConfig
	bus   eventBus
}

// NewManager creates a manager over the given store.
func NewManager(store Store, cfg ManagerConfig) *Manager {
	return &Manager{store: store, cfg: cfg}
}

// Store exposes the underlying store for read-side collaborators.
func (m *Manager) Store() Store {
	return m.store
}

// Subscribe registers a lifecycle listener. The filesystem synchronizer
// is the canonical one.
func (m *Manager) Subscribe(l Listener) {
	m.bus.subscribe(l)
}

// CreateDatabaseInput is the user-supplied portion of a new database.
type CreateDatabaseInput struct {
	Slug            string          `json:"slug" validate:"required"`
	Name            string          `json:"name" validate:"required"`
	Description     string          `json:"description"`
	Connection      Connection      `json:"connection" validate:"required"`
	CubeAPIURL      string          `json:"cube_api_url"`
	JWTSecret       string          `json:"jwt_secret"`
	MaxLimit        int             `json:"max_limit" validate:"omitempty,min=1"`
	DenyMembers     []string        `json:"deny_members"`
	DefaultSegments []string        `json:"default_segments"`
	DefaultFilters  []CatalogFilter `json:"default_filters"`
	ReturnSQL       bool            `json:"return_sql"`
}

// CreateDatabase scopes the slug, persists the config, seeds an empty
// catalog config and emits a created event. New databases start inactive.
func (m *Manager) CreateDatabase(ctx context.Context, in CreateDatabaseInput, tenantID string) (*DatabaseConfig, error) {
	if !IsValidSlug(in.Slug) {
		return nil, serrors.Newf(serrors.CodeValidation, "invalid slug %q", in.Slug)
	}
	if err := in.Connection.Validate(); err != nil {
		return nil, serrors.Wrap(serrors.CodeValidation, "invalid connection", err)
	}
	if in.MaxLimit == 0 {
		in.MaxLimit = DefaultMaxLimit
	}
	if in.MaxLimit < 1 {
		return nil, serrors.New(serrors.CodeValidation, "max_limit must be at least 1")
	}

	id := ScopeDatabaseID(in.Slug, tenantID)
	exists, err := m.store.DatabaseExists(ctx, id, tenantID)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, serrors.Newf(serrors.CodeDuplicateID, "database %q already exists", id)
	}

	if in.JWTSecret != "" && m.cfg.GlobalJWTSecret != "" && in.JWTSecret != m.cfg.GlobalJWTSecret {
		// Cube engines typically verify with the global secret; a custom
		// one usually means misconfiguration, but the caller may know better.
		logger.Warnw("database configured with a custom jwt_secret differing from the global secret",
			"database_id", id)
	}

	db := &DatabaseConfig{
		ID:              id,
		Slug:            in.Slug,
		TenantID:        tenantID,
		Name:            in.Name,
		Description:     in.Description,
		Status:          StatusInactive,
		Connection:      in.Connection,
		CubeAPIURL:      in.CubeAPIURL,
		JWTSecret:       in.JWTSecret,
		MaxLimit:        in.MaxLimit,
		DenyMembers:     in.DenyMembers,
		DefaultSegments: in.DefaultSegments,
		DefaultFilters:  in.DefaultFilters,
		ReturnSQL:       in.ReturnSQL,
	}
	if err := m.store.CreateDatabase(ctx, db); err != nil {
		return nil, err
	}
	if err := m.store.UpsertCatalogConfig(ctx, id, NewCatalogConfig()); err != nil {
		logger.Warnf("failed to seed catalog config for %s: %v", id, err)
	}

	m.bus.emit(Event{Type: EventCreated, DatabaseID: id, TenantID: tenantID})
	return db, nil
}

// UpdateDatabaseInput is a partial patch; nil fields are left unchanged.
type UpdateDatabaseInput struct {
	Name            *string          `json:"name"`
	Description     *string          `json:"description"`
	Connection      *Connection      `json:"connection"`
	CubeAPIURL      *string          `json:"cube_api_url"`
	JWTSecret       *string          `json:"jwt_secret"`
	MaxLimit        *int             `json:"max_limit" validate:"omitempty,min=1"`
	DenyMembers     *[]string        `json:"deny_members"`
	DefaultSegments *[]string        `json:"default_segments"`
	DefaultFilters  *[]CatalogFilter `json:"default_filters"`
	ReturnSQL       *bool            `json:"return_sql"`
}

// UpdateDatabase applies the patch. Mutating the connection of an active
// database is forbidden.
func (m *Manager) UpdateDatabase(ctx context.Context, id, tenantID string, in UpdateDatabaseInput) (*DatabaseConfig, error) {
	db, err := m.store.GetDatabase(ctx, id, tenantID)
	if err != nil {
		return nil, err
	}
	if db == nil {
		return nil, serrors.Newf(serrors.CodeNotFound, "database %q not found", id)
	}
	if in.Connection != nil {
		if db.Status == StatusActive {
			return nil, serrors.New(serrors.CodeActiveCannotMutateConn,
				"cannot modify the connection of an active database; deactivate it first")
		}
		if err := in.Connection.Validate(); err != nil {
			return nil, serrors.Wrap(serrors.CodeValidation, "invalid connection", err)
		}
		db.Connection = *in.Connection
	}
	if in.Name != nil {
		db.Name = *in.Name
	}
	if in.Description != nil {
		db.Description = *in.Description
	}
	if in.CubeAPIURL != nil {
		db.CubeAPIURL = *in.CubeAPIURL
	}
	if in.JWTSecret != nil {
		db.JWTSecret = *in.JWTSecret
	}
	if in.MaxLimit != nil {
		if *in.MaxLimit < 1 {
			return nil, serrors.New(serrors.CodeValidation, "max_limit must be at least 1")
		}
		db.MaxLimit = *in.MaxLimit
	}
	if in.DenyMembers != nil {
		db.DenyMembers = *in.DenyMembers
	}
	if in.DefaultSegments != nil {
		db.DefaultSegments = *in.DefaultSegments
	}
	if in.DefaultFilters != nil {
		db.DefaultFilters = *in.DefaultFilters
	}
	if in.ReturnSQL != nil {
		db.ReturnSQL = *in.ReturnSQL
	}

	updated, err := m.store.UpdateDatabase(ctx, db)
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return nil, serrors.Newf(serrors.CodeNotFound, "database %q not found", id)
	}

	m.bus.emit(Event{Type: EventUpdated, DatabaseID: id, TenantID: tenantID})
	return updated, nil
}

// DeleteDatabase removes an inactive database. The "default" database is
// protected from deletion.
func (m *Manager) DeleteDatabase(ctx context.Context, id, tenantID string) error {
	db, err := m.store.GetDatabase(ctx, id, tenantID)
	if err != nil {
		return err
	}
	if db == nil {
		return serrors.Newf(serrors.CodeNotFound, "database %q not found", id)
	}
	if db.Status == StatusActive {
		return serrors.New(serrors.CodeActiveCannotDelete,
			"cannot delete an active database; deactivate it first")
	}
	if db.Slug == DefaultSlug {
		return serrors.New(serrors.CodeUndeletableDefault, "the default database cannot be deleted")
	}

	deleted, err := m.store.DeleteDatabase(ctx, id, tenantID)
	if err != nil {
		return err
	}
	if !deleted {
		return serrors.Newf(serrors.CodeNotFound, "database %q not found", id)
	}

	m.bus.emit(Event{Type: EventDeleted, DatabaseID: id, TenantID: tenantID})
	return nil
}

// TestResult is the outcome of a structural connection test.
type TestResult struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	LatencyMs int64  `json:"latencyMs"`
}

// TestConnection verifies the type-specific required fields. It is
// purely syntactic and never blocks on network I/O.
func (*Manager) TestConnection(conn Connection) TestResult {
	start := time.Now()
	if err := conn.Validate(); err != nil {
		return TestResult{
			Success:   false,
			Message:   err.Error(),
			LatencyMs: time.Since(start).Milliseconds(),
		}
	}
	return TestResult{
		Success:   true,
		Message:   fmt.Sprintf("%s connection config looks valid", conn.Type),
		LatencyMs: time.Since(start).Milliseconds(),
	}
}

// ActivateDatabase runs the structural test, then flips the database to
// active and emits an activated event so the synchronizer materializes
// its files. A failed test records status=error with the reason.
func (m *Manager) ActivateDatabase(ctx context.Context, id, tenantID string) (*DatabaseConfig, error) {
	db, err := m.store.GetDatabase(ctx, id, tenantID)
	if err != nil {
		return nil, err
	}
	if db == nil {
		return nil, serrors.Newf(serrors.CodeNotFound, "database %q not found", id)
	}

	if res := m.TestConnection(db.Connection); !res.Success {
		if err := m.store.UpdateDatabaseStatus(ctx, id, tenantID, StatusError, res.Message); err != nil {
			logger.Warnf("failed to record activation error for %s: %v", id, err)
		}
		return nil, serrors.Newf(serrors.CodeValidation, "connection test failed: %s", res.Message)
	}

	if err := m.store.UpdateDatabaseStatus(ctx, id, tenantID, StatusActive, ""); err != nil {
		return nil, err
	}
	db.Status = StatusActive
	db.LastError = ""

	m.bus.emit(Event{Type: EventActivated, DatabaseID: id, TenantID: tenantID})
	return db, nil
}

// DeactivateDatabase flips the database to inactive. Always possible.
func (m *Manager) DeactivateDatabase(ctx context.Context, id, tenantID string) (*DatabaseConfig, error) {
	db, err := m.store.GetDatabase(ctx, id, tenantID)
	if err != nil {
		return nil, err
	}
	if db == nil {
		return nil, serrors.Newf(serrors.CodeNotFound, "database %q not found", id)
	}

	if err := m.store.UpdateDatabaseStatus(ctx, id, tenantID, StatusInactive, ""); err != nil {
		return nil, err
	}
	db.Status = StatusInactive

	m.bus.emit(Event{Type: EventDeactivated, DatabaseID: id, TenantID: tenantID})
	return db, nil
}

// InitializeDefaultDatabase creates and activates the deployment-default
// database for the tenant. Idempotent: an existing row is returned as-is.
// Starter cube introspection is fire-and-forget.
func (m *Manager) InitializeDefaultDatabase(ctx context.Context, tenantID string) (*DatabaseConfig, error) {
	id := ScopeDatabaseID(DefaultSlug, tenantID)
	if existing, err := m.store.GetDatabase(ctx, id, tenantID); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	db, err := m.CreateDatabase(ctx, CreateDatabaseInput{
		Slug:        DefaultSlug,
		Name:        "Default Database",
		Description: "Automatically provisioned default database",
		Connection:  m.cfg.DefaultSeed,
	}, tenantID)
	if err != nil {
		// A concurrent bootstrap won the race; treat as success.
		if serrors.IsDuplicateID(err) {
			return m.store.GetDatabase(ctx, id, tenantID)
		}
		return nil, err
	}

	activated, err := m.ActivateDatabase(ctx, id, tenantID)
	if err != nil {
		logger.Warnf("default database %s created but activation failed: %v", id, err)
		return db, nil
	}

	if m.cfg.Introspect != nil {
		go func() {
			// Detached from the request: introspection outlives the caller.
			ictx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := m.cfg.Introspect(ictx, activated); err != nil {
				logger.Warnf("starter cube introspection for %s failed: %v", id, err)
			}
		}()
	}

	return activated, nil
}
