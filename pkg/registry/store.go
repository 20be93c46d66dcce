package registry

import "context"

// Store is the single source of truth for all persistent state. Every
// read or write that can belong to a tenant accepts a tenantID; an empty
// tenantID (self-hosted) disables the tenant filter entirely.
//
// Missing-row semantics: Get* returns (nil, nil); Update* returns
// (nil, nil); Delete*/Revoke* return (false, nil). Creations of existing
// rows fail with a DUPLICATE_ID taxonomy error.
type Store interface {
	// Databases
	CreateDatabase(ctx context.Context, db *DatabaseConfig) error
	GetDatabase(ctx context.Context, id, tenantID string) (*DatabaseConfig, error)
	ListDatabases(ctx context.Context, tenantID string) ([]*DatabaseConfig, error)
	ListActiveDatabases(ctx context.Context, tenantID string) ([]*DatabaseConfig, error)
	// ListAllDatabases ignores tenant scoping; the filesystem synchronizer
	// materializes every tenant's databases into one tree.
	ListAllDatabases(ctx context.Context) ([]*DatabaseConfig, error)
	UpdateDatabase(ctx context.Context, db *DatabaseConfig) (*DatabaseConfig, error)
	UpdateDatabaseStatus(ctx context.Context, id, tenantID string, status DatabaseStatus, lastError string) error
	DeleteDatabase(ctx context.Context, id, tenantID string) (bool, error)
	DatabaseExists(ctx context.Context, id, tenantID string) (bool, error)

	// Cube files (unscoped; cascade with their database)
	GetCubeFile(ctx context.Context, databaseID, fileName string) (*CubeFile, error)
	ListCubeFiles(ctx context.Context, databaseID string) ([]*CubeFile, error)
	ListAllCubeFiles(ctx context.Context) ([]*CubeFile, error)
	UpsertCubeFile(ctx context.Context, file *CubeFile) error
	DeleteCubeFile(ctx context.Context, databaseID, fileName string) (bool, error)

	// Catalog configs
	GetCatalogConfig(ctx context.Context, databaseID string) (*CatalogConfig, error)
	UpsertCatalogConfig(ctx context.Context, databaseID string, cfg *CatalogConfig) error

	// Tenants
	GetTenantByID(ctx context.Context, id string) (*Tenant, error)
	GetTenantBySlug(ctx context.Context, slug string) (*Tenant, error)
	CreateTenant(ctx context.Context, id, slug, name string) (*Tenant, error)
	UpdateTenantSlug(ctx context.Context, id, slug string) (*Tenant, error)
	TenantSlugExists(ctx context.Context, slug string) (bool, error)

	// API keys
	CreateAPIKey(ctx context.Context, tenantID, name, createdBy string) (*APIKey, string, error)
	GetAPIKeyByHash(ctx context.Context, hash string) (*APIKey, error)
	ListAPIKeys(ctx context.Context, tenantID string) ([]*APIKey, error)
	RevokeAPIKey(ctx context.Context, id, tenantID string) (bool, error)
	TouchAPIKeyLastUsed(ctx context.Context, id string) error

	Close() error
}
