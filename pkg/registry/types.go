// Package registry holds the persistent data model of semgate: tenants,
// registered databases, cube files, catalog configs and API keys, plus
// the store interface and the lifecycle manager over it.
package registry

import (
	"fmt"
	"time"
)

// DatabaseStatus is the lifecycle state of a registered database.
type DatabaseStatus string

// Database lifecycle states.
const (
	StatusInactive     DatabaseStatus = "inactive"
	StatusActive       DatabaseStatus = "active"
	StatusError        DatabaseStatus = "error"
	StatusInitializing DatabaseStatus = "initializing"
)

// ConnectionType identifies the warehouse flavor of a connection.
type ConnectionType string

// Supported warehouse types.
const (
	ConnectionPostgres   ConnectionType = "postgres"
	ConnectionMySQL      ConnectionType = "mysql"
	ConnectionRedshift   ConnectionType = "redshift"
	ConnectionClickHouse ConnectionType = "clickhouse"
	ConnectionBigQuery   ConnectionType = "bigquery"
	ConnectionSnowflake  ConnectionType = "snowflake"
)

// Connection is the tagged union over warehouse connection settings.
// Which fields are required depends on Type; Validate is the single
// authority on that.
type Connection struct {
	Type     ConnectionType `json:"type"`
	Host     string         `json:"host,omitempty"`
	Port     int            `json:"port,omitempty"`
	Database string         `json:"database,omitempty"`
	User     string         `json:"user,omitempty"`
	Password string         `json:"password,omitempty"`
	SSL      bool           `json:"ssl,omitempty"`

	// BigQuery
	ProjectID   string `json:"projectId,omitempty"`
	Credentials string `json:"credentials,omitempty"`

	// Snowflake
	Account   string `json:"account,omitempty"`
	Warehouse string `json:"warehouse,omitempty"`
	Role      string `json:"role,omitempty"`
}

// Validate checks the type-specific required fields. It is purely
// structural and never touches the network.
func (c *Connection) Validate() error {
	switch c.Type {
	case ConnectionPostgres, ConnectionMySQL, ConnectionRedshift, ConnectionClickHouse:
		if c.Host == "" {
			return fmt.Errorf("%s connection requires a host", c.Type)
		}
		if c.Database == "" {
			return fmt.Errorf("%s connection requires a database", c.Type)
		}
	case ConnectionBigQuery:
		if c.ProjectID == "" {
			return fmt.Errorf("bigquery connection requires a projectId")
		}
	case ConnectionSnowflake:
		if c.Account == "" {
			return fmt.Errorf("snowflake connection requires an account")
		}
		if c.Warehouse == "" {
			return fmt.Errorf("snowflake connection requires a warehouse")
		}
	case "":
		return fmt.Errorf("connection type is required")
	default:
		return fmt.Errorf("unsupported connection type %q", c.Type)
	}
	return nil
}

// Tenant is the isolation unit. Slug is globally unique and URL-safe.
type Tenant struct {
	ID        string    `json:"id"`
	Slug      string    `json:"slug"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DatabaseConfig is a registered physical database together with its
// governance envelope. TenantID is empty on self-hosted deployments.
type DatabaseConfig struct {
	ID              string          `json:"id"`
	Slug            string          `json:"slug"`
	TenantID        string          `json:"tenant_id,omitempty"`
	Name            string          `json:"name"`
	Description     string          `json:"description,omitempty"`
	Status          DatabaseStatus  `json:"status"`
	Connection      Connection      `json:"connection"`
	CubeAPIURL      string          `json:"cube_api_url,omitempty"`
	JWTSecret       string          `json:"jwt_secret,omitempty"`
	MaxLimit        int             `json:"max_limit"`
	DenyMembers     []string        `json:"deny_members"`
	DefaultSegments []string        `json:"default_segments"`
	DefaultFilters  []CatalogFilter `json:"default_filters,omitempty"`
	ReturnSQL       bool            `json:"return_sql"`
	LastError       string          `json:"last_error,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// CubeFile is one logical cube definition (YAML) belonging to a database.
// Keyed by (DatabaseID, FileName); versioning is last-write-wins.
type CubeFile struct {
	DatabaseID string    `json:"database_id"`
	FileName   string    `json:"file_name"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// CatalogFilter is a default filter injected into queries.
type CatalogFilter struct {
	Member   string   `json:"member"`
	Operator string   `json:"operator"`
	Values   []string `json:"values,omitempty"`
}

// CatalogDefaults are the fallback governance attributes applied to
// members without a per-member override.
type CatalogDefaults struct {
	Exposed *bool `json:"exposed,omitempty"`
	PII     *bool `json:"pii,omitempty"`
}

// CatalogOverride is the per-member governance override.
type CatalogOverride struct {
	Exposed               *bool    `json:"exposed,omitempty"`
	PII                   *bool    `json:"pii,omitempty"`
	Description           string   `json:"description,omitempty"`
	AllowedGroupBy        []string `json:"allowedGroupBy,omitempty"`
	DeniedGroupBy         []string `json:"deniedGroupBy,omitempty"`
	RequiresTimeDimension *bool    `json:"requiresTimeDimension,omitempty"`
}

// CatalogConfig is the per-database governance document.
type CatalogConfig struct {
	Version         int                        `json:"version"`
	Defaults        CatalogDefaults            `json:"defaults"`
	Members         map[string]CatalogOverride `json:"members"`
	DefaultSegments []string                   `json:"defaultSegments,omitempty"`
	DefaultFilters  []CatalogFilter            `json:"defaultFilters,omitempty"`
}

// NewCatalogConfig returns an empty governance document.
func NewCatalogConfig() *CatalogConfig {
	return &CatalogConfig{
		Version: 1,
		Members: map[string]CatalogOverride{},
	}
}

// APIKey is a long-lived machine credential for a tenant. The raw key is
// returned exactly once at creation; only its sha256 hash is stored.
type APIKey struct {
	ID         string     `json:"id"`
	TenantID   string     `json:"tenant_id,omitempty"`
	Name       string     `json:"name"`
	KeyHash    string     `json:"-"`
	KeyPrefix  string     `json:"key_prefix"`
	CreatedBy  string     `json:"created_by"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}

// Revoked reports whether the key has been revoked.
func (k *APIKey) Revoked() bool {
	return k.RevokedAt != nil
}

// Expired reports whether the key is past its expiry.
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}
