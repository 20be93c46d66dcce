// Package config loads the deployment configuration from the environment.
package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/viper"
)

// Config holds every deployment-level option semgate recognizes.
type Config struct {
	// DataDir is the filesystem root the synchronizer materializes into.
	DataDir string

	// DatabaseURL is the registry store connection string. Either set
	// directly or assembled from the POSTGRES_* variables.
	DatabaseURL string

	// CubeAPIURL is the base URL of the upstream cube engine.
	CubeAPIURL string

	// CubeJWTSecret signs the short-lived tokens sent to the cube engine.
	CubeJWTSecret string

	// AdminSecret enables encryption at rest for connection credentials.
	// Empty means plaintext storage.
	AdminSecret string

	// AuthEnabled flips tenant resolution on. When false, all tenant
	// fields are empty and the deployment is self-hosted.
	AuthEnabled bool

	// SessionSecret verifies browser session tokens issued by the
	// identity provider. Falls back to CubeJWTSecret when unset.
	SessionSecret string

	// IdentityAPIURL and IdentityAPIKey configure the external identity
	// provider lookup used during tenant materialization.
	IdentityAPIURL string
	IdentityAPIKey string

	// IdentityPublishableKey is exposed to browsers via /api/config.
	IdentityPublishableKey string

	MCPStdioEnabled bool
	MCPHTTPEnabled  bool
	MCPHTTPHost     string
	MCPHTTPPort     int

	APIHost string
	APIPort int

	// CubeColocated selects the docker-bridge hostname instead of
	// loopback when writing the connections JSON for the cube engine.
	CubeColocated bool

	Debug bool

	// DefaultDB* seed the connection of the bootstrap "default" database.
	// They fall back to the registry POSTGRES_* values.
	DefaultDBHost     string
	DefaultDBPort     int
	DefaultDBName     string
	DefaultDBUser     string
	DefaultDBPassword string
}

// Load reads the configuration from the environment via viper and applies
// defaults. It fails only when the registry connection cannot be derived.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("DATA_DIR", "./data")
	v.SetDefault("CUBE_API_URL", "http://localhost:4000")
	v.SetDefault("AUTH_ENABLED", false)
	v.SetDefault("MCP_STDIO_ENABLED", false)
	v.SetDefault("MCP_HTTP_ENABLED", true)
	v.SetDefault("MCP_HTTP_HOST", "0.0.0.0")
	v.SetDefault("MCP_HTTP_PORT", 3001)
	v.SetDefault("API_HOST", "0.0.0.0")
	v.SetDefault("API_PORT", 3000)
	v.SetDefault("CUBE_COLOCATED", false)
	v.SetDefault("DEBUG", false)
	v.SetDefault("POSTGRES_HOST", "localhost")
	v.SetDefault("POSTGRES_PORT", 5432)
	v.SetDefault("POSTGRES_DB", "semgate")
	v.SetDefault("POSTGRES_USER", "postgres")

	cfg := &Config{
		DataDir:                v.GetString("DATA_DIR"),
		DatabaseURL:            v.GetString("DATABASE_URL"),
		CubeAPIURL:             strings.TrimRight(v.GetString("CUBE_API_URL"), "/"),
		CubeJWTSecret:          v.GetString("CUBE_JWT_SECRET"),
		AdminSecret:            v.GetString("ADMIN_SECRET"),
		AuthEnabled:            v.GetBool("AUTH_ENABLED"),
		SessionSecret:          v.GetString("SESSION_SECRET"),
		IdentityAPIURL:         v.GetString("IDENTITY_API_URL"),
		IdentityAPIKey:         v.GetString("IDENTITY_API_KEY"),
		IdentityPublishableKey: v.GetString("IDENTITY_PUBLISHABLE_KEY"),
		MCPStdioEnabled:        v.GetBool("MCP_STDIO_ENABLED"),
		MCPHTTPEnabled:         v.GetBool("MCP_HTTP_ENABLED"),
		MCPHTTPHost:            v.GetString("MCP_HTTP_HOST"),
		MCPHTTPPort:            v.GetInt("MCP_HTTP_PORT"),
		APIHost:                v.GetString("API_HOST"),
		APIPort:                v.GetInt("API_PORT"),
		CubeColocated:          v.GetBool("CUBE_COLOCATED"),
		Debug:                  v.GetBool("DEBUG"),
		DefaultDBHost:          v.GetString("DEFAULT_DB_HOST"),
		DefaultDBPort:          v.GetInt("DEFAULT_DB_PORT"),
		DefaultDBName:          v.GetString("DEFAULT_DB_NAME"),
		DefaultDBUser:          v.GetString("DEFAULT_DB_USER"),
		DefaultDBPassword:      v.GetString("DEFAULT_DB_PASSWORD"),
	}

	if cfg.SessionSecret == "" {
		cfg.SessionSecret = cfg.CubeJWTSecret
	}

	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = postgresURL(
			v.GetString("POSTGRES_HOST"),
			v.GetInt("POSTGRES_PORT"),
			v.GetString("POSTGRES_DB"),
			v.GetString("POSTGRES_USER"),
			v.GetString("POSTGRES_PASSWORD"),
		)
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL or POSTGRES_* variables are required")
	}

	// Default-database seeds fall back to the registry connection.
	if cfg.DefaultDBHost == "" {
		cfg.DefaultDBHost = v.GetString("POSTGRES_HOST")
	}
	if cfg.DefaultDBPort == 0 {
		cfg.DefaultDBPort = v.GetInt("POSTGRES_PORT")
	}
	if cfg.DefaultDBName == "" {
		cfg.DefaultDBName = v.GetString("POSTGRES_DB")
	}
	if cfg.DefaultDBUser == "" {
		cfg.DefaultDBUser = v.GetString("POSTGRES_USER")
	}
	if cfg.DefaultDBPassword == "" {
		cfg.DefaultDBPassword = v.GetString("POSTGRES_PASSWORD")
	}

	return cfg, nil
}

func postgresURL(host string, port int, db, user, password string) string {
	if host == "" || db == "" || user == "" {
		return ""
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", host, port),
		Path:   "/" + db,
	}
	if password != "" {
		u.User = url.UserPassword(user, password)
	} else {
		u.User = url.User(user)
	}
	q := u.Query()
	q.Set("sslmode", "disable")
	u.RawQuery = q.Encode()
	return u.String()
}
