package api

import "github.com/semgate/semgate/pkg/registry"

// redactedSecret replaces credentials in every response body.
const redactedSecret = "********"

// redactDatabase returns a copy safe for response bodies: the connection
// password and the per-database JWT secret never leave the process.
func redactDatabase(db *registry.DatabaseConfig) *registry.DatabaseConfig {
	if db == nil {
		return nil
	}
	out := *db
	if out.Connection.Password != "" {
		out.Connection.Password = redactedSecret
	}
	if out.Connection.Credentials != "" {
		out.Connection.Credentials = redactedSecret
	}
	if out.JWTSecret != "" {
		out.JWTSecret = redactedSecret
	}
	return &out
}

func redactDatabases(dbs []*registry.DatabaseConfig) []*registry.DatabaseConfig {
	out := make([]*registry.DatabaseConfig, 0, len(dbs))
	for _, db := range dbs {
		out = append(out, redactDatabase(db))
	}
	return out
}
