// Package fsync materializes registry state onto the local filesystem
// for the cube engine: one aggregate connections JSON plus a tree of
// cube YAML files per database. Postgres stays authoritative; the
// on-disk copy is a one-way projection.
package fsync

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/semgate/semgate/pkg/logger"
	"github.com/semgate/semgate/pkg/registry"
)

const connectionsFileName = "cube-connections.json"

// dockerBridgeHost replaces loopback hosts when the cube engine runs in
// a sibling container and cannot reach the gateway's loopback interface.
const dockerBridgeHost = "host.docker.internal"

// redactedPassword is what connection passwords are replaced with in
// every materialized artifact.
const redactedPassword = "********"

// Synchronizer projects the registry onto DataDir. All writes are
// idempotent and the connections JSON is replaced atomically, so a
// crashed sync leaves the previous snapshot intact.
type Synchronizer struct {
	store         registry.Store
	dataDir       string
	cubeColocated bool

	// mu serializes aggregate writes so concurrent lifecycle events
	// cannot interleave tmp-file renames.
	mu sync.Mutex
}

// New creates a synchronizer rooted at dataDir.
func New(store registry.Store, dataDir string, cubeColocated bool) *Synchronizer {
	return &Synchronizer{store: store, dataDir: dataDir, cubeColocated: cubeColocated}
}

// Subscribe attaches the synchronizer to a manager's lifecycle events.
func (s *Synchronizer) Subscribe(m *registry.Manager) {
	m.Subscribe(func(ev registry.Event) {
		ctx := context.Background()
		switch ev.Type {
		case registry.EventCreated, registry.EventUpdated:
			if err := s.SyncDatabase(ctx, ev.DatabaseID); err != nil {
				logger.Errorw("filesystem sync failed", "database_id", ev.DatabaseID, "error", err)
			}
		case registry.EventActivated, registry.EventDeactivated:
			if err := s.SyncDatabase(ctx, ev.DatabaseID); err != nil {
				logger.Errorw("filesystem sync failed", "database_id", ev.DatabaseID, "error", err)
			}
			if err := s.SyncConnections(ctx); err != nil {
				logger.Errorw("connections sync failed", "database_id", ev.DatabaseID, "error", err)
			}
		case registry.EventDeleted:
			s.removeDatabaseDir(ev.DatabaseID)
			if err := s.SyncConnections(ctx); err != nil {
				logger.Errorw("connections sync failed", "database_id", ev.DatabaseID, "error", err)
			}
		}
	})
}

// databaseDir is `<dataDir>/databases/<id>`.
func (s *Synchronizer) databaseDir(id string) string {
	return filepath.Join(s.dataDir, "databases", id)
}

// cubesDir is where the per-database cube YAMLs live.
func (s *Synchronizer) cubesDir(id string) string {
	return filepath.Join(s.databaseDir(id), "cube", "model", "cubes")
}

// EnsureDatabaseDirs creates the model tree for one database.
func (s *Synchronizer) EnsureDatabaseDirs(id string) error {
	if err := os.MkdirAll(s.cubesDir(id), 0o755); err != nil {
		return fmt.Errorf("failed to create model tree for %s: %w", id, err)
	}
	return nil
}

// SyncCubeFiles writes every stored cube file of one database into its
// cubes directory.
func (s *Synchronizer) SyncCubeFiles(ctx context.Context, databaseID string) error {
	if err := s.EnsureDatabaseDirs(databaseID); err != nil {
		return err
	}
	files, err := s.store.ListCubeFiles(ctx, databaseID)
	if err != nil {
		return err
	}
	for _, f := range files {
		if err := s.writeCubeFile(f); err != nil {
			return err
		}
	}
	return nil
}

// writeCubeFile places one stored cube file into its database's cubes
// directory. File names are validated at upsert time; Base guards
// against anything that slipped through older rows.
func (s *Synchronizer) writeCubeFile(f *registry.CubeFile) error {
	path := filepath.Join(s.cubesDir(f.DatabaseID), filepath.Base(f.FileName))
	if err := os.WriteFile(path, []byte(f.Content), 0o644); err != nil {
		return fmt.Errorf("failed to write cube file %s: %w", f.FileName, err)
	}
	return nil
}

// SyncDatabase regenerates one database's directory tree and cube files.
func (s *Synchronizer) SyncDatabase(ctx context.Context, databaseID string) error {
	return s.SyncCubeFiles(ctx, databaseID)
}

// connectionEntry is one value of the connections JSON, keyed by
// database id. Credentials are redacted; the cube engine resolves real
// secrets from its own environment.
type connectionEntry struct {
	Type     registry.ConnectionType `json:"type"`
	Host     string                  `json:"host,omitempty"`
	Port     int                     `json:"port,omitempty"`
	Database string                  `json:"database,omitempty"`
	User     string                  `json:"user,omitempty"`
	Password string                  `json:"password,omitempty"`
	SSL      bool                    `json:"ssl,omitempty"`

	ProjectID string `json:"projectId,omitempty"`
	Account   string `json:"account,omitempty"`
	Warehouse string `json:"warehouse,omitempty"`
	Role      string `json:"role,omitempty"`

	TenantID string `json:"tenantId,omitempty"`
	Slug     string `json:"slug"`
}

// SyncConnections writes the aggregate connections JSON for every
// active database, atomically: write tmp, then rename over the target.
func (s *Synchronizer) SyncConnections(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dbs, err := s.store.ListAllDatabases(ctx)
	if err != nil {
		return err
	}

	entries := map[string]connectionEntry{}
	for _, db := range dbs {
		if db.Status != registry.StatusActive {
			continue
		}
		entries[db.ID] = s.entryFor(db)
	}

	raw, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode connections: %w", err)
	}

	if err := os.MkdirAll(s.dataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	var suffix [6]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		return fmt.Errorf("failed to generate tmp suffix: %w", err)
	}
	tmp := filepath.Join(s.dataDir, fmt.Sprintf("cube-connections.%s.tmp", hex.EncodeToString(suffix[:])))
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write connections tmp file: %w", err)
	}
	target := filepath.Join(s.dataDir, connectionsFileName)
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace connections file: %w", err)
	}
	return nil
}

// entryFor projects one database's connection, masking the password and
// rewriting loopback hosts when the cube engine is containerized.
func (s *Synchronizer) entryFor(db *registry.DatabaseConfig) connectionEntry {
	c := db.Connection
	e := connectionEntry{
		Type:      c.Type,
		Host:      c.Host,
		Port:      c.Port,
		Database:  c.Database,
		User:      c.User,
		SSL:       c.SSL,
		ProjectID: c.ProjectID,
		Account:   c.Account,
		Warehouse: c.Warehouse,
		Role:      c.Role,
		TenantID:  db.TenantID,
		Slug:      db.Slug,
	}
	if c.Password != "" {
		e.Password = redactedPassword
	}
	if s.cubeColocated && isLoopback(c.Host) {
		e.Host = dockerBridgeHost
	}
	return e
}

func isLoopback(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

// SyncAll regenerates every database tree and the connections JSON.
// Called once at startup so the engine sees a complete snapshot even
// after data-dir loss. Cube files come from one all-databases sweep
// rather than a per-database query.
func (s *Synchronizer) SyncAll(ctx context.Context) error {
	dbs, err := s.store.ListAllDatabases(ctx)
	if err != nil {
		return err
	}
	for _, db := range dbs {
		if err := s.EnsureDatabaseDirs(db.ID); err != nil {
			return err
		}
	}
	files, err := s.store.ListAllCubeFiles(ctx)
	if err != nil {
		return err
	}
	for _, f := range files {
		if err := s.writeCubeFile(f); err != nil {
			return err
		}
	}
	return s.SyncConnections(ctx)
}

// removeDatabaseDir drops a deleted database's tree. Best effort; a
// stale tree is harmless once the connections JSON no longer names it.
func (s *Synchronizer) removeDatabaseDir(id string) {
	if id == "" {
		return
	}
	if err := os.RemoveAll(s.databaseDir(id)); err != nil {
		logger.Warnw("failed to remove database dir", "database_id", id, "error", err)
	}
}
