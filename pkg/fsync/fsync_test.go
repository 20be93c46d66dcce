package fsync

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/semgate/semgate/pkg/registry"
)

// fakeStore backs the synchronizer with in-memory rows. Only the read
// methods the synchronizer uses are implemented.
type fakeStore struct {
	registry.Store
	databases []*registry.DatabaseConfig
	cubeFiles map[string][]*registry.CubeFile
}

func (f *fakeStore) ListAllDatabases(context.Context) ([]*registry.DatabaseConfig, error) {
	return f.databases, nil
}

func (f *fakeStore) ListCubeFiles(_ context.Context, databaseID string) ([]*registry.CubeFile, error) {
	return f.cubeFiles[databaseID], nil
}

func (f *fakeStore) ListAllCubeFiles(context.Context) ([]*registry.CubeFile, error) {
	var all []*registry.CubeFile
	for _, files := range f.cubeFiles {
		all = append(all, files...)
	}
	return all, nil
}

func (f *fakeStore) CreateDatabase(_ context.Context, db *registry.DatabaseConfig) error {
	cp := *db
	f.databases = append(f.databases, &cp)
	return nil
}

func (f *fakeStore) GetDatabase(_ context.Context, id, _ string) (*registry.DatabaseConfig, error) {
	for _, db := range f.databases {
		if db.ID == id {
			return db, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) DatabaseExists(ctx context.Context, id, tenantID string) (bool, error) {
	db, err := f.GetDatabase(ctx, id, tenantID)
	return db != nil, err
}

func (f *fakeStore) UpdateDatabaseStatus(_ context.Context, id, _ string, status registry.DatabaseStatus, lastError string) error {
	for _, db := range f.databases {
		if db.ID == id {
			db.Status = status
			db.LastError = lastError
		}
	}
	return nil
}

func (f *fakeStore) DeleteDatabase(_ context.Context, id, _ string) (bool, error) {
	for i, db := range f.databases {
		if db.ID == id {
			f.databases = append(f.databases[:i], f.databases[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (*fakeStore) UpsertCatalogConfig(context.Context, string, *registry.CatalogConfig) error {
	return nil
}

func testStore() *fakeStore {
	return &fakeStore{
		databases: []*registry.DatabaseConfig{
			{
				ID: "sales", Slug: "sales", Status: registry.StatusActive,
				Connection: registry.Connection{
					Type: registry.ConnectionPostgres, Host: "db.internal", Port: 5432,
					Database: "analytics", User: "reader", Password: "hunter2", SSL: true,
				},
			},
			{
				ID: "staging", Slug: "staging", Status: registry.StatusInactive,
				Connection: registry.Connection{
					Type: registry.ConnectionPostgres, Host: "staging.internal", Port: 5432,
					Database: "staging", User: "reader", Password: "hunter2",
				},
			},
		},
		cubeFiles: map[string][]*registry.CubeFile{
			"sales": {
				{DatabaseID: "sales", FileName: "orders.yml", Content: "cubes:\n  - name: orders\n"},
				{DatabaseID: "sales", FileName: "users.yml", Content: "cubes:\n  - name: users\n"},
			},
			"staging": {
				{DatabaseID: "staging", FileName: "events.yml", Content: "cubes:\n  - name: events\n"},
			},
		},
	}
}

func readConnections(t *testing.T, dataDir string) map[string]map[string]any {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(dataDir, "cube-connections.json"))
	require.NoError(t, err)
	var entries map[string]map[string]any
	require.NoError(t, json.Unmarshal(raw, &entries))
	return entries
}

func TestSyncAll(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s := New(testStore(), dir, false)

	require.NoError(t, s.SyncAll(context.Background()))

	content, err := os.ReadFile(filepath.Join(dir, "databases", "sales", "cube", "model", "cubes", "orders.yml"))
	require.NoError(t, err)
	assert.Contains(t, string(content), "name: orders")

	// The startup sweep writes model trees for inactive databases too;
	// only the connections file is lifecycle-gated.
	content, err = os.ReadFile(filepath.Join(dir, "databases", "staging", "cube", "model", "cubes", "events.yml"))
	require.NoError(t, err)
	assert.Contains(t, string(content), "name: events")

	entries := readConnections(t, dir)
	require.Contains(t, entries, "sales")
	assert.NotContains(t, entries, "staging", "inactive databases are excluded")

	sales := entries["sales"]
	assert.Equal(t, "db.internal", sales["host"])
	assert.Equal(t, "********", sales["password"])
	assert.Equal(t, "sales", sales["slug"])
	assert.Equal(t, true, sales["ssl"])

	// Idempotent: a second run produces the same snapshot.
	require.NoError(t, s.SyncAll(context.Background()))
	assert.Equal(t, entries, readConnections(t, dir))

	// No stray tmp files left behind.
	matches, err := filepath.Glob(filepath.Join(dir, "cube-connections.*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestSyncConnectionsLoopbackRewrite(t *testing.T) {
	t.Parallel()
	store := testStore()
	store.databases[0].Connection.Host = "localhost"

	dir := t.TempDir()
	s := New(store, dir, true)
	require.NoError(t, s.SyncConnections(context.Background()))

	entries := readConnections(t, dir)
	assert.Equal(t, "host.docker.internal", entries["sales"]["host"])

	// Without colocation the host passes through untouched.
	dir2 := t.TempDir()
	s2 := New(store, dir2, false)
	require.NoError(t, s2.SyncConnections(context.Background()))
	assert.Equal(t, "localhost", readConnections(t, dir2)["sales"]["host"])
}

func TestSyncConnectionsEmptyPassword(t *testing.T) {
	t.Parallel()
	store := testStore()
	store.databases[0].Connection.Password = ""

	dir := t.TempDir()
	s := New(store, dir, false)
	require.NoError(t, s.SyncConnections(context.Background()))

	entries := readConnections(t, dir)
	_, hasPassword := entries["sales"]["password"]
	assert.False(t, hasPassword, "empty passwords are omitted, not masked")
}

func TestSyncCubeFilesSanitizesNames(t *testing.T) {
	t.Parallel()
	store := testStore()
	store.cubeFiles["sales"] = append(store.cubeFiles["sales"], &registry.CubeFile{
		DatabaseID: "sales", FileName: "../../escape.yml", Content: "nope",
	})

	dir := t.TempDir()
	s := New(store, dir, false)
	require.NoError(t, s.SyncCubeFiles(context.Background(), "sales"))

	_, err := os.Stat(filepath.Join(dir, "escape.yml"))
	assert.True(t, os.IsNotExist(err), "path traversal must not escape the cubes dir")
	_, err = os.Stat(filepath.Join(dir, "databases", "sales", "cube", "model", "cubes", "escape.yml"))
	assert.NoError(t, err)
}

func TestSubscribeLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := &fakeStore{cubeFiles: map[string][]*registry.CubeFile{}}
	dir := t.TempDir()
	s := New(store, dir, false)

	manager := registry.NewManager(store, registry.ManagerConfig{})
	s.Subscribe(manager)

	db, err := manager.CreateDatabase(ctx, registry.CreateDatabaseInput{
		Slug: "sales",
		Name: "Sales",
		Connection: registry.Connection{
			Type: registry.ConnectionPostgres, Host: "db.internal", Port: 5432,
			Database: "analytics", User: "reader", Password: "hunter2",
		},
	}, "")
	require.NoError(t, err)

	// Created: the model tree exists, but inactive databases are not in
	// the connections file yet.
	salesDir := filepath.Join(dir, "databases", db.ID)
	_, err = os.Stat(salesDir)
	require.NoError(t, err)

	_, err = manager.ActivateDatabase(ctx, db.ID, "")
	require.NoError(t, err)
	assert.Contains(t, readConnections(t, dir), db.ID)

	_, err = manager.DeactivateDatabase(ctx, db.ID, "")
	require.NoError(t, err)
	assert.NotContains(t, readConnections(t, dir), db.ID)

	require.NoError(t, manager.DeleteDatabase(ctx, db.ID, ""))
	_, err = os.Stat(salesDir)
	assert.True(t, os.IsNotExist(err), "deletion removes the database tree")
}
