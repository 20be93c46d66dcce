package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	serrors "github.com/semgate/semgate/pkg/errors"
)

// memStore is an in-memory Store for manager tests.
type memStore struct {
	databases map[string]*DatabaseConfig
	catalogs  map[string]*CatalogConfig
	tenants   map[string]*Tenant
}

func newMemStore() *memStore {
	return &memStore{
		databases: map[string]*DatabaseConfig{},
		catalogs:  map[string]*CatalogConfig{},
		tenants:   map[string]*Tenant{},
	}
}

func (m *memStore) CreateDatabase(_ context.Context, db *DatabaseConfig) error {
	if _, ok := m.databases[db.ID]; ok {
		return serrors.Newf(serrors.CodeDuplicateID, "database %q already exists", db.ID)
	}
	cp := *db
	cp.CreatedAt = time.Now()
	cp.UpdatedAt = cp.CreatedAt
	m.databases[db.ID] = &cp
	return nil
}

func (m *memStore) GetDatabase(_ context.Context, id, tenantID string) (*DatabaseConfig, error) {
	db, ok := m.databases[id]
	if !ok || (tenantID != "" && db.TenantID != tenantID) {
		return nil, nil
	}
	cp := *db
	return &cp, nil
}

func (m *memStore) ListDatabases(_ context.Context, tenantID string) ([]*DatabaseConfig, error) {
	var out []*DatabaseConfig
	for _, db := range m.databases {
		if tenantID != "" && db.TenantID != tenantID {
			continue
		}
		cp := *db
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) ListActiveDatabases(ctx context.Context, tenantID string) ([]*DatabaseConfig, error) {
	all, _ := m.ListDatabases(ctx, tenantID)
	var out []*DatabaseConfig
	for _, db := range all {
		if db.Status == StatusActive {
			out = append(out, db)
		}
	}
	return out, nil
}

func (m *memStore) ListAllDatabases(ctx context.Context) ([]*DatabaseConfig, error) {
	return m.ListDatabases(ctx, "")
}

func (m *memStore) UpdateDatabase(_ context.Context, db *DatabaseConfig) (*DatabaseConfig, error) {
	if _, ok := m.databases[db.ID]; !ok {
		return nil, nil
	}
	cp := *db
	cp.UpdatedAt = time.Now()
	m.databases[db.ID] = &cp
	out := cp
	return &out, nil
}

func (m *memStore) UpdateDatabaseStatus(_ context.Context, id, tenantID string, status DatabaseStatus, lastError string) error {
	db, ok := m.databases[id]
	if !ok || (tenantID != "" && db.TenantID != tenantID) {
		return nil
	}
	db.Status = status
	db.LastError = lastError
	return nil
}

func (m *memStore) DeleteDatabase(_ context.Context, id, tenantID string) (bool, error) {
	db, ok := m.databases[id]
	if !ok || (tenantID != "" && db.TenantID != tenantID) {
		return false, nil
	}
	delete(m.databases, id)
	delete(m.catalogs, id)
	return true, nil
}

func (m *memStore) DatabaseExists(ctx context.Context, id, tenantID string) (bool, error) {
	db, err := m.GetDatabase(ctx, id, tenantID)
	return db != nil, err
}

func (*memStore) GetCubeFile(context.Context, string, string) (*CubeFile, error) { return nil, nil }
func (*memStore) ListCubeFiles(context.Context, string) ([]*CubeFile, error)     { return nil, nil }
func (*memStore) ListAllCubeFiles(context.Context) ([]*CubeFile, error)          { return nil, nil }
func (*memStore) UpsertCubeFile(context.Context, *CubeFile) error                { return nil }
func (*memStore) DeleteCubeFile(context.Context, string, string) (bool, error)   { return false, nil }

func (m *memStore) GetCatalogConfig(_ context.Context, databaseID string) (*CatalogConfig, error) {
	return m.catalogs[databaseID], nil
}

func (m *memStore) UpsertCatalogConfig(_ context.Context, databaseID string, cfg *CatalogConfig) error {
	m.catalogs[databaseID] = cfg
	return nil
}

func (m *memStore) GetTenantByID(_ context.Context, id string) (*Tenant, error) {
	return m.tenants[id], nil
}

func (m *memStore) GetTenantBySlug(_ context.Context, slug string) (*Tenant, error) {
	for _, t := range m.tenants {
		if t.Slug == slug {
			return t, nil
		}
	}
	return nil, nil
}

func (m *memStore) CreateTenant(_ context.Context, id, slug, name string) (*Tenant, error) {
	if _, ok := m.tenants[id]; ok {
		return nil, serrors.Newf(serrors.CodeDuplicateID, "tenant %q already exists", id)
	}
	t := &Tenant{ID: id, Slug: slug, Name: name, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	m.tenants[id] = t
	return t, nil
}

func (m *memStore) UpdateTenantSlug(_ context.Context, id, slug string) (*Tenant, error) {
	t, ok := m.tenants[id]
	if !ok {
		return nil, nil
	}
	for _, other := range m.tenants {
		if other.ID != id && other.Slug == slug {
			return nil, serrors.Newf(serrors.CodeSlugTaken, "slug %q is already taken", slug)
		}
	}
	t.Slug = slug
	return t, nil
}

func (m *memStore) TenantSlugExists(ctx context.Context, slug string) (bool, error) {
	t, err := m.GetTenantBySlug(ctx, slug)
	return t != nil, err
}

func (*memStore) CreateAPIKey(context.Context, string, string, string) (*APIKey, string, error) {
	return nil, "", nil
}
func (*memStore) GetAPIKeyByHash(context.Context, string) (*APIKey, error) { return nil, nil }
func (*memStore) ListAPIKeys(context.Context, string) ([]*APIKey, error)   { return nil, nil }
func (*memStore) RevokeAPIKey(context.Context, string, string) (bool, error) {
	return false, nil
}
func (*memStore) TouchAPIKeyLastUsed(context.Context, string) error { return nil }
func (*memStore) Close() error                                      { return nil }

func validConnection() Connection {
	return Connection{
		Type:     ConnectionPostgres,
		Host:     "db.internal",
		Port:     5432,
		Database: "analytics",
		User:     "reader",
		Password: "secret",
	}
}

func newTestManager(t *testing.T) (*Manager, *memStore, *[]Event) {
	t.Helper()
	store := newMemStore()
	mgr := NewManager(store, ManagerConfig{GlobalJWTSecret: "global-secret", DefaultSeed: validConnection()})
	var events []Event
	mgr.Subscribe(func(ev Event) { events = append(events, ev) })
	return mgr, store, &events
}

func TestCreateDatabase(t *testing.T) {
	t.Parallel()
	mgr, store, events := newTestManager(t)
	ctx := context.Background()

	db, err := mgr.CreateDatabase(ctx, CreateDatabaseInput{
		Slug:       "sales",
		Name:       "Sales",
		Connection: validConnection(),
	}, "")
	require.NoError(t, err)

	assert.Equal(t, "sales", db.ID)
	assert.Equal(t, StatusInactive, db.Status)
	assert.Equal(t, DefaultMaxLimit, db.MaxLimit)
	require.Len(t, *events, 1)
	assert.Equal(t, EventCreated, (*events)[0].Type)

	// A catalog config is seeded alongside.
	cfg, err := store.GetCatalogConfig(ctx, db.ID)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	// Same slug again collides.
	_, err = mgr.CreateDatabase(ctx, CreateDatabaseInput{
		Slug:       "sales",
		Name:       "Sales again",
		Connection: validConnection(),
	}, "")
	assert.True(t, serrors.IsDuplicateID(err))
}

func TestCreateDatabaseTenantScoping(t *testing.T) {
	t.Parallel()
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()

	a, err := mgr.CreateDatabase(ctx, CreateDatabaseInput{
		Slug: "sales", Name: "A", Connection: validConnection(),
	}, "org_a")
	require.NoError(t, err)
	b, err := mgr.CreateDatabase(ctx, CreateDatabaseInput{
		Slug: "sales", Name: "B", Connection: validConnection(),
	}, "org_b")
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID, "same slug must not collide across tenants")
}

func TestCreateDatabaseRejectsInvalidInput(t *testing.T) {
	t.Parallel()
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()

	_, err := mgr.CreateDatabase(ctx, CreateDatabaseInput{
		Slug: "Bad Slug", Name: "x", Connection: validConnection(),
	}, "")
	assert.True(t, serrors.IsCode(err, serrors.CodeValidation))

	_, err = mgr.CreateDatabase(ctx, CreateDatabaseInput{
		Slug: "sales", Name: "x",
		Connection: Connection{Type: ConnectionPostgres},
	}, "")
	assert.True(t, serrors.IsCode(err, serrors.CodeValidation))

	_, err = mgr.CreateDatabase(ctx, CreateDatabaseInput{
		Slug: "bq", Name: "x",
		Connection: Connection{Type: ConnectionBigQuery},
	}, "")
	assert.True(t, serrors.IsCode(err, serrors.CodeValidation), "bigquery requires projectId")
}

func TestActivateDeactivate(t *testing.T) {
	t.Parallel()
	mgr, _, events := newTestManager(t)
	ctx := context.Background()

	db, err := mgr.CreateDatabase(ctx, CreateDatabaseInput{
		Slug: "sales", Name: "Sales", Connection: validConnection(),
	}, "")
	require.NoError(t, err)

	activated, err := mgr.ActivateDatabase(ctx, db.ID, "")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, activated.Status)

	deactivated, err := mgr.DeactivateDatabase(ctx, db.ID, "")
	require.NoError(t, err)
	assert.Equal(t, StatusInactive, deactivated.Status)

	var types []EventType
	for _, ev := range *events {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []EventType{EventCreated, EventActivated, EventDeactivated}, types)
}

func TestActivateRecordsFailureReason(t *testing.T) {
	t.Parallel()
	mgr, store, _ := newTestManager(t)
	ctx := context.Background()

	// Bypass create-time validation to get a stored-but-broken config.
	broken := &DatabaseConfig{
		ID: "broken", Slug: "broken", Name: "Broken",
		Status:     StatusInactive,
		Connection: Connection{Type: ConnectionPostgres},
		MaxLimit:   DefaultMaxLimit,
	}
	require.NoError(t, store.CreateDatabase(ctx, broken))

	_, err := mgr.ActivateDatabase(ctx, "broken", "")
	require.Error(t, err)

	stored, err := store.GetDatabase(ctx, "broken", "")
	require.NoError(t, err)
	assert.Equal(t, StatusError, stored.Status)
	assert.NotEmpty(t, stored.LastError)
}

func TestDeleteRules(t *testing.T) {
	t.Parallel()
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()

	db, err := mgr.CreateDatabase(ctx, CreateDatabaseInput{
		Slug: "sales", Name: "Sales", Connection: validConnection(),
	}, "")
	require.NoError(t, err)
	_, err = mgr.ActivateDatabase(ctx, db.ID, "")
	require.NoError(t, err)

	// Active databases cannot be deleted.
	err = mgr.DeleteDatabase(ctx, db.ID, "")
	assert.True(t, serrors.IsCode(err, serrors.CodeActiveCannotDelete))

	_, err = mgr.DeactivateDatabase(ctx, db.ID, "")
	require.NoError(t, err)
	require.NoError(t, mgr.DeleteDatabase(ctx, db.ID, ""))

	// The default database is protected even when inactive.
	def, err := mgr.InitializeDefaultDatabase(ctx, "")
	require.NoError(t, err)
	_, err = mgr.DeactivateDatabase(ctx, def.ID, "")
	require.NoError(t, err)
	err = mgr.DeleteDatabase(ctx, def.ID, "")
	assert.True(t, serrors.IsCode(err, serrors.CodeUndeletableDefault))
}

func TestUpdateConnectionRules(t *testing.T) {
	t.Parallel()
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()

	db, err := mgr.CreateDatabase(ctx, CreateDatabaseInput{
		Slug: "sales", Name: "Sales", Connection: validConnection(),
	}, "")
	require.NoError(t, err)
	_, err = mgr.ActivateDatabase(ctx, db.ID, "")
	require.NoError(t, err)

	newConn := validConnection()
	newConn.Host = "replica.internal"
	_, err = mgr.UpdateDatabase(ctx, db.ID, "", UpdateDatabaseInput{Connection: &newConn})
	assert.True(t, serrors.IsCode(err, serrors.CodeActiveCannotMutateConn))

	// Non-connection fields are always patchable.
	name := "Sales (renamed)"
	updated, err := mgr.UpdateDatabase(ctx, db.ID, "", UpdateDatabaseInput{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, name, updated.Name)

	_, err = mgr.DeactivateDatabase(ctx, db.ID, "")
	require.NoError(t, err)
	updated, err = mgr.UpdateDatabase(ctx, db.ID, "", UpdateDatabaseInput{Connection: &newConn})
	require.NoError(t, err)
	assert.Equal(t, "replica.internal", updated.Connection.Host)
}

func TestInitializeDefaultDatabaseIdempotent(t *testing.T) {
	t.Parallel()
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()

	first, err := mgr.InitializeDefaultDatabase(ctx, "org_x")
	require.NoError(t, err)
	assert.Equal(t, DefaultSlug, first.Slug)
	assert.Equal(t, StatusActive, first.Status)

	second, err := mgr.InitializeDefaultDatabase(ctx, "org_x")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestTestConnectionIsStructural(t *testing.T) {
	t.Parallel()
	mgr, _, _ := newTestManager(t)

	res := mgr.TestConnection(validConnection())
	assert.True(t, res.Success)

	res = mgr.TestConnection(Connection{Type: ConnectionSnowflake, Account: "acct"})
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "warehouse")
}
