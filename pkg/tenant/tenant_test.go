package tenant

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	serrors "github.com/semgate/semgate/pkg/errors"
	"github.com/semgate/semgate/pkg/registry"
)

func TestSlugify(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"Acme Corp":        "acme-corp",
		"  ACME!!  Corp  ": "acme-corp",
		"acme":             "acme",
		"Data & Insights":  "data-insights",
		"a1-b2":            "a1-b2",
		"ab":               "", // below the minimum length
		"123":              "", // must start with a letter
		"!!!":              "",
		"":                 "",
	}
	for in, want := range cases {
		assert.Equal(t, want, Slugify(in), "Slugify(%q)", in)
	}

	long := Slugify("The " + strings.Repeat("Very ", 20) + "Long Organization Name")
	assert.True(t, registry.IsValidSlug(long))
	assert.LessOrEqual(t, len(long), 48)
}

func TestFallbackSlug(t *testing.T) {
	t.Parallel()

	s := fallbackSlug("org_2abc123")
	assert.True(t, strings.HasPrefix(s, "org-"))
	assert.True(t, registry.IsValidSlug(s))
	assert.Equal(t, s, fallbackSlug("org_2abc123"))
	assert.NotEqual(t, s, fallbackSlug("org_other"))
}

func TestSuffixSlug(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "sales-2", suffixSlug("sales", 2))

	base := "a" + strings.Repeat("b", 47)
	suffixed := suffixSlug(base, 10)
	assert.LessOrEqual(t, len(suffixed), 48)
	assert.True(t, strings.HasSuffix(suffixed, "-10"))
	assert.True(t, registry.IsValidSlug(suffixed))
}

func signSessionToken(t *testing.T, secret string, method jwt.SigningMethod, key any) string {
	t.Helper()
	claims := jwt.MapClaims{
		"userId":  "user_1",
		"orgId":   "org_1",
		"orgRole": OrgAdminRole,
		"orgSlug": "acme",
		"orgName": "Acme Corp",
		"exp":     time.Now().Add(time.Hour).Unix(),
	}
	token := jwt.NewWithClaims(method, claims)
	if key == nil {
		key = []byte(secret)
	}
	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return signed
}

func TestParseSessionToken(t *testing.T) {
	t.Parallel()

	signed := signSessionToken(t, "session-secret", jwt.SigningMethodHS256, nil)
	p, err := ParseSessionToken(signed, "session-secret")
	require.NoError(t, err)
	assert.Equal(t, "user_1", p.UserID)
	assert.Equal(t, "org_1", p.OrgID)
	assert.Equal(t, "acme", p.OrgSlug)
	assert.True(t, p.IsOrgAdmin())

	_, err = ParseSessionToken(signed, "wrong-secret")
	assert.True(t, serrors.IsCode(err, serrors.CodeUnauthenticated))

	unsigned := signSessionToken(t, "", jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType)
	_, err = ParseSessionToken(unsigned, "session-secret")
	assert.True(t, serrors.IsCode(err, serrors.CodeUnauthenticated), "alg=none must be rejected")

	_, err = ParseSessionToken("not-a-token", "session-secret")
	assert.True(t, serrors.IsCode(err, serrors.CodeUnauthenticated))
}

func TestPrincipalIsOrgAdmin(t *testing.T) {
	t.Parallel()

	assert.False(t, (*Principal)(nil).IsOrgAdmin())
	assert.False(t, (&Principal{OrgRole: "org:member"}).IsOrgAdmin())
	assert.True(t, (&Principal{OrgRole: OrgAdminRole}).IsOrgAdmin())
	assert.True(t, (&Principal{APIKeyID: "key_1"}).IsOrgAdmin(), "api keys act for the whole tenant")
}

func TestPrincipalContext(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	assert.Nil(t, FromContext(ctx))
	assert.Empty(t, TenantID(ctx))

	p := &Principal{UserID: "user_1", OrgID: "org_1"}
	ctx = WithPrincipal(ctx, p)
	assert.Same(t, p, FromContext(ctx))
	assert.Equal(t, "org_1", TenantID(ctx))
}

// fakeTenantStore overrides only the store methods materialization uses.
// The embedded nil Store panics on anything else, which is exactly what
// we want in a test.
type fakeTenantStore struct {
	registry.Store
	tenants    map[string]*registry.Tenant
	takenSlugs map[string]bool
	createErr  error
	getCalls   int
	getHook    func(calls int)
}

func newFakeTenantStore() *fakeTenantStore {
	return &fakeTenantStore{
		tenants:    map[string]*registry.Tenant{},
		takenSlugs: map[string]bool{},
	}
}

func (f *fakeTenantStore) GetTenantByID(_ context.Context, id string) (*registry.Tenant, error) {
	f.getCalls++
	if f.getHook != nil {
		f.getHook(f.getCalls)
	}
	return f.tenants[id], nil
}

func (f *fakeTenantStore) TenantSlugExists(_ context.Context, slug string) (bool, error) {
	return f.takenSlugs[slug], nil
}

func (f *fakeTenantStore) CreateTenant(_ context.Context, id, slug, name string) (*registry.Tenant, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	tn := &registry.Tenant{ID: id, Slug: slug, Name: name}
	f.tenants[id] = tn
	f.takenSlugs[slug] = true
	return tn, nil
}

// GetDatabase short-circuits the async default-database bootstrap.
func (*fakeTenantStore) GetDatabase(context.Context, string, string) (*registry.DatabaseConfig, error) {
	return &registry.DatabaseConfig{ID: "default", Slug: registry.DefaultSlug, Status: registry.StatusActive}, nil
}

type fakeIdentity struct {
	org *Organization
	err error
}

func (f *fakeIdentity) GetOrganization(context.Context, string) (*Organization, error) {
	return f.org, f.err
}

func newTestMaterializer(store *fakeTenantStore, identity IdentityClient) *Materializer {
	manager := registry.NewManager(store, registry.ManagerConfig{})
	return NewMaterializer(store, identity, manager)
}

func TestEnsureNilPrincipal(t *testing.T) {
	t.Parallel()
	m := newTestMaterializer(newFakeTenantStore(), nil)

	tn, err := m.Ensure(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, tn)

	tn, err = m.Ensure(context.Background(), &Principal{UserID: "user_1"})
	require.NoError(t, err)
	assert.Nil(t, tn, "principals without an org have no tenant")
}

func TestEnsureReturnsExisting(t *testing.T) {
	t.Parallel()
	store := newFakeTenantStore()
	store.tenants["org_1"] = &registry.Tenant{ID: "org_1", Slug: "acme"}
	m := newTestMaterializer(store, nil)

	tn, err := m.Ensure(context.Background(), &Principal{OrgID: "org_1"})
	require.NoError(t, err)
	assert.Equal(t, "acme", tn.Slug)
}

func TestEnsureMaterializesFromClaims(t *testing.T) {
	t.Parallel()
	store := newFakeTenantStore()
	m := newTestMaterializer(store, nil)

	tn, err := m.Ensure(context.Background(), &Principal{
		OrgID: "org_1", OrgSlug: "acme", OrgName: "Acme Corp",
	})
	require.NoError(t, err)
	assert.Equal(t, "org_1", tn.ID)
	assert.Equal(t, "acme", tn.Slug)
	assert.Equal(t, "Acme Corp", tn.Name)
}

func TestEnsurePrefersIdentityProvider(t *testing.T) {
	t.Parallel()
	store := newFakeTenantStore()
	identity := &fakeIdentity{org: &Organization{ID: "org_1", Name: "Acme Inc", Slug: "acme-inc"}}
	m := newTestMaterializer(store, identity)

	tn, err := m.Ensure(context.Background(), &Principal{
		OrgID: "org_1", OrgSlug: "acme", OrgName: "Acme Corp",
	})
	require.NoError(t, err)
	assert.Equal(t, "acme-inc", tn.Slug)
	assert.Equal(t, "Acme Inc", tn.Name)
}

func TestEnsureIdentityFailureFallsBack(t *testing.T) {
	t.Parallel()
	store := newFakeTenantStore()
	identity := &fakeIdentity{err: errors.New("provider down")}
	m := newTestMaterializer(store, identity)

	tn, err := m.Ensure(context.Background(), &Principal{
		OrgID: "org_1", OrgSlug: "acme", OrgName: "Acme Corp",
	})
	require.NoError(t, err)
	assert.Equal(t, "acme", tn.Slug, "provider failure falls back to claims")
}

func TestEnsureDerivesSlugWhenClaimsUnusable(t *testing.T) {
	t.Parallel()
	store := newFakeTenantStore()
	m := newTestMaterializer(store, nil)

	tn, err := m.Ensure(context.Background(), &Principal{
		OrgID: "org_1", OrgSlug: "!!", OrgName: "Acme Corp",
	})
	require.NoError(t, err)
	assert.Equal(t, "acme-corp", tn.Slug)

	// Nothing usable at all: the deterministic org-id slug.
	tn, err = m.Ensure(context.Background(), &Principal{OrgID: "org_2"})
	require.NoError(t, err)
	assert.Equal(t, fallbackSlug("org_2"), tn.Slug)
}

func TestEnsureProbesSlugCollisions(t *testing.T) {
	t.Parallel()
	store := newFakeTenantStore()
	store.takenSlugs["acme"] = true
	store.takenSlugs["acme-2"] = true
	m := newTestMaterializer(store, nil)

	tn, err := m.Ensure(context.Background(), &Principal{OrgID: "org_1", OrgSlug: "acme"})
	require.NoError(t, err)
	assert.Equal(t, "acme-3", tn.Slug)
}

func TestEnsureSlugExhaustionFallsBack(t *testing.T) {
	t.Parallel()
	store := newFakeTenantStore()
	store.takenSlugs["acme"] = true
	for i := 2; i <= 999; i++ {
		store.takenSlugs[suffixSlug("acme", i)] = true
	}
	m := newTestMaterializer(store, nil)

	// Every probe of the claimed base collides; the deterministic org-id
	// slug is the last resort.
	tn, err := m.Ensure(context.Background(), &Principal{OrgID: "org_1", OrgSlug: "acme"})
	require.NoError(t, err)
	assert.Equal(t, fallbackSlug("org_1"), tn.Slug)

	// With the fallback range exhausted too, materialization reports the
	// collision instead of looping.
	store2 := newFakeTenantStore()
	fb := fallbackSlug("org_2")
	store2.takenSlugs[fb] = true
	for i := 2; i <= 999; i++ {
		store2.takenSlugs[suffixSlug(fb, i)] = true
	}
	m2 := newTestMaterializer(store2, nil)
	_, err = m2.Ensure(context.Background(), &Principal{OrgID: "org_2"})
	assert.True(t, serrors.IsCode(err, serrors.CodeSlugTaken))
}

func TestEnsureCreateRaceRecovers(t *testing.T) {
	t.Parallel()
	store := newFakeTenantStore()
	store.createErr = serrors.New(serrors.CodeDuplicateID, "tenant exists")

	// The first read misses; a concurrent request wins the insert, so the
	// re-read after DUPLICATE_ID sees the winner's row.
	winner := &registry.Tenant{ID: "org_1", Slug: "acme"}
	store.getHook = func(calls int) {
		if calls > 1 {
			store.tenants["org_1"] = winner
		}
	}

	m := newTestMaterializer(store, nil)
	tn, err := m.Ensure(context.Background(), &Principal{OrgID: "org_1", OrgSlug: "acme"})
	require.NoError(t, err)
	require.NotNil(t, tn)
	assert.Equal(t, "acme", tn.Slug)
}
