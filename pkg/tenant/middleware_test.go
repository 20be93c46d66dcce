package tenant

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/semgate/semgate/pkg/registry"
)

// fakeAuthStore extends the tenant fake with API key lookups.
type fakeAuthStore struct {
	*fakeTenantStore
	keys    map[string]*registry.APIKey // by hash
	touched []string
}

func newFakeAuthStore() *fakeAuthStore {
	return &fakeAuthStore{
		fakeTenantStore: newFakeTenantStore(),
		keys:            map[string]*registry.APIKey{},
	}
}

func (f *fakeAuthStore) GetAPIKeyByHash(_ context.Context, hash string) (*registry.APIKey, error) {
	return f.keys[hash], nil
}

func (f *fakeAuthStore) TouchAPIKeyLastUsed(_ context.Context, id string) error {
	f.touched = append(f.touched, id)
	return nil
}

func (f *fakeAuthStore) addKey(raw string, key *registry.APIKey) {
	sum := sha256.Sum256([]byte(raw))
	f.keys[hex.EncodeToString(sum[:])] = key
}

func newTestAuthenticator(enabled bool, store *fakeAuthStore) *Authenticator {
	manager := registry.NewManager(store, registry.ManagerConfig{})
	materializer := NewMaterializer(store, nil, manager)
	return NewAuthenticator(enabled, "session-secret", store, materializer)
}

func TestMiddlewareDisabledPassesThrough(t *testing.T) {
	t.Parallel()
	auth := newTestAuthenticator(false, newFakeAuthStore())

	var seen *Principal
	h := auth.Middleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = FromContext(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/api/databases", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, seen, "self-hosted mode never authenticates")
}

func TestMiddlewareSessionToken(t *testing.T) {
	t.Parallel()
	auth := newTestAuthenticator(true, newFakeAuthStore())

	var seen *Principal
	h := auth.Middleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = FromContext(r.Context())
	}))

	signed := signSessionToken(t, "session-secret", jwt.SigningMethodHS256, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/databases", nil)
	req.Header.Set(SessionTokenHeader, signed)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, seen)
	assert.Equal(t, "org_1", seen.OrgID)

	// The tenant row was materialized on first contact.
	tn, err := auth.store.GetTenantByID(context.Background(), "org_1")
	require.NoError(t, err)
	require.NotNil(t, tn)
	assert.Equal(t, "acme", tn.Slug)
}

func TestMiddlewareBearerSessionToken(t *testing.T) {
	t.Parallel()
	auth := newTestAuthenticator(true, newFakeAuthStore())

	var seen *Principal
	h := auth.Middleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = FromContext(r.Context())
	}))

	signed := signSessionToken(t, "session-secret", jwt.SigningMethodHS256, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/databases", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, seen)
	assert.Equal(t, "user_1", seen.UserID)
}

func TestMiddlewareRejectsBadToken(t *testing.T) {
	t.Parallel()
	auth := newTestAuthenticator(true, newFakeAuthStore())
	h := auth.Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/databases", nil)
	req.Header.Set(SessionTokenHeader, "garbage")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "UNAUTHENTICATED", body["code"])
	assert.NotEmpty(t, body["error"])
}

func TestMiddlewareAPIKey(t *testing.T) {
	t.Parallel()
	store := newFakeAuthStore()
	store.addKey("sg_live_abc123", &registry.APIKey{ID: "key_1", TenantID: "org_1", Name: "ci"})
	auth := newTestAuthenticator(true, store)

	var seen *Principal
	h := auth.Middleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = FromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/databases", nil)
	req.Header.Set("Authorization", "Bearer sg_live_abc123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, seen)
	assert.Equal(t, "org_1", seen.OrgID)
	assert.Equal(t, "key_1", seen.APIKeyID)
	assert.True(t, seen.IsOrgAdmin())
	assert.Equal(t, []string{"key_1"}, store.touched)
}

func TestMiddlewareRejectsRevokedAndExpiredKeys(t *testing.T) {
	t.Parallel()
	now := time.Now()
	revokedAt := now.Add(-time.Hour)
	expiredAt := now.Add(-time.Minute)

	store := newFakeAuthStore()
	store.addKey("sg_revoked", &registry.APIKey{ID: "key_r", TenantID: "org_1", RevokedAt: &revokedAt})
	store.addKey("sg_expired", &registry.APIKey{ID: "key_e", TenantID: "org_1", ExpiresAt: &expiredAt})
	auth := newTestAuthenticator(true, store)

	h := auth.Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run")
	}))

	for _, raw := range []string{"sg_revoked", "sg_expired", "sg_unknown"} {
		req := httptest.NewRequest(http.MethodGet, "/api/databases", nil)
		req.Header.Set("Authorization", "Bearer "+raw)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "key %q", raw)
	}
	assert.Empty(t, store.touched)
}

func TestRequire(t *testing.T) {
	t.Parallel()
	auth := newTestAuthenticator(true, newFakeAuthStore())
	h := auth.Require(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/mcp", nil)
	req = req.WithContext(WithPrincipal(req.Context(), &Principal{OrgID: "org_1"}))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequireOrgAdmin(t *testing.T) {
	t.Parallel()
	auth := newTestAuthenticator(true, newFakeAuthStore())
	h := auth.RequireOrgAdmin(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))

	req := httptest.NewRequest(http.MethodPost, "/api/api-keys", nil)
	req = req.WithContext(WithPrincipal(req.Context(), &Principal{OrgID: "org_1", OrgRole: "org:member"}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "FORBIDDEN_NOT_ADMIN", body["code"])

	req = httptest.NewRequest(http.MethodPost, "/api/api-keys", nil)
	req = req.WithContext(WithPrincipal(req.Context(), &Principal{OrgID: "org_1", OrgRole: OrgAdminRole}))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Disabled auth skips the check entirely.
	open := newTestAuthenticator(false, newFakeAuthStore())
	h = open.RequireOrgAdmin(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	req = httptest.NewRequest(http.MethodPost, "/api/api-keys", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestIdentityClient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/organizations/org_1", r.URL.Path)
		assert.Equal(t, "Bearer provider-key", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(Organization{ID: "org_1", Name: "Acme", Slug: "acme"})
	}))
	defer srv.Close()

	client := NewIdentityClient(srv.URL, "provider-key")
	org, err := client.GetOrganization(context.Background(), "org_1")
	require.NoError(t, err)
	assert.Equal(t, "acme", org.Slug)
}

func TestIdentityClientUpstreamError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewIdentityClient(srv.URL, "provider-key")
	_, err := client.GetOrganization(context.Background(), "org_1")
	assert.Error(t, err)
}
