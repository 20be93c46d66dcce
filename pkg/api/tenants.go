package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	serrors "github.com/semgate/semgate/pkg/errors"
	"github.com/semgate/semgate/pkg/registry"
	"github.com/semgate/semgate/pkg/tenant"
)

// handleGetTenant summarizes the caller's tenant. Self-hosted
// deployments have no tenant and report that explicitly.
func (s *Server) handleGetTenant(w http.ResponseWriter, r *http.Request) {
	p := tenant.FromContext(r.Context())
	if p == nil || p.OrgID == "" {
		writeJSON(w, http.StatusOK, map[string]any{"tenant": nil, "selfHosted": true})
		return
	}
	t, err := s.store.GetTenantByID(r.Context(), p.OrgID)
	if err != nil {
		writeError(w, err)
		return
	}
	if t == nil {
		writeError(w, serrors.New(serrors.CodeNotFound, "tenant not found"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenant": t, "selfHosted": false})
}

// handleRenameSlug renames the tenant's slug. Collisions surface as 409,
// whether caught by the precheck or by the unique constraint.
func (s *Server) handleRenameSlug(w http.ResponseWriter, r *http.Request) {
	p := tenant.FromContext(r.Context())
	if p == nil || p.OrgID == "" {
		writeError(w, serrors.New(serrors.CodeOrgRequired, "slug rename requires a tenant"))
		return
	}

	var in struct {
		Slug string `json:"slug" validate:"required"`
	}
	if err := decodeStrict(r, &in); err != nil {
		writeError(w, err)
		return
	}
	if !registry.IsValidSlug(in.Slug) {
		writeError(w, serrors.Newf(serrors.CodeValidation, "invalid slug %q", in.Slug))
		return
	}

	taken, err := s.store.TenantSlugExists(r.Context(), in.Slug)
	if err != nil {
		writeError(w, err)
		return
	}
	if taken {
		writeError(w, serrors.Newf(serrors.CodeSlugTaken, "slug %q is already taken", in.Slug))
		return
	}

	t, err := s.store.UpdateTenantSlug(r.Context(), p.OrgID, in.Slug)
	if err != nil {
		writeError(w, err)
		return
	}
	if t == nil {
		writeError(w, serrors.New(serrors.CodeNotFound, "tenant not found"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenant": t})
}

// handleListAPIKeys lists the tenant's keys. Hashes never leave the
// store; only prefixes identify keys here.
func (s *Server) handleListAPIKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.store.ListAPIKeys(r.Context(), tenant.TenantID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"apiKeys": keys})
}

// handleCreateAPIKey mints a key and returns the raw value exactly once.
func (s *Server) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Name string `json:"name" validate:"required"`
	}
	if err := decodeStrict(r, &in); err != nil {
		writeError(w, err)
		return
	}

	createdBy := ""
	if p := tenant.FromContext(r.Context()); p != nil {
		createdBy = p.UserID
	}
	key, raw, err := s.store.CreateAPIKey(r.Context(), tenant.TenantID(r.Context()), in.Name, createdBy)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"apiKey": key,
		"key":    raw,
	})
}

// handleRevokeAPIKey revokes one key. Already-revoked keys 404.
func (s *Server) handleRevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	revoked, err := s.store.RevokeAPIKey(r.Context(), id, tenant.TenantID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	if !revoked {
		writeError(w, serrors.Newf(serrors.CodeNotFound, "API key %q not found", id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revoked": true})
}
