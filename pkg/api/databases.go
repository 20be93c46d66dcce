package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	serrors "github.com/semgate/semgate/pkg/errors"
	"github.com/semgate/semgate/pkg/registry"
	"github.com/semgate/semgate/pkg/tenant"
)

// handleListDatabases lists the tenant's databases, redacted.
func (s *Server) handleListDatabases(w http.ResponseWriter, r *http.Request) {
	dbs, err := s.store.ListDatabases(r.Context(), tenant.TenantID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"databases": redactDatabases(dbs)})
}

// handleCreateDatabase registers a new database for the tenant.
func (s *Server) handleCreateDatabase(w http.ResponseWriter, r *http.Request) {
	var in registry.CreateDatabaseInput
	if err := decodeStrict(r, &in); err != nil {
		writeError(w, err)
		return
	}
	db, err := s.manager.CreateDatabase(r.Context(), in, tenant.TenantID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, redactDatabase(db))
}

// handleGetDatabase inspects one database, redacted.
func (s *Server) handleGetDatabase(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	db, err := s.store.GetDatabase(r.Context(), id, tenant.TenantID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	if db == nil {
		writeError(w, serrors.Newf(serrors.CodeNotFound, "database %q not found", id))
		return
	}
	writeJSON(w, http.StatusOK, redactDatabase(db))
}

// handleUpdateDatabase applies a partial patch.
func (s *Server) handleUpdateDatabase(w http.ResponseWriter, r *http.Request) {
	var in registry.UpdateDatabaseInput
	if err := decodeStrict(r, &in); err != nil {
		writeError(w, err)
		return
	}
	db, err := s.manager.UpdateDatabase(r.Context(), chi.URLParam(r, "id"), tenant.TenantID(r.Context()), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, redactDatabase(db))
}

// handleDeleteDatabase removes an inactive database.
func (s *Server) handleDeleteDatabase(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.DeleteDatabase(r.Context(), chi.URLParam(r, "id"), tenant.TenantID(r.Context())); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

// handleActivateDatabase runs the structural test and flips to active.
func (s *Server) handleActivateDatabase(w http.ResponseWriter, r *http.Request) {
	db, err := s.manager.ActivateDatabase(r.Context(), chi.URLParam(r, "id"), tenant.TenantID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, redactDatabase(db))
}

// handleDeactivateDatabase flips to inactive.
func (s *Server) handleDeactivateDatabase(w http.ResponseWriter, r *http.Request) {
	db, err := s.manager.DeactivateDatabase(r.Context(), chi.URLParam(r, "id"), tenant.TenantID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, redactDatabase(db))
}

// handleTestDatabase runs the structural connection test against the
// stored config without touching lifecycle state.
func (s *Server) handleTestDatabase(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	db, err := s.store.GetDatabase(r.Context(), id, tenant.TenantID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	if db == nil {
		writeError(w, serrors.Newf(serrors.CodeNotFound, "database %q not found", id))
		return
	}
	writeJSON(w, http.StatusOK, s.manager.TestConnection(db.Connection))
}

// handleInitializeDefault bootstraps the deployment-default database.
// Idempotent: repeat calls return the existing row.
func (s *Server) handleInitializeDefault(w http.ResponseWriter, r *http.Request) {
	db, err := s.manager.InitializeDefaultDatabase(r.Context(), tenant.TenantID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, redactDatabase(db))
}
