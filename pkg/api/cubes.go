package api

import (
	"net/http"
	"path"
	"strings"

	"github.com/go-chi/chi/v5"

	serrors "github.com/semgate/semgate/pkg/errors"
	"github.com/semgate/semgate/pkg/logger"
	"github.com/semgate/semgate/pkg/registry"
	"github.com/semgate/semgate/pkg/tenant"
)

// databaseParam resolves the ?database= query parameter to a database
// the caller's tenant actually owns.
func (s *Server) databaseParam(r *http.Request) (*registry.DatabaseConfig, error) {
	id := r.URL.Query().Get("database")
	if id == "" {
		return nil, serrors.New(serrors.CodeValidation, "the database query parameter is required")
	}
	db, err := s.store.GetDatabase(r.Context(), id, tenant.TenantID(r.Context()))
	if err != nil {
		return nil, err
	}
	if db == nil {
		return nil, serrors.Newf(serrors.CodeNotFound, "database %q not found", id)
	}
	return db, nil
}

// validCubeFileName accepts flat YAML file names only.
func validCubeFileName(name string) bool {
	if name == "" || name != path.Base(name) || strings.HasPrefix(name, ".") {
		return false
	}
	return strings.HasSuffix(name, ".yml") || strings.HasSuffix(name, ".yaml")
}

// handleListCubeFiles lists a database's cube files.
func (s *Server) handleListCubeFiles(w http.ResponseWriter, r *http.Request) {
	db, err := s.databaseParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	files, err := s.store.ListCubeFiles(r.Context(), db.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": files})
}

// handleGetCubeFile fetches one cube file.
func (s *Server) handleGetCubeFile(w http.ResponseWriter, r *http.Request) {
	db, err := s.databaseParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	fileName := chi.URLParam(r, "fileName")
	file, err := s.store.GetCubeFile(r.Context(), db.ID, fileName)
	if err != nil {
		writeError(w, err)
		return
	}
	if file == nil {
		writeError(w, serrors.Newf(serrors.CodeNotFound, "cube file %q not found", fileName))
		return
	}
	writeJSON(w, http.StatusOK, file)
}

// handleUpsertCubeFile writes a cube file (last write wins) and
// rematerializes the database's model tree.
func (s *Server) handleUpsertCubeFile(w http.ResponseWriter, r *http.Request) {
	db, err := s.databaseParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	fileName := chi.URLParam(r, "fileName")
	if !validCubeFileName(fileName) {
		writeError(w, serrors.Newf(serrors.CodeValidation, "invalid cube file name %q", fileName))
		return
	}

	var in struct {
		Content string `json:"content" validate:"required"`
	}
	if err := decodeStrict(r, &in); err != nil {
		writeError(w, err)
		return
	}

	file := &registry.CubeFile{
		DatabaseID: db.ID,
		FileName:   fileName,
		Content:    in.Content,
	}
	if err := s.store.UpsertCubeFile(r.Context(), file); err != nil {
		writeError(w, err)
		return
	}
	s.resync(r, db.ID)
	writeJSON(w, http.StatusOK, file)
}

// handleDeleteCubeFile removes a cube file and rematerializes the tree.
func (s *Server) handleDeleteCubeFile(w http.ResponseWriter, r *http.Request) {
	db, err := s.databaseParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	fileName := chi.URLParam(r, "fileName")
	deleted, err := s.store.DeleteCubeFile(r.Context(), db.ID, fileName)
	if err != nil {
		writeError(w, err)
		return
	}
	if !deleted {
		writeError(w, serrors.Newf(serrors.CodeNotFound, "cube file %q not found", fileName))
		return
	}
	s.resync(r, db.ID)
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

// resync pushes the database's files to disk; a failure is logged, not
// surfaced, because the store already holds the authoritative state.
func (s *Server) resync(r *http.Request, databaseID string) {
	if s.syncer == nil {
		return
	}
	if err := s.syncer.SyncDatabase(r.Context(), databaseID); err != nil {
		logger.Warnw("filesystem resync failed", "database_id", databaseID, "error", err)
	}
}

// handleGetCatalog returns the database's governance document.
func (s *Server) handleGetCatalog(w http.ResponseWriter, r *http.Request) {
	db, err := s.databaseParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	cfg, err := s.store.GetCatalogConfig(r.Context(), db.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	if cfg == nil {
		cfg = registry.NewCatalogConfig()
	}
	writeJSON(w, http.StatusOK, cfg)
}

// handleUpdateCatalog replaces the governance document and drops the
// cached handler so the next query sees the new rules.
func (s *Server) handleUpdateCatalog(w http.ResponseWriter, r *http.Request) {
	db, err := s.databaseParam(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var cfg registry.CatalogConfig
	if err := decodeStrict(r, &cfg); err != nil {
		writeError(w, err)
		return
	}
	if cfg.Members == nil {
		cfg.Members = map[string]registry.CatalogOverride{}
	}
	if err := s.store.UpsertCatalogConfig(r.Context(), db.ID, &cfg); err != nil {
		writeError(w, err)
		return
	}
	s.hub.Invalidate(db.ID)
	writeJSON(w, http.StatusOK, &cfg)
}
