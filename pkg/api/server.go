// Package api is the admin REST surface: database lifecycle, cube file
// and catalog management, tenant administration, API keys, and
// pipeline-level query entry points.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/semgate/semgate/pkg/logger"
	"github.com/semgate/semgate/pkg/mcpserver"
	"github.com/semgate/semgate/pkg/registry"
	"github.com/semgate/semgate/pkg/tenant"
)

// Config carries the deployment flags the API reports and enforces.
type Config struct {
	AuthEnabled            bool
	IdentityPublishableKey string
	Version                string
}

// Syncer is the slice of the filesystem synchronizer the API drives
// directly: cube file edits bypass the manager's lifecycle events.
type Syncer interface {
	SyncDatabase(ctx context.Context, databaseID string) error
}

// Server holds the admin API's collaborators.
type Server struct {
	manager *registry.Manager
	store   registry.Store
	hub     *mcpserver.Hub
	auth    *tenant.Authenticator
	syncer  Syncer
	cfg     Config
}

// NewServer wires the admin API.
func NewServer(manager *registry.Manager, hub *mcpserver.Hub, auth *tenant.Authenticator, syncer Syncer, cfg Config) *Server {
	return &Server{
		manager: manager,
		store:   manager.Store(),
		hub:     hub,
		auth:    auth,
		syncer:  syncer,
		cfg:     cfg,
	}
}

// Router assembles the full route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		// Deployment flags are public: browsers need them before login.
		r.Get("/config", s.handleConfig)

		r.Group(func(r chi.Router) {
			r.Use(s.auth.Middleware)
			r.Use(s.auth.Require)

			r.Route("/tenant", func(r chi.Router) {
				r.Get("/", s.handleGetTenant)
				r.With(s.auth.RequireOrgAdmin).Put("/slug", s.handleRenameSlug)
			})

			r.Route("/databases", func(r chi.Router) {
				r.Get("/", s.handleListDatabases)
				r.Post("/", s.handleCreateDatabase)
				r.Post("/initialize-default", s.handleInitializeDefault)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetDatabase)
					r.Put("/", s.handleUpdateDatabase)
					r.Delete("/", s.handleDeleteDatabase)
					r.Post("/activate", s.handleActivateDatabase)
					r.Post("/deactivate", s.handleDeactivateDatabase)
					r.Post("/test", s.handleTestDatabase)
				})
			})

			r.Route("/cubes", func(r chi.Router) {
				r.Get("/", s.handleListCubeFiles)
				r.Get("/{fileName}", s.handleGetCubeFile)
				r.Put("/{fileName}", s.handleUpsertCubeFile)
				r.Delete("/{fileName}", s.handleDeleteCubeFile)
			})

			r.Route("/catalog", func(r chi.Router) {
				r.Get("/", s.handleGetCatalog)
				r.Put("/", s.handleUpdateCatalog)
			})

			r.Route("/query", func(r chi.Router) {
				r.Post("/validate", s.handleQueryValidate)
				r.Post("/sql", s.handleQuerySQL)
				r.Post("/execute", s.handleQueryExecute)
			})

			r.Route("/api-keys", func(r chi.Router) {
				r.Get("/", s.handleListAPIKeys)
				r.With(s.auth.RequireOrgAdmin).Post("/", s.handleCreateAPIKey)
				r.With(s.auth.RequireOrgAdmin).Delete("/{id}", s.handleRevokeAPIKey)
			})
		})
	})

	return r
}

func (*Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleConfig reports public deployment flags.
func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"authEnabled":            s.cfg.AuthEnabled,
		"identityPublishableKey": s.cfg.IdentityPublishableKey,
		"version":                s.cfg.Version,
	})
}

// Serve runs the admin API until ctx is canceled.
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second, // Prevent Slowloris attacks
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("Starting admin API on http://%s/api", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
