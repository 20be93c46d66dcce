// Package mcpserver exposes the semantic layer to AI agents over MCP:
// three tools per database, served over stdio and streamable HTTP with
// explicit session lifecycle.
package mcpserver

import (
	"context"
	"sync"

	"github.com/mark3labs/mcp-go/server"

	"github.com/semgate/semgate/pkg/catalog"
	"github.com/semgate/semgate/pkg/cube"
	serrors "github.com/semgate/semgate/pkg/errors"
	"github.com/semgate/semgate/pkg/logger"
	"github.com/semgate/semgate/pkg/pipeline"
	"github.com/semgate/semgate/pkg/policy"
	"github.com/semgate/semgate/pkg/registry"
)

// Config carries the deployment-level settings the hub needs.
type Config struct {
	// CubeAPIURL is the upstream engine every handler talks to.
	CubeAPIURL string

	// GlobalJWTSecret signs cube tokens for databases without a custom
	// secret.
	GlobalJWTSecret string

	// Version is reported in the MCP server info.
	Version string
}

// Handler bundles everything one database needs to answer tool calls.
// Created lazily, cached by database id, disposed on lifecycle events.
type Handler struct {
	db         *registry.DatabaseConfig
	client     *cube.Client
	index      *catalog.Index
	enforcer   *policy.Enforcer
	pipeline   *pipeline.Pipeline
	mcpServer  *server.MCPServer
	streamable *server.StreamableHTTPServer
	sessions   *SessionManager
}

func (h *Handler) dispose() {
	h.sessions.Stop()
}

// Hub owns the per-database handler cache and builds MCP servers on
// demand. It subscribes to registry lifecycle events so a deactivated or
// deleted database stops serving immediately.
type Hub struct {
	store   registry.Store
	manager *registry.Manager
	cfg     Config

	mu       sync.Mutex
	handlers map[string]*Handler
}

// NewHub creates the hub and wires its cache invalidation.
func NewHub(manager *registry.Manager, cfg Config) *Hub {
	h := &Hub{
		store:    manager.Store(),
		manager:  manager,
		cfg:      cfg,
		handlers: make(map[string]*Handler),
	}
	manager.Subscribe(func(ev registry.Event) {
		switch ev.Type {
		case registry.EventUpdated, registry.EventDeactivated, registry.EventDeleted:
			h.evict(ev.DatabaseID)
		}
	})
	return h
}

// HandlerFor returns the cached handler for a database, creating it on
// first use. Only active databases get handlers; the tenant filter
// applies before any caching so one tenant can never warm a handler for
// another's database.
func (h *Hub) HandlerFor(ctx context.Context, databaseID, tenantID string) (*Handler, error) {
	db, err := h.store.GetDatabase(ctx, databaseID, tenantID)
	if err != nil {
		return nil, err
	}
	if db == nil {
		return nil, serrors.Newf(serrors.CodeNotFound, "database %q not found", databaseID)
	}
	if db.Status != registry.StatusActive {
		return nil, serrors.Newf(serrors.CodeNotFound, "database %q is not active", databaseID)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if cached, ok := h.handlers[db.ID]; ok {
		return cached, nil
	}

	built := h.build(db)
	h.handlers[db.ID] = built
	logger.Debugw("created database handler", "database_id", db.ID, "slug", db.Slug)
	return built, nil
}

// build assembles the bundle for one database config.
func (h *Hub) build(db *registry.DatabaseConfig) *Handler {
	secret := db.JWTSecret
	if secret == "" {
		secret = h.cfg.GlobalJWTSecret
	}
	apiURL := db.CubeAPIURL
	if apiURL == "" {
		apiURL = h.cfg.CubeAPIURL
	}

	client := cube.NewClient(apiURL, secret, db.ID)
	index := catalog.NewIndex(client, h.store, db)
	enforcer := policy.NewEnforcer(db, index)
	pipe := pipeline.New(db, client, index, enforcer)

	built := &Handler{
		db:       db,
		client:   client,
		index:    index,
		enforcer: enforcer,
		pipeline: pipe,
		sessions: NewSessionManager(defaultSessionTTL),
	}
	built.mcpServer = newToolServer(built, h.cfg.Version)
	built.streamable = server.NewStreamableHTTPServer(
		built.mcpServer,
		server.WithSessionIdManager(newSessionIDAdapter(built.sessions)),
	)
	return built
}

// evict drops a handler and its sessions.
func (h *Hub) evict(databaseID string) {
	h.mu.Lock()
	cached, ok := h.handlers[databaseID]
	if ok {
		delete(h.handlers, databaseID)
	}
	h.mu.Unlock()
	if ok {
		cached.dispose()
		logger.Debugw("evicted database handler", "database_id", databaseID)
	}
}

// Invalidate drops the cached handler for a database so the next call
// rebuilds it. Used when governance documents change outside the
// manager's lifecycle events.
func (h *Hub) Invalidate(databaseID string) {
	h.evict(databaseID)
}

// Close disposes every cached handler.
func (h *Hub) Close() {
	h.mu.Lock()
	handlers := h.handlers
	h.handlers = make(map[string]*Handler)
	h.mu.Unlock()
	for _, cached := range handlers {
		cached.dispose()
	}
}

// Pipeline exposes the handler's query pipeline to the admin API.
func (h *Handler) Pipeline() *pipeline.Pipeline {
	return h.pipeline
}

// Index exposes the handler's catalog index to the admin API.
func (h *Handler) Index() *catalog.Index {
	return h.index
}

// DefaultDatabaseID resolves the deployment-default database for the
// legacy /mcp route and the stdio transport.
func (h *Hub) DefaultDatabaseID(ctx context.Context, tenantID string) (string, error) {
	dbs, err := h.store.ListDatabases(ctx, tenantID)
	if err != nil {
		return "", err
	}
	for _, db := range dbs {
		if db.Slug == registry.DefaultSlug {
			return db.ID, nil
		}
	}
	return "", serrors.New(serrors.CodeNotFound, "default database not found")
}
