package mcpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mark3labs/mcp-go/server"

	serrors "github.com/semgate/semgate/pkg/errors"
	"github.com/semgate/semgate/pkg/logger"
	"github.com/semgate/semgate/pkg/tenant"
)

// jsonRPCSessionError is the JSON-RPC code for session and routing
// faults on the MCP HTTP surface.
const jsonRPCSessionError = -32000

// Router builds the MCP HTTP surface:
//
//	POST|GET|DELETE /mcp                      → deployment-default database
//	POST|GET|DELETE /mcp/{databaseID}         → one database
//	POST|GET|DELETE /mcp/{slug}/{databaseID}  → tenanted prefix
//
// auth resolves the caller before any routing; unknown databases and
// foreign tenants are indistinguishable (both 404).
func Router(hub *Hub, auth *tenant.Authenticator) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(auth.Middleware)
	r.Use(auth.Require)

	r.HandleFunc("/mcp", func(w http.ResponseWriter, req *http.Request) {
		tenantID := tenant.TenantID(req.Context())
		dbID, err := hub.DefaultDatabaseID(req.Context(), tenantID)
		if err != nil {
			writeRPCError(w, err)
			return
		}
		serveDatabase(hub, w, req, dbID, tenantID)
	})

	r.HandleFunc("/mcp/{databaseID}", func(w http.ResponseWriter, req *http.Request) {
		serveDatabase(hub, w, req, chi.URLParam(req, "databaseID"), tenant.TenantID(req.Context()))
	})

	r.HandleFunc("/mcp/{slug}/{databaseID}", func(w http.ResponseWriter, req *http.Request) {
		tenantID, err := resolveSlug(req.Context(), hub, chi.URLParam(req, "slug"))
		if err != nil {
			writeRPCError(w, err)
			return
		}
		serveDatabase(hub, w, req, chi.URLParam(req, "databaseID"), tenantID)
	})

	return r
}

// serveDatabase dispatches the request into the database's streamable
// transport. Session lifecycle is owned by the handler's session manager.
func serveDatabase(hub *Hub, w http.ResponseWriter, req *http.Request, databaseID, tenantID string) {
	h, err := hub.HandlerFor(req.Context(), databaseID, tenantID)
	if err != nil {
		writeRPCError(w, err)
		return
	}
	h.streamable.ServeHTTP(w, req)
}

// resolveSlug maps a tenant slug onto its scope, rejecting principals
// that belong to a different tenant.
func resolveSlug(ctx context.Context, hub *Hub, slug string) (string, error) {
	t, err := hub.store.GetTenantBySlug(ctx, slug)
	if err != nil {
		return "", err
	}
	if t == nil {
		return "", serrors.Newf(serrors.CodeNotFound, "tenant %q not found", slug)
	}
	if p := tenant.FromContext(ctx); p != nil && p.OrgID != "" && p.OrgID != t.ID {
		return "", serrors.Newf(serrors.CodeNotFound, "tenant %q not found", slug)
	}
	return t.ID, nil
}

// writeRPCError renders a routing fault as a JSON-RPC error without a
// live transport. Status comes from the taxonomy mapping.
func writeRPCError(w http.ResponseWriter, err error) {
	se := serrors.As(err)
	status := serrors.HTTPStatus(se.Code)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"jsonrpc": "2.0",
		"error": map[string]any{
			"code":    jsonRPCSessionError,
			"message": se.Message,
		},
		"id": nil,
	})
}

// Serve runs the MCP HTTP transport until ctx is canceled.
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second, // Prevent Slowloris attacks
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("Starting MCP server on http://%s/mcp", addr)
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

// ServeStdio binds the deployment-default database to stdin/stdout for
// local clients. Single-threaded by construction: one request at a time.
func ServeStdio(ctx context.Context, hub *Hub) error {
	dbID, err := hub.DefaultDatabaseID(ctx, "")
	if err != nil {
		return err
	}
	h, err := hub.HandlerFor(ctx, dbID, "")
	if err != nil {
		return err
	}
	logger.Info("Starting MCP server on stdio")
	return server.ServeStdio(h.mcpServer)
}
