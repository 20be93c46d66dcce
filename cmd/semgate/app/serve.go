package app

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/semgate/semgate/pkg/api"
	"github.com/semgate/semgate/pkg/config"
	"github.com/semgate/semgate/pkg/fsync"
	"github.com/semgate/semgate/pkg/logger"
	"github.com/semgate/semgate/pkg/mcpserver"
	"github.com/semgate/semgate/pkg/registry"
	"github.com/semgate/semgate/pkg/registry/postgres"
	"github.com/semgate/semgate/pkg/tenant"
	"github.com/semgate/semgate/pkg/versions"
)

// serveCmdFunc wires every component and runs the enabled transports
// until a termination signal arrives.
func serveCmdFunc(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger.Initialize(cfg.Debug)

	if !cfg.MCPHTTPEnabled && !cfg.MCPStdioEnabled {
		return fmt.Errorf("no MCP transport enabled; set MCP_HTTP_ENABLED or MCP_STDIO_ENABLED")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := postgres.New(ctx, cfg.DatabaseURL, cfg.AdminSecret)
	if err != nil {
		return fmt.Errorf("failed to open registry store: %w", err)
	}
	defer store.Close()

	manager := registry.NewManager(store, registry.ManagerConfig{
		GlobalJWTSecret: cfg.CubeJWTSecret,
		DefaultSeed: registry.Connection{
			Type:     registry.ConnectionPostgres,
			Host:     cfg.DefaultDBHost,
			Port:     cfg.DefaultDBPort,
			Database: cfg.DefaultDBName,
			User:     cfg.DefaultDBUser,
			Password: cfg.DefaultDBPassword,
		},
		Introspect: registry.NewPostgresIntrospector(store),
	})

	syncer := fsync.New(store, cfg.DataDir, cfg.CubeColocated)
	syncer.Subscribe(manager)
	if err := syncer.SyncAll(ctx); err != nil {
		return fmt.Errorf("initial filesystem sync failed: %w", err)
	}

	// Self-hosted deployments bootstrap their default database eagerly;
	// tenanted ones do it on first contact per tenant.
	if !cfg.AuthEnabled {
		if _, err := manager.InitializeDefaultDatabase(ctx, ""); err != nil {
			logger.Warnf("default database bootstrap failed: %v", err)
		}
	}

	var identity tenant.IdentityClient
	if cfg.IdentityAPIURL != "" {
		identity = tenant.NewIdentityClient(cfg.IdentityAPIURL, cfg.IdentityAPIKey)
	}
	materializer := tenant.NewMaterializer(store, identity, manager)
	auth := tenant.NewAuthenticator(cfg.AuthEnabled, cfg.SessionSecret, store, materializer)

	version := versions.GetVersionInfo().Version
	hub := mcpserver.NewHub(manager, mcpserver.Config{
		CubeAPIURL:      cfg.CubeAPIURL,
		GlobalJWTSecret: cfg.CubeJWTSecret,
		Version:         version,
	})
	defer hub.Close()

	apiServer := api.NewServer(manager, hub, auth, syncer, api.Config{
		AuthEnabled:            cfg.AuthEnabled,
		IdentityPublishableKey: cfg.IdentityPublishableKey,
		Version:                version,
	})

	errCh := make(chan error, 3)

	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.APIHost, cfg.APIPort)
		if err := api.Serve(ctx, addr, apiServer.Router()); err != nil {
			errCh <- fmt.Errorf("admin API failed: %w", err)
		}
	}()

	if cfg.MCPHTTPEnabled {
		go func() {
			addr := fmt.Sprintf("%s:%d", cfg.MCPHTTPHost, cfg.MCPHTTPPort)
			if err := mcpserver.Serve(ctx, addr, mcpserver.Router(hub, auth)); err != nil {
				errCh <- fmt.Errorf("MCP HTTP transport failed: %w", err)
			}
		}()
	}

	if cfg.MCPStdioEnabled {
		go func() {
			if err := mcpserver.ServeStdio(ctx, hub); err != nil {
				errCh <- fmt.Errorf("MCP stdio transport failed: %w", err)
			}
		}()
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Info("Shutting down")
		return nil
	}
}
