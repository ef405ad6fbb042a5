package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/petal-labs/trellis"
	"github.com/petal-labs/trellis/auth"
	"github.com/petal-labs/trellis/config"
	"github.com/petal-labs/trellis/tool"
	"github.com/petal-labs/trellis/transport"
)

// loadConfig resolves and loads trellis.yaml per the --config flag.
func loadConfig(cmd *cobra.Command) (config.File, string, error) {
	explicitPath, _ := cmd.Flags().GetString("config")
	path, found, err := config.DiscoverPath(explicitPath)
	if err != nil {
		return config.File{}, "", exitError(exitConfig, "%v", err)
	}
	if !found {
		return config.File{}, "", nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.File{}, "", exitError(exitConfig, "%v", err)
	}
	return cfg, path, nil
}

// resolveSQLiteDSN picks the database path: flag, then env, then config,
// then the default under the user's home.
func resolveSQLiteDSN(cmd *cobra.Command, cfg config.File) (string, error) {
	sqlitePath, _ := cmd.Flags().GetString("sqlite-path")
	dsn := strings.TrimSpace(sqlitePath)
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("TRELLIS_SQLITE_PATH"))
	}
	if dsn == "" {
		dsn = strings.TrimSpace(cfg.Storage.SQLitePath)
	}
	if dsn == "" {
		defaultPath, err := tool.DefaultSQLitePath()
		if err != nil {
			return "", fmt.Errorf("resolving default sqlite path: %w", err)
		}
		dsn = defaultPath
	}
	return dsn, nil
}

// gatewayParts bundles everything buildGateway assembles so callers can
// close stores on shutdown.
type gatewayParts struct {
	gateway   *trellis.Gateway
	adapter   *transport.Adapter
	toolStore tool.Store
	pending   trellis.PendingStore
}

func (p *gatewayParts) close() {
	if p.adapter != nil {
		p.adapter.Close()
	}
	if p.toolStore != nil {
		_ = p.toolStore.Close()
	}
	if p.pending != nil {
		_ = p.pending.Close()
	}
}

// buildGateway wires stores, registry, transport, and auth from
// configuration into a ready Gateway.
func buildGateway(ctx context.Context, cmd *cobra.Command, cfg config.File, observer trellis.Observer, logger *slog.Logger) (*gatewayParts, error) {
	parts := &gatewayParts{}

	dsn, err := resolveSQLiteDSN(cmd, cfg)
	if err != nil {
		return nil, err
	}
	store, err := tool.NewSQLiteStore(tool.SQLiteStoreConfig{DSN: dsn})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite descriptor store: %w", err)
	}
	parts.toolStore = store

	pending, err := trellis.NewSQLitePendingStore(dsn)
	if err != nil {
		parts.close()
		return nil, fmt.Errorf("opening sqlite pending store: %w", err)
	}
	parts.pending = pending

	registry := tool.NewRegistry(tool.RegistryConfig{Store: store, Logger: logger})
	if err := registry.Load(ctx); err != nil {
		parts.close()
		return nil, err
	}

	adapter := transport.NewAdapter(transport.AdapterConfig{Logger: logger})
	parts.adapter = adapter
	authManager := auth.NewManager(auth.ManagerConfig{Logger: logger})
	for _, serverID := range cfg.ServerNames() {
		decl := cfg.Servers[serverID]
		if err := adapter.AddEndpoint(decl.TransportEndpoint(serverID)); err != nil {
			parts.close()
			return nil, exitError(exitConfig, "server %q: %v", serverID, err)
		}
		if err := authManager.Configure(serverID, decl.Auth.AuthConfig()); err != nil {
			parts.close()
			return nil, exitError(exitConfig, "server %q auth: %v", serverID, err)
		}
	}

	parts.gateway = trellis.NewGateway(trellis.GatewayConfig{
		Registry:      registry,
		Transport:     adapter,
		Auth:          authManager,
		Retry:         cfg.Resilience.RetryPolicy(),
		Breaker:       cfg.Resilience.BreakerConfig(),
		CacheTTL:      cfg.Resilience.CacheTTL(),
		Deadline:      cfg.DeadlineDuration(),
		LocalServerID: cfg.LocalServerID,
		Pending:       pending,
		Observer:      observer,
		Logger:        logger,
	})
	return parts, nil
}
