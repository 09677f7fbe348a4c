// Package app assembles the fx graph shared by the CLI commands.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/brizzai/task-mcp/internal/auth"
	"github.com/brizzai/task-mcp/internal/auth/providers"
	"github.com/brizzai/task-mcp/internal/auth/state"
	"github.com/brizzai/task-mcp/internal/config"
	"github.com/brizzai/task-mcp/internal/logger"
	"github.com/brizzai/task-mcp/internal/server"
	"github.com/brizzai/task-mcp/internal/storage"
	"github.com/brizzai/task-mcp/internal/storage/memory"
	"github.com/brizzai/task-mcp/internal/storage/postgres"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

const (
	connectTimeout       = 15 * time.Second
	stateCleanupInterval = time.Minute
)

// StoreParams controls how the store is opened.
type StoreParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    *config.StorageConfig
	// AutoMigrate applies pending migrations when the postgres driver is used.
	AutoMigrate bool `name:"auto_migrate" optional:"true"`
}

// NewStore opens the configured storage driver and closes it on stop.
func NewStore(p StoreParams) (storage.Store, error) {
	switch p.Config.Driver {
	case config.StorageDriverMemory:
		logger.Warn("Using in-memory storage, sessions will not survive a restart")
		return memory.New(), nil

	case config.StorageDriverPostgres:
		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		defer cancel()

		store, err := postgres.Open(ctx, p.Config)
		if err != nil {
			return nil, err
		}
		if p.AutoMigrate {
			applied, err := store.Migrate(ctx)
			if err != nil {
				store.Close()
				return nil, err
			}
			if len(applied) > 0 {
				logger.Info("Applied migrations", zap.Strings("versions", applied))
			}
		}
		p.Lifecycle.Append(fx.StopHook(store.Close))
		return store, nil

	default:
		return nil, fmt.Errorf("%w: unsupported storage driver %q", config.ErrInvalidConfig, p.Config.Driver)
	}
}

// NewStateStore builds the authorization-attempt store.
func NewStateStore(lc fx.Lifecycle, cfg *config.StateStoreConfig) (state.Store, error) {
	switch cfg.Driver {
	case config.StateStoreRedis:
		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		defer cancel()

		client, err := state.NewRedisClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		lc.Append(fx.StopHook(client.Close))
		logger.Info("Using redis state store", zap.String("addr", cfg.RedisAddr))
		return state.NewRedisStore(client, cfg.KeyPrefix), nil

	case config.StateStoreMemory, "":
		s := state.NewMemoryStore(stateCleanupInterval)
		lc.Append(fx.StopHook(s.Stop))
		return s, nil

	default:
		return nil, fmt.Errorf("%w: unsupported state store driver %q", config.ErrInvalidConfig, cfg.Driver)
	}
}

// NewProvider discovers the configured OpenID Connect issuer.
func NewProvider(cfg *config.Config) (providers.Provider, error) {
	if cfg.OAuth == nil {
		return nil, fmt.Errorf("%w: oauth section is missing", config.ErrInvalidConfig)
	}
	oauthCfg := *cfg.OAuth
	oauthCfg.ProviderTimeout = cfg.ProviderTimeout()

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	return providers.NewOIDCProvider(ctx, &oauthCfg)
}

func runSweeper(lc fx.Lifecycle, sw *auth.Sweeper) {
	lc.Append(fx.StartStopHook(sw.Start, sw.Stop))
}

// StorageModule provides storage.Store.
var StorageModule = fx.Module("storage",
	fx.Provide(NewStore),
)

// SessionModule provides the session layer without an identity provider, so
// commands and tests can supply their own.
var SessionModule = fx.Module("session",
	fx.Provide(NewStateStore),
	auth.Module,
)

// Base is the graph every command needs: config sections, logging and storage.
func Base(cfg *config.Config) fx.Option {
	return fx.Options(
		fx.Supply(cfg),
		config.Module,
		logger.Module,
		fx.WithLogger(func(l *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: l.Named("fx")}
		}),
		StorageModule,
	)
}

// Serve is the graph of the serve command. With OAuth disabled the MCP server
// runs without the session layer.
func Serve(cfg *config.Config, autoMigrate bool) fx.Option {
	opts := []fx.Option{
		Base(cfg),
		fx.Supply(fx.Annotated{Name: "auto_migrate", Target: autoMigrate}),
		server.Module,
	}
	if cfg.OAuth != nil && cfg.OAuth.Enabled {
		opts = append(opts,
			SessionModule,
			fx.Provide(NewProvider),
			fx.Invoke(runSweeper),
		)
	}
	return fx.Options(opts...)
}
