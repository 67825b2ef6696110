package daemon

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/brunodmn/inboxcache/internal/bus"
	"github.com/brunodmn/inboxcache/internal/cache"
	"github.com/brunodmn/inboxcache/internal/config"
	"github.com/brunodmn/inboxcache/internal/ingest"
	"github.com/brunodmn/inboxcache/internal/loader"
	"github.com/brunodmn/inboxcache/internal/lock"
	"github.com/brunodmn/inboxcache/internal/logging"
	"github.com/brunodmn/inboxcache/internal/paths"
	"github.com/brunodmn/inboxcache/internal/preload"
	"github.com/brunodmn/inboxcache/internal/source"
	"github.com/brunodmn/inboxcache/internal/store"
	"github.com/brunodmn/inboxcache/internal/sweep"
)

// Params holds the resolved startup configuration passed to the fx module.
type Params struct {
	DataDir string // empty = ~/.inboxcache
}

// Module returns the fx module for the daemon, composing all providers
// and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideCacheService,
			provideSourceClient,
			provideLoader,
			providePreloader,
			provideIngestEngine,
			provideSweeper,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	base := paths.BaseDir(p.DataDir)
	if err := paths.EnsureDirs(base); err != nil {
		return nil, err
	}
	return config.LoadOrInit(paths.ConfigPath(base))
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(paths.LogPath(paths.BaseDir(p.DataDir)))
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	base := paths.BaseDir(p.DataDir)
	logger.Info("acquiring data dir lock", zap.String("dir", base))
	l, err := lock.Acquire(base)
	if err != nil {
		return nil, err
	}
	logger.Info("data dir lock acquired")
	return l, nil
}

func provideCacheService(p Params, cfg *config.Config, logger *zap.Logger) *cache.Service {
	dbPath := paths.CacheDBPath(paths.BaseDir(p.DataDir))
	opener := func() (*store.DB, error) {
		db, err := store.Open(dbPath)
		if err != nil {
			return nil, err
		}
		result, err := db.Migrate()
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		if result.Changed {
			logger.Info("migrations applied", zap.Uint("version", result.Version))
		} else {
			logger.Info("migrations up to date", zap.Uint("version", result.Version))
		}
		logger.Info("store initialized", zap.String("path", dbPath))
		return db, nil
	}
	return cache.New(opener, cfg.MaxCacheSize, logger)
}

func provideSourceClient(cfg *config.Config) *source.Client {
	return source.NewClient(cfg.APIBaseURL, cfg.RequestTimeout.Duration)
}

func provideLoader(c *cache.Service, src *source.Client, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *loader.Loader {
	return loader.New(c, src, b, loader.Options{
		Enabled:         cfg.Enabled,
		CacheFirst:      cfg.CacheFirst,
		PrefetchEnabled: cfg.PrefetchEnabled,
		FreshnessWindow: cfg.FreshnessWindow.Duration,
	}, logger)
}

func providePreloader(c *cache.Service, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *preload.Preloader {
	return preload.New(c, b, cfg.RequestTimeout.Duration, logger)
}

func provideIngestEngine(c *cache.Service, b *bus.Bus, logger *zap.Logger) *ingest.Engine {
	return ingest.NewEngine(c, b, logger)
}

func provideSweeper(c *cache.Service, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *sweep.Sweeper {
	return sweep.NewSweeper(c, b, cfg.SweepInterval.Duration, logger)
}

func registerLifecycle(lc fx.Lifecycle, cfg *config.Config, c *cache.Service, ld *loader.Loader, engine *ingest.Engine, pre *preload.Preloader, sweeper *sweep.Sweeper, lk *lock.Lock, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if !cfg.Enabled {
				logger.Info("cache disabled, serving network-only")
				return nil
			}

			if err := c.Init(ctx); err != nil {
				// Network-only for the session; the loader sees the
				// same memoized failure and skips the cache.
				logger.Warn("cache init failed, running network-only", zap.Error(err))
				return nil
			}

			// Keep the cache coherent with live events.
			engine.Start(context.Background())

			// Warm media for every page the loader serves.
			pre.Start(context.Background())

			// Trim on startup and periodically thereafter.
			sweeper.Start(context.Background())

			logger.Info("daemon started")
			return nil
		},
		OnStop: func(_ context.Context) error {
			sweeper.Stop()
			pre.Stop()
			engine.Stop()
			ld.Close()
			if err := c.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
