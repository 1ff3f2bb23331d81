package main

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"live-assets/internal/api"
	"live-assets/internal/assets"
	"live-assets/internal/backend"
	"live-assets/internal/config"
	"live-assets/internal/download"
	"live-assets/internal/manifest"
	"live-assets/internal/media"
	"live-assets/internal/memory"
	"live-assets/internal/pool"
	"live-assets/internal/store"
)

func main() {
	// Load .env file from parent directory
	if err := godotenv.Load("../.env"); err != nil {
		// Try current directory as fallback
		_ = godotenv.Load(".env")
	}

	// Load centralized configuration (SSOT - Single Source of Truth)
	appConfig := config.Load()

	logger, err := newLogger(appConfig.Log)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("📦 live-assets starting",
		zap.Int("port", appConfig.Server.Port),
		zap.Int("max_pool", appConfig.Resources.MaxPoolSize),
		zap.Int("character_cache", appConfig.Resources.CharacterCacheSize),
		zap.Int("max_downloads", appConfig.Download.MaxConcurrent),
		zap.Uint64("memory_warning_mb", appConfig.Memory.WarningMB),
		zap.Uint64("memory_critical_mb", appConfig.Memory.CriticalMB))

	app := fx.New(
		fx.Supply(appConfig),
		fx.Supply(logger),
		fx.WithLogger(func(l *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: l.Named("fx").WithOptions(zap.IncreaseLevel(zapcore.WarnLevel))}
		}),
		fx.Provide(
			newBackend,
			newInstantiator,
			newHub,
			newManager,
			newServer,
		),
		// OnStart runs in this order and OnStop in reverse.
		fx.Invoke(registerManager, registerStoreGC, registerManifest, registerServer),
	)
	app.Run()
}

// newLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", cfg.Level, err)
	}

	zcfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

// newBackend selects the remote backend when a content server is configured
// and falls back to locally packaged assets. The store is nil for the local
// backend.
func newBackend(cfg config.AppConfig, logger *zap.Logger) (assets.Backend, *store.Store, error) {
	dl := cfg.Download
	if dl.RemoteBaseURL == "" {
		logger.Info("📁 Serving local assets", zap.String("root", dl.AssetRoot))
		return backend.NewLocal(dl.AssetRoot, media.Decode, logger), nil, nil
	}

	st, err := store.Open(store.Options{Path: dl.StorePath, Logger: logger})
	if err != nil {
		return nil, nil, fmt.Errorf("open bundle store: %w", err)
	}
	// The catalog wire format is owned by deployments; none is wired by default.
	remote, err := backend.NewRemote(backend.RemoteConfig{
		BaseURL: dl.RemoteBaseURL,
		Timeout: dl.FetchTimeout,
	}, st, nil, media.Decode, logger)
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	logger.Info("🌐 Serving remote assets",
		zap.String("base_url", dl.RemoteBaseURL),
		zap.String("store", dl.StorePath))
	return remote, st, nil
}

func newInstantiator() pool.Instantiator {
	return &media.Instantiator{}
}

func newHub(logger *zap.Logger) *api.Hub {
	return api.NewHub(logger)
}

func newManager(cfg config.AppConfig, be assets.Backend, inst pool.Instantiator, hub *api.Hub, logger *zap.Logger) *assets.Manager {
	return assets.New(be, inst, assets.Config{
		Pool: pool.Config{
			MaxSize:     cfg.Resources.MaxPoolSize,
			DefaultSize: cfg.Resources.DefaultPoolSize,
		},
		CharacterCapacity: cfg.Resources.CharacterCacheSize,
		Download:          download.Config{MaxConcurrent: cfg.Download.MaxConcurrent},
		Memory: memory.Config{
			Thresholds: memory.ThresholdsMB(cfg.Memory.WarningMB, cfg.Memory.CriticalMB),
			Interval:   cfg.Memory.CheckInterval,
		},
	},
		assets.WithLogger(logger),
		assets.WithEvents(assets.MultiEvents(hub, api.MetricsEvents{})),
	)
}

func newServer(cfg config.AppConfig, mgr *assets.Manager, hub *api.Hub, logger *zap.Logger) *api.Server {
	scfg := api.DefaultServerConfig()
	scfg.Addr = fmt.Sprintf(":%d", cfg.Server.Port)
	scfg.AdminToken = cfg.Server.AdminToken
	scfg.Debug.Enabled = cfg.Server.DebugServer
	if scfg.AdminToken == "" {
		logger.Warn("⚠️ ADMIN_TOKEN not set, mutating routes are unauthenticated")
	}
	return api.NewServer(mgr, hub, scfg, logger)
}

// registerStoreGC runs badger value-log GC while the process lives.
func registerStoreGC(lc fx.Lifecycle, st *store.Store) {
	if st == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ticker := time.NewTicker(10 * time.Minute)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						st.RunGC(0.5)
					}
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			wg.Wait()
			return nil
		},
	})
}

func registerManager(lc fx.Lifecycle, mgr *assets.Manager) {
	lc.Append(fx.Hook{
		OnStart: mgr.Init,
		OnStop:  mgr.Shutdown,
	})
}

// registerManifest applies the content manifest once the manager is up and
// re-tags categories whenever the file changes.
func registerManifest(lc fx.Lifecycle, cfg config.AppConfig, mgr *assets.Manager, logger *zap.Logger) {
	path := cfg.Server.ManifestPath
	if path == "" {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			m, err := manifest.Load(path)
			if err != nil {
				return fmt.Errorf("manifest: %w", err)
			}
			if _, err := manifest.Apply(startCtx, m, mgr, logger); err != nil {
				logger.Warn("⚠️ Manifest applied with errors", zap.Error(err))
			}

			w, err := manifest.NewWatcher(path, m, func(prev, next *manifest.Manifest) {
				manifest.ApplyTags(mgr, prev, next)
			}, logger)
			if err != nil {
				logger.Warn("⚠️ Manifest hot reload disabled", zap.Error(err))
				return nil
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				w.Run(ctx)
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			wg.Wait()
			return nil
		},
	})
}

func registerServer(lc fx.Lifecycle, srv *api.Server) {
	lc.Append(fx.Hook{
		OnStart: srv.Start,
		OnStop:  srv.Shutdown,
	})
}
