package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/openlot/lotsync/internal/api"
	"github.com/openlot/lotsync/internal/app"
	"github.com/openlot/lotsync/internal/app/maintenance"
	iauth "github.com/openlot/lotsync/internal/auth"
	"github.com/openlot/lotsync/internal/database"
	"github.com/openlot/lotsync/internal/provider"
	"github.com/openlot/lotsync/internal/realtime"
	"github.com/openlot/lotsync/internal/resilience"
	"github.com/openlot/lotsync/internal/services"
	"github.com/openlot/lotsync/pkg/logger"
)

const shutdownTimeout = 15 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("lotsync-server", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	var configPath string
	fs.StringVar(&configPath, "config", "", "Path to configuration directory or file")

	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadApplicationConfig(configPath)
	if err != nil {
		return err
	}

	generated, err := app.ApplyRuntimeDefaults(cfg)
	if err != nil {
		return err
	}

	if err := app.ConfigureLogging(cfg.Server.LogLevel); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer logger.Sync() // best effort

	log := logger.WithModule("bootstrap")
	for key := range generated {
		log.Info("generated runtime secret", zap.String("key", key))
	}

	if debug, _ := os.LookupEnv("GIN_DEBUG"); debug != "true" {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := initialiseDatabase(cfg)
	if err != nil {
		return err
	}
	defer closeDatabase(db, log)

	jwtService, err := iauth.NewJWTService(iauth.JWTConfig{
		Secret:         cfg.Auth.JWT.Secret,
		Issuer:         cfg.Auth.JWT.Issuer,
		AccessTokenTTL: cfg.Auth.JWT.TTL,
	})
	if err != nil {
		return fmt.Errorf("initialise jwt service: %w", err)
	}

	limiter := resilience.NewConnectionLimiter(
		cfg.Resilience.Limiter.MaxConcurrent,
		cfg.Resilience.Limiter.QueueTimeout,
		cfg.Resilience.Limiter.OpTimeout,
	)

	store, err := services.NewInventoryStore(db, limiter, services.StalenessConfig{
		RefreshAfter: cfg.Sync.RefreshAfter,
		StaleAfter:   cfg.Sync.StaleAfter,
	})
	if err != nil {
		return fmt.Errorf("initialise inventory store: %w", err)
	}

	syncLogs, err := services.NewSyncLogService(db)
	if err != nil {
		return fmt.Errorf("initialise sync log service: %w", err)
	}

	// Runs that were interrupted by the previous shutdown must not stay open.
	if failed, err := syncLogs.FailInterrupted(ctx); err != nil {
		log.Warn("failed to finalize interrupted sync logs", zap.Error(err))
	} else if failed > 0 {
		log.Info("closed interrupted sync logs", zap.Int64("count", failed))
	}

	resolver, err := services.NewDealerResolver(db, 0)
	if err != nil {
		return fmt.Errorf("initialise dealer resolver: %w", err)
	}

	client := provider.NewClient(provider.ClientConfig{
		BaseURL:     cfg.Provider.BaseURL,
		CallTimeout: cfg.Provider.CallTimeout,
		MaxAttempts: cfg.Provider.MaxAttempts,
		BaseDelay:   cfg.Provider.BaseDelay,
		MaxDelay:    cfg.Provider.MaxDelay,
	}, nil)

	creds := provider.NewCredentialSource(cfg.Provider.TokenURL, nil)

	breakers := resilience.NewRegistry(provider.BreakerPolicy(resilience.BreakerConfig{
		FailureThreshold: cfg.Resilience.Breaker.FailureThreshold,
		Cooldown:         cfg.Resilience.Breaker.Cooldown,
	}))

	pager := provider.NewPager(client, creds, breakers, provider.PagerConfig{
		PageSize:   cfg.Provider.PageSize,
		MaxPages:   cfg.Provider.MaxPages,
		BatchSize:  cfg.Provider.BatchSize,
		BatchDelay: cfg.Provider.BatchDelay,
		Include:    cfg.Provider.Include,
	})

	guard := resilience.NewMemoryGuard(resilience.MemoryGuardConfig{
		HighWatermarkBytes: uint64(cfg.Resilience.Memory.HighWatermarkMB) << 20,
		CriticalPercent:    float64(cfg.Resilience.Memory.CriticalPercent),
	})

	hub := realtime.NewHub()

	fallback := services.NewFallbackChain(store, resolver)

	orchestrator, err := services.NewSyncOrchestrator(store, syncLogs, resolver, fallback, pager, guard, hub, services.SyncConfig{
		RefreshTimeout:  cfg.Sync.RefreshTimeout,
		ConcurrentFetch: cfg.Sync.ConcurrentFetch,
	})
	if err != nil {
		return fmt.Errorf("initialise sync orchestrator: %w", err)
	}

	cleaner := maintenance.NewCleaner(db, store, syncLogs,
		maintenance.WithSchedule(cfg.Maintenance.Schedule),
		maintenance.WithStaleRetention(cfg.Maintenance.StaleRetention),
		maintenance.WithLogRetention(cfg.Maintenance.LogRetention),
	)
	if cfg.Maintenance.Enabled {
		if err := cleaner.Start(); err != nil {
			return fmt.Errorf("start maintenance jobs: %w", err)
		}
		defer func() {
			stopCtx := cleaner.Stop()
			if err := cleaner.RunOnce(stopCtx); err != nil {
				log.Warn("maintenance shutdown cleanup failed", zap.Error(err))
			}
		}()
	}

	router, err := api.NewRouter(api.Dependencies{
		DB:       db,
		JWT:      jwtService,
		Config:   cfg,
		Sync:     orchestrator,
		Resolver: resolver,
		Hub:      hub,
	})
	if err != nil {
		return fmt.Errorf("build api router: %w", err)
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("graceful shutdown: %w", err)
	}

	if err, ok := <-serverErr; ok && err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	log.Info("server stopped gracefully")
	return nil
}

func loadApplicationConfig(path string) (*app.Config, error) {
	switch {
	case strings.TrimSpace(path) == "":
		return app.LoadConfig()
	default:
		info, err := os.Stat(path)
		if err == nil {
			if info.IsDir() {
				return app.LoadConfig(path)
			}
			return app.LoadConfig(filepath.Dir(path))
		}
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config path %q does not exist", path)
		}
		return nil, fmt.Errorf("stat config path: %w", err)
	}
}

func initialiseDatabase(cfg *app.Config) (*gorm.DB, error) {
	dbCfg := cfg.Database.ToDatabaseConfig()

	db, err := database.OpenAndMigrate(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	logger.WithModule("database").Info("database connected",
		zap.String("driver", strings.ToLower(strings.TrimSpace(dbCfg.Driver))),
	)
	return db, nil
}

func closeDatabase(db *gorm.DB, log *zap.Logger) {
	if db == nil {
		return
	}
	if err := database.Close(db); err != nil {
		log.Warn("database shutdown", zap.Error(err))
	}
}
