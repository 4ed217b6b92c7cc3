package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"estoque/internal/cache"
	"estoque/internal/config"
	"estoque/internal/domain"
	"estoque/internal/httpapi"
	"estoque/internal/service"
	"estoque/internal/stock"
	"estoque/internal/store"
	"estoque/internal/store/memory"
	pgstore "estoque/internal/store/postgres"
	sqlitestore "estoque/internal/store/sqlite"
)

func main() {
	exportPath := flag.String("export", "", "write a backup snapshot to `file` and exit")
	importPath := flag.String("import", "", "restore the backup snapshot in `file` and exit")
	flag.Parse()

	cfg := config.Load()
	logger, err := newLogger(cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *exportPath, *importPath, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

// run serves the API until ctx is done. With an export or import path it runs
// that snapshot command instead and returns; those modes never issue tokens, so
// they do not need AUTH_SECRET.
func run(ctx context.Context, cfg config.Config, exportPath string, importPath string, logger *zap.Logger) error {
	oneShot := exportPath != "" || importPath != ""
	if !oneShot {
		if err := validateSecurityConfig(cfg); err != nil {
			return fmt.Errorf("invalid security configuration: %w", err)
		}
	}

	startCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	repo, closers, err := openRepository(startCtx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open %s repository: %w", cfg.StoreDriver(), err)
	}
	defer func() { closeAll(closers, logger) }()

	salesCache := cache.SalesCache(cache.NoopSalesCache{})
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisSalesCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(startCtx); err != nil {
			logger.Warn("redis unavailable, using noop cache", zap.Error(err))
			_ = redisCache.Close()
		} else {
			salesCache = redisCache
			closers = append(closers, redisCache.Close)
			logger.Info("cache: redis", zap.String("addr", cfg.RedisAddr))
		}
	} else {
		logger.Info("cache: noop")
	}

	engine := stock.NewEngine(repo, logger)
	svc := service.New(repo, engine, salesCache, service.Options{
		SalesCacheTTL:     time.Duration(cfg.SalesCacheTTLSeconds) * time.Second,
		LowStockThreshold: cfg.LowStockThreshold,
	}, logger)

	if oneShot {
		return runSnapshotCommand(ctx, svc, exportPath, importPath, logger)
	}

	auth := httpapi.NewAuthManager(startCtx, cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo, logger)
	api := httpapi.New(svc, auth, cfg.AllowedOrigin, logger)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("estoque backend listening", zap.String("addr", cfg.Address()), zap.String("driver", cfg.StoreDriver()))
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	logger.Info("server stopped")
	return nil
}

func newLogger(format string) (*zap.Logger, error) {
	if format == "console" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	return nil
}

// openRepository picks the backend from the configuration. DATABASE_URL wins
// over SQLITE_PATH; with neither set the data lives in memory.
func openRepository(ctx context.Context, cfg config.Config, logger *zap.Logger) (store.Repository, []func() error, error) {
	closers := make([]func() error, 0, 2)

	switch cfg.StoreDriver() {
	case "postgres":
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback: %w", err)
		}
		closers = append(closers, pg.Close)
		if err := pg.EnsureSchema(ctx); err != nil {
			_ = pg.Close()
			return nil, nil, err
		}
		if err := pg.SeedUsers(ctx, memory.SeedAccounts()); err != nil {
			_ = pg.Close()
			return nil, nil, err
		}
		logger.Info("repository: postgres")
		return pg, closers, nil
	case "sqlite":
		lite, err := sqlitestore.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, lite.Close)
		if err := lite.SeedUsers(ctx, memory.SeedAccounts()); err != nil {
			_ = lite.Close()
			return nil, nil, err
		}
		logger.Info("repository: sqlite", zap.String("path", cfg.SQLitePath))
		return lite, closers, nil
	default:
		if cfg.SeedDemoData {
			logger.Info("repository: in-memory with demo data")
			return memory.NewSeeded(), closers, nil
		}
		logger.Info("repository: in-memory")
		return memory.New(), closers, nil
	}
}

// runSnapshotCommand serves the -export and -import flags. When both are
// given the export runs first, so a backup of the previous state survives.
func runSnapshotCommand(ctx context.Context, svc *service.Service, exportPath string, importPath string, logger *zap.Logger) error {
	ctx = service.WithActor(ctx, domain.Actor{Username: "cli", Role: domain.RoleAdmin})

	if exportPath != "" {
		snapshot, err := svc.ExportSnapshot(ctx)
		if err != nil {
			return err
		}
		f, err := os.Create(exportPath)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(f)
		enc.SetIndent("", "  ")
		if err := enc.Encode(snapshot); err != nil {
			_ = f.Close()
			return fmt.Errorf("write %s: %w", exportPath, err)
		}
		if err := f.Close(); err != nil {
			return err
		}
		logger.Info("snapshot exported",
			zap.String("file", exportPath),
			zap.Int("products", len(snapshot.Products)),
			zap.Int("transactions", len(snapshot.Transactions)),
		)
	}

	if importPath != "" {
		f, err := os.Open(importPath)
		if err != nil {
			return err
		}
		snapshot, err := service.DecodeSnapshot(f)
		_ = f.Close()
		if err != nil {
			return err
		}
		result, err := svc.ImportSnapshot(ctx, snapshot)
		if err != nil {
			return err
		}
		logger.Info("snapshot imported",
			zap.String("file", importPath),
			zap.Int("categories", result.Categories),
			zap.Int("products", result.Products),
			zap.Int("clients", result.Clients),
			zap.Int("transactions", result.Transactions),
		)
	}
	return nil
}

func closeAll(closers []func() error, logger *zap.Logger) {
	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			logger.Error("close error", zap.Error(err))
		}
	}
}
