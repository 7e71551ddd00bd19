// Command account-ledger starts the account ledger HTTP server.
//
// Run with:
//
//	go run .
//
// The server listens on :8080 by default and stores data in a BoltDB file
// (ledger.db). Set STORE_DRIVER=postgres and DATABASE_URL to use PostgreSQL
// instead. See the config package for every setting; a .env file in the
// working directory is read on startup.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/arkantrust/account-ledger/config"
	"github.com/arkantrust/account-ledger/handlers"
	"github.com/arkantrust/account-ledger/ledger"
	"github.com/arkantrust/account-ledger/store"
)

const shutdownTimeout = 10 * time.Second

// repository is a ledger.Repository that holds resources to release.
type repository interface {
	ledger.Repository
	Close() error
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", zap.Error(err))
		logger.Sync() //nolint:errcheck
		os.Exit(1)
	}

	logger.Info("server exited")
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open %s store: %w", cfg.StoreDriver, err)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			logger.Error("failed to close store", zap.Error(err))
		}
	}()

	policy := ledger.DefaultRetryPolicy()
	policy.MaxAttempts = cfg.RetryMaxAttempts
	policy.BaseDelay = cfg.RetryBaseDelay

	svc := ledger.NewService(repo, policy, logger)
	app := handlers.NewApp(handlers.New(svc, logger))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("listening",
			zap.String("port", cfg.Port),
			zap.String("env", cfg.Env),
			zap.String("store", cfg.StoreDriver),
		)
		if err := app.Listen(":" + cfg.Port); err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return app.ShutdownWithContext(shutdownCtx)
	})

	g.Go(func() error {
		return svc.RunRetentionSweep(gctx, cfg.IdempotencyTTL, cfg.IdempotencySweepInterval)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (repository, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		return store.NewPostgres(connectCtx, cfg.DatabaseURL)
	default:
		return store.NewBolt(cfg.DBPath)
	}
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}

	zc := zap.NewDevelopmentConfig()
	if cfg.IsProduction() {
		zc = zap.NewProductionConfig()
	}
	zc.Level = level

	return zc.Build()
}
