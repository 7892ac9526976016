// Command server runs the identity reconciliation HTTP API.
//
//	@title			Identity Reconciler API
//	@version		1.0
//	@description	Links contact records that share an email or phone number into one identity.
//	@BasePath		/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/tbourn/identity-reconciler/internal/config"
	httpapi "github.com/tbourn/identity-reconciler/internal/http"
	"github.com/tbourn/identity-reconciler/internal/http/handlers"
	"github.com/tbourn/identity-reconciler/internal/keylock"
	"github.com/tbourn/identity-reconciler/internal/observability"
	"github.com/tbourn/identity-reconciler/internal/repo"
	"github.com/tbourn/identity-reconciler/internal/sysutil"
)

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	sysutil.ConfigureLogger(os.Stdout, cfg.LogLevel, cfg.LogPretty, cfg.OTEL.ServiceName)

	if err := run(cfg); err != nil {
		log.Error().Err(err).Msg("server stopped")
		os.Exit(1)
	}
	log.Info().Msg("server exited cleanly")
}

func run(cfg config.Config) error {
	ctx := context.Background()
	version := sysutil.Version()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			log.Warn().Err(err).Msg("flush traces")
		}
	}()

	db, err := repo.Open(cfg.Store.Driver, cfg.Store.Path, cfg.Store.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}
	if err := repo.AutoMigrate(db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	locker, closeLocker, checks, err := newLocker(ctx, cfg.Lock)
	if err != nil {
		return err
	}
	defer closeLocker()

	gin.SetMode(cfg.GinMode)
	r := gin.New()
	httpapi.RegisterRoutes(r, db, locker, cfg, checks)

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().
			Str("addr", srv.Addr).
			Str("version", version).
			Str("store", cfg.Store.Driver).
			Str("lock", cfg.Lock.Backend).
			Msg("listening")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		purgeLoop(gctx, db, idempotencyPurgeEvery)
		return nil
	})
	return g.Wait()
}

// idempotencyPurgeEvery is how often expired Idempotency-Key records are
// deleted.
const idempotencyPurgeEvery = time.Hour

// purgeLoop deletes expired idempotency records every interval until ctx is
// done.
func purgeLoop(ctx context.Context, db *gorm.DB, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			n, err := repo.PurgeIdempotency(ctx, db, now.UTC())
			if err != nil {
				if ctx.Err() == nil {
					log.Warn().Err(err).Msg("purge idempotency records")
				}
				continue
			}
			if n > 0 {
				log.Debug().Int64("deleted", n).Msg("purged expired idempotency records")
			}
		}
	}
}

// newLocker builds the configured identity locker, a release func for its
// resources, and any readiness checks it contributes.
func newLocker(ctx context.Context, cfg config.LockConfig) (keylock.Locker, func(), map[string]handlers.Pinger, error) {
	switch cfg.Backend {
	case "redis":
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		client, err := keylock.NewRedisClient(pctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		closeFn := func() {
			if err := client.Close(); err != nil {
				log.Warn().Err(err).Msg("close redis")
			}
		}
		checks := map[string]handlers.Pinger{
			"redis": func(ctx context.Context) error { return client.Ping(ctx).Err() },
		}
		return keylock.NewRedis(client, cfg.TTL, cfg.Wait), closeFn, checks, nil
	default:
		return keylock.NewMemory(cfg.Wait), func() {}, nil, nil
	}
}
