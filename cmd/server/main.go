package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/realtime"
	"github.com/example/ride-dispatch/internal/sequence"
	"github.com/example/ride-dispatch/internal/session"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/tracker"
)

const etaCacheTTL = 2 * time.Minute

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.Close(closeCtx); err != nil {
			logger.Warn("store close failed", "error", err)
		}
	}()

	var proximity geo.Geo = geo.NewIndex()
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		proximity = geo.NewRedisGeo(rc, cfg.RedisGeoKey)
		logger.Info("using redis geo index", "addr", cfg.RedisAddr, "key", cfg.RedisGeoKey)
	}

	deps := dispatch.Deps{
		Store:    store,
		Presence: presence.NewRegistry(),
		Sessions: session.NewTable(),
		Tracker:  tracker.New(store, logger),
		Pricing:  pricing.NewService(store),
		Sequence: sequence.NewGenerator(store, sequence.Config{
			Prefix:  cfg.RideIDPrefix,
			Base:    cfg.RideIDBase,
			Ceiling: cfg.RideIDCeiling,
		}, logger),
		Geo:    proximity,
		Logger: logger,
	}

	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		deps.Telemetry = kp
		logger.Info("publishing driver locations", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	var router eta.Client
	if cfg.OSRMURL != "" {
		router = eta.NewOSRMClient(cfg.OSRMURL)
	}
	deps.ETA = eta.NewEstimator(router, eta.NewCache(etaCacheTTL), cfg.DefaultSpeedMps, logger)

	if cfg.StripeAPIKey != "" {
		deps.Payments = payments.NewStripeClient(cfg.StripeAPIKey, cfg.FareCurrency)
		logger.Info("fare holds enabled", "currency", cfg.FareCurrency)
	}

	hub := realtime.NewHub(logger)
	deps.Transport = hub
	coord := dispatch.New(deps, dispatch.Options{
		CompletedGrace:       cfg.CompletedRideGrace,
		AcceptResendDelay:    cfg.AcceptResendDelay,
		DedupWindow:          cfg.BookingDedupWindow,
		NearbyDefaultRadiusM: cfg.NearbyRadiusM,
		DriverStaleAfter:     cfg.DriverStaleAfter,
		UserStaleAfter:       cfg.UserStaleAfter,
		BackgroundTimeout:    5 * time.Second,
	})
	defer coord.Close()

	go coord.RunSweeper(ctx, cfg.SweepInterval)
	go coord.RunStatus(ctx, cfg.StatusInterval)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(coord, hub, store, logger),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down", "timeout", cfg.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// openStore prefers MongoDB, then Postgres, then the in-memory store.
func openStore(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (storage.Store, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	switch {
	case cfg.MongoURI != "":
		s, err := storage.NewMongoStore(connectCtx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		logger.Info("using mongo store", "database", cfg.MongoDatabase)
		return s, nil
	case cfg.PGDSN != "":
		s, err := storage.NewPostgresStore(connectCtx, cfg.PGDSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if cfg.RunMigrations {
			applied, err := s.Migrate(connectCtx)
			if err != nil {
				_ = s.Close(ctx)
				return nil, fmt.Errorf("migrate: %w", err)
			}
			logger.Info("migrations applied", "files", applied)
		}
		logger.Info("using postgres store")
		return s, nil
	default:
		logger.Warn("no database configured, rides are kept in memory only")
		return storage.NewMemoryStore(), nil
	}
}
