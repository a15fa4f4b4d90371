package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/example/roadside-dispatch/internal/config"
	"github.com/example/roadside-dispatch/internal/dispatch"
	"github.com/example/roadside-dispatch/internal/geo"
	httpapi "github.com/example/roadside-dispatch/internal/http"
	"github.com/example/roadside-dispatch/internal/ingest"
	"github.com/example/roadside-dispatch/internal/lifecycle"
	"github.com/example/roadside-dispatch/internal/logging"
	"github.com/example/roadside-dispatch/internal/pricing"
	"github.com/example/roadside-dispatch/internal/storage"
	"github.com/example/roadside-dispatch/internal/trail"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend := storage.Backend{PGDSN: cfg.PGDSN, MongoURI: cfg.MongoURI, MongoDB: cfg.MongoDB, Migrate: cfg.RunMigrations}
	store, err := storage.Open(ctx, backend)
	if err != nil {
		logger.Error("store unavailable", "backend", backend.Name(), "err", err)
		os.Exit(1)
	}
	defer store.Close()
	logger.Info("store ready", "backend", backend.Name(), "migrated", cfg.RunMigrations)

	var observers []geo.Observer
	var ready func(context.Context) error
	if cfg.RedisAddr != "" {
		mirror := geo.NewRedisMirror(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey, logger)
		defer mirror.Close()
		observers = append(observers, mirror)
		ready = mirror.Ping
	}
	index := geo.NewIndex(observers...)

	svc := lifecycle.NewService(store, pricing.NewCalculator(cfg.Pricing), logger)
	svc.Availability = index
	if len(cfg.KafkaBrokers) > 0 {
		producer := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer producer.Close()
		svc.Events = producer
	}
	if cfg.FuelFeedURL != "" {
		svc.FuelPrices = pricing.NewCachedFeed(pricing.NewHTTPFuelFeed(cfg.FuelFeedURL, cfg.FuelFeedKey), cfg.FuelFeedTTL)
	}

	hub := dispatch.NewHub(logger)
	broadcaster := dispatch.NewBroadcaster(&geo.Matcher{Registry: index}, hub, cfg.DispatchRadiusMeters, logger)
	coord := dispatch.NewCoordinator(svc, broadcaster, hub)
	recorder := trail.NewRecorder(store, index, coord, logger)

	api := httpapi.NewServer(httpapi.Deps{
		Coordinator: coord,
		Trail:       recorder,
		Registry:    index,
		Hub:         hub,
		Logger:      logger,
		Ready:       ready,
	})

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("graceful shutdown failed", "err", err)
		}
	}()

	logger.Info("roadside dispatch listening", "addr", cfg.HTTPAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server stopped", "err", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}
