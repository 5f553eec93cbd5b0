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

	"github.com/baechuer/parcel-registry/internal/config"
	mongoinfra "github.com/baechuer/parcel-registry/internal/infrastructure/mongo"
	"github.com/baechuer/parcel-registry/internal/infrastructure/postgres"
	"github.com/baechuer/parcel-registry/internal/infrastructure/redis"
	"github.com/baechuer/parcel-registry/internal/logger"
	"github.com/baechuer/parcel-registry/internal/service"
	"github.com/baechuer/parcel-registry/internal/transport/rest"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	logger.Init()
	log := logger.Logger.With().
		Str("service", "parcel-api").
		Str("env", cfg.AppEnv).
		Logger()

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Postgres ----
	pool, err := postgres.NewPool(rootCtx, postgres.PoolOptions{
		DSN:            cfg.DBDSN,
		PoolSize:       cfg.DBPoolSize,
		IsolationLevel: cfg.DBIsolationLevel,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("postgres pool create failed")
	}
	defer pool.Close()

	{
		pingCtx, cancel := context.WithTimeout(rootCtx, 5*time.Second)
		defer cancel()
		if err := pool.Ping(pingCtx); err != nil {
			log.Fatal().Err(err).Msg("postgres ping failed")
		}
		log.Info().Msg("postgres connected")
	}

	// ---- Redis ----
	cache, err := redis.New(cfg.RedisURL, cfg.RedisMaxConnections, cfg.RedisSocketTimeout)
	if err != nil {
		log.Fatal().Err(err).Msg("redis client create failed")
	}

	{
		pingCtx, cancel := context.WithTimeout(rootCtx, 2*time.Second)
		defer cancel()
		// Best-effort: reads fall back to the database when redis is down.
		if err := cache.Client.Ping(pingCtx).Err(); err != nil {
			log.Warn().Err(err).Msg("redis ping failed (continuing)")
		} else {
			log.Info().Msg("redis connected")
		}
	}

	// ---- Mongo (delivery analytics) ----
	mongoClient, err := mongoinfra.Connect(rootCtx, cfg.MongoURI)
	if err != nil {
		log.Fatal().Err(err).Msg("mongo connect failed")
	}
	defer func() {
		disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mongoClient.Disconnect(disconnectCtx)
	}()
	audit := mongoinfra.NewAuditStore(mongoClient, cfg.MongoDB, cfg.MongoCollection)

	// ---- Application ----
	uow := postgres.NewFactory(pool)
	svc := service.NewParcelService(uow, cache, audit)

	router := rest.NewRouter(rest.RouterDeps{
		Handler:    rest.NewHandler(svc),
		Monitoring: rest.NewMonitoringHandler(pool, cfg.MetaTitle),
		APIVersion: cfg.APIVersion,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      20 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("http server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-rootCtx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("http server crashed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	log.Info().Msg("shutdown complete")
}
