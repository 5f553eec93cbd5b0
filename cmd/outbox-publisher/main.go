package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/baechuer/parcel-registry/internal/config"
	"github.com/baechuer/parcel-registry/internal/infrastructure/postgres"
	"github.com/baechuer/parcel-registry/internal/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	logger.Init()
	log := logger.Logger.With().
		Str("service", "outbox-publisher").
		Str("env", cfg.AppEnv).
		Logger()

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Claim transactions manage their own isolation; the session default
	// stays unset here.
	pool, err := postgres.NewPool(rootCtx, postgres.PoolOptions{
		DSN:      cfg.DBDSN,
		PoolSize: cfg.DBPoolSize,
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

	pub := postgres.NewPublisher(pool, cfg.RabbitURL, cfg.RabbitExchange, cfg.PublisherBatchSize, cfg.PublisherSleepInterval)

	log.Info().
		Int("batch_size", cfg.PublisherBatchSize).
		Dur("sleep_interval", cfg.PublisherSleepInterval).
		Msg("outbox publisher starting")

	pub.Run(rootCtx)

	log.Info().Msg("shutdown complete")
}
