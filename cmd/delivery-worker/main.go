package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/baechuer/parcel-registry/internal/calc"
	"github.com/baechuer/parcel-registry/internal/config"
	"github.com/baechuer/parcel-registry/internal/domain"
	mongoinfra "github.com/baechuer/parcel-registry/internal/infrastructure/mongo"
	"github.com/baechuer/parcel-registry/internal/infrastructure/postgres"
	"github.com/baechuer/parcel-registry/internal/infrastructure/rabbitmq"
	"github.com/baechuer/parcel-registry/internal/infrastructure/redis"
	"github.com/baechuer/parcel-registry/internal/logger"
)

// Daily feed of the Central Bank of Russia.
const rateFeedURL = "https://www.cbr-xml-daily.ru/daily_json.js"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	logger.Init()
	log := logger.Logger.With().
		Str("service", "delivery-worker").
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

	// ---- Redis (usd rate cache) ----
	cache, err := redis.New(cfg.RedisURL, cfg.RedisMaxConnections, cfg.RedisSocketTimeout)
	if err != nil {
		log.Fatal().Err(err).Msg("redis client create failed")
	}

	// ---- Mongo (calculation audit) ----
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

	// ---- Strategies ----
	uow := postgres.NewFactory(pool)
	rates := calc.NewCurrencyService(cache, nil, rateFeedURL)

	handlers := map[domain.EventType]rabbitmq.Strategy{
		domain.EventParcelRegistered:  calc.NewRegisterStrategy(uow, audit, rates),
		domain.EventParcelRecalculate: calc.NewRecalculateStrategy(uow, audit, rates),
	}

	consumer := rabbitmq.NewConsumer(rabbitmq.Options{
		URL:         cfg.RabbitURL,
		Queue:       cfg.RabbitQueue,
		Prefetch:    cfg.RabbitPrefetch,
		ConsumerTag: cfg.RabbitConsumerTag,
	}, handlers)

	log.Info().
		Str("queue", cfg.RabbitQueue).
		Int("prefetch", cfg.RabbitPrefetch).
		Msg("delivery worker starting")

	consumer.Run(rootCtx)

	log.Info().Msg("shutdown complete")
}
