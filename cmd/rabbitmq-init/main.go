package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/baechuer/parcel-registry/internal/config"
	"github.com/baechuer/parcel-registry/internal/infrastructure/rabbitmq"
	"github.com/baechuer/parcel-registry/internal/logger"
)

// Declares the exchange, the queue and the bindings, then exits. The
// publisher and the worker never create topology themselves.
func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	logger.Init()
	log := logger.Logger.With().
		Str("service", "rabbitmq-init").
		Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rabbitmq.DeclareTopology(ctx, cfg.RabbitURL, cfg.RabbitExchange, cfg.RabbitQueue); err != nil {
		log.Fatal().Err(err).Msg("topology declaration failed")
	}

	log.Info().
		Str("exchange", cfg.RabbitExchange).
		Str("queue", cfg.RabbitQueue).
		Msg("topology declared")
}
