package rabbitmq

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/baechuer/parcel-registry/internal/domain"
	"github.com/baechuer/parcel-registry/internal/logger"
)

const (
	brokerWaitAttempts = 10
	brokerWaitDelay    = 3 * time.Second
)

// DeclareTopology creates the exchange, the registry queue and its
// bindings. The initializer is the only process allowed to declare;
// publisher and consumer assume the topology exists.
func DeclareTopology(ctx context.Context, url, exchange, queue string) error {
	log := logger.Logger.With().Str("component", "rabbitmq_init").Logger()

	conn, err := dialWithWait(ctx, url, log)
	if err != nil {
		return err
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %q: %w", exchange, err)
	}

	q, err := ch.QueueDeclare(queue, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue %q: %w", queue, err)
	}

	routingKeys := []string{
		string(domain.EventParcelRegistered),
		string(domain.EventParcelRecalculate),
	}
	for _, rk := range routingKeys {
		if err := ch.QueueBind(q.Name, rk, exchange, false, nil); err != nil {
			return fmt.Errorf("bind %q to %q: %w", rk, exchange, err)
		}
		log.Info().Str("queue", q.Name).Str("routing_key", rk).Msg("binding declared")
	}

	log.Info().Str("exchange", exchange).Str("queue", q.Name).Msg("topology ready")
	return nil
}

// dialWithWait retries the broker connection while it is still starting.
func dialWithWait(ctx context.Context, url string, log zerolog.Logger) (*amqp.Connection, error) {
	var lastErr error
	for attempt := 1; attempt <= brokerWaitAttempts; attempt++ {
		conn, err := amqp.Dial(url)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		log.Warn().Err(err).Int("attempt", attempt).Msg("broker not ready; waiting")

		if !sleepOrDone(ctx, brokerWaitDelay) {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("broker unreachable after %d attempts: %w", brokerWaitAttempts, lastErr)
}
