package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/baechuer/parcel-registry/internal/contracts/event"
	"github.com/baechuer/parcel-registry/internal/domain"
	"github.com/baechuer/parcel-registry/internal/logger"
)

const reconnectMax = 30 * time.Second

// Strategy processes one decoded broker envelope.
type Strategy interface {
	Handle(ctx context.Context, env event.Envelope) error
}

type Options struct {
	URL         string
	Queue       string
	Prefetch    int
	ConsumerTag string
}

// Consumer is the delivery-worker runtime: it consumes the registry queue
// and dispatches envelopes to strategies by event_type. Every delivery is
// acked, including failed ones; an unprocessable message is logged and
// dropped rather than requeued into a poison loop.
type Consumer struct {
	opts     Options
	handlers map[domain.EventType]Strategy
}

func NewConsumer(opts Options, handlers map[domain.EventType]Strategy) *Consumer {
	return &Consumer{opts: opts, handlers: handlers}
}

// Run supervises the consume loop until ctx is done, rebuilding the
// connection with capped exponential backoff. The queue is declared
// passively: missing topology is an error for the initializer to fix,
// not something the worker papers over.
func (c *Consumer) Run(ctx context.Context) {
	log := logger.Logger.With().Str("component", "delivery_consumer").Logger()
	backoff := time.Second

	for {
		if ctx.Err() != nil {
			log.Info().Msg("stopped")
			return
		}

		err := c.consume(ctx)
		if ctx.Err() != nil {
			log.Info().Msg("stopped")
			return
		}
		log.Warn().Err(err).Dur("retry_in", backoff).Msg("consume session ended; reconnecting")

		if !sleepOrDone(ctx, backoff) {
			log.Info().Msg("stopped")
			return
		}
		if backoff *= 2; backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

// consume owns one connection/channel pair. It returns when the session
// breaks or ctx is done.
func (c *Consumer) consume(ctx context.Context) error {
	log := logger.Logger.With().Str("component", "delivery_consumer").Logger()

	conn, err := amqp.Dial(c.opts.URL)
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	q, err := ch.QueueDeclarePassive(c.opts.Queue, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue %q missing, run the topology initializer: %w", c.opts.Queue, err)
	}

	if err := ch.Qos(c.opts.Prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	deliveries, err := ch.Consume(q.Name, c.opts.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("start consume: %w", err)
	}

	log.Info().Str("queue", q.Name).Int("prefetch", c.opts.Prefetch).Msg("consumer started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}

			if err := c.dispatch(ctx, d); err != nil {
				log.Error().Err(err).
					Str("message_id", d.MessageId).
					Str("routing_key", d.RoutingKey).
					Msg("handler failed; message dropped")
			}
			if err := d.Ack(false); err != nil {
				return fmt.Errorf("ack: %w", err)
			}
		}
	}
}

// dispatch decodes and routes one delivery. Undecodable or unknown
// messages return nil: they are dropped quietly, the ack happens either
// way.
func (c *Consumer) dispatch(ctx context.Context, d amqp.Delivery) error {
	log := logger.Logger.With().
		Str("component", "delivery_consumer").
		Str("routing_key", d.RoutingKey).
		Str("message_id", d.MessageId).
		Logger()

	var env event.Envelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		log.Warn().Err(err).Msg("invalid envelope json; dropping")
		return nil
	}

	et := domain.EventType(env.EventType)
	handler, ok := c.handlers[et]
	if !ok {
		log.Warn().Str("event_type", env.EventType).Msg("unknown event type; dropping")
		return nil
	}

	if err := handler.Handle(ctx, env); err != nil {
		return fmt.Errorf("handle %s: %w", env.EventType, err)
	}
	log.Info().Str("event_type", env.EventType).Msg("event processed")
	return nil
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
