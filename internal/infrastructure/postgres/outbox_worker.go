package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/baechuer/parcel-registry/internal/contracts/event"
	"github.com/baechuer/parcel-registry/internal/logger"
)

const (
	confirmWait     = 300 * time.Millisecond
	claimRetryDelay = 5 * time.Second
	reconnectMax    = 30 * time.Second
)

// Publisher drains unapplied outbox_events into the exchange. Rows are
// claimed with FOR UPDATE SKIP LOCKED so multiple publisher processes
// never fight over a batch; a row becomes applied only after the broker
// confirmed it (at-least-once, consumers dedupe).
type Publisher struct {
	pool      *pgxpool.Pool
	rabbitURL string
	exchange  string
	batchSize int
	sleep     time.Duration
}

func NewPublisher(pool *pgxpool.Pool, rabbitURL, exchange string, batchSize int, sleepInterval time.Duration) *Publisher {
	return &Publisher{
		pool:      pool,
		rabbitURL: rabbitURL,
		exchange:  exchange,
		batchSize: batchSize,
		sleep:     sleepInterval,
	}
}

type claimedEvent struct {
	ID        string
	EventType string
	Payload   []byte
}

type brokerSession struct {
	conn      *amqp.Connection
	ch        *amqp.Channel
	confirmCh <-chan amqp.Confirmation
	returnCh  <-chan amqp.Return
}

func (s *brokerSession) close() {
	_ = s.ch.Close()
	_ = s.conn.Close()
}

// Run supervises the publish loop until ctx is done, reconnecting to the
// broker with capped exponential backoff. The exchange is expected to
// exist already; topology belongs to the initializer.
func (p *Publisher) Run(ctx context.Context) {
	log := logger.Logger.With().Str("component", "outbox_publisher").Logger()
	backoff := time.Second

	for {
		if ctx.Err() != nil {
			log.Info().Msg("stopped")
			return
		}

		sess, err := p.connect()
		if err != nil {
			log.Warn().Err(err).Dur("retry_in", backoff).Msg("broker connect failed")
			if !sleepOrDone(ctx, backoff) {
				log.Info().Msg("stopped")
				return
			}
			backoff = minDur(backoff*2, reconnectMax)
			continue
		}
		backoff = time.Second
		log.Info().Str("exchange", p.exchange).Int("batch_size", p.batchSize).Msg("broker connected")

		err = p.publishLoop(ctx, sess)
		sess.close()
		if ctx.Err() != nil {
			log.Info().Msg("stopped")
			return
		}
		if err != nil {
			log.Warn().Err(err).Msg("broker session lost; reconnecting")
		}
	}
}

func (p *Publisher) connect() (*brokerSession, error) {
	conn, err := amqp.Dial(p.rabbitURL)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return &brokerSession{
		conn:      conn,
		ch:        ch,
		confirmCh: ch.NotifyPublish(make(chan amqp.Confirmation, 100)),
		returnCh:  ch.NotifyReturn(make(chan amqp.Return, 100)),
	}, nil
}

// publishLoop runs claim/publish/mark iterations over one broker session.
// It returns nil on shutdown and an error when the session should be
// rebuilt.
func (p *Publisher) publishLoop(ctx context.Context, sess *brokerSession) error {
	log := logger.Logger.With().Str("component", "outbox_publisher").Logger()

	for {
		if ctx.Err() != nil {
			return nil
		}

		events, err := p.claimBatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn().Err(err).Msg("outbox claim failed")
			if !sleepOrDone(ctx, claimRetryDelay) {
				return nil
			}
			continue
		}

		if len(events) > 0 {
			published, pubErr := p.publishBatch(ctx, sess, events)

			// Confirmed ids are marked applied even when the batch broke
			// mid-way; the remainder stays applied=false for the next pass.
			if len(published) > 0 {
				if err := p.markApplied(ctx, published); err != nil {
					log.Error().Err(err).Int("count", len(published)).Msg("mark applied failed")
				}
			}
			if pubErr != nil {
				return pubErr
			}
		}

		if !sleepOrDone(ctx, p.sleep) {
			return nil
		}
	}
}

// claimBatch selects up to batchSize unapplied rows in creation order.
// The claim transaction runs at read committed; the lock window covers
// only the select, duplicates past it are the consumer's problem.
func (p *Publisher) claimBatch(ctx context.Context) ([]claimedEvent, error) {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		SELECT id, event_type, payload
		FROM outbox_events
		WHERE applied = false
		ORDER BY created_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, p.batchSize)
	if err != nil {
		return nil, err
	}

	var out []claimedEvent
	for rows.Next() {
		var ev claimedEvent
		if err := rows.Scan(&ev.ID, &ev.EventType, &ev.Payload); err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Publisher) publishBatch(ctx context.Context, sess *brokerSession, events []claimedEvent) ([]string, error) {
	log := logger.Logger.With().Str("component", "outbox_publisher").Logger()

	var published []string
	for _, ev := range events {
		body, err := event.Encode(ev.Payload, ev.EventType)
		if err != nil {
			log.Error().Err(err).Str("outbox_id", ev.ID).Msg("envelope encode failed; row left unapplied")
			continue
		}

		// Drain stale notifications from earlier failed publishes.
		drainStale(sess.confirmCh, sess.returnCh)

		pub := amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			MessageId:    ev.ID,
		}

		// 1) transport publish (mandatory, so a missing route comes back as Return)
		if err := sess.ch.PublishWithContext(ctx, p.exchange, ev.EventType, true, false, pub); err != nil {
			return published, fmt.Errorf("publish outbox id %s: %w", ev.ID, err)
		}

		// 2) wait for Confirm AND possible Return; Return usually lands first
		var (
			gotConfirm bool
			gotReturn  bool
			conf       amqp.Confirmation
		)

		deadline := time.After(confirmWait * 2)
	WaitLoop:
		for !gotConfirm && !gotReturn {
			select {
			case ret := <-sess.returnCh:
				gotReturn = true
				log.Warn().
					Str("outbox_id", ev.ID).
					Str("routing_key", ev.EventType).
					Uint16("code", ret.ReplyCode).
					Str("text", ret.ReplyText).
					Msg("message returned; row left unapplied")
			case c := <-sess.confirmCh:
				gotConfirm = true
				conf = c
			case <-deadline:
				break WaitLoop
			case <-ctx.Done():
				return published, ctx.Err()
			}
		}

		if gotReturn {
			continue
		}
		if !gotConfirm {
			return published, fmt.Errorf("confirm timeout for outbox id %s", ev.ID)
		}
		if !conf.Ack {
			log.Warn().
				Str("outbox_id", ev.ID).
				Uint64("delivery_tag", conf.DeliveryTag).
				Msg("broker nacked; row left unapplied")
			continue
		}

		published = append(published, ev.ID)
		log.Info().
			Str("outbox_id", ev.ID).
			Str("routing_key", ev.EventType).
			Msg("published")
	}

	return published, nil
}

func (p *Publisher) markApplied(ctx context.Context, ids []string) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		UPDATE outbox_events
		SET applied = true, published_at = NOW()
		WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func drainStale(confirmCh <-chan amqp.Confirmation, returnCh <-chan amqp.Return) {
	for {
		select {
		case <-confirmCh:
		case <-returnCh:
		default:
			return
		}
	}
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

func minDur(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
