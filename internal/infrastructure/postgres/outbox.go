package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/baechuer/parcel-registry/internal/domain"
)

const outboxColumns = `id, parcel_id, session_id, event_type, payload, applied, created_at, published_at`

// OutboxRepo writes intent rows inside the caller's transaction; the
// commit that lands the business change lands the event with it.
type OutboxRepo struct {
	tx pgx.Tx
}

// Add inserts one outbox row. A replayed id is reported as
// domain.ErrOutboxDuplicate, which write paths treat as success.
func (r *OutboxRepo) Add(ctx context.Context, ev domain.OutboxEvent) error {
	tag, err := r.tx.Exec(ctx, `
		INSERT INTO outbox_events (id, parcel_id, session_id, event_type, payload, applied, created_at)
		VALUES ($1, $2, $3, $4, $5, false, NOW())
		ON CONFLICT (id) DO NOTHING
	`, ev.ID, ev.ParcelID, ev.SessionID, string(ev.EventType), ev.Payload)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrOutboxPersistence, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrOutboxDuplicate
	}
	return nil
}

// GetByParcelID serves the detail fallback: the newest registration event
// for a parcel that has no durable row yet.
func (r *OutboxRepo) GetByParcelID(ctx context.Context, parcelID string) (domain.OutboxEvent, error) {
	row := r.tx.QueryRow(ctx, `
		SELECT `+outboxColumns+`
		FROM outbox_events
		WHERE parcel_id = $1 AND event_type = $2
		ORDER BY created_at DESC
		LIMIT 1
	`, parcelID, string(domain.EventParcelRegistered))

	ev, err := scanOutboxEvent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.OutboxEvent{}, domain.ErrParcelNotFound
		}
		return domain.OutboxEvent{}, err
	}
	return ev, nil
}

func (r *OutboxRepo) GetByParcelIDs(ctx context.Context, parcelIDs []string) ([]domain.OutboxEvent, error) {
	if len(parcelIDs) == 0 {
		return nil, nil
	}
	rows, err := r.tx.Query(ctx, `
		SELECT `+outboxColumns+`
		FROM outbox_events
		WHERE parcel_id = ANY($1) AND event_type = $2
	`, parcelIDs, string(domain.EventParcelRegistered))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.OutboxEvent
	for rows.Next() {
		ev, err := scanOutboxEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func scanOutboxEvent(row parcelScanner) (domain.OutboxEvent, error) {
	var ev domain.OutboxEvent
	var eventType string
	err := row.Scan(
		&ev.ID, &ev.ParcelID, &ev.SessionID, &eventType,
		&ev.Payload, &ev.Applied, &ev.CreatedAt, &ev.PublishedAt,
	)
	if err != nil {
		return domain.OutboxEvent{}, err
	}
	ev.EventType = domain.EventType(eventType)
	return ev, nil
}
