package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/baechuer/parcel-registry/internal/domain"
)

// CombinedReadRepo serves the unified view over parcels and unapplied
// parcel.registered outbox rows, so a registration is visible before the
// worker inserts the durable row. Once both exist the parcel row wins.
type CombinedReadRepo struct {
	tx pgx.Tx
}

// unifiedQuery builds the shared UNION ALL subquery. $1 is always the
// session id; an optional type filter is appended to both branches with
// the same placeholder.
func unifiedQuery(f domain.ParcelFilter, args *[]any) string {
	*args = append(*args, f.SessionID)
	argN := 2

	parcelWhere := "WHERE session_id = $1"
	outboxWhere := fmt.Sprintf(
		"WHERE session_id = $1 AND event_type = '%s' AND applied = false",
		domain.EventParcelRegistered,
	)
	if f.TypeID != nil {
		parcelWhere += fmt.Sprintf(" AND type_id = $%d", argN)
		outboxWhere += fmt.Sprintf(" AND (payload->>'type_id')::int = $%d", argN)
		*args = append(*args, *f.TypeID)
		argN++
	}

	return fmt.Sprintf(`
		SELECT id AS parcel_id,
		       created_at,
		       delivery_price_rub,
		       'parcel' AS source
		FROM parcels
		%s

		UNION ALL

		SELECT payload->>'parcel_id' AS parcel_id,
		       created_at,
		       (payload->>'delivery_price_rub')::double precision AS delivery_price_rub,
		       'outbox' AS source
		FROM outbox_events
		%s
	`, parcelWhere, outboxWhere)
}

func (r *CombinedReadRepo) Count(ctx context.Context, f domain.ParcelFilter) (int, error) {
	var args []any
	unified := unifiedQuery(f, &args)

	priceCond := ""
	if f.HasDeliveryPrice {
		priceCond = " AND delivery_price_rub IS NOT NULL"
	}

	q := fmt.Sprintf(`
		SELECT COUNT(*) FROM (
			SELECT parcel_id,
			       delivery_price_rub,
			       ROW_NUMBER() OVER (
			           PARTITION BY parcel_id
			           ORDER BY (source = 'parcel') DESC
			       ) AS rn
			FROM (%s) unified
		) ranked
		WHERE rn = 1%s
	`, unified, priceCond)

	var n int
	if err := r.tx.QueryRow(ctx, q, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// ListPaginated returns deduplicated (parcel_id, source) pairs in stable
// parcel_id order. Hydration of full rows is the caller's job.
func (r *CombinedReadRepo) ListPaginated(ctx context.Context, f domain.ParcelFilter, limit, offset int) ([]domain.ListedParcel, error) {
	if limit < 1 {
		limit = 1
	}
	if offset < 0 {
		offset = 0
	}

	var args []any
	unified := unifiedQuery(f, &args)
	args = append(args, limit, offset)

	q := fmt.Sprintf(`
		SELECT parcel_id, source FROM (
			SELECT parcel_id,
			       source,
			       ROW_NUMBER() OVER (
			           PARTITION BY parcel_id
			           ORDER BY (source = 'parcel') DESC
			       ) AS rn
			FROM (%s) unified
		) ranked
		WHERE rn = 1
		ORDER BY parcel_id
		LIMIT $%d OFFSET $%d
	`, unified, len(args)-1, len(args))

	rows, err := r.tx.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ListedParcel
	for rows.Next() {
		var lp domain.ListedParcel
		if err := rows.Scan(&lp.ParcelID, &lp.Source); err != nil {
			return nil, err
		}
		out = append(out, lp)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
