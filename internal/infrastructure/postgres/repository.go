package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/baechuer/parcel-registry/internal/domain"
)

// PoolOptions carry the DATABASE_* settings every binary shares. The
// isolation level becomes the session default; the outbox publisher
// overrides it per claim transaction.
type PoolOptions struct {
	DSN            string
	PoolSize       int
	IsolationLevel string
}

func NewPool(ctx context.Context, o PoolOptions) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(o.DSN)
	if err != nil {
		return nil, err
	}
	if o.PoolSize > 0 {
		cfg.MaxConns = int32(o.PoolSize)
	}
	if o.IsolationLevel != "" {
		cfg.ConnConfig.RuntimeParams["default_transaction_isolation"] = o.IsolationLevel
	}
	return pgxpool.NewWithConfig(ctx, cfg)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Serialization failures (40001) and deadlocks (40P01) resolve on rerun
// with a fresh snapshot.
func isRetryableTxError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01")
}

const parcelColumns = `id, session_id, name, weight_kg, type_id, cost_adjustment_usd, delivery_price_rub, company_id, created_at, updated_at`

type parcelScanner interface {
	Scan(dest ...any) error
}

func scanParcel(row parcelScanner) (domain.Parcel, error) {
	var p domain.Parcel
	err := row.Scan(
		&p.ID, &p.SessionID, &p.Name, &p.WeightKg, &p.TypeID,
		&p.CostAdjustmentUSD, &p.DeliveryPriceRub, &p.CompanyID,
		&p.CreatedAt, &p.UpdatedAt,
	)
	return p, err
}

func collectParcels(rows pgx.Rows) ([]domain.Parcel, error) {
	defer rows.Close()

	var out []domain.Parcel
	for rows.Next() {
		p, err := scanParcel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
