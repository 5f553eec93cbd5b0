package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/baechuer/parcel-registry/internal/domain"
)

// ParcelRepo reads and writes the durable parcels table inside its unit
// of work. Only the worker inserts/updates price rows; the API sets
// company_id on the bind path.
type ParcelRepo struct {
	tx pgx.Tx
}

func (r *ParcelRepo) GetByID(ctx context.Context, id string) (domain.Parcel, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+parcelColumns+` FROM parcels WHERE id = $1`, id)
	p, err := scanParcel(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Parcel{}, domain.ErrParcelNotFound
		}
		return domain.Parcel{}, err
	}
	return p, nil
}

// GetByIDForUpdate locks the row so concurrent binds serialize.
func (r *ParcelRepo) GetByIDForUpdate(ctx context.Context, id string) (domain.Parcel, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+parcelColumns+` FROM parcels WHERE id = $1 FOR UPDATE`, id)
	p, err := scanParcel(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Parcel{}, domain.ErrParcelNotFound
		}
		return domain.Parcel{}, err
	}
	return p, nil
}

func (r *ParcelRepo) GetByIDs(ctx context.Context, ids []string) ([]domain.Parcel, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.tx.Query(ctx, `SELECT `+parcelColumns+` FROM parcels WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	return collectParcels(rows)
}

func (r *ParcelRepo) Insert(ctx context.Context, p domain.Parcel) error {
	_, err := r.tx.Exec(ctx, `
		INSERT INTO parcels (id, session_id, name, weight_kg, type_id, cost_adjustment_usd, delivery_price_rub, company_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
	`, p.ID, p.SessionID, p.Name, p.WeightKg, p.TypeID, p.CostAdjustmentUSD, p.DeliveryPriceRub, p.CompanyID)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrParcelExists
		}
		return err
	}
	return nil
}

func (r *ParcelRepo) ListWithNullPrice(ctx context.Context) ([]domain.Parcel, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+parcelColumns+` FROM parcels WHERE delivery_price_rub IS NULL`)
	if err != nil {
		return nil, err
	}
	return collectParcels(rows)
}

func (r *ParcelRepo) SetDeliveryPrice(ctx context.Context, id string, price float64) error {
	tag, err := r.tx.Exec(ctx,
		`UPDATE parcels SET delivery_price_rub = $2, updated_at = NOW() WHERE id = $1`,
		id, price)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrParcelNotFound
	}
	return nil
}

func (r *ParcelRepo) SetCompany(ctx context.Context, id string, companyID int) error {
	tag, err := r.tx.Exec(ctx,
		`UPDATE parcels SET company_id = $2, updated_at = NOW() WHERE id = $1`,
		id, companyID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrParcelNotFound
	}
	return nil
}

type ParcelTypeRepo struct {
	tx pgx.Tx
}

func (r *ParcelTypeRepo) List(ctx context.Context) ([]domain.ParcelType, error) {
	rows, err := r.tx.Query(ctx, `SELECT id, name FROM parcel_types ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ParcelType
	for rows.Next() {
		var t domain.ParcelType
		if err := rows.Scan(&t.ID, &t.Name); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *ParcelTypeRepo) GetByID(ctx context.Context, id int) (domain.ParcelType, error) {
	var t domain.ParcelType
	err := r.tx.QueryRow(ctx, `SELECT id, name FROM parcel_types WHERE id = $1`, id).Scan(&t.ID, &t.Name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ParcelType{}, domain.ErrParcelTypeNotFound
		}
		return domain.ParcelType{}, err
	}
	return t, nil
}

type CompanyRepo struct {
	tx pgx.Tx
}

func (r *CompanyRepo) GetByID(ctx context.Context, id int) (domain.Company, error) {
	var c domain.Company
	err := r.tx.QueryRow(ctx, `
		SELECT id, name, COALESCE(description, ''), created_at, updated_at
		FROM companies
		WHERE id = $1
	`, id).Scan(&c.ID, &c.Name, &c.Description, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Company{}, domain.ErrCompanyNotFound
		}
		return domain.Company{}, err
	}
	return c, nil
}
