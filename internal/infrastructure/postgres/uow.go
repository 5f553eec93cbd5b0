package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/baechuer/parcel-registry/internal/domain"
)

// Factory opens units of work over one shared pool.
type Factory struct {
	pool *pgxpool.Pool
}

func NewFactory(pool *pgxpool.Pool) *Factory {
	return &Factory{pool: pool}
}

func (f *Factory) Begin(ctx context.Context) (domain.UnitOfWork, error) {
	tx, err := f.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &unitOfWork{tx: tx}, nil
}

const maxTxAttempts = 3

// WithinTx runs fn inside a single transaction: commit on nil error,
// rollback otherwise. Under repeatable read a locking statement can fail
// with a serialization error; such transactions rerun with a fresh
// snapshot, so fn must tolerate repeat execution.
func (f *Factory) WithinTx(ctx context.Context, fn func(uow domain.UnitOfWork) error) error {
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = f.withinTxOnce(ctx, fn)
		if err == nil || !isRetryableTxError(err) {
			return err
		}
	}
	return err
}

func (f *Factory) withinTxOnce(ctx context.Context, fn func(uow domain.UnitOfWork) error) error {
	uow, err := f.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = uow.Rollback(ctx) }()

	if err := fn(uow); err != nil {
		return err
	}
	return uow.Commit(ctx)
}

// unitOfWork binds every repository accessor to one pgx.Tx. Accessors are
// memoized so repeated lookups share the instance. Single-use: after
// Commit or Rollback the transaction is closed.
type unitOfWork struct {
	tx pgx.Tx

	parcels   *ParcelRepo
	types     *ParcelTypeRepo
	companies *CompanyRepo
	outbox    *OutboxRepo
	reads     *CombinedReadRepo
}

func (u *unitOfWork) Parcels() domain.ParcelRepository {
	if u.parcels == nil {
		u.parcels = &ParcelRepo{tx: u.tx}
	}
	return u.parcels
}

func (u *unitOfWork) ParcelTypes() domain.ParcelTypeRepository {
	if u.types == nil {
		u.types = &ParcelTypeRepo{tx: u.tx}
	}
	return u.types
}

func (u *unitOfWork) Companies() domain.CompanyRepository {
	if u.companies == nil {
		u.companies = &CompanyRepo{tx: u.tx}
	}
	return u.companies
}

func (u *unitOfWork) Outbox() domain.OutboxRepository {
	if u.outbox == nil {
		u.outbox = &OutboxRepo{tx: u.tx}
	}
	return u.outbox
}

func (u *unitOfWork) Reads() domain.CombinedReadRepository {
	if u.reads == nil {
		u.reads = &CombinedReadRepo{tx: u.tx}
	}
	return u.reads
}

func (u *unitOfWork) Commit(ctx context.Context) error {
	return u.tx.Commit(ctx)
}

func (u *unitOfWork) Rollback(ctx context.Context) error {
	// Rollback after commit is a no-op; callers defer it unconditionally.
	err := u.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}
