package calc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/baechuer/parcel-registry/internal/contracts/event"
	"github.com/baechuer/parcel-registry/internal/domain"
	"github.com/baechuer/parcel-registry/internal/logger"
)

// RegisterStrategy materializes a parcel.registered event into a durable
// parcel row. The rate may be unavailable, in which case the row is
// inserted without a delivery price and a later recalculation fills it.
type RegisterStrategy struct {
	uow   domain.UnitOfWorkFactory
	audit domain.AuditRepository
	rates RateSource
}

func NewRegisterStrategy(uow domain.UnitOfWorkFactory, audit domain.AuditRepository, rates RateSource) *RegisterStrategy {
	return &RegisterStrategy{uow: uow, audit: audit, rates: rates}
}

func (s *RegisterStrategy) Handle(ctx context.Context, env event.Envelope) error {
	log := logger.WithCtx(ctx)

	if !env.HasPayload() {
		return errors.New("parcel.registered event carries no payload")
	}
	var p domain.RegisteredPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("decode parcel.registered payload: %w", err)
	}

	var price *float64
	rate, err := s.rates.UsdRate(ctx)
	if err != nil {
		log.Warn().Err(err).Str("parcel_id", p.ParcelID).
			Msg("rate unavailable, inserting parcel without delivery price")
	} else {
		v := domain.DeliveryPriceRub(p.WeightKg, p.CostAdjustmentUSD, rate)
		price = &v
	}

	inserted := false
	err = s.uow.WithinTx(ctx, func(uow domain.UnitOfWork) error {
		inserted = false // the transaction may rerun
		_, getErr := uow.Parcels().GetByID(ctx, p.ParcelID)
		if getErr == nil {
			log.Info().Str("parcel_id", p.ParcelID).Msg("parcel already materialized, skipping")
			return nil
		}
		if !errors.Is(getErr, domain.ErrParcelNotFound) {
			return getErr
		}

		inserted = true
		return uow.Parcels().Insert(ctx, domain.Parcel{
			ID:                p.ParcelID,
			SessionID:         p.SessionID,
			Name:              p.Name,
			WeightKg:          p.WeightKg,
			TypeID:            p.TypeID,
			CostAdjustmentUSD: p.CostAdjustmentUSD,
			DeliveryPriceRub:  price,
		})
	})
	if errors.Is(err, domain.ErrParcelExists) {
		// lost an insert race with another delivery of the same event
		log.Info().Str("parcel_id", p.ParcelID).Msg("parcel inserted concurrently, skipping")
		return nil
	}
	if err != nil {
		return err
	}

	if inserted && price != nil {
		doc := domain.CalculationAudit{
			ParcelID:        p.ParcelID,
			TypeID:          p.TypeID,
			SessionID:       p.SessionID,
			CalculatedPrice: *price,
			CalculatedAt:    time.Now().UTC(),
		}
		if err := s.audit.Insert(ctx, doc); err != nil {
			return fmt.Errorf("insert calculation audit: %w", err)
		}
	}
	return nil
}

// RecalculateStrategy fills delivery prices for every parcel that still
// lacks one. Without a usable rate the pass is skipped entirely rather
// than applied partially.
type RecalculateStrategy struct {
	uow   domain.UnitOfWorkFactory
	audit domain.AuditRepository
	rates RateSource
}

func NewRecalculateStrategy(uow domain.UnitOfWorkFactory, audit domain.AuditRepository, rates RateSource) *RecalculateStrategy {
	return &RecalculateStrategy{uow: uow, audit: audit, rates: rates}
}

func (s *RecalculateStrategy) Handle(ctx context.Context, _ event.Envelope) error {
	log := logger.WithCtx(ctx)

	rate, err := s.rates.UsdRate(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("rate unavailable, recalculation skipped")
		return nil
	}

	updated := 0
	err = s.uow.WithinTx(ctx, func(uow domain.UnitOfWork) error {
		updated = 0
		parcels, err := uow.Parcels().ListWithNullPrice(ctx)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		for _, p := range parcels {
			price := domain.DeliveryPriceRub(p.WeightKg, p.CostAdjustmentUSD, rate)
			if err := uow.Parcels().SetDeliveryPrice(ctx, p.ID, price); err != nil {
				return err
			}
			doc := domain.CalculationAudit{
				ParcelID:        p.ID,
				TypeID:          p.TypeID,
				SessionID:       p.SessionID,
				CalculatedPrice: price,
				CalculatedAt:    now,
				RecalculatedAt:  &now,
			}
			if err := s.audit.Upsert(ctx, doc); err != nil {
				return err
			}
			updated++
		}
		return nil
	})
	if err != nil {
		return err
	}

	log.Info().Int("updated", updated).Float64("usd_to_rub", rate).Msg("recalculation pass finished")
	return nil
}
