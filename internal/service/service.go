package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/baechuer/parcel-registry/internal/domain"
	"github.com/baechuer/parcel-registry/internal/logger"
)

const (
	createdDetailTTL = time.Minute
	detailTTL        = 5 * time.Minute
	listTTL          = 5 * time.Minute
	typesTTL         = 5 * time.Minute
	sessionTTL       = 30 * time.Minute

	typesCacheKey = "cache:parcel_types:all"
)

// ParcelService implements the API use cases: registration and binding
// write through the unit of work (outbox included), reads go through the
// combined read model with redis in front.
type ParcelService struct {
	uow   domain.UnitOfWorkFactory
	cache domain.CacheRepository
	audit domain.AuditRepository
}

func NewParcelService(uow domain.UnitOfWorkFactory, cache domain.CacheRepository, audit domain.AuditRepository) *ParcelService {
	return &ParcelService{uow: uow, cache: cache, audit: audit}
}

// RegisterInput carries the validated registration fields.
type RegisterInput struct {
	SessionID         string
	Name              string
	WeightKg          float64
	TypeID            int
	CostAdjustmentUSD float64
}

// ParcelDetail is the uniform projection served by the detail and list
// paths and stored in the read-through cache. The price stays numeric
// here; the transport layer renders the "Не рассчитано" literal.
type ParcelDetail struct {
	ParcelID          string   `json:"parcel_id"`
	Name              string   `json:"name"`
	WeightKg          float64  `json:"weight_kg"`
	TypeID            int      `json:"type_id"`
	CostAdjustmentUSD float64  `json:"cost_adjustment_usd"`
	DeliveryPriceRub  *float64 `json:"delivery_price_rub"`
}

type ParcelList struct {
	Items []ParcelDetail `json:"items"`
	Total int            `json:"total"`
}

type ListQuery struct {
	SessionID        string
	TypeID           *int
	HasDeliveryPrice bool
	Limit            int
	Offset           int
}

type TypeItem struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

type SummaryItem struct {
	Type  int     `json:"type"`
	Total float64 `json:"total"`
}

type DeliverySummary struct {
	Date    string        `json:"date"`
	GroupBy string        `json:"group_by"`
	Items   []SummaryItem `json:"items"`
}

func cacheKey(parts ...string) string {
	return "cache:" + strings.Join(parts, ":")
}

func detailCacheKey(sessionID, parcelID string) string {
	return cacheKey("parcels", sessionID, parcelID)
}

func sessionKey(sessionID string) string {
	return "x-session-id:" + sessionID
}

func listCacheKey(q ListQuery) string {
	typePart := "none"
	if q.TypeID != nil {
		typePart = strconv.Itoa(*q.TypeID)
	}
	return fmt.Sprintf("parcels:%s:offset=%d:limit=%d:type=%s:has_price=%t",
		q.SessionID, q.Offset, q.Limit, typePart, q.HasDeliveryPrice)
}

// Register assigns the parcel its id and writes the parcel.registered
// outbox event; the durable row is the worker's job. A duplicate outbox
// id is idempotent success.
func (s *ParcelService) Register(ctx context.Context, in RegisterInput) (string, error) {
	log := logger.WithCtx(ctx)

	parcelID := uuid.NewString()
	payload, err := json.Marshal(domain.RegisteredPayload{
		ParcelID:          parcelID,
		SessionID:         in.SessionID,
		Name:              in.Name,
		WeightKg:          in.WeightKg,
		TypeID:            in.TypeID,
		CostAdjustmentUSD: in.CostAdjustmentUSD,
	})
	if err != nil {
		return "", fmt.Errorf("marshal registered payload: %w", err)
	}

	ev := domain.OutboxEvent{
		ID:        uuid.NewString(),
		ParcelID:  &parcelID,
		SessionID: &in.SessionID,
		EventType: domain.EventParcelRegistered,
		Payload:   payload,
	}

	err = s.uow.WithinTx(ctx, func(uow domain.UnitOfWork) error {
		return uow.Outbox().Add(ctx, ev)
	})
	if errors.Is(err, domain.ErrOutboxDuplicate) {
		log.Warn().Str("parcel_id", parcelID).Msg("outbox event already exists, registration treated as done")
	} else if err != nil {
		return "", err
	}
	log.Info().Str("parcel_id", parcelID).Str("session_id", in.SessionID).Msg("parcel registered")

	s.cacheDetail(ctx, in.SessionID, ParcelDetail{
		ParcelID:          parcelID,
		Name:              in.Name,
		WeightKg:          in.WeightKg,
		TypeID:            in.TypeID,
		CostAdjustmentUSD: in.CostAdjustmentUSD,
	}, createdDetailTTL)

	return parcelID, nil
}

// Detail serves one parcel: cache, then the durable row, then the
// still-unapplied outbox copy. Only the outbox path checks the session;
// a mismatch is access denied.
func (s *ParcelService) Detail(ctx context.Context, sessionID, parcelID string) (ParcelDetail, error) {
	log := logger.WithCtx(ctx)
	key := detailCacheKey(sessionID, parcelID)

	if raw, err := s.cache.Get(ctx, key); err == nil {
		var d ParcelDetail
		if uerr := json.Unmarshal([]byte(raw), &d); uerr == nil {
			return d, nil
		}
		log.Warn().Str("key", key).Msg("undecodable detail cache entry, falling through")
	} else if !errors.Is(err, domain.ErrCacheMiss) {
		log.Warn().Err(err).Str("key", key).Msg("detail cache read failed")
	}

	var detail ParcelDetail
	err := s.uow.WithinTx(ctx, func(uow domain.UnitOfWork) error {
		p, err := uow.Parcels().GetByID(ctx, parcelID)
		if err == nil {
			detail = detailFromParcel(p)
			return nil
		}
		if !errors.Is(err, domain.ErrParcelNotFound) {
			return err
		}

		ev, err := uow.Outbox().GetByParcelID(ctx, parcelID)
		if err != nil {
			return err
		}
		if ev.SessionID == nil || *ev.SessionID != sessionID {
			return domain.ErrAccessDenied
		}
		detail, err = detailFromOutbox(ev)
		return err
	})
	if err != nil {
		return ParcelDetail{}, err
	}

	s.cacheDetail(ctx, sessionID, detail, detailTTL)
	return detail, nil
}

// List serves the combined paginated view. The price filter applies to
// the total in SQL and to the items at hydration; unpriced rows simply
// drop out of a filtered page.
func (s *ParcelService) List(ctx context.Context, q ListQuery) (ParcelList, error) {
	log := logger.WithCtx(ctx)
	key := listCacheKey(q)

	if raw, err := s.cache.Get(ctx, key); err == nil {
		var cached ParcelList
		if uerr := json.Unmarshal([]byte(raw), &cached); uerr == nil {
			return cached, nil
		}
		log.Warn().Str("key", key).Msg("undecodable list cache entry, falling through")
	} else if !errors.Is(err, domain.ErrCacheMiss) {
		log.Warn().Err(err).Str("key", key).Msg("list cache read failed")
	}

	filter := domain.ParcelFilter{
		SessionID:        q.SessionID,
		TypeID:           q.TypeID,
		HasDeliveryPrice: q.HasDeliveryPrice,
	}

	items := []ParcelDetail{}
	total := 0
	err := s.uow.WithinTx(ctx, func(uow domain.UnitOfWork) error {
		items = items[:0] // the transaction may rerun
		listed, err := uow.Reads().ListPaginated(ctx, filter, q.Limit, q.Offset)
		if err != nil {
			return err
		}
		total, err = uow.Reads().Count(ctx, filter)
		if err != nil {
			return err
		}

		var parcelIDs, outboxIDs []string
		for _, l := range listed {
			switch l.Source {
			case domain.SourceParcel:
				parcelIDs = append(parcelIDs, l.ParcelID)
			case domain.SourceOutbox:
				outboxIDs = append(outboxIDs, l.ParcelID)
			}
		}

		byID := make(map[string]ParcelDetail, len(listed))

		if len(parcelIDs) > 0 {
			parcels, err := uow.Parcels().GetByIDs(ctx, parcelIDs)
			if err != nil {
				return err
			}
			for _, p := range parcels {
				if q.HasDeliveryPrice && p.DeliveryPriceRub == nil {
					continue
				}
				byID[p.ID] = detailFromParcel(p)
			}
		}

		if len(outboxIDs) > 0 {
			events, err := uow.Outbox().GetByParcelIDs(ctx, outboxIDs)
			if err != nil {
				return err
			}
			for _, ev := range events {
				d, err := detailFromOutbox(ev)
				if err != nil {
					log.Warn().Str("outbox_id", ev.ID).Err(err).Msg("skipping undecodable outbox payload")
					continue
				}
				if q.HasDeliveryPrice && d.DeliveryPriceRub == nil {
					continue
				}
				byID[d.ParcelID] = d
			}
		}

		// Preserve the paginated order.
		for _, l := range listed {
			if d, ok := byID[l.ParcelID]; ok {
				items = append(items, d)
			}
		}
		return nil
	})
	if err != nil {
		return ParcelList{}, err
	}

	out := ParcelList{Items: items, Total: total}

	// Only the first page is cached; deeper pages churn too much.
	if q.Offset == 0 {
		if raw, err := json.Marshal(out); err == nil {
			if err := s.cache.Set(ctx, key, string(raw), listTTL); err != nil {
				log.Warn().Err(err).Str("key", key).Msg("list cache write failed")
			}
		}
	}
	return out, nil
}

// Types lists the parcel-type dictionary with a shared cache entry.
func (s *ParcelService) Types(ctx context.Context) ([]TypeItem, error) {
	log := logger.WithCtx(ctx)

	if raw, err := s.cache.Get(ctx, typesCacheKey); err == nil {
		var cached []TypeItem
		if uerr := json.Unmarshal([]byte(raw), &cached); uerr == nil {
			return cached, nil
		}
		log.Warn().Msg("undecodable parcel-types cache entry, falling through")
	} else if !errors.Is(err, domain.ErrCacheMiss) {
		log.Warn().Err(err).Msg("parcel-types cache read failed")
	}

	items := []TypeItem{}
	err := s.uow.WithinTx(ctx, func(uow domain.UnitOfWork) error {
		items = items[:0]
		types, err := uow.ParcelTypes().List(ctx)
		if err != nil {
			return err
		}
		for _, t := range types {
			items = append(items, TypeItem{ID: t.ID, Name: t.Name})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if raw, err := json.Marshal(items); err == nil {
		if err := s.cache.Set(ctx, typesCacheKey, string(raw), typesTTL); err != nil {
			log.Warn().Err(err).Msg("parcel-types cache write failed")
		}
	}
	return items, nil
}

// BindCompany attaches a company to a parcel exactly once. The parcel
// row is locked for the duration of the transaction so concurrent binds
// serialize; the loser sees the company already set.
func (s *ParcelService) BindCompany(ctx context.Context, parcelID string, companyID int) error {
	log := logger.WithCtx(ctx)

	err := s.uow.WithinTx(ctx, func(uow domain.UnitOfWork) error {
		if _, err := uow.Companies().GetByID(ctx, companyID); err != nil {
			return err
		}

		p, err := uow.Parcels().GetByIDForUpdate(ctx, parcelID)
		if err != nil {
			return err
		}
		if p.CompanyID != nil {
			return domain.ErrCompanyAlreadyBound
		}
		return uow.Parcels().SetCompany(ctx, parcelID, companyID)
	})
	if err != nil {
		return err
	}

	log.Info().Str("parcel_id", parcelID).Int("company_id", companyID).Msg("company bound")
	return nil
}

// DebugRecalculate drops a parcel.recalculate control event into the
// outbox. Payload stays null; a duplicate id is idempotent success.
func (s *ParcelService) DebugRecalculate(ctx context.Context) error {
	log := logger.WithCtx(ctx)

	ev := domain.OutboxEvent{
		ID:        uuid.NewString(),
		EventType: domain.EventParcelRecalculate,
	}
	err := s.uow.WithinTx(ctx, func(uow domain.UnitOfWork) error {
		return uow.Outbox().Add(ctx, ev)
	})
	if errors.Is(err, domain.ErrOutboxDuplicate) {
		log.Warn().Str("outbox_id", ev.ID).Msg("recalculate event already queued")
		return nil
	}
	if err != nil {
		return err
	}

	log.Info().Str("outbox_id", ev.ID).Msg("recalculate event queued")
	return nil
}

// CreateSession mints a session token and parks it in redis for 30
// minutes. Tokens are opaque; holding one is the only credential.
func (s *ParcelService) CreateSession(ctx context.Context) (string, error) {
	sessionID := strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := s.cache.Set(ctx, sessionKey(sessionID), "1", sessionTTL); err != nil {
		return "", err
	}
	return sessionID, nil
}

// Sessions returns every live session key with its stored value.
func (s *ParcelService) Sessions(ctx context.Context) (map[string]string, error) {
	keys, err := s.cache.Keys(ctx, sessionKey("*"))
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return map[string]string{}, nil
	}
	return s.cache.MGet(ctx, keys...)
}

// GetSession returns the stored value for one session id; a missing key
// surfaces as ErrCacheMiss for the transport layer to map.
func (s *ParcelService) GetSession(ctx context.Context, sessionID string) (string, error) {
	return s.cache.Get(ctx, sessionKey(sessionID))
}

// DeliverySummary aggregates calculated prices per parcel type for one
// UTC day.
func (s *ParcelService) DeliverySummary(ctx context.Context, day time.Time) (DeliverySummary, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)

	rows, err := s.audit.SummarizeByType(ctx, start, start.Add(24*time.Hour))
	if err != nil {
		return DeliverySummary{}, err
	}

	out := DeliverySummary{
		Date:    start.Format("2006-01-02"),
		GroupBy: "type",
		Items:   []SummaryItem{},
	}
	for _, r := range rows {
		out.Items = append(out.Items, SummaryItem{
			Type:  r.TypeID,
			Total: math.Round(r.Total*100) / 100,
		})
	}
	return out, nil
}

func (s *ParcelService) cacheDetail(ctx context.Context, sessionID string, d ParcelDetail, ttl time.Duration) {
	raw, err := json.Marshal(d)
	if err != nil {
		return
	}
	key := detailCacheKey(sessionID, d.ParcelID)
	if err := s.cache.Set(ctx, key, string(raw), ttl); err != nil {
		logger.WithCtx(ctx).Warn().Err(err).Str("key", key).Msg("detail cache write failed")
	}
}

func detailFromParcel(p domain.Parcel) ParcelDetail {
	return ParcelDetail{
		ParcelID:          p.ID,
		Name:              p.Name,
		WeightKg:          p.WeightKg,
		TypeID:            p.TypeID,
		CostAdjustmentUSD: p.CostAdjustmentUSD,
		DeliveryPriceRub:  p.DeliveryPriceRub,
	}
}

// detailFromOutbox projects a still-unapplied registration event. The
// payload never carries a computed price, but decode one leniently in
// case an older producer wrote the key.
func detailFromOutbox(ev domain.OutboxEvent) (ParcelDetail, error) {
	var p struct {
		domain.RegisteredPayload
		DeliveryPriceRub *float64 `json:"delivery_price_rub"`
	}
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return ParcelDetail{}, fmt.Errorf("decode outbox payload for %s: %w", ev.ID, err)
	}
	return ParcelDetail{
		ParcelID:          p.ParcelID,
		Name:              p.Name,
		WeightKg:          p.WeightKg,
		TypeID:            p.TypeID,
		CostAdjustmentUSD: p.CostAdjustmentUSD,
		DeliveryPriceRub:  p.DeliveryPriceRub,
	}, nil
}
