package domain

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// EventType identifies an outbox/broker event. The set is closed; the
// worker dispatches through a static registry keyed by these values.
type EventType string

const (
	EventParcelRegistered  EventType = "parcel.registered"
	EventParcelRecalculate EventType = "parcel.recalculate"
)

// KnownEventType reports whether t is part of the closed event set.
func KnownEventType(t EventType) bool {
	return t == EventParcelRegistered || t == EventParcelRecalculate
}

var (
	ErrParcelNotFound      = errors.New("parcel not found")
	ErrParcelTypeNotFound  = errors.New("parcel type not found")
	ErrCompanyNotFound     = errors.New("company not found")
	ErrCompanyAlreadyBound = errors.New("company already bound to parcel")
	ErrParcelExists        = errors.New("parcel already exists")

	ErrOutboxDuplicate   = errors.New("outbox event already exists") // treated as success on write paths
	ErrOutboxPersistence = errors.New("outbox persistence failure")

	ErrAccessDenied = errors.New("access denied")

	ErrCacheMiss       = errors.New("cache miss")
	ErrRateUnavailable = errors.New("usd rate unavailable")
)

// DeliveryPriceRub computes the delivery price for one parcel:
// (weight_kg * 0.5 + cost_adjustment_usd * 0.01) * usd_to_rub.
// Rounding happens at the presentation layer only.
func DeliveryPriceRub(weightKg, costAdjustmentUSD, usdToRub float64) float64 {
	return (weightKg*0.5 + costAdjustmentUSD*0.01) * usdToRub
}

type Parcel struct {
	ID                string
	SessionID         string
	Name              string
	WeightKg          float64
	TypeID            int
	CostAdjustmentUSD float64
	DeliveryPriceRub  *float64
	CompanyID         *int

	CreatedAt time.Time
	UpdatedAt time.Time
}

type ParcelType struct {
	ID   int
	Name string
}

type Company struct {
	ID          int
	Name        string
	Description string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// OutboxEvent is one row of the transactional outbox. Payload is raw JSON
// and stays nil for control events (parcel.recalculate).
type OutboxEvent struct {
	ID        string
	ParcelID  *string
	SessionID *string
	EventType EventType
	Payload   json.RawMessage
	Applied   bool

	CreatedAt   time.Time
	PublishedAt *time.Time
}

// RegisteredPayload is the payload carried by parcel.registered events.
// The worker computes delivery_price_rub; it is never part of the payload.
type RegisteredPayload struct {
	ParcelID          string  `json:"parcel_id"`
	SessionID         string  `json:"session_id"`
	Name              string  `json:"name"`
	WeightKg          float64 `json:"weight_kg"`
	TypeID            int     `json:"type_id"`
	CostAdjustmentUSD float64 `json:"cost_adjustment_usd"`
}

// CalculationAudit is the document-store record written per calculated
// parcel. RecalculatedAt is set only by the recalculate path.
type CalculationAudit struct {
	ParcelID        string     `bson:"parcel_id"`
	TypeID          int        `bson:"type_id"`
	SessionID       string     `bson:"session_id"`
	CalculatedPrice float64    `bson:"calculated_price"`
	CalculatedAt    time.Time  `bson:"calculated_at"`
	RecalculatedAt  *time.Time `bson:"recalculated_at,omitempty"`
}

// DeliverySummaryItem is one group of the per-day analytics aggregation.
type DeliverySummaryItem struct {
	TypeID int
	Total  float64
}

// ListedSource marks where a combined-read row came from; durable parcel
// rows shadow unapplied outbox copies of the same id.
const (
	SourceParcel = "parcel"
	SourceOutbox = "outbox"
)

type ListedParcel struct {
	ParcelID string
	Source   string
}

// ParcelFilter narrows combined reads. HasDeliveryPrice keeps only rows
// with a computed price; TypeID nil means all types.
type ParcelFilter struct {
	SessionID        string
	TypeID           *int
	HasDeliveryPrice bool
}

// ParcelRepository is the tx-scoped surface over the parcels table. Only
// the worker inserts/updates rows; the API reads them and sets company_id
// on the bind path.
type ParcelRepository interface {
	GetByID(ctx context.Context, id string) (Parcel, error)
	GetByIDForUpdate(ctx context.Context, id string) (Parcel, error)
	GetByIDs(ctx context.Context, ids []string) ([]Parcel, error)
	Insert(ctx context.Context, p Parcel) error
	ListWithNullPrice(ctx context.Context) ([]Parcel, error)
	SetDeliveryPrice(ctx context.Context, id string, price float64) error
	SetCompany(ctx context.Context, id string, companyID int) error
}

type ParcelTypeRepository interface {
	List(ctx context.Context) ([]ParcelType, error)
	GetByID(ctx context.Context, id int) (ParcelType, error)
}

type CompanyRepository interface {
	GetByID(ctx context.Context, id int) (Company, error)
}

// OutboxRepository writes and reads outbox rows inside the caller's
// transaction. Add maps a duplicate primary key to ErrOutboxDuplicate.
type OutboxRepository interface {
	Add(ctx context.Context, ev OutboxEvent) error
	GetByParcelID(ctx context.Context, parcelID string) (OutboxEvent, error)
	GetByParcelIDs(ctx context.Context, parcelIDs []string) ([]OutboxEvent, error)
}

// CombinedReadRepository serves the unified parcels+outbox listing:
// unapplied parcel.registered events count as parcels until the worker
// materializes them.
type CombinedReadRepository interface {
	Count(ctx context.Context, f ParcelFilter) (int, error)
	ListPaginated(ctx context.Context, f ParcelFilter, limit, offset int) ([]ListedParcel, error)
}

// UnitOfWork binds repositories to a single database transaction. It is
// single-use: after Commit or Rollback every accessor is invalid.
type UnitOfWork interface {
	Parcels() ParcelRepository
	ParcelTypes() ParcelTypeRepository
	Companies() CompanyRepository
	Outbox() OutboxRepository
	Reads() CombinedReadRepository

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// UnitOfWorkFactory opens units of work. WithinTx commits when fn returns
// nil and rolls back otherwise.
type UnitOfWorkFactory interface {
	Begin(ctx context.Context) (UnitOfWork, error)
	WithinTx(ctx context.Context, fn func(uow UnitOfWork) error) error
}

// CacheRepository is the redis surface shared by the API (sessions,
// read-through caches) and the worker (usd rate). Get returns ErrCacheMiss
// for absent keys.
type CacheRepository interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Keys(ctx context.Context, pattern string) ([]string, error)
	MGet(ctx context.Context, keys ...string) (map[string]string, error)
}

// AuditRepository is the document-store surface for calculation records.
type AuditRepository interface {
	Insert(ctx context.Context, doc CalculationAudit) error
	Upsert(ctx context.Context, doc CalculationAudit) error
	SummarizeByType(ctx context.Context, from, to time.Time) ([]DeliverySummaryItem, error)
}
