package rest

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/google/uuid"

	"github.com/baechuer/parcel-registry/internal/domain"
	"github.com/baechuer/parcel-registry/internal/logger"
	"github.com/baechuer/parcel-registry/internal/service"
	"github.com/baechuer/parcel-registry/internal/transport/rest/response"
)

const sessionHeader = "X-Session-Id"

// priceNotCalculated is the literal shown while the worker has not
// priced the parcel yet.
const priceNotCalculated = "Не рассчитано"

type Handler struct {
	svc *service.ParcelService
}

func NewHandler(svc *service.ParcelService) *Handler {
	return &Handler{svc: svc}
}

// wireParcel is the outward detail projection. The price field carries
// either the stringified number or the priceNotCalculated literal.
type wireParcel struct {
	ParcelID          string  `json:"parcel_id"`
	Name              string  `json:"name"`
	WeightKg          float64 `json:"weight_kg"`
	TypeID            int     `json:"type_id"`
	CostAdjustmentUSD float64 `json:"cost_adjustment_usd"`
	DeliveryPriceRub  string  `json:"delivery_price_rub"`
}

func toWire(d service.ParcelDetail) wireParcel {
	return wireParcel{
		ParcelID:          d.ParcelID,
		Name:              d.Name,
		WeightKg:          d.WeightKg,
		TypeID:            d.TypeID,
		CostAdjustmentUSD: d.CostAdjustmentUSD,
		DeliveryPriceRub:  formatPrice(d.DeliveryPriceRub),
	}
}

// formatPrice renders a price in minimal decimal form, keeping a
// trailing ".0" on whole values (88 -> "88.0").
func formatPrice(v *float64) string {
	if v == nil {
		return priceNotCalculated
	}
	s := strconv.FormatFloat(*v, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}

func (h *Handler) CreateParcel(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := requireSession(w, r)
	if !ok {
		return
	}

	var req RegisterParcelRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		response.Message(w, http.StatusUnprocessableEntity, "Invalid request body")
		return
	}
	req.applyDefaults()
	if err := validateRequest(&req); err != nil {
		response.Message(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	parcelID, err := h.svc.Register(r.Context(), service.RegisterInput{
		SessionID:         sessionID,
		Name:              req.Name,
		WeightKg:          req.WeightKg,
		TypeID:            req.TypeID,
		CostAdjustmentUSD: req.CostAdjustmentUSD,
	})
	if err != nil {
		handleErr(w, r, err)
		return
	}

	response.JSON(w, http.StatusCreated, map[string]string{
		"parcel_id": parcelID,
		"message":   "Parcel registered",
	})
}

func (h *Handler) GetParcel(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := requireSession(w, r)
	if !ok {
		return
	}

	parcelID := chi.URLParam(r, "parcelID")
	if uuid.Validate(parcelID) != nil {
		response.Message(w, http.StatusUnprocessableEntity, "parcel id must be a valid uuid")
		return
	}

	d, err := h.svc.Detail(r.Context(), sessionID, parcelID)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.JSON(w, http.StatusOK, toWire(d))
}

func (h *Handler) ListParcels(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := requireSession(w, r)
	if !ok {
		return
	}

	// has_delivery_price defaults to true: the common view is priced
	// parcels only.
	query := service.ListQuery{SessionID: sessionID, HasDeliveryPrice: true, Limit: 20}

	q := r.URL.Query()
	if s := strings.TrimSpace(q.Get("type_id")); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			response.Message(w, http.StatusUnprocessableEntity, "type_id must be an integer")
			return
		}
		query.TypeID = &n
	}
	if s := strings.TrimSpace(q.Get("has_delivery_price")); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			response.Message(w, http.StatusUnprocessableEntity, "has_delivery_price must be a boolean")
			return
		}
		query.HasDeliveryPrice = b
	}
	if s := strings.TrimSpace(q.Get("limit")); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			response.Message(w, http.StatusUnprocessableEntity, "limit must be an integer >= 1")
			return
		}
		query.Limit = n
	}
	if s := strings.TrimSpace(q.Get("offset")); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			response.Message(w, http.StatusUnprocessableEntity, "offset must be an integer >= 0")
			return
		}
		query.Offset = n
	}

	list, err := h.svc.List(r.Context(), query)
	if err != nil {
		handleErr(w, r, err)
		return
	}

	items := make([]wireParcel, 0, len(list.Items))
	for _, d := range list.Items {
		items = append(items, toWire(d))
	}
	response.JSON(w, http.StatusOK, map[string]any{
		"items": items,
		"total": list.Total,
	})
}

func (h *Handler) GetParcelTypes(w http.ResponseWriter, r *http.Request) {
	items, err := h.svc.Types(r.Context())
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.JSON(w, http.StatusOK, items)
}

func (h *Handler) BindCompany(w http.ResponseWriter, r *http.Request) {
	parcelID := chi.URLParam(r, "parcelID")
	if uuid.Validate(parcelID) != nil {
		response.Message(w, http.StatusUnprocessableEntity, "parcel id must be a valid uuid")
		return
	}

	var req BindCompanyRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		response.Message(w, http.StatusUnprocessableEntity, "Invalid request body")
		return
	}
	if err := validateRequest(&req); err != nil {
		response.Message(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	if err := h.svc.BindCompany(r.Context(), parcelID, req.CompanyID); err != nil {
		handleErr(w, r, err)
		return
	}
	response.Message(w, http.StatusOK, "Parcel registered for company")
}

func (h *Handler) Recalculate(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DebugRecalculate(r.Context()); err != nil {
		handleErr(w, r, err)
		return
	}
	response.Message(w, http.StatusOK, "Ok")
}

func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	id, err := h.svc.CreateSession(r.Context())
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.JSON(w, http.StatusCreated, map[string]string{"session_id": id})
}

func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.svc.Sessions(r.Context())
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.JSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	data, err := h.svc.GetSession(r.Context(), sessionID)
	if errors.Is(err, domain.ErrCacheMiss) {
		response.Message(w, http.StatusNotFound, "Session not found")
		return
	}
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.JSON(w, http.StatusOK, map[string]string{
		"session_id": sessionID,
		"data":       data,
	})
}

func (h *Handler) DeliverySummary(w http.ResponseWriter, r *http.Request) {
	day := time.Now().UTC()
	if s := strings.TrimSpace(r.URL.Query().Get("date")); s != "" {
		t, err := time.Parse("2006-01-02", s)
		if err != nil {
			response.Message(w, http.StatusBadRequest, "Invalid date format. Use YYYY-MM-DD.")
			return
		}
		day = t
	}

	sum, err := h.svc.DeliverySummary(r.Context(), day)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.JSON(w, http.StatusOK, sum)
}

func requireSession(w http.ResponseWriter, r *http.Request) (string, bool) {
	sessionID := strings.TrimSpace(r.Header.Get(sessionHeader))
	if sessionID == "" {
		response.Message(w, http.StatusUnprocessableEntity, "X-Session-Id header is required")
		return "", false
	}
	return sessionID, true
}

func handleErr(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrParcelNotFound):
		response.Message(w, http.StatusNotFound, "Parcel not found")
	case errors.Is(err, domain.ErrCompanyNotFound):
		response.Message(w, http.StatusNotFound, "Transport company not found")
	case errors.Is(err, domain.ErrCompanyAlreadyBound):
		response.Message(w, http.StatusConflict, "The parcel is already bound to another company")
	case errors.Is(err, domain.ErrParcelExists):
		response.Message(w, http.StatusConflict, "Parcel already exists")
	case errors.Is(err, domain.ErrOutboxDuplicate):
		response.Message(w, http.StatusConflict, "Duplicate OutboxEvent detected")
	case errors.Is(err, domain.ErrAccessDenied):
		response.Message(w, http.StatusForbidden, "Access to parcel denied")
	default:
		logger.WithCtx(r.Context()).Error().Err(err).Msg("request failed")
		response.Message(w, http.StatusInternalServerError, "Internal server error")
	}
}
