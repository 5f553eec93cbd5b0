package rest

import (
	"context"
	"net/http"
	"time"

	"github.com/baechuer/parcel-registry/internal/logger"
	"github.com/baechuer/parcel-registry/internal/transport/rest/response"
)

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

type MonitoringHandler struct {
	db      Pinger
	service string
}

func NewMonitoringHandler(db Pinger, serviceName string) *MonitoringHandler {
	return &MonitoringHandler{db: db, service: serviceName}
}

func (h *MonitoringHandler) Health(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": h.service,
	})
}

func (h *MonitoringHandler) Live(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, http.StatusOK, map[string]string{
		"status":  "alive",
		"service": h.service,
	})
}

func (h *MonitoringHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.db.Ping(ctx); err != nil {
		logger.WithCtx(r.Context()).Error().Err(err).Msg("readiness probe failed")
		response.JSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":     "not ready",
			"components": map[string]string{"database": "unavailable"},
			"service":    h.service,
		})
		return
	}

	response.JSON(w, http.StatusOK, map[string]any{
		"status":     "ready",
		"components": map[string]string{"database": "ready"},
		"service":    h.service,
	})
}
