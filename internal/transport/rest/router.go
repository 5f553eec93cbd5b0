package rest

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type RouterDeps struct {
	Handler    *Handler
	Monitoring *MonitoringHandler
	APIVersion string
}

func NewRouter(d RouterDeps) http.Handler {
	if d.Handler == nil {
		panic("rest.NewRouter: nil handler")
	}
	if d.Monitoring == nil {
		panic("rest.NewRouter: nil monitoring handler")
	}

	version := strings.Trim(d.APIVersion, "/")
	if version == "" {
		version = "v1"
	}

	r := chi.NewRouter()

	// Request ID + structured access log
	r.Use(RequestID)
	r.Use(HTTPLogger)

	// Panic recovery
	r.Use(middleware.Recoverer)

	r.Use(Metrics)

	r.Route("/"+version, func(r chi.Router) {
		r.Route("/parcels", func(r chi.Router) {
			r.Post("/", d.Handler.CreateParcel)
			r.Get("/all", d.Handler.ListParcels)

			// both slash forms of the dictionary endpoint resolve
			r.Get("/parcels-types", d.Handler.GetParcelTypes)
			r.Get("/parcels-types/", d.Handler.GetParcelTypes)

			r.Get("/{parcelID}", d.Handler.GetParcel)
			r.Post("/{parcelID}/bind-company", d.Handler.BindCompany)
		})

		r.Route("/debug", func(r chi.Router) {
			r.Get("/recalculate", d.Handler.Recalculate)
			r.Get("/session", d.Handler.CreateSession)
			r.Get("/session/all", d.Handler.ListSessions)
			r.Get("/session/{sessionID}", d.Handler.GetSession)
		})

		r.Route("/analytics", func(r chi.Router) {
			r.Get("/delivery/summary", d.Handler.DeliverySummary)
		})

		r.Route("/monitoring", func(r chi.Router) {
			r.Get("/health", d.Monitoring.Health)
			r.Get("/live", d.Monitoring.Live)
			r.Get("/ready", d.Monitoring.Ready)
			r.Method(http.MethodGet, "/metrics", promhttp.Handler())
		})
	})

	return r
}
