package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/punchamoorthee/ledgerjobs/internal/logging"
)

// NewRouter mounts the public and secret-protected routes.
func NewRouter(h *Handler, cronSecret string, logger logging.Logger) *mux.Router {
	r := mux.NewRouter()
	r.Use(Recovery(logger), Logger(logger))

	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)

	cron := r.PathPrefix("/api/cron").Subrouter()
	cron.Use(CronAuth(cronSecret))
	cron.HandleFunc("/recurring", h.RunRecurring).Methods(http.MethodGet, http.MethodPost)
	cron.HandleFunc("/retention", h.RunRetention).Methods(http.MethodGet, http.MethodPost)

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.Use(CronAuth(cronSecret))
	apiV1.HandleFunc("/accounts/{id}/drift", h.GetDrift).Methods(http.MethodGet)

	return r
}
