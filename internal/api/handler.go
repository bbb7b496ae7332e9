package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/punchamoorthee/ledgerjobs/internal/domain"
	"github.com/punchamoorthee/ledgerjobs/internal/jobs"
	"github.com/punchamoorthee/ledgerjobs/internal/logging"
	"github.com/punchamoorthee/ledgerjobs/internal/reconcile"
)

// Metrics
var (
	httpReqTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "endpoint", "status"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
		Help:    "Request latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
	}, []string{"method", "endpoint"})
)

// Jobs triggers runs. *jobs.Runner implements it.
type Jobs interface {
	RunRecurring(ctx context.Context) (jobs.RecurringReport, error)
	RunRetention(ctx context.Context) (jobs.RetentionReport, error)
	PlanRetention(ctx context.Context) (jobs.RetentionPlanReport, error)
}

// DriftAuditor reports balance drift. *reconcile.Auditor implements it.
type DriftAuditor interface {
	Account(ctx context.Context, id string) (reconcile.Report, error)
}

type Handler struct {
	jobs   Jobs
	drift  DriftAuditor
	health func(context.Context) error
	logger logging.Logger
}

// NewHandler wires the handlers. health may be nil.
func NewHandler(j Jobs, drift DriftAuditor, health func(context.Context) error, logger logging.Logger) *Handler {
	return &Handler{jobs: j, drift: drift, health: health, logger: logger}
}

func (h *Handler) RunRecurring(w http.ResponseWriter, r *http.Request) {
	report, err := h.jobs.RunRecurring(r.Context())
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, r, http.StatusOK, report)
}

func (h *Handler) RunRetention(w http.ResponseWriter, r *http.Request) {
	dryRun := false
	if v := r.URL.Query().Get("dry_run"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			respondError(w, r, http.StatusBadRequest, "dry_run must be a boolean")
			return
		}
		dryRun = parsed
	}

	if dryRun {
		plan, err := h.jobs.PlanRetention(r.Context())
		if err != nil {
			respondError(w, r, http.StatusInternalServerError, err.Error())
			return
		}
		respondJSON(w, r, http.StatusOK, plan)
		return
	}

	report, err := h.jobs.RunRetention(r.Context())
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, r, http.StatusOK, report)
}

type driftResponse struct {
	reconcile.Report
	HasDrift bool `json:"has_drift"`
}

func (h *Handler) GetDrift(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	report, err := h.drift.Account(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			respondError(w, r, http.StatusNotFound, "Not Found")
			return
		}
		respondError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	if report.HasDrift() {
		h.logger.WithFields(logging.Fields{
			"account_id": report.AccountID,
			"stored":     report.Stored.String(),
			"computed":   report.Computed.String(),
		}).Warn("Balance drift detected")
	}
	respondJSON(w, r, http.StatusOK, driftResponse{Report: report, HasDrift: report.HasDrift()})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health(r.Context()); err != nil {
			respondJSON(w, r, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	respondJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

// Helpers
func respondJSON(w http.ResponseWriter, r *http.Request, code int, payload interface{}) {
	httpReqTotal.WithLabelValues(r.Method, endpoint(r), strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	respondJSON(w, r, code, map[string]string{"error": msg})
}

// endpoint is the route template, keeping metric label cardinality bounded.
func endpoint(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}
