package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/ledgerjobs/internal/domain"
	"github.com/punchamoorthee/ledgerjobs/internal/jobs"
	"github.com/punchamoorthee/ledgerjobs/internal/logging"
	"github.com/punchamoorthee/ledgerjobs/internal/reconcile"
	"github.com/punchamoorthee/ledgerjobs/internal/recurrence"
	"github.com/punchamoorthee/ledgerjobs/internal/retention"
)

const secret = "s3cret"

type fakeJobs struct {
	recurringCalls int
	purgeCalls     int
	planCalls      int
	err            error
	panicOnRun     bool
}

func (f *fakeJobs) RunRecurring(context.Context) (jobs.RecurringReport, error) {
	f.recurringCalls++
	if f.panicOnRun {
		panic("boom")
	}
	if f.err != nil {
		return jobs.RecurringReport{}, f.err
	}
	return jobs.RecurringReport{
		RunID:       "run-1",
		Today:       "2024-02-01",
		Processed:   2,
		FailedCount: 1,
		Failed:      []recurrence.Failure{{ID: "tpl-9", Error: "referenced record does not exist"}},
	}, nil
}

func (f *fakeJobs) RunRetention(context.Context) (jobs.RetentionReport, error) {
	f.purgeCalls++
	if f.err != nil {
		return jobs.RetentionReport{}, f.err
	}
	return jobs.RetentionReport{RunID: "run-2", Summary: retention.Summary{
		AuditLogsDeleted: 3,
		TenantsDeleted:   1,
		TenantsFailed:    []retention.TenantFailure{},
	}}, nil
}

func (f *fakeJobs) PlanRetention(context.Context) (jobs.RetentionPlanReport, error) {
	f.planCalls++
	return jobs.RetentionPlanReport{RunID: "run-3", DryRun: true, Plan: retention.Plan{
		Notifications: 4,
		Tenants:       []string{"t1"},
	}}, nil
}

type fakeDrift struct{}

func (fakeDrift) Account(_ context.Context, id string) (reconcile.Report, error) {
	if id != "acc-1" {
		return reconcile.Report{}, fmt.Errorf("load account %s: %w", id, domain.ErrNotFound)
	}
	return reconcile.Check(
		domain.Account{ID: "acc-1", Balance: decimal.RequireFromString("110.00")},
		[]domain.Transaction{{Type: domain.TypeIncome, AccountID: &id, Amount: decimal.RequireFromString("100"), IsPaid: true}},
	), nil
}

func newTestRouter(j Jobs) http.Handler {
	h := NewHandler(j, fakeDrift{}, nil, logging.Discard())
	return NewRouter(h, secret, logging.Discard())
}

func do(t *testing.T, router http.Handler, method, target, token string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var body map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestCronAuth(t *testing.T) {
	j := &fakeJobs{}
	router := newTestRouter(j)

	for _, tc := range []struct {
		name, header string
	}{
		{"missing", ""},
		{"wrong secret", "Bearer nope"},
		{"wrong scheme", "Basic " + secret},
		{"no space", "Bearer" + secret},
	} {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/cron/recurring", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.JSONEq(t, `{"error":"unauthorized"}`, rec.Body.String())
		})
	}
	assert.Zero(t, j.recurringCalls, "unauthorized calls must not run the job")

	rec, _ := do(t, router, http.MethodGet, "/api/v1/accounts/acc-1/drift", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestEmptySecretRejectsEverything(t *testing.T) {
	j := &fakeJobs{}
	router := NewRouter(NewHandler(j, fakeDrift{}, nil, logging.Discard()), "", logging.Discard())

	req := httptest.NewRequest(http.MethodPost, "/api/cron/recurring", nil)
	req.Header.Set("Authorization", "Bearer ")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Zero(t, j.recurringCalls)
}

func TestRunRecurring(t *testing.T) {
	j := &fakeJobs{}
	router := newTestRouter(j)

	for _, method := range []string{http.MethodGet, http.MethodPost} {
		rec, body := do(t, router, method, "/api/cron/recurring", secret)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		assert.Equal(t, "run-1", body["run_id"])
		assert.Equal(t, "2024-02-01", body["today"])
		assert.EqualValues(t, 2, body["processed"])
		assert.EqualValues(t, 1, body["failed_count"])
		failed := body["failed"].([]any)
		require.Len(t, failed, 1)
		assert.Equal(t, "tpl-9", failed[0].(map[string]any)["id"])
	}
	assert.Equal(t, 2, j.recurringCalls)
}

func TestRunRecurringSystemicFailure(t *testing.T) {
	router := newTestRouter(&fakeJobs{err: errors.New("recurring run r: select due templates: connection refused")})

	rec, body := do(t, router, http.MethodPost, "/api/cron/recurring", secret)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, body["error"], "connection refused")
	assert.NotContains(t, body, "processed")
}

func TestPanicIsRecovered(t *testing.T) {
	router := newTestRouter(&fakeJobs{panicOnRun: true})

	rec, body := do(t, router, http.MethodPost, "/api/cron/recurring", secret)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Internal server error", body["error"])
}

func TestRunRetention(t *testing.T) {
	j := &fakeJobs{}
	router := newTestRouter(j)

	rec, body := do(t, router, http.MethodPost, "/api/cron/retention", secret)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "run-2", body["run_id"])
	assert.EqualValues(t, 3, body["audit_logs_deleted"])
	assert.EqualValues(t, 1, body["tenants_deleted"])
	assert.Equal(t, 1, j.purgeCalls)
	assert.Zero(t, j.planCalls)

	rec, body = do(t, router, http.MethodGet, "/api/cron/retention?dry_run=true", secret)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["dry_run"])
	assert.EqualValues(t, 4, body["notifications"])
	assert.Equal(t, []any{"t1"}, body["tenants"])
	assert.Equal(t, 1, j.purgeCalls, "dry run must not purge")
	assert.Equal(t, 1, j.planCalls)

	rec, _ = do(t, router, http.MethodGet, "/api/cron/retention?dry_run=maybe", secret)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetDrift(t *testing.T) {
	router := newTestRouter(&fakeJobs{})

	rec, body := do(t, router, http.MethodGet, "/api/v1/accounts/acc-1/drift", secret)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "acc-1", body["account_id"])
	assert.Equal(t, "110", body["stored"])
	assert.Equal(t, "100", body["computed"])
	assert.Equal(t, "10", body["drift"])
	assert.Equal(t, true, body["has_drift"])

	rec, _ = do(t, router, http.MethodGet, "/api/v1/accounts/missing/drift", secret)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	router := newTestRouter(&fakeJobs{})
	rec, body := do(t, router, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])

	down := NewRouter(NewHandler(&fakeJobs{}, fakeDrift{}, func(context.Context) error {
		return errors.New("pool closed")
	}, logging.Discard()), secret, logging.Discard())
	rec, body = do(t, down, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "pool closed", body["error"])
}
