package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/ledgerjobs/internal/calendar"
	"github.com/punchamoorthee/ledgerjobs/internal/domain"
	"github.com/punchamoorthee/ledgerjobs/internal/logging"
	"github.com/punchamoorthee/ledgerjobs/internal/recurrence"
	"github.com/punchamoorthee/ledgerjobs/internal/retention"
	"github.com/punchamoorthee/ledgerjobs/internal/store/memory"
)

func seededStore(next time.Time) *memory.Store {
	s := memory.New()
	acc := "acc-1"
	s.AddTenant(domain.Tenant{ID: "t1", SubscriptionStatus: domain.StatusActive})
	s.AddWorkspace(domain.Workspace{ID: "ws-1", TenantID: "t1"})
	s.AddAccount(domain.Account{ID: acc, WorkspaceID: "ws-1"})
	s.AddTransaction(domain.Transaction{
		ID:                "tpl-1",
		WorkspaceID:       "ws-1",
		Description:       "Gym",
		AccountID:         &acc,
		Amount:            decimal.RequireFromString("89.90"),
		Type:              domain.TypeExpense,
		Date:              next,
		IsRecurring:       true,
		NextRecurringDate: &next,
		Frequency:         domain.FrequencyMonthly,
	})
	return s
}

func newRunner(s *memory.Store, opts Options) *Runner {
	log := logging.Discard()
	return NewRunner(
		recurrence.NewScheduler(s, log, recurrence.Options{}),
		retention.NewEngine(s, retention.DefaultPolicy(), log),
		log, opts)
}

func TestRunRecurringUsesConfiguredZone(t *testing.T) {
	// 01:00 UTC on Mar 1 is still Feb 29 in UTC-3.
	now := time.Date(2024, time.March, 1, 1, 0, 0, 0, time.UTC)
	s := seededStore(calendar.Date(2024, time.February, 29))

	r := newRunner(s, Options{Location: time.FixedZone("BRT", -3*3600), Now: func() time.Time { return now }})
	report, err := r.RunRecurring(context.Background())
	require.NoError(t, err)

	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, "2024-02-29", report.Today)
	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, 0, report.FailedCount)
	assert.NotNil(t, report.Failed)

	tpl, _ := s.Transaction("tpl-1")
	assert.Equal(t, calendar.Date(2024, time.March, 29), *tpl.NextRecurringDate)
}

func TestRunRecurringUTCDefault(t *testing.T) {
	now := time.Date(2024, time.March, 1, 1, 0, 0, 0, time.UTC)
	s := seededStore(calendar.Date(2024, time.March, 2))

	r := newRunner(s, Options{Now: func() time.Time { return now }})
	report, err := r.RunRecurring(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2024-03-01", report.Today)
	assert.Zero(t, report.Processed)
}

type stuckRecurrer struct{}

func (stuckRecurrer) ProcessDue(ctx context.Context, _ time.Time) (recurrence.Result, error) {
	<-ctx.Done()
	return recurrence.Result{}, ctx.Err()
}

func TestRunRecurringTimeout(t *testing.T) {
	before := testutil.ToFloat64(jobRuns.WithLabelValues(JobRecurring, "error"))

	r := NewRunner(stuckRecurrer{}, nil, logging.Discard(), Options{Timeout: 20 * time.Millisecond})
	_, err := r.RunRecurring(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	assert.Equal(t, before+1, testutil.ToFloat64(jobRuns.WithLabelValues(JobRecurring, "error")))
}

type failingPurger struct{ err error }

func (f failingPurger) Purge(context.Context, time.Time) (retention.Summary, error) {
	return retention.Summary{}, f.err
}

func (f failingPurger) Plan(context.Context, time.Time) (retention.Plan, error) {
	return retention.Plan{}, f.err
}

func TestRunRetention(t *testing.T) {
	now := time.Date(2024, time.June, 15, 12, 0, 0, 0, time.UTC)
	s := memory.New()
	s.AddTenant(domain.Tenant{ID: "gone", SubscriptionStatus: domain.StatusInactive, CreatedAt: now.AddDate(-1, 0, 0)})
	s.AddWorkspace(domain.Workspace{ID: "ws-1", TenantID: "gone"})
	s.AddAudit(domain.AuditEntry{WorkspaceID: "ws-1", CreatedAt: now.AddDate(-1, 0, 0)})

	r := newRunner(s, Options{Now: func() time.Time { return now }})

	plan, err := r.PlanRetention(context.Background())
	require.NoError(t, err)
	assert.True(t, plan.DryRun)
	assert.Equal(t, int64(1), plan.AuditLogs)
	assert.Equal(t, []string{"gone"}, plan.Tenants)
	assert.True(t, s.HasTenant("gone"))

	report, err := r.RunRetention(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, int64(1), report.AuditLogsDeleted)
	assert.Equal(t, int64(1), report.TenantsDeleted)
	assert.NotNil(t, report.TenantsFailed)
	assert.False(t, s.HasTenant("gone"))
}

func TestRunRetentionFailure(t *testing.T) {
	r := NewRunner(nil, failingPurger{err: errors.New("db down")}, logging.Discard(), Options{})

	_, err := r.RunRetention(context.Background())
	assert.ErrorContains(t, err, "db down")

	_, err = r.PlanRetention(context.Background())
	assert.ErrorContains(t, err, "db down")
}

func TestManagerRunsJobsOnSchedule(t *testing.T) {
	s := seededStore(calendar.Date(2024, time.January, 1))
	clock := time.Date(2024, time.January, 1, 9, 0, 0, 0, time.UTC)
	r := newRunner(s, Options{Now: func() time.Time { return clock }})

	m := NewManager(r, logging.Discard(), 10*time.Millisecond, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	require.Eventually(t, func() bool {
		tpl, _ := s.Transaction("tpl-1")
		return tpl.NextRecurringDate.Equal(calendar.Date(2024, time.February, 1))
	}, time.Second, 5*time.Millisecond)

	m.Stop()
	m.Stop()

	// Not due again on the same day, however often the loop ticks.
	assert.Len(t, s.Transactions(), 2)
}
