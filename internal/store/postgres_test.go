package store_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/ledgerjobs/internal/calendar"
	"github.com/punchamoorthee/ledgerjobs/internal/domain"
	"github.com/punchamoorthee/ledgerjobs/internal/logging"
	"github.com/punchamoorthee/ledgerjobs/internal/reconcile"
	"github.com/punchamoorthee/ledgerjobs/internal/recurrence"
	"github.com/punchamoorthee/ledgerjobs/internal/retention"
	"github.com/punchamoorthee/ledgerjobs/internal/store"
)

func TestIsRetryable(t *testing.T) {
	assert.True(t, store.IsRetryable(&pgconn.PgError{Code: "40001"}))
	assert.True(t, store.IsRetryable(&pgconn.PgError{Code: "40P01"}))
	wrapped := errors.Join(errors.New("tx commit failed"), &pgconn.PgError{Code: "40001"})
	assert.True(t, store.IsRetryable(wrapped))
	assert.False(t, store.IsRetryable(&pgconn.PgError{Code: "23503"}))
	assert.False(t, store.IsRetryable(errors.New("boom")))
	assert.False(t, store.IsRetryable(nil))
}

// openTestStore connects to LEDGER_TEST_DB, applies the schema and empties
// every table. Tests using it are skipped when the variable is unset.
func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := os.Getenv("LEDGER_TEST_DB")
	if dsn == "" {
		t.Skip("LEDGER_TEST_DB not set")
	}
	ctx := context.Background()
	s, err := store.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(s.Close)

	require.NoError(t, s.Migrate(ctx))
	_, err = s.Db.Exec(ctx, "TRUNCATE tenants, users, workspaces, audit_logs, notifications CASCADE")
	require.NoError(t, err)
	return s
}

type fixture struct {
	tenantID, workspaceID, accountID string
}

func seedWorkspace(t *testing.T, s *store.Store) fixture {
	t.Helper()
	ctx := context.Background()
	var f fixture
	require.NoError(t, s.Db.QueryRow(ctx,
		"INSERT INTO tenants (name, subscription_status) VALUES ('Acme', 'ACTIVE') RETURNING id").Scan(&f.tenantID))
	require.NoError(t, s.Db.QueryRow(ctx,
		"INSERT INTO workspaces (tenant_id, name) VALUES ($1, 'Home') RETURNING id", f.tenantID).Scan(&f.workspaceID))
	require.NoError(t, s.Db.QueryRow(ctx,
		"INSERT INTO accounts (workspace_id, name, balance) VALUES ($1, 'Checking', 0) RETURNING id", f.workspaceID).Scan(&f.accountID))
	return f
}

func seedTemplate(t *testing.T, s *store.Store, f fixture, next time.Time, freq domain.Frequency) string {
	t.Helper()
	var id string
	require.NoError(t, s.Db.QueryRow(context.Background(),
		`INSERT INTO transactions (workspace_id, description, amount, type, date, account_id, is_paid,
			is_recurring, frequency, next_recurring_date)
		 VALUES ($1, 'Rent', 1200.50, 'EXPENSE', $2, $3, true, true, $4, $2) RETURNING id`,
		f.workspaceID, next, f.accountID, string(freq)).Scan(&id))
	return id
}

func TestPostgresRecurrence(t *testing.T) {
	s := openTestStore(t)
	f := seedWorkspace(t, s)
	ctx := context.Background()
	tplID := seedTemplate(t, s, f, calendar.Date(2024, time.January, 31), domain.FrequencyMonthly)

	sched := recurrence.NewScheduler(s, logging.Discard(), recurrence.Options{
		Workers:            4,
		MaxRetries:         5,
		Retryable:          store.IsRetryable,
		AuditSystemActions: true,
	})
	today := calendar.Date(2024, time.January, 31)

	var wg sync.WaitGroup
	processed := make([]int, 4)
	for i := range processed {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := sched.ProcessDue(ctx, today)
			assert.NoError(t, err)
			assert.Empty(t, res.Failed)
			processed[i] = res.Processed
		}()
	}
	wg.Wait()

	total := 0
	for _, n := range processed {
		total += n
	}
	assert.Equal(t, 1, total)

	var children int
	require.NoError(t, s.Db.QueryRow(ctx,
		"SELECT COUNT(*) FROM transactions WHERE NOT is_recurring AND date = $1 AND NOT is_paid", today).Scan(&children))
	assert.Equal(t, 1, children)

	var next time.Time
	require.NoError(t, s.Db.QueryRow(ctx,
		"SELECT next_recurring_date FROM transactions WHERE id = $1", tplID).Scan(&next))
	assert.Equal(t, calendar.Date(2024, time.February, 29), next)

	var actor string
	var userID *string
	require.NoError(t, s.Db.QueryRow(ctx,
		"SELECT actor_type, user_id FROM audit_logs WHERE action = $1", recurrence.AuditAction).Scan(&actor, &userID))
	assert.Equal(t, "system", actor)
	assert.Nil(t, userID)
}

func TestPostgresMissingReferenceFailsItem(t *testing.T) {
	s := openTestStore(t)
	f := seedWorkspace(t, s)
	ctx := context.Background()
	today := calendar.Date(2024, time.March, 1)

	tplID := seedTemplate(t, s, f, today, domain.FrequencyWeekly)
	err := s.InTx(ctx, func(u recurrence.UnitOfWork) error {
		tpl, err := u.LockTemplate(ctx, tplID)
		require.NoError(t, err)
		child := tpl.Occurrence("00000000-0000-0000-0000-000000000001", today)
		child.AccountID = ptr("00000000-0000-0000-0000-00000000dead")
		return u.InsertTransaction(ctx, child)
	})
	require.ErrorIs(t, err, domain.ErrReferenceNotFound)
}

func TestPostgresPaymentLinkageIsSticky(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var id string
	require.NoError(t, s.Db.QueryRow(ctx,
		"INSERT INTO tenants (name, subscription_status) VALUES ('Paid', 'ACTIVE') RETURNING id").Scan(&id))
	_, err := s.Db.Exec(ctx, "UPDATE tenants SET mercado_pago_id = 'mp-1' WHERE id = $1", id)
	require.NoError(t, err)
	_, err = s.Db.Exec(ctx,
		"UPDATE tenants SET mercado_pago_id = NULL, payment_linked_at = NULL, subscription_status = 'INACTIVE' WHERE id = $1", id)
	require.NoError(t, err)

	var linked *time.Time
	require.NoError(t, s.Db.QueryRow(ctx, "SELECT payment_linked_at FROM tenants WHERE id = $1", id).Scan(&linked))
	assert.NotNil(t, linked)
}

func TestPostgresRetention(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	old := now.AddDate(0, 0, -120)
	stale := now.AddDate(0, 0, -200)

	insertTenant := func(name, mpID string) string {
		var id string
		var mp *string
		if mpID != "" {
			mp = &mpID
		}
		require.NoError(t, s.Db.QueryRow(ctx,
			"INSERT INTO tenants (name, subscription_status, mercado_pago_id, created_at) VALUES ($1, 'INACTIVE', $2, $3) RETURNING id",
			name, mp, old).Scan(&id))
		_, err := s.Db.Exec(ctx,
			"INSERT INTO users (tenant_id, email, last_login) VALUES ($1, $2, $3)", id, name+"@example.com", stale)
		require.NoError(t, err)
		_, err = s.Db.Exec(ctx, "INSERT INTO workspaces (tenant_id, name) VALUES ($1, 'ws')", id)
		require.NoError(t, err)
		return id
	}
	gone := insertTenant("gone", "")
	paid := insertTenant("paid", "mp-7")

	engine := retention.NewEngine(s, retention.DefaultPolicy(), logging.Discard())
	plan, err := engine.Plan(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, []string{gone}, plan.Tenants)

	sum, err := engine.Purge(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), sum.TenantsDeleted)
	assert.Empty(t, sum.TenantsFailed)

	var remaining []string
	rows, err := s.Db.Query(ctx, "SELECT id FROM tenants ORDER BY id")
	require.NoError(t, err)
	for rows.Next() {
		var id string
		require.NoError(t, rows.Scan(&id))
		remaining = append(remaining, id)
	}
	rows.Close()
	assert.Equal(t, []string{paid}, remaining)

	var workspaces int
	require.NoError(t, s.Db.QueryRow(ctx, "SELECT COUNT(*) FROM workspaces WHERE tenant_id = $1", gone).Scan(&workspaces))
	assert.Zero(t, workspaces)
}

func TestPostgresDriftAudit(t *testing.T) {
	s := openTestStore(t)
	f := seedWorkspace(t, s)
	ctx := context.Background()

	_, err := s.Db.Exec(ctx,
		`INSERT INTO transactions (workspace_id, description, amount, type, date, account_id, is_paid)
		 VALUES ($1, 'Salary', 1000.10, 'INCOME', '2024-01-05', $2, true),
		        ($1, 'Groceries', 250.05, 'EXPENSE', '2024-01-06', $2, true),
		        ($1, 'Pending', 99.99, 'EXPENSE', '2024-01-07', $2, false)`,
		f.workspaceID, f.accountID)
	require.NoError(t, err)
	_, err = s.Db.Exec(ctx, "UPDATE accounts SET balance = 760.05 WHERE id = $1", f.accountID)
	require.NoError(t, err)

	report, err := reconcile.NewAuditor(s).Account(ctx, f.accountID)
	require.NoError(t, err)
	assert.Equal(t, "750.05", report.Computed.StringFixed(2))
	assert.Equal(t, "10.00", report.Drift.StringFixed(2))

	_, err = reconcile.NewAuditor(s).Account(ctx, "not-a-uuid")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func ptr(s string) *string { return &s }
