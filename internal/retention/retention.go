// Package retention purges aged audit logs and notifications, soft-deleted
// workspaces past their grace period, and abandoned tenants.
//
// Deletion is irreversible. Every rule is a conjunction of age and flag
// conditions, and a tenant that has ever been linked to the payment provider
// is never deleted: the guard is checked before deletion is attempted and
// again inside the deleting transaction.
package retention

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/punchamoorthee/ledgerjobs/internal/domain"
	"github.com/punchamoorthee/ledgerjobs/internal/logging"
)

var (
	ErrProtectedTenant   = errors.New("tenant has payment linkage and is protected")
	ErrTenantNotEligible = errors.New("tenant is not eligible for purge")
)

var deletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ledger_retention_deleted_total",
	Help: "Records permanently deleted by retention, labeled by kind",
}, []string{"kind"})

// Policy holds the retention thresholds.
type Policy struct {
	AuditLogMonths     int
	NotificationMonths int
	WorkspaceGrace     time.Duration
	TenantMinAge       time.Duration
	UserInactivity     time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		AuditLogMonths:     6,
		NotificationMonths: 3,
		WorkspaceGrace:     30 * 24 * time.Hour,
		TenantMinAge:       30 * 24 * time.Hour,
		UserInactivity:     90 * 24 * time.Hour,
	}
}

// Cutoffs are the instants before which a record is old enough to purge.
type Cutoffs struct {
	AuditLogs     time.Time
	Notifications time.Time
	Workspaces    time.Time
	TenantCreated time.Time
	UserLastLogin time.Time
}

func (p Policy) Cutoffs(now time.Time) Cutoffs {
	return Cutoffs{
		AuditLogs:     now.AddDate(0, -p.AuditLogMonths, 0),
		Notifications: now.AddDate(0, -p.NotificationMonths, 0),
		Workspaces:    now.Add(-p.WorkspaceGrace),
		TenantCreated: now.Add(-p.TenantMinAge),
		UserLastLogin: now.Add(-p.UserInactivity),
	}
}

// TenantCandidate is a tenant the store pre-selected together with all its users.
type TenantCandidate struct {
	Tenant domain.Tenant
	Users  []domain.User
}

// TenantGuard is evaluated by the store on freshly locked rows inside the
// deleting transaction. A non-nil error aborts the deletion.
type TenantGuard func(t domain.Tenant, users []domain.User) error

type Store interface {
	DeleteAuditLogsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteReadNotificationsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteSoftDeletedWorkspacesBefore(ctx context.Context, cutoff time.Time) (int64, error)

	CountAuditLogsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	CountReadNotificationsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	CountSoftDeletedWorkspacesBefore(ctx context.Context, cutoff time.Time) (int64, error)

	TenantCandidates(ctx context.Context, createdBefore, lastLoginBefore time.Time) ([]TenantCandidate, error)
	// DeleteTenant deletes the tenant's users and then the tenant in one
	// atomic unit, after guard accepts the locked rows.
	DeleteTenant(ctx context.Context, id string, guard TenantGuard) error
}

// CheckTenant returns nil when t and its users satisfy every purge condition.
// The payment-linkage guard is checked first and wins over everything else.
func CheckTenant(t domain.Tenant, users []domain.User, cut Cutoffs) error {
	if t.HasPaymentLinkage() {
		return ErrProtectedTenant
	}
	if t.SubscriptionStatus != domain.StatusInactive {
		return fmt.Errorf("%w: status %s", ErrTenantNotEligible, t.SubscriptionStatus)
	}
	if !t.CreatedAt.Before(cut.TenantCreated) {
		return fmt.Errorf("%w: created %s", ErrTenantNotEligible, t.CreatedAt.Format(time.RFC3339))
	}
	for _, u := range users {
		if u.TenantID != t.ID {
			return fmt.Errorf("%w: user %s belongs to tenant %s", ErrTenantNotEligible, u.ID, u.TenantID)
		}
		// A user who never logged in is not known to be inactive.
		if u.LastLogin == nil || !u.LastLogin.Before(cut.UserLastLogin) {
			return fmt.Errorf("%w: user %s recently active", ErrTenantNotEligible, u.ID)
		}
	}
	return nil
}

// TenantEligible reports whether the tenant may be purged at now under p.
func TenantEligible(t domain.Tenant, users []domain.User, now time.Time, p Policy) bool {
	return CheckTenant(t, users, p.Cutoffs(now)) == nil
}

type TenantFailure struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

type Summary struct {
	AuditLogsDeleted     int64           `json:"audit_logs_deleted"`
	NotificationsDeleted int64           `json:"notifications_deleted"`
	WorkspacesDeleted    int64           `json:"workspaces_deleted"`
	TenantsDeleted       int64           `json:"tenants_deleted"`
	TenantsSkipped       int             `json:"tenants_skipped"`
	TenantsFailed        []TenantFailure `json:"tenants_failed"`
}

// Plan is what Purge would delete at a given instant.
type Plan struct {
	AuditLogs     int64    `json:"audit_logs"`
	Notifications int64    `json:"notifications"`
	Workspaces    int64    `json:"workspaces"`
	Tenants       []string `json:"tenants"`
}

type Engine struct {
	store  Store
	policy Policy
	logger logging.Logger
}

func NewEngine(store Store, policy Policy, logger logging.Logger) *Engine {
	return &Engine{store: store, policy: policy, logger: logger}
}

// Purge applies the retention policy at now.
func (e *Engine) Purge(ctx context.Context, now time.Time) (Summary, error) {
	cut := e.policy.Cutoffs(now)
	sum := Summary{TenantsFailed: []TenantFailure{}}

	var err error
	if sum.AuditLogsDeleted, err = e.store.DeleteAuditLogsBefore(ctx, cut.AuditLogs); err != nil {
		return Summary{}, fmt.Errorf("purge audit logs: %w", err)
	}
	deletedTotal.WithLabelValues("audit_log").Add(float64(sum.AuditLogsDeleted))

	if sum.NotificationsDeleted, err = e.store.DeleteReadNotificationsBefore(ctx, cut.Notifications); err != nil {
		return Summary{}, fmt.Errorf("purge notifications: %w", err)
	}
	deletedTotal.WithLabelValues("notification").Add(float64(sum.NotificationsDeleted))

	if sum.WorkspacesDeleted, err = e.store.DeleteSoftDeletedWorkspacesBefore(ctx, cut.Workspaces); err != nil {
		return Summary{}, fmt.Errorf("purge workspaces: %w", err)
	}
	deletedTotal.WithLabelValues("workspace").Add(float64(sum.WorkspacesDeleted))

	candidates, err := e.eligibleTenants(ctx, cut)
	if err != nil {
		return Summary{}, err
	}

	for _, c := range candidates.eligible {
		if err := ctx.Err(); err != nil {
			return Summary{}, fmt.Errorf("purge tenants: %w", err)
		}

		log := e.logger.WithField("tenant_id", c.Tenant.ID)
		err := e.store.DeleteTenant(ctx, c.Tenant.ID, func(t domain.Tenant, users []domain.User) error {
			return CheckTenant(t, users, cut)
		})
		switch {
		case err == nil:
			sum.TenantsDeleted++
			deletedTotal.WithLabelValues("tenant").Inc()
			log.WithField("users", len(c.Users)).Info("Purged abandoned tenant")
		case errors.Is(err, ErrProtectedTenant), errors.Is(err, ErrTenantNotEligible):
			sum.TenantsSkipped++
			log.WithError(err).Warn("Tenant changed before purge, skipped")
		default:
			sum.TenantsFailed = append(sum.TenantsFailed, TenantFailure{ID: c.Tenant.ID, Error: err.Error()})
			log.WithError(err).Error("Failed to purge tenant")
		}
	}
	sum.TenantsSkipped += candidates.skipped

	return sum, nil
}

// Plan reports what Purge would delete at now without deleting anything.
func (e *Engine) Plan(ctx context.Context, now time.Time) (Plan, error) {
	cut := e.policy.Cutoffs(now)
	var p Plan
	var err error
	if p.AuditLogs, err = e.store.CountAuditLogsBefore(ctx, cut.AuditLogs); err != nil {
		return Plan{}, fmt.Errorf("count audit logs: %w", err)
	}
	if p.Notifications, err = e.store.CountReadNotificationsBefore(ctx, cut.Notifications); err != nil {
		return Plan{}, fmt.Errorf("count notifications: %w", err)
	}
	if p.Workspaces, err = e.store.CountSoftDeletedWorkspacesBefore(ctx, cut.Workspaces); err != nil {
		return Plan{}, fmt.Errorf("count workspaces: %w", err)
	}

	candidates, err := e.eligibleTenants(ctx, cut)
	if err != nil {
		return Plan{}, err
	}
	p.Tenants = make([]string, 0, len(candidates.eligible))
	for _, c := range candidates.eligible {
		p.Tenants = append(p.Tenants, c.Tenant.ID)
	}
	return p, nil
}

type tenantSelection struct {
	eligible []TenantCandidate
	skipped  int
}

// eligibleTenants re-checks every store candidate; the store query alone is
// never trusted to exclude protected tenants.
func (e *Engine) eligibleTenants(ctx context.Context, cut Cutoffs) (tenantSelection, error) {
	candidates, err := e.store.TenantCandidates(ctx, cut.TenantCreated, cut.UserLastLogin)
	if err != nil {
		return tenantSelection{}, fmt.Errorf("select tenant candidates: %w", err)
	}

	var sel tenantSelection
	for _, c := range candidates {
		if err := CheckTenant(c.Tenant, c.Users, cut); err != nil {
			sel.skipped++
			entry := e.logger.WithField("tenant_id", c.Tenant.ID).WithError(err)
			if errors.Is(err, ErrProtectedTenant) {
				entry.Warn("Payment-linked tenant excluded from purge")
			} else {
				entry.Debug("Tenant candidate rejected")
			}
			continue
		}
		sel.eligible = append(sel.eligible, c)
	}
	return sel, nil
}
