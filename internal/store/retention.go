package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/punchamoorthee/ledgerjobs/internal/domain"
	"github.com/punchamoorthee/ledgerjobs/internal/retention"
)

func (s *Store) execCount(ctx context.Context, sql string, args ...any) (int64, error) {
	tag, err := s.Db.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Store) queryCount(ctx context.Context, sql string, args ...any) (int64, error) {
	var n int64
	err := s.Db.QueryRow(ctx, sql, args...).Scan(&n)
	return n, err
}

func (s *Store) DeleteAuditLogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.execCount(ctx, "DELETE FROM audit_logs WHERE created_at < $1", cutoff)
}

func (s *Store) DeleteReadNotificationsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.execCount(ctx, "DELETE FROM notifications WHERE read AND created_at < $1", cutoff)
}

// DeleteSoftDeletedWorkspacesBefore hard-deletes workspaces; their accounts,
// transactions, cards and categories go with them by cascade.
func (s *Store) DeleteSoftDeletedWorkspacesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.execCount(ctx, "DELETE FROM workspaces WHERE deleted_at IS NOT NULL AND deleted_at < $1", cutoff)
}

func (s *Store) CountAuditLogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.queryCount(ctx, "SELECT COUNT(*) FROM audit_logs WHERE created_at < $1", cutoff)
}

func (s *Store) CountReadNotificationsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.queryCount(ctx, "SELECT COUNT(*) FROM notifications WHERE read AND created_at < $1", cutoff)
}

func (s *Store) CountSoftDeletedWorkspacesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.queryCount(ctx, "SELECT COUNT(*) FROM workspaces WHERE deleted_at IS NOT NULL AND deleted_at < $1", cutoff)
}

const tenantColumns = `id, name, subscription_status, mercado_pago_id, payment_linked_at, created_at, next_payment`

func scanTenant(row pgx.Row) (domain.Tenant, error) {
	var t domain.Tenant
	var status string
	if err := row.Scan(&t.ID, &t.Name, &status, &t.MercadoPagoID, &t.PaymentLinkedAt, &t.CreatedAt, &t.NextPayment); err != nil {
		return domain.Tenant{}, err
	}
	t.SubscriptionStatus = domain.SubscriptionStatus(status)
	return t, nil
}

func scanUsers(rows pgx.Rows) ([]domain.User, error) {
	defer rows.Close()

	var users []domain.User
	for rows.Next() {
		var u domain.User
		if err := rows.Scan(&u.ID, &u.TenantID, &u.Email, &u.LastLogin); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// TenantCandidates selects inactive tenants created before createdBefore that
// were never linked to the payment provider and whose users all last logged
// in before lastLoginBefore.
func (s *Store) TenantCandidates(ctx context.Context, createdBefore, lastLoginBefore time.Time) ([]retention.TenantCandidate, error) {
	rows, err := s.Db.Query(ctx,
		`SELECT `+tenantColumns+` FROM tenants t
		 WHERE t.subscription_status = 'INACTIVE'
		   AND t.created_at < $1
		   AND t.mercado_pago_id IS NULL
		   AND t.payment_linked_at IS NULL
		   AND NOT EXISTS (
		       SELECT 1 FROM users u
		       WHERE u.tenant_id = t.id AND (u.last_login IS NULL OR u.last_login >= $2))
		 ORDER BY t.id`,
		createdBefore, lastLoginBefore)
	if err != nil {
		return nil, err
	}

	var candidates []retention.TenantCandidate
	index := make(map[string]int)
	var ids []string
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		index[t.ID] = len(candidates)
		ids = append(ids, t.ID)
		candidates = append(candidates, retention.TenantCandidate{Tenant: t})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	userRows, err := s.Db.Query(ctx,
		"SELECT id, tenant_id, email, last_login FROM users WHERE tenant_id = ANY($1::uuid[]) ORDER BY id", ids)
	if err != nil {
		return nil, err
	}
	users, err := scanUsers(userRows)
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		i := index[u.TenantID]
		candidates[i].Users = append(candidates[i].Users, u)
	}
	return candidates, nil
}

// DeleteTenant removes a tenant and its users in one transaction. The guard
// runs against the rows as locked by this transaction.
func (s *Store) DeleteTenant(ctx context.Context, id string, guard retention.TenantGuard) error {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	// 1. Lock the tenant and its users
	t, err := scanTenant(tx.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("tenant %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("lock tenant: %w", err)
	}
	rows, err := tx.Query(ctx,
		"SELECT id, tenant_id, email, last_login FROM users WHERE tenant_id = $1 ORDER BY id FOR UPDATE", id)
	if err != nil {
		return fmt.Errorf("lock users: %w", err)
	}
	users, err := scanUsers(rows)
	if err != nil {
		return fmt.Errorf("lock users: %w", err)
	}

	// 2. Re-check eligibility on fresh rows
	if err := guard(t, users); err != nil {
		return err
	}

	// 3. Users first; workspaces and their data cascade from the tenant
	if _, err := tx.Exec(ctx, "DELETE FROM users WHERE tenant_id = $1", id); err != nil {
		return fmt.Errorf("delete users: %w", mapError(err))
	}
	if _, err := tx.Exec(ctx, "DELETE FROM tenants WHERE id = $1", id); err != nil {
		return fmt.Errorf("delete tenant: %w", mapError(err))
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}
