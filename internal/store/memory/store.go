// Package memory is an in-memory ledger store with the same atomic semantics
// as the Postgres store: every unit of work runs against a private copy of
// the data that replaces the shared state only on success. Units are fully
// serialized. It is safe for concurrent use and intended for tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/punchamoorthee/ledgerjobs/internal/domain"
	"github.com/punchamoorthee/ledgerjobs/internal/reconcile"
	"github.com/punchamoorthee/ledgerjobs/internal/recurrence"
	"github.com/punchamoorthee/ledgerjobs/internal/retention"
)

type dataset struct {
	tenants       map[string]domain.Tenant
	users         map[string]domain.User
	workspaces    map[string]domain.Workspace
	accounts      map[string]domain.Account
	txs           map[string]domain.Transaction
	txOrder       []string
	audits        []domain.AuditEntry
	notifications map[string]domain.Notification
}

func newDataset() *dataset {
	return &dataset{
		tenants:       make(map[string]domain.Tenant),
		users:         make(map[string]domain.User),
		workspaces:    make(map[string]domain.Workspace),
		accounts:      make(map[string]domain.Account),
		txs:           make(map[string]domain.Transaction),
		notifications: make(map[string]domain.Notification),
	}
}

func (d *dataset) clone() *dataset {
	c := newDataset()
	for k, v := range d.tenants {
		c.tenants[k] = v
	}
	for k, v := range d.users {
		c.users[k] = v
	}
	for k, v := range d.workspaces {
		c.workspaces[k] = v
	}
	for k, v := range d.accounts {
		c.accounts[k] = v
	}
	for k, v := range d.txs {
		c.txs[k] = v
	}
	for k, v := range d.notifications {
		c.notifications[k] = v
	}
	c.txOrder = append([]string(nil), d.txOrder...)
	c.audits = append([]domain.AuditEntry(nil), d.audits...)
	return c
}

// Store holds the data. The zero value is not usable; call New.
type Store struct {
	mu   sync.Mutex
	data *dataset
	now  func() time.Time

	unitFailures   map[string][]error
	tenantFailures map[string]error
}

func New() *Store {
	return &Store{
		data:           newDataset(),
		now:            time.Now,
		unitFailures:   make(map[string][]error),
		tenantFailures: make(map[string]error),
	}
}

// SetClock overrides the clock used for created_at stamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// FailUnit queues errors returned by LockTemplate for templateID, one per call.
func (s *Store) FailUnit(templateID string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unitFailures[templateID] = append(s.unitFailures[templateID], errs...)
}

// FailTenantDelete makes the next DeleteTenant of id fail after its users were deleted.
func (s *Store) FailTenantDelete(id string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenantFailures[id] = err
}

// Seeding. These bypass referential checks so tests can build malformed rows.

func (s *Store) AddTenant(t domain.Tenant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.tenants[t.ID] = t
}

func (s *Store) AddUser(u domain.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.users[u.ID] = u
}

func (s *Store) AddWorkspace(w domain.Workspace) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.workspaces[w.ID] = w
}

func (s *Store) AddAccount(a domain.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.accounts[a.ID] = a
}

func (s *Store) AddTransaction(tx domain.Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.putTransaction(tx)
}

func (s *Store) AddAudit(e domain.AuditEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	s.data.audits = append(s.data.audits, e)
}

func (s *Store) AddNotification(n domain.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.notifications[n.ID] = n
}

// Inspection.

// Transactions returns every transaction in insertion order.
func (s *Store) Transactions() []domain.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Transaction, 0, len(s.data.txOrder))
	for _, id := range s.data.txOrder {
		out = append(out, s.data.txs[id])
	}
	return out
}

func (s *Store) Transaction(id string) (domain.Transaction, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.data.txs[id]
	return tx, ok
}

func (s *Store) AuditEntries() []domain.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.AuditEntry(nil), s.data.audits...)
}

func (s *Store) HasTenant(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.data.tenants[id]
	return ok
}

func (s *Store) HasUser(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.data.users[id]
	return ok
}

func (s *Store) HasWorkspace(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.data.workspaces[id]
	return ok
}

func (s *Store) HasNotification(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.data.notifications[id]
	return ok
}

// Recurrence.

func (s *Store) DueTemplates(ctx context.Context, today time.Time) ([]domain.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Transaction
	for _, id := range s.data.txOrder {
		tx := s.data.txs[id]
		if tx.IsRecurring && tx.NextRecurringDate != nil && !tx.NextRecurringDate.After(today) {
			out = append(out, tx)
		}
	}
	return out, nil
}

// InTx runs fn against a private copy of the data and publishes it only if fn succeeds.
func (s *Store) InTx(ctx context.Context, fn func(recurrence.UnitOfWork) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	work := s.data.clone()
	if err := fn(&unit{store: s, data: work}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.data = work
	return nil
}

type unit struct {
	store *Store
	data  *dataset
}

func (u *unit) LockTemplate(_ context.Context, id string) (domain.Transaction, error) {
	if queued := u.store.unitFailures[id]; len(queued) > 0 {
		u.store.unitFailures[id] = queued[1:]
		return domain.Transaction{}, queued[0]
	}
	tx, ok := u.data.txs[id]
	if !ok {
		return domain.Transaction{}, fmt.Errorf("transaction %s: %w", id, domain.ErrNotFound)
	}
	return tx, nil
}

func (u *unit) InsertTransaction(_ context.Context, tx domain.Transaction) error {
	if _, ok := u.data.txs[tx.ID]; ok {
		return fmt.Errorf("transaction %s already exists", tx.ID)
	}
	if _, ok := u.data.workspaces[tx.WorkspaceID]; !ok {
		return fmt.Errorf("%w: workspace %s", domain.ErrReferenceNotFound, tx.WorkspaceID)
	}
	for _, ref := range []*string{tx.AccountID, tx.RecipientAccountID} {
		if ref == nil {
			continue
		}
		if _, ok := u.data.accounts[*ref]; !ok {
			return fmt.Errorf("%w: account %s", domain.ErrReferenceNotFound, *ref)
		}
	}
	if tx.IsRecurring && (tx.NextRecurringDate == nil || tx.Frequency == domain.FrequencyNone) {
		return fmt.Errorf("recurring transaction %s violates template check", tx.ID)
	}
	tx.CreatedAt = u.store.now()
	u.data.putTransaction(tx)
	return nil
}

func (u *unit) AdvanceTemplate(_ context.Context, id string, next time.Time) error {
	tx, ok := u.data.txs[id]
	if !ok {
		return fmt.Errorf("transaction %s: %w", id, domain.ErrNotFound)
	}
	tx.NextRecurringDate = &next
	u.data.txs[id] = tx
	return nil
}

func (u *unit) InsertAudit(_ context.Context, e domain.AuditEntry) error {
	if _, ok := u.data.workspaces[e.WorkspaceID]; !ok {
		return fmt.Errorf("%w: workspace %s", domain.ErrReferenceNotFound, e.WorkspaceID)
	}
	if e.Actor.UserID != nil {
		if _, ok := u.data.users[*e.Actor.UserID]; !ok {
			return fmt.Errorf("%w: user %s", domain.ErrReferenceNotFound, *e.Actor.UserID)
		}
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.CreatedAt = u.store.now()
	u.data.audits = append(u.data.audits, e)
	return nil
}

func (d *dataset) putTransaction(tx domain.Transaction) {
	if _, ok := d.txs[tx.ID]; !ok {
		d.txOrder = append(d.txOrder, tx.ID)
	}
	d.txs[tx.ID] = tx
}

func (d *dataset) deleteWorkspace(id string) {
	for accID, acc := range d.accounts {
		if acc.WorkspaceID == id {
			delete(d.accounts, accID)
		}
	}
	kept := d.txOrder[:0]
	for _, txID := range d.txOrder {
		if d.txs[txID].WorkspaceID == id {
			delete(d.txs, txID)
			continue
		}
		kept = append(kept, txID)
	}
	d.txOrder = kept
	delete(d.workspaces, id)
}

// Retention.

func (s *Store) DeleteAuditLogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.purge(ctx, func(d *dataset) int64 {
		kept := d.audits[:0]
		var n int64
		for _, e := range d.audits {
			if e.CreatedAt.Before(cutoff) {
				n++
				continue
			}
			kept = append(kept, e)
		}
		d.audits = kept
		return n
	})
}

func (s *Store) DeleteReadNotificationsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.purge(ctx, func(d *dataset) int64 {
		var n int64
		for id, nt := range d.notifications {
			if nt.Read && nt.CreatedAt.Before(cutoff) {
				delete(d.notifications, id)
				n++
			}
		}
		return n
	})
}

func (s *Store) DeleteSoftDeletedWorkspacesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.purge(ctx, func(d *dataset) int64 {
		var n int64
		for id, w := range d.workspaces {
			if w.DeletedAt != nil && w.DeletedAt.Before(cutoff) {
				d.deleteWorkspace(id)
				n++
			}
		}
		return n
	})
}

func (s *Store) CountAuditLogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.count(ctx, func(d *dataset) int64 {
		var n int64
		for _, e := range d.audits {
			if e.CreatedAt.Before(cutoff) {
				n++
			}
		}
		return n
	})
}

func (s *Store) CountReadNotificationsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.count(ctx, func(d *dataset) int64 {
		var n int64
		for _, nt := range d.notifications {
			if nt.Read && nt.CreatedAt.Before(cutoff) {
				n++
			}
		}
		return n
	})
}

func (s *Store) CountSoftDeletedWorkspacesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.count(ctx, func(d *dataset) int64 {
		var n int64
		for _, w := range d.workspaces {
			if w.DeletedAt != nil && w.DeletedAt.Before(cutoff) {
				n++
			}
		}
		return n
	})
}

func (s *Store) TenantCandidates(ctx context.Context, createdBefore, lastLoginBefore time.Time) ([]retention.TenantCandidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []retention.TenantCandidate
	for _, t := range s.data.tenants {
		if t.SubscriptionStatus != domain.StatusInactive || !t.CreatedAt.Before(createdBefore) || t.HasPaymentLinkage() {
			continue
		}
		users := s.data.usersOf(t.ID)
		active := false
		for _, u := range users {
			if u.LastLogin == nil || !u.LastLogin.Before(lastLoginBefore) {
				active = true
				break
			}
		}
		if !active {
			out = append(out, retention.TenantCandidate{Tenant: t, Users: users})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tenant.ID < out[j].Tenant.ID })
	return out, nil
}

func (s *Store) DeleteTenant(ctx context.Context, id string, guard retention.TenantGuard) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	work := s.data.clone()
	t, ok := work.tenants[id]
	if !ok {
		return fmt.Errorf("tenant %s: %w", id, domain.ErrNotFound)
	}
	users := work.usersOf(id)
	if err := guard(t, users); err != nil {
		return err
	}

	for _, u := range users {
		delete(work.users, u.ID)
	}
	if err := s.tenantFailures[id]; err != nil {
		delete(s.tenantFailures, id)
		return err
	}
	for wsID, w := range work.workspaces {
		if w.TenantID == id {
			work.deleteWorkspace(wsID)
		}
	}
	delete(work.tenants, id)

	s.data = work
	return nil
}

func (d *dataset) usersOf(tenantID string) []domain.User {
	var users []domain.User
	for _, u := range d.users {
		if u.TenantID == tenantID {
			users = append(users, u)
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users
}

func (s *Store) purge(ctx context.Context, fn func(*dataset) int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.data), nil
}

func (s *Store) count(ctx context.Context, fn func(*dataset) int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.data), nil
}

// Reconciliation.

func (s *Store) GetAccount(_ context.Context, id string) (domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.data.accounts[id]
	if !ok {
		return domain.Account{}, fmt.Errorf("account %s: %w", id, domain.ErrNotFound)
	}
	return acc, nil
}

func (s *Store) ListAccounts(context.Context) ([]domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Account, 0, len(s.data.accounts))
	for _, acc := range s.data.accounts {
		out = append(out, acc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) PaidTransactionsForAccount(_ context.Context, accountID string) ([]domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Transaction
	for _, id := range s.data.txOrder {
		tx := s.data.txs[id]
		if !tx.IsPaid {
			continue
		}
		if (tx.AccountID != nil && *tx.AccountID == accountID) ||
			(tx.RecipientAccountID != nil && *tx.RecipientAccountID == accountID) {
			out = append(out, tx)
		}
	}
	return out, nil
}

var (
	_ recurrence.Store = (*Store)(nil)
	_ retention.Store  = (*Store)(nil)
	_ reconcile.Store  = (*Store)(nil)
)
