package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/ledgerjobs/internal/domain"
)

const transactionColumns = `id, workspace_id, description, account_id, recipient_account_id,
	card_id, category_id, amount::text, type, date, is_paid, is_recurring,
	next_recurring_date, frequency, created_at`

func scanTransaction(row pgx.Row) (domain.Transaction, error) {
	var (
		t              domain.Transaction
		amount         string
		typ, frequency string
	)
	err := row.Scan(&t.ID, &t.WorkspaceID, &t.Description, &t.AccountID, &t.RecipientAccountID,
		&t.CardID, &t.CategoryID, &amount, &typ, &t.Date, &t.IsPaid, &t.IsRecurring,
		&t.NextRecurringDate, &frequency, &t.CreatedAt)
	if err != nil {
		return domain.Transaction{}, err
	}
	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return domain.Transaction{}, fmt.Errorf("transaction %s amount %q: %w", t.ID, amount, err)
	}
	t.Type = domain.TransactionType(typ)
	t.Frequency = domain.Frequency(frequency)
	return t, nil
}

func collectTransactions(rows pgx.Rows) ([]domain.Transaction, error) {
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DueTemplates selects recurring templates due on or before today, oldest first.
func (s *Store) DueTemplates(ctx context.Context, today time.Time) ([]domain.Transaction, error) {
	rows, err := s.Db.Query(ctx,
		`SELECT `+transactionColumns+` FROM transactions
		 WHERE is_recurring AND next_recurring_date <= $1
		 ORDER BY next_recurring_date, id`,
		today)
	if err != nil {
		return nil, err
	}
	return collectTransactions(rows)
}

// unit implements recurrence.UnitOfWork on an open transaction.
type unit struct {
	tx pgx.Tx
}

func (u *unit) LockTemplate(ctx context.Context, id string) (domain.Transaction, error) {
	row := u.tx.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = $1 FOR UPDATE`, id)
	t, err := scanTransaction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Transaction{}, fmt.Errorf("transaction %s: %w", id, domain.ErrNotFound)
	}
	return t, err
}

func (u *unit) InsertTransaction(ctx context.Context, t domain.Transaction) error {
	_, err := u.tx.Exec(ctx,
		`INSERT INTO transactions (id, workspace_id, description, account_id, recipient_account_id,
			card_id, category_id, amount, type, date, is_paid, is_recurring, next_recurring_date, frequency)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9, $10, $11, $12, $13, $14)`,
		t.ID, t.WorkspaceID, t.Description, t.AccountID, t.RecipientAccountID,
		t.CardID, t.CategoryID, t.Amount.String(), string(t.Type), t.Date, t.IsPaid, t.IsRecurring,
		t.NextRecurringDate, string(t.Frequency))
	return mapError(err)
}

func (u *unit) AdvanceTemplate(ctx context.Context, id string, next time.Time) error {
	tag, err := u.tx.Exec(ctx,
		"UPDATE transactions SET next_recurring_date = $1 WHERE id = $2", next, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("transaction %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (u *unit) InsertAudit(ctx context.Context, e domain.AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	kind := e.Actor.Kind
	if kind == "" {
		kind = domain.ActorUser
	}
	_, err := u.tx.Exec(ctx,
		`INSERT INTO audit_logs (id, workspace_id, user_id, actor_type, action, entity, entity_id, details)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.WorkspaceID, e.Actor.UserID, string(kind), e.Action, e.Entity, e.EntityID, []byte(e.Details))
	return mapError(err)
}
