package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/ledgerjobs/internal/domain"
)

func scanAccount(row pgx.Row) (domain.Account, error) {
	var a domain.Account
	var balance string
	if err := row.Scan(&a.ID, &a.WorkspaceID, &a.Name, &a.Institution, &balance, &a.CreatedAt); err != nil {
		return domain.Account{}, err
	}
	var err error
	if a.Balance, err = decimal.NewFromString(balance); err != nil {
		return domain.Account{}, fmt.Errorf("account %s balance %q: %w", a.ID, balance, err)
	}
	return a, nil
}

// GetAccount retrieves a single account by ID.
func (s *Store) GetAccount(ctx context.Context, id string) (domain.Account, error) {
	a, err := scanAccount(s.Db.QueryRow(ctx,
		"SELECT id, workspace_id, name, institution, balance::text, created_at FROM accounts WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) || isInvalidText(err) {
		return domain.Account{}, fmt.Errorf("account %s: %w", id, domain.ErrNotFound)
	}
	return a, err
}

func (s *Store) ListAccounts(ctx context.Context) ([]domain.Account, error) {
	rows, err := s.Db.Query(ctx,
		"SELECT id, workspace_id, name, institution, balance::text, created_at FROM accounts ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// PaidTransactionsForAccount returns paid transactions sourced from or received by the account.
func (s *Store) PaidTransactionsForAccount(ctx context.Context, accountID string) ([]domain.Transaction, error) {
	rows, err := s.Db.Query(ctx,
		`SELECT `+transactionColumns+` FROM transactions
		 WHERE is_paid AND (account_id = $1 OR recipient_account_id = $1)
		 ORDER BY date, id`,
		accountID)
	if err != nil {
		return nil, err
	}
	return collectTransactions(rows)
}
