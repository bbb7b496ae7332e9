// Package reconcile defines what an account balance means: the signed sum of
// the account's paid transactions. It detects drift between that sum and the
// stored balance and never corrects it.
package reconcile

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/ledgerjobs/internal/domain"
)

// Delta returns the signed effect of tx on accountID. Unpaid transactions and
// transactions that do not touch the account contribute zero.
func Delta(accountID string, tx domain.Transaction) decimal.Decimal {
	if !tx.IsPaid {
		return decimal.Zero
	}

	delta := decimal.Zero
	if is(tx.AccountID, accountID) {
		switch tx.Type {
		case domain.TypeIncome, domain.TypeVaultWithdraw:
			delta = delta.Add(tx.Amount)
		case domain.TypeExpense, domain.TypeVaultDeposit, domain.TypeTransfer:
			delta = delta.Sub(tx.Amount)
		}
	}
	if tx.Type == domain.TypeTransfer && is(tx.RecipientAccountID, accountID) {
		delta = delta.Add(tx.Amount)
	}
	return delta
}

// Compute sums Delta over txs.
func Compute(accountID string, txs []domain.Transaction) decimal.Decimal {
	total := decimal.Zero
	for _, tx := range txs {
		total = total.Add(Delta(accountID, tx))
	}
	return total
}

// Report compares the stored balance of an account with its computed one.
type Report struct {
	AccountID string          `json:"account_id"`
	Stored    decimal.Decimal `json:"stored"`
	Computed  decimal.Decimal `json:"computed"`
	Drift     decimal.Decimal `json:"drift"`
}

// HasDrift reports a non-zero difference between stored and computed balance.
func (r Report) HasDrift() bool { return !r.Drift.IsZero() }

// Check builds the drift report of account against txs. Drift is stored minus computed.
func Check(account domain.Account, txs []domain.Transaction) Report {
	computed := Compute(account.ID, txs)
	return Report{
		AccountID: account.ID,
		Stored:    account.Balance,
		Computed:  computed,
		Drift:     account.Balance.Sub(computed),
	}
}

func is(ref *string, id string) bool {
	return ref != nil && *ref == id
}

// Store is the read-only view Auditor needs.
type Store interface {
	GetAccount(ctx context.Context, id string) (domain.Account, error)
	ListAccounts(ctx context.Context) ([]domain.Account, error)
	// PaidTransactionsForAccount returns paid transactions sourced from or
	// received by the account.
	PaidTransactionsForAccount(ctx context.Context, accountID string) ([]domain.Transaction, error)
}

// Auditor runs Check against the store. It never writes.
type Auditor struct {
	store Store
}

func NewAuditor(s Store) *Auditor {
	return &Auditor{store: s}
}

// Account reports drift for a single account.
func (a *Auditor) Account(ctx context.Context, id string) (Report, error) {
	acc, err := a.store.GetAccount(ctx, id)
	if err != nil {
		return Report{}, fmt.Errorf("load account %s: %w", id, err)
	}
	txs, err := a.store.PaidTransactionsForAccount(ctx, id)
	if err != nil {
		return Report{}, fmt.Errorf("load transactions for %s: %w", id, err)
	}
	return Check(acc, txs), nil
}

// Drifting reports every account whose stored balance disagrees with its history.
func (a *Auditor) Drifting(ctx context.Context) ([]Report, error) {
	accounts, err := a.store.ListAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}

	var out []Report
	for _, acc := range accounts {
		txs, err := a.store.PaidTransactionsForAccount(ctx, acc.ID)
		if err != nil {
			return nil, fmt.Errorf("load transactions for %s: %w", acc.ID, err)
		}
		if r := Check(acc, txs); r.HasDrift() {
			out = append(out, r)
		}
	}
	return out, nil
}
