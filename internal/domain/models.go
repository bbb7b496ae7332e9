package domain

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound          = errors.New("record not found")
	ErrReferenceNotFound = errors.New("referenced record does not exist")
)

// TransactionType determines the sign a transaction contributes to a balance.
type TransactionType string

const (
	TypeIncome        TransactionType = "INCOME"
	TypeExpense       TransactionType = "EXPENSE"
	TypeTransfer      TransactionType = "TRANSFER"
	TypeVaultDeposit  TransactionType = "VAULT_DEPOSIT"
	TypeVaultWithdraw TransactionType = "VAULT_WITHDRAW"
)

// Frequency is the recurrence period of a template transaction.
type Frequency string

const (
	FrequencyNone    Frequency = "NONE"
	FrequencyWeekly  Frequency = "WEEKLY"
	FrequencyMonthly Frequency = "MONTHLY"
	FrequencyYearly  Frequency = "YEARLY"
)

type SubscriptionStatus string

const (
	StatusActive       SubscriptionStatus = "ACTIVE"
	StatusTrialPremium SubscriptionStatus = "TRIAL_PREMIUM"
	StatusCanceled     SubscriptionStatus = "CANCELED"
	StatusInactive     SubscriptionStatus = "INACTIVE"
)

// Account is a bank account, wallet or similar holding. Balance is denormalized.
type Account struct {
	ID          string          `json:"id"`
	WorkspaceID string          `json:"workspace_id"`
	Name        string          `json:"name"`
	Institution string          `json:"institution,omitempty"`
	Balance     decimal.Decimal `json:"balance"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Transaction is a financial movement. Amount is never negative; the sign
// comes from Type. Date and NextRecurringDate are civil dates at 00:00 UTC.
type Transaction struct {
	ID                 string          `json:"id"`
	WorkspaceID        string          `json:"workspace_id"`
	Description        string          `json:"description"`
	AccountID          *string         `json:"account_id,omitempty"`
	RecipientAccountID *string         `json:"recipient_account_id,omitempty"`
	CardID             *string         `json:"card_id,omitempty"`
	CategoryID         *string         `json:"category_id,omitempty"`
	Amount             decimal.Decimal `json:"amount"`
	Type               TransactionType `json:"type"`
	Date               time.Time       `json:"date"`
	IsPaid             bool            `json:"is_paid"`
	IsRecurring        bool            `json:"is_recurring"`
	NextRecurringDate  *time.Time      `json:"next_recurring_date,omitempty"`
	Frequency          Frequency       `json:"frequency"`
	CreatedAt          time.Time       `json:"created_at"`
}

// IsTemplate reports whether t is a well-formed recurring template.
func (t Transaction) IsTemplate() bool {
	return t.IsRecurring && t.NextRecurringDate != nil && t.Frequency != FrequencyNone && t.Frequency != ""
}

// Occurrence builds the pending, non-recurring child of template t dated on day.
func (t Transaction) Occurrence(id string, day time.Time) Transaction {
	return Transaction{
		ID:                 id,
		WorkspaceID:        t.WorkspaceID,
		Description:        t.Description,
		AccountID:          t.AccountID,
		RecipientAccountID: t.RecipientAccountID,
		CardID:             t.CardID,
		CategoryID:         t.CategoryID,
		Amount:             t.Amount,
		Type:               t.Type,
		Date:               day,
		IsPaid:             false,
		IsRecurring:        false,
		NextRecurringDate:  nil,
		Frequency:          FrequencyNone,
	}
}

// Workspace is a ledger scope under a tenant. DeletedAt marks a soft delete.
type Workspace struct {
	ID        string     `json:"id"`
	TenantID  string     `json:"tenant_id"`
	Name      string     `json:"name"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Tenant is the billing unit. PaymentLinkedAt is stamped by the database the
// first time MercadoPagoID is set and is never cleared.
type Tenant struct {
	ID                 string             `json:"id"`
	Name               string             `json:"name"`
	SubscriptionStatus SubscriptionStatus `json:"subscription_status"`
	MercadoPagoID      *string            `json:"mercado_pago_id,omitempty"`
	PaymentLinkedAt    *time.Time         `json:"payment_linked_at,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	NextPayment        *time.Time         `json:"next_payment,omitempty"`
}

// HasPaymentLinkage reports whether the tenant has ever been linked to the
// payment provider.
func (t Tenant) HasPaymentLinkage() bool {
	return t.MercadoPagoID != nil || t.PaymentLinkedAt != nil
}

type User struct {
	ID        string     `json:"id"`
	TenantID  string     `json:"tenant_id"`
	Email     string     `json:"email"`
	LastLogin *time.Time `json:"last_login,omitempty"`
}

type ActorKind string

const (
	ActorUser   ActorKind = "user"
	ActorSystem ActorKind = "system"
)

// Actor identifies who performed an audited mutation. System actors carry no user.
type Actor struct {
	Kind   ActorKind
	UserID *string
}

func Human(userID string) Actor { return Actor{Kind: ActorUser, UserID: &userID} }

func System() Actor { return Actor{Kind: ActorSystem} }

func (a Actor) IsSystem() bool { return a.Kind == ActorSystem }

// AuditEntry is an append-only audit record scoped to a workspace's tenant.
type AuditEntry struct {
	ID          string          `json:"id"`
	WorkspaceID string          `json:"workspace_id"`
	Actor       Actor           `json:"-"`
	Action      string          `json:"action"`
	Entity      string          `json:"entity"`
	EntityID    *string         `json:"entity_id,omitempty"`
	Details     json.RawMessage `json:"details,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

type Notification struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
}
