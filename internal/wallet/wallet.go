// Package wallet tracks each user's wallet projection and enforces the
// cash-commission debt policy.
//
// The ledger is the source of truth for money. A wallet keeps two legacy
// mirrors (pending and available earnings) plus the debt limit and status
// that gate job assignment. A worker's position is the balance of their
// ledger account plus their cash account; it goes negative when they hold
// cash that includes commission owed to the platform.
package wallet

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrWalletNotFound      = errors.New("wallet not found")
	ErrWalletExists        = errors.New("wallet already exists")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrDebtLimitExceeded   = errors.New("debt limit exceeded")
	ErrInvalidDebtLimit    = errors.New("debt limit must be zero or negative")
	ErrNoDebt              = errors.New("no outstanding debt")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrNoDebtCharger       = errors.New("debt payments are not configured")
	ErrWalletSuspended     = errors.New("wallet is suspended")
)

// Status gates whether a user can receive new jobs.
type Status string

const (
	StatusActive       Status = "ACTIVE"
	StatusInactiveDebt Status = "INACTIVE_DEBT"
	StatusSuspended    Status = "SUSPENDED"
)

// Wallet is the per-user projection.
type Wallet struct {
	UserID           string          `json:"userId"`
	Currency         string          `json:"currency"`
	BalancePending   decimal.Decimal `json:"balancePending"`
	BalanceAvailable decimal.Decimal `json:"balanceAvailable"`
	DebtLimit        decimal.Decimal `json:"debtLimit"`
	Status           Status          `json:"status"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// DebtStatus summarizes a user's debt position.
type DebtStatus struct {
	UserID         string          `json:"userId"`
	CurrentBalance decimal.Decimal `json:"currentBalance"`
	DebtAmount     decimal.Decimal `json:"debtAmount"`
	DebtLimit      decimal.Decimal `json:"debtLimit"`
	Status         Status          `json:"status"`
	CanReceiveJobs bool            `json:"canReceiveJobs"`
}

// Withdrawal is a payout of available funds.
type Withdrawal struct {
	ID        string          `json:"id"`
	UserID    string          `json:"userId"`
	Amount    decimal.Decimal `json:"amount"`
	CreatedAt time.Time       `json:"createdAt"`
}

// DebtLink is a gateway charge created to settle a debt.
type DebtLink struct {
	TransactionID string          `json:"transactionId"`
	Reference     string          `json:"externalReference"`
	RedirectURL   string          `json:"redirectUrl"`
	Amount        decimal.Decimal `json:"amount"`
}

// Store persists wallets.
type Store interface {
	Create(ctx context.Context, w *Wallet) error
	Get(ctx context.Context, userID string) (*Wallet, error)
	// GetForUpdate reads the wallet and locks it for the enclosing unit of work.
	GetForUpdate(ctx context.Context, userID string) (*Wallet, error)
	Update(ctx context.Context, w *Wallet) error
}
