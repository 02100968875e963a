package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/homeserv/internal/dbtx"
	"github.com/mbd888/homeserv/internal/idgen"
	"github.com/mbd888/homeserv/internal/ledger"
	"github.com/mbd888/homeserv/internal/money"
)

// Ledger is the subset of the ledger used by the manager.
type Ledger interface {
	AppendBatch(ctx context.Context, b ledger.Batch) ([]*ledger.Entry, error)
	BalanceOf(ctx context.Context, accountID string) (decimal.Decimal, error)
}

// DebtCharger creates a gateway charge for a debt amount.
type DebtCharger interface {
	ChargeDebt(ctx context.Context, userID string, amount decimal.Decimal) (*DebtLink, error)
}

// Manager owns wallet mutations and the debt policy.
type Manager struct {
	store            Store
	ledger           Ledger
	runner           dbtx.Runner
	charger          DebtCharger
	defaultDebtLimit decimal.Decimal
	currency         string
	logger           *slog.Logger
	now              func() time.Time
}

// NewManager creates a wallet manager. New wallets get defaultDebtLimit.
func NewManager(store Store, l Ledger, runner dbtx.Runner, defaultDebtLimit decimal.Decimal) *Manager {
	return &Manager{
		store:            store,
		ledger:           l,
		runner:           runner,
		defaultDebtLimit: defaultDebtLimit,
		currency:         money.DefaultCurrency,
		logger:           slog.Default(),
		now:              time.Now,
	}
}

// WithDebtCharger sets the collaborator that issues debt payment links.
func (m *Manager) WithDebtCharger(c DebtCharger) *Manager {
	m.charger = c
	return m
}

// WithLogger sets the logger.
func (m *Manager) WithLogger(logger *slog.Logger) *Manager {
	m.logger = logger
	return m
}

// WithCurrency sets the currency of newly created wallets.
func (m *Manager) WithCurrency(c string) *Manager {
	m.currency = c
	return m
}

// Get returns a wallet.
func (m *Manager) Get(ctx context.Context, userID string) (*Wallet, error) {
	return m.store.Get(ctx, userID)
}

// Ensure returns the user's wallet, creating it on first use.
func (m *Manager) Ensure(ctx context.Context, userID string) (*Wallet, error) {
	w, err := m.store.Get(ctx, userID)
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, ErrWalletNotFound) {
		return nil, err
	}
	now := m.now()
	w = &Wallet{
		UserID:           userID,
		Currency:         m.currency,
		BalancePending:   decimal.Zero,
		BalanceAvailable: decimal.Zero,
		DebtLimit:        m.defaultDebtLimit,
		Status:           StatusActive,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := m.store.Create(ctx, w); err != nil {
		if errors.Is(err, ErrWalletExists) {
			return m.store.Get(ctx, userID)
		}
		return nil, err
	}
	return w, nil
}

// Position is the user's net ledger position: own account plus cash account.
func (m *Manager) Position(ctx context.Context, userID string) (decimal.Decimal, error) {
	own, err := m.ledger.BalanceOf(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	cash, err := m.ledger.BalanceOf(ctx, ledger.CashAccount(userID))
	if err != nil {
		return decimal.Zero, err
	}
	return own.Add(cash), nil
}

// GetDebtStatus reports the current debt position.
func (m *Manager) GetDebtStatus(ctx context.Context, userID string) (*DebtStatus, error) {
	w, err := m.Ensure(ctx, userID)
	if err != nil {
		return nil, err
	}
	pos, err := m.Position(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &DebtStatus{
		UserID:         userID,
		CurrentBalance: pos,
		DebtAmount:     money.ClampZero(pos.Neg()),
		DebtLimit:      w.DebtLimit,
		Status:         w.Status,
		CanReceiveJobs: w.Status == StatusActive,
	}, nil
}

// Reevaluate applies the debt policy after the ledger changed: an active
// wallet below its debt limit becomes INACTIVE_DEBT, and an inactive wallet
// becomes ACTIVE again only once the position is back to zero or above.
func (m *Manager) Reevaluate(ctx context.Context, userID string) (*Wallet, error) {
	var out *Wallet
	err := m.runner.Run(ctx, func(ctx context.Context) error {
		w, pos, err := m.loadForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		out, err = m.applyStatus(ctx, w, debtPolicy(w, pos), pos)
		return err
	})
	return out, err
}

// debtPolicy is the status w should have at position pos. Only a
// non-negative position lifts a debt block; changing the limit never does.
func debtPolicy(w *Wallet, pos decimal.Decimal) Status {
	switch {
	case w.Status == StatusActive && pos.LessThan(w.DebtLimit):
		return StatusInactiveDebt
	case w.Status == StatusInactiveDebt && !pos.IsNegative():
		return StatusActive
	}
	return w.Status
}

// SetDebtLimit changes the limit and re-evaluates status against it. A
// tighter limit can block an active wallet at once; a looser one leaves a
// blocked wallet blocked until its debt is paid.
func (m *Manager) SetDebtLimit(ctx context.Context, userID string, limit decimal.Decimal) (*Wallet, error) {
	if limit.IsPositive() {
		return nil, ErrInvalidDebtLimit
	}
	var out *Wallet
	err := m.runner.Run(ctx, func(ctx context.Context) error {
		w, pos, err := m.loadForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		w.DebtLimit = money.Round(limit)
		w.UpdatedAt = m.now()
		if err := m.store.Update(ctx, w); err != nil {
			return err
		}
		out, err = m.applyStatus(ctx, w, debtPolicy(w, pos), pos)
		if err != nil {
			return err
		}
		m.logger.Info("debt limit changed", "user", userID, "limit", w.DebtLimit.String(), "status", out.Status)
		return nil
	})
	return out, err
}

// GenerateDebtPaymentLink issues a gateway charge for exactly the debt.
func (m *Manager) GenerateDebtPaymentLink(ctx context.Context, userID string) (*DebtLink, error) {
	if m.charger == nil {
		return nil, ErrNoDebtCharger
	}
	status, err := m.GetDebtStatus(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !status.DebtAmount.IsPositive() {
		return nil, ErrNoDebt
	}
	return m.charger.ChargeDebt(ctx, userID, status.DebtAmount)
}

// ProcessDebtPayment records a confirmed debt payment and re-evaluates.
func (m *Manager) ProcessDebtPayment(ctx context.Context, userID, transactionID string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	return m.runner.Run(ctx, func(ctx context.Context) error {
		if _, err := m.ledger.AppendBatch(ctx, ledger.DebtPayment(transactionID, userID, amount)); err != nil {
			return fmt.Errorf("record debt payment: %w", err)
		}
		_, err := m.Reevaluate(ctx, userID)
		return err
	})
}

// HoldPending adds escrowed earnings to the pending mirror.
func (m *Manager) HoldPending(ctx context.Context, userID string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrInvalidAmount
	}
	return m.mutate(ctx, userID, func(w *Wallet) error {
		w.BalancePending = w.BalancePending.Add(amount)
		return nil
	})
}

// ReleasePending moves escrowed earnings from pending to available.
func (m *Manager) ReleasePending(ctx context.Context, userID string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrInvalidAmount
	}
	return m.mutate(ctx, userID, func(w *Wallet) error {
		if w.BalancePending.LessThan(amount) {
			return fmt.Errorf("%w: pending %s, release %s", ErrInsufficientBalance, w.BalancePending, amount)
		}
		w.BalancePending = w.BalancePending.Sub(amount)
		w.BalanceAvailable = w.BalanceAvailable.Add(amount)
		return nil
	})
}

// ReversePending removes refunded earnings, from pending first and then
// from available.
func (m *Manager) ReversePending(ctx context.Context, userID string, amount decimal.Decimal) error {
	return m.mutate(ctx, userID, func(w *Wallet) error {
		fromPending := decimal.Min(amount, w.BalancePending)
		rest := amount.Sub(fromPending)
		if w.BalanceAvailable.LessThan(rest) {
			return fmt.Errorf("%w: cannot reverse %s", ErrInsufficientBalance, amount)
		}
		w.BalancePending = w.BalancePending.Sub(fromPending)
		w.BalanceAvailable = w.BalanceAvailable.Sub(rest)
		return nil
	})
}

// RequestWithdrawal pays out available funds. The amount must be covered by
// both the available mirror and the net ledger position.
func (m *Manager) RequestWithdrawal(ctx context.Context, userID string, amount decimal.Decimal) (*Withdrawal, error) {
	amount = money.Round(amount)
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	var out *Withdrawal
	err := m.runner.Run(ctx, func(ctx context.Context) error {
		w, pos, err := m.loadForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		switch w.Status {
		case StatusInactiveDebt:
			return ErrDebtLimitExceeded
		case StatusSuspended:
			return ErrWalletSuspended
		}
		if w.BalanceAvailable.LessThan(amount) || pos.LessThan(amount) {
			return ErrInsufficientBalance
		}

		wd := &Withdrawal{ID: idgen.WithPrefix("wd_"), UserID: userID, Amount: amount, CreatedAt: m.now()}
		if _, err := m.ledger.AppendBatch(ctx, ledger.Withdrawal(wd.ID, userID, amount)); err != nil {
			return err
		}
		w.BalanceAvailable = w.BalanceAvailable.Sub(amount)
		w.UpdatedAt = wd.CreatedAt
		if err := m.store.Update(ctx, w); err != nil {
			return err
		}
		out = wd
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("withdrawal recorded", "user", userID, "amount", amount.StringFixed(2), "withdrawal", out.ID)
	return out, nil
}

// CanReceiveJobs reports whether the debt policy allows new assignments.
// Users without a wallet have no debt.
func (m *Manager) CanReceiveJobs(ctx context.Context, userID string) (bool, error) {
	w, err := m.store.Get(ctx, userID)
	if errors.Is(err, ErrWalletNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return w.Status == StatusActive, nil
}

// EnsureCanReceiveJobs returns ErrDebtLimitExceeded for blocked users.
func (m *Manager) EnsureCanReceiveJobs(ctx context.Context, userID string) error {
	ok, err := m.CanReceiveJobs(ctx, userID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrDebtLimitExceeded
	}
	return nil
}

func (m *Manager) loadForUpdate(ctx context.Context, userID string) (*Wallet, decimal.Decimal, error) {
	if _, err := m.Ensure(ctx, userID); err != nil {
		return nil, decimal.Zero, err
	}
	w, err := m.store.GetForUpdate(ctx, userID)
	if err != nil {
		return nil, decimal.Zero, err
	}
	pos, err := m.Position(ctx, userID)
	if err != nil {
		return nil, decimal.Zero, err
	}
	return w, pos, nil
}

func (m *Manager) applyStatus(ctx context.Context, w *Wallet, next Status, pos decimal.Decimal) (*Wallet, error) {
	if next == w.Status {
		return w, nil
	}
	prev := w.Status
	w.Status = next
	w.UpdatedAt = m.now()
	if err := m.store.Update(ctx, w); err != nil {
		return nil, err
	}
	m.logger.Info("wallet status changed",
		"user", w.UserID, "from", prev, "to", next,
		"position", pos.StringFixed(2), "debtLimit", w.DebtLimit.StringFixed(2))
	return w, nil
}

func (m *Manager) mutate(ctx context.Context, userID string, fn func(w *Wallet) error) error {
	return m.runner.Run(ctx, func(ctx context.Context) error {
		if _, err := m.Ensure(ctx, userID); err != nil {
			return err
		}
		w, err := m.store.GetForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		if err := fn(w); err != nil {
			return err
		}
		w.UpdatedAt = m.now()
		return m.store.Update(ctx, w)
	})
}
