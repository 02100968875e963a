package payment

import (
	"context"
	"fmt"

	"github.com/mbd888/homeserv/internal/ledger"
	"github.com/mbd888/homeserv/internal/processor"
)

// strategy is the per-method part of payment creation.
type strategy interface {
	// prepare runs before the unit of work and may call the gateway.
	prepare(ctx context.Context, tx *Transaction, req CreateRequest) error
	// settle runs inside the unit of work after the row is written.
	settle(ctx context.Context, tx *Transaction) error
}

// gatewayStrategy redirects the client to a hosted checkout. Nothing is
// booked until the gateway confirms.
type gatewayStrategy struct{ o *Orchestrator }

func (g gatewayStrategy) prepare(ctx context.Context, tx *Transaction, req CreateRequest) error {
	pref, err := g.o.gateway.CreatePreference(ctx, processor.PreferenceRequest{
		Reference:   tx.Reference,
		Amount:      tx.Amount,
		Currency:    tx.Currency,
		PayerID:     tx.UserID,
		Description: req.Description,
	})
	if err != nil {
		return fmt.Errorf("create checkout: %w", err)
	}
	tx.PreferenceID = pref.ID
	tx.RedirectURL = pref.RedirectURL
	tx.Status = StatusPending
	return nil
}

func (gatewayStrategy) settle(context.Context, *Transaction) error { return nil }

// cashStrategy books a payment the client made in cash to the worker. The
// worker owes the platform its commission, which can put them in debt.
type cashStrategy struct{ o *Orchestrator }

func (cashStrategy) prepare(_ context.Context, tx *Transaction, _ CreateRequest) error {
	tx.Status = StatusPaid
	paidAt := tx.CreatedAt
	tx.PaidAt = &paidAt
	return nil
}

func (c cashStrategy) settle(ctx context.Context, tx *Transaction) error {
	bd, err := tx.Breakdown()
	if err != nil {
		return err
	}
	if _, err := c.o.ledger.AppendBatch(ctx, ledger.CashSettle(tx.ID, tx.ProfessionalID, bd)); err != nil {
		return fmt.Errorf("settle cash payment: %w", err)
	}
	if _, err := c.o.wallets.Reevaluate(ctx, tx.ProfessionalID); err != nil {
		return fmt.Errorf("re-evaluate wallet: %w", err)
	}
	return nil
}
