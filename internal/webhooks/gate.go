package webhooks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/homeserv/internal/dbtx"
	"github.com/mbd888/homeserv/internal/idgen"
	"github.com/mbd888/homeserv/internal/metrics"
	"github.com/mbd888/homeserv/internal/payment"
	"github.com/mbd888/homeserv/internal/processor"
	"github.com/mbd888/homeserv/internal/traces"
)

// Payments is the part of the payment orchestrator the gate drives.
type Payments interface {
	GetByReference(ctx context.Context, reference string) (*payment.Transaction, error)
	HandlePaymentApproved(ctx context.Context, reference, gatewayPaymentID string) (*payment.Transaction, error)
	HandlePaymentPending(ctx context.Context, reference string, status processor.PaymentStatus) (*payment.Transaction, error)
	HandlePaymentFailed(ctx context.Context, reference string, status processor.PaymentStatus, detail string) (*payment.Transaction, error)
}

// Gate deduplicates notifications and applies them to payments.
type Gate struct {
	store    Store
	runner   dbtx.Runner
	payments Payments
	gateway  processor.Processor
	logger   *slog.Logger
	now      func() time.Time
}

// NewGate creates a gate. gateway resolves notifications that arrive
// without a reference.
func NewGate(store Store, runner dbtx.Runner, payments Payments, gateway processor.Processor) *Gate {
	return &Gate{
		store:    store,
		runner:   runner,
		payments: payments,
		gateway:  gateway,
		logger:   slog.Default(),
		now:      time.Now,
	}
}

// WithLogger sets the logger.
func (g *Gate) WithLogger(logger *slog.Logger) *Gate {
	g.logger = logger
	return g
}

// WithClock overrides the time source.
func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}

// Provider is the name used for notifications from the configured gateway.
func (g *Gate) Provider() string {
	if g.gateway == nil {
		return "gateway"
	}
	return g.gateway.Name()
}

// Handle applies a notification at most once. It never fails: errors are
// logged and recorded as failures, and the caller acknowledges regardless.
func (g *Gate) Handle(ctx context.Context, n Notification) Outcome {
	key := n.Key()
	ctx, span := traces.StartSpan(ctx, "webhooks.Handle", traces.EventKey(key))
	defer span.End()

	outcome, err := g.handle(ctx, n)
	if err != nil {
		span.RecordError(err)
		g.logger.Error("webhook processing failed",
			"eventKey", key, "reference", n.Reference, "status", n.Status, "error", err)
		g.recordFailure(ctx, n, err)
		outcome = OutcomeFailed
	}
	metrics.WebhookEventsTotal.WithLabelValues(string(outcome)).Inc()
	return outcome
}

// Reject records a notification that never reached the gate because its
// body could not be read. The sender is still acknowledged.
func (g *Gate) Reject(ctx context.Context, n Notification, cause error) Outcome {
	g.logger.Warn("webhook rejected", "provider", n.Provider, "bytes", len(n.Payload), "error", cause)
	g.recordFailure(ctx, n, cause)
	metrics.WebhookEventsTotal.WithLabelValues(string(OutcomeFailed)).Inc()
	return OutcomeFailed
}

func (g *Gate) handle(ctx context.Context, n Notification) (Outcome, error) {
	if n.PaymentID == "" {
		return OutcomeFailed, ErrMissingPaymentID
	}
	key := n.Key()

	seen, err := g.store.IsProcessed(ctx, key)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("check processed: %w", err)
	}
	if seen {
		g.logger.Info("duplicate webhook ignored", "eventKey", key)
		return OutcomeDuplicate, nil
	}

	// Gateway lookups happen before the unit of work opens.
	if n.Reference == "" {
		if n, err = g.resolve(ctx, n); err != nil {
			return OutcomeFailed, err
		}
	}

	var outcome Outcome
	err = g.runner.Run(ctx, func(ctx context.Context) error {
		var err error
		outcome, err = g.dispatch(ctx, n)
		if err != nil {
			return err
		}
		return g.store.MarkProcessed(ctx, &ProcessedEvent{
			Key:         key,
			Provider:    n.Provider,
			PaymentID:   n.PaymentID,
			Status:      string(n.Status),
			Reference:   n.Reference,
			Outcome:     outcome,
			ProcessedAt: g.now(),
		})
	})
	if errors.Is(err, ErrAlreadyProcessed) {
		g.logger.Info("duplicate webhook lost race", "eventKey", key)
		return OutcomeDuplicate, nil
	}
	if err != nil {
		return OutcomeFailed, err
	}
	return outcome, nil
}

func (g *Gate) resolve(ctx context.Context, n Notification) (Notification, error) {
	if g.gateway == nil {
		return n, fmt.Errorf("notification %s has no reference", n.PaymentID)
	}
	info, err := g.gateway.LookupPayment(ctx, n.PaymentID)
	if err != nil {
		return n, fmt.Errorf("look up payment %s: %w", n.PaymentID, err)
	}
	n.Reference = info.Reference
	if n.Amount == nil {
		amount := info.Amount
		n.Amount = &amount
	}
	if n.Reference == "" {
		return n, fmt.Errorf("payment %s has no reference at the gateway", n.PaymentID)
	}
	return n, nil
}

func (g *Gate) dispatch(ctx context.Context, n Notification) (Outcome, error) {
	switch n.Status {
	case processor.StatusApproved:
		tx, err := g.payments.GetByReference(ctx, n.Reference)
		if err != nil {
			return OutcomeFailed, err
		}
		if n.Amount != nil && !n.Amount.Equal(tx.Amount) {
			return OutcomeFailed, fmt.Errorf("%w: notified %s, expected %s",
				payment.ErrAmountMismatch, n.Amount.StringFixed(2), tx.Amount.StringFixed(2))
		}
		_, err = g.payments.HandlePaymentApproved(ctx, n.Reference, n.PaymentID)
		if errors.Is(err, payment.ErrNotPending) {
			return OutcomeIgnored, nil
		}
		if err != nil {
			return OutcomeFailed, err
		}
		return OutcomeProcessed, nil

	case processor.StatusPending, processor.StatusInProcess:
		if _, err := g.payments.HandlePaymentPending(ctx, n.Reference, n.Status); err != nil {
			return OutcomeFailed, err
		}
		return OutcomeProcessed, nil

	case processor.StatusRejected, processor.StatusCancelled:
		_, err := g.payments.HandlePaymentFailed(ctx, n.Reference, n.Status, n.StatusDetail)
		if errors.Is(err, payment.ErrInvalidTransition) {
			g.logger.Warn("failure notification ignored, payment already settled",
				"reference", n.Reference, "status", n.Status)
			return OutcomeIgnored, nil
		}
		if err != nil {
			return OutcomeFailed, err
		}
		return OutcomeProcessed, nil

	default:
		g.logger.Info("webhook status not handled", "reference", n.Reference, "status", n.Status)
		return OutcomeIgnored, nil
	}
}

// recordFailure writes outside any unit of work so the entry survives the
// rollback of the failed attempt.
func (g *Gate) recordFailure(ctx context.Context, n Notification, cause error) {
	f := &Failure{
		ID:        idgen.WithPrefix("whf_"),
		EventKey:  n.Key(),
		Provider:  n.Provider,
		PaymentID: n.PaymentID,
		Status:    string(n.Status),
		Reference: n.Reference,
		Error:     cause.Error(),
		Payload:   n.Payload,
		CreatedAt: g.now(),
	}
	if err := g.store.RecordFailure(context.WithoutCancel(ctx), f); err != nil {
		g.logger.Error("failed to record webhook failure", "eventKey", f.EventKey, "error", err)
	}
}

// Failures returns recent failures, newest first.
func (g *Gate) Failures(ctx context.Context, limit int) ([]*Failure, error) {
	return g.store.ListFailures(ctx, limit)
}
