package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/homeserv/internal/commission"
	"github.com/mbd888/homeserv/internal/dbtx"
	"github.com/mbd888/homeserv/internal/idgen"
	"github.com/mbd888/homeserv/internal/ledger"
	"github.com/mbd888/homeserv/internal/metrics"
	"github.com/mbd888/homeserv/internal/money"
	"github.com/mbd888/homeserv/internal/outbox"
	"github.com/mbd888/homeserv/internal/processor"
	"github.com/mbd888/homeserv/internal/traces"
	"github.com/mbd888/homeserv/internal/wallet"
)

// Ledger is the subset of the ledger the orchestrator writes to.
type Ledger interface {
	AppendBatch(ctx context.Context, b ledger.Batch) ([]*ledger.Entry, error)
	Reverse(ctx context.Context, originalTxID, reversalTxID, description string) ([]*ledger.Entry, error)
}

// Wallets is the subset of the wallet manager the orchestrator drives.
type Wallets interface {
	Reevaluate(ctx context.Context, userID string) (*wallet.Wallet, error)
	HoldPending(ctx context.Context, userID string, amount decimal.Decimal) error
	ReleasePending(ctx context.Context, userID string, amount decimal.Decimal) error
	ReversePending(ctx context.Context, userID string, amount decimal.Decimal) error
	ProcessDebtPayment(ctx context.Context, userID, transactionID string, amount decimal.Decimal) error
}

// Orchestrator creates payments and drives them through their lifecycle.
type Orchestrator struct {
	store      Store
	runner     dbtx.Runner
	engine     *commission.Engine
	gateway    processor.Processor
	ledger     Ledger
	wallets    Wallets
	events     outbox.Store
	strategies map[Method]strategy
	logger     *slog.Logger
	now        func() time.Time
}

// NewOrchestrator wires the orchestrator.
func NewOrchestrator(store Store, runner dbtx.Runner, engine *commission.Engine, gateway processor.Processor, l Ledger, wallets Wallets) *Orchestrator {
	o := &Orchestrator{
		store:   store,
		runner:  runner,
		engine:  engine,
		gateway: gateway,
		ledger:  l,
		wallets: wallets,
		logger:  slog.Default(),
		now:     time.Now,
	}
	o.strategies = map[Method]strategy{
		MethodGateway: gatewayStrategy{o},
		MethodCash:    cashStrategy{o},
	}
	return o
}

// WithOutbox records payment events in the outbox.
func (o *Orchestrator) WithOutbox(s outbox.Store) *Orchestrator {
	o.events = s
	return o
}

// WithLogger sets the logger.
func (o *Orchestrator) WithLogger(logger *slog.Logger) *Orchestrator {
	o.logger = logger
	return o
}

// WithClock overrides the time source.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// CreatePayment creates a payment, or returns the existing one when the
// reference was already used.
func (o *Orchestrator) CreatePayment(ctx context.Context, req CreateRequest) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "payment.CreatePayment",
		traces.Method(string(req.Method)), traces.Reference(req.Reference))
	defer span.End()

	if req.Purpose == "" {
		req.Purpose = PurposeService
	}
	req.Amount = money.Round(req.Amount)
	if err := validateCreate(req); err != nil {
		return nil, err
	}

	if req.Reference != "" {
		existing, err := o.store.GetByReference(ctx, req.Reference)
		if err == nil {
			o.logger.Info("duplicate payment create returned existing transaction",
				"reference", req.Reference, "payment", existing.ID)
			return existing, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	} else {
		req.Reference = newReference(req)
	}

	if req.Purpose == PurposeService && req.ServiceRequestID != "" {
		if _, err := o.store.ActiveForServiceRequest(ctx, req.ServiceRequestID); err == nil {
			return nil, ErrActivePaymentExists
		} else if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	tx := o.newTransaction(ctx, req)
	strat := o.strategies[req.Method]

	// Gateway calls happen before the unit of work opens.
	if err := strat.prepare(ctx, tx, req); err != nil {
		return nil, err
	}

	err := o.runner.Run(ctx, func(ctx context.Context) error {
		if err := o.store.Create(ctx, tx); err != nil {
			return err
		}
		if err := strat.settle(ctx, tx); err != nil {
			return err
		}
		return o.emit(ctx, tx, topicFor(tx.Status), "")
	})
	if errors.Is(err, ErrDuplicatePayment) {
		// Lost a race on the same reference.
		existing, gerr := o.store.GetByReference(ctx, tx.Reference)
		if gerr == nil {
			return existing, nil
		}
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	metrics.PaymentsTotal.WithLabelValues(string(tx.Method), string(tx.Status)).Inc()
	o.logger.Info("payment created",
		"payment", tx.ID, "reference", tx.Reference, "method", tx.Method,
		"purpose", tx.Purpose, "status", tx.Status, "amount", tx.Amount.StringFixed(2))
	return tx, nil
}

func validateCreate(req CreateRequest) error {
	if !req.Method.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidMethod, req.Method)
	}
	if !req.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	if req.UserID == "" {
		return errors.New("payment requires a user")
	}
	if req.ProfessionalID == "" {
		return ErrMissingProfessional
	}
	if req.Purpose == PurposeDebt && req.Method != MethodGateway {
		return fmt.Errorf("%w: debt is paid through the gateway", ErrInvalidMethod)
	}
	if bd := req.Breakdown; bd != nil {
		if req.Purpose == PurposeDebt {
			return fmt.Errorf("%w: debt payments carry no commission", ErrBreakdownMismatch)
		}
		if !bd.Total.Equal(req.Amount) {
			return fmt.Errorf("%w: total %s, amount %s", ErrBreakdownMismatch,
				bd.Total.StringFixed(2), req.Amount.StringFixed(2))
		}
	}
	return nil
}

func newReference(req CreateRequest) string {
	switch {
	case req.Purpose == PurposeDebt:
		return "DEBT-" + req.UserID + "-" + idgen.Hex(6)
	case req.ServiceRequestID != "":
		return "SR-" + req.ServiceRequestID + "-" + idgen.Hex(6)
	default:
		return "PAY-" + idgen.Hex(8)
	}
}

func (o *Orchestrator) newTransaction(ctx context.Context, req CreateRequest) *Transaction {
	now := o.now()
	tx := &Transaction{
		ID:               idgen.WithPrefix("pay_"),
		UserID:           req.UserID,
		ProfessionalID:   req.ProfessionalID,
		ServiceRequestID: req.ServiceRequestID,
		Method:           req.Method,
		Purpose:          req.Purpose,
		Amount:           req.Amount,
		Currency:         o.engine.Currency(),
		Reference:        req.Reference,
		Status:           StatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if req.Purpose == PurposeDebt {
		tx.Snapshot = Snapshot{
			PlatformFeePercent: decimal.Zero,
			ServiceTaxPercent:  decimal.Zero,
			PlatformAmount:     req.Amount,
			ProfessionalAmount: decimal.Zero,
			TaxAmount:          decimal.Zero,
			Metadata:           req.Metadata,
			CapturedAt:         now,
		}
		return tx
	}

	var bd commission.Breakdown
	rates := o.engine.Rates(ctx)
	if req.Breakdown != nil {
		bd = *req.Breakdown
	} else {
		bd, rates = o.engine.Split(ctx, req.Amount)
	}
	tx.Snapshot = Snapshot{
		PlatformFeePercent: rates.PlatformFeeRate,
		ServiceTaxPercent:  rates.TaxRate,
		PlatformAmount:     bd.PlatformCommission,
		ProfessionalAmount: bd.WorkerNet,
		TaxAmount:          bd.Taxes,
		Metadata:           req.Metadata,
		CapturedAt:         now,
	}
	return tx
}

// HandlePaymentApproved settles a gateway payment. It returns ErrNotPending,
// without side effects, when the payment is no longer pending.
func (o *Orchestrator) HandlePaymentApproved(ctx context.Context, reference, gatewayPaymentID string) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "payment.HandlePaymentApproved", traces.Reference(reference))
	defer span.End()

	var out *Transaction
	err := o.runner.Run(ctx, func(ctx context.Context) error {
		tx, err := o.lockByReference(ctx, reference)
		if err != nil {
			return err
		}
		if tx.Status != StatusPending {
			o.logger.Warn("approval ignored, payment not pending",
				"payment", tx.ID, "reference", reference, "status", tx.Status)
			out = tx
			return ErrNotPending
		}
		if err := tx.Transition(StatusPaid, o.now()); err != nil {
			return err
		}
		tx.GatewayPaymentID = gatewayPaymentID

		switch tx.Purpose {
		case PurposeDebt:
			if err := o.wallets.ProcessDebtPayment(ctx, tx.UserID, tx.ID, tx.Amount); err != nil {
				return fmt.Errorf("apply debt payment: %w", err)
			}
		default:
			bd, err := tx.Breakdown()
			if err != nil {
				return err
			}
			if _, err := o.ledger.AppendBatch(ctx, ledger.GatewaySettle(tx.ID, tx.UserID, tx.ProfessionalID, bd)); err != nil {
				return fmt.Errorf("settle gateway payment: %w", err)
			}
			if err := o.wallets.HoldPending(ctx, tx.ProfessionalID, bd.WorkerNet); err != nil {
				return fmt.Errorf("hold escrow: %w", err)
			}
		}

		if err := o.store.Update(ctx, tx); err != nil {
			return err
		}
		out = tx
		return o.emit(ctx, tx, TopicPaymentPaid, "")
	})
	if err != nil {
		if errors.Is(err, ErrNotPending) {
			return out, err
		}
		span.RecordError(err)
		return nil, err
	}

	metrics.PaymentsTotal.WithLabelValues(string(out.Method), string(out.Status)).Inc()
	o.logger.Info("payment approved", "payment", out.ID, "reference", reference, "purpose", out.Purpose)
	return out, nil
}

// HandlePaymentPending records that the gateway is still processing.
func (o *Orchestrator) HandlePaymentPending(ctx context.Context, reference string, status processor.PaymentStatus) (*Transaction, error) {
	tx, err := o.store.GetByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	o.logger.Info("payment still processing at gateway",
		"payment", tx.ID, "reference", reference, "gatewayStatus", status, "status", tx.Status)
	return tx, nil
}

// HandlePaymentFailed marks a payment failed or cancelled.
func (o *Orchestrator) HandlePaymentFailed(ctx context.Context, reference string, status processor.PaymentStatus, detail string) (*Transaction, error) {
	next := StatusFailed
	if status == processor.StatusCancelled {
		next = StatusCancelled
	}

	var out *Transaction
	err := o.runner.Run(ctx, func(ctx context.Context) error {
		tx, err := o.lockByReference(ctx, reference)
		if err != nil {
			return err
		}
		if err := tx.Transition(next, o.now()); err != nil {
			return err
		}
		tx.FailureReason = detail
		if tx.FailureReason == "" {
			tx.FailureReason = string(status)
		}
		if err := o.store.Update(ctx, tx); err != nil {
			return err
		}
		out = tx
		return o.emit(ctx, tx, TopicPaymentFailed, tx.FailureReason)
	})
	if err != nil {
		return nil, err
	}

	metrics.PaymentsTotal.WithLabelValues(string(out.Method), string(out.Status)).Inc()
	o.logger.Info("payment failed", "payment", out.ID, "reference", reference, "status", out.Status, "detail", detail)
	return out, nil
}

// Refund reverses a paid payment's ledger batch and escrow.
func (o *Orchestrator) Refund(ctx context.Context, id, reason string) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "payment.Refund", traces.PaymentID(id))
	defer span.End()

	var out *Transaction
	err := o.runner.Run(ctx, func(ctx context.Context) error {
		tx, err := o.store.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		out, err = o.refundLocked(ctx, tx, reason)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	metrics.PaymentsTotal.WithLabelValues(string(out.Method), string(out.Status)).Inc()
	o.logger.Info("payment refunded", "payment", out.ID, "reason", reason)
	return out, nil
}

func (o *Orchestrator) refundLocked(ctx context.Context, tx *Transaction, reason string) (*Transaction, error) {
	if err := tx.Transition(StatusRefunded, o.now()); err != nil {
		return nil, err
	}
	if _, err := o.ledger.Reverse(ctx, tx.ID, "refund:"+tx.ID, "refund: "+reason); err != nil {
		return nil, fmt.Errorf("reverse ledger: %w", err)
	}

	switch {
	case tx.Purpose == PurposeDebt:
		if _, err := o.wallets.Reevaluate(ctx, tx.UserID); err != nil {
			return nil, err
		}
	case tx.Method == MethodCash:
		if _, err := o.wallets.Reevaluate(ctx, tx.ProfessionalID); err != nil {
			return nil, err
		}
	default:
		if err := o.wallets.ReversePending(ctx, tx.ProfessionalID, tx.Snapshot.ProfessionalAmount); err != nil {
			return nil, fmt.Errorf("reverse escrow: %w", err)
		}
	}

	if err := o.store.Update(ctx, tx); err != nil {
		return nil, err
	}
	return tx, o.emit(ctx, tx, TopicPaymentRefunded, reason)
}

// RefundForServiceRequest settles the active payment of a cancelled or
// refunded job: a paid payment is refunded, an unpaid one is cancelled.
// It returns ErrNotFound when the job has no active payment.
func (o *Orchestrator) RefundForServiceRequest(ctx context.Context, serviceRequestID, reason string) (*Transaction, error) {
	var out *Transaction
	err := o.runner.Run(ctx, func(ctx context.Context) error {
		active, err := o.store.ActiveForServiceRequest(ctx, serviceRequestID)
		if err != nil {
			return err
		}
		tx, err := o.store.GetForUpdate(ctx, active.ID)
		if err != nil {
			return err
		}
		if tx.Status == StatusPaid {
			out, err = o.refundLocked(ctx, tx, reason)
			return err
		}
		if err := tx.Transition(StatusCancelled, o.now()); err != nil {
			return err
		}
		tx.FailureReason = reason
		if err := o.store.Update(ctx, tx); err != nil {
			return err
		}
		out = tx
		return o.emit(ctx, tx, TopicPaymentFailed, reason)
	})
	if err != nil {
		return nil, err
	}
	metrics.PaymentsTotal.WithLabelValues(string(out.Method), string(out.Status)).Inc()
	return out, nil
}

// ReleaseForServiceRequest moves a job's escrowed earnings to the worker's
// available balance. Cash payments hold no escrow and are only marked.
func (o *Orchestrator) ReleaseForServiceRequest(ctx context.Context, serviceRequestID string) (*Transaction, error) {
	var out *Transaction
	err := o.runner.Run(ctx, func(ctx context.Context) error {
		active, err := o.store.ActiveForServiceRequest(ctx, serviceRequestID)
		if err != nil {
			return err
		}
		tx, err := o.store.GetForUpdate(ctx, active.ID)
		if err != nil {
			return err
		}
		if tx.Status != StatusPaid {
			return fmt.Errorf("%w: payment %s is %s", ErrNotPaid, tx.ID, tx.Status)
		}
		if tx.ReleasedAt != nil {
			return ErrAlreadyReleased
		}
		if tx.Method == MethodGateway {
			if err := o.wallets.ReleasePending(ctx, tx.ProfessionalID, tx.Snapshot.ProfessionalAmount); err != nil {
				return fmt.Errorf("release escrow: %w", err)
			}
		}
		now := o.now()
		tx.ReleasedAt = &now
		tx.UpdatedAt = now
		if err := o.store.Update(ctx, tx); err != nil {
			return err
		}
		out = tx
		return o.emit(ctx, tx, TopicPaymentReleased, "")
	})
	if err != nil {
		return nil, err
	}
	o.logger.Info("escrow released", "payment", out.ID, "serviceRequest", serviceRequestID,
		"worker", out.ProfessionalID, "amount", out.Snapshot.ProfessionalAmount.StringFixed(2))
	return out, nil
}

// CreateDebtPayment opens a gateway checkout for a worker's debt.
func (o *Orchestrator) CreateDebtPayment(ctx context.Context, userID string, amount decimal.Decimal) (*Transaction, error) {
	return o.CreatePayment(ctx, CreateRequest{
		UserID:         userID,
		ProfessionalID: userID,
		Method:         MethodGateway,
		Purpose:        PurposeDebt,
		Amount:         amount,
		Description:    "Outstanding commission balance",
	})
}

// ChargeDebt implements wallet.DebtCharger.
func (o *Orchestrator) ChargeDebt(ctx context.Context, userID string, amount decimal.Decimal) (*wallet.DebtLink, error) {
	tx, err := o.CreateDebtPayment(ctx, userID, amount)
	if err != nil {
		return nil, err
	}
	return &wallet.DebtLink{
		TransactionID: tx.ID,
		Reference:     tx.Reference,
		RedirectURL:   tx.RedirectURL,
		Amount:        tx.Amount,
	}, nil
}

// Get returns a payment by id.
func (o *Orchestrator) Get(ctx context.Context, id string) (*Transaction, error) {
	return o.store.Get(ctx, id)
}

// GetByReference returns a payment by external reference.
func (o *Orchestrator) GetByReference(ctx context.Context, reference string) (*Transaction, error) {
	return o.store.GetByReference(ctx, reference)
}

// ListByUser returns a user's payments, newest first.
func (o *Orchestrator) ListByUser(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	return o.store.ListByUser(ctx, userID, limit)
}

func (o *Orchestrator) lockByReference(ctx context.Context, reference string) (*Transaction, error) {
	tx, err := o.store.GetByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	return o.store.GetForUpdate(ctx, tx.ID)
}

var _ wallet.DebtCharger = (*Orchestrator)(nil)
