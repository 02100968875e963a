// Package payment orchestrates client payments for service requests and
// worker debt payments.
//
// A payment is created once per external reference. Gateway payments start
// PENDING and are settled when the gateway confirms them through the webhook
// gate; cash payments are settled immediately. Either way the transaction
// row, its commission snapshot and the ledger batch are written in one unit
// of work.
package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/homeserv/internal/commission"
)

var (
	ErrNotFound            = errors.New("payment not found")
	ErrInvalidTransition   = errors.New("invalid payment status transition")
	ErrNotPending          = errors.New("payment is not pending")
	ErrDuplicatePayment    = errors.New("payment with this reference already exists")
	ErrActivePaymentExists = errors.New("service request already has an active payment")
	ErrInvalidAmount       = errors.New("payment amount must be positive")
	ErrInvalidMethod       = errors.New("unsupported payment method")
	ErrMissingProfessional = errors.New("payment requires a professional")
	ErrAmountMismatch      = errors.New("confirmed amount does not match payment total")
	ErrAlreadyReleased     = errors.New("payment escrow already released")
	ErrNotPaid             = errors.New("payment is not paid")
	ErrBreakdownMismatch   = errors.New("quoted breakdown does not match payment amount")
)

// Method is how the client pays.
type Method string

const (
	MethodGateway Method = "GATEWAY"
	MethodCash    Method = "CASH"
)

// Valid reports whether m is a supported method.
func (m Method) Valid() bool {
	return m == MethodGateway || m == MethodCash
}

// Purpose is what the money is for.
type Purpose string

const (
	PurposeService Purpose = "SERVICE" // client paying for a job
	PurposeDebt    Purpose = "DEBT"    // worker paying off cash commission debt
)

// Status is the payment lifecycle state.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusAuthorized Status = "AUTHORIZED"
	StatusPaid       Status = "PAID"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
	StatusRefunded   Status = "REFUNDED"
)

var transitions = map[Status][]Status{
	StatusPending:    {StatusAuthorized, StatusPaid, StatusFailed, StatusCancelled},
	StatusAuthorized: {StatusPaid, StatusFailed, StatusCancelled},
	StatusPaid:       {StatusRefunded},
}

// CanTransitionTo reports whether next is reachable from s.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves s.
func (s Status) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// IsActive reports whether a payment in s still counts against its service
// request.
func (s Status) IsActive() bool {
	return s == StatusPending || s == StatusAuthorized || s == StatusPaid
}

// Snapshot freezes the commission terms at creation. It is never updated.
type Snapshot struct {
	PlatformFeePercent decimal.Decimal   `json:"platformFeePercent"`
	ServiceTaxPercent  decimal.Decimal   `json:"serviceTaxPercent"`
	PlatformAmount     decimal.Decimal   `json:"platformAmount"`
	ProfessionalAmount decimal.Decimal   `json:"professionalAmount"`
	TaxAmount          decimal.Decimal   `json:"taxAmount"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	CapturedAt         time.Time         `json:"capturedAt"`
}

// Transaction is a payment.
type Transaction struct {
	ID               string          `json:"id"`
	UserID           string          `json:"userId"`
	ProfessionalID   string          `json:"professionalId,omitempty"`
	ServiceRequestID string          `json:"serviceRequestId,omitempty"`
	Method           Method          `json:"paymentMethod"`
	Purpose          Purpose         `json:"purpose"`
	Amount           decimal.Decimal `json:"amountTotal"`
	Currency         string          `json:"currency"`
	Reference        string          `json:"externalReference"`
	Status           Status          `json:"status"`
	Snapshot         Snapshot        `json:"snapshot"`
	PreferenceID     string          `json:"preferenceId,omitempty"`
	RedirectURL      string          `json:"redirectUrl,omitempty"`
	GatewayPaymentID string          `json:"gatewayPaymentId,omitempty"`
	FailureReason    string          `json:"failureReason,omitempty"`
	PaidAt           *time.Time      `json:"paidAt,omitempty"`
	ReleasedAt       *time.Time      `json:"releasedAt,omitempty"`
	RefundedAt       *time.Time      `json:"refundedAt,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// Transition moves the payment to next, enforcing the status table.
func (t *Transaction) Transition(next Status, now time.Time) error {
	if !t.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, next)
	}
	t.Status = next
	t.UpdatedAt = now
	switch next {
	case StatusPaid:
		t.PaidAt = &now
	case StatusRefunded:
		t.RefundedAt = &now
	}
	return nil
}

// Breakdown rebuilds the commission split from the snapshot.
func (t *Transaction) Breakdown() (commission.Breakdown, error) {
	return commission.NewBreakdown(t.Currency, t.Amount,
		t.Snapshot.ProfessionalAmount, t.Snapshot.PlatformAmount, t.Snapshot.TaxAmount)
}

// CreateRequest describes a payment to create.
type CreateRequest struct {
	UserID           string
	ProfessionalID   string
	ServiceRequestID string
	Method           Method
	Purpose          Purpose
	Amount           decimal.Decimal
	// Breakdown is the split quoted to the client. When nil, Amount is
	// split by the current rates.
	Breakdown        *commission.Breakdown
	Reference        string // optional; generated when empty
	Description      string
	Metadata         map[string]string
}

// Store persists payments. Create writes the transaction and its snapshot
// together and returns ErrDuplicatePayment when the reference is taken and
// ErrActivePaymentExists when the service request already has an active
// payment.
type Store interface {
	Create(ctx context.Context, tx *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)
	GetForUpdate(ctx context.Context, id string) (*Transaction, error)
	GetByReference(ctx context.Context, reference string) (*Transaction, error)
	ActiveForServiceRequest(ctx context.Context, serviceRequestID string) (*Transaction, error)
	Update(ctx context.Context, tx *Transaction) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*Transaction, error)
}
