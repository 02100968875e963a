// Package processor is the boundary to the external payment gateway.
//
// A Processor creates hosted checkout "preferences" the client is redirected
// to and looks up payments the gateway notifies us about. Implementations
// map transport failures to ErrGatewayUnavailable or ErrGatewayTimeout so
// callers can tell transient errors from rejections.
package processor

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

var (
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	ErrGatewayTimeout     = errors.New("payment gateway timeout")
	ErrRejected           = errors.New("payment gateway rejected the request")
	ErrPaymentNotFound    = errors.New("payment not found at gateway")
)

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrGatewayUnavailable) || errors.Is(err, ErrGatewayTimeout)
}

// PaymentStatus is the gateway-side status vocabulary.
type PaymentStatus string

const (
	StatusApproved  PaymentStatus = "approved"
	StatusPending   PaymentStatus = "pending"
	StatusInProcess PaymentStatus = "in_process"
	StatusRejected  PaymentStatus = "rejected"
	StatusCancelled PaymentStatus = "cancelled"
	StatusRefunded  PaymentStatus = "refunded"
)

// PreferenceRequest describes a checkout to create.
type PreferenceRequest struct {
	Reference   string
	Amount      decimal.Decimal
	Currency    string
	PayerID     string
	Description string
}

// Preference is a hosted checkout the client pays through.
type Preference struct {
	ID          string `json:"preferenceId"`
	RedirectURL string `json:"redirectUrl"`
}

// PaymentInfo is what the gateway knows about a payment.
type PaymentInfo struct {
	ID        string
	Status    PaymentStatus
	Reference string
	Amount    decimal.Decimal
	Currency  string
}

// Processor is a payment gateway.
type Processor interface {
	Name() string
	CreatePreference(ctx context.Context, req PreferenceRequest) (*Preference, error)
	LookupPayment(ctx context.Context, paymentID string) (*PaymentInfo, error)
}
