// Package webhooks receives payment gateway notifications.
//
// Every notification passes through the Gate, which keys it on
// provider-id-status and records the key in the same unit of work as the
// payment and ledger effects it triggers. A replayed notification finds its
// key and stops before touching anything. The gate never reports an error to
// the sender; failures are logged and kept for manual review.
package webhooks

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/homeserv/internal/processor"
)

var (
	ErrAlreadyProcessed = errors.New("webhook event already processed")
	ErrMissingPaymentID = errors.New("notification has no payment id")
	ErrPayloadTooLarge  = errors.New("notification body too large")
	ErrMalformedPayload = errors.New("malformed notification body")
)

// Outcome is what the gate did with a notification.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeFailed    Outcome = "failed"
)

// Notification is a gateway payment notification, normalized across
// providers.
type Notification struct {
	Provider     string
	PaymentID    string
	Status       processor.PaymentStatus
	StatusDetail string
	Reference    string
	// Amount is nil when the sender did not include one.
	Amount  *decimal.Decimal
	Payload []byte
}

// Key returns the notification's idempotency key.
func (n Notification) Key() string {
	return EventKey(n.Provider, n.PaymentID, string(n.Status))
}

// EventKey builds the deterministic idempotency key for a notification.
func EventKey(provider, paymentID, status string) string {
	return provider + "-" + paymentID + "-" + status
}

// ProcessedEvent is a row in the processed-event log.
type ProcessedEvent struct {
	Key         string    `json:"eventKey"`
	Provider    string    `json:"provider"`
	PaymentID   string    `json:"paymentId"`
	Status      string    `json:"status"`
	Reference   string    `json:"externalReference"`
	Outcome     Outcome   `json:"outcome"`
	ProcessedAt time.Time `json:"processedAt"`
}

// Failure is a notification that could not be applied.
type Failure struct {
	ID        string    `json:"id"`
	EventKey  string    `json:"eventKey"`
	Provider  string    `json:"provider"`
	PaymentID string    `json:"paymentId"`
	Status    string    `json:"status"`
	Reference string    `json:"externalReference,omitempty"`
	Error     string    `json:"error"`
	Payload   []byte    `json:"-"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists the processed-event log and the failure log.
type Store interface {
	// MarkProcessed inserts the event, or returns ErrAlreadyProcessed.
	MarkProcessed(ctx context.Context, ev *ProcessedEvent) error
	IsProcessed(ctx context.Context, key string) (bool, error)
	RecordFailure(ctx context.Context, f *Failure) error
	ListFailures(ctx context.Context, limit int) ([]*Failure, error)
}
