package payment

import (
	"context"

	"github.com/mbd888/homeserv/internal/outbox"
)

// Outbox topics.
const (
	TopicPaymentCreated  = "payment.created"
	TopicPaymentPaid     = "payment.paid"
	TopicPaymentFailed   = "payment.failed"
	TopicPaymentRefunded = "payment.refunded"
	TopicPaymentReleased = "payment.released"
)

func topicFor(s Status) string {
	if s == StatusPaid {
		return TopicPaymentPaid
	}
	return TopicPaymentCreated
}

// Event is the outbox payload for payment topics.
type Event struct {
	PaymentID        string  `json:"paymentId"`
	Reference        string  `json:"externalReference"`
	ServiceRequestID string  `json:"serviceRequestId,omitempty"`
	UserID           string  `json:"userId"`
	ProfessionalID   string  `json:"professionalId,omitempty"`
	Method           Method  `json:"paymentMethod"`
	Purpose          Purpose `json:"purpose"`
	Status           Status  `json:"status"`
	Amount           string  `json:"amount"`
	Currency         string  `json:"currency"`
	Reason           string  `json:"reason,omitempty"`
}

func (o *Orchestrator) emit(ctx context.Context, tx *Transaction, topic, reason string) error {
	if o.events == nil {
		return nil
	}
	msg, err := outbox.NewMessage(topic, tx.ID, Event{
		PaymentID:        tx.ID,
		Reference:        tx.Reference,
		ServiceRequestID: tx.ServiceRequestID,
		UserID:           tx.UserID,
		ProfessionalID:   tx.ProfessionalID,
		Method:           tx.Method,
		Purpose:          tx.Purpose,
		Status:           tx.Status,
		Amount:           tx.Amount.StringFixed(2),
		Currency:         tx.Currency,
		Reason:           reason,
	}, tx.UserID, tx.ProfessionalID)
	if err != nil {
		return err
	}
	return o.events.Append(ctx, msg)
}
