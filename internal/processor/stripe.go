package processor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
)

// StripeProcessor uses Stripe Checkout Sessions as preferences. The payment
// reference travels as the session's client_reference_id.
type StripeProcessor struct {
	api        *client.API
	successURL string
	cancelURL  string
}

// NewStripeProcessor creates a Stripe-backed processor.
func NewStripeProcessor(secretKey, successURL, cancelURL string) *StripeProcessor {
	return &StripeProcessor{
		api:        client.New(secretKey, nil),
		successURL: successURL,
		cancelURL:  cancelURL,
	}
}

func (s *StripeProcessor) Name() string { return "stripe" }

func (s *StripeProcessor) CreatePreference(ctx context.Context, req PreferenceRequest) (*Preference, error) {
	desc := req.Description
	if desc == "" {
		desc = "Service payment " + req.Reference
	}
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		ClientReferenceID: stripe.String(req.Reference),
		SuccessURL:        stripe.String(s.successURL),
		CancelURL:         stripe.String(s.cancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(strings.ToLower(req.Currency)),
				UnitAmount: stripe.Int64(toMinorUnits(req.Amount)),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(desc),
				},
			},
			Quantity: stripe.Int64(1),
		}},
	}
	params.Context = ctx
	params.SetIdempotencyKey("pref-" + req.Reference)
	params.AddMetadata("external_reference", req.Reference)
	if req.PayerID != "" {
		params.AddMetadata("payer_id", req.PayerID)
	}

	sess, err := s.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, mapStripeError(err)
	}
	return &Preference{ID: sess.ID, RedirectURL: sess.URL}, nil
}

func (s *StripeProcessor) LookupPayment(ctx context.Context, paymentID string) (*PaymentInfo, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	sess, err := s.api.CheckoutSessions.Get(paymentID, params)
	if err != nil {
		var se *stripe.Error
		if errors.As(err, &se) && se.HTTPStatusCode == http.StatusNotFound {
			return nil, ErrPaymentNotFound
		}
		return nil, mapStripeError(err)
	}
	return SessionInfo(sess), nil
}

// SessionInfo converts a checkout session into PaymentInfo.
func SessionInfo(sess *stripe.CheckoutSession) *PaymentInfo {
	status := StatusPending
	switch {
	case sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid:
		status = StatusApproved
	case sess.Status == stripe.CheckoutSessionStatusExpired:
		status = StatusCancelled
	case sess.Status == stripe.CheckoutSessionStatusComplete:
		status = StatusInProcess
	}
	ref := sess.ClientReferenceID
	if ref == "" && sess.Metadata != nil {
		ref = sess.Metadata["external_reference"]
	}
	return &PaymentInfo{
		ID:        sess.ID,
		Status:    status,
		Reference: ref,
		Amount:    fromMinorUnits(sess.AmountTotal),
		Currency:  strings.ToUpper(string(sess.Currency)),
	}
}

func mapStripeError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrGatewayTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrGatewayTimeout, err)
	}
	var se *stripe.Error
	if errors.As(err, &se) {
		if se.HTTPStatusCode == http.StatusTooManyRequests || se.HTTPStatusCode >= 500 {
			return fmt.Errorf("%w: stripe %d: %s", ErrGatewayUnavailable, se.HTTPStatusCode, se.Msg)
		}
		return fmt.Errorf("%w: stripe %d: %s", ErrRejected, se.HTTPStatusCode, se.Msg)
	}
	return fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
}

func toMinorUnits(d decimal.Decimal) int64 {
	return d.Shift(2).Round(0).IntPart()
}

func fromMinorUnits(n int64) decimal.Decimal {
	return decimal.New(n, -2)
}

var _ Processor = (*StripeProcessor)(nil)
