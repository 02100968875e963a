package webhooks

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/mbd888/homeserv/internal/processor"
)

const maxBodyBytes = 64 << 10

// Handler exposes the inbound notification endpoints.
type Handler struct {
	gate         *Gate
	stripeSecret string
	sandbox      *processor.Sandbox
}

// NewHandler creates a webhook handler.
func NewHandler(gate *Gate) *Handler {
	return &Handler{gate: gate}
}

// WithStripeSecret enables POST /webhooks/stripe with signature checks.
func (h *Handler) WithStripeSecret(secret string) *Handler {
	h.stripeSecret = secret
	return h
}

// WithSandbox enables the sandbox checkout completion endpoint.
func (h *Handler) WithSandbox(sb *processor.Sandbox) *Handler {
	h.sandbox = sb
	return h
}

// RegisterRoutes sets up webhook routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/payments", h.PaymentNotification)
	if h.stripeSecret != "" {
		r.POST("/webhooks/stripe", h.StripeEvent)
	}
	if h.sandbox != nil {
		r.POST("/sandbox/checkout/:preferenceId", h.CompleteSandboxCheckout)
	}
}

// RegisterAdminRoutes sets up failure review routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/webhooks/failures", h.ListFailures)
}

// PaymentNotification is the generic notification body.
type PaymentNotification struct {
	Type string `json:"type"`
	Data struct {
		ID                gatewayID        `json:"id"`
		Status            string           `json:"status"`
		StatusDetail      string           `json:"status_detail"`
		ExternalReference string           `json:"external_reference"`
		TransactionAmount *decimal.Decimal `json:"transaction_amount"`
	} `json:"data"`
}

// gatewayID accepts both "123" and 123. Numeric ids keep their literal
// digits.
type gatewayID string

func (id *gatewayID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = gatewayID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("payment id: %w", err)
	}
	*id = gatewayID(n.String())
	return nil
}

// PaymentNotification handles POST /v1/webhooks/payments. It always
// answers 200. Bodies that are too large or do not parse are kept as
// failures; other notification types are ignored.
func (h *Handler) PaymentNotification(c *gin.Context) {
	ctx := c.Request.Context()
	body, err := readBody(c.Request.Body)
	if err != nil {
		ack(c, h.gate.Reject(ctx, Notification{Provider: h.gate.Provider(), Payload: body}, err))
		return
	}
	var req PaymentNotification
	if err := json.Unmarshal(body, &req); err != nil {
		ack(c, h.gate.Reject(ctx, Notification{Provider: h.gate.Provider(), Payload: body},
			fmt.Errorf("%w: %v", ErrMalformedPayload, err)))
		return
	}
	if req.Type != "payment" {
		ack(c, OutcomeIgnored)
		return
	}
	outcome := h.gate.Handle(ctx, Notification{
		Provider:     h.gate.Provider(),
		PaymentID:    string(req.Data.ID),
		Status:       processor.PaymentStatus(req.Data.Status),
		StatusDetail: req.Data.StatusDetail,
		Reference:    req.Data.ExternalReference,
		Amount:       req.Data.TransactionAmount,
		Payload:      body,
	})
	ack(c, outcome)
}

// readBody reads at most maxBodyBytes. A longer body returns the first
// maxBodyBytes with ErrPayloadTooLarge.
func readBody(r io.Reader) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, maxBodyBytes+1))
	if err != nil {
		return body, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if len(body) > maxBodyBytes {
		return body[:maxBodyBytes], ErrPayloadTooLarge
	}
	return body, nil
}

// StripeEvent handles POST /v1/webhooks/stripe. Bad signatures get 400;
// everything past verification is acknowledged.
func (h *Handler) StripeEvent(c *gin.Context) {
	body, err := readBody(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	event, err := webhook.ConstructEventWithOptions(body, c.GetHeader("Stripe-Signature"), h.stripeSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_signature", "message": err.Error()})
		return
	}

	n, ok := stripeNotification(event)
	if !ok {
		ack(c, OutcomeIgnored)
		return
	}
	n.Payload = body
	ack(c, h.gate.Handle(c.Request.Context(), n))
}

func stripeNotification(event stripe.Event) (Notification, bool) {
	var status processor.PaymentStatus
	switch event.Type {
	case "checkout.session.completed":
	case "checkout.session.async_payment_succeeded":
		status = processor.StatusApproved
	case "checkout.session.async_payment_failed":
		status = processor.StatusRejected
	case "checkout.session.expired":
		status = processor.StatusCancelled
	default:
		return Notification{}, false
	}
	if event.Data == nil {
		return Notification{}, false
	}
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return Notification{}, false
	}
	info := processor.SessionInfo(&sess)
	if status == "" {
		status = info.Status
	}
	return Notification{
		Provider:  "stripe",
		PaymentID: info.ID,
		Status:    status,
		Reference: info.Reference,
		Amount:    &info.Amount,
	}, true
}

// CompleteSandboxCheckout handles POST /v1/sandbox/checkout/:preferenceId.
// It plays the gateway: the checkout is settled with ?status= (default
// approved) and the resulting notification goes through the gate without a
// reference, the way a real gateway sends it.
func (h *Handler) CompleteSandboxCheckout(c *gin.Context) {
	status := processor.PaymentStatus(c.DefaultQuery("status", string(processor.StatusApproved)))
	paymentID, ok := h.sandbox.Complete(c.Param("preferenceId"), status)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "unknown checkout"})
		return
	}
	outcome := h.gate.Handle(c.Request.Context(), Notification{
		Provider:  h.gate.Provider(),
		PaymentID: paymentID,
		Status:    status,
	})
	c.JSON(http.StatusOK, gin.H{"paymentId": paymentID, "status": status, "outcome": outcome})
}

// ListFailures handles GET /v1/admin/webhooks/failures
func (h *Handler) ListFailures(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	failures, err := h.gate.Failures(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"failures": failures, "count": len(failures)})
}

func ack(c *gin.Context, outcome Outcome) {
	c.JSON(http.StatusOK, gin.H{"received": true, "outcome": outcome})
}
