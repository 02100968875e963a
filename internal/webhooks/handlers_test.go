package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/homeserv/internal/payment"
)

const stripeSecret = "whsec_test"

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(h *harness) *gin.Engine {
	r := gin.New()
	handler := NewHandler(h.gate).WithStripeSecret(stripeSecret).WithSandbox(h.sandbox)
	v1 := r.Group("/v1")
	handler.RegisterRoutes(v1)
	handler.RegisterAdminRoutes(v1.Group("/admin"))
	return r
}

func post(r http.Handler, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func outcomeOf(t *testing.T, w *httptest.ResponseRecorder) Outcome {
	t.Helper()
	var resp struct {
		Outcome Outcome `json:"outcome"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Outcome
}

func TestPaymentNotification_AlwaysAcknowledged(t *testing.T) {
	h := newHarness(t)
	r := newRouter(h)

	tests := []struct {
		name string
		body string
		want Outcome
	}{
		{"malformed", `{not json`, OutcomeFailed},
		{"other type", `{"type":"merchant_order","data":{"id":"1"}}`, OutcomeIgnored},
		{"unknown reference", `{"type":"payment","data":{"id":"9","status":"approved","external_reference":"missing"}}`, OutcomeFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := post(r, "/v1/webhooks/payments", []byte(tt.body), nil)
			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, tt.want, outcomeOf(t, w))
		})
	}
}

func TestPaymentNotification_Approved(t *testing.T) {
	h := newHarness(t)
	r := newRouter(h)
	tx := h.pendingPayment(t, "ref-http")

	body := `{"type":"payment","data":{"id":"777","status":"approved","external_reference":"ref-http","transaction_amount":1000}}`
	w := post(r, "/v1/webhooks/payments", []byte(body), nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, OutcomeProcessed, outcomeOf(t, w))

	w = post(r, "/v1/webhooks/payments", []byte(body), nil)
	assert.Equal(t, OutcomeDuplicate, outcomeOf(t, w))

	got, err := h.payments.Get(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusPaid, got.Status)
}

func TestPaymentNotification_UnreadableBodiesRecorded(t *testing.T) {
	h := newHarness(t)
	r := newRouter(h)

	oversized := `{"type":"payment","data":{"id":"1","status_detail":"` + strings.Repeat("x", maxBodyBytes) + `"}}`
	tests := []struct {
		name string
		body string
		want error
	}{
		{"malformed", `{"type":"payment","data":`, ErrMalformedPayload},
		{"wrong id type", `{"type":"payment","data":{"id":true}}`, ErrMalformedPayload},
		{"too large", oversized, ErrPayloadTooLarge},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := post(r, "/v1/webhooks/payments", []byte(tt.body), nil)
			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, OutcomeFailed, outcomeOf(t, w))

			failures, err := h.gate.Failures(context.Background(), 50)
			require.NoError(t, err)
			require.Len(t, failures, i+1)
			found := false
			for _, f := range failures {
				if strings.Contains(f.Error, tt.want.Error()) {
					found = true
					assert.LessOrEqual(t, len(f.Payload), maxBodyBytes)
				}
			}
			assert.True(t, found, "failure with %q recorded", tt.want)
		})
	}
}

func TestPaymentNotification_NumericPaymentID(t *testing.T) {
	h := newHarness(t)
	r := newRouter(h)
	tx := h.pendingPayment(t, "ref-num")

	body := `{"type":"payment","data":{"id":98765432101234,"status":"approved","external_reference":"ref-num"}}`
	w := post(r, "/v1/webhooks/payments", []byte(body), nil)
	assert.Equal(t, OutcomeProcessed, outcomeOf(t, w))

	got, err := h.payments.Get(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusPaid, got.Status)

	// The same id sent as a string is the same event.
	body = `{"type":"payment","data":{"id":"98765432101234","status":"approved","external_reference":"ref-num"}}`
	w = post(r, "/v1/webhooks/payments", []byte(body), nil)
	assert.Equal(t, OutcomeDuplicate, outcomeOf(t, w))

	failures, err := h.gate.Failures(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, failures)
}

func TestGatewayID_Unmarshal(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{`"abc-1"`, "abc-1", false},
		{`123`, "123", false},
		{`12345678901234567890`, "12345678901234567890", false},
		{`null`, "", false},
		{`true`, "", true},
		{`{}`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var id gatewayID
			err := json.Unmarshal([]byte(tt.in), &id)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(id))
		})
	}
}

func stripeSignature(payload []byte, secret string, ts time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts.Unix())
	mac.Write(payload)
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func stripeEvent(eventType, sessionID, reference, paymentStatus string) []byte {
	return []byte(fmt.Sprintf(`{
		"id": "evt_1",
		"object": "event",
		"type": %q,
		"api_version": "2020-08-27",
		"data": {"object": {
			"id": %q,
			"object": "checkout.session",
			"client_reference_id": %q,
			"payment_status": %q,
			"status": "complete",
			"amount_total": 100000,
			"currency": "usd"
		}}
	}`, eventType, sessionID, reference, paymentStatus))
}

func TestStripeEvent_CompletedAndPaid(t *testing.T) {
	h := newHarness(t)
	r := newRouter(h)
	tx := h.pendingPayment(t, "ref-stripe")

	payload := stripeEvent("checkout.session.completed", "cs_1", "ref-stripe", "paid")
	w := post(r, "/v1/webhooks/stripe", payload, map[string]string{
		"Stripe-Signature": stripeSignature(payload, stripeSecret, time.Now()),
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, OutcomeProcessed, outcomeOf(t, w))

	got, err := h.payments.Get(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusPaid, got.Status)
	assert.Equal(t, "cs_1", got.GatewayPaymentID)
}

func TestStripeEvent_AsyncPaymentPendingOnlyLogs(t *testing.T) {
	h := newHarness(t)
	r := newRouter(h)
	h.pendingPayment(t, "ref-async")

	payload := stripeEvent("checkout.session.completed", "cs_2", "ref-async", "unpaid")
	w := post(r, "/v1/webhooks/stripe", payload, map[string]string{
		"Stripe-Signature": stripeSignature(payload, stripeSecret, time.Now()),
	})
	assert.Equal(t, OutcomeProcessed, outcomeOf(t, w))
	_, ok := h.store.Processed("stripe-cs_2-in_process")
	assert.True(t, ok)
}

func TestStripeEvent_BadSignature(t *testing.T) {
	h := newHarness(t)
	r := newRouter(h)

	payload := stripeEvent("checkout.session.completed", "cs_1", "ref", "paid")
	w := post(r, "/v1/webhooks/stripe", payload, map[string]string{
		"Stripe-Signature": stripeSignature(payload, "whsec_other", time.Now()),
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStripeEvent_UnhandledTypeAcknowledged(t *testing.T) {
	h := newHarness(t)
	r := newRouter(h)

	payload := []byte(`{"id":"evt_2","object":"event","type":"customer.created","data":{"object":{}}}`)
	w := post(r, "/v1/webhooks/stripe", payload, map[string]string{
		"Stripe-Signature": stripeSignature(payload, stripeSecret, time.Now()),
	})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, OutcomeIgnored, outcomeOf(t, w))
}

func TestCompleteSandboxCheckout(t *testing.T) {
	h := newHarness(t)
	r := newRouter(h)
	tx := h.pendingPayment(t, "ref-sbx")

	w := post(r, "/v1/sandbox/checkout/"+tx.PreferenceID, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, OutcomeProcessed, outcomeOf(t, w))

	got, err := h.payments.Get(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusPaid, got.Status)
	assert.True(t, strings.HasPrefix(got.GatewayPaymentID, "sbx_"))

	w = post(r, "/v1/sandbox/checkout/pref_missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListFailures(t *testing.T) {
	h := newHarness(t)
	r := newRouter(h)
	h.gate.Handle(context.Background(), approved("missing", "gw_1"))

	req := httptest.NewRequest(http.MethodGet, "/v1/admin/webhooks/failures", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)
}
