package processor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81"

	"github.com/mbd888/homeserv/internal/circuitbreaker"
	"github.com/mbd888/homeserv/internal/retry"
)

var fastPolicy = retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

func TestSandbox_PreferenceAndLookup(t *testing.T) {
	sb := NewSandbox("http://localhost:8080/")
	ctx := context.Background()

	pref, err := sb.CreatePreference(ctx, PreferenceRequest{
		Reference: "SR-1-1700000000",
		Amount:    decimal.RequireFromString("1000.00"),
		Currency:  "USD",
	})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/checkout/"+pref.ID, pref.RedirectURL)

	payID, ok := sb.Complete(pref.ID, StatusApproved)
	require.True(t, ok)

	info, err := sb.LookupPayment(ctx, payID)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, info.Status)
	assert.Equal(t, "SR-1-1700000000", info.Reference)
	assert.True(t, info.Amount.Equal(decimal.RequireFromString("1000")))

	_, err = sb.LookupPayment(ctx, "missing")
	assert.ErrorIs(t, err, ErrPaymentNotFound)

	_, ok = sb.Complete("missing", StatusApproved)
	assert.False(t, ok)
}

func TestResilient_RetriesTransient(t *testing.T) {
	sb := NewSandbox("http://x")
	sb.FailNext(ErrGatewayUnavailable, ErrGatewayTimeout)
	r := NewResilient(sb, circuitbreaker.New("sandbox", 5, time.Minute), fastPolicy, time.Second, nil)

	pref, err := r.CreatePreference(context.Background(), PreferenceRequest{Reference: "r", Amount: decimal.NewFromInt(10)})
	require.NoError(t, err)
	assert.NotEmpty(t, pref.ID)
}

func TestResilient_DoesNotRetryRejection(t *testing.T) {
	sb := NewSandbox("http://x")
	sb.FailNext(fmt.Errorf("%w: bad amount", ErrRejected))
	r := NewResilient(sb, circuitbreaker.New("sandbox", 5, time.Minute), fastPolicy, time.Second, nil)

	_, err := r.CreatePreference(context.Background(), PreferenceRequest{Reference: "r"})
	assert.ErrorIs(t, err, ErrRejected)

	// Only one failure was queued, so a second call succeeds.
	_, err = r.CreatePreference(context.Background(), PreferenceRequest{Reference: "r"})
	assert.NoError(t, err)
}

func TestResilient_BreakerOpensAndFailsFast(t *testing.T) {
	sb := NewSandbox("http://x")
	sb.FailNext(ErrGatewayUnavailable, ErrGatewayUnavailable)
	br := circuitbreaker.New("sandbox", 2, time.Hour)
	r := NewResilient(sb, br, retry.Policy{MaxAttempts: 1}, time.Second, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := r.LookupPayment(ctx, "p")
		require.ErrorIs(t, err, ErrGatewayUnavailable)
	}
	assert.Equal(t, circuitbreaker.StateOpen, br.State())

	_, err := r.LookupPayment(ctx, "p")
	assert.ErrorIs(t, err, ErrGatewayUnavailable)
	assert.Contains(t, err.Error(), "circuit open")
}

func TestResilient_BreakerRecoversAfterCooldown(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	sb := NewSandbox("http://x")
	sb.FailNext(ErrGatewayTimeout, ErrGatewayTimeout)
	br := circuitbreaker.New("sandbox", 2, time.Minute).WithClock(func() time.Time { return now })
	r := NewResilient(sb, br, retry.Policy{MaxAttempts: 1}, time.Second, nil)
	ctx := context.Background()
	req := PreferenceRequest{Reference: "r", Amount: decimal.NewFromInt(10)}

	for i := 0; i < 2; i++ {
		_, err := r.CreatePreference(ctx, req)
		require.ErrorIs(t, err, ErrGatewayTimeout)
	}
	_, err := r.CreatePreference(ctx, req)
	require.ErrorIs(t, err, ErrGatewayUnavailable, "fails fast while open")

	now = now.Add(time.Minute)
	pref, err := r.CreatePreference(ctx, req)
	require.NoError(t, err, "trial call goes through after cooldown")
	assert.NotEmpty(t, pref.ID)
	assert.Equal(t, circuitbreaker.StateClosed, br.State())
}

func TestResilient_FailedTrialReopensBreaker(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	sb := NewSandbox("http://x")
	sb.FailNext(ErrGatewayUnavailable, ErrGatewayUnavailable)
	br := circuitbreaker.New("sandbox", 1, time.Minute).WithClock(func() time.Time { return now })
	r := NewResilient(sb, br, retry.Policy{MaxAttempts: 1}, time.Second, nil)
	ctx := context.Background()

	_, err := r.LookupPayment(ctx, "p")
	require.ErrorIs(t, err, ErrGatewayUnavailable)
	require.Equal(t, circuitbreaker.StateOpen, br.State())

	now = now.Add(time.Minute)
	_, err = r.LookupPayment(ctx, "p")
	require.ErrorIs(t, err, ErrGatewayUnavailable)
	assert.NotContains(t, err.Error(), "circuit open", "the trial call reached the gateway")
	assert.Equal(t, circuitbreaker.StateOpen, br.State())

	_, err = r.LookupPayment(ctx, "p")
	assert.Contains(t, err.Error(), "circuit open")
}

func TestResilient_RejectionsDoNotTripBreaker(t *testing.T) {
	sb := NewSandbox("http://x")
	sb.FailNext(ErrRejected, ErrRejected, ErrRejected)
	br := circuitbreaker.New("sandbox", 2, time.Hour)
	r := NewResilient(sb, br, retry.Policy{MaxAttempts: 1}, time.Second, nil)

	for i := 0; i < 3; i++ {
		_, err := r.LookupPayment(context.Background(), "p")
		require.ErrorIs(t, err, ErrRejected)
	}
	assert.Equal(t, circuitbreaker.StateClosed, br.State())
}

type slowProcessor struct{ *Sandbox }

func (s *slowProcessor) LookupPayment(ctx context.Context, _ string) (*PaymentInfo, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestResilient_TimeoutIsTransient(t *testing.T) {
	slow := &slowProcessor{Sandbox: NewSandbox("http://x")}
	r := NewResilient(slow, circuitbreaker.New("sandbox", 5, time.Minute), retry.Policy{MaxAttempts: 1}, 5*time.Millisecond, nil)

	_, err := r.LookupPayment(context.Background(), "p")
	assert.ErrorIs(t, err, ErrGatewayTimeout)
	assert.True(t, IsTransient(err))
}

func TestMapStripeError(t *testing.T) {
	tests := []struct {
		name string
		in   error
		want error
	}{
		{"deadline", context.DeadlineExceeded, ErrGatewayTimeout},
		{"server error", &stripe.Error{HTTPStatusCode: http.StatusBadGateway, Msg: "upstream"}, ErrGatewayUnavailable},
		{"rate limited", &stripe.Error{HTTPStatusCode: http.StatusTooManyRequests}, ErrGatewayUnavailable},
		{"card declined", &stripe.Error{HTTPStatusCode: http.StatusPaymentRequired, Msg: "declined"}, ErrRejected},
		{"other", errors.New("connection reset"), ErrGatewayUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, mapStripeError(tt.in), tt.want)
		})
	}
}

func TestSessionInfo(t *testing.T) {
	sess := &stripe.CheckoutSession{
		ID:                "cs_test_1",
		ClientReferenceID: "SR-9-1",
		PaymentStatus:     stripe.CheckoutSessionPaymentStatusPaid,
		AmountTotal:       123456,
		Currency:          stripe.CurrencyUSD,
	}
	info := SessionInfo(sess)
	assert.Equal(t, StatusApproved, info.Status)
	assert.Equal(t, "SR-9-1", info.Reference)
	assert.Equal(t, "USD", info.Currency)
	assert.True(t, info.Amount.Equal(decimal.RequireFromString("1234.56")))

	expired := SessionInfo(&stripe.CheckoutSession{Status: stripe.CheckoutSessionStatusExpired, Metadata: map[string]string{"external_reference": "SR-2"}})
	assert.Equal(t, StatusCancelled, expired.Status)
	assert.Equal(t, "SR-2", expired.Reference)
}

func TestMinorUnits(t *testing.T) {
	assert.Equal(t, int64(100050), toMinorUnits(decimal.RequireFromString("1000.50")))
	assert.True(t, fromMinorUnits(1999).Equal(decimal.RequireFromString("19.99")))
}
