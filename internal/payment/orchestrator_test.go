package payment

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/homeserv/internal/commission"
	"github.com/mbd888/homeserv/internal/dbtx"
	"github.com/mbd888/homeserv/internal/ledger"
	"github.com/mbd888/homeserv/internal/outbox"
	"github.com/mbd888/homeserv/internal/processor"
	"github.com/mbd888/homeserv/internal/wallet"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type mutableRates struct{ r commission.Rates }

func (m *mutableRates) Current(context.Context) commission.Rates { return m.r }

type harness struct {
	o       *Orchestrator
	store   *MemoryStore
	ledger  *ledger.Ledger
	wallets *wallet.Manager
	gateway *processor.Sandbox
	events  *outbox.MemoryStore
	rates   *mutableRates
}

func newHarness(t *testing.T, debtLimit string) *harness {
	t.Helper()
	runner := dbtx.NewMemoryRunner()
	l := ledger.New(ledger.NewMemoryStore(), runner)
	wallets := wallet.NewManager(wallet.NewMemoryStore(), l, runner, d(debtLimit))
	rates := &mutableRates{r: commission.Rates{PlatformFeeRate: d("0.10")}}
	gw := processor.NewSandbox("https://checkout.test")
	events := outbox.NewMemoryStore()
	store := NewMemoryStore()

	o := NewOrchestrator(store, runner, commission.NewEngine(rates, "USD"), gw, l, wallets).
		WithOutbox(events).
		WithClock(func() time.Time { return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC) })
	wallets.WithDebtCharger(o)

	return &harness{o: o, store: store, ledger: l, wallets: wallets, gateway: gw, events: events, rates: rates}
}

func (h *harness) balance(t *testing.T, account string) decimal.Decimal {
	t.Helper()
	b, err := h.ledger.BalanceOf(context.Background(), account)
	require.NoError(t, err)
	return b
}

func (h *harness) entries(t *testing.T, txID string) int {
	t.Helper()
	e, err := h.ledger.EntriesForTransaction(context.Background(), txID)
	require.NoError(t, err)
	return len(e)
}

func (h *harness) topics() []string {
	var out []string
	for _, m := range h.events.All() {
		out = append(out, m.Topic)
	}
	return out
}

func gatewayReq(ref string) CreateRequest {
	return CreateRequest{
		UserID:           "client_1",
		ProfessionalID:   "worker_1",
		ServiceRequestID: "sr_1",
		Method:           MethodGateway,
		Amount:           d("1000"),
		Reference:        ref,
	}
}

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusAuthorized, true},
		{StatusPending, StatusPaid, true},
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusCancelled, true},
		{StatusAuthorized, StatusPaid, true},
		{StatusAuthorized, StatusRefunded, false},
		{StatusPaid, StatusRefunded, true},
		{StatusPaid, StatusFailed, false},
		{StatusFailed, StatusPaid, false},
		{StatusCancelled, StatusPending, false},
		{StatusRefunded, StatusPaid, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, tt.from.CanTransitionTo(tt.to), "%s -> %s", tt.from, tt.to)
	}
	assert.True(t, StatusRefunded.IsTerminal())
	assert.False(t, StatusPaid.IsTerminal())
}

func TestCashPayment_SettlesAndBlocksWorker(t *testing.T) {
	h := newHarness(t, "-50")
	ctx := context.Background()

	tx, err := h.o.CreatePayment(ctx, CreateRequest{
		UserID:         "client_1",
		ProfessionalID: "worker_1",
		Method:         MethodCash,
		Amount:         d("1000"),
	})
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, tx.Status)
	assert.NotNil(t, tx.PaidAt)
	assert.True(t, tx.Snapshot.PlatformAmount.Equal(d("100")))
	assert.True(t, tx.Snapshot.ProfessionalAmount.Equal(d("900")))

	assert.True(t, h.balance(t, "worker_1").Equal(d("900")))
	assert.True(t, h.balance(t, ledger.PlatformAccount).Equal(d("100")))

	status, err := h.wallets.GetDebtStatus(ctx, "worker_1")
	require.NoError(t, err)
	assert.True(t, status.DebtAmount.Equal(d("100")))
	assert.False(t, status.CanReceiveJobs)
	assert.Equal(t, []string{TopicPaymentPaid}, h.topics())
}

func TestCreatePayment_IdempotentOnReference(t *testing.T) {
	h := newHarness(t, "-500")
	ctx := context.Background()
	req := CreateRequest{
		UserID:         "client_1",
		ProfessionalID: "worker_1",
		Method:         MethodCash,
		Amount:         d("250"),
		Reference:      "client-ref-1",
	}

	first, err := h.o.CreatePayment(ctx, req)
	require.NoError(t, err)
	before := h.entries(t, first.ID)

	second, err := h.o.CreatePayment(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, before, h.entries(t, first.ID))
	assert.Len(t, h.events.All(), 1)
}

func TestGatewayPayment_PendingThenApproved(t *testing.T) {
	h := newHarness(t, "0")
	ctx := context.Background()

	tx, err := h.o.CreatePayment(ctx, gatewayReq("SR-sr_1-a"))
	require.NoError(t, err)
	assert.Equal(t, StatusPending, tx.Status)
	assert.Equal(t, "https://checkout.test/checkout/"+tx.PreferenceID, tx.RedirectURL)
	assert.Zero(t, h.entries(t, tx.ID), "no ledger entries before confirmation")

	paid, err := h.o.HandlePaymentApproved(ctx, tx.Reference, "gw_123")
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, paid.Status)
	assert.Equal(t, "gw_123", paid.GatewayPaymentID)

	assert.True(t, h.balance(t, "client_1").Equal(d("-1000")))
	assert.True(t, h.balance(t, "worker_1").Equal(d("900")))
	assert.True(t, h.balance(t, ledger.PlatformAccount).Equal(d("100")))

	w, err := h.wallets.Get(ctx, "worker_1")
	require.NoError(t, err)
	assert.True(t, w.BalancePending.Equal(d("900")))

	entries := h.entries(t, tx.ID)
	_, err = h.o.HandlePaymentApproved(ctx, tx.Reference, "gw_123")
	assert.ErrorIs(t, err, ErrNotPending)
	assert.Equal(t, entries, h.entries(t, tx.ID))
	assert.Equal(t, []string{TopicPaymentCreated, TopicPaymentPaid}, h.topics())
}

func TestGatewayPayment_SnapshotFrozenAtCreation(t *testing.T) {
	h := newHarness(t, "0")
	ctx := context.Background()

	tx, err := h.o.CreatePayment(ctx, gatewayReq(""))
	require.NoError(t, err)
	assert.Contains(t, tx.Reference, "SR-sr_1-")

	h.rates.r = commission.Rates{PlatformFeeRate: d("0.25")}
	_, err = h.o.HandlePaymentApproved(ctx, tx.Reference, "gw_1")
	require.NoError(t, err)

	assert.True(t, h.balance(t, ledger.PlatformAccount).Equal(d("100")), "later rate changes must not apply")
}

func TestGatewayPayment_Failed(t *testing.T) {
	h := newHarness(t, "0")
	ctx := context.Background()
	tx, err := h.o.CreatePayment(ctx, gatewayReq("ref-f"))
	require.NoError(t, err)

	failed, err := h.o.HandlePaymentFailed(ctx, tx.Reference, processor.StatusRejected, "cc_rejected_insufficient_amount")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, failed.Status)
	assert.Equal(t, "cc_rejected_insufficient_amount", failed.FailureReason)

	_, err = h.o.HandlePaymentApproved(ctx, tx.Reference, "gw")
	assert.ErrorIs(t, err, ErrNotPending)

	_, err = h.o.HandlePaymentFailed(ctx, tx.Reference, processor.StatusCancelled, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// A failed payment no longer blocks a new one for the job.
	_, err = h.o.CreatePayment(ctx, gatewayReq("ref-g"))
	assert.NoError(t, err)
}

func TestCreatePayment_OneActivePerServiceRequest(t *testing.T) {
	h := newHarness(t, "0")
	ctx := context.Background()
	_, err := h.o.CreatePayment(ctx, gatewayReq("ref-1"))
	require.NoError(t, err)

	_, err = h.o.CreatePayment(ctx, gatewayReq("ref-2"))
	assert.ErrorIs(t, err, ErrActivePaymentExists)
}

func TestCreatePayment_GatewayDownCreatesNothing(t *testing.T) {
	h := newHarness(t, "0")
	h.gateway.FailNext(processor.ErrGatewayUnavailable)

	_, err := h.o.CreatePayment(context.Background(), gatewayReq("ref-down"))
	require.ErrorIs(t, err, processor.ErrGatewayUnavailable)

	_, err = h.store.GetByReference(context.Background(), "ref-down")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreatePayment_Validation(t *testing.T) {
	h := newHarness(t, "0")
	ctx := context.Background()

	req := gatewayReq("x")
	req.Amount = d("0")
	_, err := h.o.CreatePayment(ctx, req)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	req = gatewayReq("x")
	req.Method = "BARTER"
	_, err = h.o.CreatePayment(ctx, req)
	assert.ErrorIs(t, err, ErrInvalidMethod)

	req = gatewayReq("x")
	req.ProfessionalID = ""
	_, err = h.o.CreatePayment(ctx, req)
	assert.ErrorIs(t, err, ErrMissingProfessional)

	quoted := commission.FromBase(commission.Rates{PlatformFeeRate: d("0.10")}, "USD", d("100"))
	req = gatewayReq("x")
	req.Breakdown = &quoted
	_, err = h.o.CreatePayment(ctx, req)
	assert.ErrorIs(t, err, ErrBreakdownMismatch)
}

func TestCashPayment_UsesQuotedBreakdown(t *testing.T) {
	h := newHarness(t, "-500")
	quoted := commission.FromBase(commission.Rates{PlatformFeeRate: d("0.10")}, "USD", d("100"))
	req := CreateRequest{
		UserID:           "client_1",
		ProfessionalID:   "worker_1",
		ServiceRequestID: "sr_1",
		Method:           MethodCash,
		Amount:           quoted.Total,
		Breakdown:        &quoted,
	}

	tx, err := h.o.CreatePayment(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, tx.Snapshot.ProfessionalAmount.Equal(d("90")))
	assert.True(t, tx.Snapshot.PlatformAmount.Equal(d("20")))
	assert.True(t, h.balance(t, "worker_1").Equal(d("90")))
	assert.True(t, h.balance(t, ledger.PlatformAccount).Equal(d("20")))
}

func TestRefund(t *testing.T) {
	h := newHarness(t, "0")
	ctx := context.Background()
	tx, err := h.o.CreatePayment(ctx, gatewayReq("ref-r"))
	require.NoError(t, err)

	_, err = h.o.Refund(ctx, tx.ID, "client changed mind")
	assert.ErrorIs(t, err, ErrInvalidTransition, "pending payments cannot be refunded")

	_, err = h.o.HandlePaymentApproved(ctx, tx.Reference, "gw")
	require.NoError(t, err)

	refunded, err := h.o.Refund(ctx, tx.ID, "no show")
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, refunded.Status)
	assert.True(t, h.balance(t, "client_1").IsZero())
	assert.True(t, h.balance(t, "worker_1").IsZero())
	assert.True(t, h.balance(t, ledger.PlatformAccount).IsZero())

	w, err := h.wallets.Get(ctx, "worker_1")
	require.NoError(t, err)
	assert.True(t, w.BalancePending.IsZero())

	_, err = h.o.Refund(ctx, tx.ID, "again")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestRefundForServiceRequest_CancelsUnpaid(t *testing.T) {
	h := newHarness(t, "0")
	ctx := context.Background()
	_, err := h.o.CreatePayment(ctx, gatewayReq("ref-u"))
	require.NoError(t, err)

	tx, err := h.o.RefundForServiceRequest(ctx, "sr_1", "job cancelled")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, tx.Status)

	_, err = h.o.RefundForServiceRequest(ctx, "sr_1", "job cancelled")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReleaseForServiceRequest(t *testing.T) {
	h := newHarness(t, "0")
	ctx := context.Background()
	tx, err := h.o.CreatePayment(ctx, gatewayReq("ref-rel"))
	require.NoError(t, err)

	_, err = h.o.ReleaseForServiceRequest(ctx, "sr_1")
	assert.ErrorIs(t, err, ErrNotPaid)

	_, err = h.o.HandlePaymentApproved(ctx, tx.Reference, "gw")
	require.NoError(t, err)

	released, err := h.o.ReleaseForServiceRequest(ctx, "sr_1")
	require.NoError(t, err)
	assert.NotNil(t, released.ReleasedAt)

	w, err := h.wallets.Get(ctx, "worker_1")
	require.NoError(t, err)
	assert.True(t, w.BalancePending.IsZero())
	assert.True(t, w.BalanceAvailable.Equal(d("900")))

	_, err = h.o.ReleaseForServiceRequest(ctx, "sr_1")
	assert.ErrorIs(t, err, ErrAlreadyReleased)
}

func TestDebtPayment_RestoresWorker(t *testing.T) {
	h := newHarness(t, "-50")
	ctx := context.Background()

	_, err := h.o.CreatePayment(ctx, CreateRequest{
		UserID: "client_1", ProfessionalID: "worker_1", Method: MethodCash, Amount: d("1000"),
	})
	require.NoError(t, err)

	link, err := h.wallets.GenerateDebtPaymentLink(ctx, "worker_1")
	require.NoError(t, err)
	assert.True(t, link.Amount.Equal(d("100")))
	assert.NotEmpty(t, link.RedirectURL)

	tx, err := h.o.GetByReference(ctx, link.Reference)
	require.NoError(t, err)
	assert.Equal(t, PurposeDebt, tx.Purpose)

	_, err = h.o.HandlePaymentApproved(ctx, link.Reference, "gw_debt")
	require.NoError(t, err)

	status, err := h.wallets.GetDebtStatus(ctx, "worker_1")
	require.NoError(t, err)
	assert.True(t, status.DebtAmount.IsZero())
	assert.True(t, status.CanReceiveJobs)
}
