package webhooks

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/homeserv/internal/commission"
	"github.com/mbd888/homeserv/internal/dbtx"
	"github.com/mbd888/homeserv/internal/ledger"
	"github.com/mbd888/homeserv/internal/payment"
	"github.com/mbd888/homeserv/internal/processor"
	"github.com/mbd888/homeserv/internal/wallet"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type harness struct {
	gate     *Gate
	store    *MemoryStore
	payments *payment.Orchestrator
	ledger   *ledger.Ledger
	sandbox  *processor.Sandbox
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	runner := dbtx.NewMemoryRunner()
	l := ledger.New(ledger.NewMemoryStore(), runner)
	wallets := wallet.NewManager(wallet.NewMemoryStore(), l, runner, d("0"))
	engine := commission.NewEngine(commission.StaticRates{PlatformFeeRate: d("0.10")}, "USD")
	sb := processor.NewSandbox("https://checkout.test")
	o := payment.NewOrchestrator(payment.NewMemoryStore(), runner, engine, sb, l, wallets)
	store := NewMemoryStore()
	return &harness{
		gate:     NewGate(store, runner, o, sb),
		store:    store,
		payments: o,
		ledger:   l,
		sandbox:  sb,
	}
}

func (h *harness) pendingPayment(t *testing.T, ref string) *payment.Transaction {
	t.Helper()
	tx, err := h.payments.CreatePayment(context.Background(), payment.CreateRequest{
		UserID:           "client_1",
		ProfessionalID:   "worker_1",
		ServiceRequestID: "sr_" + ref,
		Method:           payment.MethodGateway,
		Amount:           d("1000"),
		Reference:        ref,
	})
	require.NoError(t, err)
	return tx
}

func (h *harness) balance(t *testing.T, account string) decimal.Decimal {
	t.Helper()
	b, err := h.ledger.BalanceOf(context.Background(), account)
	require.NoError(t, err)
	return b
}

func approved(ref, paymentID string) Notification {
	amount := d("1000")
	return Notification{
		Provider:  "sandbox",
		PaymentID: paymentID,
		Status:    processor.StatusApproved,
		Reference: ref,
		Amount:    &amount,
	}
}

func TestEventKey(t *testing.T) {
	assert.Equal(t, "mp-123-approved", EventKey("mp", "123", "approved"))
	n := Notification{Provider: "stripe", PaymentID: "cs_1", Status: processor.StatusRejected}
	assert.Equal(t, "stripe-cs_1-rejected", n.Key())
}

func TestGate_ApprovedSettlesOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tx := h.pendingPayment(t, "ref-1")

	assert.Equal(t, OutcomeProcessed, h.gate.Handle(ctx, approved("ref-1", "gw_1")))

	got, err := h.payments.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusPaid, got.Status)
	workerAfterFirst := h.balance(t, "worker_1")
	assert.True(t, workerAfterFirst.Equal(d("900")))

	ev, ok := h.store.Processed("sandbox-gw_1-approved")
	require.True(t, ok)
	assert.Equal(t, OutcomeProcessed, ev.Outcome)

	// Replays change nothing.
	for i := 0; i < 3; i++ {
		assert.Equal(t, OutcomeDuplicate, h.gate.Handle(ctx, approved("ref-1", "gw_1")))
	}
	assert.True(t, h.balance(t, "worker_1").Equal(workerAfterFirst))
	assert.True(t, h.balance(t, "client_1").Equal(d("-1000")))
}

func TestGate_SecondApprovalWithNewIDIsIgnored(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.pendingPayment(t, "ref-1")

	require.Equal(t, OutcomeProcessed, h.gate.Handle(ctx, approved("ref-1", "gw_1")))
	assert.Equal(t, OutcomeIgnored, h.gate.Handle(ctx, approved("ref-1", "gw_2")))
	assert.True(t, h.balance(t, "worker_1").Equal(d("900")))

	_, ok := h.store.Processed("sandbox-gw_2-approved")
	assert.True(t, ok, "ignored events are still logged")
}

func TestGate_PendingOnlyLogs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tx := h.pendingPayment(t, "ref-p")

	n := approved("ref-p", "gw_p")
	n.Status = processor.StatusInProcess
	assert.Equal(t, OutcomeProcessed, h.gate.Handle(ctx, n))

	got, err := h.payments.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusPending, got.Status)
	assert.True(t, h.balance(t, "worker_1").IsZero())
}

func TestGate_RejectedFailsPayment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tx := h.pendingPayment(t, "ref-r")

	n := approved("ref-r", "gw_r")
	n.Status = processor.StatusRejected
	n.StatusDetail = "cc_rejected_bad_filled_security_code"
	assert.Equal(t, OutcomeProcessed, h.gate.Handle(ctx, n))

	got, err := h.payments.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusFailed, got.Status)
	assert.Equal(t, "cc_rejected_bad_filled_security_code", got.FailureReason)

	// A late approval for a failed payment books nothing.
	assert.Equal(t, OutcomeIgnored, h.gate.Handle(ctx, approved("ref-r", "gw_r")))
	assert.True(t, h.balance(t, "worker_1").IsZero())
}

func TestGate_AmountMismatchIsRecorded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tx := h.pendingPayment(t, "ref-m")

	n := approved("ref-m", "gw_m")
	wrong := d("10")
	n.Amount = &wrong
	n.Payload = []byte(`{"type":"payment"}`)
	assert.Equal(t, OutcomeFailed, h.gate.Handle(ctx, n))

	got, err := h.payments.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusPending, got.Status)

	failures, err := h.gate.Failures(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, "sandbox-gw_m-approved", failures[0].EventKey)
	assert.Contains(t, failures[0].Error, payment.ErrAmountMismatch.Error())

	// The key is not logged, so a corrected notification still applies.
	_, ok := h.store.Processed("sandbox-gw_m-approved")
	assert.False(t, ok)
	assert.Equal(t, OutcomeProcessed, h.gate.Handle(ctx, approved("ref-m", "gw_m")))
}

func TestGate_UnknownReference(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, OutcomeFailed, h.gate.Handle(context.Background(), approved("nope", "gw_x")))

	failures, err := h.gate.Failures(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Contains(t, failures[0].Error, payment.ErrNotFound.Error())
}

func TestGate_ResolvesReferenceAtGateway(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tx := h.pendingPayment(t, "ref-l")

	gwID, ok := h.sandbox.Complete(tx.PreferenceID, processor.StatusApproved)
	require.True(t, ok)

	outcome := h.gate.Handle(ctx, Notification{Provider: "sandbox", PaymentID: gwID, Status: processor.StatusApproved})
	assert.Equal(t, OutcomeProcessed, outcome)

	got, err := h.payments.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusPaid, got.Status)
	assert.Equal(t, gwID, got.GatewayPaymentID)
}

func TestGate_LookupFailureIsRecorded(t *testing.T) {
	h := newHarness(t)
	h.sandbox.FailNext(processor.ErrGatewayUnavailable)

	outcome := h.gate.Handle(context.Background(), Notification{
		Provider: "sandbox", PaymentID: "sbx_1", Status: processor.StatusApproved,
	})
	assert.Equal(t, OutcomeFailed, outcome)

	failures, _ := h.gate.Failures(context.Background(), 0)
	require.Len(t, failures, 1)
	assert.Contains(t, failures[0].Error, "unavailable")
}

func TestGate_MissingPaymentID(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, OutcomeFailed, h.gate.Handle(context.Background(), Notification{Provider: "sandbox"}))
}

type flakyPayments struct {
	Payments
	calls int
}

func (f *flakyPayments) HandlePaymentPending(context.Context, string, processor.PaymentStatus) (*payment.Transaction, error) {
	f.calls++
	return nil, errors.New("database gone")
}

func TestGate_FailureRollsBackEventLog(t *testing.T) {
	store := NewMemoryStore()
	fp := &flakyPayments{}
	gate := NewGate(store, dbtx.NewMemoryRunner(), fp, nil)

	n := Notification{Provider: "sandbox", PaymentID: "gw_1", Status: processor.StatusPending, Reference: "ref"}
	assert.Equal(t, OutcomeFailed, gate.Handle(context.Background(), n))
	assert.Equal(t, OutcomeFailed, gate.Handle(context.Background(), n))
	assert.Equal(t, 2, fp.calls, "failed events stay retryable")

	_, ok := store.Processed(n.Key())
	assert.False(t, ok)
	failures, _ := store.ListFailures(context.Background(), 0)
	assert.Len(t, failures, 2)
}
