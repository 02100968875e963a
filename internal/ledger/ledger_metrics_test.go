package ledger

import (
	"context"
	"testing"

	dto "github.com/prometheus/client_model/go"
)

func TestObserveOp_IncrementsCounter(t *testing.T) {
	LedgerOpsTotal.Reset()

	done := observeOp("test_op")
	done()

	m := &dto.Metric{}
	counter, err := LedgerOpsTotal.GetMetricWithLabelValues("test_op")
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues failed: %v", err)
	}
	_ = counter.Write(m)

	if m.Counter.GetValue() != 1.0 {
		t.Errorf("expected counter value 1, got %f", m.Counter.GetValue())
	}
}

func TestRejectedBatchesCounted(t *testing.T) {
	l, _, _ := newTestLedger()

	before := &dto.Metric{}
	_ = LedgerRejectedTotal.Write(before)

	b := &Batch{}
	b.Debit("a", d("1"), "")
	_, _ = l.AppendBatch(context.Background(), *b)

	after := &dto.Metric{}
	_ = LedgerRejectedTotal.Write(after)
	if after.Counter.GetValue() != before.Counter.GetValue()+1 {
		t.Errorf("expected rejected counter to increase by one")
	}
}
