//go:build integration

package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/homeserv/internal/dbtx"
	"github.com/mbd888/homeserv/internal/testutil"
)

func TestPostgresLedger_AppendAndVerify(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	l := New(NewPostgresStore(db), dbtx.NewSQLRunner(db))

	_, err := l.AppendBatch(ctx, CashSettle("pay_pg_1", "worker-1", tenPercentSplit("1000")))
	require.NoError(t, err)

	bal, err := l.BalanceOf(ctx, "worker-1")
	require.NoError(t, err)
	assert.True(t, bal.Equal(d("900")))

	res, err := l.Verify(ctx, "worker-1")
	require.NoError(t, err)
	assert.True(t, res.Consistent)

	entries, err := l.EntriesForTransaction(ctx, "pay_pg_1")
	require.NoError(t, err)
	assert.Len(t, entries, 4)
}

func TestPostgresLedger_RollbackOnOuterFailure(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	runner := dbtx.NewSQLRunner(db)
	l := New(NewPostgresStore(db), runner)
	boom := errors.New("boom")

	err := runner.Run(ctx, func(ctx context.Context) error {
		if _, err := l.AppendBatch(ctx, Withdrawal("wd_pg", "worker-1", d("5"))); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	entries, err := l.EntriesForTransaction(ctx, "wd_pg")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPostgresLedger_ConcurrentAppends(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	l := New(NewPostgresStore(db), dbtx.NewSQLRunner(db))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b := &Batch{}
			b.Debit(GatewayAccount, d("1.25"), "").Credit("worker-1", d("1.25"), "")
			_, _ = l.AppendBatch(ctx, *b)
		}()
	}
	wg.Wait()

	res, err := l.Verify(ctx, "worker-1")
	require.NoError(t, err)
	assert.True(t, res.Consistent, "cached %s replayed %s", res.Cached, res.Replayed)
}

func TestPostgresLedger_EntriesAreImmutable(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	l := New(NewPostgresStore(db), dbtx.NewSQLRunner(db))
	_, err := l.AppendBatch(ctx, Withdrawal("wd_imm", "worker-1", d("1")))
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, `UPDATE ledger_entries SET credit = 100 WHERE transaction_id = 'wd_imm'`)
	assert.Error(t, err, "ledger entries must reject updates")
	_, err = db.ExecContext(ctx, `DELETE FROM ledger_entries WHERE transaction_id = 'wd_imm'`)
	assert.Error(t, err, "ledger entries must reject deletes")
}
