//go:build integration

package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/homeserv/internal/dbtx"
	"github.com/mbd888/homeserv/internal/pagination"
	"github.com/mbd888/homeserv/internal/testutil"
)

func TestPostgresStore_RoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)

	sr := assigned(t)
	require.NoError(t, store.Create(ctx, sr))

	got, err := store.Get(ctx, sr.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAssigned, got.Status)
	assert.Equal(t, sr.Version, got.Version)
	assert.Equal(t, "worker_1", got.WorkerID)
	assert.Equal(t, sr.VerificationCode, got.VerificationCode)
	assert.Equal(t, []string{"worker_1"}, got.TriedWorkers)
	assert.True(t, got.Pricing.Total.Equal(d("110")))
	assert.True(t, got.AreaM2.Equal(d("40")))
	require.NotNil(t, got.Estimation)
	assert.Equal(t, 4.0, got.Estimation.DifficultyScore)

	_, err = store.Get(ctx, "sr_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStore_SaveIsCompareAndSwap(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)
	sr := offered(t)
	require.NoError(t, store.Create(ctx, sr))

	a, err := store.Get(ctx, sr.ID)
	require.NoError(t, err)
	b, err := store.Get(ctx, sr.ID)
	require.NoError(t, err)

	require.NoError(t, a.Accept("worker_1", a.Version, t0.Add(time.Minute)))
	require.NoError(t, store.Save(ctx, a))

	require.NoError(t, b.Decline("worker_1", t0.Add(time.Minute)))
	assert.ErrorIs(t, store.Save(ctx, b), ErrConcurrencyConflict)

	got, err := store.Get(ctx, sr.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAssigned, got.Status)
}

func TestPostgresStore_SweepQueries(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)

	waiting := offered(t)
	require.NoError(t, store.Create(ctx, waiting))
	done := completed(t)
	require.NoError(t, store.Create(ctx, done))

	timedOut, err := store.ListOfferTimedOut(ctx, t0.Add(5*time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, timedOut)
	timedOut, err = store.ListOfferTimedOut(ctx, t0.Add(11*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, timedOut, 1)
	assert.Equal(t, waiting.ID, timedOut[0].ID)

	due, err := store.ListPayoutDue(ctx, t0.Add(24*time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due)
	due, err = store.ListPayoutDue(ctx, t0.Add(72*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, done.ID, due[0].ID)

	deferred := due[0]
	require.NoError(t, deferred.DeferPayout(t0.Add(73*time.Hour), "payment is not paid", t0.Add(72*time.Hour)))
	require.NoError(t, store.Save(ctx, deferred))
	due, err = store.ListPayoutDue(ctx, t0.Add(72*time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due)
	due, err = store.ListPayoutDue(ctx, t0.Add(73*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.NotNil(t, due[0].PayoutRetryAt)
	assert.True(t, due[0].PayoutRetryAt.Equal(t0.Add(73*time.Hour)))

	byClient, err := store.List(ctx, ListQuery{ClientID: "client_1", Limit: 10})
	require.NoError(t, err)
	require.Len(t, byClient, 2)
	newest := byClient[0]

	rest, err := store.List(ctx, ListQuery{
		ClientID: "client_1",
		Limit:    10,
		After:    &pagination.Cursor{CreatedAt: newest.CreatedAt, ID: newest.ID},
	})
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, byClient[1].ID, rest[0].ID)
}

func TestPostgresStore_RollbackDiscardsSave(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)
	runner := dbtx.NewSQLRunner(db)
	sr := offered(t)
	require.NoError(t, store.Create(ctx, sr))

	err := runner.Run(ctx, func(ctx context.Context) error {
		cur, err := store.Get(ctx, sr.ID)
		if err != nil {
			return err
		}
		if err := cur.Cancel(PartySystem, "ops", nil, t0); err != nil {
			return err
		}
		if err := store.Save(ctx, cur); err != nil {
			return err
		}
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)

	got, err := store.Get(ctx, sr.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusOffering, got.Status)
}
