//go:build integration

package scheduler

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/mbd888/homeserv/internal/testutil"
)

func TestPostgresLease_ExclusiveUntilExpiry(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	a := NewPostgresLease(db, "instance-a", time.Minute)
	b := NewPostgresLease(db, "instance-b", time.Minute)

	release, ok, err := a.Acquire(ctx, "payout_release")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = b.Acquire(ctx, "payout_release")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = b.Acquire(ctx, "worker_timeout")
	require.NoError(t, err)
	assert.True(t, ok)

	release()
	releaseB, ok, err := b.Acquire(ctx, "payout_release")
	require.NoError(t, err)
	assert.True(t, ok)
	releaseB()

	// An abandoned lease is taken over once it expires.
	_, ok, err = a.Acquire(ctx, "stale")
	require.NoError(t, err)
	require.True(t, ok)
	b.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, ok, err = b.Acquire(ctx, "stale")
	require.NoError(t, err)
	assert.True(t, ok)
}

func redisClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		if os.Getenv("SKIP_TESTCONTAINERS") != "" {
			t.Skip("REDIS_ADDR not set and testcontainers disabled")
		}
		ctx := context.Background()
		ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "redis:7-alpine",
				ExposedPorts: []string{"6379/tcp"},
				WaitingFor:   wait.ForLog("Ready to accept connections"),
			},
			Started: true,
		})
		if err != nil {
			t.Skipf("could not start redis container: %v", err)
		}
		t.Cleanup(func() { _ = ctr.Terminate(context.Background()) })
		addr, err = ctr.Endpoint(ctx, "")
		require.NoError(t, err)
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(context.Background()).Err())
	return client
}

func TestRedisLease_Exclusive(t *testing.T) {
	client := redisClient(t)
	ctx := context.Background()
	require.NoError(t, client.Del(ctx, leaseKey("payout_release")).Err())

	a := NewRedisLease(client, "instance-a", time.Minute)
	b := NewRedisLease(client, "instance-b", time.Minute)

	release, ok, err := a.Acquire(ctx, "payout_release")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = b.Acquire(ctx, "payout_release")
	require.NoError(t, err)
	assert.False(t, ok)

	release()
	releaseB, ok, err := b.Acquire(ctx, "payout_release")
	require.NoError(t, err)
	assert.True(t, ok)

	// A stale release from a must not drop b's lease.
	release()
	holder, err := client.Get(ctx, leaseKey("payout_release")).Result()
	require.NoError(t, err)
	assert.Equal(t, "instance-b", holder)
	releaseB()
}
