package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Guard decides whether this process may run a sweep right now. Acquire
// returns ok=false when another run (here or on another instance) holds the
// sweep. The release func must be called once the run finishes.
type Guard interface {
	Acquire(ctx context.Context, sweep string) (release func(), ok bool, err error)
}

// LocalGuard is the in-process re-entrancy flag: a sweep is skipped while
// its previous run has not finished.
type LocalGuard struct {
	mu      sync.Mutex
	running map[string]bool
}

func NewLocalGuard() *LocalGuard {
	return &LocalGuard{running: make(map[string]bool)}
}

func (g *LocalGuard) Acquire(_ context.Context, sweep string) (func(), bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running[sweep] {
		return nil, false, nil
	}
	g.running[sweep] = true
	return func() {
		g.mu.Lock()
		delete(g.running, sweep)
		g.mu.Unlock()
	}, true, nil
}

// Chain acquires every guard in order and releases them in reverse. The
// first guard that refuses or fails releases the ones already held.
func Chain(guards ...Guard) Guard {
	return chain(guards)
}

type chain []Guard

func (c chain) Acquire(ctx context.Context, sweep string) (func(), bool, error) {
	held := make([]func(), 0, len(c))
	releaseAll := func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i]()
		}
	}
	for _, g := range c {
		release, ok, err := g.Acquire(ctx, sweep)
		if err != nil || !ok {
			releaseAll()
			return nil, false, err
		}
		held = append(held, release)
	}
	return releaseAll, true, nil
}

// releaseTimeout bounds lease release calls, which run after the sweep's
// context may already be cancelled.
const releaseTimeout = 5 * time.Second

// PostgresLease is a lease row per sweep with an expiry. A holder claims the
// row when it is free or expired; the TTL must exceed the longest sweep run.
type PostgresLease struct {
	db     *sql.DB
	holder string
	ttl    time.Duration
	now    func() time.Time
}

func NewPostgresLease(db *sql.DB, holder string, ttl time.Duration) *PostgresLease {
	return &PostgresLease{db: db, holder: holder, ttl: ttl, now: time.Now}
}

func (l *PostgresLease) Acquire(ctx context.Context, sweep string) (func(), bool, error) {
	now := l.now()
	res, err := l.db.ExecContext(ctx, `
		INSERT INTO scheduler_leases (name, holder, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE
		SET holder = EXCLUDED.holder, expires_at = EXCLUDED.expires_at
		WHERE scheduler_leases.expires_at < $4 OR scheduler_leases.holder = EXCLUDED.holder`,
		sweep, l.holder, now.Add(l.ttl), now,
	)
	if err != nil {
		return nil, false, fmt.Errorf("claim lease %s: %w", sweep, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if n == 0 {
		return nil, false, nil
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		_, _ = l.db.ExecContext(ctx,
			`DELETE FROM scheduler_leases WHERE name = $1 AND holder = $2`, sweep, l.holder)
	}, true, nil
}

// releaseScript deletes the lease key only if this holder still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisLease is a SET NX PX lease per sweep.
type RedisLease struct {
	client *redis.Client
	holder string
	ttl    time.Duration
}

func NewRedisLease(client *redis.Client, holder string, ttl time.Duration) *RedisLease {
	return &RedisLease{client: client, holder: holder, ttl: ttl}
}

func leaseKey(sweep string) string { return "homeserv:lease:" + sweep }

func (l *RedisLease) Acquire(ctx context.Context, sweep string) (func(), bool, error) {
	key := leaseKey(sweep)
	ok, err := l.client.SetNX(ctx, key, l.holder, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("claim lease %s: %w", sweep, err)
	}
	if !ok {
		return nil, false, nil
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		_ = releaseScript.Run(ctx, l.client, []string{key}, l.holder).Err()
	}, true, nil
}
