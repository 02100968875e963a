package health

import (
	"context"
	"database/sql"

	"github.com/redis/go-redis/v9"
)

// Database pings a *sql.DB. A saturated pool is reported but still healthy.
func Database(db *sql.DB) Checker {
	return func(ctx context.Context) Status {
		if err := db.PingContext(ctx); err != nil {
			return Status{Healthy: false, Detail: err.Error()}
		}
		stats := db.Stats()
		if stats.MaxOpenConnections > 0 && stats.InUse >= stats.MaxOpenConnections {
			return Status{Healthy: true, Detail: "connection pool saturated"}
		}
		return Status{Healthy: true}
	}
}

// Pinger is the part of a redis client the check uses.
type Pinger interface {
	Ping(ctx context.Context) *redis.StatusCmd
}

// Redis pings the lease store.
func Redis(client Pinger) Checker {
	return func(ctx context.Context) Status {
		if err := client.Ping(ctx).Err(); err != nil {
			return Status{Healthy: false, Detail: err.Error()}
		}
		return Status{Healthy: true}
	}
}

// Loop reports whether a background loop is still running.
func Loop(running func() bool) Checker {
	return func(context.Context) Status {
		if !running() {
			return Status{Healthy: false, Detail: "not running"}
		}
		return Status{Healthy: true}
	}
}
