package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/homeserv/internal/metrics"
)

// Relay drains due outbox messages into a Publisher.
type Relay struct {
	store       Store
	publisher   Publisher
	interval    time.Duration
	batchSize   int
	lease       time.Duration
	maxAttempts int
	baseBackoff time.Duration
	logger      *slog.Logger
	now         func() time.Time
	stop        chan struct{}
	running     atomic.Bool
}

// NewRelay creates a relay polling every interval.
func NewRelay(store Store, publisher Publisher, interval time.Duration, logger *slog.Logger) *Relay {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		store:       store,
		publisher:   publisher,
		interval:    interval,
		batchSize:   100,
		lease:       time.Minute,
		maxAttempts: 10,
		baseBackoff: 5 * time.Second,
		logger:      logger,
		now:         time.Now,
		stop:        make(chan struct{}),
	}
}

// WithMaxAttempts sets how many deliveries are tried before a message is
// marked dead.
func (r *Relay) WithMaxAttempts(n int) *Relay {
	if n > 0 {
		r.maxAttempts = n
	}
	return r
}

// WithBackoff sets the base retry delay; it doubles per attempt.
func (r *Relay) WithBackoff(d time.Duration) *Relay {
	r.baseBackoff = d
	return r
}

// WithClock overrides the time source.
func (r *Relay) WithClock(now func() time.Time) *Relay {
	r.now = now
	return r
}

// Running reports whether the relay loop is active.
func (r *Relay) Running() bool {
	return r.running.Load()
}

// Start runs the relay until ctx is done or Stop is called. Call in a
// goroutine.
func (r *Relay) Start(ctx context.Context) {
	r.running.Store(true)
	defer r.running.Store(false)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.safeDrain(ctx)
		}
	}
}

// Stop signals the relay to stop.
func (r *Relay) Stop() {
	select {
	case r.stop <- struct{}{}:
	default:
	}
}

func (r *Relay) safeDrain(ctx context.Context) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("panic in outbox relay", "panic", fmt.Sprint(p))
		}
	}()
	if _, err := r.Drain(ctx); err != nil {
		r.logger.Warn("outbox drain failed", "error", err)
	}
}

// Drain delivers one batch of due messages and returns how many were
// published. A failed delivery is rescheduled and does not stop the batch.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	msgs, err := r.store.FetchPending(ctx, r.batchSize, r.now(), r.lease)
	if err != nil {
		return 0, fmt.Errorf("fetch pending: %w", err)
	}

	published := 0
	for _, msg := range msgs {
		if err := r.publisher.Publish(ctx, msg); err != nil {
			r.fail(ctx, msg, err)
			continue
		}
		if err := r.store.MarkPublished(ctx, msg.ID, r.now()); err != nil {
			// Delivered but not marked: the message goes out again after
			// the lease expires.
			r.logger.Warn("failed to mark outbox message published", "id", msg.ID, "error", err)
			continue
		}
		metrics.OutboxDeliveriesTotal.WithLabelValues("published").Inc()
		published++
	}
	return published, nil
}

func (r *Relay) fail(ctx context.Context, msg *Message, cause error) {
	now := r.now()
	attempt := msg.Attempts + 1
	if attempt >= r.maxAttempts {
		metrics.OutboxDeliveriesTotal.WithLabelValues("dead").Inc()
		r.logger.Error("outbox message dead-lettered",
			"id", msg.ID, "topic", msg.Topic, "attempts", attempt, "error", cause)
		if err := r.store.MarkDead(ctx, msg.ID, cause.Error(), now); err != nil {
			r.logger.Warn("failed to mark outbox message dead", "id", msg.ID, "error", err)
		}
		return
	}

	metrics.OutboxDeliveriesTotal.WithLabelValues("failed").Inc()
	next := now.Add(r.backoff(attempt))
	r.logger.Warn("outbox delivery failed",
		"id", msg.ID, "topic", msg.Topic, "attempt", attempt, "next", next, "error", cause)
	if err := r.store.MarkFailed(ctx, msg.ID, cause.Error(), next); err != nil {
		r.logger.Warn("failed to reschedule outbox message", "id", msg.ID, "error", err)
	}
}

func (r *Relay) backoff(attempt int) time.Duration {
	d := r.baseBackoff
	for i := 1; i < attempt && d < time.Hour; i++ {
		d *= 2
	}
	if d > time.Hour {
		d = time.Hour
	}
	return d
}
