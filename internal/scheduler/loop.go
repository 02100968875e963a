package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/homeserv/internal/metrics"
	"github.com/mbd888/homeserv/internal/traces"
)

// Loop runs a Sweep on a fixed interval.
type Loop struct {
	sweep    Sweep
	interval time.Duration
	guard    Guard
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewLoop creates a loop guarded by an in-process re-entrancy flag.
func NewLoop(sweep Sweep, interval time.Duration, logger *slog.Logger) *Loop {
	return &Loop{
		sweep:    sweep,
		interval: interval,
		guard:    NewLocalGuard(),
		logger:   logger.With("sweep", sweep.Name()),
		stop:     make(chan struct{}),
	}
}

// WithGuard replaces the guard, e.g. with Chain(NewLocalGuard(), lease) when
// more than one instance runs the scheduler.
func (l *Loop) WithGuard(g Guard) *Loop {
	l.guard = g
	return l
}

// Name returns the sweep name.
func (l *Loop) Name() string { return l.sweep.Name() }

// Running reports whether the loop is actively running.
func (l *Loop) Running() bool {
	return l.running.Load()
}

// Start runs the loop until ctx is done or Stop is called. Call in a
// goroutine.
func (l *Loop) Start(ctx context.Context) {
	l.running.Store(true)
	defer l.running.Store(false)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stop:
			return
		case <-ticker.C:
			l.RunOnce(ctx)
		}
	}
}

// Stop signals the loop to stop.
func (l *Loop) Stop() {
	select {
	case l.stop <- struct{}{}:
	default:
	}
}

// RunOnce runs the sweep now if the guard allows it and returns the run's
// result label.
func (l *Loop) RunOnce(ctx context.Context) string {
	name := l.sweep.Name()
	release, ok, err := l.guard.Acquire(ctx, name)
	if err != nil {
		l.logger.Warn("sweep guard unavailable", "error", err)
		metrics.SweepRunsTotal.WithLabelValues(name, "error").Inc()
		return "error"
	}
	if !ok {
		l.logger.Debug("sweep skipped, previous run still active")
		metrics.SweepRunsTotal.WithLabelValues(name, "skipped").Inc()
		return "skipped"
	}
	defer release()

	result := l.safeRun(ctx)
	metrics.SweepRunsTotal.WithLabelValues(name, result).Inc()
	return result
}

func (l *Loop) safeRun(ctx context.Context) (result string) {
	ctx, span := traces.StartSpan(ctx, "scheduler."+l.sweep.Name(), traces.Sweep(l.sweep.Name()))
	defer span.End()

	start := time.Now()
	defer func() {
		metrics.SweepDuration.WithLabelValues(l.sweep.Name()).Observe(time.Since(start).Seconds())
		if r := recover(); r != nil {
			l.logger.Error("panic in sweep", "panic", fmt.Sprint(r))
			result = "error"
		}
	}()

	res, err := l.sweep.Run(ctx)
	if err != nil {
		span.RecordError(err)
		l.logger.Warn("sweep failed", "error", err)
		return "error"
	}
	if res.Processed > 0 {
		l.logger.Info("sweep finished",
			"processed", res.Processed, "succeeded", res.Succeeded,
			"skipped", res.Skipped, "failed", res.Failed,
			"took", time.Since(start).Round(time.Millisecond))
	}
	return "ok"
}
