// Package circuitbreaker guards one downstream dependency. After a run of
// consecutive failures calls are refused for a cooldown, then a single trial
// call decides whether the dependency is back.
package circuitbreaker

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrOpen is returned by Allow while calls are being refused.
var ErrOpen = errors.New("circuit open")

// State is the breaker position.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

var (
	stateGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "homeserv",
		Subsystem: "circuitbreaker",
		Name:      "state",
		Help:      "Current breaker state per dependency (0 closed, 1 open, 2 half-open).",
	}, []string{"dependency"})
	tripsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "homeserv",
		Subsystem: "circuitbreaker",
		Name:      "trips_total",
		Help:      "Times the breaker opened per dependency.",
	}, []string{"dependency"})
)

func init() {
	prometheus.MustRegister(stateGauge, tripsTotal)
}

// Breaker is safe for concurrent use.
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	now       func() time.Time
	logger    *slog.Logger

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
}

// New creates a closed breaker for the named dependency. Non-positive
// arguments fall back to 5 failures and a 30 second cooldown.
func New(name string, threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	stateGauge.WithLabelValues(name).Set(float64(StateClosed))
	return &Breaker{
		name:      name,
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
		logger:    slog.Default(),
	}
}

// WithClock overrides the time source.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.now = now
	return b
}

// WithLogger sets the logger used for state changes.
func (b *Breaker) WithLogger(l *slog.Logger) *Breaker {
	if l != nil {
		b.logger = l
	}
	return b
}

// Name returns the guarded dependency.
func (b *Breaker) Name() string { return b.name }

// Allow returns nil when a call may go ahead and ErrOpen otherwise. Once the
// cooldown has passed exactly one caller is let through.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return ErrOpen
		}
		b.setState(StateHalfOpen)
		return nil
	default:
		return ErrOpen
	}
}

// Success records a healthy call.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	if b.state != StateClosed {
		b.setState(StateClosed)
	}
}

// Failure records a failed call. It opens the breaker at the threshold, or
// immediately when the trial call fails.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.state == StateHalfOpen || (b.state == StateClosed && b.failures >= b.threshold) {
		b.openedAt = b.now()
		b.setState(StateOpen)
		tripsTotal.WithLabelValues(b.name).Inc()
	}
}

// State returns the current position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// b.mu held.
func (b *Breaker) setState(to State) {
	from := b.state
	b.state = to
	stateGauge.WithLabelValues(b.name).Set(float64(to))
	b.logger.Warn("circuit breaker state change",
		"dependency", b.name, "from", from.String(), "to", to.String(), "failures", b.failures)
}
