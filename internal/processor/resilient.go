package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/homeserv/internal/circuitbreaker"
	"github.com/mbd888/homeserv/internal/retry"
)

// Resilient wraps a Processor with a per-call timeout, retries for
// transient failures and a circuit breaker. While the breaker is open calls
// fail fast with ErrGatewayUnavailable.
type Resilient struct {
	next    Processor
	breaker *circuitbreaker.Breaker
	policy  retry.Policy
	timeout time.Duration
	logger  *slog.Logger
}

// NewResilient wraps next.
func NewResilient(next Processor, breaker *circuitbreaker.Breaker, policy retry.Policy, timeout time.Duration, logger *slog.Logger) *Resilient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resilient{next: next, breaker: breaker, policy: policy, timeout: timeout, logger: logger}
}

func (r *Resilient) Name() string { return r.next.Name() }

func (r *Resilient) CreatePreference(ctx context.Context, req PreferenceRequest) (*Preference, error) {
	var pref *Preference
	err := r.call(ctx, "create_preference", func(ctx context.Context) error {
		var err error
		pref, err = r.next.CreatePreference(ctx, req)
		return err
	})
	return pref, err
}

func (r *Resilient) LookupPayment(ctx context.Context, paymentID string) (*PaymentInfo, error) {
	var info *PaymentInfo
	err := r.call(ctx, "lookup_payment", func(ctx context.Context) error {
		var err error
		info, err = r.next.LookupPayment(ctx, paymentID)
		return err
	})
	return info, err
}

func (r *Resilient) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	gateway := r.next.Name()
	return r.policy.Do(ctx, func() error {
		if err := r.breaker.Allow(); err != nil {
			return retry.Permanent(fmt.Errorf("%w: %v for %s", ErrGatewayUnavailable, err, gateway))
		}

		callCtx, cancel := context.WithTimeout(ctx, r.timeout)
		err := fn(callCtx)
		cancel()
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrGatewayTimeout) {
			err = fmt.Errorf("%w: %v", ErrGatewayTimeout, err)
		}

		if err == nil {
			r.breaker.Success()
			return nil
		}
		if !IsTransient(err) {
			// Rejections say nothing about gateway health.
			r.breaker.Success()
			return retry.Permanent(err)
		}
		r.breaker.Failure()
		r.logger.Warn("payment gateway call failed", "gateway", gateway, "op", op, "error", err)
		return err
	})
}

var _ Processor = (*Resilient)(nil)
