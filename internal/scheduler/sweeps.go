// Package scheduler runs the periodic job sweeps: re-offering or expiring
// offers nobody answered, and releasing escrow once the dispute window has
// closed.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mbd888/homeserv/internal/jobs"
	"github.com/mbd888/homeserv/internal/metrics"
)

const defaultBatch = 100

// Sweep is one unit of periodic work.
type Sweep interface {
	Name() string
	Run(ctx context.Context) (Result, error)
}

// Result tallies a sweep run.
type Result struct {
	Processed int
	Succeeded int
	Skipped   int
	Failed    int
}

func (r *Result) add(sweep, outcome string) {
	r.Processed++
	switch outcome {
	case "ok":
		r.Succeeded++
	case "skipped":
		r.Skipped++
	default:
		r.Failed++
	}
	metrics.SweepItemsTotal.WithLabelValues(sweep, outcome).Inc()
}

// OfferTimeouts is the part of the job service the timeout sweep drives.
type OfferTimeouts interface {
	ListOfferTimedOut(ctx context.Context, limit int) ([]*jobs.ServiceRequest, error)
	HandleOfferTimeout(ctx context.Context, id string) (*jobs.ServiceRequest, error)
}

// Payouts is the part of the job service the payout sweep drives.
type Payouts interface {
	ListPayoutDue(ctx context.Context, limit int) ([]*jobs.ServiceRequest, error)
	ReleasePayout(ctx context.Context, id string) (*jobs.ServiceRequest, error)
}

// TimeoutSweep re-offers or expires jobs whose offer went unanswered.
type TimeoutSweep struct {
	jobs   OfferTimeouts
	batch  int
	logger *slog.Logger
}

func NewTimeoutSweep(j OfferTimeouts, logger *slog.Logger) *TimeoutSweep {
	return &TimeoutSweep{jobs: j, batch: defaultBatch, logger: logger}
}

func (s *TimeoutSweep) Name() string { return "worker_timeout" }

func (s *TimeoutSweep) Run(ctx context.Context) (Result, error) {
	var res Result
	due, err := s.jobs.ListOfferTimedOut(ctx, s.batch)
	if err != nil {
		return res, fmt.Errorf("list timed-out offers: %w", err)
	}
	for _, sr := range due {
		id, worker := sr.ID, sr.WorkerID
		outcome := each(s.logger, s.Name(), id, func() error {
			out, err := s.jobs.HandleOfferTimeout(ctx, id)
			if err != nil {
				return err
			}
			s.logger.Info("offer timed out",
				"serviceRequest", id, "worker", worker, "status", out.Status, "nextWorker", out.WorkerID)
			return nil
		}, jobs.ErrOfferNotTimedOut, jobs.ErrConcurrencyConflict, jobs.ErrInvalidTransition)
		res.add(s.Name(), outcome)
	}
	return res, nil
}

// PayoutSweep releases escrow for completed jobs past their dispute window.
type PayoutSweep struct {
	jobs   Payouts
	batch  int
	logger *slog.Logger
}

func NewPayoutSweep(j Payouts, logger *slog.Logger) *PayoutSweep {
	return &PayoutSweep{jobs: j, batch: defaultBatch, logger: logger}
}

func (s *PayoutSweep) Name() string { return "payout_release" }

func (s *PayoutSweep) Run(ctx context.Context) (Result, error) {
	var res Result
	due, err := s.jobs.ListPayoutDue(ctx, s.batch)
	if err != nil {
		return res, fmt.Errorf("list due payouts: %w", err)
	}
	for _, sr := range due {
		id := sr.ID
		outcome := each(s.logger, s.Name(), id, func() error {
			out, err := s.jobs.ReleasePayout(ctx, id)
			if err != nil {
				return err
			}
			s.logger.Info("payout released",
				"serviceRequest", id, "worker", out.WorkerID, "amount", out.Pricing.WorkerNet.StringFixed(2))
			return nil
		}, jobs.ErrPayoutReleased, jobs.ErrConcurrencyConflict, jobs.ErrDisputeWindowOpen)
		res.add(s.Name(), outcome)
	}
	return res, nil
}

// each handles one item. Errors matching skip mean another actor already
// moved the job on; anything else is logged and the batch continues. A
// panic counts as a failure of this item only.
func each(logger *slog.Logger, sweep, id string, fn func() error, skip ...error) (outcome string) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic in sweep item", "sweep", sweep, "serviceRequest", id, "panic", fmt.Sprint(r))
			outcome = "panic"
		}
	}()
	err := fn()
	if err == nil {
		return "ok"
	}
	for _, target := range skip {
		if errors.Is(err, target) {
			logger.Debug("sweep item skipped", "sweep", sweep, "serviceRequest", id, "reason", err)
			return "skipped"
		}
	}
	logger.Warn("sweep item failed", "sweep", sweep, "serviceRequest", id, "error", err)
	return "failed"
}
