package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/homeserv/internal/commission"
	"github.com/mbd888/homeserv/internal/dbtx"
	"github.com/mbd888/homeserv/internal/matching"
	"github.com/mbd888/homeserv/internal/metrics"
	"github.com/mbd888/homeserv/internal/money"
	"github.com/mbd888/homeserv/internal/outbox"
	"github.com/mbd888/homeserv/internal/pagination"
	"github.com/mbd888/homeserv/internal/payment"
	"github.com/mbd888/homeserv/internal/pricing"
	"github.com/mbd888/homeserv/internal/traces"
)

// Estimator prices a job. pricing.RuleBasedEstimator implements it.
type Estimator interface {
	Estimate(ctx context.Context, in pricing.Input) (*pricing.Estimate, error)
}

// Matcher picks the next worker to offer a job to.
type Matcher interface {
	FindNextWorker(ctx context.Context, q matching.Query) (*matching.Candidate, error)
}

// Payments is the slice of the payment orchestrator jobs drive.
type Payments interface {
	CreatePayment(ctx context.Context, req payment.CreateRequest) (*payment.Transaction, error)
	ReleaseForServiceRequest(ctx context.Context, serviceRequestID string) (*payment.Transaction, error)
	RefundForServiceRequest(ctx context.Context, serviceRequestID, reason string) (*payment.Transaction, error)
}

// Eligibility blocks workers over their debt limit from accepting work.
type Eligibility interface {
	EnsureCanReceiveJobs(ctx context.Context, userID string) error
}

// Config tunes the lifecycle.
type Config struct {
	OfferTimeout      time.Duration
	MaxAttempts       int
	AutoReleaseAfter  time.Duration
	PayoutRetryAfter  time.Duration // back-off for payouts blocked on an unpaid payment
	SearchRadiusKm    float64
	ClientPenaltyRate decimal.Decimal // of the total, when the client cancels after assignment
	WorkerPenaltyRate decimal.Decimal // of the total, when the worker cancels after assignment
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		OfferTimeout:      10 * time.Minute,
		MaxAttempts:       3,
		AutoReleaseAfter:  48 * time.Hour,
		PayoutRetryAfter:  time.Hour,
		SearchRadiusKm:    15,
		ClientPenaltyRate: decimal.RequireFromString("0.10"),
		WorkerPenaltyRate: decimal.RequireFromString("0.05"),
	}
}

// Service runs service request use cases. Each mutation loads the request,
// applies one or more transitions, saves it with a version check and writes
// its events to the outbox in a single unit of work.
type Service struct {
	store       Store
	runner      dbtx.Runner
	engine      *commission.Engine
	estimator   Estimator
	matcher     Matcher
	payments    Payments
	eligibility Eligibility
	events      outbox.Store
	cfg         Config
	logger      *slog.Logger
	now         func() time.Time
}

// NewService creates a service request service.
func NewService(store Store, runner dbtx.Runner, engine *commission.Engine, estimator Estimator, matcher Matcher, cfg Config) *Service {
	return &Service{
		store:     store,
		runner:    runner,
		engine:    engine,
		estimator: estimator,
		matcher:   matcher,
		cfg:       cfg,
		logger:    slog.Default(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithPayments wires the payment orchestrator.
func (s *Service) WithPayments(p Payments) *Service {
	s.payments = p
	return s
}

// WithEligibility wires the worker debt check.
func (s *Service) WithEligibility(e Eligibility) *Service {
	s.eligibility = e
	return s
}

// WithOutbox enables event publication.
func (s *Service) WithOutbox(o outbox.Store) *Service {
	s.events = o
	return s
}

// WithLogger sets the logger.
func (s *Service) WithLogger(logger *slog.Logger) *Service {
	s.logger = logger
	return s
}

// WithClock overrides the clock.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Config returns the lifecycle settings.
func (s *Service) Config() Config {
	return s.cfg
}

// Create records a new PENDING job.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*ServiceRequest, error) {
	sr, err := New(req, s.engine.Currency(), s.now())
	if err != nil {
		return nil, err
	}
	err = s.runner.Run(ctx, func(ctx context.Context) error {
		if err := s.store.Create(ctx, sr); err != nil {
			return err
		}
		return s.publish(ctx, sr)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("service request created", "serviceRequest", sr.ID, "client", sr.ClientID, "category", sr.Category)
	return sr, nil
}

// Analyze estimates and prices a PENDING job. The estimator runs before the
// unit of work opens.
func (s *Service) Analyze(ctx context.Context, id string) (*ServiceRequest, error) {
	current, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := current.require(StatusPending); err != nil {
		return nil, err
	}
	est, err := s.estimator.Estimate(ctx, pricing.Input{
		Category:    current.Category,
		Description: current.Description,
		AreaM2:      current.AreaM2,
		ImageURL:    current.ImageURL,
	})
	if err != nil {
		return nil, fmt.Errorf("estimate %s: %w", id, err)
	}
	quote := s.engine.FromBase(ctx, est.SuggestedBasePrice)

	return s.mutate(ctx, "Analyze", id, func(_ context.Context, sr *ServiceRequest, now time.Time) error {
		return sr.Analyze(est, quote, now)
	})
}

// Dispatch offers an ANALYZING job to the best remaining worker, or expires
// it when nobody is left.
func (s *Service) Dispatch(ctx context.Context, id string) (*ServiceRequest, error) {
	return s.mutate(ctx, "Dispatch", id, s.offerNext)
}

// Submit creates, analyzes and dispatches a job. The job is kept when a
// later step fails; the error is returned with the latest state.
func (s *Service) Submit(ctx context.Context, req CreateRequest) (*ServiceRequest, error) {
	sr, err := s.Create(ctx, req)
	if err != nil {
		return nil, err
	}
	analyzed, err := s.Analyze(ctx, sr.ID)
	if err != nil {
		return sr, err
	}
	dispatched, err := s.Dispatch(ctx, sr.ID)
	if err != nil {
		return analyzed, err
	}
	return dispatched, nil
}

func (s *Service) offerNext(ctx context.Context, sr *ServiceRequest, now time.Time) error {
	if sr.AssignmentAttempts >= s.cfg.MaxAttempts {
		return sr.Expire(s.cfg.MaxAttempts, now)
	}
	cand, err := s.matcher.FindNextWorker(ctx, matching.Query{
		Location: sr.Location,
		RadiusKm: s.cfg.SearchRadiusKm,
		Category: sr.Category,
		Exclude:  sr.TriedWorkers,
	})
	if errors.Is(err, matching.ErrNoCandidates) {
		return sr.ExpireNoCandidates(now)
	}
	if err != nil {
		return fmt.Errorf("find worker: %w", err)
	}
	return sr.OfferToWorker(cand.Worker.ID, s.cfg.OfferTimeout, now)
}

// Accept assigns the job to the offered worker.
func (s *Service) Accept(ctx context.Context, id, workerID string, expectedVersion int64) (*ServiceRequest, error) {
	return s.mutate(ctx, "Accept", id, func(ctx context.Context, sr *ServiceRequest, now time.Time) error {
		if err := sr.Accept(workerID, expectedVersion, now); err != nil {
			return err
		}
		if s.eligibility != nil {
			return s.eligibility.EnsureCanReceiveJobs(ctx, workerID)
		}
		return nil
	})
}

// Decline passes on an offer; the job moves on to the next worker.
func (s *Service) Decline(ctx context.Context, id, workerID string) (*ServiceRequest, error) {
	return s.mutate(ctx, "Decline", id, func(ctx context.Context, sr *ServiceRequest, now time.Time) error {
		if err := sr.Decline(workerID, now); err != nil {
			return err
		}
		return s.offerNext(ctx, sr, now)
	})
}

// StartWork starts the job when the worker presents the client's code.
func (s *Service) StartWork(ctx context.Context, id, workerID, code string) (*ServiceRequest, error) {
	return s.mutate(ctx, "StartWork", id, func(_ context.Context, sr *ServiceRequest, now time.Time) error {
		if sr.WorkerID != workerID {
			return ErrWrongWorker
		}
		return sr.StartWork(code, now)
	})
}

// CompleteWork finishes the job and opens the dispute window.
func (s *Service) CompleteWork(ctx context.Context, id, workerID string) (*ServiceRequest, error) {
	return s.mutate(ctx, "CompleteWork", id, func(_ context.Context, sr *ServiceRequest, now time.Time) error {
		if sr.WorkerID != workerID {
			return ErrWrongWorker
		}
		return sr.CompleteWork(s.cfg.AutoReleaseAfter, now)
	})
}

// Approve lets the client release the payout before the window closes.
func (s *Service) Approve(ctx context.Context, id, clientID string) (*ServiceRequest, error) {
	return s.mutate(ctx, "Approve", id, func(ctx context.Context, sr *ServiceRequest, now time.Time) error {
		if sr.ClientID != clientID {
			return ErrNotParticipant
		}
		if err := sr.ApproveCompletion(now); err != nil {
			return err
		}
		if err := sr.ReleasePayout(now); err != nil {
			return err
		}
		return s.releaseFunds(ctx, sr)
	})
}

// ReleasePayout releases the worker's earnings once the dispute window has
// passed. When the job's payment is not paid yet the payout is pushed back
// by PayoutRetryAfter so it leaves the due list until then.
func (s *Service) ReleasePayout(ctx context.Context, id string) (*ServiceRequest, error) {
	out, err := s.mutate(ctx, "ReleasePayout", id, func(ctx context.Context, sr *ServiceRequest, now time.Time) error {
		if err := sr.ReleasePayout(now); err != nil {
			return err
		}
		return s.releaseFunds(ctx, sr)
	})
	if errors.Is(err, payment.ErrNotPaid) {
		s.deferPayout(ctx, id, err)
	}
	return out, err
}

func (s *Service) deferPayout(ctx context.Context, id string, cause error) {
	wait := s.cfg.PayoutRetryAfter
	if wait <= 0 {
		wait = DefaultConfig().PayoutRetryAfter
	}
	sr, err := s.mutate(ctx, "DeferPayout", id, func(_ context.Context, sr *ServiceRequest, now time.Time) error {
		return sr.DeferPayout(now.Add(wait), cause.Error(), now)
	})
	if err != nil {
		s.logger.Warn("failed to defer payout", "serviceRequest", id, "error", err)
		return
	}
	s.logger.Info("payout deferred", "serviceRequest", id, "retryAt", sr.PayoutDueAt(), "reason", cause)
}

// CancelRequest describes a cancellation. ActorID must be the client or the
// assigned worker unless By is PartySystem.
type CancelRequest struct {
	By      Party  `json:"by" binding:"required"`
	ActorID string `json:"actorId"`
	Reason  string `json:"reason"`
}

// Cancel stops the job, records any late-cancellation penalty and settles
// the job's payment.
func (s *Service) Cancel(ctx context.Context, id string, req CancelRequest) (*ServiceRequest, error) {
	return s.mutate(ctx, "Cancel", id, func(ctx context.Context, sr *ServiceRequest, now time.Time) error {
		switch req.By {
		case PartyClient:
			if req.ActorID != sr.ClientID {
				return ErrNotParticipant
			}
		case PartyWorker:
			if sr.WorkerID == "" || req.ActorID != sr.WorkerID {
				return ErrNotParticipant
			}
		case PartySystem:
		default:
			return fmt.Errorf("%w: unknown party %q", ErrInvalidRequest, req.By)
		}
		if err := sr.Cancel(req.By, req.Reason, s.penaltyFor(sr, req.By), now); err != nil {
			return err
		}
		return s.refundFunds(ctx, sr, "service request cancelled")
	})
}

func (s *Service) penaltyFor(sr *ServiceRequest, by Party) *Penalty {
	if sr.Status != StatusAssigned && sr.Status != StatusInProgress {
		return nil
	}
	var rate decimal.Decimal
	switch by {
	case PartyClient:
		rate = s.cfg.ClientPenaltyRate
	case PartyWorker:
		rate = s.cfg.WorkerPenaltyRate
	default:
		return nil
	}
	if !rate.IsPositive() {
		return nil
	}
	return &Penalty{
		Party:    by,
		Rate:     rate,
		Amount:   money.Round(sr.Pricing.Total.Mul(rate)),
		Currency: sr.Pricing.Currency,
	}
}

// Dispute freezes the job. actorID must be the client or the worker.
func (s *Service) Dispute(ctx context.Context, id, actorID, reason string) (*ServiceRequest, error) {
	return s.mutate(ctx, "Dispute", id, func(_ context.Context, sr *ServiceRequest, now time.Time) error {
		if !sr.IsParticipant(actorID) {
			return ErrNotParticipant
		}
		by := PartyClient
		if actorID == sr.WorkerID {
			by = PartyWorker
		}
		return sr.Dispute(by, reason, now)
	})
}

// ResolveDispute closes a dispute, paying the worker or refunding the
// client in the same unit of work.
func (s *Service) ResolveDispute(ctx context.Context, id string, res Resolution, note string) (*ServiceRequest, error) {
	return s.mutate(ctx, "ResolveDispute", id, func(ctx context.Context, sr *ServiceRequest, now time.Time) error {
		if err := sr.ResolveDispute(res, note, now); err != nil {
			return err
		}
		if res == ResolutionRelease {
			return s.releaseFunds(ctx, sr)
		}
		return s.refundFunds(ctx, sr, "dispute refunded")
	})
}

// HandleOfferTimeout withdraws a timed-out offer and re-offers the job to the
// next candidate, or expires it when attempts or candidates run out.
func (s *Service) HandleOfferTimeout(ctx context.Context, id string) (*ServiceRequest, error) {
	return s.mutate(ctx, "HandleOfferTimeout", id, func(ctx context.Context, sr *ServiceRequest, now time.Time) error {
		if !sr.OfferTimedOut(now) {
			return ErrOfferNotTimedOut
		}
		if sr.AssignmentAttempts >= s.cfg.MaxAttempts {
			return sr.Expire(s.cfg.MaxAttempts, now)
		}
		if err := sr.ReassignAfterTimeout(now); err != nil {
			return err
		}
		return s.offerNext(ctx, sr, now)
	})
}

// PaymentRequest asks for the client's payment of an assigned job.
type PaymentRequest struct {
	ClientID  string         `json:"clientId" binding:"required"`
	Method    payment.Method `json:"paymentMethod" binding:"required"`
	Reference string         `json:"externalReference"`
}

// CreatePayment charges the client the job's total on behalf of the
// assigned worker. The payment books the split the client was quoted.
func (s *Service) CreatePayment(ctx context.Context, id string, req PaymentRequest) (*payment.Transaction, error) {
	if s.payments == nil {
		return nil, errors.New("payments are not configured")
	}
	sr, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sr.ClientID != req.ClientID {
		return nil, ErrNotParticipant
	}
	if err := sr.require(StatusAssigned, StatusInProgress, StatusCompleted); err != nil {
		return nil, err
	}
	if sr.WorkerID == "" {
		return nil, ErrNoWorker
	}
	quoted := sr.Pricing
	return s.payments.CreatePayment(ctx, payment.CreateRequest{
		UserID:           sr.ClientID,
		ProfessionalID:   sr.WorkerID,
		ServiceRequestID: sr.ID,
		Method:           req.Method,
		Purpose:          payment.PurposeService,
		Amount:           quoted.Total,
		Breakdown:        &quoted,
		Reference:        req.Reference,
		Description:      fmt.Sprintf("%s service %s", sr.Category, sr.ID),
	})
}

func (s *Service) releaseFunds(ctx context.Context, sr *ServiceRequest) error {
	if s.payments == nil {
		return nil
	}
	_, err := s.payments.ReleaseForServiceRequest(ctx, sr.ID)
	switch {
	case errors.Is(err, payment.ErrNotFound):
		s.logger.Info("no payment to release", "serviceRequest", sr.ID)
		return nil
	case errors.Is(err, payment.ErrAlreadyReleased):
		return nil
	}
	return err
}

func (s *Service) refundFunds(ctx context.Context, sr *ServiceRequest, reason string) error {
	if s.payments == nil {
		return nil
	}
	_, err := s.payments.RefundForServiceRequest(ctx, sr.ID, reason)
	if errors.Is(err, payment.ErrNotFound) {
		return nil
	}
	return err
}

// Get returns a job.
func (s *Service) Get(ctx context.Context, id string) (*ServiceRequest, error) {
	return s.store.Get(ctx, id)
}

// VerificationCode returns the start code to the job's client.
func (s *Service) VerificationCode(ctx context.Context, id, clientID string) (string, error) {
	sr, err := s.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if sr.ClientID != clientID {
		return "", ErrNotParticipant
	}
	if sr.VerificationCode == "" || sr.Status != StatusAssigned {
		return "", fmt.Errorf("%w: request %s is %s", ErrInvalidTransition, sr.ID, sr.Status)
	}
	return sr.VerificationCode, nil
}

// Page is one page of a job listing.
type Page struct {
	Items      []*ServiceRequest `json:"serviceRequests"`
	Count      int               `json:"count"`
	NextCursor string            `json:"nextCursor,omitempty"`
	HasMore    bool              `json:"hasMore"`
}

// List returns a page of a client's or worker's jobs, newest first.
func (s *Service) List(ctx context.Context, q ListQuery) (*Page, error) {
	if q.ClientID == "" && q.WorkerID == "" {
		return nil, fmt.Errorf("%w: clientId or workerId is required", ErrInvalidRequest)
	}
	if q.Limit <= 0 {
		q.Limit = pagination.DefaultLimit
	}
	limit := q.Limit
	q.Limit++
	items, err := s.store.List(ctx, q)
	if err != nil {
		return nil, err
	}
	items, next, more := pagination.ComputePage(items, limit, func(sr *ServiceRequest) (time.Time, string) {
		return sr.CreatedAt, sr.ID
	})
	if items == nil {
		items = []*ServiceRequest{}
	}
	return &Page{Items: items, Count: len(items), NextCursor: next, HasMore: more}, nil
}

// ListOfferTimedOut returns OFFERING jobs whose offer has timed out.
func (s *Service) ListOfferTimedOut(ctx context.Context, limit int) ([]*ServiceRequest, error) {
	return s.store.ListOfferTimedOut(ctx, s.now(), limit)
}

// ListPayoutDue returns COMPLETED jobs whose dispute window has passed.
func (s *Service) ListPayoutDue(ctx context.Context, limit int) ([]*ServiceRequest, error) {
	return s.store.ListPayoutDue(ctx, s.now(), limit)
}

func (s *Service) mutate(ctx context.Context, op, id string, fn func(ctx context.Context, sr *ServiceRequest, now time.Time) error) (*ServiceRequest, error) {
	ctx, span := traces.StartSpan(ctx, "jobs."+op, traces.JobID(id))
	defer span.End()

	var out *ServiceRequest
	err := s.runner.Run(ctx, func(ctx context.Context) error {
		sr, err := s.store.Get(ctx, id)
		if err != nil {
			return err
		}
		from := sr.Status
		if err := fn(ctx, sr, s.now()); err != nil {
			return err
		}
		if err := s.store.Save(ctx, sr); err != nil {
			return err
		}
		if err := s.publish(ctx, sr); err != nil {
			return err
		}
		if from != sr.Status {
			s.logger.Info("service request transitioned",
				"serviceRequest", sr.ID, "op", op, "from", from, "to", sr.Status, "version", sr.Version)
		}
		out = sr
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrConcurrencyConflict) {
			metrics.ConcurrencyConflictsTotal.Inc()
		}
		span.RecordError(err)
		return nil, err
	}
	return out, nil
}

// publish writes pending events to the outbox. They are cleared once the
// unit of work commits.
func (s *Service) publish(ctx context.Context, sr *ServiceRequest) error {
	events := sr.Events()
	if len(events) == 0 {
		return nil
	}
	if s.events != nil {
		msgs, err := sr.messages()
		if err != nil {
			return err
		}
		if err := s.events.Append(ctx, msgs...); err != nil {
			return fmt.Errorf("append events: %w", err)
		}
	}
	dbtx.AfterCommit(ctx, func() {
		for _, ev := range events {
			metrics.JobEventsTotal.WithLabelValues(ev.Topic).Inc()
		}
		sr.clearEvents()
	})
	return nil
}
