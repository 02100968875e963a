// Package jobs implements the service request lifecycle.
//
//	PENDING -> ANALYZING -> OFFERING -> ASSIGNED -> IN_PROGRESS -> COMPLETED
//
// An offer that is not accepted in time sends the request back to ANALYZING
// for the next candidate. CANCELLED, EXPIRED and DISPUTED are reachable from
// several active states. Every transition bumps Version and records a domain
// event; the service writes those events to the outbox in the same unit of
// work as the state change.
package jobs

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/homeserv/internal/commission"
	"github.com/mbd888/homeserv/internal/idgen"
	"github.com/mbd888/homeserv/internal/matching"
	"github.com/mbd888/homeserv/internal/pagination"
	"github.com/mbd888/homeserv/internal/pricing"
)

var (
	ErrNotFound            = errors.New("service request not found")
	ErrInvalidTransition   = errors.New("invalid service request state transition")
	ErrConcurrencyConflict = errors.New("service request was modified concurrently")
	ErrWrongWorker         = errors.New("offer belongs to another worker")
	ErrOfferExpired        = errors.New("offer has expired")
	ErrOfferNotTimedOut    = errors.New("offer has not timed out")
	ErrAttemptsRemaining   = errors.New("assignment attempts remain")
	ErrInvalidCode         = errors.New("verification code does not match")
	ErrDisputeWindowOpen   = errors.New("dispute window is still open")
	ErrDisputeWindowClosed = errors.New("dispute window has closed")
	ErrPayoutReleased      = errors.New("payout already released")
	ErrNoWorker            = errors.New("no worker assigned")
	ErrNotParticipant      = errors.New("caller is not a participant of this service request")
	ErrInvalidRequest      = errors.New("invalid service request")
)

// Status is the lifecycle state.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusAnalyzing  Status = "ANALYZING"
	StatusOffering   Status = "OFFERING"
	StatusAssigned   Status = "ASSIGNED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusCancelled  Status = "CANCELLED"
	StatusExpired    Status = "EXPIRED"
	StatusDisputed   Status = "DISPUTED"
)

// IsTerminal reports whether no transition leaves s.
func (s Status) IsTerminal() bool {
	return s == StatusCancelled || s == StatusExpired
}

// Party identifies who acted.
type Party string

const (
	PartyClient Party = "CLIENT"
	PartyWorker Party = "WORKER"
	PartySystem Party = "SYSTEM"
)

// Resolution closes a dispute.
type Resolution string

const (
	ResolutionRelease Resolution = "release" // worker is paid
	ResolutionRefund  Resolution = "refund"  // client is refunded
)

// Penalty records what a late cancellation costs the cancelling party.
// It is recorded on the request only; no money moves.
type Penalty struct {
	Party    Party           `json:"party"`
	Rate     decimal.Decimal `json:"rate"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

// ServiceRequest is the job aggregate.
type ServiceRequest struct {
	ID                 string               `json:"id"`
	Status             Status               `json:"status"`
	ClientID           string               `json:"clientId"`
	WorkerID           string               `json:"workerId,omitempty"`
	Category           string               `json:"category"`
	Description        string               `json:"description"`
	Location           matching.Location    `json:"location"`
	AreaM2             decimal.Decimal      `json:"areaM2"`
	ImageURL           string               `json:"imageUrl,omitempty"`
	Pricing            commission.Breakdown `json:"pricing"`
	Estimation         *pricing.Estimate    `json:"estimation,omitempty"`
	VerificationCode   string               `json:"-"`
	Version            int64                `json:"version"`
	AssignmentAttempts int                  `json:"assignmentAttempts"`
	TriedWorkers       []string             `json:"triedWorkers,omitempty"`
	WorkerTimeoutAt    *time.Time           `json:"workerTimeoutAt,omitempty"`
	AcceptedAt         *time.Time           `json:"acceptedAt,omitempty"`
	StartedAt          *time.Time           `json:"startedAt,omitempty"`
	CompletedAt        *time.Time           `json:"completedAt,omitempty"`
	DisputeDeadlineAt  *time.Time           `json:"disputeDeadlineAt,omitempty"`
	PayoutReleasedAt   *time.Time           `json:"payoutReleasedAt,omitempty"`
	PayoutRetryAt      *time.Time           `json:"payoutRetryAt,omitempty"`
	CancelledBy        Party                `json:"cancelledBy,omitempty"`
	CancelReason       string               `json:"cancelReason,omitempty"`
	Penalty            *Penalty             `json:"penalty,omitempty"`
	DisputeReason      string               `json:"disputeReason,omitempty"`
	DisputedFrom       Status               `json:"disputedFrom,omitempty"`
	Resolution         Resolution           `json:"resolution,omitempty"`
	CreatedAt          time.Time            `json:"createdAt"`
	UpdatedAt          time.Time            `json:"updatedAt"`

	loadedVersion int64
	events        []Event
}

// CreateRequest describes a new job.
type CreateRequest struct {
	ClientID    string            `json:"clientId" binding:"required"`
	Category    string            `json:"category" binding:"required"`
	Description string            `json:"description"`
	Location    matching.Location `json:"location"`
	AreaM2      decimal.Decimal   `json:"areaM2"`
	ImageURL    string            `json:"imageUrl"`
}

// Validate checks the request.
func (r CreateRequest) Validate() error {
	switch {
	case r.ClientID == "":
		return fmt.Errorf("%w: clientId is required", ErrInvalidRequest)
	case r.Category == "":
		return fmt.Errorf("%w: category is required", ErrInvalidRequest)
	case r.AreaM2.IsNegative():
		return fmt.Errorf("%w: areaM2 must not be negative", ErrInvalidRequest)
	}
	if err := r.Location.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

// New creates a PENDING request and records the creation event.
func New(req CreateRequest, currency string, now time.Time) (*ServiceRequest, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	sr := &ServiceRequest{
		ID:          idgen.WithPrefix("sr_"),
		Status:      StatusPending,
		ClientID:    req.ClientID,
		Category:    req.Category,
		Description: req.Description,
		Location:    req.Location,
		AreaM2:      req.AreaM2,
		ImageURL:    req.ImageURL,
		Pricing:     commission.Zero(currency),
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	sr.record(TopicCreated, now, nil)
	return sr, nil
}

// Events returns the events recorded since the last save.
func (sr *ServiceRequest) Events() []Event {
	return append([]Event(nil), sr.events...)
}

func (sr *ServiceRequest) clearEvents() {
	sr.events = nil
}

// IsParticipant reports whether userID is the client or the assigned worker.
func (sr *ServiceRequest) IsParticipant(userID string) bool {
	return userID != "" && (userID == sr.ClientID || userID == sr.WorkerID)
}

func (sr *ServiceRequest) require(allowed ...Status) error {
	for _, s := range allowed {
		if sr.Status == s {
			return nil
		}
	}
	return fmt.Errorf("%w: request %s is %s", ErrInvalidTransition, sr.ID, sr.Status)
}

func (sr *ServiceRequest) transition(next Status, topic string, now time.Time, data map[string]string) {
	sr.Status = next
	sr.bump(topic, now, data)
}

func (sr *ServiceRequest) bump(topic string, now time.Time, data map[string]string) {
	sr.Version++
	sr.UpdatedAt = now
	sr.record(topic, now, data)
}

// Analyze attaches the estimate and the priced breakdown.
func (sr *ServiceRequest) Analyze(est *pricing.Estimate, quote commission.Breakdown, now time.Time) error {
	if err := sr.require(StatusPending); err != nil {
		return err
	}
	if err := est.Validate(); err != nil {
		return err
	}
	sr.Estimation = est
	sr.Pricing = quote
	sr.transition(StatusAnalyzing, TopicAnalyzed, now, map[string]string{
		"total": quote.Total.StringFixed(2),
	})
	return nil
}

// OfferToWorker offers the job to workerID until now+timeout.
func (sr *ServiceRequest) OfferToWorker(workerID string, timeout time.Duration, now time.Time) error {
	if err := sr.require(StatusAnalyzing); err != nil {
		return err
	}
	if workerID == "" {
		return ErrNoWorker
	}
	deadline := now.Add(timeout)
	sr.WorkerID = workerID
	sr.WorkerTimeoutAt = &deadline
	sr.AssignmentAttempts++
	sr.TriedWorkers = append(sr.TriedWorkers, workerID)
	sr.transition(StatusOffering, TopicOffered, now, map[string]string{
		"workerId":  workerID,
		"expiresAt": deadline.Format(time.RFC3339),
	})
	return nil
}

// Accept assigns the job to the offered worker. expectedVersion is the
// version the worker last saw.
func (sr *ServiceRequest) Accept(workerID string, expectedVersion int64, now time.Time) error {
	if sr.Version != expectedVersion {
		return fmt.Errorf("%w: expected version %d, current %d", ErrConcurrencyConflict, expectedVersion, sr.Version)
	}
	if err := sr.require(StatusOffering); err != nil {
		return err
	}
	if sr.WorkerID != workerID {
		return ErrWrongWorker
	}
	if sr.WorkerTimeoutAt != nil && now.After(*sr.WorkerTimeoutAt) {
		return ErrOfferExpired
	}
	sr.VerificationCode = idgen.Digits(4)
	sr.WorkerTimeoutAt = nil
	sr.AcceptedAt = &now
	sr.transition(StatusAssigned, TopicAccepted, now, map[string]string{"workerId": workerID})
	return nil
}

// StartWork begins the job once the worker presents the client's code.
func (sr *ServiceRequest) StartWork(code string, now time.Time) error {
	if err := sr.require(StatusAssigned); err != nil {
		return err
	}
	if sr.VerificationCode == "" || subtle.ConstantTimeCompare([]byte(code), []byte(sr.VerificationCode)) != 1 {
		return ErrInvalidCode
	}
	sr.StartedAt = &now
	sr.transition(StatusInProgress, TopicStarted, now, nil)
	return nil
}

// CompleteWork finishes the job and opens the dispute window.
func (sr *ServiceRequest) CompleteWork(autoRelease time.Duration, now time.Time) error {
	if err := sr.require(StatusInProgress); err != nil {
		return err
	}
	deadline := now.Add(autoRelease)
	sr.CompletedAt = &now
	sr.DisputeDeadlineAt = &deadline
	sr.transition(StatusCompleted, TopicCompleted, now, map[string]string{
		"disputeDeadlineAt": deadline.Format(time.RFC3339),
	})
	return nil
}

// Cancel stops the job. penalty may be nil.
func (sr *ServiceRequest) Cancel(by Party, reason string, penalty *Penalty, now time.Time) error {
	switch sr.Status {
	case StatusCompleted, StatusDisputed, StatusCancelled, StatusExpired:
		return fmt.Errorf("%w: request %s is %s", ErrInvalidTransition, sr.ID, sr.Status)
	}
	sr.CancelledBy = by
	sr.CancelReason = reason
	sr.Penalty = penalty
	sr.WorkerTimeoutAt = nil
	data := map[string]string{"by": string(by), "reason": reason}
	if penalty != nil {
		data["penaltyAmount"] = penalty.Amount.StringFixed(2)
		data["penaltyParty"] = string(penalty.Party)
	}
	sr.transition(StatusCancelled, TopicCancelled, now, data)
	return nil
}

// Expire gives up on assignment once maxAttempts offers have been made.
func (sr *ServiceRequest) Expire(maxAttempts int, now time.Time) error {
	if err := sr.require(StatusOffering, StatusAnalyzing); err != nil {
		return err
	}
	if sr.AssignmentAttempts < maxAttempts {
		return fmt.Errorf("%w: %d of %d", ErrAttemptsRemaining, sr.AssignmentAttempts, maxAttempts)
	}
	sr.expire("max attempts reached", now)
	return nil
}

// ExpireNoCandidates gives up because no eligible worker is left.
func (sr *ServiceRequest) ExpireNoCandidates(now time.Time) error {
	if err := sr.require(StatusOffering, StatusAnalyzing); err != nil {
		return err
	}
	sr.expire("no eligible workers", now)
	return nil
}

func (sr *ServiceRequest) expire(reason string, now time.Time) {
	sr.WorkerID = ""
	sr.WorkerTimeoutAt = nil
	sr.CancelReason = reason
	sr.transition(StatusExpired, TopicExpired, now, map[string]string{
		"reason":   reason,
		"attempts": fmt.Sprint(sr.AssignmentAttempts),
	})
}

// ReassignAfterTimeout withdraws an unanswered offer and returns the job to
// ANALYZING for the next matching round.
func (sr *ServiceRequest) ReassignAfterTimeout(now time.Time) error {
	if err := sr.require(StatusOffering); err != nil {
		return err
	}
	if !sr.OfferTimedOut(now) {
		return ErrOfferNotTimedOut
	}
	previous := sr.WorkerID
	sr.WorkerID = ""
	sr.WorkerTimeoutAt = nil
	sr.transition(StatusAnalyzing, TopicOfferTimedOut, now, map[string]string{"workerId": previous})
	return nil
}

// Decline withdraws the offer at the offered worker's request.
func (sr *ServiceRequest) Decline(workerID string, now time.Time) error {
	if err := sr.require(StatusOffering); err != nil {
		return err
	}
	if sr.WorkerID != workerID {
		return ErrWrongWorker
	}
	sr.WorkerID = ""
	sr.WorkerTimeoutAt = nil
	sr.transition(StatusAnalyzing, TopicOfferDeclined, now, map[string]string{"workerId": workerID})
	return nil
}

// OfferTimedOut reports whether an open offer is past its deadline.
func (sr *ServiceRequest) OfferTimedOut(now time.Time) bool {
	return sr.Status == StatusOffering && sr.WorkerTimeoutAt != nil && now.After(*sr.WorkerTimeoutAt)
}

// ReleasePayout marks the worker's earnings released. The request stays
// COMPLETED.
func (sr *ServiceRequest) ReleasePayout(now time.Time) error {
	if err := sr.require(StatusCompleted); err != nil {
		return err
	}
	if sr.PayoutReleasedAt != nil {
		return ErrPayoutReleased
	}
	if sr.WorkerID == "" {
		return ErrNoWorker
	}
	if sr.DisputeDeadlineAt != nil && now.Before(*sr.DisputeDeadlineAt) {
		return fmt.Errorf("%w: until %s", ErrDisputeWindowOpen, sr.DisputeDeadlineAt.Format(time.RFC3339))
	}
	sr.PayoutReleasedAt = &now
	sr.PayoutRetryAt = nil
	sr.bump(TopicPayoutReleased, now, map[string]string{
		"workerId": sr.WorkerID,
		"amount":   sr.Pricing.WorkerNet.StringFixed(2),
	})
	return nil
}

// DeferPayout keeps a due payout off the sweep's list until retryAt.
func (sr *ServiceRequest) DeferPayout(retryAt time.Time, reason string, now time.Time) error {
	if err := sr.require(StatusCompleted); err != nil {
		return err
	}
	if sr.PayoutReleasedAt != nil {
		return ErrPayoutReleased
	}
	sr.PayoutRetryAt = &retryAt
	sr.bump(TopicPayoutDeferred, now, map[string]string{
		"retryAt": retryAt.Format(time.RFC3339),
		"reason":  reason,
	})
	return nil
}

// PayoutDueAt is when the payout sweep should next look at the request.
func (sr *ServiceRequest) PayoutDueAt() time.Time {
	if sr.PayoutRetryAt != nil {
		return *sr.PayoutRetryAt
	}
	if sr.DisputeDeadlineAt != nil {
		return *sr.DisputeDeadlineAt
	}
	return time.Time{}
}

// ApproveCompletion is the client closing the dispute window early.
func (sr *ServiceRequest) ApproveCompletion(now time.Time) error {
	if err := sr.require(StatusCompleted); err != nil {
		return err
	}
	if sr.PayoutReleasedAt != nil {
		return ErrPayoutReleased
	}
	sr.DisputeDeadlineAt = &now
	sr.bump(TopicApproved, now, nil)
	return nil
}

// Dispute freezes the job for review.
func (sr *ServiceRequest) Dispute(by Party, reason string, now time.Time) error {
	if err := sr.require(StatusAssigned, StatusInProgress, StatusCompleted); err != nil {
		return err
	}
	if sr.Status == StatusCompleted {
		if sr.PayoutReleasedAt != nil {
			return ErrPayoutReleased
		}
		if sr.DisputeDeadlineAt != nil && !now.Before(*sr.DisputeDeadlineAt) {
			return ErrDisputeWindowClosed
		}
	}
	sr.DisputedFrom = sr.Status
	sr.DisputeReason = reason
	sr.transition(StatusDisputed, TopicDisputed, now, map[string]string{
		"by":     string(by),
		"reason": reason,
		"from":   string(sr.DisputedFrom),
	})
	return nil
}

// ResolveDispute closes a dispute. Release completes the job with the payout
// released; refund cancels it.
func (sr *ServiceRequest) ResolveDispute(res Resolution, note string, now time.Time) error {
	if err := sr.require(StatusDisputed); err != nil {
		return err
	}
	data := map[string]string{"resolution": string(res), "note": note}
	switch res {
	case ResolutionRelease:
		if sr.WorkerID == "" {
			return ErrNoWorker
		}
		if sr.CompletedAt == nil {
			sr.CompletedAt = &now
		}
		sr.DisputeDeadlineAt = &now
		sr.PayoutReleasedAt = &now
		sr.Resolution = res
		sr.transition(StatusCompleted, TopicDisputeResolved, now, data)
	case ResolutionRefund:
		sr.Resolution = res
		sr.CancelledBy = PartySystem
		sr.CancelReason = "dispute refunded"
		if note != "" {
			sr.CancelReason += ": " + note
		}
		sr.transition(StatusCancelled, TopicDisputeResolved, now, data)
	default:
		return fmt.Errorf("%w: unknown resolution %q", ErrInvalidRequest, res)
	}
	return nil
}

// Store persists service requests. Save is a compare-and-swap on the version
// the request was loaded with and returns ErrConcurrencyConflict when another
// writer got there first.
type Store interface {
	Create(ctx context.Context, sr *ServiceRequest) error
	Get(ctx context.Context, id string) (*ServiceRequest, error)
	Save(ctx context.Context, sr *ServiceRequest) error
	ListOfferTimedOut(ctx context.Context, now time.Time, limit int) ([]*ServiceRequest, error)
	ListPayoutDue(ctx context.Context, now time.Time, limit int) ([]*ServiceRequest, error)
	List(ctx context.Context, q ListQuery) ([]*ServiceRequest, error)
}

// ListQuery selects a client's or a worker's jobs, newest first. After
// continues from a previous page.
type ListQuery struct {
	ClientID string
	WorkerID string
	Limit    int
	After    *pagination.Cursor
}
