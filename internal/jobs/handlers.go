package jobs

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/homeserv/internal/matching"
	"github.com/mbd888/homeserv/internal/pagination"
	"github.com/mbd888/homeserv/internal/payment"
	"github.com/mbd888/homeserv/internal/pricing"
	"github.com/mbd888/homeserv/internal/processor"
	"github.com/mbd888/homeserv/internal/wallet"
)

// Handler provides HTTP endpoints for service requests.
type Handler struct {
	service *Service
}

// NewHandler creates a new service request handler.
func NewHandler(s *Service) *Handler {
	return &Handler{service: s}
}

// RegisterRoutes sets up client and worker routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/jobs", h.CreateJob)
	r.GET("/jobs", h.ListJobs)
	r.GET("/jobs/:id", h.GetJob)
	r.POST("/jobs/:id/analyze", h.Analyze)
	r.POST("/jobs/:id/dispatch", h.Dispatch)
	r.POST("/jobs/:id/accept", h.Accept)
	r.POST("/jobs/:id/decline", h.Decline)
	r.GET("/jobs/:id/verification-code", h.GetVerificationCode)
	r.POST("/jobs/:id/start", h.StartWork)
	r.POST("/jobs/:id/complete", h.CompleteWork)
	r.POST("/jobs/:id/approve", h.Approve)
	r.POST("/jobs/:id/cancel", h.Cancel)
	r.POST("/jobs/:id/dispute", h.Dispute)
	r.POST("/jobs/:id/payments", h.CreatePayment)
}

// RegisterAdminRoutes sets up operator routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/jobs/:id/release-payout", h.ReleasePayout)
	r.POST("/jobs/:id/resolve", h.ResolveDispute)
}

// AcceptRequest is the body of POST /jobs/:id/accept.
type AcceptRequest struct {
	WorkerID string `json:"workerId" binding:"required"`
	Version  int64  `json:"version" binding:"required"`
}

// WorkerRequest identifies the acting worker.
type WorkerRequest struct {
	WorkerID string `json:"workerId" binding:"required"`
}

// StartRequest is the body of POST /jobs/:id/start.
type StartRequest struct {
	WorkerID string `json:"workerId" binding:"required"`
	Code     string `json:"code" binding:"required"`
}

// ClientRequest identifies the acting client.
type ClientRequest struct {
	ClientID string `json:"clientId" binding:"required"`
}

// DisputeRequest is the body of POST /jobs/:id/dispute.
type DisputeRequest struct {
	ActorID string `json:"actorId" binding:"required"`
	Reason  string `json:"reason" binding:"required"`
}

// ResolveRequest is the body of POST /admin/jobs/:id/resolve.
type ResolveRequest struct {
	Resolution Resolution `json:"resolution" binding:"required"`
	Note       string     `json:"note"`
}

// CreateJob handles POST /v1/jobs. The job is created, priced and offered;
// when pricing or matching fails the job is still created and returned with
// 202 and a warning.
func (h *Handler) CreateJob(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	sr, err := h.service.Submit(c.Request.Context(), req)
	if err != nil && sr == nil {
		writeError(c, err)
		return
	}
	if err != nil {
		c.JSON(http.StatusAccepted, gin.H{"serviceRequest": sr, "warning": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"serviceRequest": sr})
}

// GetJob handles GET /v1/jobs/:id
func (h *Handler) GetJob(c *gin.Context) {
	sr, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"serviceRequest": sr})
}

// ListJobs handles GET /v1/jobs?clientId=...|workerId=...&limit=&cursor=
func (h *Handler) ListJobs(c *gin.Context) {
	after, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
		return
	}
	page, err := h.service.List(c.Request.Context(), ListQuery{
		ClientID: c.Query("clientId"),
		WorkerID: c.Query("workerId"),
		Limit:    pagination.Limit(c.Query("limit")),
		After:    after,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// Analyze handles POST /v1/jobs/:id/analyze
func (h *Handler) Analyze(c *gin.Context) {
	h.respond(c, func() (*ServiceRequest, error) {
		return h.service.Analyze(c.Request.Context(), c.Param("id"))
	})
}

// Dispatch handles POST /v1/jobs/:id/dispatch
func (h *Handler) Dispatch(c *gin.Context) {
	h.respond(c, func() (*ServiceRequest, error) {
		return h.service.Dispatch(c.Request.Context(), c.Param("id"))
	})
}

// Accept handles POST /v1/jobs/:id/accept
func (h *Handler) Accept(c *gin.Context) {
	var req AcceptRequest
	if !bind(c, &req) {
		return
	}
	h.respond(c, func() (*ServiceRequest, error) {
		return h.service.Accept(c.Request.Context(), c.Param("id"), req.WorkerID, req.Version)
	})
}

// Decline handles POST /v1/jobs/:id/decline
func (h *Handler) Decline(c *gin.Context) {
	var req WorkerRequest
	if !bind(c, &req) {
		return
	}
	h.respond(c, func() (*ServiceRequest, error) {
		return h.service.Decline(c.Request.Context(), c.Param("id"), req.WorkerID)
	})
}

// GetVerificationCode handles GET /v1/jobs/:id/verification-code?clientId=...
func (h *Handler) GetVerificationCode(c *gin.Context) {
	code, err := h.service.VerificationCode(c.Request.Context(), c.Param("id"), c.Query("clientId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"verificationCode": code})
}

// StartWork handles POST /v1/jobs/:id/start
func (h *Handler) StartWork(c *gin.Context) {
	var req StartRequest
	if !bind(c, &req) {
		return
	}
	h.respond(c, func() (*ServiceRequest, error) {
		return h.service.StartWork(c.Request.Context(), c.Param("id"), req.WorkerID, req.Code)
	})
}

// CompleteWork handles POST /v1/jobs/:id/complete
func (h *Handler) CompleteWork(c *gin.Context) {
	var req WorkerRequest
	if !bind(c, &req) {
		return
	}
	h.respond(c, func() (*ServiceRequest, error) {
		return h.service.CompleteWork(c.Request.Context(), c.Param("id"), req.WorkerID)
	})
}

// Approve handles POST /v1/jobs/:id/approve
func (h *Handler) Approve(c *gin.Context) {
	var req ClientRequest
	if !bind(c, &req) {
		return
	}
	h.respond(c, func() (*ServiceRequest, error) {
		return h.service.Approve(c.Request.Context(), c.Param("id"), req.ClientID)
	})
}

// Cancel handles POST /v1/jobs/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	var req CancelRequest
	if !bind(c, &req) {
		return
	}
	if req.By == PartySystem {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "system cancellations are not allowed here"})
		return
	}
	h.respond(c, func() (*ServiceRequest, error) {
		return h.service.Cancel(c.Request.Context(), c.Param("id"), req)
	})
}

// Dispute handles POST /v1/jobs/:id/dispute
func (h *Handler) Dispute(c *gin.Context) {
	var req DisputeRequest
	if !bind(c, &req) {
		return
	}
	h.respond(c, func() (*ServiceRequest, error) {
		return h.service.Dispute(c.Request.Context(), c.Param("id"), req.ActorID, req.Reason)
	})
}

// CreatePayment handles POST /v1/jobs/:id/payments
func (h *Handler) CreatePayment(c *gin.Context) {
	var req PaymentRequest
	if !bind(c, &req) {
		return
	}
	if ref := c.GetHeader("Idempotency-Key"); ref != "" && req.Reference == "" {
		req.Reference = ref
	}
	tx, err := h.service.CreatePayment(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"payment": tx})
}

// ReleasePayout handles POST /v1/admin/jobs/:id/release-payout
func (h *Handler) ReleasePayout(c *gin.Context) {
	h.respond(c, func() (*ServiceRequest, error) {
		return h.service.ReleasePayout(c.Request.Context(), c.Param("id"))
	})
}

// ResolveDispute handles POST /v1/admin/jobs/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req ResolveRequest
	if !bind(c, &req) {
		return
	}
	h.respond(c, func() (*ServiceRequest, error) {
		return h.service.ResolveDispute(c.Request.Context(), c.Param("id"), req.Resolution, req.Note)
	})
}

func bind(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return false
	}
	return true
}

func (h *Handler) respond(c *gin.Context, fn func() (*ServiceRequest, error)) {
	sr, err := fn()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"serviceRequest": sr})
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, payment.ErrNotFound), errors.Is(err, pricing.ErrRuleNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrConcurrencyConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "concurrency_conflict", "message": err.Error()})
	case errors.Is(err, payment.ErrActivePaymentExists):
		c.JSON(http.StatusConflict, gin.H{"error": "active_payment_exists", "message": err.Error()})
	case errors.Is(err, ErrNotParticipant), errors.Is(err, ErrWrongWorker):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": err.Error()})
	case errors.Is(err, wallet.ErrDebtLimitExceeded), errors.Is(err, wallet.ErrWalletSuspended):
		c.JSON(http.StatusForbidden, gin.H{"error": "wallet_blocked", "message": err.Error()})
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, payment.ErrInvalidMethod),
		errors.Is(err, payment.ErrInvalidAmount), errors.Is(err, pricing.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrOfferExpired), errors.Is(err, ErrInvalidCode),
		errors.Is(err, ErrDisputeWindowOpen), errors.Is(err, ErrDisputeWindowClosed), errors.Is(err, ErrPayoutReleased),
		errors.Is(err, ErrNoWorker), errors.Is(err, ErrOfferNotTimedOut), errors.Is(err, ErrAttemptsRemaining),
		errors.Is(err, payment.ErrNotPaid), errors.Is(err, payment.ErrInvalidTransition):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_state", "message": err.Error()})
	case errors.Is(err, matching.ErrNoCandidates):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "no_candidates", "message": err.Error()})
	case processor.IsTransient(err):
		c.Header("Retry-After", "30")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "gateway_unavailable", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
	}
}
