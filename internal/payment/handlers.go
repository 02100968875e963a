package payment

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/mbd888/homeserv/internal/processor"
)

// Handler provides HTTP endpoints for payments.
type Handler struct {
	orchestrator *Orchestrator
}

// NewHandler creates a new payment handler.
func NewHandler(o *Orchestrator) *Handler {
	return &Handler{orchestrator: o}
}

// RegisterRoutes sets up payment routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/payments", h.CreatePayment)
	r.GET("/payments", h.ListPayments)
	r.GET("/payments/:id", h.GetPayment)
	r.POST("/payments/:id/refund", h.RefundPayment)
}

// CreatePaymentRequest is the body of POST /payments.
type CreatePaymentRequest struct {
	UserID           string            `json:"userId" binding:"required"`
	ProfessionalID   string            `json:"professionalId" binding:"required"`
	ServiceRequestID string            `json:"serviceRequestId"`
	PaymentMethod    Method            `json:"paymentMethod" binding:"required"`
	Amount           string            `json:"amount" binding:"required"`
	Reference        string            `json:"externalReference"`
	Description      string            `json:"description"`
	Metadata         map[string]string `json:"metadata"`
}

// RefundRequest is the body of POST /payments/:id/refund.
type RefundRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// CreatePayment handles POST /v1/payments
func (h *Handler) CreatePayment(c *gin.Context) {
	var req CreatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "amount must be a decimal string"})
		return
	}

	tx, err := h.orchestrator.CreatePayment(c.Request.Context(), CreateRequest{
		UserID:           req.UserID,
		ProfessionalID:   req.ProfessionalID,
		ServiceRequestID: req.ServiceRequestID,
		Method:           req.PaymentMethod,
		Purpose:          PurposeService,
		Amount:           amount,
		Reference:        req.Reference,
		Description:      req.Description,
		Metadata:         req.Metadata,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"payment": tx})
}

// GetPayment handles GET /v1/payments/:id
func (h *Handler) GetPayment(c *gin.Context) {
	tx, err := h.orchestrator.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": tx})
}

// ListPayments handles GET /v1/payments?reference=... or ?userId=...
func (h *Handler) ListPayments(c *gin.Context) {
	ctx := c.Request.Context()
	if ref := c.Query("reference"); ref != "" {
		tx, err := h.orchestrator.GetByReference(ctx, ref)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"payments": []*Transaction{tx}, "count": 1})
		return
	}

	userID := c.Query("userId")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "reference or userId is required"})
		return
	}
	limit := 50
	if l := c.Query("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	txs, err := h.orchestrator.ListByUser(ctx, userID, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payments": txs, "count": len(txs)})
}

// RefundPayment handles POST /v1/payments/:id/refund
func (h *Handler) RefundPayment(c *gin.Context) {
	var req RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "reason is required"})
		return
	}
	tx, err := h.orchestrator.Refund(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": tx})
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidMethod), errors.Is(err, ErrMissingProfessional):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	case errors.Is(err, ErrActivePaymentExists):
		c.JSON(http.StatusConflict, gin.H{"error": "active_payment_exists", "message": err.Error()})
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrNotPaid), errors.Is(err, ErrAlreadyReleased):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_state", "message": err.Error()})
	case processor.IsTransient(err):
		c.Header("Retry-After", "30")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "gateway_unavailable", "message": err.Error()})
	case errors.Is(err, processor.ErrRejected):
		c.JSON(http.StatusBadGateway, gin.H{"error": "gateway_rejected", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal server error"})
	}
}
