package wallet

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/mbd888/homeserv/internal/processor"
)

// Handler provides HTTP endpoints for wallets and debt.
type Handler struct {
	manager *Manager
}

// NewHandler creates a new wallet handler.
func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

// RegisterRoutes sets up wallet routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/wallets/:userId", h.GetWallet)
	r.GET("/wallets/:userId/debt", h.GetDebtStatus)
	r.POST("/wallets/:userId/debt/payment-link", h.CreateDebtPaymentLink)
	r.PUT("/wallets/:userId/debt-limit", h.SetDebtLimit)
	r.POST("/wallets/:userId/withdrawals", h.RequestWithdrawal)
}

// AmountRequest carries a decimal amount as a string.
type AmountRequest struct {
	Amount string `json:"amount" binding:"required"`
}

// GetWallet handles GET /v1/wallets/:userId
func (h *Handler) GetWallet(c *gin.Context) {
	w, err := h.manager.Get(c.Request.Context(), c.Param("userId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": w})
}

// GetDebtStatus handles GET /v1/wallets/:userId/debt
func (h *Handler) GetDebtStatus(c *gin.Context) {
	status, err := h.manager.GetDebtStatus(c.Request.Context(), c.Param("userId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"debt": status})
}

// CreateDebtPaymentLink handles POST /v1/wallets/:userId/debt/payment-link
func (h *Handler) CreateDebtPaymentLink(c *gin.Context) {
	link, err := h.manager.GenerateDebtPaymentLink(c.Request.Context(), c.Param("userId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"paymentLink": link})
}

// SetDebtLimit handles PUT /v1/wallets/:userId/debt-limit
func (h *Handler) SetDebtLimit(c *gin.Context) {
	amount, ok := bindAmount(c)
	if !ok {
		return
	}
	w, err := h.manager.SetDebtLimit(c.Request.Context(), c.Param("userId"), amount)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": w})
}

// RequestWithdrawal handles POST /v1/wallets/:userId/withdrawals
func (h *Handler) RequestWithdrawal(c *gin.Context) {
	amount, ok := bindAmount(c)
	if !ok {
		return
	}
	wd, err := h.manager.RequestWithdrawal(c.Request.Context(), c.Param("userId"), amount)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"withdrawal": wd})
}

func bindAmount(c *gin.Context) (decimal.Decimal, bool) {
	var req AmountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return decimal.Zero, false
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "amount must be a decimal string"})
		return decimal.Zero, false
	}
	return amount, true
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrWalletNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrInvalidDebtLimit), errors.Is(err, ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	case errors.Is(err, ErrInsufficientBalance):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "insufficient_balance", "message": err.Error()})
	case errors.Is(err, ErrDebtLimitExceeded), errors.Is(err, ErrWalletSuspended):
		c.JSON(http.StatusForbidden, gin.H{"error": "wallet_blocked", "message": err.Error()})
	case errors.Is(err, ErrNoDebt):
		c.JSON(http.StatusConflict, gin.H{"error": "no_debt", "message": err.Error()})
	case processor.IsTransient(err):
		c.Header("Retry-After", "30")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "gateway_unavailable", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
	}
}
