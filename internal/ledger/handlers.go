package ledger

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler exposes read-only ledger endpoints for support and reconciliation.
type Handler struct {
	ledger *Ledger
}

// NewHandler creates a new ledger handler.
func NewHandler(l *Ledger) *Handler {
	return &Handler{ledger: l}
}

// RegisterRoutes sets up ledger routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/ledger/accounts/:account/balance", h.GetBalance)
	r.GET("/ledger/accounts/:account/entries", h.ListEntries)
	r.GET("/ledger/accounts/:account/verify", h.Verify)
	r.GET("/ledger/transactions/:id", h.ListTransaction)
}

// GetBalance handles GET /v1/ledger/accounts/:account/balance
func (h *Handler) GetBalance(c *gin.Context) {
	account := c.Param("account")
	bal, err := h.ledger.BalanceOf(c.Request.Context(), account)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"accountId": account, "balance": bal.StringFixed(2)})
}

// ListEntries handles GET /v1/ledger/accounts/:account/entries
func (h *Handler) ListEntries(c *gin.Context) {
	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	entries, err := h.ledger.History(c.Request.Context(), c.Param("account"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// Verify handles GET /v1/ledger/accounts/:account/verify
func (h *Handler) Verify(c *gin.Context) {
	res, err := h.ledger.Verify(c.Request.Context(), c.Param("account"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"verification": res})
}

// ListTransaction handles GET /v1/ledger/transactions/:id
func (h *Handler) ListTransaction(c *gin.Context) {
	entries, err := h.ledger.EntriesForTransaction(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	if len(entries) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "No entries for transaction"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}
