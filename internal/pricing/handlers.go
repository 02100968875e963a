package pricing

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler exposes pricing rules and estimates.
type Handler struct {
	rules     RuleStore
	estimator Estimator
}

// NewHandler creates a pricing handler.
func NewHandler(rules RuleStore, estimator Estimator) *Handler {
	return &Handler{rules: rules, estimator: estimator}
}

// RegisterRoutes sets up pricing routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/pricing/rules", h.ListRules)
	r.POST("/pricing/estimate", h.Estimate)
}

// RegisterAdminRoutes sets up rule editing.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.PUT("/pricing/rules/:category", h.PutRule)
}

// ListRules handles GET /v1/pricing/rules
func (h *Handler) ListRules(c *gin.Context) {
	rules, err := h.rules.List(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rules": rules, "count": len(rules)})
}

// PutRule handles PUT /v1/admin/pricing/rules/:category
func (h *Handler) PutRule(c *gin.Context) {
	var rule Rule
	if err := c.ShouldBindJSON(&rule); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	rule.Category = c.Param("category")
	if err := h.rules.Put(c.Request.Context(), &rule); err != nil {
		writeError(c, err)
		return
	}
	saved, err := h.rules.Get(c.Request.Context(), rule.Category)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rule": saved})
}

// Estimate handles POST /v1/pricing/estimate
func (h *Handler) Estimate(c *gin.Context) {
	var in Input
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	est, err := h.estimator.Estimate(c.Request.Context(), in)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"estimate": est})
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrRuleNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrInvalidRule), errors.Is(err, ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	case errors.Is(err, ErrInvalidEstimate), errors.Is(err, ErrDivisionByZero), errors.Is(err, ErrMissingVariable):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "estimate_failed", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
	}
}
