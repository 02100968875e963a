package matching

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler exposes the worker directory and candidate search.
type Handler struct {
	directory Directory
	matcher   *Matcher
}

// NewHandler creates a matching handler.
func NewHandler(directory Directory, matcher *Matcher) *Handler {
	return &Handler{directory: directory, matcher: matcher}
}

// RegisterRoutes sets up matching routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.PUT("/workers/:id", h.PutWorker)
	r.GET("/workers/:id", h.GetWorker)
	r.PUT("/workers/:id/availability", h.SetAvailability)
	r.GET("/matching/candidates", h.Candidates)
}

// PutWorker handles PUT /v1/workers/:id
func (h *Handler) PutWorker(c *gin.Context) {
	var w Worker
	if err := c.ShouldBindJSON(&w); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	w.ID = c.Param("id")
	if w.PlanTier == "" {
		w.PlanTier = TierBasic
	}
	if err := h.directory.Upsert(c.Request.Context(), &w); err != nil {
		writeError(c, err)
		return
	}
	saved, err := h.directory.Get(c.Request.Context(), w.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"worker": saved})
}

// GetWorker handles GET /v1/workers/:id
func (h *Handler) GetWorker(c *gin.Context) {
	w, err := h.directory.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"worker": w})
}

// AvailabilityRequest toggles a worker online.
type AvailabilityRequest struct {
	Online *bool `json:"online" binding:"required"`
}

// SetAvailability handles PUT /v1/workers/:id/availability
func (h *Handler) SetAvailability(c *gin.Context) {
	var req AvailabilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "online is required"})
		return
	}
	if err := h.directory.SetAvailability(c.Request.Context(), c.Param("id"), *req.Online); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "online": *req.Online})
}

// Candidates handles GET /v1/matching/candidates?lat=&lng=&radiusKm=&category=
func (h *Handler) Candidates(c *gin.Context) {
	lat, errLat := strconv.ParseFloat(c.Query("lat"), 64)
	lng, errLng := strconv.ParseFloat(c.Query("lng"), 64)
	if errLat != nil || errLng != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "lat and lng are required"})
		return
	}
	radius, _ := strconv.ParseFloat(c.DefaultQuery("radiusKm", "0"), 64)

	ranking, err := h.matcher.Rank(c.Request.Context(), Query{
		Location: Location{Lat: lat, Lng: lng},
		RadiusKm: radius,
		Category: c.Query("category"),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	waves := make([][]Candidate, 0, 3)
	for i := 0; i < ranking.Waves(); i++ {
		waves = append(waves, ranking.Wave(i))
	}
	c.JSON(http.StatusOK, gin.H{"candidates": ranking.Candidates, "waves": waves, "count": len(ranking.Candidates)})
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrWorkerNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrInvalidWorker):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
	}
}
