package admin

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides admin HTTP endpoints.
type Handler struct {
	sweeps map[string]SweepRunner
	outbox OutboxDrainer
	hub    RealtimeStats
}

// NewHandler creates a new admin handler.
func NewHandler() *Handler {
	return &Handler{sweeps: make(map[string]SweepRunner)}
}

// WithSweeps registers sweeps that can be triggered by name.
func (h *Handler) WithSweeps(sweeps ...SweepRunner) *Handler {
	for _, s := range sweeps {
		h.sweeps[s.Name()] = s
	}
	return h
}

// WithOutbox sets the outbox relay for on-demand drains.
func (h *Handler) WithOutbox(d OutboxDrainer) *Handler {
	h.outbox = d
	return h
}

// WithRealtime exposes the websocket hub counters.
func (h *Handler) WithRealtime(hub RealtimeStats) *Handler {
	h.hub = hub
	return h
}

// RegisterRoutes sets up admin routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/sweeps", h.listSweeps)
	r.POST("/sweeps/:name/run", h.runSweep)
	r.POST("/outbox/drain", h.drainOutbox)
	r.GET("/realtime", h.realtimeStats)
}

func (h *Handler) listSweeps(c *gin.Context) {
	names := make([]string, 0, len(h.sweeps))
	for name := range h.sweeps {
		names = append(names, name)
	}
	c.JSON(http.StatusOK, gin.H{"sweeps": names, "count": len(names)})
}

// runSweep runs a sweep immediately. The sweep's guard still applies, so a
// run that overlaps a scheduled one reports "skipped".
func (h *Handler) runSweep(c *gin.Context) {
	sweep, ok := h.sweeps[c.Param("name")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "unknown sweep"})
		return
	}
	result := sweep.RunOnce(c.Request.Context())
	status := http.StatusOK
	if result == "error" {
		status = http.StatusInternalServerError
	}
	c.JSON(status, gin.H{"run": SweepRun{Sweep: sweep.Name(), Result: result}})
}

func (h *Handler) drainOutbox(c *gin.Context) {
	if h.outbox == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "outbox relay not configured"})
		return
	}
	n, err := h.outbox.Drain(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "drain_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"published": n})
}

func (h *Handler) realtimeStats(c *gin.Context) {
	if h.hub == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "realtime hub not configured"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"realtime": h.hub.Stats()})
}
