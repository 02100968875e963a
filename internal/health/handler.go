package health

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
)

// Response is the body of GET /health.
type Response struct {
	Report
	Version   string `json:"version"`
	Timestamp string `json:"timestamp"`
}

// Handler serves the health, liveness and readiness endpoints.
type Handler struct {
	registry *Registry
	version  string
	live     *atomic.Bool
	ready    *atomic.Bool
}

// NewHandler creates the health handlers. live and ready are owned by the server
// lifecycle; ready flips to false while draining.
func NewHandler(registry *Registry, version string, live, ready *atomic.Bool) *Handler {
	return &Handler{registry: registry, version: version, live: live, ready: ready}
}

// RegisterRoutes mounts /health, /health/live and /health/ready.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.GET("/health", h.Health)
	r.GET("/health/live", h.Live)
	r.GET("/health/ready", h.Ready)
}

// Health runs every check. Only an unhealthy report answers 503; a
// degraded one still serves traffic.
func (h *Handler) Health(c *gin.Context) {
	report := h.registry.Run(c.Request.Context())

	code := http.StatusOK
	if report.State == StateUnhealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, Response{
		Report:    report,
		Version:   h.version,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Live answers the liveness check.
func (h *Handler) Live(c *gin.Context) {
	if !h.live.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

// Ready answers the readiness check: not while starting or draining, and
// not while a critical dependency is down.
func (h *Handler) Ready(c *gin.Context) {
	if !h.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	if report := h.registry.Run(c.Request.Context()); report.State == StateUnhealthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": report.Checks})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
