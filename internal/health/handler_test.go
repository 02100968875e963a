package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func healthRouter(reg *Registry, live, ready *atomic.Bool) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(reg, "test", live, ready).RegisterRoutes(r)
	return r
}

func get(r *gin.Engine, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestHandler_HealthStates(t *testing.T) {
	var live, ready atomic.Bool
	reg := NewRegistry()
	dbUp, running := true, true
	reg.Critical("database", func(context.Context) Status { return Status{Healthy: dbUp} })
	reg.Optional("worker_timeout", Loop(func() bool { return running }))
	r := healthRouter(reg, &live, &ready)

	decode := func(w *httptest.ResponseRecorder) Response {
		var resp Response
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		return resp
	}

	w := get(r, "/health")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode(w)
	assert.Equal(t, StateHealthy, resp.State)
	assert.Equal(t, "test", resp.Version)
	require.Len(t, resp.Checks, 2)

	running = false
	w = get(r, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	resp = decode(w)
	assert.Equal(t, StateDegraded, resp.State)
	assert.Equal(t, "not running", resp.Checks[1].Detail)

	dbUp = false
	w = get(r, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, StateUnhealthy, decode(w).State)
}

func TestHandler_LiveAndReady(t *testing.T) {
	var live, ready atomic.Bool
	reg := NewRegistry()
	dbUp := true
	reg.Critical("database", func(context.Context) Status { return Status{Healthy: dbUp} })
	r := healthRouter(reg, &live, &ready)

	assert.Equal(t, http.StatusServiceUnavailable, get(r, "/health/live").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get(r, "/health/ready").Code)

	live.Store(true)
	ready.Store(true)
	assert.Equal(t, http.StatusOK, get(r, "/health/live").Code)
	assert.Equal(t, http.StatusOK, get(r, "/health/ready").Code)

	// A critical outage takes the instance out of rotation but keeps it alive.
	dbUp = false
	assert.Equal(t, http.StatusServiceUnavailable, get(r, "/health/ready").Code)
	assert.Equal(t, http.StatusOK, get(r, "/health/live").Code)

	// Draining.
	dbUp = true
	ready.Store(false)
	assert.Equal(t, http.StatusServiceUnavailable, get(r, "/health/ready").Code)
	assert.Equal(t, http.StatusOK, get(r, "/health/live").Code)
}
