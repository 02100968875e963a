package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSweep struct {
	name   string
	result string
	runs   int
}

func (s *stubSweep) Name() string { return s.name }
func (s *stubSweep) RunOnce(context.Context) string {
	s.runs++
	return s.result
}

type stubDrainer struct {
	n   int
	err error
}

func (d stubDrainer) Drain(context.Context) (int, error) { return d.n, d.err }

func adminRouter(h *Handler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h.RegisterRoutes(r.Group("/v1/admin"))
	return r
}

func post(r *gin.Engine, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, path, nil))
	return w
}

func TestRunSweep(t *testing.T) {
	payouts := &stubSweep{name: "payout_release", result: "ok"}
	timeouts := &stubSweep{name: "worker_timeout", result: "error"}
	r := adminRouter(NewHandler().WithSweeps(payouts, timeouts))

	w := post(r, "/v1/admin/sweeps/payout_release/run")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Run SweepRun `json:"run"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, SweepRun{Sweep: "payout_release", Result: "ok"}, body.Run)
	assert.Equal(t, 1, payouts.runs)

	assert.Equal(t, http.StatusInternalServerError, post(r, "/v1/admin/sweeps/worker_timeout/run").Code)
	assert.Equal(t, http.StatusNotFound, post(r, "/v1/admin/sweeps/unknown/run").Code)
}

func TestListSweeps(t *testing.T) {
	r := adminRouter(NewHandler().WithSweeps(&stubSweep{name: "payout_release"}))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/admin/sweeps", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "payout_release")
}

func TestDrainOutbox(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable, post(adminRouter(NewHandler()), "/v1/admin/outbox/drain").Code)

	w := post(adminRouter(NewHandler().WithOutbox(stubDrainer{n: 4})), "/v1/admin/outbox/drain")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"published":4}`, w.Body.String())

	w = post(adminRouter(NewHandler().WithOutbox(stubDrainer{err: errors.New("db down")})), "/v1/admin/outbox/drain")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

type stubHub map[string]interface{}

func (s stubHub) Stats() map[string]interface{} { return s }

func TestRealtimeStats(t *testing.T) {
	get := func(h *Handler) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		adminRouter(h).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/admin/realtime", nil))
		return w
	}
	assert.Equal(t, http.StatusServiceUnavailable, get(NewHandler()).Code)

	w := get(NewHandler().WithRealtime(stubHub{"connectedClients": 3}))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"realtime":{"connectedClients":3}}`, w.Body.String())
}
