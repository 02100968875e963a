package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/homeserv/internal/config"
	"github.com/mbd888/homeserv/internal/logging"
	"github.com/mbd888/homeserv/internal/pricing"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal in-memory, sandbox-gateway config
func testConfig() *config.Config {
	return &config.Config{
		Port:                 "0",
		Env:                  "development",
		LogLevel:             "error",
		Currency:             "PEN",
		PlatformFeeRate:      decimal.RequireFromString("0.10"),
		DebtLimit:            decimal.RequireFromString("-50"),
		Gateway:              "sandbox",
		SandboxBaseURL:       "http://localhost/sandbox",
		GatewayTimeout:       time.Second,
		OfferTimeout:         10 * time.Minute,
		MaxAttempts:          3,
		AutoReleaseAfter:     48 * time.Hour,
		SearchRadiusKm:       15,
		ClientPenaltyRate:    decimal.RequireFromString("0.10"),
		WorkerPenaltyRate:    decimal.RequireFromString("0.05"),
		TimeoutSweepInterval: time.Minute,
		PayoutSweepInterval:  time.Hour,
		LeaseTTL:             time.Minute,
		InstanceID:           "test",
		OutboxInterval:       time.Hour,
		AdminToken:           "admin-secret",
		CORSOrigins:          []string{"*"},
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig(), WithLogger(logging.New("error", "text")), WithDrainDelay(0))
	require.NoError(t, err)
	return s
}

func call(t *testing.T, s *Server, method, path string, body any, headers ...string) (int, map[string]json.RawMessage) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	out := map[string]json.RawMessage{}
	if w.Body.Len() > 0 {
		_ = json.Unmarshal(w.Body.Bytes(), &out)
	}
	return w.Code, out
}

func field[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

type jobJSON struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	WorkerID string `json:"workerId"`
	Version  int64  `json:"version"`
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t)

	code, body := call(t, s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, code, "stopped loops degrade but do not fail the check")
	assert.Equal(t, `"degraded"`, string(body["status"]))

	code, _ = call(t, s, http.MethodGet, "/health/live", nil)
	assert.Equal(t, http.StatusOK, code)

	code, _ = call(t, s, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestMiddlewareHeaders(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	assert.NotEmpty(t, w.Header().Get(logging.RequestIDHeader))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
}

func TestPricingRulesSeeded(t *testing.T) {
	s := newTestServer(t)
	rules, err := s.pricingRules.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, rules, len(pricing.DefaultRules()))

	n, err := seedPricingRules(context.Background(), s.pricingRules)
	require.NoError(t, err)
	assert.Zero(t, n, "seeding twice adds nothing")
}

func TestAdminRoutesRequireToken(t *testing.T) {
	s := newTestServer(t)

	code, _ := call(t, s, http.MethodGet, "/v1/admin/sweeps", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, body := call(t, s, http.MethodGet, "/v1/admin/sweeps", nil, "Authorization", "Bearer admin-secret")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "2", string(body["count"]))

	code, _ = call(t, s, http.MethodPost, "/v1/admin/sweeps/worker_timeout/run", nil, "Authorization", "Bearer admin-secret")
	assert.Equal(t, http.StatusOK, code)

	code, _ = call(t, s, http.MethodPost, "/v1/admin/outbox/drain", nil, "Authorization", "Bearer admin-secret")
	assert.Equal(t, http.StatusOK, code)
}

func TestJobLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)
	lima := map[string]float64{"lat": -12.0464, "lng": -77.0428}

	code, _ := call(t, s, http.MethodPut, "/v1/workers/w_1", map[string]any{
		"name":           "Rosa",
		"rating":         4.8,
		"acceptanceRate": 0.9,
		"location":       map[string]float64{"lat": -12.05, "lng": -77.04},
		"online":         true,
	})
	require.Equal(t, http.StatusOK, code)

	code, body := call(t, s, http.MethodPost, "/v1/jobs", map[string]any{
		"clientId": "client_1",
		"category": "cleaning",
		"location": lima,
		"areaM2":   "40",
	})
	require.Equal(t, http.StatusCreated, code)
	job := field[jobJSON](t, body["serviceRequest"])
	assert.Equal(t, "OFFERING", job.Status)
	assert.Equal(t, "w_1", job.WorkerID)

	code, body = call(t, s, http.MethodPost, "/v1/jobs/"+job.ID+"/accept", map[string]any{
		"workerId": "w_1", "version": job.Version,
	})
	require.Equal(t, http.StatusOK, code)
	job = field[jobJSON](t, body["serviceRequest"])
	assert.Equal(t, "ASSIGNED", job.Status)

	// Pay through the sandbox checkout.
	code, body = call(t, s, http.MethodPost, "/v1/jobs/"+job.ID+"/payments", map[string]any{
		"clientId": "client_1", "paymentMethod": "GATEWAY",
	}, "Idempotency-Key", "checkout-1")
	require.Equal(t, http.StatusCreated, code)
	tx := field[struct {
		ID           string `json:"id"`
		PreferenceID string `json:"preferenceId"`
	}](t, body["payment"])
	require.NotEmpty(t, tx.PreferenceID)

	code, _ = call(t, s, http.MethodPost, "/v1/sandbox/checkout/"+tx.PreferenceID, nil)
	require.Equal(t, http.StatusOK, code)

	code, body = call(t, s, http.MethodGet, "/v1/payments/"+tx.ID, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "PAID", field[struct {
		Status string `json:"status"`
	}](t, body["payment"]).Status)

	code, body = call(t, s, http.MethodGet, "/v1/jobs/"+job.ID+"/verification-code?clientId=client_1", nil)
	require.Equal(t, http.StatusOK, code)
	verification := field[string](t, body["verificationCode"])

	code, _ = call(t, s, http.MethodPost, "/v1/jobs/"+job.ID+"/start", map[string]any{
		"workerId": "w_1", "code": verification,
	})
	require.Equal(t, http.StatusOK, code)

	code, _ = call(t, s, http.MethodPost, "/v1/jobs/"+job.ID+"/complete", map[string]any{"workerId": "w_1"})
	require.Equal(t, http.StatusOK, code)

	code, body = call(t, s, http.MethodPost, "/v1/jobs/"+job.ID+"/approve", map[string]any{"clientId": "client_1"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "COMPLETED", field[jobJSON](t, body["serviceRequest"]).Status)

	code, body = call(t, s, http.MethodGet, "/v1/wallets/w_1", nil)
	require.Equal(t, http.StatusOK, code)
	w := field[struct {
		BalancePending   decimal.Decimal `json:"balancePending"`
		BalanceAvailable decimal.Decimal `json:"balanceAvailable"`
	}](t, body["wallet"])
	assert.True(t, w.BalancePending.IsZero())
	assert.True(t, w.BalanceAvailable.IsPositive())

	// Every transition landed in the outbox; a manual drain publishes them.
	code, body = call(t, s, http.MethodPost, "/v1/admin/outbox/drain", nil, "Authorization", "Bearer admin-secret")
	require.Equal(t, http.StatusOK, code)
	assert.Greater(t, field[int](t, body["published"]), 0)
}

func TestRunAndShutdown(t *testing.T) {
	s := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	assert.Eventually(t, func() bool { return s.ready.Load() }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		return s.health.Run(context.Background()).Healthy()
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
	assert.False(t, s.ready.Load())
}
