package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/homelease/rentcore/internal/auth"
	"github.com/homelease/rentcore/internal/config"
)

const testSecret = "test-secret-test-secret-test-secret!"

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal in-memory config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:            "0",
		Env:             "development",
		LogLevel:        "error",
		LogFormat:       "text",
		JWTSecret:       testSecret,
		Currency:        "VND",
		DepositGrace:    config.DefaultDepositGrace,
		FirstRentGrace:  config.DefaultFirstRentGrace,
		ExtensionGrace:  config.DefaultExtensionGrace,
		SweepBatchSize:  config.DefaultSweepBatchSize,
		MaxRequestBytes: config.DefaultMaxRequestBytes,
		ShutdownTimeout: time.Second,
	}
}

type testServer struct {
	t      *testing.T
	s      *Server
	signer *auth.Verifier
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	s, err := New(testConfig())
	require.NoError(t, err)
	s.drainDelay = 0
	return &testServer{t: t, s: s, signer: auth.NewVerifier(testSecret)}
}

// do sends a request as user (empty for anonymous) and decodes the JSON body.
func (ts *testServer) do(method, path, user, role string, body any, headers ...string) (*httptest.ResponseRecorder, map[string]any) {
	ts.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(ts.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		tok, err := ts.signer.Sign(user, role, time.Hour)
		require.NoError(ts.t, err)
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	ts.s.Router().ServeHTTP(w, req)

	var out map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	return w, out
}

func (ts *testServer) ok(method, path, user string, body any) map[string]any {
	ts.t.Helper()
	w, out := ts.do(method, path, user, auth.RoleUser, body)
	require.Less(ts.t, w.Code, 300, "%s %s: %s", method, path, w.Body.String())
	return out
}

func field(m map[string]any, keys ...string) any {
	var cur any = m
	for _, k := range keys {
		cur = cur.(map[string]any)[k]
	}
	return cur
}

func TestHealthEndpoints(t *testing.T) {
	ts := newTestServer(t)

	w, body := ts.do(http.MethodGet, "/health", "", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "memory", body["storage"])

	w, _ = ts.do(http.MethodGet, "/health/live", "", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = ts.do(http.MethodGet, "/health/ready", "", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code, "not ready before Run")

	w, _ = ts.do(http.MethodGet, "/metrics", "", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestV1RequiresToken(t *testing.T) {
	ts := newTestServer(t)

	w, body := ts.do(http.MethodGet, "/v1/bookings", "", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "unauthorized", body["error"])
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestAdminRoutesRequireAdminRole(t *testing.T) {
	ts := newTestServer(t)

	w, _ := ts.do(http.MethodPost, "/v1/admin/sweep", "tenant", auth.RoleUser, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, body := ts.do(http.MethodPost, "/v1/admin/sweep", "ops", auth.RoleAdmin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), field(body, "summary", "scanned"))
}

func TestDepositFlowOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	created := ts.ok(http.MethodPost, "/v1/bookings", "tenant", map[string]any{
		"landlordId":    "landlord",
		"propertyId":    "prop-1",
		"depositAmount": "2000000",
		"monthlyRent":   "1000000",
	})
	id := field(created, "booking", "id").(string)
	base := "/v1/bookings/" + id

	ts.ok(http.MethodPost, base+"/approve", "landlord", nil)
	ts.ok(http.MethodPost, base+"/sign", "tenant", nil)
	ts.ok(http.MethodPost, base+"/sign", "landlord", nil)
	funded := ts.ok(http.MethodPost, base+"/request-funding", "tenant", map[string]any{})
	assert.Equal(t, "AWAITING_DEPOSIT", field(funded, "booking", "status"))

	// Admin records an out-of-band top-up for the tenant.
	w, _ := ts.do(http.MethodPost, "/v1/wallet/credit", "ops", auth.RoleAdmin, map[string]any{
		"userId": "tenant", "amount": "5000000", "type": "TOPUP", "note": "bank transfer",
	}, "Idempotency-Key", "topup-tenant-1")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	pay := ts.ok(http.MethodPost, "/v1/payments", "tenant", map[string]any{
		"bookingId": id,
		"amount":    "2000000",
		"method":    "WALLET",
		"purpose":   "TENANT_ESCROW_DEPOSIT",
	})
	payID := field(pay, "payment", "id").(string)

	settled := ts.ok(http.MethodPost, "/v1/payments/"+payID+"/settle", "tenant", nil)
	assert.Equal(t, "COMPLETED", field(settled, "payment", "status"))

	got := ts.ok(http.MethodGet, base, "tenant", nil)
	assert.Equal(t, "ESCROW_FUNDED_T", field(got, "booking", "status"))

	wallet := ts.ok(http.MethodGet, "/v1/wallet", "tenant", nil)
	assert.Equal(t, "3000000", field(wallet, "wallet", "availableBalance"))

	// Replaying the settle is rejected without moving money again.
	w, body := ts.do(http.MethodPost, "/v1/payments/"+payID+"/settle", "tenant", auth.RoleUser, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "invalid_state_transition", body["error"])

	w, body = ts.do(http.MethodPost, "/v1/admin/reconcile", "ops", auth.RoleAdmin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, field(body, "report", "healthy"))

	w, body = ts.do(http.MethodGet, "/health", "", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", body["status"])
}

func TestShutdownWithoutRun(t *testing.T) {
	ts := newTestServer(t)
	assert.NoError(t, ts.s.Shutdown())
}
