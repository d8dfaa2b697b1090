package escrow

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/homelease/rentcore/internal/auth"
)

func setupTestRouter(t *testing.T) (*gin.Engine, *Ledger, *Account) {
	gin.SetMode(gin.TestMode)
	l, _, _ := newTestLedger()
	a := openTestAccount(t, l)

	r := gin.New()
	v1 := r.Group("/v1")
	// Test stand-in for auth middleware.
	v1.Use(func(c *gin.Context) {
		if u := c.GetHeader("X-User"); u != "" {
			c.Set(auth.ContextKeyPrincipal, auth.Principal{UserID: u, Role: c.GetHeader("X-Role")})
		}
		c.Next()
	})
	h := NewHandler(l)
	h.RegisterProtectedRoutes(v1)
	h.RegisterAdminRoutes(v1)
	return r, l, a
}

func serve(r *gin.Engine, method, path, user, role string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User", user)
	req.Header.Set("X-Role", role)
	req.Header.Set("Idempotency-Key", "adj-"+user)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_GetEscrow_PartiesOnly(t *testing.T) {
	r, _, a := setupTestRouter(t)

	w := serve(r, "GET", "/v1/escrow/"+a.ID, "tenant", "user", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"currentBalanceTenant":"0"`)

	w = serve(r, "GET", "/v1/escrow/"+a.ID, "stranger", "user", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), `"error":"not_found"`)

	w = serve(r, "GET", "/v1/contracts/contract-1/escrow", "stranger", "user", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = serve(r, "GET", "/v1/escrow/"+a.ID, "ops", auth.RoleAdmin, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = serve(r, "GET", "/v1/contracts/contract-1/escrow", "landlord", "user", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = serve(r, "GET", "/v1/escrow/missing", "tenant", "user", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_Adjust(t *testing.T) {
	r, l, a := setupTestRouter(t)
	deposit(t, l, a.ID, Tenant, 1_000, "dep")

	w := serve(r, "POST", "/v1/escrow/"+a.ID+"/adjust", "tenant", "user",
		AdjustBody{Contributor: "TENANT", Amount: "-100", Note: "self"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = serve(r, "POST", "/v1/escrow/"+a.ID+"/adjust", "ops", auth.RoleAdmin,
		AdjustBody{Contributor: "TENANT", Amount: "-100", Note: "stained carpet"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"DAMAGE_DEDUCTION"`)

	w = serve(r, "POST", "/v1/escrow/"+a.ID+"/adjust", "ops", auth.RoleAdmin,
		AdjustBody{Contributor: "TENANT", Amount: "1.5", Note: "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = serve(r, "GET", "/v1/escrow/"+a.ID+"/transactions", "tenant", "user", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":2`)
}
