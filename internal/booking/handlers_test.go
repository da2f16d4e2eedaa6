package booking

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/rentescrow/internal/auth"
	"github.com/mbd888/rentescrow/internal/chain"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type handlerEnv struct {
	router   *gin.Engine
	verifier *auth.Verifier
	escrow   *fakeEscrow
	svc      *Service
}

func newHandlerEnv(t *testing.T) *handlerEnv {
	t.Helper()
	svc, esc, _ := newTestService(t)
	v, err := auth.NewVerifier("test-secret-at-least-32-bytes-long!!", "")
	require.NoError(t, err)

	r := gin.New()
	r.Use(auth.Middleware(v))
	h := NewHandler(svc)
	v1 := r.Group("/v1")
	h.RegisterRoutes(v1)
	protected := v1.Group("")
	protected.Use(auth.RequireAuth())
	h.RegisterProtectedRoutes(protected)

	return &handlerEnv{router: r, verifier: v, escrow: esc, svc: svc}
}

func (e *handlerEnv) token(t *testing.T, addr string, roles ...string) string {
	t.Helper()
	tok, err := e.verifier.Sign(addr, roles, time.Hour)
	require.NoError(t, err)
	return "Bearer " + tok
}

func (e *handlerEnv) do(method, path, token string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeBooking(t *testing.T, w *httptest.ResponseRecorder) Booking {
	t.Helper()
	var resp struct {
		Booking Booking `json:"booking"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Booking
}

func TestHandler_CreateAndGet(t *testing.T) {
	env := newHandlerEnv(t)

	w := env.do(http.MethodPost, "/v1/bookings", env.token(t, tenantAddr), createReq("42"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	b := decodeBooking(t, w)
	assert.Equal(t, "1050000", b.AmountDue)
	assert.Equal(t, StatusAwaitingPayment, b.Status)

	w = env.do(http.MethodGet, "/v1/bookings/42", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "42", decodeBooking(t, w).ID)

	w = env.do(http.MethodPost, "/v1/bookings", env.token(t, tenantAddr), createReq("42"))
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "already_exists")
}

func TestHandler_Create_RequiresAuth(t *testing.T) {
	env := newHandlerEnv(t)

	w := env.do(http.MethodPost, "/v1/bookings", "", createReq("42"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(http.MethodPost, "/v1/bookings", env.token(t, ownerAddr), createReq("42"))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(http.MethodPost, "/v1/bookings", env.token(t, operatorAddr, auth.RoleOperator), createReq("42"))
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestHandler_Create_Invalid(t *testing.T) {
	env := newHandlerEnv(t)

	req := createReq("42")
	req.PricePerUnit = "-5"
	w := env.do(http.MethodPost, "/v1/bookings", env.token(t, tenantAddr), req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(http.MethodPost, "/v1/bookings", env.token(t, tenantAddr), map[string]string{"propertyId": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_Create_ChainErrors(t *testing.T) {
	env := newHandlerEnv(t)

	env.escrow.registerErr = fmt.Errorf("create: %w", chain.ErrChainUnavailable)
	w := env.do(http.MethodPost, "/v1/bookings", env.token(t, tenantAddr), createReq("42"))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	env.escrow.registerErr = &chain.RevertError{Method: "createBooking", Reason: "lease end must be after start"}
	w = env.do(http.MethodPost, "/v1/bookings", env.token(t, tenantAddr), createReq("42"))
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "lease end must be after start", body["reason"])
}

func TestHandler_Cancel(t *testing.T) {
	env := newHandlerEnv(t)
	w := env.do(http.MethodPost, "/v1/bookings", env.token(t, tenantAddr), createReq("42"))
	require.Equal(t, http.StatusCreated, w.Code)

	w = env.do(http.MethodPost, "/v1/bookings/42/cancel", env.token(t, "0x4444444444444444444444444444444444444444"), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(http.MethodPost, "/v1/bookings/42/cancel", env.token(t, tenantAddr), CancelRequest{Reason: "changed plans"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	b := decodeBooking(t, w)
	assert.Equal(t, StatusCancelled, b.Status)
	assert.Equal(t, "changed plans", b.CancelReason)

	w = env.do(http.MethodPost, "/v1/bookings/42/cancel", env.token(t, tenantAddr), nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestHandler_Cancel_Operator(t *testing.T) {
	env := newHandlerEnv(t)
	w := env.do(http.MethodPost, "/v1/bookings", env.token(t, tenantAddr), createReq("42"))
	require.Equal(t, http.StatusCreated, w.Code)

	// Any address holding the operator role acts as the configured operator.
	w = env.do(http.MethodPost, "/v1/bookings/42/cancel",
		env.token(t, "0x5555555555555555555555555555555555555555", auth.RoleOperator), nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandler_GetNotFound(t *testing.T) {
	env := newHandlerEnv(t)
	w := env.do(http.MethodGet, "/v1/bookings/999", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_ListTenantBookings(t *testing.T) {
	env := newHandlerEnv(t)
	for _, id := range []string{"1", "2", "3"} {
		w := env.do(http.MethodPost, "/v1/bookings", env.token(t, tenantAddr), createReq(id))
		require.Equal(t, http.StatusCreated, w.Code)
	}

	w := env.do(http.MethodGet, "/v1/tenants/"+tenantAddr+"/bookings?limit=2", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Bookings   []Booking `json:"bookings"`
		Count      int       `json:"count"`
		NextCursor string    `json:"nextCursor"`
		HasMore    bool      `json:"hasMore"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)
	assert.True(t, resp.HasMore)
	assert.NotEmpty(t, resp.NextCursor)

	w = env.do(http.MethodGet, "/v1/owners/"+ownerAddr+"/bookings", "", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.Count)

	w = env.do(http.MethodGet, "/v1/tenants/not-an-address/bookings", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("%w: x", ErrInvalidRequest), http.StatusBadRequest},
		{ErrUnauthorized, http.StatusForbidden},
		{ErrStateConflict, http.StatusConflict},
		{chain.ErrConfirmationTimeout, http.StatusServiceUnavailable},
		{&chain.RevertError{Reason: "x"}, http.StatusUnprocessableEntity},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		code, _ := ErrorStatus(tt.err)
		assert.Equal(t, tt.code, code, tt.err.Error())
	}
}
