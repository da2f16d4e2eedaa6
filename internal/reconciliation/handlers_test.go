package reconciliation

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
	"github.com/mbd888/rentescrow/internal/booking"
	"github.com/mbd888/rentescrow/internal/chain"
	"github.com/mbd888/rentescrow/internal/chain/chaintest"
	"github.com/mbd888/rentescrow/internal/verifier"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type handlerEnv struct {
	*testEnv
	router   *gin.Engine
	verifier *auth.Verifier
}

func newHandlerEnv(t *testing.T) *handlerEnv {
	t.Helper()
	e := newTestEnv(t, chaintest.Options{}, nil)
	v, err := auth.NewVerifier("test-secret-at-least-32-bytes-long!!", "")
	require.NoError(t, err)

	r := gin.New()
	r.Use(auth.Middleware(v))
	h := NewHandler(e.engine, e.gateway)
	v1 := r.Group("/v1")
	h.RegisterRoutes(v1)
	protected := v1.Group("")
	protected.Use(auth.RequireAuth())
	h.RegisterProtectedRoutes(protected)

	return &handlerEnv{testEnv: e, router: r, verifier: v}
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

type outcomeBody struct {
	Status  verifier.Verdict `json:"status"`
	Applied bool             `json:"applied"`
	Booking booking.Booking  `json:"booking"`
	Attempt Attempt          `json:"attempt"`
	Reason  string           `json:"reason"`
	Error   string           `json:"error"`
}

func decodeOutcome(t *testing.T, w *httptest.ResponseRecorder) outcomeBody {
	t.Helper()
	var out outcomeBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHandler_ValidatePayment(t *testing.T) {
	e := newHandlerEnv(t)
	b := e.create(t, "42", 1_000_000)
	hash := e.pay(t, b)

	w := e.do(http.MethodPost, "/v1/payments/validate", "", validateReq(b, hash))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	out := decodeOutcome(t, w)
	assert.Equal(t, verifier.Validated, out.Status)
	assert.True(t, out.Applied)
	assert.Equal(t, booking.StatusConfirmed, out.Booking.Status)

	w = e.do(http.MethodPost, "/v1/payments/validate", "", validateReq(b, hash))
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, decodeOutcome(t, w).Applied)

	w = e.do(http.MethodGet, "/v1/payments/booking/42", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var hist struct {
		Attempts []Attempt `json:"attempts"`
		Count    int       `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &hist))
	assert.Equal(t, 2, hist.Count)
}

func TestHandler_ValidatePayment_Errors(t *testing.T) {
	e := newHandlerEnv(t)
	b := e.create(t, "42", 1_000_000)
	hash := e.pay(t, b)

	w := e.do(http.MethodPost, "/v1/payments/validate", "", map[string]string{"bookingId": "42"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req := validateReq(b, hash)
	req.ExpectedAmount = "1"
	w = e.do(http.MethodPost, "/v1/payments/validate", "", req)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	out := decodeOutcome(t, w)
	assert.Equal(t, "amount_mismatch", out.Error)
	assert.Equal(t, verifier.Failed, out.Status)
	assert.True(t, out.Attempt.NeedsReview)

	req = validateReq(b, hash)
	req.BookingID = "404"
	w = e.do(http.MethodPost, "/v1/payments/validate", "", req)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = e.do(http.MethodGet, "/v1/payments/booking/404", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_ReleaseAndDispute(t *testing.T) {
	e := newHandlerEnv(t)
	confirmed(t, e.testEnv, "42", 1_000_000)
	confirmed(t, e.testEnv, "43", 1_000_000)

	w := e.do(http.MethodPost, "/v1/bookings/42/release", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = e.do(http.MethodPost, "/v1/bookings/42/release", e.token(t, e.chain.Tenant.Hex()), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = e.do(http.MethodPost, "/v1/bookings/42/release", e.token(t, "ops", auth.RoleOperator), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, booking.StatusCompleted, decodeOutcome(t, w).Booking.Status)

	w = e.do(http.MethodPost, "/v1/bookings/42/release", e.token(t, e.chain.Owner.Hex()), nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = e.do(http.MethodPost, "/v1/bookings/43/dispute", e.token(t, e.chain.Tenant.Hex()),
		DisputeRequest{Reason: "no keys"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	out := decodeOutcome(t, w)
	assert.Equal(t, booking.StatusDisputed, out.Booking.Status)
	assert.Equal(t, "no keys", out.Booking.DisputeReason)
}

func TestHandler_SyncAndEscrow(t *testing.T) {
	e := newHandlerEnv(t)
	b := e.create(t, "42", 1_000_000)
	e.pay(t, b)

	w := e.do(http.MethodPost, "/v1/bookings/42/sync", "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res SyncResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, []string{"AWAITING_PAYMENT->CONFIRMED"}, res.Applied)

	w = e.do(http.MethodGet, "/v1/escrow/42", "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var snap struct {
		Escrow map[string]any `json:"escrow"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, "42", snap.Escrow["bookingId"])
	assert.Equal(t, "1000000", snap.Escrow["amount"])
	assert.Equal(t, "50000", snap.Escrow["fee"])

	w = e.do(http.MethodGet, "/v1/escrow/999", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = e.do(http.MethodGet, "/v1/escrow/abc", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_Quote(t *testing.T) {
	e := newHandlerEnv(t)

	w := e.do(http.MethodGet, "/v1/quote?amount=1000000", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var q map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &q))
	assert.Equal(t, "50000", q["fee"])
	assert.Equal(t, "1050000", q["total"])

	for _, amt := range []string{"", "0", "-5", "1.5", "abc"} {
		w = e.do(http.MethodGet, "/v1/quote?amount="+amt, "", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, amt)
	}
}

func TestOutcomeStatus(t *testing.T) {
	tests := []struct {
		out    *Outcome
		err    error
		status int
		code   string
	}{
		{&Outcome{Status: verifier.Validated}, nil, http.StatusOK, ""},
		{&Outcome{Status: verifier.Pending}, nil, http.StatusAccepted, ""},
		{nil, ErrPendingTimeout, http.StatusAccepted, "pending_confirmation"},
		{nil, fmt.Errorf("%w: %w", ErrPendingTimeout, chain.ErrChainUnavailable), http.StatusServiceUnavailable, "chain_unavailable"},
		{nil, fmt.Errorf("%w: short", ErrAmountMismatch), http.StatusUnprocessableEntity, "amount_mismatch"},
		{nil, ErrVerificationFailed, http.StatusUnprocessableEntity, "verification_failed"},
		{nil, booking.ErrStateConflict, http.StatusConflict, "state_conflict"},
		{nil, booking.ErrUnauthorized, http.StatusForbidden, "unauthorized"},
		{nil, errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		status, code := OutcomeStatus(tt.out, tt.err)
		assert.Equal(t, tt.status, status, "%v", tt.err)
		assert.Equal(t, tt.code, code, "%v", tt.err)
	}
}
