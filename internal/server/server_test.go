package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/rentescrow/internal/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a simulated-chain config with fast verification retries.
func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Port = "0"
	cfg.LogLevel = "error"
	cfg.JWTSecret = "test-secret-at-least-32-bytes-long!!"
	cfg.VerifyMaxAttempts = 3
	cfg.VerifyBaseDelay = time.Millisecond
	cfg.RateLimitRPM = 10000
	return cfg
}

// newTestServer creates a server on a simulated chain with in-memory stores.
func newTestServer(t *testing.T, mutate ...func(*config.Config)) *Server {
	t.Helper()
	cfg := testConfig()
	for _, m := range mutate {
		m(cfg)
	}
	s, err := New(cfg,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithDrainDelay(0),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown() })
	return s
}

func (s *Server) do(t *testing.T, method, path, token string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var out map[string]interface{}
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	}
	return w, out
}

type devAccount struct {
	address string
	key     string
	token   string
}

func (s *Server) account(t *testing.T) devAccount {
	t.Helper()
	w, body := s.do(t, http.MethodPost, "/v1/dev/accounts", "", nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	acct := devAccount{address: body["address"].(string), key: body["privateKey"].(string)}

	w, body = s.do(t, http.MethodPost, "/v1/dev/tokens", "", gin.H{"address": acct.address})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	acct.token = body["token"].(string)
	return acct
}

func (s *Server) balance(t *testing.T, addr string) string {
	t.Helper()
	w, body := s.do(t, http.MethodGet, "/v1/dev/accounts/"+addr, "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return body["balance"].(string)
}

func bookingOf(t *testing.T, body map[string]interface{}) map[string]interface{} {
	t.Helper()
	b, ok := body["booking"].(map[string]interface{})
	require.True(t, ok, "response has no booking: %v", body)
	return b
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t)

	w, body := s.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", body["status"])

	w, _ = s.do(t, http.MethodGet, "/health/live", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// Not ready until Run marks it.
	w, _ = s.do(t, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	s.ready.Store(true)
	w, _ = s.do(t, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// A down chain node degrades the service but keeps it ready.
	s.sim.SetOutage(true)
	w, body = s.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "degraded", body["status"])
	w, body = s.do(t, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "degraded", body["health"])
	s.sim.SetOutage(false)

	w, _ = s.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestInfoEndpoint(t *testing.T) {
	s := newTestServer(t)

	w, body := s.do(t, http.MethodGet, "/api", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "rentescrow", body["name"])
	assert.Equal(t, config.ChainSimulated, body["chainMode"])
	assert.Equal(t, float64(config.DefaultFeePercent), body["feePercent"])
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
}

func TestQuote(t *testing.T) {
	s := newTestServer(t)

	w, body := s.do(t, http.MethodGet, "/v1/quote?amount=1000000", "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "50000", body["fee"])
	assert.Equal(t, "1050000", body["total"])
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	s := newTestServer(t)

	w, body := s.do(t, http.MethodPost, "/v1/bookings", "", gin.H{})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "unauthorized", body["error"])

	w, _ = s.do(t, http.MethodPost, "/v1/bookings/1/release", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestBookingLifecycle(t *testing.T) {
	s := newTestServer(t)
	tenant := s.account(t)
	owner := s.account(t)
	start := time.Date(2026, 11, 1, 15, 0, 0, 0, time.UTC)

	// Create: the operator registers the booking on-chain.
	w, body := s.do(t, http.MethodPost, "/v1/bookings", tenant.token, gin.H{
		"id":           "42",
		"propertyId":   "prop-1",
		"tenantAddr":   tenant.address,
		"ownerAddr":    owner.address,
		"pricePerUnit": "1000000",
		"startAt":      start,
		"endAt":        start.Add(24 * time.Hour),
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	b := bookingOf(t, body)
	assert.Equal(t, "AWAITING_PAYMENT", b["status"])
	assert.Equal(t, "1050000", b["amountDue"])

	w, body = s.do(t, http.MethodGet, "/v1/escrow/42", "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// Someone else's token cannot book for the tenant.
	w, _ = s.do(t, http.MethodPost, "/v1/bookings", owner.token, gin.H{
		"propertyId":   "prop-1",
		"tenantAddr":   tenant.address,
		"ownerAddr":    owner.address,
		"pricePerUnit": "1000000",
		"startAt":      start,
		"endAt":        start.Add(24 * time.Hour),
	})
	assert.Equal(t, http.StatusForbidden, w.Code)

	// Tenant pays from their own wallet.
	w, body = s.do(t, http.MethodPost, "/v1/dev/transactions", "", gin.H{
		"privateKey": tenant.key,
		"method":     "payRent",
		"bookingId":  "42",
		"value":      "1050000",
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	txHash := body["transactionHash"].(string)

	validate := gin.H{
		"bookingId":       "42",
		"transactionHash": txHash,
		"contractAddress": config.DefaultSimContract,
		"expectedAmount":  "1050000",
	}
	w, body = s.do(t, http.MethodPost, "/v1/payments/validate", "", validate)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "VALIDATED", body["status"])
	assert.Equal(t, true, body["applied"])
	assert.Equal(t, "CONFIRMED", bookingOf(t, body)["status"])

	// Idempotent.
	w, body = s.do(t, http.MethodPost, "/v1/payments/validate", "", validate)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, false, body["applied"])

	w, body = s.do(t, http.MethodGet, "/v1/payments/booking/42", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), body["count"])

	// Tenant can never release.
	w, _ = s.do(t, http.MethodPost, "/v1/bookings/42/release", tenant.token, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	ownerBefore := s.balance(t, owner.address)
	assert.Equal(t, "0", ownerBefore)

	w, body = s.do(t, http.MethodPost, "/v1/bookings/42/release", owner.token, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "COMPLETED", bookingOf(t, body)["status"])
	assert.Equal(t, "1000000", s.balance(t, owner.address))
	assert.Equal(t, "50000", s.balance(t, config.DefaultPlatform))

	w, body = s.do(t, http.MethodGet, "/v1/bookings/42", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "COMPLETED", bookingOf(t, body)["status"])

	w, body = s.do(t, http.MethodGet, "/v1/tenants/"+tenant.address+"/bookings", "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, float64(1), body["count"])
}

func TestUnderpaymentIsRejected(t *testing.T) {
	s := newTestServer(t)
	tenant := s.account(t)
	owner := s.account(t)
	start := time.Date(2026, 11, 1, 15, 0, 0, 0, time.UTC)

	w, _ := s.do(t, http.MethodPost, "/v1/bookings", tenant.token, gin.H{
		"id":           "9",
		"propertyId":   "prop-9",
		"tenantAddr":   tenant.address,
		"ownerAddr":    owner.address,
		"pricePerUnit": "1000000",
		"startAt":      start,
		"endAt":        start.Add(24 * time.Hour),
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w, body := s.do(t, http.MethodPost, "/v1/dev/transactions", "", gin.H{
		"privateKey": tenant.key,
		"method":     "payRent",
		"bookingId":  "9",
		"value":      "1000000",
	})
	// The contract rejects the wrong amount.
	require.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())
	assert.Equal(t, "reverted", body["error"])

	w, body = s.do(t, http.MethodGet, "/v1/bookings/9", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "AWAITING_PAYMENT", bookingOf(t, body)["status"])
}

func TestCancelThenReleaseConflicts(t *testing.T) {
	s := newTestServer(t)
	tenant := s.account(t)
	owner := s.account(t)
	start := time.Date(2026, 11, 1, 15, 0, 0, 0, time.UTC)

	w, _ := s.do(t, http.MethodPost, "/v1/bookings", tenant.token, gin.H{
		"id":           "7",
		"propertyId":   "prop-7",
		"tenantAddr":   tenant.address,
		"ownerAddr":    owner.address,
		"pricePerUnit": "500000",
		"startAt":      start,
		"endAt":        start.Add(24 * time.Hour),
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w, body := s.do(t, http.MethodPost, "/v1/bookings/7/cancel", tenant.token, gin.H{"reason": "plans changed"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "CANCELLED", bookingOf(t, body)["status"])

	w, body = s.do(t, http.MethodPost, "/v1/bookings/7/release", owner.token, nil)
	assert.Equal(t, http.StatusConflict, w.Code, w.Body.String())
	assert.Equal(t, "state_conflict", body["error"])
}

func TestDevTokens_OperatorRoleBindsOperatorAddress(t *testing.T) {
	s := newTestServer(t)

	w, body := s.do(t, http.MethodPost, "/v1/dev/tokens", "", gin.H{
		"address":  "0x1111111111111111111111111111111111111111",
		"operator": true,
	})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, strings.ToLower(s.chain.Operator().Hex()), body["address"])

	claims, err := s.Tokens().Validate(body["token"].(string))
	require.NoError(t, err)
	assert.True(t, claims.HasRole("operator"))

	w, _ = s.do(t, http.MethodPost, "/v1/dev/tokens", "", gin.H{"address": "nope"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDevTransactions_Validation(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name string
		body gin.H
	}{
		{"missing fields", gin.H{"method": "payRent"}},
		{"unknown method", gin.H{"privateKey": strings.Repeat("11", 32), "method": "createBooking", "bookingId": "1"}},
		{"bad key", gin.H{"privateKey": "0x1234", "method": "payRent", "bookingId": "1"}},
		{"bad booking id", gin.H{"privateKey": strings.Repeat("11", 32), "method": "payRent", "bookingId": "abc"}},
		{"bad value", gin.H{"privateKey": strings.Repeat("11", 32), "method": "payRent", "bookingId": "1", "value": "-5"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, _ := s.do(t, http.MethodPost, "/v1/dev/transactions", "", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}
}

func TestNew_RejectsBadSchedule(t *testing.T) {
	cfg := testConfig()
	cfg.ReconcileSchedule = "every now and then"
	_, err := New(cfg, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))), WithDrainDelay(0))
	assert.Error(t, err)
}

func TestStartAndShutdown(t *testing.T) {
	s := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.Start(ctx)
	require.Eventually(t, s.sweeper.Running, time.Second, 5*time.Millisecond)

	head, err := s.chain.Head(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, head, uint64(0))

	assert.NoError(t, s.Shutdown())
	assert.Eventually(t, func() bool { return !s.sweeper.Running() }, time.Second, 5*time.Millisecond)
}

func TestMaskDSN(t *testing.T) {
	assert.Equal(t, "postgres://app:%2A%2A%2A@db:5432/rentescrow", maskDSN("postgres://app:secret@db:5432/rentescrow"))
	assert.Equal(t, "***", maskDSN("://bad"))
}

func TestWebhookDeliveredOnBookingCreated(t *testing.T) {
	s := newTestServer(t)
	tenant := s.account(t)
	owner := s.account(t)

	got := make(chan map[string]interface{}, 4)
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var event map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&event)
		got <- event
		w.WriteHeader(http.StatusOK)
	}))
	defer receiver.Close()

	w, _ := s.do(t, http.MethodPost, "/v1/webhooks", owner.token, gin.H{
		"url":    receiver.URL,
		"events": []string{"booking.created"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	start := time.Date(2026, 12, 1, 15, 0, 0, 0, time.UTC)
	w, _ = s.do(t, http.MethodPost, "/v1/bookings", tenant.token, gin.H{
		"id":           "77",
		"propertyId":   "prop-2",
		"tenantAddr":   tenant.address,
		"ownerAddr":    owner.address,
		"pricePerUnit": "1000",
		"startAt":      start,
		"endAt":        start.Add(48 * time.Hour),
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	select {
	case event := <-got:
		assert.Equal(t, "booking.created", event["type"])
		data := event["data"].(map[string]interface{})
		assert.Equal(t, "77", data["bookingId"])
		assert.Equal(t, "AWAITING_PAYMENT", data["status"])
	case <-time.After(5 * time.Second):
		t.Fatal("webhook was not delivered")
	}
}
