package mcpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

const tenantAddr = "0x1111111111111111111111111111111111111111"

func newTestSetup(handler http.Handler) (*Handlers, func()) {
	ts := httptest.NewServer(handler)
	client := NewClient(Config{APIURL: ts.URL, Token: "test-token", Address: tenantAddr})
	return NewHandlers(client), ts.Close
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

var sampleBooking = map[string]any{
	"id":         "42",
	"propertyId": "prop-1",
	"tenantAddr": tenantAddr,
	"ownerAddr":  "0x2222222222222222222222222222222222222222",
	"status":     "AWAITING_PAYMENT",
	"amountDue":  "1050000",
	"startAt":    "2026-11-01T15:00:00Z",
	"endAt":      "2026-11-02T15:00:00Z",
}

// ============================================================
// Client tests
// ============================================================

func TestClient_AuthHeader(t *testing.T) {
	var gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL, Token: "secret123"})
	_, err := client.Quote(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret123", gotAuth)
}

func TestClient_NoTokenNoHeader(t *testing.T) {
	var gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL})
	_, err := client.Quote(context.Background(), "1")
	require.NoError(t, err)
	assert.Empty(t, gotAuth)
}

func TestClient_HTTPError_WithAPIMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":   "state_conflict",
			"message": "booking is COMPLETED",
		})
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL, Token: "t"})
	_, err := client.CancelBooking(context.Background(), "42", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "409")
	assert.Contains(t, err.Error(), "booking is COMPLETED")
}

func TestClient_HTTPError_NonJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream timeout"))
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL})
	_, err := client.GetBooking(context.Background(), "1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream timeout")
}

func TestClient_CreateBooking_DefaultsTenant(t *testing.T) {
	var got CreateBookingRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/bookings", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeJSON(w, http.StatusCreated, map[string]any{"booking": sampleBooking})
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL, Token: "t", Address: tenantAddr})
	_, err := client.CreateBooking(context.Background(), CreateBookingRequest{PropertyID: "prop-1"})
	require.NoError(t, err)
	assert.Equal(t, tenantAddr, got.TenantAddr)
	assert.Equal(t, "prop-1", got.PropertyID)
}

// ============================================================
// Handler tests
// ============================================================

func TestHandleQuoteRent(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/quote", r.URL.Path)
		assert.Equal(t, "1000000", r.URL.Query().Get("amount"))
		writeJSON(w, http.StatusOK, map[string]any{"principal": "1000000", "fee": "50000", "total": "1050000"})
	}))
	defer cleanup()

	result, err := h.HandleQuoteRent(context.Background(), makeRequest(map[string]any{"amount": "1000000"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	text := resultText(t, result)
	assert.Contains(t, text, "Platform fee: 50000")
	assert.Contains(t, text, "Total to pay: 1050000")
}

func TestHandleQuoteRent_MissingAmount(t *testing.T) {
	h, cleanup := newTestSetup(http.NotFoundHandler())
	defer cleanup()

	result, err := h.HandleQuoteRent(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleCreateBooking(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "42", body["id"])
		assert.Equal(t, "1000000", body["pricePerUnit"])
		writeJSON(w, http.StatusCreated, map[string]any{"booking": sampleBooking})
	}))
	defer cleanup()

	result, err := h.HandleCreateBooking(context.Background(), makeRequest(map[string]any{
		"booking_id":    "42",
		"property_id":   "prop-1",
		"owner_address": "0x2222222222222222222222222222222222222222",
		"price_per_day": "1000000",
		"start_at":      "2026-11-01T15:00:00Z",
		"end_at":        "2026-11-02T15:00:00Z",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	text := resultText(t, result)
	assert.Contains(t, text, "Booking 42: AWAITING_PAYMENT")
	assert.Contains(t, text, "payRent(42)")
	assert.Contains(t, text, "1050000 wei")
}

func TestHandleCreateBooking_MissingFields(t *testing.T) {
	h, cleanup := newTestSetup(http.NotFoundHandler())
	defer cleanup()

	result, err := h.HandleCreateBooking(context.Background(), makeRequest(map[string]any{"property_id": "p"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "required")
}

func TestHandleGetBooking_APIError(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not_found", "message": "booking not found"})
	}))
	defer cleanup()

	result, err := h.HandleGetBooking(context.Background(), makeRequest(map[string]any{"booking_id": "9"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "booking not found")
}

func TestHandleListMyBookings(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/tenants/"+tenantAddr+"/bookings", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]any{"bookings": []any{sampleBooking}, "count": 1})
	}))
	defer cleanup()

	result, err := h.HandleListMyBookings(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Found 1 booking(s)")
	assert.Contains(t, text, "#42 prop-1 (AWAITING_PAYMENT)")
}

func TestHandleListMyBookings_Empty(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"bookings": []any{}, "count": 0})
	}))
	defer cleanup()

	result, err := h.HandleListMyBookings(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Equal(t, "No bookings found.", resultText(t, result))
}

func TestHandleValidatePayment(t *testing.T) {
	confirmed := map[string]any{}
	for k, v := range sampleBooking {
		confirmed[k] = v
	}
	confirmed["status"] = "CONFIRMED"
	confirmed["paymentTxHash"] = "0xabc"

	tests := []struct {
		name    string
		applied bool
		want    string
	}{
		{"first validation", true, "Booking confirmed by this payment."},
		{"repeat validation", false, "already applied"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/v1/payments/validate", r.URL.Path)
				writeJSON(w, http.StatusOK, map[string]any{
					"status":  "VALIDATED",
					"applied": tt.applied,
					"booking": confirmed,
				})
			}))
			defer cleanup()

			result, err := h.HandleValidatePayment(context.Background(), makeRequest(map[string]any{
				"booking_id":       "42",
				"transaction_hash": "0xabc",
				"contract_address": "0x3333333333333333333333333333333333333333",
				"expected_amount":  "1050000",
			}))
			require.NoError(t, err)
			text := resultText(t, result)
			assert.Contains(t, text, "Verdict: VALIDATED")
			assert.Contains(t, text, tt.want)
			assert.Contains(t, text, "Payment tx: 0xabc")
		})
	}
}

func TestHandleValidatePayment_Rejected(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"status":  "REJECTED",
			"error":   "payment_rejected",
			"message": "amount mismatch",
		})
	}))
	defer cleanup()

	result, err := h.HandleValidatePayment(context.Background(), makeRequest(map[string]any{
		"booking_id":       "42",
		"transaction_hash": "0xabc",
		"contract_address": "0x3333333333333333333333333333333333333333",
		"expected_amount":  "1",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "amount mismatch")
}

func TestHandlePaymentHistory(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/payments/booking/42", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]any{
			"attempts": []any{
				map[string]any{"operation": "validate", "txHash": "0xabc", "verdict": "VALIDATED", "applied": true},
				map[string]any{"operation": "validate", "txHash": "0xdef", "verdict": "REJECTED", "reason": "reverted"},
			},
			"count": 2,
		})
	}))
	defer cleanup()

	result, err := h.HandlePaymentHistory(context.Background(), makeRequest(map[string]any{"booking_id": "42"}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "2 attempt(s)")
	assert.Contains(t, text, "0xabc: VALIDATED [applied]")
	assert.Contains(t, text, "0xdef: REJECTED (reverted)")
}

func TestHandleCancelBooking(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/bookings/42/cancel", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "plans changed", body["reason"])

		b := map[string]any{"id": "42", "status": "CANCELLED", "cancelReason": "plans changed"}
		writeJSON(w, http.StatusOK, map[string]any{"booking": b})
	}))
	defer cleanup()

	result, err := h.HandleCancelBooking(context.Background(), makeRequest(map[string]any{
		"booking_id": "42",
		"reason":     "plans changed",
	}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Booking 42: CANCELLED")
	assert.Contains(t, text, "Reason:     plans changed")
}

func TestHandleDisputeBooking_RequiresReason(t *testing.T) {
	h, cleanup := newTestSetup(http.NotFoundHandler())
	defer cleanup()

	result, err := h.HandleDisputeBooking(context.Background(), makeRequest(map[string]any{"booking_id": "42"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestNewMCPServer(t *testing.T) {
	s := NewMCPServer(Config{APIURL: "http://localhost:8080"})
	require.NotNil(t, s)
}
