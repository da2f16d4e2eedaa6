package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/rentescrow/internal/booking"
)

const (
	tenant = "0x1111111111111111111111111111111111111111"
	owner  = "0x2222222222222222222222222222222222222222"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

func runHub(t *testing.T) *Hub {
	t.Helper()
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)
	return h
}

func confirmedEvent(id string) *Event {
	return &Event{
		Type:      EventBookingTransition,
		Timestamp: time.Now(),
		Data: &BookingEvent{
			BookingID:  id,
			TenantAddr: tenant,
			OwnerAddr:  owner,
			From:       booking.StatusAwaitingPayment,
			To:         booking.StatusConfirmed,
		},
	}
}

func TestSubscription_Matches(t *testing.T) {
	ev := confirmedEvent("42")
	tests := []struct {
		name string
		sub  Subscription
		want bool
	}{
		{"all events", Subscription{AllEvents: true, BookingIDs: []string{"7"}}, true},
		{"empty subscription", Subscription{}, true},
		{"event type match", Subscription{EventTypes: []EventType{EventBookingTransition}}, true},
		{"event type miss", Subscription{EventTypes: []EventType{EventBookingCreated}}, false},
		{"booking id match", Subscription{BookingIDs: []string{"7", "42"}}, true},
		{"booking id miss", Subscription{BookingIDs: []string{"7"}}, false},
		{"tenant address", Subscription{Addresses: []string{tenant}}, true},
		{"owner address", Subscription{Addresses: []string{owner}}, true},
		{"address case insensitive", Subscription{Addresses: []string{"0xABCDEF0000000000000000000000000000000000", strings.ToUpper(tenant)}}, true},
		{"unrelated address", Subscription{Addresses: []string{"0x9999999999999999999999999999999999999999"}}, false},
		{"status match", Subscription{Statuses: []booking.Status{booking.StatusConfirmed}}, true},
		{"status miss", Subscription{Statuses: []booking.Status{booking.StatusCompleted}}, false},
		{"combined filters", Subscription{BookingIDs: []string{"42"}, Statuses: []booking.Status{booking.StatusCompleted}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.sub.Matches(ev))
		})
	}
}

func TestSubscription_NilData(t *testing.T) {
	ev := &Event{Type: EventBookingCreated}
	assert.True(t, Subscription{}.Matches(ev))
	assert.False(t, Subscription{BookingIDs: []string{"42"}}.Matches(ev))
}

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	assert.Equal(t, 0, stats["connectedClients"])
	assert.Equal(t, int64(0), stats["totalEvents"])
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := runHub(t)

	client := &Client{hub: h, send: make(chan []byte, 256), sub: Subscription{AllEvents: true}}
	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	assert.Equal(t, 1, stats["connectedClients"])
	assert.Equal(t, int64(1), stats["peakClients"])

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	assert.Equal(t, 0, stats["connectedClients"])
	assert.Equal(t, int64(1), stats["peakClients"], "peak survives disconnects")
}

func TestHub_BookingChanged(t *testing.T) {
	h := runHub(t)

	client := &Client{hub: h, send: make(chan []byte, 256), sub: Subscription{AllEvents: true}}
	h.register <- client

	now := time.Now()
	b := &booking.Booking{
		ID:            "42",
		PropertyID:    "prop-1",
		TenantAddr:    tenant,
		OwnerAddr:     owner,
		AmountDue:     "1050000",
		Status:        booking.StatusConfirmed,
		PaymentTxHash: "0xabc",
		UpdatedAt:     now,
	}
	h.BookingChanged(context.Background(), b, booking.StatusAwaitingPayment)

	select {
	case msg := <-client.send:
		var ev Event
		require.NoError(t, json.Unmarshal(msg, &ev))
		assert.Equal(t, EventBookingTransition, ev.Type)
		require.NotNil(t, ev.Data)
		assert.Equal(t, "42", ev.Data.BookingID)
		assert.Equal(t, booking.StatusAwaitingPayment, ev.Data.From)
		assert.Equal(t, booking.StatusConfirmed, ev.Data.To)
		assert.Equal(t, "0xabc", ev.Data.TxHash)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for broadcast")
	}
}

func TestHub_BookingCreatedEvent(t *testing.T) {
	h := runHub(t)

	client := &Client{hub: h, send: make(chan []byte, 256), sub: Subscription{EventTypes: []EventType{EventBookingCreated}}}
	h.register <- client

	b := &booking.Booking{ID: "7", Status: booking.StatusAwaitingPayment, RegistrationTxHash: "0xreg"}
	h.BookingChanged(context.Background(), b, "")

	select {
	case msg := <-client.send:
		var ev Event
		require.NoError(t, json.Unmarshal(msg, &ev))
		assert.Equal(t, EventBookingCreated, ev.Type)
		assert.Empty(t, ev.Data.From)
		assert.Equal(t, "0xreg", ev.Data.TxHash)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for broadcast")
	}
}

func TestHub_FilteredBroadcast(t *testing.T) {
	h := runHub(t)

	client := &Client{hub: h, send: make(chan []byte, 256), sub: Subscription{BookingIDs: []string{"42"}}}
	h.register <- client

	h.Broadcast(confirmedEvent("7"))
	time.Sleep(100 * time.Millisecond)

	select {
	case <-client.send:
		t.Fatal("client should not receive events for other bookings")
	default:
	}

	h.Broadcast(confirmedEvent("42"))
	select {
	case msg := <-client.send:
		assert.Contains(t, string(msg), `"bookingId":"42"`)
	case <-time.After(time.Second):
		t.Fatal("client should receive its booking's event")
	}

	assert.Eventually(t, func() bool {
		return h.Stats()["totalEvents"].(int64) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop after context cancellation")
	}
}

func TestHub_WebSocketSubscription(t *testing.T) {
	h := runHub(t)
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(Subscription{Statuses: []booking.Status{booking.StatusCompleted}}))
	require.Eventually(t, func() bool {
		return h.Stats()["connectedClients"].(int) == 1
	}, time.Second, 10*time.Millisecond)
	// Let the subscription frame land before broadcasting.
	time.Sleep(50 * time.Millisecond)

	h.Broadcast(confirmedEvent("1"))
	completed := confirmedEvent("2")
	completed.Data.From, completed.Data.To = booking.StatusConfirmed, booking.StatusCompleted
	h.Broadcast(completed)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "2", ev.Data.BookingID)
	assert.Equal(t, booking.StatusCompleted, ev.Data.To)
}

func TestHub_RejectsAfterShutdown(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	w := httptest.NewRecorder()
	h.HandleWebSocket(w, httptest.NewRequest("GET", "/ws", nil))
	assert.Equal(t, 503, w.Code)
}
