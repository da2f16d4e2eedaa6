// Package webhooks delivers booking lifecycle events to external services.
//
// A tenant or owner registers a URL and receives a signed POST for every
// transition of a booking they are party to:
// - booking.created
// - booking.confirmed
// - booking.completed
// - booking.cancelled
// - booking.disputed
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/rentescrow/internal/booking"
	"github.com/mbd888/rentescrow/internal/retry"
)

// EventType represents the type of webhook event
type EventType string

const (
	EventBookingCreated   EventType = "booking.created"
	EventBookingConfirmed EventType = "booking.confirmed"
	EventBookingCompleted EventType = "booking.completed"
	EventBookingCancelled EventType = "booking.cancelled"
	EventBookingDisputed  EventType = "booking.disputed"
)

// Headers set on every delivery.
const (
	HeaderEvent     = "X-Rentescrow-Event"
	HeaderDelivery  = "X-Rentescrow-Delivery"
	HeaderTimestamp = "X-Rentescrow-Timestamp"
	HeaderSignature = "X-Rentescrow-Signature"
)

// MaxConsecutiveFailures deactivates a subscription whose endpoint keeps failing.
const MaxConsecutiveFailures = 10

var (
	ErrNotFound     = errors.New("webhook not found")
	ErrInvalidURL   = errors.New("invalid webhook url")
	ErrInvalidEvent = errors.New("unknown event type")
)

var knownEvents = map[EventType]bool{
	EventBookingCreated:   true,
	EventBookingConfirmed: true,
	EventBookingCompleted: true,
	EventBookingCancelled: true,
	EventBookingDisputed:  true,
}

// ParseEvents validates event names. An empty list subscribes to everything.
func ParseEvents(names []string) ([]EventType, error) {
	if len(names) == 0 {
		return []EventType{EventBookingCreated, EventBookingConfirmed, EventBookingCompleted,
			EventBookingCancelled, EventBookingDisputed}, nil
	}
	out := make([]EventType, 0, len(names))
	for _, n := range names {
		et := EventType(n)
		if !knownEvents[et] {
			return nil, fmt.Errorf("%w: %s", ErrInvalidEvent, n)
		}
		out = append(out, et)
	}
	return out, nil
}

// EventFor maps a booking's new status to its event type.
func EventFor(status, from booking.Status) EventType {
	if from == "" {
		return EventBookingCreated
	}
	switch status {
	case booking.StatusConfirmed:
		return EventBookingConfirmed
	case booking.StatusCompleted:
		return EventBookingCompleted
	case booking.StatusCancelled:
		return EventBookingCancelled
	case booking.StatusDisputed:
		return EventBookingDisputed
	}
	return EventBookingCreated
}

// Event represents a webhook event
type Event struct {
	ID        string      `json:"id"`
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      BookingData `json:"data"`
}

// BookingData is the payload of every booking event.
type BookingData struct {
	BookingID  string         `json:"bookingId"`
	PropertyID string         `json:"propertyId"`
	TenantAddr string         `json:"tenantAddr"`
	OwnerAddr  string         `json:"ownerAddr"`
	From       booking.Status `json:"from,omitempty"`
	Status     booking.Status `json:"status"`
	AmountDue  string         `json:"amountDue"`
	PaymentTx  string         `json:"paymentTxHash,omitempty"`
	SettleTx   string         `json:"settlementTxHash,omitempty"`
	Reason     string         `json:"reason,omitempty"`
}

// Subscription represents a webhook subscription
type Subscription struct {
	ID                  string      `json:"id"`
	Address             string      `json:"address"`
	URL                 string      `json:"url"`
	Secret              string      `json:"-"` // Used for HMAC signing
	Events              []EventType `json:"events"`
	Active              bool        `json:"active"`
	CreatedAt           time.Time   `json:"createdAt"`
	LastSuccess         *time.Time  `json:"lastSuccess,omitempty"`
	LastError           string      `json:"lastError,omitempty"`
	ConsecutiveFailures int         `json:"consecutiveFailures"`
}

// Wants reports whether the subscription takes events of type et.
func (s *Subscription) Wants(et EventType) bool {
	if !s.Active {
		return false
	}
	for _, e := range s.Events {
		if e == et {
			return true
		}
	}
	return false
}

// Store persists webhook subscriptions
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	ListByAddress(ctx context.Context, addr string) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

var (
	deliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rentescrow",
		Subsystem: "webhook",
		Name:      "deliveries_total",
		Help:      "Webhook deliveries by event type and result.",
	}, []string{"event_type", "result"})
)

func init() {
	prometheus.MustRegister(deliveriesTotal)
}

// URLValidator rejects destinations a delivery must not reach.
type URLValidator func(raw string) error

// ValidateURL accepts absolute http(s) URLs with a host.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ErrInvalidURL
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("%w: scheme must be http or https", ErrInvalidURL)
	}
	return nil
}

// Dispatcher sends booking events to the parties' subscriptions. It
// implements booking.Notifier.
type Dispatcher struct {
	store    Store
	client   *http.Client
	policy   retry.Policy
	validate URLValidator
	logger   *slog.Logger
	now      func() time.Time
	wg       sync.WaitGroup
	mu       sync.Mutex // serializes store updates
	closeMu  sync.RWMutex
	closed   bool
}

// NewDispatcher creates a new webhook dispatcher
func NewDispatcher(store Store, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store: store,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		policy: retry.Policy{
			MaxAttempts: 3,
			BaseDelay:   time.Second,
			Multiplier:  2,
			MaxDelay:    10 * time.Second,
		},
		validate: ValidateURL,
		logger:   logger,
		now:      time.Now,
	}
}

// WithRetryPolicy overrides the delivery retry policy.
func (d *Dispatcher) WithRetryPolicy(p retry.Policy) *Dispatcher {
	d.policy = p
	return d
}

// WithHTTPClient overrides the delivery client.
func (d *Dispatcher) WithHTTPClient(c *http.Client) *Dispatcher {
	d.client = c
	return d
}

// ValidateURL checks a destination with the dispatcher's validator.
func (d *Dispatcher) ValidateURL(raw string) error {
	return d.validate(raw)
}

// BookingChanged delivers the transition to the tenant's and owner's
// subscriptions. Deliveries run in the background.
func (d *Dispatcher) BookingChanged(ctx context.Context, b *booking.Booking, from booking.Status) {
	d.closeMu.RLock()
	defer d.closeMu.RUnlock()
	if d.closed {
		return
	}

	event := &Event{
		ID:        "evt_" + uuid.NewString(),
		Type:      EventFor(b.Status, from),
		Timestamp: d.now().UTC(),
		Data: BookingData{
			BookingID:  b.ID,
			PropertyID: b.PropertyID,
			TenantAddr: b.TenantAddr,
			OwnerAddr:  b.OwnerAddr,
			From:       from,
			Status:     b.Status,
			AmountDue:  b.AmountDue,
			PaymentTx:  b.PaymentTxHash,
			SettleTx:   b.SettlementTxHash,
			Reason:     firstNonEmpty(b.CancelReason, b.DisputeReason),
		},
	}

	// Deliveries outlive the request that caused the transition.
	ctx = context.WithoutCancel(ctx)
	seen := make(map[string]bool)
	for _, addr := range []string{b.TenantAddr, b.OwnerAddr} {
		addr = strings.ToLower(addr)
		if addr == "" || seen[addr] {
			continue
		}
		seen[addr] = true

		subs, err := d.store.ListByAddress(ctx, addr)
		if err != nil {
			d.logger.Warn("webhook lookup failed", "address", addr, "error", err)
			continue
		}
		for _, sub := range subs {
			if !sub.Wants(event.Type) {
				continue
			}
			d.wg.Add(1)
			go func(sub *Subscription) {
				defer d.wg.Done()
				d.deliver(ctx, sub, event)
			}(sub)
		}
	}
}

// Close waits for in-flight deliveries and drops later events.
func (d *Dispatcher) Close() {
	d.closeMu.Lock()
	d.closed = true
	d.closeMu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, sub *Subscription, event *Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		d.recordFailure(ctx, sub, event, "failed to marshal event")
		return
	}

	err = d.policy.Do(ctx, func(int) error {
		return d.send(ctx, sub, event, payload)
	})
	if err != nil {
		d.recordFailure(ctx, sub, event, err.Error())
		return
	}
	d.recordSuccess(ctx, sub, event)
}

func (d *Dispatcher) send(ctx context.Context, sub *Subscription, event *Event, payload []byte) error {
	if err := d.validate(sub.URL); err != nil {
		return retry.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(event.Type))
	req.Header.Set(HeaderDelivery, event.ID)
	req.Header.Set(HeaderTimestamp, fmt.Sprintf("%d", event.Timestamp.Unix()))
	if sub.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("status %d", resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func (d *Dispatcher) recordSuccess(ctx context.Context, sub *Subscription, event *Event) {
	deliveriesTotal.WithLabelValues(string(event.Type), "success").Inc()
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	sub.LastSuccess = &now
	sub.LastError = ""
	sub.ConsecutiveFailures = 0
	if err := d.store.Update(ctx, sub); err != nil {
		d.logger.Warn("webhook update failed", "webhook", sub.ID, "error", err)
	}
}

func (d *Dispatcher) recordFailure(ctx context.Context, sub *Subscription, event *Event, msg string) {
	deliveriesTotal.WithLabelValues(string(event.Type), "failure").Inc()
	d.mu.Lock()
	defer d.mu.Unlock()
	sub.LastError = msg
	sub.ConsecutiveFailures++
	if sub.ConsecutiveFailures >= MaxConsecutiveFailures {
		sub.Active = false
		d.logger.Warn("webhook deactivated after repeated failures", "webhook", sub.ID, "url", sub.URL)
	}
	if err := d.store.Update(ctx, sub); err != nil {
		d.logger.Warn("webhook update failed", "webhook", sub.ID, "error", err)
	}
	d.logger.Info("webhook delivery failed", "webhook", sub.ID, "event", event.Type,
		"booking", event.Data.BookingID, "error", msg)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// MemoryStore is an in-memory implementation for testing
type MemoryStore struct {
	subs map[string]*Subscription
	mu   sync.RWMutex
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs: make(map[string]*Subscription),
	}
}

func (m *MemoryStore) Create(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sub, ok := m.subs[id]; ok {
		cp := *sub
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListByAddress(ctx context.Context, addr string) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		if strings.EqualFold(sub.Address, addr) {
			cp := *sub
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) Update(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[sub.ID]; !ok {
		return ErrNotFound
	}
	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrNotFound
	}
	delete(m.subs, id)
	return nil
}
