package reconciliation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/rentescrow/internal/verifier"
)

// Operation names what an attempt tried to verify.
type Operation string

const (
	OpPayment Operation = "payment"
	OpRelease Operation = "release"
	OpCancel  Operation = "cancel"
	OpDispute Operation = "dispute"
)

// Attempt is the audit record of one verification call.
type Attempt struct {
	ID              string           `json:"id"`
	BookingID       string           `json:"bookingId"`
	Operation       Operation        `json:"operation"`
	TxHash          string           `json:"txHash"`
	ContractAddress string           `json:"contractAddress"`
	ExpectedAmount  string           `json:"expectedAmount,omitempty"`
	Verdict         verifier.Verdict `json:"verdict"`
	Kind            verifier.Kind    `json:"kind,omitempty"`
	Reason          string           `json:"reason,omitempty"`
	Attempts        int              `json:"attempts"`
	BlockNumber     uint64           `json:"blockNumber,omitempty"`
	Payer           string           `json:"payer,omitempty"`
	Applied         bool             `json:"applied"`
	NeedsReview     bool             `json:"needsReview"`
	CreatedAt       time.Time        `json:"createdAt"`
}

// AttemptStore is an append-only log of verification attempts.
type AttemptStore interface {
	Append(ctx context.Context, a *Attempt) error
	ListByBooking(ctx context.Context, bookingID string, limit int) ([]*Attempt, error)
}

// MemoryAttemptStore keeps attempts in memory for demo/development mode.
type MemoryAttemptStore struct {
	mu       sync.RWMutex
	attempts map[string][]*Attempt
}

// NewMemoryAttemptStore creates an empty in-memory attempt log.
func NewMemoryAttemptStore() *MemoryAttemptStore {
	return &MemoryAttemptStore{attempts: make(map[string][]*Attempt)}
}

func (m *MemoryAttemptStore) Append(_ context.Context, a *Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.attempts[a.BookingID] = append(m.attempts[a.BookingID], &cp)
	return nil
}

// ListByBooking returns a booking's attempts, newest first.
func (m *MemoryAttemptStore) ListByBooking(_ context.Context, bookingID string, limit int) ([]*Attempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.attempts[bookingID]
	out := make([]*Attempt, 0, len(list))
	for i := len(list) - 1; i >= 0; i-- {
		cp := *list[i]
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
