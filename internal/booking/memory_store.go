package booking

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/mbd888/rentescrow/internal/pagination"
)

// MemoryStore is an in-memory booking store for demo/development mode.
type MemoryStore struct {
	bookings map[string]*Booking
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory booking store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{bookings: make(map[string]*Booking)}
}

func clone(b *Booking) *Booking {
	cp := *b
	if b.PaidAt != nil {
		t := *b.PaidAt
		cp.PaidAt = &t
	}
	if b.ResolvedAt != nil {
		t := *b.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

func (m *MemoryStore) Create(ctx context.Context, b *Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.bookings[b.ID]; ok {
		return ErrExists
	}
	m.bookings[b.ID] = clone(b)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.bookings[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(b), nil
}

func (m *MemoryStore) listWhere(match func(*Booking) bool, after *pagination.Cursor, limit int) []*Booking {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Booking
	for _, b := range m.bookings {
		if match(b) && after.Before(b.CreatedAt, b.ID) {
			result = append(result, clone(b))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

func (m *MemoryStore) ListByTenant(ctx context.Context, tenantAddr string, after *pagination.Cursor, limit int) ([]*Booking, error) {
	addr := strings.ToLower(tenantAddr)
	return m.listWhere(func(b *Booking) bool { return b.TenantAddr == addr }, after, limit), nil
}

func (m *MemoryStore) ListByOwner(ctx context.Context, ownerAddr string, after *pagination.Cursor, limit int) ([]*Booking, error) {
	addr := strings.ToLower(ownerAddr)
	return m.listWhere(func(b *Booking) bool { return b.OwnerAddr == addr }, after, limit), nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, statuses []Status, after *pagination.Cursor, limit int) ([]*Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Booking
	for _, b := range m.bookings {
		if !after.After(b.CreatedAt, b.ID) {
			continue
		}
		for _, s := range statuses {
			if b.Status == s {
				result = append(result, clone(b))
				break
			}
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) Transition(ctx context.Context, id string, from, to Status, mutate func(*Booking)) (*Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.bookings[id]
	if !ok {
		return nil, ErrNotFound
	}
	if b.Status != from || !CanTransition(from, to) {
		return nil, ErrStateConflict
	}
	next := clone(b)
	if mutate != nil {
		mutate(next)
	}
	next.ID = id
	next.Status = to
	m.bookings[id] = next
	return clone(next), nil
}
