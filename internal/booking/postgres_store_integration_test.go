//go:build integration

package booking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/rentescrow/internal/pagination"
	"github.com/mbd888/rentescrow/internal/testutil"
)

func TestPostgresStore_Lifecycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	b := seedBooking("115792089237316195423570985008687907853269984665640564039457584007913129639935", StatusAwaitingPayment)
	b.AmountDue = "340282366920938463463374607431768211456"
	b.RegistrationBlock = 21_000_000
	require.NoError(t, store.Create(ctx, b))
	assert.ErrorIs(t, store.Create(ctx, b), ErrExists)

	got, err := store.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, b.AmountDue, got.AmountDue, "NUMERIC(78,0) keeps full precision")
	assert.Equal(t, uint64(21_000_000), got.RegistrationBlock)

	paid := time.Now().UTC().Truncate(time.Microsecond)
	got, err = store.Transition(ctx, b.ID, StatusAwaitingPayment, StatusConfirmed, func(b *Booking) {
		b.PaymentTxHash = "0xpay"
		b.PaymentBlock = 99
		b.PaidAt = &paid
	})
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, got.Status)

	got, err = store.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(99), got.PaymentBlock)
	require.NotNil(t, got.PaidAt)
	assert.True(t, paid.Equal(*got.PaidAt))

	_, err = store.Transition(ctx, b.ID, StatusAwaitingPayment, StatusCancelled, nil)
	assert.ErrorIs(t, err, ErrStateConflict)
}

func TestPostgresStore_ConcurrentTransition(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, seedBooking("7", StatusAwaitingPayment)))

	var mu sync.Mutex
	wins := 0
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Transition(ctx, "7", StatusAwaitingPayment, StatusConfirmed, nil)
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else if !errors.Is(err, ErrStateConflict) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestPostgresStore_Pagination(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"1", "2", "3"} {
		b := seedBooking(id, StatusAwaitingPayment)
		b.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, store.Create(ctx, b))
	}

	first, err := store.ListByTenant(ctx, tenantAddr, nil, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, "3", first[0].ID)

	after := &pagination.Cursor{CreatedAt: first[1].CreatedAt, ID: first[1].ID}
	rest, err := store.ListByTenant(ctx, tenantAddr, after, 2)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "1", rest[0].ID)
}

func TestPostgresStore_ListByStatusPagesOldestFirst(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	open := []Status{StatusAwaitingPayment, StatusConfirmed}

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"30", "10", "20", "11", "40"} {
		b := seedBooking(id, StatusAwaitingPayment)
		b.CreatedAt = base.Add(time.Duration(i%3) * time.Minute)
		if id == "40" {
			b.Status = StatusCompleted
		}
		require.NoError(t, store.Create(ctx, b))
	}

	var seen []string
	var after *pagination.Cursor
	for {
		page, err := store.ListByStatus(ctx, open, after, 2)
		require.NoError(t, err)
		for _, b := range page {
			seen = append(seen, b.ID)
		}
		if len(page) < 2 {
			break
		}
		last := page[len(page)-1]
		after = &pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
	assert.Equal(t, []string{"11", "30", "10", "20"}, seen)
}
