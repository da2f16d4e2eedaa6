//go:build integration

package webhooks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/rentescrow/internal/testutil"
)

func TestPostgresStore_Lifecycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	sub := &Subscription{
		ID:        "wh_pg",
		Address:   "0xAbCdEf0000000000000000000000000000000001",
		URL:       "https://example.com/hook",
		Secret:    "s3cret",
		Events:    []EventType{EventBookingConfirmed, EventBookingCancelled},
		Active:    true,
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
	require.NoError(t, store.Create(ctx, sub))

	subs, err := store.ListByAddress(ctx, "0xabcdef0000000000000000000000000000000001")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, sub.Events, subs[0].Events)
	assert.Equal(t, "s3cret", subs[0].Secret)

	now := time.Now().UTC().Truncate(time.Microsecond)
	got := subs[0]
	got.LastSuccess = &now
	got.ConsecutiveFailures = 3
	require.NoError(t, store.Update(ctx, got))

	got, err = store.Get(ctx, "wh_pg")
	require.NoError(t, err)
	require.NotNil(t, got.LastSuccess)
	assert.True(t, now.Equal(*got.LastSuccess))
	assert.Equal(t, 3, got.ConsecutiveFailures)

	require.NoError(t, store.Delete(ctx, "wh_pg"))
	_, err = store.Get(ctx, "wh_pg")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.Delete(ctx, "wh_pg"), ErrNotFound)
}
