//go:build integration

package reconciliation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/rentescrow/internal/booking"
	"github.com/mbd888/rentescrow/internal/testutil"
	"github.com/mbd888/rentescrow/internal/verifier"
)

func TestPostgresAttemptStore_RoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, booking.NewPostgresStore(db).Create(ctx, &booking.Booking{
		ID: "42", PropertyID: "prop-42", TenantAddr: unitTenant, OwnerAddr: unitOwner,
		PricePerUnit: "1000000", Units: 1, TotalPrice: "1000000", PlatformFee: "50000",
		AmountDue: "1050000", Currency: "ETH", StartAt: leaseStart, EndAt: leaseStart.Add(24 * time.Hour),
		Status: booking.StatusAwaitingPayment, CreatedAt: now, UpdatedAt: now,
	}))

	store := NewPostgresAttemptStore(db)
	require.NoError(t, store.Append(ctx, &Attempt{
		ID: "00000000-0000-0000-0000-000000000001", BookingID: "42", Operation: OpPayment,
		TxHash: unitHash, ContractAddress: unitContract.Hex(), ExpectedAmount: "1000000",
		Verdict: verifier.Failed, Kind: verifier.KindAmountMismatch, Reason: "short",
		Attempts: 1, NeedsReview: true, CreatedAt: now,
	}))
	require.NoError(t, store.Append(ctx, &Attempt{
		ID: "00000000-0000-0000-0000-000000000002", BookingID: "42", Operation: OpPayment,
		TxHash: unitHash, ContractAddress: unitContract.Hex(), ExpectedAmount: "1050000",
		Verdict: verifier.Validated, Attempts: 2, BlockNumber: 17, Payer: unitTenant,
		Applied: true, CreatedAt: now.Add(time.Minute),
	}))

	list, err := store.ListByBooking(ctx, "42", 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, verifier.Validated, list[0].Verdict)
	assert.Equal(t, uint64(17), list[0].BlockNumber)
	assert.Equal(t, "1050000", list[0].ExpectedAmount)
	assert.True(t, list[1].NeedsReview)
	assert.Equal(t, verifier.KindAmountMismatch, list[1].Kind)
}
