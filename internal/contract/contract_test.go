package contract

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	escrowAddr = common.HexToAddress("0x00000000000000000000000000000000000e5c20")
	tenantAddr = common.HexToAddress("0x1111111111111111111111111111111111111111")
	ownerAddr  = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

func TestABI_HasEveryMethodAndEvent(t *testing.T) {
	a := ABI()
	for _, m := range []string{
		MethodCreateBooking, MethodPayRent, MethodReleaseFunds, MethodCancelBooking,
		MethodRaiseDispute, MethodGetBookingStatus, MethodGetBookingDetails, MethodQuote, MethodFeePercent,
	} {
		_, ok := a.Methods[m]
		assert.True(t, ok, "missing method %s", m)
	}
	for _, e := range []string{
		EventBookingCreated, EventPaymentReceived, EventFundsReleased, EventBookingCancelled, EventBookingDisputed,
	} {
		_, ok := a.Events[e]
		assert.True(t, ok, "missing event %s", e)
	}
	assert.True(t, a.Methods[MethodPayRent].IsPayable())
}

func TestPaymentReceived_EncodeDecode(t *testing.T) {
	lg, err := EncodeLog(Event{
		Name:        EventPaymentReceived,
		BookingID:   big.NewInt(42),
		Account:     tenantAddr,
		Amount:      big.NewInt(1_050_000),
		Contract:    escrowAddr,
		BlockNumber: 9,
	})
	require.NoError(t, err)
	require.Len(t, lg.Topics, 3)

	id, err := EventID(EventPaymentReceived)
	require.NoError(t, err)
	assert.Equal(t, id, lg.Topics[0])
	assert.Equal(t, BookingTopic(big.NewInt(42)), lg.Topics[1])

	ev, err := DecodeLog(*lg)
	require.NoError(t, err)
	assert.Equal(t, EventPaymentReceived, ev.Name)
	assert.Equal(t, int64(42), ev.BookingID.Int64())
	assert.Equal(t, tenantAddr, ev.Account)
	assert.Equal(t, int64(1_050_000), ev.Amount.Int64())
	assert.Equal(t, escrowAddr, ev.Contract)
	assert.Equal(t, uint64(9), ev.BlockNumber)
}

func TestBookingCreated_DecodesBothParties(t *testing.T) {
	lg, err := EncodeLog(Event{
		Name:      EventBookingCreated,
		BookingID: big.NewInt(7),
		Tenant:    tenantAddr,
		Owner:     ownerAddr,
		Amount:    big.NewInt(500_000),
		Fee:       big.NewInt(25_000),
	})
	require.NoError(t, err)

	ev, err := DecodeLog(*lg)
	require.NoError(t, err)
	assert.Equal(t, tenantAddr, ev.Tenant)
	assert.Equal(t, ownerAddr, ev.Owner)
	assert.Equal(t, int64(500_000), ev.Amount.Int64())
	assert.Equal(t, int64(25_000), ev.Fee.Int64())
}

func TestDecodeLog_RejectsForeignLogs(t *testing.T) {
	transferTopic := common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")
	_, err := DecodeLog(types.Log{Topics: []common.Hash{transferTopic, {}, {}}})
	assert.ErrorIs(t, err, ErrUnknownEvent)

	_, err = DecodeLog(types.Log{})
	assert.ErrorIs(t, err, ErrUnknownEvent)
}

func TestMethodByData_DecodesCreateBooking(t *testing.T) {
	data, err := Pack(MethodCreateBooking, big.NewInt(42), tenantAddr, ownerAddr, big.NewInt(1_000_000), uint64(100), uint64(200))
	require.NoError(t, err)

	m, args, err := MethodByData(data)
	require.NoError(t, err)
	assert.Equal(t, MethodCreateBooking, m.Name)
	require.Len(t, args, 6)
	assert.Equal(t, tenantAddr, args[1].(common.Address))
	assert.Equal(t, uint64(200), args[5].(uint64))

	_, _, err = MethodByData([]byte{0x01})
	assert.Error(t, err)
}

func TestStatusName(t *testing.T) {
	assert.Equal(t, "AWAITING_PAYMENT", StatusName(StatusAwaitingPayment))
	assert.Equal(t, "PAID", StatusName(StatusPaid))
	assert.Equal(t, "DISPUTED", StatusName(StatusDisputed))
	assert.Equal(t, "UNKNOWN(9)", StatusName(9))
}
