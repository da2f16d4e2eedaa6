package contract

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ErrUnknownEvent is returned when a log does not belong to the escrow ABI.
var ErrUnknownEvent = errors.New("contract: unknown event")

// Event is a decoded escrow contract log. Which address and amount fields
// are populated depends on Name:
//
//	BookingCreated    Tenant, Owner, Amount (principal), Fee
//	PaymentReceived   Account (payer), Amount (value paid)
//	FundsReleased     Owner, Amount (owner share), Fee
//	BookingCancelled  Account (refund recipient), Amount (refund)
//	BookingDisputed   Account (raised by), Amount (held balance)
type Event struct {
	Name      string
	BookingID *big.Int
	Tenant    common.Address
	Owner     common.Address
	Account   common.Address
	Amount    *big.Int
	Fee       *big.Int

	Contract    common.Address
	BlockNumber uint64
	TxHash      common.Hash
	TxIndex     uint
	LogIndex    uint
}

// EventID returns the topic hash of a named event.
func EventID(name string) (common.Hash, error) {
	ev, ok := parsed.Events[name]
	if !ok {
		return common.Hash{}, fmt.Errorf("%w: %s", ErrUnknownEvent, name)
	}
	return ev.ID, nil
}

// BookingTopic encodes a booking id as an indexed topic.
func BookingTopic(id *big.Int) common.Hash {
	return common.BigToHash(id)
}

func addressTopic(a common.Address) common.Hash {
	return common.BytesToHash(a.Bytes())
}

// EncodeLog builds the log the contract emits for ev. The position fields
// (block, tx, index) are copied as-is.
func EncodeLog(ev Event) (*types.Log, error) {
	abiEv, ok := parsed.Events[ev.Name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, ev.Name)
	}
	if ev.BookingID == nil {
		return nil, fmt.Errorf("contract: encode %s: missing booking id", ev.Name)
	}

	topics := []common.Hash{abiEv.ID, BookingTopic(ev.BookingID)}
	var data []interface{}
	switch ev.Name {
	case EventBookingCreated:
		topics = append(topics, addressTopic(ev.Tenant), addressTopic(ev.Owner))
		data = []interface{}{orZero(ev.Amount), orZero(ev.Fee)}
	case EventPaymentReceived, EventBookingCancelled, EventBookingDisputed:
		topics = append(topics, addressTopic(ev.Account))
		data = []interface{}{orZero(ev.Amount)}
	case EventFundsReleased:
		topics = append(topics, addressTopic(ev.Owner))
		data = []interface{}{orZero(ev.Amount), orZero(ev.Fee)}
	}

	packed, err := abiEv.Inputs.NonIndexed().Pack(data...)
	if err != nil {
		return nil, fmt.Errorf("contract: encode %s: %w", ev.Name, err)
	}

	return &types.Log{
		Address:     ev.Contract,
		Topics:      topics,
		Data:        packed,
		BlockNumber: ev.BlockNumber,
		TxHash:      ev.TxHash,
		TxIndex:     ev.TxIndex,
		Index:       ev.LogIndex,
	}, nil
}

// DecodeLog decodes an escrow contract log.
func DecodeLog(lg types.Log) (*Event, error) {
	if len(lg.Topics) < 2 {
		return nil, fmt.Errorf("%w: %d topics", ErrUnknownEvent, len(lg.Topics))
	}
	abiEv, err := parsed.EventByID(lg.Topics[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, lg.Topics[0].Hex())
	}

	values, err := abiEv.Inputs.NonIndexed().Unpack(lg.Data)
	if err != nil {
		return nil, fmt.Errorf("contract: decode %s data: %w", abiEv.Name, err)
	}

	ev := &Event{
		Name:        abiEv.Name,
		BookingID:   new(big.Int).SetBytes(lg.Topics[1].Bytes()),
		Contract:    lg.Address,
		BlockNumber: lg.BlockNumber,
		TxHash:      lg.TxHash,
		TxIndex:     lg.TxIndex,
		LogIndex:    lg.Index,
	}

	want := 3
	if abiEv.Name == EventBookingCreated {
		want = 4
	}
	if len(lg.Topics) != want {
		return nil, fmt.Errorf("contract: decode %s: expected %d topics, got %d", abiEv.Name, want, len(lg.Topics))
	}

	switch abiEv.Name {
	case EventBookingCreated:
		ev.Tenant = common.BytesToAddress(lg.Topics[2].Bytes())
		ev.Owner = common.BytesToAddress(lg.Topics[3].Bytes())
		ev.Amount, ev.Fee = bigAt(values, 0), bigAt(values, 1)
	case EventFundsReleased:
		ev.Owner = common.BytesToAddress(lg.Topics[2].Bytes())
		ev.Amount, ev.Fee = bigAt(values, 0), bigAt(values, 1)
	default:
		ev.Account = common.BytesToAddress(lg.Topics[2].Bytes())
		ev.Amount = bigAt(values, 0)
	}
	return ev, nil
}

func bigAt(values []interface{}, i int) *big.Int {
	if i >= len(values) {
		return new(big.Int)
	}
	if v, ok := values[i].(*big.Int); ok && v != nil {
		return v
	}
	return new(big.Int)
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
