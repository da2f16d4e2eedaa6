package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/rentescrow/internal/booking"
	"github.com/mbd888/rentescrow/internal/chain"
	"github.com/mbd888/rentescrow/internal/contract"
	"github.com/mbd888/rentescrow/internal/escrow"
)

// Gateway drives the escrow contract through the operator account. It
// implements booking.Escrow and the Chain interface the engine uses.
type Gateway struct {
	client  *chain.Client
	timeout time.Duration
}

// NewGateway wraps client. timeout bounds each wait for a confirmed receipt.
func NewGateway(client *chain.Client, timeout time.Duration) *Gateway {
	if timeout <= 0 {
		timeout = chain.DefaultConfirmationTimeout
	}
	return &Gateway{client: client, timeout: timeout}
}

// Client returns the underlying chain client.
func (g *Gateway) Client() *chain.Client { return g.client }

// mapRevert turns the contract's lookup reverts into booking sentinels.
func mapRevert(err error) error {
	var rev *chain.RevertError
	if !errors.As(err, &rev) {
		return err
	}
	switch rev.Reason {
	case escrow.ErrBookingExists.Reason:
		return fmt.Errorf("%w: %w", booking.ErrExists, err)
	case escrow.ErrBookingNotFound.Reason:
		return fmt.Errorf("%w: %w", booking.ErrNotFound, err)
	}
	return err
}

func findEvent(r *chain.Receipt, addr common.Address, name string, id *big.Int) (*contract.Event, bool) {
	for _, ev := range r.Events(addr) {
		if ev.Name == name && ev.BookingID.Cmp(id) == 0 {
			found := ev
			return &found, true
		}
	}
	return nil, false
}

// Register calls createBooking and returns the fee the contract charged.
func (g *Gateway) Register(ctx context.Context, reg booking.Registration) (*booking.Registered, error) {
	if reg.LeaseStart.Unix() < 0 || reg.LeaseEnd.Unix() < 0 {
		return nil, fmt.Errorf("%w: lease before epoch", booking.ErrInvalidRequest)
	}
	p, err := g.client.CreateBooking(ctx, chain.CreateParams{
		BookingID:  reg.BookingID,
		Tenant:     common.HexToAddress(reg.Tenant),
		Owner:      common.HexToAddress(reg.Owner),
		Amount:     reg.Amount,
		LeaseStart: uint64(reg.LeaseStart.Unix()), //nolint:gosec // checked non-negative above
		LeaseEnd:   uint64(reg.LeaseEnd.Unix()),   //nolint:gosec // checked non-negative above
	})
	if err != nil {
		return nil, mapRevert(err)
	}
	r, err := g.client.WaitForReceipt(ctx, p.TxHash, g.timeout)
	if err != nil {
		return nil, mapRevert(err)
	}
	ev, ok := findEvent(r, g.client.ContractAddress(), contract.EventBookingCreated, reg.BookingID)
	if !ok {
		return nil, fmt.Errorf("reconciliation: createBooking %s emitted no BookingCreated", r.TxHash.Hex())
	}
	return &booking.Registered{TxHash: r.TxHash.Hex(), Block: r.BlockNumber, Fee: ev.Fee}, nil
}

// Cancel calls cancelBooking and returns the refunded amount.
func (g *Gateway) Cancel(ctx context.Context, bookingID *big.Int) (*booking.Cancelled, error) {
	r, err := g.client.Transact(ctx, chain.Call{
		Method: contract.MethodCancelBooking,
		Args:   []interface{}{bookingID},
	}, g.timeout)
	if err != nil {
		return nil, mapRevert(err)
	}
	refund := new(big.Int)
	if ev, ok := findEvent(r, g.client.ContractAddress(), contract.EventBookingCancelled, bookingID); ok {
		refund = ev.Amount
	}
	return &booking.Cancelled{TxHash: r.TxHash.Hex(), Refund: refund}, nil
}

// Status reads the on-chain status code.
func (g *Gateway) Status(ctx context.Context, bookingID *big.Int) (uint8, error) {
	s, err := g.client.BookingStatus(ctx, bookingID)
	return s, mapRevert(err)
}

// Release calls releaseFunds and returns the confirmed transaction hash.
func (g *Gateway) Release(ctx context.Context, bookingID *big.Int) (common.Hash, error) {
	return g.settle(ctx, contract.MethodReleaseFunds, bookingID)
}

// Dispute calls raiseDispute and returns the confirmed transaction hash.
func (g *Gateway) Dispute(ctx context.Context, bookingID *big.Int) (common.Hash, error) {
	return g.settle(ctx, contract.MethodRaiseDispute, bookingID)
}

func (g *Gateway) settle(ctx context.Context, method string, bookingID *big.Int) (common.Hash, error) {
	r, err := g.client.Transact(ctx, chain.Call{Method: method, Args: []interface{}{bookingID}}, g.timeout)
	if err != nil {
		return common.Hash{}, mapRevert(err)
	}
	return r.TxHash, nil
}

// Snapshot returns the contract's record of a booking.
func (g *Gateway) Snapshot(ctx context.Context, bookingID *big.Int) (*chain.Snapshot, error) {
	s, err := g.client.BookingDetails(ctx, bookingID)
	return s, mapRevert(err)
}

// Events is the booking's confirmed on-chain event sequence.
func (g *Gateway) Events(ctx context.Context, bookingID *big.Int, fromBlock uint64) iter.Seq2[contract.Event, error] {
	return g.client.Events(ctx, bookingID, fromBlock)
}
