// Package booking is the off-chain system of record for rental bookings.
//
// Lifecycle:
//  1. Create registers the booking on the escrow contract -> AWAITING_PAYMENT
//  2. A verified payRent moves it to CONFIRMED (reconciliation engine only)
//  3. A verified release moves it to COMPLETED
//  4. Cancel (AWAITING_PAYMENT or CONFIRMED) -> CANCELLED, refunding any escrow
//  5. A verified dispute moves a CONFIRMED booking to DISPUTED
//
// Every status change is a compare-and-set on the store, so two writers
// racing on one booking cannot both succeed.
package booking

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/mbd888/rentescrow/internal/contract"
	"github.com/mbd888/rentescrow/internal/pagination"
)

var (
	ErrNotFound       = errors.New("booking not found")
	ErrExists         = errors.New("booking already exists")
	ErrStateConflict  = errors.New("booking state conflict")
	ErrUnauthorized   = errors.New("not authorized for this booking")
	ErrInvalidRequest = errors.New("invalid booking request")
	ErrFeeMismatch    = errors.New("escrow fee differs from local fee schedule")
)

// Status is the off-chain booking status.
type Status string

const (
	StatusAwaitingPayment Status = "AWAITING_PAYMENT"
	StatusConfirmed       Status = "CONFIRMED"
	StatusCompleted       Status = "COMPLETED"
	StatusCancelled       Status = "CANCELLED"
	StatusDisputed        Status = "DISPUTED"
)

// transitions is the complete set of allowed status changes.
var transitions = map[Status][]Status{
	StatusAwaitingPayment: {StatusConfirmed, StatusCancelled},
	StatusConfirmed:       {StatusCompleted, StatusCancelled, StatusDisputed},
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal returns true for COMPLETED, CANCELLED and DISPUTED.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusDisputed:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusAwaitingPayment, StatusConfirmed, StatusCompleted, StatusCancelled, StatusDisputed:
		return true
	}
	return false
}

func (s Status) rank() int {
	switch s {
	case StatusAwaitingPayment:
		return 0
	case StatusConfirmed:
		return 1
	case StatusCompleted, StatusCancelled, StatusDisputed:
		return 2
	}
	return -1
}

// Later returns whichever of a and b is further along the lifecycle,
// preferring a on ties.
func Later(a, b Status) Status {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// FromChain maps an escrow contract status code to the off-chain status.
func FromChain(code uint8) (Status, error) {
	switch code {
	case contract.StatusAwaitingPayment:
		return StatusAwaitingPayment, nil
	case contract.StatusPaid:
		return StatusConfirmed, nil
	case contract.StatusCompleted:
		return StatusCompleted, nil
	case contract.StatusCancelled:
		return StatusCancelled, nil
	case contract.StatusDisputed:
		return StatusDisputed, nil
	}
	return "", fmt.Errorf("booking: unknown escrow status %d", code)
}

// Booking is the off-chain record of one rental. Amounts are integer
// strings in the smallest currency unit.
type Booking struct {
	ID                 string     `json:"id"`
	PropertyID         string     `json:"propertyId"`
	TenantAddr         string     `json:"tenantAddr"`
	OwnerAddr          string     `json:"ownerAddr"`
	PricePerUnit       string     `json:"pricePerUnit"`
	Units              int64      `json:"units"`
	TotalPrice         string     `json:"totalPrice"`
	PlatformFee        string     `json:"platformFee"`
	AmountDue          string     `json:"amountDue"`
	Currency           string     `json:"currency"`
	StartAt            time.Time  `json:"startAt"`
	EndAt              time.Time  `json:"endAt"`
	Status             Status     `json:"status"`
	RegistrationTxHash string     `json:"registrationTxHash,omitempty"`
	RegistrationBlock  uint64     `json:"registrationBlock,omitempty"`
	PaymentTxHash      string     `json:"paymentTxHash,omitempty"`
	PaymentBlock       uint64     `json:"paymentBlock,omitempty"`
	PayerAddr          string     `json:"payerAddr,omitempty"`
	PaidAt             *time.Time `json:"paidAt,omitempty"`
	SettlementTxHash   string     `json:"settlementTxHash,omitempty"`
	ResolvedAt         *time.Time `json:"resolvedAt,omitempty"`
	CancelReason       string     `json:"cancelReason,omitempty"`
	DisputeReason      string     `json:"disputeReason,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`
}

// IsTerminal returns true if the booking is in a final state.
func (b *Booking) IsTerminal() bool { return b.Status.IsTerminal() }

// EscrowID returns the booking id as the contract's uint256 key.
func (b *Booking) EscrowID() (*big.Int, error) {
	return ParseID(b.ID)
}

// AmountDueInt returns AmountDue as an integer.
func (b *Booking) AmountDueInt() (*big.Int, error) {
	v, ok := new(big.Int).SetString(b.AmountDue, 10)
	if !ok {
		return nil, fmt.Errorf("booking %s: malformed amount due %q", b.ID, b.AmountDue)
	}
	return v, nil
}

// ParseID parses a decimal booking id.
func ParseID(id string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(id, 10)
	if !ok || v.Sign() <= 0 || v.BitLen() > 256 {
		return nil, fmt.Errorf("%w: booking id %q", ErrInvalidRequest, id)
	}
	return v, nil
}

// Store persists bookings. Transition is the only way to change status.
type Store interface {
	Create(ctx context.Context, b *Booking) error
	Get(ctx context.Context, id string) (*Booking, error)
	ListByTenant(ctx context.Context, tenantAddr string, after *pagination.Cursor, limit int) ([]*Booking, error)
	ListByOwner(ctx context.Context, ownerAddr string, after *pagination.Cursor, limit int) ([]*Booking, error)
	// ListByStatus lists bookings in the given statuses oldest first,
	// by (createdAt, id), starting after the cursor.
	ListByStatus(ctx context.Context, statuses []Status, after *pagination.Cursor, limit int) ([]*Booking, error)

	// Transition atomically moves id from `from` to `to`, applying mutate
	// to the record first. It fails with ErrStateConflict if the stored
	// status is no longer `from` and ErrNotFound if id is unknown.
	Transition(ctx context.Context, id string, from, to Status, mutate func(*Booking)) (*Booking, error)
}

// Registration describes a booking to register on the escrow contract.
type Registration struct {
	BookingID  *big.Int
	Tenant     string
	Owner      string
	Amount     *big.Int
	LeaseStart time.Time
	LeaseEnd   time.Time
}

// Registered is the confirmed on-chain registration. Block is where the
// booking's event history starts.
type Registered struct {
	TxHash string
	Block  uint64
	Fee    *big.Int
}

// Cancelled is a confirmed on-chain cancellation.
type Cancelled struct {
	TxHash string
	Refund *big.Int
}

// Escrow is the on-chain side the booking service drives.
type Escrow interface {
	Register(ctx context.Context, r Registration) (*Registered, error)
	Cancel(ctx context.Context, bookingID *big.Int) (*Cancelled, error)
	Status(ctx context.Context, bookingID *big.Int) (uint8, error)
}

// Notifier is told about every applied transition; from is empty for a
// newly created booking.
type Notifier interface {
	BookingChanged(ctx context.Context, b *Booking, from Status)
}

// Notifiers fans a transition out to several listeners in order.
type Notifiers []Notifier

// BookingChanged implements Notifier.
func (ns Notifiers) BookingChanged(ctx context.Context, b *Booking, from Status) {
	for _, n := range ns {
		if n != nil {
			n.BookingChanged(ctx, b, from)
		}
	}
}

// Locker serializes work on one booking id.
type Locker interface {
	LockContext(ctx context.Context, key string) (func(), error)
}

// CreateRequest contains the parameters for creating a booking.
type CreateRequest struct {
	ID           string    `json:"id"`
	PropertyID   string    `json:"propertyId" binding:"required"`
	TenantAddr   string    `json:"tenantAddr" binding:"required"`
	OwnerAddr    string    `json:"ownerAddr" binding:"required"`
	PricePerUnit string    `json:"pricePerUnit" binding:"required"`
	Currency     string    `json:"currency"`
	StartAt      time.Time `json:"startAt" binding:"required"`
	EndAt        time.Time `json:"endAt" binding:"required"`
}

// CancelRequest contains the parameters for cancelling a booking.
type CancelRequest struct {
	Reason string `json:"reason"`
}
