// Package escrow implements the RentalEscrow contract's state machine: one
// record per booking id holding the tenant's rent until it is released to
// the owner (minus the platform fee), refunded, or frozen by a dispute.
//
// Flow:
//  1. createBooking registers the lease in AWAITING_PAYMENT and fixes the fee
//  2. payRent by the tenant with exactly amount+fee moves it to PAID
//  3. releaseFunds pays the owner and the platform, COMPLETED
//  4. cancelBooking refunds the tenant if funded, CANCELLED
//  5. raiseDispute moves the held balance to the platform, DISPUTED
//
// Every revert carries a reason string that is surfaced verbatim.
package escrow

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/mbd888/rentescrow/internal/contract"
	"github.com/mbd888/rentescrow/internal/fees"
)

// RevertError is a contract revert. Two reverts are equal when their
// reasons match, so errors.Is works against the sentinels below.
type RevertError struct {
	Reason string
}

func (e *RevertError) Error() string { return "execution reverted: " + e.Reason }

// Is reports whether target is a revert with the same reason.
func (e *RevertError) Is(target error) bool {
	var t *RevertError
	if !errors.As(target, &t) {
		return false
	}
	return t.Reason == e.Reason
}

func revert(reason string) *RevertError { return &RevertError{Reason: reason} }

var (
	ErrBookingExists      = revert("booking already exists")
	ErrBookingNotFound    = revert("booking not found")
	ErrSameParty          = revert("tenant and owner must differ")
	ErrZeroAddress        = revert("zero address")
	ErrInvalidLease       = revert("invalid lease period")
	ErrZeroAmount         = revert("amount must be positive")
	ErrNotAwaitingPayment = revert("booking not awaiting payment")
	ErrNotTenant          = revert("only tenant can pay")
	ErrWrongPayment       = revert("incorrect payment amount")
	ErrInsufficientFunds  = revert("insufficient balance")
	ErrNotPaid            = revert("booking not paid")
	ErrNotReleaser        = revert("not authorized to release")
	ErrNotCancellable     = revert("booking cannot be cancelled")
	ErrNotCanceller       = revert("not authorized to cancel")
	ErrNotDisputer        = revert("not authorized to dispute")
	ErrOverflow           = revert("arithmetic overflow")
)

// Status is the on-chain booking status.
type Status uint8

const (
	StatusAwaitingPayment = Status(contract.StatusAwaitingPayment)
	StatusPaid            = Status(contract.StatusPaid)
	StatusCompleted       = Status(contract.StatusCompleted)
	StatusCancelled       = Status(contract.StatusCancelled)
	StatusDisputed        = Status(contract.StatusDisputed)
)

func (s Status) String() string { return contract.StatusName(uint8(s)) }

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusDisputed
}

// ReleasePolicy decides who besides the owner may release funds.
// The tenant is never a releaser.
type ReleasePolicy string

const (
	ReleaseOwner           ReleasePolicy = "owner"
	ReleaseOperator        ReleasePolicy = "operator"
	ReleaseOwnerOrOperator ReleasePolicy = "owner_or_operator"
)

// ParseReleasePolicy validates a policy name, defaulting to owner_or_operator.
func ParseReleasePolicy(s string) (ReleasePolicy, error) {
	switch ReleasePolicy(s) {
	case "":
		return ReleaseOwnerOrOperator, nil
	case ReleaseOwner, ReleaseOperator, ReleaseOwnerOrOperator:
		return ReleasePolicy(s), nil
	}
	return "", fmt.Errorf("escrow: unknown release policy %q", s)
}

// Record is the escrow state for one booking.
type Record struct {
	BookingID  *uint256.Int
	Tenant     common.Address
	Owner      common.Address
	Amount     *uint256.Int
	Fee        *uint256.Int
	LeaseStart uint64
	LeaseEnd   uint64
	Status     Status
	Balance    *uint256.Int
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	cp := *r
	cp.BookingID = new(uint256.Int).Set(r.BookingID)
	cp.Amount = new(uint256.Int).Set(r.Amount)
	cp.Fee = new(uint256.Int).Set(r.Fee)
	cp.Balance = new(uint256.Int).Set(r.Balance)
	return &cp
}

// Total is the exact value payRent must carry.
func (r *Record) Total() *uint256.Int {
	return new(uint256.Int).Add(r.Amount, r.Fee)
}

// CreateInput are the createBooking arguments.
type CreateInput struct {
	BookingID  *uint256.Int
	Tenant     common.Address
	Owner      common.Address
	Amount     *uint256.Int
	LeaseStart uint64
	LeaseEnd   uint64
}

// Config configures a ledger.
type Config struct {
	Fees          fees.Schedule
	Platform      common.Address
	Operator      common.Address
	ReleasePolicy ReleasePolicy
}

// Ledger is the escrow contract state: booking records plus the native
// balances of every account it pays in or out of.
type Ledger struct {
	mu       sync.RWMutex
	cfg      Config
	records  map[uint256.Int]*Record
	balances map[common.Address]*uint256.Int
}

// NewLedger creates an empty ledger.
func NewLedger(cfg Config) (*Ledger, error) {
	if cfg.Platform == (common.Address{}) {
		return nil, fmt.Errorf("escrow: platform address required")
	}
	if cfg.ReleasePolicy == "" {
		cfg.ReleasePolicy = ReleaseOwnerOrOperator
	}
	if _, err := ParseReleasePolicy(string(cfg.ReleasePolicy)); err != nil {
		return nil, err
	}
	return &Ledger{
		cfg:      cfg,
		records:  make(map[uint256.Int]*Record),
		balances: make(map[common.Address]*uint256.Int),
	}, nil
}

// Config returns the ledger configuration.
func (l *Ledger) Config() Config { return l.cfg }

// Fund credits an account's native balance (genesis allocation).
func (l *Ledger) Fund(addr common.Address, amt *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.credit(addr, amt)
}

// Debit removes native balance from an account, used for value transfers
// that do not go through the escrow.
func (l *Ledger) Debit(addr common.Address, amt *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.debit(addr, amt)
}

// BalanceOf returns an account's native balance.
func (l *Ledger) BalanceOf(addr common.Address) *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if b, ok := l.balances[addr]; ok {
		return new(uint256.Int).Set(b)
	}
	return new(uint256.Int)
}

// Custody returns the sum of all balances held in escrow.
func (l *Ledger) Custody() *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	total := new(uint256.Int)
	for _, r := range l.records {
		total.Add(total, r.Balance)
	}
	return total
}

func (l *Ledger) credit(addr common.Address, amt *uint256.Int) error {
	b, ok := l.balances[addr]
	if !ok {
		b = new(uint256.Int)
		l.balances[addr] = b
	}
	if _, overflow := b.AddOverflow(b, amt); overflow {
		return ErrOverflow
	}
	return nil
}

func (l *Ledger) debit(addr common.Address, amt *uint256.Int) error {
	b, ok := l.balances[addr]
	if !ok || b.Lt(amt) {
		return ErrInsufficientFunds
	}
	b.Sub(b, amt)
	return nil
}

// Clone returns an independent copy, used to dry-run calls.
func (l *Ledger) Clone() *Ledger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	cp := &Ledger{
		cfg:      l.cfg,
		records:  make(map[uint256.Int]*Record, len(l.records)),
		balances: make(map[common.Address]*uint256.Int, len(l.balances)),
	}
	for k, r := range l.records {
		cp.records[k] = r.Clone()
	}
	for a, b := range l.balances {
		cp.balances[a] = new(uint256.Int).Set(b)
	}
	return cp
}

func (l *Ledger) get(id *uint256.Int) (*Record, error) {
	r, ok := l.records[*id]
	if !ok {
		return nil, ErrBookingNotFound
	}
	return r, nil
}

// CreateBooking registers a booking in AWAITING_PAYMENT.
func (l *Ledger) CreateBooking(caller common.Address, in CreateInput) (contract.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if in.BookingID == nil || in.Amount == nil {
		return contract.Event{}, ErrZeroAmount
	}
	if _, exists := l.records[*in.BookingID]; exists {
		return contract.Event{}, ErrBookingExists
	}
	if in.Tenant == (common.Address{}) || in.Owner == (common.Address{}) {
		return contract.Event{}, ErrZeroAddress
	}
	if in.Tenant == in.Owner {
		return contract.Event{}, ErrSameParty
	}
	if in.LeaseEnd <= in.LeaseStart {
		return contract.Event{}, ErrInvalidLease
	}
	if in.Amount.IsZero() {
		return contract.Event{}, ErrZeroAmount
	}
	fee, _, err := l.cfg.Fees.Total(in.Amount)
	if err != nil {
		return contract.Event{}, ErrOverflow
	}

	r := &Record{
		BookingID:  new(uint256.Int).Set(in.BookingID),
		Tenant:     in.Tenant,
		Owner:      in.Owner,
		Amount:     new(uint256.Int).Set(in.Amount),
		Fee:        fee,
		LeaseStart: in.LeaseStart,
		LeaseEnd:   in.LeaseEnd,
		Status:     StatusAwaitingPayment,
		Balance:    new(uint256.Int),
	}
	l.records[*r.BookingID] = r

	return contract.Event{
		Name:      contract.EventBookingCreated,
		BookingID: r.BookingID.ToBig(),
		Tenant:    r.Tenant,
		Owner:     r.Owner,
		Amount:    r.Amount.ToBig(),
		Fee:       r.Fee.ToBig(),
	}, nil
}

// PayRent funds the escrow. Only the tenant may pay and the value must be
// exactly amount + fee.
func (l *Ledger) PayRent(caller common.Address, id, value *uint256.Int) (contract.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, err := l.get(id)
	if err != nil {
		return contract.Event{}, err
	}
	if r.Status != StatusAwaitingPayment {
		return contract.Event{}, ErrNotAwaitingPayment
	}
	if caller != r.Tenant {
		return contract.Event{}, ErrNotTenant
	}
	if value == nil || !value.Eq(r.Total()) {
		return contract.Event{}, ErrWrongPayment
	}
	if err := l.debit(caller, value); err != nil {
		return contract.Event{}, err
	}

	r.Balance.Set(value)
	r.Status = StatusPaid

	return contract.Event{
		Name:      contract.EventPaymentReceived,
		BookingID: r.BookingID.ToBig(),
		Account:   caller,
		Amount:    value.ToBig(),
	}, nil
}

func (l *Ledger) canRelease(caller common.Address, r *Record) bool {
	if caller == r.Tenant {
		return false
	}
	isOwner, isOperator := caller == r.Owner, l.isOperator(caller)
	switch l.cfg.ReleasePolicy {
	case ReleaseOwner:
		return isOwner
	case ReleaseOperator:
		return isOperator
	default:
		return isOwner || isOperator
	}
}

func (l *Ledger) isOperator(caller common.Address) bool {
	return l.cfg.Operator != (common.Address{}) && caller == l.cfg.Operator
}

// ReleaseFunds pays the principal to the owner and the fee to the platform.
func (l *Ledger) ReleaseFunds(caller common.Address, id *uint256.Int) (contract.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, err := l.get(id)
	if err != nil {
		return contract.Event{}, err
	}
	if r.Status != StatusPaid {
		return contract.Event{}, ErrNotPaid
	}
	if !l.canRelease(caller, r) {
		return contract.Event{}, ErrNotReleaser
	}

	if err := l.credit(r.Owner, r.Amount); err != nil {
		return contract.Event{}, err
	}
	if err := l.credit(l.cfg.Platform, r.Fee); err != nil {
		return contract.Event{}, err
	}
	r.Balance.Clear()
	r.Status = StatusCompleted

	return contract.Event{
		Name:      contract.EventFundsReleased,
		BookingID: r.BookingID.ToBig(),
		Owner:     r.Owner,
		Amount:    r.Amount.ToBig(),
		Fee:       r.Fee.ToBig(),
	}, nil
}

// CancelBooking cancels before or after payment. A funded booking refunds
// its full balance to the tenant. Before payment the tenant, owner, or
// operator may cancel; after payment only the owner or operator.
func (l *Ledger) CancelBooking(caller common.Address, id *uint256.Int) (contract.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, err := l.get(id)
	if err != nil {
		return contract.Event{}, err
	}

	switch r.Status {
	case StatusAwaitingPayment:
		if caller != r.Tenant && caller != r.Owner && !l.isOperator(caller) {
			return contract.Event{}, ErrNotCanceller
		}
	case StatusPaid:
		if caller != r.Owner && !l.isOperator(caller) {
			return contract.Event{}, ErrNotCanceller
		}
	default:
		return contract.Event{}, ErrNotCancellable
	}

	refund := new(uint256.Int).Set(r.Balance)
	if !refund.IsZero() {
		if err := l.credit(r.Tenant, refund); err != nil {
			return contract.Event{}, err
		}
	}
	r.Balance.Clear()
	r.Status = StatusCancelled

	return contract.Event{
		Name:      contract.EventBookingCancelled,
		BookingID: r.BookingID.ToBig(),
		Account:   r.Tenant,
		Amount:    refund.ToBig(),
	}, nil
}

// RaiseDispute freezes a funded booking. The held balance moves to the
// platform account for manual arbitration.
func (l *Ledger) RaiseDispute(caller common.Address, id *uint256.Int) (contract.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, err := l.get(id)
	if err != nil {
		return contract.Event{}, err
	}
	if r.Status != StatusPaid {
		return contract.Event{}, ErrNotPaid
	}
	if caller != r.Tenant && caller != r.Owner && !l.isOperator(caller) {
		return contract.Event{}, ErrNotDisputer
	}

	held := new(uint256.Int).Set(r.Balance)
	if err := l.credit(l.cfg.Platform, held); err != nil {
		return contract.Event{}, err
	}
	r.Balance.Clear()
	r.Status = StatusDisputed

	return contract.Event{
		Name:      contract.EventBookingDisputed,
		BookingID: r.BookingID.ToBig(),
		Account:   caller,
		Amount:    held.ToBig(),
	}, nil
}

// Status returns a booking's on-chain status.
func (l *Ledger) Status(id *uint256.Int) (Status, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, err := l.get(id)
	if err != nil {
		return 0, err
	}
	return r.Status, nil
}

// Details returns a copy of a booking record.
func (l *Ledger) Details(id *uint256.Int) (*Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, err := l.get(id)
	if err != nil {
		return nil, err
	}
	return r.Clone(), nil
}

// Quote returns the fee and total for a principal.
func (l *Ledger) Quote(principal *uint256.Int) (fee, total *uint256.Int, err error) {
	fee, total, err = l.cfg.Fees.Total(principal)
	if err != nil {
		return nil, nil, ErrOverflow
	}
	return fee, total, nil
}

// FeePercent returns the configured fee percentage.
func (l *Ledger) FeePercent() uint8 { return l.cfg.Fees.Percent() }

// BigID converts a booking id to a uint256, rejecting values that do not fit.
func BigID(id *big.Int) (*uint256.Int, error) {
	if id == nil || id.Sign() < 0 {
		return nil, ErrBookingNotFound
	}
	u, overflow := uint256.FromBig(id)
	if overflow {
		return nil, ErrOverflow
	}
	return u, nil
}
