package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mbd888/rentescrow/internal/amount"
	"github.com/mbd888/rentescrow/internal/chain"
	"github.com/mbd888/rentescrow/internal/fees"
	"github.com/mbd888/rentescrow/internal/logging"
	"github.com/mbd888/rentescrow/internal/pagination"
	"github.com/mbd888/rentescrow/internal/traces"
	"github.com/mbd888/rentescrow/internal/validation"
)

// DefaultBillingUnit is one night.
const DefaultBillingUnit = 24 * time.Hour

// DefaultCurrency is the chain's native currency.
const DefaultCurrency = "ETH"

// Config tunes the service.
type Config struct {
	Fees        fees.Schedule
	BillingUnit time.Duration
	Currency    string
	// Operator may cancel any non-terminal booking.
	Operator string
}

// Service implements booking business logic.
type Service struct {
	store    Store
	escrow   Escrow
	fees     fees.Schedule
	unit     time.Duration
	currency string
	operator string
	notifier Notifier
	locks    Locker
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a new booking service.
func NewService(store Store, escrow Escrow, cfg Config, logger *slog.Logger) *Service {
	if cfg.BillingUnit <= 0 {
		cfg.BillingUnit = DefaultBillingUnit
	}
	if cfg.Currency == "" {
		cfg.Currency = DefaultCurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		escrow:   escrow,
		fees:     cfg.Fees,
		unit:     cfg.BillingUnit,
		currency: cfg.Currency,
		operator: strings.ToLower(cfg.Operator),
		logger:   logger,
		now:      time.Now,
	}
}

// WithNotifier sets the transition listener.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithLocker shares a per-booking lock table with other writers.
func (s *Service) WithLocker(l Locker) *Service {
	s.locks = l
	return s
}

// WithClock replaces the time source, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Store exposes the underlying store.
func (s *Service) Store() Store { return s.store }

// Units returns the number of billing units between start and end,
// rounded up, at least one.
func (s *Service) Units(start, end time.Time) int64 {
	d := end.Sub(start)
	n := int64(d / s.unit)
	if d%s.unit != 0 {
		n++
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Quote returns the escrow breakdown for a principal.
func (s *Service) Quote(principal *big.Int) (fees.Quote, error) {
	return s.fees.Quote(principal)
}

func newID() string {
	u := uuid.New()
	return new(big.Int).SetBytes(u[:]).String()
}

func (s *Service) validateCreate(req *CreateRequest) (*big.Int, error) {
	req.TenantAddr = validation.SanitizeAddress(req.TenantAddr)
	req.OwnerAddr = validation.SanitizeAddress(req.OwnerAddr)
	req.PropertyID = validation.SanitizeString(req.PropertyID, 128)

	if errs := validation.Validate(
		validation.Required("propertyId", req.PropertyID),
		validation.Required("tenantAddr", req.TenantAddr),
		validation.Required("ownerAddr", req.OwnerAddr),
		validation.ValidAddress("tenantAddr", req.TenantAddr),
		validation.ValidAddress("ownerAddr", req.OwnerAddr),
		validation.ValidAmount("pricePerUnit", req.PricePerUnit),
		validation.ValidBookingID("id", req.ID),
	); len(errs) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRequest, errs.Error())
	}
	if req.TenantAddr == req.OwnerAddr {
		return nil, fmt.Errorf("%w: tenant and owner must differ", ErrInvalidRequest)
	}
	if req.StartAt.IsZero() || !req.EndAt.After(req.StartAt) {
		return nil, fmt.Errorf("%w: endAt must be after startAt", ErrInvalidRequest)
	}
	if req.Currency != "" && !strings.EqualFold(req.Currency, s.currency) {
		return nil, fmt.Errorf("%w: only %s is accepted", ErrInvalidRequest, s.currency)
	}
	price, err := amount.ParsePositive(req.PricePerUnit)
	if err != nil {
		return nil, fmt.Errorf("%w: pricePerUnit: %v", ErrInvalidRequest, err)
	}
	return price, nil
}

// Create prices a booking, registers it on the escrow contract and stores
// it as AWAITING_PAYMENT. If the registration times out unconfirmed or the
// store write fails, the on-chain record is cancelled again on a
// best-effort basis.
func (s *Service) Create(ctx context.Context, req CreateRequest) (_ *Booking, err error) {
	price, err := s.validateCreate(&req)
	if err != nil {
		return nil, err
	}

	units := s.Units(req.StartAt, req.EndAt)
	total := new(big.Int).Mul(price, big.NewInt(units))
	q, err := s.fees.Quote(total)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	id := req.ID
	if id == "" {
		id = newID()
	}
	escrowID, err := ParseID(id)
	if err != nil {
		return nil, err
	}

	ctx = logging.WithBooking(ctx, id)
	ctx, span := traces.StartSpan(ctx, "booking.Create", traces.BookingID(id), traces.Amount(q.Total.String()))
	defer func() { traces.End(span, err) }()

	if _, err := s.store.Get(ctx, id); err == nil {
		return nil, ErrExists
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	reg, err := s.escrow.Register(ctx, Registration{
		BookingID:  escrowID,
		Tenant:     req.TenantAddr,
		Owner:      req.OwnerAddr,
		Amount:     total,
		LeaseStart: req.StartAt,
		LeaseEnd:   req.EndAt,
	})
	if errors.Is(err, chain.ErrConfirmationTimeout) {
		// The registration may still be mined without a booking row.
		s.compensate(ctx, id, escrowID)
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	if reg.Fee != nil && reg.Fee.Cmp(q.Fee) != 0 {
		s.compensate(ctx, id, escrowID)
		return nil, fmt.Errorf("%w: escrow %s, local %s", ErrFeeMismatch, reg.Fee, q.Fee)
	}

	now := s.now().UTC()
	b := &Booking{
		ID:                 id,
		PropertyID:         req.PropertyID,
		TenantAddr:         req.TenantAddr,
		OwnerAddr:          req.OwnerAddr,
		PricePerUnit:       price.String(),
		Units:              units,
		TotalPrice:         q.Principal.String(),
		PlatformFee:        q.Fee.String(),
		AmountDue:          q.Total.String(),
		Currency:           s.currency,
		StartAt:            req.StartAt.UTC(),
		EndAt:              req.EndAt.UTC(),
		Status:             StatusAwaitingPayment,
		RegistrationTxHash: reg.TxHash,
		RegistrationBlock:  reg.Block,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.store.Create(ctx, b); err != nil {
		s.compensate(ctx, id, escrowID)
		return nil, fmt.Errorf("booking: store: %w", err)
	}

	bookingsCreated.Inc()
	logging.L(ctx).Info("booking created",
		"tenant", b.TenantAddr,
		"owner", b.OwnerAddr,
		"amountDue", b.AmountDue,
		"tx", reg.TxHash,
	)
	s.notify(ctx, b, "")
	return b, nil
}

func (s *Service) compensate(ctx context.Context, id string, escrowID *big.Int) {
	// Detach from the request so a cancelled caller does not strand funds.
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Minute)
	defer cancel()
	if _, err := s.escrow.Cancel(cctx, escrowID); err != nil {
		compensationFailures.Inc()
		logging.L(ctx).Error("failed to cancel orphaned escrow registration", "escrow_id", escrowID.String(), "error", err)
		return
	}
	logging.L(ctx).Warn("cancelled escrow registration after failed create", "escrow_id", escrowID.String())
}

// Get returns a booking by id.
func (s *Service) Get(ctx context.Context, id string) (*Booking, error) {
	return s.store.Get(ctx, id)
}

// ListByTenant returns a page of a tenant's bookings, newest first.
func (s *Service) ListByTenant(ctx context.Context, addr, cursor string, limit int) (*pagination.Page[*Booking], error) {
	return s.list(ctx, s.store.ListByTenant, addr, cursor, limit)
}

// ListByOwner returns a page of an owner's bookings, newest first.
func (s *Service) ListByOwner(ctx context.Context, addr, cursor string, limit int) (*pagination.Page[*Booking], error) {
	return s.list(ctx, s.store.ListByOwner, addr, cursor, limit)
}

type listFunc func(ctx context.Context, addr string, after *pagination.Cursor, limit int) ([]*Booking, error)

func (s *Service) list(ctx context.Context, fetch listFunc, addr, cursor string, limit int) (*pagination.Page[*Booking], error) {
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if limit <= 0 {
		limit = pagination.DefaultLimit
	}
	items, err := fetch(ctx, strings.ToLower(addr), after, limit+1)
	if err != nil {
		return nil, err
	}
	items, next, more := pagination.ComputePage(items, limit, func(b *Booking) (time.Time, string) {
		return b.CreatedAt, b.ID
	})
	if items == nil {
		items = []*Booking{}
	}
	return &pagination.Page[*Booking]{Items: items, NextCursor: next, HasMore: more}, nil
}

// ListOpen returns bookings that can still change status, oldest first,
// starting after the cursor.
func (s *Service) ListOpen(ctx context.Context, after *pagination.Cursor, limit int) ([]*Booking, error) {
	return s.store.ListByStatus(ctx, []Status{StatusAwaitingPayment, StatusConfirmed}, after, limit)
}

// Apply performs one CAS transition, records it and notifies listeners.
// Callers that need read-then-write atomicity hold the booking lock.
func (s *Service) Apply(ctx context.Context, id string, from, to Status, mutate func(*Booking)) (*Booking, error) {
	if !CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrStateConflict, from, to)
	}
	if logging.BookingID(ctx) != id {
		ctx = logging.WithBooking(ctx, id)
	}
	now := s.now().UTC()
	b, err := s.store.Transition(ctx, id, from, to, func(b *Booking) {
		if mutate != nil {
			mutate(b)
		}
		b.UpdatedAt = now
		if to.IsTerminal() && b.ResolvedAt == nil {
			b.ResolvedAt = &now
		}
	})
	if err != nil {
		return nil, err
	}
	transitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	logging.L(ctx).Info("booking transition applied", "from", from, "to", to)
	s.notify(ctx, b, from)
	return b, nil
}

func (s *Service) notify(ctx context.Context, b *Booking, from Status) {
	if s.notifier == nil {
		return
	}
	cp := *b
	s.notifier.BookingChanged(ctx, &cp, from)
}

func (s *Service) lock(ctx context.Context, id string) (func(), error) {
	if s.locks == nil {
		return func() {}, nil
	}
	return s.locks.LockContext(ctx, id)
}

// authorizeCancel applies the escrow contract's cancel rules to the
// furthest-along of the off-chain and on-chain statuses.
func (s *Service) authorizeCancel(b *Booking, caller string, effective Status) error {
	caller = strings.ToLower(caller)
	if caller != "" && caller == s.operator {
		return nil
	}
	switch effective {
	case StatusAwaitingPayment:
		if caller == b.TenantAddr || caller == b.OwnerAddr {
			return nil
		}
	case StatusConfirmed:
		if caller == b.OwnerAddr {
			return nil
		}
	}
	return ErrUnauthorized
}

// Cancel cancels a booking on-chain, refunding any escrowed payment to
// the tenant, and then marks it CANCELLED. A booking already cancelled
// on-chain is only updated locally.
//
// Authorization reads the on-chain status before the operator relays the
// cancel, so a tenant payment mined in between is refunded by that
// cancel. The refund is visible on the receipt; such cancels are logged
// and counted.
func (s *Service) Cancel(ctx context.Context, id, caller, reason string) (_ *Booking, err error) {
	ctx = logging.WithBooking(ctx, id)
	ctx, span := traces.StartSpan(ctx, "booking.Cancel", traces.BookingID(id), traces.Address(caller))
	defer func() { traces.End(span, err) }()

	b, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.IsTerminal() {
		return nil, fmt.Errorf("%w: booking is %s", ErrStateConflict, b.Status)
	}
	escrowID, err := b.EscrowID()
	if err != nil {
		return nil, err
	}

	code, err := s.escrow.Status(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	onChain, err := FromChain(code)
	if err != nil {
		return nil, err
	}
	effective := Later(b.Status, onChain)
	if effective.IsTerminal() && onChain != StatusCancelled {
		return nil, fmt.Errorf("%w: escrow is %s", ErrStateConflict, onChain)
	}
	authStatus := effective
	if onChain == StatusCancelled {
		authStatus = b.Status
	}
	if err := s.authorizeCancel(b, caller, authStatus); err != nil {
		return nil, err
	}

	var settlement string
	if onChain != StatusCancelled {
		res, err := s.escrow.Cancel(ctx, escrowID)
		if err != nil {
			return nil, err
		}
		settlement = res.TxHash
		if authStatus == StatusAwaitingPayment && res.Refund != nil && res.Refund.Sign() > 0 {
			paidCancels.Inc()
			logging.L(ctx).Warn("cancel refunded a payment made after authorization",
				"caller", strings.ToLower(caller), "refund", res.Refund.String(), "tx", res.TxHash)
		}
	}

	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	reason = validation.SanitizeString(reason, 1000)
	for attempt := 0; attempt < 3; attempt++ {
		cur, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if cur.Status == StatusCancelled {
			return cur, nil
		}
		if !CanTransition(cur.Status, StatusCancelled) {
			return nil, fmt.Errorf("%w: booking is %s", ErrStateConflict, cur.Status)
		}
		out, err := s.Apply(ctx, id, cur.Status, StatusCancelled, func(b *Booking) {
			b.CancelReason = reason
			if settlement != "" {
				b.SettlementTxHash = settlement
			}
		})
		if errors.Is(err, ErrStateConflict) {
			continue
		}
		return out, err
	}
	return nil, fmt.Errorf("%w: concurrent updates to %s", ErrStateConflict, id)
}
