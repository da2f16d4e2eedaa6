package reconciliation

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/rentescrow/internal/booking"
	"github.com/mbd888/rentescrow/internal/contract"
	"github.com/mbd888/rentescrow/internal/escrow"
	"github.com/mbd888/rentescrow/internal/logging"
	"github.com/mbd888/rentescrow/internal/traces"
	"github.com/mbd888/rentescrow/internal/validation"
	"github.com/mbd888/rentescrow/internal/verifier"
)

// settlement describes one verified escrow exit.
type settlement struct {
	op     Operation
	kind   verifier.SettlementKind
	to     booking.Status
	expect *big.Int
	mutate func(*booking.Booking)
}

func bigOrNil(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil
	}
	return v
}

func amountString(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}

// Release pays out a CONFIRMED booking. The operator relays releaseFunds;
// caller must be allowed by the release policy and is never the tenant.
// Under the owner-only policy nothing is relayed and the owner gets
// ErrOwnerMustSign.
func (e *Engine) Release(ctx context.Context, bookingID, caller string) (out *Outcome, err error) {
	ctx = logging.WithBooking(ctx, bookingID)
	ctx, span := traces.StartSpan(ctx, "reconciliation.Release", traces.BookingID(bookingID), traces.Address(caller))
	defer func() { traces.End(span, err) }()

	b, err := e.bookings.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if b.Status != booking.StatusConfirmed {
		return nil, fmt.Errorf("%w: booking is %s", booking.ErrStateConflict, b.Status)
	}
	if !e.canRelease(b, strings.ToLower(caller)) {
		return nil, booking.ErrUnauthorized
	}
	if e.cfg.ReleasePolicy == escrow.ReleaseOwner {
		return nil, ErrOwnerMustSign
	}
	escrowID, err := b.EscrowID()
	if err != nil {
		return nil, err
	}

	hash, err := e.chain.Release(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	return e.settle(ctx, b, hash, settlement{
		op:     OpRelease,
		kind:   verifier.SettlementRelease,
		to:     booking.StatusCompleted,
		expect: bigOrNil(b.TotalPrice),
	}, "release")
}

// Dispute freezes a CONFIRMED booking. The tenant, the owner or the
// operator may raise it; the operator relays raiseDispute.
func (e *Engine) Dispute(ctx context.Context, bookingID, caller, reason string) (out *Outcome, err error) {
	ctx = logging.WithBooking(ctx, bookingID)
	ctx, span := traces.StartSpan(ctx, "reconciliation.Dispute", traces.BookingID(bookingID), traces.Address(caller))
	defer func() { traces.End(span, err) }()

	b, err := e.bookings.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if b.Status != booking.StatusConfirmed {
		return nil, fmt.Errorf("%w: booking is %s", booking.ErrStateConflict, b.Status)
	}
	caller = strings.ToLower(caller)
	if caller == "" || (caller != b.TenantAddr && caller != b.OwnerAddr && !e.isOperator(caller)) {
		return nil, booking.ErrUnauthorized
	}
	escrowID, err := b.EscrowID()
	if err != nil {
		return nil, err
	}

	hash, err := e.chain.Dispute(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	reason = validation.SanitizeString(reason, 1000)
	return e.settle(ctx, b, hash, settlement{
		op:     OpDispute,
		kind:   verifier.SettlementDispute,
		to:     booking.StatusDisputed,
		expect: bigOrNil(b.AmountDue),
		mutate: func(b *booking.Booking) { b.DisputeReason = reason },
	}, "dispute")
}

// settle verifies a settlement transaction and applies its transition.
func (e *Engine) settle(ctx context.Context, b *booking.Booking, hash common.Hash, s settlement, source string) (*Outcome, error) {
	escrowID, err := b.EscrowID()
	if err != nil {
		return nil, err
	}
	att := e.newAttempt(s.op, b.ID, hash.Hex(), amountString(s.expect))

	res, tries, err := e.verifyWithRetry(ctx, func(ctx context.Context) (verifier.Result, error) {
		return e.verifier.VerifySettlement(ctx, verifier.SettlementEvidence{
			BookingID:       escrowID,
			TxHash:          hash,
			ContractAddress: e.cfg.ContractAddress,
			Kind:            s.kind,
			Expect:          s.expect,
		})
	})
	att.Attempts = tries
	if err != nil {
		return e.pendingOrError(ctx, att, b, res, err)
	}
	if res.Verdict == verifier.Failed {
		return e.fail(ctx, att, b, res.Kind, res.Reason)
	}
	if res.Settlement != nil {
		att.BlockNumber = res.Settlement.BlockNumber
	}
	att.Verdict = verifier.Validated
	return e.applySettlement(ctx, att, s, source)
}

// applySettlement moves the booking to s.to under the booking lock.
func (e *Engine) applySettlement(ctx context.Context, att *Attempt, s settlement, source string) (*Outcome, error) {
	unlock, err := e.locks.LockContext(ctx, att.BookingID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	cur, err := e.bookings.Get(ctx, att.BookingID)
	if err != nil {
		return nil, err
	}
	if cur.Status == s.to && strings.EqualFold(cur.SettlementTxHash, att.TxHash) {
		e.record(ctx, att)
		return &Outcome{Status: verifier.Validated, Booking: cur, Attempt: att}, nil
	}
	if !booking.CanTransition(cur.Status, s.to) {
		att.Kind = kindStateConflict
		att.Reason = fmt.Sprintf("verified %s but booking is %s", s.kind, cur.Status)
		att.NeedsReview = true
		e.record(ctx, att)
		logging.L(ctx).Error("verified settlement conflicts with booking status",
			"tx", att.TxHash, "kind", s.kind, "status", cur.Status)
		return &Outcome{Status: verifier.Validated, Kind: att.Kind, Reason: att.Reason, Booking: cur, Attempt: att},
			fmt.Errorf("%w: booking %s is %s", booking.ErrStateConflict, cur.ID, cur.Status)
	}

	updated, err := e.bookings.Apply(ctx, cur.ID, cur.Status, s.to, func(b *booking.Booking) {
		b.SettlementTxHash = att.TxHash
		if s.mutate != nil {
			s.mutate(b)
		}
	})
	if err != nil {
		e.record(ctx, att)
		return nil, err
	}

	att.Applied = true
	e.record(ctx, att)
	appliedTransitions.WithLabelValues(string(s.to), source).Inc()
	logging.L(ctx).Info("settlement applied", "tx", att.TxHash, "to", s.to)
	return &Outcome{Status: verifier.Validated, Booking: updated, Attempt: att, Applied: true}, nil
}

// Sync walks the booking's confirmed on-chain events, from its
// registration block on, and applies every transition the off-chain record
// has not seen yet. It converges bookings whose transactions were never
// reported to the service.
func (e *Engine) Sync(ctx context.Context, bookingID string) (res *SyncResult, err error) {
	ctx = logging.WithBooking(ctx, bookingID)
	ctx, span := traces.StartSpan(ctx, "reconciliation.Sync", traces.BookingID(bookingID))
	defer func() { traces.End(span, err) }()

	b, err := e.bookings.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	res = &SyncResult{Booking: b, Applied: []string{}}
	if b.IsTerminal() {
		return res, nil
	}
	escrowID, err := b.EscrowID()
	if err != nil {
		return nil, err
	}

	for ev, err := range e.chain.Events(ctx, escrowID, b.RegistrationBlock) {
		if err != nil {
			return res, err
		}
		res.Events++

		cur := res.Booking
		out, err := e.syncEvent(ctx, cur, ev)
		if err != nil {
			logging.L(ctx).Warn("sync could not apply event", "event", ev.Name, "tx", ev.TxHash.Hex(), "error", err)
			continue
		}
		if out != nil && out.Applied {
			res.Applied = append(res.Applied, string(cur.Status)+"->"+string(out.Booking.Status))
			res.Booking = out.Booking
		}
		if res.Booking.IsTerminal() {
			break
		}
	}
	return res, nil
}

// syncEvent applies one on-chain event if the booking has not seen it.
// A nil outcome means the event was already reflected.
func (e *Engine) syncEvent(ctx context.Context, cur *booking.Booking, ev contract.Event) (*Outcome, error) {
	switch ev.Name {
	case contract.EventPaymentReceived:
		if cur.Status != booking.StatusAwaitingPayment {
			return nil, nil
		}
		due, err := cur.AmountDueInt()
		if err != nil {
			return nil, err
		}
		att := e.newAttempt(OpPayment, cur.ID, ev.TxHash.Hex(), due.String())
		return e.validatePayment(ctx, att, cur, ev.TxHash, due, "sync")

	case contract.EventFundsReleased:
		if cur.Status != booking.StatusConfirmed {
			return nil, nil
		}
		return e.settle(ctx, cur, ev.TxHash, settlement{
			op:     OpRelease,
			kind:   verifier.SettlementRelease,
			to:     booking.StatusCompleted,
			expect: bigOrNil(cur.TotalPrice),
		}, "sync")

	case contract.EventBookingCancelled:
		if cur.IsTerminal() {
			return nil, nil
		}
		return e.settle(ctx, cur, ev.TxHash, settlement{
			op:   OpCancel,
			kind: verifier.SettlementCancel,
			to:   booking.StatusCancelled,
			mutate: func(b *booking.Booking) {
				if b.CancelReason == "" {
					b.CancelReason = "cancelled on-chain"
				}
			},
		}, "sync")

	case contract.EventBookingDisputed:
		if cur.Status != booking.StatusConfirmed {
			return nil, nil
		}
		return e.settle(ctx, cur, ev.TxHash, settlement{
			op:   OpDispute,
			kind: verifier.SettlementDispute,
			to:   booking.StatusDisputed,
		}, "sync")
	}
	return nil, nil
}
