// Package reconciliation keeps the off-chain booking ledger in agreement
// with the escrow contract.
//
// The engine is the only writer that moves a booking to CONFIRMED,
// COMPLETED or DISPUTED, and it does so only from verified chain evidence:
//
//	evidence -> verifier (retried while PENDING) -> booking lock -> re-read -> CAS
//
// Chain I/O never happens while a booking lock is held.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/mbd888/rentescrow/internal/booking"
	"github.com/mbd888/rentescrow/internal/chain"
	"github.com/mbd888/rentescrow/internal/contract"
	"github.com/mbd888/rentescrow/internal/escrow"
	"github.com/mbd888/rentescrow/internal/logging"
	"github.com/mbd888/rentescrow/internal/retry"
	"github.com/mbd888/rentescrow/internal/syncutil"
	"github.com/mbd888/rentescrow/internal/traces"
	"github.com/mbd888/rentescrow/internal/validation"
	"github.com/mbd888/rentescrow/internal/verifier"
)

var (
	// ErrPendingTimeout means the evidence was still PENDING (or the chain
	// unreachable) when the retry budget ran out. The caller may retry.
	ErrPendingTimeout = errors.New("reconciliation: still pending after retries")
	// ErrAmountMismatch means the paid or expected amount differs from
	// the booking's amount due. The attempt is flagged for review.
	ErrAmountMismatch = errors.New("reconciliation: amount mismatch")
	// ErrVerificationFailed covers every other FAILED verdict.
	ErrVerificationFailed = errors.New("reconciliation: verification failed")
	// ErrOwnerMustSign means the owner-only release policy leaves the
	// operator nothing to relay. The owner sends releaseFunds from their own
	// account and then syncs the booking.
	ErrOwnerMustSign = errors.New("reconciliation: release policy is owner-only; " +
		"send releaseFunds from the owner account, then POST /v1/bookings/:id/sync")
)

const (
	kindChainUnavailable verifier.Kind = "chain_unavailable"
	kindStateConflict    verifier.Kind = "state_conflict"
)

var errStillPending = errors.New("reconciliation: verdict pending")

// Verifier checks chain evidence. *verifier.Verifier satisfies it.
type Verifier interface {
	Verify(ctx context.Context, ev verifier.Evidence) (verifier.Result, error)
	VerifySettlement(ctx context.Context, ev verifier.SettlementEvidence) (verifier.Result, error)
}

// Chain is the operator side of the escrow contract. *Gateway satisfies it.
type Chain interface {
	Release(ctx context.Context, bookingID *big.Int) (common.Hash, error)
	Dispute(ctx context.Context, bookingID *big.Int) (common.Hash, error)
	Events(ctx context.Context, bookingID *big.Int, fromBlock uint64) iter.Seq2[contract.Event, error]
}

// Config tunes the engine.
type Config struct {
	// ContractAddress is the only escrow evidence is accepted from.
	ContractAddress common.Address
	// Retry bounds re-verification of PENDING evidence.
	Retry retry.Policy
	// ReleasePolicy mirrors the contract's release rule.
	ReleasePolicy escrow.ReleasePolicy
	// Operator is the platform account that relays writes.
	Operator string
	// HistoryLimit caps History results, 100 when unset.
	HistoryLimit int
}

// ValidateRequest is a caller's report that a payment was made.
type ValidateRequest struct {
	BookingID       string `json:"bookingId" binding:"required"`
	TransactionHash string `json:"transactionHash" binding:"required"`
	ContractAddress string `json:"contractAddress" binding:"required"`
	ExpectedAmount  string `json:"expectedAmount" binding:"required"`
}

// Outcome is the result of Validate, Release or Dispute. Status is the
// verifier verdict; Applied is true only for the call that moved the
// booking.
type Outcome struct {
	Status  verifier.Verdict `json:"status"`
	Kind    verifier.Kind    `json:"kind,omitempty"`
	Reason  string           `json:"reason,omitempty"`
	Booking *booking.Booking `json:"booking,omitempty"`
	Attempt *Attempt         `json:"attempt,omitempty"`
	Applied bool             `json:"applied"`
}

// SyncResult lists what Sync changed.
type SyncResult struct {
	Booking *booking.Booking `json:"booking"`
	Events  int              `json:"events"`
	Applied []string         `json:"applied"`
}

// Engine applies verified chain evidence to the booking ledger.
type Engine struct {
	bookings *booking.Service
	attempts AttemptStore
	verifier Verifier
	chain    Chain
	locks    booking.Locker
	cfg      Config
	operator string
	logger   *slog.Logger
	now      func() time.Time
}

// NewEngine creates an engine. The booking service should share the
// engine's lock table (see WithLocker).
func NewEngine(bookings *booking.Service, attempts AttemptStore, v Verifier, ch Chain, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 100
	}
	if cfg.ReleasePolicy == "" {
		cfg.ReleasePolicy = escrow.ReleaseOwnerOrOperator
	}
	return &Engine{
		bookings: bookings,
		attempts: attempts,
		verifier: v,
		chain:    ch,
		locks:    syncutil.NewKeyedMutex(),
		cfg:      cfg,
		operator: strings.ToLower(cfg.Operator),
		logger:   logger,
		now:      time.Now,
	}
}

// WithLocker replaces the per-booking lock table.
func (e *Engine) WithLocker(l booking.Locker) *Engine {
	e.locks = l
	return e
}

// WithClock replaces the time source, for tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

func (e *Engine) newAttempt(op Operation, bookingID, txHash, expected string) *Attempt {
	return &Attempt{
		ID:              uuid.NewString(),
		BookingID:       bookingID,
		Operation:       op,
		TxHash:          txHash,
		ContractAddress: e.cfg.ContractAddress.Hex(),
		ExpectedAmount:  expected,
		CreatedAt:       e.now().UTC(),
	}
}

// record appends a to the history. Failures are logged, never returned:
// the booking transition, if any, already happened.
func (e *Engine) record(ctx context.Context, a *Attempt) {
	validationsTotal.WithLabelValues(string(a.Operation), string(a.Verdict)).Inc()
	if a.NeedsReview {
		reviewFlags.Inc()
	}
	if err := e.attempts.Append(context.WithoutCancel(ctx), a); err != nil {
		logging.L(ctx).Error("failed to record verification attempt", "attempt", a.ID, "error", err)
	}
}

func parseValidate(req ValidateRequest) (common.Hash, common.Address, *big.Int, error) {
	if errs := validation.Validate(
		validation.Required("bookingId", req.BookingID),
		validation.ValidBookingID("bookingId", req.BookingID),
		validation.ValidTxHash("transactionHash", req.TransactionHash),
		validation.ValidAddress("contractAddress", req.ContractAddress),
		validation.ValidAmount("expectedAmount", req.ExpectedAmount),
	); len(errs) > 0 {
		return common.Hash{}, common.Address{}, nil, fmt.Errorf("%w: %s", booking.ErrInvalidRequest, errs.Error())
	}
	expected, _ := new(big.Int).SetString(req.ExpectedAmount, 10)
	return common.HexToHash(req.TransactionHash), common.HexToAddress(req.ContractAddress), expected, nil
}

// Validate verifies a reported payment and, once VALIDATED, moves the
// booking from AWAITING_PAYMENT to CONFIRMED. Repeating a validation of
// the applied hash returns the stored booking without side effects.
func (e *Engine) Validate(ctx context.Context, req ValidateRequest) (out *Outcome, err error) {
	hash, addr, expected, err := parseValidate(req)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithBooking(ctx, req.BookingID)
	ctx, span := traces.StartSpan(ctx, "reconciliation.Validate",
		traces.BookingID(req.BookingID), traces.TxHash(hash.Hex()), traces.Amount(expected.String()))
	defer func() { traces.End(span, err) }()

	b, err := e.bookings.Get(ctx, req.BookingID)
	if err != nil {
		return nil, err
	}
	att := e.newAttempt(OpPayment, b.ID, hash.Hex(), expected.String())

	if addr != e.cfg.ContractAddress {
		att.ContractAddress = addr.Hex()
		return e.fail(ctx, att, b, verifier.KindContractMismatch,
			fmt.Sprintf("contract %s is not the escrow %s", addr.Hex(), e.cfg.ContractAddress.Hex()))
	}
	due, err := b.AmountDueInt()
	if err != nil {
		return nil, err
	}
	if expected.Cmp(due) != 0 {
		return e.fail(ctx, att, b, verifier.KindAmountMismatch,
			fmt.Sprintf("expected amount %s differs from amount due %s", expected, due))
	}
	if b.Status != booking.StatusAwaitingPayment {
		return e.alreadySettled(ctx, att, b)
	}

	return e.validatePayment(ctx, att, b, hash, due, "validate")
}

// validatePayment runs the verifier with retries and confirms on success.
func (e *Engine) validatePayment(ctx context.Context, att *Attempt, b *booking.Booking, hash common.Hash, due *big.Int, source string) (*Outcome, error) {
	escrowID, err := b.EscrowID()
	if err != nil {
		return nil, err
	}
	res, tries, err := e.verifyWithRetry(ctx, func(ctx context.Context) (verifier.Result, error) {
		return e.verifier.Verify(ctx, verifier.Evidence{
			BookingID:       escrowID,
			TxHash:          hash,
			ContractAddress: e.cfg.ContractAddress,
			ExpectedAmount:  due,
		})
	})
	att.Attempts = tries
	if err != nil {
		return e.pendingOrError(ctx, att, b, res, err)
	}
	if res.Verdict == verifier.Failed {
		return e.fail(ctx, att, b, res.Kind, res.Reason)
	}
	return e.confirm(ctx, att, res.Payment, source)
}

// verifyWithRetry calls verify until it returns a final verdict, the
// policy gives up, or a non-retryable error occurs.
func (e *Engine) verifyWithRetry(ctx context.Context, verify func(context.Context) (verifier.Result, error)) (verifier.Result, int, error) {
	var (
		res   verifier.Result
		tries int
	)
	err := e.cfg.Retry.Do(ctx, func(attempt int) error {
		tries = attempt
		if attempt > 1 {
			verifyRetries.Inc()
		}
		r, err := verify(ctx)
		if err != nil {
			if chain.IsRetryable(err) {
				return err
			}
			return retry.Permanent(err)
		}
		res = r
		if r.Verdict == verifier.Pending {
			return errStillPending
		}
		return nil
	})
	return res, tries, err
}

// pendingOrError turns an exhausted retry loop into a PENDING outcome.
// Other errors pass through untouched and leave no attempt behind.
func (e *Engine) pendingOrError(ctx context.Context, att *Attempt, b *booking.Booking, res verifier.Result, err error) (*Outcome, error) {
	if ctx.Err() != nil {
		return nil, err
	}
	if !errors.Is(err, errStillPending) && !chain.IsRetryable(err) {
		return nil, err
	}

	att.Verdict = verifier.Pending
	att.Kind = res.Kind
	att.Reason = res.Reason
	if !errors.Is(err, errStillPending) {
		att.Kind = kindChainUnavailable
		att.Reason = err.Error()
	}
	e.record(ctx, att)
	logging.L(ctx).Info("evidence still pending", "tx", att.TxHash, "kind", att.Kind, "attempts", att.Attempts)

	out := &Outcome{Status: verifier.Pending, Kind: att.Kind, Reason: att.Reason, Booking: b, Attempt: att}
	if errors.Is(err, errStillPending) {
		return out, ErrPendingTimeout
	}
	return out, fmt.Errorf("%w: %w", ErrPendingTimeout, err)
}

// fail records a FAILED verdict. The booking is never touched.
func (e *Engine) fail(ctx context.Context, att *Attempt, b *booking.Booking, kind verifier.Kind, reason string) (*Outcome, error) {
	att.Verdict = verifier.Failed
	att.Kind = kind
	att.Reason = reason
	att.NeedsReview = kind == verifier.KindAmountMismatch
	e.record(ctx, att)
	logging.L(ctx).Warn("verification failed",
		"operation", att.Operation, "tx", att.TxHash, "kind", kind, "reason", reason)

	out := &Outcome{Status: verifier.Failed, Kind: kind, Reason: reason, Booking: b, Attempt: att}
	if kind == verifier.KindAmountMismatch {
		return out, fmt.Errorf("%w: %s", ErrAmountMismatch, reason)
	}
	return out, fmt.Errorf("%w: %s", ErrVerificationFailed, reason)
}

// alreadySettled answers a validation for a booking past AWAITING_PAYMENT.
func (e *Engine) alreadySettled(ctx context.Context, att *Attempt, b *booking.Booking) (*Outcome, error) {
	if b.PaymentTxHash != "" && strings.EqualFold(b.PaymentTxHash, att.TxHash) {
		att.Verdict = verifier.Validated
		att.BlockNumber = b.PaymentBlock
		att.Payer = b.PayerAddr
		e.record(ctx, att)
		return &Outcome{Status: verifier.Validated, Booking: b, Attempt: att}, nil
	}
	att.Verdict = verifier.Failed
	att.Kind = kindStateConflict
	att.Reason = fmt.Sprintf("booking is %s", b.Status)
	e.record(ctx, att)
	return &Outcome{Status: verifier.Failed, Kind: att.Kind, Reason: att.Reason, Booking: b, Attempt: att},
		fmt.Errorf("%w: booking %s is %s", booking.ErrStateConflict, b.ID, b.Status)
}

// confirm applies a VALIDATED payment under the booking lock. Exactly one
// concurrent caller performs the CAS; the rest see the applied hash.
func (e *Engine) confirm(ctx context.Context, att *Attempt, p *verifier.Payment, source string) (*Outcome, error) {
	att.Verdict = verifier.Validated
	att.BlockNumber = p.BlockNumber
	att.Payer = strings.ToLower(p.Payer.Hex())

	unlock, err := e.locks.LockContext(ctx, att.BookingID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	cur, err := e.bookings.Get(ctx, att.BookingID)
	if err != nil {
		return nil, err
	}
	if cur.Status != booking.StatusAwaitingPayment {
		if strings.EqualFold(cur.PaymentTxHash, att.TxHash) {
			e.record(ctx, att)
			return &Outcome{Status: verifier.Validated, Booking: cur, Attempt: att}, nil
		}
		// Paid on-chain while the booking moved on without this payment.
		att.Kind = kindStateConflict
		att.Reason = fmt.Sprintf("verified payment but booking is %s", cur.Status)
		att.NeedsReview = true
		e.record(ctx, att)
		logging.L(ctx).Error("verified payment for a booking that moved on",
			"tx", att.TxHash, "status", cur.Status)
		return &Outcome{Status: verifier.Validated, Kind: att.Kind, Reason: att.Reason, Booking: cur, Attempt: att},
			fmt.Errorf("%w: booking %s is %s", booking.ErrStateConflict, cur.ID, cur.Status)
	}

	paidAt := e.now().UTC()
	updated, err := e.bookings.Apply(ctx, cur.ID, booking.StatusAwaitingPayment, booking.StatusConfirmed, func(b *booking.Booking) {
		b.PaymentTxHash = att.TxHash
		b.PaymentBlock = p.BlockNumber
		b.PayerAddr = att.Payer
		b.PaidAt = &paidAt
	})
	if err != nil {
		e.record(ctx, att)
		return nil, err
	}

	att.Applied = true
	e.record(ctx, att)
	appliedTransitions.WithLabelValues(string(booking.StatusConfirmed), source).Inc()
	logging.L(ctx).Info("payment confirmed", "tx", att.TxHash, "block", p.BlockNumber, "payer", att.Payer)
	return &Outcome{Status: verifier.Validated, Booking: updated, Attempt: att, Applied: true}, nil
}

// History returns a booking's verification attempts, newest first.
func (e *Engine) History(ctx context.Context, bookingID string) ([]*Attempt, error) {
	if _, err := e.bookings.Get(ctx, bookingID); err != nil {
		return nil, err
	}
	list, err := e.attempts.ListByBooking(ctx, bookingID, e.cfg.HistoryLimit)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []*Attempt{}
	}
	return list, nil
}

func (e *Engine) isOperator(caller string) bool {
	return e.operator != "" && caller == e.operator
}

// canRelease applies the release policy. The tenant never releases.
func (e *Engine) canRelease(b *booking.Booking, caller string) bool {
	if caller == "" || caller == b.TenantAddr {
		return false
	}
	isOwner, isOperator := caller == b.OwnerAddr, e.isOperator(caller)
	switch e.cfg.ReleasePolicy {
	case escrow.ReleaseOwner:
		return isOwner
	case escrow.ReleaseOperator:
		return isOperator
	default:
		return isOwner || isOperator
	}
}
