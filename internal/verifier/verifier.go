// Package verifier decides whether a transaction hash is authoritative
// evidence of an escrow payment or settlement.
//
// A hash is trusted only after receipt -> contract address -> decoded
// event -> booking id + amount all match. Chain unavailability is an
// error, never a verdict.
package verifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/rentescrow/internal/chain"
	"github.com/mbd888/rentescrow/internal/contract"
	"github.com/mbd888/rentescrow/internal/traces"
)

var (
	ErrInvalidEvidence = errors.New("verifier: invalid evidence")
	ErrUnknownKind     = errors.New("verifier: unknown settlement kind")
)

// Verdict is the outcome class of one verification.
type Verdict string

const (
	Validated Verdict = "VALIDATED"
	Pending   Verdict = "PENDING"
	Failed    Verdict = "FAILED"
)

// Kind narrows a PENDING or FAILED verdict.
type Kind string

const (
	KindNone             Kind = ""
	KindNotMined         Kind = "not_mined"
	KindUnconfirmed      Kind = "unconfirmed"
	KindContractMismatch Kind = "contract_mismatch"
	KindReverted         Kind = "reverted"
	KindNoPaymentEvent   Kind = "no_payment_event"
	KindNoSettlement     Kind = "no_settlement_event"
	KindBookingMismatch  Kind = "booking_mismatch"
	KindAmountMismatch   Kind = "amount_mismatch"
)

// ReceiptSource is the part of the chain client the verifier reads.
type ReceiptSource interface {
	Receipt(ctx context.Context, hash common.Hash) (*chain.Receipt, error)
	MinConfirmations() uint64
}

// Evidence is a caller's claim that TxHash paid ExpectedAmount into the
// escrow for BookingID.
type Evidence struct {
	BookingID       *big.Int
	TxHash          common.Hash
	ContractAddress common.Address
	ExpectedAmount  *big.Int
}

// Payment is a verified PaymentReceived observation.
type Payment struct {
	BookingID     *big.Int       `json:"bookingId"`
	TxHash        common.Hash    `json:"txHash"`
	Contract      common.Address `json:"contract"`
	Amount        *big.Int       `json:"amount"`
	Payer         common.Address `json:"payer"`
	BlockNumber   uint64         `json:"blockNumber"`
	Confirmations uint64         `json:"confirmations"`
}

// Result is the verdict on a piece of evidence. Payment is set when a
// payment was VALIDATED; Settlement when a settlement was.
type Result struct {
	Verdict    Verdict         `json:"verdict"`
	Kind       Kind            `json:"kind,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Payment    *Payment        `json:"payment,omitempty"`
	Settlement *contract.Event `json:"-"`
}

// NeedsReview reports whether the result should be looked at by a human.
func (r Result) NeedsReview() bool { return r.Kind == KindAmountMismatch }

func pending(kind Kind, reason string) Result {
	return Result{Verdict: Pending, Kind: kind, Reason: reason}
}

func failed(kind Kind, reason string) Result {
	return Result{Verdict: Failed, Kind: kind, Reason: reason}
}

// Verifier checks evidence against chain receipts.
type Verifier struct {
	source ReceiptSource
	logger *slog.Logger
}

// New creates a verifier reading receipts from source.
func New(source ReceiptSource, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{source: source, logger: logger}
}

// receipt fetches a receipt and handles the PENDING cases. A nil receipt
// with a nil error means res holds the verdict.
func (v *Verifier) receipt(ctx context.Context, hash common.Hash, want common.Address) (*chain.Receipt, Result, error) {
	r, err := v.source.Receipt(ctx, hash)
	if err != nil {
		if errors.Is(err, chain.ErrReceiptNotFound) {
			return nil, pending(KindNotMined, "transaction not yet mined"), nil
		}
		return nil, Result{}, err
	}

	minConfirms := v.source.MinConfirmations()
	if minConfirms == 0 {
		minConfirms = 1
	}
	if r.Confirmations < minConfirms {
		return nil, pending(KindUnconfirmed,
			fmt.Sprintf("%d of %d confirmations", r.Confirmations, minConfirms)), nil
	}

	if r.To == nil || *r.To != want {
		to := "contract creation"
		if r.To != nil {
			to = r.To.Hex()
		}
		return nil, failed(KindContractMismatch,
			fmt.Sprintf("transaction targets %s, not escrow %s", to, want.Hex())), nil
	}
	if !r.Succeeded() {
		reason := r.RevertReason
		if reason == "" {
			reason = "execution reverted"
		}
		return nil, failed(KindReverted, reason), nil
	}
	return r, Result{}, nil
}

// Verify checks that ev.TxHash is a confirmed payRent for ev.BookingID
// paying exactly ev.ExpectedAmount.
func (v *Verifier) Verify(ctx context.Context, ev Evidence) (res Result, err error) {
	if ev.BookingID == nil || ev.ExpectedAmount == nil || ev.TxHash == (common.Hash{}) {
		return Result{}, ErrInvalidEvidence
	}

	ctx, span := traces.StartSpan(ctx, "verifier.Verify",
		traces.BookingID(ev.BookingID.String()),
		traces.TxHash(ev.TxHash.Hex()),
		traces.Amount(ev.ExpectedAmount.String()),
	)
	defer func() {
		span.SetAttributes(traces.Verdict(string(res.Verdict)))
		traces.End(span, err)
		if err == nil {
			observe("payment", res)
		}
	}()

	r, res, err := v.receipt(ctx, ev.TxHash, ev.ContractAddress)
	if r == nil {
		return res, err
	}

	var payments []contract.Event
	for _, e := range r.Events(ev.ContractAddress) {
		if e.Name == contract.EventPaymentReceived {
			payments = append(payments, e)
		}
	}
	if len(payments) == 0 {
		return failed(KindNoPaymentEvent, "no PaymentReceived event from escrow"), nil
	}

	var match *contract.Event
	for i := range payments {
		if payments[i].BookingID.Cmp(ev.BookingID) == 0 {
			match = &payments[i]
			break
		}
	}
	if match == nil {
		return failed(KindBookingMismatch,
			fmt.Sprintf("payment is for booking %s, not %s", payments[0].BookingID, ev.BookingID)), nil
	}
	if match.Amount.Cmp(ev.ExpectedAmount) != 0 {
		v.logger.Warn("payment amount mismatch",
			"booking", ev.BookingID.String(),
			"tx", ev.TxHash.Hex(),
			"expected", ev.ExpectedAmount.String(),
			"observed", match.Amount.String(),
		)
		return failed(KindAmountMismatch,
			fmt.Sprintf("paid %s, expected %s", match.Amount, ev.ExpectedAmount)), nil
	}

	return Result{
		Verdict: Validated,
		Payment: &Payment{
			BookingID:     new(big.Int).Set(match.BookingID),
			TxHash:        ev.TxHash,
			Contract:      ev.ContractAddress,
			Amount:        new(big.Int).Set(match.Amount),
			Payer:         match.Account,
			BlockNumber:   r.BlockNumber,
			Confirmations: r.Confirmations,
		},
	}, nil
}
