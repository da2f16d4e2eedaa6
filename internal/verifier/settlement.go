package verifier

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/rentescrow/internal/contract"
	"github.com/mbd888/rentescrow/internal/traces"
)

// SettlementKind names the escrow transition a settlement tx performed.
type SettlementKind string

const (
	SettlementRelease SettlementKind = "release"
	SettlementCancel  SettlementKind = "cancel"
	SettlementDispute SettlementKind = "dispute"
)

// EventName returns the contract event that proves the settlement.
func (k SettlementKind) EventName() (string, error) {
	switch k {
	case SettlementRelease:
		return contract.EventFundsReleased, nil
	case SettlementCancel:
		return contract.EventBookingCancelled, nil
	case SettlementDispute:
		return contract.EventBookingDisputed, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, k)
}

// SettlementEvidence claims TxHash settled BookingID. Expect, when set,
// must equal the event amount (owner share, refund, or held balance).
type SettlementEvidence struct {
	BookingID       *big.Int
	TxHash          common.Hash
	ContractAddress common.Address
	Kind            SettlementKind
	Expect          *big.Int
}

// VerifySettlement checks a release, cancel, or dispute transaction the
// same way Verify checks a payment.
func (v *Verifier) VerifySettlement(ctx context.Context, ev SettlementEvidence) (res Result, err error) {
	if ev.BookingID == nil || ev.TxHash == (common.Hash{}) {
		return Result{}, ErrInvalidEvidence
	}
	name, err := ev.Kind.EventName()
	if err != nil {
		return Result{}, err
	}

	ctx, span := traces.StartSpan(ctx, "verifier.VerifySettlement",
		traces.BookingID(ev.BookingID.String()),
		traces.TxHash(ev.TxHash.Hex()),
	)
	defer func() {
		span.SetAttributes(traces.Verdict(string(res.Verdict)))
		traces.End(span, err)
		if err == nil {
			observe(string(ev.Kind), res)
		}
	}()

	r, res, err := v.receipt(ctx, ev.TxHash, ev.ContractAddress)
	if r == nil {
		return res, err
	}

	sawOther := false
	for _, e := range r.Events(ev.ContractAddress) {
		if e.Name != name {
			continue
		}
		if e.BookingID.Cmp(ev.BookingID) != 0 {
			sawOther = true
			continue
		}
		if ev.Expect != nil && e.Amount.Cmp(ev.Expect) != 0 {
			return failed(KindAmountMismatch,
				fmt.Sprintf("%s amount %s, expected %s", name, e.Amount, ev.Expect)), nil
		}
		found := e
		return Result{Verdict: Validated, Settlement: &found}, nil
	}
	if sawOther {
		return failed(KindBookingMismatch, fmt.Sprintf("%s is for another booking", name)), nil
	}
	return failed(KindNoSettlement, fmt.Sprintf("no %s event from escrow", name)), nil
}
