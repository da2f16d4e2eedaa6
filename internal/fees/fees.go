// Package fees computes the platform fee on escrowed rent. The escrow
// ledger, the booking service, and the quote endpoint all go through
// Schedule so the fee is never recomputed by hand.
package fees

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
)

// MaxPercent is the highest fee the schedule accepts.
const MaxPercent = 100

var (
	ErrInvalidPercent = errors.New("fees: percent must be between 0 and 100")
	ErrOverflow       = errors.New("fees: amount overflows 256 bits")
	ErrZeroPrincipal  = errors.New("fees: principal must be greater than zero")
)

// Schedule is a flat percentage fee with truncating integer division.
type Schedule struct {
	percent uint8
}

// NewSchedule validates percent and returns a schedule.
func NewSchedule(percent uint8) (Schedule, error) {
	if percent > MaxPercent {
		return Schedule{}, fmt.Errorf("%w: got %d", ErrInvalidPercent, percent)
	}
	return Schedule{percent: percent}, nil
}

// MustSchedule is NewSchedule for constants known to be valid.
func MustSchedule(percent uint8) Schedule {
	s, err := NewSchedule(percent)
	if err != nil {
		panic(err)
	}
	return s
}

// Percent returns the fee percentage.
func (s Schedule) Percent() uint8 { return s.percent }

// Quote is the breakdown of a payment into escrow principal and fee.
type Quote struct {
	Principal *big.Int
	Fee       *big.Int
	Total     *big.Int
}

// Fee returns principal * percent / 100, truncated.
func (s Schedule) Fee(principal *uint256.Int) (*uint256.Int, error) {
	fee, overflow := new(uint256.Int).MulOverflow(principal, uint256.NewInt(uint64(s.percent)))
	if overflow {
		return nil, ErrOverflow
	}
	return fee.Div(fee, uint256.NewInt(100)), nil
}

// Total returns principal + fee.
func (s Schedule) Total(principal *uint256.Int) (fee, total *uint256.Int, err error) {
	fee, err = s.Fee(principal)
	if err != nil {
		return nil, nil, err
	}
	total, overflow := new(uint256.Int).AddOverflow(principal, fee)
	if overflow {
		return nil, nil, ErrOverflow
	}
	return fee, total, nil
}

// Quote computes the breakdown for a positive principal.
func (s Schedule) Quote(principal *big.Int) (Quote, error) {
	if principal == nil || principal.Sign() <= 0 {
		return Quote{}, ErrZeroPrincipal
	}
	p, overflow := uint256.FromBig(principal)
	if overflow {
		return Quote{}, ErrOverflow
	}
	fee, total, err := s.Total(p)
	if err != nil {
		return Quote{}, err
	}
	return Quote{
		Principal: new(big.Int).Set(principal),
		Fee:       fee.ToBig(),
		Total:     total.ToBig(),
	}, nil
}
