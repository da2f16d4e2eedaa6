// Package amount parses and formats native-currency amounts.
//
// Amounts travel through the system as decimal strings of the smallest
// unit (wei) and are held as *big.Int. Human-readable decimals are only
// accepted at the edges (quotes, tooling).
package amount

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// NativeDecimals is the precision of the chain's native currency.
const NativeDecimals = 18

var (
	ErrInvalid  = errors.New("amount: invalid amount")
	ErrNegative = errors.New("amount: negative amounts not allowed")
	ErrZero     = errors.New("amount: must be greater than zero")
)

// maxUint256 bounds every amount so it fits a contract word.
var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// Parse converts a smallest-unit integer string ("1050000") to a big.Int.
// Signs, decimal points, and values wider than 256 bits are rejected.
func Parse(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalid)
	}
	if strings.HasPrefix(s, "-") {
		return nil, ErrNegative
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return nil, fmt.Errorf("%w: %q", ErrInvalid, s)
		}
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Cmp(maxUint256) > 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	return v, nil
}

// ParsePositive is Parse that also rejects zero.
func ParsePositive(s string) (*big.Int, error) {
	v, err := Parse(s)
	if err != nil {
		return nil, err
	}
	if v.Sign() == 0 {
		return nil, ErrZero
	}
	return v, nil
}

// ParseDecimal converts a human-readable decimal ("1.5") to smallest units
// with the given precision. Extra fractional digits are truncated.
func ParseDecimal(s string, decimals int) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalid)
	}
	if strings.HasPrefix(s, "-") {
		return nil, ErrNegative
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	whole := parts[0]
	if whole == "" {
		whole = "0"
	}
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}

	// Pad or trim to the precision.
	for len(frac) < decimals {
		frac += "0"
	}
	frac = frac[:decimals]

	return Parse(whole + frac)
}

// Format renders smallest units as a decimal string with exactly decimals
// fractional digits.
func Format(v *big.Int, decimals int) string {
	if v == nil {
		v = new(big.Int)
	}
	neg := v.Sign() < 0
	s := new(big.Int).Abs(v).String()
	if decimals <= 0 {
		if neg {
			return "-" + s
		}
		return s
	}
	for len(s) < decimals+1 {
		s = "0" + s
	}
	point := len(s) - decimals
	result := s[:point] + "." + s[point:]
	if neg {
		result = "-" + result
	}
	return result
}

// String renders v as a smallest-unit integer string, "0" for nil.
func String(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
