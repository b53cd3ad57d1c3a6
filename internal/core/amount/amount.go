// Package amount implements the 128-bit unsigned integer amounts used for
// all balances, reservations, and transfers. Amounts are value types and
// never negative; arithmetic is checked and fails instead of wrapping.
package amount

import (
	"errors"
	"fmt"
	"math/big"
	"math/bits"
)

var (
	// ErrOverflow is returned when an addition exceeds 128 bits.
	ErrOverflow = errors.New("amount overflow")
	// ErrUnderflow is returned when a subtraction would go negative.
	ErrUnderflow = errors.New("amount underflow")
	// ErrInvalidAmount is returned when parsing fails or a value does not
	// fit in 128 bits.
	ErrInvalidAmount = errors.New("invalid amount")
)

// Amount is an unsigned 128-bit integer.
// The zero value is the amount 0.
type Amount struct {
	hi, lo uint64
}

// Zero is the amount 0.
var Zero = Amount{}

// New creates an amount from a uint64.
func New(v uint64) Amount {
	return Amount{lo: v}
}

// Parse parses a non-negative decimal string into an amount.
func Parse(s string) (Amount, error) {
	i, ok := new(big.Int).SetString(s, 10)
	if !ok || i.Sign() < 0 || i.BitLen() > 128 {
		return Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	var a Amount
	a.lo = i.Uint64()
	a.hi = new(big.Int).Rsh(i, 64).Uint64()
	return a, nil
}

// MustParse parses a decimal string and panics on failure.
// Intended for constants in tests.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// Add returns a+b, or ErrOverflow.
func (a Amount) Add(b Amount) (Amount, error) {
	lo, carry := bits.Add64(a.lo, b.lo, 0)
	hi, carry := bits.Add64(a.hi, b.hi, carry)
	if carry != 0 {
		return Zero, ErrOverflow
	}
	return Amount{hi: hi, lo: lo}, nil
}

// Sub returns a-b, or ErrUnderflow if b > a.
func (a Amount) Sub(b Amount) (Amount, error) {
	lo, borrow := bits.Sub64(a.lo, b.lo, 0)
	hi, borrow := bits.Sub64(a.hi, b.hi, borrow)
	if borrow != 0 {
		return Zero, ErrUnderflow
	}
	return Amount{hi: hi, lo: lo}, nil
}

// SaturatingSub returns a-b, or zero if b > a.
func (a Amount) SaturatingSub(b Amount) Amount {
	r, err := a.Sub(b)
	if err != nil {
		return Zero
	}
	return r
}

// Cmp compares a and b: -1 if a < b, 0 if equal, 1 if a > b.
func (a Amount) Cmp(b Amount) int {
	switch {
	case a.hi < b.hi:
		return -1
	case a.hi > b.hi:
		return 1
	case a.lo < b.lo:
		return -1
	case a.lo > b.lo:
		return 1
	default:
		return 0
	}
}

// Less returns true if a < b.
func (a Amount) Less(b Amount) bool { return a.Cmp(b) < 0 }

// IsZero returns true if the amount is 0.
func (a Amount) IsZero() bool { return a.hi == 0 && a.lo == 0 }

// IsPositive returns true if the amount is strictly greater than 0.
func (a Amount) IsPositive() bool { return !a.IsZero() }

// Uint64 returns the low 64 bits and whether the amount fits in a uint64.
func (a Amount) Uint64() (uint64, bool) {
	return a.lo, a.hi == 0
}

// String returns the decimal representation.
func (a Amount) String() string {
	i := new(big.Int).SetUint64(a.hi)
	i.Lsh(i, 64)
	i.Or(i, new(big.Int).SetUint64(a.lo))
	return i.String()
}

// MarshalText implements encoding.TextMarshaler; amounts serialize as
// decimal strings so JSON and CBOR stay precise past 2^53.
func (a Amount) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Amount) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
