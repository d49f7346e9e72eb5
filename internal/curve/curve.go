// Package curve implements the closed-form bonding curve that prices share
// trades against the current supply.
//
// The curve weights the n-th outstanding share by (n-1)², so the cumulative
// weight of the first n shares is the square pyramidal sum
//
//	T(n) = (n-1)·n·(2n-1)/6
//
// and a trade of `amount` shares at supply `supply` costs
//
//	(T(supply+amount) − T(supply)) · unitPrice / scale / shift
//
// with no per-unit iteration. All monetary values are unsigned wei-scale
// integers via math/big — never float64 for money — and division truncates,
// which keeps fee carve-outs bounded by the gross amount.
package curve

import (
	"errors"
	"math/big"
)

var (
	// ErrInvalidUnitPrice is returned when unitPrice is nil or not positive.
	ErrInvalidUnitPrice = errors.New("curve: unit price must be positive")

	// ErrInvalidScale is returned when scale is nil or not positive.
	ErrInvalidScale = errors.New("curve: scale must be positive")

	// ErrInvalidShift is returned when the shift divisor is nil or < 1.
	ErrInvalidShift = errors.New("curve: shift divisor must be >= 1")
)

var six = big.NewInt(6)

// Config carries the protocol policy constants of a curve. They are
// configuration, not structure: deployments may run shifted variants of the
// same curve side by side.
type Config struct {
	// UnitPrice is the wei value of one curve unit.
	UnitPrice *big.Int

	// Scale divides the weighted sum, flattening the curve.
	Scale *big.Int

	// Shift is an additional fixed divisor producing a cheaper listed
	// price for a settlement variant. 1 means the base curve.
	Shift *big.Int
}

// DefaultConfig returns the reference curve: unitPrice 1e18, scale 16000,
// no shift.
func DefaultConfig() Config {
	return Config{
		UnitPrice: new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil),
		Scale:     big.NewInt(16000),
		Shift:     big.NewInt(1),
	}
}

// Curve is the pure pricing function. It is stateless — supply is passed as
// an argument, not stored — so one Curve is safely shared by every instance
// deployed from the same template.
type Curve struct {
	unitPrice *big.Int
	scale     *big.Int
	shift     *big.Int
}

// New validates the config and creates a curve.
func New(cfg Config) (*Curve, error) {
	if cfg.UnitPrice == nil || cfg.UnitPrice.Sign() <= 0 {
		return nil, ErrInvalidUnitPrice
	}
	if cfg.Scale == nil || cfg.Scale.Sign() <= 0 {
		return nil, ErrInvalidScale
	}
	shift := cfg.Shift
	if shift == nil {
		shift = big.NewInt(1)
	}
	if shift.Sign() <= 0 {
		return nil, ErrInvalidShift
	}
	return &Curve{
		unitPrice: new(big.Int).Set(cfg.UnitPrice),
		scale:     new(big.Int).Set(cfg.Scale),
		shift:     new(big.Int).Set(shift),
	}, nil
}

// triangular computes T(n) = (n-1)·n·(2n-1)/6 for n ≥ 1, else 0.
func triangular(n uint64) *big.Int {
	if n < 1 {
		return new(big.Int)
	}
	bn := new(big.Int).SetUint64(n)
	out := new(big.Int).SetUint64(n - 1)
	out.Mul(out, bn)
	twoN := new(big.Int).Lsh(bn, 1)
	twoN.Sub(twoN, big.NewInt(1))
	out.Mul(out, twoN)
	return out.Div(out, six)
}

// Price returns the base cost of trading `amount` shares at `supply`.
// It is zero when amount == 0 and when supply == 0 with amount ≤ 1 (the
// bootstrap share is free), monotonically non-decreasing in amount for a
// fixed supply, and strictly positive once supply+amount > 1.
func (c *Curve) Price(supply, amount uint64) *big.Int {
	if amount == 0 {
		return new(big.Int)
	}
	// Boundary guard: T underflows at n == 0 in unsigned arithmetic.
	if supply == 0 && amount <= 1 {
		return new(big.Int)
	}
	sum := triangular(supply + amount)
	sum.Sub(sum, triangular(supply))
	sum.Mul(sum, c.unitPrice)
	sum.Div(sum, c.scale)
	return sum.Div(sum, c.shift)
}
