package rebase

import "github.com/holiman/uint256"

// MaxBasisPoints is the denominator of fee and cap fractions.
const MaxBasisPoints = 10_000

var (
	basisPoints = uint256.NewInt(MaxBasisPoints)
	// DepositUnit is the fixed per-validator deposit, 32 native units in wei.
	DepositUnit = new(uint256.Int).Mul(uint256.NewInt(32), uint256.NewInt(1_000_000_000_000_000_000))
	// ShareRatePrecision scales value-per-share rates.
	ShareRatePrecision = uint256.MustFromDecimal("1000000000000000000000000000")
)

// mulDiv returns floor(x*y/d) with a 512-bit intermediate product.
func mulDiv(x, y, d *uint256.Int) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, ErrDivisionByZero
	}
	z, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// mulDivUp returns ceil(x*y/d).
func mulDivUp(x, y, d *uint256.Int) (*uint256.Int, error) {
	z, err := mulDiv(x, y, d)
	if err != nil {
		return nil, err
	}
	if new(uint256.Int).MulMod(x, y, d).IsZero() {
		return z, nil
	}
	if _, overflow := z.AddOverflow(z, uint256.NewInt(1)); overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

func add(x, y *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).AddOverflow(x, y)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

func mul(x, y *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).MulOverflow(x, y)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

func clone(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(v)
}

func orZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v
}

func saturatingSub(x, y *uint256.Int) *uint256.Int {
	if y.Gt(x) {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(x, y)
}

func minOf(x, y *uint256.Int) *uint256.Int {
	if x.Lt(y) {
		return clone(x)
	}
	return clone(y)
}
