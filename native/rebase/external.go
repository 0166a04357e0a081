package rebase

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// MaxMintableExternalShares returns the largest share amount that can be
// minted against external collateral without breaching the cap. The cap is
// evaluated on post-mint totals: ext+v <= (T+v)*bp/10000.
func (l *Ledger) MaxMintableExternalShares() (*uint256.Int, error) {
	if l.TotalShares.IsZero() {
		return nil, ErrDivisionByZero
	}
	bp := uint256.NewInt(uint64(l.MaxExternalRatioBP))
	if l.MaxExternalRatioBP >= MaxBasisPoints {
		// Everything may be external; only arithmetic bounds the mint.
		return new(uint256.Int).Not(new(uint256.Int)), nil
	}
	total := l.TotalPooledValue()
	capacity, err := mul(total, bp)
	if err != nil {
		return nil, err
	}
	used, err := mul(orZero(l.ExternalValue), basisPoints)
	if err != nil {
		return nil, err
	}
	if !capacity.Gt(used) {
		return new(uint256.Int), nil
	}
	headroom := new(uint256.Int).Sub(capacity, used)
	headroom.Div(headroom, new(uint256.Int).Sub(basisPoints, bp))
	return l.SharesFor(headroom)
}

// mintExternalShares issues shares backed by collateral held outside the pool
// and returns the value they represent.
func (l *Ledger) mintExternalShares(recipient common.Address, shares *uint256.Int) (*uint256.Int, error) {
	if shares == nil || shares.IsZero() {
		return nil, ErrInvalidAmount
	}
	value, err := l.ValueFor(shares)
	if err != nil {
		return nil, err
	}
	newExternal, err := add(orZero(l.ExternalValue), value)
	if err != nil {
		return nil, err
	}
	newTotal, err := add(l.TotalPooledValue(), value)
	if err != nil {
		return nil, err
	}
	if err := checkExternalCap(newExternal, newTotal, l.MaxExternalRatioBP); err != nil {
		return nil, err
	}
	externalShares, err := add(orZero(l.ExternalShares), shares)
	if err != nil {
		return nil, err
	}
	if err := l.mintShares(recipient, shares); err != nil {
		return nil, err
	}
	l.ExternalShares = externalShares
	l.ExternalValue = newExternal
	return value, nil
}

func checkExternalCap(external, total *uint256.Int, ratioBP uint16) error {
	lhs, err := mul(external, basisPoints)
	if err != nil {
		return err
	}
	rhs, err := mul(total, uint256.NewInt(uint64(ratioBP)))
	if err != nil {
		return err
	}
	if lhs.Gt(rhs) {
		return fmt.Errorf("%w: external %s of total %s above %d bp", ErrExternalCapExceeded, external.Dec(), total.Dec(), ratioBP)
	}
	return nil
}

// burnExternalShares retires external shares held by holder and returns the
// external value released. Burning the final external share clears any
// rounding dust from externalValue.
func (l *Ledger) burnExternalShares(holder common.Address, shares *uint256.Int) (*uint256.Int, error) {
	if shares == nil || shares.IsZero() {
		return nil, ErrInvalidAmount
	}
	if shares.Gt(orZero(l.ExternalShares)) {
		return nil, fmt.Errorf("%w: %s requested, %s outstanding", ErrInsufficientExternalShares, shares.Dec(), orZero(l.ExternalShares).Dec())
	}
	if held := l.SharesOf(holder); shares.Gt(held) {
		return nil, fmt.Errorf("%w: holder has %s", ErrInsufficientExternalShares, held.Dec())
	}
	var value *uint256.Int
	if shares.Eq(l.ExternalShares) {
		value = clone(l.ExternalValue)
	} else {
		v, err := l.ValueFor(shares)
		if err != nil {
			return nil, err
		}
		value = minOf(v, orZero(l.ExternalValue))
	}
	if err := l.burnShares(holder, shares); err != nil {
		return nil, err
	}
	l.ExternalShares = new(uint256.Int).Sub(l.ExternalShares, shares)
	l.ExternalValue = new(uint256.Int).Sub(orZero(l.ExternalValue), value)
	return value, nil
}

// rebalanceExternalToInternal moves value from external collateral into the
// buffer and reclassifies the matching shares as internal. Total shares and
// total pooled value are unchanged.
func (l *Ledger) rebalanceExternalToInternal(value *uint256.Int) (*uint256.Int, error) {
	if value == nil || value.IsZero() {
		return nil, ErrInvalidAmount
	}
	if value.Gt(orZero(l.ExternalValue)) {
		return nil, fmt.Errorf("%w: %s requested, %s external", ErrInsufficientExternalValue, value.Dec(), orZero(l.ExternalValue).Dec())
	}
	shares, err := l.SharesFor(value)
	if err != nil {
		return nil, err
	}
	if shares.Gt(orZero(l.ExternalShares)) {
		return nil, fmt.Errorf("%w: %s needed, %s outstanding", ErrInsufficientExternalShares, shares.Dec(), orZero(l.ExternalShares).Dec())
	}
	buffered, err := add(orZero(l.BufferedValue), value)
	if err != nil {
		return nil, err
	}
	l.ExternalValue = new(uint256.Int).Sub(l.ExternalValue, value)
	l.ExternalShares = new(uint256.Int).Sub(l.ExternalShares, shares)
	l.BufferedValue = buffered
	return shares, nil
}
