package rebase

import "github.com/holiman/uint256"

// SharesFor converts value to shares at the current rate, rounding down.
func (l *Ledger) SharesFor(value *uint256.Int) (*uint256.Int, error) {
	if l.TotalShares.IsZero() {
		return nil, ErrDivisionByZero
	}
	return mulDiv(orZero(value), l.TotalShares, l.TotalPooledValue())
}

// ValueFor converts shares to value at the current rate, rounding down.
func (l *Ledger) ValueFor(shares *uint256.Int) (*uint256.Int, error) {
	return mulDiv(orZero(shares), l.TotalPooledValue(), l.TotalShares)
}

// ValueForRoundUp converts shares to value rounding up. Use it only for
// amounts the protocol collects, so rounding never favours the claimant.
func (l *Ledger) ValueForRoundUp(shares *uint256.Int) (*uint256.Int, error) {
	return mulDivUp(orZero(shares), l.TotalPooledValue(), l.TotalShares)
}
