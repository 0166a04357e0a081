package rebase

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var ErrInvalidFeeConfig = errors.New("rebase: invalid fee configuration")

// FeeRecipient receives a fixed fraction of reward value as newly minted shares.
type FeeRecipient struct {
	Name    string
	Address common.Address
	FeeBP   uint16
}

// FeeConfig splits the protocol fee between staking modules and the treasury.
// The treasury receives its own fraction plus any rounding remainder.
type FeeConfig struct {
	Treasury      common.Address
	TreasuryFeeBP uint16
	Modules       []FeeRecipient
}

// TotalBP is the combined fee fraction.
func (c FeeConfig) TotalBP() uint64 {
	total := uint64(c.TreasuryFeeBP)
	for _, m := range c.Modules {
		total += uint64(m.FeeBP)
	}
	return total
}

// Validate rejects fee splits above 100% or fees without a recipient.
func (c FeeConfig) Validate() error {
	if c.TotalBP() >= MaxBasisPoints {
		return fmt.Errorf("%w: total fee %d bp must be below %d", ErrInvalidFeeConfig, c.TotalBP(), MaxBasisPoints)
	}
	if c.TotalBP() > 0 && c.Treasury == (common.Address{}) {
		return fmt.Errorf("%w: treasury address not configured", ErrInvalidFeeConfig)
	}
	for _, m := range c.Modules {
		if m.FeeBP > 0 && m.Address == (common.Address{}) {
			return fmt.Errorf("%w: module %q has no recipient", ErrInvalidFeeConfig, m.Name)
		}
	}
	return nil
}

// FeeShares returns the shares to mint so that fee recipients end up owning
// feeBP of rewards once the rewards are reflected in the pool:
//
//	shares = rewards*feeBP*S / ((V+rewards)*10000 - rewards*feeBP)
//
// where S and V are the pre-report internal shares and value.
func FeeShares(rewards, preInternalValue, preInternalShares *uint256.Int, feeBP uint64) (*uint256.Int, error) {
	if rewards.IsZero() || feeBP == 0 || preInternalShares.IsZero() {
		return new(uint256.Int), nil
	}
	fee, err := mul(rewards, uint256.NewInt(feeBP))
	if err != nil {
		return nil, err
	}
	postValue, err := add(preInternalValue, rewards)
	if err != nil {
		return nil, err
	}
	scaled, err := mul(postValue, basisPoints)
	if err != nil {
		return nil, err
	}
	if !scaled.Gt(fee) {
		return nil, fmt.Errorf("%w: fee exceeds pooled value", ErrInvariantViolated)
	}
	return mulDiv(fee, preInternalShares, new(uint256.Int).Sub(scaled, fee))
}

// FeeAllocation is one recipient's cut of minted fee shares.
type FeeAllocation struct {
	Name    string
	Address common.Address
	Shares  *uint256.Int
}

// Split divides feeShares pro rata by recipient fee; the treasury takes the
// remainder.
func (c FeeConfig) Split(feeShares *uint256.Int) []FeeAllocation {
	total := c.TotalBP()
	if feeShares.IsZero() || total == 0 {
		return nil
	}
	remaining := clone(feeShares)
	out := make([]FeeAllocation, 0, len(c.Modules)+1)
	for _, m := range c.Modules {
		if m.FeeBP == 0 {
			continue
		}
		cut, err := mulDiv(feeShares, uint256.NewInt(uint64(m.FeeBP)), uint256.NewInt(total))
		if err != nil || cut.IsZero() {
			continue
		}
		remaining.Sub(remaining, cut)
		out = append(out, FeeAllocation{Name: m.Name, Address: m.Address, Shares: cut})
	}
	if !remaining.IsZero() {
		out = append(out, FeeAllocation{Name: "treasury", Address: c.Treasury, Shares: remaining})
	}
	return out
}
