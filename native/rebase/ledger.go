package rebase

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"stakeledger/native/sanity"
)

// Ledger is the pool's balance sheet. All value fields are denominated in wei.
//
// Per-holder balances live in an immutable base map plus a write overlay so a
// working copy can be cloned without copying every holder.
type Ledger struct {
	BufferedValue       *uint256.Int
	CLBalance           *uint256.Int
	CLValidators        uint64
	DepositedValidators uint64
	ExternalValue       *uint256.Int
	ExternalShares      *uint256.Int
	TotalShares         *uint256.Int
	MaxExternalRatioBP  uint16

	LastReportTimestamp uint64
	ExitedValidators    uint64
	History             []sanity.ReportSample

	base  map[common.Address]*uint256.Int
	dirty map[common.Address]*uint256.Int
}

// NewLedger returns an empty ledger anchored at the genesis timestamp.
func NewLedger(genesis uint64, maxExternalRatioBP uint16) *Ledger {
	return &Ledger{
		BufferedValue:       new(uint256.Int),
		CLBalance:           new(uint256.Int),
		ExternalValue:       new(uint256.Int),
		ExternalShares:      new(uint256.Int),
		TotalShares:         new(uint256.Int),
		MaxExternalRatioBP:  maxExternalRatioBP,
		LastReportTimestamp: genesis,
		base:                make(map[common.Address]*uint256.Int),
	}
}

// Clone returns a working copy. The copy's holder writes never reach l.
func (l *Ledger) Clone() *Ledger {
	return &Ledger{
		BufferedValue:       clone(l.BufferedValue),
		CLBalance:           clone(l.CLBalance),
		CLValidators:        l.CLValidators,
		DepositedValidators: l.DepositedValidators,
		ExternalValue:       clone(l.ExternalValue),
		ExternalShares:      clone(l.ExternalShares),
		TotalShares:         clone(l.TotalShares),
		MaxExternalRatioBP:  l.MaxExternalRatioBP,
		LastReportTimestamp: l.LastReportTimestamp,
		ExitedValidators:    l.ExitedValidators,
		History:             copyHistory(l.History),
		base:                l.holders(),
		dirty:               make(map[common.Address]*uint256.Int),
	}
}

// holders flattens the overlay into a fresh map when l has pending writes.
func (l *Ledger) holders() map[common.Address]*uint256.Int {
	if len(l.dirty) == 0 {
		return l.base
	}
	merged := make(map[common.Address]*uint256.Int, len(l.base)+len(l.dirty))
	for addr, v := range l.base {
		merged[addr] = v
	}
	for addr, v := range l.dirty {
		if v.IsZero() {
			delete(merged, addr)
			continue
		}
		merged[addr] = v
	}
	return merged
}

// absorb replaces l's contents with the committed working copy w.
func (l *Ledger) absorb(w *Ledger) {
	next := w.Clone()
	next.dirty = nil
	*l = *next
}

func copyHistory(history []sanity.ReportSample) []sanity.ReportSample {
	if len(history) == 0 {
		return nil
	}
	out := make([]sanity.ReportSample, len(history))
	for i, sample := range history {
		out[i] = sanity.ReportSample{
			Timestamp:         sample.Timestamp,
			CLBalanceDecrease: clone(sample.CLBalanceDecrease),
			ExitedValidators:  sample.ExitedValidators,
		}
	}
	return out
}

// SharesOf returns the share balance of addr.
func (l *Ledger) SharesOf(addr common.Address) *uint256.Int {
	if v, ok := l.dirty[addr]; ok {
		return clone(v)
	}
	return clone(l.base[addr])
}

// RestoreShares sets a holder balance while loading persisted state.
func (l *Ledger) RestoreShares(addr common.Address, shares *uint256.Int) {
	l.setShares(addr, clone(shares))
}

func (l *Ledger) setShares(addr common.Address, shares *uint256.Int) {
	if l.dirty != nil {
		l.dirty[addr] = shares
		return
	}
	if l.base == nil {
		l.base = make(map[common.Address]*uint256.Int)
	}
	if shares.IsZero() {
		delete(l.base, addr)
		return
	}
	l.base[addr] = shares
}

// DirtyHolders lists holders written since the copy was cloned, sorted.
func (l *Ledger) DirtyHolders() []common.Address {
	return sortedKeys(l.dirty)
}

// Holders lists every holder with a non-zero balance, sorted.
func (l *Ledger) Holders() []common.Address {
	all := l.holders()
	out := make([]common.Address, 0, len(all))
	for addr, v := range all {
		if !v.IsZero() {
			out = append(out, addr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}

func sortedKeys(m map[common.Address]*uint256.Int) []common.Address {
	out := make([]common.Address, 0, len(m))
	for addr := range m {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}

func (l *Ledger) mintShares(to common.Address, shares *uint256.Int) error {
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	total, err := add(l.TotalShares, shares)
	if err != nil {
		return err
	}
	balance, err := add(l.SharesOf(to), shares)
	if err != nil {
		return err
	}
	l.TotalShares = total
	l.setShares(to, balance)
	return nil
}

func (l *Ledger) burnShares(from common.Address, shares *uint256.Int) error {
	balance := l.SharesOf(from)
	if shares.Gt(balance) || shares.Gt(l.TotalShares) {
		return fmt.Errorf("%w: %s requested, %s held", ErrInsufficientSharesToBurn, shares.Dec(), balance.Dec())
	}
	l.TotalShares = new(uint256.Int).Sub(l.TotalShares, shares)
	l.setShares(from, new(uint256.Int).Sub(balance, shares))
	return nil
}

func (l *Ledger) transferShares(from, to common.Address, shares *uint256.Int) error {
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	balance := l.SharesOf(from)
	if shares.Gt(balance) {
		return fmt.Errorf("%w: %s requested, %s held", ErrInsufficientShares, shares.Dec(), balance.Dec())
	}
	l.setShares(from, new(uint256.Int).Sub(balance, shares))
	received, err := add(l.SharesOf(to), shares)
	if err != nil {
		return err
	}
	l.setShares(to, received)
	return nil
}

// TransientValue is the value deposited to validators the consensus layer
// does not show yet.
func (l *Ledger) TransientValue() *uint256.Int {
	if l.CLValidators >= l.DepositedValidators {
		return new(uint256.Int)
	}
	pending := uint256.NewInt(l.DepositedValidators - l.CLValidators)
	return pending.Mul(pending, DepositUnit)
}

// TotalPooledValue is buffered + consensus layer + external + transient. A
// sum beyond 256 bits saturates; CheckInvariants refuses to commit it.
func (l *Ledger) TotalPooledValue() *uint256.Int {
	total, err := l.pooledValue()
	if err != nil {
		return new(uint256.Int).SetAllOne()
	}
	return total
}

func (l *Ledger) pooledValue() (*uint256.Int, error) {
	total := new(uint256.Int)
	for _, part := range []*uint256.Int{l.BufferedValue, l.CLBalance, l.ExternalValue, l.TransientValue()} {
		var err error
		if total, err = add(total, orZero(part)); err != nil {
			return nil, err
		}
	}
	return total, nil
}

// InternalValue is the pooled value excluding external collateral.
func (l *Ledger) InternalValue() *uint256.Int {
	return saturatingSub(l.TotalPooledValue(), orZero(l.ExternalValue))
}

// InternalShares are the shares not minted against external collateral.
func (l *Ledger) InternalShares() *uint256.Int {
	return saturatingSub(orZero(l.TotalShares), orZero(l.ExternalShares))
}

// CheckInvariants verifies the structural ledger invariants.
func (l *Ledger) CheckInvariants() error {
	if l.CLValidators > l.DepositedValidators {
		return fmt.Errorf("%w: %d consensus validators exceed %d deposited", ErrInvariantViolated, l.CLValidators, l.DepositedValidators)
	}
	pooled, err := l.pooledValue()
	if err != nil {
		return fmt.Errorf("%w: pooled value: %w", ErrInvariantViolated, err)
	}
	if !l.TotalShares.IsZero() && pooled.IsZero() {
		return fmt.Errorf("%w: %s shares backed by zero pooled value", ErrInvariantViolated, l.TotalShares.Dec())
	}
	if l.ExternalShares.Gt(l.TotalShares) {
		return fmt.Errorf("%w: external shares exceed total shares", ErrInvariantViolated)
	}
	if l.MaxExternalRatioBP > MaxBasisPoints {
		return fmt.Errorf("%w: external ratio %d bp", ErrInvariantViolated, l.MaxExternalRatioBP)
	}
	return nil
}

// Snapshot is a point-in-time view of the ledger totals.
type Snapshot struct {
	TotalPooledValue    *uint256.Int
	TotalShares         *uint256.Int
	BufferedValue       *uint256.Int
	CLBalance           *uint256.Int
	CLValidators        uint64
	DepositedValidators uint64
	TransientValue      *uint256.Int
	ExternalValue       *uint256.Int
	ExternalShares      *uint256.Int
	MaxExternalRatioBP  uint16
	LastReportTimestamp uint64
	ExitedValidators    uint64
}

// Snapshot copies the ledger totals.
func (l *Ledger) Snapshot() Snapshot {
	return Snapshot{
		TotalPooledValue:    l.TotalPooledValue(),
		TotalShares:         clone(l.TotalShares),
		BufferedValue:       clone(l.BufferedValue),
		CLBalance:           clone(l.CLBalance),
		CLValidators:        l.CLValidators,
		DepositedValidators: l.DepositedValidators,
		TransientValue:      l.TransientValue(),
		ExternalValue:       clone(l.ExternalValue),
		ExternalShares:      clone(l.ExternalShares),
		MaxExternalRatioBP:  l.MaxExternalRatioBP,
		LastReportTimestamp: l.LastReportTimestamp,
		ExitedValidators:    l.ExitedValidators,
	}
}

// ShareRate returns value per share scaled by ShareRatePrecision, or zero for
// an empty pool.
func (s Snapshot) ShareRate() *uint256.Int {
	if s.TotalShares == nil || s.TotalShares.IsZero() {
		return new(uint256.Int)
	}
	rate, err := mulDiv(s.TotalPooledValue, ShareRatePrecision, s.TotalShares)
	if err != nil {
		return new(uint256.Int)
	}
	return rate
}

// ExternalRatioBP returns externalValue / totalPooledValue in basis points.
func (s Snapshot) ExternalRatioBP() uint64 {
	if s.TotalPooledValue == nil || s.TotalPooledValue.IsZero() {
		return 0
	}
	ratio, err := mulDiv(orZero(s.ExternalValue), basisPoints, s.TotalPooledValue)
	if err != nil || !ratio.IsUint64() {
		return 0
	}
	return ratio.Uint64()
}
