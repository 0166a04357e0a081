package rebase

import (
	"fmt"

	"github.com/holiman/uint256"

	"stakeledger/core/events"
	"stakeledger/native/sanity"
)

// Report is one quorum-approved oracle report. It is consumed once.
type Report struct {
	Timestamp                       uint64
	PreConsensusValidatorCount      uint64
	ReportedConsensusValidatorCount uint64
	ReportedConsensusBalance        *uint256.Int
	// WithdrawalsCollected and RewardsCollected are the withdrawal vault and
	// execution-layer rewards vault balances available for collection.
	WithdrawalsCollected *uint256.Int
	RewardsCollected     *uint256.Int
	// LastFinalizedWithdrawalRequestID is the last request the report
	// finalizes; it must close the final entry of WithdrawalBatches.
	LastFinalizedWithdrawalRequestID uint64
	WithdrawalBatches                []uint64
	// SimulatedShareRate is the oracle's off-line simulation of the post
	// report share rate, scaled by ShareRatePrecision.
	SimulatedShareRate *uint256.Int
	// ValueToLockForWithdrawals, when set, must match the queue's own
	// prefinalization result.
	ValueToLockForWithdrawals *uint256.Int
	// ExitedValidatorCount is the cumulative number of exited validators.
	ExitedValidatorCount uint64
	// ValidatorExitRequests counts the exit requests delivered with the
	// report. It is bounded per report by the sanity checker.
	ValidatorExitRequests uint64
	ExtraData             []sanity.ExtraDataItem
}

// FinalizesWithdrawals reports whether the report carries a queue batch.
func (r Report) FinalizesWithdrawals() bool { return len(r.WithdrawalBatches) > 0 }

func (r Report) validateShape() error {
	if r.ReportedConsensusBalance == nil {
		return fmt.Errorf("%w: consensus balance missing", ErrInvalidReport)
	}
	if n := len(r.WithdrawalBatches); n > 0 {
		if r.WithdrawalBatches[n-1] != r.LastFinalizedWithdrawalRequestID {
			return fmt.Errorf("%w: last batch %d does not close at request %d", ErrInvalidReport, r.WithdrawalBatches[n-1], r.LastFinalizedWithdrawalRequestID)
		}
	} else if r.LastFinalizedWithdrawalRequestID != 0 {
		return fmt.Errorf("%w: request %d finalized without batches", ErrInvalidReport, r.LastFinalizedWithdrawalRequestID)
	}
	return nil
}

// RebaseRecord summarises one settled report. The pre fields are captured
// before the consensus update and the post fields after fee distribution.
type RebaseRecord struct {
	ReportTimestamp    uint64
	TimeElapsed        uint64
	PreTotalShares     *uint256.Int
	PreTotalValue      *uint256.Int
	PostTotalShares    *uint256.Int
	PostTotalValue     *uint256.Int
	SharesMintedAsFees *uint256.Int

	PreCLBalance         *uint256.Int
	PostCLBalance        *uint256.Int
	PreCLValidators      uint64
	PostCLValidators     uint64
	WithdrawalsCollected *uint256.Int
	RewardsCollected     *uint256.Int
	ValueLocked          *uint256.Int
	SharesBurnt          *uint256.Int
}

// PreShareRate is the value per share before the report.
func (r RebaseRecord) PreShareRate() *uint256.Int {
	return Snapshot{TotalPooledValue: r.PreTotalValue, TotalShares: r.PreTotalShares}.ShareRate()
}

// PostShareRate is the value per share after the report.
func (r RebaseRecord) PostShareRate() *uint256.Int {
	return Snapshot{TotalPooledValue: r.PostTotalValue, TotalShares: r.PostTotalShares}.ShareRate()
}

// Event renders the record as the rebase event.
func (r RebaseRecord) Event() events.TokenRebased {
	return events.TokenRebased{
		ReportTimestamp:    r.ReportTimestamp,
		TimeElapsed:        r.TimeElapsed,
		PreTotalShares:     clone(r.PreTotalShares),
		PreTotalValue:      clone(r.PreTotalValue),
		PostTotalShares:    clone(r.PostTotalShares),
		PostTotalValue:     clone(r.PostTotalValue),
		SharesMintedAsFees: clone(r.SharesMintedAsFees),
	}
}
