package rebase

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"stakeledger/core/events"
	"stakeledger/native/sanity"
	"stakeledger/native/withdrawals"
)

// txn stages mutations and events against a working copy of the ledger.
type txn struct {
	ledger *Ledger
	events []events.Event
	// apply runs a queue update once the working copy passes its checks;
	// revert undoes it when persisting fails.
	apply  func() error
	revert func() error
}

func (tx *txn) emit(ev events.Event) { tx.events = append(tx.events, ev) }

type stage uint8

const (
	stageBegun stage = iota
	stageConsensus
	stageSanity
	stageCollected
	stageFees
	stageRebased
	stageCommitted
)

// Settlement applies one report to a working copy of the ledger. Its stage
// methods must run in order; nothing reaches the live ledger until the
// engine commits the settlement.
type Settlement struct {
	txn
	report  Report
	version uint64
	stage   stage

	checker *sanity.Checker
	queue   withdrawals.Queue
	fees    FeeConfig

	pre               Snapshot
	preInternalValue  *uint256.Int
	preInternalShares *uint256.Int
	elapsed           uint64

	preCLBalance    *uint256.Int
	preCLValidators uint64
	preCLAdjusted   *uint256.Int
	assessment      sanity.Assessment

	withdrawalsCollected *uint256.Int
	rewardsCollected     *uint256.Int
	locked               *uint256.Int
	burnt                *uint256.Int
	feeShares            *uint256.Int
	record               RebaseRecord
}

// Report returns the report being settled.
func (s *Settlement) Report() Report { return s.report }

// Ledger exposes the working copy.
func (s *Settlement) Ledger() *Ledger { return s.ledger }

// Assessment returns the sanity checker's negative rebase bookkeeping.
func (s *Settlement) Assessment() sanity.Assessment { return s.assessment }

func (s *Settlement) advance(from, to stage) error {
	if s.stage != from {
		return fmt.Errorf("%w: at stage %d, expected %d", ErrStageOrder, s.stage, from)
	}
	s.stage = to
	return nil
}

// ProcessConsensusStateUpdate checks the reported validator count and
// overwrites the consensus-layer count and balance.
func (s *Settlement) ProcessConsensusStateUpdate() error {
	if s.stage != stageBegun {
		return fmt.Errorf("%w: consensus update at stage %d", ErrStageOrder, s.stage)
	}
	r, l := s.report, s.ledger
	if r.PreConsensusValidatorCount != l.CLValidators {
		return fmt.Errorf("%w: report pre count %d, ledger has %d", ErrConsensusValidatorCountMismatch, r.PreConsensusValidatorCount, l.CLValidators)
	}
	if r.ReportedConsensusValidatorCount < r.PreConsensusValidatorCount {
		return fmt.Errorf("%w: reported %d below %d", ErrConsensusValidatorCountMismatch, r.ReportedConsensusValidatorCount, r.PreConsensusValidatorCount)
	}
	if r.ReportedConsensusValidatorCount > l.DepositedValidators {
		return fmt.Errorf("%w: reported %d above %d deposited", ErrConsensusValidatorCountMismatch, r.ReportedConsensusValidatorCount, l.DepositedValidators)
	}
	appeared := r.ReportedConsensusValidatorCount - r.PreConsensusValidatorCount
	appearedValue, err := mul(uint256.NewInt(appeared), DepositUnit)
	if err != nil {
		return err
	}
	if s.preCLAdjusted, err = add(l.CLBalance, appearedValue); err != nil {
		return err
	}
	s.preCLBalance = clone(l.CLBalance)
	s.preCLValidators = l.CLValidators

	l.CLValidators = r.ReportedConsensusValidatorCount
	l.CLBalance = clone(r.ReportedConsensusBalance)
	if appeared > 0 {
		s.emit(events.CLValidatorsUpdated{
			ReportTimestamp: r.Timestamp,
			PreValidators:   s.preCLValidators,
			PostValidators:  l.CLValidators,
		})
	}
	s.stage = stageConsensus
	return nil
}

// CheckSanity validates the report against the configured limits and records
// it in the negative rebase history.
func (s *Settlement) CheckSanity() error {
	if err := s.advance(stageConsensus, stageSanity); err != nil {
		return err
	}
	r, l := s.report, s.ledger
	acct := sanity.AccountingReport{
		Timestamp:              r.Timestamp,
		PreCLValidators:        s.preCLValidators,
		PostCLValidators:       l.CLValidators,
		PreCLBalance:           s.preCLAdjusted,
		PostCLBalance:          l.CLBalance,
		WithdrawalVaultBalance: orZero(r.WithdrawalsCollected),
		ELRewardsVaultBalance:  orZero(r.RewardsCollected),
		ExitedValidators:       r.ExitedValidatorCount,
		ExitRequests:           r.ValidatorExitRequests,
		ExtraData:              r.ExtraData,
		FinalizesWithdrawals:   r.FinalizesWithdrawals(),
	}
	if acct.FinalizesWithdrawals {
		if s.queue == nil {
			return ErrNoWithdrawalQueue
		}
		ts, err := s.queue.RequestTimestamp(r.LastFinalizedWithdrawalRequestID)
		if err != nil {
			return fmt.Errorf("rebase: last finalized request: %w", err)
		}
		acct.LastRequestTimestamp = ts
	}
	assessment, err := s.checker.Validate(acct, sanity.PriorState{
		ExitedValidators: l.ExitedValidators,
		History:          l.History,
	}, s.elapsed)
	if err != nil {
		return err
	}
	s.assessment = assessment
	if !assessment.CLBalanceDecrease.IsZero() {
		s.emit(events.NegativeCLRebase{
			ReportTimestamp: r.Timestamp,
			Decrease:        clone(assessment.CLBalanceDecrease),
			MaxAllowed:      clone(assessment.MaxAllowedDecrease),
			Confirmed:       assessment.SecondOpinionConfirmed,
		})
	}
	l.History = sanity.PruneHistory(append(l.History, sanity.ReportSample{
		Timestamp:         r.Timestamp,
		CLBalanceDecrease: clone(assessment.CLBalanceDecrease),
		ExitedValidators:  r.ExitedValidatorCount,
	}), r.Timestamp)
	l.ExitedValidators = r.ExitedValidatorCount
	return nil
}

// CollectRewardsAndProcessWithdrawals moves the smoothed vault balances into
// the buffer, locks value for the queue's finalizable batch and burns the
// shares the queue holds for it.
func (s *Settlement) CollectRewardsAndProcessWithdrawals() error {
	if err := s.advance(stageSanity, stageCollected); err != nil {
		return err
	}
	r, l := s.report, s.ledger
	if s.queue != nil && s.queue.IsPaused() {
		return ErrWithdrawalsPaused
	}

	smoothing := s.checker.SmoothenTokenRebase(s.pre.TotalPooledValue, s.preCLAdjusted, l.CLBalance, orZero(r.WithdrawalsCollected), orZero(r.RewardsCollected))
	s.withdrawalsCollected = smoothing.Withdrawals
	s.rewardsCollected = smoothing.ELRewards
	buffered, err := add(l.BufferedValue, s.withdrawalsCollected)
	if err != nil {
		return err
	}
	if buffered, err = add(buffered, s.rewardsCollected); err != nil {
		return err
	}

	s.locked, s.burnt = new(uint256.Int), new(uint256.Int)
	requestedLock := orZero(r.ValueToLockForWithdrawals)
	if r.FinalizesWithdrawals() {
		if s.queue == nil {
			return ErrNoWithdrawalQueue
		}
		rate := clone(r.SimulatedShareRate)
		pre, err := s.queue.Prefinalize(r.WithdrawalBatches, rate)
		if err != nil {
			return fmt.Errorf("rebase: prefinalize withdrawals: %w", err)
		}
		if !requestedLock.IsZero() && !requestedLock.Eq(pre.ValueToLock) {
			return fmt.Errorf("%w: report %s, queue %s", ErrWithdrawalLockMismatch, requestedLock.Dec(), pre.ValueToLock.Dec())
		}
		if pre.ValueToLock.Gt(buffered) {
			return fmt.Errorf("%w: lock %s, buffered %s", ErrInsufficientBufferedValue, pre.ValueToLock.Dec(), buffered.Dec())
		}
		if pre.SharesToBurn.Gt(l.InternalShares()) {
			return fmt.Errorf("%w: %s requested, %s internal", ErrInsufficientSharesToBurn, pre.SharesToBurn.Dec(), l.InternalShares().Dec())
		}
		holder := s.queue.Holder()
		if err := l.burnShares(holder, pre.SharesToBurn); err != nil {
			return err
		}
		buffered.Sub(buffered, pre.ValueToLock)
		s.locked, s.burnt = clone(pre.ValueToLock), clone(pre.SharesToBurn)

		queue, lastID, lock := s.queue, r.LastFinalizedWithdrawalRequestID, clone(pre.ValueToLock)
		previousID := queue.LastFinalizedID()
		s.apply = func() error {
			if err := queue.Finalize(lastID, lock, rate); err != nil {
				return fmt.Errorf("rebase: finalize withdrawals: %w", err)
			}
			return nil
		}
		s.revert = func() error { return queue.Unfinalize(lastID, previousID, lock) }
		s.emit(events.TransferShares{From: holder, To: common.Address{}, Shares: clone(s.burnt), Reason: "withdrawal"})
		s.emit(events.WithdrawalsFinalized{LastRequestID: lastID, ValueLocked: clone(s.locked), SharesBurnt: clone(s.burnt)})
	} else if !requestedLock.IsZero() {
		return fmt.Errorf("%w: %s requested without a batch", ErrWithdrawalLockMismatch, requestedLock.Dec())
	}
	l.BufferedValue = buffered

	s.emit(events.ValueDistributed{
		ReportTimestamp:      r.Timestamp,
		PreCLBalance:         clone(s.preCLBalance),
		PostCLBalance:        clone(l.CLBalance),
		WithdrawalsCollected: clone(s.withdrawalsCollected),
		RewardsCollected:     clone(s.rewardsCollected),
		PostBufferedValue:    clone(l.BufferedValue),
	})
	return nil
}

// DistributeFees mints fee shares on positive consensus-layer rewards and
// checks the resulting share rate against the oracle's simulation.
//
// The fee base is the gross reward, measured against pre-report totals and
// before withdrawal burns are taken into account.
func (s *Settlement) DistributeFees() error {
	if err := s.advance(stageCollected, stageFees); err != nil {
		return err
	}
	r, l := s.report, s.ledger
	s.feeShares = new(uint256.Int)

	postCLTotal, err := add(l.CLBalance, s.withdrawalsCollected)
	if err != nil {
		return err
	}
	if postCLTotal.Gt(s.preCLAdjusted) {
		rewards := new(uint256.Int).Sub(postCLTotal, s.preCLAdjusted)
		if rewards, err = add(rewards, s.rewardsCollected); err != nil {
			return err
		}
		feeShares, err := FeeShares(rewards, s.preInternalValue, s.preInternalShares, s.fees.TotalBP())
		if err != nil {
			return err
		}
		for _, alloc := range s.fees.Split(feeShares) {
			if err := l.mintShares(alloc.Address, alloc.Shares); err != nil {
				return err
			}
			s.emit(events.TransferShares{To: alloc.Address, Shares: clone(alloc.Shares), Reason: "fee:" + alloc.Name})
		}
		s.feeShares = feeShares
	}

	simulated := orZero(r.SimulatedShareRate)
	if simulated.IsZero() && !r.FinalizesWithdrawals() {
		return nil
	}
	return s.checker.CheckSimulatedShareRate(l.TotalPooledValue(), l.TotalShares, s.locked, s.burnt, simulated)
}

// EmitRebase builds the rebase record from the pre-report snapshot and the
// current working totals.
func (s *Settlement) EmitRebase() (RebaseRecord, error) {
	if err := s.advance(stageFees, stageRebased); err != nil {
		return RebaseRecord{}, err
	}
	r, l := s.report, s.ledger
	post := l.Snapshot()
	s.record = RebaseRecord{
		ReportTimestamp:      r.Timestamp,
		TimeElapsed:          s.elapsed,
		PreTotalShares:       clone(s.pre.TotalShares),
		PreTotalValue:        clone(s.pre.TotalPooledValue),
		PostTotalShares:      post.TotalShares,
		PostTotalValue:       post.TotalPooledValue,
		SharesMintedAsFees:   clone(s.feeShares),
		PreCLBalance:         clone(s.preCLBalance),
		PostCLBalance:        post.CLBalance,
		PreCLValidators:      s.preCLValidators,
		PostCLValidators:     post.CLValidators,
		WithdrawalsCollected: clone(s.withdrawalsCollected),
		RewardsCollected:     clone(s.rewardsCollected),
		ValueLocked:          clone(s.locked),
		SharesBurnt:          clone(s.burnt),
	}
	l.LastReportTimestamp = r.Timestamp
	s.emit(s.record.Event())
	return s.record, nil
}
