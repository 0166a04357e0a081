package rebase

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"stakeledger/core/events"
	nativecommon "stakeledger/native/common"
	"stakeledger/native/sanity"
	"stakeledger/native/withdrawals"
)

const day = 24 * 60 * 60

var (
	alice    = common.HexToAddress("0x0000000000000000000000000000000000000a11")
	bob      = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	vault    = common.HexToAddress("0x00000000000000000000000000000000000000fa")
	treasury = common.HexToAddress("0x00000000000000000000000000000000000000fe")
	router   = common.HexToAddress("0x00000000000000000000000000000000000000cc")
	queueAt  = common.HexToAddress("0x00000000000000000000000000000000000000aa")
)

type stubStore struct {
	saved   *Ledger
	holders []common.Address
	saves   int
	err     error
}

func (s *stubStore) LoadLedger() (*Ledger, bool, error) {
	if s.saved == nil {
		return nil, false, nil
	}
	return s.saved.Clone(), true, nil
}

func (s *stubStore) SaveLedger(l *Ledger, holders []common.Address) error {
	if s.err != nil {
		return s.err
	}
	s.saves++
	s.saved = l.Clone()
	s.holders = holders
	return nil
}

type stubObserver struct {
	accepted []RebaseRecord
	rejected []string
	external []string
	updates  int
}

func (o *stubObserver) ReportAccepted(r RebaseRecord) { o.accepted = append(o.accepted, r) }
func (o *stubObserver) ReportRejected(class ErrorClass, kind string) {
	o.rejected = append(o.rejected, string(class)+"/"+kind)
}
func (o *stubObserver) ExternalSharesChanged(op string, _ *uint256.Int) {
	o.external = append(o.external, op)
}
func (o *stubObserver) LedgerUpdated(Snapshot) { o.updates++ }

func permissiveChecker(t *testing.T) *sanity.Checker {
	t.Helper()
	limits := sanity.DefaultLimits()
	limits.AnnualBalanceIncreaseBPLimit = sanity.MaxBasisPoints
	limits.MaxPositiveTokenRebase = sanity.UnlimitedRebase
	c, err := sanity.NewChecker(limits)
	if err != nil {
		t.Fatalf("checker: %v", err)
	}
	return c
}

// stakedGenesis is a pool of three validators holding 100 ether, fully owned
// by alice at a 1:1 rate.
func stakedGenesis() *Ledger {
	l := NewLedger(0, 1000)
	l.CLBalance = ether(100)
	l.CLValidators = 3
	l.DepositedValidators = 3
	l.TotalShares = ether(100)
	l.RestoreShares(alice, ether(100))
	return l
}

func newTestEngine(t *testing.T, genesis *Ledger, opts ...Option) (*Engine, *events.Recorder) {
	t.Helper()
	rec := &events.Recorder{}
	base := []Option{
		WithChecker(permissiveChecker(t)),
		WithFees(FeeConfig{Treasury: treasury, TreasuryFeeBP: 1000}),
		WithEmitter(rec),
	}
	e, err := NewEngine(genesis, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return e, rec
}

func flatReport(ts uint64) Report {
	return Report{
		Timestamp:                       ts,
		PreConsensusValidatorCount:      3,
		ReportedConsensusValidatorCount: 3,
		ReportedConsensusBalance:        ether(100),
	}
}

type ledgerState struct {
	Snapshot Snapshot
	Holders  map[common.Address]string
	History  []sanity.ReportSample
}

func captureState(e *Engine) ledgerState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	holders := make(map[common.Address]string)
	for _, addr := range e.ledger.Holders() {
		holders[addr] = e.ledger.SharesOf(addr).Dec()
	}
	return ledgerState{Snapshot: e.ledger.Snapshot(), Holders: holders, History: copyHistory(e.ledger.History)}
}

func TestFeeScenario(t *testing.T) {
	e, rec := newTestEngine(t, stakedGenesis())
	report := flatReport(365 * day)
	report.ReportedConsensusBalance = ether(110)

	record, err := e.HandleOracleReport(context.Background(), report)
	if err != nil {
		t.Fatalf("handle report: %v", err)
	}
	wantFee := uint256.MustFromDecimal("917431192660550458")
	if !record.SharesMintedAsFees.Eq(wantFee) {
		t.Fatalf("fee shares = %s, want %s", record.SharesMintedAsFees, wantFee)
	}
	if !e.TotalPooledValue().Eq(ether(110)) {
		t.Fatalf("total pooled = %s", e.TotalPooledValue())
	}
	wantShares := new(uint256.Int).Add(ether(100), wantFee)
	if !e.TotalShares().Eq(wantShares) || !record.PostTotalShares.Eq(wantShares) {
		t.Fatalf("total shares = %s, want %s", e.TotalShares(), wantShares)
	}
	if !e.SharesOf(treasury).Eq(wantFee) {
		t.Fatalf("treasury holds %s", e.SharesOf(treasury))
	}
	// Fee recipients own 10% of the 10 ether reward, less rounding.
	feeValue, _ := e.ValueFor(wantFee)
	if feeValue.Lt(new(uint256.Int).Sub(ether(1), uint256.NewInt(2))) || feeValue.Gt(ether(1)) {
		t.Fatalf("fee value = %s, want ~1 ether", feeValue)
	}
	if !record.PreTotalValue.Eq(ether(100)) || !record.PreTotalShares.Eq(ether(100)) || record.TimeElapsed != 365*day {
		t.Fatalf("unexpected pre snapshot in record: %+v", record)
	}
	rebased := rec.OfType(events.TypeTokenRebased)
	if len(rebased) != 1 {
		t.Fatalf("expected one rebase event, got %d", len(rebased))
	}
	if ev := rebased[0].(events.TokenRebased); !ev.SharesMintedAsFees.Eq(wantFee) {
		t.Fatalf("event fee shares = %s", ev.SharesMintedAsFees)
	}
}

func TestModuleFeeSplit(t *testing.T) {
	fees := FeeConfig{
		Treasury:      treasury,
		TreasuryFeeBP: 500,
		Modules:       []FeeRecipient{{Name: "curated", Address: router, FeeBP: 500}},
	}
	e, _ := newTestEngine(t, stakedGenesis(), WithFees(fees))
	report := flatReport(365 * day)
	report.ReportedConsensusBalance = ether(110)
	record, err := e.HandleOracleReport(context.Background(), report)
	if err != nil {
		t.Fatalf("handle report: %v", err)
	}
	sum := new(uint256.Int).Add(e.SharesOf(router), e.SharesOf(treasury))
	if !sum.Eq(record.SharesMintedAsFees) {
		t.Fatalf("split %s does not add up to %s", sum, record.SharesMintedAsFees)
	}
	if e.SharesOf(router).Uint64() == 0 || e.SharesOf(treasury).Lt(e.SharesOf(router)) {
		t.Fatalf("unexpected split router=%s treasury=%s", e.SharesOf(router), e.SharesOf(treasury))
	}
}

func TestFlatReportMintsNothing(t *testing.T) {
	e, _ := newTestEngine(t, stakedGenesis())
	before := e.Snapshot()
	record, err := e.HandleOracleReport(context.Background(), flatReport(day))
	if err != nil {
		t.Fatalf("flat report: %v", err)
	}
	if !record.SharesMintedAsFees.IsZero() {
		t.Fatalf("flat report minted %s fee shares", record.SharesMintedAsFees)
	}
	after := e.Snapshot()
	if !after.TotalPooledValue.Eq(before.TotalPooledValue) || !after.TotalShares.Eq(before.TotalShares) {
		t.Fatalf("flat report changed totals: %+v -> %+v", before, after)
	}
}

func TestNegativeRebaseMintsNoFee(t *testing.T) {
	e, rec := newTestEngine(t, stakedGenesis())
	report := flatReport(day)
	report.ReportedConsensusBalance = ether(99)
	report.RewardsCollected = ether(1)
	record, err := e.HandleOracleReport(context.Background(), report)
	if err != nil {
		t.Fatalf("negative report: %v", err)
	}
	if !record.SharesMintedAsFees.IsZero() {
		t.Fatalf("negative rebase minted fees")
	}
	if len(rec.OfType(events.TypeNegativeCLRebase)) != 1 {
		t.Fatalf("expected negative rebase event")
	}
}

func TestCountMismatchLeavesLedgerUnchanged(t *testing.T) {
	store := &stubStore{}
	obs := &stubObserver{}
	e, rec := newTestEngine(t, stakedGenesis(), WithStore(store), WithObserver(obs))
	before := captureState(e)
	saves := store.saves
	rec.Reset()

	report := flatReport(day)
	report.ReportedConsensusValidatorCount = 2
	_, err := e.HandleOracleReport(context.Background(), report)
	if !errors.Is(err, ErrConsensusValidatorCountMismatch) {
		t.Fatalf("expected ErrConsensusValidatorCountMismatch, got %v", err)
	}
	if after := captureState(e); !reflect.DeepEqual(before, after) {
		t.Fatalf("ledger changed:\n%+v\n%+v", before, after)
	}
	if store.saves != saves || len(rec.Events()) != 0 {
		t.Fatalf("rejected report reached store or emitter")
	}
	if len(obs.rejected) != 1 || obs.rejected[0] != "invariant/consensus_validator_count_mismatch" {
		t.Fatalf("unexpected rejection record %v", obs.rejected)
	}

	report.ReportedConsensusValidatorCount = 4
	if _, err := e.HandleOracleReport(context.Background(), report); !errors.Is(err, ErrConsensusValidatorCountMismatch) {
		t.Fatalf("reporting more than deposited must fail, got %v", err)
	}
	report.ReportedConsensusValidatorCount = 3
	report.PreConsensusValidatorCount = 2
	if _, err := e.HandleOracleReport(context.Background(), report); !errors.Is(err, ErrConsensusValidatorCountMismatch) {
		t.Fatalf("pre count disagreeing with ledger must fail, got %v", err)
	}
}

func TestStaleReportRejected(t *testing.T) {
	e, _ := newTestEngine(t, stakedGenesis())
	if _, err := e.HandleOracleReport(context.Background(), flatReport(day)); err != nil {
		t.Fatalf("first report: %v", err)
	}
	_, err := e.HandleOracleReport(context.Background(), flatReport(day))
	if !errors.Is(err, ErrStaleReport) {
		t.Fatalf("expected ErrStaleReport, got %v", err)
	}
	if Classify(err) != ClassPolicy {
		t.Fatalf("stale report must be a policy rejection")
	}
}

func TestSanityRejectionIsClassified(t *testing.T) {
	checker, err := sanity.NewChecker(sanity.DefaultLimits())
	if err != nil {
		t.Fatalf("checker: %v", err)
	}
	obs := &stubObserver{}
	e, _ := newTestEngine(t, stakedGenesis(), WithChecker(checker), WithObserver(obs))
	before := captureState(e)

	report := flatReport(day)
	report.ReportedConsensusBalance = ether(200)
	_, err = e.HandleOracleReport(context.Background(), report)
	if !errors.Is(err, sanity.ErrIncorrectCLBalanceIncrease) {
		t.Fatalf("expected annual increase violation, got %v", err)
	}
	if Classify(err) != ClassPolicy || Kind(err) != "annual_balance_increase" {
		t.Fatalf("unexpected classification %s/%s", Classify(err), Kind(err))
	}
	if !reflect.DeepEqual(before, captureState(e)) {
		t.Fatalf("rejected report changed the ledger")
	}
	if len(obs.rejected) != 1 || obs.rejected[0] != "policy/annual_balance_increase" {
		t.Fatalf("unexpected observer rejections %v", obs.rejected)
	}
}

func TestExitRequestsBoundedPerReport(t *testing.T) {
	e, _ := newTestEngine(t, stakedGenesis())
	limit := sanity.DefaultLimits().MaxValidatorExitRequestsPerReport
	before := captureState(e)

	report := flatReport(day)
	report.ValidatorExitRequests = limit + 1
	_, err := e.HandleOracleReport(context.Background(), report)
	if !errors.Is(err, sanity.ErrIncorrectExitRequests) || Kind(err) != "exit_requests" {
		t.Fatalf("expected exit request violation, got %v", err)
	}
	if !reflect.DeepEqual(before, captureState(e)) {
		t.Fatalf("rejected report changed the ledger")
	}
	report.ValidatorExitRequests = limit
	if _, err := e.HandleOracleReport(context.Background(), report); err != nil {
		t.Fatalf("report at the exit request limit: %v", err)
	}
}

func TestSimulatedShareRateWithoutBatch(t *testing.T) {
	e, _ := newTestEngine(t, stakedGenesis())

	// No batch and no simulated rate: nothing to compare against.
	if _, err := e.HandleOracleReport(context.Background(), flatReport(day)); err != nil {
		t.Fatalf("report without simulated rate: %v", err)
	}

	// A supplied rate is checked even when nothing is finalized.
	wrong := flatReport(2 * day)
	wrong.SimulatedShareRate = new(uint256.Int).Mul(ShareRatePrecision, uint256.NewInt(2))
	_, err := e.HandleOracleReport(context.Background(), wrong)
	if !errors.Is(err, sanity.ErrIncorrectSimulatedShareRate) {
		t.Fatalf("expected simulated share rate violation, got %v", err)
	}

	exact := flatReport(2 * day)
	exact.SimulatedShareRate = new(uint256.Int).Set(ShareRatePrecision)
	if _, err := e.HandleOracleReport(context.Background(), exact); err != nil {
		t.Fatalf("exact simulated rate rejected: %v", err)
	}
}

func withdrawalEngine(t *testing.T, opts ...Option) (*Engine, *withdrawals.MemoryQueue) {
	t.Helper()
	genesis := stakedGenesis()
	genesis.BufferedValue = ether(20)
	genesis.TotalShares = ether(120)
	genesis.RestoreShares(alice, ether(120))
	q := withdrawals.NewMemoryQueue(queueAt)
	e, _ := newTestEngine(t, genesis, append([]Option{WithQueue(q)}, opts...)...)
	if err := e.TransferShares(alice, queueAt, ether(10)); err != nil {
		t.Fatalf("transfer to queue: %v", err)
	}
	if _, err := q.Enqueue(alice, ether(10), ether(10), 1_000); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return e, q
}

func finalizingReport(ts uint64) Report {
	r := flatReport(ts)
	r.WithdrawalBatches = []uint64{1}
	r.LastFinalizedWithdrawalRequestID = 1
	r.SimulatedShareRate = clone(ShareRatePrecision)
	return r
}

func TestWithdrawalFinalization(t *testing.T) {
	e, q := withdrawalEngine(t)
	record, err := e.HandleOracleReport(context.Background(), finalizingReport(day))
	if err != nil {
		t.Fatalf("finalizing report: %v", err)
	}
	if !record.ValueLocked.Eq(ether(10)) || !record.SharesBurnt.Eq(ether(10)) {
		t.Fatalf("unexpected lock/burn %s/%s", record.ValueLocked, record.SharesBurnt)
	}
	snap := e.Snapshot()
	if !snap.BufferedValue.Eq(ether(10)) || !snap.TotalShares.Eq(ether(110)) || !snap.TotalPooledValue.Eq(ether(110)) {
		t.Fatalf("unexpected ledger after finalization: %+v", snap)
	}
	if !e.SharesOf(queueAt).IsZero() {
		t.Fatalf("queue still holds %s shares", e.SharesOf(queueAt))
	}
	if q.LastFinalizedID() != 1 || !q.LockedValue().Eq(ether(10)) {
		t.Fatalf("queue not finalized: last=%d locked=%s", q.LastFinalizedID(), q.LockedValue())
	}
}

func TestFailedPersistRevertsWithdrawalFinalization(t *testing.T) {
	store := &stubStore{}
	e, q := withdrawalEngine(t, WithStore(store))
	before := captureState(e)
	store.err = errors.New("disk full")

	if _, err := e.HandleOracleReport(context.Background(), finalizingReport(day)); err == nil {
		t.Fatalf("expected persist failure")
	}
	if !reflect.DeepEqual(before, captureState(e)) {
		t.Fatalf("ledger changed after failed persist")
	}
	if q.LastFinalizedID() != 0 || !q.LockedValue().IsZero() {
		t.Fatalf("queue left finalized: last=%d locked=%s", q.LastFinalizedID(), q.LockedValue())
	}
	if req, err := q.Request(1); err != nil || req.Finalized || req.Locked != nil {
		t.Fatalf("request left finalized: %+v %v", req, err)
	}

	store.err = nil
	record, err := e.HandleOracleReport(context.Background(), finalizingReport(day))
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !record.SharesBurnt.Eq(ether(10)) || !e.SharesOf(queueAt).IsZero() {
		t.Fatalf("retry did not burn queue shares: burnt=%s held=%s", record.SharesBurnt, e.SharesOf(queueAt))
	}
	if q.LastFinalizedID() != 1 || !q.LockedValue().Eq(ether(10)) {
		t.Fatalf("retry did not finalize: last=%d locked=%s", q.LastFinalizedID(), q.LockedValue())
	}
}

func TestRequestWithdrawal(t *testing.T) {
	store := &stubStore{}
	e, q := withdrawalEngine(t, WithStore(store))
	id, value, err := e.RequestWithdrawal(alice, ether(5), 2_000)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if id != 2 || !value.Eq(ether(5)) {
		t.Fatalf("unexpected request id=%d value=%s", id, value)
	}
	if !e.SharesOf(queueAt).Eq(ether(15)) || !e.SharesOf(alice).Eq(ether(105)) {
		t.Fatalf("shares not moved: queue=%s alice=%s", e.SharesOf(queueAt), e.SharesOf(alice))
	}
	if req, err := q.Request(2); err != nil || !req.Value.Eq(ether(5)) || req.Owner != alice {
		t.Fatalf("unexpected queued request %+v %v", req, err)
	}

	before := captureState(e)
	store.err = errors.New("disk full")
	if _, _, err := e.RequestWithdrawal(alice, ether(5), 3_000); err == nil {
		t.Fatalf("expected persist failure")
	}
	if _, err := q.Request(3); !errors.Is(err, withdrawals.ErrRequestNotFound) {
		t.Fatalf("failed request left in queue: %v", err)
	}
	if !reflect.DeepEqual(before, captureState(e)) {
		t.Fatalf("ledger changed after failed persist")
	}

	store.err = nil
	if _, _, err := e.RequestWithdrawal(alice, ether(5), 1); !errors.Is(err, withdrawals.ErrTimestampRegressed) {
		t.Fatalf("expected ErrTimestampRegressed, got %v", err)
	}
	if _, _, err := e.RequestWithdrawal(alice, ether(500), 3_000); err == nil {
		t.Fatalf("expected request beyond balance to fail")
	}
	if !reflect.DeepEqual(before, captureState(e)) {
		t.Fatalf("rejected requests moved shares")
	}
	if id, _, err := e.RequestWithdrawal(alice, ether(5), 3_000); err != nil || id != 3 {
		t.Fatalf("retry: id=%d err=%v", id, err)
	}

	plain, _ := newTestEngine(t, stakedGenesis())
	if _, _, err := plain.RequestWithdrawal(alice, ether(1), 1); !errors.Is(err, ErrNoWithdrawalQueue) {
		t.Fatalf("expected ErrNoWithdrawalQueue, got %v", err)
	}
}

func TestPausedWithdrawalsDeferWholeReport(t *testing.T) {
	e, q := withdrawalEngine(t)
	q.SetPaused(true)
	before := captureState(e)
	_, err := e.HandleOracleReport(context.Background(), finalizingReport(day))
	if !errors.Is(err, ErrWithdrawalsPaused) {
		t.Fatalf("expected ErrWithdrawalsPaused, got %v", err)
	}
	if !reflect.DeepEqual(before, captureState(e)) || q.LastFinalizedID() != 0 {
		t.Fatalf("paused report partially applied")
	}
}

func TestWithdrawalLockMismatch(t *testing.T) {
	e, q := withdrawalEngine(t)
	report := finalizingReport(day)
	report.ValueToLockForWithdrawals = ether(9)
	if _, err := e.HandleOracleReport(context.Background(), report); !errors.Is(err, ErrWithdrawalLockMismatch) {
		t.Fatalf("expected ErrWithdrawalLockMismatch, got %v", err)
	}
	if q.LastFinalizedID() != 0 {
		t.Fatalf("queue finalized despite rejection")
	}
}

func TestWithdrawalLockExceedingBuffer(t *testing.T) {
	e, q := withdrawalEngine(t)
	if err := e.TransferShares(alice, queueAt, ether(50)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	// The second request alone is worth more than the buffer.
	if _, err := q.Enqueue(alice, ether(50), ether(50), 1_000); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	report := finalizingReport(day)
	report.WithdrawalBatches = []uint64{2}
	report.LastFinalizedWithdrawalRequestID = 2
	if _, err := e.HandleOracleReport(context.Background(), report); !errors.Is(err, ErrInsufficientBufferedValue) {
		t.Fatalf("expected ErrInsufficientBufferedValue, got %v", err)
	}
}

func TestRecentRequestCannotBeFinalized(t *testing.T) {
	e, _ := withdrawalEngine(t)
	_, err := e.HandleOracleReport(context.Background(), finalizingReport(2_000))
	if !errors.Is(err, sanity.ErrIncorrectRequestFinalization) {
		t.Fatalf("expected request margin violation, got %v", err)
	}
}

func TestMalformedBatches(t *testing.T) {
	e, _ := withdrawalEngine(t)
	report := finalizingReport(day)
	report.LastFinalizedWithdrawalRequestID = 2
	if _, err := e.HandleOracleReport(context.Background(), report); !errors.Is(err, ErrInvalidReport) {
		t.Fatalf("expected ErrInvalidReport, got %v", err)
	}
}

func TestStagedSettlement(t *testing.T) {
	e, _ := newTestEngine(t, stakedGenesis())
	s, err := e.BeginReport(flatReport(day))
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := s.EmitRebase(); !errors.Is(err, ErrStageOrder) {
		t.Fatalf("expected ErrStageOrder, got %v", err)
	}
	for _, run := range []func() error{s.ProcessConsensusStateUpdate, s.CheckSanity, s.CollectRewardsAndProcessWithdrawals, s.DistributeFees} {
		if err := run(); err != nil {
			t.Fatalf("stage: %v", err)
		}
	}
	if _, err := s.EmitRebase(); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if _, err := e.Commit(context.Background(), s); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if e.Snapshot().LastReportTimestamp != day {
		t.Fatalf("report timestamp not recorded")
	}
	if _, err := e.Commit(context.Background(), s); !errors.Is(err, ErrStageOrder) {
		t.Fatalf("settlement committed twice: %v", err)
	}
}

func TestCommitDetectsConcurrentUpdate(t *testing.T) {
	e, _ := newTestEngine(t, stakedGenesis())
	s, err := e.BeginReport(flatReport(day))
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := s.ProcessConsensusStateUpdate(); err != nil {
		t.Fatalf("consensus: %v", err)
	}
	if err := s.CheckSanity(); err != nil {
		t.Fatalf("sanity: %v", err)
	}
	if err := s.CollectRewardsAndProcessWithdrawals(); err != nil {
		t.Fatalf("collect: %v", err)
	}
	if err := s.DistributeFees(); err != nil {
		t.Fatalf("fees: %v", err)
	}
	if _, err := s.EmitRebase(); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if _, err := e.Submit(bob, ether(1)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := e.Commit(context.Background(), s); !errors.Is(err, ErrLedgerChanged) {
		t.Fatalf("expected ErrLedgerChanged, got %v", err)
	}
}

func TestSubmitAndDeposit(t *testing.T) {
	e, rec := newTestEngine(t, NewLedger(0, 0))
	minted, err := e.Submit(alice, ether(40))
	if err != nil {
		t.Fatalf("bootstrap submit: %v", err)
	}
	if !minted.Eq(ether(40)) {
		t.Fatalf("first deposit must mint 1:1, got %s", minted)
	}
	if err := e.DepositBufferedValue(2); !errors.Is(err, ErrInsufficientBufferedValue) {
		t.Fatalf("expected ErrInsufficientBufferedValue, got %v", err)
	}
	if err := e.DepositBufferedValue(1); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	snap := e.Snapshot()
	if snap.DepositedValidators != 1 || !snap.TransientValue.Eq(DepositUnit) || !snap.TotalPooledValue.Eq(ether(40)) {
		t.Fatalf("unexpected snapshot after deposit: %+v", snap)
	}
	if len(rec.OfType(events.TypeUnbufferedDeposit)) != 1 {
		t.Fatalf("expected unbuffered deposit event")
	}

	// The deposited validator appears on the consensus layer with exactly its deposit.
	report := Report{
		Timestamp:                       day,
		PreConsensusValidatorCount:      0,
		ReportedConsensusValidatorCount: 1,
		ReportedConsensusBalance:        clone(DepositUnit),
	}
	record, err := e.HandleOracleReport(context.Background(), report)
	if err != nil {
		t.Fatalf("appearance report: %v", err)
	}
	if !record.SharesMintedAsFees.IsZero() {
		t.Fatalf("appearing validator must not count as reward")
	}
	snap = e.Snapshot()
	if snap.CLValidators != 1 || snap.DepositedValidators < snap.CLValidators || !snap.TransientValue.IsZero() {
		t.Fatalf("unexpected counts: %+v", snap)
	}
}

func TestPauseGuards(t *testing.T) {
	pauses := nativecommon.NewPauses(nativecommon.ModuleStaking, nativecommon.ModuleExternal)
	e, _ := newTestEngine(t, stakedGenesis(), WithPauses(pauses))
	if _, err := e.Submit(bob, ether(1)); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected staking pause, got %v", err)
	}
	if _, err := e.MintExternalShares(vault, ether(1)); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected external pause, got %v", err)
	}
	pauses.Set(nativecommon.ModuleOracle, true)
	if _, err := e.HandleOracleReport(context.Background(), flatReport(day)); Classify(err) != ClassPolicy {
		t.Fatalf("expected policy rejection for paused oracle, got %v", err)
	}
}

func TestEngineExternalLifecycle(t *testing.T) {
	obs := &stubObserver{}
	e, _ := newTestEngine(t, stakedGenesis(), WithObserver(obs))
	headroom, err := e.MaxMintableExternalShares()
	if err != nil {
		t.Fatalf("headroom: %v", err)
	}
	// 10% cap on 100 ether: (100*1000)/9000 ether of value.
	if _, err := e.MintExternalShares(vault, new(uint256.Int).AddUint64(headroom, 1)); !errors.Is(err, ErrExternalCapExceeded) {
		t.Fatalf("expected ErrExternalCapExceeded, got %v", err)
	}
	if _, err := e.MintExternalShares(vault, headroom); err != nil {
		t.Fatalf("mint headroom: %v", err)
	}
	if _, err := e.RebalanceExternalToInternal(ether(1)); err != nil {
		t.Fatalf("rebalance: %v", err)
	}
	if _, err := e.BurnExternalShares(vault, e.ExternalShares()); err != nil {
		t.Fatalf("burn: %v", err)
	}
	if !e.ExternalValue().IsZero() || !e.ExternalShares().IsZero() {
		t.Fatalf("external balances not cleared")
	}
	if !reflect.DeepEqual(obs.external, []string{"mint", "rebalance", "burn"}) {
		t.Fatalf("unexpected observer calls %v", obs.external)
	}
}

func TestEngineRestoresFromStore(t *testing.T) {
	store := &stubStore{}
	e, _ := newTestEngine(t, stakedGenesis(), WithStore(store))
	if store.saves != 1 || len(store.holders) != 1 {
		t.Fatalf("genesis not persisted: saves=%d holders=%v", store.saves, store.holders)
	}
	if err := e.TransferShares(alice, bob, ether(5)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if !reflect.DeepEqual(store.holders, []common.Address{alice, bob}) {
		t.Fatalf("expected dirty holders, got %v", store.holders)
	}
	restored, _ := newTestEngine(t, nil, WithStore(store))
	if !restored.SharesOf(bob).Eq(ether(5)) || !restored.TotalShares().Eq(ether(100)) {
		t.Fatalf("restored ledger mismatch")
	}
	if _, err := NewEngine(nil); !errors.Is(err, ErrNoGenesis) {
		t.Fatalf("expected ErrNoGenesis, got %v", err)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorClass
	}{
		{ErrDivisionByZero, ClassInvariant},
		{ErrExternalCapExceeded, ClassPolicy},
		{ErrUnauthorized, ClassAuthorization},
		{errors.New("disk full"), ClassInternal},
		{sanity.Violations{{Kind: sanity.KindExitRequests}}, ClassPolicy},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Fatalf("Classify(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
	if Classify(nil) != "" || Kind(nil) != "" {
		t.Fatalf("nil error must not be classified")
	}
}
