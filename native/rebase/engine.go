package rebase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"stakeledger/core/events"
	nativecommon "stakeledger/native/common"
	"stakeledger/native/sanity"
	"stakeledger/native/withdrawals"
)

// Store persists committed ledgers. SaveLedger writes the scalar fields and
// the balances of the listed holders as one atomic batch.
type Store interface {
	LoadLedger() (*Ledger, bool, error)
	SaveLedger(ledger *Ledger, holders []common.Address) error
}

// Observer receives settlement outcomes, typically to export metrics.
type Observer interface {
	ReportAccepted(record RebaseRecord)
	ReportRejected(class ErrorClass, kind string)
	ExternalSharesChanged(op string, shares *uint256.Int)
	LedgerUpdated(snapshot Snapshot)
}

// Engine is the single writer of the ledger. Every mutation runs against a
// working copy that is committed only when the whole operation succeeds.
type Engine struct {
	mu      sync.RWMutex
	ledger  *Ledger
	version uint64

	checker  *sanity.Checker
	queue    withdrawals.Queue
	fees     FeeConfig
	pauses   nativecommon.PauseView
	emitter  events.Emitter
	store    Store
	observer Observer
	logger   *slog.Logger
	tracer   trace.Tracer
}

// Option configures an Engine.
type Option func(*Engine)

// WithChecker installs the sanity checker. Without one the default limits apply.
func WithChecker(c *sanity.Checker) Option { return func(e *Engine) { e.checker = c } }

// WithQueue wires the withdrawal queue consulted during settlement.
func WithQueue(q withdrawals.Queue) Option { return func(e *Engine) { e.queue = q } }

// WithFees sets the protocol fee split.
func WithFees(f FeeConfig) Option { return func(e *Engine) { e.fees = f } }

// WithPauses wires the module pause gate.
func WithPauses(p nativecommon.PauseView) Option { return func(e *Engine) { e.pauses = p } }

// WithEmitter sets the event sink for committed operations.
func WithEmitter(em events.Emitter) Option { return func(e *Engine) { e.emitter = em } }

// WithStore persists every commit.
func WithStore(s Store) Option { return func(e *Engine) { e.store = s } }

// WithObserver reports settlement outcomes.
func WithObserver(o Observer) Option { return func(e *Engine) { e.observer = o } }

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithTracer overrides the tracer used for report spans.
func WithTracer(t trace.Tracer) Option { return func(e *Engine) { e.tracer = t } }

// NewEngine restores the ledger from the configured store, falling back to
// genesis when the store is empty.
func NewEngine(genesis *Ledger, opts ...Option) (*Engine, error) {
	e := &Engine{
		emitter: events.NoopEmitter{},
		logger:  slog.Default(),
		tracer:  otel.Tracer("stakeledger/rebase"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.checker == nil {
		checker, err := sanity.NewChecker(sanity.DefaultLimits())
		if err != nil {
			return nil, err
		}
		e.checker = checker
	}
	if err := e.fees.Validate(); err != nil {
		return nil, err
	}

	var restored *Ledger
	if e.store != nil {
		loaded, ok, err := e.store.LoadLedger()
		if err != nil {
			return nil, fmt.Errorf("rebase: load ledger: %w", err)
		}
		if ok {
			restored = loaded
		}
	}
	fresh := restored == nil
	if fresh {
		if genesis == nil {
			return nil, ErrNoGenesis
		}
		restored = genesis
	}
	if err := restored.CheckInvariants(); err != nil {
		return nil, err
	}
	e.ledger = &Ledger{}
	e.ledger.absorb(restored)
	if fresh && e.store != nil {
		if err := e.store.SaveLedger(e.ledger, e.ledger.Holders()); err != nil {
			return nil, fmt.Errorf("rebase: persist genesis: %w", err)
		}
	}
	return e, nil
}

// Snapshot returns the committed totals.
func (e *Engine) Snapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ledger.Snapshot()
}

// TotalPooledValue returns the committed total pooled value.
func (e *Engine) TotalPooledValue() *uint256.Int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ledger.TotalPooledValue()
}

// TotalShares returns all outstanding shares.
func (e *Engine) TotalShares() *uint256.Int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return clone(e.ledger.TotalShares)
}

// ExternalValue returns the value backing external shares.
func (e *Engine) ExternalValue() *uint256.Int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return clone(e.ledger.ExternalValue)
}

// ExternalShares returns the outstanding external shares.
func (e *Engine) ExternalShares() *uint256.Int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return clone(e.ledger.ExternalShares)
}

// SharesOf returns the share balance of addr.
func (e *Engine) SharesOf(addr common.Address) *uint256.Int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ledger.SharesOf(addr)
}

func (e *Engine) SharesFor(value *uint256.Int) (*uint256.Int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ledger.SharesFor(value)
}

func (e *Engine) ValueFor(shares *uint256.Int) (*uint256.Int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ledger.ValueFor(shares)
}

func (e *Engine) ValueForRoundUp(shares *uint256.Int) (*uint256.Int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ledger.ValueForRoundUp(shares)
}

// MaxMintableExternalShares returns the external mint headroom in shares.
func (e *Engine) MaxMintableExternalShares() (*uint256.Int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ledger.MaxMintableExternalShares()
}

// OracleReportLimits returns the configured sanity limits.
func (e *Engine) OracleReportLimits() sanity.LimitsList { return e.checker.Limits() }

// SetOracleReportLimits replaces the sanity limits after validating them.
func (e *Engine) SetOracleReportLimits(limits sanity.LimitsList) error {
	return e.checker.SetLimits(limits)
}

// Fees returns the fee split.
func (e *Engine) Fees() FeeConfig { return e.fees }

// update runs fn on a working copy and commits it when fn succeeds.
func (e *Engine) update(fn func(tx *txn) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	tx := &txn{ledger: e.ledger.Clone()}
	if err := fn(tx); err != nil {
		return err
	}
	return e.commitLocked(tx)
}

// commitLocked verifies, persists and swaps in the working copy, then
// publishes its events. A staged queue update is applied before persisting
// and reverted if persisting fails, so a rejected commit leaves both
// unchanged.
func (e *Engine) commitLocked(tx *txn) error {
	if err := tx.ledger.CheckInvariants(); err != nil {
		return err
	}
	if tx.apply != nil {
		if err := tx.apply(); err != nil {
			return err
		}
	}
	if e.store != nil {
		if err := e.store.SaveLedger(tx.ledger, tx.ledger.DirtyHolders()); err != nil {
			err = fmt.Errorf("rebase: persist ledger: %w", err)
			if tx.revert != nil {
				if rerr := tx.revert(); rerr != nil {
					return errors.Join(err, fmt.Errorf("rebase: revert queue update: %w", rerr))
				}
			}
			return err
		}
	}
	e.ledger.absorb(tx.ledger)
	e.version++
	for _, ev := range tx.events {
		e.emitter.Emit(ev)
	}
	if e.observer != nil {
		e.observer.LedgerUpdated(e.ledger.Snapshot())
	}
	return nil
}

// Submit deposits value into the buffer and mints shares to sender at the
// current rate. The first deposit into an empty pool mints 1:1.
func (e *Engine) Submit(sender common.Address, value *uint256.Int) (*uint256.Int, error) {
	if err := nativecommon.Guard(e.pauses, nativecommon.ModuleStaking); err != nil {
		return nil, err
	}
	if value == nil || value.IsZero() {
		return nil, ErrInvalidAmount
	}
	var minted *uint256.Int
	err := e.update(func(tx *txn) error {
		l := tx.ledger
		shares := clone(value)
		if !l.TotalShares.IsZero() {
			var err error
			if shares, err = l.SharesFor(value); err != nil {
				return err
			}
		}
		if shares.IsZero() {
			return fmt.Errorf("%w: deposit worth zero shares", ErrInvalidAmount)
		}
		buffered, err := add(l.BufferedValue, value)
		if err != nil {
			return err
		}
		if err := l.mintShares(sender, shares); err != nil {
			return err
		}
		l.BufferedValue = buffered
		tx.emit(events.Submitted{Sender: sender, Value: clone(value), Shares: clone(shares)})
		tx.emit(events.TransferShares{To: sender, Shares: clone(shares), Reason: "submit"})
		minted = shares
		return nil
	})
	if err != nil {
		return nil, err
	}
	return minted, nil
}

// DepositBufferedValue sends count deposits from the buffer to new validators.
func (e *Engine) DepositBufferedValue(count uint64) error {
	if err := nativecommon.Guard(e.pauses, nativecommon.ModuleStaking); err != nil {
		return err
	}
	if count == 0 {
		return ErrInvalidAmount
	}
	return e.update(func(tx *txn) error {
		l := tx.ledger
		amount, err := mul(uint256.NewInt(count), DepositUnit)
		if err != nil {
			return err
		}
		if amount.Gt(l.BufferedValue) {
			return fmt.Errorf("%w: deposit %s, buffered %s", ErrInsufficientBufferedValue, amount.Dec(), l.BufferedValue.Dec())
		}
		l.BufferedValue = new(uint256.Int).Sub(l.BufferedValue, amount)
		l.DepositedValidators += count
		tx.emit(events.UnbufferedDeposit{Validators: count, Value: amount})
		return nil
	})
}

// TransferShares moves shares between holders.
func (e *Engine) TransferShares(from, to common.Address, shares *uint256.Int) error {
	if shares == nil || shares.IsZero() {
		return ErrInvalidAmount
	}
	return e.update(func(tx *txn) error {
		if err := tx.ledger.transferShares(from, to, shares); err != nil {
			return err
		}
		tx.emit(events.TransferShares{From: from, To: to, Shares: clone(shares)})
		return nil
	})
}

// RequestWithdrawal prices owner's shares at the current rate, moves them to
// the queue holder and enqueues a request for that value. All three happen
// under the engine lock; the request is cancelled again if persisting fails.
func (e *Engine) RequestWithdrawal(owner common.Address, shares *uint256.Int, timestamp uint64) (uint64, *uint256.Int, error) {
	if e.queue == nil {
		return 0, nil, ErrNoWithdrawalQueue
	}
	if shares == nil || shares.IsZero() {
		return 0, nil, ErrInvalidAmount
	}
	var (
		id    uint64
		value *uint256.Int
	)
	err := e.update(func(tx *txn) error {
		v, err := tx.ledger.ValueFor(shares)
		if err != nil {
			return err
		}
		holder := e.queue.Holder()
		if err := tx.ledger.transferShares(owner, holder, shares); err != nil {
			return err
		}
		value = v
		tx.emit(events.TransferShares{From: owner, To: holder, Shares: clone(shares), Reason: "withdrawal_request"})
		tx.apply = func() error {
			n, err := e.queue.Enqueue(owner, v, shares, timestamp)
			if err != nil {
				return fmt.Errorf("rebase: enqueue withdrawal: %w", err)
			}
			id = n
			return nil
		}
		tx.revert = func() error { return e.queue.Cancel(id) }
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	return id, value, nil
}

// MintExternalShares mints shares to recipient against external collateral
// and returns the value they represent.
func (e *Engine) MintExternalShares(recipient common.Address, shares *uint256.Int) (*uint256.Int, error) {
	if err := nativecommon.Guard(e.pauses, nativecommon.ModuleExternal); err != nil {
		return nil, err
	}
	var value *uint256.Int
	err := e.update(func(tx *txn) error {
		v, err := tx.ledger.mintExternalShares(recipient, shares)
		if err != nil {
			return err
		}
		value = v
		tx.emit(events.ExternalSharesMinted{Recipient: recipient, Shares: clone(shares), Value: clone(v)})
		tx.emit(events.TransferShares{To: recipient, Shares: clone(shares), Reason: "external"})
		return nil
	})
	if err != nil {
		return nil, err
	}
	if e.observer != nil {
		e.observer.ExternalSharesChanged("mint", shares)
	}
	return value, nil
}

// BurnExternalShares retires external shares held by holder and returns the
// external value released.
func (e *Engine) BurnExternalShares(holder common.Address, shares *uint256.Int) (*uint256.Int, error) {
	var value *uint256.Int
	err := e.update(func(tx *txn) error {
		v, err := tx.ledger.burnExternalShares(holder, shares)
		if err != nil {
			return err
		}
		value = v
		tx.emit(events.ExternalSharesBurnt{Holder: holder, Shares: clone(shares), Value: clone(v)})
		tx.emit(events.TransferShares{From: holder, Shares: clone(shares), Reason: "external"})
		return nil
	})
	if err != nil {
		return nil, err
	}
	if e.observer != nil {
		e.observer.ExternalSharesChanged("burn", shares)
	}
	return value, nil
}

// RebalanceExternalToInternal moves value from external collateral into the
// buffer and returns the shares reclassified as internal.
func (e *Engine) RebalanceExternalToInternal(value *uint256.Int) (*uint256.Int, error) {
	var shares *uint256.Int
	err := e.update(func(tx *txn) error {
		s, err := tx.ledger.rebalanceExternalToInternal(value)
		if err != nil {
			return err
		}
		shares = s
		tx.emit(events.ExternalRebalanced{Value: clone(value), Shares: clone(s)})
		return nil
	})
	if err != nil {
		return nil, err
	}
	if e.observer != nil {
		e.observer.ExternalSharesChanged("rebalance", shares)
	}
	return shares, nil
}

// BeginReport opens a settlement for report on a working copy of the ledger.
// The caller runs the stage methods in order and passes the result to Commit.
func (e *Engine) BeginReport(report Report) (*Settlement, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.beginLocked(report)
}

func (e *Engine) beginLocked(report Report) (*Settlement, error) {
	if err := nativecommon.Guard(e.pauses, nativecommon.ModuleOracle); err != nil {
		return nil, err
	}
	if err := report.validateShape(); err != nil {
		return nil, err
	}
	if report.Timestamp <= e.ledger.LastReportTimestamp {
		return nil, fmt.Errorf("%w: %d <= %d", ErrStaleReport, report.Timestamp, e.ledger.LastReportTimestamp)
	}
	work := e.ledger.Clone()
	return &Settlement{
		txn:               txn{ledger: work},
		report:            report,
		version:           e.version,
		checker:           e.checker,
		queue:             e.queue,
		fees:              e.fees,
		pre:               work.Snapshot(),
		preInternalValue:  work.InternalValue(),
		preInternalShares: work.InternalShares(),
		elapsed:           report.Timestamp - work.LastReportTimestamp,
	}, nil
}

// Commit applies a fully staged settlement. It fails with ErrLedgerChanged
// when another operation committed since BeginReport.
func (e *Engine) Commit(ctx context.Context, s *Settlement) (RebaseRecord, error) {
	if s == nil || s.stage != stageRebased {
		return RebaseRecord{}, fmt.Errorf("%w: settlement incomplete", ErrStageOrder)
	}
	if err := ctx.Err(); err != nil {
		return RebaseRecord{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if s.version != e.version {
		return RebaseRecord{}, ErrLedgerChanged
	}
	if err := e.commitLocked(&s.txn); err != nil {
		return RebaseRecord{}, err
	}
	s.stage = stageCommitted
	if e.observer != nil {
		e.observer.ReportAccepted(s.record)
	}
	return s.record, nil
}

// HandleOracleReport validates and settles report in one transaction. On any
// failure the ledger, store and queue are left untouched.
func (e *Engine) HandleOracleReport(ctx context.Context, report Report) (RebaseRecord, error) {
	ctx, span := e.tracer.Start(ctx, "rebase.handle_oracle_report",
		trace.WithAttributes(attribute.Int64("report.timestamp", int64(report.Timestamp))))
	defer span.End()

	record, err := e.settle(ctx, report)
	if err != nil {
		class, kind := Classify(err), Kind(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Warn("oracle report rejected",
			slog.Uint64("timestamp", report.Timestamp),
			slog.String("class", string(class)),
			slog.String("kind", kind),
			slog.String("error", err.Error()))
		if e.observer != nil {
			e.observer.ReportRejected(class, kind)
		}
		return RebaseRecord{}, err
	}
	span.SetStatus(codes.Ok, "report settled")
	e.logger.Info("oracle report settled",
		slog.Uint64("timestamp", record.ReportTimestamp),
		slog.Uint64("elapsed", record.TimeElapsed),
		slog.String("postTotalValue", record.PostTotalValue.Dec()),
		slog.String("postTotalShares", record.PostTotalShares.Dec()),
		slog.String("feeShares", record.SharesMintedAsFees.Dec()))
	if e.observer != nil {
		e.observer.ReportAccepted(record)
	}
	return record, nil
}

func (e *Engine) settle(ctx context.Context, report Report) (RebaseRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, err := e.beginLocked(report)
	if err != nil {
		return RebaseRecord{}, err
	}
	stages := []struct {
		name string
		run  func() error
	}{
		{"process_consensus_state_update", s.ProcessConsensusStateUpdate},
		{"check_sanity", s.CheckSanity},
		{"collect_rewards_and_process_withdrawals", s.CollectRewardsAndProcessWithdrawals},
		{"distribute_fees", s.DistributeFees},
		{"emit_rebase", func() error { _, err := s.EmitRebase(); return err }},
	}
	for _, st := range stages {
		if err := e.traceStage(ctx, st.name, st.run); err != nil {
			return RebaseRecord{}, err
		}
	}
	if err := ctx.Err(); err != nil {
		return RebaseRecord{}, err
	}
	if err := e.commitLocked(&s.txn); err != nil {
		return RebaseRecord{}, err
	}
	return s.record, nil
}

func (e *Engine) traceStage(ctx context.Context, name string, run func() error) error {
	_, span := e.tracer.Start(ctx, "rebase."+name)
	defer span.End()
	if err := run(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}
